package challenge

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Selectors of the rendered widget, shared by every browser driver.
const (
	WidgetClass      = "cf-turnstile"
	WidgetSelector   = "." + WidgetClass
	ResponseSelector = "[name=cf-turnstile-response]"

	placeholder = "<!-- cf turnstile -->"
)

//go:embed page.html
var defaultTemplate string

var ErrNoPlaceholder = errors.New("template has no widget placeholder")

// Widget carries the attributes of one challenge widget.
type Widget struct {
	SiteKey string
	Action  string
	CData   string
}

// Builder renders challenge pages from a fixed template. It holds no mutable
// state and is safe for concurrent use.
type Builder struct {
	prefix string
	suffix string
}

// NewBuilder prepares a builder around tmpl, which must contain the
// placeholder comment exactly once.
func NewBuilder(tmpl string) (*Builder, error) {
	if strings.Count(tmpl, placeholder) != 1 {
		return nil, ErrNoPlaceholder
	}
	if _, err := html.Parse(strings.NewReader(tmpl)); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	i := strings.Index(tmpl, placeholder)
	return &Builder{
		prefix: tmpl[:i],
		suffix: tmpl[i+len(placeholder):],
	}, nil
}

// DefaultBuilder returns a builder for the embedded template.
func DefaultBuilder() *Builder {
	b, err := NewBuilder(defaultTemplate)
	if err != nil {
		panic(err)
	}
	return b
}

// Build returns the challenge document for w.
func (b *Builder) Build(w Widget) (string, error) {
	if w.SiteKey == "" {
		return "", errors.New("sitekey is required")
	}

	var buf bytes.Buffer
	buf.Grow(len(b.prefix) + len(b.suffix) + 128)
	buf.WriteString(b.prefix)
	if err := html.Render(&buf, widgetNode(w)); err != nil {
		return "", fmt.Errorf("render widget: %w", err)
	}
	buf.WriteString(b.suffix)
	return buf.String(), nil
}

func widgetNode(w Widget) *html.Node {
	attrs := []html.Attribute{
		{Key: "class", Val: WidgetClass},
		{Key: "style", Val: "background: white;"},
		{Key: "data-sitekey", Val: w.SiteKey},
	}
	if w.Action != "" {
		attrs = append(attrs, html.Attribute{Key: "data-action", Val: w.Action})
	}
	if w.CData != "" {
		attrs = append(attrs, html.Attribute{Key: "data-cdata", Val: w.CData})
	}
	return &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Div,
		Data:     "div",
		Attr:     attrs,
	}
}

// Inspect parses a rendered document and returns the widget it carries.
func Inspect(doc string) (Widget, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return Widget{}, err
	}
	n := findWidget(root)
	if n == nil {
		return Widget{}, errors.New("no widget element in document")
	}

	var w Widget
	for _, a := range n.Attr {
		switch a.Key {
		case "data-sitekey":
			w.SiteKey = a.Val
		case "data-action":
			w.Action = a.Val
		case "data-cdata":
			w.CData = a.Val
		}
	}
	return w, nil
}

func findWidget(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "div" {
		for _, a := range n.Attr {
			if a.Key == "class" && a.Val == WidgetClass {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findWidget(c); found != nil {
			return found
		}
	}
	return nil
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// NormalizeURL returns the URL in the form the browser requests it, which is
// the key interception matches on: lowercase scheme and host, no default
// port, no fragment, and a path ending in a slash.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if strings.HasSuffix(raw, "/") {
			return raw
		}
		return raw + "/"
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host, port := strings.ToLower(u.Hostname()), u.Port()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" && port != defaultPorts[u.Scheme] {
		host += ":" + port
	}
	u.Host = host
	u.Fragment, u.RawFragment = "", ""
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		u.RawPath = ""
	}
	return u.String()
}
