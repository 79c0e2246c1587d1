package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/copyleftdev/turnstiled/internal/config"
	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

var (
	_ Driver   = (*PlaywrightDriver)(nil)
	_ Instance = (*playwrightInstance)(nil)
	_ Session  = (*playwrightSession)(nil)
)

// PlaywrightDriver launches browsers through a shared Playwright server. The
// server is started on the first Launch and stopped by Close.
type PlaywrightDriver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

func NewPlaywrightDriver(cfg config.BrowserConfig, logger *zap.Logger) *PlaywrightDriver {
	return &PlaywrightDriver{cfg: cfg, logger: logger.Named("playwright")}
}

func (d *PlaywrightDriver) Name() string { return config.DriverPlaywright }

func (d *PlaywrightDriver) runtime() (*playwright.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw != nil {
		return d.pw, nil
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("could not start playwright: %w", err)
	}
	d.pw = pw
	return pw, nil
}

func (d *PlaywrightDriver) launchOptions() playwright.BrowserTypeLaunchOptions {
	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.cfg.Headless),
		Args:     append([]string(nil), launchArgs...),
	}
	if d.cfg.Type == "chrome" || d.cfg.Type == "msedge" {
		opts.Channel = playwright.String(d.cfg.Type)
	}
	if d.cfg.ExecutablePath != "" {
		opts.ExecutablePath = playwright.String(d.cfg.ExecutablePath)
	}
	if d.cfg.UserAgent != "" {
		opts.Args = append(opts.Args, "--user-agent="+d.cfg.UserAgent)
	}
	if d.cfg.LaunchTimeout > 0 {
		opts.Timeout = playwright.Float(float64(d.cfg.LaunchTimeout.Milliseconds()))
	}
	return opts
}

func (d *PlaywrightDriver) Launch(ctx context.Context) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := d.runtime()
	if err != nil {
		return nil, err
	}
	b, err := pw.Chromium.Launch(d.launchOptions())
	if err != nil {
		return nil, fmt.Errorf("could not launch %s: %w", d.cfg.Type, err)
	}
	return &playwrightInstance{browser: b, logger: d.logger}, nil
}

func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	if err != nil {
		return fmt.Errorf("could not stop playwright: %w", err)
	}
	return nil
}

type playwrightInstance struct {
	browser playwright.Browser
	logger  *zap.Logger
}

func (i *playwrightInstance) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ctxOpts playwright.BrowserNewContextOptions
	if opts.Proxy.Enabled() {
		proxy := &playwright.Proxy{Server: opts.Proxy.Server}
		if opts.Proxy.HasCredentials() {
			proxy.Username = playwright.String(opts.Proxy.Username)
			proxy.Password = playwright.String(opts.Proxy.Password)
		}
		ctxOpts.Proxy = proxy
	}

	bctx, err := i.browser.NewContext(ctxOpts)
	if err != nil {
		return nil, fmt.Errorf("could not create browser context: %w", err)
	}
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(evasionsJS)}); err != nil {
		bctx.Close()
		return nil, fmt.Errorf("could not add init script: %w", err)
	}
	p, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("could not create page: %w", err)
	}

	s := &playwrightSession{
		context: bctx,
		page:    p,
		routes:  make(map[string]string),
		logger:  i.logger,
	}
	if err := p.Route("**/*", s.handleRoute); err != nil {
		bctx.Close()
		return nil, fmt.Errorf("could not install route: %w", err)
	}
	return s, nil
}

func (i *playwrightInstance) Close(ctx context.Context) error {
	if err := i.browser.Close(); err != nil {
		return fmt.Errorf("could not close browser: %w", err)
	}
	return nil
}

type playwrightSession struct {
	context playwright.BrowserContext
	page    playwright.Page
	logger  *zap.Logger

	mu     sync.Mutex
	routes map[string]string
}

func (s *playwrightSession) handleRoute(route playwright.Route) {
	url := route.Request().URL()

	s.mu.Lock()
	body, ok := s.routes[url]
	s.mu.Unlock()

	var err error
	if ok {
		err = route.Fulfill(playwright.RouteFulfillOptions{
			Status:      playwright.Int(200),
			ContentType: playwright.String("text/html; charset=utf-8"),
			Body:        body,
		})
	} else {
		err = route.Continue()
	}
	if err != nil {
		s.logger.Debug("Failed to resolve routed request", zap.String("url", url), zap.Error(err))
	}
}

func (s *playwrightSession) Fulfill(ctx context.Context, url, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[url] = body
	return nil
}

func (s *playwrightSession) Navigate(ctx context.Context, url string) error {
	_, err := s.page.Goto(url, playwright.PageGotoOptions{Timeout: timeoutMillis(ctx)})
	return err
}

func (s *playwrightSession) Evaluate(ctx context.Context, expression string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Evaluate(expression)
	return err
}

func (s *playwrightSession) InputValue(ctx context.Context, selector string) (string, error) {
	return s.page.Locator(selector).InputValue(playwright.LocatorInputValueOptions{Timeout: timeoutMillis(ctx)})
}

func (s *playwrightSession) Click(ctx context.Context, selector string) error {
	return s.page.Locator(selector).Click(playwright.LocatorClickOptions{Timeout: timeoutMillis(ctx)})
}

func (s *playwrightSession) Cookies(ctx context.Context) ([]taskstypes.Cookie, error) {
	cookies, err := s.context.Cookies()
	if err != nil {
		return nil, fmt.Errorf("could not read cookies: %w", err)
	}
	out := make([]taskstypes.Cookie, 0, len(cookies))
	for _, c := range cookies {
		cookie := taskstypes.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		out = append(out, cookie)
	}
	return out, nil
}

func (s *playwrightSession) UserAgent(ctx context.Context) (string, error) {
	v, err := s.page.Evaluate("navigator.userAgent")
	if err != nil {
		return "", err
	}
	ua, _ := v.(string)
	return ua, nil
}

func (s *playwrightSession) Close(ctx context.Context) error {
	if err := s.context.Close(); err != nil {
		return fmt.Errorf("could not close browser context: %w", err)
	}
	return nil
}

// timeoutMillis converts the time left before ctx's deadline into a
// Playwright timeout. Without a deadline Playwright's default applies.
func timeoutMillis(ctx context.Context) *float64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	left := time.Until(dl)
	if left < time.Millisecond {
		left = time.Millisecond
	}
	return playwright.Float(float64(left.Milliseconds()))
}
