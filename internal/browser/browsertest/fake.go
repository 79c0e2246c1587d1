// Package browsertest provides in-memory browser drivers for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/copyleftdev/turnstiled/internal/browser"
	"github.com/copyleftdev/turnstiled/internal/challenge"
	"github.com/copyleftdev/turnstiled/internal/taskstypes"
)

var (
	_ browser.Driver   = (*Driver)(nil)
	_ browser.Instance = (*Instance)(nil)
	_ browser.Session  = (*Session)(nil)
)

// ErrNotIntercepted is returned by Navigate when no Fulfill rule matches.
var ErrNotIntercepted = errors.New("net::ERR_NAME_NOT_RESOLVED")

// Driver launches fake instances. FailLaunch makes the n-th launch (1-based) fail.
type Driver struct {
	// NewSession builds the session every instance hands out. Defaults to
	// a session that reports "fake-token" on the third poll.
	NewSession func(opts browser.SessionOptions) (*Session, error)
	FailLaunch int

	mu        sync.Mutex
	launches  int
	instances []*Instance
	closed    bool
}

func (d *Driver) Name() string { return "fake" }

func (d *Driver) Launch(ctx context.Context) (browser.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	if d.FailLaunch != 0 && d.launches == d.FailLaunch {
		return nil, fmt.Errorf("launch %d: executable not found", d.launches)
	}
	inst := &Instance{newSession: d.NewSession}
	d.instances = append(d.instances, inst)
	return inst, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Instances returns every instance launched so far.
func (d *Driver) Instances() []*Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Instance(nil), d.instances...)
}

// Instance is a fake browser process.
type Instance struct {
	newSession func(opts browser.SessionOptions) (*Session, error)

	mu       sync.Mutex
	sessions []*Session
	closed   bool
}

func (i *Instance) NewSession(ctx context.Context, opts browser.SessionOptions) (browser.Session, error) {
	var (
		s   *Session
		err error
	)
	if i.newSession != nil {
		s, err = i.newSession(opts)
	} else {
		s = &Session{TokenOnPoll: 3, Token: "fake-token"}
	}
	if err != nil {
		return nil, err
	}
	s.proxy = opts.Proxy

	i.mu.Lock()
	i.sessions = append(i.sessions, s)
	i.mu.Unlock()
	return s, nil
}

func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

func (i *Instance) Sessions() []*Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*Session(nil), i.sessions...)
}

// Session is a scripted page. The widget reports Token on poll TokenOnPoll
// (1-based); zero means never.
type Session struct {
	TokenOnPoll int
	Token       string
	UA          string
	CookieJar   []taskstypes.Cookie

	NavigateErr error
	EvaluateErr error
	CloseErr    error
	// PollErr, when set, is consulted before every poll.
	PollErr func(poll int) error
	// ClickErr is returned by every click.
	ClickErr error
	// BlockPolls makes every read wait for its context to expire.
	BlockPolls bool
	// PanicOnPoll panics inside the given poll.
	PanicOnPoll int
	// Gate, when non-nil, is received from before each poll.
	Gate chan struct{}

	mu        sync.Mutex
	proxy     taskstypes.Proxy
	routes    map[string]string
	navigated []string
	evaluated []string
	widget    challenge.Widget
	polls     int
	clicks    int
	closed    bool
}

func (s *Session) Fulfill(ctx context.Context, url, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routes == nil {
		s.routes = make(map[string]string)
	}
	s.routes[url] = body
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.NavigateErr != nil {
		return s.NavigateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.routes[url]
	if !ok {
		return fmt.Errorf("navigate %s: %w", url, ErrNotIntercepted)
	}
	w, err := challenge.Inspect(body)
	if err != nil {
		return err
	}
	s.widget = w
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *Session) Evaluate(ctx context.Context, expression string) error {
	if s.EvaluateErr != nil {
		return s.EvaluateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated = append(s.evaluated, expression)
	return nil
}

func (s *Session) InputValue(ctx context.Context, selector string) (string, error) {
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	s.polls++
	n := s.polls
	s.mu.Unlock()

	if s.PanicOnPoll != 0 && n == s.PanicOnPoll {
		panic("target crashed")
	}
	if s.BlockPolls {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.PollErr != nil {
		if err := s.PollErr(n); err != nil {
			return "", err
		}
	}
	if selector != challenge.ResponseSelector {
		return "", fmt.Errorf("no node for selector %q", selector)
	}
	if s.TokenOnPoll != 0 && n >= s.TokenOnPoll {
		return s.Token, nil
	}
	return "", nil
}

func (s *Session) Click(ctx context.Context, selector string) error {
	s.mu.Lock()
	s.clicks++
	s.mu.Unlock()
	return s.ClickErr
}

func (s *Session) Cookies(ctx context.Context) ([]taskstypes.Cookie, error) {
	return s.CookieJar, nil
}

func (s *Session) UserAgent(ctx context.Context) (string, error) {
	if s.UA == "" {
		return "Mozilla/5.0 (fake)", nil
	}
	return s.UA, nil
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.CloseErr
}

// Polls is the number of InputValue calls made.
func (s *Session) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func (s *Session) Clicks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clicks
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Proxy() taskstypes.Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxy
}

// Widget is the widget rendered by the last successful navigation.
func (s *Session) Widget() challenge.Widget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.widget
}

func (s *Session) Navigated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigated...)
}

// Evaluated returns the scripts evaluated so far, joined for easy matching.
func (s *Session) Evaluated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.evaluated, "\n")
}
