package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/copyleftdev/turnstiled/internal/config"
	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"go.uber.org/zap"
)

// Compile-time checks
var (
	_ Driver   = (*ChromedpDriver)(nil)
	_ Instance = (*chromedpInstance)(nil)
	_ Session  = (*chromedpSession)(nil)
)

// executables tried, in order, when no executable path is configured.
var channelExecutables = map[string][]string{
	"chrome": {"google-chrome", "google-chrome-stable", "chrome"},
	"msedge": {"microsoft-edge", "microsoft-edge-stable", "msedge"},
}

// ChromedpDriver drives Chromium-family browsers over the DevTools protocol.
// Each Launch starts a separate browser process with its own allocator.
type ChromedpDriver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

func NewChromedpDriver(cfg config.BrowserConfig, logger *zap.Logger) *ChromedpDriver {
	return &ChromedpDriver{cfg: cfg, logger: logger.Named("chromedp")}
}

func (d *ChromedpDriver) Name() string { return config.DriverChromedp }

func (d *ChromedpDriver) Close() error { return nil }

func (d *ChromedpDriver) allocatorOptions() ([]chromedp.ExecAllocatorOption, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.IgnoreCertErrors,
	)
	for _, arg := range launchArgs {
		name, value := splitFlag(arg)
		opts = append(opts, chromedp.Flag(name, value))
	}

	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}

	execPath := d.cfg.ExecutablePath
	if execPath == "" {
		for _, name := range channelExecutables[d.cfg.Type] {
			if p, err := exec.LookPath(name); err == nil {
				execPath = p
				break
			}
		}
		if execPath == "" && d.cfg.Type != "" && d.cfg.Type != "chromium" {
			return nil, fmt.Errorf("no %s executable found on PATH; set browser.executablePath", d.cfg.Type)
		}
	}
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	return opts, nil
}

// Launch starts one browser process and waits until it accepts commands.
func (d *ChromedpDriver) Launch(ctx context.Context) (Instance, error) {
	opts, err := d.allocatorOptions()
	if err != nil {
		return nil, err
	}

	// The browser lives until Close; it must not inherit ctx's deadline.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(d.logger.Sugar().Debugf))

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()

	launchTimeout := d.cfg.LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = time.Minute
	}
	timer := time.NewTimer(launchTimeout)
	defer timer.Stop()

	select {
	case err = <-started:
	case <-timer.C:
		err = fmt.Errorf("browser did not start within %s", launchTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &chromedpInstance{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        d.logger,
	}, nil
}

type chromedpInstance struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger

	// Browser contexts are created one at a time per process.
	createMu sync.Mutex
}

// browserExecutor returns a context whose commands go to the browser target
// rather than a page.
func (i *chromedpInstance) browserExecutor(ctx context.Context) context.Context {
	c := chromedp.FromContext(i.browserCtx)
	return cdp.WithExecutor(ctx, c.Browser)
}

func (i *chromedpInstance) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	if err := i.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser is gone: %w", err)
	}

	i.createMu.Lock()
	defer i.createMu.Unlock()

	execCtx, cancel := bindDeadline(i.browserExecutor(i.browserCtx), ctx)
	defer cancel()

	create := target.CreateBrowserContext()
	if opts.Proxy.Enabled() {
		create = create.WithProxyServer(opts.Proxy.Server)
	}
	browserContextID, err := create.Do(execCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	targetID, err := target.CreateTarget("about:blank").
		WithBrowserContextID(browserContextID).
		Do(execCtx)
	if err != nil {
		i.disposeBrowserContext(browserContextID)
		return nil, fmt.Errorf("failed to create target: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(i.browserCtx, chromedp.WithTargetID(targetID))
	s := &chromedpSession{
		instance:         i,
		tabCtx:           tabCtx,
		tabCancel:        tabCancel,
		browserContextID: browserContextID,
		proxy:            opts.Proxy,
		routes:           make(map[string]string),
		logger:           i.logger.With(zap.String("browser_context", string(browserContextID))),
	}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	setup := chromedp.Tasks{
		fetch.Enable().
			WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).
			WithHandleAuthRequests(opts.Proxy.HasCredentials()),
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(evasionsJS).Do(c)
			return err
		}),
	}
	if err := s.run(ctx, setup); err != nil {
		s.Close(context.Background())
		return nil, fmt.Errorf("failed to set up session: %w", err)
	}
	return s, nil
}

func (i *chromedpInstance) disposeBrowserContext(id cdp.BrowserContextID) error {
	if i.browserCtx.Err() != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(i.browserExecutor(i.browserCtx), closeTimeout)
	defer cancel()
	return target.DisposeBrowserContext(id).Do(ctx)
}

func (i *chromedpInstance) Close(ctx context.Context) error {
	defer i.allocCancel()
	defer i.browserCancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(i.browserCtx) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("failed to close browser: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type chromedpSession struct {
	instance         *chromedpInstance
	tabCtx           context.Context
	tabCancel        context.CancelFunc
	browserContextID cdp.BrowserContextID
	proxy            taskstypes.Proxy
	logger           *zap.Logger

	mu     sync.Mutex
	routes map[string]string
}

// run executes actions on the tab, bounded by ctx's deadline and cancellation.
func (s *chromedpSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := bindDeadline(s.tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (s *chromedpSession) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		go s.handlePaused(e)
	case *fetch.EventAuthRequired:
		go s.handleAuth(e)
	}
}

func (s *chromedpSession) targetExecutor() context.Context {
	c := chromedp.FromContext(s.tabCtx)
	return cdp.WithExecutor(s.tabCtx, c.Target)
}

func (s *chromedpSession) handlePaused(e *fetch.EventRequestPaused) {
	ctx := s.targetExecutor()

	s.mu.Lock()
	body, ok := s.routes[e.Request.URL]
	s.mu.Unlock()

	var err error
	if ok {
		err = fetch.FulfillRequest(e.RequestID, 200).
			WithResponseHeaders([]*fetch.HeaderEntry{{Name: "Content-Type", Value: "text/html; charset=utf-8"}}).
			WithBody(base64.StdEncoding.EncodeToString([]byte(body))).
			Do(ctx)
	} else {
		err = fetch.ContinueRequest(e.RequestID).Do(ctx)
	}
	if err != nil && s.tabCtx.Err() == nil {
		s.logger.Debug("Failed to resolve paused request", zap.String("url", e.Request.URL), zap.Error(err))
	}
}

func (s *chromedpSession) handleAuth(e *fetch.EventAuthRequired) {
	resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseDefault}
	if e.AuthChallenge != nil && e.AuthChallenge.Source == fetch.AuthChallengeSourceProxy {
		resp = &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: s.proxy.Username,
			Password: s.proxy.Password,
		}
	}
	if err := fetch.ContinueWithAuth(e.RequestID, resp).Do(s.targetExecutor()); err != nil && s.tabCtx.Err() == nil {
		s.logger.Debug("Failed to answer auth challenge", zap.Error(err))
	}
}

func (s *chromedpSession) Fulfill(ctx context.Context, url, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[url] = body
	return nil
}

func (s *chromedpSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *chromedpSession) Evaluate(ctx context.Context, expression string) error {
	return s.run(ctx, chromedp.Evaluate(expression, nil))
}

func (s *chromedpSession) InputValue(ctx context.Context, selector string) (string, error) {
	var value string
	err := s.run(ctx, chromedp.Value(selector, &value, chromedp.ByQuery))
	return value, err
}

func (s *chromedpSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (s *chromedpSession) Cookies(ctx context.Context) ([]taskstypes.Cookie, error) {
	execCtx, cancel := bindDeadline(s.instance.browserExecutor(s.tabCtx), ctx)
	defer cancel()

	cookies, err := storage.GetCookies().WithBrowserContextID(s.browserContextID).Do(execCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	return convertCDPCookies(cookies), nil
}

func (s *chromedpSession) UserAgent(ctx context.Context) (string, error) {
	var ua string
	err := s.run(ctx, chromedp.Evaluate(`navigator.userAgent`, &ua))
	return ua, err
}

// Close closes the tab and disposes of the browsing context and its storage.
func (s *chromedpSession) Close(ctx context.Context) error {
	s.tabCancel()
	if err := s.instance.disposeBrowserContext(s.browserContextID); err != nil {
		return fmt.Errorf("failed to dispose browser context: %w", err)
	}
	return nil
}

func convertCDPCookies(in []*network.Cookie) []taskstypes.Cookie {
	out := make([]taskstypes.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, taskstypes.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}
	return out
}

// bindDeadline derives a context from parent that also ends when ctx does.
func bindDeadline(parent, ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		derived context.Context
		cancel  context.CancelFunc
	)
	if dl, ok := ctx.Deadline(); ok {
		derived, cancel = context.WithDeadline(parent, dl)
	} else {
		derived, cancel = context.WithCancel(parent)
	}
	stop := context.AfterFunc(ctx, cancel)
	return derived, func() {
		stop()
		cancel()
	}
}

// splitFlag turns "--name=value" into ("name", "value") and "--name" into ("name", true).
func splitFlag(arg string) (string, interface{}) {
	arg = trimDashes(arg)
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			return arg[:i], arg[i+1:]
		}
	}
	return arg, true
}

func trimDashes(s string) string {
	for len(s) > 0 && s[0] == '-' {
		s = s[1:]
	}
	return s
}
