// Package solver drives one browser session through a challenge until the
// widget yields a token or the attempt budget runs out.
package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/copyleftdev/turnstiled/internal/browser"
	"github.com/copyleftdev/turnstiled/internal/challenge"
	"github.com/copyleftdev/turnstiled/internal/config"
	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"go.uber.org/zap"
)

var ErrAttemptsExhausted = errors.New("no token after all attempts")

const sessionCloseTimeout = 10 * time.Second

// Acquirer hands out exclusive use of a browser. *browser.Pool satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context) (*browser.Lease, error)
}

type Solver struct {
	pool         Acquirer
	builder      *challenge.Builder
	cfg          config.SolverConfig
	proxySupport bool
	logger       *zap.Logger
}

func New(pool Acquirer, builder *challenge.Builder, cfg config.SolverConfig, proxySupport bool, logger *zap.Logger) *Solver {
	if builder == nil {
		builder = challenge.DefaultBuilder()
	}
	if cfg.WidgetWidth == "" {
		cfg.WidgetWidth = "70px"
	}
	return &Solver{
		pool:         pool,
		builder:      builder,
		cfg:          cfg,
		proxySupport: proxySupport,
		logger:       logger.Named("solver"),
	}
}

// Solve runs the whole lifecycle of one task and always returns a terminal
// result. The browser slot and the browsing context are released on every
// exit path, panics included.
func (s *Solver) Solve(ctx context.Context, task *taskstypes.Task) (result taskstypes.Result) {
	start := time.Now()
	log := s.logger.With(zap.String("task_id", task.ID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Solve panicked", zap.Any("panic", r), zap.Stack("stack"))
			result = taskstypes.Failure(time.Since(start), fmt.Sprintf("panic: %v", r))
		}
	}()

	opts, err := s.sessionOptions(task, log)
	if err != nil {
		log.Warn("Rejected task proxy", zap.Error(err))
		return taskstypes.Failure(time.Since(start), err.Error())
	}

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		log.Warn("Failed to acquire browser", zap.Error(err))
		return taskstypes.Failure(time.Since(start), fmt.Sprintf("failed to acquire browser: %v", err))
	}
	defer lease.Release()
	log = log.With(zap.Int("slot", lease.Index()))
	log.Debug("Browser acquired", zap.String("url", task.URL))

	result, err = s.solve(ctx, lease.Instance(), task, opts, start, log)
	if err != nil {
		result = taskstypes.Failure(time.Since(start), err.Error())
		log.Warn("Failed to solve challenge", zap.Error(err), zap.Float64("elapsed_time", result.ElapsedTime))
		return result
	}
	log.Info("Solved challenge", zap.String("token", abbreviate(result.Value)), zap.Float64("elapsed_time", result.ElapsedTime))
	return result
}

// sessionOptions routes the task through its proxy. A requested proxy that
// cannot be used fails the task rather than falling back to a direct connection.
func (s *Solver) sessionOptions(task *taskstypes.Task, log *zap.Logger) (browser.SessionOptions, error) {
	var opts browser.SessionOptions
	if !task.Proxy.Requested() {
		return opts, nil
	}
	if !s.proxySupport {
		log.Debug("Proxy support is disabled, ignoring task proxy")
		return opts, nil
	}
	if err := task.Proxy.Validate(); err != nil {
		return opts, err
	}
	opts.Proxy = task.Proxy
	return opts, nil
}

func (s *Solver) solve(ctx context.Context, inst browser.Instance, task *taskstypes.Task, opts browser.SessionOptions, start time.Time, log *zap.Logger) (taskstypes.Result, error) {
	sess, err := inst.NewSession(ctx, opts)
	if err != nil {
		return taskstypes.Result{}, fmt.Errorf("failed to create browsing context: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			log.Warn("Failed to close browsing context", zap.Error(err))
		}
	}()

	page, err := s.builder.Build(challenge.Widget{SiteKey: task.SiteKey, Action: task.Action, CData: task.CData})
	if err != nil {
		return taskstypes.Result{}, err
	}

	target := challenge.NormalizeURL(task.URL)
	if err := sess.Fulfill(ctx, target, page); err != nil {
		return taskstypes.Result{}, fmt.Errorf("failed to intercept %s: %w", target, err)
	}
	if err := s.navigate(ctx, sess, target); err != nil {
		return taskstypes.Result{}, fmt.Errorf("failed to navigate to %s: %w", target, err)
	}

	resize := fmt.Sprintf("document.querySelector(%q).style.width = %q", challenge.WidgetSelector, s.cfg.WidgetWidth)
	if err := sess.Evaluate(ctx, resize); err != nil {
		log.Debug("Failed to resize widget", zap.Error(err))
	}

	for n := 1; n <= s.cfg.MaxAttempts; n++ {
		a := s.attempt(ctx, sess)
		switch a.Kind {
		case AttemptToken:
			elapsed := time.Since(start)
			cookies, err := sess.Cookies(ctx)
			if err != nil {
				log.Warn("Failed to read cookies", zap.Error(err))
			}
			ua, err := sess.UserAgent(ctx)
			if err != nil {
				log.Warn("Failed to read user agent", zap.Error(err))
			}
			return taskstypes.Success(a.Token, elapsed, cookies, ua), nil
		case AttemptTransient:
			if a.Unexpected() {
				log.Debug("Attempt failed", zap.Int("attempt", n), zap.Error(a.Err))
			} else {
				log.Debug("Attempt timed out", zap.Int("attempt", n), zap.Error(a.Err))
			}
		default:
			log.Debug("Widget not ready", zap.Int("attempt", n))
		}

		if err := ctx.Err(); err != nil {
			return taskstypes.Result{}, err
		}
	}
	return taskstypes.Result{}, fmt.Errorf("%w (%d)", ErrAttemptsExhausted, s.cfg.MaxAttempts)
}

func (s *Solver) navigate(ctx context.Context, sess browser.Session, url string) error {
	if s.cfg.NavigateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NavigateTimeout)
		defer cancel()
	}
	return sess.Navigate(ctx, url)
}

// attempt reads the response field once. When the field is empty or the
// read fails it nudges the widget with a click and pauses before returning.
func (s *Solver) attempt(ctx context.Context, sess browser.Session) Attempt {
	readCtx, cancel := withTimeout(ctx, s.cfg.ReadTimeout)
	value, err := sess.InputValue(readCtx, challenge.ResponseSelector)
	cancel()

	var a Attempt
	switch {
	case err != nil:
		a = Attempt{Kind: AttemptTransient, Err: err}
	case value != "":
		return Attempt{Kind: AttemptToken, Token: value}
	default:
		a = Attempt{Kind: AttemptEmpty}
		clickCtx, cancel := withTimeout(ctx, s.cfg.ClickTimeout)
		err = sess.Click(clickCtx, challenge.WidgetSelector)
		cancel()
		if err != nil {
			a = Attempt{Kind: AttemptTransient, Err: err}
		}
	}

	pause(ctx, s.cfg.PollInterval)
	return a
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func abbreviate(token string) string {
	if len(token) <= 16 {
		return token
	}
	return token[:16] + "..."
}
