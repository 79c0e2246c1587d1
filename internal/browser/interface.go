package browser

import (
	"context"
	"fmt"

	"github.com/copyleftdev/turnstiled/internal/config"
	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"go.uber.org/zap"
)

// Driver launches browser processes. Implementations must allow Launch to be
// called concurrently.
type Driver interface {
	Name() string
	Launch(ctx context.Context) (Instance, error)
	Close() error
}

// Instance is one long-lived browser process.
type Instance interface {
	// NewSession opens an isolated browsing context with one page in it.
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
	Close(ctx context.Context) error
}

type SessionOptions struct {
	Proxy taskstypes.Proxy
}

// Session is one page inside an isolated browsing context. Every method
// honours the deadline of the context it is given.
type Session interface {
	// Fulfill serves body with status 200 for requests to exactly url.
	Fulfill(ctx context.Context, url, body string) error
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a script in the page and discards its result.
	Evaluate(ctx context.Context, expression string) error
	InputValue(ctx context.Context, selector string) (string, error)
	Click(ctx context.Context, selector string) error
	Cookies(ctx context.Context) ([]taskstypes.Cookie, error)
	UserAgent(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// NewDriver selects the driver named by cfg.Driver.
func NewDriver(cfg config.BrowserConfig, logger *zap.Logger) (Driver, error) {
	switch cfg.Driver {
	case config.DriverChromedp, "":
		return NewChromedpDriver(cfg, logger), nil
	case config.DriverPlaywright:
		return NewPlaywrightDriver(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}
