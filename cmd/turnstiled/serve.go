package main

import (
	"context"
	"errors"

	"github.com/copyleftdev/turnstiled/internal/observability"
	"github.com/copyleftdev/turnstiled/internal/server"
	"github.com/copyleftdev/turnstiled/internal/store"
	"github.com/copyleftdev/turnstiled/internal/tasks"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the solver HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "address the API listens on")
	flags.Int("port", 5000, "port the API listens on")
	flags.Int("thread", 1, "number of browser instances")
	flags.String("browser_type", "chromium", "browser to launch: chromium, chrome or msedge")
	flags.String("driver", "chromedp", "browser automation driver: chromedp or playwright")
	flags.Bool("headless", true, "run browsers without a window")
	flags.String("useragent", "", "custom User-Agent for the browsers")
	flags.Bool("proxy", true, "honour the proxy parameter of submitted tasks")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("api-key", "", "require this value in the x-api-key header")
	flags.String("store", "file", "result store backend: file, memory or postgres")

	bindFlag(flags, "host", "server.host")
	bindFlag(flags, "port", "server.port")
	bindFlag(flags, "thread", "browser.poolSize")
	bindFlag(flags, "browser_type", "browser.type")
	bindFlag(flags, "driver", "browser.driver")
	bindFlag(flags, "headless", "browser.headless")
	bindFlag(flags, "useragent", "browser.userAgent")
	bindFlag(flags, "proxy", "browser.proxySupport")
	bindFlag(flags, "debug", "debug")
	bindFlag(flags, "api-key", "security.apiKey")
	bindFlag(flags, "store", "store.backend")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer observability.Sync(logger)

	if cfg.Security.ApiKey != "" {
		logger.Info("API key authentication enabled")
	} else {
		logger.Info("API key authentication disabled")
	}

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return err
	}

	manager := tasks.NewManager(eng.solver, st, logger)
	srv := server.NewServer(cfg, manager, eng.pool, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Running tasks were cancelled", zap.Error(err))
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Warn("Failed to close browsers", zap.Error(err))
	}
	if err := st.Close(); err != nil {
		errs = append(errs, err)
	}
	logger.Info("Shutdown complete")
	return errors.Join(errs...)
}
