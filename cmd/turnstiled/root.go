package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/copyleftdev/turnstiled/internal/browser"
	"github.com/copyleftdev/turnstiled/internal/challenge"
	"github.com/copyleftdev/turnstiled/internal/config"
	"github.com/copyleftdev/turnstiled/internal/observability"
	"github.com/copyleftdev/turnstiled/internal/solver"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app carries state shared by the subcommands.
type app struct {
	cfgFile string
	v       *viper.Viper
}

func newRootCmd() *cobra.Command {
	return newRootCmdFor(&app{})
}

func newRootCmdFor(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "turnstiled",
		Short:         "Turnstile challenge solver service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// The config file is only known once flags are parsed.
			a.v = config.New(a.cfgFile)
			var err error
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				if key, ok := f.Annotations[viperKeyAnnotation]; ok && len(key) == 1 && err == nil {
					err = a.v.BindPFlag(key[0], f)
				}
			})
			return err
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.SetVersionTemplate("turnstiled {{.Version}}\n")

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newProbeCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

const viperKeyAnnotation = "turnstiled_viper_key"

// bindFlag records the config key a flag overrides. Binding happens after
// parsing, when the viper instance for the chosen config file exists.
func bindFlag(flags *pflag.FlagSet, name, key string) {
	flags.SetAnnotation(name, viperKeyAnnotation, []string{key})
}

// loadConfig decodes the merged file, environment and flag settings.
func (a *app) loadConfig() (*config.Config, error) {
	if a.v.GetBool("debug") {
		a.v.Set("log.level", "debug")
	}
	return config.Load(a.v)
}

// engine is the browser side of the service: driver, pool and solver.
type engine struct {
	driver browser.Driver
	pool   *browser.Pool
	solver *solver.Solver
}

func newEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engine, error) {
	driver, err := browser.NewDriver(cfg.Browser, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Initializing browsers",
		zap.String("driver", driver.Name()),
		zap.String("browser", cfg.Browser.Type),
		zap.Int("browsers", cfg.Browser.PoolSize),
		zap.Bool("headless", cfg.Browser.Headless))

	pool, err := browser.NewPool(ctx, driver, cfg.Browser.PoolSize, logger)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("failed to start browser pool: %w", err)
	}

	return &engine{
		driver: driver,
		pool:   pool,
		solver: solver.New(pool, challenge.DefaultBuilder(), cfg.Solver, cfg.Browser.ProxySupport, logger),
	}, nil
}

func (r *engine) Close(ctx context.Context) error {
	return errors.Join(r.pool.Close(ctx), r.driver.Close())
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
