// Package cmd defines and implements the CLI commands for the analyzer executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/config"
	"github.com/JakeFAU/script-cpu-analyzer/internal/logging"
	"github.com/JakeFAU/script-cpu-analyzer/internal/scheduler"
	"github.com/JakeFAU/script-cpu-analyzer/internal/server"
	"github.com/JakeFAU/script-cpu-analyzer/internal/telemetry"
)

const serviceName = "script-cpu-analyzer"

// version is overridden at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

var cfgFile string

// runtimeKeyType is the key for storing the Runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// Runtime holds what every subcommand needs once configuration is loaded.
type Runtime struct {
	Config   config.Config
	Switches *config.Switches
	Logger   *zap.Logger
	Tracing  *sdktrace.TracerProvider
}

// App defines the application interface that commands use.
// Tests inject a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Queue() analysis.Queue
	SchedulePass(ctx context.Context) (scheduler.Report, error)
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, rt Runtime, parts server.Parts) (App, error) {
	app, err := server.Build(ctx, rt.Config, rt.Switches, parts, rt.Logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyzer",
		Short: "Measures the CPU cost of third-party scripts on web pages.",
		Long: `analyzer schedules and runs headless browser audits of registered pages and
records how much main-thread CPU time each third-party script costs on desktop and mobile.`,
		SilenceUsage: true,

		// Loads .env, configuration and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     serviceName,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			tp, err := telemetry.InitTracerProvider(cmd.Context(), serviceName, version)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}

			switches := config.NewSwitches(cfg)
			if err := config.WatchSwitches(cfgFile, switches, logger); err != nil {
				return err
			}

			rt := Runtime{Config: cfg, Switches: switches, Logger: logger, Tracing: tp}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				if err := rt.Tracing.Shutdown(context.Background()); err != nil {
					rt.Logger.Warn("tracer shutdown", zap.Error(err))
				}
				_ = rt.Logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newClearQueueCmd())
	cmd.AddCommand(newScheduleOnceCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (Runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(Runtime)
	if !ok || rt.Logger == nil {
		return Runtime{}, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
