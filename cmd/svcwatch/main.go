package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/svcwatch/internal/check"
	"github.com/hazz-dev/svcwatch/internal/checker"
	"github.com/hazz-dev/svcwatch/internal/clock"
	"github.com/hazz-dev/svcwatch/internal/config"
	"github.com/hazz-dev/svcwatch/internal/logging"
	"github.com/hazz-dev/svcwatch/internal/metrics"
	"github.com/hazz-dev/svcwatch/internal/notify"
	"github.com/hazz-dev/svcwatch/internal/scheduler"
	"github.com/hazz-dev/svcwatch/internal/server"
	"github.com/hazz-dev/svcwatch/internal/storage"
	"github.com/hazz-dev/svcwatch/internal/version"
)

type options struct {
	configPath string
	logLevel   string
	once       bool
}

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "svcwatch",
		Short:        "Run health-check scripts and email on failure and recovery",
		Version:      version.String(),
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	flags := root.Flags()
	flags.StringVar(&opts.logLevel, "loglevel", "INFO", "log level (INFO, DEBUG, ERROR, WARN)")
	flags.StringVar(&opts.configPath, "config", "svcwatch.yml", "config file path")
	flags.BoolVar(&opts.once, "once", false, "run every check once, print the results and exit")
	return root
}

func run(cmd *cobra.Command, opts *options) error {
	logger, err := logging.New(opts.logLevel, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Info("config loaded", "path", opts.configPath, "services", len(cfg.Services))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if opts.once {
		return runOnce(ctx, cmd.OutOrStdout(), cfg, checker.NewExecutor())
	}
	return serve(ctx, cfg, checker.NewExecutor(), logger)
}

// serve runs the sweep loop and the optional status API until ctx is done.
func serve(ctx context.Context, cfg *config.Config, exec checker.CommandExecutor, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(":memory:", cfg.History.MaxRuns)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer db.Close()

	m := metrics.New()
	notifier := notify.New(notify.NewSMTPTransport(cfg.SMTP), logger)
	clk := clock.Real()

	tickers := make([]scheduler.Ticker, 0, len(cfg.Services))
	watched := make([]server.Watched, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		st := check.New(svc, check.Deps{
			Executor: exec,
			Notifier: notifier,
			Journal:  db,
			Metrics:  m,
			Clock:    clk,
			Logger:   logger,
		})
		tickers = append(tickers, st)
		watched = append(watched, st)
	}

	sched := scheduler.New(tickers, scheduler.Options{
		SweepInterval: cfg.Scheduler.SweepInterval.Duration,
		MaxParallel:   cfg.Scheduler.MaxParallel,
		Clock:         clk,
		Metrics:       m,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	if cfg.Server.Address != "" {
		srv := server.New(db, watched, m.Handler(), logger)
		go func() {
			serverErr <- srv.Run(ctx, cfg.Server.Address)
		}()
	}

	sched.Start(ctx)

	var runErr error
	serverRunning := cfg.Server.Address != ""
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		serverRunning = false
		if err != nil {
			runErr = fmt.Errorf("HTTP server: %w", err)
		}
		cancel()
	}

	sched.Wait()
	if serverRunning {
		<-serverErr
	}
	logger.Info("shutdown complete")
	return runErr
}
