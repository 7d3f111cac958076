package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/resumevault/backend/internal/config"
	"github.com/resumevault/backend/internal/db"
	"github.com/resumevault/backend/internal/httpserver"
	"github.com/resumevault/backend/internal/logging"
)

// Run bootstraps the resume video backend.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected command: serve, migrate, or sweep")
	}

	switch args[0] {
	case "serve":
		return serve(ctx)
	case "migrate":
		return runMigrations(ctx, args[1:])
	case "sweep":
		return runSweep(ctx, os.Stdout)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func setup() (config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, closer := logging.New(cfg.LogLevel, logging.FileOptions{
		Path:       cfg.Log.Path,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

func serve(ctx context.Context) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	srv := httpserver.New(cfg.AppPort, comps.Handler(logger), cfg.HTTP.WriteTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.AppPort, "ledger", cfg.LedgerBackend, "storage", cfg.Storage.Provider)
		return srv.Start()
	})
	g.Go(func() error {
		comps.sweeper.Start()
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpserver.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			comps.sweeper.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}

func runMigrations(ctx context.Context, args []string) error {
	cfg, _, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	command := "up"
	if len(args) > 0 {
		command = args[0]
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.Migrate(ctx, pool, command, os.Stdout)
}

// runSweep performs one sweep cycle and prints its report.
func runSweep(ctx context.Context, out io.Writer) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	comps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	report, runErr := comps.sweeper.Run(logging.WithLogger(ctx, logger))

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write sweep report: %w", err)
	}
	return runErr
}
