// Command dsentr is the workflow automation backend's entry point: a single
// binary with serve/worker/migrate subcommands, selected by CLI flag or
// DSENTR_MODE.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dsentr/dsentr/internal/app"
	"github.com/dsentr/dsentr/internal/config"
	"github.com/dsentr/dsentr/internal/platform"
)

// Exit codes: 0 clean, 1 config error, 2 migration failure, 130 SIGINT.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitMigrationError = 2
	exitSIGINT         = 130
)

func main() {
	mode := flag.String("mode", "", "run mode: serve, worker, or migrate (overrides DSENTR_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(exitConfigError)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	// `dsentr serve|worker|migrate` as a subcommand works too.
	if arg := flag.Arg(0); arg != "" {
		cfg.Mode = arg
	}
	switch cfg.Mode {
	case "serve", "worker", "migrate":
	default:
		fmt.Fprintf(os.Stderr, "error: unknown mode %q (want serve, worker, or migrate)\n", cfg.Mode)
		os.Exit(exitConfigError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var runErr error
	if cfg.Mode == "migrate" {
		runErr = runMigrate(cfg)
		if runErr != nil {
			slog.Error("migration failed", "error", runErr)
			os.Exit(exitMigrationError)
		}
		os.Exit(exitOK)
	}

	runErr = app.Run(ctx, cfg)
	if runErr != nil {
		slog.Error("fatal", "error", runErr)
		os.Exit(exitConfigError)
	}

	if ctx.Err() != nil {
		os.Exit(exitSIGINT)
	}
	os.Exit(exitOK)
}

func runMigrate(cfg *config.Config) error {
	return platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir)
}
