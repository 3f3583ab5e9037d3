// Command dyndnsd keeps one DNS A record pointed at this machine's public
// IPv4 address. It is configured entirely through the environment and runs
// until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/skrifle/dyndns"
)

func main() {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("app", "dyn-dns-client").
		Logger()

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("dyndnsd exiting")
	}
}

func run(logger zerolog.Logger) error {
	logger.Info().Msg("loading the application configuration from environment")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := dyndns.New(cfg.recordConfig(), dyndns.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("error creating dyndns client: %w", err)
	}

	if cfg.PIDFilePath != "" {
		if err := writePIDFile(cfg.PIDFilePath); err != nil {
			return err
		}
		defer os.Remove(cfg.PIDFilePath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("hostname", cfg.Hostname).
		Int("interval_sec", cfg.IntervalSec).
		Msg("starting the reconcile loop")
	dyndns.RunDaemon(ctx, client, cfg.recordConfig().CheckInterval, logger)

	logger.Info().Msg("termination signal received; shutting down")
	return nil
}

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("error writing PID file: %w", err)
	}
	return nil
}
