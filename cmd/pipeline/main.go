// Command pipeline runs the producer-consumer work-queue pipeline: it
// drains rows from an upstream Postgres table, parks them in an embedded
// SQLite work queue, and fans each row out through three concurrent
// httpbin delay calls whose results are written back into the queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Stella-Achar-Oiro/queuepipe/internal/config"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/orchestrator"
	"github.com/Stella-Achar-Oiro/queuepipe/internal/source"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := source.Dial(ctx, source.ConnParams{
		Host:     cfg.PGHost,
		Port:     cfg.PGPort,
		User:     cfg.PGUser,
		Password: cfg.PGPassword,
		Database: cfg.PGDatabase,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to upstream source")
		os.Exit(1)
	}
	defer src.Close()

	orch := orchestrator.New(cfg, log, src)
	code := orch.Run(ctx)
	os.Exit(code)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func printBanner(cfg *config.Config) {
	fmt.Println("=== Work Queue Pipeline ===")
	fmt.Printf("Consumers:     %d\n", cfg.Consumers)
	fmt.Printf("Batch size:    %d\n", cfg.BatchSize)
	fmt.Printf("Row limit:     %d (0 = unbounded)\n", cfg.Limit)
	fmt.Printf("Max duration:  %ds (0 = unbounded)\n", cfg.MaxDuration)
	fmt.Printf("Queue file:    %s\n", cfg.QueuePath)
	fmt.Printf("HTTP target:   %s\n", cfg.HTTPBinURL)
	fmt.Println()
}
