package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"bookplace.org/internal/ledger"
	"bookplace.org/internal/obs"
	"bookplace.org/internal/store/pg"
)

var errUsage = errors.New("missing DSN: provide via -dsn or BOOKPLACE_PG_DSN")

// sweep purges expired whitelist entries once, for cron-style deployments
// that do not run the in-process sweeper.
func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("BOOKPLACE_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", time.Minute, "Overall timeout")
	)
	flag.Parse()
	logger := obs.NewLogger(os.Getenv("BOOKPLACE_LOG_LEVEL"), os.Stderr)

	if err := run(*dsn, *timeout, logger); err != nil {
		logger.Error("sweep failed", "err", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// run owns every deferred cleanup so that main can exit with a status code.
func run(dsn string, timeout time.Duration, logger *slog.Logger) error {
	if dsn == "" {
		return errUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := pg.Open(dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	n, err := ledger.NewSweeper(store.Whitelist(), 0, logger).SweepOnce(ctx)
	if err != nil {
		return err
	}
	logger.Info("sweep complete", "removed", n)
	return nil
}
