package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"bookplace.org/internal/migrate"
	"bookplace.org/internal/obs"
	"bookplace.org/internal/store/pg"
)

var errUsage = errors.New("usage: migrate [-dsn DSN] [-dir DIR] up|down|status")

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("BOOKPLACE_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "Read migrations from this directory instead of the embedded set")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()
	logger := obs.NewLogger(os.Getenv("BOOKPLACE_LOG_LEVEL"), os.Stderr)

	if err := run(*dsn, *dir, flag.Arg(0), *timeout, logger); err != nil {
		logger.Error("migrate failed", "command", flag.Arg(0), "err", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(dsn, dir, cmd string, timeout time.Duration, logger *slog.Logger) error {
	if dsn == "" {
		return fmt.Errorf("%w: missing DSN, provide via -dsn or BOOKPLACE_PG_DSN", errUsage)
	}
	switch cmd {
	case "up", "down", "status":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := pg.Open(dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	var mgr *migrate.Manager
	if dir != "" {
		mgr = migrate.NewManager(store.DB(), os.DirFS(dir))
	} else if mgr, err = migrate.Embedded(store.DB()); err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	switch cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		for _, name := range applied {
			logger.Info("applied", "migration", name)
		}
		return err
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		logger.Info("rolled back", "migration", name)
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, item := range history {
			fmt.Println(item)
		}
	}
	return nil
}
