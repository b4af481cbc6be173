package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bookplace.org/internal/auth"
	"bookplace.org/internal/config"
	"bookplace.org/internal/gate"
	"bookplace.org/internal/httpapi"
	"bookplace.org/internal/ledger"
	"bookplace.org/internal/obs"
	"bookplace.org/internal/policy"
	"bookplace.org/internal/rpc"
	"bookplace.org/internal/session"
	"bookplace.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.LogLevel.String(), nil)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, logger); err != nil {
		logger.Error("bookplace-auth exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		users   auth.UserStore
		tokens  ledger.Ledger
		reviews policy.ReviewLookup
		ready   httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer store.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = store.Ping(pingCtx)
		cancel()
		if err != nil {
			return err
		}
		users, tokens, reviews = store.Users(), store.Whitelist(), store.Reviews()
		ready = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		logger.Warn("BOOKPLACE_PG_DSN not set; using in-memory stores")
		users, tokens = auth.NewMemoryUserStore(), ledger.NewInMemory()
	}

	codec, err := auth.NewCodec(cfg.Codec())
	if err != nil {
		return err
	}
	sessions := session.New(codec, users, tokens, session.WithLogger(logger))
	g := gate.New(codec, tokens, gate.WithLogger(logger))

	api := httpapi.New(httpapi.Config{
		Sessions:     sessions,
		Gate:         g,
		Policy:       policy.NewEvaluator(reviews),
		Ready:        ready,
		Version:      version,
		Logger:       logger,
		CookieSecure: cfg.CookieSecure,
		RatePerSec:   cfg.RateLimitRPS,
		RateBurst:    cfg.RateLimitBurst,

		TrustedProxies: cfg.TrustedProxies,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv, healthSrv := rpc.NewServer(g, logger)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	sweeper := ledger.NewSweeper(tokens, cfg.SweepInterval, logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http listening", "addr", httpSrv.Addr, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		return grpcSrv.Serve(grpcLis)
	})
	group.Go(func() error {
		return sweeper.Run(gctx)
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rpc.GracefulStop(grpcSrv, healthSrv)
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
