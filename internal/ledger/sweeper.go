package ledger

import (
	"context"
	"log/slog"
	"time"

	"bookplace.org/internal/obs"
)

const defaultSweepInterval = 10 * time.Minute

// Sweeper periodically purges expired whitelist entries.
// SweepExpired is a pure delete-by-predicate, so it can run next to live traffic.
type Sweeper struct {
	ledger   Ledger
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds a sweeper; a non-positive interval falls back to the default.
func NewSweeper(l Ledger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{ledger: l, interval: interval, logger: logger}
}

// SweepOnce runs a single purge and records the outcome.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		obs.RecordSweep(0, err)
		return 0, err
	}
	obs.RecordSweep(n, nil)
	return n, nil
}

// Run sweeps every interval until ctx is cancelled. Failed sweeps are logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("whitelist sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("whitelist sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("whitelist sweep failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("whitelist swept", "removed", n)
			}
		}
	}
}
