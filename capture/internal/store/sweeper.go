package store

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs Store.Sweep on an interval.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	// OnSweep, when set, receives the count of every non-empty sweep.
	OnSweep func(n int)
}

// NewSweeper returns a sweeper. A non-positive interval defaults to one minute.
func NewSweeper(s Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: s, interval: interval, logger: logger}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and returns the number of removed snapshots.
func (sw *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := sw.store.Sweep(ctx, time.Now())
	if err != nil {
		if ctx.Err() == nil {
			sw.logger.Warn("store: sweep failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		sw.logger.Info("store: swept snapshots", "removed", n)
		if sw.OnSweep != nil {
			sw.OnSweep(n)
		}
	}
	return n
}
