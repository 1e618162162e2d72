package notifications

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = 15 * time.Minute

// ExpiredSweeper reclaims storage held by expired notifications.
type ExpiredSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Sweeper periodically removes expired notifications. Read paths already
// filter by expiry, so a missed sweep only delays reclaiming storage.
type Sweeper struct {
	store    ExpiredSweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper constructs a Sweeper running every interval.
func NewSweeper(store ExpiredSweeper, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single sweep and logs its outcome.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	removed, err := s.store.SweepExpired(ctx)
	if err != nil {
		s.logger.Warn("expired notification sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("expired notifications removed", zap.Int64("removed", removed))
	}
}
