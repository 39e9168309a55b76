package manager

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultLifetimeCheckInterval is the pause between two sweeps.
	DefaultLifetimeCheckInterval = 10 * time.Second
	// DefaultSweepParallelism caps the number of concurrent removals in a sweep.
	DefaultSweepParallelism = 100
)

// TTLManager removes entries whose lifetime has elapsed from every tier.
type TTLManager struct {
	manager     *Manager
	interval    time.Duration
	parallelism int
	logger      *zap.Logger
	now         func() time.Time
}

// NewTTLManager creates a TTLManager.
func NewTTLManager(m *Manager, interval time.Duration, parallelism int, logger *zap.Logger) *TTLManager {
	if interval <= 0 {
		interval = DefaultLifetimeCheckInterval
	}
	if parallelism <= 0 {
		parallelism = DefaultSweepParallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TTLManager{
		manager:     m,
		interval:    interval,
		parallelism: parallelism,
		logger:      logger.Named("ttl-manager"),
		now:         time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (tm *TTLManager) Run(ctx context.Context) {
	ticker := time.NewTicker(tm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tm.Sweep(ctx)
		case <-ctx.Done():
			tm.logger.Info("Stopping TTL manager due to context cancellation")
			return
		}
	}
}

// Sweep removes the expired entries once and returns how many removals succeeded.
func (tm *TTLManager) Sweep(ctx context.Context) int {
	entries, err := tm.manager.GetAll(ctx, true)
	if err != nil {
		tm.logger.Warn("Failed to list entries", zap.Error(err))
		return 0
	}

	now := tm.now()
	var removed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tm.parallelism)
	for _, entry := range entries {
		if !entry.Expired(now) {
			continue
		}
		g.Go(func() error {
			result := tm.manager.Remove(gctx, entry.Key)
			if !result.Successful {
				tm.logger.Warn("Failed to remove expired entry", zap.String("key", entry.Key), zap.Error(result.Error()))
				return nil
			}
			removed.Inc()
			return nil
		})
	}
	_ = g.Wait()

	n := int(removed.Load())
	if n > 0 {
		tm.logger.Debug("Expired entries removed", zap.Int("count", n))
	}
	return n
}
