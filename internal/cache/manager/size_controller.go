package manager

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goflare.io/muninn/internal/cache/resident"
	"goflare.io/muninn/internal/models"
)

const (
	// DefaultSizeCheckInterval is the pause between two size checks.
	DefaultSizeCheckInterval = 10 * time.Second
	// DefaultGrowThreshold is the headroom at or below which the slot arrays grow.
	DefaultGrowThreshold = 100
	// DefaultShrinkThreshold is the headroom at or above which the slot arrays shrink.
	DefaultShrinkThreshold = 1000
)

// SizeController keeps the headroom of the resident slot array between the grow and shrink
// thresholds. The sorted mirror, when present, is resized alongside.
type SizeController struct {
	resident        *resident.Cache
	sorted          *resident.SortedCache
	interval        time.Duration
	growThreshold   int
	shrinkThreshold int
	logger          *zap.Logger
}

// NewSizeController creates a SizeController. sorted may be nil.
func NewSizeController(residentCache *resident.Cache, sorted *resident.SortedCache, interval time.Duration, growThreshold, shrinkThreshold int, logger *zap.Logger) *SizeController {
	if interval <= 0 {
		interval = DefaultSizeCheckInterval
	}
	if growThreshold <= 0 {
		growThreshold = DefaultGrowThreshold
	}
	if shrinkThreshold <= growThreshold {
		shrinkThreshold = max(DefaultShrinkThreshold, growThreshold+1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SizeController{
		resident:        residentCache,
		sorted:          sorted,
		interval:        interval,
		growThreshold:   growThreshold,
		shrinkThreshold: shrinkThreshold,
		logger:          logger.Named("size-controller"),
	}
}

// Run checks the headroom every interval until ctx is done.
func (sc *SizeController) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.Check(ctx)
		case <-ctx.Done():
			sc.logger.Info("Stopping size controller due to context cancellation")
			return
		}
	}
}

// Check resizes the slot arrays once if the headroom crossed a threshold.
func (sc *SizeController) Check(ctx context.Context) {
	headroom := sc.resident.Capacity() - sc.resident.Count()

	var resize func(c *resident.Cache, ctx context.Context) models.Result
	switch {
	case headroom <= sc.growThreshold:
		resize = (*resident.Cache).IncreaseArraySize
	case headroom >= sc.shrinkThreshold:
		resize = (*resident.Cache).DecreaseArraySize
	default:
		return
	}

	sc.logger.Debug("Resizing slot arrays", zap.Int("headroom", headroom))

	targets := []*resident.Cache{sc.resident}
	if sc.sorted != nil {
		targets = append(targets, sc.sorted.Cache)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			if result := resize(target, gctx); !result.Successful {
				if result.Cancelled {
					sc.logger.Debug("Resize cancelled", zap.Error(result.Err))
					return nil
				}
				sc.logger.Error("Failed to resize slot array", zap.String("message", result.Message), zap.Error(result.Err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
