package manager

import (
	"context"

	"go.uber.org/zap"

	"goflare.io/muninn/internal/cache/persistent"
	"goflare.io/muninn/internal/cache/resident"
	"goflare.io/muninn/internal/models"
)

// Tier is a store that can mirror the resident cache.
type Tier interface {
	Add(ctx context.Context, entry *models.Entry) models.Result
	Insert(ctx context.Context, entry *models.Entry) models.Result
	Update(ctx context.Context, entry *models.Entry) models.Result
	Remove(ctx context.Context, key string) models.Result
	Get(ctx context.Context, key string) models.Result
	GetAll(ctx context.Context, tracking bool) ([]*models.Entry, error)
	Clear(ctx context.Context) models.Result
}

var (
	_ Tier = (*resident.SortedCache)(nil)
	_ Tier = (*persistent.Cache)(nil)
)

// Executor runs a single tier operation on behalf of a handler.
type Executor func(ctx context.Context, operation, key string, fn func(ctx context.Context) models.Result) models.Result

// direct runs fn once.
func direct(ctx context.Context, _, _ string, fn func(ctx context.Context) models.Result) models.Result {
	return fn(ctx)
}

// NewSortedHandler replicates to the sorted mirror. Operations are applied once, in order.
func NewSortedHandler(sorted *resident.SortedCache, queueSize int, logger *zap.Logger, metrics *models.Metrics) *Handler {
	return NewHandler("sorted", sorted, direct, queueSize, logger, metrics)
}

// NewPersistentHandler replicates to the persistent tier through resilience.
func NewPersistentHandler(cache *persistent.Cache, resilience *Resilience, queueSize int, logger *zap.Logger, metrics *models.Metrics) *Handler {
	return NewHandler("persistent", cache, resilience.Execute, queueSize, logger, metrics)
}
