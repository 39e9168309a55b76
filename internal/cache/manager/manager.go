// Package manager orchestrates the resident tier and its replicas.
//
// Writes are applied to the resident cache synchronously and then replicated to every handler
// through the handler's queue. Reads race the resident cache against the handlers that are up to
// date for the requested key.
package manager

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goflare.io/muninn/internal/cache/resident"
	"goflare.io/muninn/internal/models"
)

// Manager is the single entry point to the cache tiers.
type Manager struct {
	resident *resident.Cache
	handlers []*Handler

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *models.Metrics
}

// New creates a manager over the resident cache and the given handlers.
func New(residentCache *resident.Cache, logger *zap.Logger, metrics *models.Metrics, handlers ...*Handler) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = models.NewMetrics()
	}
	return &Manager{
		resident: residentCache,
		handlers: handlers,
		logger:   logger.Named("manager"),
		tracer:   otel.Tracer("muninn"),
		metrics:  metrics,
	}
}

// Resident returns the authoritative tier.
func (m *Manager) Resident() *resident.Cache {
	return m.resident
}

// Metrics returns the counters shared by the manager and its handlers.
func (m *Manager) Metrics() *models.Metrics {
	return m.metrics
}

// Add stores entry in the resident cache and replicates it.
func (m *Manager) Add(ctx context.Context, entry *models.Entry) models.Result {
	if err := validate(entry); err != nil {
		return models.Failure("cannot add entry", err)
	}
	ctx, span := m.tracer.Start(ctx, "Manager.Add", trace.WithAttributes(attribute.String("key", entry.Key)))
	defer span.End()

	result := m.resident.Add(ctx, entry)
	if result.Successful {
		m.replicate(ctx, opAdd, entry.Key, result.Entry)
	}
	return m.finish(span, result)
}

// Insert upserts entry in the resident cache and replicates it.
func (m *Manager) Insert(ctx context.Context, entry *models.Entry) models.Result {
	if err := validate(entry); err != nil {
		return models.Failure("cannot insert entry", err)
	}
	ctx, span := m.tracer.Start(ctx, "Manager.Insert", trace.WithAttributes(attribute.String("key", entry.Key)))
	defer span.End()

	result := m.resident.Insert(ctx, entry)
	if result.Successful {
		m.replicate(ctx, opInsert, entry.Key, result.Entry)
	}
	return m.finish(span, result)
}

// Update overwrites entry in the resident cache and replicates it.
func (m *Manager) Update(ctx context.Context, entry *models.Entry) models.Result {
	if err := validate(entry); err != nil {
		return models.Failure("cannot update entry", err)
	}
	ctx, span := m.tracer.Start(ctx, "Manager.Update", trace.WithAttributes(attribute.String("key", entry.Key)))
	defer span.End()

	result := m.resident.Update(ctx, entry)
	if result.Successful {
		m.replicate(ctx, opUpdate, entry.Key, result.Entry)
	}
	return m.finish(span, result)
}

// Remove deletes key from the resident cache and replicates the removal.
func (m *Manager) Remove(ctx context.Context, key string) models.Result {
	if err := models.ValidateKey(key); err != nil {
		return models.Failure("cannot remove entry", err)
	}
	ctx, span := m.tracer.Start(ctx, "Manager.Remove", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	result := m.resident.Remove(ctx, key)
	if result.Successful {
		m.replicate(ctx, opRemove, key, nil)
	}
	return m.finish(span, result)
}

// Get returns the first successful read among the resident cache and the handlers that have no
// queued operations for key. When every tier fails the first completed failure is returned.
func (m *Manager) Get(ctx context.Context, key string) models.Result {
	if err := models.ValidateKey(key); err != nil {
		return models.Failure("cannot get entry", err)
	}
	ctx, span := m.tracer.Start(ctx, "Manager.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	readers := []func(context.Context, string) models.Result{m.resident.Get}
	for _, h := range m.handlers {
		if !h.Behind(key) {
			readers = append(readers, h.Get)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan models.Result, len(readers))
	for _, read := range readers {
		go func() {
			results <- read(ctx, key)
		}()
	}

	var failure *models.Result
	for range readers {
		result := <-results
		if result.Successful {
			m.metrics.Hits.Inc()
			span.SetAttributes(attribute.Bool("hit", true))
			return result
		}
		if failure == nil {
			failure = &result
		}
	}

	m.metrics.Misses.Inc()
	span.SetAttributes(attribute.Bool("hit", false))
	if failure.IsNotFound() {
		return *failure
	}
	return m.finish(span, *failure)
}

// GetAll returns the union of all tiers by key, ordered by key. The resident copy of a key wins
// over the handlers' copies. A failing handler is skipped; a failing resident cache fails the call.
func (m *Manager) GetAll(ctx context.Context, tracking bool) ([]*models.Entry, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetAll", trace.WithAttributes(attribute.Bool("tracking", tracking)))
	defer span.End()

	tiers := make([][]*models.Entry, len(m.handlers)+1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := m.resident.GetAll(gctx, tracking)
		if err != nil {
			return fmt.Errorf("failed to read resident cache: %w", err)
		}
		tiers[0] = entries
		return nil
	})
	for i, h := range m.handlers {
		g.Go(func() error {
			entries, err := h.GetAll(gctx, tracking)
			if err != nil {
				m.logger.Warn("Failed to read handler", zap.String("handler", h.Name()), zap.Error(err))
				return nil
			}
			tiers[i+1] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	seen := make(map[string]struct{})
	var union []*models.Entry
	for _, entries := range tiers {
		for _, entry := range entries {
			if _, ok := seen[entry.Key]; ok {
				continue
			}
			seen[entry.Key] = struct{}{}
			union = append(union, entry)
		}
	}
	slices.SortFunc(union, func(a, b *models.Entry) int { return strings.Compare(a.Key, b.Key) })

	span.SetAttributes(attribute.Int("count", len(union)))
	return union, nil
}

// GetEntriesByKeyFilters filters the resident entries by key.
func (m *Manager) GetEntriesByKeyFilters(ctx context.Context, chunks [][]models.KeyFilter) []*models.Entry {
	ctx, span := m.tracer.Start(ctx, "Manager.GetEntriesByKeyFilters")
	defer span.End()
	return m.resident.GetEntriesByKeyFilters(ctx, chunks)
}

// GetEntriesByValueFilters filters the resident entries by value.
func (m *Manager) GetEntriesByValueFilters(ctx context.Context, chunks [][]models.ValueFilter) []*models.Entry {
	ctx, span := m.tracer.Start(ctx, "Manager.GetEntriesByValueFilters")
	defer span.End()
	return m.resident.GetEntriesByValueFilters(ctx, chunks)
}

// Clear empties every tier. Handlers clear after their pending operations have been applied.
// The first failure is returned, resident cache first.
func (m *Manager) Clear(ctx context.Context) models.Result {
	ctx, span := m.tracer.Start(ctx, "Manager.Clear")
	defer span.End()

	results := make([]models.Result, len(m.handlers)+1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = m.resident.Clear(ctx)
	}()
	for i, h := range m.handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i+1] = h.Clear(ctx)
		}()
	}
	wg.Wait()

	for _, result := range results {
		if !result.Successful {
			return m.finish(span, result)
		}
	}
	m.logger.Info("All tiers cleared", zap.Int("handlers", len(m.handlers)))
	return models.Success(nil)
}

// Close stops the handlers after their queued operations have been applied.
func (m *Manager) Close() {
	for _, h := range m.handlers {
		h.Close()
	}
}

// replicate hands a copy of the operation to every handler. Replication outlives the caller's
// context; a full queue drops the operation.
func (m *Manager) replicate(ctx context.Context, op operation, key string, entry *models.Entry) {
	detached := context.WithoutCancel(ctx)
	for _, h := range m.handlers {
		var replica *models.Entry
		if entry != nil {
			replica = entry.Clone()
		}
		if !h.replicate(detached, op, key, replica) {
			m.metrics.ReplicationDrops.Inc()
			m.logger.Warn("Replication queue full, operation dropped",
				zap.String("handler", h.Name()),
				zap.String("operation", op.String()),
				zap.String("key", key))
		}
	}
}

// validate rejects entries that no tier could store.
func validate(entry *models.Entry) error {
	if entry == nil {
		return models.ErrInvalidEntry
	}
	return models.ValidateKey(entry.Key)
}

// finish records a failed result on the span.
func (m *Manager) finish(span trace.Span, result models.Result) models.Result {
	if !result.Successful {
		err := result.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result
}
