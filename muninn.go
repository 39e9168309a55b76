// Package muninn is an embeddable tiered cache: an in-memory slot-array store with optional
// write-through replication to a sorted mirror and to on-disk persistence.
package muninn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"goflare.io/muninn/internal/cache/manager"
	"goflare.io/muninn/internal/cache/persistent"
	"goflare.io/muninn/internal/cache/resident"
	"goflare.io/muninn/internal/config"
	"goflare.io/muninn/internal/filter"
	"goflare.io/muninn/internal/models"
	"goflare.io/muninn/internal/retrier"
)

type (
	// Entry is a cached key/value pair with its metadata.
	Entry = models.Entry
	// Result is returned by every cache operation.
	Result = models.Result
	// Encoding interprets entry values as text.
	Encoding = models.Encoding
	// KeyFilter and ValueFilter select entries for the filter reads.
	KeyFilter   = models.KeyFilter
	ValueFilter = models.ValueFilter
	// FilterService implements the filter reads.
	FilterService = filter.Service
	// MetricsSnapshot holds the cache counters.
	MetricsSnapshot = models.MetricsSnapshot
)

// Built-in encodings.
var (
	UTF8        = models.UTF8
	UTF16LE     = models.UTF16LE
	UTF16BE     = models.UTF16BE
	UTF32LE     = models.UTF32LE
	Latin1      = models.Latin1
	Windows1252 = models.Windows1252
)

// NewEntry creates an entry. A zero lifeTime never expires.
func NewEntry(key string, value []byte, encoding Encoding, lifeTime time.Duration) *Entry {
	return models.NewEntry(key, value, encoding, lifeTime)
}

// NewTextEntry creates an entry holding text encoded with encoding.
func NewTextEntry(key, text string, encoding Encoding, lifeTime time.Duration) (*Entry, error) {
	return models.NewTextEntry(key, text, encoding, lifeTime)
}

// Option 定義初始化 Muninn 的選項
type Option = config.Option

// Options re-exported from the config package.
var (
	WithLogger        = config.WithLogger
	WithSlotSize      = config.WithSlotSize
	WithSorting       = config.WithSorting
	WithPersistence   = config.WithPersistence
	WithFilesystem    = config.WithFilesystem
	WithFilterService = config.WithFilterService
	WithIntervals     = config.WithIntervals
	WithThresholds    = config.WithThresholds
	WithQueueSize     = config.WithQueueSize
	WithSerialization = config.WithSerialization
	WithConfigFile    = config.FromFile
	WithEnv           = config.FromEnv
)

// Muninn 定義 Muninn 庫的主要結構體
type Muninn struct {
	cfg        *config.Config
	manager    *manager.Manager
	resident   *resident.Cache
	sorted     *resident.SortedCache
	persistent *persistent.Cache
	logger     *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New 初始化 Muninn，接受多個配置選項
//
// When persistence is enabled the resident cache and the sorted mirror are warmed from disk before
// New returns. The background loops run until ctx is done or Close is called.
func New(ctx context.Context, opts ...Option) (*Muninn, error) {
	cfg, err := config.NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}
	logger := cfg.Logger
	metrics := models.NewMetrics()

	m := &Muninn{
		cfg:      cfg,
		resident: resident.New(cfg.InitialSlotSize, cfg.SlotIncrement, logger, cfg.Filter),
		logger:   logger,
	}

	var handlers []*manager.Handler
	if cfg.EnableSorting {
		m.sorted = resident.NewSorted(cfg.InitialSlotSize, cfg.SlotIncrement, logger, cfg.Filter)
		handlers = append(handlers, manager.NewSortedHandler(m.sorted, cfg.Replication.QueueSize, logger, metrics))
	}

	if cfg.EnablePersistence {
		handler, err := m.openPersistence(ctx, metrics)
		if err != nil {
			for _, h := range handlers {
				h.Close()
			}
			return nil, err
		}
		handlers = append(handlers, handler)
	}

	m.manager = manager.New(m.resident, logger, metrics, handlers...)

	if m.persistent != nil {
		if err := m.warm(ctx); err != nil {
			m.manager.Close()
			m.persistent.Close()
			return nil, err
		}
	}

	m.start(ctx)

	logger.Info("Muninn started",
		zap.Bool("sorting", cfg.EnableSorting),
		zap.Bool("persistence", cfg.EnablePersistence),
		zap.Int("capacity", m.resident.Capacity()))
	return m, nil
}

func (m *Muninn) openPersistence(ctx context.Context, metrics *models.Metrics) (*manager.Handler, error) {
	fs := m.cfg.Persistence.Filesystem
	if fs == nil {
		fs = osfs.New(m.cfg.Persistence.Directory)
	}

	store, err := persistent.New(fs, m.cfg.Persistence.BufferSize, m.cfg.Persistence.Parallelism, m.logger, m.cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to create persistent cache: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize persistent cache: %w", err)
	}

	rc := m.cfg.ResilienceConfig
	r, err := retrier.NewRetrier(rc.MaxRetries, rc.InitialInterval, rc.MaxInterval, rc.Multiplier, rc.RandomizationFactor, retrier.ExponentialBackoff, nil)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}

	m.persistent = store
	resilience := manager.NewResilience(rc.CircuitBreaker, r, m.logger)
	return manager.NewPersistentHandler(store, resilience, m.cfg.Replication.QueueSize, m.logger, metrics), nil
}

// warm loads the persisted entries into the in-memory tiers.
func (m *Muninn) warm(ctx context.Context) error {
	entries, err := m.persistent.GetAll(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to load persisted entries: %w", err)
	}

	if err := m.resident.Initialize(ctx, entries); err != nil {
		return fmt.Errorf("failed to warm resident cache: %w", err)
	}
	if m.sorted != nil {
		if err := m.sorted.Initialize(ctx, entries); err != nil {
			return fmt.Errorf("failed to warm sorted cache: %w", err)
		}
		if result := m.sorted.Sort(ctx); !result.Successful {
			return fmt.Errorf("failed to sort warmed cache: %w", result.Error())
		}
	}

	m.logger.Info("Warmed from persistence", zap.Int("entries", len(entries)))
	return nil
}

func (m *Muninn) start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	bg := m.cfg.Background

	sizeController := manager.NewSizeController(m.resident, m.sorted, bg.SizeCheckInterval, bg.GrowThreshold, bg.ShrinkThreshold, m.logger)
	ttlManager := manager.NewTTLManager(m.manager, bg.LifetimeCheckInterval, bg.SweepParallelism, m.logger)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		sizeController.Run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		ttlManager.Run(ctx)
	}()
}

// Add stores a new entry. It fails with ErrAlreadyExists if the key is present.
func (m *Muninn) Add(ctx context.Context, entry *Entry) Result {
	return m.manager.Add(ctx, entry)
}

// Insert stores entry, replacing any entry with the same key.
func (m *Muninn) Insert(ctx context.Context, entry *Entry) Result {
	return m.manager.Insert(ctx, entry)
}

// Update replaces the entry with the same key, keeping its creation time.
func (m *Muninn) Update(ctx context.Context, entry *Entry) Result {
	return m.manager.Update(ctx, entry)
}

// Remove deletes key.
func (m *Muninn) Remove(ctx context.Context, key string) Result {
	return m.manager.Remove(ctx, key)
}

// Get returns the entry stored under key.
func (m *Muninn) Get(ctx context.Context, key string) Result {
	return m.manager.Get(ctx, key)
}

// GetAll returns every entry ordered by key.
func (m *Muninn) GetAll(ctx context.Context) ([]*Entry, error) {
	return m.manager.GetAll(ctx, false)
}

// GetEntriesByKeyFilters returns the entries selected by the key filters.
func (m *Muninn) GetEntriesByKeyFilters(ctx context.Context, chunks [][]KeyFilter) []*Entry {
	return m.manager.GetEntriesByKeyFilters(ctx, chunks)
}

// GetEntriesByValueFilters returns the entries selected by the value filters.
func (m *Muninn) GetEntriesByValueFilters(ctx context.Context, chunks [][]ValueFilter) []*Entry {
	return m.manager.GetEntriesByValueFilters(ctx, chunks)
}

// Clear empties every tier.
func (m *Muninn) Clear(ctx context.Context) Result {
	return m.manager.Clear(ctx)
}

// SetValue serializes value with the configured serializer and inserts it under key.
func (m *Muninn) SetValue(ctx context.Context, key string, value any, lifeTime time.Duration) error {
	data, err := m.cfg.Serialization.Codec.Marshal(value)
	if err != nil {
		return err
	}
	return m.Insert(ctx, NewEntry(key, data, UTF8, lifeTime)).Error()
}

// GetValue deserializes the value stored under key into out.
func (m *Muninn) GetValue(ctx context.Context, key string, out any) error {
	result := m.Get(ctx, key)
	if !result.Successful {
		return result.Error()
	}
	return m.cfg.Serialization.Codec.Unmarshal(result.Entry.Value, out)
}

// Metrics returns a snapshot of the cache counters.
func (m *Muninn) Metrics() MetricsSnapshot {
	return m.manager.Metrics().Snapshot()
}

// Close stops the background loops and waits until the replication queues are drained.
func (m *Muninn) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.manager.Close()
		if m.persistent != nil {
			m.persistent.Close()
		}
		m.logger.Info("Muninn closed")
	})
	return nil
}
