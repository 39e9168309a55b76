// Package resident implements the in-memory slot-array tiers: the authoritative resident cache
// and its sorted mirror.
package resident

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"goflare.io/muninn/internal/filter"
	"goflare.io/muninn/internal/models"
	"goflare.io/muninn/internal/utils"
)

const (
	// DefaultInitialSize is the capacity of a fresh or cleared slot array.
	DefaultInitialSize = 10_000
	// DefaultIncrement is the fixed growth step of the slot array.
	DefaultIncrement = 1000

	// a store retries growth this many times before evicting the oldest entry
	maxGrowAttempts = 3
)

// Cache is the resident slot-array store.
//
// Structural changes happen under a single gate. Get does not take the gate: it reads the
// published slot array and its atomic slots, so it observes every slot either before or after a
// concurrent mutation or resize.
type Cache struct {
	logger *zap.Logger
	filter filter.Service
	gate   *semaphore.Weighted
	resize singleflight.Group

	slots atomic.Pointer[slotArray]
	count atomic.Int64

	initialSize int
	increment   int
	sorted      bool
}

// New creates a resident cache. Non-positive sizes fall back to the defaults.
func New(initialSize, increment int, logger *zap.Logger, filterService filter.Service) *Cache {
	return newCache("resident", initialSize, increment, logger, filterService)
}

func newCache(name string, initialSize, increment int, logger *zap.Logger, filterService filter.Service) *Cache {
	if initialSize <= 0 {
		initialSize = DefaultInitialSize
	}
	if increment <= 0 {
		increment = DefaultIncrement
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if filterService == nil {
		filterService = filter.Nop{}
	}

	c := &Cache{
		logger:      logger.Named(name),
		filter:      filterService,
		gate:        semaphore.NewWeighted(1),
		initialSize: initialSize,
		increment:   increment,
	}
	c.slots.Store(newSlotArray(initialSize))
	return c
}

// Count returns the number of live entries.
func (c *Cache) Count() int {
	return int(c.count.Load())
}

// Capacity returns the length of the slot array.
func (c *Cache) Capacity() int {
	return c.slots.Load().len()
}

// Add stores entry. It fails with ErrAlreadyExists if the key is present.
func (c *Cache) Add(ctx context.Context, entry *models.Entry) models.Result {
	return c.store(ctx, "add", entry, false)
}

// Insert updates entry if the key is present and adds it otherwise.
func (c *Cache) Insert(ctx context.Context, entry *models.Entry) models.Result {
	return c.store(ctx, "insert", entry, true)
}

// Update overwrites the entry stored under the same key, keeping its creation time.
func (c *Cache) Update(ctx context.Context, entry *models.Entry) models.Result {
	entry, err := models.Prepare(entry)
	if err != nil {
		return models.Failure("cannot update entry", err)
	}
	if err := c.lock(ctx); err != nil {
		return c.cancelled("update", entry.Key, err)
	}
	defer c.unlock()

	slots := c.slots.Load()
	index := slots.find(entry.Hashcode(), entry.Key)
	if index == notFound {
		return models.NotFound(entry.Key)
	}
	return c.updateLocked(slots, index, entry)
}

// Remove deletes the entry stored under key. Removing an absent key succeeds with a nil entry.
func (c *Cache) Remove(ctx context.Context, key string) models.Result {
	if err := c.lock(ctx); err != nil {
		return c.cancelled("remove", key, err)
	}
	defer c.unlock()

	slots := c.slots.Load()
	index := slots.find(utils.HashKey(key), key)
	if index == notFound {
		return models.Result{Successful: true, Message: fmt.Sprintf("key %s is not found", key)}
	}

	entry := slots.entries[index].Load()
	slots.release(index)
	c.count.Dec()
	c.arrange()
	c.logger.Debug("Entry removed", zap.String("key", key))
	return models.Success(entry)
}

// Get scans the slot array for key without taking the gate.
func (c *Cache) Get(ctx context.Context, key string) models.Result {
	if err := ctx.Err(); err != nil {
		return c.cancelled("get", key, err)
	}

	slots := c.slots.Load()
	index := slots.find(utils.HashKey(key), key)
	if index == notFound {
		return models.NotFound(key)
	}
	entry := slots.entries[index].Load()
	if entry == nil {
		return models.NotFound(key)
	}
	return models.Success(entry)
}

// GetAll returns the live entries. In tracking mode the slots are read without the gate.
func (c *Cache) GetAll(ctx context.Context, tracking bool) ([]*models.Entry, error) {
	if tracking {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrCancelled, err)
		}
		return c.slots.Load().live(), nil
	}

	if err := c.lock(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrCancelled, err)
	}
	defer c.unlock()
	return c.slots.Load().live(), nil
}

// GetEntriesByKeyFilters applies the filter service to the live entries.
func (c *Cache) GetEntriesByKeyFilters(ctx context.Context, chunks [][]models.KeyFilter) []*models.Entry {
	return c.filter.FilterEntryKeys(ctx, c.slots.Load().live(), chunks)
}

// GetEntriesByValueFilters applies the filter service to the live entries.
func (c *Cache) GetEntriesByValueFilters(ctx context.Context, chunks [][]models.ValueFilter) []*models.Entry {
	return c.filter.FilterEntryValues(ctx, c.slots.Load().live(), chunks)
}

// Clear replaces the slot array with a fresh one of the initial size.
func (c *Cache) Clear(ctx context.Context) models.Result {
	if err := c.lock(ctx); err != nil {
		return c.cancelled("clear", "", err)
	}
	defer c.unlock()

	c.slots.Store(newSlotArray(c.initialSize))
	c.count.Store(0)
	c.logger.Info("Cache cleared", zap.Int("capacity", c.initialSize))
	return models.Success(nil)
}

// Initialize replaces the contents with entries. When a key occurs more than once the most
// recently modified entry is kept.
func (c *Cache) Initialize(ctx context.Context, entries []*models.Entry) error {
	if err := c.lock(ctx); err != nil {
		return fmt.Errorf("%w: %w", models.ErrCancelled, err)
	}
	defer c.unlock()

	latest := make(map[string]int, len(entries))
	unique := make([]*models.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		if i, ok := latest[entry.Key]; ok {
			if entry.LastModificationTime.After(unique[i].LastModificationTime) {
				unique[i] = entry
			}
			continue
		}
		latest[entry.Key] = len(unique)
		unique = append(unique, entry)
	}

	size := max(c.initialSize, len(unique)+c.increment)
	slots := newSlotArray(size)
	for i, entry := range unique {
		slots.set(i, entry)
	}
	c.slots.Store(slots)
	c.count.Store(int64(len(unique)))
	c.arrange()

	c.logger.Info("Cache initialized", zap.Int("entries", len(unique)), zap.Int("capacity", size))
	return nil
}

func (c *Cache) store(ctx context.Context, operation string, entry *models.Entry, upsert bool) models.Result {
	entry, err := models.Prepare(entry)
	if err != nil {
		return models.Failure(fmt.Sprintf("cannot %s entry", operation), err)
	}

	for attempt := 0; ; attempt++ {
		if err := c.lock(ctx); err != nil {
			return c.cancelled(operation, entry.Key, err)
		}

		slots := c.slots.Load()
		if index := slots.find(entry.Hashcode(), entry.Key); index != notFound {
			if !upsert {
				c.unlock()
				return models.Failure(fmt.Sprintf("entry with key %s already exists", entry.Key), models.ErrAlreadyExists)
			}
			result := c.updateLocked(slots, index, entry)
			c.unlock()
			return result
		}

		index := slots.reserveFree()
		if index == notFound && attempt < maxGrowAttempts {
			c.unlock()
			if result := c.IncreaseArraySize(ctx); !result.Successful {
				return result
			}
			continue
		}

		if index == notFound {
			index = slots.oldest()
			if index == notFound {
				c.unlock()
				return models.Failure("no slot available", models.ErrCapacityExhausted)
			}
			evicted := slots.entries[index].Load()
			slots.release(index)
			c.count.Dec()
			c.logger.Warn("Evicted least recently modified entry",
				zap.String("key", evicted.Key),
				zap.String("for", entry.Key))
		}

		slots.set(index, entry)
		c.count.Inc()
		c.arrange()
		c.unlock()

		c.logger.Debug("Entry added", zap.String("key", entry.Key))
		return models.Success(entry)
	}
}

func (c *Cache) updateLocked(slots *slotArray, index int, entry *models.Entry) models.Result {
	previous := slots.entries[index].Load()
	entry.CreationTime = previous.CreationTime
	slots.entries[index].Store(entry)
	c.arrange()

	c.logger.Debug("Entry updated", zap.String("key", entry.Key))
	return models.Success(entry)
}

// arrange keeps the sorted mirror ordered after a committed mutation. It runs under the gate.
func (c *Cache) arrange() {
	if !c.sorted {
		return
	}
	slots := c.slots.Load()
	entries := slots.live()
	sortEntries(entries)
	c.slots.Store(newSortedSlotArray(slots.len(), entries))
}

// lock acquires the gate. A done context fails even when the gate is free.
func (c *Cache) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.gate.Acquire(ctx, 1)
}

func (c *Cache) unlock() {
	c.gate.Release(1)
}

func (c *Cache) cancelled(operation, key string, err error) models.Result {
	c.logger.Debug("Request cancelled",
		zap.String("operation", operation),
		zap.String("key", key),
		zap.Error(err))
	return models.CancelledResult(operation, err)
}
