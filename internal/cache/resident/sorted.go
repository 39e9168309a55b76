package resident

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"goflare.io/muninn/internal/filter"
	"goflare.io/muninn/internal/models"
	"goflare.io/muninn/internal/utils"
)

// SortedCache is a resident cache whose slot array is kept ordered by hashcode, then key, with
// empty slots first. Every committed mutation re-sorts the whole array before the gate is
// released, so Get can binary search. Unlike Cache.Get, SortedCache.Get takes the gate.
type SortedCache struct {
	*Cache
}

// NewSorted creates a sorted resident cache.
func NewSorted(initialSize, increment int, logger *zap.Logger, filterService filter.Service) *SortedCache {
	c := newCache("sorted", initialSize, increment, logger, filterService)
	c.sorted = true
	return &SortedCache{Cache: c}
}

// Get binary searches the sorted slot array.
func (s *SortedCache) Get(ctx context.Context, key string) models.Result {
	if err := s.lock(ctx); err != nil {
		return s.cancelled("get", key, err)
	}
	defer s.unlock()

	hashcode := utils.HashKey(key)
	slots := s.slots.Load()
	index := sort.Search(slots.len(), func(i int) bool {
		entry := slots.entries[i].Load()
		if entry == nil {
			return false
		}
		if entry.Hashcode() != hashcode {
			return entry.Hashcode() > hashcode
		}
		return entry.Key >= key
	})

	if index < slots.len() {
		if entry := slots.entries[index].Load(); entry != nil && entry.Matches(hashcode, key) {
			return models.Success(entry)
		}
	}
	return models.NotFound(key)
}

// GetAll returns a sorted copy of the live entries. In tracking mode the live contents are returned
// without taking the gate or sorting.
func (s *SortedCache) GetAll(ctx context.Context, tracking bool) ([]*models.Entry, error) {
	if tracking {
		return s.Cache.GetAll(ctx, true)
	}

	if err := s.lock(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrCancelled, err)
	}
	entries := s.slots.Load().live()
	s.unlock()

	sortEntries(entries)
	return entries, nil
}

// Sort re-sorts the slot array. It is needed when entries were placed by Initialize rather than
// through this instance's mutations.
func (s *SortedCache) Sort(ctx context.Context) models.Result {
	if err := s.lock(ctx); err != nil {
		return s.cancelled("sort", "", err)
	}
	defer s.unlock()

	s.arrange()
	return models.Success(nil)
}

// Ordered reports whether the slot array holds its entries in non-decreasing hashcode order.
func (s *SortedCache) Ordered() bool {
	var previous *models.Entry
	slots := s.slots.Load()
	for i := range slots.entries {
		entry := slots.entries[i].Load()
		if entry == nil {
			continue
		}
		if previous != nil && entry.Hashcode() < previous.Hashcode() {
			return false
		}
		previous = entry
	}
	return true
}
