package persistent

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/dgraph-io/ristretto"
)

const (
	indexExpectedItems     = 100_000
	indexFalsePositiveRate = 0.01
	indexMaxNames          = 100_000
)

// index remembers which keys have been persisted and under which file name.
//
// Both structures are advisory. The bloom filter only answers "definitely not persisted"; a
// remembered file name may be stale and is checked against the filesystem before use.
type index struct {
	mutex  sync.RWMutex
	filter *bloom.BloomFilter
	names  *ristretto.Cache
}

func newIndex() (*index, error) {
	names, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * indexMaxNames,
		MaxCost:     indexMaxNames,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create file name index: %w", err)
	}

	return &index{
		filter: bloom.NewWithEstimates(indexExpectedItems, indexFalsePositiveRate),
		names:  names,
	}, nil
}

// mightContain is false only for keys that were never remembered since the last reset.
func (i *index) mightContain(key string) bool {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.filter.TestString(key)
}

func (i *index) lookup(key string) (string, bool) {
	value, found := i.names.Get(key)
	if !found {
		return "", false
	}
	name, ok := value.(string)
	return name, ok
}

func (i *index) remember(key, name string) {
	i.mutex.Lock()
	i.filter.AddString(key)
	i.mutex.Unlock()

	i.names.Set(key, name, 1)
	i.names.Wait()
}

// forget drops the file name. The key stays in the bloom filter until the next reset.
func (i *index) forget(key string) {
	i.names.Del(key)
}

// reset rebuilds the index from the given key to file name pairs.
func (i *index) reset(names map[string]string) {
	filter := bloom.NewWithEstimates(max(indexExpectedItems, uint(len(names))), indexFalsePositiveRate)
	for key := range names {
		filter.AddString(key)
	}

	i.mutex.Lock()
	i.filter = filter
	i.mutex.Unlock()

	i.names.Clear()
	for key, name := range names {
		i.names.Set(key, name, 1)
	}
	i.names.Wait()
}

func (i *index) close() {
	i.names.Close()
}
