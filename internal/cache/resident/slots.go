package resident

import (
	"context"
	"slices"

	"go.uber.org/atomic"

	"goflare.io/muninn/internal/models"
)

const (
	notFound = -1
	// cancellation is checked once per copyChunk slots while copying
	copyChunk = 1024
)

// slotArray is a fixed-capacity array of entries with a parallel array of reserved flags.
// Both slices always have the same length. Slots are atomic so lookups can run without the gate.
type slotArray struct {
	entries  []atomic.Pointer[models.Entry]
	reserved []atomic.Bool
}

func newSlotArray(size int) *slotArray {
	return &slotArray{
		entries:  make([]atomic.Pointer[models.Entry], size),
		reserved: make([]atomic.Bool, size),
	}
}

// newSortedSlotArray places the sorted entries at the tail so that empty slots come first.
func newSortedSlotArray(size int, sorted []*models.Entry) *slotArray {
	s := newSlotArray(size)
	offset := size - len(sorted)
	for i, entry := range sorted {
		s.entries[offset+i].Store(entry)
		s.reserved[offset+i].Store(true)
	}
	return s
}

func (s *slotArray) len() int {
	return len(s.entries)
}

// find scans for the slot holding key.
func (s *slotArray) find(hashcode uint64, key string) int {
	for i := range s.entries {
		if entry := s.entries[i].Load(); entry != nil && entry.Matches(hashcode, key) {
			return i
		}
	}
	return notFound
}

// reserveFree scans backward for an unreserved slot and reserves it.
func (s *slotArray) reserveFree() int {
	for i := len(s.reserved) - 1; i >= 0; i-- {
		if s.reserved[i].CompareAndSwap(false, true) {
			return i
		}
	}
	return notFound
}

// oldest returns the slot whose entry was modified least recently.
func (s *slotArray) oldest() int {
	index := notFound
	var oldest *models.Entry
	for i := range s.entries {
		entry := s.entries[i].Load()
		if entry == nil {
			continue
		}
		if oldest == nil || entry.LastModificationTime.Before(oldest.LastModificationTime) {
			oldest, index = entry, i
		}
	}
	return index
}

func (s *slotArray) set(index int, entry *models.Entry) {
	s.reserved[index].Store(true)
	s.entries[index].Store(entry)
}

func (s *slotArray) release(index int) {
	s.entries[index].Store(nil)
	s.reserved[index].Store(false)
}

// live copies the occupied slots in index order.
func (s *slotArray) live() []*models.Entry {
	entries := make([]*models.Entry, 0, len(s.entries))
	for i := range s.entries {
		if entry := s.entries[i].Load(); entry != nil {
			entries = append(entries, entry)
		}
	}
	return entries
}

// grow copies every slot to the same index of a larger array.
func (s *slotArray) grow(ctx context.Context, size int) (*slotArray, error) {
	next := newSlotArray(size)
	for i := range s.entries {
		if i%copyChunk == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		next.entries[i].Store(s.entries[i].Load())
		next.reserved[i].Store(s.reserved[i].Load())
	}
	return next, nil
}

// compact copies the occupied slots to the front of an array of size. size is at least the
// number of occupied slots.
func (s *slotArray) compact(ctx context.Context, size int) (*slotArray, error) {
	next := newSlotArray(size)
	j := 0
	for i := range s.entries {
		if i%copyChunk == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		entry := s.entries[i].Load()
		if entry == nil {
			continue
		}
		next.set(j, entry)
		j++
	}
	return next, nil
}

func compareEntries(a, b *models.Entry) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

func sortEntries(entries []*models.Entry) {
	slices.SortFunc(entries, compareEntries)
}
