// Package filter is the extension point for key and value filtering of cache entries.
package filter

import (
	"context"

	"goflare.io/muninn/internal/models"
)

// Service filters entries by chunks of key or value filters.
type Service interface {
	FilterEntryKeys(ctx context.Context, entries []*models.Entry, chunks [][]models.KeyFilter) []*models.Entry
	FilterEntryValues(ctx context.Context, entries []*models.Entry, chunks [][]models.ValueFilter) []*models.Entry
}

// Nop is the default Service. Filtering is not implemented and every query matches nothing.
type Nop struct{}

// FilterEntryKeys returns an empty slice.
func (Nop) FilterEntryKeys(context.Context, []*models.Entry, [][]models.KeyFilter) []*models.Entry {
	return []*models.Entry{}
}

// FilterEntryValues returns an empty slice.
func (Nop) FilterEntryValues(context.Context, []*models.Entry, [][]models.ValueFilter) []*models.Entry {
	return []*models.Entry{}
}
