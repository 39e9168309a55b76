package models

import (
	"fmt"
	"strings"
	"time"
)

// KeySeparator splits the metadata fields of a persisted file name and may not appear in a key.
const KeySeparator = "%"

// ValidateKey rejects keys that cannot be stored as a single file name.
func ValidateKey(key string) error {
	switch {
	case key == "", key == ".", key == "..":
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.ContainsAny(key, KeySeparator+`/\`):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidKey, key)
	}
	return nil
}

// Prepare returns entry ready to be stored. Entries built as literals get their hashcode and
// zero timestamps filled in on a copy; entries from NewEntry are returned as they are.
func Prepare(entry *Entry) (*Entry, error) {
	if entry == nil {
		return nil, ErrInvalidEntry
	}
	if entry.hashcode != 0 && !entry.CreationTime.IsZero() && !entry.LastModificationTime.IsZero() {
		return entry, nil
	}

	prepared := entry.Clone()
	prepared.hashcode = entry.Hashcode()
	now := time.Now().UTC()
	if prepared.LastModificationTime.IsZero() {
		prepared.LastModificationTime = now
	}
	if prepared.CreationTime.IsZero() {
		prepared.CreationTime = prepared.LastModificationTime
	}
	return prepared, nil
}
