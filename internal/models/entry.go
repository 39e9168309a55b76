package models

import (
	"fmt"
	"time"

	"goflare.io/muninn/internal/utils"
)

// Entry represents a cache entry.
type Entry struct {
	Key                  string
	Value                []byte
	Encoding             Encoding
	LifeTime             time.Duration
	CreationTime         time.Time
	LastModificationTime time.Time

	hashcode uint64
}

// NewEntry creates a new Entry. The hashcode is derived from key once and never changes.
func NewEntry(key string, value []byte, encoding Encoding, lifeTime time.Duration) *Entry {
	now := time.Now().UTC()
	return &Entry{
		Key:                  key,
		Value:                value,
		Encoding:             encoding,
		LifeTime:             lifeTime,
		CreationTime:         now,
		LastModificationTime: now,
		hashcode:             utils.HashKey(key),
	}
}

// NewTextEntry encodes text with encoding and wraps it in a new Entry.
func NewTextEntry(key, text string, encoding Encoding, lifeTime time.Duration) (*Entry, error) {
	value, err := encoding.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value for key %s: %w", key, err)
	}
	return NewEntry(key, value, encoding, lifeTime), nil
}

// Hashcode returns the hash of the entry key. Entries not built by NewEntry hash their key on demand.
func (e *Entry) Hashcode() uint64 {
	if e.hashcode == 0 {
		return utils.HashKey(e.Key)
	}
	return e.hashcode
}

// Expired reports whether the entry lifetime has elapsed at now. Entries with a zero lifetime never expire.
func (e *Entry) Expired(now time.Time) bool {
	if e.LifeTime == 0 {
		return false
	}
	return !e.LastModificationTime.Add(e.LifeTime).After(now)
}

// DecodeValue interprets the value with the entry encoding.
func (e *Entry) DecodeValue() (string, error) {
	return e.Encoding.Decode(e.Value)
}

// Clone returns a copy that shares nothing mutable with e.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Value != nil {
		c.Value = make([]byte, len(e.Value))
		copy(c.Value, e.Value)
	}
	return &c
}

// Less orders entries by hashcode, then key.
func (e *Entry) Less(other *Entry) bool {
	if h, o := e.Hashcode(), other.Hashcode(); h != o {
		return h < o
	}
	return e.Key < other.Key
}

// Matches reports whether e is stored under key with the given hashcode.
func (e *Entry) Matches(hashcode uint64, key string) bool {
	return e.Hashcode() == hashcode && e.Key == key
}
