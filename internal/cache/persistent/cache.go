// Package persistent stores cache entries as one file per key. The entry metadata lives in the file
// name and the raw value bytes in the file contents.
package persistent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"goflare.io/muninn/internal/filter"
	"goflare.io/muninn/internal/models"
)

const (
	// DefaultBufferSize is the read and write buffer size.
	DefaultBufferSize = 64 * 1024
	// DefaultParallelism caps the number of files GetAll reads at once.
	DefaultParallelism = 100

	filePerm = 0o644
)

// Cache is the file-backed tier.
type Cache struct {
	logger *zap.Logger
	filter filter.Service
	fs     billy.Filesystem
	gate   *semaphore.Weighted
	index  *index

	bufferSize  int
	parallelism int

	writersMutex sync.Mutex
	writers      map[billy.File]struct{}
	clearing     atomic.Bool
}

// New creates a persistent cache on fs. Files are stored in the root of fs.
func New(fs billy.Filesystem, bufferSize, parallelism int, logger *zap.Logger, filterService filter.Service) (*Cache, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if filterService == nil {
		filterService = filter.Nop{}
	}

	idx, err := newIndex()
	if err != nil {
		return nil, err
	}

	return &Cache{
		logger:      logger.Named("persistent"),
		filter:      filterService,
		fs:          fs,
		gate:        semaphore.NewWeighted(1),
		index:       idx,
		bufferSize:  bufferSize,
		parallelism: parallelism,
		writers:     make(map[billy.File]struct{}),
	}, nil
}

// Initialize ensures the storage directory exists and rebuilds the lookup index from it.
func (c *Cache) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrCancelled, err)
	}
	if err := c.fs.MkdirAll(".", 0o755); err != nil {
		return fmt.Errorf("%w: failed to create storage directory: %w", models.ErrIOFailure, err)
	}

	names, err := c.list()
	if err != nil {
		return err
	}

	latest := make(map[string]string, len(names))
	for key, files := range names {
		latest[key] = files[len(files)-1]
	}
	c.index.reset(latest)

	c.logger.Info("Persistent cache initialized",
		zap.String("root", c.fs.Root()),
		zap.Int("entries", len(latest)))
	return nil
}

// Close releases the lookup index.
func (c *Cache) Close() {
	c.index.close()
}

// Add persists entry. The persistent tier does not distinguish between add, update and insert.
func (c *Cache) Add(ctx context.Context, entry *models.Entry) models.Result {
	return c.Insert(ctx, entry)
}

// Update persists entry.
func (c *Cache) Update(ctx context.Context, entry *models.Entry) models.Result {
	return c.Insert(ctx, entry)
}

// Insert writes entry to its file. Files left behind by older versions of the same key are removed.
func (c *Cache) Insert(ctx context.Context, entry *models.Entry) models.Result {
	entry, err := models.Prepare(entry)
	if err != nil {
		return models.Failure("cannot persist entry", err)
	}
	if err := models.ValidateKey(entry.Key); err != nil {
		return models.Failure("cannot persist entry", err)
	}
	if err := c.lock(ctx); err != nil {
		return c.cancelled("insert", entry.Key, err)
	}
	defer c.unlock()

	if c.clearing.Load() {
		return models.Failure("clear all has been called", models.ErrClearInProgress)
	}

	stale, err := c.filesOf(entry.Key)
	if err != nil {
		c.logger.Error("Failed to list files", zap.String("key", entry.Key), zap.Error(err))
		return models.Failure("cannot write data into the file", err)
	}

	name := FileName(entry)
	if err := c.write(name, entry.Value); err != nil {
		if errors.Is(err, os.ErrClosed) || c.clearing.Load() {
			return models.Failure("clear all has been called", fmt.Errorf("%w: %w", models.ErrClearInProgress, err))
		}
		c.logger.Error("Failed to write file", zap.String("key", entry.Key), zap.Error(err))
		return models.Failure("cannot write data into the file", fmt.Errorf("%w: %w", models.ErrIOFailure, err))
	}

	for _, old := range stale {
		if old == name {
			continue
		}
		if err := c.fs.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to remove stale file", zap.String("file", old), zap.Error(err))
		}
	}
	c.index.remember(entry.Key, name)

	c.logger.Debug("File written", zap.String("key", entry.Key))
	return models.Success(entry)
}

// Get reads the entry stored under key.
func (c *Cache) Get(ctx context.Context, key string) models.Result {
	if err := ctx.Err(); err != nil {
		return c.cancelled("get", key, err)
	}
	if err := models.ValidateKey(key); err != nil {
		return models.Failure("cannot read entry", err)
	}

	name, err := c.locate(key)
	if err != nil {
		c.logger.Error("Failed to locate file", zap.String("key", key), zap.Error(err))
		return models.Failure(fmt.Sprintf("cannot get file %s", key), err)
	}
	if name == "" {
		return models.NotFound(key)
	}

	entry, err := c.read(ctx, name)
	switch {
	case err == nil:
		return models.Success(entry)
	case models.IsCancellation(err):
		return c.cancelled("get", key, err)
	case errors.Is(err, os.ErrNotExist):
		return models.NotFound(key)
	default:
		c.logger.Error("Failed to read file", zap.String("key", key), zap.Error(err))
		return models.Failure(fmt.Sprintf("cannot get file %s", key), err)
	}
}

// Remove deletes the files stored under key and returns the removed entry. Removing an absent key
// succeeds with a nil entry.
func (c *Cache) Remove(ctx context.Context, key string) models.Result {
	if err := models.ValidateKey(key); err != nil {
		return models.Failure("cannot remove entry", err)
	}
	if err := c.lock(ctx); err != nil {
		return c.cancelled("remove", key, err)
	}
	defer c.unlock()

	names, err := c.filesOf(key)
	if err != nil {
		c.logger.Error("Failed to list files", zap.String("key", key), zap.Error(err))
		return models.Failure(fmt.Sprintf("cannot delete file %s", key), err)
	}
	if len(names) == 0 {
		return models.Result{Successful: true, Message: fmt.Sprintf("file %s is not found", key)}
	}

	entry, err := c.read(ctx, names[len(names)-1])
	if err != nil {
		if models.IsCancellation(err) {
			return c.cancelled("remove", key, err)
		}
		c.logger.Error("Failed to read file", zap.String("key", key), zap.Error(err))
		return models.Failure(fmt.Sprintf("cannot delete file %s", key), err)
	}

	for _, name := range names {
		if err := c.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Error("Failed to delete file", zap.String("key", key), zap.Error(err))
			return models.Failure(fmt.Sprintf("cannot delete file %s", key), fmt.Errorf("%w: %w", models.ErrIOFailure, err))
		}
	}
	c.index.forget(key)

	c.logger.Debug("File deleted", zap.String("key", key))
	return models.Success(entry)
}

// GetAll returns every persisted entry ordered by key. Files are read concurrently. In tracking mode
// only the metadata held in the file names is returned.
func (c *Cache) GetAll(ctx context.Context, tracking bool) ([]*models.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrCancelled, err)
	}

	files, err := c.list()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, versions := range files {
		names = append(names, versions[len(versions)-1])
	}

	entries := make([]*models.Entry, len(names))
	if tracking {
		for i, name := range names {
			entries[i], _ = ParseFileName(name)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(min(c.parallelism, max(len(names), 1)))
		for i, name := range names {
			g.Go(func() error {
				entry, err := c.read(gctx, name)
				if err != nil {
					if models.IsCancellation(err) {
						return err
					}
					c.logger.Warn("Failed to read file", zap.String("file", name), zap.Error(err))
					return nil
				}
				entries[i] = entry
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrCancelled, err)
		}
	}

	entries = slices.DeleteFunc(entries, func(entry *models.Entry) bool { return entry == nil })
	slices.SortFunc(entries, func(a, b *models.Entry) int { return strings.Compare(a.Key, b.Key) })
	return entries, nil
}

// GetEntriesByKeyFilters applies the filter service to all persisted entries.
func (c *Cache) GetEntriesByKeyFilters(ctx context.Context, chunks [][]models.KeyFilter) []*models.Entry {
	entries, err := c.GetAll(ctx, false)
	if err != nil {
		c.logger.Warn("Failed to load entries for filtering", zap.Error(err))
		return []*models.Entry{}
	}
	return c.filter.FilterEntryKeys(ctx, entries, chunks)
}

// GetEntriesByValueFilters applies the filter service to all persisted entries.
func (c *Cache) GetEntriesByValueFilters(ctx context.Context, chunks [][]models.ValueFilter) []*models.Entry {
	entries, err := c.GetAll(ctx, false)
	if err != nil {
		c.logger.Warn("Failed to load entries for filtering", zap.Error(err))
		return []*models.Entry{}
	}
	return c.filter.FilterEntryValues(ctx, entries, chunks)
}

// Clear closes every open write stream and deletes all cache files. Writes interrupted by Clear
// fail with ErrClearInProgress.
func (c *Cache) Clear(ctx context.Context) models.Result {
	c.clearing.Store(true)
	defer c.clearing.Store(false)

	c.closeWriters()

	if err := c.lock(ctx); err != nil {
		return c.cancelled("clear", "", err)
	}
	defer c.unlock()

	files, err := c.list()
	if err != nil {
		c.logger.Error("Failed to list files", zap.Error(err))
		return models.Failure("cannot clear all files", err)
	}

	deleted := 0
	for _, versions := range files {
		for _, name := range versions {
			if err := ctx.Err(); err != nil {
				return c.cancelled("clear", "", err)
			}
			if err := c.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn("Failed to delete file", zap.String("file", name), zap.Error(err))
				continue
			}
			deleted++
		}
	}
	c.index.reset(nil)

	c.logger.Info("Persistent cache cleared", zap.Int("files", deleted))
	return models.Success(nil)
}

// locate returns the newest file name stored for key, or "" when there is none.
func (c *Cache) locate(key string) (string, error) {
	if !c.index.mightContain(key) {
		return "", nil
	}
	if name, ok := c.index.lookup(key); ok {
		if _, err := c.fs.Stat(name); err == nil {
			return name, nil
		}
		c.index.forget(key)
	}

	names, err := c.filesOf(key)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[len(names)-1], nil
}

// filesOf returns the file names stored for key, oldest modification first.
func (c *Cache) filesOf(key string) ([]string, error) {
	files, err := c.list()
	if err != nil {
		return nil, err
	}
	return files[key], nil
}

// list groups the cache file names by key. Each group is ordered oldest modification first.
func (c *Cache) list() (map[string][]string, error) {
	infos, err := c.fs.ReadDir(".")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("%w: failed to read storage directory: %w", models.ErrIOFailure, err)
	}

	files := make(map[string][]string)
	modified := make(map[string]int64)
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		name := info.Name()
		key, ok := keyOf(name)
		if !ok {
			continue
		}
		entry, err := ParseFileName(name)
		if err != nil {
			c.logger.Warn("Skipping malformed file", zap.String("file", name), zap.Error(err))
			continue
		}
		files[key] = append(files[key], name)
		modified[name] = models.TimeToTicks(entry.LastModificationTime)
	}

	for _, names := range files {
		slices.SortFunc(names, func(a, b string) int {
			switch {
			case modified[a] < modified[b]:
				return -1
			case modified[a] > modified[b]:
				return 1
			default:
				return strings.Compare(a, b)
			}
		})
	}
	return files, nil
}

func (c *Cache) read(ctx context.Context, name string) (*models.Entry, error) {
	entry, err := ParseFileName(name)
	if err != nil {
		return nil, err
	}

	f, err := c.fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrCancelled, err)
	}

	value, err := io.ReadAll(bufio.NewReaderSize(f, c.bufferSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrIOFailure, err)
	}
	entry.Value = value
	return entry, nil
}

func (c *Cache) write(name string, value []byte) error {
	f, err := c.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	c.track(f)
	defer c.untrack(f)

	w := bufio.NewWriterSize(f, c.bufferSize)
	if _, err := w.Write(value); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if s, ok := f.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

func (c *Cache) track(f billy.File) {
	c.writersMutex.Lock()
	c.writers[f] = struct{}{}
	c.writersMutex.Unlock()
}

func (c *Cache) untrack(f billy.File) {
	c.writersMutex.Lock()
	delete(c.writers, f)
	c.writersMutex.Unlock()
}

func (c *Cache) closeWriters() {
	c.writersMutex.Lock()
	defer c.writersMutex.Unlock()

	for f := range c.writers {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			c.logger.Warn("Failed to close write stream", zap.String("file", f.Name()), zap.Error(err))
		}
		delete(c.writers, f)
	}
}

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
