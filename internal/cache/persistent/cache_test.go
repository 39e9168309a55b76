package persistent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"goflare.io/muninn/internal/models"
)

func newTestCache(t *testing.T) (*Cache, billy.Filesystem) {
	t.Helper()
	fs := memfs.New()
	c, err := New(fs, 0, 0, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(c.Close)
	return c, fs
}

func newEntry(t *testing.T, key, value string, lifeTime time.Duration) *models.Entry {
	t.Helper()
	entry, err := models.NewTextEntry(key, value, models.UTF8, lifeTime)
	require.NoError(t, err)
	return entry
}

func fileNames(t *testing.T, fs billy.Filesystem) []string {
	t.Helper()
	infos, err := fs.ReadDir(".")
	require.NoError(t, err)
	var names []string
	for _, info := range infos {
		if !info.IsDir() {
			names = append(names, info.Name())
		}
	}
	return names
}

func TestInsertWritesNamedFile(t *testing.T) {
	ctx := context.Background()
	c, fs := newTestCache(t)
	entry := newEntry(t, "alpha", "value", time.Minute)

	require.True(t, c.Insert(ctx, entry).Successful)

	assert.Equal(t, []string{FileName(entry)}, fileNames(t, fs))

	f, err := fs.Open(FileName(entry))
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 16)
	n, _ := f.Read(buf)
	assert.Equal(t, "value", string(buf[:n]))
}

func TestInsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	entry, err := models.NewTextEntry("utf16", "héllo", models.UTF16LE, time.Hour)
	require.NoError(t, err)

	require.True(t, c.Insert(ctx, entry).Successful)

	result := c.Get(ctx, "utf16")
	require.True(t, result.Successful)
	got := result.Entry
	assert.Equal(t, entry.Key, got.Key)
	assert.Equal(t, entry.Value, got.Value)
	assert.Equal(t, models.UTF16LE.CodePage, got.Encoding.CodePage)
	assert.Equal(t, time.Hour, got.LifeTime)
	assert.True(t, entry.CreationTime.Truncate(100*time.Nanosecond).Equal(got.CreationTime))
	assert.Equal(t, entry.Hashcode(), got.Hashcode())

	value, err := got.DecodeValue()
	require.NoError(t, err)
	assert.Equal(t, "héllo", value)
}

func TestInsertReplacesStaleFile(t *testing.T) {
	ctx := context.Background()
	c, fs := newTestCache(t)

	first := newEntry(t, "k", "v1", 0)
	require.True(t, c.Insert(ctx, first).Successful)

	second := newEntry(t, "k", "v2", 0)
	second.LastModificationTime = first.LastModificationTime.Add(time.Second)
	require.True(t, c.Insert(ctx, second).Successful)

	assert.Equal(t, []string{FileName(second)}, fileNames(t, fs))
	result := c.Get(ctx, "k")
	require.True(t, result.Successful)
	assert.Equal(t, []byte("v2"), result.Entry.Value)
}

func TestGetMissingKey(t *testing.T) {
	c, _ := newTestCache(t)

	assert.True(t, c.Get(context.Background(), "missing").IsNotFound())
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	c, fs := newTestCache(t)
	require.True(t, c.Insert(ctx, newEntry(t, "k", "v", 0)).Successful)

	result := c.Remove(ctx, "k")
	require.True(t, result.Successful)
	require.NotNil(t, result.Entry)
	assert.Equal(t, []byte("v"), result.Entry.Value)
	assert.Empty(t, fileNames(t, fs))
	assert.True(t, c.Get(ctx, "k").IsNotFound())

	result = c.Remove(ctx, "k")
	assert.True(t, result.Successful)
	assert.Nil(t, result.Entry)
}

func TestGetAllOrderedByKey(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	for _, key := range []string{"delta", "alpha", "charlie", "bravo"} {
		require.True(t, c.Insert(ctx, newEntry(t, key, "v-"+key, 0)).Successful)
	}

	entries, err := c.GetAll(ctx, false)
	require.NoError(t, err)

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Key)
		assert.Equal(t, []byte("v-"+entry.Key), entry.Value)
	}
	if diff := cmp.Diff([]string{"alpha", "bravo", "charlie", "delta"}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestGetAllTrackingSkipsValues(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	require.True(t, c.Insert(ctx, newEntry(t, "k", "v", time.Second)).Successful)

	entries, err := c.GetAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k", entries[0].Key)
	assert.Empty(t, entries[0].Value)
	assert.Equal(t, time.Second, entries[0].LifeTime)
}

func TestGetAllManyFiles(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	c, err := New(fs, 0, 4, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.Initialize(ctx))

	for i := 0; i < 50; i++ {
		require.True(t, c.Insert(ctx, newEntry(t, fmt.Sprintf("key-%02d", i), "v", 0)).Successful)
	}

	entries, err := c.GetAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, entries, 50)
	assert.Equal(t, "key-00", entries[0].Key)
	assert.Equal(t, "key-49", entries[49].Key)
}

func TestClearDeletesFiles(t *testing.T) {
	ctx := context.Background()
	c, fs := newTestCache(t)
	for i := 0; i < 5; i++ {
		require.True(t, c.Insert(ctx, newEntry(t, fmt.Sprintf("key-%d", i), "v", 0)).Successful)
	}

	require.True(t, c.Clear(ctx).Successful)

	assert.Empty(t, fileNames(t, fs))
	assert.True(t, c.Get(ctx, "key-1").IsNotFound())
	require.True(t, c.Insert(ctx, newEntry(t, "after", "v", 0)).Successful)
}

func TestInitializeRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()

	first, err := New(fs, 0, 0, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, first.Initialize(ctx))
	require.True(t, first.Insert(ctx, newEntry(t, "k", "v", 0)).Successful)
	first.Close()

	second, err := New(fs, 0, 0, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(second.Close)
	require.NoError(t, second.Initialize(ctx))

	result := second.Get(ctx, "k")
	require.True(t, result.Successful)
	assert.Equal(t, []byte("v"), result.Entry.Value)
}

func TestInvalidKeysRejected(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	for _, key := range []string{"", "a%b", "dir/file", `dir\file`, ".."} {
		result := c.Insert(ctx, models.NewEntry(key, []byte("v"), models.UTF8, 0))
		assert.False(t, result.Successful, "key %q", key)
		assert.ErrorIs(t, result.Err, models.ErrInvalidKey)
	}
}

func TestCancelledOperations(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, result := range []models.Result{
		c.Insert(ctx, newEntry(t, "k", "v", 0)),
		c.Get(ctx, "k"),
		c.Remove(ctx, "k"),
		c.Clear(ctx),
	} {
		assert.True(t, result.Cancelled)
		assert.ErrorIs(t, result.Err, models.ErrCancelled)
	}

	_, err := c.GetAll(ctx, false)
	assert.ErrorIs(t, err, models.ErrCancelled)
}

// stallingFS holds every write until release is closed.
type stallingFS struct {
	billy.Filesystem

	writing chan struct{}
	release chan struct{}
	once    sync.Once
	last    atomic.Pointer[stallingFile]
}

func newStallingFS() *stallingFS {
	return &stallingFS{
		Filesystem: memfs.New(),
		writing:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (fs *stallingFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	f, err := fs.Filesystem.OpenFile(name, flag, perm)
	if err != nil || flag&os.O_WRONLY == 0 {
		return f, err
	}
	stalling := &stallingFile{File: f, fs: fs}
	fs.last.Store(stalling)
	return stalling, nil
}

type stallingFile struct {
	billy.File

	fs     *stallingFS
	closed atomic.Bool
}

func (f *stallingFile) Write(p []byte) (int, error) {
	f.fs.once.Do(func() { close(f.fs.writing) })
	<-f.fs.release
	if f.closed.Load() {
		return 0, os.ErrClosed
	}
	return f.File.Write(p)
}

func (f *stallingFile) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return os.ErrClosed
	}
	return f.File.Close()
}

func TestClearInterruptsPendingWrite(t *testing.T) {
	ctx := context.Background()
	fs := newStallingFS()
	c, err := New(fs, 0, 0, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(ctx))
	t.Cleanup(c.Close)

	entry := newEntry(t, "k", "v", 0)
	inserted := make(chan models.Result, 1)
	go func() { inserted <- c.Insert(ctx, entry) }()
	<-fs.writing

	cleared := make(chan models.Result, 1)
	go func() { cleared <- c.Clear(ctx) }()

	require.Eventually(t, func() bool {
		return fs.last.Load().closed.Load()
	}, time.Second, time.Millisecond)
	close(fs.release)

	result := <-inserted
	assert.False(t, result.Successful)
	assert.ErrorIs(t, result.Err, models.ErrClearInProgress)
	assert.NotErrorIs(t, result.Err, models.ErrIOFailure)

	require.True(t, (<-cleared).Successful)
	assert.Empty(t, fileNames(t, fs))
	assert.True(t, c.Get(ctx, "k").IsNotFound())
}

func TestInsertLiteralEntry(t *testing.T) {
	ctx := context.Background()
	c, fs := newTestCache(t)

	require.True(t, c.Insert(ctx, &models.Entry{Key: "a", Value: []byte("v")}).Successful)

	names := fileNames(t, fs)
	require.Len(t, names, 1)
	parsed, err := ParseFileName(names[0])
	require.NoError(t, err)
	assert.False(t, parsed.CreationTime.IsZero())
	assert.Equal(t, models.UTF8, parsed.Encoding)

	result := c.Get(ctx, "a")
	require.True(t, result.Successful)
	assert.Equal(t, []byte("v"), result.Entry.Value)
}

func TestInsertNilEntry(t *testing.T) {
	c, _ := newTestCache(t)
	assert.ErrorIs(t, c.Insert(context.Background(), nil).Err, models.ErrInvalidEntry)
}
