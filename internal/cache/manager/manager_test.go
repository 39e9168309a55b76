package manager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/google/go-cmp/cmp"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"goflare.io/muninn/internal/cache/persistent"
	"goflare.io/muninn/internal/cache/resident"
	"goflare.io/muninn/internal/models"
	"goflare.io/muninn/internal/retrier"
)

type fixture struct {
	manager    *Manager
	resident   *resident.Cache
	sorted     *resident.SortedCache
	persistent *persistent.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	metrics := models.NewMetrics()

	residentCache := resident.New(16, 16, logger, nil)
	sorted := resident.NewSorted(16, 16, logger, nil)

	store, err := persistent.New(memfs.New(), 0, 0, logger, nil)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(ctx))

	m := New(residentCache, logger, metrics,
		NewSortedHandler(sorted, 0, logger, metrics),
		NewPersistentHandler(store, newTestResilience(t, gobreaker.Settings{Name: "test"}), 0, logger, metrics),
	)
	t.Cleanup(func() {
		m.Close()
		store.Close()
	})

	return &fixture{manager: m, resident: residentCache, sorted: sorted, persistent: store}
}

func newTestResilience(t *testing.T, settings gobreaker.Settings) *Resilience {
	t.Helper()
	r, err := retrier.NewRetrier(3, time.Millisecond, 5*time.Millisecond, 2, 0, retrier.ExponentialBackoff, nil)
	require.NoError(t, err)
	return NewResilience(settings, r, zaptest.NewLogger(t))
}

func newEntry(t *testing.T, key, value string, lifeTime time.Duration) *models.Entry {
	t.Helper()
	entry, err := models.NewTextEntry(key, value, models.UTF8, lifeTime)
	require.NoError(t, err)
	return entry
}

func eventuallyFound(t *testing.T, tier Tier, key string) *models.Entry {
	t.Helper()
	var found *models.Entry
	require.Eventually(t, func() bool {
		result := tier.Get(context.Background(), key)
		found = result.Entry
		return result.Successful
	}, time.Second, 5*time.Millisecond)
	return found
}

func eventuallyGone(t *testing.T, tier Tier, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tier.Get(context.Background(), key).IsNotFound()
	}, time.Second, 5*time.Millisecond)
}

func TestAddReplicatesToHandlers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.manager.Add(ctx, newEntry(t, "a", "hello", time.Hour)).Successful)

	for _, tier := range []Tier{f.sorted, f.persistent} {
		entry := eventuallyFound(t, tier, "a")
		value, err := entry.DecodeValue()
		require.NoError(t, err)
		assert.Equal(t, "hello", value)
	}
}

func TestReplicatedEntryIsACopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := newEntry(t, "k", "abc", 0)

	require.True(t, f.manager.Add(ctx, entry).Successful)
	replica := eventuallyFound(t, f.sorted, "k")

	assert.NotSame(t, entry, replica)
	entry.Value[0] = 'z'
	assert.Equal(t, []byte("abc"), replica.Value)
}

func TestFailedWriteIsNotReplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.manager.Add(ctx, newEntry(t, "k", "v1", 0)).Successful)
	eventuallyFound(t, f.sorted, "k")

	result := f.manager.Add(ctx, newEntry(t, "k", "v2", 0))
	assert.True(t, result.IsAlreadyExists())

	f.manager.Close()
	value, err := f.sorted.Get(ctx, "k").Entry.DecodeValue()
	require.NoError(t, err)
	assert.Equal(t, "v1", value)
}

func TestRemoveReplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.manager.Add(ctx, newEntry(t, "k", "v", 0)).Successful)
	eventuallyFound(t, f.persistent, "k")

	require.True(t, f.manager.Remove(ctx, "k").Successful)

	assert.True(t, f.manager.Get(ctx, "k").IsNotFound())
	eventuallyGone(t, f.sorted, "k")
	eventuallyGone(t, f.persistent, "k")
}

func TestUpdateAndInsertReplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.manager.Insert(ctx, newEntry(t, "k", "v1", 0)).Successful)
	require.True(t, f.manager.Update(ctx, newEntry(t, "k", "v2", 0)).Successful)

	f.manager.Close()
	for _, tier := range []Tier{f.sorted, f.persistent} {
		result := tier.Get(ctx, "k")
		require.True(t, result.Successful)
		assert.Equal(t, []byte("v2"), result.Entry.Value)
	}
}

func TestGetFallsBackToHandlers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.persistent.Insert(ctx, newEntry(t, "only-on-disk", "v", 0)).Successful)

	result := f.manager.Get(ctx, "only-on-disk")
	require.True(t, result.Successful)
	assert.Equal(t, []byte("v"), result.Entry.Value)
	assert.Equal(t, int64(1), f.manager.Metrics().Hits.Load())
}

func TestGetMiss(t *testing.T) {
	f := newFixture(t)

	result := f.manager.Get(context.Background(), "missing")
	assert.True(t, result.IsNotFound())
	assert.Equal(t, int64(1), f.manager.Metrics().Misses.Load())
}

func TestGetAllUnionPrefersResident(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.manager.Add(ctx, newEntry(t, "shared", "resident", 0)).Successful)
	eventuallyFound(t, f.persistent, "shared")
	require.True(t, f.persistent.Insert(ctx, newEntry(t, "shared", "disk", 0)).Successful)
	require.True(t, f.persistent.Insert(ctx, newEntry(t, "disk-only", "v", 0)).Successful)

	entries, err := f.manager.GetAll(ctx, false)
	require.NoError(t, err)

	got := make(map[string]string, len(entries))
	for _, entry := range entries {
		value, err := entry.DecodeValue()
		require.NoError(t, err)
		got[entry.Key] = value
	}
	want := map[string]string{"shared": "resident", "disk-only": "v"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestClearAllTiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, f.manager.Add(ctx, newEntry(t, fmt.Sprintf("k%d", i), "v", 0)).Successful)
	}

	require.True(t, f.manager.Clear(ctx).Successful)

	assert.Equal(t, 0, f.resident.Count())
	assert.Equal(t, 0, f.sorted.Count())
	persisted, err := f.persistent.GetAll(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestFilterReadsAreEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.manager.Add(ctx, newEntry(t, "k", "v", 0)).Successful)

	assert.Empty(t, f.manager.GetEntriesByKeyFilters(ctx, [][]models.KeyFilter{{{Value: "k"}}}))
	assert.Empty(t, f.manager.GetEntriesByValueFilters(ctx, [][]models.ValueFilter{{{Value: "v"}}}))
}

// blockingTier holds every Add until release is closed.
type blockingTier struct {
	Tier
	started chan struct{}
	release chan struct{}
	applied atomic.Int64
}

func newBlockingTier() *blockingTier {
	return &blockingTier{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingTier) Add(_ context.Context, entry *models.Entry) models.Result {
	b.started <- struct{}{}
	<-b.release
	b.applied.Inc()
	return models.Success(entry)
}

func (b *blockingTier) Get(_ context.Context, key string) models.Result {
	return models.NotFound(key)
}

func TestFullQueueDropsReplication(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	metrics := models.NewMetrics()
	tier := newBlockingTier()
	h := NewHandler("blocking", tier, nil, 1, logger, metrics)
	m := New(resident.New(16, 16, logger, nil), logger, metrics, h)

	require.True(t, m.Add(ctx, newEntry(t, "first", "v", 0)).Successful)
	<-tier.started
	require.True(t, m.Add(ctx, newEntry(t, "second", "v", 0)).Successful)
	require.True(t, m.Add(ctx, newEntry(t, "third", "v", 0)).Successful)

	assert.Equal(t, int64(1), metrics.ReplicationDrops.Load())
	assert.True(t, h.Behind("second"))
	assert.False(t, h.Behind("third"))

	close(tier.release)
	m.Close()
	assert.Equal(t, int64(2), tier.applied.Load())
	assert.False(t, h.Behind("first"))
}

func TestGetSkipsHandlerThatIsBehind(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	tier := newBlockingTier()
	h := NewHandler("blocking", tier, nil, 4, logger, nil)
	residentCache := resident.New(16, 16, logger, nil)
	m := New(residentCache, logger, nil, h)
	t.Cleanup(func() {
		close(tier.release)
		m.Close()
	})

	require.True(t, m.Add(ctx, newEntry(t, "k", "v", 0)).Successful)
	<-tier.started
	assert.True(t, h.Behind("k"))

	require.True(t, residentCache.Remove(ctx, "k").Successful)
	assert.True(t, m.Get(ctx, "k").IsNotFound())
}

func TestCloseRejectsReplication(t *testing.T) {
	logger := zaptest.NewLogger(t)
	h := NewHandler("closed", resident.NewSorted(4, 4, logger, nil), nil, 4, logger, nil)
	h.Close()

	assert.False(t, h.replicate(context.Background(), opAdd, "k", newEntry(t, "k", "v", 0)))
	assert.False(t, h.Clear(context.Background()).Successful)
}

func TestResidentOnlyScenario(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	residentCache := resident.New(16, 16, logger, nil)
	m := New(residentCache, logger, nil)
	t.Cleanup(m.Close)

	require.True(t, m.Add(ctx, newEntry(t, "a", "hello", time.Hour)).Successful)

	got := m.Get(ctx, "a")
	require.True(t, got.Successful)
	assert.Equal(t, []byte("hello"), got.Entry.Value)
	assert.Equal(t, residentCache.Get(ctx, "a").Entry, got.Entry)

	removed := m.Remove(ctx, "a")
	require.True(t, removed.Successful)
	require.NotNil(t, removed.Entry)
	assert.Equal(t, []byte("hello"), removed.Entry.Value)
	assert.True(t, m.Get(ctx, "a").IsNotFound())

	require.True(t, m.Insert(ctx, newEntry(t, "b", "v1", 0)).Successful)
	require.True(t, m.Insert(ctx, newEntry(t, "b", "v2", 0)).Successful)
	entries, err := m.GetAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("v2"), entries[0].Value)
}

func TestInvalidKeysRejectedBeforeAnyTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, key := range []string{"", "50%off", "a/b", ".."} {
		entry := models.NewEntry(key, []byte("v"), models.UTF8, 0)
		for _, result := range []models.Result{
			f.manager.Add(ctx, entry),
			f.manager.Insert(ctx, entry),
			f.manager.Update(ctx, entry),
			f.manager.Get(ctx, key),
			f.manager.Remove(ctx, key),
		} {
			assert.False(t, result.Successful, "key %q", key)
			assert.ErrorIs(t, result.Err, models.ErrInvalidKey, "key %q", key)
		}
	}
	assert.Equal(t, 0, f.resident.Count())

	f.manager.Close()
	snapshot := f.manager.Metrics().Snapshot()
	assert.Zero(t, snapshot.ReplicationFailures)
	assert.Zero(t, snapshot.ReplicationDrops)
}

func TestNilEntryRejectedByManager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, result := range []models.Result{
		f.manager.Add(ctx, nil),
		f.manager.Insert(ctx, nil),
		f.manager.Update(ctx, nil),
	} {
		assert.False(t, result.Successful)
		assert.ErrorIs(t, result.Err, models.ErrInvalidEntry)
	}
}

func TestLiteralEntryReachesEveryTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.manager.Add(ctx, &models.Entry{Key: "a", Value: []byte("hello")}).Successful)

	got := f.manager.Get(ctx, "a")
	require.True(t, got.Successful)
	assert.Equal(t, []byte("hello"), got.Entry.Value)

	persisted := eventuallyFound(t, f.persistent, "a")
	assert.Equal(t, []byte("hello"), persisted.Value)
	assert.False(t, persisted.CreationTime.IsZero())
	eventuallyFound(t, f.sorted, "a")

	assert.True(t, f.manager.Add(ctx, &models.Entry{Key: "a"}).IsAlreadyExists())

	removed := f.manager.Remove(ctx, "a")
	require.True(t, removed.Successful)
	require.NotNil(t, removed.Entry)
	eventuallyGone(t, f.sorted, "a")
	eventuallyGone(t, f.persistent, "a")

	entries, err := f.manager.GetAll(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
