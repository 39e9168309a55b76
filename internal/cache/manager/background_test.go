package manager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"goflare.io/muninn/internal/cache/resident"
)

func TestSizeControllerGrowsBothArrays(t *testing.T) {
	logger := zaptest.NewLogger(t)
	residentCache := resident.New(50, 200, logger, nil)
	sorted := resident.NewSorted(50, 200, logger, nil)

	NewSizeController(residentCache, sorted, time.Hour, 100, 1000, logger).Check(context.Background())

	assert.Equal(t, 250, residentCache.Capacity())
	assert.Equal(t, 250, sorted.Capacity())
}

func TestSizeControllerShrinksBothArrays(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	residentCache := resident.New(2000, 50, logger, nil)
	sorted := resident.NewSorted(2000, 50, logger, nil)
	for i := 0; i < 10; i++ {
		require.True(t, residentCache.Add(ctx, newEntry(t, fmt.Sprintf("k%d", i), "v", 0)).Successful)
		require.True(t, sorted.Add(ctx, newEntry(t, fmt.Sprintf("k%d", i), "v", 0)).Successful)
	}

	NewSizeController(residentCache, sorted, time.Hour, 100, 1000, logger).Check(ctx)

	assert.Equal(t, 60, residentCache.Capacity())
	assert.Equal(t, 60, sorted.Capacity())
	assert.True(t, sorted.Ordered())
}

func TestSizeControllerLeavesHealthyArrays(t *testing.T) {
	logger := zaptest.NewLogger(t)
	residentCache := resident.New(500, 50, logger, nil)

	NewSizeController(residentCache, nil, time.Hour, 100, 1000, logger).Check(context.Background())

	assert.Equal(t, 500, residentCache.Capacity())
}

func TestSizeControllerRunStops(t *testing.T) {
	logger := zaptest.NewLogger(t)
	residentCache := resident.New(10, 10, logger, nil)
	sc := NewSizeController(residentCache, nil, time.Millisecond, 100, 1000, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return residentCache.Capacity() > 10 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("size controller did not stop")
	}
}

func TestTTLManagerSweepsAllTiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired := newEntry(t, "expired", "v", time.Minute)
	expired.LastModificationTime = time.Now().Add(-time.Hour)
	require.True(t, f.manager.Add(ctx, expired).Successful)
	require.True(t, f.manager.Add(ctx, newEntry(t, "forever", "v", 0)).Successful)
	require.True(t, f.manager.Add(ctx, newEntry(t, "fresh", "v", time.Hour)).Successful)
	eventuallyFound(t, f.persistent, "fresh")

	removed := NewTTLManager(f.manager, time.Hour, 0, zaptest.NewLogger(t)).Sweep(ctx)
	assert.Equal(t, 1, removed)

	assert.True(t, f.manager.Get(ctx, "expired").IsNotFound())
	assert.True(t, f.resident.Get(ctx, "forever").Successful)
	assert.True(t, f.resident.Get(ctx, "fresh").Successful)
	eventuallyGone(t, f.sorted, "expired")
	eventuallyGone(t, f.persistent, "expired")
}

func TestTTLManagerSweepsPersistedOnlyEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := newEntry(t, "stale", "v", time.Second)
	stale.LastModificationTime = time.Now().Add(-time.Minute)
	require.True(t, f.persistent.Insert(ctx, stale).Successful)

	tm := NewTTLManager(f.manager, time.Hour, 0, zaptest.NewLogger(t))
	assert.Equal(t, 1, tm.Sweep(ctx))
	eventuallyGone(t, f.persistent, "stale")
}
