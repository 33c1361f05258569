package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, config Config) *Cache {
	t.Helper()
	if config.MaxBytes == 0 {
		config.MaxBytes = 1024
	}
	c, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, Config{})

	require.True(t, c.Set("greeting", "hello"))
	value, ok := c.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", value)

	_, ok = c.Get("absent")
	assert.False(t, ok)
}

func TestByteBudgetNeverExceeded(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 100, Strategy: "lru"})

	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("key-%d", i), "0123456789012345678901234567890123456789") // 40 bytes
		stats := c.GetStats()
		assert.LessOrEqual(t, stats.BytesUsed, stats.MaxBytes)
	}

	stats := c.GetStats()
	assert.Greater(t, stats.Evictions, int64(0))
}

func TestOversizedValueRejected(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 10})

	assert.False(t, c.Set("big", "this value is far larger than the whole budget"))
	_, ok := c.Get("big")
	assert.False(t, ok)
}

func TestLRUEvictionOrder(t *testing.T) {
	// budget fits two 40-byte values
	c := newTestCache(t, Config{MaxBytes: 100, Strategy: "lru"})
	payload := "0123456789012345678901234567890123456789"

	require.True(t, c.Set("a", payload))
	require.True(t, c.Set("b", payload))

	_, ok := c.Get("a")
	require.True(t, ok)

	require.True(t, c.Set("c", payload))

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used and should be gone")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestMaxItemsBound(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 1 << 20, MaxItems: 3, Strategy: "lru"})

	for i := 0; i < 10; i++ {
		require.True(t, c.Set(fmt.Sprintf("k%d", i), i))
	}
	assert.Equal(t, 3, c.GetStats().Items)
}

func TestUpdateReplacesSize(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 100})

	require.True(t, c.Set("k", "0123456789012345678901234567890123456789"))
	require.True(t, c.Set("k", "short"))

	stats := c.GetStats()
	assert.Equal(t, int64(5), stats.BytesUsed)
	assert.Equal(t, 1, stats.Items)
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, Config{SweepInterval: time.Hour})

	require.True(t, c.Set("ephemeral", "x", WithTTL(100*time.Millisecond)))

	_, ok := c.Get("ephemeral")
	require.True(t, ok, "entry should be live before its TTL elapses")

	time.Sleep(150 * time.Millisecond)

	_, ok = c.Get("ephemeral")
	assert.False(t, ok, "entry should have expired")
	assert.Equal(t, int64(1), c.GetStats().Expirations)
}

func TestSweepRemovesExpired(t *testing.T) {
	c := newTestCache(t, Config{SweepInterval: 20 * time.Millisecond})

	require.True(t, c.Set("a", "x", WithTTL(30*time.Millisecond)))
	require.True(t, c.Set("b", "y"))

	assert.Eventually(t, func() bool {
		return c.GetStats().Items == 1
	}, time.Second, 10*time.Millisecond)

	assert.True(t, c.Has("b"))
}

func TestHasDoesNotCountHit(t *testing.T) {
	c := newTestCache(t, Config{})
	c.Set("k", "v")

	assert.True(t, c.Has("k"))
	assert.False(t, c.Has("missing"))

	stats := c.GetStats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestDeleteAndClear(t *testing.T) {
	c := newTestCache(t, Config{})
	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	c.Clear()
	assert.Equal(t, 0, c.GetStats().Items)
	assert.Equal(t, int64(0), c.GetStats().BytesUsed)
}

func TestEvictionEventsCarryReason(t *testing.T) {
	var mu sync.Mutex
	reasons := make(map[EvictionReason]int)

	c := newTestCache(t, Config{
		MaxBytes: 100,
		Strategy: "lru",
		OnEvent: func(ev Event) {
			mu.Lock()
			reasons[ev.Reason]++
			mu.Unlock()
		},
	})

	payload := "0123456789012345678901234567890123456789"
	c.Set("a", payload)
	c.Set("b", payload)
	c.Set("c", payload) // forces a capacity eviction
	c.Delete("b")
	c.Set("d", "x", WithTTL(time.Nanosecond))
	time.Sleep(time.Millisecond)
	c.Get("d") // lazy expiry
	c.Clear()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, reasons[ReasonCapacity], 1)
	assert.GreaterOrEqual(t, reasons[ReasonDelete], 1)
	assert.GreaterOrEqual(t, reasons[ReasonTTL], 1)
	assert.GreaterOrEqual(t, reasons[ReasonClear], 1)
}

func TestHitRateAndStats(t *testing.T) {
	c := newTestCache(t, Config{})
	c.Set("k", "v")

	c.Get("k")
	c.Get("k")
	c.Get("missing")

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Greater(t, stats.BytesUsed, int64(0))
	assert.Greater(t, stats.UtilizationPct, 0.0)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c1, err := New(Config{
		MaxBytes:    1024,
		Persist:     true,
		PersistPath: dir,
	})
	require.NoError(t, err)
	require.True(t, c1.Set("stylesheet", "body{margin:0}"))
	require.NoError(t, c1.Close())

	// a fresh cache over the same directory recovers the value on first miss
	c2, err := New(Config{
		MaxBytes:    1024,
		Persist:     true,
		PersistPath: dir,
	})
	require.NoError(t, err)
	defer c2.Close()

	value, ok := c2.Get("stylesheet")
	require.True(t, ok)
	assert.Equal(t, "body{margin:0}", value)
}

func TestPersistenceDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()

	c1, err := New(Config{MaxBytes: 1024, Persist: true, PersistPath: dir})
	require.NoError(t, err)
	require.True(t, c1.Set("k", "v"))
	require.True(t, c1.Delete("k"))
	require.NoError(t, c1.Close())

	c2, err := New(Config{MaxBytes: 1024, Persist: true, PersistPath: dir})
	require.NoError(t, err)
	defer c2.Close()

	_, ok := c2.Get("k")
	assert.False(t, ok)
}

func TestPersistenceLoadOnlyOnce(t *testing.T) {
	dir := t.TempDir()

	c, err := New(Config{MaxBytes: 1024, Persist: true, PersistPath: dir})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("never-written")
	assert.False(t, ok)

	// second miss must not hit the disk again; same outcome either way,
	// but the attempt marker should be set
	c.mu.Lock()
	attempted := c.loadAttempted["never-written"]
	c.mu.Unlock()
	assert.True(t, attempted)
}

func TestExpiredPersistedEntryNotLoaded(t *testing.T) {
	dir := t.TempDir()

	c1, err := New(Config{MaxBytes: 1024, Persist: true, PersistPath: dir, SnapshotInterval: 0})
	require.NoError(t, err)
	require.True(t, c1.Set("k", "v", WithTTL(20*time.Millisecond)))
	c1.cancel() // stop loops without the final snapshot pruning the entry
	c1.loops.Wait()

	time.Sleep(50 * time.Millisecond)

	c2, err := New(Config{MaxBytes: 1024, Persist: true, PersistPath: dir})
	require.NoError(t, err)
	defer c2.Close()

	_, ok := c2.Get("k")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(t, Config{MaxBytes: 1 << 20, Strategy: "arc"})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k-%d", i%10)
				if i%3 == 0 {
					c.Set(key, i)
				} else {
					c.Get(key)
				}
			}
		}(g)
	}
	wg.Wait()

	stats := c.GetStats()
	assert.LessOrEqual(t, stats.BytesUsed, stats.MaxBytes)
}

func TestInvalidCacheConfig(t *testing.T) {
	_, err := New(Config{MaxBytes: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{MaxBytes: 100, Strategy: "fifo"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{MaxBytes: 100, Persist: true})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
