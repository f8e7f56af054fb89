// ABOUTME: Tests for the client_message_id idempotency cache.
// ABOUTME: Covers TTL expiry, Forget, size-bounded eviction and racing submitters.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCache returns a cache driven by a manual clock.
func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *time.Time) {
	t.Helper()
	c := New(ttl, maxSize)
	t.Cleanup(c.Close)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestKey_ScopedBySenderAndConversation(t *testing.T) {
	a := Key("conv-1", "alice", "c-1")
	assert.NotEqual(t, a, Key("conv-1", "bob", "c-1"))
	assert.NotEqual(t, a, Key("conv-2", "alice", "c-1"))
	assert.Equal(t, a, Key("conv-1", "alice", "c-1"))

	// Separator prevents concatenation collisions
	assert.NotEqual(t, Key("ab", "c", "d"), Key("a", "bc", "d"))
}

func TestCache_CheckAndMark(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute, 100)
	key := Key("conv-1", "alice", "c-1")

	assert.False(t, c.CheckAndMark(key), "first submission is new")
	assert.True(t, c.CheckAndMark(key), "retry is a duplicate")
	assert.True(t, c.Check(key))
	assert.False(t, c.Check(Key("conv-1", "alice", "c-2")))
}

func TestCache_Expiry(t *testing.T) {
	c, now := newTestCache(t, time.Minute, 100)

	require.False(t, c.CheckAndMark("k"))
	*now = now.Add(59 * time.Second)
	assert.True(t, c.Check("k"))

	*now = now.Add(2 * time.Second)
	assert.False(t, c.Check("k"))
	assert.False(t, c.CheckAndMark("k"), "expired key is accepted again")
}

func TestCache_MarkRefreshesTimestamp(t *testing.T) {
	c, now := newTestCache(t, time.Minute, 100)

	c.Mark("k")
	*now = now.Add(40 * time.Second)
	c.Mark("k")
	*now = now.Add(40 * time.Second)

	assert.True(t, c.Check("k"))
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute, 100)

	require.False(t, c.CheckAndMark("k"))
	c.Forget("k")
	assert.False(t, c.Check("k"))
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.CheckAndMark("k"), "forgotten key can be submitted again")

	// Forgetting an unknown key is harmless
	c.Forget("missing")
}

func TestCache_EvictsOldest(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute, 3)

	c.Mark("first")
	c.Mark("second")
	c.Mark("third")
	c.Mark("fourth")

	assert.False(t, c.Check("first"))
	assert.True(t, c.Check("second"))
	assert.True(t, c.Check("fourth"))

	// Re-marking moves a key to the back of the eviction order
	c.Mark("second")
	c.Mark("fifth")
	assert.False(t, c.Check("third"))
	assert.True(t, c.Check("second"))
	assert.Equal(t, 3, c.Len())
}

func TestCache_NonPositiveSizeUsesDefault(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()
	assert.Equal(t, DefaultMaxSize, c.maxSize)
}

func TestCache_SweepDropsExpired(t *testing.T) {
	c, now := newTestCache(t, time.Minute, 100)

	c.Mark("old-1")
	c.Mark("old-2")
	*now = now.Add(30 * time.Second)
	c.Mark("fresh")
	*now = now.Add(45 * time.Second)

	c.sweep()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Check("fresh"))
}

func TestCache_CheckAndMark_SingleWinner(t *testing.T) {
	c := New(5*time.Minute, 100)
	defer c.Close()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			if !c.CheckAndMark(Key("conv-1", "alice", "retry")) {
				winners.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}
