// ABOUTME: Thread-safe TTL cache for idempotent message submission.
// ABOUTME: Remembers client_message_id keys so retried sends are not stored twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize bounds the cache when New is given a non-positive size.
const DefaultMaxSize = 10000

// maxSweepInterval caps how long expired keys linger between sweeps.
const maxSweepInterval = time.Minute

// Key builds the idempotency key for a client-supplied message id. The key is
// scoped to conversation and sender so two users can reuse the same id.
func Key(conversationID, senderID, clientMessageID string) string {
	return conversationID + "\x00" + senderID + "\x00" + clientMessageID
}

type entry struct {
	key      string
	markedAt time.Time
}

// Cache is a size-bounded set of recently submitted keys. Keys expire after
// the TTL; when full, the least recently marked key is evicted first.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	lru     *list.List // least recently marked at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		lru:     list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	interval := maxSweepInterval
	if ttl > 0 && ttl < interval {
		interval = ttl
	}
	go c.sweepLoop(interval)
	return c
}

func (c *Cache) live(e *entry, now time.Time) bool {
	return now.Sub(e.markedAt) < c.ttl
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	return ok && c.live(el.Value.(*entry), c.now())
}

// CheckAndMark reports whether key is a duplicate and, if it is not, marks
// it in the same critical section so two racing submitters cannot both win.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok && c.live(el.Value.(*entry), now) {
		return true
	}
	c.put(key, now)
	return false
}

// Mark records key as seen now, refreshing it if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, c.now())
}

// Forget removes key so the next CheckAndMark for it succeeds. Used when the
// write guarded by the key failed and a retry must be allowed.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.lru.Remove(el)
		delete(c.index, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// put must be called with mu held.
func (c *Cache) put(key string, now time.Time) {
	if el, ok := c.index[key]; ok {
		el.Value.(*entry).markedAt = now
		c.lru.MoveToBack(el)
		return
	}

	for len(c.index) >= c.maxSize {
		front := c.lru.Front()
		if front == nil {
			break
		}
		c.lru.Remove(front)
		delete(c.index, front.Value.(*entry).key)
	}

	c.index[key] = c.lru.PushBack(&entry{key: key, markedAt: now})
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep drops expired keys. Marks only move entries to the back, so the
// list is ordered by markedAt and the walk stops at the first live entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.lru.Front(); el != nil; {
		e := el.Value.(*entry)
		if c.live(e, now) {
			return
		}
		next := el.Next()
		c.lru.Remove(el)
		delete(c.index, e.key)
		el = next
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}
