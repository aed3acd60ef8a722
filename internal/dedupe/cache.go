// ABOUTME: Tracks client-generated submission ids per thread for idempotency
// ABOUTME: A resubmitted id inside the window is recognized and not re-appended

package dedupe

import (
	"sync"
	"time"
)

// Cache remembers which (thread, client-generated id) submissions were
// recently accepted, so a client retry after a lost response does not append
// the message twice. Ids are scoped per thread: the same client id in two
// threads is two distinct submissions.
//
// Entries expire after the TTL. Because the TTL is fixed, insertion order is
// expiry order, so a FIFO queue drives both sweeping and capacity eviction;
// refreshed or forgotten entries are reconciled lazily when their queue slot
// surfaces.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time // submission key -> expiry
	queue   []queued             // insertion order, oldest first
	ttl     time.Duration
	maxSize int

	done   chan struct{}
	closed bool
}

// queued is one FIFO slot. The authoritative expiry lives in the map; the
// slot's copy only tells the queue whether the entry was refreshed since.
type queued struct {
	key       string
	expiresAt time.Time
}

// New creates a cache with the given TTL and maximum entry count. A
// background goroutine sweeps expired entries once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// submissionKey scopes a client-generated id to its thread.
func submissionKey(threadID, clientID string) string {
	return threadID + "/" + clientID
}

// Check reports whether the submission was seen inside the TTL window.
func (c *Cache) Check(threadID, clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.seen[submissionKey(threadID, clientID)]
	return ok && time.Now().Before(expiry)
}

// CheckAndMark atomically tests and records a submission. Returns true when
// it was already seen (a duplicate), false when it is new and now marked.
// The single lock hold rules out the check/mark race between two concurrent
// submissions of the same id.
func (c *Cache) CheckAndMark(threadID, clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := submissionKey(threadID, clientID)
	if expiry, ok := c.seen[key]; ok && time.Now().Before(expiry) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records a submission unconditionally, refreshing its window if
// already present.
func (c *Cache) Mark(threadID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(submissionKey(threadID, clientID))
}

// Forget drops a submission so the same id can be accepted again. Called
// when the append a mark guarded never happened.
func (c *Cache) Forget(threadID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, submissionKey(threadID, clientID))
}

// markLocked requires mu held.
func (c *Cache) markLocked(key string) {
	expiry := time.Now().Add(c.ttl)
	_, refresh := c.seen[key]
	c.seen[key] = expiry
	if !refresh {
		c.queue = append(c.queue, queued{key: key, expiresAt: expiry})
	}
	for len(c.seen) > c.maxSize {
		c.popOldestLocked()
	}
}

// popOldestLocked evicts the oldest live entry. Queue slots whose entry was
// forgotten or refreshed since insertion are skipped or re-queued.
func (c *Cache) popOldestLocked() {
	for len(c.queue) > 0 {
		slot := c.queue[0]
		c.queue = c.queue[1:]

		expiry, ok := c.seen[slot.key]
		if !ok {
			continue // forgotten; slot is stale
		}
		if expiry.After(slot.expiresAt) {
			// Refreshed since this slot was queued; it is not the oldest
			c.queue = append(c.queue, queued{key: slot.key, expiresAt: expiry})
			continue
		}
		delete(c.seen, slot.key)
		return
	}
}

// sweepLoop periodically drops expired entries until Close.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runSweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for len(c.queue) > 0 {
		slot := c.queue[0]
		if slot.expiresAt.After(now) {
			return // everything behind is newer
		}
		c.queue = c.queue[1:]

		expiry, ok := c.seen[slot.key]
		if !ok {
			continue
		}
		if expiry.After(now) {
			// Refreshed; carry forward under its new expiry
			c.queue = append(c.queue, queued{key: slot.key, expiresAt: expiry})
			continue
		}
		delete(c.seen, slot.key)
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
