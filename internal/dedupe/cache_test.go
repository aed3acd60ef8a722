// ABOUTME: Tests for the per-thread submission id cache behind idempotency
// ABOUTME: Covers TTL expiry, capacity eviction, forget, atomicity, and close

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_CheckUnknownSubmission(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Check("thread-1", "client-id-never-sent"))
}

func TestCache_CheckAndMark_FirstSubmissionWins(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("thread-1", "client-id-1"), "first submission is not a duplicate")
	assert.True(t, cache.CheckAndMark("thread-1", "client-id-1"), "resubmission is recognized")
}

func TestCache_IdsAreThreadScoped(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("thread-1", "client-id-1"))
	assert.False(t, cache.CheckAndMark("thread-2", "client-id-1"),
		"the same client id in another thread is a distinct submission")
}

func TestCache_ExpiryReopensSubmission(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("thread-1", "client-id-1"))
	time.Sleep(20 * time.Millisecond)

	// Outside the window the id is treated as new again
	assert.False(t, cache.CheckAndMark("thread-1", "client-id-1"))
}

func TestCache_MarkRefreshesWindow(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("thread-1", "client-id-1")
	time.Sleep(30 * time.Millisecond)
	cache.Mark("thread-1", "client-id-1")
	time.Sleep(30 * time.Millisecond)

	assert.True(t, cache.Check("thread-1", "client-id-1"), "refresh should extend the window")
}

func TestCache_ForgetReopensSubmission(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("thread-1", "client-id-1"))
	cache.Forget("thread-1", "client-id-1")

	assert.False(t, cache.CheckAndMark("thread-1", "client-id-1"),
		"a forgotten id must be accepted again")
}

func TestCache_CapacityEvictsOldest(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	for i := 1; i <= 3; i++ {
		cache.Mark("thread-1", fmt.Sprintf("id-%d", i))
		time.Sleep(time.Millisecond)
	}
	cache.Mark("thread-1", "id-4")

	assert.False(t, cache.Check("thread-1", "id-1"), "oldest id should be evicted")
	assert.True(t, cache.Check("thread-1", "id-2"))
	assert.True(t, cache.Check("thread-1", "id-3"))
	assert.True(t, cache.Check("thread-1", "id-4"))
}

func TestCache_CapacityEvictionSkipsRefreshedEntries(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("thread-1", "id-1")
	time.Sleep(time.Millisecond)
	cache.Mark("thread-1", "id-2")
	time.Sleep(time.Millisecond)
	cache.Mark("thread-1", "id-3")
	time.Sleep(time.Millisecond)

	// id-1 is refreshed, so id-2 becomes the oldest live entry
	cache.Mark("thread-1", "id-1")
	cache.Mark("thread-1", "id-4")

	assert.True(t, cache.Check("thread-1", "id-1"), "refreshed entry must survive eviction")
	assert.False(t, cache.Check("thread-1", "id-2"), "oldest unrefreshed entry is evicted")
	assert.True(t, cache.Check("thread-1", "id-3"))
	assert.True(t, cache.Check("thread-1", "id-4"))
}

func TestCache_SweepRemovesExpiredEntries(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("thread-1", "id-1")
	cache.Mark("thread-1", "id-2")
	time.Sleep(20 * time.Millisecond)

	cache.runSweep()

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Empty(t, cache.seen)
	assert.Empty(t, cache.queue)
}

func TestCache_CheckAndMark_ExactlyOneWinner(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const goroutines = 100
	var winners int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("thread-1", "contested-id") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners, "concurrent resubmissions must dedupe to one")
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.Mark("thread-1", "id-1")
	assert.True(t, cache.Check("thread-1", "id-1"))

	cache.Close()
	cache.Close()
}
