// ABOUTME: Tests for the connection hub fan-out and backfill seam
// ABOUTME: Covers attach/detach, slow-session isolation, typing and presence

package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberiad/cyberiad/internal/store"
)

// fakeBackfill serves canned participants and messages
type fakeBackfill struct {
	mu       sync.Mutex
	markers  map[string]int64 // userID -> last read seq
	messages []*store.Message
}

func newFakeBackfill() *fakeBackfill {
	return &fakeBackfill{markers: make(map[string]int64)}
}

func (f *fakeBackfill) GetParticipant(_ context.Context, threadID, userID string) (*store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &store.Participant{
		ThreadID:    threadID,
		UserID:      userID,
		LastReadSeq: f.markers[userID],
		IsActive:    true,
	}, nil
}

func (f *fakeBackfill) ListMessagesSince(_ context.Context, threadID string, afterSeq int64, _ int) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Message
	for _, m := range f.messages {
		if m.ThreadID == threadID && m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBackfill) addMessage(threadID string, seq int64) *store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID := "author"
	m := &store.Message{
		ID:       fmt.Sprintf("msg-%d", seq),
		ThreadID: threadID,
		Seq:      seq,
		UserID:   &userID,
		Content:  fmt.Sprintf("message %d", seq),
	}
	f.messages = append(f.messages, m)
	return m
}

// fakeConn records delivered events; optionally fails every send
type fakeConn struct {
	mu     sync.Mutex
	events []*Event
	recv   chan *Event
	fail   bool
	block  chan struct{} // if non-nil, Send blocks until closed
}

func newFakeConn() *fakeConn {
	return &fakeConn{recv: make(chan *Event, 128)}
}

func (c *fakeConn) Send(ctx context.Context, event *Event) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	if c.fail {
		c.mu.Unlock()
		return errors.New("broken pipe")
	}
	c.events = append(c.events, event)
	c.mu.Unlock()
	c.recv <- event
	return nil
}

func (c *fakeConn) waitFor(t *testing.T, kind EventKind) *Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.recv:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func newTestHub(backfill BackfillStore, opts Options) *Hub {
	return New(backfill, opts, nil)
}

func TestAttach_BackfillThenLive(t *testing.T) {
	backfill := newFakeBackfill()
	h := newTestHub(backfill, Options{})
	defer h.Close()

	// Three messages the client missed
	backfill.addMessage("t1", 1)
	backfill.addMessage("t1", 2)
	backfill.addMessage("t1", 3)

	conn := newFakeConn()
	_, err := h.Attach(t.Context(), "t1", "alice", conn)
	require.NoError(t, err)

	// Backfill is delivered synchronously before Attach returns
	conn.mu.Lock()
	require.Len(t, conn.events, 3)
	for i, ev := range conn.events {
		assert.Equal(t, EventMessage, ev.Kind)
		assert.Equal(t, int64(i+1), ev.Message.Seq)
	}
	conn.mu.Unlock()

	// Live event follows with no gap
	live := backfill.addMessage("t1", 4)
	h.Broadcast("t1", MessageEvent(live))

	ev := conn.waitFor(t, EventMessage)
	assert.Equal(t, int64(4), ev.Message.Seq)
}

func TestAttach_SeamOverlapIsDeduplicated(t *testing.T) {
	backfill := newFakeBackfill()
	h := newTestHub(backfill, Options{})
	defer h.Close()

	m3 := backfill.addMessage("t1", 3)

	conn := newFakeConn()
	_, err := h.Attach(t.Context(), "t1", "alice", conn)
	require.NoError(t, err)
	<-conn.recv // drain backfilled seq 3

	// A broadcast that raced the backfill snapshot must not be re-delivered
	h.Broadcast("t1", MessageEvent(m3))
	m4 := backfill.addMessage("t1", 4)
	h.Broadcast("t1", MessageEvent(m4))

	ev := conn.waitFor(t, EventMessage)
	assert.Equal(t, int64(4), ev.Message.Seq, "seq 3 should have been skipped at the seam")
}

func TestBroadcast_EditAndDeleteCrossTheSeam(t *testing.T) {
	backfill := newFakeBackfill()
	h := newTestHub(backfill, Options{})
	defer h.Close()

	backfill.addMessage("t1", 1)
	m2 := backfill.addMessage("t1", 2)
	m3 := backfill.addMessage("t1", 3)

	conn := newFakeConn()
	_, err := h.Attach(t.Context(), "t1", "alice", conn)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		<-conn.recv // drain backfill
	}

	// An edit re-broadcasts the message under its original seq; the seam
	// skip must not swallow it.
	now := time.Now()
	edited := *m2
	edited.Content = "corrected"
	edited.EditedAt = &now
	h.Broadcast("t1", MessageEvent(&edited))

	ev := conn.waitFor(t, EventMessage)
	assert.Equal(t, int64(2), ev.Message.Seq)
	assert.Equal(t, "corrected", ev.Message.Content)

	// Same for a delete tombstone
	deleted := *m3
	deleted.DeletedAt = &now
	h.Broadcast("t1", MessageEvent(&deleted))

	ev = conn.waitFor(t, EventMessage)
	assert.Equal(t, int64(3), ev.Message.Seq)
	assert.True(t, ev.Message.Deleted())
}

func TestAttach_RespectsReadMarker(t *testing.T) {
	backfill := newFakeBackfill()
	h := newTestHub(backfill, Options{})
	defer h.Close()

	backfill.addMessage("t1", 1)
	backfill.addMessage("t1", 2)
	backfill.addMessage("t1", 3)
	backfill.markers["bob"] = 2

	conn := newFakeConn()
	_, err := h.Attach(t.Context(), "t1", "bob", conn)
	require.NoError(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.events, 1)
	assert.Equal(t, int64(3), conn.events[0].Message.Seq)
}

func TestDetach_IsIdempotent(t *testing.T) {
	backfill := newFakeBackfill()
	h := newTestHub(backfill, Options{})
	defer h.Close()

	conn := newFakeConn()
	sessionID, err := h.Attach(t.Context(), "t1", "alice", conn)
	require.NoError(t, err)

	h.Detach("t1", sessionID)
	h.Detach("t1", sessionID) // second call must be safe

	assert.False(t, h.IsOnline("t1", "alice"))
}

func TestBroadcast_IsolatesFailingSession(t *testing.T) {
	backfill := newFakeBackfill()
	h := newTestHub(backfill, Options{SendTimeout: 50 * time.Millisecond, SendRetries: 1})
	defer h.Close()

	healthy := newFakeConn()
	broken := newFakeConn()

	_, err := h.Attach(t.Context(), "t1", "alice", healthy)
	require.NoError(t, err)
	_, err = h.Attach(t.Context(), "t1", "bob", broken)
	require.NoError(t, err)

	// Break bob's connection after attach
	broken.mu.Lock()
	broken.fail = true
	broken.mu.Unlock()

	msg := backfill.addMessage("t1", 1)
	h.Broadcast("t1", MessageEvent(msg))

	// Alice still receives the message
	ev := healthy.waitFor(t, EventMessage)
	assert.Equal(t, int64(1), ev.Message.Seq)

	// Bob's session is eventually dropped
	require.Eventually(t, func() bool {
		return !h.IsOnline("t1", "bob")
	}, 2*time.Second, 10*time.Millisecond, "failing session was not dropped")
}

func TestBroadcast_QueueOverflowDropsSession(t *testing.T) {
	backfill := newFakeBackfill()
	h := newTestHub(backfill, Options{BufferSize: 1, SendTimeout: 50 * time.Millisecond})
	defer h.Close()

	stuck := newFakeConn()
	stuck.block = make(chan struct{})

	_, err := h.Attach(t.Context(), "t1", "alice", stuck)
	require.NoError(t, err)

	// First message parks the pump inside Send, second fills the buffer,
	// third overflows it.
	for seq := int64(1); seq <= 3; seq++ {
		h.Broadcast("t1", MessageEvent(backfill.addMessage("t1", seq)))
	}

	require.Eventually(t, func() bool {
		return !h.IsOnline("t1", "alice")
	}, 2*time.Second, 10*time.Millisecond)
	close(stuck.block)
}

func TestTyping_ExcludesTypistAndIsBestEffort(t *testing.T) {
	backfill := newFakeBackfill()
	h := newTestHub(backfill, Options{})
	defer h.Close()

	alice := newFakeConn()
	bob := newFakeConn()
	_, err := h.Attach(t.Context(), "t1", "alice", alice)
	require.NoError(t, err)
	_, err = h.Attach(t.Context(), "t1", "bob", bob)
	require.NoError(t, err)

	h.Typing("t1", "alice")

	ev := bob.waitFor(t, EventTyping)
	assert.Equal(t, "alice", ev.UserID)

	// The typist never sees their own typing event
	select {
	case ev := <-alice.recv:
		assert.NotEqual(t, EventTyping, ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPresence_AnnouncedOnAttachAndDetach(t *testing.T) {
	backfill := newFakeBackfill()
	h := newTestHub(backfill, Options{})
	defer h.Close()

	alice := newFakeConn()
	_, err := h.Attach(t.Context(), "t1", "alice", alice)
	require.NoError(t, err)

	bob := newFakeConn()
	bobSession, err := h.Attach(t.Context(), "t1", "bob", bob)
	require.NoError(t, err)

	ev := alice.waitFor(t, EventPresence)
	assert.Equal(t, "bob", ev.UserID)
	assert.True(t, ev.Online)

	h.Detach("t1", bobSession)
	ev = alice.waitFor(t, EventPresence)
	assert.Equal(t, "bob", ev.UserID)
	assert.False(t, ev.Online)
}

func TestActiveUsers(t *testing.T) {
	backfill := newFakeBackfill()
	h := newTestHub(backfill, Options{})
	defer h.Close()

	_, err := h.Attach(t.Context(), "t1", "alice", newFakeConn())
	require.NoError(t, err)
	_, err = h.Attach(t.Context(), "t1", "alice", newFakeConn()) // second device
	require.NoError(t, err)
	_, err = h.Attach(t.Context(), "t1", "bob", newFakeConn())
	require.NoError(t, err)

	users := h.ActiveUsers("t1")
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)
}
