// ABOUTME: Per-connection session with a buffered event queue and send pump
// ABOUTME: Isolates one slow or broken connection from the rest of the thread

package hub

import (
	"context"
	"log/slog"
	"time"
)

// Conn is the transport a session delivers events over. Implementations
// (WebSocket in production, channel-backed fakes in tests) must be safe for
// use from a single goroutine at a time.
type Conn interface {
	Send(ctx context.Context, event *Event) error
}

// session is one attached client connection to one thread
type session struct {
	id       string
	threadID string
	userID   string
	conn     Conn

	// events is the live delivery queue; the broadcaster never blocks on the
	// network, only on this buffer.
	events chan *Event
	done   chan struct{}

	// deliveredSeq is the highest message seq handed to the connection during
	// backfill. The pump skips live message events at or below it, which
	// makes the backfill/live seam gap-free and duplicate-free. Written once
	// before the pump starts; read only by the pump goroutine.
	deliveredSeq int64

	logger *slog.Logger
}

// pump drains the event queue to the connection until the session is
// detached. Send failures are retried a bounded number of times with a
// short per-attempt timeout; persistent failure drops the session.
func (s *session) pump(h *Hub) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			if ev.seq() > 0 && ev.seq() <= s.deliveredSeq && !ev.revision() {
				// Already delivered via backfill. Edit/delete rebroadcasts
				// carry the original seq and must still go through.
				continue
			}
			if !s.trySend(ev, h.sendTimeout, h.sendRetries) {
				h.dropSession(s)
				return
			}
		}
	}
}

// trySend attempts delivery with retries. Typing and presence events are
// best-effort: a single failed attempt is simply dropped.
func (s *session) trySend(ev *Event, timeout time.Duration, retries int) bool {
	attempts := 1 + retries
	if ev.Kind == EventTyping || ev.Kind == EventPresence {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := s.conn.Send(ctx, ev)
		cancel()
		if err == nil {
			return true
		}
		s.logger.Debug("session send failed",
			"session_id", s.id,
			"kind", ev.Kind,
			"attempt", attempt+1,
			"error", err)

		select {
		case <-s.done:
			return true // detached while retrying; nothing left to do
		case <-time.After(timeout / 4):
		}
	}

	if ev.Kind == EventTyping || ev.Kind == EventPresence {
		// Ephemeral event lost, session stays attached
		return true
	}
	return false
}
