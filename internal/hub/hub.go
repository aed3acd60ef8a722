// ABOUTME: Connection hub tracking live sessions per thread and fanning out events
// ABOUTME: Attach closes the backfill/live gap before any live event is delivered

package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyberiad/cyberiad/internal/store"
)

const (
	// defaultBufferSize is the per-session live event queue depth
	defaultBufferSize = 64

	defaultSendTimeout = 2 * time.Second
	defaultSendRetries = 2
)

// BackfillStore is what the hub needs from persistence: the caller's read
// marker and the messages appended after it.
type BackfillStore interface {
	GetParticipant(ctx context.Context, threadID, userID string) (*store.Participant, error)
	ListMessagesSince(ctx context.Context, threadID string, afterSeq int64, limit int) ([]*store.Message, error)
}

// Options tunes per-session delivery behavior
type Options struct {
	SendTimeout time.Duration // per-attempt network send timeout
	SendRetries int           // additional attempts for message events
	BufferSize  int           // per-session queue depth
}

// Hub owns the per-thread registry of attached sessions. It is an explicit
// component instance: created at process start, torn down at shutdown, never
// package-level state.
type Hub struct {
	mu      sync.RWMutex
	threads map[string]map[string]*session // threadID -> sessionID -> session
	closed  bool

	store  BackfillStore
	logger *slog.Logger

	sendTimeout time.Duration
	sendRetries int
	bufferSize  int
}

// New creates a hub. Pass nil logger for default.
func New(backfill BackfillStore, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.SendRetries < 0 {
		opts.SendRetries = defaultSendRetries
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	return &Hub{
		threads:     make(map[string]map[string]*session),
		store:       backfill,
		logger:      logger.With("component", "hub"),
		sendTimeout: opts.SendTimeout,
		sendRetries: opts.SendRetries,
		bufferSize:  opts.BufferSize,
	}
}

// Attach registers a connection for a thread and synchronously delivers
// every message the caller missed since their read marker, before any live
// event reaches the connection. The session is registered before the
// backfill query runs, so a message appended concurrently is either in the
// backfill snapshot or queued live; the pump deduplicates the overlap by
// sequence number. Returns the session id for Detach.
func (h *Hub) Attach(ctx context.Context, threadID, userID string, conn Conn) (string, error) {
	participant, err := h.store.GetParticipant(ctx, threadID, userID)
	if err != nil {
		return "", err
	}

	s := &session{
		id:       uuid.New().String(),
		threadID: threadID,
		userID:   userID,
		conn:     conn,
		events:   make(chan *Event, h.bufferSize),
		done:     make(chan struct{}),
		logger:   h.logger,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", context.Canceled
	}
	if _, ok := h.threads[threadID]; !ok {
		h.threads[threadID] = make(map[string]*session)
	}
	h.threads[threadID][s.id] = s
	h.mu.Unlock()

	// Close the gap: everything after the read marker, delivered before the
	// pump starts.
	backlog, err := h.store.ListMessagesSince(ctx, threadID, participant.LastReadSeq, 0)
	if err != nil {
		h.remove(s)
		return "", err
	}
	for _, msg := range backlog {
		if err := conn.Send(ctx, MessageEvent(msg)); err != nil {
			h.remove(s)
			return "", err
		}
		s.deliveredSeq = msg.Seq
	}

	go s.pump(h)

	h.logger.Debug("session attached",
		"thread_id", threadID,
		"user_id", userID,
		"session_id", s.id,
		"backfilled", len(backlog))

	// Announce the join to everyone else; the joiner already knows
	h.broadcast(threadID, &Event{
		Kind:      EventPresence,
		ThreadID:  threadID,
		UserID:    userID,
		Online:    true,
		Timestamp: time.Now(),
	}, userID)

	// Auto-detach when the caller's context ends
	go func() {
		select {
		case <-ctx.Done():
			h.Detach(threadID, s.id)
		case <-s.done:
		}
	}()

	return s.id, nil
}

// Detach removes a session. Idempotent; safe to call twice.
func (h *Hub) Detach(threadID, sessionID string) {
	h.mu.Lock()
	sessions, ok := h.threads[threadID]
	if !ok {
		h.mu.Unlock()
		return
	}
	s, ok := sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(h.threads, threadID)
	}
	stillOnline := false
	for _, other := range sessions {
		if other.userID == s.userID {
			stillOnline = true
			break
		}
	}
	h.mu.Unlock()

	close(s.done)
	h.logger.Debug("session detached",
		"thread_id", threadID,
		"session_id", sessionID)

	if !stillOnline {
		h.broadcast(threadID, &Event{
			Kind:      EventPresence,
			ThreadID:  threadID,
			UserID:    s.userID,
			Online:    false,
			Timestamp: time.Now(),
		}, s.userID)
	}
}

// Broadcast delivers an event to every attached session for the thread.
// Delivery to one slow or broken session never blocks delivery to others:
// the broadcaster only ever touches per-session buffers. A session whose
// buffer overflows on a message event is dropped; it will recover the
// missed messages through reconnect backfill.
func (h *Hub) Broadcast(threadID string, event *Event) {
	h.broadcast(threadID, event, "")
}

// broadcast fans out, optionally skipping sessions owned by excludeUser
func (h *Hub) broadcast(threadID string, event *Event, excludeUser string) {
	h.mu.RLock()
	sessions, ok := h.threads[threadID]
	if !ok || len(sessions) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*session, 0, len(sessions))
	for _, s := range sessions {
		if excludeUser != "" && s.userID == excludeUser {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.events <- event:
		default:
			if event.Kind == EventTyping || event.Kind == EventPresence {
				// Best-effort events are dropped for slow subscribers
				continue
			}
			h.logger.Warn("session queue overflow, dropping session",
				"thread_id", threadID,
				"session_id", s.id)
			go h.dropSession(s)
		}
	}
}

// Typing relays a best-effort typing notification to everyone but the typist
func (h *Hub) Typing(threadID, userID string) {
	h.broadcast(threadID, &Event{
		Kind:      EventTyping,
		ThreadID:  threadID,
		UserID:    userID,
		Timestamp: time.Now(),
	}, userID)
}

// ActiveUsers returns the distinct users currently attached to a thread
func (h *Hub) ActiveUsers(threadID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	var users []string
	for _, s := range h.threads[threadID] {
		if !seen[s.userID] {
			seen[s.userID] = true
			users = append(users, s.userID)
		}
	}
	return users
}

// IsOnline reports whether a user has at least one attached session
func (h *Hub) IsOnline(threadID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.threads[threadID] {
		if s.userID == userID {
			return true
		}
	}
	return false
}

// dropSession detaches a session whose connection became unusable
func (h *Hub) dropSession(s *session) {
	h.logger.Warn("session dropped",
		"thread_id", s.threadID,
		"user_id", s.userID,
		"session_id", s.id)
	h.Detach(s.threadID, s.id)
}

// remove unregisters a session without presence side effects (attach failures)
func (h *Hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.threads[s.threadID]; ok {
		delete(sessions, s.id)
		if len(sessions) == 0 {
			delete(h.threads, s.threadID)
		}
	}
}

// Close detaches every session and rejects further attaches
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*session
	for threadID, sessions := range h.threads {
		for id, s := range sessions {
			all = append(all, s)
			delete(sessions, id)
		}
		delete(h.threads, threadID)
	}
	h.mu.Unlock()

	for _, s := range all {
		close(s.done)
	}
	h.logger.Debug("hub closed")
}
