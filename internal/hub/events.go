// ABOUTME: Event types pushed to connected clients over the duplex channel
// ABOUTME: Message events mirror persisted order; typing/presence are ephemeral

package hub

import (
	"time"

	"github.com/cyberiad/cyberiad/internal/store"
)

// EventKind tags an outbound event so clients can dispatch on it
type EventKind string

const (
	// EventMessage carries a persisted human-authored message
	EventMessage EventKind = "message"
	// EventAgentResponse carries a persisted agent-authored message; same
	// shape as EventMessage, tagged so clients can style it distinctly
	EventAgentResponse EventKind = "agent_response"
	// EventTyping is ephemeral and never persisted
	EventTyping EventKind = "typing"
	// EventPresence announces a user joining or leaving the live thread
	EventPresence EventKind = "presence"
)

// Event is one unit of fan-out delivery to an attached session
type Event struct {
	Kind      EventKind      `json:"kind"`
	ThreadID  string         `json:"thread_id"`
	Message   *store.Message `json:"message,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Online    bool           `json:"online,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// MessageEvent wraps a persisted message for broadcast, tagging agent
// authorship so clients can render it distinctly.
func MessageEvent(msg *store.Message) *Event {
	kind := EventMessage
	if msg.AgentID != nil {
		kind = EventAgentResponse
	}
	return &Event{
		Kind:      kind,
		ThreadID:  msg.ThreadID,
		Message:   msg,
		Timestamp: time.Now(),
	}
}

// seq returns the persisted sequence number for message events, 0 otherwise
func (e *Event) seq() int64 {
	if e.Message != nil {
		return e.Message.Seq
	}
	return 0
}

// revision reports whether the event re-broadcasts an already-persisted
// message after an edit or delete. Revisions reuse the original seq, so the
// backfill seam skip must not apply to them.
func (e *Event) revision() bool {
	return e.Message != nil && (e.Message.EditedAt != nil || e.Message.Deleted())
}
