// ABOUTME: Store interface and data types for cyberiad persistence
// ABOUTME: Defines Thread, Message, participant/agent bindings and the append-only log contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrThreadNotFound is returned when the target thread does not exist
var ErrThreadNotFound = errors.New("thread not found")

// ErrAuthorNotBound is returned when a message author is not an active
// participant or agent binding of the target thread
var ErrAuthorNotBound = errors.New("author not bound to thread")

// ErrUnavailable is a transient persistence fault; callers may retry with backoff
var ErrUnavailable = errors.New("store unavailable")

// ErrDuplicateAgent is returned when binding an agent type already bound to the thread
var ErrDuplicateAgent = errors.New("agent type already bound")

// ErrInvalidParent is returned when a parent message does not exist in the same thread
var ErrInvalidParent = errors.New("parent message not found in thread")

// ThreadStatus is the lifecycle state of a thread
type ThreadStatus string

const (
	ThreadStatusActive   ThreadStatus = "active"
	ThreadStatusArchived ThreadStatus = "archived"
	ThreadStatusClosed   ThreadStatus = "closed"
)

// User is an identity reference. Registration and credentials are owned by
// the excluded auth subsystem; this core only references users by id.
type User struct {
	ID        string
	Username  string
	Email     string
	Role      string
	CreatedAt time.Time
	IsActive  bool
}

// Thread is a persistent, ordered conversation
type Thread struct {
	ID          string
	Title       string
	Description string
	OwnerID     string
	Status      ThreadStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Settings    ThreadSettings
}

// ThreadSettings holds per-thread behavior toggles, stored as JSON
type ThreadSettings struct {
	// AutoRespond engages every active agent binding on every human message.
	// When false, agents respond only to explicit requests.
	AutoRespond bool `json:"auto_respond"`
}

// Participant is a (thread, user) membership with a forward-only read marker
type Participant struct {
	ThreadID    string
	UserID      string
	JoinedAt    time.Time
	LastReadAt  *time.Time
	LastReadSeq int64
	IsActive    bool
}

// AgentBinding associates an agent type with a thread. A thread binds each
// agent type at most once; settings are opaque to the store.
type AgentBinding struct {
	ID        string
	ThreadID  string
	AgentType string
	IsActive  bool
	Settings  map[string]string
	CreatedAt time.Time
}

// AuthorRef identifies the author of a message: exactly one of UserID or
// AgentID (an AgentBinding id) must be set.
type AuthorRef struct {
	UserID  string
	AgentID string
}

// Valid reports whether exactly one author reference is set
func (a AuthorRef) Valid() bool {
	return (a.UserID == "") != (a.AgentID == "")
}

// Message is one entry in a thread's append-only log. Seq is assigned by the
// store and is strictly increasing and gap-free within a thread. Records are
// immutable once persisted except for the edited/deleted tombstone fields.
type Message struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	Seq       int64             `json:"seq"`
	UserID    *string           `json:"user_id,omitempty"`
	AgentID   *string           `json:"agent_id,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ParentID  *string           `json:"parent_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	EditedAt  *time.Time        `json:"edited_at,omitempty"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
}

// Deleted reports whether the message carries a delete tombstone
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// ReadReceipt records that a user has read a message. Unique per
// (message, user); only ever added.
type ReadReceipt struct {
	ID        string
	MessageID string
	UserID    string
	ReadAt    time.Time
}

// AppendRequest carries everything needed to append one message
type AppendRequest struct {
	ThreadID string
	Author   AuthorRef
	Content  string
	Metadata map[string]string
	ParentID *string
}

// Store defines the persistence contract for the coordination engine
type Store interface {
	// Users (reference data only)
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Threads
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	UpdateThreadStatus(ctx context.Context, id string, status ThreadStatus) error
	UpdateThreadSettings(ctx context.Context, id string, settings ThreadSettings) error

	// Participants
	AddParticipant(ctx context.Context, threadID, userID string) error
	GetParticipant(ctx context.Context, threadID, userID string) (*Participant, error)
	ListParticipants(ctx context.Context, threadID string) ([]*Participant, error)
	DeactivateParticipant(ctx context.Context, threadID, userID string) error

	// Agent bindings
	BindAgent(ctx context.Context, binding *AgentBinding) error
	GetAgentBinding(ctx context.Context, id string) (*AgentBinding, error)
	GetAgentBindingByType(ctx context.Context, threadID, agentType string) (*AgentBinding, error)
	ListAgentBindings(ctx context.Context, threadID string, activeOnly bool) ([]*AgentBinding, error)
	DeactivateAgentBinding(ctx context.Context, id string) error

	// Append-only message log. Append assigns the next per-thread sequence
	// number atomically with the write and validates the author is bound.
	Append(ctx context.Context, req *AppendRequest) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessagesSince(ctx context.Context, threadID string, afterSeq int64, limit int) ([]*Message, error)
	ListRecentMessages(ctx context.Context, threadID string, limit int) ([]*Message, error)

	// Tombstones
	EditMessage(ctx context.Context, id, content string) (*Message, error)
	SoftDeleteMessage(ctx context.Context, id string) (*Message, error)

	// Read tracking. MarkRead is idempotent and never regresses the marker.
	MarkRead(ctx context.Context, threadID, userID, messageID string) error
	ListReadReceipts(ctx context.Context, messageID string) ([]*ReadReceipt, error)

	// Close releases any resources held by the store
	Close() error
}
