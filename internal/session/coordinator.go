// ABOUTME: Session coordinator gluing store, hub, and orchestrator into one flow
// ABOUTME: Every message, human or agent, is persisted first and broadcast after

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cyberiad/cyberiad/internal/dedupe"
	"github.com/cyberiad/cyberiad/internal/hub"
	"github.com/cyberiad/cyberiad/internal/store"
)

const (
	appendRetries = 3
	appendBackoff = 50 * time.Millisecond
)

// Validation and flow errors
var (
	ErrEmptyContent        = errors.New("message content is empty")
	ErrContentTooLong      = errors.New("message content too long")
	ErrThreadNotActive     = errors.New("thread is not active")
	ErrNotParticipant      = errors.New("user is not an active participant")
	ErrDuplicateSubmission = errors.New("duplicate client-generated id")
)

// maxContentLength bounds a single message body.
const maxContentLength = 32 * 1024

// LiveHub is the fan-out surface the coordinator drives.
type LiveHub interface {
	Attach(ctx context.Context, threadID, userID string, conn hub.Conn) (string, error)
	Detach(threadID, sessionID string)
	Broadcast(threadID string, event *hub.Event)
	Typing(threadID, userID string)
}

// Triggerer schedules agent responses after a message lands.
type Triggerer interface {
	Trigger(threadID, agentType, messageID string) error
}

// SubmitRequest is one human message submission.
type SubmitRequest struct {
	ThreadID string
	UserID   string
	Content  string
	ParentID *string
	// ClientGeneratedID makes resubmission after a lost response idempotent.
	ClientGeneratedID string
	// RequestedAgents are agent types the author explicitly addressed.
	RequestedAgents []string
	Metadata        map[string]string
}

// Coordinator owns the submit path: validate, persist, broadcast, trigger.
// Broadcast and trigger failures never affect the submitter; once persisted,
// the message exists.
type Coordinator struct {
	store   store.Store
	hub     LiveHub
	trigger Triggerer
	seen    *dedupe.Cache
	logger  *slog.Logger

	// ordering serializes persist+enqueue per thread so broadcasts reach the
	// hub in seq order. The store assigns seqs under its own per-thread lock,
	// but without this lock a submitter could be preempted between append and
	// broadcast and enqueue behind a later seq.
	orderingMu sync.Mutex
	ordering   map[string]*sync.Mutex
}

// New creates a coordinator. The dedupe cache is owned by the caller.
func New(st store.Store, liveHub LiveHub, trigger Triggerer, seen *dedupe.Cache, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    st,
		hub:      liveHub,
		trigger:  trigger,
		seen:     seen,
		logger:   logger.With("component", "session"),
		ordering: make(map[string]*sync.Mutex),
	}
}

// orderLock returns the per-thread mutex covering append plus broadcast
// enqueue. Thread count is bounded by active usage; entries are never
// reclaimed, matching the store's per-thread lock behavior.
func (c *Coordinator) orderLock(threadID string) *sync.Mutex {
	c.orderingMu.Lock()
	defer c.orderingMu.Unlock()

	lock, ok := c.ordering[threadID]
	if !ok {
		lock = &sync.Mutex{}
		c.ordering[threadID] = lock
	}
	return lock
}

// SubmitMessage validates and persists a human message, broadcasts it to the
// thread, and schedules any agent responses. Returns the persisted message
// with its assigned sequence number.
func (c *Coordinator) SubmitMessage(ctx context.Context, req *SubmitRequest) (*store.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if len(content) > maxContentLength {
		return nil, ErrContentTooLong
	}

	thread, err := c.store.GetThread(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if thread.Status != store.ThreadStatusActive {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotActive, thread.Status)
	}

	participant, err := c.store.GetParticipant(ctx, req.ThreadID, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, err
	}
	if !participant.IsActive {
		return nil, ErrNotParticipant
	}

	// A retry of a submission whose response was lost must not append twice.
	// The mark is taken before the append so concurrent duplicates race for
	// exactly one slot, and released again if the append never lands.
	if req.ClientGeneratedID != "" {
		if c.seen.CheckAndMark(req.ThreadID, req.ClientGeneratedID) {
			c.logger.Info("duplicate submission ignored",
				"thread_id", req.ThreadID,
				"client_id", req.ClientGeneratedID)
			return nil, ErrDuplicateSubmission
		}
	}

	metadata := req.Metadata
	if req.ClientGeneratedID != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["client_generated_id"] = req.ClientGeneratedID
	}

	lock := c.orderLock(req.ThreadID)
	lock.Lock()
	msg, err := c.appendWithRetry(ctx, &store.AppendRequest{
		ThreadID: req.ThreadID,
		Author:   store.AuthorRef{UserID: req.UserID},
		Content:  content,
		ParentID: req.ParentID,
		Metadata: metadata,
	})
	if err != nil {
		lock.Unlock()
		// Nothing landed; the id must stay usable for the client's retry
		if req.ClientGeneratedID != "" {
			c.seen.Forget(req.ThreadID, req.ClientGeneratedID)
		}
		return nil, err
	}
	c.hub.Broadcast(req.ThreadID, hub.MessageEvent(msg))
	lock.Unlock()

	c.scheduleAgents(ctx, thread, msg, req.RequestedAgents)

	return msg, nil
}

// PostAgentMessage persists an agent reply and broadcasts it; the identical
// path human messages take, so ordering guarantees hold for both.
func (c *Coordinator) PostAgentMessage(ctx context.Context, threadID, agentID, content string, metadata map[string]string, parentID *string) (*store.Message, error) {
	lock := c.orderLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := c.appendWithRetry(ctx, &store.AppendRequest{
		ThreadID: threadID,
		Author:   store.AuthorRef{AgentID: agentID},
		Content:  content,
		ParentID: parentID,
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}

	c.hub.Broadcast(threadID, hub.MessageEvent(msg))
	return msg, nil
}

// appendWithRetry retries transient store failures with exponential backoff.
// Append assigns sequence numbers inside its transaction, so a retry can
// never produce a gap or duplicate.
func (c *Coordinator) appendWithRetry(ctx context.Context, req *store.AppendRequest) (*store.Message, error) {
	var lastErr error
	backoff := appendBackoff

	for attempt := 0; attempt < appendRetries; attempt++ {
		msg, err := c.store.Append(ctx, req)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("append retry",
			"thread_id", req.ThreadID,
			"attempt", attempt+1,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("append failed after %d attempts: %w", appendRetries, lastErr)
}

// scheduleAgents triggers explicitly requested agents, or every bound agent
// when the thread has auto-respond enabled. Trigger failures are logged and
// dropped; the human message already landed.
func (c *Coordinator) scheduleAgents(ctx context.Context, thread *store.Thread, msg *store.Message, requested []string) {
	agentTypes := requested
	if len(agentTypes) == 0 && thread.Settings.AutoRespond {
		bindings, err := c.store.ListAgentBindings(ctx, thread.ID, true)
		if err != nil {
			c.logger.Error("auto-respond binding lookup failed",
				"thread_id", thread.ID,
				"error", err)
			return
		}
		for _, b := range bindings {
			agentTypes = append(agentTypes, b.AgentType)
		}
	}

	for _, agentType := range agentTypes {
		if err := c.trigger.Trigger(thread.ID, agentType, msg.ID); err != nil {
			c.logger.Error("agent trigger failed",
				"thread_id", thread.ID,
				"agent_type", agentType,
				"error", err)
		}
	}
}

// Connect validates participancy and attaches the connection to the thread's
// live fan-out, delivering missed messages first.
func (c *Coordinator) Connect(ctx context.Context, threadID, userID string, conn hub.Conn) (string, error) {
	participant, err := c.store.GetParticipant(ctx, threadID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotParticipant
		}
		return "", err
	}
	if !participant.IsActive {
		return "", ErrNotParticipant
	}

	return c.hub.Attach(ctx, threadID, userID, conn)
}

// Disconnect detaches a session. Safe to call after the connection is gone.
func (c *Coordinator) Disconnect(threadID, sessionID string) {
	c.hub.Detach(threadID, sessionID)
}

// Typing relays a typing notification; never an error, never persisted.
func (c *Coordinator) Typing(threadID, userID string) {
	c.hub.Typing(threadID, userID)
}

// MarkRead advances the user's read marker to the given message. Regressions
// are silent no-ops inside the store.
func (c *Coordinator) MarkRead(ctx context.Context, threadID, userID, messageID string) error {
	return c.store.MarkRead(ctx, threadID, userID, messageID)
}

// EditMessage replaces a message body on behalf of its author and broadcasts
// the updated form.
func (c *Coordinator) EditMessage(ctx context.Context, threadID, userID, messageID, content string) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ThreadID != threadID || msg.UserID == nil || *msg.UserID != userID {
		return nil, store.ErrNotFound
	}

	updated, err := c.store.EditMessage(ctx, messageID, content)
	if err != nil {
		return nil, err
	}

	c.hub.Broadcast(threadID, hub.MessageEvent(updated))
	return updated, nil
}

// DeleteMessage tombstones a message on behalf of its author. The sequence
// number stays occupied; readers see the tombstone.
func (c *Coordinator) DeleteMessage(ctx context.Context, threadID, userID, messageID string) (*store.Message, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ThreadID != threadID || msg.UserID == nil || *msg.UserID != userID {
		return nil, store.ErrNotFound
	}

	deleted, err := c.store.SoftDeleteMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	c.hub.Broadcast(threadID, hub.MessageEvent(deleted))
	return deleted, nil
}
