// ABOUTME: Schedules agent invocations per thread with exclusivity and coalescing
// ABOUTME: Runs select, context build, invoke, post as one supervised pipeline

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cyberiad/cyberiad/internal/agents"
	"github.com/cyberiad/cyberiad/internal/store"
)

const (
	defaultMaxConcurrent = 4
	defaultInvokeTimeout = 60 * time.Second
	defaultContextWindow = 30
)

// ErrClosed indicates the orchestrator is shutting down and accepts no
// further triggers.
var ErrClosed = errors.New("orchestrator closed")

// ThreadStore is what the orchestrator needs from persistence to select an
// agent and assemble its context window.
type ThreadStore interface {
	GetThread(ctx context.Context, threadID string) (*store.Thread, error)
	GetAgentBindingByType(ctx context.Context, threadID, agentType string) (*store.AgentBinding, error)
	GetAgentBinding(ctx context.Context, agentID string) (*store.AgentBinding, error)
	GetUser(ctx context.Context, userID string) (*store.User, error)
	GetMessage(ctx context.Context, messageID string) (*store.Message, error)
	ListRecentMessages(ctx context.Context, threadID string, limit int) ([]*store.Message, error)
}

// Poster is how generated replies enter the thread. The session coordinator
// implements it so agent messages take the same persist-then-broadcast path
// as human messages.
type Poster interface {
	PostAgentMessage(ctx context.Context, threadID, agentID, content string, metadata map[string]string, parentID *string) (*store.Message, error)
}

// Options tunes scheduling behavior.
type Options struct {
	// MaxConcurrent caps simultaneous model invocations across all threads.
	// Excess runs wait for a slot rather than failing.
	MaxConcurrent int64
	// InvokeTimeout is the hard ceiling on one model invocation.
	InvokeTimeout time.Duration
	// ContextWindow is how many recent messages feed the model.
	ContextWindow int
}

// trigger is one request for an agent to respond in a thread.
type trigger struct {
	threadID  string
	agentType string
	messageID string // the message that prompted the run
}

// Orchestrator serializes agent runs per (thread, agent type) and coalesces
// triggers arriving while a run is in flight into at most one follow-up run.
type Orchestrator struct {
	store    ThreadStore
	registry *agents.Registry
	gen      agents.Generator
	poster   Poster
	logger   *slog.Logger

	sem           *semaphore.Weighted
	invokeTimeout time.Duration
	contextWindow int

	mu       sync.Mutex
	inflight map[string]bool     // "threadID/agentType" -> run active
	pending  map[string]*trigger // coalesced follow-up, latest wins
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. The poster is set separately to break the
// construction cycle with the session coordinator.
func New(ts ThreadStore, registry *agents.Registry, gen agents.Generator, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = defaultInvokeTimeout
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = defaultContextWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:         ts,
		registry:      registry,
		gen:           gen,
		logger:        logger.With("component", "orchestrator"),
		sem:           semaphore.NewWeighted(opts.MaxConcurrent),
		invokeTimeout: opts.InvokeTimeout,
		contextWindow: opts.ContextWindow,
		inflight:      make(map[string]bool),
		pending:       make(map[string]*trigger),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetPoster wires the component that persists and broadcasts replies.
// Must be called before the first Trigger.
func (o *Orchestrator) SetPoster(p Poster) {
	o.poster = p
}

// Trigger requests a response from an agent type in a thread. If a run for
// the same (thread, agent type) is already in flight, the trigger is
// coalesced: at most one follow-up run happens no matter how many triggers
// arrive meanwhile, and it sees the latest triggering message.
func (o *Orchestrator) Trigger(threadID, agentType, messageID string) error {
	tr := &trigger{threadID: threadID, agentType: agentType, messageID: messageID}
	key := threadID + "/" + agentType

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if o.inflight[key] {
		o.pending[key] = tr
		o.logger.Debug("trigger coalesced",
			"thread_id", threadID,
			"agent_type", agentType)
		return nil
	}

	o.inflight[key] = true
	o.wg.Add(1)
	go o.runLoop(key, tr)
	return nil
}

// runLoop executes a run and any coalesced follow-up before releasing the
// (thread, agent type) slot.
func (o *Orchestrator) runLoop(key string, tr *trigger) {
	defer o.wg.Done()

	for {
		o.run(tr)

		o.mu.Lock()
		next, ok := o.pending[key]
		if !ok || o.closed {
			delete(o.pending, key)
			delete(o.inflight, key)
			o.mu.Unlock()
			return
		}
		delete(o.pending, key)
		o.mu.Unlock()
		tr = next
	}
}

// run drives one trigger through select, context build, invoke, post.
// Every early return leaves the thread untouched.
func (o *Orchestrator) run(tr *trigger) {
	logger := o.logger.With(
		"thread_id", tr.threadID,
		"agent_type", tr.agentType)

	// Select: the thread must accept posts and the agent must still be bound
	thread, err := o.store.GetThread(o.ctx, tr.threadID)
	if err != nil {
		logger.Error("agent run aborted, thread lookup failed", "error", err)
		return
	}
	if thread.Status != store.ThreadStatusActive {
		logger.Info("agent run discarded, thread not active", "status", thread.Status)
		return
	}

	binding, err := o.store.GetAgentBindingByType(o.ctx, tr.threadID, tr.agentType)
	if err != nil {
		logger.Info("agent run discarded, no active binding", "error", err)
		return
	}
	if !binding.IsActive {
		logger.Info("agent run discarded, binding deactivated")
		return
	}

	persona, err := o.registry.Get(tr.agentType)
	if err != nil {
		logger.Error("agent run aborted", "error", err)
		return
	}

	// The cap admits runs in arrival order as slots free up
	if err := o.sem.Acquire(o.ctx, 1); err != nil {
		return // shutting down
	}
	defer o.sem.Release(1)

	history, err := o.buildContext(tr)
	if err != nil {
		logger.Error("agent run aborted, context build failed", "error", err)
		return
	}

	invokeCtx, cancel := context.WithTimeout(o.ctx, o.invokeTimeout)
	started := time.Now()
	resp, err := o.gen.Generate(invokeCtx, &agents.Request{
		AgentType: tr.agentType,
		Persona:   persona,
		History:   history,
	})
	cancel()
	if err != nil {
		logger.Error("agent invocation failed",
			"error", err,
			"elapsed", time.Since(started))
		return
	}

	// The thread may have been archived or closed while the model ran
	thread, err = o.store.GetThread(o.ctx, tr.threadID)
	if err != nil {
		logger.Error("agent response discarded, thread lookup failed", "error", err)
		return
	}
	if thread.Status != store.ThreadStatusActive {
		logger.Info("agent response discarded, thread no longer active",
			"status", thread.Status)
		return
	}

	metadata := map[string]string{"agent_type": tr.agentType}
	for k, v := range resp.Metadata {
		metadata[k] = v
	}
	if tr.messageID != "" {
		metadata["trigger_message_id"] = tr.messageID
	}

	var parentID *string
	if tr.messageID != "" {
		parentID = &tr.messageID
	}

	msg, err := o.poster.PostAgentMessage(o.ctx, tr.threadID, binding.ID, resp.Content, metadata, parentID)
	if err != nil {
		logger.Error("agent response post failed", "error", err)
		return
	}

	logger.Info("agent responded",
		"seq", msg.Seq,
		"elapsed", time.Since(started))
}

// buildContext assembles the model's history: the recent window plus any
// reply-chain ancestors of the triggering message that fell outside it,
// oldest first. Deleted messages are skipped.
func (o *Orchestrator) buildContext(tr *trigger) ([]agents.Turn, error) {
	recent, err := o.store.ListRecentMessages(o.ctx, tr.threadID, o.contextWindow)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}

	seen := make(map[string]bool, len(recent))
	for _, m := range recent {
		seen[m.ID] = true
	}

	// Walk the reply chain up from the trigger; stop at the window edge
	var ancestors []*store.Message
	if tr.messageID != "" {
		cur, err := o.store.GetMessage(o.ctx, tr.messageID)
		if err == nil {
			for cur.ParentID != nil && !seen[*cur.ParentID] {
				parent, err := o.store.GetMessage(o.ctx, *cur.ParentID)
				if err != nil {
					break
				}
				ancestors = append([]*store.Message{parent}, ancestors...)
				seen[parent.ID] = true
				cur = parent
			}
		}
	}

	ordered := append(ancestors, recent...)
	turns := make([]agents.Turn, 0, len(ordered))
	for _, m := range ordered {
		if m.Deleted() {
			continue
		}
		turns = append(turns, o.toTurn(m))
	}
	return turns, nil
}

// toTurn resolves the author of a persisted message for model attribution.
func (o *Orchestrator) toTurn(m *store.Message) agents.Turn {
	turn := agents.Turn{Content: m.Content}

	switch {
	case m.AgentID != nil:
		if binding, err := o.store.GetAgentBinding(o.ctx, *m.AgentID); err == nil {
			turn.AuthorAgentType = binding.AgentType
			turn.AuthorName = binding.AgentType
		} else {
			turn.AuthorName = "agent"
		}
	case m.UserID != nil:
		if user, err := o.store.GetUser(o.ctx, *m.UserID); err == nil {
			turn.AuthorName = user.Username
		} else {
			turn.AuthorName = *m.UserID
		}
	}
	return turn
}

// InflightRuns reports how many (thread, agent type) runs are active.
func (o *Orchestrator) InflightRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Close rejects new triggers, cancels in-flight invocations, and waits for
// every run to wind down.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.logger.Debug("orchestrator closed")
}
