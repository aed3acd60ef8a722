// ABOUTME: Tests for the session coordinator submit, connect, and read paths
// ABOUTME: Includes an end-to-end check that agent replies follow user messages

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberiad/cyberiad/internal/agents"
	"github.com/cyberiad/cyberiad/internal/dedupe"
	"github.com/cyberiad/cyberiad/internal/hub"
	"github.com/cyberiad/cyberiad/internal/orchestrator"
	"github.com/cyberiad/cyberiad/internal/store"
)

type fakeHub struct {
	mu     sync.Mutex
	events []*hub.Event
}

func (f *fakeHub) Attach(_ context.Context, threadID, userID string, _ hub.Conn) (string, error) {
	return "session-" + threadID + "-" + userID, nil
}
func (f *fakeHub) Detach(_, _ string) {}
func (f *fakeHub) Broadcast(_ string, event *hub.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}
func (f *fakeHub) Typing(_, _ string) {}

func (f *fakeHub) broadcasts() []*hub.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*hub.Event(nil), f.events...)
}

type fakeTrigger struct {
	mu       sync.Mutex
	triggers [][3]string
}

func (f *fakeTrigger) Trigger(threadID, agentType, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, [3]string{threadID, agentType, messageID})
	return nil
}

func (f *fakeTrigger) all() [][3]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][3]string(nil), f.triggers...)
}

// flakyStore fails Append transiently a set number of times.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Append(ctx context.Context, req *store.AppendRequest) (*store.Message, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, store.ErrUnavailable
	}
	f.mu.Unlock()
	return f.Store.Append(ctx, req)
}

// laggyStore pauses after a successful Append before returning, widening the
// window between sequence assignment and the caller's next step.
type laggyStore struct {
	store.Store
	delay time.Duration
}

func (l *laggyStore) Append(ctx context.Context, req *store.AppendRequest) (*store.Message, error) {
	msg, err := l.Store.Append(ctx, req)
	if err == nil {
		time.Sleep(l.delay)
	}
	return msg, err
}

type fixture struct {
	store   store.Store
	hub     *fakeHub
	trigger *fakeTrigger
	coord   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newFixtureWith(t, st)
}

func newFixtureWith(t *testing.T, st store.Store) *fixture {
	t.Helper()
	seen := dedupe.New(5*time.Minute, 1000)
	t.Cleanup(seen.Close)

	fh := &fakeHub{}
	ft := &fakeTrigger{}
	return &fixture{
		store:   st,
		hub:     fh,
		trigger: ft,
		coord:   New(st, fh, ft, seen, nil),
	}
}

// seedThread creates a user, an active thread they own, and their membership.
func (fx *fixture) seedThread(t *testing.T, threadID, userID string) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, fx.store.CreateUser(ctx, &store.User{
		ID: userID, Username: userID, Role: "user", IsActive: true,
	}))
	require.NoError(t, fx.store.CreateThread(ctx, &store.Thread{
		ID: threadID, Title: "test thread", OwnerID: userID, Status: store.ThreadStatusActive,
	}))
	require.NoError(t, fx.store.AddParticipant(ctx, threadID, userID))
}

func (fx *fixture) seedBinding(t *testing.T, threadID, agentType string) *store.AgentBinding {
	t.Helper()
	b := &store.AgentBinding{
		ID: "binding-" + agentType, ThreadID: threadID, AgentType: agentType, IsActive: true,
	}
	require.NoError(t, fx.store.BindAgent(t.Context(), b))
	return b
}

func TestSubmitMessage_PersistsAndBroadcasts(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")

	msg, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1",
		UserID:   "alice",
		Content:  "  hello everyone  ",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "hello everyone", msg.Content, "content should be trimmed")

	events := fx.hub.broadcasts()
	require.Len(t, events, 1)
	assert.Equal(t, hub.EventMessage, events[0].Kind)
	assert.Equal(t, msg.ID, events[0].Message.ID)
}

func TestSubmitMessage_RejectsEmptyContent(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")

	_, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "   \n\t ",
	})
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Empty(t, fx.hub.broadcasts())
}

func TestSubmitMessage_RejectsOversizedContent(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")

	big := make([]byte, maxContentLength+1)
	for i := range big {
		big[i] = 'a'
	}

	_, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: string(big),
	})
	assert.ErrorIs(t, err, ErrContentTooLong)
}

func TestSubmitMessage_RejectsInactiveThread(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")
	require.NoError(t, fx.store.UpdateThreadStatus(t.Context(), "t1", store.ThreadStatusArchived))

	_, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "hello",
	})
	assert.ErrorIs(t, err, ErrThreadNotActive)
}

func TestSubmitMessage_RejectsNonParticipant(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")
	require.NoError(t, fx.store.CreateUser(t.Context(), &store.User{
		ID: "mallory", Username: "mallory", Role: "user", IsActive: true,
	}))

	_, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "mallory", Content: "let me in",
	})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestSubmitMessage_DuplicateClientIDAppendsOnce(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")

	first, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "hello", ClientGeneratedID: "client-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "client-42", first.Metadata["client_generated_id"])

	// Client retries after a lost response
	_, err = fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "hello", ClientGeneratedID: "client-42",
	})
	assert.ErrorIs(t, err, ErrDuplicateSubmission)

	msgs, err := fx.store.ListMessagesSince(t.Context(), "t1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "retry must not append a second message")
}

func TestSubmitMessage_RetriesTransientFailures(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	flaky := &flakyStore{Store: st, failures: 2}
	fx := newFixtureWith(t, flaky)
	fx.seedThread(t, "t1", "alice")

	msg, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "persist me",
	})
	require.NoError(t, err, "transient failures should be retried")
	assert.Equal(t, int64(1), msg.Seq)
}

func TestSubmitMessage_ExhaustedRetriesSurfaceError(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	flaky := &flakyStore{Store: st, failures: 10}
	fx := newFixtureWith(t, flaky)
	fx.seedThread(t, "t1", "alice")

	_, err = fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "doomed",
	})
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Empty(t, fx.hub.broadcasts(), "failed append must not broadcast")
}

func TestSubmitMessage_ConcurrentBroadcastsFollowSeqOrder(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fx := newFixtureWith(t, &laggyStore{Store: st, delay: time.Millisecond})
	fx.seedThread(t, "t1", "alice")

	const writers = 40
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := fx.coord.SubmitMessage(context.Background(), &SubmitRequest{
				ThreadID: "t1", UserID: "alice", Content: fmt.Sprintf("message %d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := fx.hub.broadcasts()
	require.Len(t, events, writers)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Message.Seq, events[i-1].Message.Seq,
			"broadcasts must reach the hub in sequence order")
	}
}

func TestSubmitMessage_ClientIDUsableAfterFailedAppend(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	flaky := &flakyStore{Store: st, failures: 10}
	fx := newFixtureWith(t, flaky)
	fx.seedThread(t, "t1", "alice")

	_, err = fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "hello", ClientGeneratedID: "client-7",
	})
	require.ErrorIs(t, err, store.ErrUnavailable)

	// Store recovers; the client retries the same submission
	flaky.mu.Lock()
	flaky.failures = 0
	flaky.mu.Unlock()

	msg, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "hello", ClientGeneratedID: "client-7",
	})
	require.NoError(t, err, "a retry after a failed append is not a duplicate")
	assert.Equal(t, int64(1), msg.Seq)
}

func TestSubmitMessage_TriggersRequestedAgents(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")
	fx.seedBinding(t, "t1", "lawyer")
	fx.seedBinding(t, "t1", "accountant")

	msg, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID:        "t1",
		UserID:          "alice",
		Content:         "is this deductible, and is it legal?",
		RequestedAgents: []string{"lawyer", "accountant"},
	})
	require.NoError(t, err)

	triggers := fx.trigger.all()
	require.Len(t, triggers, 2)
	assert.Equal(t, [3]string{"t1", "lawyer", msg.ID}, triggers[0])
	assert.Equal(t, [3]string{"t1", "accountant", msg.ID}, triggers[1])
}

func TestSubmitMessage_AutoRespondTriggersBoundAgents(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")
	fx.seedBinding(t, "t1", "lawyer")
	binding := fx.seedBinding(t, "t1", "doctor")
	require.NoError(t, fx.store.DeactivateAgentBinding(t.Context(), binding.ID))
	require.NoError(t, fx.store.UpdateThreadSettings(t.Context(), "t1", store.ThreadSettings{AutoRespond: true}))

	_, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "thoughts?",
	})
	require.NoError(t, err)

	triggers := fx.trigger.all()
	require.Len(t, triggers, 1, "only active bindings auto-respond")
	assert.Equal(t, "lawyer", triggers[0][1])
}

func TestSubmitMessage_NoAutoRespondNoTriggers(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")
	fx.seedBinding(t, "t1", "lawyer")

	_, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "just chatting",
	})
	require.NoError(t, err)
	assert.Empty(t, fx.trigger.all())
}

func TestPostAgentMessage_PersistsAndBroadcasts(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")
	binding := fx.seedBinding(t, "t1", "lawyer")

	msg, err := fx.coord.PostAgentMessage(t.Context(), "t1", binding.ID,
		"general legal information", map[string]string{"agent_type": "lawyer"}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), msg.Seq)
	require.NotNil(t, msg.AgentID)
	assert.Equal(t, binding.ID, *msg.AgentID)

	events := fx.hub.broadcasts()
	require.Len(t, events, 1)
	assert.Equal(t, hub.EventAgentResponse, events[0].Kind)
}

func TestEditMessage_OnlyAuthorMayEdit(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")
	require.NoError(t, fx.store.CreateUser(t.Context(), &store.User{
		ID: "bob", Username: "bob", Role: "user", IsActive: true,
	}))
	require.NoError(t, fx.store.AddParticipant(t.Context(), "t1", "bob"))

	msg, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "original",
	})
	require.NoError(t, err)

	_, err = fx.coord.EditMessage(t.Context(), "t1", "bob", msg.ID, "hijacked")
	assert.ErrorIs(t, err, store.ErrNotFound)

	edited, err := fx.coord.EditMessage(t.Context(), "t1", "alice", msg.ID, "corrected")
	require.NoError(t, err)
	assert.Equal(t, "corrected", edited.Content)
	assert.NotNil(t, edited.EditedAt)
	assert.Equal(t, msg.Seq, edited.Seq, "editing never reassigns the sequence")
}

func TestDeleteMessage_BroadcastsTombstone(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")

	msg, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "regrettable",
	})
	require.NoError(t, err)

	deleted, err := fx.coord.DeleteMessage(t.Context(), "t1", "alice", msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted())

	events := fx.hub.broadcasts()
	require.Len(t, events, 2)
	assert.True(t, events[1].Message.Deleted())
}

func TestConnect_RejectsNonParticipant(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")

	_, err := fx.coord.Connect(t.Context(), "t1", "stranger", nil)
	assert.ErrorIs(t, err, ErrNotParticipant)

	id, err := fx.coord.Connect(t.Context(), "t1", "alice", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestMarkRead_Passthrough(t *testing.T) {
	fx := newFixture(t)
	fx.seedThread(t, "t1", "alice")

	msg, err := fx.coord.SubmitMessage(t.Context(), &SubmitRequest{
		ThreadID: "t1", UserID: "alice", Content: "read me",
	})
	require.NoError(t, err)

	require.NoError(t, fx.coord.MarkRead(t.Context(), "t1", "alice", msg.ID))

	p, err := fx.store.GetParticipant(t.Context(), "t1", "alice")
	require.NoError(t, err)
	assert.Equal(t, msg.Seq, p.LastReadSeq)
}

// scriptedGenerator returns a canned reply without any network.
type scriptedGenerator struct{ reply string }

func (g *scriptedGenerator) Generate(_ context.Context, _ *agents.Request) (*agents.Response, error) {
	return &agents.Response{Content: g.reply}, nil
}

// End to end: a user message addressed to the lawyer produces an agent reply
// at the next sequence number, flowing through the real store, hub, and
// orchestrator.
func TestUserMessageGetsAgentReply(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	seen := dedupe.New(5*time.Minute, 1000)
	t.Cleanup(seen.Close)

	liveHub := hub.New(st, hub.Options{}, nil)
	t.Cleanup(liveHub.Close)

	orch := orchestrator.New(st, agents.NewRegistry(),
		&scriptedGenerator{reply: "a lease generally binds both parties"},
		orchestrator.Options{}, nil)
	t.Cleanup(orch.Close)

	coord := New(st, liveHub, orch, seen, nil)
	orch.SetPoster(coord)

	ctx := t.Context()
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: "alice", Username: "alice", Role: "user", IsActive: true}))
	require.NoError(t, st.CreateThread(ctx, &store.Thread{ID: "t1", Title: "legal questions", OwnerID: "alice", Status: store.ThreadStatusActive}))
	require.NoError(t, st.AddParticipant(ctx, "t1", "alice"))
	require.NoError(t, st.BindAgent(ctx, &store.AgentBinding{ID: "b1", ThreadID: "t1", AgentType: "lawyer", IsActive: true}))

	userMsg, err := coord.SubmitMessage(ctx, &SubmitRequest{
		ThreadID:        "t1",
		UserID:          "alice",
		Content:         "can I break my lease early?",
		RequestedAgents: []string{"lawyer"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), userMsg.Seq)

	require.Eventually(t, func() bool {
		msgs, err := st.ListMessagesSince(ctx, "t1", userMsg.Seq, 0)
		return err == nil && len(msgs) == 1
	}, 3*time.Second, 10*time.Millisecond, "agent reply never persisted")

	msgs, err := st.ListMessagesSince(ctx, "t1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	reply := msgs[1]
	assert.Equal(t, int64(2), reply.Seq)
	require.NotNil(t, reply.AgentID)
	assert.Equal(t, "b1", *reply.AgentID)
	assert.Contains(t, reply.Content, "lease generally binds")
	require.NotNil(t, reply.ParentID)
	assert.Equal(t, userMsg.ID, *reply.ParentID)
}
