package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/domain/chat/transcript"
	"github.com/vadim/neo-social/internal/realtime/broker"
)

const viewer = "alice"

type fakeBroker struct {
	mu         sync.Mutex
	starts     int
	known      [][]string
	startErrs  []error
	alwaysFail error
	handlers   map[int]broker.Handler
	nextID     int
	stops      int
	disc       chan error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[int]broker.Handler), disc: make(chan error, 1)}
}

func (b *fakeBroker) Start(ctx context.Context, viewerID string, known []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	b.known = append(b.known, known)
	if b.alwaysFail != nil {
		return &broker.SubscriptionError{Err: b.alwaysFail}
	}
	if len(b.startErrs) > 0 {
		err := b.startErrs[0]
		b.startErrs = b.startErrs[1:]
		return &broker.SubscriptionError{Err: err}
	}
	return nil
}

func (b *fakeBroker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	b.handlers = make(map[int]broker.Handler)
}

func (b *fakeBroker) OnNotification(h broker.Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

func (b *fakeBroker) Disconnected() <-chan error { return b.disc }

// emit delivers n in registration order, as the real dispatch loop does
func (b *fakeBroker) emit(n broker.Notification) {
	b.mu.Lock()
	handlers := make([]broker.Handler, 0, len(b.handlers))
	for id := 1; id <= b.nextID; id++ {
		if h, ok := b.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(context.Background(), n)
	}
}

func (b *fakeBroker) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

func (b *fakeBroker) lastKnown() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.known[len(b.known)-1]
}

func (b *fakeBroker) handlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

type fakeStore struct {
	mu          sync.Mutex
	convs       []entity.Conversation
	hidden      map[string]bool
	messages    map[string][]entity.Message
	hideCreated bool
	gate        chan struct{}
	createCalls int
	listCalls   int
	sendErr     error
	seq         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{hidden: make(map[string]bool), messages: make(map[string][]entity.Message)}
}

func (s *fakeStore) addConversation(id, other string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = append(s.convs, entity.Conversation{
		ID:             id,
		ParticipantIDs: []string{viewer, other},
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, len(s.convs), 0, time.UTC),
	})
}

func (s *fakeStore) addMessage(conversationID, id, sender string) entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMessageLocked(conversationID, id, sender, "text "+id)
}

func (s *fakeStore) addMessageLocked(conversationID, id, sender, body string) entity.Message {
	s.seq++
	m := entity.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		Kind:           entity.MessageKindText,
		Body:           body,
		CreatedAt:      time.Date(2026, 2, 1, 0, 0, s.seq, 0, time.UTC),
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	return m
}

func (s *fakeStore) calls() (create, list int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls, s.listCalls
}

func (s *fakeStore) find(id string) (entity.Conversation, bool) {
	for _, c := range s.convs {
		if c.ID == id {
			return c, true
		}
	}
	return entity.Conversation{}, false
}

func (s *fakeStore) ListConversations(ctx context.Context, viewerID string) ([]entity.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	var out []entity.Conversation
	for _, c := range s.convs {
		if !s.hidden[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) ListConversationIDs(ctx context.Context, viewerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.convs))
	for _, c := range s.convs {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *fakeStore) FetchTranscript(ctx context.Context, viewerID, conversationID string, before *entity.PageCursor, limit int) (*entity.TranscriptPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.find(conversationID); !ok {
		return nil, entity.ErrConversationNotFound
	}
	msgs := append([]entity.Message(nil), s.messages[conversationID]...)
	return &entity.TranscriptPage{Messages: msgs}, nil
}

func (s *fakeStore) CreateOrGetConversation(ctx context.Context, viewerID, target string) (*entity.Conversation, error) {
	s.mu.Lock()
	s.createCalls++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.HasParticipant(target) {
			return &c, nil
		}
	}
	c := entity.Conversation{
		ID:             "conv-" + target,
		ParticipantIDs: []string{viewer, target},
		CreatedBy:      viewerID,
		CreatedAt:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	s.convs = append(s.convs, c)
	if s.hideCreated {
		s.hidden[c.ID] = true
	}
	return &c, nil
}

func (s *fakeStore) SendMessage(ctx context.Context, viewerID string, draft entity.Draft) (*entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	m := s.addMessageLocked(draft.ConversationID, "sent-"+draft.Body, viewerID, draft.Body)
	return &m, nil
}

func (s *fakeStore) EditMessage(ctx context.Context, viewerID, messageID, body string) (*entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cid, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				msgs[i].Body = body
				s.messages[cid] = msgs
				m := msgs[i]
				return &m, nil
			}
		}
	}
	return nil, entity.ErrMessageNotFound
}

func (s *fakeStore) DeleteMessage(ctx context.Context, viewerID, messageID string) (*entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				msgs[i].IsDeleted = true
				m := msgs[i]
				return &m, nil
			}
		}
	}
	return nil, entity.ErrMessageNotFound
}

func (s *fakeStore) MarkRead(ctx context.Context, viewerID, conversationID string) error {
	return nil
}

type views struct {
	mu  sync.Mutex
	all []transcript.View
}

func (v *views) record(view transcript.View) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.all = append(v.all, view)
}

func (v *views) last() transcript.View {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.all[len(v.all)-1]
}

func (v *views) since(n int) []transcript.View {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]transcript.View(nil), v.all[n:]...)
}

func (v *views) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.all)
}

var scrolledUp = transcript.Viewport{ScrollTop: 0, ClientHeight: 100, ScrollHeight: 1000}

func testConfig() Config {
	return Config{
		PendingTimeout:   time.Second,
		ReconnectInitial: time.Millisecond,
		ReconnectMax:     5 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, b *fakeBroker, s *fakeStore, cfg Config) *Manager {
	t.Helper()
	m := NewManager(viewer, b, s, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(m.Close)
	return m
}

func openManager(t *testing.T, b *fakeBroker, s *fakeStore, cfg Config) *Manager {
	t.Helper()
	m := newTestManager(t, b, s, cfg)
	require.NoError(t, m.Open(context.Background()))
	return m
}

func TestManager_OpenStartsBrokerWithKnownConversations(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.addConversation("c1", "bob")
	s.addConversation("c2", "carol")

	m := openManager(t, b, s, testConfig())

	assert.Equal(t, 1, b.startCount())
	assert.ElementsMatch(t, []string{"c1", "c2"}, b.lastKnown())
	assert.Equal(t, 2, b.handlerCount())
	assert.True(t, m.Summary().Loaded())
	assert.Equal(t, StateNoConversation, m.Snapshot().State)

	require.NoError(t, m.Open(context.Background()))
	assert.Equal(t, 1, b.startCount())
}

func TestManager_SelectConversation(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.addConversation("c1", "bob")
	s.addMessage("c1", "m1", "bob")
	m := openManager(t, b, s, testConfig())

	var states []State
	m.OnChange(func(snap Snapshot) { states = append(states, snap.State) })

	require.NoError(t, m.SelectConversation(context.Background(), "c1"))

	assert.Equal(t, []State{StateLoading, StateActive}, states)
	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, "c1", snap.ActiveConversationID)
	assert.Len(t, m.Transcript().Snapshot().Messages, 1)
}

func TestManager_SelectUnknownConversationFallsBack(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	m := openManager(t, b, s, testConfig())

	err := m.SelectConversation(context.Background(), "nope")
	require.ErrorIs(t, err, entity.ErrConversationNotFound)
	assert.Equal(t, StateNoConversation, m.Snapshot().State)
	assert.Empty(t, m.Transcript().ConversationID())
}

func TestManager_RequestNewConversationResolvesBeforeTimeout(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	m := openManager(t, b, s, testConfig())

	var states []State
	m.OnChange(func(snap Snapshot) { states = append(states, snap.State) })

	require.NoError(t, m.RequestNewConversation(context.Background(), "bob"))

	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, "conv-bob", snap.ActiveConversationID)
	assert.Nil(t, snap.Pending)
	assert.Contains(t, states, StatePendingResolution)

	create, _ := s.calls()
	assert.Equal(t, 1, create)
}

func TestManager_ExistingConversationSkipsPending(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.addConversation("c1", "bob")
	m := openManager(t, b, s, testConfig())

	var states []State
	m.OnChange(func(snap Snapshot) { states = append(states, snap.State) })

	require.NoError(t, m.RequestNewConversation(context.Background(), "bob"))

	assert.Equal(t, "c1", m.Snapshot().ActiveConversationID)
	assert.NotContains(t, states, StatePendingResolution)
	create, _ := s.calls()
	assert.Equal(t, 0, create)
}

func TestManager_DuplicateRequestWhilePending(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.gate = make(chan struct{})
	m := openManager(t, b, s, testConfig())

	done := make(chan error, 1)
	go func() { done <- m.RequestNewConversation(context.Background(), "bob") }()

	require.Eventually(t, func() bool {
		return m.Snapshot().State == StatePendingResolution
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.RequestNewConversation(context.Background(), "bob"))
	require.NoError(t, m.RequestNewConversation(context.Background(), "carol"))

	close(s.gate)
	require.NoError(t, <-done)

	create, _ := s.calls()
	assert.Equal(t, 1, create)
	assert.Equal(t, "conv-bob", m.Snapshot().ActiveConversationID)
}

func TestManager_PendingTimesOut(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.hideCreated = true
	cfg := testConfig()
	cfg.PendingTimeout = 50 * time.Millisecond
	m := openManager(t, b, s, cfg)

	require.NoError(t, m.RequestNewConversation(context.Background(), "bob"))
	snap := m.Snapshot()
	require.Equal(t, StatePendingResolution, snap.State)
	require.NotNil(t, snap.Pending)
	assert.Equal(t, "bob", snap.Pending.TargetProfileID)
	assert.Equal(t, "conv-bob", snap.Pending.ResolvedConversationID)

	require.Eventually(t, func() bool {
		return m.Snapshot().State == StateNoConversation
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, m.Snapshot().Pending)

	// A stale pending state must not block the retry
	require.NoError(t, m.RequestNewConversation(context.Background(), "bob"))
	create, _ := s.calls()
	assert.Equal(t, 2, create)
	assert.Equal(t, StatePendingResolution, m.Snapshot().State)
}

func TestManager_PendingResolvesFromBrokerDrivenRefresh(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.hideCreated = true
	m := openManager(t, b, s, testConfig())

	require.NoError(t, m.RequestNewConversation(context.Background(), "bob"))
	require.Equal(t, StatePendingResolution, m.Snapshot().State)

	s.mu.Lock()
	delete(s.hidden, "conv-bob")
	s.mu.Unlock()

	b.emit(broker.Notification{Kind: broker.MessageCreated, ConversationID: "conv-bob", ActorID: "bob"})

	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, "conv-bob", snap.ActiveConversationID)
}

func TestManager_SelectCancelsPending(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.hideCreated = true
	s.addConversation("c1", "carol")
	cfg := testConfig()
	cfg.PendingTimeout = 30 * time.Millisecond
	m := openManager(t, b, s, cfg)

	require.NoError(t, m.RequestNewConversation(context.Background(), "bob"))
	require.NoError(t, m.SelectConversation(context.Background(), "c1"))

	time.Sleep(60 * time.Millisecond)
	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, "c1", snap.ActiveConversationID)
}

func TestManager_RequestValidation(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	m := openManager(t, b, s, testConfig())

	assert.ErrorIs(t, m.RequestNewConversation(context.Background(), ""), entity.ErrProfileRequired)
	assert.ErrorIs(t, m.RequestNewConversation(context.Background(), viewer), entity.ErrSelfConversation)
}

func TestManager_IncomingMessageWhileScrolledUp(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.addConversation("c1", "bob")
	s.addMessage("c1", "m1", "bob")
	m := openManager(t, b, s, testConfig())
	require.NoError(t, m.SelectConversation(context.Background(), "c1"))

	rendered := &views{}
	m.Transcript().OnRender(rendered.record)
	m.UpdateViewport(scrolledUp)

	_, listBefore := s.calls()
	s.addMessage("c1", "m2", "bob")
	b.emit(broker.Notification{Kind: broker.MessageCreated, ConversationID: "c1", ActorID: "bob", MessageID: "m2"})

	v := rendered.last()
	assert.Len(t, v.Messages, 2)
	assert.Equal(t, transcript.ScrollNone, v.Scroll)
	assert.Equal(t, 1, v.UnseenCount)
	assert.False(t, m.Transcript().ScrollState().IsNearBottom)

	_, listAfter := s.calls()
	assert.Equal(t, listBefore+1, listAfter)
}

func TestManager_SelfSendWhileScrolledUpForcesScroll(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.addConversation("c1", "bob")
	s.addMessage("c1", "m1", "bob")
	m := openManager(t, b, s, testConfig())
	require.NoError(t, m.SelectConversation(context.Background(), "c1"))

	rendered := &views{}
	m.Transcript().OnRender(rendered.record)
	m.UpdateViewport(scrolledUp)
	_, listBefore := s.calls()

	stored, err := m.SendMessage(context.Background(), entity.Draft{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "c1", stored.ConversationID)

	out := rendered.since(0)
	require.NotEmpty(t, out)
	assert.Equal(t, transcript.ScrollToBottom, out[0].Scroll)
	assert.True(t, out[0].Messages[1].Pending)

	last := rendered.last()
	require.Len(t, last.Messages, 2)
	assert.Equal(t, stored.ID, last.Messages[1].ID)
	assert.False(t, last.Messages[1].Pending)

	_, listAfter := s.calls()
	assert.Equal(t, listBefore+1, listAfter)
}

func TestManager_SendFailureRollsBack(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.addConversation("c1", "bob")
	s.addMessage("c1", "m1", "bob")
	s.sendErr = errors.New("insert failed")
	m := openManager(t, b, s, testConfig())
	require.NoError(t, m.SelectConversation(context.Background(), "c1"))

	_, err := m.SendMessage(context.Background(), entity.Draft{Body: "hello"})
	require.Error(t, err)

	msgs := m.Transcript().Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestManager_SendRequiresActiveConversation(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	m := openManager(t, b, s, testConfig())

	_, err := m.SendMessage(context.Background(), entity.Draft{Body: "hello"})
	assert.ErrorIs(t, err, ErrNoActiveConversation)
	assert.ErrorIs(t, m.MarkRead(context.Background()), ErrNoActiveConversation)
}

func TestManager_EditAndDeleteRefreshTranscript(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.addConversation("c1", "bob")
	s.addMessage("c1", "m1", viewer)
	m := openManager(t, b, s, testConfig())
	require.NoError(t, m.SelectConversation(context.Background(), "c1"))

	_, err := m.EditMessage(context.Background(), "m1", "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", m.Transcript().Snapshot().Messages[0].Body)

	require.NoError(t, m.DeleteMessage(context.Background(), "m1"))
	msg := m.Transcript().Snapshot().Messages[0]
	assert.True(t, msg.IsDeleted)
	assert.Empty(t, msg.Body)
}

func TestManager_ReconnectsAfterDisconnect(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.addConversation("c1", "bob")
	m := openManager(t, b, s, testConfig())
	require.Equal(t, 1, b.startCount())

	s.addConversation("c2", "carol")
	b.disc <- errors.New("stream lost")

	require.Eventually(t, func() bool { return b.startCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"c1", "c2"}, b.lastKnown())
	require.Eventually(t, func() bool { return m.Summary().Has("c2") }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Snapshot().Degraded)
}

func TestManager_InitialConnectFailureIsRetried(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	b.startErrs = []error{errors.New("refused"), errors.New("refused")}
	m := openManager(t, b, s, testConfig())

	require.Eventually(t, func() bool { return b.startCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Snapshot().Degraded)
}

func TestManager_ReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	b.alwaysFail = errors.New("refused")
	cfg := testConfig()
	cfg.ReconnectMaxAttempts = 2
	m := openManager(t, b, s, cfg)

	require.Eventually(t, func() bool { return m.Snapshot().Degraded }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, b.startCount())
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	b, s := newFakeBroker(), newFakeStore()
	s.addConversation("c1", "bob")
	m := openManager(t, b, s, testConfig())

	m.Close()
	m.Close()

	assert.Equal(t, 0, b.handlerCount())
	assert.ErrorIs(t, m.SelectConversation(context.Background(), "c1"), ErrClosed)
	assert.ErrorIs(t, m.Open(context.Background()), ErrClosed)
}
