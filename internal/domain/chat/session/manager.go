// Package session drives one viewer's chat session: it owns the broker
// subscription, keeps it alive across disconnects and runs the conversation
// selection state machine on top of the transcript and summary consumers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/domain/chat/summary"
	"github.com/vadim/neo-social/internal/domain/chat/transcript"
	"github.com/vadim/neo-social/internal/metrics"
	"github.com/vadim/neo-social/internal/realtime/broker"
)

// Session errors
var (
	ErrClosed               = errors.New("session is closed")
	ErrNoActiveConversation = errors.New("no active conversation")
)

// State of the conversation selection state machine
type State string

const (
	StateNoConversation    State = "no_conversation"
	StateLoading           State = "loading"
	StateActive            State = "active"
	StatePendingResolution State = "pending_resolution"
)

// Pending describes a requested conversation waiting to show up in the list
type Pending struct {
	TargetProfileID        string    `json:"target_profile_id"`
	ResolvedConversationID string    `json:"resolved_conversation_id,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

// Snapshot is the externally visible session state
type Snapshot struct {
	State                State    `json:"state"`
	ActiveConversationID string   `json:"active_conversation_id,omitempty"`
	Pending              *Pending `json:"pending,omitempty"`
	Degraded             bool     `json:"degraded"`
}

// Broker is the subscription the manager keeps alive
type Broker interface {
	Start(ctx context.Context, viewerID string, knownConversationIDs []string) error
	Stop()
	OnNotification(h broker.Handler) func()
	Disconnected() <-chan error
}

// Store is the data access the session needs
type Store interface {
	transcript.Fetcher
	summary.Lister

	ListConversationIDs(ctx context.Context, viewerID string) ([]string, error)
	CreateOrGetConversation(ctx context.Context, viewerID, targetProfileID string) (*entity.Conversation, error)
	SendMessage(ctx context.Context, viewerID string, draft entity.Draft) (*entity.Message, error)
	EditMessage(ctx context.Context, viewerID, messageID, body string) (*entity.Message, error)
	DeleteMessage(ctx context.Context, viewerID, messageID string) (*entity.Message, error)
	MarkRead(ctx context.Context, viewerID, conversationID string) error
}

// Config holds session settings
type Config struct {
	PendingTimeout       time.Duration
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts uint64
	Transcript           transcript.Config
	StaleAfter           int
}

func (c *Config) setDefaults() {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 3 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

type observer struct {
	id uint64
	fn func(Snapshot)
}

// Manager runs one viewer session
type Manager struct {
	viewerID   string
	broker     Broker
	store      Store
	transcript *transcript.Consumer
	summary    *summary.Consumer
	cfg        Config
	logger     *slog.Logger

	mu           sync.Mutex
	snap         Snapshot
	pendingGen   uint64
	pendingTimer *time.Timer
	observers    []observer
	nextObserver uint64
	unmount      []func()
	ctx          context.Context
	cancel       context.CancelFunc
	opened       bool
	closed       bool

	wg sync.WaitGroup
}

// NewManager creates a session for viewerID
func NewManager(viewerID string, b Broker, store Store, cfg Config, logger *slog.Logger) *Manager {
	cfg.setDefaults()

	return &Manager{
		viewerID:   viewerID,
		broker:     b,
		store:      store,
		transcript: transcript.NewConsumer(store, viewerID, cfg.Transcript, logger),
		summary:    summary.NewConsumer(store, viewerID, cfg.StaleAfter, logger),
		cfg:        cfg,
		logger:     logger.With("component", "session", "viewer_id", viewerID),
		snap:       Snapshot{State: StateNoConversation},
		ctx:        context.Background(),
	}
}

// ViewerID returns the session owner
func (m *Manager) ViewerID() string {
	return m.viewerID
}

// Transcript returns the active conversation consumer
func (m *Manager) Transcript() *transcript.Consumer {
	return m.transcript
}

// Summary returns the conversation list consumer
func (m *Manager) Summary() *summary.Consumer {
	return m.summary
}

// Snapshot returns the current session state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// OnChange registers an observer for session state transitions
func (m *Manager) OnChange(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, observer{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Open mounts the consumers and connects the broker. A failed first connect is
// retried in the background with the same policy as a disconnect.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.opened {
		m.mu.Unlock()
		return nil
	}
	m.opened = true
	runCtx, cancel := context.WithCancel(ctx)
	m.ctx = runCtx
	m.cancel = cancel
	m.unmount = append(m.unmount,
		m.transcript.Mount(m.broker),
		m.summary.Mount(m.broker),
		m.summary.OnUpdate(m.onSummary),
	)
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()

	connected := true
	if err := m.connect(runCtx); err != nil {
		connected = false
		m.logger.Warn("initial connect failed, retrying in background", "error", err)
	}

	m.wg.Add(1)
	go m.supervise(runCtx, connected)

	m.logger.Info("session opened", "connected", connected)
	return nil
}

// Close tears the session down. It is safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.clearPendingLocked()
	cancel, opened := m.cancel, m.opened
	unmount := m.unmount
	m.unmount = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	for _, fn := range unmount {
		fn()
	}
	m.broker.Stop()

	if opened {
		metrics.ActiveSessions.Dec()
	}
	m.logger.Info("session closed")
}

// SelectConversation makes conversationID the active conversation
func (m *Manager) SelectConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return entity.ErrConversationNotFound
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.clearPendingLocked()
	m.mu.Unlock()

	return m.activate(ctx, conversationID)
}

// RequestNewConversation opens the conversation with targetProfileID, creating
// it when needed. Requests made while another one is pending are ignored.
func (m *Manager) RequestNewConversation(ctx context.Context, targetProfileID string) error {
	if targetProfileID == "" {
		return entity.ErrProfileRequired
	}
	if targetProfileID == m.viewerID {
		return entity.ErrSelfConversation
	}

	if m.isPending() {
		m.logger.Debug("ignoring conversation request while another is pending", "target_profile_id", targetProfileID)
		return nil
	}

	if conv, ok := m.summary.FindWith(targetProfileID); ok {
		return m.SelectConversation(ctx, conv.ID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.snap.State == StatePendingResolution {
		m.mu.Unlock()
		return nil
	}
	m.pendingGen++
	gen := m.pendingGen
	m.snap = Snapshot{
		State:    StatePendingResolution,
		Pending:  &Pending{TargetProfileID: targetProfileID, CreatedAt: time.Now()},
		Degraded: m.snap.Degraded,
	}
	m.pendingTimer = time.AfterFunc(m.cfg.PendingTimeout, func() { m.expirePending(gen) })
	m.mu.Unlock()

	m.transcript.SetConversation("")
	m.notify()

	conv, err := m.store.CreateOrGetConversation(ctx, m.viewerID, targetProfileID)
	if err != nil {
		m.mu.Lock()
		abandoned := gen == m.pendingGen
		if abandoned {
			m.clearPendingLocked()
			m.snap = Snapshot{State: StateNoConversation, Degraded: m.snap.Degraded}
		}
		m.mu.Unlock()
		if abandoned {
			m.notify()
		}
		return fmt.Errorf("creating conversation: %w", err)
	}

	m.mu.Lock()
	if gen != m.pendingGen {
		// Timed out or superseded while the call was in flight
		m.mu.Unlock()
		return nil
	}
	pending := *m.snap.Pending
	pending.ResolvedConversationID = conv.ID
	m.snap.Pending = &pending
	m.mu.Unlock()
	m.notify()

	// Our own ConversationCreated event is suppressed as an echo
	if err := m.summary.Refresh(ctx); err != nil {
		return nil
	}
	m.resolvePending(ctx, m.summary.Has)
	return nil
}

// SendMessage shows the message immediately and confirms or rolls it back
// once the store answers
func (m *Manager) SendMessage(ctx context.Context, draft entity.Draft) (*entity.Message, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	active := m.activeConversation()
	if draft.ConversationID == "" {
		draft.ConversationID = active
	}
	if draft.ConversationID == "" {
		return nil, ErrNoActiveConversation
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	local := entity.Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: draft.ConversationID,
		SenderID:       m.viewerID,
		Kind:           draft.Kind,
		Body:           draft.Body,
		AttachmentURL:  draft.AttachmentURL,
		CreatedAt:      time.Now().UTC(),
	}
	m.transcript.ApplyOptimistic(local)

	stored, err := m.store.SendMessage(ctx, m.viewerID, draft)
	if err != nil {
		m.transcript.DiscardOptimistic(local.ID)
		return nil, fmt.Errorf("sending message: %w", err)
	}

	m.transcript.ConfirmOptimistic(local.ID, *stored)
	_ = m.summary.Refresh(ctx)
	return stored, nil
}

// EditMessage changes the body of one of the viewer's messages
func (m *Manager) EditMessage(ctx context.Context, messageID, body string) (*entity.Message, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	msg, err := m.store.EditMessage(ctx, m.viewerID, messageID, body)
	if err != nil {
		return nil, fmt.Errorf("editing message: %w", err)
	}
	m.refreshAfterOwnChange(ctx, msg.ConversationID)
	return msg, nil
}

// DeleteMessage soft-deletes one of the viewer's messages
func (m *Manager) DeleteMessage(ctx context.Context, messageID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	msg, err := m.store.DeleteMessage(ctx, m.viewerID, messageID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	m.refreshAfterOwnChange(ctx, msg.ConversationID)
	return nil
}

// MarkRead resets the unread counter of the active conversation
func (m *Manager) MarkRead(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	id := m.activeConversation()
	if id == "" {
		return ErrNoActiveConversation
	}
	if err := m.store.MarkRead(ctx, m.viewerID, id); err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}
	_ = m.summary.Refresh(ctx)
	return nil
}

// LoadEarlier pages older messages into the active transcript
func (m *Manager) LoadEarlier(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if m.activeConversation() == "" {
		return ErrNoActiveConversation
	}
	return m.transcript.LoadEarlier(ctx)
}

// UpdateViewport records a scroll measurement from the view
func (m *Manager) UpdateViewport(v transcript.Viewport) {
	m.transcript.OnScroll(v)
}

func (m *Manager) activate(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	m.snap = Snapshot{State: StateLoading, ActiveConversationID: conversationID, Degraded: m.snap.Degraded}
	m.mu.Unlock()
	m.notify()

	m.transcript.SetConversation(conversationID)
	err := m.transcript.Refresh(ctx)

	m.mu.Lock()
	if m.snap.State != StateLoading || m.snap.ActiveConversationID != conversationID {
		// Another transition won the race
		m.mu.Unlock()
		return nil
	}
	if errors.Is(err, entity.ErrNotParticipant) || errors.Is(err, entity.ErrConversationNotFound) {
		m.snap = Snapshot{State: StateNoConversation, Degraded: m.snap.Degraded}
		m.mu.Unlock()
		m.transcript.SetConversation("")
		m.notify()
		return err
	}
	m.snap.State = StateActive
	m.mu.Unlock()
	m.notify()

	m.logger.Debug("conversation active", "conversation_id", conversationID)
	return nil
}

// onSummary resolves a pending request once its conversation is listed
func (m *Manager) onSummary(list summary.List) {
	listed := make(map[string]struct{}, len(list.Conversations))
	for _, c := range list.Conversations {
		listed[c.ID] = struct{}{}
	}

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	m.resolvePending(ctx, func(id string) bool {
		_, ok := listed[id]
		return ok
	})
}

func (m *Manager) resolvePending(ctx context.Context, listed func(string) bool) {
	m.mu.Lock()
	if m.snap.State != StatePendingResolution || m.snap.Pending == nil {
		m.mu.Unlock()
		return
	}
	id := m.snap.Pending.ResolvedConversationID
	if id == "" || !listed(id) {
		m.mu.Unlock()
		return
	}
	waited := time.Since(m.snap.Pending.CreatedAt)
	m.clearPendingLocked()
	m.mu.Unlock()

	metrics.PendingResolutions.WithLabelValues("resolved").Inc()
	m.logger.Info("pending conversation resolved", "conversation_id", id, "waited", waited)

	if err := m.activate(ctx, id); err != nil {
		m.logger.Warn("activating resolved conversation failed", "conversation_id", id, "error", err)
	}
}

func (m *Manager) expirePending(gen uint64) {
	m.mu.Lock()
	if gen != m.pendingGen || m.snap.State != StatePendingResolution {
		m.mu.Unlock()
		return
	}
	target := m.snap.Pending.TargetProfileID
	m.clearPendingLocked()
	m.snap = Snapshot{State: StateNoConversation, Degraded: m.snap.Degraded}
	m.mu.Unlock()

	metrics.PendingResolutions.WithLabelValues("timeout").Inc()
	m.logger.Info("pending conversation timed out", "target_profile_id", target, "timeout", m.cfg.PendingTimeout)
	m.notify()
}

// clearPendingLocked stops the timer and invalidates in-flight resolutions
func (m *Manager) clearPendingLocked() {
	if m.pendingTimer != nil {
		m.pendingTimer.Stop()
		m.pendingTimer = nil
	}
	m.pendingGen++
	if m.snap.State == StatePendingResolution {
		m.snap.Pending = nil
	}
}

// supervise keeps the broker subscribed until the session ends
func (m *Manager) supervise(ctx context.Context, connected bool) {
	defer m.wg.Done()

	if !connected && !m.reconnect(ctx) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-m.broker.Disconnected():
			m.logger.Warn("broker disconnected, reconnecting", "error", err)
			if !m.reconnect(ctx) {
				return
			}
		}
	}
}

func (m *Manager) reconnect(ctx context.Context) bool {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.cfg.ReconnectInitial
	exp.MaxInterval = m.cfg.ReconnectMax
	exp.MaxElapsedTime = 0

	var policy backoff.BackOff = exp
	if m.cfg.ReconnectMaxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, m.cfg.ReconnectMaxAttempts)
	}

	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			return m.connect(ctx)
		},
		backoff.WithContext(policy, ctx),
		func(err error, next time.Duration) {
			m.logger.Warn("reconnect attempt failed", "attempt", attempt, "retry_in", next, "error", err)
		},
	)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		m.setDegraded(true)
		m.logger.Error("giving up reconnecting", "attempts", attempt, "error", err)
		return false
	}

	metrics.Reconnects.Inc()
	m.setDegraded(false)
	m.logger.Info("broker reconnected", "attempts", attempt)

	// Cover whatever happened while we were away
	if m.transcript.ConversationID() != "" {
		_ = m.transcript.Refresh(ctx)
	}
	return true
}

// connect starts the broker with a fresh snapshot of known conversations
func (m *Manager) connect(ctx context.Context) error {
	ids, err := m.store.ListConversationIDs(ctx, m.viewerID)
	if err != nil {
		return fmt.Errorf("loading known conversations: %w", err)
	}
	if err := m.broker.Start(ctx, m.viewerID, ids); err != nil {
		return err
	}
	_ = m.summary.Refresh(ctx)
	return nil
}

func (m *Manager) setDegraded(degraded bool) {
	m.mu.Lock()
	changed := m.snap.Degraded != degraded
	m.snap.Degraded = degraded
	m.mu.Unlock()
	if changed {
		m.notify()
	}
}

func (m *Manager) refreshAfterOwnChange(ctx context.Context, conversationID string) {
	if conversationID == m.transcript.ConversationID() {
		_ = m.transcript.Refresh(ctx)
	}
	_ = m.summary.Refresh(ctx)
}

func (m *Manager) isPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.State == StatePendingResolution
}

func (m *Manager) activeConversation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.State != StateActive && m.snap.State != StateLoading {
		return ""
	}
	return m.snap.ActiveConversationID
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Manager) snapshotLocked() Snapshot {
	s := m.snap
	if s.Pending != nil {
		p := *s.Pending
		s.Pending = &p
	}
	return s
}

func (m *Manager) notify() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	observers := make([]observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, o := range observers {
		o.fn(snap)
	}
}
