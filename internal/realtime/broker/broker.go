// Package broker owns the single realtime subscription of a viewer session. It
// normalizes raw row events, drops the viewer's own echoes, filters events down
// to conversations the viewer participates in and fans the survivors out to the
// registered consumers.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vadim/neo-social/internal/metrics"
)

const defaultLookupTimeout = 5 * time.Second

// Handler receives dispatched notifications.
// Handlers run one at a time on the broker's dispatch loop and must not call Stop.
type Handler func(ctx context.Context, n Notification)

type registration struct {
	id uint64
	fn Handler
}

// Option configures a Broker
type Option func(*Broker)

// WithLogger sets the broker logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger.With("component", "broker")
	}
}

// WithLookupTimeout bounds a single membership lookup
func WithLookupTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.lookupTimeout = d
		}
	}
}

// Broker multiplexes one event source subscription to many consumers
type Broker struct {
	source        Source
	members       MembershipChecker
	logger        *slog.Logger
	lookupTimeout time.Duration

	mu       sync.Mutex
	running  bool
	handlers []registration
	nextID   uint64
	cancel   context.CancelFunc
	done     chan struct{}

	disconnected chan error
}

// New creates a broker over the given source
func New(source Source, members MembershipChecker, opts ...Option) *Broker {
	b := &Broker{
		source:        source,
		members:       members,
		logger:        slog.Default().With("component", "broker"),
		lookupTimeout: defaultLookupTimeout,
		disconnected:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start opens the subscription for viewerID. ctx bounds the subscription lifetime.
// Calling Start while already running is a no-op; concurrent callers share one subscription.
func (b *Broker) Start(ctx context.Context, viewerID string, knownConversationIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	sub, err := b.source.Subscribe(ctx)
	if err != nil {
		return &SubscriptionError{Err: fmt.Errorf("subscribing to event source: %w", err)}
	}

	// A signal left over from a previous run is stale once we are connected again
	select {
	case <-b.disconnected:
	default:
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.running = true
	b.cancel = cancel
	b.done = done

	go b.loop(loopCtx, cancel, sub, newDispatchState(viewerID, knownConversationIDs), done)

	b.logger.Info("broker started", "viewer_id", viewerID, "known_conversations", len(knownConversationIDs))
	return nil
}

// Stop closes the subscription and releases every registered handler.
// It is safe to call more than once and on a broker that never started.
func (b *Broker) Stop() {
	b.mu.Lock()
	b.handlers = nil
	cancel, done := b.cancel, b.done
	b.running = false
	b.cancel = nil
	b.done = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	b.logger.Info("broker stopped")
}

// Running reports whether a subscription is currently open
func (b *Broker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// OnNotification registers a handler and returns a function that unregisters it
func (b *Broker) OnNotification(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, registration{id: id, fn: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, r := range b.handlers {
			if r.id == id {
				b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Disconnected delivers the cause when an open stream is lost.
// The broker does not retry; handlers stay registered and Start may be called again.
func (b *Broker) Disconnected() <-chan error {
	return b.disconnected
}

type lookupResult struct {
	conversationID string
	ok             bool
	err            error
}

// dispatchState is owned by a single loop goroutine
type dispatchState struct {
	viewerID string
	known    map[string]struct{}
	rejected map[string]struct{}
	waiting  map[string][]Notification
	resolved chan lookupResult
	lookups  sync.WaitGroup
}

func newDispatchState(viewerID string, known []string) *dispatchState {
	st := &dispatchState{
		viewerID: viewerID,
		known:    make(map[string]struct{}, len(known)),
		rejected: make(map[string]struct{}),
		waiting:  make(map[string][]Notification),
		resolved: make(chan lookupResult),
	}
	for _, id := range known {
		st.known[id] = struct{}{}
	}
	return st
}

func (b *Broker) loop(ctx context.Context, cancel context.CancelFunc, sub Subscription, st *dispatchState, done chan struct{}) {
	defer close(done)
	defer st.lookups.Wait()
	defer cancel()
	defer sub.Close()

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				err := sub.Err()
				if err == nil {
					err = ErrStreamClosed
				}
				b.markDisconnected(done, err)
				return
			}
			b.handleRaw(ctx, st, ev)
		case res := <-st.resolved:
			b.handleResolved(ctx, st, res)
		}
	}
}

func (b *Broker) markDisconnected(done chan struct{}, err error) {
	b.mu.Lock()
	if b.done == done {
		b.running = false
		b.cancel = nil
		b.done = nil
	}
	b.mu.Unlock()

	b.logger.Warn("event stream disconnected", "error", err)

	select {
	case b.disconnected <- err:
	default:
	}
}

func (b *Broker) handleRaw(ctx context.Context, st *dispatchState, ev RawEvent) {
	n, ok := Normalize(ev)
	if !ok {
		metrics.EventsDropped.WithLabelValues(metrics.DropMalformed).Inc()
		b.logger.Debug("skipping unrecognized event", "table", ev.Table, "operation", ev.Operation)
		return
	}

	// The viewer's own actions were already applied locally
	if n.ActorID != "" && n.ActorID == st.viewerID {
		metrics.EventsDropped.WithLabelValues(metrics.DropEcho).Inc()
		return
	}

	id := n.ConversationID
	if _, ok := st.known[id]; ok {
		b.dispatch(ctx, n)
		return
	}
	if _, ok := st.rejected[id]; ok {
		metrics.EventsDropped.WithLabelValues(metrics.DropIrrelevant).Inc()
		return
	}
	if queued, ok := st.waiting[id]; ok {
		st.waiting[id] = append(queued, n)
		return
	}

	st.waiting[id] = []Notification{n}
	metrics.MembershipLookups.Inc()
	st.lookups.Add(1)
	go b.lookup(ctx, st, id)
}

func (b *Broker) lookup(ctx context.Context, st *dispatchState, conversationID string) {
	defer st.lookups.Done()

	lookupCtx, cancel := context.WithTimeout(ctx, b.lookupTimeout)
	defer cancel()

	ok, err := b.members.IsParticipant(lookupCtx, conversationID, st.viewerID)

	select {
	case st.resolved <- lookupResult{conversationID: conversationID, ok: ok, err: err}:
	case <-ctx.Done():
	}
}

func (b *Broker) handleResolved(ctx context.Context, st *dispatchState, res lookupResult) {
	queued := st.waiting[res.conversationID]
	delete(st.waiting, res.conversationID)

	switch {
	case res.err != nil:
		// Not cached: the next event for this conversation asks again
		metrics.EventsDropped.WithLabelValues(metrics.DropLookupError).Add(float64(len(queued)))
		b.logger.Warn("dropping events after failed membership lookup",
			"error", &LookupError{ConversationID: res.conversationID, Err: res.err},
			"dropped", len(queued),
		)
	case !res.ok:
		st.rejected[res.conversationID] = struct{}{}
		metrics.EventsDropped.WithLabelValues(metrics.DropIrrelevant).Add(float64(len(queued)))
	default:
		st.known[res.conversationID] = struct{}{}
		b.logger.Debug("conversation became known", "conversation_id", res.conversationID)
		for _, n := range queued {
			b.dispatch(ctx, n)
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, n Notification) {
	b.mu.Lock()
	handlers := make([]registration, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(ctx, h, n)
	}
	metrics.NotificationsDispatched.WithLabelValues(n.Kind.String()).Inc()
}

func (b *Broker) invoke(ctx context.Context, h registration, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification handler panicked",
				"handler_id", h.id,
				"kind", n.Kind.String(),
				"conversation_id", n.ConversationID,
				"panic", r,
			)
		}
	}()
	h.fn(ctx, n)
}
