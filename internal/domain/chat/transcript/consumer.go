// Package transcript keeps the active conversation's messages in sync and
// decides when the chat view should scroll.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/metrics"
	"github.com/vadim/neo-social/internal/realtime/broker"
)

// Fetcher loads transcript pages from the store
type Fetcher interface {
	FetchTranscript(ctx context.Context, viewerID, conversationID string, before *entity.PageCursor, limit int) (*entity.TranscriptPage, error)
}

// Registrar is the part of the broker consumers mount on
type Registrar interface {
	OnNotification(h broker.Handler) func()
}

// Config holds transcript consumer settings
type Config struct {
	PageSize            int
	NearBottomThreshold float64
	StaleAfter          int
}

// View is what the chat view renders after every transcript change
type View struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []entity.Message `json:"messages"`
	Scroll         ScrollAction     `json:"scroll"`
	UnseenCount    int              `json:"unseen_count"`
	HasMore        bool             `json:"has_more"`
	Stale          bool             `json:"stale"`
}

// RefreshError reports a failed transcript fetch; the previous transcript is kept
type RefreshError struct {
	ConversationID string
	Err            error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refreshing transcript %s: %v", e.ConversationID, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

type observer struct {
	id uint64
	fn func(View)
}

// Consumer owns the transcript of the active conversation
type Consumer struct {
	fetcher  Fetcher
	viewerID string
	cfg      Config
	logger   *slog.Logger

	// fetchMu serializes fetches so responses apply in request order
	fetchMu sync.Mutex

	mu             sync.Mutex
	conversationID string
	epoch          uint64
	messages       []entity.Message
	hasMore        bool
	engine         *AutoScroll
	unseen         int
	failures       int
	observers      []observer
	nextObserver   uint64
}

// NewConsumer creates a transcript consumer for viewerID
func NewConsumer(fetcher Fetcher, viewerID string, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3
	}
	return &Consumer{
		fetcher:  fetcher,
		viewerID: viewerID,
		cfg:      cfg,
		logger:   logger.With("component", "transcript", "viewer_id", viewerID),
		engine:   NewAutoScroll(viewerID, cfg.NearBottomThreshold),
	}
}

// Mount registers the consumer on the broker and returns the unmount function
func (c *Consumer) Mount(r Registrar) func() {
	return r.OnNotification(c.HandleNotification)
}

// OnRender registers an observer for every published view
func (c *Consumer) OnRender(fn func(View)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextObserver++
	id := c.nextObserver
	c.observers = append(c.observers, observer{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// ConversationID returns the active conversation, empty when none
func (c *Consumer) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// SetConversation switches the active conversation and resets all scroll state
func (c *Consumer) SetConversation(conversationID string) {
	c.mu.Lock()
	if c.conversationID == conversationID {
		c.mu.Unlock()
		return
	}
	c.conversationID = conversationID
	c.epoch++
	c.messages = nil
	c.hasMore = false
	c.unseen = 0
	c.failures = 0
	c.engine.Reset()
	view := c.viewLocked(ScrollNone)
	c.mu.Unlock()

	c.publish(view)
}

// Snapshot returns the current view without a scroll directive
func (c *Consumer) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(ScrollNone)
}

// ScrollState returns the current scroll state
func (c *Consumer) ScrollState() ScrollState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.State()
}

// HandleNotification refreshes the transcript when the notification concerns the active conversation
func (c *Consumer) HandleNotification(ctx context.Context, n broker.Notification) {
	if n.ConversationID == "" || n.ConversationID != c.ConversationID() {
		return
	}
	// Failures are logged in Refresh and retried on the next notification
	_ = c.Refresh(ctx)
}

// Refresh re-fetches the newest page of the active conversation and merges it
// over the loaded transcript. Earlier pages stay loaded.
func (c *Consumer) Refresh(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.Lock()
	id, epoch := c.conversationID, c.epoch
	c.mu.Unlock()

	if id == "" {
		return nil
	}

	page, err := c.fetcher.FetchTranscript(ctx, c.viewerID, id, nil, c.cfg.PageSize)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return c.failLocked(id, err)
	}

	c.failures = 0
	merged, hasMore := mergeWindow(redacted(page.Messages), page.HasMore, c.messages, c.hasMore)
	c.messages = mergePending(merged, c.messages)
	c.hasMore = hasMore
	view := c.renderLocked()
	c.mu.Unlock()

	c.publish(view)
	return nil
}

// LoadEarlier fetches the page before the oldest loaded message. It never auto-scrolls.
func (c *Consumer) LoadEarlier(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.Lock()
	c.engine.BeforeLoadEarlier()
	id, epoch, hasMore := c.conversationID, c.epoch, c.hasMore
	oldest, ok := oldestConfirmed(c.messages)
	c.mu.Unlock()

	if id == "" || !ok || !hasMore {
		return nil
	}

	page, err := c.fetcher.FetchTranscript(ctx, c.viewerID, id, &oldest, c.cfg.PageSize)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return c.failLocked(id, err)
	}

	c.failures = 0
	c.messages = prepend(redacted(page.Messages), c.messages)
	c.hasMore = page.HasMore
	view := c.renderLocked()
	c.mu.Unlock()

	c.publish(view)
	return nil
}

// OnScroll records a viewport measurement
func (c *Consumer) OnScroll(v Viewport) {
	c.mu.Lock()
	c.engine.OnScroll(v)
	if !c.engine.State().IsNearBottom || c.unseen == 0 {
		c.mu.Unlock()
		return
	}
	c.unseen = 0
	view := c.viewLocked(ScrollNone)
	c.mu.Unlock()

	c.publish(view)
}

// ApplyOptimistic appends the viewer's own message before the store confirms it
func (c *Consumer) ApplyOptimistic(msg entity.Message) ScrollAction {
	c.mu.Lock()
	if msg.ConversationID != c.conversationID {
		c.mu.Unlock()
		return ScrollNone
	}
	msg.Pending = true
	c.messages = append(c.messages, msg)
	view := c.renderLocked()
	c.mu.Unlock()

	c.publish(view)
	return view.Scroll
}

// ConfirmOptimistic replaces the local copy with the stored message
func (c *Consumer) ConfirmOptimistic(localID string, stored entity.Message) {
	c.mu.Lock()
	if stored.ConversationID != c.conversationID {
		c.mu.Unlock()
		return
	}

	out := c.messages[:0:0]
	present := false
	for _, m := range c.messages {
		if m.ID == stored.ID {
			present = true
		}
	}
	for _, m := range c.messages {
		if m.ID == localID {
			if !present {
				out = append(out, stored)
			}
			continue
		}
		out = append(out, m)
	}
	c.messages = out
	// Same message under its stored id; not a new arrival
	if c.engine.lastRenderedID == localID {
		c.engine.lastRenderedID = stored.ID
	}
	view := c.renderLocked()
	c.mu.Unlock()

	c.publish(view)
}

// DiscardOptimistic removes a local copy whose send failed
func (c *Consumer) DiscardOptimistic(localID string) {
	c.mu.Lock()
	out := c.messages[:0:0]
	for _, m := range c.messages {
		if m.ID != localID {
			out = append(out, m)
		}
	}
	c.messages = out
	if c.engine.lastRenderedID == localID {
		c.engine.lastRenderedID = ""
		if len(out) > 0 {
			c.engine.lastRenderedID = out[len(out)-1].ID
		}
	}
	view := c.viewLocked(ScrollNone)
	c.mu.Unlock()

	c.publish(view)
}

// failLocked counts a failed fetch and publishes the view once it turns stale.
// It releases c.mu.
func (c *Consumer) failLocked(conversationID string, err error) error {
	c.failures++
	stale := c.failures >= c.cfg.StaleAfter
	turnedStale := c.failures == c.cfg.StaleAfter
	var view View
	if turnedStale {
		view = c.viewLocked(ScrollNone)
	}
	c.mu.Unlock()

	metrics.RefreshFailures.WithLabelValues("transcript").Inc()
	refreshErr := &RefreshError{ConversationID: conversationID, Err: err}
	c.logger.Warn("transcript refresh failed, keeping previous state", "error", refreshErr, "stale", stale)
	if turnedStale {
		c.publish(view)
	}
	return refreshErr
}

// renderLocked runs the auto-scroll decision and maintains the unseen counter
func (c *Consumer) renderLocked() View {
	previous := c.engine.LastRenderedID()
	action := c.engine.Decide(c.messages)

	if action == ScrollToBottom {
		c.unseen = 0
	} else if previous != "" && c.engine.LastRenderedID() != previous {
		c.unseen += c.arrivedFromOthers(previous)
	}

	return c.viewLocked(action)
}

// arrivedFromOthers counts messages after previousID sent by someone else
func (c *Consumer) arrivedFromOthers(previousID string) int {
	start := -1
	for i, m := range c.messages {
		if m.ID == previousID {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return 1
	}
	count := 0
	for _, m := range c.messages[start:] {
		if m.SenderID != c.viewerID {
			count++
		}
	}
	if count == 0 {
		count = 1
	}
	return count
}

func (c *Consumer) viewLocked(action ScrollAction) View {
	msgs := make([]entity.Message, len(c.messages))
	copy(msgs, c.messages)
	return View{
		ConversationID: c.conversationID,
		Messages:       msgs,
		Scroll:         action,
		UnseenCount:    c.unseen,
		HasMore:        c.hasMore,
		Stale:          c.failures >= c.cfg.StaleAfter,
	}
}

func (c *Consumer) publish(view View) {
	c.mu.Lock()
	observers := make([]observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, o := range observers {
		o.fn(view)
	}
}

func redacted(msgs []entity.Message) []entity.Message {
	out := make([]entity.Message, len(msgs))
	for i, m := range msgs {
		m.Redact()
		m.Pending = false
		out[i] = m
	}
	return out
}

// mergePending keeps unconfirmed local messages at the tail of a fresh page
func mergePending(fresh, current []entity.Message) []entity.Message {
	seen := make(map[string]struct{}, len(fresh))
	for _, m := range fresh {
		seen[m.ID] = struct{}{}
	}
	for _, m := range current {
		if !m.Pending {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		fresh = append(fresh, m)
	}
	return fresh
}

// mergeWindow lays the newest page over the loaded transcript. Loaded messages
// older than the page are kept when the page overlaps them; when it does not,
// messages are missing in between and the page replaces the transcript.
func mergeWindow(fresh []entity.Message, freshMore bool, current []entity.Message, currentMore bool) ([]entity.Message, bool) {
	if !freshMore || len(fresh) == 0 {
		return fresh, freshMore
	}

	boundary := fresh[0].Cursor()
	var older []entity.Message
	overlaps := false
	for _, m := range current {
		if m.Pending {
			continue
		}
		if m.SortsBefore(boundary) {
			older = append(older, m)
		} else {
			overlaps = true
		}
	}
	if len(older) == 0 || !overlaps {
		return fresh, true
	}

	out := make([]entity.Message, 0, len(older)+len(fresh))
	out = append(out, older...)
	return append(out, fresh...), currentMore
}

// prepend adds older messages in front, skipping ids already loaded
func prepend(older, current []entity.Message) []entity.Message {
	seen := make(map[string]struct{}, len(current))
	for _, m := range current {
		seen[m.ID] = struct{}{}
	}
	out := make([]entity.Message, 0, len(older)+len(current))
	for _, m := range older {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return append(out, current...)
}

func oldestConfirmed(msgs []entity.Message) (entity.PageCursor, bool) {
	for _, m := range msgs {
		if !m.Pending {
			return m.Cursor(), true
		}
	}
	return entity.PageCursor{}, false
}
