// Package summary keeps the viewer's conversation list ordered and its unread
// counters current. Every refresh replaces the whole list.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/metrics"
	"github.com/vadim/neo-social/internal/realtime/broker"
)

const defaultStaleAfter = 3

// Lister loads the viewer's full conversation list
type Lister interface {
	ListConversations(ctx context.Context, viewerID string) ([]entity.Conversation, error)
}

// Registrar is the part of the broker consumers mount on
type Registrar interface {
	OnNotification(h broker.Handler) func()
}

// List is the state published to observers
type List struct {
	Conversations []entity.Conversation `json:"conversations"`
	TotalUnread   int                   `json:"total_unread"`
	Stale         bool                  `json:"stale"`
}

// RefreshError reports a failed list fetch; the previous list is kept
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refreshing conversation list: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

type observer struct {
	id uint64
	fn func(List)
}

// Consumer synchronizes the conversation list of one viewer
type Consumer struct {
	lister     Lister
	viewerID   string
	staleAfter int
	logger     *slog.Logger

	refreshMu sync.Mutex

	mu            sync.RWMutex
	conversations []entity.Conversation
	failures      int
	loaded        bool
	observers     []observer
	nextObserver  uint64
}

// NewConsumer creates a summary consumer. staleAfter <= 0 uses the default.
func NewConsumer(lister Lister, viewerID string, staleAfter int, logger *slog.Logger) *Consumer {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Consumer{
		lister:     lister,
		viewerID:   viewerID,
		staleAfter: staleAfter,
		logger:     logger.With("component", "summary", "viewer_id", viewerID),
	}
}

// Mount registers the consumer on the broker and returns the unmount function
func (c *Consumer) Mount(r Registrar) func() {
	return r.OnNotification(c.HandleNotification)
}

// HandleNotification refreshes the list on any relevant notification
func (c *Consumer) HandleNotification(ctx context.Context, n broker.Notification) {
	// Failures keep the previous list; the next notification retries
	_ = c.Refresh(ctx)
}

// OnUpdate registers an observer called after every successful refresh and on
// failures once the list is stale
func (c *Consumer) OnUpdate(fn func(List)) func() {
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

// Refresh re-fetches the full list and replaces local state.
// Concurrent callers are serialized so responses never apply out of order.
func (c *Consumer) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	convs, err := c.lister.ListConversations(ctx, c.viewerID)
	if err != nil {
		c.mu.Lock()
		c.failures++
		stale := c.failures >= c.staleAfter
		list := c.listLocked()
		c.mu.Unlock()

		metrics.RefreshFailures.WithLabelValues("summary").Inc()
		refreshErr := &RefreshError{Err: err}
		c.logger.Warn("summary refresh failed, keeping previous list", "error", refreshErr, "stale", stale)
		if stale {
			c.publish(list)
		}
		return refreshErr
	}

	sorted := make([]entity.Conversation, len(convs))
	copy(sorted, convs)
	entity.SortByActivity(sorted)

	c.mu.Lock()
	c.conversations = sorted
	c.failures = 0
	c.loaded = true
	list := c.listLocked()
	c.mu.Unlock()

	c.logger.Debug("summary refreshed", "conversations", len(sorted), "total_unread", list.TotalUnread)
	c.publish(list)
	return nil
}

// Snapshot returns the current list
func (c *Consumer) Snapshot() List {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listLocked()
}

// Loaded reports whether at least one refresh succeeded
func (c *Consumer) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Conversations returns a copy of the ordered list
func (c *Consumer) Conversations() []entity.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]entity.Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out
}

// IDs returns the ids of every listed conversation
func (c *Consumer) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.conversations))
	for i, conv := range c.conversations {
		out[i] = conv.ID
	}
	return out
}

// Has reports whether conversationID is in the list
func (c *Consumer) Has(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conv := range c.conversations {
		if conv.ID == conversationID {
			return true
		}
	}
	return false
}

// FindWith returns the listed conversation with profileID, if any
func (c *Consumer) FindWith(profileID string) (entity.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conv := range c.conversations {
		if conv.HasParticipant(profileID) && conv.HasParticipant(c.viewerID) {
			return conv, true
		}
	}
	return entity.Conversation{}, false
}

// TotalUnread sums the unread counters of every conversation
func (c *Consumer) TotalUnread() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return totalUnread(c.conversations)
}

// Stale reports whether refreshes have failed persistently
func (c *Consumer) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failures >= c.staleAfter
}

func (c *Consumer) listLocked() List {
	convs := make([]entity.Conversation, len(c.conversations))
	copy(convs, c.conversations)
	return List{
		Conversations: convs,
		TotalUnread:   totalUnread(c.conversations),
		Stale:         c.failures >= c.staleAfter,
	}
}

func (c *Consumer) publish(list List) {
	c.mu.RLock()
	observers := make([]observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.RUnlock()

	for _, o := range observers {
		o.fn(list)
	}
}

func totalUnread(convs []entity.Conversation) int {
	total := 0
	for _, conv := range convs {
		if conv.UnreadCount > 0 {
			total += conv.UnreadCount
		}
	}
	return total
}
