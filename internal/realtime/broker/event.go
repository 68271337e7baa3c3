package broker

import (
	"context"
	"errors"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
)

// Table is the backing-store table a raw event originates from
type Table string

const (
	TableMessages      Table = "messages"
	TableConversations Table = "conversations"
)

// Operation is the row-level mutation carried by a raw event
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// RawEvent is one row-level mutation notification from the event source.
// Exactly one of Message or Conversation is set, matching Table.
type RawEvent struct {
	Table        Table                `json:"table"`
	Operation    Operation            `json:"operation"`
	Message      *entity.Message      `json:"message,omitempty"`
	Conversation *entity.Conversation `json:"conversation,omitempty"`
}

// Source is the publish/subscribe feed of raw events
type Source interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is an open stream of raw events.
// Events is closed when the stream ends; Err then reports why.
type Subscription interface {
	Events() <-chan RawEvent
	Err() error
	Close() error
}

// Publisher emits raw events onto the feed
type Publisher interface {
	Publish(ctx context.Context, ev RawEvent) error
}

// MembershipChecker answers the point lookup used for unknown conversations
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, viewerID string) (bool, error)
}

// ErrStreamClosed is reported when a subscription ends without a cause
var ErrStreamClosed = errors.New("event stream closed")

// SubscriptionError reports that the event source was unreachable or rejected the subscription
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string {
	return "subscription error: " + e.Err.Error()
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// LookupError reports a failed membership check. The event is treated as not relevant.
type LookupError struct {
	ConversationID string
	Err            error
}

func (e *LookupError) Error() string {
	return "membership lookup for conversation " + e.ConversationID + ": " + e.Err.Error()
}

func (e *LookupError) Unwrap() error {
	return e.Err
}
