package broker

import "github.com/vadim/neo-social/internal/domain/chat/entity"

// Kind identifies the notification variant
type Kind int

const (
	MessageCreated Kind = iota + 1
	MessageUpdated
	MessageDeleted
	ConversationCreated
)

func (k Kind) String() string {
	switch k {
	case MessageCreated:
		return "message_created"
	case MessageUpdated:
		return "message_updated"
	case MessageDeleted:
		return "message_deleted"
	case ConversationCreated:
		return "conversation_created"
	default:
		return "unknown"
	}
}

// Notification is a normalized, relevant mutation handed to consumers.
// It lives for a single fan-out pass.
type Notification struct {
	Kind           Kind
	ConversationID string
	ActorID        string
	MessageID      string
	Message        *entity.Message
}

// Normalize turns a raw event into a notification.
// It returns false for events the broker does not understand.
func Normalize(ev RawEvent) (Notification, bool) {
	switch ev.Table {
	case TableMessages:
		msg := ev.Message
		if msg == nil || msg.ID == "" || msg.ConversationID == "" {
			return Notification{}, false
		}
		n := Notification{
			ConversationID: msg.ConversationID,
			ActorID:        msg.SenderID,
			MessageID:      msg.ID,
		}
		switch {
		case ev.Operation == OperationInsert:
			n.Kind = MessageCreated
		case ev.Operation == OperationDelete,
			ev.Operation == OperationUpdate && msg.IsDeleted:
			n.Kind = MessageDeleted
		case ev.Operation == OperationUpdate:
			n.Kind = MessageUpdated
		default:
			return Notification{}, false
		}
		if n.Kind != MessageDeleted {
			cp := *msg
			n.Message = &cp
		}
		return n, true

	case TableConversations:
		conv := ev.Conversation
		if conv == nil || conv.ID == "" || ev.Operation != OperationInsert {
			return Notification{}, false
		}
		return Notification{
			Kind:           ConversationCreated,
			ConversationID: conv.ID,
			ActorID:        conv.CreatedBy,
		}, true
	}

	return Notification{}, false
}
