package entity

import "errors"

// Domain errors for conversations and messages
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message body cannot be empty")
	ErrMessageTooLong       = errors.New("message exceeds maximum length")
	ErrNotParticipant       = errors.New("viewer is not a participant of this conversation")
	ErrNotSender            = errors.New("only the original sender can change this message")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrMessageDeleted       = errors.New("message has been deleted")
	ErrAttachmentRequired   = errors.New("attachment is required for this message kind")
	ErrInvalidKind          = errors.New("invalid message kind")
	ErrProfileRequired      = errors.New("profile id is required")
)
