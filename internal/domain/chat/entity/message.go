package entity

import "time"

// MessageKind represents the kind of message content
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
)

// Message represents a single message in a conversation
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Kind           MessageKind `json:"kind"`
	Body           string      `json:"body,omitempty"`
	AttachmentURL  string      `json:"attachment_url,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	IsDeleted      bool        `json:"is_deleted"`

	// Pending marks an optimistic local copy not yet confirmed by the store
	Pending bool `json:"pending,omitempty"`
}

// Draft is a message the viewer is about to send
type Draft struct {
	ConversationID string      `json:"conversation_id"`
	Kind           MessageKind `json:"kind"`
	Body           string      `json:"body"`
	AttachmentURL  string      `json:"attachment_url,omitempty"`
}

// Validate checks the draft content
func (d *Draft) Validate() error {
	if d.Kind == "" {
		d.Kind = MessageKindText
	}
	if err := ValidateKind(d.Kind, d.AttachmentURL); err != nil {
		return err
	}
	if d.Kind == MessageKindText {
		return ValidateBody(d.Body)
	}
	if len(d.Body) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// PageCursor positions a transcript page strictly before one message.
// Messages are ordered by (CreatedAt, ID).
type PageCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id,omitempty"`
}

// Cursor returns the position of m
func (m *Message) Cursor() PageCursor {
	return PageCursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// SortsBefore reports whether m comes strictly before c
func (m *Message) SortsBefore(c PageCursor) bool {
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.Before(c.CreatedAt)
	}
	return m.ID < c.ID
}

// TranscriptPage is one page of a conversation transcript in chronological order
type TranscriptPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

const (
	// MaxMessageLength is the maximum length of a message body
	MaxMessageLength = 4000

	previewLength = 120
)

// Redact blanks the content of a soft-deleted message. The ID stays stable.
func (m *Message) Redact() {
	if !m.IsDeleted {
		return
	}
	m.Body = ""
	m.AttachmentURL = ""
}

// Preview returns the text shown in the conversation list for this message
func (m *Message) Preview() string {
	if m.IsDeleted {
		return ""
	}
	switch m.Kind {
	case MessageKindImage:
		return "[image]"
	case MessageKindFile:
		return "[file]"
	}
	if r := []rune(m.Body); len(r) > previewLength {
		return string(r[:previewLength])
	}
	return m.Body
}

// ValidateKind validates the kind/content combination of a message
func ValidateKind(kind MessageKind, attachmentURL string) error {
	switch kind {
	case MessageKindText:
		return nil
	case MessageKindImage, MessageKindFile:
		if attachmentURL == "" {
			return ErrAttachmentRequired
		}
		return nil
	default:
		return ErrInvalidKind
	}
}

// ValidateBody validates the text body of a message
func ValidateBody(body string) error {
	if body == "" {
		return ErrEmptyMessage
	}
	if len(body) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}
