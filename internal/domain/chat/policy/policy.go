package policy

import (
	"context"
	"fmt"
	"io"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/domain/chat/service"
)

// ChatService defines the interface for the chat service
type ChatService interface {
	ListConversations(ctx context.Context, viewerID string) ([]entity.Conversation, error)
	ListConversationIDs(ctx context.Context, viewerID string) ([]string, error)
	GetConversation(ctx context.Context, id string) (*entity.Conversation, error)
	GetConversationForViewer(ctx context.Context, viewerID, id string) (*entity.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, profileID string) (bool, error)
	GetMessages(ctx context.Context, in service.GetMessagesInput) (*entity.TranscriptPage, error)
	CreateOrGetConversation(ctx context.Context, in service.CreateConversationInput) (*entity.Conversation, bool, error)
	SendMessage(ctx context.Context, in service.SendMessageInput) (*entity.Message, error)
	GetMessage(ctx context.Context, id string) (*entity.Message, error)
	EditMessage(ctx context.Context, messageID, body string) (*entity.Message, error)
	DeleteMessage(ctx context.Context, messageID string) (*entity.Message, error)
	MarkRead(ctx context.Context, conversationID, viewerID string) error
	UploadAttachment(ctx context.Context, in service.UploadAttachmentInput) (*entity.Draft, error)
}

// Policy authorizes chat operations for a viewer. It is the store every
// viewer session and the HTTP handlers talk to.
type Policy struct {
	svc ChatService
}

// New creates a new chat policy
func New(svc ChatService) *Policy {
	return &Policy{svc: svc}
}

// ListConversations returns the viewer's conversation list
func (p *Policy) ListConversations(ctx context.Context, viewerID string) ([]entity.Conversation, error) {
	if viewerID == "" {
		return nil, entity.ErrProfileRequired
	}
	return p.svc.ListConversations(ctx, viewerID)
}

// ListConversationIDs returns the known conversation snapshot for the broker
func (p *Policy) ListConversationIDs(ctx context.Context, viewerID string) ([]string, error) {
	if viewerID == "" {
		return nil, entity.ErrProfileRequired
	}
	return p.svc.ListConversationIDs(ctx, viewerID)
}

// IsParticipant answers the broker's membership lookup
func (p *Policy) IsParticipant(ctx context.Context, conversationID, viewerID string) (bool, error) {
	return p.svc.IsParticipant(ctx, conversationID, viewerID)
}

// FetchTranscript returns a transcript page of a conversation the viewer belongs to
func (p *Policy) FetchTranscript(ctx context.Context, viewerID, conversationID string, before *entity.PageCursor, limit int) (*entity.TranscriptPage, error) {
	if err := p.authorize(ctx, viewerID, conversationID); err != nil {
		return nil, err
	}
	return p.svc.GetMessages(ctx, service.GetMessagesInput{
		ConversationID: conversationID,
		Before:         before,
		Limit:          limit,
	})
}

// GetConversation returns one conversation as the viewer sees it in the list
func (p *Policy) GetConversation(ctx context.Context, viewerID, conversationID string) (*entity.Conversation, error) {
	if err := p.authorize(ctx, viewerID, conversationID); err != nil {
		return nil, err
	}
	return p.svc.GetConversationForViewer(ctx, viewerID, conversationID)
}

// CreateOrGetConversation returns the viewer's conversation with targetProfileID
func (p *Policy) CreateOrGetConversation(ctx context.Context, viewerID, targetProfileID string) (*entity.Conversation, error) {
	conv, _, err := p.svc.CreateOrGetConversation(ctx, service.CreateConversationInput{
		CreatorID: viewerID,
		TargetID:  targetProfileID,
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// SendMessage sends a message into a conversation the viewer belongs to
func (p *Policy) SendMessage(ctx context.Context, viewerID string, draft entity.Draft) (*entity.Message, error) {
	if err := p.authorize(ctx, viewerID, draft.ConversationID); err != nil {
		return nil, err
	}
	return p.svc.SendMessage(ctx, service.SendMessageInput{
		SenderID: viewerID,
		Draft:    draft,
	})
}

// EditMessage edits one of the viewer's own messages
func (p *Policy) EditMessage(ctx context.Context, viewerID, messageID, body string) (*entity.Message, error) {
	if _, err := p.ownMessage(ctx, viewerID, messageID); err != nil {
		return nil, err
	}
	return p.svc.EditMessage(ctx, messageID, body)
}

// DeleteMessage soft-deletes one of the viewer's own messages
func (p *Policy) DeleteMessage(ctx context.Context, viewerID, messageID string) (*entity.Message, error) {
	msg, err := p.ownMessage(ctx, viewerID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		msg.Redact()
		return msg, nil
	}
	return p.svc.DeleteMessage(ctx, messageID)
}

// MarkRead resets the viewer's unread counter
func (p *Policy) MarkRead(ctx context.Context, viewerID, conversationID string) error {
	if err := p.authorize(ctx, viewerID, conversationID); err != nil {
		return err
	}
	return p.svc.MarkRead(ctx, conversationID, viewerID)
}

// UploadAttachmentInput represents input for uploading an attachment
type UploadAttachmentInput struct {
	ViewerID       string
	ConversationID string
	Filename       string
	ContentType    string
	Size           int64
	Reader         io.Reader
}

// UploadAttachment stores a file for a conversation the viewer belongs to
func (p *Policy) UploadAttachment(ctx context.Context, in UploadAttachmentInput) (*entity.Draft, error) {
	if err := p.authorize(ctx, in.ViewerID, in.ConversationID); err != nil {
		return nil, err
	}
	return p.svc.UploadAttachment(ctx, service.UploadAttachmentInput{
		ConversationID: in.ConversationID,
		Filename:       in.Filename,
		ContentType:    in.ContentType,
		Size:           in.Size,
		Reader:         in.Reader,
	})
}

// authorize checks that the conversation exists and viewerID belongs to it
func (p *Policy) authorize(ctx context.Context, viewerID, conversationID string) error {
	if viewerID == "" {
		return entity.ErrProfileRequired
	}
	if conversationID == "" {
		return entity.ErrConversationNotFound
	}

	conv, err := p.svc.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(viewerID) {
		return entity.ErrNotParticipant
	}
	return nil
}

func (p *Policy) ownMessage(ctx context.Context, viewerID, messageID string) (*entity.Message, error) {
	if viewerID == "" {
		return nil, entity.ErrProfileRequired
	}
	msg, err := p.svc.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != viewerID {
		return nil, entity.ErrNotSender
	}
	if err := p.authorize(ctx, viewerID, msg.ConversationID); err != nil {
		return nil, fmt.Errorf("authorizing message %s: %w", messageID, err)
	}
	return msg, nil
}
