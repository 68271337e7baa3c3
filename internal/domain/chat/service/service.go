package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/realtime/broker"
	"github.com/vadim/neo-social/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ConversationRepository defines the interface for conversation storage
type ConversationRepository interface {
	ListForViewer(ctx context.Context, viewerID string) ([]entity.Conversation, error)
	GetForViewer(ctx context.Context, viewerID, conversationID string) (*entity.Conversation, error)
	ListIDsForViewer(ctx context.Context, viewerID string) ([]string, error)
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	GetByPair(ctx context.Context, a, b string) (*entity.Conversation, error)
	Create(ctx context.Context, conv *entity.Conversation) (bool, error)
	IsParticipant(ctx context.Context, conversationID, profileID string) (bool, error)
	MarkRead(ctx context.Context, conversationID, profileID string, at time.Time) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// MessageRepository defines the interface for message storage
type MessageRepository interface {
	Create(ctx context.Context, msg *entity.Message) error
	GetByID(ctx context.Context, id string) (*entity.Message, error)
	ListPage(ctx context.Context, conversationID string, before *entity.PageCursor, limit int) ([]entity.Message, bool, error)
	UpdateBody(ctx context.Context, id, body string, editedAt time.Time) (*entity.Message, error)
	SoftDelete(ctx context.Context, id string, at time.Time) (*entity.Message, error)
}

// AttachmentStorage stores uploaded message attachments
type AttachmentStorage interface {
	Upload(ctx context.Context, in storage.UploadInput) (*storage.UploadOutput, error)
}

// Service handles conversation and message business logic. Every committed
// mutation is announced on the realtime feed.
type Service struct {
	convRepo    ConversationRepository
	msgRepo     MessageRepository
	publisher   broker.Publisher
	attachments AttachmentStorage
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a new chat service. attachments may be nil when uploads are disabled.
func New(
	convRepo ConversationRepository,
	msgRepo MessageRepository,
	publisher broker.Publisher,
	attachments AttachmentStorage,
	logger *slog.Logger,
) *Service {
	return &Service{
		convRepo:    convRepo,
		msgRepo:     msgRepo,
		publisher:   publisher,
		attachments: attachments,
		logger:      logger.With("component", "chat_service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ListConversations returns the viewer's conversations
func (s *Service) ListConversations(ctx context.Context, viewerID string) ([]entity.Conversation, error) {
	convs, err := s.convRepo.ListForViewer(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	entity.SortByActivity(convs)
	return convs, nil
}

// ListConversationIDs returns the ids of the viewer's conversations
func (s *Service) ListConversationIDs(ctx context.Context, viewerID string) ([]string, error) {
	ids, err := s.convRepo.ListIDsForViewer(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("listing conversation ids: %w", err)
	}
	return ids, nil
}

// GetConversation returns a conversation or ErrConversationNotFound
func (s *Service) GetConversation(ctx context.Context, id string) (*entity.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	return conv, nil
}

// GetConversationForViewer returns the conversation as it appears in the viewer's list
func (s *Service) GetConversationForViewer(ctx context.Context, viewerID, id string) (*entity.Conversation, error) {
	conv, err := s.convRepo.GetForViewer(ctx, viewerID, id)
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	return conv, nil
}

// IsParticipant reports whether profileID belongs to the conversation
func (s *Service) IsParticipant(ctx context.Context, conversationID, profileID string) (bool, error) {
	return s.convRepo.IsParticipant(ctx, conversationID, profileID)
}

// GetMessagesInput represents input for reading a transcript page
type GetMessagesInput struct {
	ConversationID string
	Before         *entity.PageCursor
	Limit          int
}

// GetMessages returns one transcript page, soft-deleted messages redacted
func (s *Service) GetMessages(ctx context.Context, in GetMessagesInput) (*entity.TranscriptPage, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	msgs, hasMore, err := s.msgRepo.ListPage(ctx, in.ConversationID, in.Before, limit)
	if err != nil {
		return nil, fmt.Errorf("getting messages: %w", err)
	}
	for i := range msgs {
		msgs[i].Redact()
	}
	if msgs == nil {
		msgs = []entity.Message{}
	}

	return &entity.TranscriptPage{Messages: msgs, HasMore: hasMore}, nil
}

// CreateConversationInput represents input for create-or-get
type CreateConversationInput struct {
	CreatorID string
	TargetID  string
}

// CreateOrGetConversation returns the conversation between the two profiles,
// creating it when none exists. created reports which happened.
func (s *Service) CreateOrGetConversation(ctx context.Context, in CreateConversationInput) (conv *entity.Conversation, created bool, err error) {
	if in.CreatorID == "" || in.TargetID == "" {
		return nil, false, entity.ErrProfileRequired
	}
	if in.CreatorID == in.TargetID {
		return nil, false, entity.ErrSelfConversation
	}

	existing, err := s.convRepo.GetByPair(ctx, in.CreatorID, in.TargetID)
	if err != nil {
		return nil, false, fmt.Errorf("looking up conversation: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	low, high := entity.ParticipantPair(in.CreatorID, in.TargetID)
	now := s.now()
	conv = &entity.Conversation{
		ID:             uuid.NewString(),
		ParticipantIDs: []string{low, high},
		CreatedBy:      in.CreatorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err = s.convRepo.Create(ctx, conv)
	if err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}
	if !created {
		// Lost the race against a concurrent create for the same pair
		existing, err = s.convRepo.GetByPair(ctx, in.CreatorID, in.TargetID)
		if err != nil {
			return nil, false, fmt.Errorf("looking up conversation: %w", err)
		}
		if existing == nil {
			return nil, false, entity.ErrConversationNotFound
		}
		return existing, false, nil
	}

	s.publish(ctx, broker.RawEvent{
		Table:        broker.TableConversations,
		Operation:    broker.OperationInsert,
		Conversation: conv,
	})

	s.logger.Info("conversation created", "conversation_id", conv.ID, "created_by", in.CreatorID)
	return conv, true, nil
}

// SendMessageInput represents input for sending a message
type SendMessageInput struct {
	SenderID string
	Draft    entity.Draft
}

// SendMessage stores a new message
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (*entity.Message, error) {
	draft := in.Draft
	draft.Body = strings.TrimSpace(draft.Body)
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	msg := &entity.Message{
		ID:             uuid.NewString(),
		ConversationID: draft.ConversationID,
		SenderID:       in.SenderID,
		Kind:           draft.Kind,
		Body:           draft.Body,
		AttachmentURL:  draft.AttachmentURL,
		CreatedAt:      s.now(),
	}

	if err := s.msgRepo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	s.touch(ctx, msg.ConversationID, msg.CreatedAt)

	s.publish(ctx, broker.RawEvent{
		Table:     broker.TableMessages,
		Operation: broker.OperationInsert,
		Message:   msg,
	})

	return msg, nil
}

// GetMessage returns a message or ErrMessageNotFound
func (s *Service) GetMessage(ctx context.Context, id string) (*entity.Message, error) {
	msg, err := s.msgRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	if msg == nil {
		return nil, entity.ErrMessageNotFound
	}
	return msg, nil
}

// EditMessage replaces the body of a text message
func (s *Service) EditMessage(ctx context.Context, messageID, body string) (*entity.Message, error) {
	body = strings.TrimSpace(body)
	if err := entity.ValidateBody(body); err != nil {
		return nil, err
	}

	msg, err := s.msgRepo.UpdateBody(ctx, messageID, body, s.now())
	if err != nil {
		return nil, fmt.Errorf("editing message: %w", err)
	}
	if msg == nil {
		return nil, entity.ErrMessageDeleted
	}
	s.touch(ctx, msg.ConversationID, s.now())

	s.publish(ctx, broker.RawEvent{
		Table:     broker.TableMessages,
		Operation: broker.OperationUpdate,
		Message:   msg,
	})

	return msg, nil
}

// DeleteMessage soft-deletes a message. The update is published with the
// deleted flag so listeners see a delete.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) (*entity.Message, error) {
	msg, err := s.msgRepo.SoftDelete(ctx, messageID, s.now())
	if err != nil {
		return nil, fmt.Errorf("deleting message: %w", err)
	}
	if msg == nil {
		return nil, entity.ErrMessageNotFound
	}
	msg.Redact()
	s.touch(ctx, msg.ConversationID, s.now())

	s.publish(ctx, broker.RawEvent{
		Table:     broker.TableMessages,
		Operation: broker.OperationUpdate,
		Message:   msg,
	})

	return msg, nil
}

// MarkRead resets the viewer's unread counter for a conversation
func (s *Service) MarkRead(ctx context.Context, conversationID, viewerID string) error {
	return s.convRepo.MarkRead(ctx, conversationID, viewerID, s.now())
}

// UploadAttachmentInput represents input for uploading an attachment
type UploadAttachmentInput struct {
	ConversationID string
	Filename       string
	ContentType    string
	Size           int64
	Reader         io.Reader
}

// UploadAttachment stores a file and returns the draft that sends it
func (s *Service) UploadAttachment(ctx context.Context, in UploadAttachmentInput) (*entity.Draft, error) {
	if s.attachments == nil {
		return nil, fmt.Errorf("attachments are not configured")
	}

	out, err := s.attachments.Upload(ctx, storage.UploadInput{
		ConversationID: in.ConversationID,
		Reader:         in.Reader,
		ContentType:    in.ContentType,
		Size:           in.Size,
		Filename:       in.Filename,
	})
	if err != nil {
		return nil, fmt.Errorf("uploading attachment: %w", err)
	}

	kind := entity.MessageKindFile
	if storage.IsImage(in.ContentType) {
		kind = entity.MessageKindImage
	}

	return &entity.Draft{
		ConversationID: in.ConversationID,
		Kind:           kind,
		AttachmentURL:  out.URL,
	}, nil
}

// publish announces a committed change. Failures are logged only: the row is
// already stored and consumers catch up on their next refresh.
func (s *Service) publish(ctx context.Context, ev broker.RawEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publishing row event failed",
			"table", ev.Table,
			"operation", ev.Operation,
			"error", err,
		)
	}
}

func (s *Service) touch(ctx context.Context, conversationID string, at time.Time) {
	if err := s.convRepo.Touch(ctx, conversationID, at); err != nil {
		s.logger.Warn("touching conversation failed", "conversation_id", conversationID, "error", err)
	}
}
