package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/domain/chat/policy"
	"github.com/vadim/neo-social/internal/httpx/response"
	"github.com/vadim/neo-social/internal/storage"
)

// ViewerHeader carries the authenticated profile id set by the gateway
const ViewerHeader = "X-Viewer-ID"

// ChatPolicy defines the interface for chat operations
type ChatPolicy interface {
	ListConversations(ctx context.Context, viewerID string) ([]entity.Conversation, error)
	GetConversation(ctx context.Context, viewerID, conversationID string) (*entity.Conversation, error)
	CreateOrGetConversation(ctx context.Context, viewerID, targetProfileID string) (*entity.Conversation, error)
	FetchTranscript(ctx context.Context, viewerID, conversationID string, before *entity.PageCursor, limit int) (*entity.TranscriptPage, error)
	SendMessage(ctx context.Context, viewerID string, draft entity.Draft) (*entity.Message, error)
	EditMessage(ctx context.Context, viewerID, messageID, body string) (*entity.Message, error)
	DeleteMessage(ctx context.Context, viewerID, messageID string) (*entity.Message, error)
	MarkRead(ctx context.Context, viewerID, conversationID string) error
	UploadAttachment(ctx context.Context, in policy.UploadAttachmentInput) (*entity.Draft, error)
}

// ChatHandler handles HTTP requests for conversations and messages
type ChatHandler struct {
	policy        ChatPolicy
	sockets       *ChatSocketHandler
	maxUploadSize int64
	logger        *slog.Logger
}

// NewChatHandler creates a new chat handler. sockets may be nil when the
// realtime endpoint is served elsewhere.
func NewChatHandler(p ChatPolicy, sockets *ChatSocketHandler, maxUploadSize int64, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		policy:        p,
		sockets:       sockets,
		maxUploadSize: maxUploadSize,
		logger:        logger.With("component", "chat_http"),
	}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Get("/conversations", h.ListConversations())
		r.Post("/conversations", h.CreateConversation())
		r.Get("/conversations/{conversationId}", h.GetConversation())

		r.Get("/conversations/{conversationId}/messages", h.GetMessages())
		r.Post("/conversations/{conversationId}/messages", h.SendMessage())
		r.Post("/conversations/{conversationId}/read", h.MarkRead())
		r.Post("/conversations/{conversationId}/attachments", h.UploadAttachment())

		r.Patch("/messages/{messageId}", h.EditMessage())
		r.Delete("/messages/{messageId}", h.DeleteMessage())

		if h.sockets != nil {
			r.Get("/ws", h.sockets.Handle())
		}
	})
}

// viewerID returns the calling profile, from the gateway header or the
// viewer_id query parameter browsers use for websocket upgrades
func viewerID(r *http.Request) string {
	if id := r.Header.Get(ViewerHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("viewer_id")
}

// ListConversationsResponse represents the response for listing conversations
type ListConversationsResponse struct {
	Conversations []entity.Conversation `json:"conversations"`
	TotalUnread   int                   `json:"total_unread"`
}

// ListConversations handles GET /chat/conversations
func (h *ChatHandler) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := h.policy.ListConversations(r.Context(), viewerID(r))
		if err != nil {
			h.handleError(w, err)
			return
		}
		if convs == nil {
			convs = []entity.Conversation{}
		}

		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		response.OK(w, ListConversationsResponse{Conversations: convs, TotalUnread: unread})
	}
}

// CreateConversationRequest represents the request body for create-or-get
type CreateConversationRequest struct {
	TargetProfileID string `json:"target_profile_id"`
}

// CreateConversation handles POST /chat/conversations
func (h *ChatHandler) CreateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid JSON")
			return
		}
		if req.TargetProfileID == "" {
			response.BadRequest(w, "target_profile_id is required")
			return
		}

		conv, err := h.policy.CreateOrGetConversation(r.Context(), viewerID(r), req.TargetProfileID)
		if err != nil {
			h.handleError(w, err)
			return
		}

		response.OK(w, conv)
	}
}

// GetConversation handles GET /chat/conversations/{conversationId}
func (h *ChatHandler) GetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := h.policy.GetConversation(r.Context(), viewerID(r), chi.URLParam(r, "conversationId"))
		if err != nil {
			h.handleError(w, err)
			return
		}
		response.OK(w, conv)
	}
}

// GetMessages handles GET /chat/conversations/{conversationId}/messages
func (h *ChatHandler) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationId")

		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
				limit = parsed
				if limit > 200 {
					limit = 200
				}
			}
		}

		// before and before_id together name the oldest message already held
		var before *entity.PageCursor
		if b := r.URL.Query().Get("before"); b != "" {
			parsed, err := time.Parse(time.RFC3339Nano, b)
			if err != nil {
				response.BadRequest(w, "before must be an RFC3339 timestamp")
				return
			}
			before = &entity.PageCursor{CreatedAt: parsed, ID: r.URL.Query().Get("before_id")}
		}

		page, err := h.policy.FetchTranscript(r.Context(), viewerID(r), conversationID, before, limit)
		if err != nil {
			h.handleError(w, err)
			return
		}

		response.OK(w, page)
	}
}

// SendMessageRequest represents the request body for sending a message
type SendMessageRequest struct {
	Kind          entity.MessageKind `json:"kind"`
	Body          string             `json:"body"`
	AttachmentURL string             `json:"attachment_url"`
}

// SendMessage handles POST /chat/conversations/{conversationId}/messages
func (h *ChatHandler) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid JSON")
			return
		}

		msg, err := h.policy.SendMessage(r.Context(), viewerID(r), entity.Draft{
			ConversationID: chi.URLParam(r, "conversationId"),
			Kind:           req.Kind,
			Body:           req.Body,
			AttachmentURL:  req.AttachmentURL,
		})
		if err != nil {
			h.handleError(w, err)
			return
		}

		response.Created(w, msg)
	}
}

// EditMessageRequest represents the request body for editing a message
type EditMessageRequest struct {
	Body string `json:"body"`
}

// EditMessage handles PATCH /chat/messages/{messageId}
func (h *ChatHandler) EditMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EditMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid JSON")
			return
		}

		msg, err := h.policy.EditMessage(r.Context(), viewerID(r), chi.URLParam(r, "messageId"), req.Body)
		if err != nil {
			h.handleError(w, err)
			return
		}

		response.OK(w, msg)
	}
}

// DeleteMessage handles DELETE /chat/messages/{messageId}
func (h *ChatHandler) DeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.policy.DeleteMessage(r.Context(), viewerID(r), chi.URLParam(r, "messageId")); err != nil {
			h.handleError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// MarkRead handles POST /chat/conversations/{conversationId}/read
func (h *ChatHandler) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.policy.MarkRead(r.Context(), viewerID(r), chi.URLParam(r, "conversationId")); err != nil {
			h.handleError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// UploadAttachment handles POST /chat/conversations/{conversationId}/attachments.
// The response is a draft the client sends as a message.
func (h *ChatHandler) UploadAttachment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

		if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
			response.TooLarge(w, "file too large or invalid multipart form")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			response.BadRequest(w, "missing file in request")
			return
		}
		defer file.Close()

		draft, err := h.policy.UploadAttachment(r.Context(), policy.UploadAttachmentInput{
			ViewerID:       viewerID(r),
			ConversationID: chi.URLParam(r, "conversationId"),
			Filename:       header.Filename,
			ContentType:    header.Header.Get("Content-Type"),
			Size:           header.Size,
			Reader:         file,
		})
		if err != nil {
			h.handleError(w, err)
			return
		}

		response.Created(w, draft)
	}
}

func (h *ChatHandler) handleError(w http.ResponseWriter, err error) {
	status, message := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("chat request failed", "error", err)
	}
	response.Error(w, status, message)
}

// errorStatus maps domain errors to an HTTP status and a client-facing message
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, entity.ErrProfileRequired):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, entity.ErrNotParticipant),
		errors.Is(err, entity.ErrNotSender):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, entity.ErrConversationNotFound),
		errors.Is(err, entity.ErrMessageNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, entity.ErrMessageDeleted):
		return http.StatusConflict, err.Error()
	case errors.Is(err, entity.ErrEmptyMessage),
		errors.Is(err, entity.ErrMessageTooLong),
		errors.Is(err, entity.ErrSelfConversation),
		errors.Is(err, entity.ErrAttachmentRequired),
		errors.Is(err, entity.ErrInvalidKind):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrUnsupportedType):
		return http.StatusBadRequest, fmt.Sprintf("unsupported attachment: %v", err)
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
