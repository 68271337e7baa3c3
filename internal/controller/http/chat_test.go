package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-social/internal/domain/chat/chattest"
	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/domain/chat/policy"
	"github.com/vadim/neo-social/internal/domain/chat/service"
	"github.com/vadim/neo-social/internal/httpx/response"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newChatRouter(t *testing.T) http.Handler {
	t.Helper()
	repos := chattest.NewRepos()
	svc := service.New(repos.Conversations(), repos.Messages(), &chattest.Publisher{}, nil, discardLogger())

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		NewChatHandler(policy.New(svc), nil, 1<<20, discardLogger()).RegisterRoutes(r)
	})
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, viewer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if viewer != "" {
		req.Header.Set(ViewerHeader, viewer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatHandler_ConversationFlow(t *testing.T) {
	h := newChatRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/chat/conversations", "alice", CreateConversationRequest{TargetProfileID: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	var conv entity.Conversation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conv))
	require.NotEmpty(t, conv.ID)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/chat/conversations/"+conv.ID+"/messages", "bob", SendMessageRequest{Body: "hello alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg entity.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msg))
	assert.Equal(t, "bob", msg.SenderID)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/chat/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListConversationsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, 1, list.TotalUnread)
	assert.Equal(t, "hello alice", list.Conversations[0].LastMessagePreview)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/chat/conversations/"+conv.ID+"/messages?limit=10", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page entity.TranscriptPage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msg.ID, page.Messages[0].ID)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/chat/conversations/"+conv.ID+"/read", "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestChatHandler_EditAndDelete(t *testing.T) {
	h := newChatRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/chat/conversations", "alice", CreateConversationRequest{TargetProfileID: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	var conv entity.Conversation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conv))

	rec = doJSON(t, h, http.MethodPost, "/api/v1/chat/conversations/"+conv.ID+"/messages", "alice", SendMessageRequest{Body: "typo"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg entity.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msg))

	rec = doJSON(t, h, http.MethodPatch, "/api/v1/chat/messages/"+msg.ID, "bob", EditMessageRequest{Body: "hijack"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPatch, "/api/v1/chat/messages/"+msg.ID, "alice", EditMessageRequest{Body: "fixed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/chat/messages/"+msg.ID, "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodPatch, "/api/v1/chat/messages/"+msg.ID, "alice", EditMessageRequest{Body: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestChatHandler_Errors(t *testing.T) {
	h := newChatRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		viewer string
		body   any
		want   int
	}{
		{name: "no viewer", method: http.MethodGet, path: "/api/v1/chat/conversations", want: http.StatusUnauthorized},
		{name: "self conversation", method: http.MethodPost, path: "/api/v1/chat/conversations", viewer: "alice", body: CreateConversationRequest{TargetProfileID: "alice"}, want: http.StatusBadRequest},
		{name: "missing target", method: http.MethodPost, path: "/api/v1/chat/conversations", viewer: "alice", body: CreateConversationRequest{}, want: http.StatusBadRequest},
		{name: "unknown conversation", method: http.MethodGet, path: "/api/v1/chat/conversations/nope/messages", viewer: "alice", want: http.StatusNotFound},
		{name: "bad before", method: http.MethodGet, path: "/api/v1/chat/conversations/nope/messages?before=yesterday", viewer: "alice", want: http.StatusBadRequest},
		{name: "unknown message", method: http.MethodDelete, path: "/api/v1/chat/messages/nope", viewer: "alice", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, tt.method, tt.path, tt.viewer, tt.body)
			assert.Equal(t, tt.want, rec.Code)

			var body response.ErrorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestChatHandler_OutsiderCannotRead(t *testing.T) {
	h := newChatRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/chat/conversations", "alice", CreateConversationRequest{TargetProfileID: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	var conv entity.Conversation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conv))

	rec = doJSON(t, h, http.MethodGet, "/api/v1/chat/conversations/"+conv.ID+"/messages", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
