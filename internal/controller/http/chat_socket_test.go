package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-social/internal/domain/chat/chattest"
	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/domain/chat/policy"
	"github.com/vadim/neo-social/internal/domain/chat/service"
	"github.com/vadim/neo-social/internal/domain/chat/session"
	"github.com/vadim/neo-social/internal/realtime/broker"
)

type socketEnv struct {
	srv    *httptest.Server
	policy *policy.Policy
	feed   *chattest.Feed
}

func newSocketEnv(t *testing.T) *socketEnv {
	t.Helper()
	logger := discardLogger()
	feed := chattest.NewFeed()
	repos := chattest.NewRepos()
	pol := policy.New(service.New(repos.Conversations(), repos.Messages(), feed, nil, logger))

	sessions := func(viewerID string) *session.Manager {
		b := broker.New(feed, pol, broker.WithLogger(logger))
		return session.NewManager(viewerID, b, pol, session.Config{PendingTimeout: time.Second}, logger)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		NewChatHandler(pol, NewChatSocketHandler(sessions, logger), 1<<20, logger).RegisterRoutes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &socketEnv{srv: srv, policy: pol, feed: feed}
}

func (e *socketEnv) dial(t *testing.T, viewer string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/chat/ws?viewer_id=" + viewer
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

type frame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Code      string           `json:"code"`
	Session   session.Snapshot `json:"session"`
	Message   *entity.Message  `json:"message"`
	Summary   struct {
		Conversations []entity.Conversation `json:"conversations"`
		TotalUnread   int                   `json:"total_unread"`
	} `json:"summary"`
	Transcript struct {
		ConversationID string           `json:"conversation_id"`
		Messages       []entity.Message `json:"messages"`
		Scroll         string           `json:"scroll"`
	} `json:"transcript"`
}

// waitFor reads frames until match accepts one
func waitFor(t *testing.T, ws *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var f frame
		require.NoError(t, ws.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func TestChatSocket_RequiresViewer(t *testing.T) {
	env := newSocketEnv(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/chat/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestChatSocket_IncomingConversationAndMessages(t *testing.T) {
	env := newSocketEnv(t)
	ctx := context.Background()

	ws := env.dial(t, "alice")
	waitFor(t, ws, func(f frame) bool { return f.Type == FrameSession })
	require.Eventually(t, func() bool { return env.feed.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	// bob opens a conversation the session has never seen
	conv, err := env.policy.CreateOrGetConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	_, err = env.policy.SendMessage(ctx, "bob", entity.Draft{ConversationID: conv.ID, Body: "hi alice"})
	require.NoError(t, err)

	f := waitFor(t, ws, func(f frame) bool {
		return f.Type == FrameSummary && len(f.Summary.Conversations) == 1 && f.Summary.TotalUnread == 1
	})
	assert.Equal(t, conv.ID, f.Summary.Conversations[0].ID)

	require.NoError(t, ws.WriteJSON(inboundFrame{Type: FrameSelect, RequestID: "r1", ConversationID: conv.ID}))
	f = waitFor(t, ws, func(f frame) bool { return f.Type == FrameTranscript && len(f.Transcript.Messages) == 1 })
	assert.Equal(t, "hi alice", f.Transcript.Messages[0].Body)
	assert.Equal(t, "bottom", f.Transcript.Scroll)
	waitFor(t, ws, func(f frame) bool { return f.Type == FrameAck && f.RequestID == "r1" })

	require.NoError(t, ws.WriteJSON(inboundFrame{Type: FrameSend, RequestID: "r2", Body: "hey bob"}))
	f = waitFor(t, ws, func(f frame) bool { return f.Type == FrameAck && f.RequestID == "r2" })
	require.NotNil(t, f.Message)
	assert.Equal(t, "alice", f.Message.SenderID)
	assert.Equal(t, conv.ID, f.Message.ConversationID)
}

func TestChatSocket_ErrorFrames(t *testing.T) {
	env := newSocketEnv(t)
	ws := env.dial(t, "alice")
	waitFor(t, ws, func(f frame) bool { return f.Type == FrameSession })

	require.NoError(t, ws.WriteJSON(inboundFrame{Type: "dance", RequestID: "r1"}))
	f := waitFor(t, ws, func(f frame) bool { return f.Type == FrameError && f.RequestID == "r1" })
	assert.Equal(t, "unsupported_type", f.Code)

	require.NoError(t, ws.WriteJSON(inboundFrame{Type: FrameSend, RequestID: "r2", Body: "nobody listening"}))
	f = waitFor(t, ws, func(f frame) bool { return f.Type == FrameError && f.RequestID == "r2" })
	assert.Equal(t, "bad_request", f.Code)

	require.NoError(t, ws.WriteJSON(inboundFrame{Type: FrameRequestChat, RequestID: "r3", TargetProfileID: "alice"}))
	f = waitFor(t, ws, func(f frame) bool { return f.Type == FrameError && f.RequestID == "r3" })
	assert.Equal(t, "bad_request", f.Code)
}

func TestChatSocket_RequestChatResolves(t *testing.T) {
	env := newSocketEnv(t)
	ws := env.dial(t, "alice")
	waitFor(t, ws, func(f frame) bool { return f.Type == FrameSession })

	require.NoError(t, ws.WriteJSON(inboundFrame{Type: FrameRequestChat, RequestID: "r1", TargetProfileID: "bob"}))
	waitFor(t, ws, func(f frame) bool {
		return f.Type == FrameSession && f.Session.State == session.StatePendingResolution
	})
	f := waitFor(t, ws, func(f frame) bool {
		return f.Type == FrameSession && f.Session.State == session.StateActive
	})
	assert.NotEmpty(t, f.Session.ActiveConversationID)
}
