package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vadim/neo-social/internal/domain/chat/entity"
	"github.com/vadim/neo-social/internal/domain/chat/session"
	"github.com/vadim/neo-social/internal/domain/chat/summary"
	"github.com/vadim/neo-social/internal/domain/chat/transcript"
	"github.com/vadim/neo-social/internal/httpx/response"
	"github.com/vadim/neo-social/internal/realtime/wsconn"
)

const (
	defaultReadTimeout = 60 * time.Second
	readLimit          = 1 << 20
)

// SessionFactory builds an unopened session for a viewer
type SessionFactory func(viewerID string) *session.Manager

// ChatSocketHandler serves the realtime chat endpoint. Each socket drives one
// viewer session; state changes are pushed back as frames.
type ChatSocketHandler struct {
	sessions        SessionFactory
	upgrader        websocket.Upgrader
	inflightTimeout time.Duration
	logger          *slog.Logger
}

// NewChatSocketHandler creates a new websocket handler
func NewChatSocketHandler(sessions SessionFactory, logger *slog.Logger) *ChatSocketHandler {
	return &ChatSocketHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		inflightTimeout: 10 * time.Second,
		logger:          logger.With("component", "chat_socket"),
	}
}

// Inbound frame types
const (
	FrameSelect      = "select"
	FrameRequestChat = "request_chat"
	FrameSend        = "send"
	FrameEdit        = "edit"
	FrameDelete      = "delete"
	FrameMarkRead    = "mark_read"
	FrameLoadEarlier = "load_earlier"
	FrameViewport    = "viewport"
)

// Outbound frame types
const (
	FrameSession    = "session"
	FrameSummary    = "summary"
	FrameTranscript = "transcript"
	FrameAck        = "ack"
	FrameError      = "error"
)

type inboundFrame struct {
	Type            string               `json:"type"`
	RequestID       string               `json:"request_id,omitempty"`
	ConversationID  string               `json:"conversation_id,omitempty"`
	TargetProfileID string               `json:"target_profile_id,omitempty"`
	MessageID       string               `json:"message_id,omitempty"`
	Kind            entity.MessageKind   `json:"kind,omitempty"`
	Body            string               `json:"body,omitempty"`
	AttachmentURL   string               `json:"attachment_url,omitempty"`
	Viewport        *transcript.Viewport `json:"viewport,omitempty"`
}

type sessionFrame struct {
	Type    string           `json:"type"`
	Session session.Snapshot `json:"session"`
}

type summaryFrame struct {
	Type    string       `json:"type"`
	Summary summary.List `json:"summary"`
}

type transcriptFrame struct {
	Type       string          `json:"type"`
	Transcript transcript.View `json:"transcript"`
}

type ackFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Message   *entity.Message `json:"message,omitempty"`
}

type errorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

// Handle upgrades the connection and runs the viewer session until the client disconnects
func (h *ChatSocketHandler) Handle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewer := viewerID(r)
		if viewer == "" {
			response.BadRequest(w, "viewer_id is required")
			return
		}

		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the response
			h.logger.Debug("websocket upgrade failed", "error", err)
			return
		}

		conn := wsconn.New(viewer, ws)
		conn.Start()
		logger := h.logger.With("viewer_id", viewer, "conn_id", conn.ID)

		mgr := h.sessions(viewer)
		unsubscribe := []func(){
			mgr.OnChange(func(s session.Snapshot) {
				_ = conn.SendJSON(sessionFrame{Type: FrameSession, Session: s})
			}),
			mgr.Summary().OnUpdate(func(l summary.List) {
				_ = conn.SendJSON(summaryFrame{Type: FrameSummary, Summary: l})
			}),
			mgr.Transcript().OnRender(func(v transcript.View) {
				_ = conn.SendJSON(transcriptFrame{Type: FrameTranscript, Transcript: v})
			}),
		}

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer func() {
			cancel()
			mgr.Close()
			for _, fn := range unsubscribe {
				fn()
			}
			conn.Close(websocket.CloseNormalClosure, "session closed")
			conn.Wait()
			logger.Info("chat socket closed")
		}()

		if err := mgr.Open(ctx); err != nil {
			h.replyError(conn, "", err)
			return
		}
		_ = conn.SendJSON(sessionFrame{Type: FrameSession, Session: mgr.Snapshot()})
		logger.Info("chat socket opened")

		ws.SetReadLimit(readLimit)
		_ = ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		})

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
					!errors.Is(err, websocket.ErrCloseSent) {
					logger.Debug("websocket read ended", "error", err)
				}
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))

			var frame inboundFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				_ = conn.SendJSON(errorFrame{Type: FrameError, Code: "bad_request", Error: "invalid payload"})
				continue
			}
			h.dispatch(ctx, conn, mgr, frame)
		}
	}
}

func (h *ChatSocketHandler) dispatch(ctx context.Context, conn *wsconn.Conn, mgr *session.Manager, frame inboundFrame) {
	ctx, cancel := context.WithTimeout(ctx, h.inflightTimeout)
	defer cancel()

	var (
		msg *entity.Message
		err error
	)

	switch frame.Type {
	case FrameSelect:
		err = mgr.SelectConversation(ctx, frame.ConversationID)
	case FrameRequestChat:
		err = mgr.RequestNewConversation(ctx, frame.TargetProfileID)
	case FrameSend:
		msg, err = mgr.SendMessage(ctx, entity.Draft{
			ConversationID: frame.ConversationID,
			Kind:           frame.Kind,
			Body:           frame.Body,
			AttachmentURL:  frame.AttachmentURL,
		})
	case FrameEdit:
		msg, err = mgr.EditMessage(ctx, frame.MessageID, frame.Body)
	case FrameDelete:
		err = mgr.DeleteMessage(ctx, frame.MessageID)
	case FrameMarkRead:
		err = mgr.MarkRead(ctx)
	case FrameLoadEarlier:
		err = mgr.LoadEarlier(ctx)
	case FrameViewport:
		if frame.Viewport == nil {
			_ = conn.SendJSON(errorFrame{Type: FrameError, RequestID: frame.RequestID, Code: "bad_request", Error: "viewport is required"})
			return
		}
		mgr.UpdateViewport(*frame.Viewport)
		return
	default:
		_ = conn.SendJSON(errorFrame{Type: FrameError, RequestID: frame.RequestID, Code: "unsupported_type", Error: "unknown frame type"})
		return
	}

	if err != nil {
		h.replyError(conn, frame.RequestID, err)
		return
	}
	if frame.RequestID != "" {
		_ = conn.SendJSON(ackFrame{Type: FrameAck, RequestID: frame.RequestID, Message: msg})
	}
}

func (h *ChatSocketHandler) replyError(conn *wsconn.Conn, requestID string, err error) {
	code, message := socketErrorCode(err)
	if code == "internal_error" {
		h.logger.Error("chat socket request failed", "viewer_id", conn.ViewerID, "error", err)
	}
	_ = conn.SendJSON(errorFrame{Type: FrameError, RequestID: requestID, Code: code, Error: message})
}

func socketErrorCode(err error) (string, string) {
	switch {
	case errors.Is(err, session.ErrNoActiveConversation):
		return "bad_request", err.Error()
	case errors.Is(err, session.ErrClosed):
		return "closed", err.Error()
	}

	status, message := errorStatus(err)
	switch status {
	case http.StatusBadRequest:
		return "bad_request", message
	case http.StatusUnauthorized:
		return "unauthorized", message
	case http.StatusForbidden:
		return "forbidden", message
	case http.StatusNotFound:
		return "not_found", message
	case http.StatusConflict:
		return "conflict", message
	default:
		return "internal_error", message
	}
}
