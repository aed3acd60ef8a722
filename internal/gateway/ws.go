// ABOUTME: WebSocket endpoint attaching clients to a thread's live fan-out
// ABOUTME: Inbound frames carry message submissions, typing, and read markers

package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cyberiad/cyberiad/internal/auth"
	"github.com/cyberiad/cyberiad/internal/hub"
	"github.com/cyberiad/cyberiad/internal/session"
)

// inboundFrame is one client-to-server WebSocket message.
type inboundFrame struct {
	Type              string   `json:"type"`
	Content           string   `json:"content,omitempty"`
	ParentID          *string  `json:"parent_id,omitempty"`
	ClientGeneratedID string   `json:"client_generated_id,omitempty"`
	RequestedAgents   []string `json:"requested_agents,omitempty"`
	MessageID         string   `json:"message_id,omitempty"`
}

// errorFrame tells the client a frame was rejected without closing the socket.
type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// wsConn adapts a WebSocket connection to the hub's Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, event *hub.Event) error {
	return wsjson.Write(ctx, c.conn, event)
}

// handleWebSocket upgrades the request and attaches the caller to the
// thread's live stream. Backfill happens inside Connect, before any live
// event is delivered. The read loop runs on the handler goroutine; returning
// tears the session down.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	threadID := r.PathValue("id")

	wc, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer wc.CloseNow()

	conn := &wsConn{conn: wc}
	sessionID, err := g.coordinator.Connect(r.Context(), threadID, authCtx.UserID, conn)
	if err != nil {
		code := websocket.StatusInternalError
		if errors.Is(err, session.ErrNotParticipant) {
			code = websocket.StatusPolicyViolation
		}
		wc.Close(code, err.Error())
		return
	}
	defer g.coordinator.Disconnect(threadID, sessionID)

	g.logger.Info("websocket attached",
		"thread_id", threadID,
		"user_id", authCtx.UserID,
		"session_id", sessionID)

	for {
		var frame inboundFrame
		if err := wsjson.Read(r.Context(), wc, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			g.logger.Debug("websocket read ended",
				"session_id", sessionID,
				"error", err)
			return
		}
		g.handleFrame(r.Context(), wc, threadID, authCtx.UserID, &frame)
	}
}

// handleFrame dispatches one inbound frame. Rejections are reported back on
// the socket; the connection itself stays up.
func (g *Gateway) handleFrame(ctx context.Context, wc *websocket.Conn, threadID, userID string, frame *inboundFrame) {
	switch frame.Type {
	case "message":
		_, err := g.coordinator.SubmitMessage(ctx, &session.SubmitRequest{
			ThreadID:          threadID,
			UserID:            userID,
			Content:           frame.Content,
			ParentID:          frame.ParentID,
			ClientGeneratedID: frame.ClientGeneratedID,
			RequestedAgents:   frame.RequestedAgents,
		})
		if err != nil {
			g.sendError(ctx, wc, err)
		}
	case "typing":
		g.coordinator.Typing(threadID, userID)
	case "read":
		if frame.MessageID == "" {
			g.sendError(ctx, wc, errors.New("read frame requires message_id"))
			return
		}
		if err := g.coordinator.MarkRead(ctx, threadID, userID, frame.MessageID); err != nil {
			g.sendError(ctx, wc, err)
		}
	default:
		g.sendError(ctx, wc, errors.New("unknown frame type: "+frame.Type))
	}
}

func (g *Gateway) sendError(ctx context.Context, wc *websocket.Conn, err error) {
	if werr := wsjson.Write(ctx, wc, errorFrame{Type: "error", Error: err.Error()}); werr != nil {
		g.logger.Debug("websocket error frame not delivered",
			"error", werr,
			"cause", err)
	}
}
