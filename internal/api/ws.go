package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/chat-worker/internal/auth"
	"github.com/ashureev/chat-worker/internal/chat"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// wsError is the error frame: the HTTP error envelope plus the status it
// would have had.
type wsError struct {
	errorBody
	Status int `json:"status"`
}

// WebSocketHandler runs chat turns over a WebSocket. Each text frame is a
// chat request body; each reply frame is the chat response envelope.
type WebSocketHandler struct {
	svc       *chat.Service
	readLimit int64
}

// NewWebSocketHandler creates a WebSocket chat handler. readLimit caps a
// single inbound frame.
func NewWebSocketHandler(svc *chat.Service, readLimit int64) *WebSocketHandler {
	return &WebSocketHandler{svc: svc, readLimit: readLimit}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := identity.PrincipalFromContext(r.Context())
	if p == nil {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	slog.Info("WebSocket connection request", "identity", p.Identity, "ip", identity.IPFromRequest(r))

	// Origin is already checked by the request guard.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "identity", p.Identity)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "identity", p.Identity)
		}
	}()
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}

	h.readLoop(r.Context(), ws, p)
	slog.Info("WebSocket chat ended", "identity", p.Identity)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, p *auth.Principal) {
	for {
		typ, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "identity", p.Identity)
			} else {
				slog.Warn("WebSocket read error", "error", err, "identity", p.Identity)
			}
			return
		}
		if typ != websocket.MessageText {
			if err := h.writeError(ctx, ws, p, domain.UnsupportedMediaType("frames must be JSON text")); err != nil {
				return
			}
			continue
		}

		var req chat.TurnRequest
		if err := json.Unmarshal(message, &req); err != nil {
			if err := h.writeError(ctx, ws, p, domain.BadRequest("invalid JSON body")); err != nil {
				return
			}
			continue
		}

		res, err := h.svc.Turn(ctx, p, req, chat.ChannelWS)
		if err != nil {
			if err := h.writeError(ctx, ws, p, err); err != nil {
				return
			}
			continue
		}
		if err := h.writeJSON(ctx, ws, BuildChatResponse(res, p)); err != nil {
			slog.Debug("Failed to write chat frame", "error", err, "identity", p.Identity)
			return
		}
	}
}

func (h *WebSocketHandler) writeError(ctx context.Context, ws *websocket.Conn, p *auth.Principal, err error) error {
	de := domain.AsError(err)
	frame := wsError{
		errorBody: errorBody{Error: de.Message, RefreshToken: p.RefreshToken},
		Status:    de.HTTPStatus(),
	}
	if de.Kind == domain.KindUpstream {
		frame.UpstreamStatus = de.UpstreamStatus
		frame.Detail = de.Detail
	}
	if frame.Status >= http.StatusInternalServerError {
		slog.Error("WebSocket turn failed", "identity", p.Identity, "status", frame.Status, "error", err)
	}
	return h.writeJSON(ctx, ws, frame)
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
