package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/chat-worker/internal/auth"
	"github.com/ashureev/chat-worker/internal/chat"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/identity"
)

// ChatResponse is the success envelope of a chat turn.
type ChatResponse struct {
	Input        ChatInput        `json:"input"`
	Output       ChatOutput       `json:"output"`
	NonSensitive ChatNonSensitive `json:"nonSensitive"`
	RefreshToken string           `json:"refreshToken,omitempty"`
	User         *domain.UserInfo `json:"user,omitempty"`
}

// ChatInput echoes the request.
type ChatInput struct {
	Original  string `json:"original"`
	Sanitized string `json:"sanitized"`
	// Embeddings is reserved and always empty.
	Embeddings []float32 `json:"embeddings"`
}

// ChatOutput carries the model reply.
type ChatOutput struct {
	Raw     string          `json:"raw"`
	Refined string          `json:"refined"`
	Choices json.RawMessage `json:"choices"`
}

// ChatNonSensitive is safe to show to the end user.
type ChatNonSensitive struct {
	Context string      `json:"context"`
	Metrics ChatMetrics `json:"metrics"`
}

// ChatMetrics describes the turn.
type ChatMetrics struct {
	LatencyMs     int64 `json:"latencyMs"`
	HistoryLength int   `json:"historyLength"`
	// Hallucination is reserved and always false.
	Hallucination bool `json:"hallucination"`
}

// BuildChatResponse assembles the success envelope for a turn.
func BuildChatResponse(res *chat.TurnResult, p *auth.Principal) ChatResponse {
	resp := ChatResponse{
		Input: ChatInput{
			Original:   res.Original,
			Sanitized:  res.Sanitized,
			Embeddings: []float32{},
		},
		NonSensitive: ChatNonSensitive{
			Context: res.Context,
			Metrics: ChatMetrics{
				LatencyMs:     res.Latency().Milliseconds(),
				HistoryLength: res.HistoryLength,
			},
		},
	}
	if res.Reply != nil {
		resp.Output = ChatOutput{Raw: res.Reply.Raw, Refined: res.Reply.Refined, Choices: res.Reply.Choices}
	}
	if len(resp.Output.Choices) == 0 {
		resp.Output.Choices = json.RawMessage("[]")
	}
	if p != nil {
		resp.RefreshToken = p.RefreshToken
		resp.User = p.User
	}
	return resp
}

// ChatHandler serves the chat, clear and history endpoints.
type ChatHandler struct {
	svc *chat.Service
}

// NewChatHandler creates a chat handler.
func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// RegisterRoutes registers the protected chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Chat)
	r.Post("/chat", h.Chat)
	r.Post("/clear", h.Clear)
	r.Get("/history", h.History)
	r.Post("/history", h.History)
}

// Chat handles one chat turn.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	p := identity.PrincipalFromContext(r.Context())
	if p == nil {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req chat.TurnRequest
	if err := decodeJSON(r, &req, false); err != nil {
		WriteError(w, r, err)
		return
	}

	res, err := h.svc.Turn(r.Context(), p, req, chat.ChannelHTTP)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	slog.Info("Chat turn completed",
		"request_id", chimw.GetReqID(r.Context()),
		"identity", p.Identity,
		"session_key", res.SessionKey,
		"history_length", res.HistoryLength,
		"latency_ms", res.Latency().Milliseconds(),
	)
	JSON(w, http.StatusOK, BuildChatResponse(res, p))
}

// Clear deletes the caller's history.
func (h *ChatHandler) Clear(w http.ResponseWriter, r *http.Request) {
	p := identity.PrincipalFromContext(r.Context())
	if p == nil {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req chat.SessionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.svc.Clear(r.Context(), p, req.SessionID); err != nil {
		WriteError(w, r, err)
		return
	}

	body := map[string]interface{}{"status": "cleared"}
	if p.RefreshToken != "" {
		body["refreshToken"] = p.RefreshToken
	}
	JSON(w, http.StatusOK, body)
}

// History returns the caller's stored history. The session id comes from
// the query string on GET and from the optional body on POST.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	p := identity.PrincipalFromContext(r.Context())
	if p == nil {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	req := chat.SessionRequest{SessionID: r.URL.Query().Get("sessionId")}
	if r.Method == http.MethodPost {
		if err := decodeJSON(r, &req, true); err != nil {
			WriteError(w, r, err)
			return
		}
	}

	msgs, err := h.svc.History(r.Context(), p, req.SessionID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	body := map[string]interface{}{"history": msgs}
	if p.RefreshToken != "" {
		body["refreshToken"] = p.RefreshToken
	}
	JSON(w, http.StatusOK, body)
}
