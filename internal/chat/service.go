package chat

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/chat-worker/internal/auth"
	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/history"
	"github.com/ashureev/chat-worker/internal/metrics"
)

// SessionIDPattern constrains client-chosen session ids.
var SessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Channel names used in transcript events.
const (
	ChannelHTTP = "chat_http"
	ChannelWS   = "chat_ws"
)

// Service runs chat turns against the history store, the search augmenter
// and the model.
type Service struct {
	history        *history.Accessor
	augmenter      Augmenter
	model          Completer
	limiter        *RateLimiter
	transcript     ConversationLogger
	clientSessions bool
	logger         *slog.Logger
}

// Deps collects the collaborators of a Service. Limiter and Transcript may be nil.
type Deps struct {
	History    *history.Accessor
	Augmenter  Augmenter
	Model      Completer
	Limiter    *RateLimiter
	Transcript ConversationLogger
	Logger     *slog.Logger
}

// NewService creates a chat service.
func NewService(cfg *config.Config, deps Deps) *Service {
	s := &Service{
		history:        deps.History,
		augmenter:      deps.Augmenter,
		model:          deps.Model,
		limiter:        deps.Limiter,
		transcript:     deps.Transcript,
		clientSessions: cfg.History.AllowClientSessions,
		logger:         deps.Logger,
	}
	if s.transcript == nil {
		s.transcript = noopConversationLogger{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Turn processes one user message. History is only written when the model
// call succeeds.
func (s *Service) Turn(ctx context.Context, p *auth.Principal, req TurnRequest, channel string) (*TurnResult, error) {
	res, err := s.turn(ctx, p, req, channel)
	metrics.ChatTurns.WithLabelValues(outcome(err)).Inc()
	return res, err
}

func (s *Service) turn(ctx context.Context, p *auth.Principal, req TurnRequest, channel string) (*TurnResult, error) {
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, domain.BadRequest("userMessage is required")
	}
	if utf8.RuneCountInString(req.UserMessage) > config.MaxUserMessageChars {
		return nil, domain.TooLarge("userMessage too long")
	}
	sanitized := Sanitize(req.UserMessage)
	if sanitized == "" {
		return nil, domain.BadRequest("userMessage is required")
	}

	key, err := s.resolveKey(ctx, p, req.SessionID)
	if err != nil {
		return nil, err
	}

	if s.limiter != nil && !s.limiter.Allow(p.Identity) {
		return nil, domain.TooManyAttempts("rate limit exceeded")
	}

	msgs, err := s.history.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	userMsg := domain.Message{Role: domain.RoleUser, Content: sanitized}
	s.log(p, key, channel, "inbound", "chat_user_message", req.UserMessage, nil)

	refs := s.augmenter.Augment(ctx, sanitized)
	prompt := buildPrompt(msgs, userMsg, refs)

	reply, err := s.model.Complete(ctx, prompt)
	if err != nil {
		de := domain.AsError(err)
		s.logger.Warn("Model call failed", "identity", p.Identity, "session_key", key,
			"upstream_status", de.UpstreamStatus, "error", err)
		s.log(p, key, channel, "outbound", "chat_upstream_error", de.Detail,
			map[string]any{"upstream_status": de.UpstreamStatus})
		return nil, err
	}

	stored, err := s.history.Append(ctx, key, userMsg,
		domain.Message{Role: domain.RoleAssistant, Content: reply.Refined})
	if err != nil {
		return nil, err
	}
	metrics.HistoryLength.Observe(float64(len(stored)))
	s.log(p, key, channel, "outbound", "chat_assistant_message", reply.Raw,
		map[string]any{"latency_ms": reply.Latency.Milliseconds()})

	return &TurnResult{
		Original:      req.UserMessage,
		Sanitized:     sanitized,
		Context:       refs,
		Reply:         reply,
		HistoryLength: len(stored),
		SessionKey:    key,
	}, nil
}

// Clear deletes the history the caller is bound to.
func (s *Service) Clear(ctx context.Context, p *auth.Principal, sessionID string) error {
	key, err := s.resolveKey(ctx, p, sessionID)
	if err != nil {
		return err
	}
	if err := s.history.Clear(ctx, key); err != nil {
		return err
	}
	s.logger.Info("History cleared", "identity", p.Identity, "session_key", key)
	return nil
}

// History returns the stored history the caller is bound to.
func (s *Service) History(ctx context.Context, p *auth.Principal, sessionID string) ([]domain.Message, error) {
	key, err := s.resolveKey(ctx, p, sessionID)
	if err != nil {
		return nil, err
	}
	return s.history.Read(ctx, key)
}

// resolveKey picks the history key. Client session ids are only honoured
// when enabled, and are bound to the first identity that uses them.
func (s *Service) resolveKey(ctx context.Context, p *auth.Principal, sessionID string) (string, error) {
	if !s.clientSessions || sessionID == "" {
		return history.IdentityKey(p.Identity), nil
	}
	if !SessionIDPattern.MatchString(sessionID) {
		return "", domain.BadRequest("invalid sessionId")
	}
	if err := s.history.ClaimOwner(ctx, sessionID, p.Identity); err != nil {
		return "", err
	}
	return history.SessionKey(sessionID), nil
}

// buildPrompt is the message list sent to the model: the reference context
// as a leading system message when present, the stored history, then the new
// user message. The context message is never persisted.
func buildPrompt(msgs []domain.Message, user domain.Message, refs string) []domain.Message {
	out := make([]domain.Message, 0, len(msgs)+2)
	if refs != "" {
		out = append(out, domain.Message{
			Role:    domain.RoleSystem,
			Content: "Relevant reference material:\n" + refs,
		})
	}
	out = append(out, msgs...)
	return append(out, user)
}

// Sanitize trims s and removes control characters other than newline and tab.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func (s *Service) log(p *auth.Principal, key, channel, direction, eventType, content string, meta map[string]any) {
	s.transcript.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     p.Identity,
		SessionID:  key,
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch domain.AsError(err).Kind {
	case domain.KindUpstream:
		return "upstream_error"
	case domain.KindInternal:
		return "error"
	default:
		return "rejected"
	}
}
