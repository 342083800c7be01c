// Package chat implements the chat-turn pipeline: history load, context
// augmentation, model call and history persistence.
package chat

import (
	"context"
	"time"

	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/llm"
)

// TurnRequest is the body of a chat turn.
type TurnRequest struct {
	UserMessage string `json:"userMessage"`
	SessionID   string `json:"sessionId,omitempty"`
}

// SessionRequest is the optional body of clear and history calls.
type SessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

// TurnResult is everything the response assembler needs from a turn.
type TurnResult struct {
	Original      string
	Sanitized     string
	Context       string
	Reply         *llm.Result
	HistoryLength int
	SessionKey    string
}

// Latency is the model call duration.
func (r *TurnResult) Latency() time.Duration {
	if r.Reply == nil {
		return 0
	}
	return r.Reply.Latency
}

// Augmenter produces reference context for a user message. It never fails;
// an empty string means no context.
type Augmenter interface {
	Augment(ctx context.Context, query string) string
}

// Completer sends a history to the model.
type Completer interface {
	Complete(ctx context.Context, msgs []domain.Message) (*llm.Result, error)
}
