// Package llm calls the external chat-completion service.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/metrics"
	"github.com/sashabaranov/go-openai"
)

// NoReplyPlaceholder is returned when the response carries no reply text.
const NoReplyPlaceholder = "(no reply)"

const (
	maxResponseBytes = 4 << 20
	maxDetailBytes   = 4 << 10
)

// Result is the transient outcome of one completion call.
type Result struct {
	Raw     string
	Refined string
	Choices json.RawMessage
	Latency time.Duration
}

// Client sends chat histories to an OpenAI-compatible completion endpoint.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float32
	timeout     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a client from the model section of cfg. A nil httpClient
// uses http.DefaultClient.
func NewClient(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:    cfg.Model.URL,
		apiKey:      cfg.Model.APIKey,
		model:       cfg.Model.Name,
		temperature: cfg.Model.Temperature,
		timeout:     cfg.Model.Timeout,
		httpClient:  httpClient,
		logger:      logger,
	}
}

type completionChoice struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Text string `json:"text"`
}

type completionResponse struct {
	Choices json.RawMessage `json:"choices"`
	Reply   string          `json:"reply"`
}

// Complete sends msgs and returns the reply. A non-2xx answer is an
// Upstream error carrying the status and a truncated body. Calls are not retried.
func (c *Client) Complete(ctx context.Context, msgs []domain.Message) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(c.buildRequest(msgs))
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ModelLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, domain.Upstream(0, "model service unreachable", fmt.Errorf("completion request: %w", err))
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close completion response body", "error", closeErr)
		}
	}()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	latency := time.Since(start)
	metrics.ModelLatency.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(latency.Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Model request failed", "status", resp.StatusCode, "latency_ms", latency.Milliseconds())
		return nil, domain.Upstream(resp.StatusCode, truncate(string(data), maxDetailBytes),
			fmt.Errorf("model returned status %d", resp.StatusCode))
	}
	if readErr != nil {
		return nil, domain.Upstream(resp.StatusCode, "failed to read model response", readErr)
	}

	raw, choices, err := extractReply(data)
	if err != nil {
		return nil, domain.Upstream(resp.StatusCode, "malformed model response", err)
	}

	return &Result{
		Raw:     raw,
		Refined: strings.TrimSpace(raw),
		Choices: choices,
		Latency: latency,
	}, nil
}

// completionRequest always carries temperature; the embedded field omits a
// zero value, which upstreams read as their own default.
type completionRequest struct {
	openai.ChatCompletionRequest
	Temperature float32 `json:"temperature"`
}

func (c *Client) buildRequest(msgs []domain.Message) completionRequest {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return completionRequest{
		ChatCompletionRequest: openai.ChatCompletionRequest{
			Model:    c.model,
			Messages: out,
		},
		Temperature: c.temperature,
	}
}

// extractReply picks the reply text from the first choice's message content,
// then its legacy text field, then a top-level reply field, then the placeholder.
func extractReply(data []byte) (string, json.RawMessage, error) {
	var resp completionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nil, fmt.Errorf("decode completion response: %w", err)
	}

	var choices []completionChoice
	if len(resp.Choices) > 0 {
		// A choices field of the wrong shape falls through to the other sources.
		_ = json.Unmarshal(resp.Choices, &choices)
	}

	if len(choices) > 0 {
		first := choices[0]
		if first.Message != nil && first.Message.Content != "" {
			return first.Message.Content, resp.Choices, nil
		}
		if first.Text != "" {
			return first.Text, resp.Choices, nil
		}
	}
	if resp.Reply != "" {
		return resp.Reply, resp.Choices, nil
	}
	return NoReplyPlaceholder, resp.Choices, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
