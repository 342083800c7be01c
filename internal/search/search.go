// Package search augments prompts with results from an external
// vector-search service. Augmentation is best effort: every failure degrades
// to an empty context.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/metrics"
)

// maxResponseBytes bounds how much of a search response is read.
const maxResponseBytes = 1 << 20

// Result is one match returned by the search service.
type Result struct {
	Name        string `json:"name"`
	Use         string `json:"use"`
	SideEffects string `json:"sideEffects"`
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"topK,omitempty"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// Client calls the search endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	topK       int
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client from the search section of cfg. A nil
// httpClient uses http.DefaultClient.
func NewClient(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   cfg.Search.URL,
		apiKey:     cfg.Search.APIKey,
		topK:       cfg.Search.TopK,
		timeout:    cfg.Search.Timeout,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Augment returns formatted context for query, or "" when the service is
// disabled, returns nothing, or fails in any way.
func (c *Client) Augment(ctx context.Context, query string) string {
	if c.endpoint == "" {
		metrics.SearchRequests.WithLabelValues("disabled").Inc()
		return ""
	}

	results, err := c.Search(ctx, query)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.SearchRequests.WithLabelValues(outcome).Inc()
		c.logger.Warn("Search augmentation failed, continuing without context", "error", err)
		return ""
	}
	if len(results) == 0 {
		metrics.SearchRequests.WithLabelValues("empty").Inc()
		return ""
	}

	metrics.SearchRequests.WithLabelValues("hit").Inc()
	return Format(results)
}

// Search performs one time-bounded query.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(searchRequest{Query: query, TopK: c.topK})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close search response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	return decodeResults(data)
}

// decodeResults accepts either {"results":[...]} or a bare array.
func decodeResults(data []byte) ([]Result, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var results []Result
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("decode search results: %w", err)
		}
		return results, nil
	}

	var resp searchResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return resp.Results, nil
}

// Format renders results as one bullet per line.
func Format(results []Result) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("- %s: %s (side effects: %s)",
			orDefault(r.Name, "Unknown"),
			orDefault(r.Use, "No description"),
			orDefault(r.SideEffects, "None listed"),
		))
	}
	return strings.Join(lines, "\n")
}

func orDefault(s, fallback string) string {
	if s = strings.TrimSpace(s); s == "" {
		return fallback
	}
	return s
}
