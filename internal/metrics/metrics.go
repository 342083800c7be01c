// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_worker"

var (
	// ChatTurns counts chat turns by outcome (ok, rejected, upstream_error, error).
	ChatTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_turns_total",
		Help:      "Chat turns processed, by outcome.",
	}, []string{"outcome"})

	// ModelLatency observes the wall-clock duration of chat-completion calls.
	ModelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_request_duration_seconds",
		Help:      "Latency of upstream chat-completion requests.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
	}, []string{"status"})

	// SearchRequests counts context augmentation calls by outcome
	// (hit, empty, error, timeout, disabled).
	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_requests_total",
		Help:      "Vector-search augmentation calls, by outcome.",
	}, []string{"outcome"})

	// LoginAttempts counts password logins by outcome (success, failure, locked).
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_attempts_total",
		Help:      "Password login attempts, by outcome.",
	}, []string{"outcome"})

	// HistoryLength observes the stored history length after each turn.
	HistoryLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "history_length",
		Help:      "Stored history length after a chat turn.",
		Buckets:   prometheus.LinearBuckets(1, 4, 10),
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
