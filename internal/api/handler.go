// Package api provides the HTTP handlers and router for the chat worker.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/identity"
	"github.com/ashureev/chat-worker/internal/shared"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	shared.WriteJSON(w, status, v)
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	shared.WriteError(w, status, message)
}

// errorBody is the error envelope.
type errorBody struct {
	Error          string `json:"error"`
	RefreshToken   string `json:"refreshToken,omitempty"`
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// WriteError maps err onto the error envelope. A refresh token computed for
// the request is always carried so rotation is not lost on failures.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	de := domain.AsError(err)
	status := de.HTTPStatus()

	body := errorBody{
		Error:        de.Message,
		RefreshToken: identity.RefreshTokenFromContext(r.Context()),
	}
	if de.Kind == domain.KindUpstream {
		body.UpstreamStatus = de.UpstreamStatus
		body.Detail = de.Detail
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"request_id", chimw.GetReqID(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	JSON(w, status, body)
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched when optional is set.
func decodeJSON(r *http.Request, v interface{}, optional bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return nil
		}
		return domain.BadRequest("request body is required")
	}
	err := json.NewDecoder(r.Body).Decode(v)
	var maxErr *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &maxErr):
		return domain.TooLarge("request body too large")
	case errors.Is(err, io.EOF) && optional:
		return nil
	case errors.Is(err, io.EOF):
		return domain.BadRequest("request body is required")
	default:
		return domain.BadRequest("invalid JSON body")
	}
}
