//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/chat-worker/internal/auth"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/identity"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r = r.WithContext(identity.WithPrincipal(r.Context(), &auth.Principal{Identity: "sess:a", RefreshToken: "rotated"}))

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "bad request",
			err:        domain.BadRequest("userMessage is required"),
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"userMessage is required","refreshToken":"rotated"}`,
		},
		{
			name:       "upstream",
			err:        domain.Upstream(503, "busy", errors.New("status 503")),
			wantStatus: http.StatusBadGateway,
			wantBody:   `{"error":"upstream model request failed","refreshToken":"rotated","upstreamStatus":503,"detail":"busy"}`,
		},
		{
			name:       "internal hides cause",
			err:        errors.New("sqlite: disk I/O error"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"internal server error","refreshToken":"rotated"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, r, tc.err)
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			var got, want map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			_ = json.Unmarshal([]byte(tc.wantBody), &want)
			if len(got) != len(want) {
				t.Fatalf("body = %s, want %s", w.Body.String(), tc.wantBody)
			}
			for k, v := range want {
				if got[k] != v {
					t.Fatalf("body[%s] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}
