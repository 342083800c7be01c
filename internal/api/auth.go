package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ashureev/chat-worker/internal/auth"
	"github.com/ashureev/chat-worker/internal/chat"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/identity"
)

// validate checks request bodies; "username" and "sessionid" are registered
// alongside the built-in tags.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	mustRegister(v, "username", func(fl validator.FieldLevel) bool {
		return auth.UsernamePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "sessionid", func(fl validator.FieldLevel) bool {
		return chat.SessionIDPattern.MatchString(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}

// CredentialsRequest is the body of signup and login.
type CredentialsRequest struct {
	Username string `json:"username" validate:"required,username"`
	Password string `json:"password" validate:"required,min=8,max=256"`
}

type tokenQuery struct {
	SessionID string `validate:"sessionid"`
}

// validationError turns the first failed field into a client message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.BadRequest("invalid request")
	}
	switch verrs[0].Field() {
	case "Username":
		return domain.BadRequest("username must be 3-64 characters of letters, digits, '_' or '-'")
	case "Password":
		return domain.BadRequest("password must be 8-256 characters")
	case "SessionID":
		return domain.BadRequest("invalid sessionId")
	default:
		return domain.BadRequest("invalid " + verrs[0].Field())
	}
}

// PasswordHandler serves signup and login when password auth is active.
type PasswordHandler struct {
	auth auth.PasswordAuthenticator
}

// NewPasswordHandler creates a password handler.
func NewPasswordHandler(a auth.PasswordAuthenticator) *PasswordHandler {
	return &PasswordHandler{auth: a}
}

// RegisterRoutes registers the public signup and login routes.
func (h *PasswordHandler) RegisterRoutes(r chi.Router) {
	r.Post("/signup", h.Signup)
	r.Post("/login", h.Login)
}

// RegisterProtectedRoutes registers routes that need a verified login token.
func (h *PasswordHandler) RegisterProtectedRoutes(r chi.Router) {
	r.Post("/logout", h.Logout)
}

func (h *PasswordHandler) decode(r *http.Request) (*CredentialsRequest, error) {
	var req CredentialsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	return &req, nil
}

// Signup registers a new user.
func (h *PasswordHandler) Signup(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	user, err := h.auth.Signup(r.Context(), req.Username, req.Password)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]interface{}{"user": user})
}

// Login exchanges a username and password for a bearer token.
func (h *PasswordHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	token, user, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"token": token, "user": user})
}

// Logout revokes the bearer token the request was authenticated with.
func (h *PasswordHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), identity.BearerFromRequest(r, false)); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TokenHandler issues self-signed session tokens.
type TokenHandler struct {
	issuer auth.TokenIssuer
}

// NewTokenHandler creates a token handler.
func NewTokenHandler(issuer auth.TokenIssuer) *TokenHandler {
	return &TokenHandler{issuer: issuer}
}

// RegisterRoutes registers the public token route.
func (h *TokenHandler) RegisterRoutes(r chi.Router) {
	r.Get("/token", h.Token)
}

// Token issues a token for the sessionId query parameter, generating one
// when it is omitted.
func (h *TokenHandler) Token(w http.ResponseWriter, r *http.Request) {
	q := tokenQuery{SessionID: r.URL.Query().Get("sessionId")}
	if q.SessionID == "" {
		q.SessionID = uuid.NewString()
	}
	if err := validate.Struct(q); err != nil {
		WriteError(w, r, validationError(err))
		return
	}

	issued, err := h.issuer.Issue(q.SessionID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"token":     issued.Token,
		"expiresAt": issued.ExpiresAt,
		"sessionId": q.SessionID,
	})
}
