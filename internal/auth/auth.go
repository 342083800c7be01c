// Package auth verifies bearer credentials and turns them into a stable
// session identity. Exactly one strategy is active per deployment.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/store"
)

// ErrInvalidToken is wrapped by every verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Identity prefixes keep identities from different strategies disjoint.
const (
	subjectPrefix  = "sub:"
	sessionPrefix  = "sess:"
	usernamePrefix = "user:"
)

// Principal is the result of a successful verification.
type Principal struct {
	// Identity is the stable key for the caller's history.
	Identity string
	// RefreshToken is a replacement credential the caller should persist, if one was issued.
	RefreshToken string
	User         *domain.UserInfo
}

// Verifier checks a bearer credential.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (*Principal, error)
}

// PasswordAuthenticator is implemented by strategies that own a credential store.
type PasswordAuthenticator interface {
	Signup(ctx context.Context, username, password string) (*domain.UserInfo, error)
	Login(ctx context.Context, username, password string) (string, *domain.UserInfo, error)
	Logout(ctx context.Context, bearer string) error
}

// TokenIssuer is implemented by strategies that mint their own tokens.
type TokenIssuer interface {
	Issue(sessionID string) (*IssuedToken, error)
}

// New builds the verifier selected by cfg.Auth.Mode.
func New(ctx context.Context, cfg *config.Config, kv store.Store) (Verifier, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeJWKS:
		return NewJWKSVerifier(ctx, cfg)
	case config.AuthModeJWT:
		return NewTokenService(cfg), nil
	case config.AuthModePassword:
		return NewPasswordVerifier(kv, cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

func unauthorized(msg string, err error) *domain.Error {
	e := domain.Unauthorized(msg)
	e.Err = ErrInvalidToken
	if err != nil {
		e.Err = fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return e
}
