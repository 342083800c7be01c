package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// IssuedToken is a freshly signed session token.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type sessionClaims struct {
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies self-issued HS256 session tokens. Tokens
// close to expiry are replaced during verification.
type TokenService struct {
	secret           []byte
	ttl              time.Duration
	refreshThreshold time.Duration
	now              func() time.Time
}

// NewTokenService creates a token service from the auth section of cfg.
func NewTokenService(cfg *config.Config) *TokenService {
	return &TokenService{
		secret:           []byte(cfg.Auth.JWTSecret),
		ttl:              cfg.Auth.TokenTTL,
		refreshThreshold: cfg.Auth.RefreshThreshold,
		now:              time.Now,
	}
}

// Issue signs a token bound to sessionID.
func (s *TokenService) Issue(sessionID string) (*IssuedToken, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := sessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	// NumericDate truncates to whole seconds.
	return &IssuedToken{Token: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks the signature and expiry and requires a sessionId claim.
func (s *TokenService) Verify(_ context.Context, bearer string) (*Principal, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(bearer, &claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, unauthorized("invalid token", err)
	}
	if claims.SessionID == "" {
		return nil, unauthorized("token has no session", nil)
	}

	p := &Principal{
		Identity: sessionPrefix + claims.SessionID,
		User:     &domain.UserInfo{ID: claims.SessionID},
	}
	if claims.ExpiresAt.Time.Sub(s.now()) < s.refreshThreshold {
		fresh, err := s.Issue(claims.SessionID)
		if err != nil {
			return nil, err
		}
		p.RefreshToken = fresh.Token
	}
	return p, nil
}
