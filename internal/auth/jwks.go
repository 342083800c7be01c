package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSVerifier validates RS256 tokens issued by an external identity provider
// against its published key set.
type JWKSVerifier struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWKSVerifier fetches the key set at cfg.Auth.JWKSURL. The key set is
// refreshed in the background until ctx is cancelled.
func NewJWKSVerifier(ctx context.Context, cfg *config.Config) (*JWKSVerifier, error) {
	k, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.Auth.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("load jwks from %s: %w", cfg.Auth.JWKSURL, err)
	}
	return newJWKSVerifier(k.Keyfunc, cfg.Auth.Issuer, cfg.Auth.Audience), nil
}

func newJWKSVerifier(kf jwt.Keyfunc, issuer, audience string) *JWKSVerifier {
	return &JWKSVerifier{keyfunc: kf, issuer: issuer, audience: audience}
}

// Verify checks signature, issuer, audience and expiry, and requires a subject.
func (v *JWKSVerifier) Verify(_ context.Context, bearer string) (*Principal, error) {
	token, err := jwt.Parse(bearer, v.keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, unauthorized("invalid token", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, unauthorized("invalid token", fmt.Errorf("unexpected claims type %T", token.Claims))
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, unauthorized("token has no subject", err)
	}

	user := &domain.UserInfo{ID: sub}
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	}
	return &Principal{Identity: subjectPrefix + sub, User: user}, nil
}
