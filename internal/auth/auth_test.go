package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.BcryptCost = bcrypt.MinCost
	return cfg
}

func requireKind(t *testing.T, err error, kind domain.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	var de *domain.Error
	require.True(t, errors.As(err, &de), "expected *domain.Error, got %T: %v", err, err)
	assert.Equal(t, kind, de.Kind)
}

// --- jwks ---

func signRS256(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test"
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestJWKSVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v := newJWKSVerifier(func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil },
		"https://tenant.example/", "chat-api")

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":   "https://tenant.example/",
			"aud":   "chat-api",
			"sub":   "auth0|abc",
			"exp":   time.Now().Add(time.Hour).Unix(),
			"email": "a@example.com",
		}
	}

	t.Run("valid", func(t *testing.T) {
		p, err := v.Verify(context.Background(), signRS256(t, key, base()))
		require.NoError(t, err)
		assert.Equal(t, "sub:auth0|abc", p.Identity)
		assert.Equal(t, "a@example.com", p.User.Email)
		assert.Empty(t, p.RefreshToken)
	})

	cases := map[string]func(jwt.MapClaims){
		"wrong issuer":   func(c jwt.MapClaims) { c["iss"] = "https://evil.example/" },
		"wrong audience": func(c jwt.MapClaims) { c["aud"] = "other" },
		"expired":        func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() },
		"no subject":     func(c jwt.MapClaims) { delete(c, "sub") },
		"no expiry":      func(c jwt.MapClaims) { delete(c, "exp") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			_, err := v.Verify(context.Background(), signRS256(t, key, c))
			requireKind(t, err, domain.KindUnauthorized)
			assert.True(t, errors.Is(err, ErrInvalidToken))
		})
	}

	t.Run("wrong key", func(t *testing.T) {
		_, err := v.Verify(context.Background(), signRS256(t, other, base()))
		requireKind(t, err, domain.KindUnauthorized)
	})

	t.Run("hs256 rejected", func(t *testing.T) {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, base()).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), s)
		requireKind(t, err, domain.KindUnauthorized)
	})
}

// --- self-issued ---

func TestTokenServiceRoundTrip(t *testing.T) {
	svc := NewTokenService(testConfig())

	issued, err := svc.Issue("tab-1")
	require.NoError(t, err)

	p, err := svc.Verify(context.Background(), issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "sess:tab-1", p.Identity)
	assert.Empty(t, p.RefreshToken, "fresh token must not be refreshed")
}

func TestTokenServiceRefreshesNearExpiry(t *testing.T) {
	svc := NewTokenService(testConfig())
	start := time.Now()
	svc.now = func() time.Time { return start }

	issued, err := svc.Issue("tab-1")
	require.NoError(t, err)

	svc.now = func() time.Time { return start.Add(50 * time.Minute) }
	p, err := svc.Verify(context.Background(), issued.Token)
	require.NoError(t, err)
	require.NotEmpty(t, p.RefreshToken)

	refreshed, err := svc.Verify(context.Background(), p.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, p.Identity, refreshed.Identity)
	assert.Empty(t, refreshed.RefreshToken)
}

func TestTokenServiceRejects(t *testing.T) {
	svc := NewTokenService(testConfig())
	start := time.Now()
	svc.now = func() time.Time { return start }

	issued, err := svc.Issue("tab-1")
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		svc.now = func() time.Time { return start.Add(2 * time.Hour) }
		defer func() { svc.now = func() time.Time { return start } }()
		_, err := svc.Verify(context.Background(), issued.Token)
		requireKind(t, err, domain.KindUnauthorized)
	})

	t.Run("tampered", func(t *testing.T) {
		_, err := svc.Verify(context.Background(), issued.Token+"x")
		requireKind(t, err, domain.KindUnauthorized)
	})

	t.Run("foreign secret", func(t *testing.T) {
		cfg := testConfig()
		cfg.Auth.JWTSecret = strings.Repeat("z", 32)
		foreign, err := NewTokenService(cfg).Issue("tab-1")
		require.NoError(t, err)
		_, err = svc.Verify(context.Background(), foreign.Token)
		requireKind(t, err, domain.KindUnauthorized)
	})

	t.Run("missing session claim", func(t *testing.T) {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": start.Add(time.Hour).Unix(),
		}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = svc.Verify(context.Background(), s)
		requireKind(t, err, domain.KindUnauthorized)
	})
}

// --- password ---

func newPasswordVerifier(t *testing.T) *PasswordVerifier {
	t.Helper()
	cfg := testConfig()
	cfg.Auth.Mode = config.AuthModePassword
	return NewPasswordVerifier(store.NewMemory(), cfg)
}

func TestPasswordSignupLoginVerify(t *testing.T) {
	p := newPasswordVerifier(t)
	ctx := context.Background()

	user, err := p.Signup(ctx, "alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = p.Signup(ctx, "alice", "another one")
	requireKind(t, err, domain.KindConflict)

	token, _, err := p.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)

	principal, err := p.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user:alice", principal.Identity)

	require.NoError(t, p.Logout(ctx, token))
	_, err = p.Verify(ctx, token)
	requireKind(t, err, domain.KindUnauthorized)
}

func TestPasswordLoginRejectsUnknownAndWrong(t *testing.T) {
	p := newPasswordVerifier(t)
	ctx := context.Background()
	_, err := p.Signup(ctx, "alice", "correct horse")
	require.NoError(t, err)

	_, _, err = p.Login(ctx, "bob", "correct horse")
	requireKind(t, err, domain.KindUnauthorized)

	_, _, err = p.Login(ctx, "alice", "wrong horse")
	requireKind(t, err, domain.KindUnauthorized)

	_, err = p.Verify(ctx, "not-a-token")
	requireKind(t, err, domain.KindUnauthorized)
}

func TestPasswordLockoutAfterFiveFailures(t *testing.T) {
	p := newPasswordVerifier(t)
	ctx := context.Background()
	_, err := p.Signup(ctx, "alice", "correct horse")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := p.Login(ctx, "alice", "wrong horse")
		requireKind(t, err, domain.KindUnauthorized)
	}

	_, _, err = p.Login(ctx, "alice", "correct horse")
	requireKind(t, err, domain.KindTooManyAttempts)
}

func TestPasswordLockoutWindowIsFixed(t *testing.T) {
	p := newPasswordVerifier(t)
	ctx := context.Background()
	_, err := p.Signup(ctx, "alice", "correct horse")
	require.NoError(t, err)

	start := time.Now()
	clock := start
	p.now = func() time.Time { return clock }
	p.kv.(*store.MemoryStore).SetClock(func() time.Time { return clock })

	for i := 0; i < 5; i++ {
		clock = start.Add(time.Duration(i) * time.Minute)
		_, _, _ = p.Login(ctx, "alice", "wrong horse")
	}

	clock = start.Add(14 * time.Minute)
	_, _, err = p.Login(ctx, "alice", "correct horse")
	requireKind(t, err, domain.KindTooManyAttempts)

	// The window started at the first failure, not the last.
	clock = start.Add(15*time.Minute + time.Second)
	_, _, err = p.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)
}

func TestPasswordSuccessResetsFailures(t *testing.T) {
	p := newPasswordVerifier(t)
	ctx := context.Background()
	_, err := p.Signup(ctx, "alice", "correct horse")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _, _ = p.Login(ctx, "alice", "wrong horse")
	}
	_, _, err = p.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _, _ = p.Login(ctx, "alice", "wrong horse")
	}
	_, _, err = p.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)
}

func TestPasswordConcurrentFailuresShareOneCounter(t *testing.T) {
	p := newPasswordVerifier(t)
	ctx := context.Background()
	_, err := p.Signup(ctx, "alice", "correct horse")
	require.NoError(t, err)

	const attempts = 50
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[domain.ErrorKind]int{}
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := p.Login(ctx, "alice", "wrong horse")
			kind := domain.AsError(err).Kind
			mu.Lock()
			counts[kind]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, counts[domain.KindUnauthorized], p.maxAttempts,
		"no more than the threshold may reach the password check")
	assert.Equal(t, attempts, counts[domain.KindUnauthorized]+counts[domain.KindTooManyAttempts])

	raw, err := p.kv.Get(ctx, lockoutPrefix+"alice")
	require.NoError(t, err)
	assert.Greater(t, decodeLockout("alice", raw).Count, p.maxAttempts)

	_, _, err = p.Login(ctx, "alice", "correct horse")
	requireKind(t, err, domain.KindTooManyAttempts)
}

func TestPasswordSignupValidatesCredentials(t *testing.T) {
	p := newPasswordVerifier(t)
	ctx := context.Background()

	_, err := p.Signup(ctx, "a/b", "correct horse")
	requireKind(t, err, domain.KindBadRequest)

	_, err = p.Signup(ctx, "al", "correct horse")
	requireKind(t, err, domain.KindBadRequest)

	_, err = p.Signup(ctx, "alice", "short")
	requireKind(t, err, domain.KindBadRequest)

	_, err = p.Signup(ctx, "alice", strings.Repeat("x", 257))
	requireKind(t, err, domain.KindBadRequest)

	_, err = p.kv.Get(ctx, credentialPrefix+"alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewSelectsStrategy(t *testing.T) {
	cfg := testConfig()

	v, err := New(context.Background(), cfg, store.NewMemory())
	require.NoError(t, err)
	_, isIssuer := v.(TokenIssuer)
	assert.True(t, isIssuer)

	cfg.Auth.Mode = config.AuthModePassword
	v, err = New(context.Background(), cfg, store.NewMemory())
	require.NoError(t, err)
	_, isPassword := v.(PasswordAuthenticator)
	assert.True(t, isPassword)

	cfg.Auth.Mode = "kerberos"
	_, err = New(context.Background(), cfg, store.NewMemory())
	assert.Error(t, err)
}
