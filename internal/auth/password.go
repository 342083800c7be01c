package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/metrics"
	"github.com/ashureev/chat-worker/internal/store"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	credentialPrefix = "cred:"
	lockoutPrefix    = "lockout:"
	loginPrefix      = "login:"

	// lockoutRetries bounds the compare-and-swap loop that reserves an attempt.
	lockoutRetries = 8

	minPasswordChars = 8
	maxPasswordChars = 256
)

// UsernamePattern constrains usernames accepted by Signup.
var UsernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// dummyHash is compared against when the username is unknown so that
// unknown and known usernames take the same time to reject.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("chat-worker-dummy-password"), bcrypt.MinCost)

// lockoutState counts consecutive failures inside a fixed window that starts
// at the first failure.
type lockoutState struct {
	Count      int       `json:"count"`
	WindowEnds time.Time `json:"windowEnds"`
}

// PasswordVerifier authenticates username/password pairs against bcrypt
// hashes and verifies the opaque login tokens it hands out.
type PasswordVerifier struct {
	kv          store.Store
	maxAttempts int
	window      time.Duration
	sessionTTL  time.Duration
	cost        int
	now         func() time.Time
}

// NewPasswordVerifier creates a verifier from the auth section of cfg.
func NewPasswordVerifier(kv store.Store, cfg *config.Config) *PasswordVerifier {
	cost := cfg.Auth.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordVerifier{
		kv:          kv,
		maxAttempts: cfg.Auth.LoginMaxAttempts,
		window:      cfg.Auth.LoginLockoutWindow,
		sessionTTL:  cfg.Auth.LoginSessionTTL,
		cost:        cost,
		now:         time.Now,
	}
}

// ValidateCredentials checks the username and password shape Signup requires.
func ValidateCredentials(username, password string) error {
	if !UsernamePattern.MatchString(username) {
		return domain.BadRequest("username must be 3-64 characters of letters, digits, '_' or '-'")
	}
	if n := utf8.RuneCountInString(password); n < minPasswordChars || n > maxPasswordChars {
		return domain.BadRequest("password must be 8-256 characters")
	}
	return nil
}

// Signup stores a new credential. An existing username is a Conflict.
func (p *PasswordVerifier) Signup(ctx context.Context, username, password string) (*domain.UserInfo, error) {
	if err := ValidateCredentials(username, password); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	data, err := json.Marshal(domain.Credential{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    p.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}

	created, err := p.kv.SetNX(ctx, credentialPrefix+username, string(data), 0)
	if err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	if !created {
		return nil, domain.Conflict("username already exists")
	}

	slog.Info("User signed up", "username", username)
	return userInfo(username), nil
}

// Login checks the password and returns a bearer token for subsequent
// requests. Each attempt is reserved in the lockout counter before the
// password is compared, so concurrent guesses cannot share one slot. Once the
// threshold is passed inside the lockout window, every attempt fails with
// TooManyAttempts until the window ends.
func (p *PasswordVerifier) Login(ctx context.Context, username, password string) (string, *domain.UserInfo, error) {
	state, err := p.reserveAttempt(ctx, username)
	if err != nil {
		return "", nil, err
	}
	if state.Count > p.maxAttempts {
		metrics.LoginAttempts.WithLabelValues("locked").Inc()
		return "", nil, domain.TooManyAttempts("too many failed login attempts, try again later")
	}

	ok, err := p.checkPassword(ctx, username, password)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		if state.Count == p.maxAttempts {
			slog.Warn("Login locked out", "username", username, "until", state.WindowEnds)
		}
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		return "", nil, domain.Unauthorized("invalid username or password")
	}

	if err := p.kv.Delete(ctx, lockoutPrefix+username); err != nil {
		return "", nil, fmt.Errorf("reset lockout: %w", err)
	}

	token := uuid.NewString()
	if err := p.kv.Set(ctx, loginPrefix+token, username, p.sessionTTL); err != nil {
		return "", nil, fmt.Errorf("store login session: %w", err)
	}
	metrics.LoginAttempts.WithLabelValues("success").Inc()
	slog.Info("User logged in", "username", username)
	return token, userInfo(username), nil
}

// Verify resolves a login token issued by Login.
func (p *PasswordVerifier) Verify(ctx context.Context, bearer string) (*Principal, error) {
	if _, err := uuid.Parse(bearer); err != nil {
		return nil, unauthorized("invalid token", err)
	}
	username, err := p.kv.Get(ctx, loginPrefix+bearer)
	if errors.Is(err, store.ErrNotFound) {
		return nil, unauthorized("session expired", err)
	}
	if err != nil {
		return nil, fmt.Errorf("read login session: %w", err)
	}
	return &Principal{Identity: usernamePrefix + username, User: userInfo(username)}, nil
}

// Logout revokes a login token.
func (p *PasswordVerifier) Logout(ctx context.Context, bearer string) error {
	if err := p.kv.Delete(ctx, loginPrefix+bearer); err != nil {
		return fmt.Errorf("delete login session: %w", err)
	}
	return nil
}

func (p *PasswordVerifier) checkPassword(ctx context.Context, username, password string) (bool, error) {
	raw, err := p.kv.Get(ctx, credentialPrefix+username)
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read credential: %w", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return false, fmt.Errorf("decode credential for %s: %w", username, err)
	}
	return bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) == nil, nil
}

// reserveAttempt counts one more attempt against username and returns the
// stored state. The window is fixed at the first attempt; later attempts do
// not extend it. When the swap keeps losing, the attempt is refused.
func (p *PasswordVerifier) reserveAttempt(ctx context.Context, username string) (lockoutState, error) {
	key := lockoutPrefix + username
	for attempt := 1; attempt <= lockoutRetries; attempt++ {
		raw, err := p.kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			raw = ""
		} else if err != nil {
			return lockoutState{}, fmt.Errorf("read lockout state: %w", err)
		}

		now := p.now()
		state := decodeLockout(username, raw)
		if state.WindowEnds.IsZero() || !now.Before(state.WindowEnds) {
			state = lockoutState{WindowEnds: now.Add(p.window)}
		}
		state.Count++

		data, err := json.Marshal(state)
		if err != nil {
			return lockoutState{}, fmt.Errorf("encode lockout state: %w", err)
		}
		swapped, err := p.kv.CompareAndSwap(ctx, key, raw, string(data), state.WindowEnds.Sub(now))
		if err != nil {
			return lockoutState{}, fmt.Errorf("store lockout state: %w", err)
		}
		if swapped {
			return state, nil
		}
		slog.Debug("Lockout counter changed concurrently, retrying", "username", username, "attempt", attempt)
	}
	slog.Warn("Lockout counter contended, refusing attempt", "username", username)
	return lockoutState{Count: p.maxAttempts + 1}, nil
}

func decodeLockout(username, raw string) lockoutState {
	if raw == "" {
		return lockoutState{}
	}
	var state lockoutState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		slog.Warn("Lockout state malformed, resetting", "username", username, "error", err)
		return lockoutState{}
	}
	return state
}

func userInfo(username string) *domain.UserInfo {
	return &domain.UserInfo{ID: usernamePrefix + username, Username: username}
}
