// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Auth modes select the credential verification strategy.
const (
	AuthModeJWKS     = "jwks"
	AuthModeJWT      = "jwt"
	AuthModePassword = "password"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// MaxUserMessageChars is the hard ceiling on a chat message, in characters.
const MaxUserMessageChars = 20000

// Config holds all application configuration. It is built once at startup
// and shared read-only with every component.
type Config struct {
	Port            string
	LogLevel        string
	AllowedOrigins  []string
	MaxBodyBytes    int64
	Auth            AuthConfig
	Store           StoreConfig
	History         HistoryConfig
	Search          SearchConfig
	Model           ModelConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// AuthConfig controls credential verification.
type AuthConfig struct {
	Mode string

	// jwks
	Auth0Domain string
	Audience    string
	Issuer      string
	JWKSURL     string

	// jwt
	JWTSecret        string
	TokenTTL         time.Duration
	RefreshThreshold time.Duration

	// password
	LoginMaxAttempts   int
	LoginLockoutWindow time.Duration
	LoginSessionTTL    time.Duration
	BcryptCost         int
}

// StoreConfig selects and configures the key-value backend.
type StoreConfig struct {
	Backend         string
	DBPath          string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	JanitorInterval time.Duration
}

// HistoryConfig controls conversation retention.
type HistoryConfig struct {
	Max                 int
	TTL                 time.Duration
	AppendRetries       int
	SystemPrompt        string
	AllowClientSessions bool
}

// SearchConfig points at the vector-search service. An empty URL disables augmentation.
type SearchConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	TopK    int
}

// ModelConfig points at the chat-completion service.
type ModelConfig struct {
	URL         string
	APIKey      string
	Name        string
	Temperature float32
	Timeout     time.Duration
}

// RateLimitConfig bounds chat turns per identity.
type RateLimitConfig struct {
	ChatPerMinute int
	Burst         int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Defaults returns a configuration populated with default values only.
func Defaults() *Config {
	return &Config{
		Port:           "8080",
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
		MaxBodyBytes:   128 << 10,
		Auth: AuthConfig{
			Mode:               AuthModeJWT,
			TokenTTL:           time.Hour,
			RefreshThreshold:   15 * time.Minute,
			LoginMaxAttempts:   5,
			LoginLockoutWindow: 15 * time.Minute,
			LoginSessionTTL:    7 * 24 * time.Hour,
			BcryptCost:         10,
		},
		Store: StoreConfig{
			Backend:         StoreSQLite,
			DBPath:          "./data/chat.db",
			RedisAddr:       "localhost:6379",
			JanitorInterval: 5 * time.Minute,
		},
		History: HistoryConfig{
			Max:           20,
			TTL:           30 * 24 * time.Hour,
			AppendRetries: 3,
			SystemPrompt:  "You are a helpful assistant.",
		},
		Search: SearchConfig{
			Timeout: 5 * time.Second,
			TopK:    5,
		},
		Model: ModelConfig{
			URL:         "https://api.openai.com/v1/chat/completions",
			Name:        "gpt-4o-mini",
			Temperature: 0.7,
			Timeout:     60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			ChatPerMinute: 30,
			Burst:         5,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:    false,
			Dir:        "./data/logs/conversations",
			GlobalPath: "./data/logs/conversations/all.ndjson",
			QueueSize:  1000,
		},
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	d := Defaults()

	cfg := &Config{
		Port:           getEnv("PORT", d.Port),
		LogLevel:       getEnv("LOG_LEVEL", d.LogLevel),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", d.AllowedOrigins),
		MaxBodyBytes:   int64(getEnvInt("MAX_BODY_BYTES", int(d.MaxBodyBytes))),
		Auth: AuthConfig{
			Mode:               strings.ToLower(getEnv("AUTH_MODE", d.Auth.Mode)),
			Auth0Domain:        getEnv("AUTH0_DOMAIN", ""),
			Audience:           getEnv("AUTH0_AUDIENCE", ""),
			Issuer:             getEnv("AUTH0_ISSUER", ""),
			JWKSURL:            getEnv("JWKS_URL", ""),
			JWTSecret:          getEnv("JWT_SECRET", ""),
			TokenTTL:           getEnvDuration("TOKEN_TTL", d.Auth.TokenTTL),
			RefreshThreshold:   getEnvDuration("TOKEN_REFRESH_THRESHOLD", d.Auth.RefreshThreshold),
			LoginMaxAttempts:   getEnvInt("LOGIN_MAX_ATTEMPTS", d.Auth.LoginMaxAttempts),
			LoginLockoutWindow: getEnvDuration("LOGIN_LOCKOUT_WINDOW", d.Auth.LoginLockoutWindow),
			LoginSessionTTL:    getEnvDuration("LOGIN_SESSION_TTL", d.Auth.LoginSessionTTL),
			BcryptCost:         getEnvInt("BCRYPT_COST", d.Auth.BcryptCost),
		},
		Store: StoreConfig{
			Backend:         strings.ToLower(getEnv("STORE_BACKEND", d.Store.Backend)),
			DBPath:          getEnv("DB_PATH", d.Store.DBPath),
			RedisAddr:       getEnv("REDIS_ADDR", d.Store.RedisAddr),
			RedisPassword:   getEnv("REDIS_PASSWORD", ""),
			RedisDB:         getEnvInt("REDIS_DB", 0),
			JanitorInterval: getEnvDuration("STORE_JANITOR_INTERVAL", d.Store.JanitorInterval),
		},
		History: HistoryConfig{
			Max:                 getEnvInt("HISTORY_MAX", d.History.Max),
			TTL:                 getEnvDuration("HISTORY_TTL", d.History.TTL),
			AppendRetries:       getEnvInt("HISTORY_APPEND_RETRIES", d.History.AppendRetries),
			SystemPrompt:        getEnv("SYSTEM_PROMPT", d.History.SystemPrompt),
			AllowClientSessions: getEnvBool("ALLOW_CLIENT_SESSIONS", false),
		},
		Search: SearchConfig{
			URL:     getEnv("SEARCH_API_URL", ""),
			APIKey:  getEnv("SEARCH_API_KEY", ""),
			Timeout: getEnvDuration("SEARCH_TIMEOUT", d.Search.Timeout),
			TopK:    getEnvInt("SEARCH_TOP_K", d.Search.TopK),
		},
		Model: ModelConfig{
			URL:         getEnv("MODEL_API_URL", d.Model.URL),
			APIKey:      getEnv("MODEL_API_KEY", ""),
			Name:        getEnv("MODEL_NAME", d.Model.Name),
			Temperature: getEnvFloat32("MODEL_TEMPERATURE", d.Model.Temperature),
			Timeout:     getEnvDuration("MODEL_TIMEOUT", d.Model.Timeout),
		},
		RateLimit: RateLimitConfig{
			ChatPerMinute: getEnvInt("CHAT_RATE_PER_MINUTE", d.RateLimit.ChatPerMinute),
			Burst:         getEnvInt("CHAT_RATE_BURST", d.RateLimit.Burst),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", d.ConversationLog.Enabled),
			Dir:           getEnv("CONVERSATION_LOG_DIR", d.ConversationLog.Dir),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", d.ConversationLog.GlobalPath),
			QueueSize:     getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", d.ConversationLog.QueueSize),
		},
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyDerived fills values computed from other settings.
func (c *Config) applyDerived() {
	domain := strings.TrimSuffix(strings.TrimPrefix(c.Auth.Auth0Domain, "https://"), "/")
	if domain == "" {
		return
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "https://" + domain + "/"
	}
	if c.Auth.JWKSURL == "" {
		c.Auth.JWKSURL = "https://" + domain + "/.well-known/jwks.json"
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be > 0")
	}

	switch c.Auth.Mode {
	case AuthModeJWKS:
		if c.Auth.JWKSURL == "" || c.Auth.Issuer == "" {
			return fmt.Errorf("AUTH0_DOMAIN or JWKS_URL/AUTH0_ISSUER required for jwks auth")
		}
		if c.Auth.Audience == "" {
			return fmt.Errorf("AUTH0_AUDIENCE required for jwks auth")
		}
	case AuthModeJWT:
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("TOKEN_TTL must be > 0")
		}
	case AuthModePassword:
		if c.Auth.LoginMaxAttempts <= 0 {
			return fmt.Errorf("LOGIN_MAX_ATTEMPTS must be > 0")
		}
		if c.Auth.LoginLockoutWindow <= 0 {
			return fmt.Errorf("LOGIN_LOCKOUT_WINDOW must be > 0")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.Auth.Mode)
	}

	switch c.Store.Backend {
	case StoreMemory, StoreRedis:
	case StoreSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	if c.History.Max < 2 {
		return fmt.Errorf("HISTORY_MAX must be >= 2")
	}
	if c.History.AppendRetries <= 0 {
		return fmt.Errorf("HISTORY_APPEND_RETRIES must be > 0")
	}
	if c.Model.URL == "" {
		return fmt.Errorf("MODEL_API_URL cannot be empty")
	}
	if c.RateLimit.ChatPerMinute <= 0 {
		return fmt.Errorf("CHAT_RATE_PER_MINUTE must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true when any configured origin points at a local host.
func (c *Config) IsDevelopment() bool {
	for _, o := range c.AllowedOrigins {
		if strings.Contains(o, "localhost") || strings.Contains(o, "127.0.0.1") {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat32(key string, fallback float32) float32 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
