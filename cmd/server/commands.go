package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/chat-worker/internal/api"
	"github.com/ashureev/chat-worker/internal/auth"
	"github.com/ashureev/chat-worker/internal/chat"
	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/history"
	"github.com/ashureev/chat-worker/internal/llm"
	"github.com/ashureev/chat-worker/internal/search"
	"github.com/ashureev/chat-worker/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chat-worker",
		Short:         "Authenticated chat API with persistent history",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (default)",
		RunE:  runServe,
	})
	root.AddCommand(newUserCmd())
	root.AddCommand(newTokenCmd())
	return root
}

func newUserCmd() *cobra.Command {
	var username, password string

	add := &cobra.Command{
		Use:   "add",
		Short: "Create a password-mode user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := auth.ValidateCredentials(username, password); err != nil {
				return err
			}
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			kv, err := store.New(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = kv.Close() }()

			user, err := auth.NewPasswordVerifier(kv, cfg).Signup(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s\n", user.Username)
			return nil
		},
	}
	add.Flags().StringVar(&username, "username", "", "username (3-64 of letters, digits, '_' or '-')")
	add.Flags().StringVar(&password, "password", "", "password (8-256 characters)")
	_ = add.MarkFlagRequired("username")
	_ = add.MarkFlagRequired("password")

	user := &cobra.Command{Use: "user", Short: "Manage password-mode users"}
	user.AddCommand(add)
	return user
}

func newTokenCmd() *cobra.Command {
	var sessionID string

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a self-signed session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			if cfg.Auth.Mode != config.AuthModeJWT {
				return fmt.Errorf("token issue requires AUTH_MODE=%s", config.AuthModeJWT)
			}
			issued, err := auth.NewTokenService(cfg).Issue(sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires %s\n", issued.Token, issued.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().StringVar(&sessionID, "session", "", "session id the token is bound to")
	_ = issue.MarkFlagRequired("session")

	token := &cobra.Command{Use: "token", Short: "Manage self-signed tokens"}
	token.AddCommand(issue)
	return token
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"auth_mode", cfg.Auth.Mode, "store", cfg.Store.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	kv, err := store.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := kv.Ping(ctx); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	slog.Info("Store connected", "backend", cfg.Store.Backend)

	if sq, ok := kv.(*store.SQLiteStore); ok {
		sq.StartJanitor(ctx, cfg.Store.JanitorInterval)
		slog.Info("Expired-row janitor started", "interval", cfg.Store.JanitorInterval)
	}

	verifier, err := auth.New(ctx, cfg, kv)
	if err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}

	transcript, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() { _ = transcript.Close() }()

	limiter := chat.NewRateLimiter(cfg.RateLimit.ChatPerMinute, cfg.RateLimit.Burst)
	defer limiter.Close()

	httpClient := &http.Client{}
	svc := chat.NewService(cfg, chat.Deps{
		History:    history.NewAccessor(kv, cfg),
		Augmenter:  search.NewClient(cfg, httpClient, logger),
		Model:      llm.NewClient(cfg, httpClient, logger),
		Limiter:    limiter,
		Transcript: transcript,
		Logger:     logger,
	})
	if cfg.Search.URL == "" {
		slog.Info("Search augmentation disabled (SEARCH_API_URL not set)")
	}

	handler := api.NewRouter(api.RouterDeps{
		Config:    cfg,
		Store:     kv,
		Verifier:  verifier,
		Chat:      svc,
		AccessLog: true,
	})

	// WebSocket chat needs no write timeout; model calls carry their own.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}
