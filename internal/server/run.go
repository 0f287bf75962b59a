package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whispr-chat/whispr/internal/crypto"
	"github.com/whispr-chat/whispr/internal/model"
)

// Run starts the server and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	st := s.store.NonTx()
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	channels, err := st.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("server: list channels: %w", err)
	}
	if len(channels) == 0 {
		keyMaterial, err := crypto.GenerateKey(crypto.CipherAES256GCM)
		if err != nil {
			return fmt.Errorf("server: generate general channel key: %w", err)
		}
		if err := st.CreateChannel(ctx, &model.Channel{
			Name:        "General",
			Type:        model.ChannelVoice,
			KeyMaterial: keyMaterial,
			IsDefault:   true,
		}); err != nil {
			return fmt.Errorf("server: create general channel: %w", err)
		}
		if err := st.CreateChannel(ctx, &model.Channel{
			Name: "Chat",
			Type: model.ChannelText,
		}); err != nil {
			return fmt.Errorf("server: create chat channel: %w", err)
		}
		slog.Info("created default General and Chat channels")
	}

	if s.cfg.SeedTestUsers {
		if err := s.seedTestUsers(ctx, st); err != nil {
			slog.Error("failed to seed test users", "err", err)
		}
	}

	if s.cfg.ChannelsFile != "" {
		if err := LoadChannelsFromYAML(s.cfg.ChannelsFile, st); err != nil {
			slog.Error("failed to load channels config", "err", err)
		}
	}

	if err := s.StartControl(); err != nil {
		return err
	}
	if err := s.StartVoice(); err != nil {
		return err
	}

	slog.Info("whispr server running",
		"control", s.cfg.ControlAddr,
		"voice", s.cfg.VoiceAddr,
	)

	s.StartMetricsHTTP()
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// seedTestUsers creates a small set of known accounts for local testing.
// It is a no-op for any username that already exists.
func (s *Server) seedTestUsers(ctx context.Context, st interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	CreateUser(ctx context.Context, username string, passwordSalt, passwordHash []byte, isAdmin bool) (*model.User, error)
}) error {
	seeds := []struct {
		username string
		password string
		admin    bool
	}{
		{"admin", "admin", true},
		{"testuser", "testuser", false},
	}
	for _, seed := range seeds {
		existing, err := st.GetUserByUsername(ctx, seed.username)
		if err != nil {
			return fmt.Errorf("look up seed user %q: %w", seed.username, err)
		}
		if existing != nil {
			continue
		}
		salt, hash, err := crypto.HashPassword(seed.password)
		if err != nil {
			return fmt.Errorf("hash seed password for %q: %w", seed.username, err)
		}
		if _, err := st.CreateUser(ctx, seed.username, salt, hash, seed.admin); err != nil {
			return fmt.Errorf("create seed user %q: %w", seed.username, err)
		}
		slog.Info("seeded test user", "username", seed.username, "admin", seed.admin)
	}
	return nil
}

// Shutdown gracefully stops the server's listeners and cancels its context.
func (s *Server) Shutdown() {
	s.cancel()
	if s.controlConn != nil {
		_ = s.controlConn.Close()
	}
	if s.voiceConn != nil {
		_ = s.voiceConn.Close()
	}
}
