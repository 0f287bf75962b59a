package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/whispr-chat/whispr/internal/crypto"
	"github.com/whispr-chat/whispr/internal/datastore"
	"github.com/whispr-chat/whispr/internal/model"
)

// ChannelYAML represents one channel in the import/export config. Channels
// are flat — there is no parent/sub-channel nesting.
type ChannelYAML struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // "voice" | "text"
}

// ChannelsConfig is the top-level YAML document for channel import/export.
type ChannelsConfig struct {
	Channels []ChannelYAML `yaml:"channels"`
}

// UserYAML represents one user in a YAML export.
type UserYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	IsAdmin   bool   `yaml:"is_admin"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML document for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadChannelsFromYAML reads a channels YAML file and creates whichever
// named channels don't already exist.
func LoadChannelsFromYAML(path string, store datastore.DataStore) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from operator-provided CLI config
	if err != nil {
		return fmt.Errorf("server: read channels config: %w", err)
	}
	return ImportChannelsFromYAML(data, store)
}

// ImportChannelsFromYAML parses YAML channel definitions and creates any
// that don't already exist by name, up to model.MaxChannels total.
func ImportChannelsFromYAML(data []byte, store datastore.DataStore) error {
	var cfg ChannelsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("server: parse channels config: %w", err)
	}

	ctx := context.Background()
	created := 0
	for _, ch := range cfg.Channels {
		if err := ensureChannel(ctx, store, ch); err != nil {
			slog.Error("failed to create channel from config", "name", ch.Name, "err", err)
			continue
		}
		created++
	}
	slog.Info("imported channels from YAML", "count", created)
	return nil
}

func ensureChannel(ctx context.Context, store datastore.DataStore, ch ChannelYAML) error {
	name, err := model.ValidateChannelName(ch.Name)
	if err != nil {
		return err
	}

	existing, err := store.GetChannelByName(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	count, err := store.CountChannels(ctx)
	if err != nil {
		return err
	}
	if count >= model.MaxChannels {
		return fmt.Errorf("server: channel cap (%d) reached, skipping %q", model.MaxChannels, name)
	}

	channelType := model.ParseChannelType(ch.Type)
	var keyMaterial []byte
	if channelType == model.ChannelVoice {
		keyMaterial, err = crypto.GenerateKey(crypto.CipherAES256GCM)
		if err != nil {
			return fmt.Errorf("server: generate channel key: %w", err)
		}
	}

	return store.CreateChannel(ctx, &model.Channel{
		Name:        name,
		Type:        channelType,
		KeyMaterial: keyMaterial,
	})
}

// ExportChannelsYAML exports every channel as YAML.
func ExportChannelsYAML(store datastore.DataStore) ([]byte, error) {
	ctx := context.Background()
	channels, err := store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}

	cfg := ChannelsConfig{Channels: make([]ChannelYAML, 0, len(channels))}
	for _, ch := range channels {
		cfg.Channels = append(cfg.Channels, ChannelYAML{Name: ch.Name, Type: ch.Type.String()})
	}
	return yaml.Marshal(&cfg)
}

// ExportUsersYAML exports every user as YAML.
func ExportUsersYAML(store datastore.DataStore) ([]byte, error) {
	ctx := context.Background()
	users, err := store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:        u.ID,
			Username:  u.Username,
			IsAdmin:   u.IsAdmin,
			CreatedAt: u.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
