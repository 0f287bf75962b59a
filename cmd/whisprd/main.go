package main

import (
	"context"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/whispr-chat/whispr/internal/crypto"
	"github.com/whispr-chat/whispr/internal/datastore"
	"github.com/whispr-chat/whispr/internal/logging"
	"github.com/whispr-chat/whispr/internal/model"
	"github.com/whispr-chat/whispr/internal/server"
)

func main() {
	args := os.Args[1:]
	subcmd := "run"
	rest := args
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcmd = args[0]
		rest = args[1:]
	}

	switch subcmd {
	case "run":
		runServer(rest)
	case "add-user":
		addUser(rest)
	case "export-channels":
		exportChannels(rest)
	case "export-users":
		exportUsers(rest)
	case "import-channels":
		importChannels(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\nusage: whisprd [run|add-user|export-channels|export-users|import-channels] ...\n", subcmd)
		os.Exit(1)
	}
}

// fileConfig mirrors the on-disk JSON configuration format.
type fileConfig struct {
	ControlPort        int    `json:"control_port"`
	AudioPort          int    `json:"audio_port"`
	CertificatePath    string `json:"certificate_path"`
	DatabasePath       string `json:"database_path"`
	SeedTestUsers      bool   `json:"seed_test_users"`
	TokenLifetimeHours int    `json:"token_lifetime_hours"`
}

// scanConfigFlag extracts -config/--config ahead of the main flag parse so
// its values can seed the defaults that flags are registered with.
func scanConfigFlag(args []string) string {
	for i, a := range args {
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}

func applyFileConfig(path string, cfg *server.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.ControlPort != 0 {
		cfg.ControlAddr = fmt.Sprintf(":%d", fc.ControlPort)
	}
	if fc.AudioPort != 0 {
		cfg.VoiceAddr = fmt.Sprintf(":%d", fc.AudioPort)
	}
	if fc.CertificatePath != "" {
		cfg.CertFile = fc.CertificatePath
	}
	cfg.DBPath = fc.DatabasePath
	if fc.TokenLifetimeHours > 0 {
		cfg.TokenLifetime = time.Duration(fc.TokenLifetimeHours) * time.Hour
	}
	cfg.SeedTestUsers = fc.SeedTestUsers
	return nil
}

// messageAEADFromEnv builds the at-rest message cipher from
// WHISPR_MESSAGE_ENCRYPTION_KEY, or returns nil when the operator has
// explicitly opted into plaintext storage for local development.
func messageAEADFromEnv() (cipher.AEAD, error) {
	if os.Getenv("WHISPR_DEV_SKIP_MESSAGE_ENCRYPTION") == "1" {
		slog.Warn("message encryption disabled via WHISPR_DEV_SKIP_MESSAGE_ENCRYPTION, storing chat history in plaintext")
		return nil, nil
	}
	raw := os.Getenv("WHISPR_MESSAGE_ENCRYPTION_KEY")
	if raw == "" {
		return nil, fmt.Errorf("WHISPR_MESSAGE_ENCRYPTION_KEY is required unless WHISPR_DEV_SKIP_MESSAGE_ENCRYPTION=1")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode WHISPR_MESSAGE_ENCRYPTION_KEY: %w", err)
	}
	return crypto.NewAEAD(crypto.CipherAES256GCM, key)
}

func runServer(args []string) {
	cfg := server.DefaultConfig()

	configPath := scanConfigFlag(args)
	if configPath != "" {
		if err := applyFileConfig(configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var discardConfig string
	fs.StringVar(&discardConfig, "config", configPath, "JSON configuration file (control_port, audio_port, certificate_path, database_path, seed_test_users, token_lifetime_hours)")
	fs.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "TCP/TLS control plane bind address")
	fs.StringVar(&cfg.VoiceAddr, "voice", cfg.VoiceAddr, "UDP voice plane bind address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path (empty for in-memory)")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate: a PKCS#12 bundle (.p12/.pfx) or a PEM file (auto-generated if empty)")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "PEM private key file, paired with -cert when it is not a PKCS#12 bundle")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	fs.BoolVar(&cfg.AllowAutoRegister, "auto-register", cfg.AllowAutoRegister, "Create a new account on first login instead of rejecting unknown usernames")
	fs.BoolVar(&cfg.SeedTestUsers, "seed-test-users", cfg.SeedTestUsers, "Create a small set of known test accounts on first startup")
	fs.StringVar(&cfg.ChannelsFile, "channels-file", cfg.ChannelsFile, "YAML file defining channels to create on startup")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	logLevel := fs.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := fs.String("log-format", "text", "Log format: text or json")
	_ = fs.Parse(args)

	if err := logging.Setup(logging.Options{Level: *logLevel, Format: *logFormat, Output: os.Stdout}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	cfg.CertPassword = os.Getenv("WHISPR_CERT_PASSWORD")

	aead, err := messageAEADFromEnv()
	if err != nil {
		slog.Error("message encryption setup", "err", err)
		os.Exit(1)
	}
	cfg.MessageAEAD = aead

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = ":memory:"
	}
	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func addUser(args []string) {
	fs := flag.NewFlagSet("add-user", flag.ExitOnError)
	admin := fs.Bool("admin", false, "grant the new user admin privileges")
	dbPath := fs.String("db", server.DefaultConfig().DBPath, "SQLite database file path")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: whisprd add-user <username> <password> [--admin]")
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	positional := fs.Args()
	if len(positional) != 2 {
		fs.Usage()
		os.Exit(1)
	}
	username, password := positional[0], positional[1]

	if err := model.ValidateUsername(username); err != nil {
		fmt.Fprintf(os.Stderr, "invalid username: %v\n", err)
		os.Exit(1)
	}

	store, err := datastore.NewProviderFactory(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	salt, hash, err := crypto.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
		os.Exit(1)
	}

	st := store.NonTx()
	defer st.Close()
	user, err := st.CreateUser(context.Background(), username, salt, hash, *admin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created user %q (id=%d, admin=%t)\n", user.Username, user.ID, user.IsAdmin)
}

func exportChannels(args []string) {
	fs := flag.NewFlagSet("export-channels", flag.ExitOnError)
	dbPath := fs.String("db", server.DefaultConfig().DBPath, "SQLite database file path")
	_ = fs.Parse(args)

	store, err := datastore.NewProviderFactory(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	st := store.NonTx()
	defer st.Close()
	data, err := server.ExportChannelsYAML(st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export channels: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(data))
}

func exportUsers(args []string) {
	fs := flag.NewFlagSet("export-users", flag.ExitOnError)
	dbPath := fs.String("db", server.DefaultConfig().DBPath, "SQLite database file path")
	_ = fs.Parse(args)

	store, err := datastore.NewProviderFactory(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	st := store.NonTx()
	defer st.Close()
	data, err := server.ExportUsersYAML(st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export users: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(data))
}

func importChannels(args []string) {
	fs := flag.NewFlagSet("import-channels", flag.ExitOnError)
	dbPath := fs.String("db", server.DefaultConfig().DBPath, "SQLite database file path")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: whisprd import-channels <path.yaml>")
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	positional := fs.Args()
	if len(positional) != 1 {
		fs.Usage()
		os.Exit(1)
	}

	store, err := datastore.NewProviderFactory(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	st := store.NonTx()
	defer st.Close()
	if err := server.LoadChannelsFromYAML(positional[0], st); err != nil {
		fmt.Fprintf(os.Stderr, "import channels: %v\n", err)
		os.Exit(1)
	}
}
