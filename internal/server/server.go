// Package server implements the whispr control-plane router, channel
// manager, and UDP audio relay.
package server

import (
	"context"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/whispr-chat/whispr/internal/acl"
	"github.com/whispr-chat/whispr/internal/datastore"
)

// Config holds server configuration.
type Config struct {
	ControlAddr  string // TLS control plane bind address (e.g. ":8443")
	VoiceAddr    string // UDP audio plane bind address (e.g. ":8444")
	DBPath       string // SQLite database path, ":memory:" for an in-memory store
	CertFile     string // TLS certificate: a PKCS#12 bundle (.p12/.pfx) or a PEM certificate
	KeyFile      string // PEM private key file, only used when CertFile is a PEM certificate
	CertPassword string // decrypts a PKCS#12 bundle, from WHISPR_CERT_PASSWORD
	DataDir      string // directory for generated certs and data

	AllowAutoRegister bool // create a new account on first login instead of rejecting unknown usernames
	SeedTestUsers     bool // create a small set of known accounts on first startup

	ChannelsFile string // YAML file defining channels to create on startup
	MetricsAddr  string // HTTP bind address for /metrics (empty disables it)

	TokenLifetime time.Duration // session token lifetime

	// MessageAEAD, if non-nil, seals persisted chat message bodies at
	// rest. Nil means development-mode plaintext storage
	// (WHISPR_DEV_SKIP_MESSAGE_ENCRYPTION=1).
	MessageAEAD cipher.AEAD
}

// Dependencies holds external dependencies for the server. Shutdown does
// not close Store; closing it is left to whoever opened it.
type Dependencies struct {
	Store datastore.DataProviderFactory
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr:   ":8443",
		VoiceAddr:     ":8444",
		MetricsAddr:   ":8445",
		DBPath:        "whispr.db",
		DataDir:       ".",
		TokenLifetime: 24 * time.Hour,
	}
}

// loadPKCS12 decodes a password-protected PKCS#12 certificate bundle, the
// format operators hand whispr for certificate_path.
func loadPKCS12(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: read certificate bundle: %w", err)
	}
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: decode certificate bundle: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// loadOrGenerateTLS loads the TLS certificate from disk or generates a
// self-signed ECDSA P-256 pair, persisting it for future restarts.
// A CertFile ending in .p12 or .pfx is decoded as a PKCS#12 bundle; any
// other CertFile is treated as a PEM certificate paired with KeyFile.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	if cfg.CertFile != "" && (strings.HasSuffix(cfg.CertFile, ".p12") || strings.HasSuffix(cfg.CertFile, ".pfx")) {
		cert, err := loadPKCS12(cfg.CertFile, cfg.CertPassword)
		if err != nil {
			return tls.Certificate{}, err
		}
		slog.Info("loaded TLS certificate bundle", "cert", cfg.CertFile)
		return cert, nil
	}

	certPath := cfg.CertFile
	keyPath := cfg.KeyFile
	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"Whispr Server"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: create cert: %w", err)
	}

	certOut, err := os.Create(certPath) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: write cert: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		_ = certOut.Close()
		return tls.Certificate{}, fmt.Errorf("server: encode cert: %w", err)
	}
	if err := certOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("server: close cert file: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: marshal key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: write key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		_ = keyOut.Close()
		return tls.Certificate{}, fmt.Errorf("server: encode key: %w", err)
	}
	if err := keyOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("server: close key file: %w", err)
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)
	return tls.LoadX509KeyPair(certPath, keyPath)
}

// Server is the whispr control-plane router and audio relay.
type Server struct {
	cfg      Config
	sessions *SessionManager
	channels *ChannelManager
	udp      *UDPRegistry
	metrics  *Metrics
	store    datastore.DataProviderFactory
	resolver *acl.Resolver
	tokens   *acl.TokenStore

	controlConn net.Listener
	voiceConn   *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	store := deps.Store.NonTx()
	return &Server{
		cfg:      cfg,
		sessions: NewSessionManager(),
		channels: NewChannelManager(),
		udp:      NewUDPRegistry(),
		metrics:  NewMetrics(),
		store:    deps.Store,
		resolver: acl.NewResolver(store),
		tokens:   acl.NewTokenStore(cfg.TokenLifetime),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Server) Channels() *ChannelManager { return s.channels }
func (s *Server) Sessions() *SessionManager { return s.sessions }
func (s *Server) Metrics() *Metrics         { return s.metrics }
