// Package config loads bunkergate's configuration. Values are layered:
// built-in defaults, then an optional TOML file, then BUNKERGATE_*
// environment variables. Command-line flags are applied last by the CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ggoodman/bunkergate/internal/logctx"
	"github.com/joeshaw/envdecode"
)

// Store kinds.
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the full daemon configuration.
type Config struct {
	// Listen is the HTTP API address. ENV: BUNKERGATE_LISTEN
	Listen string `env:"BUNKERGATE_LISTEN"`

	Store      StoreConfig
	Signer     SignerConfig
	Surface    SurfaceConfig
	Management ManagementConfig
	Bridge     BridgeConfig
	Log        LogConfig
}

// StoreConfig selects the durable backend.
type StoreConfig struct {
	// Kind is one of file, redis or memory. ENV: BUNKERGATE_STORE
	Kind string `env:"BUNKERGATE_STORE"`
	// Path of the state file for the file store. ENV: BUNKERGATE_STORE_PATH
	Path string `env:"BUNKERGATE_STORE_PATH"`
	// RedisAddr like "localhost:6379". ENV: BUNKERGATE_REDIS_ADDR
	RedisAddr string `env:"BUNKERGATE_REDIS_ADDR"`
	// RedisPrefix for all keys. ENV: BUNKERGATE_REDIS_PREFIX
	RedisPrefix string `env:"BUNKERGATE_REDIS_PREFIX"`
	// RedisDB index. ENV: BUNKERGATE_REDIS_DB
	RedisDB int `env:"BUNKERGATE_REDIS_DB"`
}

// SignerConfig controls the remote signer connection.
type SignerConfig struct {
	ConnectTimeout time.Duration `env:"BUNKERGATE_CONNECT_TIMEOUT"`
	CallTimeout    time.Duration `env:"BUNKERGATE_SIGNER_TIMEOUT"`
	// KeyPassphrase seals the client key at rest when set.
	// ENV: BUNKERGATE_KEY_PASSPHRASE
	KeyPassphrase string `env:"BUNKERGATE_KEY_PASSPHRASE"`
}

// SurfaceConfig controls HTTP-mode approval surfaces.
type SurfaceConfig struct {
	// URL of the approval page. Empty means the page served at
	// http://<Listen>/approve. ENV: BUNKERGATE_SURFACE_URL
	URL           string        `env:"BUNKERGATE_SURFACE_URL"`
	AttachTimeout time.Duration `env:"BUNKERGATE_SURFACE_ATTACH_TIMEOUT"`
	TokenSecret   string        `env:"BUNKERGATE_SURFACE_TOKEN_SECRET"`
	TokenTTL      time.Duration `env:"BUNKERGATE_SURFACE_TOKEN_TTL"`
}

// ManagementConfig guards the management endpoint.
type ManagementConfig struct {
	Token string `env:"BUNKERGATE_MANAGEMENT_TOKEN"`
}

// BridgeConfig restricts the websocket page bridge.
type BridgeConfig struct {
	// Origins are host patterns such as "*.example.com", ';'-separated in
	// the environment. ENV: BUNKERGATE_BRIDGE_ORIGINS
	Origins []string `env:"BUNKERGATE_BRIDGE_ORIGINS"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `env:"BUNKERGATE_LOG_LEVEL"`
	Format string `env:"BUNKERGATE_LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen: "127.0.0.1:7447",
		Store: StoreConfig{
			Kind:        StoreFile,
			Path:        defaultStatePath(),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "bunkergate:",
		},
		Signer: SignerConfig{
			ConnectTimeout: 30 * time.Second,
			CallTimeout:    60 * time.Second,
		},
		Surface: SurfaceConfig{
			AttachTimeout: 2 * time.Minute,
			TokenTTL:      24 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "bunkergate", "state.json")
}

// Load builds a Config from defaults, the TOML file at path (if non-empty)
// and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Store.Kind {
	case StoreFile:
		if c.Store.Path == "" {
			return errors.New("config: store.path is required for the file store")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("config: store.redis_addr is required for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	if c.Signer.ConnectTimeout <= 0 || c.Signer.CallTimeout <= 0 {
		return errors.New("config: signer timeouts must be positive")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// SurfaceURL is the approval page URL, defaulting to the built-in page.
func (c Config) SurfaceURL() string {
	if c.Surface.URL != "" {
		return c.Surface.URL
	}
	return "http://" + c.Listen + "/approve"
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to w, with context groups
// added by logctx.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.ToLower(l.Format) == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
