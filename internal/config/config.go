// Package config resolves client settings from an optional YAML file,
// RELAYSYNC_* environment variables and built-in defaults, in that order of
// increasing precedence. Command-line flags are applied by the commands.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL  = "http://127.0.0.1:8080"
	DefaultStoreDSN = "file://.relaysync/state.json"
)

type Config struct {
	BaseURL   string `yaml:"baseUrl"`
	SocketURL string `yaml:"socketUrl"`
	StreamURL string `yaml:"streamUrl"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"tokenFile"`
	ClientID  string `yaml:"clientId"`

	StoreDSN          string `yaml:"storeDsn"`
	SchemaDir         string `yaml:"schemaDir"`
	DisableDeadLetter bool   `yaml:"disableDeadLetter"`

	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Log          LogConfig          `yaml:"log"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probeInterval"`
	ProbeTimeout  time.Duration `yaml:"probeTimeout"`
	// Debounce of zero publishes every probe result immediately.
	Debounce time.Duration `yaml:"debounce"`
	// LinkFile, when set, is watched for the OS link signal.
	LinkFile string `yaml:"linkFile"`
}

type SyncConfig struct {
	BatchSize      int           `yaml:"batchSize"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	BackoffBase    time.Duration `yaml:"backoffBase"`
	BackoffCap     time.Duration `yaml:"backoffCap"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type RealtimeConfig struct {
	PollInterval      time.Duration `yaml:"pollInterval"`
	PollMaxFailures   int           `yaml:"pollMaxFailures"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	MaxReconnectDelay time.Duration `yaml:"maxReconnectDelay"`
	BufferSize        int           `yaml:"bufferSize"`
	DisableSocket     bool          `yaml:"disableSocket"`
	DisableStream     bool          `yaml:"disableStream"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

func Default() Config {
	return Config{
		BaseURL:  DefaultBaseURL,
		StoreDSN: DefaultStoreDSN,
		Connectivity: ConnectivityConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			Debounce:      2 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:      50,
			MaxAttempts:    5,
			BackoffBase:    5 * time.Second,
			BackoffCap:     60 * time.Second,
			RetryInterval:  30 * time.Second,
			RequestTimeout: 15 * time.Second,
		},
		Realtime: RealtimeConfig{
			PollInterval:      10 * time.Second,
			PollMaxFailures:   3,
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
			BufferSize:        256,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path (skipped when empty), applies the environment and fills
// whatever is still unset with defaults.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without Normalize, for callers that layer their own
// overrides before the derived URLs are filled in.
func Read(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

// ApplyEnv overrides cfg with any RELAYSYNC_* variables that are set.
func ApplyEnv(cfg *Config) {
	cfg.BaseURL = envOrDefault("RELAYSYNC_BASE_URL", cfg.BaseURL)
	cfg.SocketURL = envOrDefault("RELAYSYNC_SOCKET_URL", cfg.SocketURL)
	cfg.StreamURL = envOrDefault("RELAYSYNC_STREAM_URL", cfg.StreamURL)
	cfg.Token = envOrDefault("RELAYSYNC_TOKEN", cfg.Token)
	cfg.TokenFile = envOrDefault("RELAYSYNC_TOKEN_FILE", cfg.TokenFile)
	cfg.ClientID = envOrDefault("RELAYSYNC_CLIENT_ID", cfg.ClientID)
	cfg.StoreDSN = envOrDefault("RELAYSYNC_STORE_DSN", cfg.StoreDSN)
	cfg.SchemaDir = envOrDefault("RELAYSYNC_SCHEMA_DIR", cfg.SchemaDir)
	cfg.DisableDeadLetter = boolEnv("RELAYSYNC_DISABLE_DEAD_LETTER", cfg.DisableDeadLetter)

	cfg.Connectivity.ProbeInterval = durationEnv("RELAYSYNC_PROBE_INTERVAL", cfg.Connectivity.ProbeInterval)
	cfg.Connectivity.ProbeTimeout = durationEnv("RELAYSYNC_PROBE_TIMEOUT", cfg.Connectivity.ProbeTimeout)
	cfg.Connectivity.Debounce = durationEnv("RELAYSYNC_DEBOUNCE", cfg.Connectivity.Debounce)
	cfg.Connectivity.LinkFile = envOrDefault("RELAYSYNC_LINK_FILE", cfg.Connectivity.LinkFile)

	cfg.Sync.BatchSize = intEnv("RELAYSYNC_BATCH_SIZE", cfg.Sync.BatchSize)
	cfg.Sync.MaxAttempts = intEnv("RELAYSYNC_MAX_ATTEMPTS", cfg.Sync.MaxAttempts)
	cfg.Sync.BackoffBase = durationEnv("RELAYSYNC_BACKOFF_BASE", cfg.Sync.BackoffBase)
	cfg.Sync.BackoffCap = durationEnv("RELAYSYNC_BACKOFF_CAP", cfg.Sync.BackoffCap)
	cfg.Sync.RetryInterval = durationEnv("RELAYSYNC_RETRY_INTERVAL", cfg.Sync.RetryInterval)
	cfg.Sync.RequestTimeout = durationEnv("RELAYSYNC_REQUEST_TIMEOUT", cfg.Sync.RequestTimeout)

	cfg.Realtime.PollInterval = durationEnv("RELAYSYNC_POLL_INTERVAL", cfg.Realtime.PollInterval)
	cfg.Realtime.PollMaxFailures = intEnv("RELAYSYNC_POLL_MAX_FAILURES", cfg.Realtime.PollMaxFailures)
	cfg.Realtime.ReconnectDelay = durationEnv("RELAYSYNC_RECONNECT_DELAY", cfg.Realtime.ReconnectDelay)
	cfg.Realtime.MaxReconnectDelay = durationEnv("RELAYSYNC_MAX_RECONNECT_DELAY", cfg.Realtime.MaxReconnectDelay)
	cfg.Realtime.BufferSize = intEnv("RELAYSYNC_BUFFER_SIZE", cfg.Realtime.BufferSize)
	cfg.Realtime.DisableSocket = boolEnv("RELAYSYNC_DISABLE_SOCKET", cfg.Realtime.DisableSocket)
	cfg.Realtime.DisableStream = boolEnv("RELAYSYNC_DISABLE_STREAM", cfg.Realtime.DisableStream)

	cfg.Log.File = envOrDefault("RELAYSYNC_LOG_FILE", cfg.Log.File)
	cfg.Log.MaxSizeMB = intEnv("RELAYSYNC_LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
}

// Normalize replaces non-positive settings with defaults and derives the
// realtime endpoints from the base URL when they are not set.
func (c *Config) Normalize() error {
	def := Default()
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil || base.Host == "" {
		return fmt.Errorf("invalid base URL %q", c.BaseURL)
	}
	if strings.TrimSpace(c.StoreDSN) == "" {
		c.StoreDSN = def.StoreDSN
	}
	if c.Token != "" && c.TokenFile != "" {
		return errors.New("token and tokenFile are mutually exclusive")
	}

	positive(&c.Connectivity.ProbeInterval, def.Connectivity.ProbeInterval)
	positive(&c.Connectivity.ProbeTimeout, def.Connectivity.ProbeTimeout)
	if c.Connectivity.Debounce < 0 {
		c.Connectivity.Debounce = 0
	}

	positiveInt(&c.Sync.BatchSize, def.Sync.BatchSize)
	positiveInt(&c.Sync.MaxAttempts, def.Sync.MaxAttempts)
	positive(&c.Sync.BackoffBase, def.Sync.BackoffBase)
	positive(&c.Sync.BackoffCap, def.Sync.BackoffCap)
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		c.Sync.BackoffCap = c.Sync.BackoffBase
	}
	positive(&c.Sync.RetryInterval, def.Sync.RetryInterval)
	positive(&c.Sync.RequestTimeout, def.Sync.RequestTimeout)

	positive(&c.Realtime.PollInterval, def.Realtime.PollInterval)
	positiveInt(&c.Realtime.PollMaxFailures, def.Realtime.PollMaxFailures)
	positive(&c.Realtime.ReconnectDelay, def.Realtime.ReconnectDelay)
	positive(&c.Realtime.MaxReconnectDelay, def.Realtime.MaxReconnectDelay)
	if c.Realtime.MaxReconnectDelay < c.Realtime.ReconnectDelay {
		c.Realtime.MaxReconnectDelay = c.Realtime.ReconnectDelay
	}
	positiveInt(&c.Realtime.BufferSize, def.Realtime.BufferSize)

	positiveInt(&c.Log.MaxSizeMB, def.Log.MaxSizeMB)
	if c.Log.MaxBackups < 0 {
		c.Log.MaxBackups = 0
	}
	if c.Log.MaxAgeDays < 0 {
		c.Log.MaxAgeDays = 0
	}

	if strings.TrimSpace(c.SocketURL) == "" {
		c.SocketURL = deriveURL(base, "/realtime/ws", true)
	}
	if strings.TrimSpace(c.StreamURL) == "" {
		c.StreamURL = deriveURL(base, "/realtime/stream", false)
	}
	return nil
}

func deriveURL(base *url.URL, path string, wsScheme bool) string {
	derived := *base
	if wsScheme {
		switch derived.Scheme {
		case "https":
			derived.Scheme = "wss"
		default:
			derived.Scheme = "ws"
		}
	}
	derived.Path = strings.TrimRight(derived.Path, "/") + path
	derived.RawQuery = ""
	derived.Fragment = ""
	return derived.String()
}

func positive(value *time.Duration, fallback time.Duration) {
	if *value <= 0 {
		*value = fallback
	}
}

func positiveInt(value *int, fallback int) {
	if *value <= 0 {
		*value = fallback
	}
}
