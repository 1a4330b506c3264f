// Package config provides configuration management for the relay server.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pi-agent/relay/sandbox"
	"github.com/pi-agent/relay/secret"
)

// Config holds all configuration for the relay server.
type Config struct {
	// Host and Port form the HTTP listen address.
	Host string
	Port int

	// DataDir is the directory for persistent data (SQLite DB, sandbox
	// workspaces, secret manifests).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// EncryptionKey is the 32-byte key for secrets at rest, decoded
	// from base64. Required.
	EncryptionKey []byte
	// EncryptionKeyVersion tags new ciphertexts. Default: 1.
	EncryptionKeyVersion int

	// SandboxProvider selects the provider: mock, docker, cloudflare.
	SandboxProvider string

	// SandboxImage is the container image for docker sandboxes.
	SandboxImage string

	// Remote worker settings (cloudflare provider).
	RemoteBaseURL       string
	RemoteSigningKey    []byte
	RemoteStrictRestore bool

	// GitHubToken enables repository metadata sync.
	GitHubToken string

	// SlackWebhookURL, when set, receives session terminal-transition
	// notifications.
	SlackWebhookURL string

	// EnvironmentsFile seeds environment templates at startup (YAML).
	EnvironmentsFile string

	// IdleTimeout is how long an active session goes without activity
	// before the scheduler pauses it. Default: 5 minutes.
	IdleTimeout time.Duration

	// LogLevel is debug, info, warn, or error. Default: info.
	LogLevel string
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Load config file (~/.relay/config.env) into the environment.
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile()

	dataDir := envOr("RELAY_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		Host:                 envOr("RELAY_HOST", ""),
		Port:                 envOrInt("RELAY_PORT", 8787),
		DataDir:              dataDir,
		DatabasePath:         filepath.Join(dataDir, "state.db"),
		EncryptionKeyVersion: envOrInt("RELAY_ENCRYPTION_KEY_VERSION", 1),
		SandboxProvider:      envOr("SANDBOX_PROVIDER", sandbox.ProviderMock),
		SandboxImage:         envOr("RELAY_SANDBOX_IMAGE", "pi-sandbox"),
		RemoteBaseURL:        os.Getenv("RELAY_REMOTE_BASE_URL"),
		RemoteStrictRestore:  envOrBool("RELAY_REMOTE_STRICT_RESTORE", false),
		GitHubToken:          os.Getenv("GITHUB_TOKEN"),
		SlackWebhookURL:      os.Getenv("SLACK_WEBHOOK_URL"),
		EnvironmentsFile:     os.Getenv("RELAY_ENVIRONMENTS_FILE"),
		IdleTimeout:          envOrDuration("RELAY_IDLE_TIMEOUT", 5*time.Minute),
		LogLevel:             envOr("RELAY_LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("RELAY_ENCRYPTION_KEY"); raw != "" {
		key, err := secret.KeyFromBase64(raw)
		if err != nil {
			return nil, fmt.Errorf("RELAY_ENCRYPTION_KEY: %w", err)
		}
		cfg.EncryptionKey = key
	}
	if raw := os.Getenv("RELAY_REMOTE_SIGNING_KEY"); raw != "" {
		cfg.RemoteSigningKey = []byte(raw)
	}

	return cfg, nil
}

// loadConfigFile reads ~/.relay/config.env and sets any values that are not
// already present in the environment. This ensures env vars always win.
func loadConfigFile() {
	path := filepath.Join(defaultDataDir(), "config.env")
	f, err := os.Open(path)
	if err != nil {
		return // file doesn't exist or can't be read — that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		// Only set if not already in the environment.
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if len(c.EncryptionKey) == 0 {
		return fmt.Errorf("RELAY_ENCRYPTION_KEY is required (base64-encoded 32-byte key)")
	}
	switch c.SandboxProvider {
	case sandbox.ProviderMock, sandbox.ProviderDocker:
	case sandbox.ProviderCloudflare:
		if c.RemoteBaseURL == "" {
			return fmt.Errorf("RELAY_REMOTE_BASE_URL is required for the cloudflare provider")
		}
		if len(c.RemoteSigningKey) == 0 {
			return fmt.Errorf("RELAY_REMOTE_SIGNING_KEY is required for the cloudflare provider")
		}
	default:
		return fmt.Errorf("unknown SANDBOX_PROVIDER %q", c.SandboxProvider)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}
