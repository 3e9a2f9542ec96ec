package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/zdc-sync/internal/auth"
	"github.com/alexjbarnes/zdc-sync/internal/state"
)

// Config holds all environment-based configuration for zdc-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Local state database. Defaults to ~/.zdc-sync/state.db.
	StateDBPath string `env:"STATE_DB_PATH"`

	// Account and treesystem this device syncs.
	LocalUserID    string `env:"LOCAL_USER_ID"`
	TreeID         string `env:"TREE_ID" envDefault:"com.zdc.sync"`
	PrivateKeyFile string `env:"PRIVATE_KEY_FILE"`

	// Object storage for the user's own bucket.
	S3Region       string `env:"S3_REGION" envDefault:"us-west-2"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3BaseEndpoint string `env:"S3_BASE_ENDPOINT"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`

	// Server-side proxy for shared listings, multipart completion and
	// user lookups.
	ProxyURL  string `env:"PROXY_URL"`
	AuthToken string `env:"AUTH_TOKEN"`

	// Push-notification channel. Empty disables it; polling still runs.
	NotifyURL    string        `env:"NOTIFY_URL"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5m"`

	// Engine tuning.
	PushWorkers        int           `env:"PUSH_WORKERS" envDefault:"4"`
	PullWorkers        int           `env:"PULL_WORKERS" envDefault:"8"`
	MultipartThreshold int64         `env:"MULTIPART_THRESHOLD" envDefault:"16777216"`
	MultipartPartSize  int64         `env:"MULTIPART_PART_SIZE" envDefault:"8388608"`
	S3FailThreshold    int           `env:"S3_FAIL_THRESHOLD" envDefault:"10"`
	PollFailThreshold  int           `env:"POLL_FAIL_THRESHOLD" envDefault:"10"`
	AppFailThreshold   int           `env:"APP_FAIL_THRESHOLD" envDefault:"5"`
	OrphanGrace        time.Duration `env:"ORPHAN_GRACE" envDefault:"24h"`
	RecordEveryVersion bool          `env:"RECORD_EVERY_VERSION" envDefault:"false"`

	// Optional local directory mirrored into the home trunk.
	MirrorDir string `env:"MIRROR_DIR"`

	// MCP control surface.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

const minPartSize = 5 << 20

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDBPath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StateDBPath = p
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The mirror maps event paths back to tree paths by prefix, which
	// needs an absolute root.
	if cfg.MirrorDir != "" {
		absDir, err := filepath.Abs(cfg.MirrorDir)
		if err != nil {
			return nil, fmt.Errorf("resolving mirror dir to absolute path: %w", err)
		}

		cfg.MirrorDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.LocalUserID == "" {
		return fmt.Errorf("LOCAL_USER_ID is required")
	}

	if c.PrivateKeyFile == "" {
		return fmt.Errorf("PRIVATE_KEY_FILE is required")
	}

	if c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required")
	}

	if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}

	if c.PushWorkers < 1 || c.PullWorkers < 1 {
		return fmt.Errorf("PUSH_WORKERS and PULL_WORKERS must be at least 1")
	}

	if c.MultipartPartSize < minPartSize {
		return fmt.Errorf("MULTIPART_PART_SIZE must be at least %d", minPartSize)
	}

	if c.MultipartThreshold < c.MultipartPartSize {
		return fmt.Errorf("MULTIPART_THRESHOLD must not be below MULTIPART_PART_SIZE")
	}

	if c.S3FailThreshold < 1 || c.PollFailThreshold < 1 || c.AppFailThreshold < 1 {
		return fmt.Errorf("fail thresholds must be at least 1")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.NotifyURL != "" && c.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required when NOTIFY_URL is set")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:zs_key1,user2:zs_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
