package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all environment-based configuration for the dashboard.
type Config struct {
	// Environment controls log format and selects the persisted namespace.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// StatePath is the bbolt database holding the connectivity record.
	// Defaults to ~/.pannello/state.db.
	StatePath string `env:"STATE_PATH"`

	// Hue Remote API OAuth client. Both must be set to enable the remote path.
	HueClientID     string `env:"HUE_CLIENT_ID"`
	HueClientSecret string `env:"HUE_CLIENT_SECRET"`
	HueAppID        string `env:"HUE_APP_ID"`
	HueRedirectURL  string `env:"HUE_REDIRECT_URL"`

	HueTokenURL     string `env:"HUE_TOKEN_URL" envDefault:"https://api.meethue.com/v2/oauth2/token"`
	HueAuthURL      string `env:"HUE_AUTH_URL" envDefault:"https://api.meethue.com/v2/oauth2/authorize"`
	HueRemoteAPIURL string `env:"HUE_REMOTE_API_URL" envDefault:"https://api.meethue.com/route"`

	HueProbeTimeout time.Duration `env:"HUE_PROBE_TIMEOUT" envDefault:"2s"`
	HueTokenBuffer  time.Duration `env:"HUE_TOKEN_BUFFER" envDefault:"5m"`

	// Proactive refresh job.
	HueRefreshSchedule  string        `env:"HUE_REFRESH_SCHEDULE" envDefault:"0 */6 * * *"`
	HueRefreshThreshold time.Duration `env:"HUE_REFRESH_THRESHOLD" envDefault:"24h"`

	// HueDestructiveOn500 treats an HTTP 500 from the token endpoint as a
	// permanently revoked grant.
	HueDestructiveOn500 bool `env:"HUE_DESTRUCTIVE_ON_500" envDefault:"true"`

	// DashboardUsers is "user1:bcrypt_hash,user2:bcrypt_hash".
	DashboardUsers string `env:"DASHBOARD_USERS"`

	EnableMCP bool `env:"ENABLE_MCP" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file holds the OAuth client secret.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
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

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if (c.HueClientID == "") != (c.HueClientSecret == "") {
		return fmt.Errorf("HUE_CLIENT_ID and HUE_CLIENT_SECRET must be set together")
	}

	if c.RemoteEnabled() && c.HueRedirectURL == "" {
		return fmt.Errorf("HUE_REDIRECT_URL is required when the remote API is enabled")
	}

	if c.HueProbeTimeout <= 0 {
		return fmt.Errorf("HUE_PROBE_TIMEOUT must be positive")
	}

	if c.HueTokenBuffer < 0 {
		return fmt.Errorf("HUE_TOKEN_BUFFER must not be negative")
	}

	if _, err := cron.ParseStandard(c.HueRefreshSchedule); err != nil {
		return fmt.Errorf("invalid HUE_REFRESH_SCHEDULE %q: %w", c.HueRefreshSchedule, err)
	}

	if c.DashboardUsers == "" {
		return fmt.Errorf("DASHBOARD_USERS is required")
	}

	if _, err := c.ParseDashboardUsers(); err != nil {
		return fmt.Errorf("parsing DASHBOARD_USERS: %w", err)
	}

	return nil
}

// DefaultStatePath returns ~/.pannello/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".pannello", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Namespace returns the persisted-record namespace for this environment.
// Development and production deployments sharing one database never see
// each other's bridge credentials.
func (c *Config) Namespace() string {
	if c.IsProduction() {
		return "prod"
	}
	return "dev"
}

// RemoteEnabled reports whether the Hue Remote API OAuth client is configured.
func (c *Config) RemoteEnabled() bool {
	return c.HueClientID != "" && c.HueClientSecret != ""
}

// UserCredentials maps usernames to bcrypt password hashes.
type UserCredentials map[string]string

// ParseDashboardUsers parses the DASHBOARD_USERS string.
// Format: "user1:hash1,user2:hash2". Hashes must be bcrypt.
func (c *Config) ParseDashboardUsers() (UserCredentials, error) {
	users := make(UserCredentials)
	if c.DashboardUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.DashboardUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("password for %q is not a bcrypt hash (use the hash-password subcommand)", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in DASHBOARD_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}
