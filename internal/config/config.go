// Package config loads the ghwiki configuration file.
package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ghwiki/internal/apperr"
	"ghwiki/internal/content"
)

// Config holds all ghwiki settings.
type Config struct {
	GitHub  GitHubConfig  `yaml:"github"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Editor  EditorConfig  `yaml:"editor"`
	Logging LoggingConfig `yaml:"logging"`
}

// GitHubConfig selects the content repository.
type GitHubConfig struct {
	APIURL     string   `yaml:"api_url"`
	Owner      string   `yaml:"owner"`
	Repo       string   `yaml:"repo"`
	Branch     string   `yaml:"branch"`
	Root       string   `yaml:"root"`
	Token      string   `yaml:"token,omitempty"`
	Patterns   []string `yaml:"patterns"`
	DefaultExt string   `yaml:"default_ext"`
	Timeout    string   `yaml:"timeout"`
}

// ServerConfig configures the web UI.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	SessionKey  string `yaml:"session_key,omitempty"`
	Secure      bool   `yaml:"secure"`
	MaxUpload   int64  `yaml:"max_upload"`
	IdleTimeout string `yaml:"idle_timeout"` // signs out sessions unused for this long
}

// StorageConfig configures local state.
type StorageConfig struct {
	Database string `yaml:"database"`
	TreeTTL  string `yaml:"tree_ttl"`
}

// EditorConfig tunes the edit session.
type EditorConfig struct {
	DraftDelay    string `yaml:"draft_delay"`
	CheckInterval string `yaml:"check_interval"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		GitHub: GitHubConfig{
			APIURL:     "https://api.github.com",
			Branch:     "main",
			Patterns:   []string{"*.md", "*.markdown", "*.org"},
			DefaultExt: ".md",
			Timeout:    "30s",
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MaxUpload:   10 << 20,
			IdleTimeout: "24h",
		},
		Storage: StorageConfig{
			Database: "ghwiki.db",
			TreeTTL:  "24h",
		},
		Editor: EditorConfig{
			DraftDelay:    "2s",
			CheckInterval: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment variables override the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file. Secrets are not written.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	out := *c
	out.GitHub.Token = ""
	out.Server.SessionKey = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		c.GitHub.Token = token
	}
	if key := os.Getenv("GHWIKI_SESSION_KEY"); key != "" {
		c.Server.SessionKey = key
	}
	if path := os.Getenv("GHWIKI_DB"); path != "" {
		c.Storage.Database = path
	}
}

// Validate checks the configuration for missing or malformed values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.GitHub.Owner) == "" {
		return apperr.Validation("github.owner", "is required")
	}
	if strings.TrimSpace(c.GitHub.Repo) == "" {
		return apperr.Validation("github.repo", "is required")
	}
	if strings.Contains(c.GitHub.Root, "..") {
		return apperr.Validation("github.root", "must not contain ..")
	}
	if c.GitHub.DefaultExt != "" && !strings.HasPrefix(c.GitHub.DefaultExt, ".") {
		return apperr.Validation("github.default_ext", "must start with a dot")
	}
	if c.Storage.Database == "" {
		return apperr.Validation("storage.database", "is required")
	}
	if c.Server.SessionKey != "" && len(c.Server.SessionKey) < 32 {
		return apperr.Validation("server.session_key", "must be at least 32 characters long")
	}

	durations := map[string]string{
		"github.timeout":        c.GitHub.Timeout,
		"server.idle_timeout":   c.Server.IdleTimeout,
		"storage.tree_ttl":      c.Storage.TreeTTL,
		"editor.draft_delay":    c.Editor.DraftDelay,
		"editor.check_interval": c.Editor.CheckInterval,
	}
	for field, v := range durations {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperr.Validation(field, "%q is not a duration", v)
		}
		if d < 0 {
			return apperr.Validation(field, "must not be negative")
		}
	}
	return nil
}

// ContentOptions returns the content client options for a token.
func (c *Config) ContentOptions(token string) content.Options {
	return content.Options{
		BaseURL:    c.GitHub.APIURL,
		Owner:      c.GitHub.Owner,
		Repo:       c.GitHub.Repo,
		Branch:     c.GitHub.Branch,
		Root:       c.GitHub.Root,
		Token:      token,
		Patterns:   c.GitHub.Patterns,
		DefaultExt: c.GitHub.DefaultExt,
		HTTPClient: &http.Client{Timeout: c.Timeout()},
	}
}

// Timeout returns the GitHub request timeout.
func (c *Config) Timeout() time.Duration {
	return parseDuration(c.GitHub.Timeout, 30*time.Second)
}

// IdleTimeout returns how long an unused web session is kept.
func (c *Config) IdleTimeout() time.Duration {
	return parseDuration(c.Server.IdleTimeout, 24*time.Hour)
}

// TreeTTL returns how long a cached tree is served.
func (c *Config) TreeTTL() time.Duration {
	return parseDuration(c.Storage.TreeTTL, 24*time.Hour)
}

// DraftDelay returns the minimum time between draft writes.
func (c *Config) DraftDelay() time.Duration {
	return parseDuration(c.Editor.DraftDelay, 2*time.Second)
}

// CheckInterval returns the background remote-change check interval.
// Zero disables the check.
func (c *Config) CheckInterval() time.Duration {
	return parseDuration(c.Editor.CheckInterval, 30*time.Second)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
