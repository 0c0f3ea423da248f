// Package config manages the client configuration and the .h3 directory that
// holds it next to the local replica.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/pelletier/go-toml/v2"
)

const (
	Dir          = ".h3"
	ConfigFile   = "config"
	DatabaseFile = "h3.db"
)

// ErrNotInitialized is returned when no .h3 directory exists in the working
// directory or any of its parents.
var ErrNotInitialized = errors.New("not an h3 replica (or any parent up to root)")

// Config represents the client configuration.
type Config struct {
	RemoteURL    string      `toml:"remote_url"`
	Token        string      `toml:"token,omitempty"`
	User         string      `toml:"user,omitempty"` // last logged-in user code
	GlobalScope  string      `toml:"global_scope,omitempty"`
	SyncSchedule string      `toml:"sync_schedule,omitempty"` // cron, seconds first
	Retry        RetryConfig `toml:"retry"`
	path         string      // path to .h3 directory
}

// RetryConfig holds read-retry settings for the remote client. Durations are
// Go duration strings ("500ms", "30s").
type RetryConfig struct {
	MaxRetries     int     `toml:"max_retries"`
	InitialBackoff string  `toml:"initial_backoff"`
	MaxBackoff     string  `toml:"max_backoff"`
	JitterFraction float64 `toml:"jitter_fraction"`
}

func defaultRetry() RetryConfig {
	d := remote.DefaultRetryConfig()
	return RetryConfig{
		MaxRetries:     d.MaxRetries,
		InitialBackoff: d.InitialBackoff.String(),
		MaxBackoff:     d.MaxBackoff.String(),
		JitterFraction: d.JitterFraction,
	}
}

// Remote converts the settings for remote.NewRetryClient.
func (r RetryConfig) Remote() (*remote.RetryConfig, error) {
	cfg := remote.DefaultRetryConfig()
	if r.MaxRetries > 0 {
		cfg.MaxRetries = r.MaxRetries
	}
	if r.InitialBackoff != "" {
		d, err := time.ParseDuration(r.InitialBackoff)
		if err != nil {
			return nil, fmt.Errorf("retry.initial_backoff: %w", err)
		}
		cfg.InitialBackoff = d
	}
	if r.MaxBackoff != "" {
		d, err := time.ParseDuration(r.MaxBackoff)
		if err != nil {
			return nil, fmt.Errorf("retry.max_backoff: %w", err)
		}
		cfg.MaxBackoff = d
	}
	if r.JitterFraction < 0 || r.JitterFraction > 1 {
		return nil, fmt.Errorf("retry.jitter_fraction must be between 0 and 1, got %v", r.JitterFraction)
	}
	if r.JitterFraction > 0 {
		cfg.JitterFraction = r.JitterFraction
	}
	return cfg, nil
}

// FindRoot finds the .h3 directory by walking up from the current directory.
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return findRootFrom(dir)
}

func findRootFrom(dir string) (string, error) {
	for {
		p := filepath.Join(dir, Dir)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// Load loads the configuration from the nearest .h3 directory.
func Load() (*Config, error) {
	root, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(root)
}

// LoadFrom loads the configuration from the given .h3 directory.
func LoadFrom(root string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Config{Retry: defaultRetry()}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.GlobalScope == "" {
		cfg.GlobalScope = models.GlobalScope
	}

	cfg.path = root
	return &cfg, nil
}

// Save saves the configuration to disk. The file may carry a token, so it is
// only readable by the owner.
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0600)
}

// Path returns the path to the .h3 directory.
func (c *Config) Path() string {
	return c.path
}

// DatabasePath returns the path to the replica database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.path, DatabaseFile)
}

// Initialize creates a new .h3 directory in the current directory.
func Initialize(remoteURL string) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return InitializeAt(cwd, remoteURL)
}

// InitializeAt creates a new .h3 directory under dir.
func InitializeAt(dir, remoteURL string) (*Config, error) {
	if remoteURL == "" {
		return nil, errors.New("remote URL is required")
	}
	root := filepath.Join(dir, Dir)

	if _, err := os.Stat(root); err == nil {
		return nil, errors.New("h3 replica already exists")
	}

	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", Dir, err)
	}

	cfg := &Config{
		RemoteURL:   remoteURL,
		GlobalScope: models.GlobalScope,
		Retry:       defaultRetry(),
		path:        root,
	}

	if err := cfg.Save(); err != nil {
		os.RemoveAll(root)
		return nil, err
	}

	return cfg, nil
}
