package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/runwayhq/runway/pkg/optimistic"
	"github.com/runwayhq/runway/pkg/reconciler"
	"github.com/runwayhq/runway/pkg/view"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendBolt    = "bolt"
	BackendRethink = "rethinkdb"
)

// Environment variables that override secrets from the file
const (
	EnvJWTSecret       = "RUNWAY_JWT_SECRET"
	EnvRethinkPassword = "RUNWAY_RETHINK_PASSWORD"
)

// Config is the runway configuration file
type Config struct {
	Log     LogConfig   `yaml:"log"`
	Store   StoreConfig `yaml:"store"`
	API     APIConfig   `yaml:"api"`
	View    ViewConfig  `yaml:"view"`
	Edits   EditsConfig `yaml:"edits"`
	Schemas string      `yaml:"schemas"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type StoreConfig struct {
	Backend  string `yaml:"backend"`
	DataDir  string `yaml:"data_dir"`
	Address  string `yaml:"address"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type APIConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type ViewConfig struct {
	PageSize int `yaml:"page_size"`
}

type EditsConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Backend:  BackendBolt,
			DataDir:  "./runway-data",
			Address:  "localhost:28015",
			Database: "runway",
		},
		API: APIConfig{
			Addr:   ":8080",
			Issuer: "runway",
		},
		View:  ViewConfig{PageSize: view.DefaultPageSize},
		Edits: EditsConfig{Timeout: optimistic.DefaultTimeout, SweepInterval: reconciler.DefaultInterval},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.API.JWTSecret = v
	}
	if v := os.Getenv(EnvRethinkPassword); v != "" {
		c.Store.Password = v
	}
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Backend {
	case BackendBolt:
		if c.Store.DataDir == "" {
			problems = append(problems, "store.data_dir is required for the bolt backend")
		}
	case BackendRethink:
		if c.Store.Address == "" {
			problems = append(problems, "store.address is required for the rethinkdb backend")
		}
		if c.Store.Database == "" {
			problems = append(problems, "store.database is required for the rethinkdb backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.backend must be %q or %q, got %q", BackendBolt, BackendRethink, c.Store.Backend))
	}

	if c.View.PageSize < 1 {
		problems = append(problems, "view.page_size must be at least 1")
	}
	if c.Edits.Timeout <= 0 {
		problems = append(problems, "edits.timeout must be positive")
	}
	if c.Edits.SweepInterval <= 0 {
		problems = append(problems, "edits.sweep_interval must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
