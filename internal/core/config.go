package core

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/tunedesk/internal/healthcheck"
)

// Config is the tunedesk configuration file.
type Config struct {
	Registry struct {
		URL            string  `yaml:"url"`
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		Retries        int     `yaml:"retries"`
		RateLimit      float64 `yaml:"rate_limit"`
	} `yaml:"registry"`
	HealthCheck struct {
		TimeoutMS int    `yaml:"timeout_ms"`
		PaceMS    int    `yaml:"pace_ms"`
		Schedule  string `yaml:"schedule"`
	} `yaml:"healthcheck"`
	Catalog struct {
		URL      string `yaml:"url"`
		PageSize int    `yaml:"page_size"`
	} `yaml:"catalog"`
	Automation struct {
		URL       string `yaml:"url"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"automation"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Admin struct {
		Addr      string `yaml:"addr"`
		Token     string `yaml:"token"`
		PprofAddr string `yaml:"pprof_addr"`
		TLS       struct {
			CertFile     string `yaml:"cert_file"`
			KeyFile      string `yaml:"key_file"`
			ClientCAFile string `yaml:"client_ca_file"`
		} `yaml:"tls"`
	} `yaml:"admin"`
	Telemetry struct {
		Enabled   bool   `yaml:"enabled"`
		Namespace string `yaml:"namespace"`
	} `yaml:"telemetry"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.Registry.TimeoutSeconds = 30
	cfg.Registry.Retries = 3
	cfg.HealthCheck.TimeoutMS = 15000
	cfg.HealthCheck.PaceMS = 300
	cfg.Catalog.PageSize = 15
	cfg.Automation.BatchSize = 50
	cfg.Store.Path = filepath.Join(ConfigDir(), "tunedesk.db")
	cfg.Admin.Addr = ":8088"
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Namespace = "tunedesk"
	return cfg
}

// ConfigDir resolves $XDG_CONFIG_HOME/tunedesk or ~/.config/tunedesk.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "tunedesk")
}

// DefaultConfigPath is ConfigDir()/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// LoadConfig reads YAML configuration from a path on top of DefaultConfig.
// If path is empty the default location is used and a missing file is not an
// error. Secrets and environment variables are merged last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing tokens in YAML
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	applyEnv(&cfg, secrets)
	return cfg, nil
}

func applyEnv(cfg *Config, secrets map[string]string) {
	for _, key := range []string{"TUNEDESK_ADMIN_TOKEN", "TUNEDESK_REGISTRY_URL", "MAINTENANCE_SERVER"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if t := secrets["TUNEDESK_ADMIN_TOKEN"]; t != "" {
		cfg.Admin.Token = t
	}
	switch {
	case secrets["TUNEDESK_REGISTRY_URL"] != "":
		cfg.Registry.URL = secrets["TUNEDESK_REGISTRY_URL"]
	case cfg.Registry.URL == "" && secrets["MAINTENANCE_SERVER"] != "":
		cfg.Registry.URL = secrets["MAINTENANCE_SERVER"]
	}
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	for field, raw := range map[string]string{
		"registry.url":   c.Registry.URL,
		"catalog.url":    c.Catalog.URL,
		"automation.url": c.Automation.URL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("invalid %s %q: must be an absolute URL", field, raw)
		}
	}
	switch {
	case c.HealthCheck.TimeoutMS < 0:
		return fmt.Errorf("invalid healthcheck.timeout_ms %d: must not be negative", c.HealthCheck.TimeoutMS)
	case c.HealthCheck.PaceMS < 0:
		return fmt.Errorf("invalid healthcheck.pace_ms %d: must not be negative", c.HealthCheck.PaceMS)
	case c.Registry.TimeoutSeconds < 0:
		return fmt.Errorf("invalid registry.timeout_seconds %d: must not be negative", c.Registry.TimeoutSeconds)
	case c.Registry.Retries < 0:
		return fmt.Errorf("invalid registry.retries %d: must not be negative", c.Registry.Retries)
	case c.Catalog.PageSize < 0:
		return fmt.Errorf("invalid catalog.page_size %d: must not be negative", c.Catalog.PageSize)
	case c.Automation.BatchSize < 0:
		return fmt.Errorf("invalid automation.batch_size %d: must not be negative", c.Automation.BatchSize)
	}
	tls := c.Admin.TLS
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return fmt.Errorf("admin.tls requires both cert_file and key_file")
	}
	return nil
}

// HealthCheckConfig converts the millisecond settings into orchestrator timing.
func (c Config) HealthCheckConfig() healthcheck.Config {
	return healthcheck.Config{
		ProbeTimeout: time.Duration(c.HealthCheck.TimeoutMS) * time.Millisecond,
		Pace:         time.Duration(c.HealthCheck.PaceMS) * time.Millisecond,
	}
}

// RegistryTimeout is the per-request timeout for registry calls.
func (c Config) RegistryTimeout() time.Duration {
	return time.Duration(c.Registry.TimeoutSeconds) * time.Second
}
