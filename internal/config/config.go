package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const FileName = "chub.yml"

// Recompute modes for contests.recompute_status_on_edit.
const (
	RecomputeAlways       = "always"
	RecomputeRelevantOnly = "relevant_only"
)

// Config models chub.yml.
type Config struct {
	Site struct {
		Name    string `yaml:"name" json:"name"`
		BaseURL string `yaml:"base_url" json:"base_url"`
	} `yaml:"site" json:"site"`
	Store struct {
		Driver string `yaml:"driver" json:"driver"`
		DSN    string `yaml:"dsn" json:"-"`
	} `yaml:"store" json:"store"`
	Contests struct {
		RecomputeStatusOnEdit string `yaml:"recompute_status_on_edit" json:"recompute_status_on_edit"`
		SlugMaxLength         int    `yaml:"slug_max_length" json:"slug_max_length"`
		Timezone              string `yaml:"timezone" json:"timezone"`
	} `yaml:"contests" json:"contests"`
	Alerts struct {
		ClosingSoonDays int `yaml:"closing_soon_days" json:"closing_soon_days"`
		OpeningSoonDays int `yaml:"opening_soon_days" json:"opening_soon_days"`
	} `yaml:"alerts" json:"alerts"`
	Jobs struct {
		RefreshStatus struct {
			Schedule       string `yaml:"schedule" json:"schedule"`
			LockTTLSeconds int    `yaml:"lock_ttl_seconds" json:"lock_ttl_seconds"`
		} `yaml:"refresh_status" json:"refresh_status"`
	} `yaml:"jobs" json:"jobs"`
	Cache struct {
		RedisAddr   string              `yaml:"redis_addr" json:"redis_addr"`
		RedisDB     int                 `yaml:"redis_db" json:"redis_db"`
		RedisPrefix string              `yaml:"redis_prefix" json:"redis_prefix"`
		Revalidate  []RevalidateWebhook `yaml:"revalidate" json:"revalidate"`
	} `yaml:"cache" json:"cache"`
	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
}

// RevalidateWebhook is an endpoint told which public paths went stale.
type RevalidateWebhook struct {
	URL            string `yaml:"url" json:"url"`
	Secret         string `yaml:"secret" json:"-"`
	Enabled        *bool  `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Load reads and validates chub.yml from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with chub config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Site.Name == "" {
		c.Site.Name = "concursohub"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Contests.RecomputeStatusOnEdit == "" {
		c.Contests.RecomputeStatusOnEdit = RecomputeAlways
	}
	if c.Contests.SlugMaxLength == 0 {
		c.Contests.SlugMaxLength = 120
	}
	if c.Contests.Timezone == "" {
		c.Contests.Timezone = "America/Sao_Paulo"
	}
	if c.Alerts.ClosingSoonDays == 0 {
		c.Alerts.ClosingSoonDays = 7
	}
	if c.Alerts.OpeningSoonDays == 0 {
		c.Alerts.OpeningSoonDays = 15
	}
	if c.Jobs.RefreshStatus.LockTTLSeconds == 0 {
		c.Jobs.RefreshStatus.LockTTLSeconds = 300
	}
	if c.Cache.RedisPrefix == "" {
		c.Cache.RedisPrefix = "chub:"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config.store.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	switch c.Contests.RecomputeStatusOnEdit {
	case RecomputeAlways, RecomputeRelevantOnly:
	default:
		return fmt.Errorf("config.contests.recompute_status_on_edit must be %s or %s", RecomputeAlways, RecomputeRelevantOnly)
	}
	if c.Contests.SlugMaxLength < 16 {
		return fmt.Errorf("config.contests.slug_max_length must be at least 16")
	}
	if _, err := time.LoadLocation(c.Contests.Timezone); err != nil {
		return fmt.Errorf("config.contests.timezone: %w", err)
	}
	if c.Alerts.ClosingSoonDays < 0 || c.Alerts.OpeningSoonDays < 0 {
		return fmt.Errorf("config.alerts windows must not be negative")
	}
	if s := strings.TrimSpace(c.Jobs.RefreshStatus.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return fmt.Errorf("config.jobs.refresh_status.schedule: %w", err)
		}
	}
	if c.Jobs.RefreshStatus.LockTTLSeconds < 0 {
		return fmt.Errorf("config.jobs.refresh_status.lock_ttl_seconds must not be negative")
	}
	for i, hook := range c.Cache.Revalidate {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.cache.revalidate[%d].url is required", i)
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// Location returns the timezone contest dates are interpreted in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Contests.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LockTTL is the advisory lock lifetime of the refresh job.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Jobs.RefreshStatus.LockTTLSeconds) * time.Second
}

const defaultTemplate = `site:
  name: concursohub
  base_url: http://localhost:3000

store:
  driver: sqlite

contests:
  # always: every edit re-derives status from the merged record.
  # relevant_only: only edits to status or lifecycle dates do.
  recompute_status_on_edit: always
  slug_max_length: 120
  timezone: America/Sao_Paulo

alerts:
  closing_soon_days: 7
  opening_soon_days: 15

jobs:
  refresh_status:
    # standard 5-field cron; empty disables the scheduler
    schedule: ""
    lock_ttl_seconds: 300

cache:
  redis_addr: ""
  redis_prefix: "chub:"
  revalidate: []

log:
  level: info
  format: json
`
