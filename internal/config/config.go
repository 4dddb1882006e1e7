package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration bounds for a single reservation, in minutes.
const (
	MinDurationMinutes = 1
	MaxDurationMinutes = 300
)

type Config struct {
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		Debug    bool   `yaml:"debug"`
	} `yaml:"telegram"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		StateTTL int    `yaml:"state_ttl_minutes"`
	} `yaml:"redis"`

	Machines MachinesConfig `yaml:"machines"`

	Notifications struct {
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
		MaxConcurrent int     `yaml:"max_concurrent"`
	} `yaml:"notifications"`

	Limits struct {
		CodeAttempts      int `yaml:"code_attempts"`
		CodeWindowSeconds int `yaml:"code_window_seconds"`
	} `yaml:"limits"`

	Backup BackupConfig `yaml:"backup"`

	History struct {
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"history"`

	Monitoring struct {
		HealthCheckPort      int     `yaml:"health_check_port"`
		APICacheSeconds      int     `yaml:"api_cache_seconds"`
		APIRequestsPerSecond float64 `yaml:"api_requests_per_second"`
		APIBurst             int     `yaml:"api_burst"`
		PrometheusEnabled    bool    `yaml:"prometheus_enabled"`
		PrometheusPort       int     `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Admins []int64 `yaml:"admins"`
}

// MachinesConfig describes the seeded pool and the preset durations per kind.
type MachinesConfig struct {
	Washers       int   `yaml:"washers"`
	Dryers        int   `yaml:"dryers"`
	WasherPresets []int `yaml:"washer_presets"`
	DryerPresets  []int `yaml:"dryer_presets"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	StoragePath   string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads the YAML config at path. A .env file next to the working
// directory is loaded first so ${ENV_VAR} placeholders can refer to it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("LAUNDRY_CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	// .env is optional
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = []byte(os.ExpandEnv(string(data)))
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Run on defaults and environment only.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if token := os.Getenv("BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}

	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "data/laundry.db"
	}
	if c.Redis.StateTTL <= 0 {
		c.Redis.StateTTL = 30
	}
	if c.Machines.Washers == 0 && c.Machines.Dryers == 0 {
		c.Machines.Washers = 4
		c.Machines.Dryers = 3
	}
	if len(c.Machines.WasherPresets) == 0 {
		c.Machines.WasherPresets = []int{2, 50, 60}
	}
	if len(c.Machines.DryerPresets) == 0 {
		c.Machines.DryerPresets = []int{45, 55, 65}
	}
	if c.Notifications.RatePerSecond <= 0 {
		c.Notifications.RatePerSecond = 20
	}
	if c.Notifications.Burst <= 0 {
		c.Notifications.Burst = 30
	}
	if c.Notifications.MaxConcurrent <= 0 {
		c.Notifications.MaxConcurrent = 10
	}
	if c.Limits.CodeAttempts <= 0 {
		c.Limits.CodeAttempts = 5
	}
	if c.Limits.CodeWindowSeconds <= 0 {
		c.Limits.CodeWindowSeconds = 60
	}
	if c.Backup.IntervalHours <= 0 {
		c.Backup.IntervalHours = 24
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}
	if c.History.RetentionDays <= 0 {
		c.History.RetentionDays = 90
	}
	if c.Monitoring.HealthCheckPort == 0 {
		c.Monitoring.HealthCheckPort = 8090
	}
	if c.Monitoring.APICacheSeconds <= 0 {
		c.Monitoring.APICacheSeconds = 5
	}
	if c.Monitoring.APIRequestsPerSecond <= 0 {
		c.Monitoring.APIRequestsPerSecond = 10
	}
	if c.Monitoring.APIBurst <= 0 {
		c.Monitoring.APIBurst = 5
	}
	if c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Machines.Washers < 0 || c.Machines.Dryers < 0 {
		return fmt.Errorf("machines: counts cannot be negative")
	}
	if c.Machines.Washers > 99 || c.Machines.Dryers > 99 {
		return fmt.Errorf("machines: at most 99 machines per kind")
	}
	if err := validatePresets("machines.washer_presets", c.Machines.WasherPresets); err != nil {
		return err
	}
	if err := validatePresets("machines.dryer_presets", c.Machines.DryerPresets); err != nil {
		return err
	}
	return nil
}

func validatePresets(name string, presets []int) error {
	for i, p := range presets {
		if p < MinDurationMinutes || p > MaxDurationMinutes {
			return fmt.Errorf("%s[%d]: %d is outside %d-%d minutes",
				name, i, p, MinDurationMinutes, MaxDurationMinutes)
		}
	}
	return nil
}

// IsAdmin reports whether userID may run admin commands.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Config) StateTTL() time.Duration {
	return time.Duration(c.Redis.StateTTL) * time.Minute
}

func (c *Config) CodeWindow() time.Duration {
	return time.Duration(c.Limits.CodeWindowSeconds) * time.Second
}

func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}

func (c *Config) APICacheTTL() time.Duration {
	return time.Duration(c.Monitoring.APICacheSeconds) * time.Second
}
