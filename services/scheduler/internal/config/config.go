package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with CONFIG_PATH.
var ConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("CONFIG_PATH")); v != "" {
		return v
	}
	return "services/scheduler/config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel                  string `yaml:"logLevel"`
	ReminderServiceURL        string `yaml:"reminderServiceURL"`
	Interval                  string `yaml:"interval"`
	InternalJWTPrivateKeyPath string `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTKeyID          string `yaml:"internalJwtKeyId"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REMINDER_SERVICE_URL"); v != "" {
		cfg.ReminderServiceURL = v
	}
	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		cfg.Interval = v
	}
	if v := os.Getenv("INTERNAL_JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.InternalJWTPrivateKeyPath = v
	}
	if v := os.Getenv("INTERNAL_JWT_KEY_ID"); v != "" {
		cfg.InternalJWTKeyID = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.ReminderServiceURL) == "" {
		return errors.New("config: reminderServiceURL is required (set REMINDER_SERVICE_URL)")
	}
	if strings.TrimSpace(cfg.InternalJWTPrivateKeyPath) == "" {
		return errors.New("config: internalJwtPrivateKeyPath is required (set INTERNAL_JWT_PRIVATE_KEY_PATH)")
	}
	if _, err := ParseInterval(cfg.Interval); err != nil {
		return err
	}
	return nil
}

// ParseInterval parses the tick interval; empty means one minute. Intervals
// under a second are rejected.
func ParseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Minute, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid interval duration: %w", err)
	}
	if dur < time.Second {
		return 0, fmt.Errorf("invalid interval duration: %s is below 1s", dur)
	}
	return dur, nil
}
