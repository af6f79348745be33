package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
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
	return "services/reminder/config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string `yaml:"port"`
	LogLevel                  string `yaml:"logLevel"`
	DatabaseURL               string `yaml:"databaseURL"`
	RedisAddr                 string `yaml:"redisAddr"`
	RedisPassword             string `yaml:"redisPassword"`
	Timezone                  string `yaml:"timezone"`
	CountryCode               string `yaml:"countryCode"`
	OTPTTL                    string `yaml:"otpTTL"`
	CorrelationWindow         string `yaml:"correlationWindow"`
	DispatchConcurrency       int    `yaml:"dispatchConcurrency"`
	MaxRetries                int    `yaml:"maxRetries"`
	SMSEndpoint               string `yaml:"smsEndpoint"`
	SMSAPIKey                 string `yaml:"smsAPIKey"`
	SMSSender                 string `yaml:"smsSender"`
	SMSTimeoutSeconds         int    `yaml:"smsTimeoutSeconds"`
	AMQPURL                   string `yaml:"amqpURL"`
	AMQPExchange              string `yaml:"amqpExchange"`
	RetryStream               string `yaml:"retryStream"`
	RetryGroup                string `yaml:"retryGroup"`
	RetryWorkers              int    `yaml:"retryWorkers"`
	RetryBackoff              string `yaml:"retryBackoff"`
	OTPRateLimitPerMinute     int    `yaml:"otpRateLimitPerMinute"`
	WebhookRateLimitPerMinute int    `yaml:"webhookRateLimitPerMinute"`
	TrustedProxyCIDRs         string `yaml:"trustedProxyCidrs"`
	InternalJWTPublicKeyPath  string `yaml:"internalJwtPublicKeyPath"`
	InternalJWTKeyID          string `yaml:"internalJwtKeyId"`
	SessionJWTPrivateKeyPath  string `yaml:"sessionJwtPrivateKeyPath"`
	SessionJWTKeyID           string `yaml:"sessionJwtKeyId"`
	SessionTTL                string `yaml:"sessionTTL"`
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
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	str := map[string]*string{
		"PORT":                         &cfg.Port,
		"LOG_LEVEL":                    &cfg.LogLevel,
		"DATABASE_URL":                 &cfg.DatabaseURL,
		"REDIS_ADDR":                   &cfg.RedisAddr,
		"REDIS_PASSWORD":               &cfg.RedisPassword,
		"REMINDER_TIMEZONE":            &cfg.Timezone,
		"REMINDER_COUNTRY_CODE":        &cfg.CountryCode,
		"REMINDER_OTP_TTL":             &cfg.OTPTTL,
		"REMINDER_CORRELATION_WINDOW":  &cfg.CorrelationWindow,
		"SMS_ENDPOINT":                 &cfg.SMSEndpoint,
		"SMS_API_KEY":                  &cfg.SMSAPIKey,
		"SMS_SENDER":                   &cfg.SMSSender,
		"AMQP_URL":                     &cfg.AMQPURL,
		"AMQP_EXCHANGE":                &cfg.AMQPExchange,
		"REMINDER_RETRY_STREAM":        &cfg.RetryStream,
		"REMINDER_RETRY_GROUP":         &cfg.RetryGroup,
		"REMINDER_RETRY_BACKOFF":       &cfg.RetryBackoff,
		"TRUSTED_PROXY_CIDRS":          &cfg.TrustedProxyCIDRs,
		"INTERNAL_JWT_PUBLIC_KEY_PATH": &cfg.InternalJWTPublicKeyPath,
		"INTERNAL_JWT_KEY_ID":          &cfg.InternalJWTKeyID,
		"SESSION_JWT_PRIVATE_KEY_PATH": &cfg.SessionJWTPrivateKeyPath,
		"SESSION_JWT_KEY_ID":           &cfg.SessionJWTKeyID,
		"SESSION_TTL":                  &cfg.SessionTTL,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"REMINDER_DISPATCH_CONCURRENCY":          &cfg.DispatchConcurrency,
		"REMINDER_MAX_RETRIES":                   &cfg.MaxRetries,
		"REMINDER_RETRY_WORKERS":                 &cfg.RetryWorkers,
		"SMS_TIMEOUT_SECONDS":                    &cfg.SMSTimeoutSeconds,
		"REMINDER_OTP_RATE_LIMIT_PER_MINUTE":     &cfg.OTPRateLimitPerMinute,
		"REMINDER_WEBHOOK_RATE_LIMIT_PER_MINUTE": &cfg.WebhookRateLimitPerMinute,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for verification codes, rate limits and the retry queue")
	}
	if strings.TrimSpace(cfg.InternalJWTPublicKeyPath) == "" {
		return errors.New("config: internalJwtPublicKeyPath is required (set INTERNAL_JWT_PUBLIC_KEY_PATH)")
	}
	if strings.TrimSpace(cfg.SessionJWTPrivateKeyPath) == "" {
		return errors.New("config: sessionJwtPrivateKeyPath is required (set SESSION_JWT_PRIVATE_KEY_PATH)")
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	if _, err := ParseDuration("otpTTL", cfg.OTPTTL); err != nil {
		return err
	}
	for name, raw := range map[string]string{
		"correlationWindow": cfg.CorrelationWindow,
		"retryBackoff":      cfg.RetryBackoff,
		"sessionTTL":        cfg.SessionTTL,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return err
		}
	}
	if cfg.DispatchConcurrency < 0 || cfg.MaxRetries < 0 || cfg.RetryWorkers < 0 || cfg.SMSTimeoutSeconds < 0 {
		return errors.New("config: concurrency, retry and timeout settings must be >= 0")
	}
	if cfg.OTPRateLimitPerMinute < 0 || cfg.WebhookRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.SMSAPIKey != "" && strings.TrimSpace(cfg.SMSEndpoint) == "" {
		return errors.New("config: smsAPIKey requires smsEndpoint")
	}
	return nil
}

// Location resolves the configured IANA zone; empty means UTC.
func (c FileConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// SMSTimeout returns the gateway client timeout; zero selects the sender default.
func (c FileConfig) SMSTimeout() time.Duration {
	return time.Duration(c.SMSTimeoutSeconds) * time.Second
}

// ParseDuration parses an optional duration setting; empty yields zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", name)
	}
	return dur, nil
}

// ParseList splits a comma-separated setting, dropping blanks.
func ParseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
