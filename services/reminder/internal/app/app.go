package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"meditext/internal/util"
	"meditext/pkg/events"
	"meditext/pkg/queue"
	"meditext/pkg/sms"
	"meditext/pkg/store"
)

const (
	defaultCodeTTL           = 10 * time.Minute
	defaultCorrelationWindow = 2 * time.Hour
	defaultConcurrency       = 8
	defaultMaxRetries        = 3
	defaultRetryBackoff      = 30 * time.Second
	maxRetryBackoff          = 30 * time.Minute
)

// RetryScheduler queues a failed reminder for another dispatch attempt once
// delay has passed.
type RetryScheduler interface {
	EnqueueAfter(ctx context.Context, reminderID string, delay time.Duration) (queue.RetryJob, error)
}

// Config holds runtime configuration for the reminder engine.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	// Location is the zone reminder times and days are evaluated in.
	Location            *time.Location
	CountryCode         string
	CodeTTL             time.Duration
	CorrelationWindow   time.Duration
	DispatchConcurrency int
	MaxRetries          int
	// RetryBackoff is the delay before the first re-send; it doubles with
	// every retry already spent.
	RetryBackoff time.Duration

	Store   store.Store
	Codes   store.CodeStore
	Sender  sms.Sender
	Events  events.Publisher
	Retries RetryScheduler
	Now     func() time.Time
}

// App is the reminder engine: verification codes, schedule evaluation,
// dispatch, reply correlation and adherence accounting.
type App struct {
	store   store.Store
	codes   store.CodeStore
	sender  sms.Sender
	events  events.Publisher
	retries RetryScheduler
	now     func() time.Time

	loc         *time.Location
	countryCode string
	codeTTL     time.Duration
	window      time.Duration
	concurrency int
	maxRetries  int
	backoff     time.Duration
}

// New constructs the engine. Store and code store fall back to Postgres and
// Redis from the connection settings when not injected.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	codes := cfg.Codes
	if codes == nil {
		var err error
		codes, err = store.NewRedisCodeStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("init code store: %w", err)
		}
	}
	sender := cfg.Sender
	if sender == nil {
		sender = sms.NewLogSender(slog.Default())
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	codeTTL := cfg.CodeTTL
	if codeTTL <= 0 {
		codeTTL = defaultCodeTTL
	}
	window := cfg.CorrelationWindow
	if window <= 0 {
		window = defaultCorrelationWindow
	}
	concurrency := cfg.DispatchConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	countryCode := strings.TrimSpace(cfg.CountryCode)
	if countryCode == "" {
		countryCode = sms.DefaultCountryCode
	}
	return &App{
		store:       dataStore,
		codes:       codes,
		sender:      sender,
		events:      publisher,
		retries:     cfg.Retries,
		now:         now,
		loc:         loc,
		countryCode: countryCode,
		codeTTL:     codeTTL,
		window:      window,
		concurrency: concurrency,
		maxRetries:  maxRetries,
		backoff:     backoff,
	}, nil
}

// NormalizePhone canonicalizes raw with the configured country code.
func (a *App) NormalizePhone(raw string) string {
	return sms.NormalizePhone(raw, a.countryCode)
}

// publish emits an event and only logs on failure.
func (a *App) publish(ctx context.Context, eventType string, data map[string]any) {
	if err := a.events.Publish(ctx, eventType, data); err != nil {
		util.LoggerFromContext(ctx).Warn("event publish failed", "event", eventType, "err", err)
	}
}
