// Package security raises alerts when security events from one source cross
// a threshold inside a window.
package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Rule is the alert threshold for one event/outcome pair.
type Rule struct {
	Threshold int64
	Window    time.Duration
}

// Alert is the outcome of one Observe call.
type Alert struct {
	Triggered bool
	Count     int64
	Rule      Rule
}

// Alerter counts security events per source in Redis.
type Alerter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewAlerter(addr, password, prefix string) (*Alerter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("alerter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "meditext:reminder:alerts"
	}
	return &Alerter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Observe counts one event from source. Events without a rule are ignored.
func (a *Alerter) Observe(ctx context.Context, event, outcome, source string) (Alert, error) {
	if a == nil {
		return Alert{}, nil
	}
	rule, ok := ruleFor(event, outcome)
	if !ok {
		return Alert{}, nil
	}
	windowMs := rule.Window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, segment(event), segment(outcome), segment(source), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return Alert{}, err
	}
	// fire once per window, on the crossing
	return Alert{Triggered: count == rule.Threshold, Count: count, Rule: rule}, nil
}

func (a *Alerter) Close() error {
	if a == nil {
		return nil
	}
	return a.client.Close()
}

func ruleFor(event, outcome string) (Rule, bool) {
	if outcome == "rate_limited" {
		return Rule{Threshold: 20, Window: time.Minute}, true
	}
	if outcome != "fail" {
		return Rule{}, false
	}
	switch event {
	case "reminder.otp.verify":
		// six-digit codes: repeated misses from one source look like guessing
		return Rule{Threshold: 10, Window: 5 * time.Minute}, true
	case "reminder.otp.issue", "reminder.webhook":
		return Rule{Threshold: 15, Window: 5 * time.Minute}, true
	case "reminder.internal.authorize", "reminder.patient.authorize":
		return Rule{Threshold: 5, Window: 5 * time.Minute}, true
	default:
		return Rule{}, false
	}
}

func segment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
