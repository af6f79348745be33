package tickclient

import (
	"context"
	"log/slog"
	"time"
)

// Ticker is the call the runner makes on each boundary.
type Ticker interface {
	Tick(ctx context.Context, at time.Time) (Report, error)
}

// Runner fires Ticker on interval boundaries until its context ends. A failed
// tick is logged and the next boundary proceeds as normal.
type Runner struct {
	ticker   Ticker
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

func NewRunner(ticker Ticker, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{ticker: ticker, interval: interval, logger: logger, now: time.Now, after: time.After}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	for {
		next := nextBoundary(r.now(), r.interval)
		select {
		case <-ctx.Done():
			return
		case <-r.after(next.Sub(r.now())):
		}
		r.fire(ctx, next)
	}
}

func (r *Runner) fire(ctx context.Context, at time.Time) {
	// the tick must finish before the next boundary
	tickCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()
	report, err := r.ticker.Tick(tickCtx, at)
	if err != nil {
		r.logger.Error("scheduler tick failed", "at", at, "err", err)
		return
	}
	r.logger.Info("scheduler tick",
		"at", at,
		"due", report.Due,
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"errors", report.Errors,
	)
}

// nextBoundary returns the first multiple of interval strictly after now.
func nextBoundary(now time.Time, interval time.Duration) time.Time {
	next := now.Truncate(interval)
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next
}
