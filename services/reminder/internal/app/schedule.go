package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"meditext/internal/util"
	"meditext/pkg/domain"
)

// DuePair is one (medication, time-of-day) whose reminder should go out at At.
type DuePair struct {
	Medication domain.Medication
	TimeOfDay  string
	// Day is the calendar date of At in the configured zone.
	Day string
	At  time.Time
}

// TickReport summarizes one evaluator run.
type TickReport struct {
	At      time.Time `json:"at"`
	Due     int       `json:"due"`
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
	Skipped int       `json:"skipped"`
	Errors  int       `json:"errors"`
}

// evaluationMinute converts now to the configured zone and drops seconds.
func (a *App) evaluationMinute(now time.Time) time.Time {
	t := now.In(a.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, a.loc)
}

// IsDue reports whether med needs a reminder for timeOfDay at now: the
// medication is active, timeOfDay equals the current HH:MM exactly, and no
// reminder exists yet for the medication on the current day.
func (a *App) IsDue(ctx context.Context, med domain.Medication, timeOfDay string, now time.Time) (bool, error) {
	if med.Status != domain.MedicationActive {
		return false, nil
	}
	at := a.evaluationMinute(now)
	if timeOfDay != at.Format("15:04") {
		return false, nil
	}
	exists, err := a.store.HasReminderForDay(ctx, med.ID, at.Format(time.DateOnly))
	if err != nil {
		return false, fmt.Errorf("check reminder for day: %w", err)
	}
	return !exists, nil
}

// Due lists active medications once and returns a sequence that checks each
// matching pair only as it is pulled. If the existence check fails the pair is
// still yielded; the insert-if-absent in Dispatch is the authoritative guard.
func (a *App) Due(ctx context.Context, now time.Time) (iter.Seq[DuePair], error) {
	meds, err := a.store.ListActiveMedications(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active medications: %w", err)
	}
	at := a.evaluationMinute(now)
	hhmm := at.Format("15:04")
	day := at.Format(time.DateOnly)
	return func(yield func(DuePair) bool) {
		for _, med := range meds {
			for _, tod := range med.Times {
				if tod != hhmm {
					continue
				}
				due, err := a.IsDue(ctx, med, tod, at)
				if err != nil {
					util.LoggerFromContext(ctx).Warn("due check failed", "medication_id", med.ID, "err", err)
					due = true
				}
				if !due {
					continue
				}
				if !yield(DuePair{Medication: med, TimeOfDay: tod, Day: day, At: at}) {
					return
				}
			}
		}
	}, nil
}

// Tick dispatches every due pair with bounded concurrency. A failing pair is
// counted and logged; it never stops the others.
func (a *App) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	report := TickReport{At: a.evaluationMinute(now)}
	pairs, err := a.Due(ctx, now)
	if err != nil {
		return report, err
	}
	logger := util.LoggerFromContext(ctx)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(a.concurrency)
	for pair := range pairs {
		report.Due++
		g.Go(func() error {
			r, err := a.Dispatch(ctx, pair)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAlreadyDispatched):
				report.Skipped++
			case err != nil:
				report.Errors++
				logger.Error("dispatch failed", "medication_id", pair.Medication.ID, "day", pair.Day, "err", err)
			case r.Status == domain.ReminderSent:
				report.Sent++
			default:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	logger.Info("scheduler_tick",
		"at", report.At.Format(time.RFC3339),
		"due", report.Due,
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"errors", report.Errors,
	)
	return report, nil
}
