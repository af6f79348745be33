package app

import (
	"context"
	"errors"
	"testing"

	"meditext/pkg/domain"
	"meditext/pkg/events"
)

func TestRecordCountsNonTakenAsMissed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPatient(t, "pat-1", "0551234567")
	env.seedMedication(t, "med-1", "pat-1", "Metformin", "08:00")

	steps := []struct {
		outcome domain.ReminderStatus
		rate    int
	}{
		{domain.ReminderTaken, 100},
		{domain.ReminderComplication, 50},
		{domain.ReminderTaken, 67},
		{domain.ReminderMissed, 50},
	}
	for i, step := range steps {
		med, err := env.app.Record(ctx, "med-1", step.outcome)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if med.AdherenceRate != step.rate {
			t.Fatalf("step %d: expected rate %d, got %d", i, step.rate, med.AdherenceRate)
		}
	}
	med, _, _ := env.store.GetMedication(ctx, "med-1")
	if med.TotalDoses != 4 || med.TakenDoses != 2 || med.MissedDoses != 2 {
		t.Fatalf("unexpected counters %+v", med)
	}
	if env.events.count(events.DoseRecorded) != len(steps) {
		t.Fatalf("expected one dose event per record")
	}
}

func TestRecordRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedMedication(t, "med-1", "pat-1", "Metformin", "08:00")
	for _, outcome := range []domain.ReminderStatus{domain.ReminderSent, domain.ReminderPending, ""} {
		if _, err := env.app.Record(ctx, "med-1", outcome); !errors.Is(err, ErrInvalidResponse) {
			t.Fatalf("outcome %q: expected ErrInvalidResponse, got %v", outcome, err)
		}
	}
	if _, err := env.app.Record(ctx, "missing", domain.ReminderTaken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	med, _, _ := env.store.GetMedication(ctx, "med-1")
	if med.TotalDoses != 0 {
		t.Fatalf("rejected records must not count, got %+v", med)
	}
}

func TestMarkTakenRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPatient(t, "pat-1", "0551234567")
	env.seedPatient(t, "pat-2", "0209999999")
	env.seedMedication(t, "med-1", "pat-1", "Metformin", "08:00")

	if _, err := env.app.MarkTaken(ctx, "pat-2", "med-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another patient's medication, got %v", err)
	}
	med, err := env.app.MarkTaken(ctx, "pat-1", "med-1")
	if err != nil {
		t.Fatalf("mark taken: %v", err)
	}
	if med.TakenDoses != 1 || med.AdherenceRate != 100 {
		t.Fatalf("unexpected medication %+v", med)
	}
}

func TestStatsSumsActiveMedications(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPatient(t, "pat-1", "0551234567")

	stats, err := env.app.Stats(ctx, "pat-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats != (domain.AdherenceStats{}) {
		t.Fatalf("expected zero stats without doses, got %+v", stats)
	}

	env.seedMedication(t, "med-1", "pat-1", "Metformin", "08:00")
	env.seedMedication(t, "med-2", "pat-1", "Lisinopril", "20:00")
	paused := env.seedMedication(t, "med-3", "pat-1", "Vitamin D", "12:00")
	record := func(id string, outcomes ...domain.ReminderStatus) {
		for _, o := range outcomes {
			if _, err := env.app.Record(ctx, id, o); err != nil {
				t.Fatalf("record %s: %v", id, err)
			}
		}
	}
	record("med-1", domain.ReminderTaken, domain.ReminderTaken)
	record("med-2", domain.ReminderMissed)
	record("med-3", domain.ReminderMissed, domain.ReminderMissed)
	paused.Status = domain.MedicationPaused
	if err := env.store.SaveMedication(ctx, paused); err != nil {
		t.Fatalf("pause: %v", err)
	}

	stats, err = env.app.Stats(ctx, "pat-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats != (domain.AdherenceStats{Taken: 2, Total: 3, Percentage: 67}) {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
