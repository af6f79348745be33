package store

import (
	"context"
	"errors"
	"time"

	"meditext/pkg/domain"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate is returned when an insert hits a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrConflict is returned when a conditional update matched no row.
	ErrConflict = errors.New("store: conditional update not applied")
)

// Store defines persistence operations for patients, medications, and reminders.
type Store interface {
	// patients
	SavePatient(ctx context.Context, p domain.Patient) error
	GetPatient(ctx context.Context, id string) (domain.Patient, bool, error)
	GetPatientByPhone(ctx context.Context, phone string) (domain.Patient, bool, error)

	// medications
	SaveMedication(ctx context.Context, m domain.Medication) error
	GetMedication(ctx context.Context, id string) (domain.Medication, bool, error)
	ListActiveMedications(ctx context.Context) ([]domain.Medication, error)
	ListMedicationsByPatient(ctx context.Context, patientID string, status domain.MedicationStatus) ([]domain.Medication, error)
	// RecordDose atomically bumps the dose counters and recomputes the
	// adherence rate, returning the updated medication.
	RecordDose(ctx context.Context, medicationID string, taken bool) (domain.Medication, error)

	// reminders
	// CreateReminder inserts a reminder if no reminder exists for the same
	// (medication, reminder day). It returns ErrDuplicate otherwise.
	CreateReminder(ctx context.Context, r domain.Reminder) error
	HasReminderForDay(ctx context.Context, medicationID, day string) (bool, error)
	GetReminder(ctx context.Context, id string) (domain.Reminder, bool, error)
	// LatestSentReminder returns the sent reminder for phone with the greatest
	// sentAt not older than since.
	LatestSentReminder(ctx context.Context, phone string, since time.Time) (domain.Reminder, bool, error)
	ListRemindersByPatient(ctx context.Context, patientID string, limit int) ([]domain.Reminder, error)
	// TransitionReminder applies t only if the reminder is currently in one of
	// t.From. It returns ErrConflict when the condition did not hold and
	// ErrNotFound when the reminder does not exist.
	TransitionReminder(ctx context.Context, id string, t Transition) (domain.Reminder, error)
}

// Transition describes a conditional reminder status change.
type Transition struct {
	From []domain.ReminderStatus
	To   domain.ReminderStatus

	// RequireRetryBudget additionally requires retryCount < maxRetries.
	RequireRetryBudget bool
	IncrementRetry     bool

	Response      *string
	FailureReason *string
	SentAt        *time.Time
	RespondedAt   *time.Time
	LastAttempt   *time.Time
	At            time.Time
}

// CodeStore persists one-time verification codes, one per phone.
type CodeStore interface {
	// SaveCode stores code as the only code for its phone, replacing any
	// previous one.
	SaveCode(ctx context.Context, code domain.VerificationCode) error
	// ConsumeCode marks the phone's code used if it is unused and valid
	// reports true. It returns ErrNotFound when there is no usable code or
	// valid reports false; rejected guesses count toward the code's
	// MaxAttempts.
	ConsumeCode(ctx context.Context, phone string, valid func(domain.VerificationCode) bool) error
}

func statusStrings(in []domain.ReminderStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func adherenceRate(taken, total int) int {
	if total <= 0 {
		return 0
	}
	// integer round-half-up, matches ROUND() on non-negative numerics
	return (taken*200 + total) / (total * 2)
}
