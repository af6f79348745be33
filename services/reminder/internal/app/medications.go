package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"meditext/internal/util"
	"meditext/pkg/domain"
	"meditext/pkg/store"
)

const activityLimit = 50

// RegisterPatient creates a patient keyed by canonical phone.
func (a *App) RegisterPatient(ctx context.Context, name, email, rawPhone string) (domain.Patient, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Patient{}, ErrNameRequired
	}
	phone := a.NormalizePhone(rawPhone)
	if phone == "" {
		return domain.Patient{}, ErrPhoneRequired
	}
	if _, exists, err := a.store.GetPatientByPhone(ctx, phone); err != nil {
		return domain.Patient{}, fmt.Errorf("lookup patient: %w", err)
	} else if exists {
		return domain.Patient{}, ErrPhoneTaken
	}
	p := domain.Patient{
		ID:        util.NewID(),
		Name:      name,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Phone:     phone,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.SavePatient(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Patient{}, ErrPhoneTaken
		}
		return domain.Patient{}, fmt.Errorf("save patient: %w", err)
	}
	return p, nil
}

// MedicationInput is the patient-supplied part of a medication.
type MedicationInput struct {
	Name         string   `json:"name"`
	Dosage       string   `json:"dosage"`
	Frequency    string   `json:"frequency"`
	Times        []string `json:"times"`
	Instructions string   `json:"instructions"`
}

// CreateMedication adds an active medication for patientID.
func (a *App) CreateMedication(ctx context.Context, patientID string, in MedicationInput) (domain.Medication, error) {
	if _, ok, err := a.store.GetPatient(ctx, patientID); err != nil {
		return domain.Medication{}, fmt.Errorf("load patient: %w", err)
	} else if !ok {
		return domain.Medication{}, ErrNotFound
	}
	name := strings.TrimSpace(in.Name)
	dosage := strings.TrimSpace(in.Dosage)
	if name == "" || dosage == "" || len(in.Times) == 0 {
		return domain.Medication{}, ErrMedicationFieldsRequired
	}
	times, err := normalizeTimes(in.Times)
	if err != nil {
		return domain.Medication{}, err
	}
	now := a.now().UTC()
	med := domain.Medication{
		ID:           util.NewID(),
		PatientID:    patientID,
		Name:         name,
		Dosage:       dosage,
		Frequency:    strings.TrimSpace(in.Frequency),
		Times:        times,
		Instructions: strings.TrimSpace(in.Instructions),
		Status:       domain.MedicationActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveMedication(ctx, med); err != nil {
		return domain.Medication{}, fmt.Errorf("save medication: %w", err)
	}
	return med, nil
}

// ListMedications returns the patient's active medications.
func (a *App) ListMedications(ctx context.Context, patientID string) ([]domain.Medication, error) {
	return a.store.ListMedicationsByPatient(ctx, patientID, domain.MedicationActive)
}

// DeactivateMedication stops scheduling for a medication while keeping its
// history and counters.
func (a *App) DeactivateMedication(ctx context.Context, patientID, medicationID string) (domain.Medication, error) {
	med, ok, err := a.store.GetMedication(ctx, medicationID)
	if err != nil {
		return domain.Medication{}, fmt.Errorf("load medication: %w", err)
	}
	if !ok || med.PatientID != patientID {
		return domain.Medication{}, ErrNotFound
	}
	med.Status = domain.MedicationCompleted
	med.UpdatedAt = a.now().UTC()
	if err := a.store.SaveMedication(ctx, med); err != nil {
		return domain.Medication{}, fmt.Errorf("save medication: %w", err)
	}
	return med, nil
}

// ListReminders returns the patient's most recent reminders, newest first.
func (a *App) ListReminders(ctx context.Context, patientID string) ([]domain.Reminder, error) {
	return a.store.ListRemindersByPatient(ctx, patientID, activityLimit)
}

// normalizeTimes validates HH:MM entries and returns them sorted and
// de-duplicated. "8:00" is accepted and rewritten as "08:00".
func normalizeTimes(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		t, err := time.Parse("15:04", strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, raw)
		}
		out = append(out, t.Format("15:04"))
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
