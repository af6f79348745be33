package app

import (
	"context"
	"errors"
	"fmt"

	"meditext/pkg/domain"
	"meditext/pkg/events"
	"meditext/pkg/store"
)

// Record counts one dose outcome against a medication. Anything other than
// taken counts as missed, so complications lower the rate.
func (a *App) Record(ctx context.Context, medicationID string, outcome domain.ReminderStatus) (domain.Medication, error) {
	if !outcome.Responded() {
		return domain.Medication{}, ErrInvalidResponse
	}
	taken := outcome == domain.ReminderTaken
	med, err := a.store.RecordDose(ctx, medicationID, taken)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Medication{}, ErrNotFound
	}
	if err != nil {
		return domain.Medication{}, fmt.Errorf("record dose: %w", err)
	}
	a.publish(ctx, events.DoseRecorded, map[string]any{
		"medicationId":  med.ID,
		"patientId":     med.PatientID,
		"outcome":       string(outcome),
		"taken":         taken,
		"totalDoses":    med.TotalDoses,
		"adherenceRate": med.AdherenceRate,
	})
	return med, nil
}

// MarkTaken records a taken dose on the patient's own medication.
func (a *App) MarkTaken(ctx context.Context, patientID, medicationID string) (domain.Medication, error) {
	med, ok, err := a.store.GetMedication(ctx, medicationID)
	if err != nil {
		return domain.Medication{}, fmt.Errorf("load medication: %w", err)
	}
	if !ok || med.PatientID != patientID {
		return domain.Medication{}, ErrNotFound
	}
	return a.Record(ctx, medicationID, domain.ReminderTaken)
}

// Stats sums dose counters over the patient's active medications.
func (a *App) Stats(ctx context.Context, patientID string) (domain.AdherenceStats, error) {
	meds, err := a.store.ListMedicationsByPatient(ctx, patientID, domain.MedicationActive)
	if err != nil {
		return domain.AdherenceStats{}, fmt.Errorf("list medications: %w", err)
	}
	var stats domain.AdherenceStats
	for _, m := range meds {
		stats.Taken += m.TakenDoses
		stats.Total += m.TotalDoses
	}
	if stats.Total > 0 {
		stats.Percentage = (stats.Taken*200 + stats.Total) / (stats.Total * 2)
	}
	return stats, nil
}
