package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"meditext/internal/util"
	"meditext/pkg/domain"
	"meditext/pkg/events"
	"meditext/pkg/store"
)

// Correlate applies an inbound reply to the most recently sent reminder for
// phone inside the correlation window. Two reminders sent to the same phone
// inside the window cannot be told apart; the newest one receives the reply.
// A failed counter update after the transition is logged, not returned.
func (a *App) Correlate(ctx context.Context, rawPhone, text string) (domain.Reminder, error) {
	phone := a.NormalizePhone(rawPhone)
	if phone == "" {
		return domain.Reminder{}, ErrPhoneRequired
	}
	now := a.now().UTC()
	r, ok, err := a.store.LatestSentReminder(ctx, phone, now.Add(-a.window))
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("find active reminder: %w", err)
	}
	if !ok {
		return domain.Reminder{}, ErrNoActiveReminder
	}
	response := strings.TrimSpace(text)
	outcome, ok := parseResponse(response)
	if !ok {
		return domain.Reminder{}, ErrInvalidResponse
	}

	updated, err := a.store.TransitionReminder(ctx, r.ID, store.Transition{
		From:        []domain.ReminderStatus{domain.ReminderSent},
		To:          outcome,
		Response:    &response,
		RespondedAt: &now,
		At:          now,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		// another reply or a cancel got there first
		return domain.Reminder{}, ErrNoActiveReminder
	}
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("record response: %w", err)
	}

	logger := util.LoggerFromContext(ctx)
	if res, err := a.sender.Send(ctx, confirmationText(outcome, updated.MedicationName), []string{phone}); err != nil || !res.Success {
		logger.Warn("confirmation send failed", "reminder_id", updated.ID, "err", err, "provider_error", res.Error)
	}
	a.publish(ctx, events.ReminderResponded, map[string]any{
		"reminderId":   updated.ID,
		"patientId":    updated.PatientID,
		"medicationId": updated.MedicationID,
		"status":       string(outcome),
	})
	if updated.MedicationID != "" {
		// The transition is already committed and a retry would find no
		// active reminder, so the counters stay behind for this dose.
		if _, err := a.Record(ctx, updated.MedicationID, outcome); err != nil {
			logger.Error("adherence counters not updated after reply",
				"reminder_id", updated.ID,
				"medication_id", updated.MedicationID,
				"outcome", string(outcome),
				"risk", "response_recorded_without_dose",
				"err", err,
			)
		}
	}
	return updated, nil
}
