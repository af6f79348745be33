package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meditext/internal/util"
	"meditext/pkg/domain"
	"meditext/pkg/events"
	"meditext/pkg/queue"
	"meditext/pkg/sms"
	"meditext/pkg/store"
)

// Dispatch creates the day's reminder for pair and sends it. The insert is
// keyed on (medication, day); losing that race returns ErrAlreadyDispatched.
// On return the reminder is sent or failed unless the status write itself
// failed, which is returned as an error.
func (a *App) Dispatch(ctx context.Context, pair DuePair) (domain.Reminder, error) {
	med := pair.Medication
	patient, ok, err := a.store.GetPatient(ctx, med.PatientID)
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("load patient: %w", err)
	}
	if !ok {
		return domain.Reminder{}, fmt.Errorf("patient %s: %w", med.PatientID, ErrNotFound)
	}
	phone := a.NormalizePhone(patient.Phone)
	if phone == "" {
		return domain.Reminder{}, ErrPhoneRequired
	}
	now := a.now().UTC()
	r := domain.Reminder{
		ID:             util.NewID(),
		Kind:           domain.KindMedicationReminder,
		PatientID:      patient.ID,
		MedicationID:   med.ID,
		MedicationName: med.Name,
		Dosage:         med.Dosage,
		ScheduledTime:  pair.TimeOfDay,
		ReminderDay:    pair.Day,
		Phone:          phone,
		Body:           reminderText(med.Name, med.Dosage),
		Variables: map[string]string{
			"medicationName": med.Name,
			"dosage":         med.Dosage,
		},
		Status:           domain.ReminderPending,
		Priority:         domain.PriorityNormal,
		Category:         domain.CategoryReminder,
		Channel:          domain.ChannelSMS,
		MaxRetries:       a.maxRetries,
		ResponseExpected: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.CreateReminder(ctx, r); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Reminder{}, ErrAlreadyDispatched
		}
		return domain.Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	return a.deliver(ctx, r)
}

// Redispatch claims a failed reminder back to pending, consuming one retry,
// and sends it again.
func (a *App) Redispatch(ctx context.Context, reminderID string) (domain.Reminder, error) {
	r, ok, err := a.store.GetReminder(ctx, reminderID)
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("load reminder: %w", err)
	}
	if !ok {
		return domain.Reminder{}, ErrNotFound
	}
	claimed, err := a.store.TransitionReminder(ctx, reminderID, store.Transition{
		From:               []domain.ReminderStatus{domain.ReminderFailed},
		To:                 domain.ReminderPending,
		RequireRetryBudget: true,
		IncrementRetry:     true,
		At:                 a.now(),
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		if r.Status == domain.ReminderFailed && r.RetryCount >= r.MaxRetries {
			return r, ErrRetryExhausted
		}
		return r, ErrReminderClosed
	case errors.Is(err, store.ErrNotFound):
		return domain.Reminder{}, ErrNotFound
	case err != nil:
		return domain.Reminder{}, fmt.Errorf("claim reminder for retry: %w", err)
	}
	return a.deliver(ctx, claimed)
}

// HandleRetry is the retry queue handler. Outcomes that another attempt
// cannot change are reported as permanent so the entry is dropped.
func (a *App) HandleRetry(ctx context.Context, job queue.RetryJob) error {
	_, err := a.Redispatch(ctx, job.ReminderID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRetryExhausted), errors.Is(err, ErrReminderClosed), errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
	default:
		return err
	}
}

// Cancel moves a patient's unanswered reminder to cancelled.
func (a *App) Cancel(ctx context.Context, patientID, reminderID string) (domain.Reminder, error) {
	r, ok, err := a.store.GetReminder(ctx, reminderID)
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("load reminder: %w", err)
	}
	if !ok || r.PatientID != patientID {
		return domain.Reminder{}, ErrNotFound
	}
	updated, err := a.store.TransitionReminder(ctx, reminderID, store.Transition{
		From: []domain.ReminderStatus{domain.ReminderPending, domain.ReminderFailed, domain.ReminderSent},
		To:   domain.ReminderCancelled,
		At:   a.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		return r, ErrReminderClosed
	}
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("cancel reminder: %w", err)
	}
	return updated, nil
}

// deliver sends a pending reminder and records the outcome. Send and status
// write are not atomic: if the write fails after a successful send the
// reminder stays pending although the SMS went out.
func (a *App) deliver(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	logger := util.LoggerFromContext(ctx)
	res, sendErr := a.sender.Send(ctx, r.Body, []string{r.Phone})
	at := a.now().UTC()
	t := store.Transition{
		From:        []domain.ReminderStatus{domain.ReminderPending},
		LastAttempt: &at,
		At:          at,
	}
	delivered := sendErr == nil && res.Success
	if delivered {
		t.To = domain.ReminderSent
		t.SentAt = &at
	} else {
		reason := failureReason(res, sendErr)
		t.To = domain.ReminderFailed
		t.FailureReason = &reason
	}
	updated, err := a.store.TransitionReminder(ctx, r.ID, t)
	if err != nil {
		logger.Error("reminder status write failed after send attempt",
			"reminder_id", r.ID, "delivered", delivered, "err", err)
		return r, fmt.Errorf("record dispatch outcome: %w", err)
	}
	if !delivered {
		logger.Warn("reminder send failed",
			"reminder_id", r.ID, "retry_count", updated.RetryCount, "reason", updated.FailureReason)
		a.scheduleRetry(ctx, updated)
		return updated, nil
	}
	a.publish(ctx, events.ReminderDispatched, map[string]any{
		"reminderId":   updated.ID,
		"patientId":    updated.PatientID,
		"medicationId": updated.MedicationID,
		"day":          updated.ReminderDay,
		"retryCount":   updated.RetryCount,
	})
	return updated, nil
}

func (a *App) scheduleRetry(ctx context.Context, r domain.Reminder) {
	if a.retries == nil || r.RetryCount >= r.MaxRetries {
		return
	}
	delay := a.retryDelay(r.RetryCount)
	if _, err := a.retries.EnqueueAfter(ctx, r.ID, delay); err != nil {
		util.LoggerFromContext(ctx).Warn("retry enqueue failed", "reminder_id", r.ID, "err", err)
	}
}

// retryDelay doubles the base backoff for every retry already spent.
func (a *App) retryDelay(spent int) time.Duration {
	delay := a.backoff
	for i := 0; i < spent && delay < maxRetryBackoff; i++ {
		delay *= 2
	}
	return min(delay, maxRetryBackoff)
}

func failureReason(res sms.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.Error != "" {
		return res.Error
	}
	return "send rejected"
}
