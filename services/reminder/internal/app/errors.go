package app

import "errors"

var (
	// ErrChannelUnavailable is returned when the SMS gateway refused or failed
	// a send that the caller depends on. A verification code issued alongside
	// stays valid.
	ErrChannelUnavailable = errors.New("messaging channel unavailable")

	// ErrInvalidOrExpired covers wrong, used, superseded and expired codes
	// alike so callers cannot tell which.
	ErrInvalidOrExpired = errors.New("invalid or expired code")

	ErrNoActiveReminder = errors.New("no active reminder found")
	ErrInvalidResponse  = errors.New("invalid response")

	ErrNotFound          = errors.New("not found")
	ErrAlreadyDispatched = errors.New("reminder already dispatched for this day")
	ErrRetryExhausted    = errors.New("reminder retry budget exhausted")
	ErrReminderClosed    = errors.New("reminder is not in a state that allows this change")

	ErrPhoneRequired            = errors.New("phone required")
	ErrPhoneTaken               = errors.New("phone number already registered")
	ErrNameRequired             = errors.New("name required")
	ErrMedicationFieldsRequired = errors.New("medication name, dosage and at least one time are required")
	ErrInvalidTimeOfDay         = errors.New("times must use 24-hour HH:MM")
)
