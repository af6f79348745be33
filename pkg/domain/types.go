package domain

import "time"

type MedicationStatus string

const (
	MedicationActive    MedicationStatus = "active"
	MedicationPaused    MedicationStatus = "paused"
	MedicationCompleted MedicationStatus = "completed"
)

// ReminderStatus is the lifecycle state of a reminder.
//
//	pending -> sent | failed
//	failed  -> pending (explicit re-dispatch)
//	sent    -> taken | missed | complication
//	pending | failed | sent -> cancelled
type ReminderStatus string

const (
	ReminderPending      ReminderStatus = "pending"
	ReminderSent         ReminderStatus = "sent"
	ReminderFailed       ReminderStatus = "failed"
	ReminderTaken        ReminderStatus = "taken"
	ReminderMissed       ReminderStatus = "missed"
	ReminderComplication ReminderStatus = "complication"
	ReminderCancelled    ReminderStatus = "cancelled"
)

// Responded reports whether the status is a patient outcome.
func (s ReminderStatus) Responded() bool {
	switch s {
	case ReminderTaken, ReminderMissed, ReminderComplication:
		return true
	default:
		return false
	}
}

type MessageKind string

const (
	KindMedicationReminder  MessageKind = "medication_reminder"
	KindDailySummary        MessageKind = "daily_summary"
	KindAppointmentReminder MessageKind = "appointment_reminder"
	KindHealthTip           MessageKind = "health_tip"
	KindEmergencyAlert      MessageKind = "emergency_alert"
	KindAdherenceFollowup   MessageKind = "adherence_followup"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Category string

const (
	CategoryReminder     Category = "reminder"
	CategoryNotification Category = "notification"
	CategoryAlert        Category = "alert"
	CategorySummary      Category = "summary"
	CategoryEducational  Category = "educational"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"createdAt"`
}

type Medication struct {
	ID            string           `json:"id"`
	PatientID     string           `json:"patientId"`
	Name          string           `json:"name"`
	Dosage        string           `json:"dosage"`
	Frequency     string           `json:"frequency"`
	Times         []string         `json:"times"`
	Instructions  string           `json:"instructions,omitempty"`
	Status        MedicationStatus `json:"status"`
	TotalDoses    int              `json:"totalDoses"`
	TakenDoses    int              `json:"takenDoses"`
	MissedDoses   int              `json:"missedDoses"`
	AdherenceRate int              `json:"adherenceRate"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Reminder is one outbound message and its response lifecycle. Medication
// reminders are the only kind created by the scheduler; other kinds share the
// same record for the patient's message history.
type Reminder struct {
	ID               string            `json:"id"`
	Kind             MessageKind       `json:"kind"`
	PatientID        string            `json:"patientId"`
	MedicationID     string            `json:"medicationId,omitempty"`
	MedicationName   string            `json:"medicationName,omitempty"`
	Dosage           string            `json:"dosage,omitempty"`
	ScheduledTime    string            `json:"scheduledTime,omitempty"`
	ReminderDay      string            `json:"reminderDay,omitempty"`
	Phone            string            `json:"phone"`
	Body             string            `json:"body"`
	Variables        map[string]string `json:"variables,omitempty"`
	Status           ReminderStatus    `json:"status"`
	Response         string            `json:"response,omitempty"`
	SentAt           *time.Time        `json:"sentAt,omitempty"`
	RespondedAt      *time.Time        `json:"respondedAt,omitempty"`
	Priority         Priority          `json:"priority"`
	Category         Category          `json:"category"`
	Channel          Channel           `json:"channel"`
	RetryCount       int               `json:"retryCount"`
	MaxRetries       int               `json:"maxRetries"`
	LastAttempt      *time.Time        `json:"lastAttempt,omitempty"`
	FailureReason    string            `json:"failureReason,omitempty"`
	ResponseExpected bool              `json:"responseExpected"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// VerificationCode is a one-time login code bound to a phone number.
type VerificationCode struct {
	Phone     string    `json:"phone"`
	CodeHash  string    `json:"codeHash"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
	// Attempts counts rejected guesses; the code is burned at MaxAttempts.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"maxAttempts"`
}

// AdherenceStats aggregates dose counters across a patient's active medications.
type AdherenceStats struct {
	Taken      int `json:"taken"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}
