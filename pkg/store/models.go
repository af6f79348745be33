package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type PatientModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Email     string
	Phone     string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type MedicationModel struct {
	ID            string `gorm:"primaryKey"`
	PatientID     string `gorm:"not null;index"`
	Name          string `gorm:"not null"`
	Dosage        string `gorm:"not null"`
	Frequency     string
	Times         datatypes.JSON `gorm:"type:jsonb"`
	Instructions  string
	Status        string    `gorm:"not null;index"`
	TotalDoses    int       `gorm:"not null;default:0"`
	TakenDoses    int       `gorm:"not null;default:0"`
	MissedDoses   int       `gorm:"not null;default:0"`
	AdherenceRate int       `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// ReminderModel backs both medication reminders and the wider message
// history. MedicationID is NULL for non-medication kinds so the unique
// (medication_id, reminder_day) index only constrains medication reminders.
type ReminderModel struct {
	ID               string  `gorm:"primaryKey"`
	Kind             string  `gorm:"not null"`
	PatientID        string  `gorm:"not null;index"`
	MedicationID     *string `gorm:"uniqueIndex:idx_reminder_medication_day"`
	MedicationName   string
	Dosage           string
	ScheduledTime    string
	ReminderDay      string `gorm:"uniqueIndex:idx_reminder_medication_day"`
	Phone            string `gorm:"not null;index:idx_reminder_phone_status_sent,priority:1"`
	Body             string `gorm:"type:text;not null"`
	Variables        datatypes.JSON `gorm:"type:jsonb"`
	Status           string         `gorm:"not null;index:idx_reminder_phone_status_sent,priority:2"`
	Response         string
	SentAt           *time.Time `gorm:"index:idx_reminder_phone_status_sent,priority:3"`
	RespondedAt      *time.Time
	Priority         string
	Category         string
	Channel          string
	RetryCount       int `gorm:"not null;default:0"`
	MaxRetries       int `gorm:"not null;default:0"`
	LastAttempt      *time.Time
	FailureReason    string
	ResponseExpected bool
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time `gorm:"not null"`
}
