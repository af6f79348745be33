package app

import (
	"fmt"
	"time"

	"meditext/pkg/domain"
)

func reminderText(name, dosage string) string {
	return fmt.Sprintf("MediText Reminder: Time to take your %s (%s).\n\n"+
		"Reply:\n"+
		"1 - I took it\n"+
		"2 - I missed it\n"+
		"3 - I had complications", name, dosage)
}

func confirmationText(outcome domain.ReminderStatus, name string) string {
	switch outcome {
	case domain.ReminderTaken:
		return fmt.Sprintf("Great! You've marked %s as taken. Keep up the good work!", name)
	case domain.ReminderMissed:
		return fmt.Sprintf("You've marked %s as missed. Please take it as soon as possible and consult your doctor if needed.", name)
	case domain.ReminderComplication:
		return fmt.Sprintf("We've noted complications with %s. Please contact your healthcare provider immediately. Stay safe!", name)
	default:
		return ""
	}
}

func verificationText(code string, ttl time.Duration) string {
	minutes := int(ttl.Round(time.Minute) / time.Minute)
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("Your MediText verification code is: %s. Valid for %d %s.", code, minutes, unit)
}

// parseResponse maps a trimmed reply to its outcome.
func parseResponse(text string) (domain.ReminderStatus, bool) {
	switch text {
	case "1":
		return domain.ReminderTaken, true
	case "2":
		return domain.ReminderMissed, true
	case "3":
		return domain.ReminderComplication, true
	default:
		return "", false
	}
}
