package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"meditext/internal/util"
	"meditext/pkg/auth"
	"meditext/pkg/domain"
	"meditext/pkg/store"
)

// Verification is the result of a successful code check.
type Verification struct {
	Phone        string `json:"phone"`
	PatientKnown bool   `json:"patientKnown"`
	PatientID    string `json:"patientId,omitempty"`
}

// IssueCode generates a fresh code for phone, replacing any earlier one, and
// sends it by SMS. When the send fails the stored code remains usable and
// ErrChannelUnavailable is returned.
func (a *App) IssueCode(ctx context.Context, rawPhone string) error {
	phone := a.NormalizePhone(rawPhone)
	if phone == "" {
		return ErrPhoneRequired
	}
	code, err := auth.GenerateCode()
	if err != nil {
		return err
	}
	hash, err := auth.HashCode(code)
	if err != nil {
		return fmt.Errorf("hash verification code: %w", err)
	}
	now := a.now().UTC()
	record := domain.VerificationCode{
		Phone:     phone,
		CodeHash:  hash,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.codeTTL),
	}
	if err := a.codes.SaveCode(ctx, record); err != nil {
		return fmt.Errorf("save verification code: %w", err)
	}
	res, err := a.sender.Send(ctx, verificationText(code, a.codeTTL), []string{phone})
	if err != nil || !res.Success {
		util.LoggerFromContext(ctx).Warn("verification code send failed",
			"phone", maskPhone(phone), "err", err, "provider_error", res.Error)
		return ErrChannelUnavailable
	}
	return nil
}

// VerifyCode consumes the phone's current code if code matches and it has not
// expired. A code is valid strictly before its expiry instant.
func (a *App) VerifyCode(ctx context.Context, rawPhone, code string) (Verification, error) {
	phone := a.NormalizePhone(rawPhone)
	if phone == "" {
		return Verification{}, ErrPhoneRequired
	}
	code = strings.TrimSpace(code)
	if !auth.IsCodeFormat(code) {
		return Verification{}, ErrInvalidOrExpired
	}
	now := a.now()
	err := a.codes.ConsumeCode(ctx, phone, func(c domain.VerificationCode) bool {
		return now.Before(c.ExpiresAt) && auth.CheckCode(code, c.CodeHash)
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return Verification{}, ErrInvalidOrExpired
	}
	if err != nil {
		return Verification{}, fmt.Errorf("consume verification code: %w", err)
	}
	patient, ok, err := a.store.GetPatientByPhone(ctx, phone)
	if err != nil {
		return Verification{}, fmt.Errorf("lookup patient: %w", err)
	}
	v := Verification{Phone: phone, PatientKnown: ok}
	if ok {
		v.PatientID = patient.ID
	}
	return v, nil
}

// maskPhone keeps the last four digits for logs.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
