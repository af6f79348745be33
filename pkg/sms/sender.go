package sms

import "context"

// Result is the provider's verdict for one send.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Sender delivers a text message to one or more destinations. Destinations
// must already be normalized with NormalizePhone.
type Sender interface {
	Send(ctx context.Context, text string, destinations []string) (Result, error)
}
