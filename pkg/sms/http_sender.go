package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSender posts messages to a JSON SMS gateway.
type HTTPSender struct {
	endpoint   string
	apiKey     string
	sender     string
	httpClient *http.Client
}

type HTTPSenderConfig struct {
	Endpoint string
	APIKey   string
	// Sender is the alphanumeric sender id shown to recipients.
	Sender  string
	Timeout time.Duration
}

type sendRequest struct {
	Text         string   `json:"text"`
	Type         int      `json:"type"`
	Sender       string   `json:"sender"`
	Destinations []string `json:"destinations"`
}

func NewHTTPSender(cfg HTTPSenderConfig) (*HTTPSender, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("sms endpoint is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sms api key is required")
	}
	sender := strings.TrimSpace(cfg.Sender)
	if sender == "" {
		sender = "MediText"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		sender:     sender,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Send returns an error only for transport failures. A gateway rejection is
// reported as Result{Success: false} with the provider's message.
func (s *HTTPSender) Send(ctx context.Context, text string, destinations []string) (Result, error) {
	if len(destinations) == 0 {
		return Result{}, errors.New("sms destinations are required")
	}
	payload, err := json.Marshal(sendRequest{
		Text:         text,
		Type:         0,
		Sender:       s.sender,
		Destinations: destinations,
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(body, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		return Result{Success: false, Error: msg}, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return Result{Success: true}, nil
}
