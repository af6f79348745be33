// Package tickclient drives the reminder service's evaluator on a fixed
// cadence.
package tickclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"meditext/internal/servicetoken"
)

// Report mirrors the reminder service's tick summary.
type Report struct {
	At      time.Time `json:"at"`
	Due     int       `json:"due"`
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
	Skipped int       `json:"skipped"`
	Errors  int       `json:"errors"`
}

// Client calls POST /internal/scheduler/tick with a signed service token.
type Client struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

func NewClient(baseURL string, signer *servicetoken.Signer) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("reminder service url is required")
	}
	if signer == nil {
		return nil, errors.New("internal signer is required")
	}
	return &Client{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: 50 * time.Second},
	}, nil
}

// Tick asks the reminder service to evaluate schedules as of at.
func (c *Client) Tick(ctx context.Context, at time.Time) (Report, error) {
	payload, err := json.Marshal(map[string]time.Time{"at": at})
	if err != nil {
		return Report{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/scheduler/tick", bytes.NewReader(payload))
	if err != nil {
		return Report{}, err
	}
	token, err := c.signer.Sign(servicetoken.AudienceReminder)
	if err != nil {
		return Report{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Report{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return Report{}, fmt.Errorf("tick error: %s", msg)
	}
	var report Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return Report{}, fmt.Errorf("decode tick report: %w", err)
	}
	return report, nil
}
