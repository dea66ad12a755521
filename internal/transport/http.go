// Package transport delivers scheduled sends to their instance endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"relayflow/internal/domain"
)

// HTTP posts each send to a delivery endpoint, typically the instance
// gateway in front of the messaging provider. Any non-2xx response or
// network error is a delivery failure.
type HTTP struct {
	BaseURL string
	client  *http.Client
}

func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type deliverPayload struct {
	SendID       string `json:"send_id"`
	RecipientRef string `json:"recipient_ref"`
	InstanceRef  string `json:"instance_ref"`
	ScheduledAt  string `json:"scheduled_at"`
}

func (t *HTTP) Deliver(ctx context.Context, s domain.ScheduledSend) error {
	body, err := json.Marshal(deliverPayload{
		SendID:       s.ID,
		RecipientRef: s.RecipientRef,
		InstanceRef:  s.InstanceRef,
		ScheduledAt:  s.ScheduledAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode delivery payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/deliver", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("delivery rejected: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
