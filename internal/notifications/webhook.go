// Package notifications delivers circulation events to the configured
// webhook sink and records every attempt in the store. Delivery is
// fire-and-forget: a failed send is logged, never rolled back into the
// circulation transition that produced it.
package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WebhookPayload is the JSON body posted to the sink.
type WebhookPayload struct {
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// WebhookSender posts payloads to webhook endpoints with HMAC signing
// and bounded retry.
type WebhookSender struct {
	client     *http.Client
	logger     zerolog.Logger
	maxRetries int
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(logger zerolog.Logger) *WebhookSender {
	return &WebhookSender{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:     logger.With().Str("component", "webhook_sender").Logger(),
		maxRetries: 3,
	}
}

// Send posts the payload to the URL, signing it when a secret is set.
// URLs should be validated with ValidateWebhookURL before being stored.
func (w *WebhookSender) Send(ctx context.Context, url string, payload WebhookPayload, secret string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			w.logger.Debug().
				Int("attempt", attempt+1).
				Msg("retrying webhook")
		}

		lastErr = w.doSend(ctx, url, body, secret)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", w.maxRetries, lastErr)
}

// doSend performs a single webhook HTTP request.
func (w *WebhookSender) doSend(ctx context.Context, url string, body []byte, secret string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if secret != "" {
		req.Header.Set("X-Circulation-Signature", computeHMAC(body, secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Debug().
			Int("status", resp.StatusCode).
			Msg("webhook delivered")
		return nil
	}

	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

// computeHMAC computes an HMAC-SHA256 signature for the given payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
