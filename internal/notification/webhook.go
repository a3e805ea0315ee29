package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookChannel posts alerts to per-recipient webhook URLs. The recipient
// string is the target URL, so one rule can fan out to several endpoints.
// If a secret is configured, requests are signed with HMAC-SHA256.
type WebhookChannel struct {
	secret string
	client *http.Client
}

func NewWebhookChannel(secret string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		secret: secret,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

type webhookPayload struct {
	Event     string  `json:"event"`
	Timestamp string  `json:"timestamp"`
	Alert     Message `json:"alert"`
}

func (w *WebhookChannel) Send(ctx context.Context, recipient string, msg Message) error {
	payload := webhookPayload{
		Event:     "rockfall_alert",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Alert:     msg,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if w.secret != "" {
		sig := computeHMAC(body, []byte(w.secret))
		req.Header.Set("X-Signature-256", "sha256="+sig)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func computeHMAC(message, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
