package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rockfall-ai/risk-engine/pkg/config"
)

// SMSChannel sends text alerts through an sms77-style HTTP gateway.
type SMSChannel struct {
	baseURL string
	host    string
	apiKey  string
	sender  string
	client  *http.Client
}

func NewSMSChannel(cfg *config.SMSConfig) *SMSChannel {
	return &SMSChannel{
		baseURL: "https://" + cfg.Host,
		host:    cfg.Host,
		apiKey:  cfg.APIKey,
		sender:  cfg.Sender,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *SMSChannel) Name() string { return "sms" }

type smsPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text"`
}

func (s *SMSChannel) Send(ctx context.Context, recipient string, msg Message) error {
	if s.apiKey == "" || s.host == "" {
		return fmt.Errorf("sms gateway not configured")
	}

	text := fmt.Sprintf("ROCKFALL ALERT: %s risk detected (%.0f%% probability) at %s. %s",
		msg.RiskClass, msg.Probability*100, msg.LocationID, classSeverity(msg.RiskClass))
	if msg.Tier > 0 {
		text = fmt.Sprintf("ROCKFALL ESCALATION tier %d: %s risk at %s still active since %s.",
			msg.Tier, msg.RiskClass, msg.LocationID, msg.FirstTriggeredAt.Format(time.Kitchen))
	}

	body, err := json.Marshal(smsPayload{To: recipient, From: s.sender, Text: text})
	if err != nil {
		return fmt.Errorf("marshal sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sms", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-RapidAPI-Key", s.apiKey)
	req.Header.Set("X-RapidAPI-Host", s.host)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}
