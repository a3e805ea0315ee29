package notification

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"time"

	"github.com/rockfall-ai/risk-engine/internal/logger"
	"github.com/rockfall-ai/risk-engine/pkg/config"
)

// EmailChannel sends alert emails over SMTP.
type EmailChannel struct {
	config *config.SMTPConfig
}

func NewEmailChannel(cfg *config.SMTPConfig) *EmailChannel {
	return &EmailChannel{config: cfg}
}

func (e *EmailChannel) Name() string { return "email" }

var emailTemplate = template.Must(template.New("alert").Parse(`
Rockfall Risk Alert
===================

Location: {{.LocationID}}
Risk Level: {{.RiskClass}}
Probability: {{printf "%.1f" .Percent}}%
{{if gt .Tier 0}}Escalation Tier: {{.Tier}}
{{end}}First Detected: {{.FirstTriggeredAt}}
This Notification: {{.TriggeredAt}}

Recommended Action:
{{.Action}}

This is an automated alert from the rockfall risk monitoring system.
Please respond according to your emergency protocols.
`))

type emailContext struct {
	LocationID       string
	RiskClass        string
	Percent          float64
	Tier             int
	FirstTriggeredAt string
	TriggeredAt      string
	Action           string
}

// Send delivers one alert email. When SMTP credentials are not configured
// the message is logged and dropped so local setups still work.
func (e *EmailChannel) Send(ctx context.Context, recipient string, msg Message) error {
	subject := fmt.Sprintf("ROCKFALL ALERT - %s Risk at %s", msg.RiskClass, msg.LocationID)
	if msg.Tier > 0 {
		subject = fmt.Sprintf("ROCKFALL ESCALATION (tier %d) - %s Risk at %s", msg.Tier, msg.RiskClass, msg.LocationID)
	}

	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, emailContext{
		LocationID:       msg.LocationID,
		RiskClass:        msg.RiskClass,
		Percent:          msg.Probability * 100,
		Tier:             msg.Tier,
		FirstTriggeredAt: msg.FirstTriggeredAt.Format(time.RFC1123Z),
		TriggeredAt:      msg.TriggeredAt.Format(time.RFC1123Z),
		Action:           classSeverity(msg.RiskClass),
	})
	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	if e.config.Username == "" || e.config.Password == "" {
		log := logger.WithComponent("email")
		log.Info().
			Str("recipient", recipient).
			Str("subject", subject).
			Msg("SMTP not configured, skipping email")
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", recipient)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += buf.String()

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := smtp.SendMail(addr, auth, e.config.From, []string{recipient}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}
