package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

// EmailSender delivers one message to one recipient.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is a single outbound email.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string // plain text
	HTML    string // optional
	// Tags are provider metadata: SES email tags, SendGrid custom args.
	Tags map[string]string
}

const defaultFromName = "MedTriage Alerts"

// formatFrom renders an RFC 5322 sender, falling back to the bare address.
func formatFrom(name, address string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultFromName
	}
	return fmt.Sprintf("%s <%s>", name, strings.TrimSpace(address))
}

type sendGridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSender delivers alerts through the SendGrid v3 mail API.
type SendGridSender struct {
	client sendGridAPI
	from   *mail.Email
	logger *logging.Logger
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	return newSendGridSender(sendgrid.NewSendClient(cfg.APIKey), cfg, logger)
}

func newSendGridSender(client sendGridAPI, cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if logger == nil {
		logger = logging.Default()
	}
	name := strings.TrimSpace(cfg.FromName)
	if name == "" {
		name = defaultFromName
	}
	return &SendGridSender{
		client: client,
		from:   mail.NewEmail(name, strings.TrimSpace(cfg.FromEmail)),
		logger: logger,
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	resp, err := s.client.SendWithContext(ctx, s.message(msg))
	if err != nil {
		s.logger.Error("sendgrid send failed", "error", err, "to", msg.To)
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error("sendgrid rejected message", "status", resp.StatusCode, "body", resp.Body, "to", msg.To)
		return fmt.Errorf("notify: sendgrid returned status %d", resp.StatusCode)
	}
	s.logger.Info("alert email sent", "provider", "sendgrid", "to", msg.To, "status", resp.StatusCode)
	return nil
}

func (s *SendGridSender) message(msg EmailMessage) *mail.SGMailV3 {
	html := msg.HTML
	if html == "" {
		html = msg.Body
	}
	m := mail.NewSingleEmail(s.from, msg.Subject, mail.NewEmail(msg.ToName, msg.To), msg.Body, html)
	if category := msg.Tags["category"]; category != "" {
		m.AddCategories(category)
	}
	for k, v := range msg.Tags {
		m.SetCustomArg(k, v)
	}
	return m
}

// StubEmailSender only logs. Sent keeps every message for inspection.
type StubEmailSender struct {
	logger *logging.Logger

	mu   sync.Mutex
	Sent []EmailMessage
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Info("alert email suppressed (stub sender)", "to", msg.To, "subject", msg.Subject)
	s.mu.Lock()
	s.Sent = append(s.Sent, msg)
	s.mu.Unlock()
	return nil
}

var (
	_ EmailSender = (*SendGridSender)(nil)
	_ EmailSender = (*StubEmailSender)(nil)
)
