package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/events"
	"github.com/wolfman30/medtriage-ai-platform/internal/retry"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

// AlertService emails on-call clinicians when a report comes back CRITICAL.
type AlertService struct {
	email      EmailSender
	recipients []string
	threshold  clinical.Urgency
	policy     retry.Policy
	logger     *logging.Logger
}

// NewAlertService alerts for CRITICAL reports. Blank recipients are dropped.
func NewAlertService(email EmailSender, recipients []string, logger *logging.Logger) *AlertService {
	if logger == nil {
		logger = logging.Default()
	}
	var cleaned []string
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	return &AlertService{
		email:      email,
		recipients: cleaned,
		threshold:  clinical.UrgencyCritical,
		policy:     retry.Policy{MaxAttempts: 1},
		logger:     logger,
	}
}

// WithRetry retries each recipient's send under policy. Only the failing
// recipient is retried.
func (s *AlertService) WithRetry(policy retry.Policy) *AlertService {
	s.policy = policy
	return s
}

// Handle lets the service sit behind the outbox deliverer.
func (s *AlertService) Handle(ctx context.Context, entry events.OutboxEntry) error {
	if entry.Type != events.TypeReportGenerated {
		return nil
	}
	evt, err := events.DecodeReportGenerated(entry)
	if err != nil {
		s.logger.Warn("notify: undecodable report event dropped", "error", err, "event_id", entry.ID)
		return nil
	}
	return s.NotifyReportGenerated(ctx, evt)
}

// NotifyReportGenerated sends one email per recipient when the report meets the threshold.
func (s *AlertService) NotifyReportGenerated(ctx context.Context, evt events.ReportGeneratedV1) error {
	if evt.UrgencyLevel < s.threshold {
		return nil
	}
	if s.email == nil || len(s.recipients) == 0 {
		s.logger.Warn("notify: critical report with no alert channel configured", "report_id", evt.ReportID, "encounter_id", evt.EncounterID)
		return nil
	}

	msg := EmailMessage{
		Subject: fmt.Sprintf("[%s] Triage report %s needs review", evt.UrgencyLevel, evt.ReportID),
		Body:    formatAlertText(evt),
		HTML:    formatAlertHTML(evt),
		Tags: map[string]string{
			"category":  "triage-alert",
			"report_id": evt.ReportID,
			"urgency":   evt.UrgencyLevel.String(),
		},
	}
	var errs []error
	for _, to := range s.recipients {
		m := msg
		m.To = to
		if err := retry.Do(ctx, s.policy, func(ctx context.Context) error { return s.email.Send(ctx, m) }); err != nil {
			errs = append(errs, fmt.Errorf("notify: alert %s: %w", to, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("critical triage alert sent", "report_id", evt.ReportID, "recipients", len(s.recipients))
	return nil
}

func formatAlertText(evt events.ReportGeneratedV1) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A triage report was generated with urgency %s.\n\n", evt.UrgencyLevel)
	fmt.Fprintf(&b, "Report: %s\nEncounter: %s\nPatient: %s\n", evt.ReportID, evt.EncounterID, evt.PatientID)
	if evt.PrimaryDiagnosis != "" {
		fmt.Fprintf(&b, "Primary diagnosis: %s\n", truncate(evt.PrimaryDiagnosis, 200))
	}
	if !evt.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "Generated: %s\n", evt.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	b.WriteString("\nThis report is AI-generated and requires clinician review.")
	return b.String()
}

func formatAlertHTML(evt events.ReportGeneratedV1) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>Triage urgency: %s</h2><ul>", html.EscapeString(evt.UrgencyLevel.String()))
	fmt.Fprintf(&b, "<li>Report: %s</li>", html.EscapeString(evt.ReportID))
	fmt.Fprintf(&b, "<li>Encounter: %s</li>", html.EscapeString(evt.EncounterID))
	fmt.Fprintf(&b, "<li>Patient: %s</li>", html.EscapeString(evt.PatientID))
	if evt.PrimaryDiagnosis != "" {
		fmt.Fprintf(&b, "<li>Primary diagnosis: %s</li>", html.EscapeString(truncate(evt.PrimaryDiagnosis, 200)))
	}
	b.WriteString("</ul><p><em>AI-generated. Requires clinician review.</em></p>")
	return b.String()
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
