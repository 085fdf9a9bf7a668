package compliance

import (
	"context"
	"fmt"
	"strings"
)

// DisclaimerLevel represents the verbosity of the disclaimer.
type DisclaimerLevel string

const (
	DisclaimerShort  DisclaimerLevel = "short"
	DisclaimerMedium DisclaimerLevel = "medium"
	DisclaimerFull   DisclaimerLevel = "full"
)

const (
	disclaimerShortText = "AI-generated. Requires clinician review."

	disclaimerMediumText = "This assessment was generated by an AI system and must be reviewed by a licensed clinician before any clinical decision."

	disclaimerFullText = "This triage assessment was generated by an AI system from the available record and imaging. It is decision support only, is not a diagnosis, and must be reviewed and confirmed by a licensed clinician before any clinical action is taken."
)

// DisclaimerConfig configures the disclaimer service.
type DisclaimerConfig struct {
	Level   DisclaimerLevel
	Enabled bool
	// CustomText overrides the default template.
	CustomText string
}

// DefaultDisclaimerConfig returns the medium disclaimer, enabled.
func DefaultDisclaimerConfig() DisclaimerConfig {
	return DisclaimerConfig{
		Level:   DisclaimerMedium,
		Enabled: true,
	}
}

// DisclaimerService appends the clinician-review disclaimer to report summaries.
type DisclaimerService struct {
	audit  *AuditService
	config DisclaimerConfig
}

func NewDisclaimerService(audit *AuditService, config DisclaimerConfig) *DisclaimerService {
	return &DisclaimerService{
		audit:  audit,
		config: config,
	}
}

// Text returns the configured disclaimer text.
func (s *DisclaimerService) Text() string {
	if s.config.CustomText != "" {
		return s.config.CustomText
	}
	switch s.config.Level {
	case DisclaimerShort:
		return disclaimerShortText
	case DisclaimerFull:
		return disclaimerFullText
	default:
		return disclaimerMediumText
	}
}

// DisclaimerOptions identifies the report a disclaimer is attached to.
type DisclaimerOptions struct {
	PatientID   string
	EncounterID string
	ReportID    string
}

// Attach appends the disclaimer to summary once. Audit failures are ignored.
func (s *DisclaimerService) Attach(ctx context.Context, summary string, opts DisclaimerOptions) string {
	if s == nil || !s.config.Enabled {
		return summary
	}
	disclaimer := s.Text()
	if strings.Contains(summary, disclaimer) {
		return summary
	}
	result := disclaimer
	if trimmed := strings.TrimSpace(summary); trimmed != "" {
		result = fmt.Sprintf("%s\n\n%s", trimmed, disclaimer)
	}
	if s.audit != nil && opts.PatientID != "" {
		_ = s.audit.LogDisclaimerAttached(ctx, opts.PatientID, opts.EncounterID, opts.ReportID, disclaimer)
	}
	return result
}
