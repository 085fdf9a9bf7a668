package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/compliance"
	"github.com/wolfman30/medtriage-ai-platform/internal/llm"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

const (
	diagnosisFallbackPrimary = "Unable to determine - manual clinical review required"
	diagnosisFallbackAction  = "Clinician to review the presentation and determine next steps"
	noImagingAvailable       = "No imaging available"
)

const diagnosisSystemPrompt = `You are an emergency medicine physician performing triage.

Combine the presenting symptoms, history analysis, and imaging findings into an assessment.
Flag any finding that needs immediate attention as a red flag.

Return ONLY JSON in this exact format:
{"primaryDiagnosis":"","differentialDiagnoses":[],"confidence":0.0,"reasoning":"",
"urgencyLevel":"LOW|MEDIUM|HIGH|CRITICAL",
"recommendedActions":[{"category":"IMMEDIATE|DIAGNOSTIC|THERAPEUTIC|MONITORING|CONSULT","action":""}],
"followUpRecommendations":[],"redFlags":[]}

confidence is a number between 0 and 1. Use an empty redFlags list when there are none.`

// DiagnosisSynthesizer combines history and scan findings into a DiagnosisResult.
type DiagnosisSynthesizer struct {
	caller
}

func NewDiagnosisSynthesizer(client llm.Client, cfg Config, logger *logging.Logger, observer Observer) *DiagnosisSynthesizer {
	return &DiagnosisSynthesizer{caller: newCaller(clinical.AgentDiagnosis, client, cfg.withDefaults(1536), logger, observer)}
}

func (s *DiagnosisSynthesizer) Synthesize(ctx context.Context, pc clinical.PatientContext, history clinical.ClinicalHistoryAnalysis, scans []clinical.ScanAnalysisResult) clinical.DiagnosisResult {
	started := time.Now()
	text, err := s.complete(ctx, diagnosisSystemPrompt, diagnosisPrompt(pc, history, scans), nil)
	if err == nil {
		var result clinical.DiagnosisResult
		result, err = parseDiagnosis(text)
		if err == nil {
			s.observe(OutcomeModel, started)
			return result
		}
	}
	s.logger.Warn("diagnosis synthesis fell back",
		"encounter_id", pc.CurrentEncounter.Encounter.ID,
		"error", err,
	)
	s.observe(OutcomeFallback, started)
	return DiagnosisFallback()
}

func diagnosisPrompt(pc clinical.PatientContext, history clinical.ClinicalHistoryAnalysis, scans []clinical.ScanAnalysisResult) string {
	var b strings.Builder
	enc := pc.CurrentEncounter.Encounter
	fmt.Fprintf(&b, "Patient age %d", pc.Age)
	if pc.Patient.Sex != "" {
		fmt.Fprintf(&b, ", sex %s", pc.Patient.Sex)
	}
	fmt.Fprintf(&b, "\n\nPresenting symptoms:\n%s\n", orNone(enc.Symptoms))
	if transcript, ok := enc.VoiceTranscript.Get(); ok {
		fmt.Fprintf(&b, "Voice transcript:\n%s\n", compliance.RedactContact(transcript))
	}

	b.WriteString("\nHistory analysis:\n")
	fmt.Fprintf(&b, "Summary: %s\n", history.ContextSummary)
	writeList(&b, "Risk factors", history.RiskFactors)
	writeList(&b, "Relevant conditions", history.RelevantConditions)
	writeList(&b, "Medication interactions", history.MedicationInteractions)
	writeList(&b, "Contraindications", history.Contraindications)
	if trend, ok := history.TrendAnalysis.Get(); ok {
		fmt.Fprintf(&b, "Trend versus prior reports: %s\n", trend)
	}

	b.WriteString("\nImaging:\n")
	usable := 0
	for _, scan := range scans {
		if scan.Degraded() {
			continue
		}
		usable++
		fmt.Fprintf(&b, "- %s (severity %s, confidence %.2f): %s\n", scan.ScanType, scan.Severity, scan.Confidence, scan.Findings)
		for _, ab := range scan.Abnormalities {
			fmt.Fprintf(&b, "  * %s\n", ab)
		}
	}
	if usable == 0 {
		b.WriteString(noImagingAvailable + "\n")
	}
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		fmt.Fprintf(b, "%s: none\n", label)
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(items, "; "))
}

type actionPayload struct {
	Category string `json:"category"`
	Action   string `json:"action"`
}

type diagnosisPayload struct {
	PrimaryDiagnosis        string          `json:"primaryDiagnosis"`
	DifferentialDiagnoses   []string        `json:"differentialDiagnoses"`
	Confidence              *float64        `json:"confidence"`
	Reasoning               string          `json:"reasoning"`
	UrgencyLevel            string          `json:"urgencyLevel"`
	RecommendedActions      []actionPayload `json:"recommendedActions"`
	FollowUpRecommendations []string        `json:"followUpRecommendations"`
	RedFlags                []string        `json:"redFlags"`
}

func parseDiagnosis(raw string) (clinical.DiagnosisResult, error) {
	var payload diagnosisPayload
	if err := decodeObject(raw, &payload); err != nil {
		return clinical.DiagnosisResult{}, err
	}
	primary := strings.TrimSpace(payload.PrimaryDiagnosis)
	if primary == "" {
		return clinical.DiagnosisResult{}, fmt.Errorf("%w: primaryDiagnosis missing", ErrInvalidResponse)
	}

	actions := make([]clinical.RecommendedAction, 0, len(payload.RecommendedActions))
	for _, a := range payload.RecommendedActions {
		text := strings.TrimSpace(a.Action)
		if text == "" {
			continue
		}
		actions = append(actions, clinical.RecommendedAction{
			Category: clinical.NormalizeActionCategory(a.Category),
			Action:   text,
		})
	}

	confidence := 0.0
	if payload.Confidence != nil {
		confidence = clinical.ClampConfidence(*payload.Confidence)
	}

	return clinical.DiagnosisResult{
		PrimaryDiagnosis:        primary,
		DifferentialDiagnoses:   cleanList(payload.DifferentialDiagnoses, 10),
		Confidence:              confidence,
		Reasoning:               strings.TrimSpace(payload.Reasoning),
		UrgencyLevel:            clinical.NormalizeUrgency(payload.UrgencyLevel),
		RecommendedActions:      actions,
		FollowUpRecommendations: cleanList(payload.FollowUpRecommendations, 10),
		RedFlags:                cleanList(payload.RedFlags, 10),
	}, nil
}

// DiagnosisFallback is the conservative result used when synthesis fails.
func DiagnosisFallback() clinical.DiagnosisResult {
	return clinical.DiagnosisResult{
		PrimaryDiagnosis:      diagnosisFallbackPrimary,
		DifferentialDiagnoses: []string{},
		Confidence:            0,
		Reasoning:             "Automated diagnosis synthesis was unavailable.",
		UrgencyLevel:          clinical.UrgencyMedium,
		RecommendedActions: []clinical.RecommendedAction{
			{Category: clinical.ActionConsult, Action: diagnosisFallbackAction},
		},
		FollowUpRecommendations: []string{},
		RedFlags:                []string{},
		Fallback:                true,
	}
}
