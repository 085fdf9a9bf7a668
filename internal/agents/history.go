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

// MaxPriorReports bounds how many earlier triage reports feed the trend analysis.
const MaxPriorReports = 5

const (
	riskAdvancedAge   = "Advanced age"
	riskPolypharmacy  = "Polypharmacy (5 or more active medications)"
	polypharmacyCount = 5
	advancedAgeYears  = 60
)

const historySystemPrompt = `You are a clinical history analyst supporting emergency triage.

Review the patient brief and identify risk factors, relevant conditions,
medication interactions, contraindications, and changes compared to prior triage reports.
Do not invent data that is not in the brief.

Return ONLY JSON in this exact format:
{"riskFactors":[],"relevantConditions":[],"medicationInteractions":[],"contraindications":[],"contextSummary":"","trendAnalysis":""}

contextSummary must be a short clinical narrative. Leave trendAnalysis empty when there are no prior reports.`

// HistoryAnalyzer summarizes a PatientContext into a ClinicalHistoryAnalysis.
type HistoryAnalyzer struct {
	caller
}

func NewHistoryAnalyzer(client llm.Client, cfg Config, logger *logging.Logger, observer Observer) *HistoryAnalyzer {
	return &HistoryAnalyzer{caller: newCaller(clinical.AgentHistory, client, cfg.withDefaults(1024), logger, observer)}
}

// Analyze never fails: model or parse errors produce HeuristicHistory.
func (a *HistoryAnalyzer) Analyze(ctx context.Context, pc clinical.PatientContext) clinical.ClinicalHistoryAnalysis {
	started := time.Now()
	text, err := a.complete(ctx, historySystemPrompt, HistoryBrief(pc), nil)
	if err == nil {
		var analysis clinical.ClinicalHistoryAnalysis
		analysis, err = parseHistoryAnalysis(text, len(pc.PriorReports) > 0)
		if err == nil {
			a.observe(OutcomeModel, started)
			return analysis
		}
	}
	a.logger.Warn("history analysis fell back to heuristics",
		"patient_id", pc.Patient.ID,
		"error", err,
	)
	a.observe(OutcomeFallback, started)
	return HeuristicHistory(pc)
}

type historyPayload struct {
	RiskFactors            []string `json:"riskFactors"`
	RelevantConditions     []string `json:"relevantConditions"`
	MedicationInteractions []string `json:"medicationInteractions"`
	Contraindications      []string `json:"contraindications"`
	ContextSummary         string   `json:"contextSummary"`
	TrendAnalysis          string   `json:"trendAnalysis"`
}

func parseHistoryAnalysis(raw string, hasPrior bool) (clinical.ClinicalHistoryAnalysis, error) {
	var payload historyPayload
	if err := decodeObject(raw, &payload); err != nil {
		return clinical.ClinicalHistoryAnalysis{}, err
	}
	summary := strings.TrimSpace(payload.ContextSummary)
	if summary == "" {
		return clinical.ClinicalHistoryAnalysis{}, fmt.Errorf("%w: contextSummary missing", ErrInvalidResponse)
	}
	out := clinical.ClinicalHistoryAnalysis{
		RiskFactors:            cleanList(payload.RiskFactors, 20),
		RelevantConditions:     cleanList(payload.RelevantConditions, 20),
		MedicationInteractions: cleanList(payload.MedicationInteractions, 20),
		Contraindications:      cleanList(payload.Contraindications, 20),
		ContextSummary:         summary,
		TrendAnalysis:          clinical.None[string](),
	}
	if hasPrior {
		out.TrendAnalysis = clinical.SomeString(payload.TrendAnalysis)
	}
	return out, nil
}

// HeuristicHistory is the deterministic analysis used when the model is unavailable.
func HeuristicHistory(pc clinical.PatientContext) clinical.ClinicalHistoryAnalysis {
	var risks []string
	if pc.Age > advancedAgeYears {
		risks = append(risks, riskAdvancedAge)
	}
	active := pc.ActiveMedications()
	if len(active) >= polypharmacyCount {
		risks = append(risks, riskPolypharmacy)
	}

	conditions := make([]string, 0, len(pc.MedicalHistory))
	for _, h := range pc.MedicalHistory {
		if d := strings.TrimSpace(h.Description); d != "" {
			conditions = append(conditions, d)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Automated history analysis unavailable - manual review required. Patient is %d years old", pc.Age)
	fmt.Fprintf(&b, " with %d recorded condition(s) and %d active medication(s).", len(conditions), len(active))
	if len(pc.PriorReports) > 0 {
		fmt.Fprintf(&b, " %d prior triage report(s) on file.", len(pc.PriorReports))
	}

	return clinical.ClinicalHistoryAnalysis{
		RiskFactors:            nonNil(risks),
		RelevantConditions:     conditions,
		MedicationInteractions: []string{},
		Contraindications:      []string{},
		ContextSummary:         b.String(),
		TrendAnalysis:          clinical.None[string](),
		Fallback:               true,
	}
}

// HistoryBrief renders the natural-language brief sent to the model.
func HistoryBrief(pc clinical.PatientContext) string {
	var b strings.Builder
	p := pc.Patient
	fmt.Fprintf(&b, "Patient: %s %s, age %d", p.FirstName, p.LastName, pc.Age)
	if p.Sex != "" {
		fmt.Fprintf(&b, ", sex %s", p.Sex)
	}
	b.WriteString("\n")

	enc := pc.CurrentEncounter.Encounter
	fmt.Fprintf(&b, "\nCurrent presentation (%s):\n%s\n", enc.OccurredAt.Format("2006-01-02"), orNone(enc.Symptoms))
	if transcript, ok := enc.VoiceTranscript.Get(); ok {
		fmt.Fprintf(&b, "Voice transcript: %s\n", compliance.RedactContact(transcript))
	}

	if summary := strings.TrimSpace(p.MedicalHistorySummary); summary != "" {
		fmt.Fprintf(&b, "\nLongitudinal summary:\n%s\n", summary)
	}

	b.WriteString("\nMedical history:\n")
	if len(pc.MedicalHistory) == 0 {
		b.WriteString("- none recorded\n")
	}
	for _, h := range pc.MedicalHistory {
		fmt.Fprintf(&b, "- [%s] %s", h.Category, h.Description)
		if h.Status != "" {
			fmt.Fprintf(&b, " (%s)", h.Status)
		}
		if at, ok := h.DiagnosedAt.Get(); ok {
			fmt.Fprintf(&b, ", diagnosed %s", at.Format("2006-01-02"))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nMedications:\n")
	if len(pc.Medications) == 0 {
		b.WriteString("- none recorded\n")
	}
	for _, m := range pc.Medications {
		state := "inactive"
		if m.Active {
			state = "active"
		}
		fmt.Fprintf(&b, "- %s %s %s (%s)\n", m.Name, m.Dosage, m.Frequency, state)
	}

	if len(pc.ExternalReports) > 0 {
		b.WriteString("\nExternal reports:\n")
		for _, x := range pc.ExternalReports {
			fmt.Fprintf(&b, "- %s %s: %s\n", x.ReportedAt.Format("2006-01-02"), x.Title, x.Summary)
		}
	}

	if len(pc.Encounters) > 1 {
		b.WriteString("\nEarlier encounters:\n")
		for _, ec := range pc.Encounters {
			if ec.Encounter.ID == enc.ID {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", ec.Encounter.OccurredAt.Format("2006-01-02"), orNone(ec.Encounter.Symptoms))
		}
	}

	prior := pc.PriorReports
	if len(prior) > MaxPriorReports {
		prior = prior[:MaxPriorReports]
	}
	if len(prior) > 0 {
		b.WriteString("\nPrior triage reports (newest first):\n")
		for _, r := range prior {
			urgency := "unknown"
			if u, ok := r.UrgencyLevel.Get(); ok {
				urgency = u.String()
			}
			fmt.Fprintf(&b, "- %s: %s (urgency %s, confidence %.2f)\n",
				r.CreatedAt.Format("2006-01-02"), orNone(r.PrimaryDiagnosis), urgency, r.Confidence)
		}
	}
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none recorded"
	}
	return strings.TrimSpace(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
