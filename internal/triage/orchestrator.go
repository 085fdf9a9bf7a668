package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/medtriage-ai-platform/internal/agents"
	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/compliance"
	"github.com/wolfman30/medtriage-ai-platform/internal/records"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

// Stage is one state of a workflow run.
type Stage string

const (
	StageGatherContext      Stage = "GATHER_CONTEXT"
	StageAnalyzeHistory     Stage = "ANALYZE_HISTORY"
	StageAnalyzeScans       Stage = "ANALYZE_SCANS"
	StageSynthesizeDiagnose Stage = "SYNTHESIZE_DIAGNOSIS"
	StageGenerateCodes      Stage = "GENERATE_CODES"
	StageUpdateSummary      Stage = "UPDATE_LONGITUDINAL_SUMMARY"
	StageCompileSummary     Stage = "COMPILE_SUMMARY"
	StageDone               Stage = "DONE"
)

const (
	defaultScanConcurrency = 3
	maxSummaryLines        = 20
)

var tracer = otel.Tracer("medtriage.internal.triage")

type HistoryAgent interface {
	Analyze(ctx context.Context, pc clinical.PatientContext) clinical.ClinicalHistoryAnalysis
}

type ScanAgent interface {
	Analyze(ctx context.Context, scan clinical.Scan, clinicalContext string) clinical.ScanAnalysisResult
}

type DiagnosisAgent interface {
	Synthesize(ctx context.Context, pc clinical.PatientContext, history clinical.ClinicalHistoryAnalysis, scans []clinical.ScanAnalysisResult) clinical.DiagnosisResult
}

type CodingAgent interface {
	Generate(ctx context.Context, dx clinical.DiagnosisResult, scanTypes []clinical.ScanType, procedures []string) clinical.CodingResult
}

// Agents bundles the four model components.
type Agents struct {
	History   HistoryAgent
	Scan      ScanAgent
	Diagnosis DiagnosisAgent
	Coding    CodingAgent
}

// RunInput selects what a run analyzes.
type RunInput struct {
	PatientID   string
	EncounterID string
	// ScanIDs restricts scan analysis to these scans of the encounter. Empty means all.
	ScanIDs    []string
	Procedures []string
}

// Orchestrator sequences the agents into one report.
type Orchestrator struct {
	gatherer        *Gatherer
	repo            records.Repository
	agents          Agents
	disclaimer      *compliance.DisclaimerService
	scanConcurrency int
	logger          *logging.Logger
	now             func() time.Time
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithScanConcurrency bounds how many scans are analyzed at once.
func WithScanConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.scanConcurrency = n
		}
	}
}

// WithDisclaimer appends the review disclaimer to executive summaries.
func WithDisclaimer(d *compliance.DisclaimerService) OrchestratorOption {
	return func(o *Orchestrator) {
		o.disclaimer = d
	}
}

func withClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func NewOrchestrator(gatherer *Gatherer, repo records.Repository, set Agents, logger *logging.Logger, opts ...OrchestratorOption) *Orchestrator {
	if gatherer == nil {
		panic("triage: gatherer cannot be nil")
	}
	if repo == nil {
		panic("triage: records repository cannot be nil")
	}
	if set.History == nil || set.Scan == nil || set.Diagnosis == nil || set.Coding == nil {
		panic("triage: all agents are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	o := &Orchestrator{
		gatherer:        gatherer,
		repo:            repo,
		agents:          set,
		scanConcurrency: defaultScanConcurrency,
		logger:          logger,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Run drives one report through every stage. Only a missing patient or
// encounter ends the run early; every other failure degrades to the
// component's fallback.
func (o *Orchestrator) Run(ctx context.Context, steps *RunSteps, in RunInput) (clinical.OrchestratedMedicalReport, error) {
	started := o.now()
	ctx, span := tracer.Start(ctx, "triage.orchestrate")
	defer span.End()
	span.SetAttributes(attribute.String("triage.encounter_id", in.EncounterID))

	logger := o.logger.With("run_key", steps.Key(), "encounter_id", in.EncounterID, "patient_id", in.PatientID)
	var chain []clinical.ReasoningStep

	// GATHER_CONTEXT
	pc, err := stage(ctx, StageGatherContext, logger, func(ctx context.Context) (clinical.PatientContext, error) {
		return RunStep(ctx, steps, "gather-context", func(ctx context.Context) (clinical.PatientContext, error) {
			return o.gatherer.Gather(ctx, in.PatientID, clinical.SomeString(in.EncounterID))
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gather context failed")
		return clinical.OrchestratedMedicalReport{}, err
	}
	chain = append(chain, clinical.ReasoningStep{
		Stage: string(StageGatherContext),
		Summary: fmt.Sprintf("Loaded %d encounter(s), %d history item(s), %d medication(s), %d prior report(s).",
			len(pc.Encounters), len(pc.MedicalHistory), len(pc.Medications), len(pc.PriorReports)),
	})

	// ANALYZE_HISTORY
	history, err := stage(ctx, StageAnalyzeHistory, logger, func(ctx context.Context) (clinical.ClinicalHistoryAnalysis, error) {
		return RunStep(ctx, steps, "analyze-history", func(ctx context.Context) (clinical.ClinicalHistoryAnalysis, error) {
			return o.agents.History.Analyze(ctx, pc), nil
		})
	})
	if err != nil {
		logger.Warn("history stage failed, using heuristic", "error", err)
		history = agents.HeuristicHistory(pc)
	}
	chain = append(chain, clinical.ReasoningStep{Stage: string(StageAnalyzeHistory), Summary: historySummary(history)})

	// ANALYZE_SCANS
	selected := selectScans(pc.CurrentEncounter.Scans, in.ScanIDs, logger)
	scans, _ := stage(ctx, StageAnalyzeScans, logger, func(ctx context.Context) ([]clinical.ScanAnalysisResult, error) {
		return o.analyzeScans(ctx, steps, selected, scanContext(pc, history)), nil
	})
	chain = append(chain, clinical.ReasoningStep{Stage: string(StageAnalyzeScans), Summary: scansSummary(scans)})

	// SYNTHESIZE_DIAGNOSIS
	dx, err := stage(ctx, StageSynthesizeDiagnose, logger, func(ctx context.Context) (clinical.DiagnosisResult, error) {
		return RunStep(ctx, steps, "synthesize-diagnosis", func(ctx context.Context) (clinical.DiagnosisResult, error) {
			return o.agents.Diagnosis.Synthesize(ctx, pc, history, scans), nil
		})
	})
	if err != nil {
		logger.Warn("diagnosis stage failed", "error", err)
		dx = agents.DiagnosisFallback()
	}
	chain = append(chain, clinical.ReasoningStep{
		Stage:   string(StageSynthesizeDiagnose),
		Summary: fmt.Sprintf("%s (urgency %s, confidence %.0f%%).", dx.PrimaryDiagnosis, dx.UrgencyLevel, dx.Confidence*100),
	})

	// GENERATE_CODES
	scanTypes := make([]clinical.ScanType, 0, len(scans))
	for _, s := range scans {
		scanTypes = append(scanTypes, s.ScanType)
	}
	coding, err := stage(ctx, StageGenerateCodes, logger, func(ctx context.Context) (clinical.CodingResult, error) {
		return RunStep(ctx, steps, "generate-codes", func(ctx context.Context) (clinical.CodingResult, error) {
			return o.agents.Coding.Generate(ctx, dx, scanTypes, in.Procedures), nil
		})
	})
	if err != nil {
		logger.Warn("coding stage failed", "error", err)
		coding = agents.CodingFallback()
	}
	chain = append(chain, clinical.ReasoningStep{
		Stage:   string(StageGenerateCodes),
		Summary: fmt.Sprintf("%d diagnosis code(s), %d procedure code(s).", len(coding.DiagnosisCodes), len(coding.ProcedureCodes)),
	})

	overall := OverallUrgency(dx, scans)
	span.SetAttributes(attribute.String("triage.urgency", overall.String()))

	// UPDATE_LONGITUDINAL_SUMMARY
	_, err = stage(ctx, StageUpdateSummary, logger, func(ctx context.Context) (bool, error) {
		return RunStep(ctx, steps, "update-longitudinal-summary", func(ctx context.Context) (bool, error) {
			updated := AppendLongitudinalSummary(pc.Patient.MedicalHistorySummary, o.now(), dx, overall)
			if updated == pc.Patient.MedicalHistorySummary {
				return false, nil
			}
			if err := o.repo.UpdateMedicalHistorySummary(ctx, pc.Patient.ID, updated); err != nil {
				return false, fmt.Errorf("triage: update history summary: %w", err)
			}
			return true, nil
		})
	})
	summaryNote := "Longitudinal summary updated."
	if err != nil {
		logger.Warn("longitudinal summary update failed", "error", err)
		summaryNote = "Longitudinal summary update failed."
	}
	chain = append(chain, clinical.ReasoningStep{Stage: string(StageUpdateSummary), Summary: summaryNote})

	// COMPILE_SUMMARY
	report, _ := stage(ctx, StageCompileSummary, logger, func(ctx context.Context) (clinical.OrchestratedMedicalReport, error) {
		report := clinical.OrchestratedMedicalReport{
			PatientID:         pc.Patient.ID,
			EncounterID:       pc.CurrentEncounter.Encounter.ID,
			HistoryAnalysis:   history,
			ScanAnalyses:      scans,
			Diagnosis:         dx,
			Coding:            coding,
			OverallUrgency:    overall,
			OverallConfidence: OverallConfidence(dx, coding, scans),
			AgentsUsed:        agentsUsed(len(scans) > 0),
		}
		report.ExecutiveSummary = o.disclaimer.Attach(ctx, ExecutiveSummary(report), compliance.DisclaimerOptions{
			PatientID:   report.PatientID,
			EncounterID: report.EncounterID,
		})
		return report, nil
	})
	if report.EncounterID == "" {
		report.EncounterID = in.EncounterID
	}
	report.ReasoningChain = append(chain, clinical.ReasoningStep{
		Stage:   string(StageCompileSummary),
		Summary: fmt.Sprintf("Overall urgency %s, overall confidence %.0f%%.", report.OverallUrgency, report.OverallConfidence*100),
	})
	report.ProcessingTimeMs = o.now().Sub(started).Milliseconds()

	logger.Info("triage run complete",
		"stage", string(StageDone),
		"urgency", report.OverallUrgency.String(),
		"agents", strings.Join(report.AgentsUsed, ","),
		"processing_ms", report.ProcessingTimeMs,
	)
	return report, nil
}

func (o *Orchestrator) analyzeScans(ctx context.Context, steps *RunSteps, scans []clinical.Scan, clinicalContext string) []clinical.ScanAnalysisResult {
	results := make([]clinical.ScanAnalysisResult, len(scans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.scanConcurrency)
	for i, scan := range scans {
		g.Go(func() error {
			res, err := RunStep(gctx, steps, "analyze-scan:"+scan.ID, func(ctx context.Context) (clinical.ScanAnalysisResult, error) {
				return o.agents.Scan.Analyze(ctx, scan, clinicalContext), nil
			})
			if err != nil {
				o.logger.Warn("scan step failed", "error", err, "scan_id", scan.ID)
				res = agents.ScanFallback(scan)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// stage wraps one state of the run in a span and a log line.
func stage[T any](ctx context.Context, s Stage, logger *logging.Logger, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "triage.stage."+strings.ToLower(string(s)))
	defer span.End()
	span.SetAttributes(attribute.String("triage.stage", string(s)))
	logger.Debug("triage stage started", "stage", string(s))
	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func selectScans(all []clinical.Scan, ids []string, logger *logging.Logger) []clinical.Scan {
	if len(ids) == 0 {
		return all
	}
	byID := make(map[string]clinical.Scan, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}
	out := make([]clinical.Scan, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if s, ok := byID[id]; ok {
			out = append(out, s)
			continue
		}
		logger.Warn("requested scan not on encounter, skipping", "scan_id", id)
	}
	return out
}

func scanContext(pc clinical.PatientContext, history clinical.ClinicalHistoryAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient age %d.", pc.Age)
	if s := strings.TrimSpace(pc.CurrentEncounter.Encounter.Symptoms); s != "" {
		fmt.Fprintf(&b, " Presenting symptoms: %s.", s)
	}
	if len(history.RiskFactors) > 0 {
		fmt.Fprintf(&b, " Risk factors: %s.", strings.Join(history.RiskFactors, ", "))
	}
	if len(history.RelevantConditions) > 0 {
		fmt.Fprintf(&b, " Relevant conditions: %s.", strings.Join(history.RelevantConditions, ", "))
	}
	return b.String()
}

func agentsUsed(withScans bool) []string {
	used := []string{clinical.AgentHistory}
	if withScans {
		used = append(used, clinical.AgentScan)
	}
	return append(used, clinical.AgentDiagnosis, clinical.AgentCoding)
}

func historySummary(h clinical.ClinicalHistoryAnalysis) string {
	prefix := "History analyzed"
	if h.Fallback {
		prefix = "History analysis unavailable, heuristic used"
	}
	return fmt.Sprintf("%s: %d risk factor(s), %d relevant condition(s), %d interaction warning(s).",
		prefix, len(h.RiskFactors), len(h.RelevantConditions), len(h.MedicationInteractions))
}

func scansSummary(scans []clinical.ScanAnalysisResult) string {
	if len(scans) == 0 {
		return "No imaging available."
	}
	degraded := 0
	worst := clinical.SeverityNormal
	for _, s := range scans {
		if s.Degraded() {
			degraded++
			continue
		}
		if s.Severity > worst {
			worst = s.Severity
		}
	}
	out := fmt.Sprintf("%d scan(s) analyzed, highest severity %s.", len(scans), worst)
	if degraded > 0 {
		out += fmt.Sprintf(" %d scan(s) could not be analyzed automatically.", degraded)
	}
	return out
}

// ExecutiveSummary renders the clinician-facing summary of a compiled report.
func ExecutiveSummary(r clinical.OrchestratedMedicalReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Urgency: %s. Primary assessment: %s (confidence %.0f%%).",
		r.OverallUrgency, r.Diagnosis.PrimaryDiagnosis, r.Diagnosis.Confidence*100)
	if len(r.Diagnosis.DifferentialDiagnoses) > 0 {
		fmt.Fprintf(&b, " Differential: %s.", strings.Join(r.Diagnosis.DifferentialDiagnoses, "; "))
	}
	if len(r.Diagnosis.RedFlags) > 0 {
		fmt.Fprintf(&b, " Red flags: %s.", strings.Join(r.Diagnosis.RedFlags, "; "))
	}
	fmt.Fprintf(&b, " %s", scansSummary(r.ScanAnalyses))
	var immediate []string
	for _, a := range r.Diagnosis.RecommendedActions {
		if a.Category == clinical.ActionImmediate {
			immediate = append(immediate, a.Action)
		}
	}
	if len(immediate) > 0 {
		fmt.Fprintf(&b, " Immediate actions: %s.", strings.Join(immediate, "; "))
	}
	if degradedReport(r) {
		b.WriteString(" Some automated components were unavailable; manual review required.")
	}
	return b.String()
}

func degradedReport(r clinical.OrchestratedMedicalReport) bool {
	if r.HistoryAnalysis.Fallback || r.Diagnosis.Fallback || r.Coding.Fallback {
		return true
	}
	for _, s := range r.ScanAnalyses {
		if s.Degraded() {
			return true
		}
	}
	return false
}

// AppendLongitudinalSummary adds a dated line for this run and keeps the most
// recent lines. An identical trailing line is not repeated.
func AppendLongitudinalSummary(existing string, at time.Time, dx clinical.DiagnosisResult, urgency clinical.Urgency) string {
	line := fmt.Sprintf("%s: %s (%s)", at.UTC().Format("2006-01-02"), strings.TrimSpace(dx.PrimaryDiagnosis), urgency)
	if len(dx.RedFlags) > 0 {
		line += " - red flags: " + strings.Join(dx.RedFlags, "; ")
	}
	line = strings.ReplaceAll(line, "\n", " ")

	var lines []string
	for _, l := range strings.Split(existing, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > 0 && lines[len(lines)-1] == line {
		return existing
	}
	lines = append(lines, line)
	if len(lines) > maxSummaryLines {
		lines = lines[len(lines)-maxSummaryLines:]
	}
	return strings.Join(lines, "\n")
}
