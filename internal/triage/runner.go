package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/compliance"
	"github.com/wolfman30/medtriage-ai-platform/internal/events"
	"github.com/wolfman30/medtriage-ai-platform/internal/records"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

const processedConsumer = "triage-runner"

// Upsert modes recorded on generated reports.
const (
	UpsertPlaceholder = "placeholder"
	UpsertDraft       = "draft"
	UpsertInsert      = "insert"
)

// RunObserver records workflow-level outcomes.
type RunObserver interface {
	ObserveRun(kind, outcome string, elapsed time.Duration)
	ObserveDebounceSkip(source string)
	ObserveUrgency(urgency string)
}

// RunnerDeps wires a Runner. Repository, Orchestrator and Outbox are required.
type RunnerDeps struct {
	Repository     records.Repository
	Orchestrator   *Orchestrator
	Steps          *StepRunner
	Outbox         events.Outbox
	Processed      events.ProcessedTracker
	Debouncer      Debouncer
	DebounceWindow time.Duration
	Audit          *compliance.AuditService
	Metrics        RunObserver
	Logger         *logging.Logger
}

// Runner turns inbound events into durable workflow runs.
type Runner struct {
	repo           records.Repository
	orchestrator   *Orchestrator
	steps          *StepRunner
	outbox         events.Outbox
	processed      events.ProcessedTracker
	debouncer      Debouncer
	debounceWindow time.Duration
	audit          *compliance.AuditService
	metrics        RunObserver
	logger         *logging.Logger
}

func NewRunner(deps RunnerDeps) *Runner {
	if deps.Repository == nil {
		panic("triage: records repository cannot be nil")
	}
	if deps.Orchestrator == nil {
		panic("triage: orchestrator cannot be nil")
	}
	if deps.Outbox == nil {
		panic("triage: outbox cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.DebounceWindow <= 0 {
		deps.DebounceWindow = DefaultDebounceWindow
	}
	if deps.Debouncer == nil {
		deps.Debouncer = NewStoreDebouncer(deps.Repository, deps.DebounceWindow)
	}
	return &Runner{
		repo:           deps.Repository,
		orchestrator:   deps.Orchestrator,
		steps:          deps.Steps,
		outbox:         deps.Outbox,
		processed:      deps.Processed,
		debouncer:      deps.Debouncer,
		debounceWindow: deps.DebounceWindow,
		audit:          deps.Audit,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
	}
}

// TriageResult is what a triage request produced.
type TriageResult struct {
	ReportID string
	// Skipped is set when a recent report made the run redundant.
	Skipped bool
	Upsert  string
	EventID string
	Report  *clinical.OrchestratedMedicalReport
}

// Handle processes one inbound envelope. Envelopes already handled by this
// consumer are acknowledged without running again.
func (r *Runner) Handle(ctx context.Context, env events.InboundEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if r.processed != nil {
		done, err := r.processed.AlreadyProcessed(ctx, processedConsumer, env.ID)
		if err != nil {
			r.logger.Warn("processed lookup failed, handling event", "error", err, "event_id", env.ID)
		} else if done {
			r.logger.Info("duplicate event skipped", "event_id", env.ID, "kind", env.Kind)
			return nil
		}
	}

	var err error
	switch env.Kind {
	case events.TypeTriageRequested:
		_, err = r.HandleTriageRequested(ctx, env.ID, *env.TriageRequested)
	case events.TypeScanUploaded:
		_, err = r.HandleScanUploaded(ctx, env.ID, *env.ScanUploaded)
	}
	if err != nil {
		return err
	}

	if r.processed != nil {
		if _, err := r.processed.MarkProcessed(ctx, processedConsumer, env.ID); err != nil {
			r.logger.Warn("failed to mark event processed", "error", err, "event_id", env.ID)
		}
	}
	return nil
}

type debounceDecision struct {
	Skip     bool   `json:"skip"`
	ReportID string `json:"reportId,omitempty"`
}

type upsertResult struct {
	ReportID string `json:"reportId"`
	Mode     string `json:"mode"`
}

// HandleTriageRequested runs the full workflow for one request.
func (r *Runner) HandleTriageRequested(ctx context.Context, eventID string, evt events.TriageRequestedV1) (TriageResult, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "triage.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("triage.encounter_id", evt.EncounterID),
		attribute.String("triage.trigger", string(evt.Trigger)),
	)

	runKey := "triage:" + evt.EncounterID + ":" + eventID
	steps := r.steps.forRun(runKey)
	logger := r.logger.With("run_key", runKey, "encounter_id", evt.EncounterID, "patient_id", evt.PatientID)
	trigger := clinical.NormalizeTrigger(string(evt.Trigger))
	placeholderID, hasPlaceholder := evt.TriageReportID.Get()

	// Symptoms are stored before debounce so a skipped request keeps them.
	if strings.TrimSpace(evt.Symptoms) != "" || evt.VoiceTranscript.Present() {
		_, err := RunStep(ctx, steps, "update-encounter-symptoms", func(ctx context.Context) (bool, error) {
			err := r.repo.UpdateEncounterSymptoms(ctx, evt.EncounterID, evt.Symptoms, evt.VoiceTranscript)
			if errors.Is(err, records.ErrNotFound) {
				return false, fmt.Errorf("%w: %s", ErrEncounterNotFound, evt.EncounterID)
			}
			return err == nil, err
		})
		if err != nil {
			return r.finishTriage(span, started, TriageResult{}, err)
		}
	}

	decision, err := RunStep(ctx, steps, "debounce", func(ctx context.Context) (debounceDecision, error) {
		if trigger == clinical.TriggerManual {
			return debounceDecision{}, nil
		}
		reportID, recent, err := r.debouncer.Recent(ctx, evt.EncounterID)
		if err != nil {
			logger.Warn("debounce check failed, running anyway", "error", err)
			return debounceDecision{}, nil
		}
		return debounceDecision{Skip: recent, ReportID: reportID}, nil
	})
	if err != nil {
		return r.finishTriage(span, started, TriageResult{}, err)
	}
	if decision.Skip {
		if hasPlaceholder && placeholderID != decision.ReportID {
			r.retirePlaceholder(ctx, logger, evt, placeholderID, decision.ReportID)
		}
		if err := r.audit.LogDebounceSkipped(ctx, evt.PatientID, evt.EncounterID, decision.ReportID, r.debounceWindow); err != nil {
			logger.Warn("audit debounce skip failed", "error", err)
		}
		if r.metrics != nil {
			r.metrics.ObserveDebounceSkip(string(trigger))
		}
		logger.Info("triage request debounced", "existing_report_id", decision.ReportID)
		return r.finishTriage(span, started, TriageResult{ReportID: decision.ReportID, Skipped: true}, nil)
	}

	report, err := r.orchestrator.Run(ctx, steps, RunInput{
		PatientID:   evt.PatientID,
		EncounterID: evt.EncounterID,
		ScanIDs:     evt.ScanIDs,
	})
	if err != nil {
		return r.finishTriage(span, started, TriageResult{}, err)
	}

	upserted, err := RunStep(ctx, steps, "upsert-report", func(ctx context.Context) (upsertResult, error) {
		return r.upsertReport(ctx, logger, evt, report)
	})
	if err != nil {
		return r.finishTriage(span, started, TriageResult{}, err)
	}

	eventOut, err := RunStep(ctx, steps, "emit-report-generated", func(ctx context.Context) (string, error) {
		env, err := r.outbox.Append(ctx, events.EncounterAggregate(evt.EncounterID), runKey, events.ReportGeneratedV1{
			ReportID:         upserted.ReportID,
			EncounterID:      report.EncounterID,
			PatientID:        report.PatientID,
			UrgencyLevel:     report.OverallUrgency,
			PrimaryDiagnosis: report.Diagnosis.PrimaryDiagnosis,
			ProcessingTimeMs: report.ProcessingTimeMs,
			GeneratedAt:      time.Now().UTC(),
		})
		if err != nil {
			return "", err
		}
		return env.EventID.String(), nil
	})
	if err != nil {
		return r.finishTriage(span, started, TriageResult{}, err)
	}

	if err := r.debouncer.Mark(ctx, evt.EncounterID, upserted.ReportID); err != nil {
		logger.Warn("debounce mark failed", "error", err)
	}
	if err := r.audit.LogReportGenerated(ctx, compliance.ReportAudit{
		PatientID:        report.PatientID,
		EncounterID:      report.EncounterID,
		ReportID:         upserted.ReportID,
		Urgency:          report.OverallUrgency.String(),
		Confidence:       report.OverallConfidence,
		AgentsUsed:       report.AgentsUsed,
		ProcessingTimeMs: report.ProcessingTimeMs,
		Trigger:          string(trigger),
		Upsert:           upserted.Mode,
	}); err != nil {
		logger.Warn("audit report generated failed", "error", err)
	}
	if r.metrics != nil {
		r.metrics.ObserveUrgency(report.OverallUrgency.String())
	}
	span.SetAttributes(attribute.String("triage.urgency", report.OverallUrgency.String()))
	logger.Info("triage report written",
		"report_id", upserted.ReportID,
		"upsert", upserted.Mode,
		"urgency", report.OverallUrgency.String(),
	)
	return r.finishTriage(span, started, TriageResult{
		ReportID: upserted.ReportID,
		Upsert:   upserted.Mode,
		EventID:  eventOut,
		Report:   &report,
	}, nil)
}

func (r *Runner) finishTriage(span trace.Span, started time.Time, res TriageResult, err error) (TriageResult, error) {
	outcome := "completed"
	switch {
	case err != nil && IsFatal(err):
		outcome = "fatal"
	case err != nil:
		outcome = "error"
	case res.Skipped:
		outcome = "debounced"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if r.metrics != nil {
		r.metrics.ObserveRun(events.TypeTriageRequested, outcome, time.Since(started))
	}
	return res, err
}

// upsertReport writes the compiled report into the requested placeholder,
// else the latest DRAFT for the encounter, else a new row.
func (r *Runner) upsertReport(ctx context.Context, logger *logging.Logger, evt events.TriageRequestedV1, report clinical.OrchestratedMedicalReport) (upsertResult, error) {
	row := clinical.TriageReport{
		EncounterID:      report.EncounterID,
		PatientID:        report.PatientID,
		Status:           clinical.ReportStatusDraft,
		UrgencyLevel:     clinical.Some(report.OverallUrgency),
		Confidence:       report.OverallConfidence,
		PrimaryDiagnosis: report.Diagnosis.PrimaryDiagnosis,
		ExecutiveSummary: report.ExecutiveSummary,
		Report:           &report,
		ProcessingTimeMs: report.ProcessingTimeMs,
	}

	if id, ok := evt.TriageReportID.Get(); ok {
		existing, err := r.repo.GetTriageReport(ctx, id)
		switch {
		case err == nil && existing.EncounterID == evt.EncounterID && existing.Status.CanTransition(clinical.ReportStatusDraft):
			row.ID = id
			if err := r.repo.UpdateTriageReport(ctx, row); err != nil {
				return upsertResult{}, fmt.Errorf("triage: update placeholder report: %w", err)
			}
			return upsertResult{ReportID: id, Mode: UpsertPlaceholder}, nil
		case err == nil:
			logger.Warn("placeholder report not writable, falling back", "report_id", id, "status", string(existing.Status))
		case errors.Is(err, records.ErrNotFound):
			logger.Warn("placeholder report missing, falling back", "report_id", id)
		default:
			return upsertResult{}, fmt.Errorf("triage: load placeholder report: %w", err)
		}
	}

	draft, err := r.repo.LatestDraftReport(ctx, evt.EncounterID)
	switch {
	case err == nil:
		row.ID = draft.ID
		if err := r.repo.UpdateTriageReport(ctx, row); err != nil {
			return upsertResult{}, fmt.Errorf("triage: update draft report: %w", err)
		}
		return upsertResult{ReportID: draft.ID, Mode: UpsertDraft}, nil
	case !errors.Is(err, records.ErrNotFound):
		return upsertResult{}, fmt.Errorf("triage: load draft report: %w", err)
	}

	id, err := r.repo.InsertTriageReport(ctx, row)
	if err != nil {
		return upsertResult{}, fmt.Errorf("triage: insert report: %w", err)
	}
	return upsertResult{ReportID: id, Mode: UpsertInsert}, nil
}

func (r *Runner) retirePlaceholder(ctx context.Context, logger *logging.Logger, evt events.TriageRequestedV1, placeholderID, existingID string) {
	existing, err := r.repo.GetTriageReport(ctx, placeholderID)
	if err != nil {
		logger.Warn("placeholder lookup failed", "error", err, "report_id", placeholderID)
		return
	}
	if existing.Status != clinical.ReportStatusProcessing {
		return
	}
	if err := r.repo.SetTriageReportStatus(ctx, placeholderID, clinical.ReportStatusDeleted); err != nil {
		logger.Warn("failed to retire placeholder", "error", err, "report_id", placeholderID)
		return
	}
	if err := r.audit.LogReportSuperseded(ctx, evt.PatientID, evt.EncounterID, placeholderID, existingID); err != nil {
		logger.Warn("audit superseded failed", "error", err)
	}
}

// HandleScanUploaded analyzes one newly uploaded scan. It does not run a
// full triage.
func (r *Runner) HandleScanUploaded(ctx context.Context, eventID string, evt events.ScanUploadedV1) (clinical.ScanAnalysisResult, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "triage.scan_uploaded")
	defer span.End()
	span.SetAttributes(attribute.String("triage.encounter_id", evt.EncounterID))

	logger := r.logger.With("scan_id", evt.ScanID, "encounter_id", evt.EncounterID)
	result, err := r.analyzeUploadedScan(ctx, logger, eventID, evt)

	outcome := "completed"
	switch {
	case err != nil && IsFatal(err):
		outcome = "fatal"
	case err != nil:
		outcome = "error"
	case result.Degraded():
		outcome = "degraded"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if r.metrics != nil {
		r.metrics.ObserveRun(events.TypeScanUploaded, outcome, time.Since(started))
	}
	return result, err
}

func (r *Runner) analyzeUploadedScan(ctx context.Context, logger *logging.Logger, eventID string, evt events.ScanUploadedV1) (clinical.ScanAnalysisResult, error) {
	scan, err := r.repo.GetScan(ctx, evt.ScanID)
	if errors.Is(err, records.ErrNotFound) {
		return clinical.ScanAnalysisResult{}, fmt.Errorf("%w: %s", ErrScanNotFound, evt.ScanID)
	}
	if err != nil {
		return clinical.ScanAnalysisResult{}, fmt.Errorf("triage: load scan: %w", err)
	}
	if evt.PatientID != "" && scan.PatientID != evt.PatientID {
		logger.Warn("scan event patient does not match stored scan", "event_patient_id", evt.PatientID, "scan_patient_id", scan.PatientID)
	}

	var clinicalContext string
	encounter, err := r.repo.GetEncounter(ctx, scan.EncounterID)
	switch {
	case err == nil:
		if s := strings.TrimSpace(encounter.Symptoms); s != "" {
			clinicalContext = "Presenting symptoms: " + s + "."
		}
	case errors.Is(err, records.ErrNotFound):
		logger.Warn("scan encounter missing, analyzing without context")
	default:
		return clinical.ScanAnalysisResult{}, fmt.Errorf("triage: load encounter: %w", err)
	}

	steps := r.steps.forRun("scan:" + scan.ID + ":" + eventID)
	result, err := RunStep(ctx, steps, "analyze-scan:"+scan.ID, func(ctx context.Context) (clinical.ScanAnalysisResult, error) {
		return r.orchestrator.agents.Scan.Analyze(ctx, scan, clinicalContext), nil
	})
	if err != nil {
		return clinical.ScanAnalysisResult{}, err
	}

	if err := r.audit.LogScanAnalyzed(ctx, scan.PatientID, scan.EncounterID, scan.ID, result.Severity.String(), result.Source, result.Confidence); err != nil {
		logger.Warn("audit scan analyzed failed", "error", err)
	}
	logger.Info("scan analyzed", "severity", result.Severity.String(), "source", result.Source)
	return result, nil
}
