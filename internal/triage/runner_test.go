package triage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/events"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

func TestRunnerInsertsReportAndEmitsEvent(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyMedium)

	res, err := h.runner.HandleTriageRequested(context.Background(), "evt-1", triageRequest(clinical.TriggerAutomatic))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, UpsertInsert, res.Upsert)
	require.NotEmpty(t, res.ReportID)

	reports := h.repo.Reports(testEncounterID)
	require.Len(t, reports, 1)
	assert.Equal(t, res.ReportID, reports[0].ID)
	assert.Equal(t, clinical.ReportStatusDraft, reports[0].Status)
	urgency, ok := reports[0].UrgencyLevel.Get()
	require.True(t, ok)
	assert.Equal(t, clinical.UrgencyMedium, urgency)
	require.NotNil(t, reports[0].Report)

	enc, err := h.repo.GetEncounter(context.Background(), testEncounterID)
	require.NoError(t, err)
	assert.Equal(t, "severe headache since morning", enc.Symptoms)

	entries := h.outbox.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, events.TypeReportGenerated, entries[0].Type)
	assert.Equal(t, events.EncounterAggregate(testEncounterID), entries[0].Aggregate)
	evt, err := events.DecodeReportGenerated(entries[0])
	require.NoError(t, err)
	assert.Equal(t, res.ReportID, evt.ReportID)
	assert.Equal(t, clinical.UrgencyMedium, evt.UrgencyLevel)
	assert.Equal(t, testPatientID, evt.PatientID)
}

func TestRunnerDebouncesRepeatedAutomaticRequests(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	ctx := context.Background()

	first, err := h.runner.HandleTriageRequested(ctx, "evt-1", triageRequest(clinical.TriggerAutomatic))
	require.NoError(t, err)

	second, err := h.runner.HandleTriageRequested(ctx, "evt-2", triageRequest(clinical.TriggerScanUpload))
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.ReportID, second.ReportID)
	assert.Nil(t, second.Report)

	assert.Equal(t, 1, h.agents.diagnosis.calls)
	assert.Len(t, h.outbox.Entries(), 1)
	assert.Len(t, h.repo.Reports(testEncounterID), 1)
}

func TestRunnerDebouncedRequestKeepsNewSymptoms(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	ctx := context.Background()

	_, err := h.runner.HandleTriageRequested(ctx, "evt-1", triageRequest(clinical.TriggerAutomatic))
	require.NoError(t, err)

	req := triageRequest(clinical.TriggerAutomatic)
	req.Symptoms = "headache now with neck stiffness"
	req.VoiceTranscript = clinical.Some("my neck is stiff")
	second, err := h.runner.HandleTriageRequested(ctx, "evt-2", req)
	require.NoError(t, err)
	require.True(t, second.Skipped)

	enc, err := h.repo.GetEncounter(ctx, testEncounterID)
	require.NoError(t, err)
	assert.Equal(t, "headache now with neck stiffness", enc.Symptoms)
	transcript, ok := enc.VoiceTranscript.Get()
	require.True(t, ok)
	assert.Equal(t, "my neck is stiff", transcript)
	assert.Equal(t, 1, h.agents.diagnosis.calls)
}

func TestRunnerManualRequestBypassesDebounceAndUpdatesDraft(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	ctx := context.Background()

	first, err := h.runner.HandleTriageRequested(ctx, "evt-1", triageRequest(clinical.TriggerAutomatic))
	require.NoError(t, err)

	second, err := h.runner.HandleTriageRequested(ctx, "evt-2", triageRequest(clinical.TriggerManual))
	require.NoError(t, err)
	assert.False(t, second.Skipped)
	assert.Equal(t, UpsertDraft, second.Upsert)
	assert.Equal(t, first.ReportID, second.ReportID)

	assert.Equal(t, 2, h.agents.diagnosis.calls)
	assert.Len(t, h.repo.Reports(testEncounterID), 1)
	assert.Len(t, h.outbox.Entries(), 2)
}

func TestRunnerUpdatesPlaceholderReport(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyHigh)
	h.repo.PutTriageReport(clinical.TriageReport{
		ID:          "rep-placeholder",
		EncounterID: testEncounterID,
		PatientID:   testPatientID,
		Status:      clinical.ReportStatusProcessing,
	})
	// An older DRAFT exists too; the placeholder must win.
	h.repo.PutTriageReport(clinical.TriageReport{
		ID:          "rep-draft",
		EncounterID: testEncounterID,
		PatientID:   testPatientID,
		Status:      clinical.ReportStatusDraft,
	})

	req := triageRequest(clinical.TriggerManual)
	req.TriageReportID = clinical.Some("rep-placeholder")
	res, err := h.runner.HandleTriageRequested(context.Background(), "evt-1", req)
	require.NoError(t, err)
	assert.Equal(t, UpsertPlaceholder, res.Upsert)
	assert.Equal(t, "rep-placeholder", res.ReportID)

	placeholder, err := h.repo.GetTriageReport(context.Background(), "rep-placeholder")
	require.NoError(t, err)
	assert.Equal(t, clinical.ReportStatusDraft, placeholder.Status)
	assert.Equal(t, "Tension headache", placeholder.PrimaryDiagnosis)

	draft, err := h.repo.GetTriageReport(context.Background(), "rep-draft")
	require.NoError(t, err)
	assert.Empty(t, draft.PrimaryDiagnosis)
}

func TestRunnerMissingPlaceholderFallsBackToInsert(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	req := triageRequest(clinical.TriggerManual)
	req.TriageReportID = clinical.Some("rep-gone")

	res, err := h.runner.HandleTriageRequested(context.Background(), "evt-1", req)
	require.NoError(t, err)
	assert.Equal(t, UpsertInsert, res.Upsert)
	assert.NotEqual(t, "rep-gone", res.ReportID)
}

func TestRunnerDebounceRetiresNewPlaceholder(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	ctx := context.Background()

	first, err := h.runner.HandleTriageRequested(ctx, "evt-1", triageRequest(clinical.TriggerAutomatic))
	require.NoError(t, err)

	h.repo.PutTriageReport(clinical.TriageReport{
		ID:          "rep-second",
		EncounterID: testEncounterID,
		PatientID:   testPatientID,
		Status:      clinical.ReportStatusProcessing,
	})
	req := triageRequest(clinical.TriggerAutomatic)
	req.TriageReportID = clinical.Some("rep-second")
	second, err := h.runner.HandleTriageRequested(ctx, "evt-2", req)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.ReportID, second.ReportID)

	retired, err := h.repo.GetTriageReport(ctx, "rep-second")
	require.NoError(t, err)
	assert.Equal(t, clinical.ReportStatusDeleted, retired.Status)
}

func TestRunnerHandleSkipsProcessedEvents(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	env := events.NewTriageRequested(triageRequest(clinical.TriggerManual))

	require.NoError(t, h.runner.Handle(context.Background(), env))
	require.NoError(t, h.runner.Handle(context.Background(), env))

	assert.Equal(t, 1, h.agents.diagnosis.calls)
	done, err := h.processed.AlreadyProcessed(context.Background(), processedConsumer, env.ID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRunnerHandleRejectsMalformedEnvelope(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	err := h.runner.Handle(context.Background(), events.InboundEnvelope{ID: "x", Kind: "bogus"})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestRunnerMissingEncounterIsFatal(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	req := triageRequest(clinical.TriggerManual)
	req.EncounterID = "encounter-missing"

	_, err := h.runner.HandleTriageRequested(context.Background(), "evt-1", req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncounterNotFound)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 0, h.agents.history.calls)
	assert.Empty(t, h.outbox.Entries())
}

type flakyOutbox struct {
	mu       sync.Mutex
	failures int
	inner    *events.MemoryOutbox
}

func (f *flakyOutbox) Append(ctx context.Context, aggregate, correlationID string, evt events.CanonicalEvent) (events.Envelope, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return events.Envelope{}, errors.New("outbox unavailable")
	}
	f.mu.Unlock()
	return f.inner.Append(ctx, aggregate, correlationID, evt)
}

func TestRunnerRedeliveryReplaysCompletedSteps(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyMedium)
	outbox := &flakyOutbox{failures: 3, inner: events.NewMemoryOutbox()}
	logger := logging.Default()
	runner := NewRunner(RunnerDeps{
		Repository:   h.repo,
		Orchestrator: NewOrchestrator(NewGatherer(h.repo, 10), h.repo, h.agents.set(), logger),
		Steps:        NewStepRunner(h.steps, fastPolicy(), logger, nil),
		Outbox:       outbox,
		Processed:    h.processed,
		Logger:       logger,
	})
	env := events.NewTriageRequested(triageRequest(clinical.TriggerAutomatic))

	err := runner.Handle(context.Background(), env)
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.Len(t, h.repo.Reports(testEncounterID), 1)

	// The redelivered event finds its own debounce decision checkpointed
	// and finishes without calling the agents again.
	require.NoError(t, runner.Handle(context.Background(), env))
	assert.Equal(t, 1, h.agents.history.calls)
	assert.Equal(t, 1, h.agents.diagnosis.calls)
	assert.Equal(t, 1, h.agents.coding.calls)
	assert.Len(t, h.repo.Reports(testEncounterID), 1)
	require.Len(t, outbox.inner.Entries(), 1)
}

func TestRunnerScanUploadedAnalyzesOnlyThatScan(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	h.repo.PutScan(clinical.Scan{ID: "scan-1", EncounterID: testEncounterID, PatientID: testPatientID, ScanType: clinical.ScanXRay})
	h.repo.PutScan(clinical.Scan{ID: "scan-2", EncounterID: testEncounterID, PatientID: testPatientID, ScanType: clinical.ScanXRay})

	env := events.NewScanUploaded(events.ScanUploadedV1{
		ScanID:      "scan-1",
		EncounterID: testEncounterID,
		PatientID:   testPatientID,
		ScanType:    clinical.ScanXRay,
		FileURL:     "s3://bucket/scan-1.png",
	})
	require.NoError(t, h.runner.Handle(context.Background(), env))

	assert.Equal(t, 1, h.agents.scan.calls["scan-1"])
	assert.Zero(t, h.agents.scan.calls["scan-2"])
	assert.Equal(t, 0, h.agents.diagnosis.calls)
	assert.Empty(t, h.outbox.Entries())
	require.Len(t, h.agents.scan.contexts, 1)
	assert.Contains(t, h.agents.scan.contexts[0], "headache")
}

func TestRunnerScanUploadedMissingScanIsFatal(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	_, err := h.runner.HandleScanUploaded(context.Background(), "evt-1", events.ScanUploadedV1{
		ScanID:      "scan-missing",
		EncounterID: testEncounterID,
		PatientID:   testPatientID,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScanNotFound)
	assert.True(t, IsFatal(err))
}
