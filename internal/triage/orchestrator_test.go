package triage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/medtriage-ai-platform/internal/agents"
	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/compliance"
	"github.com/wolfman30/medtriage-ai-platform/internal/llm"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

func TestOrchestratorNoScansNoHistory(t *testing.T) {
	repo := seedRepo(t)
	fa := newFakeAgents(clinical.UrgencyHigh)
	o := NewOrchestrator(NewGatherer(repo, 0), repo, fa.set(), logging.Default())

	report, err := o.Run(context.Background(), nil, RunInput{PatientID: testPatientID, EncounterID: testEncounterID})
	require.NoError(t, err)

	assert.Empty(t, report.ScanAnalyses)
	assert.Equal(t, clinical.UrgencyHigh, report.OverallUrgency)
	assert.NotContains(t, report.AgentsUsed, clinical.AgentScan)
	assert.Equal(t, []string{clinical.AgentHistory, clinical.AgentDiagnosis, clinical.AgentCoding}, report.AgentsUsed)
	assert.Equal(t, 0, fa.scan.total())
	assert.Equal(t, testEncounterID, report.EncounterID)
	assert.Equal(t, testPatientID, report.PatientID)

	stages := make([]string, 0, len(report.ReasoningChain))
	for _, step := range report.ReasoningChain {
		stages = append(stages, step.Stage)
	}
	assert.Equal(t, []string{
		string(StageGatherContext),
		string(StageAnalyzeHistory),
		string(StageAnalyzeScans),
		string(StageSynthesizeDiagnose),
		string(StageGenerateCodes),
		string(StageUpdateSummary),
		string(StageCompileSummary),
	}, stages)
	assert.GreaterOrEqual(t, report.ProcessingTimeMs, int64(0))
	assert.Contains(t, report.ExecutiveSummary, "Tension headache")
}

func TestOrchestratorSevereScanRaisesUrgencyToCritical(t *testing.T) {
	repo := seedRepo(t)
	repo.PutScan(clinical.Scan{ID: "scan-1", EncounterID: testEncounterID, PatientID: testPatientID, ScanType: clinical.ScanCT})
	fa := newFakeAgents(clinical.UrgencyMedium)
	fa.scan.severity = map[string]clinical.Severity{"scan-1": clinical.SeveritySevere}
	o := NewOrchestrator(NewGatherer(repo, 0), repo, fa.set(), logging.Default())

	report, err := o.Run(context.Background(), nil, RunInput{PatientID: testPatientID, EncounterID: testEncounterID})
	require.NoError(t, err)

	require.Len(t, report.ScanAnalyses, 1)
	assert.Equal(t, clinical.UrgencyCritical, report.OverallUrgency)
	assert.Contains(t, report.AgentsUsed, clinical.AgentScan)
	assert.Equal(t, 1, fa.diagnosis.seenScans)
	require.NotEmpty(t, fa.scan.contexts)
	assert.Contains(t, fa.scan.contexts[0], "headache")
}

type failingLLM struct{ calls int }

func (f *failingLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.calls++
	return llm.Response{}, errors.New("model unavailable")
}

func TestOrchestratorHistoryModelFailureUsesHeuristic(t *testing.T) {
	repo := seedRepo(t)
	repo.PutPatient(clinical.Patient{
		ID:          testPatientID,
		FirstName:   "Grace",
		DateOfBirth: time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	fa := newFakeAgents(clinical.UrgencyLow)
	client := &failingLLM{}
	set := fa.set()
	set.History = agents.NewHistoryAnalyzer(client, agents.Config{}, logging.Default(), nil)
	o := NewOrchestrator(NewGatherer(repo, 0), repo, set, logging.Default())

	report, err := o.Run(context.Background(), nil, RunInput{PatientID: testPatientID, EncounterID: testEncounterID})
	require.NoError(t, err)

	h := report.HistoryAnalysis
	assert.True(t, h.Fallback)
	assert.Contains(t, h.RiskFactors, "Advanced age")
	assert.NotEmpty(t, strings.TrimSpace(h.ContextSummary))
	assert.Contains(t, report.ExecutiveSummary, "manual review required")
	assert.GreaterOrEqual(t, client.calls, 1)
}

func TestOrchestratorMissingPatientIsFatal(t *testing.T) {
	repo := seedRepo(t)
	fa := newFakeAgents(clinical.UrgencyLow)
	o := NewOrchestrator(NewGatherer(repo, 0), repo, fa.set(), logging.Default())

	_, err := o.Run(context.Background(), nil, RunInput{PatientID: "nobody", EncounterID: testEncounterID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPatientNotFound)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 0, fa.history.calls)
}

func TestOrchestratorRestrictsScansToRequestedIDs(t *testing.T) {
	repo := seedRepo(t)
	for _, id := range []string{"scan-a", "scan-b", "scan-c"} {
		repo.PutScan(clinical.Scan{ID: id, EncounterID: testEncounterID, PatientID: testPatientID, ScanType: clinical.ScanXRay})
	}
	fa := newFakeAgents(clinical.UrgencyLow)
	o := NewOrchestrator(NewGatherer(repo, 0), repo, fa.set(), logging.Default(), WithScanConcurrency(2))

	report, err := o.Run(context.Background(), nil, RunInput{
		PatientID:   testPatientID,
		EncounterID: testEncounterID,
		ScanIDs:     []string{"scan-b", "scan-missing", "scan-b"},
	})
	require.NoError(t, err)
	require.Len(t, report.ScanAnalyses, 1)
	assert.Equal(t, "scan-b", report.ScanAnalyses[0].ScanID)
	assert.Equal(t, 1, fa.scan.total())
}

func TestOrchestratorFansOutAllScans(t *testing.T) {
	repo := seedRepo(t)
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		repo.PutScan(clinical.Scan{ID: id, EncounterID: testEncounterID, PatientID: testPatientID, ScanType: clinical.ScanMRI})
	}
	fa := newFakeAgents(clinical.UrgencyLow)
	fa.scan.severity = map[string]clinical.Severity{"s4": clinical.SeverityModerate}
	o := NewOrchestrator(NewGatherer(repo, 0), repo, fa.set(), logging.Default(), WithScanConcurrency(2))

	report, err := o.Run(context.Background(), nil, RunInput{PatientID: testPatientID, EncounterID: testEncounterID})
	require.NoError(t, err)
	assert.Len(t, report.ScanAnalyses, 5)
	assert.Equal(t, 5, fa.scan.total())
	assert.Equal(t, clinical.UrgencyHigh, report.OverallUrgency)
}

func TestOrchestratorUpdatesLongitudinalSummary(t *testing.T) {
	repo := seedRepo(t)
	fa := newFakeAgents(clinical.UrgencyMedium)
	fa.diagnosis.result.RedFlags = []string{"sudden onset"}
	fixed := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	o := NewOrchestrator(NewGatherer(repo, 0), repo, fa.set(), logging.Default(), withClock(func() time.Time { return fixed }))

	_, err := o.Run(context.Background(), nil, RunInput{PatientID: testPatientID, EncounterID: testEncounterID})
	require.NoError(t, err)

	patient, err := repo.GetPatient(context.Background(), testPatientID)
	require.NoError(t, err)
	assert.Equal(t, "2026-05-04: Tension headache (HIGH) - red flags: sudden onset", patient.MedicalHistorySummary)

	// A second identical run does not duplicate the line.
	_, err = o.Run(context.Background(), nil, RunInput{PatientID: testPatientID, EncounterID: testEncounterID})
	require.NoError(t, err)
	patient, _ = repo.GetPatient(context.Background(), testPatientID)
	assert.Equal(t, 1, strings.Count(patient.MedicalHistorySummary, "\n")+1)
}

func TestOrchestratorAttachesDisclaimer(t *testing.T) {
	repo := seedRepo(t)
	fa := newFakeAgents(clinical.UrgencyLow)
	disclaimer := compliance.NewDisclaimerService(nil, compliance.DefaultDisclaimerConfig())
	o := NewOrchestrator(NewGatherer(repo, 0), repo, fa.set(), logging.Default(), WithDisclaimer(disclaimer))

	report, err := o.Run(context.Background(), nil, RunInput{PatientID: testPatientID, EncounterID: testEncounterID})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(report.ExecutiveSummary, disclaimer.Text()))
}

func TestAppendLongitudinalSummaryKeepsRecentLines(t *testing.T) {
	var lines []string
	for i := 0; i < 25; i++ {
		lines = append(lines, "old line")
	}
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	dx := clinical.DiagnosisResult{PrimaryDiagnosis: "Migraine"}

	got := AppendLongitudinalSummary(strings.Join(lines, "\n"), at, dx, clinical.UrgencyLow)
	out := strings.Split(got, "\n")
	assert.Len(t, out, maxSummaryLines)
	assert.Equal(t, "2026-01-02: Migraine (LOW)", out[len(out)-1])

	assert.Equal(t, "2026-01-02: Migraine (LOW)", AppendLongitudinalSummary("", at, dx, clinical.UrgencyLow))
}

func TestOverallUrgencyIsMonotonic(t *testing.T) {
	tests := []struct {
		name  string
		dx    clinical.Urgency
		flags []string
		sev   []clinical.Severity
		want  clinical.Urgency
	}{
		{"diagnosis only", clinical.UrgencyMedium, nil, nil, clinical.UrgencyMedium},
		{"mild scan keeps diagnosis", clinical.UrgencyMedium, nil, []clinical.Severity{clinical.SeverityMild}, clinical.UrgencyMedium},
		{"moderate scan", clinical.UrgencyLow, nil, []clinical.Severity{clinical.SeverityModerate}, clinical.UrgencyHigh},
		{"severe scan", clinical.UrgencyMedium, nil, []clinical.Severity{clinical.SeverityNormal, clinical.SeveritySevere}, clinical.UrgencyCritical},
		{"red flags", clinical.UrgencyLow, []string{"fever"}, nil, clinical.UrgencyHigh},
		{"critical diagnosis", clinical.UrgencyCritical, nil, []clinical.Severity{clinical.SeverityNormal}, clinical.UrgencyCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var scans []clinical.ScanAnalysisResult
			for _, s := range tt.sev {
				scans = append(scans, clinical.ScanAnalysisResult{Severity: s})
			}
			got := OverallUrgency(clinical.DiagnosisResult{UrgencyLevel: tt.dx, RedFlags: tt.flags}, scans)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, tt.dx)
		})
	}
}

func TestOverallConfidenceAveragesComponents(t *testing.T) {
	dx := clinical.DiagnosisResult{Confidence: 0.9}
	coding := clinical.CodingResult{Confidence: 0.6}
	scans := []clinical.ScanAnalysisResult{{Confidence: 0.3}, {Confidence: 0, Source: clinical.SourceFallback}}
	assert.InDelta(t, 0.45, OverallConfidence(dx, coding, scans), 1e-9)
	assert.InDelta(t, 0.75, OverallConfidence(dx, coding, nil), 1e-9)
}
