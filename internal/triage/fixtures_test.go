package triage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/events"
	"github.com/wolfman30/medtriage-ai-platform/internal/records"
	"github.com/wolfman30/medtriage-ai-platform/internal/retry"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

type fakeHistory struct {
	mu     sync.Mutex
	calls  int
	result clinical.ClinicalHistoryAnalysis
}

func (f *fakeHistory) Analyze(ctx context.Context, pc clinical.PatientContext) clinical.ClinicalHistoryAnalysis {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result
}

type fakeScan struct {
	mu       sync.Mutex
	calls    map[string]int
	severity map[string]clinical.Severity
	contexts []string
}

func (f *fakeScan) Analyze(ctx context.Context, scan clinical.Scan, clinicalContext string) clinical.ScanAnalysisResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[scan.ID]++
	f.contexts = append(f.contexts, clinicalContext)
	sev, ok := f.severity[scan.ID]
	if !ok {
		sev = clinical.SeverityNormal
	}
	return clinical.ScanAnalysisResult{
		ScanID:     scan.ID,
		ScanType:   scan.ScanType,
		Findings:   "findings for " + scan.ID,
		Severity:   sev,
		Confidence: 0.8,
		Source:     clinical.SourceModel,
	}
}

func (f *fakeScan) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeDiagnosis struct {
	mu        sync.Mutex
	calls     int
	result    clinical.DiagnosisResult
	seenScans int
}

func (f *fakeDiagnosis) Synthesize(ctx context.Context, pc clinical.PatientContext, history clinical.ClinicalHistoryAnalysis, scans []clinical.ScanAnalysisResult) clinical.DiagnosisResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seenScans = len(scans)
	return f.result
}

type fakeCoding struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCoding) Generate(ctx context.Context, dx clinical.DiagnosisResult, scanTypes []clinical.ScanType, procedures []string) clinical.CodingResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return clinical.CodingResult{
		DiagnosisCodes: []clinical.DiagnosisCode{{Code: "R51.9", Description: "Headache, unspecified", Primary: true}},
		Confidence:     0.6,
	}
}

type fakeAgents struct {
	history   *fakeHistory
	scan      *fakeScan
	diagnosis *fakeDiagnosis
	coding    *fakeCoding
}

func newFakeAgents(urgency clinical.Urgency) *fakeAgents {
	return &fakeAgents{
		history: &fakeHistory{result: clinical.ClinicalHistoryAnalysis{
			RiskFactors:    []string{"Hypertension"},
			ContextSummary: "Stable history.",
		}},
		scan: &fakeScan{},
		diagnosis: &fakeDiagnosis{result: clinical.DiagnosisResult{
			PrimaryDiagnosis: "Tension headache",
			Confidence:       0.7,
			UrgencyLevel:     urgency,
		}},
		coding: &fakeCoding{},
	}
}

func (f *fakeAgents) set() Agents {
	return Agents{History: f.history, Scan: f.scan, Diagnosis: f.diagnosis, Coding: f.coding}
}

const (
	testPatientID   = "patient-1"
	testEncounterID = "encounter-1"
)

// seedRepo stores one patient with one encounter and no scans or history.
func seedRepo(t *testing.T) *records.MemoryRepository {
	t.Helper()
	repo := records.NewMemoryRepository()
	repo.PutPatient(clinical.Patient{
		ID:          testPatientID,
		FirstName:   "Ada",
		LastName:    "Lovelace",
		DateOfBirth: time.Date(1980, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	repo.PutEncounter(clinical.Encounter{
		ID:         testEncounterID,
		PatientID:  testPatientID,
		Symptoms:   "headache",
		OccurredAt: time.Now().Add(-time.Hour),
	})
	return repo
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

type runnerHarness struct {
	repo      *records.MemoryRepository
	agents    *fakeAgents
	outbox    *events.MemoryOutbox
	processed *events.MemoryProcessedStore
	steps     *MemoryStepStore
	runner    *Runner
}

func newRunnerHarness(t *testing.T, urgency clinical.Urgency) *runnerHarness {
	t.Helper()
	repo := seedRepo(t)
	fa := newFakeAgents(urgency)
	logger := logging.Default()
	store := NewMemoryStepStore()
	h := &runnerHarness{
		repo:      repo,
		agents:    fa,
		outbox:    events.NewMemoryOutbox(),
		processed: events.NewMemoryProcessedStore(),
		steps:     store,
	}
	h.runner = NewRunner(RunnerDeps{
		Repository:   repo,
		Orchestrator: NewOrchestrator(NewGatherer(repo, 10), repo, fa.set(), logger),
		Steps:        NewStepRunner(store, fastPolicy(), logger, nil),
		Outbox:       h.outbox,
		Processed:    h.processed,
		Logger:       logger,
	})
	return h
}

func triageRequest(trigger clinical.TriggerType) events.TriageRequestedV1 {
	return events.TriageRequestedV1{
		EncounterID: testEncounterID,
		PatientID:   testPatientID,
		Symptoms:    "severe headache since morning",
		Trigger:     trigger,
	}
}
