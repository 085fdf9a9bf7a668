package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
)

// MemoryRepository is an in-process Repository for local runs and tests.
type MemoryRepository struct {
	mu         sync.RWMutex
	now        func() time.Time
	patients   map[string]clinical.Patient
	encounters map[string]clinical.Encounter
	scans      map[string]clinical.Scan
	history    map[string][]clinical.MedicalHistoryEntry
	meds       map[string][]clinical.Medication
	external   map[string][]clinical.ExternalReport
	reports    map[string]clinical.TriageReport
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:        time.Now,
		patients:   make(map[string]clinical.Patient),
		encounters: make(map[string]clinical.Encounter),
		scans:      make(map[string]clinical.Scan),
		history:    make(map[string][]clinical.MedicalHistoryEntry),
		meds:       make(map[string][]clinical.Medication),
		external:   make(map[string][]clinical.ExternalReport),
		reports:    make(map[string]clinical.TriageReport),
	}
}

// SetClock overrides the time source used for report timestamps.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

func (m *MemoryRepository) PutPatient(p clinical.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryRepository) PutEncounter(e clinical.Encounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encounters[e.ID] = e
}

func (m *MemoryRepository) PutScan(s clinical.Scan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans[s.ID] = s
}

func (m *MemoryRepository) AddMedicalHistory(h clinical.MedicalHistoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[h.PatientID] = append(m.history[h.PatientID], h)
}

func (m *MemoryRepository) AddMedication(med clinical.Medication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meds[med.PatientID] = append(m.meds[med.PatientID], med)
}

func (m *MemoryRepository) AddExternalReport(x clinical.ExternalReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.external[x.PatientID] = append(m.external[x.PatientID], x)
}

// PutTriageReport stores a report as-is, keeping its timestamps. A zero
// GeneratedAt takes UpdatedAt.
func (m *MemoryRepository) PutTriageReport(rep clinical.TriageReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rep.GeneratedAt.IsZero() {
		rep.GeneratedAt = rep.UpdatedAt
	}
	m.reports[rep.ID] = rep
}

// Reports returns every stored report for an encounter, oldest first.
func (m *MemoryRepository) Reports(encounterID string) []clinical.TriageReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []clinical.TriageReport
	for _, rep := range m.reports {
		if rep.EncounterID == encounterID {
			out = append(out, rep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func notFound(op string) error {
	return fmt.Errorf("records: %s: %w", op, ErrNotFound)
}

func (m *MemoryRepository) GetPatient(_ context.Context, patientID string) (clinical.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[patientID]
	if !ok {
		return clinical.Patient{}, notFound("get patient")
	}
	return p, nil
}

func (m *MemoryRepository) GetEncounter(_ context.Context, encounterID string) (clinical.Encounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.encounters[encounterID]
	if !ok {
		return clinical.Encounter{}, notFound("get encounter")
	}
	return e, nil
}

func (m *MemoryRepository) ListRecentEncounters(_ context.Context, patientID string, limit int) ([]clinical.Encounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []clinical.Encounter
	for _, e := range m.encounters {
		if e.PatientID == patientID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListScansForEncounters(_ context.Context, encounterIDs []string) ([]clinical.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]bool, len(encounterIDs))
	for _, id := range encounterIDs {
		wanted[id] = true
	}
	var out []clinical.Scan
	for _, s := range m.scans {
		if wanted[s.EncounterID] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) GetScan(_ context.Context, scanID string) (clinical.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scans[scanID]
	if !ok {
		return clinical.Scan{}, notFound("get scan")
	}
	return s, nil
}

func (m *MemoryRepository) ListMedicalHistory(_ context.Context, patientID string) ([]clinical.MedicalHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]clinical.MedicalHistoryEntry(nil), m.history[patientID]...), nil
}

func (m *MemoryRepository) ListMedications(_ context.Context, patientID string) ([]clinical.Medication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]clinical.Medication(nil), m.meds[patientID]...), nil
}

func (m *MemoryRepository) ListExternalReports(_ context.Context, patientID string, limit int) ([]clinical.ExternalReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]clinical.ExternalReport(nil), m.external[patientID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ReportedAt.After(out[j].ReportedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListTriageReports(_ context.Context, patientID string, limit int) ([]clinical.TriageReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []clinical.TriageReport
	for _, rep := range m.reports {
		if rep.PatientID == patientID && rep.Status != clinical.ReportStatusDeleted {
			out = append(out, rep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) UpdateEncounterSymptoms(_ context.Context, encounterID, symptoms string, transcript clinical.Optional[string]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.encounters[encounterID]
	if !ok {
		return notFound("update symptoms")
	}
	e.Symptoms = symptoms
	if transcript.Present() {
		e.VoiceTranscript = transcript
	}
	e.UpdatedAt = m.now().UTC()
	m.encounters[encounterID] = e
	return nil
}

func (m *MemoryRepository) SaveScanAnalysis(_ context.Context, scanID, analysis string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scans[scanID]
	if !ok {
		return notFound("save scan analysis")
	}
	s.Analysis = analysis
	m.scans[scanID] = s
	return nil
}

func (m *MemoryRepository) UpdateMedicalHistorySummary(_ context.Context, patientID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[patientID]
	if !ok {
		return notFound("update history summary")
	}
	p.MedicalHistorySummary = summary
	p.UpdatedAt = m.now().UTC()
	m.patients[patientID] = p
	return nil
}

func (m *MemoryRepository) GetTriageReport(_ context.Context, reportID string) (clinical.TriageReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rep, ok := m.reports[reportID]
	if !ok {
		return clinical.TriageReport{}, notFound("get report")
	}
	return rep, nil
}

func byUpdated(r clinical.TriageReport) time.Time   { return r.UpdatedAt }
func byGenerated(r clinical.TriageReport) time.Time { return r.GeneratedAt }

func (m *MemoryRepository) latest(match func(clinical.TriageReport) bool, by func(clinical.TriageReport) time.Time) (clinical.TriageReport, bool) {
	var best clinical.TriageReport
	found := false
	for _, rep := range m.reports {
		if !match(rep) {
			continue
		}
		if !found || by(rep).After(by(best)) {
			best = rep
			found = true
		}
	}
	return best, found
}

func (m *MemoryRepository) LatestDraftReport(_ context.Context, encounterID string) (clinical.TriageReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rep, ok := m.latest(func(r clinical.TriageReport) bool {
		return r.EncounterID == encounterID && r.Status == clinical.ReportStatusDraft
	}, byUpdated)
	if !ok {
		return clinical.TriageReport{}, notFound("latest draft")
	}
	return rep, nil
}

func (m *MemoryRepository) LatestReportSince(_ context.Context, encounterID string, since time.Time) (clinical.TriageReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rep, ok := m.latest(func(r clinical.TriageReport) bool {
		if r.EncounterID != encounterID || r.GeneratedAt.Before(since) {
			return false
		}
		return r.Status == clinical.ReportStatusDraft || r.Status == clinical.ReportStatusFinalized
	}, byGenerated)
	if !ok {
		return clinical.TriageReport{}, notFound("latest report since")
	}
	return rep, nil
}

func (m *MemoryRepository) InsertTriageReport(_ context.Context, rep clinical.TriageReport) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}
	if rep.Status == "" {
		rep.Status = clinical.ReportStatusDraft
	}
	now := m.now().UTC()
	rep.CreatedAt = now
	rep.UpdatedAt = now
	rep.GeneratedAt = now
	m.reports[rep.ID] = rep
	return rep.ID, nil
}

func (m *MemoryRepository) UpdateTriageReport(_ context.Context, rep clinical.TriageReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.reports[rep.ID]
	if !ok {
		return notFound("update report")
	}
	rep.EncounterID = existing.EncounterID
	rep.PatientID = existing.PatientID
	rep.CreatedAt = existing.CreatedAt
	rep.UpdatedAt = m.now().UTC()
	rep.GeneratedAt = rep.UpdatedAt
	m.reports[rep.ID] = rep
	return nil
}

func (m *MemoryRepository) SetTriageReportStatus(_ context.Context, reportID string, status clinical.ReportStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.reports[reportID]
	if !ok {
		return notFound("set report status")
	}
	rep.Status = status
	rep.UpdatedAt = m.now().UTC()
	m.reports[reportID] = rep
	return nil
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
