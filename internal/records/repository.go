// Package records reads and updates the clinical rows the triage workflow works over.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("records: not found")

// Repository is the persistent store contract used by the workflow.
type Repository interface {
	GetPatient(ctx context.Context, patientID string) (clinical.Patient, error)
	GetEncounter(ctx context.Context, encounterID string) (clinical.Encounter, error)
	// ListRecentEncounters returns at most limit encounters, newest first.
	ListRecentEncounters(ctx context.Context, patientID string, limit int) ([]clinical.Encounter, error)
	ListScansForEncounters(ctx context.Context, encounterIDs []string) ([]clinical.Scan, error)
	GetScan(ctx context.Context, scanID string) (clinical.Scan, error)
	ListMedicalHistory(ctx context.Context, patientID string) ([]clinical.MedicalHistoryEntry, error)
	ListMedications(ctx context.Context, patientID string) ([]clinical.Medication, error)
	ListExternalReports(ctx context.Context, patientID string, limit int) ([]clinical.ExternalReport, error)
	// ListTriageReports returns non-deleted reports for the patient, newest first.
	ListTriageReports(ctx context.Context, patientID string, limit int) ([]clinical.TriageReport, error)

	UpdateEncounterSymptoms(ctx context.Context, encounterID, symptoms string, transcript clinical.Optional[string]) error
	SaveScanAnalysis(ctx context.Context, scanID, analysis string) error
	UpdateMedicalHistorySummary(ctx context.Context, patientID, summary string) error

	GetTriageReport(ctx context.Context, reportID string) (clinical.TriageReport, error)
	LatestDraftReport(ctx context.Context, encounterID string) (clinical.TriageReport, error)
	// LatestReportSince returns the newest DRAFT or FINALIZED report whose content
	// was generated at or after since. Status changes do not count.
	LatestReportSince(ctx context.Context, encounterID string, since time.Time) (clinical.TriageReport, error)
	InsertTriageReport(ctx context.Context, report clinical.TriageReport) (string, error)
	UpdateTriageReport(ctx context.Context, report clinical.TriageReport) error
	SetTriageReportStatus(ctx context.Context, reportID string, status clinical.ReportStatus) error
}
