package events

import (
	"time"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
)

const (
	TypeTriageRequested = "triage.requested.v1"
	TypeScanUploaded    = "scan.uploaded.v1"
	TypeReportGenerated = "report.generated.v1"
)

// TriageRequestedV1 asks for a full triage run on an encounter.
type TriageRequestedV1 struct {
	EncounterID     string                    `json:"encounterId"`
	PatientID       string                    `json:"patientId"`
	Symptoms        string                    `json:"symptoms"`
	VoiceTranscript clinical.Optional[string] `json:"voiceTranscript"`
	ScanIDs         []string                  `json:"scanIds,omitempty"`
	// TriageReportID is the PROCESSING placeholder allocated by the API, when present.
	TriageReportID clinical.Optional[string] `json:"triageReportId"`
	Trigger        clinical.TriggerType      `json:"trigger,omitempty"`
	RequestedAt    time.Time                 `json:"requestedAt,omitempty"`
}

func (TriageRequestedV1) EventType() string { return TypeTriageRequested }

// ScanUploadedV1 announces a new scan on an encounter.
type ScanUploadedV1 struct {
	ScanID      string                    `json:"scanId"`
	EncounterID string                    `json:"encounterId"`
	PatientID   string                    `json:"patientId"`
	ScanType    clinical.ScanType         `json:"scanType"`
	FileURL     string                    `json:"fileUrl"`
	BodyPart    clinical.Optional[string] `json:"bodyPart"`
}

func (ScanUploadedV1) EventType() string { return TypeScanUploaded }

// ReportGeneratedV1 is emitted once a triage report has been written.
type ReportGeneratedV1 struct {
	ReportID         string           `json:"reportId"`
	EncounterID      string           `json:"encounterId"`
	PatientID        string           `json:"patientId"`
	UrgencyLevel     clinical.Urgency `json:"urgencyLevel"`
	PrimaryDiagnosis string           `json:"primaryDiagnosis,omitempty"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
	GeneratedAt      time.Time        `json:"generatedAt"`
}

func (ReportGeneratedV1) EventType() string { return TypeReportGenerated }
