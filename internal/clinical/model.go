package clinical

import "time"

// Patient is the persisted patient row.
type Patient struct {
	ID                    string    `json:"id"`
	FirstName             string    `json:"firstName"`
	LastName              string    `json:"lastName"`
	DateOfBirth           time.Time `json:"dateOfBirth"`
	Sex                   string    `json:"sex,omitempty"`
	MedicalHistorySummary string    `json:"medicalHistorySummary,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// AgeAt returns the patient's age in whole years at t.
func (p Patient) AgeAt(t time.Time) int {
	if p.DateOfBirth.IsZero() {
		return 0
	}
	dob := p.DateOfBirth
	years := t.Year() - dob.Year()
	if t.Month() < dob.Month() || (t.Month() == dob.Month() && t.Day() < dob.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// Encounter is one clinical visit.
type Encounter struct {
	ID              string           `json:"id"`
	PatientID       string           `json:"patientId"`
	Symptoms        string           `json:"symptoms"`
	VoiceTranscript Optional[string] `json:"voiceTranscript"`
	Status          string           `json:"status,omitempty"`
	OccurredAt      time.Time        `json:"occurredAt"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Scan is an uploaded image or study attached to an encounter.
type Scan struct {
	ID          string            `json:"id"`
	EncounterID string            `json:"encounterId"`
	PatientID   string            `json:"patientId"`
	ScanType    ScanType          `json:"scanType"`
	BodyPart    Optional[string]  `json:"bodyPart"`
	FileURL     string            `json:"fileUrl"`
	PreviewURL  Optional[string]  `json:"previewUrl"`
	MimeType    string            `json:"mimeType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Analysis    string            `json:"analysis,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// MedicalHistoryEntry is one structured history item (condition, surgery, allergy...).
type MedicalHistoryEntry struct {
	ID          string              `json:"id"`
	PatientID   string              `json:"patientId"`
	Category    string              `json:"category"`
	Description string              `json:"description"`
	Status      string              `json:"status,omitempty"`
	DiagnosedAt Optional[time.Time] `json:"diagnosedAt"`
}

// Medication is a current or past prescription.
type Medication struct {
	ID        string              `json:"id"`
	PatientID string              `json:"patientId"`
	Name      string              `json:"name"`
	Dosage    string              `json:"dosage,omitempty"`
	Frequency string              `json:"frequency,omitempty"`
	Active    bool                `json:"active"`
	StartedAt Optional[time.Time] `json:"startedAt"`
}

// ExternalReport is an outside document (lab result, referral letter) attached to a patient.
type ExternalReport struct {
	ID         string    `json:"id"`
	PatientID  string    `json:"patientId"`
	Title      string    `json:"title"`
	Source     string    `json:"source,omitempty"`
	Summary    string    `json:"summary"`
	FileURL    string    `json:"fileUrl,omitempty"`
	ReportedAt time.Time `json:"reportedAt"`
}

// TriageReport is the persisted row holding a compiled report.
type TriageReport struct {
	ID               string                     `json:"id"`
	EncounterID      string                     `json:"encounterId"`
	PatientID        string                     `json:"patientId"`
	Status           ReportStatus               `json:"status"`
	UrgencyLevel     Optional[Urgency]          `json:"urgencyLevel"`
	Confidence       float64                    `json:"confidence"`
	PrimaryDiagnosis string                     `json:"primaryDiagnosis,omitempty"`
	ExecutiveSummary string                     `json:"executiveSummary,omitempty"`
	Report           *OrchestratedMedicalReport `json:"report,omitempty"`
	ProcessingTimeMs int64                      `json:"processingTimeMs"`
	CreatedAt        time.Time                  `json:"createdAt"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
	// GeneratedAt moves when report content is written, not on status changes.
	GeneratedAt time.Time `json:"generatedAt"`
}
