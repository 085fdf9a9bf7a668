package clinical

import "time"

// PatientContext is the immutable snapshot a workflow run reasons over.
// It is built fresh on every run and never cached.
type PatientContext struct {
	Patient          Patient               `json:"patient"`
	Age              int                   `json:"age"`
	CurrentEncounter EncounterContext      `json:"currentEncounter"`
	Encounters       []EncounterContext    `json:"encounters"`
	MedicalHistory   []MedicalHistoryEntry `json:"medicalHistory"`
	Medications      []Medication          `json:"medications"`
	ExternalReports  []ExternalReport      `json:"externalReports"`
	PriorReports     []TriageReport        `json:"priorReports"`
	GatheredAt       time.Time             `json:"gatheredAt"`
}

// ActiveMedications returns the medications still being taken.
func (c PatientContext) ActiveMedications() []Medication {
	var out []Medication
	for _, med := range c.Medications {
		if med.Active {
			out = append(out, med)
		}
	}
	return out
}

// EncounterContext is one visit plus its scans and latest report reference.
type EncounterContext struct {
	Encounter Encounter        `json:"encounter"`
	Scans     []Scan           `json:"scans"`
	ReportID  Optional[string] `json:"reportId"`
}
