package clinical

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Urgency is the ordinal clinical priority of a triage outcome.
type Urgency int

const (
	UrgencyLow Urgency = iota + 1
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

var urgencyNames = map[Urgency]string{
	UrgencyLow:      "LOW",
	UrgencyMedium:   "MEDIUM",
	UrgencyHigh:     "HIGH",
	UrgencyCritical: "CRITICAL",
}

func (u Urgency) String() string {
	if name, ok := urgencyNames[u]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether u is one of the four defined levels.
func (u Urgency) Valid() bool {
	_, ok := urgencyNames[u]
	return ok
}

// ParseUrgency parses a level name case-insensitively.
func ParseUrgency(raw string) (Urgency, bool) {
	needle := strings.ToUpper(strings.TrimSpace(raw))
	for level, name := range urgencyNames {
		if name == needle {
			return level, true
		}
	}
	return 0, false
}

// NormalizeUrgency returns the parsed level or MEDIUM for anything unrecognised.
func NormalizeUrgency(raw string) Urgency {
	if level, ok := ParseUrgency(raw); ok {
		return level
	}
	return UrgencyMedium
}

// MaxUrgency returns the highest of the given levels, never below LOW.
func MaxUrgency(levels ...Urgency) Urgency {
	out := UrgencyLow
	for _, level := range levels {
		if level.Valid() && level > out {
			out = level
		}
	}
	return out
}

func (u Urgency) MarshalJSON() ([]byte, error) {
	if !u.Valid() {
		return nil, fmt.Errorf("clinical: invalid urgency %d", int(u))
	}
	return json.Marshal(u.String())
}

func (u *Urgency) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	level, ok := ParseUrgency(raw)
	if !ok {
		return fmt.Errorf("clinical: unknown urgency %q", raw)
	}
	*u = level
	return nil
}

// Severity is the ordinal severity of an imaging finding.
type Severity int

const (
	SeverityNormal Severity = iota + 1
	SeverityMild
	SeverityModerate
	SeveritySevere
)

var severityNames = map[Severity]string{
	SeverityNormal:   "NORMAL",
	SeverityMild:     "MILD",
	SeverityModerate: "MODERATE",
	SeveritySevere:   "SEVERE",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether s is one of the four defined severities.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(raw string) (Severity, bool) {
	needle := strings.ToUpper(strings.TrimSpace(raw))
	for level, name := range severityNames {
		if name == needle {
			return level, true
		}
	}
	return 0, false
}

// ImpliedUrgency maps a scan severity onto the urgency floor it imposes on a report:
// SEVERE forces CRITICAL, MODERATE forces HIGH, anything milder imposes no floor.
func (s Severity) ImpliedUrgency() Urgency {
	switch s {
	case SeveritySevere:
		return UrgencyCritical
	case SeverityModerate:
		return UrgencyHigh
	default:
		return UrgencyLow
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("clinical: invalid severity %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	level, ok := ParseSeverity(raw)
	if !ok {
		return fmt.Errorf("clinical: unknown severity %q", raw)
	}
	*s = level
	return nil
}

// ReportStatus is the lifecycle state of a persisted triage report.
type ReportStatus string

const (
	ReportStatusProcessing ReportStatus = "PROCESSING"
	ReportStatusDraft      ReportStatus = "DRAFT"
	ReportStatusFinalized  ReportStatus = "FINALIZED"
	ReportStatusDeleted    ReportStatus = "DELETED"
)

// CanTransition reports whether a report may move from s to next.
// PROCESSING -> DRAFT -> FINALIZED, and any non-deleted state may be DELETED.
func (s ReportStatus) CanTransition(next ReportStatus) bool {
	if next == ReportStatusDeleted {
		return s != ReportStatusDeleted
	}
	switch s {
	case ReportStatusProcessing:
		return next == ReportStatusDraft
	case ReportStatusDraft:
		return next == ReportStatusFinalized || next == ReportStatusDraft
	default:
		return false
	}
}

// ActionCategory tags a recommended action.
type ActionCategory string

const (
	ActionImmediate   ActionCategory = "IMMEDIATE"
	ActionDiagnostic  ActionCategory = "DIAGNOSTIC"
	ActionTherapeutic ActionCategory = "THERAPEUTIC"
	ActionMonitoring  ActionCategory = "MONITORING"
	ActionConsult     ActionCategory = "CONSULT"
)

// NormalizeActionCategory maps free text onto a category, defaulting to CONSULT.
func NormalizeActionCategory(raw string) ActionCategory {
	category := ActionCategory(strings.ToUpper(strings.TrimSpace(raw)))
	switch category {
	case ActionImmediate, ActionDiagnostic, ActionTherapeutic, ActionMonitoring, ActionConsult:
		return category
	default:
		return ActionConsult
	}
}

// ScanType identifies the imaging modality.
type ScanType string

const (
	ScanXRay        ScanType = "XRAY"
	ScanMRI         ScanType = "MRI"
	ScanCT          ScanType = "CT"
	ScanDermatology ScanType = "DERMATOLOGY"
	ScanUltrasound  ScanType = "ULTRASOUND"
	ScanOther       ScanType = "OTHER"
)

// NormalizeScanType accepts common spellings ("x-ray", "X_RAY", "derm").
func NormalizeScanType(raw string) ScanType {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	switch key {
	case "XRAY":
		return ScanXRay
	case "MRI":
		return ScanMRI
	case "CT", "CTSCAN":
		return ScanCT
	case "DERMATOLOGY", "DERM", "SKIN":
		return ScanDermatology
	case "ULTRASOUND", "US", "SONOGRAM":
		return ScanUltrasound
	default:
		return ScanOther
	}
}

// TriggerType records what initiated a triage request.
type TriggerType string

const (
	TriggerManual     TriggerType = "MANUAL"
	TriggerAutomatic  TriggerType = "AUTOMATIC"
	TriggerScanUpload TriggerType = "SCAN_UPLOAD"
)

// NormalizeTrigger defaults unknown or empty triggers to AUTOMATIC.
func NormalizeTrigger(raw string) TriggerType {
	trigger := TriggerType(strings.ToUpper(strings.TrimSpace(raw)))
	switch trigger {
	case TriggerManual, TriggerScanUpload:
		return trigger
	default:
		return TriggerAutomatic
	}
}
