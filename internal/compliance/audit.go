// Package compliance keeps the clinical audit trail for triage runs.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType names an audited triage action.
type AuditEventType string

const (
	// EventReportGenerated is logged when a triage report row is written.
	EventReportGenerated AuditEventType = "triage.report_generated"
	// EventDebounceSkipped is logged when a triage request is suppressed by the debounce window.
	EventDebounceSkipped AuditEventType = "triage.debounce_skipped"
	// EventScanAnalyzed is logged when a scan analysis is produced or reused.
	EventScanAnalyzed AuditEventType = "triage.scan_analyzed"
	// EventReportSuperseded is logged when a placeholder report is retired in favour of another row.
	EventReportSuperseded AuditEventType = "triage.report_superseded"
	// EventDisclaimerAttached is logged when the review disclaimer is added to a report summary.
	EventDisclaimerAttached AuditEventType = "triage.disclaimer_attached"
)

// AuditEvent is an immutable audit record.
type AuditEvent struct {
	ID          string          `json:"id"`
	EventType   AuditEventType  `json:"event_type"`
	PatientID   string          `json:"patient_id"`
	EncounterID string          `json:"encounter_id,omitempty"`
	ReportID    string          `json:"report_id,omitempty"`
	ScanID      string          `json:"scan_id,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditDetails contains event-specific details.
type AuditDetails struct {
	// Report generation
	Urgency          string   `json:"urgency,omitempty"`
	Confidence       float64  `json:"confidence,omitempty"`
	AgentsUsed       []string `json:"agents_used,omitempty"`
	ProcessingTimeMs int64    `json:"processing_time_ms,omitempty"`
	Trigger          string   `json:"trigger,omitempty"`
	Upsert           string   `json:"upsert,omitempty"`

	// Debounce
	ExistingReportID string `json:"existing_report_id,omitempty"`
	Window           string `json:"window,omitempty"`

	// Scan analysis
	Severity string `json:"severity,omitempty"`
	Source   string `json:"source,omitempty"`

	// Supersede
	SupersededBy string `json:"superseded_by,omitempty"`

	DisclaimerText string `json:"disclaimer_text,omitempty"`
}

// AuditService writes audit rows through database/sql.
type AuditService struct {
	db  *sql.DB
	now func() time.Time
}

func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db, now: time.Now}
}

// LogEvent records an audit event. A nil service is a no-op.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if s == nil || s.db == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	if len(event.Details) == 0 {
		event.Details = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO triage_audit_events (
			id, event_type, patient_id, encounter_id, report_id,
			scan_id, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.EventType),
		event.PatientID,
		nullString(event.EncounterID),
		nullString(event.ReportID),
		nullString(event.ScanID),
		[]byte(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}
	return nil
}

// ReportAudit describes a written triage report.
type ReportAudit struct {
	PatientID        string
	EncounterID      string
	ReportID         string
	Urgency          string
	Confidence       float64
	AgentsUsed       []string
	ProcessingTimeMs int64
	Trigger          string
	Upsert           string
}

// LogReportGenerated logs a written triage report.
func (s *AuditService) LogReportGenerated(ctx context.Context, r ReportAudit) error {
	detailsJSON, _ := json.Marshal(AuditDetails{
		Urgency:          r.Urgency,
		Confidence:       r.Confidence,
		AgentsUsed:       r.AgentsUsed,
		ProcessingTimeMs: r.ProcessingTimeMs,
		Trigger:          r.Trigger,
		Upsert:           r.Upsert,
	})
	return s.LogEvent(ctx, AuditEvent{
		EventType:   EventReportGenerated,
		PatientID:   r.PatientID,
		EncounterID: r.EncounterID,
		ReportID:    r.ReportID,
		Details:     detailsJSON,
	})
}

// LogDebounceSkipped logs a suppressed triage request.
func (s *AuditService) LogDebounceSkipped(ctx context.Context, patientID, encounterID, existingReportID string, window time.Duration) error {
	detailsJSON, _ := json.Marshal(AuditDetails{
		ExistingReportID: existingReportID,
		Window:           window.String(),
	})
	return s.LogEvent(ctx, AuditEvent{
		EventType:   EventDebounceSkipped,
		PatientID:   patientID,
		EncounterID: encounterID,
		ReportID:    existingReportID,
		Details:     detailsJSON,
	})
}

// LogScanAnalyzed logs a scan analysis and where it came from.
func (s *AuditService) LogScanAnalyzed(ctx context.Context, patientID, encounterID, scanID, severity, source string, confidence float64) error {
	detailsJSON, _ := json.Marshal(AuditDetails{
		Severity:   severity,
		Source:     source,
		Confidence: confidence,
	})
	return s.LogEvent(ctx, AuditEvent{
		EventType:   EventScanAnalyzed,
		PatientID:   patientID,
		EncounterID: encounterID,
		ScanID:      scanID,
		Details:     detailsJSON,
	})
}

// LogReportSuperseded logs a placeholder retired in favour of another report.
func (s *AuditService) LogReportSuperseded(ctx context.Context, patientID, encounterID, reportID, supersededBy string) error {
	detailsJSON, _ := json.Marshal(AuditDetails{SupersededBy: supersededBy})
	return s.LogEvent(ctx, AuditEvent{
		EventType:   EventReportSuperseded,
		PatientID:   patientID,
		EncounterID: encounterID,
		ReportID:    reportID,
		Details:     detailsJSON,
	})
}

// LogDisclaimerAttached logs the disclaimer text added to a report summary.
func (s *AuditService) LogDisclaimerAttached(ctx context.Context, patientID, encounterID, reportID, text string) error {
	detailsJSON, _ := json.Marshal(AuditDetails{DisclaimerText: text})
	return s.LogEvent(ctx, AuditEvent{
		EventType:   EventDisclaimerAttached,
		PatientID:   patientID,
		EncounterID: encounterID,
		ReportID:    reportID,
		Details:     detailsJSON,
	})
}

// QueryEvents retrieves audit events with filters, newest first.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, patient_id, encounter_id, report_id,
			   scan_id, details, created_at
		FROM triage_audit_events
		WHERE patient_id = $1
	`
	args := []interface{}{filter.PatientID}
	argIdx := 2

	if filter.EncounterID != "" {
		query += fmt.Sprintf(" AND encounter_id = $%d", argIdx)
		args = append(args, filter.EncounterID)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, string(filter.EventType))
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var eventType string
		var encID, reportID, scanID sql.NullString
		var details []byte
		if err := rows.Scan(&e.ID, &eventType, &e.PatientID, &encID, &reportID, &scanID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		e.EventType = AuditEventType(eventType)
		e.EncounterID = encID.String
		e.ReportID = reportID.String
		e.ScanID = scanID.String
		e.Details = append(json.RawMessage(nil), details...)
		events = append(events, e)
	}
	return events, rows.Err()
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	PatientID   string
	EncounterID string
	EventType   AuditEventType
	StartTime   time.Time
	EndTime     time.Time
	Limit       int
	Offset      int
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
