package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository on top of pgx.
type PostgresRepository struct {
	db  querier
	now func() time.Time
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("records: pgx pool required")
	}
	return newPostgresRepositoryWithExec(pool)
}

func newPostgresRepositoryWithExec(db querier) *PostgresRepository {
	if db == nil {
		panic("records: querier required")
	}
	return &PostgresRepository{db: db, now: time.Now}
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("records: %s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("records: %s: %w", op, err)
}

func optString(v *string) clinical.Optional[string] {
	if v == nil {
		return clinical.None[string]()
	}
	return clinical.SomeString(*v)
}

func optTime(v *time.Time) clinical.Optional[time.Time] {
	if v == nil {
		return clinical.None[time.Time]()
	}
	return clinical.Some(*v)
}

func nullableString(o clinical.Optional[string]) *string {
	if v, ok := o.Get(); ok {
		return &v
	}
	return nil
}

func (r *PostgresRepository) GetPatient(ctx context.Context, patientID string) (clinical.Patient, error) {
	query := `
		SELECT id, first_name, last_name, date_of_birth, COALESCE(sex, ''),
			COALESCE(medical_history_summary, ''), created_at, updated_at
		FROM patients
		WHERE id = $1
	`
	var p clinical.Patient
	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&p.ID, &p.FirstName, &p.LastName, &p.DateOfBirth, &p.Sex,
		&p.MedicalHistorySummary, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return clinical.Patient{}, wrapNotFound("get patient", err)
	}
	return p, nil
}

const encounterColumns = `id, patient_id, symptoms, voice_transcript, COALESCE(status, ''), occurred_at, created_at, updated_at`

func scanEncounter(row pgx.Row) (clinical.Encounter, error) {
	var e clinical.Encounter
	var transcript *string
	if err := row.Scan(&e.ID, &e.PatientID, &e.Symptoms, &transcript, &e.Status, &e.OccurredAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return clinical.Encounter{}, err
	}
	e.VoiceTranscript = optString(transcript)
	return e, nil
}

func (r *PostgresRepository) GetEncounter(ctx context.Context, encounterID string) (clinical.Encounter, error) {
	query := `SELECT ` + encounterColumns + ` FROM encounters WHERE id = $1`
	e, err := scanEncounter(r.db.QueryRow(ctx, query, encounterID))
	if err != nil {
		return clinical.Encounter{}, wrapNotFound("get encounter", err)
	}
	return e, nil
}

func (r *PostgresRepository) ListRecentEncounters(ctx context.Context, patientID string, limit int) ([]clinical.Encounter, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + encounterColumns + `
		FROM encounters
		WHERE patient_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("records: list encounters: %w", err)
	}
	defer rows.Close()

	var out []clinical.Encounter
	for rows.Next() {
		e, err := scanEncounter(rows)
		if err != nil {
			return nil, fmt.Errorf("records: scan encounter: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const scanColumns = `id, encounter_id, patient_id, scan_type, body_part, file_url, preview_url,
	COALESCE(mime_type, ''), metadata, COALESCE(analysis, ''), created_at`

func scanScan(row pgx.Row) (clinical.Scan, error) {
	var s clinical.Scan
	var scanType string
	var bodyPart, preview *string
	var metadata []byte
	if err := row.Scan(&s.ID, &s.EncounterID, &s.PatientID, &scanType, &bodyPart, &s.FileURL, &preview,
		&s.MimeType, &metadata, &s.Analysis, &s.CreatedAt); err != nil {
		return clinical.Scan{}, err
	}
	s.ScanType = clinical.NormalizeScanType(scanType)
	s.BodyPart = optString(bodyPart)
	s.PreviewURL = optString(preview)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return clinical.Scan{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return s, nil
}

func (r *PostgresRepository) ListScansForEncounters(ctx context.Context, encounterIDs []string) ([]clinical.Scan, error) {
	if len(encounterIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + scanColumns + `
		FROM scans
		WHERE encounter_id = ANY($1)
		ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, encounterIDs)
	if err != nil {
		return nil, fmt.Errorf("records: list scans: %w", err)
	}
	defer rows.Close()

	var out []clinical.Scan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("records: scan scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetScan(ctx context.Context, scanID string) (clinical.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE id = $1`
	s, err := scanScan(r.db.QueryRow(ctx, query, scanID))
	if err != nil {
		return clinical.Scan{}, wrapNotFound("get scan", err)
	}
	return s, nil
}

func (r *PostgresRepository) ListMedicalHistory(ctx context.Context, patientID string) ([]clinical.MedicalHistoryEntry, error) {
	query := `
		SELECT id, patient_id, category, description, COALESCE(status, ''), diagnosed_at
		FROM medical_history
		WHERE patient_id = $1
		ORDER BY diagnosed_at DESC NULLS LAST
	`
	rows, err := r.db.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("records: list history: %w", err)
	}
	defer rows.Close()

	var out []clinical.MedicalHistoryEntry
	for rows.Next() {
		var h clinical.MedicalHistoryEntry
		var diagnosed *time.Time
		if err := rows.Scan(&h.ID, &h.PatientID, &h.Category, &h.Description, &h.Status, &diagnosed); err != nil {
			return nil, fmt.Errorf("records: scan history: %w", err)
		}
		h.DiagnosedAt = optTime(diagnosed)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListMedications(ctx context.Context, patientID string) ([]clinical.Medication, error) {
	query := `
		SELECT id, patient_id, name, COALESCE(dosage, ''), COALESCE(frequency, ''), active, started_at
		FROM medications
		WHERE patient_id = $1
		ORDER BY active DESC, name ASC
	`
	rows, err := r.db.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("records: list medications: %w", err)
	}
	defer rows.Close()

	var out []clinical.Medication
	for rows.Next() {
		var m clinical.Medication
		var started *time.Time
		if err := rows.Scan(&m.ID, &m.PatientID, &m.Name, &m.Dosage, &m.Frequency, &m.Active, &started); err != nil {
			return nil, fmt.Errorf("records: scan medication: %w", err)
		}
		m.StartedAt = optTime(started)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListExternalReports(ctx context.Context, patientID string, limit int) ([]clinical.ExternalReport, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, patient_id, title, COALESCE(source, ''), COALESCE(summary, ''), COALESCE(file_url, ''), reported_at
		FROM external_reports
		WHERE patient_id = $1
		ORDER BY reported_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("records: list external reports: %w", err)
	}
	defer rows.Close()

	var out []clinical.ExternalReport
	for rows.Next() {
		var x clinical.ExternalReport
		if err := rows.Scan(&x.ID, &x.PatientID, &x.Title, &x.Source, &x.Summary, &x.FileURL, &x.ReportedAt); err != nil {
			return nil, fmt.Errorf("records: scan external report: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

const reportColumns = `id, encounter_id, patient_id, status, urgency_level, COALESCE(confidence, 0),
	COALESCE(primary_diagnosis, ''), COALESCE(executive_summary, ''), report,
	COALESCE(processing_time_ms, 0), created_at, updated_at, generated_at`

func scanReport(row pgx.Row) (clinical.TriageReport, error) {
	var rep clinical.TriageReport
	var status string
	var urgency *string
	var body []byte
	if err := row.Scan(&rep.ID, &rep.EncounterID, &rep.PatientID, &status, &urgency, &rep.Confidence,
		&rep.PrimaryDiagnosis, &rep.ExecutiveSummary, &body, &rep.ProcessingTimeMs,
		&rep.CreatedAt, &rep.UpdatedAt, &rep.GeneratedAt); err != nil {
		return clinical.TriageReport{}, err
	}
	rep.Status = clinical.ReportStatus(status)
	if urgency != nil {
		if u, ok := clinical.ParseUrgency(*urgency); ok {
			rep.UrgencyLevel = clinical.Some(u)
		}
	}
	if len(body) > 0 {
		var compiled clinical.OrchestratedMedicalReport
		if err := json.Unmarshal(body, &compiled); err != nil {
			return clinical.TriageReport{}, fmt.Errorf("decode report: %w", err)
		}
		rep.Report = &compiled
	}
	return rep, nil
}

func (r *PostgresRepository) ListTriageReports(ctx context.Context, patientID string, limit int) ([]clinical.TriageReport, error) {
	if limit <= 0 {
		limit = 5
	}
	query := `SELECT ` + reportColumns + `
		FROM triage_reports
		WHERE patient_id = $1 AND status <> 'DELETED'
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("records: list reports: %w", err)
	}
	defer rows.Close()

	var out []clinical.TriageReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("records: scan report: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateEncounterSymptoms(ctx context.Context, encounterID, symptoms string, transcript clinical.Optional[string]) error {
	query := `
		UPDATE encounters
		SET symptoms = $2, voice_transcript = COALESCE($3, voice_transcript), updated_at = $4
		WHERE id = $1
	`
	ct, err := r.db.Exec(ctx, query, encounterID, symptoms, nullableString(transcript), r.now().UTC())
	if err != nil {
		return fmt.Errorf("records: update symptoms: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("records: update symptoms: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) SaveScanAnalysis(ctx context.Context, scanID, analysis string) error {
	ct, err := r.db.Exec(ctx, `UPDATE scans SET analysis = $2 WHERE id = $1`, scanID, analysis)
	if err != nil {
		return fmt.Errorf("records: save scan analysis: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("records: save scan analysis: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) UpdateMedicalHistorySummary(ctx context.Context, patientID, summary string) error {
	query := `UPDATE patients SET medical_history_summary = $2, updated_at = $3 WHERE id = $1`
	ct, err := r.db.Exec(ctx, query, patientID, summary, r.now().UTC())
	if err != nil {
		return fmt.Errorf("records: update history summary: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("records: update history summary: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) GetTriageReport(ctx context.Context, reportID string) (clinical.TriageReport, error) {
	query := `SELECT ` + reportColumns + ` FROM triage_reports WHERE id = $1`
	rep, err := scanReport(r.db.QueryRow(ctx, query, reportID))
	if err != nil {
		return clinical.TriageReport{}, wrapNotFound("get report", err)
	}
	return rep, nil
}

func (r *PostgresRepository) LatestDraftReport(ctx context.Context, encounterID string) (clinical.TriageReport, error) {
	query := `SELECT ` + reportColumns + `
		FROM triage_reports
		WHERE encounter_id = $1 AND status = 'DRAFT'
		ORDER BY updated_at DESC
		LIMIT 1`
	rep, err := scanReport(r.db.QueryRow(ctx, query, encounterID))
	if err != nil {
		return clinical.TriageReport{}, wrapNotFound("latest draft", err)
	}
	return rep, nil
}

func (r *PostgresRepository) LatestReportSince(ctx context.Context, encounterID string, since time.Time) (clinical.TriageReport, error) {
	query := `SELECT ` + reportColumns + `
		FROM triage_reports
		WHERE encounter_id = $1 AND status IN ('DRAFT', 'FINALIZED') AND generated_at >= $2
		ORDER BY generated_at DESC
		LIMIT 1`
	rep, err := scanReport(r.db.QueryRow(ctx, query, encounterID, since.UTC()))
	if err != nil {
		return clinical.TriageReport{}, wrapNotFound("latest report since", err)
	}
	return rep, nil
}

func reportArgs(rep clinical.TriageReport) (*string, []byte, error) {
	var urgency *string
	if u, ok := rep.UrgencyLevel.Get(); ok {
		s := u.String()
		urgency = &s
	}
	var body []byte
	if rep.Report != nil {
		b, err := json.Marshal(rep.Report)
		if err != nil {
			return nil, nil, fmt.Errorf("records: encode report: %w", err)
		}
		body = b
	}
	return urgency, body, nil
}

func (r *PostgresRepository) InsertTriageReport(ctx context.Context, rep clinical.TriageReport) (string, error) {
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}
	if rep.Status == "" {
		rep.Status = clinical.ReportStatusDraft
	}
	urgency, body, err := reportArgs(rep)
	if err != nil {
		return "", err
	}
	now := r.now().UTC()
	query := `
		INSERT INTO triage_reports (
			id, encounter_id, patient_id, status, urgency_level, confidence,
			primary_diagnosis, executive_summary, report, processing_time_ms, created_at, updated_at, generated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11,$11)
	`
	if _, err := r.db.Exec(ctx, query, rep.ID, rep.EncounterID, rep.PatientID, string(rep.Status), urgency,
		rep.Confidence, rep.PrimaryDiagnosis, rep.ExecutiveSummary, body, rep.ProcessingTimeMs, now); err != nil {
		return "", fmt.Errorf("records: insert report: %w", err)
	}
	return rep.ID, nil
}

func (r *PostgresRepository) UpdateTriageReport(ctx context.Context, rep clinical.TriageReport) error {
	urgency, body, err := reportArgs(rep)
	if err != nil {
		return err
	}
	query := `
		UPDATE triage_reports
		SET status = $2, urgency_level = $3, confidence = $4, primary_diagnosis = $5,
			executive_summary = $6, report = $7, processing_time_ms = $8, updated_at = $9, generated_at = $9
		WHERE id = $1
	`
	ct, err := r.db.Exec(ctx, query, rep.ID, string(rep.Status), urgency, rep.Confidence,
		rep.PrimaryDiagnosis, rep.ExecutiveSummary, body, rep.ProcessingTimeMs, r.now().UTC())
	if err != nil {
		return fmt.Errorf("records: update report: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("records: update report: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) SetTriageReportStatus(ctx context.Context, reportID string, status clinical.ReportStatus) error {
	ct, err := r.db.Exec(ctx, `UPDATE triage_reports SET status = $2, updated_at = $3 WHERE id = $1`,
		reportID, string(status), r.now().UTC())
	if err != nil {
		return fmt.Errorf("records: set report status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("records: set report status: %w", ErrNotFound)
	}
	return nil
}
