package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
)

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newOutboxStoreWithExec(mock)

	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "encounter:enc-1", TypeReportGenerated, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	env, err := store.Append(context.Background(), EncounterAggregate("enc-1"), "run-1", ReportGeneratedV1{
		ReportID:     "rep-1",
		EncounterID:  "enc-1",
		PatientID:    "pat-1",
		UrgencyLevel: clinical.UrgencyHigh,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if env.CorrelationID != "run-1" || env.EventType != TypeReportGenerated {
		t.Fatalf("unexpected envelope: %#v", env)
	}

	now := time.Now().UTC()
	id := uuid.New()
	rows := pgxmock.NewRows([]string{"id", "aggregate", "event_type", "payload", "created_at"}).
		AddRow(id, "encounter:enc-1", TypeReportGenerated, []byte(`{"foo":"bar"}`), now)
	mock.ExpectQuery("SELECT id").WithArgs(int32(10)).WillReturnRows(rows)

	entries, err := store.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch pending failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id || entries[0].Aggregate != "encounter:enc-1" {
		t.Fatalf("unexpected entries: %#v", entries)
	}

	mock.ExpectExec("UPDATE outbox").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), id)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if !ok {
		t.Fatal("expected mark delivered to report success")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNewEnvelopeRejectsIncompleteInput(t *testing.T) {
	if _, err := NewEnvelope(" ", ReportGeneratedV1{}, Meta{}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected invalid envelope for blank aggregate, got %v", err)
	}
	if _, err := NewEnvelope("encounter:1", nil, Meta{}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected invalid envelope for nil event, got %v", err)
	}
}

func TestNewEnvelopeMeta(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := NewEnvelope("encounter:enc-9", ReportGeneratedV1{ReportID: "rep-9", UrgencyLevel: clinical.UrgencyMedium}, Meta{EventID: id, OccurredAt: ts, CorrelationID: " run-9 "})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.EventID != id || !env.OccurredAt.Equal(ts) || env.CorrelationID != "run-9" || env.Source != Source {
		t.Fatalf("meta not applied: %#v", env)
	}
	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["reportId"] != "rep-9" {
		t.Fatalf("unexpected payload %v", payload)
	}

	entry, err := env.Entry()
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.ID != id || entry.Type != TypeReportGenerated || !entry.CreatedAt.Equal(ts) {
		t.Fatalf("unexpected entry %#v", entry)
	}
}

type recordingObserver struct {
	statuses []string
}

func (r *recordingObserver) ObserveDelivery(eventType, status string) {
	r.statuses = append(r.statuses, eventType+":"+status)
}

func TestDelivererDrainMarksOnlySuccessfulEntries(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()
	if _, err := outbox.Append(ctx, EncounterAggregate("enc-1"), "", ReportGeneratedV1{ReportID: "ok", UrgencyLevel: clinical.UrgencyLow}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := outbox.Append(ctx, EncounterAggregate("enc-2"), "", ReportGeneratedV1{ReportID: "fail", UrgencyLevel: clinical.UrgencyLow}); err != nil {
		t.Fatalf("append: %v", err)
	}

	calls := 0
	handler := HandlerFunc(func(_ context.Context, entry OutboxEntry) error {
		calls++
		evt, err := DecodeReportGenerated(entry)
		if err != nil {
			return err
		}
		if evt.ReportID == "fail" {
			return errors.New("broker down")
		}
		return nil
	})
	observer := &recordingObserver{}
	deliverer := NewDeliverer(outbox, handler, nil).WithObserver(observer).WithBatchSize(10)

	if got := deliverer.Drain(ctx); got != 1 {
		t.Fatalf("expected 1 delivered, got %d", got)
	}
	pending, _ := outbox.FetchPending(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected failed entry to stay pending, got %d", len(pending))
	}
	if calls != 2 {
		t.Fatalf("expected handler called twice, got %d", calls)
	}
	if len(observer.statuses) != 2 {
		t.Fatalf("unexpected observations %v", observer.statuses)
	}
}

func TestDelivererPublishesOnceWhenAlertFails(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()
	if _, err := outbox.Append(ctx, EncounterAggregate("enc-1"), "", ReportGeneratedV1{ReportID: "rep-1", UrgencyLevel: clinical.UrgencyCritical}); err != nil {
		t.Fatalf("append: %v", err)
	}

	publisher := &MemoryPublisher{}
	alerts := 0
	failingAlert := HandlerFunc(func(context.Context, OutboxEntry) error {
		alerts++
		return errors.New("recipient rejected")
	})
	handler := MultiHandler{
		publisher,
		BestEffort("alerts", TypedHandler(TypeReportGenerated, failingAlert), nil),
	}
	deliverer := NewDeliverer(outbox, handler, nil)

	for i := 0; i < 3; i++ {
		deliverer.Drain(ctx)
	}
	if got := len(publisher.Envelopes()); got != 1 {
		t.Fatalf("expected report published once, got %d", got)
	}
	if alerts != 1 {
		t.Fatalf("expected one alert attempt, got %d", alerts)
	}
	if pending, _ := outbox.FetchPending(ctx, 10); len(pending) != 0 {
		t.Fatalf("expected entry delivered, %d pending", len(pending))
	}
}
