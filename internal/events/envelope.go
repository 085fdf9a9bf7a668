package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Source is stamped on every envelope this service emits.
const Source = "medtriage.triage-runner"

// ErrInvalidEnvelope is returned when an envelope cannot be built.
var ErrInvalidEnvelope = errors.New("events: invalid envelope")

var nowFunc = time.Now

// CanonicalEvent is a versioned outbound event payload.
type CanonicalEvent interface {
	EventType() string
}

// Envelope is the wire form of an outbound event.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	Source        string          `json:"source"`
	Aggregate     string          `json:"aggregate"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta pins envelope fields that are otherwise generated. Zero values are generated.
type Meta struct {
	EventID       uuid.UUID
	CorrelationID string
	OccurredAt    time.Time
}

// NewEnvelope wraps evt. aggregate is the ordering key, usually EncounterAggregate(id).
func NewEnvelope(aggregate string, evt CanonicalEvent, meta Meta) (Envelope, error) {
	aggregate = strings.TrimSpace(aggregate)
	if aggregate == "" {
		return Envelope{}, fmt.Errorf("%w: aggregate is required", ErrInvalidEnvelope)
	}
	if evt == nil {
		return Envelope{}, fmt.Errorf("%w: event is required", ErrInvalidEnvelope)
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		return Envelope{}, fmt.Errorf("%w: event type is empty", ErrInvalidEnvelope)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s: %w", eventType, err)
	}

	env := Envelope{
		EventID:       meta.EventID,
		EventType:     eventType,
		Source:        Source,
		Aggregate:     aggregate,
		OccurredAt:    meta.OccurredAt.UTC(),
		CorrelationID: strings.TrimSpace(meta.CorrelationID),
		Payload:       payload,
	}
	if env.EventID == uuid.Nil {
		env.EventID = uuid.New()
	}
	if meta.OccurredAt.IsZero() {
		env.OccurredAt = nowFunc().UTC()
	}
	return env, nil
}

// EncounterAggregate is the aggregate key for encounter-scoped events.
func EncounterAggregate(encounterID string) string {
	return "encounter:" + strings.TrimSpace(encounterID)
}

// Entry renders the envelope as the outbox row that carries it.
func (e Envelope) Entry() (OutboxEntry, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("events: marshal envelope: %w", err)
	}
	return OutboxEntry{
		ID:        e.EventID,
		Aggregate: e.Aggregate,
		Type:      e.EventType,
		Payload:   data,
		CreatedAt: e.OccurredAt,
	}, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// insertEntry writes one outbox row through exec, which may be a transaction.
func insertEntry(ctx context.Context, exec execer, entry OutboxEntry) error {
	query := `
		INSERT INTO outbox (id, aggregate, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := exec.Exec(ctx, query, entry.ID, entry.Aggregate, entry.Type, []byte(entry.Payload), entry.CreatedAt); err != nil {
		return fmt.Errorf("events: insert outbox entry: %w", err)
	}
	return nil
}
