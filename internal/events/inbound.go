package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
)

// ErrMalformedEvent marks inbound messages that can never be processed.
var ErrMalformedEvent = errors.New("events: malformed event")

// InboundEnvelope is the queue message body for workflow triggers.
type InboundEnvelope struct {
	ID              string             `json:"id"`
	Kind            string             `json:"kind"`
	TriageRequested *TriageRequestedV1 `json:"triageRequested,omitempty"`
	ScanUploaded    *ScanUploadedV1    `json:"scanUploaded,omitempty"`
	EnqueuedAt      time.Time          `json:"enqueuedAt"`
}

// NewTriageRequested wraps evt in an envelope with a fresh id.
func NewTriageRequested(evt TriageRequestedV1) InboundEnvelope {
	evt.Trigger = clinical.NormalizeTrigger(string(evt.Trigger))
	return InboundEnvelope{
		ID:              uuid.NewString(),
		Kind:            TypeTriageRequested,
		TriageRequested: &evt,
		EnqueuedAt:      nowFunc().UTC(),
	}
}

// NewScanUploaded wraps evt in an envelope with a fresh id.
func NewScanUploaded(evt ScanUploadedV1) InboundEnvelope {
	return InboundEnvelope{
		ID:           uuid.NewString(),
		Kind:         TypeScanUploaded,
		ScanUploaded: &evt,
		EnqueuedAt:   nowFunc().UTC(),
	}
}

// Validate checks that the payload matching Kind is present and complete.
func (e InboundEnvelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id missing", ErrMalformedEvent)
	}
	switch e.Kind {
	case TypeTriageRequested:
		p := e.TriageRequested
		if p == nil {
			return fmt.Errorf("%w: triageRequested payload missing", ErrMalformedEvent)
		}
		if strings.TrimSpace(p.EncounterID) == "" || strings.TrimSpace(p.PatientID) == "" {
			return fmt.Errorf("%w: encounterId and patientId are required", ErrMalformedEvent)
		}
	case TypeScanUploaded:
		p := e.ScanUploaded
		if p == nil {
			return fmt.Errorf("%w: scanUploaded payload missing", ErrMalformedEvent)
		}
		if strings.TrimSpace(p.ScanID) == "" || strings.TrimSpace(p.EncounterID) == "" || strings.TrimSpace(p.PatientID) == "" {
			return fmt.Errorf("%w: scanId, encounterId and patientId are required", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// DecodeInbound parses and validates a queue message body.
func DecodeInbound(body []byte) (InboundEnvelope, error) {
	var env InboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return InboundEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := env.Validate(); err != nil {
		return InboundEnvelope{}, err
	}
	if env.TriageRequested != nil {
		env.TriageRequested.Trigger = clinical.NormalizeTrigger(string(env.TriageRequested.Trigger))
	}
	return env, nil
}

// Encode serializes the envelope for a queue.
func (e InboundEnvelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}
