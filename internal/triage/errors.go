// Package triage runs the multi-stage triage workflow: it gathers a patient's
// record, drives the analysis agents, compiles the report, and handles the
// inbound events that trigger runs.
package triage

import (
	"errors"

	"github.com/wolfman30/medtriage-ai-platform/internal/events"
	"github.com/wolfman30/medtriage-ai-platform/internal/retry"
)

var (
	ErrPatientNotFound   = errors.New("triage: patient not found")
	ErrEncounterNotFound = errors.New("triage: encounter not found")
	ErrScanNotFound      = errors.New("triage: scan not found")
)

// IsFatal reports whether err must end a run rather than be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrEncounterNotFound) ||
		errors.Is(err, ErrScanNotFound) ||
		errors.Is(err, events.ErrMalformedEvent) ||
		retry.IsPermanent(err)
}
