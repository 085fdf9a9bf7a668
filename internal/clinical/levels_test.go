package clinical

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUrgencyOrdering(t *testing.T) {
	assert.True(t, UrgencyLow < UrgencyMedium)
	assert.True(t, UrgencyMedium < UrgencyHigh)
	assert.True(t, UrgencyHigh < UrgencyCritical)
	assert.Equal(t, UrgencyCritical, MaxUrgency(UrgencyLow, UrgencyCritical, UrgencyHigh))
	assert.Equal(t, UrgencyLow, MaxUrgency())
	assert.Equal(t, UrgencyLow, MaxUrgency(Urgency(0)))
}

func TestNormalizeUrgency(t *testing.T) {
	cases := map[string]Urgency{
		"low":       UrgencyLow,
		" HIGH ":    UrgencyHigh,
		"Critical":  UrgencyCritical,
		"":          UrgencyMedium,
		"emergency": UrgencyMedium,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeUrgency(raw), "raw=%q", raw)
	}
}

func TestSeverityImpliedUrgency(t *testing.T) {
	assert.Equal(t, UrgencyCritical, SeveritySevere.ImpliedUrgency())
	assert.Equal(t, UrgencyHigh, SeverityModerate.ImpliedUrgency())
	assert.Equal(t, UrgencyLow, SeverityMild.ImpliedUrgency())
	assert.Equal(t, UrgencyLow, SeverityNormal.ImpliedUrgency())
}

func TestLevelJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		U Urgency  `json:"u"`
		S Severity `json:"s"`
	}{UrgencyHigh, SeverityMild})
	require.NoError(t, err)
	assert.JSONEq(t, `{"u":"HIGH","s":"MILD"}`, string(data))

	var s Severity
	require.Error(t, json.Unmarshal([]byte(`"TERRIBLE"`), &s))
	_, err = json.Marshal(Urgency(0))
	require.Error(t, err)
}

func TestReportStatusTransitions(t *testing.T) {
	assert.True(t, ReportStatusProcessing.CanTransition(ReportStatusDraft))
	assert.True(t, ReportStatusDraft.CanTransition(ReportStatusFinalized))
	assert.True(t, ReportStatusDraft.CanTransition(ReportStatusDeleted))
	assert.False(t, ReportStatusFinalized.CanTransition(ReportStatusDraft))
	assert.False(t, ReportStatusProcessing.CanTransition(ReportStatusFinalized))
	assert.False(t, ReportStatusDeleted.CanTransition(ReportStatusDeleted))
}

func TestNormalizers(t *testing.T) {
	assert.Equal(t, ScanXRay, NormalizeScanType("x-ray"))
	assert.Equal(t, ScanDermatology, NormalizeScanType("derm"))
	assert.Equal(t, ScanOther, NormalizeScanType("pet"))
	assert.Equal(t, ActionConsult, NormalizeActionCategory("phone a friend"))
	assert.Equal(t, ActionImmediate, NormalizeActionCategory("immediate"))
	assert.Equal(t, TriggerAutomatic, NormalizeTrigger(""))
	assert.Equal(t, TriggerManual, NormalizeTrigger("manual"))
}

func TestOptionalJSON(t *testing.T) {
	type wrapper struct {
		Preview Optional[string] `json:"preview"`
	}
	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"preview":null}`), &w))
	_, ok := w.Preview.Get()
	assert.False(t, ok)

	require.NoError(t, json.Unmarshal([]byte(`{"preview":"https://cdn/p.png"}`), &w))
	v, ok := w.Preview.Get()
	assert.True(t, ok)
	assert.Equal(t, "https://cdn/p.png", v)

	assert.False(t, SomeString("  ").Present())

	require.NoError(t, json.Unmarshal([]byte(`{"preview":""}`), &w))
	assert.False(t, w.Preview.Present())
	var n struct {
		Count Optional[int] `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"count":0}`), &n))
	assert.True(t, n.Count.Present())
	assert.Equal(t, "x", None[string]().OrElse("x"))
}

func TestPatientAge(t *testing.T) {
	p := Patient{DateOfBirth: time.Date(1950, time.June, 15, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, 74, p.AgeAt(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 75, p.AgeAt(time.Date(2025, time.June, 20, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, Patient{}.AgeAt(time.Now()))

	// Birthdays after February must not shift when only one of the years is a leap year.
	march := Patient{DateOfBirth: time.Date(1964, time.March, 1, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, 61, march.AgeAt(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 60, march.AgeAt(time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)))
	late := Patient{DateOfBirth: time.Date(1965, time.March, 1, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, 58, late.AgeAt(time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 59, late.AgeAt(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)))
	leapling := Patient{DateOfBirth: time.Date(1964, time.February, 29, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, 60, leapling.AgeAt(time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 61, leapling.AgeAt(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)))
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(-1))
	assert.Equal(t, 1.0, ClampConfidence(3))
	assert.Equal(t, 0.4, ClampConfidence(0.4))
}
