package triage

import (
	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
)

// OverallUrgency is CRITICAL when the diagnosis is CRITICAL or any scan is
// SEVERE, at least HIGH when the diagnosis is HIGH, red flags exist, or any
// scan is MODERATE, and otherwise the diagnosis urgency with a floor of LOW.
func OverallUrgency(dx clinical.DiagnosisResult, scans []clinical.ScanAnalysisResult) clinical.Urgency {
	levels := []clinical.Urgency{dx.UrgencyLevel}
	if len(dx.RedFlags) > 0 {
		levels = append(levels, clinical.UrgencyHigh)
	}
	for _, scan := range scans {
		levels = append(levels, scan.Severity.ImpliedUrgency())
	}
	return clinical.MaxUrgency(levels...)
}

// OverallConfidence is the mean of the diagnosis, coding, and per-scan
// confidences. Fallback components contribute their zero confidence.
func OverallConfidence(dx clinical.DiagnosisResult, coding clinical.CodingResult, scans []clinical.ScanAnalysisResult) float64 {
	sum := clinical.ClampConfidence(dx.Confidence) + clinical.ClampConfidence(coding.Confidence)
	n := 2
	for _, scan := range scans {
		sum += clinical.ClampConfidence(scan.Confidence)
		n++
	}
	return clinical.ClampConfidence(sum / float64(n))
}
