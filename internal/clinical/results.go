package clinical

// ScanAnalysisResult is the structured output for one scan.
type ScanAnalysisResult struct {
	ScanID          string   `json:"scanId"`
	ScanType        ScanType `json:"scanType"`
	Findings        string   `json:"findings"`
	Abnormalities   []string `json:"abnormalities"`
	Severity        Severity `json:"severity"`
	Confidence      float64  `json:"confidence"`
	Recommendations []string `json:"recommendations"`
	// Source is "model", "reused" or "fallback".
	Source string `json:"source"`
}

const (
	SourceModel    = "model"
	SourceReused   = "reused"
	SourceFallback = "fallback"
)

// Degraded reports whether the result came from a fallback path.
func (r ScanAnalysisResult) Degraded() bool {
	return r.Source == SourceFallback
}

// ClinicalHistoryAnalysis is derived from a PatientContext and never persisted on its own.
type ClinicalHistoryAnalysis struct {
	RiskFactors            []string         `json:"riskFactors"`
	RelevantConditions     []string         `json:"relevantConditions"`
	MedicationInteractions []string         `json:"medicationInteractions"`
	Contraindications      []string         `json:"contraindications"`
	ContextSummary         string           `json:"contextSummary"`
	TrendAnalysis          Optional[string] `json:"trendAnalysis"`
	Fallback               bool             `json:"fallback"`
}

// RecommendedAction is one categorized next step.
type RecommendedAction struct {
	Category ActionCategory `json:"category"`
	Action   string         `json:"action"`
}

// DiagnosisResult is the synthesized assessment.
type DiagnosisResult struct {
	PrimaryDiagnosis        string              `json:"primaryDiagnosis"`
	DifferentialDiagnoses   []string            `json:"differentialDiagnoses"`
	Confidence              float64             `json:"confidence"`
	Reasoning               string              `json:"reasoning"`
	UrgencyLevel            Urgency             `json:"urgencyLevel"`
	RecommendedActions      []RecommendedAction `json:"recommendedActions"`
	FollowUpRecommendations []string            `json:"followUpRecommendations"`
	RedFlags                []string            `json:"redFlags"`
	Fallback                bool                `json:"fallback"`
}

// DiagnosisCode is a classification code (ICD-10).
type DiagnosisCode struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Primary     bool   `json:"primary"`
}

// ProcedureCode is a billing code (CPT) with a unit count.
type ProcedureCode struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Units       int    `json:"units"`
}

// CodingResult holds generated codes.
type CodingResult struct {
	DiagnosisCodes []DiagnosisCode `json:"diagnosisCodes"`
	ProcedureCodes []ProcedureCode `json:"procedureCodes"`
	Confidence     float64         `json:"confidence"`
	Fallback       bool            `json:"fallback"`
}

// ReasoningStep is one entry in the report's reasoning chain.
type ReasoningStep struct {
	Stage   string `json:"stage"`
	Summary string `json:"summary"`
}

// OrchestratedMedicalReport is the terminal aggregate of one workflow run.
type OrchestratedMedicalReport struct {
	PatientID         string                  `json:"patientId"`
	EncounterID       string                  `json:"encounterId"`
	HistoryAnalysis   ClinicalHistoryAnalysis `json:"historyAnalysis"`
	ScanAnalyses      []ScanAnalysisResult    `json:"scanAnalyses"`
	Diagnosis         DiagnosisResult         `json:"diagnosis"`
	Coding            CodingResult            `json:"coding"`
	ExecutiveSummary  string                  `json:"executiveSummary"`
	OverallUrgency    Urgency                 `json:"overallUrgency"`
	OverallConfidence float64                 `json:"overallConfidence"`
	ReasoningChain    []ReasoningStep         `json:"reasoningChain"`
	AgentsUsed        []string                `json:"agentsUsed"`
	ProcessingTimeMs  int64                   `json:"processingTimeMs"`
}

// Agent names recorded in OrchestratedMedicalReport.AgentsUsed.
const (
	AgentHistory   = "History Agent"
	AgentScan      = "Scan Agent"
	AgentDiagnosis = "Diagnosis Agent"
	AgentCoding    = "Coding Agent"
)

// ClampConfidence bounds c to [0,1]; NaN becomes 0.
func ClampConfidence(c float64) float64 {
	if c != c || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
