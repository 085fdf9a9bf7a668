package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/llm"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

const (
	maxSecondaryDiagnosisCodes = 5
	maxProcedureCodes          = 10
	fallbackICDCode            = "R69"
	fallbackICDDescription     = "Illness, unspecified"
)

var (
	icd10Pattern = regexp.MustCompile(`^[A-TV-Z][0-9][0-9AB](\.[0-9A-TV-Z]{1,4})?$`)
	cptPattern   = regexp.MustCompile(`^[0-9]{4}[0-9A-Z]$`)
)

const codingSystemPrompt = `You are a certified medical coder.

Assign ICD-10-CM diagnosis codes and CPT procedure codes for the encounter.
Mark exactly one diagnosis code as primary. Use at most 5 secondary diagnosis codes
and at most 10 procedure codes.

Return ONLY JSON in this exact format:
{"diagnosisCodes":[{"code":"","description":"","primary":true}],
"procedureCodes":[{"code":"","description":"","units":1}],"confidence":0.0}`

// CodingGenerator maps a diagnosis and performed procedures onto billing codes.
type CodingGenerator struct {
	caller
}

func NewCodingGenerator(client llm.Client, cfg Config, logger *logging.Logger, observer Observer) *CodingGenerator {
	return &CodingGenerator{caller: newCaller(clinical.AgentCoding, client, cfg.withDefaults(1024), logger, observer)}
}

func (g *CodingGenerator) Generate(ctx context.Context, dx clinical.DiagnosisResult, scanTypes []clinical.ScanType, procedures []string) clinical.CodingResult {
	started := time.Now()
	text, err := g.complete(ctx, codingSystemPrompt, codingPrompt(dx, scanTypes, procedures), nil)
	if err == nil {
		var result clinical.CodingResult
		result, err = parseCoding(text)
		if err == nil {
			g.observe(OutcomeModel, started)
			return result
		}
	}
	g.logger.Warn("coding fell back", "error", err)
	g.observe(OutcomeFallback, started)
	return CodingFallback()
}

func codingPrompt(dx clinical.DiagnosisResult, scanTypes []clinical.ScanType, procedures []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Primary diagnosis: %s\n", dx.PrimaryDiagnosis)
	writeList(&b, "Differential diagnoses", dx.DifferentialDiagnoses)
	fmt.Fprintf(&b, "Urgency: %s\n", dx.UrgencyLevel)
	if dx.Reasoning != "" {
		fmt.Fprintf(&b, "Clinical reasoning: %s\n", dx.Reasoning)
	}
	types := make([]string, 0, len(scanTypes))
	for _, t := range scanTypes {
		types = append(types, string(t))
	}
	writeList(&b, "Imaging performed", types)
	writeList(&b, "Other procedures", procedures)
	return b.String()
}

type diagnosisCodePayload struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Primary     bool   `json:"primary"`
}

type procedureCodePayload struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Units       int    `json:"units"`
}

type codingPayload struct {
	DiagnosisCodes []diagnosisCodePayload `json:"diagnosisCodes"`
	ProcedureCodes []procedureCodePayload `json:"procedureCodes"`
	Confidence     *float64               `json:"confidence"`
}

func parseCoding(raw string) (clinical.CodingResult, error) {
	var payload codingPayload
	if err := decodeObject(raw, &payload); err != nil {
		return clinical.CodingResult{}, err
	}

	var primary *clinical.DiagnosisCode
	secondary := make([]clinical.DiagnosisCode, 0, maxSecondaryDiagnosisCodes)
	seen := map[string]bool{}
	for _, c := range payload.DiagnosisCodes {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		if !icd10Pattern.MatchString(code) || seen[code] {
			continue
		}
		seen[code] = true
		entry := clinical.DiagnosisCode{Code: code, Description: strings.TrimSpace(c.Description)}
		if c.Primary && primary == nil {
			entry.Primary = true
			primary = &entry
			continue
		}
		secondary = append(secondary, entry)
	}
	if primary == nil {
		if len(secondary) == 0 {
			return clinical.CodingResult{}, fmt.Errorf("%w: no valid diagnosis codes", ErrInvalidResponse)
		}
		first := secondary[0]
		first.Primary = true
		primary = &first
		secondary = secondary[1:]
	}
	if len(secondary) > maxSecondaryDiagnosisCodes {
		secondary = secondary[:maxSecondaryDiagnosisCodes]
	}
	diagnosisCodes := append([]clinical.DiagnosisCode{*primary}, secondary...)

	procedureCodes := make([]clinical.ProcedureCode, 0, len(payload.ProcedureCodes))
	for _, c := range payload.ProcedureCodes {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		if !cptPattern.MatchString(code) {
			continue
		}
		units := c.Units
		if units < 1 {
			units = 1
		}
		procedureCodes = append(procedureCodes, clinical.ProcedureCode{Code: code, Description: strings.TrimSpace(c.Description), Units: units})
		if len(procedureCodes) == maxProcedureCodes {
			break
		}
	}

	confidence := 0.0
	if payload.Confidence != nil {
		confidence = clinical.ClampConfidence(*payload.Confidence)
	}
	return clinical.CodingResult{
		DiagnosisCodes: diagnosisCodes,
		ProcedureCodes: procedureCodes,
		Confidence:     confidence,
	}, nil
}

// CodingFallback returns one generic code so the report always shows something.
func CodingFallback() clinical.CodingResult {
	return clinical.CodingResult{
		DiagnosisCodes: []clinical.DiagnosisCode{{Code: fallbackICDCode, Description: fallbackICDDescription, Primary: true}},
		ProcedureCodes: []clinical.ProcedureCode{},
		Confidence:     0,
		Fallback:       true,
	}
}
