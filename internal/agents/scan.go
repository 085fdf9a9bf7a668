package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/llm"
	"github.com/wolfman30/medtriage-ai-platform/internal/storage"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

const (
	scanFallbackFindings       = "Automated image analysis unavailable - manual review required"
	scanFallbackRecommendation = "Manual review of the image by a radiologist is required"
	scanInvalidSeverityNote    = "Severity could not be determined automatically - manual review required"
	legacyConfidence           = 0.5
)

// ScanAnalysisStore persists a computed analysis onto the scan row.
type ScanAnalysisStore interface {
	SaveScanAnalysis(ctx context.Context, scanID, analysis string) error
}

// ImageFetcher downloads a stored file by reference.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) (storage.Object, error)
}

// ScanAnalyzer produces structured findings for one scan.
type ScanAnalyzer struct {
	caller
	store   ScanAnalysisStore
	fetcher ImageFetcher
}

func NewScanAnalyzer(client llm.Client, store ScanAnalysisStore, fetcher ImageFetcher, cfg Config, logger *logging.Logger, observer Observer) *ScanAnalyzer {
	if store == nil {
		panic("agents: scan analysis store cannot be nil")
	}
	return &ScanAnalyzer{
		caller:  newCaller(clinical.AgentScan, client, cfg.withDefaults(1024), logger, observer),
		store:   store,
		fetcher: fetcher,
	}
}

// Analyze returns the persisted analysis when the scan already has one and
// otherwise calls the vision model once. Failures yield ScanFallback.
func (a *ScanAnalyzer) Analyze(ctx context.Context, scan clinical.Scan, clinicalContext string) clinical.ScanAnalysisResult {
	started := time.Now()
	if strings.TrimSpace(scan.Analysis) != "" {
		a.observe(OutcomeReused, started)
		return ParseStoredAnalysis(scan)
	}

	result, err := a.analyzeWithModel(ctx, scan, clinicalContext)
	if err != nil {
		a.logger.Warn("scan analysis fell back",
			"scan_id", scan.ID,
			"scan_type", string(scan.ScanType),
			"error", err,
		)
		a.observe(OutcomeFallback, started)
		return ScanFallback(scan)
	}

	encoded, err := json.Marshal(result)
	if err == nil {
		err = a.store.SaveScanAnalysis(ctx, scan.ID, string(encoded))
	}
	if err != nil {
		a.logger.Error("failed to persist scan analysis", "scan_id", scan.ID, "error", err)
	}
	a.observe(OutcomeModel, started)
	return result
}

func (a *ScanAnalyzer) analyzeWithModel(ctx context.Context, scan clinical.Scan, clinicalContext string) (clinical.ScanAnalysisResult, error) {
	images, source := a.selectImage(ctx, scan)
	prompt := scanPrompt(scan, clinicalContext, source)
	text, err := a.complete(ctx, scanSystemPrompt, prompt, images)
	if err != nil {
		return clinical.ScanAnalysisResult{}, err
	}
	return parseScanAnalysis(text, scan)
}

// Image sources, in order of preference.
const (
	imageSourceOriginal = "original image"
	imageSourcePreview  = "rendered preview of the original study"
	imageSourceMetadata = "metadata only"
)

// IsViewableImage reports whether a vision model can read the MIME type directly.
func IsViewableImage(mimeType string) bool {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])) {
	case "image/jpeg", "image/jpg", "image/png", "image/webp", "image/gif":
		return true
	}
	return false
}

func (a *ScanAnalyzer) selectImage(ctx context.Context, scan clinical.Scan) ([]llm.Image, string) {
	if a.fetcher == nil {
		return nil, imageSourceMetadata
	}

	mimeType := scan.MimeType
	if mimeType == "" {
		mimeType = storage.ContentTypeFor(scan.FileURL)
	}
	if IsViewableImage(mimeType) {
		img, err := a.fetchImage(ctx, scan.FileURL, mimeType)
		if err == nil {
			return []llm.Image{img}, imageSourceOriginal
		}
		a.logger.Warn("original scan image unavailable", "scan_id", scan.ID, "error", err)
	}

	if preview, ok := scan.PreviewURL.Get(); ok {
		img, err := a.fetchImage(ctx, preview, storage.ContentTypeFor(preview))
		if err == nil {
			return []llm.Image{img}, imageSourcePreview
		}
		a.logger.Warn("scan preview unavailable", "scan_id", scan.ID, "error", err)
	}
	return nil, imageSourceMetadata
}

func (a *ScanAnalyzer) fetchImage(ctx context.Context, ref, expectedType string) (llm.Image, error) {
	obj, err := a.fetcher.Fetch(ctx, ref)
	if err != nil {
		return llm.Image{}, err
	}
	mimeType := obj.ContentType
	if !IsViewableImage(mimeType) {
		mimeType = expectedType
	}
	if !IsViewableImage(mimeType) {
		return llm.Image{}, fmt.Errorf("agents: %q is not a viewable image", mimeType)
	}
	if len(obj.Data) == 0 {
		return llm.Image{}, errors.New("agents: empty image")
	}
	return llm.Image{Data: obj.Data, MimeType: mimeType}, nil
}

func scanPrompt(scan clinical.Scan, clinicalContext, source string) string {
	var b strings.Builder
	b.WriteString(ScanFocus(scan.ScanType))
	fmt.Fprintf(&b, "\n\nScan type: %s\n", scan.ScanType)
	if part, ok := scan.BodyPart.Get(); ok {
		fmt.Fprintf(&b, "Body part: %s\n", part)
	}
	fmt.Fprintf(&b, "Input provided: %s\n", source)
	if len(scan.Metadata) > 0 {
		b.WriteString("Study metadata:\n")
		keys := make([]string, 0, len(scan.Metadata))
		for k := range scan.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, scan.Metadata[k])
		}
	}
	if source == imageSourceMetadata {
		b.WriteString("No image is attached. Base the assessment on metadata and clinical context only and lower confidence accordingly.\n")
	}
	if ctxText := strings.TrimSpace(clinicalContext); ctxText != "" {
		fmt.Fprintf(&b, "\nClinical context:\n%s\n", ctxText)
	}
	return b.String()
}

type scanPayload struct {
	Findings        string   `json:"findings"`
	Abnormalities   []string `json:"abnormalities"`
	Severity        string   `json:"severity"`
	Confidence      *float64 `json:"confidence"`
	Recommendations []string `json:"recommendations"`
}

func parseScanAnalysis(raw string, scan clinical.Scan) (clinical.ScanAnalysisResult, error) {
	var payload scanPayload
	if err := decodeObject(raw, &payload); err != nil {
		return clinical.ScanAnalysisResult{}, err
	}
	findings := strings.TrimSpace(payload.Findings)
	if findings == "" {
		return clinical.ScanAnalysisResult{}, fmt.Errorf("%w: findings missing", ErrInvalidResponse)
	}

	recommendations := cleanList(payload.Recommendations, 10)
	severity, ok := clinical.ParseSeverity(payload.Severity)
	if !ok {
		severity = clinical.SeverityMild
		recommendations = append(recommendations, scanInvalidSeverityNote)
	}
	confidence := 0.0
	if payload.Confidence != nil {
		confidence = clinical.ClampConfidence(*payload.Confidence)
	}

	return clinical.ScanAnalysisResult{
		ScanID:          scan.ID,
		ScanType:        scan.ScanType,
		Findings:        findings,
		Abnormalities:   cleanList(payload.Abnormalities, 20),
		Severity:        severity,
		Confidence:      confidence,
		Recommendations: recommendations,
		Source:          clinical.SourceModel,
	}, nil
}

// ParseStoredAnalysis rebuilds a result from the scan's persisted analysis.
// Structured JSON is kept as-is; legacy plain text becomes the findings with
// MILD severity and 0.5 confidence.
func ParseStoredAnalysis(scan clinical.Scan) clinical.ScanAnalysisResult {
	stored := strings.TrimSpace(scan.Analysis)
	if strings.HasPrefix(stored, "{") {
		var prior clinical.ScanAnalysisResult
		if err := json.Unmarshal([]byte(stored), &prior); err == nil && strings.TrimSpace(prior.Findings) != "" && prior.Severity.Valid() {
			prior.ScanID = scan.ID
			prior.ScanType = scan.ScanType
			prior.Confidence = clinical.ClampConfidence(prior.Confidence)
			prior.Abnormalities = nonNil(prior.Abnormalities)
			prior.Recommendations = nonNil(prior.Recommendations)
			prior.Source = clinical.SourceReused
			return prior
		}
	}
	return clinical.ScanAnalysisResult{
		ScanID:          scan.ID,
		ScanType:        scan.ScanType,
		Findings:        stored,
		Abnormalities:   []string{},
		Severity:        clinical.SeverityMild,
		Confidence:      legacyConfidence,
		Recommendations: []string{},
		Source:          clinical.SourceReused,
	}
}

// ScanFallback is the safe result used when the model cannot analyze a scan.
func ScanFallback(scan clinical.Scan) clinical.ScanAnalysisResult {
	return clinical.ScanAnalysisResult{
		ScanID:          scan.ID,
		ScanType:        scan.ScanType,
		Findings:        scanFallbackFindings,
		Abnormalities:   []string{},
		Severity:        clinical.SeverityNormal,
		Confidence:      0,
		Recommendations: []string{scanFallbackRecommendation},
		Source:          clinical.SourceFallback,
	}
}
