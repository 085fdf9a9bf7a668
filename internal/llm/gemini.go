package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// geminiCall is everything one Gemini request needs once the Request is translated.
type geminiCall struct {
	Model       string
	System      string
	History     []*genai.Content
	Parts       []genai.Part
	JSON        bool
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

type geminiGenerateFunc func(ctx context.Context, call geminiCall) (*genai.GenerateContentResponse, error)

// GeminiClient implements Client using Google's Gemini API.
type GeminiClient struct {
	client   *genai.Client
	modelID  string
	generate geminiGenerateFunc
}

func NewGeminiClient(ctx context.Context, apiKey, modelID string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("llm: create gemini client: %w", err)
	}
	c := newGeminiClientWithGenerator(modelID, nil)
	c.client = client
	c.generate = c.generateWithSDK
	return c, nil
}

func newGeminiClientWithGenerator(modelID string, generate geminiGenerateFunc) *GeminiClient {
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}
	return &GeminiClient{modelID: modelID, generate: generate}
}

func (c *GeminiClient) generateWithSDK(ctx context.Context, call geminiCall) (*genai.GenerateContentResponse, error) {
	model := c.client.GenerativeModel(call.Model)
	if call.Temperature >= 0 {
		model.SetTemperature(call.Temperature)
	}
	if call.TopP > 0 {
		model.SetTopP(call.TopP)
	}
	if call.MaxTokens > 0 {
		model.SetMaxOutputTokens(call.MaxTokens)
	}
	if call.JSON {
		model.ResponseMIMEType = "application/json"
	}
	if call.System != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(call.System))
	}
	if len(call.History) == 0 {
		return model.GenerateContent(ctx, call.Parts...)
	}
	cs := model.StartChat()
	cs.History = call.History
	return cs.SendMessage(ctx, call.Parts...)
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	call, err := c.buildCall(req)
	if err != nil {
		return Response{}, err
	}

	resp, err := c.generate(ctx, call)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return Response{}, fmt.Errorf("%w: gemini: %v", ErrRefused, err)
		}
		return Response{}, fmt.Errorf("llm: gemini completion: %w", err)
	}
	return geminiResponse(resp)
}

func (c *GeminiClient) buildCall(req Request) (geminiCall, error) {
	call := geminiCall{
		Model:       strings.TrimSpace(req.Model),
		JSON:        req.JSON,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if call.Model == "" {
		call.Model = c.modelID
	}

	system := make([]string, 0, len(req.System))
	for _, s := range req.System {
		if strings.TrimSpace(s) != "" {
			system = append(system, s)
		}
	}

	last := lastUserIndex(req.Messages)
	if last < 0 {
		return geminiCall{}, errors.New("llm: gemini requires a user message")
	}
	for i, msg := range req.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if msg.Role == RoleSystem {
			system = append(system, content)
			continue
		}
		if i == last {
			for _, img := range req.Images {
				if len(img.Data) == 0 {
					continue
				}
				call.Parts = append(call.Parts, genai.ImageData(img.Format(), img.Data))
			}
			call.Parts = append(call.Parts, genai.Text(content))
			continue
		}
		if i > last {
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		call.History = append(call.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(content)}})
	}
	call.System = strings.Join(system, "\n\n")
	return call, nil
}

func geminiResponse(resp *genai.GenerateContentResponse) (Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return Response{}, fmt.Errorf("%w: gemini returned no candidates", ErrEmptyResponse)
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return Response{}, fmt.Errorf("%w: gemini safety stop", ErrRefused)
	}
	if candidate.Content == nil {
		return Response{}, fmt.Errorf("%w: gemini returned empty content", ErrEmptyResponse)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return Response{}, fmt.Errorf("%w: gemini returned no text", ErrEmptyResponse)
	}

	out := Response{
		Text:       strings.TrimSpace(text.String()),
		StopReason: candidate.FinishReason.String(),
	}
	if resp.UsageMetadata != nil {
		out.Usage = TokenUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

// Close releases the underlying Gemini client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
