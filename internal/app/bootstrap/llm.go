package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openai "github.com/sashabaranov/go-openai"

	appconfig "github.com/wolfman30/medtriage-ai-platform/internal/config"
	"github.com/wolfman30/medtriage-ai-platform/internal/llm"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

// Supported LLM_PROVIDER values.
const (
	ProviderBedrock = "bedrock"
	ProviderGemini  = "gemini"
	ProviderOpenAI  = "openai"
)

// BuildLLMClient wires the configured provider, wrapped with the fallback
// provider when one is set. The returned cleanup releases provider resources.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (llm.Client, func(), error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	primary, closePrimary, err := buildProvider(ctx, cfg.LLMProvider, cfg, awsCfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("llm provider configured", "provider", cfg.LLMProvider)

	fallbackName := strings.TrimSpace(cfg.LLMFallbackProvider)
	if fallbackName == "" || fallbackName == cfg.LLMProvider {
		return primary, closePrimary, nil
	}

	fallback, closeFallback, err := buildProvider(ctx, fallbackName, cfg, awsCfg)
	if err != nil {
		logger.Warn("llm fallback provider unavailable; continuing without it", "provider", fallbackName, "error", err)
		return primary, closePrimary, nil
	}
	logger.Info("llm fallback provider configured", "provider", fallbackName)
	cleanup := func() {
		closePrimary()
		closeFallback()
	}
	return llm.NewFallbackClient(primary, fallback, logger), cleanup, nil
}

// VisionModel returns the model override used for image analysis, if any.
func VisionModel(cfg *appconfig.Config) string {
	if cfg == nil {
		return ""
	}
	switch cfg.LLMProvider {
	case ProviderBedrock:
		return strings.TrimSpace(cfg.BedrockVisionModelID)
	default:
		// OpenAI picks its vision model from the request images; Gemini models are multimodal.
		return ""
	}
}

func buildProvider(ctx context.Context, name string, cfg *appconfig.Config, awsCfg aws.Config) (llm.Client, func(), error) {
	noop := func() {}
	switch name {
	case ProviderBedrock:
		if strings.TrimSpace(cfg.BedrockModelID) == "" {
			return nil, nil, fmt.Errorf("bootstrap: BEDROCK_MODEL_ID is required for the bedrock provider")
		}
		return llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), noop, nil
	case ProviderOpenAI:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, nil, fmt.Errorf("bootstrap: OPENAI_API_KEY is required for the openai provider")
		}
		return llm.NewOpenAIClient(openai.NewClient(cfg.OpenAIAPIKey), cfg.OpenAIModel, cfg.OpenAIVisionModel), noop, nil
	case ProviderGemini:
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: gemini client: %w", err)
		}
		return client, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown llm provider %q", name)
	}
}
