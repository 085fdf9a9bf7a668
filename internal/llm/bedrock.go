package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient implements Client with the Bedrock Converse API, including image blocks.
type BedrockClient struct {
	api          converseAPI
	defaultModel string
}

func NewBedrockClient(api converseAPI, defaultModel string) *BedrockClient {
	if api == nil {
		panic("llm: bedrock converse client cannot be nil")
	}
	return &BedrockClient{api: api, defaultModel: strings.TrimSpace(defaultModel)}
}

func bedrockImageFormat(img Image) (brtypes.ImageFormat, bool) {
	switch img.Format() {
	case "png":
		return brtypes.ImageFormatPng, true
	case "jpeg":
		return brtypes.ImageFormatJpeg, true
	case "gif":
		return brtypes.ImageFormatGif, true
	case "webp":
		return brtypes.ImageFormatWebp, true
	}
	return "", false
}

func (c *BedrockClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return Response{}, errors.New("llm: bedrock model id is required")
	}

	systemBlocks := make([]brtypes.SystemContentBlock, 0, len(req.System))
	for _, block := range req.System {
		if strings.TrimSpace(block) == "" {
			continue
		}
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: block})
	}

	imageAt := lastUserIndex(req.Messages)
	messages := make([]brtypes.Message, 0, len(req.Messages))
	for i, msg := range req.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}

		switch msg.Role {
		case RoleSystem:
			systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: content})
		case RoleUser:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(req.Images))
			if i == imageAt {
				for _, img := range req.Images {
					format, ok := bedrockImageFormat(img)
					if !ok || len(img.Data) == 0 {
						return Response{}, fmt.Errorf("llm: bedrock unsupported image type %q", img.MimeType)
					}
					blocks = append(blocks, &brtypes.ContentBlockMemberImage{
						Value: brtypes.ImageBlock{
							Format: format,
							Source: &brtypes.ImageSourceMemberBytes{Value: img.Data},
						},
					})
				}
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: content})
			messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks})
		case RoleAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: content}},
			})
		default:
			return Response{}, fmt.Errorf("llm: unsupported role %q", msg.Role)
		}
	}
	if len(messages) == 0 {
		return Response{}, errors.New("llm: bedrock requires at least one message")
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(req.MaxTokens)
	}
	// Negative temperature means "provider default".
	if req.Temperature >= 0 {
		inference.Temperature = aws.Float32(req.Temperature)
	}
	if req.TopP != 0 {
		inference.TopP = aws.Float32(req.TopP)
	}
	if inference.MaxTokens == nil && inference.Temperature == nil && inference.TopP == nil {
		inference = nil
	}

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		System:          systemBlocks,
		Messages:        messages,
		InferenceConfig: inference,
	})
	if err != nil {
		return Response{}, fmt.Errorf("llm: bedrock converse: %w", err)
	}
	if out == nil {
		return Response{}, ErrEmptyResponse
	}

	switch out.StopReason {
	case brtypes.StopReasonContentFiltered, brtypes.StopReasonGuardrailIntervened:
		return Response{}, fmt.Errorf("%w: bedrock stop reason %s", ErrRefused, out.StopReason)
	}

	text, err := bedrockOutputText(out)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Text: strings.TrimSpace(text), StopReason: string(out.StopReason)}
	if out.Usage != nil {
		resp.Usage = TokenUsage{
			InputTokens:  int32OrZero(out.Usage.InputTokens),
			OutputTokens: int32OrZero(out.Usage.OutputTokens),
			TotalTokens:  int32OrZero(out.Usage.TotalTokens),
		}
	}
	return resp, nil
}

func bedrockOutputText(out *bedrockruntime.ConverseOutput) (string, error) {
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("%w: bedrock output was not a message", ErrEmptyResponse)
	}
	var builder strings.Builder
	for _, block := range msgOut.Value.Content {
		if textBlock, ok := block.(*brtypes.ContentBlockMemberText); ok {
			builder.WriteString(textBlock.Value)
		}
	}
	if strings.TrimSpace(builder.String()) == "" {
		return "", fmt.Errorf("%w: bedrock returned no text blocks", ErrEmptyResponse)
	}
	return builder.String(), nil
}

func int32OrZero(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
