package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type chatCompletionAPI interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient implements Client with the OpenAI chat completions API.
// Images are sent as base64 data URLs in image_url content parts.
type OpenAIClient struct {
	api         chatCompletionAPI
	model       string
	visionModel string
}

func NewOpenAIClient(api chatCompletionAPI, model, visionModel string) *OpenAIClient {
	if api == nil {
		panic("llm: openai client cannot be nil")
	}
	if strings.TrimSpace(model) == "" {
		model = openai.GPT4oMini
	}
	if strings.TrimSpace(visionModel) == "" {
		visionModel = openai.GPT4o
	}
	return &OpenAIClient{api: api, model: model, visionModel: visionModel}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
		if len(req.Images) > 0 {
			model = c.visionModel
		}
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.System)+len(req.Messages))
	for _, s := range req.System {
		if strings.TrimSpace(s) == "" {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}

	imageAt := lastUserIndex(req.Messages)
	for i, msg := range req.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		var role string
		switch msg.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleUser:
			role = openai.ChatMessageRoleUser
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			return Response{}, fmt.Errorf("llm: unsupported role %q", msg.Role)
		}

		if i == imageAt && len(req.Images) > 0 {
			parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: content}}
			for _, img := range req.Images {
				if len(img.Data) == 0 {
					continue
				}
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL(img),
						Detail: openai.ImageURLDetailHigh,
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	if len(messages) == 0 {
		return Response{}, errors.New("llm: openai requires at least one message")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = int(req.MaxTokens)
	}
	if req.Temperature >= 0 {
		chatReq.Temperature = req.Temperature
	}
	if req.TopP > 0 {
		chatReq.TopP = req.TopP
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Response{}, fmt.Errorf("llm: openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: openai returned no choices", ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter || strings.TrimSpace(choice.Message.Refusal) != "" {
		return Response{}, fmt.Errorf("%w: openai: %s", ErrRefused, strings.TrimSpace(choice.Message.Refusal))
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return Response{}, fmt.Errorf("%w: openai returned no text", ErrEmptyResponse)
	}
	return Response{
		Text:       text,
		StopReason: string(choice.FinishReason),
		Usage: TokenUsage{
			InputTokens:  int32(resp.Usage.PromptTokens),
			OutputTokens: int32(resp.Usage.CompletionTokens),
			TotalTokens:  int32(resp.Usage.TotalTokens),
		},
	}, nil
}

func dataURL(img Image) string {
	mime := strings.TrimSpace(img.MimeType)
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
