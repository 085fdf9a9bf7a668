// Package llm wraps hosted reasoning and vision models behind one Client interface.
package llm

import (
	"context"
	"errors"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrEmptyResponse means the provider answered without any text.
	ErrEmptyResponse = errors.New("llm: empty response")
	// ErrRefused means the provider declined to answer (safety filter, guardrail).
	ErrRefused = errors.New("llm: request refused")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Image is an inline image attached to the final user message.
type Image struct {
	Data     []byte
	MimeType string
}

// Format returns the sub-type of the MIME type ("png", "jpeg"...).
func (i Image) Format() string {
	mime := strings.ToLower(strings.TrimSpace(i.MimeType))
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	format := strings.TrimPrefix(mime, "image/")
	if format == "jpg" {
		return "jpeg"
	}
	return format
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

type Request struct {
	Model    string
	System   []string
	Messages []Message
	Images   []Image
	// JSON asks providers that support it for a JSON-only response.
	JSON        bool
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

type Response struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// Client completes a prompt against a hosted model.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// lastUserIndex returns the index of the final user message, or -1.
func lastUserIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
