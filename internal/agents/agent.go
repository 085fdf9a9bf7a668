// Package agents holds the single-call model components of a triage run:
// history analysis, scan analysis, diagnosis synthesis, and medical coding.
// Every component degrades to a deterministic fallback instead of failing.
package agents

import (
	"context"
	"strings"
	"time"

	"github.com/wolfman30/medtriage-ai-platform/internal/llm"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

// Outcomes reported to an Observer.
const (
	OutcomeModel    = "model"
	OutcomeReused   = "reused"
	OutcomeFallback = "fallback"
)

// Observer records one component invocation.
type Observer interface {
	ObserveAgent(agent, outcome string, elapsed time.Duration)
}

// Config tunes the model calls made by a component.
type Config struct {
	Model       string
	MaxTokens   int32
	Temperature float32
	Timeout     time.Duration
}

func (c Config) withDefaults(maxTokens int32) Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = maxTokens
	}
	return c
}

type caller struct {
	name     string
	client   llm.Client
	cfg      Config
	logger   *logging.Logger
	observer Observer
}

func newCaller(name string, client llm.Client, cfg Config, logger *logging.Logger, observer Observer) caller {
	if client == nil {
		panic("agents: llm client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return caller{name: name, client: client, cfg: cfg, logger: logger, observer: observer}
}

// complete sends one system+user prompt and returns the raw text.
func (c caller) complete(ctx context.Context, system, prompt string, images []llm.Image) (string, error) {
	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	resp, err := c.client.Complete(callCtx, llm.Request{
		Model:       c.cfg.Model,
		System:      []string{system},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Images:      images,
		JSON:        true,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", llm.ErrEmptyResponse
	}
	return resp.Text, nil
}

func (c caller) observe(outcome string, started time.Time) {
	if c.observer != nil {
		c.observer.ObserveAgent(c.name, outcome, time.Since(started))
	}
}
