// Package ai asks a language model to find the sermon in a transcript, describe it
// and decide whether it should be published. Every answer is strict JSON validated
// against a fixed schema; anything else fails the stage.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
)

// Completer sends one system+user prompt pair and returns the text reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Analyzer runs the boundary, metadata and publish-decision prompts.
type Analyzer struct {
	llm      Completer
	limiter  *rate.Limiter
	timeout  time.Duration
	validate *validator.Validate
}

// New builds an analyzer backed by the Anthropic Messages API.
func New(cfg config.Config) *Analyzer {
	client := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
	return NewWithCompleter(&claude{client: client, model: cfg.AnthropicModel, maxTokens: 4096}, cfg)
}

// NewWithCompleter builds an analyzer over any completer.
func NewWithCompleter(llm Completer, cfg config.Config) *Analyzer {
	limit := rate.Inf
	if cfg.AIRequestsPerSec > 0 {
		limit = rate.Limit(cfg.AIRequestsPerSec)
	}
	return &Analyzer{
		llm:      llm,
		limiter:  rate.NewLimiter(limit, 1),
		timeout:  cfg.AIRequestTimeout,
		validate: validator.New(),
	}
}

// ask sends a prompt and decodes and validates the JSON reply into out.
func (a *Analyzer) ask(ctx context.Context, op, system, prompt string, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return failure.Transient(failure.ReasonTimeout, op, err)
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	reply, err := a.llm.Complete(ctx, system, prompt)
	if err != nil {
		return classifyAPIError(op, err)
	}
	if err := decodeJSON(reply, out); err != nil {
		return failure.Validation(failure.ReasonAnalysis, op, err)
	}
	if err := a.validate.Struct(out); err != nil {
		return failure.Validation(failure.ReasonAnalysis, op, fmt.Errorf("schema: %w", err))
	}
	return nil
}

func classifyAPIError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Transient(failure.ReasonTimeout, op, err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return failure.Transient(failure.ReasonUpstream, op, err)
		}
		return failure.Internal(failure.ReasonAnalysis, op, err)
	}
	return failure.Transient(failure.ReasonUpstream, op, err)
}

type claude struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func (c *claude) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(0),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude api call: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", errors.New("claude returned no text")
	}
	return text.String(), nil
}
