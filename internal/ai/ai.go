// Package ai produces merge suggestions for two disputed versions of a room's
// code.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrUnavailable is returned when no analysis backend is configured or the
// backend returned nothing usable.
var ErrUnavailable = errors.New("ai analysis unavailable")

// Analyzer suggests how to reconcile two versions of the same buffer.
type Analyzer interface {
	Suggest(ctx context.Context, yourCode, otherCode string) (string, error)
}

const systemPrompt = "You are a senior engineer helping two people who edited the same file at the same time. " +
	"Compare both versions, explain the conflict briefly, and propose a single merged version in a fenced code block."

// Config for the OpenAI-backed analyzer.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
}

// New returns an OpenAI analyzer, or a Disabled one when no API key is set.
func New(cfg Config) Analyzer {
	if cfg.APIKey == "" {
		slog.Warn("no OpenAI API key configured, ai_analyze will report unavailable")
		return Disabled{}
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	slog.Info("initializing OpenAI analyzer", "model", model)
	return &OpenAIAnalyzer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

func (a *OpenAIAnalyzer) Suggest(ctx context.Context, yourCode, otherCode string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(yourCode, otherCode)},
		},
		Temperature: 0.2,
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}

// BuildPrompt formats both versions for the model.
func BuildPrompt(yourCode, otherCode string) string {
	var b strings.Builder
	b.WriteString("Version A (the edit that triggered the conflict):\n```\n")
	b.WriteString(yourCode)
	b.WriteString("\n```\n\nVersion B (the collaborator's version):\n```\n")
	b.WriteString(otherCode)
	b.WriteString("\n```\n")
	return b.String()
}

// Disabled always reports ErrUnavailable.
type Disabled struct{}

func (Disabled) Suggest(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}
