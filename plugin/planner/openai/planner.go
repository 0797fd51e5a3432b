// Package openai implements the decomposer's Planner on an OpenAI-compatible
// chat completion API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/amas-ai/amas/orchestration/decomposer"
	"github.com/amas-ai/amas/orchestration/reliability"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"

	planMaxTokens   = 4096
	planTemperature = 0.2
)

// Config holds the provider settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// Retry guards the completion call; zero value uses the stock policy.
	Retry reliability.RetryPolicy
}

// Planner calls a chat model to decompose a brief into subtasks.
type Planner struct {
	client *openai.Client
	model  string
	retry  reliability.RetryPolicy
}

// New creates a planner.
func New(cfg Config) *Planner {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = reliability.DefaultRetryPolicy()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = baseURL

	return &Planner{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		retry:  retry,
	}
}

// Plan satisfies decomposer.Planner. Malformed model output surfaces as an
// error; the decomposer owns re-planning.
func (p *Planner) Plan(ctx context.Context, brief string, constraints decomposer.PlanConstraints) (*decomposer.PlanProposal, error) {
	prompt := buildPrompt(brief, constraints)

	req := openai.ChatCompletionRequest{
		Model:       p.model,
		MaxTokens:   planMaxTokens,
		Temperature: planTemperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: planSystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	start := time.Now()
	var resp openai.ChatCompletionResponse
	outcome := reliability.Retry(ctx, p.retry, func(ctx context.Context) error {
		var err error
		resp, err = p.client.CreateChatCompletion(ctx, req)
		return err
	})
	latency := time.Since(start)
	if !outcome.OK() {
		slog.Error("planner: completion failed",
			"model", p.model,
			"attempts", outcome.Attempts,
			"error", outcome.Err,
			"latency_ms", latency.Milliseconds())
		return nil, fmt.Errorf("planner completion failed: %w", outcome.Err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from model")
	}

	content := stripFences(resp.Choices[0].Message.Content)
	var proposal decomposer.PlanProposal
	if err := json.Unmarshal([]byte(content), &proposal); err != nil {
		slog.Warn("planner: unparseable plan",
			"model", p.model,
			"error", err)
		return nil, fmt.Errorf("parse plan failed: %w", err)
	}

	slog.Debug("planner: plan produced",
		"model", p.model,
		"subtasks", len(proposal.Subtasks),
		"latency_ms", latency.Milliseconds(),
		"tokens_total", resp.Usage.TotalTokens)
	return &proposal, nil
}

// stripFences removes a leading ```json / trailing ``` wrapper some models
// emit despite the JSON response format.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func buildPrompt(brief string, constraints decomposer.PlanConstraints) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decompose the following brief into at most %d subtasks.\n\n", constraints.MaxSubtasks)
	if len(constraints.KnownCapabilities) > 0 {
		b.WriteString("Only use capabilities from this list: ")
		for i, c := range constraints.KnownCapabilities {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(string(c))
		}
		b.WriteString(".\n\n")
	}
	b.WriteString("Brief:\n")
	b.WriteString(brief)
	return b.String()
}

const planSystemPrompt = `You are a task planning assistant. Decompose the user's brief into discrete subtasks and respond with JSON only, in this shape:

{"subtasks": [{"title": "...", "description": "...", "capabilities": ["..."], "estimated_minutes": 30, "depends_on": ["title of another subtask"]}]}

Rules:
1. Titles must be unique; depends_on references sibling subtasks by title.
2. Every subtask declares at least one capability.
3. Dependencies must form a DAG; no cycles, no self-references.
4. Prefer independent subtasks so they can run concurrently.
5. estimated_minutes is a realistic working estimate.`
