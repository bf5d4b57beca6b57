// Package plan turns a task's brainstorming conversation into an ordered
// execution plan.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/llm"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

const (
	// HistoryLimit is how many recent chat messages feed the prompt.
	HistoryLimit = 20

	// DefaultMaxTokens caps the plan response.
	DefaultMaxTokens = 2048

	systemPrompt = "You are a software architect. Generate precise, actionable implementation plans. Return only valid JSON."
)

// Resolver yields the owner's default provider.
type Resolver interface {
	Resolve(ctx context.Context, ownerID string) (llm.Provider, error)
}

// Generator implements task.PlanGenerator.
type Generator struct {
	store     task.Reader
	providers Resolver
	maxTokens int
	logger    *zap.Logger
}

var _ task.PlanGenerator = (*Generator)(nil)

// NewGenerator creates a plan generator.
func NewGenerator(store task.Reader, providers Resolver, maxTokens int, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Generator{store: store, providers: providers, maxTokens: maxTokens, logger: logger}
}

// Generate returns plan steps for the task. Provider trouble of any kind
// yields the fallback plan; only a failure to read the task is returned.
func (g *Generator) Generate(ctx context.Context, taskID string) ([]task.PlanStep, error) {
	t, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	msgs, err := g.store.ListChatMessages(ctx, taskID, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	log := g.logger.With(zap.String("task_id", taskID))

	provider, err := g.providers.Resolve(ctx, t.OwnerID)
	if err != nil {
		if !errors.Is(err, llm.ErrNoProvider) {
			log.Warn("provider unavailable, using fallback plan", zap.Error(err))
		}
		return Fallback(t.Title), nil
	}

	out, err := llm.Collect(provider.Stream(ctx, llm.Request{
		System:    systemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: buildPrompt(t, msgs)}},
		MaxTokens: g.maxTokens,
	}))
	if err != nil {
		log.Warn("plan generation failed, using fallback plan", zap.Error(err), zap.String("provider", provider.Name()))
		return Fallback(t.Title), nil
	}

	steps, ok := ParseSteps(out)
	if !ok {
		log.Warn("plan response had no usable steps, using fallback plan", zap.Int("response_len", len(out)))
		return Fallback(t.Title), nil
	}
	log.Info("plan generated", zap.Int("steps", len(steps)), zap.String("provider", provider.Name()))
	return steps, nil
}

func buildPrompt(t *task.Task, msgs []*task.ChatMessage) string {
	var convo strings.Builder
	for i, m := range msgs {
		if i > 0 {
			convo.WriteString("\n\n")
		}
		fmt.Fprintf(&convo, "%s: %s", m.Role, m.Content)
	}
	summary := convo.String()
	if summary == "" {
		summary = "Task: " + t.Description
	}

	return fmt.Sprintf(`Based on this brainstorming conversation about "%s", generate a step-by-step execution plan.

Conversation:
%s

Return ONLY a JSON array with this exact format:
[{"stepNumber": 1, "description": "...", "estimatedChanges": "..."}, ...]

Each step should be concrete and actionable. Include 4-8 steps.`, t.Title, summary)
}

// ParseSteps finds the first bracketed JSON array in s that decodes into a
// non-empty list of steps. Missing step numbers take their position.
func ParseSteps(s string) ([]task.PlanStep, bool) {
	for start := strings.IndexByte(s, '['); start >= 0; {
		dec := json.NewDecoder(strings.NewReader(s[start:]))
		var raw []struct {
			StepNumber       *int   `json:"stepNumber"`
			Description      string `json:"description"`
			EstimatedChanges string `json:"estimatedChanges"`
		}
		if err := dec.Decode(&raw); err == nil {
			if len(raw) == 0 {
				return nil, false
			}
			steps := make([]task.PlanStep, len(raw))
			for i, r := range raw {
				n := i + 1
				if r.StepNumber != nil {
					n = *r.StepNumber
				}
				steps[i] = task.PlanStep{StepNumber: n, Description: r.Description, EstimatedChanges: r.EstimatedChanges}
			}
			return steps, true
		}
		next := strings.IndexByte(s[start+1:], '[')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// Fallback is the fixed plan used when no model output is available.
func Fallback(title string) []task.PlanStep {
	return []task.PlanStep{
		{StepNumber: 1, Description: "Analyze codebase and understand current structure", EstimatedChanges: "Read-only analysis"},
		{StepNumber: 2, Description: "Implement: " + title, EstimatedChanges: "Multiple file modifications expected"},
		{StepNumber: 3, Description: "Write tests and verify implementation", EstimatedChanges: "Test files"},
		{StepNumber: 4, Description: "Commit changes with descriptive message", EstimatedChanges: "Git commit"},
	}
}
