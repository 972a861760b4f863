package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/carapace-sec/carapace/internal/provider"
	"github.com/carapace-sec/carapace/internal/rule"
	"github.com/carapace-sec/carapace/pkg/types"
)

// Evaluator answers the engine's two natural-language questions: has a
// rule's trigger condition been satisfied by the session so far, and
// does a rule's effect cover the current operation.
//
// Errors propagate to the engine, which applies the asymmetric failure
// policy (fail-open on activation, fail-closed on applicability).
type Evaluator interface {
	TriggerSatisfied(ctx context.Context, r rule.Rule, historySummary string, pending types.Classification) (bool, error)
	EffectApplies(ctx context.Context, r rule.Rule, cls types.Classification, tool string, args json.RawMessage) (bool, error)
}

// ModelClient is the narrow slice of a provider the evaluator needs.
type ModelClient interface {
	Generate(ctx context.Context, req *provider.CompletionRequest) (*schema.Message, error)
}

// LLMEvaluator evaluates rules with an auxiliary LLM.
type LLMEvaluator struct {
	client ModelClient
	model  string
}

// NewLLMEvaluator creates an evaluator backed by the given model client.
func NewLLMEvaluator(client ModelClient, model string) *LLMEvaluator {
	return &LLMEvaluator{client: client, model: model}
}

const triggerSystemPrompt = `You decide whether a security rule's trigger condition has been satisfied
by an AI-agent session. Answer with a single JSON object and nothing else:
{"satisfied": true} or {"satisfied": false}

The condition is satisfied when the events in the session history, up to
and including the pending operation, make it true. Judge only what has
actually happened; do not speculate about future operations.`

const effectSystemPrompt = `You decide whether a security rule restricts a specific tool invocation.
Answer with a single JSON object and nothing else:
{"applies": true} or {"applies": false}

The rule applies when the invocation falls within the operations the
rule's effect describes. When genuinely uncertain, answer true: it is
safer to ask the user than to skip a restriction.`

// TriggerSatisfied asks whether the rule's trigger has fired.
func (e *LLMEvaluator) TriggerSatisfied(ctx context.Context, r rule.Rule, historySummary string, pending types.Classification) (bool, error) {
	if e.client == nil {
		return false, fmt.Errorf("no evaluation model available")
	}

	clsJSON, _ := json.Marshal(pending)
	var b strings.Builder
	fmt.Fprintf(&b, "Trigger condition: %s\n\n", r.Trigger)
	fmt.Fprintf(&b, "Session history:\n%s\n\n", orEmpty(historySummary))
	fmt.Fprintf(&b, "Pending operation classification: %s\n", clsJSON)

	msg, err := e.client.Generate(ctx, &provider.CompletionRequest{
		Model: e.model,
		Messages: []*schema.Message{
			{Role: schema.System, Content: triggerSystemPrompt},
			{Role: schema.User, Content: b.String()},
		},
		MaxTokens: 64,
	})
	if err != nil {
		return false, err
	}

	var answer struct {
		Satisfied bool `json:"satisfied"`
	}
	if err := decodeAnswer(msg.Content, &answer); err != nil {
		return false, err
	}
	return answer.Satisfied, nil
}

// EffectApplies asks whether the rule's effect covers the invocation.
func (e *LLMEvaluator) EffectApplies(ctx context.Context, r rule.Rule, cls types.Classification, tool string, args json.RawMessage) (bool, error) {
	if e.client == nil {
		return false, fmt.Errorf("no evaluation model available")
	}

	clsJSON, _ := json.Marshal(cls)
	var b strings.Builder
	fmt.Fprintf(&b, "Rule effect: %s\n\n", r.Effect)
	fmt.Fprintf(&b, "Tool: %s\n", tool)
	fmt.Fprintf(&b, "Arguments: %s\n", orEmpty(string(args)))
	fmt.Fprintf(&b, "Classification: %s\n", clsJSON)

	msg, err := e.client.Generate(ctx, &provider.CompletionRequest{
		Model: e.model,
		Messages: []*schema.Message{
			{Role: schema.System, Content: effectSystemPrompt},
			{Role: schema.User, Content: b.String()},
		},
		MaxTokens: 64,
	})
	if err != nil {
		return false, err
	}

	var answer struct {
		Applies bool `json:"applies"`
	}
	if err := decodeAnswer(msg.Content, &answer); err != nil {
		return false, err
	}
	return answer.Applies, nil
}

// decodeAnswer extracts the JSON object from model output into v.
func decodeAnswer(content string, v any) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model answer")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("failed to decode model answer: %w", err)
	}
	return nil
}

func orEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
}
