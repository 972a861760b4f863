// Package classifier turns tool invocations into structured operation
// classifications using one auxiliary-LLM call per invocation.
//
// The classifier is fail-safe: any model error or malformed answer yields
// a conservative default instead of an error, so an unclassifiable
// operation lands in the broadest rule territory rather than slipping
// through the pipeline.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/carapace-sec/carapace/internal/logging"
	"github.com/carapace-sec/carapace/internal/provider"
	"github.com/carapace-sec/carapace/pkg/types"
)

const (
	// maxRetries bounds classification retries on transient model errors.
	maxRetries = 2
	// retryInitialInterval is the initial backoff interval.
	retryInitialInterval = 500 * time.Millisecond
	// retryMaxElapsedTime caps total retry time so a turn is never stuck
	// on classification.
	retryMaxElapsedTime = 15 * time.Second
)

// ModelClient is the narrow slice of a provider the classifier needs.
type ModelClient interface {
	Generate(ctx context.Context, req *provider.CompletionRequest) (*schema.Message, error)
}

// Classifier classifies tool invocations.
type Classifier struct {
	client     ModelClient
	model      string
	argsBudget int
	categories []string
}

// DefaultCategories is the category vocabulary offered to the model.
// Categories are free-form; the vocabulary only anchors the prompt.
var DefaultCategories = []string{
	"finance", "email", "documents", "code", "credentials",
	"messaging", "calendar", "browsing", "system", "media",
}

// New creates a classifier backed by the given model client. A nil
// client always classifies to the conservative default.
func New(client ModelClient, model string, argsBudget int) *Classifier {
	if argsBudget <= 0 {
		argsBudget = 2048
	}
	return &Classifier{
		client:     client,
		model:      model,
		argsBudget: argsBudget,
		categories: DefaultCategories,
	}
}

// Fallback is the conservative default classification used whenever the
// model is unavailable or its answer cannot be parsed.
func Fallback() types.Classification {
	return types.Classification{
		OperationType: types.OpExecute,
		Description:   "unclassified",
		Confidence:    0,
	}
}

const systemPrompt = `You classify a tool invocation made by an AI agent on behalf of a user.
Answer with a single JSON object and nothing else:
{"operation_type": "...", "categories": ["..."], "description": "...", "confidence": 0.0}

operation_type must be exactly one of:
%s

categories is a list of domain tags such as: %s. Invent a tag if none fits.
description is one short sentence describing what the invocation does.
confidence is a number between 0 and 1.`

// Classify produces a classification for (tool, args). The hint, if any,
// comes from the tool's manifest; the model may override it. Classify
// never returns an error.
func (c *Classifier) Classify(ctx context.Context, tool string, args json.RawMessage, hint *types.ClassificationHint) types.Classification {
	log := logging.Component("classifier")

	if c.client == nil {
		return Fallback()
	}

	req := &provider.CompletionRequest{
		Model: c.model,
		Messages: []*schema.Message{
			{Role: schema.System, Content: c.buildSystemPrompt()},
			{Role: schema.User, Content: c.buildUserPrompt(tool, args, hint)},
		},
		MaxTokens: 512,
	}

	var msg *schema.Message
	operation := func() error {
		var err error
		msg, err = c.client.Generate(ctx, req)
		return err
	}

	if err := backoff.Retry(operation, newRetryBackoff(ctx)); err != nil {
		log.Warn().Err(err).Str("tool", tool).Msg("classification failed; using conservative default")
		return Fallback()
	}

	cls, err := ParseResponse(msg.Content)
	if err != nil {
		log.Warn().Err(err).Str("tool", tool).Msg("unparseable classification; using conservative default")
		return Fallback()
	}
	return cls
}

// buildSystemPrompt enumerates the operation types and category
// vocabulary.
func (c *Classifier) buildSystemPrompt() string {
	ops := make([]string, 0, len(types.OperationTypes()))
	for _, op := range types.OperationTypes() {
		ops = append(ops, "  - "+string(op))
	}
	return fmt.Sprintf(systemPrompt, strings.Join(ops, "\n"), strings.Join(c.categories, ", "))
}

// buildUserPrompt renders the invocation, truncating arguments to the
// configured budget.
func (c *Classifier) buildUserPrompt(tool string, args json.RawMessage, hint *types.ClassificationHint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\n", tool)
	fmt.Fprintf(&b, "Arguments: %s\n", truncate(string(args), c.argsBudget))
	if hint != nil && hint.OperationType != "" {
		fmt.Fprintf(&b, "Manifest hint: operation_type=%s", hint.OperationType)
		if len(hint.Categories) > 0 {
			fmt.Fprintf(&b, " categories=%s", strings.Join(hint.Categories, ","))
		}
		b.WriteString(" (you may override the hint)\n")
	}
	return b.String()
}

// ParseResponse extracts a classification from model output.
// Post-processing is deterministic: given the same response text, the
// same classification comes back.
func ParseResponse(content string) (types.Classification, error) {
	raw := extractJSON(content)
	if raw == "" {
		return types.Classification{}, fmt.Errorf("no JSON object in response")
	}

	var cls types.Classification
	if err := json.Unmarshal([]byte(raw), &cls); err != nil {
		return types.Classification{}, fmt.Errorf("failed to decode classification: %w", err)
	}

	if !types.ValidOperationType(cls.OperationType) {
		return types.Classification{}, fmt.Errorf("unknown operation type %q", cls.OperationType)
	}

	if cls.Confidence < 0 {
		cls.Confidence = 0
	}
	if cls.Confidence > 1 {
		cls.Confidence = 1
	}
	cls.Categories = normalizeCategories(cls.Categories)
	if cls.Description == "" {
		cls.Description = "unclassified"
	}
	return cls, nil
}

// normalizeCategories lowercases, dedupes and sorts category tags.
func normalizeCategories(categories []string) []string {
	seen := make(map[string]bool, len(categories))
	out := make([]string, 0, len(categories))
	for _, cat := range categories {
		cat = strings.ToLower(strings.TrimSpace(cat))
		if cat == "" || seen[cat] {
			continue
		}
		seen[cat] = true
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// extractJSON finds the outermost JSON object in model output, which may
// be wrapped in code fences or prose.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

// truncate cuts s to at most n bytes, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}

// newRetryBackoff creates a jittered exponential backoff for model calls.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}
