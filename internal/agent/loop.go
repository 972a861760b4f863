// Package agent drives the LLM conversation for a session. Every tool
// call the model makes is routed through the security gate before it
// executes; denials and blocks come back to the model as tool-result
// error strings so it can plan an alternative.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/carapace-sec/carapace/internal/channel"
	"github.com/carapace-sec/carapace/internal/gate"
	"github.com/carapace-sec/carapace/internal/logging"
	"github.com/carapace-sec/carapace/internal/provider"
	"github.com/carapace-sec/carapace/internal/session"
	"github.com/carapace-sec/carapace/internal/tool"
	"github.com/carapace-sec/carapace/pkg/types"
)

const (
	// MaxSteps is the maximum number of agentic loop iterations per turn.
	MaxSteps = 25
	// MaxRetries is the maximum number of retries for model errors.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries.
	RetryMaxElapsedTime = 2 * time.Minute
)

const systemPrompt = `You are a careful personal assistant acting on the user's machine and
accounts through tools. A security layer reviews every tool call and may
ask the user for approval or refuse the call outright; when a call is
denied, respect the refusal and either ask the user or find another way.
Keep answers short and concrete.`

// Loop runs agent turns for sessions.
type Loop struct {
	providers *provider.Registry
	modelRef  string
	tools     *tool.Registry
	gate      *gate.Orchestrator
	sessions  *session.Manager
	workDir   string
}

// New creates an agent loop.
func New(providers *provider.Registry, modelRef string, tools *tool.Registry, g *gate.Orchestrator, sessions *session.Manager, workDir string) *Loop {
	return &Loop{
		providers: providers,
		modelRef:  modelRef,
		tools:     tools,
		gate:      g,
		sessions:  sessions,
		workDir:   workDir,
	}
}

// HandleMessage runs one agent turn for a user message, holding the
// session's exclusive lock from first history append to final state
// persist. The reply and all tool-call notifications go out on ch.
func (l *Loop) HandleMessage(ctx context.Context, sessionID, content string, ch channel.Channel) error {
	log := logging.Component("agent")

	h, err := l.sessions.Open(ctx, sessionID)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.AppendHistory(ctx, &types.HistoryEntry{
		Kind:    types.HistoryUserMessage,
		Content: content,
	}); err != nil {
		return err
	}

	prov, modelID, err := l.providers.Resolve(l.modelRef)
	if err != nil {
		return fmt.Errorf("no agent model available: %w", err)
	}

	messages, err := l.conversation(ctx, h)
	if err != nil {
		return err
	}

	toolInfos := l.tools.ToolInfos()
	retry := newRetryBackoff(ctx)

	for step := 0; step < MaxSteps; step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Gone():
			return session.ErrSessionGone
		default:
		}

		msg, err := prov.Generate(ctx, &provider.CompletionRequest{
			Model:    modelID,
			Messages: messages,
			Tools:    toolInfos,
		})
		if err != nil {
			next := retry.NextBackOff()
			if next == backoff.Stop {
				l.recordError(ctx, h, err)
				return err
			}
			log.Warn().Err(err).Msg("model call failed; retrying")
			time.Sleep(next)
			continue
		}
		retry.Reset()

		if len(msg.ToolCalls) == 0 {
			if err := h.AppendHistory(ctx, &types.HistoryEntry{
				Kind:    types.HistoryAssistantMessage,
				Content: msg.Content,
			}); err != nil {
				return err
			}
			if err := h.PersistState(ctx); err != nil {
				return err
			}
			return ch.Send(types.WireMessage{Type: types.MsgDone, Content: msg.Content})
		}

		messages = append(messages, msg)
		for _, tc := range msg.ToolCalls {
			output := l.dispatchToolCall(ctx, h, ch, tc)
			messages = append(messages, &schema.Message{
				Role:       schema.Tool,
				ToolCallID: tc.ID,
				Content:    output,
			})
		}
	}

	err = errors.New("maximum agent steps reached")
	l.recordError(ctx, h, err)
	return err
}

// dispatchToolCall gates and (when allowed) executes one tool call,
// returning the tool-result string handed back to the model.
func (l *Loop) dispatchToolCall(ctx context.Context, h *session.Handle, ch channel.Channel, tc schema.ToolCall) string {
	log := logging.Component("agent")
	args := json.RawMessage(tc.Function.Arguments)

	ch.Send(types.WireMessage{
		Type:   types.MsgToolCall,
		Tool:   tc.Function.Name,
		Args:   args,
		Detail: fmt.Sprintf("invoking %s", tc.Function.Name),
	})

	result, err := l.gate.Gate(ctx, h, tc.Function.Name, args)
	if err != nil {
		log.Error().Err(err).Str("tool", tc.Function.Name).Msg("gate error")
		return fmt.Sprintf("Error: security gate failed: %v", err)
	}

	switch result.Outcome {
	case types.OutcomeBlock:
		return fmt.Sprintf("Error: operation blocked by security rules: %s", result.Reason)
	case types.OutcomeDeny:
		return fmt.Sprintf("Error: operation not approved: %s", result.Reason)
	}

	t, ok := l.tools.Get(tc.Function.Name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", tc.Function.Name)
	}

	res, err := t.Execute(ctx, args, &tool.Context{
		SessionID:  h.Session.ID,
		ToolCallID: tc.ID,
		WorkDir:    l.workDir,
	})
	if err != nil {
		h.AppendHistory(ctx, &types.HistoryEntry{
			Kind:    types.HistoryError,
			Tool:    tc.Function.Name,
			Content: err.Error(),
		})
		return fmt.Sprintf("Error: %v", err)
	}
	return res.Output
}

// conversation rebuilds the model conversation from persisted history.
// Only user and assistant messages carry across turns; tool traffic is
// replayed within a turn only.
func (l *Loop) conversation(ctx context.Context, h *session.Handle) ([]*schema.Message, error) {
	entries, err := h.History(ctx)
	if err != nil {
		return nil, err
	}

	messages := []*schema.Message{{Role: schema.System, Content: systemPrompt}}
	for _, entry := range entries {
		switch entry.Kind {
		case types.HistoryUserMessage:
			messages = append(messages, &schema.Message{Role: schema.User, Content: entry.Content})
		case types.HistoryAssistantMessage:
			messages = append(messages, &schema.Message{Role: schema.Assistant, Content: entry.Content})
		}
	}
	return messages, nil
}

// recordError appends an error history entry. It sends nothing on the
// channel; the caller reports the returned error there.
func (l *Loop) recordError(ctx context.Context, h *session.Handle, err error) {
	h.AppendHistory(ctx, &types.HistoryEntry{
		Kind:    types.HistoryError,
		Content: err.Error(),
	})
}

// newRetryBackoff creates a jittered exponential backoff for model
// calls, context-aware so cancellation stops the retries.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}
