// Package gate is the single entry point the agent loop calls for every
// tool invocation. It composes the classifier, the rule engine, and the
// approval gate, updates session state, and reports an allow / deny /
// block result.
package gate

import (
	"context"
	"encoding/json"

	"github.com/oklog/ulid/v2"

	"github.com/carapace-sec/carapace/internal/approval"
	"github.com/carapace-sec/carapace/internal/channel"
	"github.com/carapace-sec/carapace/internal/engine"
	"github.com/carapace-sec/carapace/internal/logging"
	"github.com/carapace-sec/carapace/internal/session"
	"github.com/carapace-sec/carapace/pkg/types"
)

// Classifier classifies one tool invocation. Implemented by
// classifier.Classifier.
type Classifier interface {
	Classify(ctx context.Context, tool string, args json.RawMessage, hint *types.ClassificationHint) types.Classification
}

// Evaluator computes a gate decision. Implemented by engine.Engine.
type Evaluator interface {
	Evaluate(ctx context.Context, in engine.Input) engine.Result
}

// ChannelLookup resolves a session's live channel.
type ChannelLookup interface {
	Get(sessionID string) (channel.Channel, bool)
}

// HintLookup supplies a tool's manifest classification hint, refined by
// the invocation's arguments.
type HintLookup interface {
	Hint(tool string, args json.RawMessage) *types.ClassificationHint
}

// Orchestrator wires the security pipeline together.
type Orchestrator struct {
	classifier Classifier
	engine     Evaluator
	approvals  *approval.Gate
	channels   ChannelLookup
	hints      HintLookup

	// historyContext caps how many trailing entries feed trigger
	// evaluation.
	historyContext int
}

// New creates an orchestrator. hints may be nil.
func New(cls Classifier, eng Evaluator, approvals *approval.Gate, channels ChannelLookup, hints HintLookup, historyContext int) *Orchestrator {
	if historyContext <= 0 {
		historyContext = 40
	}
	return &Orchestrator{
		classifier:     cls,
		engine:         eng,
		approvals:      approvals,
		channels:       channels,
		hints:          hints,
		historyContext: historyContext,
	}
}

// Gate runs the security pipeline for one tool invocation. The caller
// holds h's exclusive lock for the whole agent turn; Gate keeps holding
// it across the approval wait.
func (o *Orchestrator) Gate(ctx context.Context, h *session.Handle, tool string, args json.RawMessage) (types.GateResult, error) {
	toolCallID := ulid.Make().String()

	// 1. Record the invocation before anything depends on it.
	if err := h.AppendHistory(ctx, &types.HistoryEntry{
		Kind:       types.HistoryToolCall,
		Tool:       tool,
		Args:       args,
		ToolCallID: toolCallID,
	}); err != nil {
		return types.GateResult{}, err
	}

	// 2. Classify.
	var hint *types.ClassificationHint
	if o.hints != nil {
		hint = o.hints.Hint(tool, args)
	}
	cls := o.classifier.Classify(ctx, tool, args, hint)
	if err := h.AppendHistory(ctx, &types.HistoryEntry{
		Kind:           types.HistoryClassification,
		Tool:           tool,
		ToolCallID:     toolCallID,
		Classification: &cls,
	}); err != nil {
		return types.GateResult{}, err
	}

	// 3. Evaluate rules over the history up to and including this
	// classification.
	summary, err := h.HistorySummary(ctx, o.historyContext)
	if err != nil {
		return types.GateResult{}, err
	}
	res := o.engine.Evaluate(ctx, engine.Input{
		Session:        h.Session,
		HistorySummary: summary,
		Classification: cls,
		Tool:           tool,
		Args:           args,
	})

	// 4. Persist activation and cache growth before acting on the
	// decision.
	if err := h.PersistState(ctx); err != nil {
		return types.GateResult{}, err
	}

	// 5. Branch on the decision.
	switch res.Decision.Decision {
	case types.DecisionAllow:
		return types.GateResult{Outcome: types.OutcomeAllow}, nil

	case types.DecisionBlock:
		if err := h.AppendHistory(ctx, &types.HistoryEntry{
			Kind:       types.HistoryError,
			Tool:       tool,
			ToolCallID: toolCallID,
			Content:    res.Decision.Reason,
			RuleIDs:    res.Decision.TriggeredRuleIDs,
		}); err != nil {
			return types.GateResult{}, err
		}
		return types.GateResult{Outcome: types.OutcomeBlock, Reason: res.Decision.Reason}, nil

	case types.DecisionNeedsApproval:
		return o.awaitApproval(ctx, h, tool, args, toolCallID, cls, res)

	default:
		// Unknown decisions fail closed.
		return types.GateResult{Outcome: types.OutcomeDeny, Reason: "unrecognized decision"}, nil
	}
}

// awaitApproval runs the user round trip for a needs_approval decision.
func (o *Orchestrator) awaitApproval(ctx context.Context, h *session.Handle, tool string, args json.RawMessage, toolCallID string, cls types.Classification, res engine.Result) (types.GateResult, error) {
	log := logging.Component("gate")

	if err := h.AppendHistory(ctx, &types.HistoryEntry{
		Kind:       types.HistoryApprovalRequest,
		Tool:       tool,
		Args:       args,
		ToolCallID: toolCallID,
		RuleIDs:    res.Decision.TriggeredRuleIDs,
	}); err != nil {
		return types.GateResult{}, err
	}

	ch, ok := o.channels.Get(h.Session.ID)
	if !ok {
		// No live channel: nobody can approve.
		log.Info().Str("session", h.Session.ID).Msg("no channel for approval; cancelling")
		return o.finishApproval(ctx, h, tool, toolCallID, cls, res, types.ApprovalCancelled)
	}

	status := o.approvals.Await(ctx, ch, h.Gone(), approval.Request{
		SessionID:        h.Session.ID,
		ToolCallID:       toolCallID,
		Tool:             tool,
		Args:             args,
		Classification:   cls,
		TriggeredRuleIDs: res.Decision.TriggeredRuleIDs,
		Descriptions:     res.Decision.Descriptions,
	})
	return o.finishApproval(ctx, h, tool, toolCallID, cls, res, status)
}

// finishApproval records the response and converts it into a GateResult.
func (o *Orchestrator) finishApproval(ctx context.Context, h *session.Handle, tool, toolCallID string, cls types.Classification, res engine.Result, status types.ApprovalStatus) (types.GateResult, error) {
	log := logging.Component("gate")
	approved := status == types.ApprovalApproved

	if err := h.AppendHistory(ctx, &types.HistoryEntry{
		Kind:       types.HistoryApprovalResponse,
		Tool:       tool,
		ToolCallID: toolCallID,
		Approved:   &approved,
		RuleIDs:    res.Decision.TriggeredRuleIDs,
	}); err != nil {
		return types.GateResult{}, err
	}

	switch status {
	case types.ApprovalApproved:
		h.Session.ApprovedOperations[res.Signature] = true
		if cls.OperationType == types.OpCredentialAccess {
			if name := credentialName(tool, cls); name != "" {
				h.Session.ApprovedCredentials[name] = true
			}
		}
		if err := h.PersistState(ctx); err != nil {
			return types.GateResult{}, err
		}
		return types.GateResult{Outcome: types.OutcomeAllow}, nil

	case types.ApprovalDenied:
		return types.GateResult{
			Outcome: types.OutcomeDeny,
			Reason:  "the user denied this operation: " + res.Decision.Reason,
		}, nil

	default:
		// Cancelled behaves like a denial but is logged distinctly.
		log.Info().Str("session", h.Session.ID).Str("tool_call_id", toolCallID).Msg("approval cancelled")
		return types.GateResult{
			Outcome: types.OutcomeDeny,
			Reason:  "approval was cancelled before the user responded",
		}, nil
	}
}

// credentialName derives the approved-credential name for a
// credential_access operation: the first category tag, which the
// classifier populates with the credential's domain.
func credentialName(tool string, cls types.Classification) string {
	if len(cls.Categories) > 0 {
		return cls.Categories[0]
	}
	return tool
}
