// Package engine decides what happens to a classified tool invocation:
// allow, needs_approval, or block.
//
// The engine runs two passes under the session lock. The activation pass
// asks, for every dormant rule, whether the session history has satisfied
// its trigger; newly satisfied rules join the session's monotonically
// growing activated set. The applicability pass asks, for every in-force
// rule, whether its effect covers the current operation. Block-mode rules
// dominate approve-mode rules, which dominate allow.
//
// Failure policy is asymmetric: an evaluation error during activation
// counts as "not satisfied" (uncertainty must not create restrictions),
// while an error during applicability counts as "applies, approve mode"
// (uncertainty must not weaken an established restriction).
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/carapace-sec/carapace/internal/event"
	"github.com/carapace-sec/carapace/internal/logging"
	"github.com/carapace-sec/carapace/internal/rule"
	"github.com/carapace-sec/carapace/pkg/types"
)

// Input carries everything the engine needs for one evaluation. The
// caller holds the session's exclusive lock; Session is mutated in
// place (activated rules, decision cache).
type Input struct {
	Session        *types.Session
	HistorySummary string
	Classification types.Classification
	Tool           string
	Args           json.RawMessage
}

// Result is the outcome of one evaluation.
type Result struct {
	Decision       types.GateDecision
	Signature      string
	NewlyActivated []string
}

// Engine evaluates rules against classified operations.
type Engine struct {
	rules *rule.Store
	eval  Evaluator

	// activationCache caches trigger evaluations per session by
	// (rule id, activation context hash). Held in memory only; the
	// activated set itself is persisted with the session.
	mu              sync.Mutex
	activationCache map[string]map[string]bool
}

// New creates an engine over the given rule store and evaluator.
func New(rules *rule.Store, eval Evaluator) *Engine {
	return &Engine{
		rules:           rules,
		eval:            eval,
		activationCache: make(map[string]map[string]bool),
	}
}

// Evaluate runs the activation and applicability passes and aggregates a
// decision. Deterministic given identical inputs and cached answers.
func (e *Engine) Evaluate(ctx context.Context, in Input) Result {
	in.Session.EnsureMaps()
	ruleSet := e.rules.Current()
	sig := OperationSignature(in.Tool, in.Args, in.Classification)

	newly := e.activationPass(ctx, ruleSet, in)
	applicable := e.applicabilityPass(ctx, ruleSet, in, sig)

	return Result{
		Decision:       aggregate(applicable, in.Session.ApprovedOperations[sig]),
		Signature:      sig,
		NewlyActivated: newly,
	}
}

// activationPass evaluates dormant triggers against the session history
// plus the pending classification. Newly satisfied rules are added to
// the session's activated set and the decision cache is invalidated so
// they apply in this same pass. Disabled rules still activate; disabling
// only suppresses enforcement.
func (e *Engine) activationPass(ctx context.Context, ruleSet *rule.Set, in Input) []string {
	log := logging.Component("engine")
	ctxHash := activationContextHash(in.HistorySummary, in.Classification)

	var newly []string
	for _, r := range ruleSet.All() {
		if r.Always() || in.Session.ActivatedRules[r.ID] {
			continue
		}

		satisfied, cached := e.cachedActivation(in.Session.ID, r.ID, ctxHash)
		if !cached {
			var err error
			satisfied, err = e.eval.TriggerSatisfied(ctx, r, in.HistorySummary, in.Classification)
			if err != nil {
				// Fail open: an error must not conjure a restriction.
				log.Warn().Err(err).Str("rule", r.ID).Msg("trigger evaluation failed; treating as not satisfied")
				continue
			}
			e.storeActivation(in.Session.ID, r.ID, ctxHash, satisfied)
		}

		if satisfied {
			in.Session.ActivatedRules[r.ID] = true
			newly = append(newly, r.ID)
			log.Info().Str("rule", r.ID).Str("session", in.Session.ID).Msg("rule activated")
			event.Publish(event.Event{
				Type: event.RuleActivated,
				Data: event.RuleActivatedData{SessionID: in.Session.ID, RuleID: r.ID},
			})
		}
	}

	if len(newly) > 0 {
		in.Session.InvalidateDecisionCache()
	}
	return newly
}

// applicableRule pairs a rule with the evaluation that matched it.
type applicableRule struct {
	rule rule.Rule
	mode rule.Mode
}

// applicabilityPass evaluates every in-force rule's effect against the
// current operation, consulting the session's decision cache first.
func (e *Engine) applicabilityPass(ctx context.Context, ruleSet *rule.Set, in Input, sig string) []applicableRule {
	log := logging.Component("engine")

	var applicable []applicableRule
	for _, r := range ruleSet.All() {
		if !inForce(r, in.Session) {
			continue
		}

		cacheKey := r.ID + "/" + sig
		if cached, ok := in.Session.DecisionCache[cacheKey]; ok {
			if cached.Applies {
				applicable = append(applicable, applicableRule{rule: r, mode: rule.Mode(cached.Mode)})
			}
			continue
		}

		applies, err := e.eval.EffectApplies(ctx, r, in.Classification, in.Tool, in.Args)
		mode := r.Mode
		if err != nil {
			// Fail closed, but never escalate to block on uncertainty:
			// the rule applies in approve mode and the user decides.
			log.Warn().Err(err).Str("rule", r.ID).Msg("effect evaluation failed; requiring approval")
			applies = true
			mode = rule.ModeApprove
			// Errors are not cached; the next operation re-asks.
			applicable = append(applicable, applicableRule{rule: r, mode: mode})
			continue
		}

		in.Session.DecisionCache[cacheKey] = types.CachedRuleResult{Applies: applies, Mode: string(mode)}
		if applies {
			applicable = append(applicable, applicableRule{rule: r, mode: mode})
		}
	}
	return applicable
}

// aggregate folds the applicable rules into a decision. Block dominates
// approve; an already-approved signature short-circuits the approval
// requirement but never a block.
func aggregate(applicable []applicableRule, approved bool) types.GateDecision {
	var blocks, approvals []applicableRule
	for _, a := range applicable {
		if a.mode == rule.ModeBlock {
			blocks = append(blocks, a)
		} else {
			approvals = append(approvals, a)
		}
	}

	switch {
	case len(blocks) > 0:
		ids, descs := report(blocks)
		return types.GateDecision{
			Decision:         types.DecisionBlock,
			TriggeredRuleIDs: ids,
			Descriptions:     descs,
			Reason:           fmt.Sprintf("blocked by rule %s", strings.Join(ids, ", ")),
		}
	case len(approvals) > 0 && !approved:
		ids, descs := report(approvals)
		return types.GateDecision{
			Decision:         types.DecisionNeedsApproval,
			TriggeredRuleIDs: ids,
			Descriptions:     descs,
			Reason:           fmt.Sprintf("approval required by rule %s", strings.Join(ids, ", ")),
		}
	case len(approvals) > 0:
		ids, descs := report(approvals)
		return types.GateDecision{
			Decision:         types.DecisionAllow,
			TriggeredRuleIDs: ids,
			Descriptions:     descs,
			Reason:           "operation previously approved in this session",
		}
	default:
		return types.GateDecision{Decision: types.DecisionAllow}
	}
}

// report lists rule ids and descriptions in file order.
func report(rules []applicableRule) (ids, descriptions []string) {
	for _, a := range rules {
		ids = append(ids, a.rule.ID)
		descriptions = append(descriptions, a.rule.Description)
	}
	return ids, descriptions
}

// inForce reports whether a rule currently restricts the session.
func inForce(r rule.Rule, s *types.Session) bool {
	if s.DisabledRules[r.ID] {
		return false
	}
	return r.Always() || s.ActivatedRules[r.ID]
}

// ForgetSession drops the activation cache for a deleted or reset
// session.
func (e *Engine) ForgetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.activationCache, sessionID)
}

func (e *Engine) cachedActivation(sessionID, ruleID, ctxHash string) (satisfied, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cache, exists := e.activationCache[sessionID]
	if !exists {
		return false, false
	}
	satisfied, ok = cache[ruleID+"/"+ctxHash]
	return satisfied, ok
}

func (e *Engine) storeActivation(sessionID, ruleID, ctxHash string, satisfied bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cache, exists := e.activationCache[sessionID]
	if !exists {
		cache = make(map[string]bool)
		e.activationCache[sessionID] = cache
	}
	cache[ruleID+"/"+ctxHash] = satisfied
}

// activationContextHash fingerprints the evidence a trigger evaluation
// saw, so repeated evaluations over unchanged context reuse the answer.
func activationContextHash(historySummary string, cls types.Classification) string {
	clsJSON, _ := json.Marshal(cls)
	h := sha256.Sum256([]byte(historySummary + "\x00" + string(clsJSON)))
	return hex.EncodeToString(h[:8])
}
