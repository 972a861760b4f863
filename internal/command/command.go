// Package command parses and executes the slash commands a user can
// issue on a session channel.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/carapace-sec/carapace/internal/approval"
	"github.com/carapace-sec/carapace/internal/rule"
	"github.com/carapace-sec/carapace/internal/session"
	"github.com/carapace-sec/carapace/pkg/types"
)

// RuleStatus is the per-session status of a rule as shown by /rules.
type RuleStatus string

const (
	StatusAlwaysOn  RuleStatus = "always-on"
	StatusActivated RuleStatus = "activated"
	StatusInactive  RuleStatus = "inactive"
	StatusDisabled  RuleStatus = "disabled"
)

// RuleView is one row of the /rules listing.
type RuleView struct {
	ID      string     `json:"id"`
	Trigger string     `json:"trigger"`
	Mode    rule.Mode  `json:"mode"`
	Status  RuleStatus `json:"status"`
}

// SessionForgetter drops per-session caches when a session goes away.
// Implemented by engine.Engine.
type SessionForgetter interface {
	ForgetSession(sessionID string)
}

// Rebinder moves a channel binding to a new session id after /reset.
// Implemented by channel.Registry.
type Rebinder interface {
	Rebind(oldSessionID, newSessionID string)
}

// Executor runs slash commands against a session.
type Executor struct {
	rules     *rule.Store
	sessions  *session.Manager
	approvals *approval.Gate
	engine    SessionForgetter
	channels  Rebinder
}

// NewExecutor creates a command executor.
func NewExecutor(rules *rule.Store, sessions *session.Manager, approvals *approval.Gate, engine SessionForgetter, channels Rebinder) *Executor {
	return &Executor{
		rules:     rules,
		sessions:  sessions,
		approvals: approvals,
		engine:    engine,
		channels:  channels,
	}
}

// Parse splits a message beginning with '/' into a command name and
// arguments. ok is false for ordinary messages.
func Parse(content string) (name string, args []string, ok bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

// Execute runs one command and returns the command_result message to
// send back. The returned session id differs from the input only after
// /reset.
func (e *Executor) Execute(ctx context.Context, sessionID, name string, args []string) (types.WireMessage, string, error) {
	switch name {
	case "rules":
		msg, err := e.listRules(ctx, sessionID)
		return msg, sessionID, err
	case "disable":
		msg, err := e.setRuleDisabled(ctx, sessionID, args, true)
		return msg, sessionID, err
	case "enable":
		msg, err := e.setRuleDisabled(ctx, sessionID, args, false)
		return msg, sessionID, err
	case "reset":
		return e.reset(ctx, sessionID)
	case "session":
		msg, err := e.sessionInfo(ctx, sessionID)
		return msg, sessionID, err
	case "approve":
		return e.respondPending(sessionID, true), sessionID, nil
	case "deny":
		return e.respondPending(sessionID, false), sessionID, nil
	case "help":
		return e.help(), sessionID, nil
	default:
		return types.WireMessage{}, sessionID, fmt.Errorf("unknown command /%s (try /help)", name)
	}
}

// listRules renders every rule with its per-session status.
func (e *Executor) listRules(ctx context.Context, sessionID string) (types.WireMessage, error) {
	h, err := e.sessions.Open(ctx, sessionID)
	if err != nil {
		return types.WireMessage{}, err
	}
	defer h.Close()

	var views []RuleView
	for _, r := range e.rules.Current().All() {
		status := StatusInactive
		switch {
		case h.Session.DisabledRules[r.ID]:
			status = StatusDisabled
		case r.Always():
			status = StatusAlwaysOn
		case h.Session.ActivatedRules[r.ID]:
			status = StatusActivated
		}
		views = append(views, RuleView{ID: r.ID, Trigger: r.Trigger, Mode: r.Mode, Status: status})
	}

	return types.WireMessage{
		Type:    types.MsgCommandResult,
		Command: "rules",
		Data:    views,
	}, nil
}

// setRuleDisabled flips a rule's disabled flag for the session. The
// decision cache is invalidated because the in-force set changed.
func (e *Executor) setRuleDisabled(ctx context.Context, sessionID string, args []string, disabled bool) (types.WireMessage, error) {
	verb := "enable"
	if disabled {
		verb = "disable"
	}
	if len(args) != 1 {
		return types.WireMessage{}, fmt.Errorf("usage: /%s <rule-id>", verb)
	}
	ruleID := args[0]
	if !e.rules.Current().Has(ruleID) {
		return types.WireMessage{}, fmt.Errorf("unknown rule %q", ruleID)
	}

	h, err := e.sessions.Open(ctx, sessionID)
	if err != nil {
		return types.WireMessage{}, err
	}
	defer h.Close()

	if disabled {
		h.Session.DisabledRules[ruleID] = true
	} else {
		delete(h.Session.DisabledRules, ruleID)
	}
	h.Session.InvalidateDecisionCache()

	if err := h.PersistState(ctx); err != nil {
		return types.WireMessage{}, err
	}

	return types.WireMessage{
		Type:    types.MsgCommandResult,
		Command: verb,
		Data:    map[string]any{"rule_id": ruleID, "disabled": disabled},
	}, nil
}

// reset retires the session and binds the channel to a fresh one.
func (e *Executor) reset(ctx context.Context, sessionID string) (types.WireMessage, string, error) {
	// Cancel any pending approval first so an in-flight turn releases
	// the session lock.
	e.approvals.CancelSession(sessionID)

	fresh, err := e.sessions.Reset(ctx, sessionID)
	if err != nil {
		return types.WireMessage{}, sessionID, err
	}

	if e.engine != nil {
		e.engine.ForgetSession(sessionID)
	}
	if e.channels != nil {
		e.channels.Rebind(sessionID, fresh.ID)
	}

	return types.WireMessage{
		Type:    types.MsgCommandResult,
		Command: "reset",
		Data:    map[string]any{"session_id": fresh.ID, "retired_session_id": sessionID},
	}, fresh.ID, nil
}

// sessionInfo summarises the session's security state.
func (e *Executor) sessionInfo(ctx context.Context, sessionID string) (types.WireMessage, error) {
	h, err := e.sessions.Open(ctx, sessionID)
	if err != nil {
		return types.WireMessage{}, err
	}
	defer h.Close()

	return types.WireMessage{
		Type:    types.MsgCommandResult,
		Command: "session",
		Data: map[string]any{
			"session_id":          h.Session.ID,
			"channel_type":        h.Session.ChannelType,
			"created":             h.Session.Time.Created,
			"last_active":         h.Session.Time.LastActive,
			"activated_rules":     sortedKeys(h.Session.ActivatedRules),
			"disabled_rules":      sortedKeys(h.Session.DisabledRules),
			"approved_operations": len(h.Session.ApprovedOperations),
		},
	}, nil
}

// respondPending resolves every pending approval on the session.
func (e *Executor) respondPending(sessionID string, approved bool) types.WireMessage {
	verb := "deny"
	if approved {
		verb = "approve"
	}

	ids := e.approvals.PendingForSession(sessionID)
	resolved := 0
	for _, id := range ids {
		if e.approvals.Resolve(id, approved) {
			resolved++
		}
	}

	return types.WireMessage{
		Type:    types.MsgCommandResult,
		Command: verb,
		Data:    map[string]any{"resolved": resolved},
	}
}

func (e *Executor) help() types.WireMessage {
	return types.WireMessage{
		Type:    types.MsgCommandResult,
		Command: "help",
		Data: []string{
			"/rules — list rules and their status",
			"/disable <id> — disable a rule for this session",
			"/enable <id> — re-enable a rule",
			"/reset — start a fresh session (the old one is kept for audit)",
			"/session — show session info",
			"/approve — approve the pending operation",
			"/deny — deny the pending operation",
			"/help — this text",
		},
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
