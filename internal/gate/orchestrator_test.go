package gate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-sec/carapace/internal/approval"
	"github.com/carapace-sec/carapace/internal/channel"
	"github.com/carapace-sec/carapace/internal/engine"
	"github.com/carapace-sec/carapace/internal/rule"
	"github.com/carapace-sec/carapace/internal/session"
	"github.com/carapace-sec/carapace/internal/storage"
	"github.com/carapace-sec/carapace/pkg/types"
)

// fakeClassifier classifies by tool name from a fixed table.
type fakeClassifier struct {
	byTool map[string]types.Classification
}

func (f *fakeClassifier) Classify(ctx context.Context, tool string, args json.RawMessage, hint *types.ClassificationHint) types.Classification {
	if cls, ok := f.byTool[tool]; ok {
		return cls
	}
	return types.Classification{OperationType: types.OpExecute, Description: "unclassified"}
}

// fakeEvaluator drives the engine from fixed tables.
type fakeEvaluator struct {
	mu       sync.Mutex
	triggers map[string]bool
	applies  map[string]func(cls types.Classification) bool
}

func (f *fakeEvaluator) TriggerSatisfied(ctx context.Context, r rule.Rule, history string, pending types.Classification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers[r.ID], nil
}

func (f *fakeEvaluator) EffectApplies(ctx context.Context, r rule.Rule, cls types.Classification, tool string, args json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn, ok := f.applies[r.ID]; ok {
		return fn(cls), nil
	}
	return false, nil
}

// autoChannel answers approval requests with a fixed verdict.
type autoChannel struct {
	mu       sync.Mutex
	sent     []types.WireMessage
	approvals *approval.Gate
	answer   bool
	silent   bool
}

func (c *autoChannel) Send(msg types.WireMessage) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	silent := c.silent
	answer := c.answer
	c.mu.Unlock()

	if msg.Type == types.MsgApprovalRequest && !silent {
		go c.approvals.Resolve(msg.ToolCallID, answer)
	}
	return nil
}

func (c *autoChannel) Receive() (types.WireMessage, error) { select {} }
func (c *autoChannel) Close() error                        { return nil }

func (c *autoChannel) requests() []types.WireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var reqs []types.WireMessage
	for _, msg := range c.sent {
		if msg.Type == types.MsgApprovalRequest {
			reqs = append(reqs, msg)
		}
	}
	return reqs
}

// fakeChannels is a one-session channel lookup.
type fakeChannels struct {
	sessionID string
	ch        channel.Channel
}

func (f *fakeChannels) Get(sessionID string) (channel.Channel, bool) {
	if f.ch != nil && sessionID == f.sessionID {
		return f.ch, true
	}
	return nil, false
}

const scenarioRules = `
rules:
  - id: no-write-after-web
    trigger: agent has read from the internet
    effect: block writes without approval
    mode: approve
    description: After browsing, writes need your sign-off.
  - id: skill-modification
    trigger: always
    effect: writes under skills/ need approval
    mode: approve
    description: Skill changes always need your sign-off.
  - id: hard-block
    trigger: always
    effect: never touch the vault
    mode: block
    description: The vault is off limits.
`

type fixture struct {
	orch      *Orchestrator
	sessions  *session.Manager
	approvals *approval.Gate
	eval      *fakeEvaluator
	channel   *autoChannel
	channels  *fakeChannels
	sessionID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	rulePath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulePath, []byte(scenarioRules), 0644))
	store, err := rule.NewStore(rulePath)
	require.NoError(t, err)

	eval := &fakeEvaluator{
		triggers: map[string]bool{},
		applies:  map[string]func(types.Classification) bool{},
	}
	eng := engine.New(store, eval)

	cls := &fakeClassifier{byTool: map[string]types.Classification{
		"fetch":      {OperationType: types.OpReadExternal, Categories: []string{"browsing"}, Confidence: 0.9},
		"write_file": {OperationType: types.OpWriteLocal, Categories: []string{"documents"}, Confidence: 0.9},
	}}

	sessions := session.NewManager(storage.New(t.TempDir()))
	sess, err := sessions.Create(ctx, types.ChannelWeb, "")
	require.NoError(t, err)

	approvals := approval.NewGate(5 * time.Second)
	ch := &autoChannel{approvals: approvals, answer: true}
	channels := &fakeChannels{sessionID: sess.ID, ch: ch}

	return &fixture{
		orch:      New(cls, eng, approvals, channels, nil, 40),
		sessions:  sessions,
		approvals: approvals,
		eval:      eval,
		channel:   ch,
		channels:  channels,
		sessionID: sess.ID,
	}
}

// gateCall opens the session, gates one call, and closes.
func (f *fixture) gateCall(t *testing.T, tool string, args string) types.GateResult {
	t.Helper()
	ctx := context.Background()

	h, err := f.sessions.Open(ctx, f.sessionID)
	require.NoError(t, err)
	defer h.Close()

	result, err := f.orch.Gate(ctx, h, tool, json.RawMessage(args))
	require.NoError(t, err)
	return result
}

// TestWebThenWrite is the web-then-write scenario: browsing activates the
// rule, the next write needs approval, approval allows it.
func TestWebThenWrite(t *testing.T) {
	f := newFixture(t)

	// Rule activates once the agent has fetched, and covers writes.
	f.eval.applies["no-write-after-web"] = func(cls types.Classification) bool {
		return cls.OperationType == types.OpWriteLocal
	}

	res := f.gateCall(t, "fetch", `{"url":"https://x"}`)
	assert.Equal(t, types.OutcomeAllow, res.Outcome)
	assert.Empty(t, f.channel.requests())

	// The fetch satisfied the trigger.
	f.eval.mu.Lock()
	f.eval.triggers["no-write-after-web"] = true
	f.eval.mu.Unlock()

	res = f.gateCall(t, "write_file", `{"path":"/a","data":"b"}`)
	assert.Equal(t, types.OutcomeAllow, res.Outcome)

	reqs := f.channel.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"no-write-after-web"}, reqs[0].TriggeredRules)
	assert.Equal(t, "write_file", reqs[0].Tool)
	assert.NotEmpty(t, reqs[0].ToolCallID)

	// Activation persisted.
	h, err := f.sessions.Open(context.Background(), f.sessionID)
	require.NoError(t, err)
	assert.True(t, h.Session.ActivatedRules["no-write-after-web"])
	h.Close()
}

// TestAlwaysRuleDenied is the always-approve scenario with a denial.
func TestAlwaysRuleDenied(t *testing.T) {
	f := newFixture(t)
	f.channel.answer = false
	f.eval.applies["skill-modification"] = func(cls types.Classification) bool {
		return cls.OperationType == types.OpWriteLocal
	}

	res := f.gateCall(t, "write_file", `{"path":"skills/x/SKILL.md","data":"y"}`)
	assert.Equal(t, types.OutcomeDeny, res.Outcome)
	assert.NotEmpty(t, res.Reason)
	require.Len(t, f.channel.requests(), 1)
}

// TestBlockOverridesApprove verifies no approval request is even sent
// when a block rule applies alongside an approve rule.
func TestBlockOverridesApprove(t *testing.T) {
	f := newFixture(t)
	f.eval.applies["skill-modification"] = func(types.Classification) bool { return true }
	f.eval.applies["hard-block"] = func(types.Classification) bool { return true }

	res := f.gateCall(t, "write_file", `{"path":"/vault/secret"}`)
	assert.Equal(t, types.OutcomeBlock, res.Outcome)
	assert.Contains(t, res.Reason, "hard-block")
	assert.Empty(t, f.channel.requests())
}

// TestApprovalCaching verifies an identical repeat after approval is
// allowed without a second round trip.
func TestApprovalCaching(t *testing.T) {
	f := newFixture(t)
	f.eval.applies["skill-modification"] = func(cls types.Classification) bool {
		return cls.OperationType == types.OpWriteLocal
	}

	res := f.gateCall(t, "write_file", `{"path":"/a","data":"b"}`)
	assert.Equal(t, types.OutcomeAllow, res.Outcome)
	require.Len(t, f.channel.requests(), 1)

	res = f.gateCall(t, "write_file", `{"path":"/a","data":"b"}`)
	assert.Equal(t, types.OutcomeAllow, res.Outcome)
	assert.Len(t, f.channel.requests(), 1, "no second approval round trip")

	// A different write still prompts.
	res = f.gateCall(t, "write_file", `{"path":"/c","data":"d"}`)
	assert.Equal(t, types.OutcomeAllow, res.Outcome)
	assert.Len(t, f.channel.requests(), 2)
}

// TestDisableThenEnable mirrors the /disable then /enable scenario.
func TestDisableThenEnable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eval.applies["skill-modification"] = func(cls types.Classification) bool {
		return cls.OperationType == types.OpWriteLocal
	}

	disable := func(off bool) {
		h, err := f.sessions.Open(ctx, f.sessionID)
		require.NoError(t, err)
		if off {
			h.Session.DisabledRules["skill-modification"] = true
		} else {
			delete(h.Session.DisabledRules, "skill-modification")
		}
		h.Session.InvalidateDecisionCache()
		require.NoError(t, h.PersistState(ctx))
		h.Close()
	}

	disable(true)
	res := f.gateCall(t, "write_file", `{"path":"/a"}`)
	assert.Equal(t, types.OutcomeAllow, res.Outcome)
	assert.Empty(t, f.channel.requests())

	disable(false)
	res = f.gateCall(t, "write_file", `{"path":"/a"}`)
	assert.Equal(t, types.OutcomeAllow, res.Outcome)
	assert.Len(t, f.channel.requests(), 1, "rule re-applies after enable")
}

// TestResetSeversState mirrors the /reset scenario: the fresh session
// prompts again for an operation the old session had approved.
func TestResetSeversState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eval.applies["skill-modification"] = func(cls types.Classification) bool {
		return cls.OperationType == types.OpWriteLocal
	}

	res := f.gateCall(t, "write_file", `{"path":"/a"}`)
	assert.Equal(t, types.OutcomeAllow, res.Outcome)
	require.Len(t, f.channel.requests(), 1)

	fresh, err := f.sessions.Reset(ctx, f.sessionID)
	require.NoError(t, err)
	f.sessionID = fresh.ID
	f.channels.sessionID = fresh.ID

	res = f.gateCall(t, "write_file", `{"path":"/a"}`)
	assert.Equal(t, types.OutcomeAllow, res.Outcome)
	assert.Len(t, f.channel.requests(), 2, "fresh session prompts again")
}

// TestNoChannelCancelsApproval verifies an unreachable user means deny.
func TestNoChannelCancelsApproval(t *testing.T) {
	f := newFixture(t)
	f.channels.ch = nil
	f.eval.applies["skill-modification"] = func(types.Classification) bool { return true }

	res := f.gateCall(t, "write_file", `{"path":"/a"}`)
	assert.Equal(t, types.OutcomeDeny, res.Outcome)
	assert.Contains(t, res.Reason, "cancelled")
}

// TestHistoryRecordsPipeline verifies the persisted order: tool_call,
// classification, approval_request, approval_response.
func TestHistoryRecordsPipeline(t *testing.T) {
	f := newFixture(t)
	f.eval.applies["skill-modification"] = func(cls types.Classification) bool {
		return cls.OperationType == types.OpWriteLocal
	}

	f.gateCall(t, "write_file", `{"path":"/a"}`)

	entries, err := f.sessions.ReadHistory(context.Background(), f.sessionID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, types.HistoryToolCall, entries[0].Kind)
	assert.Equal(t, types.HistoryClassification, entries[1].Kind)
	assert.Equal(t, types.HistoryApprovalRequest, entries[2].Kind)
	assert.Equal(t, types.HistoryApprovalResponse, entries[3].Kind)
	require.NotNil(t, entries[3].Approved)
	assert.True(t, *entries[3].Approved)

	// One correlation id ties the whole pipeline together.
	id := entries[0].ToolCallID
	require.NotEmpty(t, id)
	for _, entry := range entries {
		assert.Equal(t, id, entry.ToolCallID)
	}
}

// TestBlockedOperationRecordsError verifies the synthetic error entry.
func TestBlockedOperationRecordsError(t *testing.T) {
	f := newFixture(t)
	f.eval.applies["hard-block"] = func(types.Classification) bool { return true }

	f.gateCall(t, "write_file", `{"path":"/vault"}`)

	entries, err := f.sessions.ReadHistory(context.Background(), f.sessionID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, types.HistoryError, entries[2].Kind)
	assert.Contains(t, entries[2].Content, "hard-block")
}
