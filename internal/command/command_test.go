package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-sec/carapace/internal/approval"
	"github.com/carapace-sec/carapace/internal/rule"
	"github.com/carapace-sec/carapace/internal/session"
	"github.com/carapace-sec/carapace/internal/storage"
	"github.com/carapace-sec/carapace/pkg/types"
)

const testRules = `
rules:
  - id: skill-modification
    trigger: always
    effect: writes under skills/ need approval
    mode: approve
    description: Always on.
  - id: no-write-after-web
    trigger: agent has read from the internet
    effect: block writes without approval
    mode: approve
    description: Triggered.
`

type forgetSpy struct{ forgotten []string }

func (f *forgetSpy) ForgetSession(id string) { f.forgotten = append(f.forgotten, id) }

type rebindSpy struct{ from, to string }

func (r *rebindSpy) Rebind(oldID, newID string) { r.from, r.to = oldID, newID }

func newTestExecutor(t *testing.T) (*Executor, *session.Manager, string, *forgetSpy, *rebindSpy) {
	t.Helper()
	ctx := context.Background()

	rulePath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulePath, []byte(testRules), 0644))
	rules, err := rule.NewStore(rulePath)
	require.NoError(t, err)

	sessions := session.NewManager(storage.New(t.TempDir()))
	sess, err := sessions.Create(ctx, types.ChannelWeb, "")
	require.NoError(t, err)

	forget := &forgetSpy{}
	rebind := &rebindSpy{}
	e := NewExecutor(rules, sessions, approval.NewGate(time.Minute), forget, rebind)
	return e, sessions, sess.ID, forget, rebind
}

func TestParse(t *testing.T) {
	tests := []struct {
		content  string
		name     string
		args     []string
		ok       bool
	}{
		{"/rules", "rules", []string{}, true},
		{"/disable no-write-after-web", "disable", []string{"no-write-after-web"}, true},
		{"  /help  ", "help", []string{}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
	}
	for _, tt := range tests {
		name, args, ok := Parse(tt.content)
		assert.Equal(t, tt.ok, ok, tt.content)
		if tt.ok {
			assert.Equal(t, tt.name, name)
			assert.ElementsMatch(t, tt.args, args)
		}
	}
}

func TestRulesListing(t *testing.T) {
	e, sessions, sessionID, _, _ := newTestExecutor(t)
	ctx := context.Background()

	msg, _, err := e.Execute(ctx, sessionID, "rules", nil)
	require.NoError(t, err)
	assert.Equal(t, types.MsgCommandResult, msg.Type)
	assert.Equal(t, "rules", msg.Command)

	views := msg.Data.([]RuleView)
	require.Len(t, views, 2)
	assert.Equal(t, StatusAlwaysOn, views[0].Status)
	assert.Equal(t, StatusInactive, views[1].Status)

	// Activate and disable, then list again.
	h, err := sessions.Open(ctx, sessionID)
	require.NoError(t, err)
	h.Session.ActivatedRules["no-write-after-web"] = true
	h.Session.DisabledRules["skill-modification"] = true
	require.NoError(t, h.PersistState(ctx))
	h.Close()

	msg, _, err = e.Execute(ctx, sessionID, "rules", nil)
	require.NoError(t, err)
	views = msg.Data.([]RuleView)
	assert.Equal(t, StatusDisabled, views[0].Status)
	assert.Equal(t, StatusActivated, views[1].Status)
}

func TestDisableEnable(t *testing.T) {
	e, sessions, sessionID, _, _ := newTestExecutor(t)
	ctx := context.Background()

	_, _, err := e.Execute(ctx, sessionID, "disable", []string{"skill-modification"})
	require.NoError(t, err)

	h, err := sessions.Open(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, h.Session.DisabledRules["skill-modification"])
	h.Close()

	_, _, err = e.Execute(ctx, sessionID, "enable", []string{"skill-modification"})
	require.NoError(t, err)

	h, err = sessions.Open(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, h.Session.DisabledRules["skill-modification"])
	h.Close()
}

func TestDisableUnknownRule(t *testing.T) {
	e, _, sessionID, _, _ := newTestExecutor(t)
	_, _, err := e.Execute(context.Background(), sessionID, "disable", []string{"nope"})
	assert.Error(t, err)

	_, _, err = e.Execute(context.Background(), sessionID, "disable", nil)
	assert.Error(t, err)
}

func TestDisableInvalidatesDecisionCache(t *testing.T) {
	e, sessions, sessionID, _, _ := newTestExecutor(t)
	ctx := context.Background()

	h, err := sessions.Open(ctx, sessionID)
	require.NoError(t, err)
	h.Session.DecisionCache["skill-modification/sig"] = types.CachedRuleResult{Applies: true, Mode: "approve"}
	require.NoError(t, h.PersistState(ctx))
	h.Close()

	_, _, err = e.Execute(ctx, sessionID, "disable", []string{"skill-modification"})
	require.NoError(t, err)

	h, err = sessions.Open(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, h.Session.DecisionCache)
	h.Close()
}

func TestReset(t *testing.T) {
	e, sessions, sessionID, forget, rebind := newTestExecutor(t)
	ctx := context.Background()

	msg, newID, err := e.Execute(ctx, sessionID, "reset", nil)
	require.NoError(t, err)
	assert.NotEqual(t, sessionID, newID)
	assert.Equal(t, "reset", msg.Command)
	assert.Equal(t, []string{sessionID}, forget.forgotten)
	assert.Equal(t, sessionID, rebind.from)
	assert.Equal(t, newID, rebind.to)

	// The old session is retired.
	_, err = sessions.Open(ctx, sessionID)
	assert.ErrorIs(t, err, session.ErrSessionGone)
}

func TestSessionInfo(t *testing.T) {
	e, _, sessionID, _, _ := newTestExecutor(t)

	msg, _, err := e.Execute(context.Background(), sessionID, "session", nil)
	require.NoError(t, err)
	data := msg.Data.(map[string]any)
	assert.Equal(t, sessionID, data["session_id"])
}

func TestUnknownCommand(t *testing.T) {
	e, _, sessionID, _, _ := newTestExecutor(t)
	_, _, err := e.Execute(context.Background(), sessionID, "frobnicate", nil)
	assert.Error(t, err)
}

func TestHelp(t *testing.T) {
	e, _, sessionID, _, _ := newTestExecutor(t)
	msg, _, err := e.Execute(context.Background(), sessionID, "help", nil)
	require.NoError(t, err)
	assert.Equal(t, "help", msg.Command)
	assert.NotEmpty(t, msg.Data)
}
