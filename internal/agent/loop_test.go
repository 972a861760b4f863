package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-sec/carapace/internal/approval"
	"github.com/carapace-sec/carapace/internal/channel"
	"github.com/carapace-sec/carapace/internal/engine"
	"github.com/carapace-sec/carapace/internal/gate"
	"github.com/carapace-sec/carapace/internal/provider"
	"github.com/carapace-sec/carapace/internal/rule"
	"github.com/carapace-sec/carapace/internal/session"
	"github.com/carapace-sec/carapace/internal/storage"
	"github.com/carapace-sec/carapace/internal/tool"
	"github.com/carapace-sec/carapace/pkg/types"
)

// scriptedProvider returns canned messages in order.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []*schema.Message
	requests []*provider.CompletionRequest
}

func (p *scriptedProvider) ID() string                           { return "fake" }
func (p *scriptedProvider) Name() string                         { return "Fake" }
func (p *scriptedProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (p *scriptedProvider) Generate(ctx context.Context, req *provider.CompletionRequest) (*schema.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		return &schema.Message{Role: schema.Assistant, Content: "(script exhausted)"}, nil
	}
	msg := p.script[0]
	p.script = p.script[1:]
	return msg, nil
}

func (p *scriptedProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	return nil, nil
}

// echoTool records executions.
type echoTool struct {
	mu    sync.Mutex
	calls []string
}

func (t *echoTool) ID() string          { return "echo" }
func (t *echoTool) Description() string { return "Echoes its input back." }
func (t *echoTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string","description":"text to echo"}},"required":["text"]}`)
}
func (t *echoTool) Hint(args json.RawMessage) *types.ClassificationHint {
	return &types.ClassificationHint{OperationType: types.OpExecute}
}
func (t *echoTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	var params struct {
		Text string `json:"text"`
	}
	json.Unmarshal(input, &params)
	t.mu.Lock()
	t.calls = append(t.calls, params.Text)
	t.mu.Unlock()
	return &tool.Result{Title: "echoed", Output: params.Text}, nil
}

// recordingChannel keeps everything sent to the user.
type recordingChannel struct {
	mu   sync.Mutex
	sent []types.WireMessage
}

func (c *recordingChannel) Send(msg types.WireMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}
func (c *recordingChannel) Receive() (types.WireMessage, error) { select {} }
func (c *recordingChannel) Close() error                        { return nil }

func (c *recordingChannel) byType(mt types.MessageType) []types.WireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.WireMessage
	for _, msg := range c.sent {
		if msg.Type == mt {
			out = append(out, msg)
		}
	}
	return out
}

// nullEvaluator never triggers or applies anything.
type nullEvaluator struct{}

func (nullEvaluator) TriggerSatisfied(context.Context, rule.Rule, string, types.Classification) (bool, error) {
	return false, nil
}
func (nullEvaluator) EffectApplies(context.Context, rule.Rule, types.Classification, string, json.RawMessage) (bool, error) {
	return false, nil
}

// staticClassifier avoids model calls in loop tests.
type staticClassifier struct{}

func (staticClassifier) Classify(ctx context.Context, toolName string, args json.RawMessage, hint *types.ClassificationHint) types.Classification {
	return types.Classification{OperationType: types.OpExecute, Description: "test", Confidence: 1}
}

type staticChannels struct{ ch channel.Channel }

func (s staticChannels) Get(string) (channel.Channel, bool) { return s.ch, s.ch != nil }

func newLoopFixture(t *testing.T, script []*schema.Message) (*Loop, *scriptedProvider, *echoTool, *recordingChannel, string) {
	t.Helper()
	ctx := context.Background()

	rulePath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulePath, []byte("rules: []"), 0644))
	store, err := rule.NewStore(rulePath)
	require.NoError(t, err)

	prov := &scriptedProvider{script: script}
	providers := provider.NewRegistry()
	providers.Register(prov)

	tools := tool.NewRegistry(t.TempDir())
	echo := &echoTool{}
	tools.Register(echo)

	sessions := session.NewManager(storage.New(t.TempDir()))
	sess, err := sessions.Create(ctx, types.ChannelWeb, "")
	require.NoError(t, err)

	ch := &recordingChannel{}
	orch := gate.New(staticClassifier{}, engine.New(store, nullEvaluator{}), approval.NewGate(time.Second),
		staticChannels{ch: ch}, tools, 40)

	loop := New(providers, "fake/model", tools, orch, sessions, t.TempDir())
	return loop, prov, echo, ch, sess.ID
}

func TestTurnWithoutTools(t *testing.T) {
	loop, prov, _, ch, sessionID := newLoopFixture(t, []*schema.Message{
		{Role: schema.Assistant, Content: "hello back"},
	})

	require.NoError(t, loop.HandleMessage(context.Background(), sessionID, "hello", ch))

	done := ch.byType(types.MsgDone)
	require.Len(t, done, 1)
	assert.Equal(t, "hello back", done[0].Content)

	// The model saw the system prompt and the user message, with tools bound.
	require.NotEmpty(t, prov.requests)
	req := prov.requests[0]
	assert.Equal(t, schema.System, req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[1].Content)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "echo", req.Tools[0].Name)
}

func TestTurnExecutesGatedToolCall(t *testing.T) {
	loop, _, echo, ch, sessionID := newLoopFixture(t, []*schema.Message{
		{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{{
				ID:       "call-1",
				Function: schema.FunctionCall{Name: "echo", Arguments: `{"text":"ping"}`},
			}},
		},
		{Role: schema.Assistant, Content: "done: ping"},
	})

	require.NoError(t, loop.HandleMessage(context.Background(), sessionID, "echo ping", ch))

	// The tool actually ran (no rules -> allow).
	assert.Equal(t, []string{"ping"}, echo.calls)

	// The user saw the tool call notification and the final answer.
	toolMsgs := ch.byType(types.MsgToolCall)
	require.Len(t, toolMsgs, 1)
	assert.Equal(t, "echo", toolMsgs[0].Tool)

	done := ch.byType(types.MsgDone)
	require.Len(t, done, 1)
	assert.Equal(t, "done: ping", done[0].Content)
}

func TestTurnReportsUnknownTool(t *testing.T) {
	loop, prov, _, ch, sessionID := newLoopFixture(t, []*schema.Message{
		{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{{
				ID:       "call-1",
				Function: schema.FunctionCall{Name: "launch_rocket", Arguments: `{}`},
			}},
		},
		{Role: schema.Assistant, Content: "sorry"},
	})

	require.NoError(t, loop.HandleMessage(context.Background(), sessionID, "go", ch))

	// The second request carried the tool-result error string back.
	require.Len(t, prov.requests, 2)
	last := prov.requests[1].Messages[len(prov.requests[1].Messages)-1]
	assert.Equal(t, schema.Tool, last.Role)
	assert.Contains(t, last.Content, "unknown tool")

	require.Len(t, ch.byType(types.MsgDone), 1)
}

func TestConversationCarriesAcrossTurns(t *testing.T) {
	loop, prov, _, ch, sessionID := newLoopFixture(t, []*schema.Message{
		{Role: schema.Assistant, Content: "first answer"},
	})

	require.NoError(t, loop.HandleMessage(context.Background(), sessionID, "first", ch))

	prov.mu.Lock()
	prov.script = []*schema.Message{{Role: schema.Assistant, Content: "second answer"}}
	prov.mu.Unlock()

	require.NoError(t, loop.HandleMessage(context.Background(), sessionID, "second", ch))

	prov.mu.Lock()
	req := prov.requests[len(prov.requests)-1]
	prov.mu.Unlock()

	var contents []string
	for _, msg := range req.Messages[1:] {
		contents = append(contents, msg.Content)
	}
	assert.Equal(t, []string{"first", "first answer", "second"}, contents)
}
