// Package approval serialises user consent into the agent loop.
//
// A needs_approval decision becomes one request/response round trip over
// the session's channel: send an approval_request carrying a fresh
// tool_call_id, then block until the matching approval_response arrives,
// the channel disconnects, the session goes away, or the timeout
// elapses. At most one response is honoured per tool_call_id; anything
// late or unmatched is discarded.
package approval

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/carapace-sec/carapace/internal/event"
	"github.com/carapace-sec/carapace/internal/logging"
	"github.com/carapace-sec/carapace/pkg/types"
)

// DefaultTimeout bounds how long a pending approval waits.
const DefaultTimeout = 10 * time.Minute

// Sender is the slice of a channel the gate needs.
type Sender interface {
	Send(msg types.WireMessage) error
}

// Request describes one approval round trip.
type Request struct {
	SessionID        string
	ToolCallID       string
	Tool             string
	Args             json.RawMessage
	Classification   types.Classification
	TriggeredRuleIDs []string
	Descriptions     []string
}

// pendingRequest tracks one in-flight approval.
type pendingRequest struct {
	sessionID string
	response  chan bool
	cancel    chan struct{}
}

// Gate owns the pending-approval table.
type Gate struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewGate creates an approval gate. A non-positive timeout selects
// DefaultTimeout.
func NewGate(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		timeout: timeout,
		pending: make(map[string]*pendingRequest),
	}
}

// Await sends the approval request on the session's channel and blocks
// until it resolves. gone is the session's cancellation channel; a
// closed gone, a failed send, a timeout, or ctx cancellation all yield
// ApprovalCancelled.
func (g *Gate) Await(ctx context.Context, sender Sender, gone <-chan struct{}, req Request) types.ApprovalStatus {
	log := logging.Component("approval")

	p := &pendingRequest{
		sessionID: req.SessionID,
		response:  make(chan bool, 1),
		cancel:    make(chan struct{}),
	}

	g.mu.Lock()
	g.pending[req.ToolCallID] = p
	g.mu.Unlock()
	defer g.remove(req.ToolCallID)

	event.Publish(event.Event{
		Type: event.ApprovalRequired,
		Data: event.ApprovalRequiredData{
			SessionID:  req.SessionID,
			ToolCallID: req.ToolCallID,
			Tool:       req.Tool,
			RuleIDs:    req.TriggeredRuleIDs,
		},
	})

	cls := req.Classification
	err := sender.Send(types.WireMessage{
		Type:           types.MsgApprovalRequest,
		ToolCallID:     req.ToolCallID,
		Tool:           req.Tool,
		Args:           req.Args,
		Classification: &cls,
		TriggeredRules: req.TriggeredRuleIDs,
		Descriptions:   req.Descriptions,
	})
	if err != nil {
		log.Warn().Err(err).Str("tool_call_id", req.ToolCallID).Msg("approval request send failed")
		return g.resolved(req, types.ApprovalCancelled)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case approved := <-p.response:
		if approved {
			return g.resolved(req, types.ApprovalApproved)
		}
		return g.resolved(req, types.ApprovalDenied)
	case <-p.cancel:
		return g.resolved(req, types.ApprovalCancelled)
	case <-gone:
		return g.resolved(req, types.ApprovalCancelled)
	case <-timer.C:
		log.Info().Str("tool_call_id", req.ToolCallID).Msg("approval timed out")
		return g.resolved(req, types.ApprovalCancelled)
	case <-ctx.Done():
		return g.resolved(req, types.ApprovalCancelled)
	}
}

// Resolve delivers a user's response. Returns false when no matching
// request is pending (late or unknown responses are discarded).
func (g *Gate) Resolve(toolCallID string, approved bool) bool {
	g.mu.Lock()
	p, ok := g.pending[toolCallID]
	if ok {
		delete(g.pending, toolCallID)
	}
	g.mu.Unlock()

	if !ok {
		logging.Component("approval").Debug().Str("tool_call_id", toolCallID).Msg("discarding unmatched approval response")
		return false
	}

	p.response <- approved
	return true
}

// CancelSession cancels every pending approval for a session, e.g. on
// channel disconnect.
func (g *Gate) CancelSession(sessionID string) {
	g.mu.Lock()
	var cancelled []*pendingRequest
	for id, p := range g.pending {
		if p.sessionID == sessionID {
			cancelled = append(cancelled, p)
			delete(g.pending, id)
		}
	}
	g.mu.Unlock()

	for _, p := range cancelled {
		close(p.cancel)
	}
}

// Pending reports whether a request with the given tool_call_id is
// still waiting.
func (g *Gate) Pending(toolCallID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[toolCallID]
	return ok
}

// PendingForSession returns the tool_call_ids of a session's pending
// approvals, for the /approve and /deny commands.
func (g *Gate) PendingForSession(sessionID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ids []string
	for id, p := range g.pending {
		if p.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (g *Gate) remove(toolCallID string) {
	g.mu.Lock()
	delete(g.pending, toolCallID)
	g.mu.Unlock()
}

func (g *Gate) resolved(req Request, status types.ApprovalStatus) types.ApprovalStatus {
	event.Publish(event.Event{
		Type: event.ApprovalResolved,
		Data: event.ApprovalResolvedData{
			SessionID:  req.SessionID,
			ToolCallID: req.ToolCallID,
			Status:     status,
		},
	})
	return status
}
