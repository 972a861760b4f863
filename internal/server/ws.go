package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/carapace-sec/carapace/internal/channel"
	"github.com/carapace-sec/carapace/internal/command"
	"github.com/carapace-sec/carapace/internal/logging"
	"github.com/carapace-sec/carapace/internal/session"
	"github.com/carapace-sec/carapace/pkg/types"
)

var upgrader = websocket.Upgrader{
	// Auth happens via bearer token before the upgrade; origins are not
	// restricted beyond that.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn tracks one live connection. The bound session id can change
// when /reset retires the session mid-connection.
type wsConn struct {
	mu        sync.Mutex
	sessionID string
}

func (c *wsConn) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *wsConn) setID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// handleWS handles GET /sessions/{sessionID}/ws: upgrade, register the
// channel, then pump inbound messages until disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := logging.Component("ws")
	sessionID := chi.URLParam(r, "sessionID")

	if !s.sessions.Exists(r.Context(), sessionID) {
		respondError(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch := channel.NewWS(conn)
	s.channels.Register(sessionID, ch)
	state := &wsConn{sessionID: sessionID}

	log.Info().Str("session", sessionID).Msg("channel connected")

	defer func() {
		current := state.id()
		// Disconnect cancels any approval still waiting on this channel.
		s.approvals.CancelSession(current)
		s.channels.Unregister(current, ch)
		ch.Close()
		log.Info().Str("session", current).Msg("channel disconnected")
	}()

	for {
		msg, err := ch.Receive()
		if err != nil {
			return
		}
		s.dispatch(r.Context(), state, ch, msg)
	}
}

// dispatch routes one inbound message. Agent turns and lock-taking
// commands run in their own goroutines so the read loop keeps draining
// approval responses.
func (s *Server) dispatch(ctx context.Context, state *wsConn, ch channel.Channel, msg types.WireMessage) {
	switch msg.Type {
	case types.MsgApprovalResponse:
		if msg.ToolCallID == "" || msg.Approved == nil {
			ch.Send(types.WireMessage{Type: types.MsgError, Detail: "approval_response requires tool_call_id and approved"})
			return
		}
		s.approvals.Resolve(msg.ToolCallID, *msg.Approved)

	case types.MsgCommand:
		go s.runCommand(ctx, state, ch, msg.Name, strings.Fields(msg.Content))

	case types.MsgMessage:
		if name, args, ok := command.Parse(msg.Content); ok {
			go s.runCommand(ctx, state, ch, name, args)
			return
		}
		go s.runTurn(ctx, state, ch, msg.Content)

	default:
		ch.Send(types.WireMessage{Type: types.MsgError, Detail: "unsupported message type"})
	}
}

// runTurn executes one agent turn and reports errors on the channel.
func (s *Server) runTurn(ctx context.Context, state *wsConn, ch channel.Channel, content string) {
	sessionID := state.id()
	if err := s.loop.HandleMessage(ctx, sessionID, content, ch); err != nil {
		if errors.Is(err, session.ErrSessionGone) || errors.Is(err, channel.ErrClosed) {
			return
		}
		ch.Send(types.WireMessage{Type: types.MsgError, Detail: err.Error()})
	}
}

// runCommand executes a slash command and sends its result.
func (s *Server) runCommand(ctx context.Context, state *wsConn, ch channel.Channel, name string, args []string) {
	sessionID := state.id()
	result, newSessionID, err := s.commands.Execute(ctx, sessionID, name, args)
	if err != nil {
		ch.Send(types.WireMessage{Type: types.MsgError, Detail: err.Error()})
		return
	}
	if newSessionID != sessionID {
		state.setID(newSessionID)
	}
	ch.Send(result)
}
