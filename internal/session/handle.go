package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/carapace-sec/carapace/internal/event"
	"github.com/carapace-sec/carapace/pkg/types"
)

// Handle is a scoped acquisition of a session's exclusive lock. All
// mutation of the session happens through a handle; Close releases the
// lock on every exit path.
type Handle struct {
	m *Manager
	e *entry

	Session *types.Session

	closeOnce sync.Once
}

// Close releases the session lock. Idempotent.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		<-h.e.lock
	})
}

// Gone is closed when the session is deleted or reset; waiters (the
// approval gate in particular) treat it as cancellation.
func (h *Handle) Gone() <-chan struct{} {
	return h.e.gone
}

// AppendHistory appends one entry to the session's history log and
// fsyncs it before returning, so every persisted entry precedes any
// state change it motivated. The entry's id and timestamp are assigned
// here.
func (h *Handle) AppendHistory(ctx context.Context, entry *types.HistoryEntry) error {
	entry.ID = ulid.Make().String()
	entry.Time = time.Now().UnixMilli()

	if err := h.m.store.Append(ctx, historyPath(h.Session.ID), entry); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	event.Publish(event.Event{
		Type: event.HistoryAppended,
		Data: event.HistoryAppendedData{SessionID: h.Session.ID, Entry: *entry},
	})
	return nil
}

// PersistState atomically rewrites the session's state document and
// refreshes last-active. Callers append any motivating history entries
// first.
func (h *Handle) PersistState(ctx context.Context) error {
	h.Session.Time.LastActive = time.Now().UnixMilli()
	if err := h.m.store.PutDoc(ctx, statePath(h.Session.ID), h.Session); err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	return nil
}

// History returns all history entries in persisted order.
func (h *Handle) History(ctx context.Context) ([]types.HistoryEntry, error) {
	return h.m.ReadHistory(ctx, h.Session.ID)
}

// HistorySummary renders the trailing maxEntries of history as compact
// lines for rule-trigger evaluation.
func (h *Handle) HistorySummary(ctx context.Context, maxEntries int) (string, error) {
	entries, err := h.History(ctx)
	if err != nil {
		return "", err
	}
	if maxEntries > 0 && len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}

	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(summarizeEntry(entry))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// summarizeEntry renders one history entry as a single line.
func summarizeEntry(e types.HistoryEntry) string {
	switch e.Kind {
	case types.HistoryUserMessage:
		return "user: " + firstLine(e.Content)
	case types.HistoryAssistantMessage:
		return "assistant: " + firstLine(e.Content)
	case types.HistoryToolCall:
		return fmt.Sprintf("tool_call: %s %s", e.Tool, compactArgs(e.Args))
	case types.HistoryClassification:
		if e.Classification != nil {
			return fmt.Sprintf("classified: %s as %s (%s)", e.Tool,
				e.Classification.OperationType, strings.Join(e.Classification.Categories, ","))
		}
		return "classified: " + e.Tool
	case types.HistoryApprovalRequest:
		return fmt.Sprintf("approval_requested: %s (rules %s)", e.Tool, strings.Join(e.RuleIDs, ","))
	case types.HistoryApprovalResponse:
		verdict := "denied"
		if e.Approved != nil && *e.Approved {
			verdict = "approved"
		}
		return fmt.Sprintf("approval_%s: %s", verdict, e.Tool)
	case types.HistoryError:
		return "error: " + firstLine(e.Content)
	default:
		return string(e.Kind)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 160
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

func compactArgs(args json.RawMessage) string {
	const max = 160
	s := string(args)
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
