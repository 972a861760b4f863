// Package session owns session records, their per-session exclusive
// locks, and their on-disk persistence.
//
// Each session lives in sessions/<id>/ as an append-only history log plus
// a state document rewritten atomically. The exclusive lock serialises
// agent turns: it is held across classification, rule evaluation, any
// approval wait, and the state persist, so rules always reason over an
// ordered history.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/carapace-sec/carapace/internal/event"
	"github.com/carapace-sec/carapace/internal/logging"
	"github.com/carapace-sec/carapace/internal/storage"
	"github.com/carapace-sec/carapace/pkg/types"
)

var (
	// ErrNotFound means the session does not exist on disk.
	ErrNotFound = errors.New("session not found")
	// ErrSessionGone means the session was deleted or retired while the
	// caller was using or waiting for it.
	ErrSessionGone = errors.New("session gone")
)

// Manager owns the session_id -> session mapping.
type Manager struct {
	store *storage.Storage

	mu      sync.Mutex
	entries map[string]*entry
}

// entry tracks the runtime lock state of one session.
type entry struct {
	// lock has capacity 1; holding the token means holding the session's
	// exclusive lock.
	lock chan struct{}
	// gone is closed when the session is deleted or retired, cancelling
	// waiters and in-flight work.
	gone     chan struct{}
	goneOnce sync.Once
}

func newEntry() *entry {
	return &entry{
		lock: make(chan struct{}, 1),
		gone: make(chan struct{}),
	}
}

func (e *entry) markGone() {
	e.goneOnce.Do(func() { close(e.gone) })
}

// NewManager creates a session manager persisting under the given store.
func NewManager(store *storage.Storage) *Manager {
	return &Manager{
		store:   store,
		entries: make(map[string]*entry),
	}
}

func (m *Manager) entryFor(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = newEntry()
		m.entries[id] = e
	}
	return e
}

// Create allocates a fresh session and persists empty state and history.
func (m *Manager) Create(ctx context.Context, channelType types.ChannelType, channelRef string) (*types.Session, error) {
	now := time.Now().UnixMilli()
	sess := &types.Session{
		ID:          ulid.Make().String(),
		ChannelType: channelType,
		ChannelRef:  channelRef,
		Time:        types.SessionTime{Created: now, LastActive: now},
	}
	sess.EnsureMaps()

	if err := m.store.PutDoc(ctx, statePath(sess.ID), sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	if err := m.store.Touch(ctx, historyPath(sess.ID)); err != nil {
		return nil, fmt.Errorf("failed to create history: %w", err)
	}

	event.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{Info: sess.Info()},
	})
	return sess, nil
}

// Open acquires the session's exclusive lock and loads its state. The
// returned handle must be closed on every exit path; Close is
// idempotent.
func (m *Manager) Open(ctx context.Context, id string) (*Handle, error) {
	e := m.entryFor(id)

	select {
	case e.lock <- struct{}{}:
	case <-e.gone:
		return nil, ErrSessionGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Holding the lock; a concurrent delete may still have won the race.
	select {
	case <-e.gone:
		<-e.lock
		return nil, ErrSessionGone
	default:
	}

	var sess types.Session
	if err := m.store.GetDoc(ctx, statePath(id), &sess); err != nil {
		<-e.lock
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sess.Retired {
		<-e.lock
		return nil, ErrSessionGone
	}
	sess.EnsureMaps()

	return &Handle{m: m, e: e, Session: &sess}, nil
}

// List returns session metadata without taking any locks. Retired
// sessions are kept on disk for audit but not listed.
func (m *Manager) List(ctx context.Context) ([]types.SessionInfo, error) {
	ids, err := m.store.List(ctx, []string{"sessions"})
	if err != nil {
		return nil, err
	}

	infos := make([]types.SessionInfo, 0, len(ids))
	for _, id := range ids {
		var sess types.Session
		if err := m.store.GetDoc(ctx, statePath(id), &sess); err != nil {
			continue
		}
		if sess.Retired {
			continue
		}
		infos = append(infos, sess.Info())
	}
	return infos, nil
}

// Delete removes a session from disk. In-flight work on the session
// observes cancellation through the handle's Gone channel.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if !m.store.Exists(ctx, statePath(id)) {
		return ErrNotFound
	}

	e := m.entryFor(id)
	e.markGone()

	if err := m.store.DeleteAll(ctx, []string{"sessions", id}); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	event.Publish(event.Event{
		Type: event.SessionDeleted,
		Data: event.SessionDeletedData{SessionID: id},
	})
	return nil
}

// Reset retires a session and allocates a fresh one bound to the same
// channel. The retired session stays on disk for audit; its activation
// state does not carry over.
func (m *Manager) Reset(ctx context.Context, id string) (*types.Session, error) {
	h, err := m.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	h.Session.Retired = true
	if err := h.PersistState(ctx); err != nil {
		return nil, fmt.Errorf("failed to retire session: %w", err)
	}

	fresh, err := m.Create(ctx, h.Session.ChannelType, h.Session.ChannelRef)
	if err != nil {
		return nil, err
	}
	fresh.ParentID = id
	if err := m.store.PutDoc(ctx, statePath(fresh.ID), fresh); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	// Cancel anything still waiting on the retired id.
	h.e.markGone()

	event.Publish(event.Event{
		Type: event.SessionReset,
		Data: event.SessionResetData{OldSessionID: id, NewSessionID: fresh.ID},
	})
	return fresh, nil
}

// Touch updates a session's last-active time.
func (m *Manager) Touch(ctx context.Context, id string) error {
	h, err := m.Open(ctx, id)
	if err != nil {
		return err
	}
	defer h.Close()
	return h.PersistState(ctx)
}

// Exists reports whether a live (non-retired) session exists on disk,
// without taking the session lock.
func (m *Manager) Exists(ctx context.Context, id string) bool {
	var sess types.Session
	if err := m.store.GetDoc(ctx, statePath(id), &sess); err != nil {
		return false
	}
	return !sess.Retired
}

// ReadHistory returns a session's history entries in persisted order,
// without taking the session lock.
func (m *Manager) ReadHistory(ctx context.Context, id string) ([]types.HistoryEntry, error) {
	if !m.store.Exists(ctx, statePath(id)) {
		return nil, ErrNotFound
	}

	var entries []types.HistoryEntry
	err := m.store.ReadLog(ctx, historyPath(id), func(data json.RawMessage) error {
		var entry types.HistoryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("corrupt history record: %w", err)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Sweep deletes sessions (retired ones included) idle for longer than
// maxAge. Returns the ids removed.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) ([]string, error) {
	ids, err := m.store.List(ctx, []string{"sessions"})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	log := logging.Component("session")

	var removed []string
	for _, id := range ids {
		var sess types.Session
		if err := m.store.GetDoc(ctx, statePath(id), &sess); err != nil {
			continue
		}
		if sess.Time.LastActive >= cutoff {
			continue
		}
		if err := m.Delete(ctx, id); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("retention sweep delete failed")
			continue
		}
		removed = append(removed, id)
	}
	return removed, nil
}

func statePath(id string) []string {
	return []string{"sessions", id, "state"}
}

func historyPath(id string) []string {
	return []string{"sessions", id, "history"}
}
