package rule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/carapace-sec/carapace/internal/event"
	"github.com/carapace-sec/carapace/internal/logging"
)

// ruleFile is the on-disk shape of rules.yaml.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Load parses and validates a rule file. On malformed input no partial
// set is returned.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No rule file means no restrictions.
			return &Set{byID: map[string]Rule{}}, nil
		}
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates rule file contents.
func Parse(data []byte) (*Set, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return NewSet(file.Rules)
}

// Marshal serialises a Set back to rules.yaml form.
func Marshal(s *Set) ([]byte, error) {
	return yaml.Marshal(ruleFile{Rules: s.All()})
}

// Store holds the current rule snapshot for the process. Snapshots are
// immutable; Reload swaps the pointer atomically, so readers always see
// a complete set. A failed reload keeps the running set.
type Store struct {
	path    string
	current atomic.Pointer[Set]
}

// NewStore loads the rule file at path and returns a store serving it.
func NewStore(path string) (*Store, error) {
	set, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(set)
	return s, nil
}

// Current returns the rule snapshot. The returned set must not be
// mutated.
func (s *Store) Current() *Set {
	return s.current.Load()
}

// Reload re-reads the rule file. On failure the previous snapshot stays
// published and the error is returned.
func (s *Store) Reload() error {
	set, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(set)
	event.Publish(event.Event{
		Type: event.RulesReloaded,
		Data: event.RulesReloadedData{Count: set.Len()},
	})
	return nil
}

// Watch reloads the rule file whenever it changes on disk, until ctx is
// cancelled. Malformed edits are logged and ignored.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors replace files by rename, which drops
	// a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}

	log := logging.Component("rules")

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := s.Reload(); err != nil {
					log.Warn().Err(err).Msg("rule reload failed; keeping previous set")
					continue
				}
				log.Info().Int("rules", s.Current().Len()).Msg("rules reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("rule watcher error")
			}
		}
	}()

	return nil
}
