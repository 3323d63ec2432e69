// Package statestore persists the small amount of agent state that must
// survive a restart: the automation tab reference and the guidance flag.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	KeyAutomationTab = "__daAutomationTab"
	KeyHelpShown     = "helpOnErrorShown"
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// KV is a whole-value key/value store. Set and Remove replace or drop the
// entire value; there are no partial updates.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// AutomationTabRef is the durable pointer to the automation tab. Session and
// target ids are not kept because they change on re-attach.
type AutomationTabRef struct {
	TabID int64 `json:"tabId"`
}

// State is the typed view over a KV used by the agent.
type State struct {
	kv KV
}

func New(kv KV) *State {
	return &State{kv: kv}
}

// Open returns a State over the store kind ("file", "sqlite" or "memory") rooted at path.
func Open(ctx context.Context, kind, path string) (*State, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "memory":
		return New(NewMemoryStore()), nil
	case "", "file":
		kv, err := NewFileStore(path)
		if err != nil {
			return nil, err
		}
		return New(kv), nil
	case "sqlite":
		kv, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return New(kv), nil
	default:
		return nil, fmt.Errorf("statestore: unknown store kind %q", kind)
	}
}

func (s *State) Close() error {
	return s.kv.Close()
}

// LoadAutomationTab returns the persisted reference, if any.
func (s *State) LoadAutomationTab(ctx context.Context) (AutomationTabRef, bool, error) {
	data, ok, err := s.kv.Get(ctx, KeyAutomationTab)
	if err != nil || !ok {
		return AutomationTabRef{}, false, err
	}
	var ref AutomationTabRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return AutomationTabRef{}, false, fmt.Errorf("statestore: decode automation tab: %w", err)
	}
	if ref.TabID <= 0 {
		return AutomationTabRef{}, false, nil
	}
	return ref, true, nil
}

func (s *State) SaveAutomationTab(ctx context.Context, ref AutomationTabRef) error {
	if ref.TabID <= 0 {
		return fmt.Errorf("statestore: invalid tab id %d", ref.TabID)
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("statestore: encode automation tab: %w", err)
	}
	return s.kv.Set(ctx, KeyAutomationTab, data)
}

func (s *State) ClearAutomationTab(ctx context.Context) error {
	return s.kv.Remove(ctx, KeyAutomationTab)
}

// GuidanceShown reports whether the first-failure guidance was already shown.
func (s *State) GuidanceShown(ctx context.Context) (bool, error) {
	data, ok, err := s.kv.Get(ctx, KeyHelpShown)
	if err != nil || !ok {
		return false, err
	}
	var shown bool
	if err := json.Unmarshal(data, &shown); err != nil {
		return false, fmt.Errorf("statestore: decode guidance flag: %w", err)
	}
	return shown, nil
}

func (s *State) MarkGuidanceShown(ctx context.Context) error {
	return s.kv.Set(ctx, KeyHelpShown, []byte("true"))
}

func validateKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("statestore: invalid key %q", key)
	}
	return nil
}
