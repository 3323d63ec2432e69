// Package status tracks the user-visible indicator for the link and for each tab.
package status

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/vaishnavucv/domagent/internal/notify"
)

type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Active       State = "active"
	Error        State = "error"
)

// GuidanceStore persists whether the first-failure guidance was shown.
type GuidanceStore interface {
	GuidanceShown(ctx context.Context) (bool, error)
	MarkGuidanceShown(ctx context.Context) error
}

// Pusher delivers the guidance message somewhere the user will see it.
type Pusher func(ctx context.Context, msg notify.Message) error

// TabState is one row of a Snapshot.
type TabState struct {
	TabID int64 `json:"tab_id"`
	State State `json:"state"`
}

// Snapshot is a point-in-time copy of the board.
type Snapshot struct {
	Link State      `json:"link"`
	Tabs []TabState `json:"tabs"`
}

// Board holds the current indicators.
type Board struct {
	mu       sync.Mutex
	link     State
	tabs     map[int64]State
	shown    bool
	store    GuidanceStore
	push     Pusher
	guidance string
}

// NewBoard returns a board in the disconnected state. store and push may be nil.
func NewBoard(store GuidanceStore, push Pusher, guidance string) *Board {
	return &Board{
		link:     Disconnected,
		tabs:     make(map[int64]State),
		store:    store,
		push:     push,
		guidance: guidance,
	}
}

func (b *Board) SetLink(s State) {
	b.mu.Lock()
	prev := b.link
	b.link = s
	b.mu.Unlock()
	if prev != s {
		slog.Info("status link", "from", prev, "to", s)
	}
}

func (b *Board) Link() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link
}

// SetTab sets the indicator of one tab. Disconnected removes the row.
func (b *Board) SetTab(tabID int64, s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == Disconnected {
		delete(b.tabs, tabID)
		return
	}
	b.tabs[tabID] = s
}

func (b *Board) Tab(tabID int64) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.tabs[tabID]; ok {
		return s
	}
	return Disconnected
}

// ClearTabs drops every tab indicator.
func (b *Board) ClearTabs() {
	b.mu.Lock()
	b.tabs = make(map[int64]State)
	b.mu.Unlock()
}

func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{Link: b.link, Tabs: make([]TabState, 0, len(b.tabs))}
	for id, s := range b.tabs {
		snap.Tabs = append(snap.Tabs, TabState{TabID: id, State: s})
	}
	sort.Slice(snap.Tabs, func(i, j int) bool { return snap.Tabs[i].TabID < snap.Tabs[j].TabID })
	return snap
}

// ReportFailure shows the guidance the first time any failure happens, ever.
// It reports whether the guidance was shown by this call.
func (b *Board) ReportFailure(ctx context.Context, detail string) bool {
	b.mu.Lock()
	if b.shown {
		b.mu.Unlock()
		return false
	}
	b.shown = true
	b.mu.Unlock()

	if b.store != nil {
		already, err := b.store.GuidanceShown(ctx)
		if err != nil {
			slog.Debug("status guidance flag read failed", "error", err)
		}
		if already {
			return false
		}
		if err := b.store.MarkGuidanceShown(ctx); err != nil {
			slog.Debug("status guidance flag write failed", "error", err)
		}
	}

	slog.Warn("status guidance", "message", b.guidance, "detail", detail)
	if b.push != nil {
		msg := notify.Message{
			Title:    "domagent: bridge unreachable",
			Body:     b.guidance,
			Priority: "high",
			Tags:     []string{"warning"},
		}
		if err := b.push(ctx, msg); err != nil {
			slog.Debug("status guidance push failed", "error", err)
		}
	}
	return true
}
