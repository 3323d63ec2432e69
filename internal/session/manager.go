// Package session is the agent's session multiplexing core: it tracks which
// tabs are attached, resolves forwarded commands to tabs, owns the automation
// tab and forwards backend events to the bridge.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vaishnavucv/domagent/internal/protocol"
	"github.com/vaishnavucv/domagent/internal/statestore"
	"github.com/vaishnavucv/domagent/internal/status"
)

const (
	defaultSessionPrefix  = "cb-tab-"
	defaultTabLoadTimeout = 10 * time.Second
	defaultCommandTimeout = 15 * time.Second
	defaultQueueSize      = 256
	runtimeEnableDelay    = 50 * time.Millisecond
)

// Options wires a Manager to its collaborators. Browser, Controller, Link and
// Store are required.
type Options struct {
	Browser    Browser
	Controller Controller
	Link       Link
	Store      StateStore
	Indicator  Indicator
	Overlay    SettingsSource
	// Eligible reports whether a tab URL may be auto-attached.
	Eligible func(url string) bool

	SessionPrefix  string
	TabLoadTimeout time.Duration
	CommandTimeout time.Duration
	QueueSize      int
}

// mark identifies one attach cycle of a tab. Any detach of the tab or any
// reset moves it, which lets suspended operations notice they went stale.
type mark struct {
	epoch uint64
	gen   uint64
}

// Manager holds every registry of the agent. All fields below mu are guarded
// by it; no lock is held across a collaborator call, so every operation
// re-checks state after it resumes.
type Manager struct {
	browser   Browser
	ctl       Controller
	link      Link
	store     StateStore
	indicator Indicator
	overlay   SettingsSource
	eligible  func(string) bool

	sessionPrefix  string
	tabLoadTimeout time.Duration
	commandTimeout time.Duration

	attachGroup  singleflight.Group
	restoreGroup singleflight.Group
	persistMu    sync.Mutex

	events    chan Event
	stop      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	reg          *registry
	automation   *AutomationTab
	manual       map[TabID]struct{}
	pendingSetup map[TabID]struct{}
	gens         map[TabID]uint64
	epoch        uint64
	sessionSeq   int64
	attachSeq    int64
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		browser:        opts.Browser,
		ctl:            opts.Controller,
		link:           opts.Link,
		store:          opts.Store,
		indicator:      opts.Indicator,
		overlay:        opts.Overlay,
		eligible:       opts.Eligible,
		sessionPrefix:  opts.SessionPrefix,
		tabLoadTimeout: opts.TabLoadTimeout,
		commandTimeout: opts.CommandTimeout,
		reg:            newRegistry(),
		manual:         make(map[TabID]struct{}),
		pendingSetup:   make(map[TabID]struct{}),
		gens:           make(map[TabID]uint64),
		stop:           make(chan struct{}),
	}
	if m.sessionPrefix == "" {
		m.sessionPrefix = defaultSessionPrefix
	}
	if m.tabLoadTimeout <= 0 {
		m.tabLoadTimeout = defaultTabLoadTimeout
	}
	if m.commandTimeout <= 0 {
		m.commandTimeout = defaultCommandTimeout
	}
	if m.eligible == nil {
		m.eligible = DefaultEligible
	}
	if m.indicator == nil {
		m.indicator = status.NewBoard(nil, nil, "")
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	m.events = make(chan Event, size)
	return m
}

// Reset drops all transient state: tab records, child sessions, the automation
// tab and setup guards. Counters keep running so attach order stays strictly
// increasing, manual overrides survive, and the persisted reference is untouched.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	m.indicator.ClearTabs()
}

func (m *Manager) resetLocked() {
	m.reg.clearAll()
	m.automation = nil
	m.pendingSetup = make(map[TabID]struct{})
	m.epoch++
}

// OnLinkClosed handles loss of the bridge link. Pending requests are rejected
// by the link itself before this runs.
func (m *Manager) OnLinkClosed(reason string) {
	m.mu.Lock()
	tabs := m.reg.ids()
	m.resetLocked()
	m.mu.Unlock()

	m.indicator.ClearTabs()
	m.indicator.SetLink(status.Disconnected)
	slog.Warn("session link closed", "reason", reason, "tabs", len(tabs))

	for _, tab := range tabs {
		go m.backendDetach(context.Background(), tab)
	}
}

// ConnectLink opens the bridge link if it is not open yet.
func (m *Manager) ConnectLink(ctx context.Context) error {
	if m.link.IsOpen() {
		return nil
	}
	m.indicator.SetLink(status.Connecting)
	if err := m.link.Connect(ctx); err != nil {
		m.indicator.SetLink(status.Error)
		return err
	}
	m.indicator.SetLink(status.Active)
	return nil
}

// Snapshot is a copy of the manager state for status reporting.
type Snapshot struct {
	Tabs            []TabRecord    `json:"tabs"`
	Automation      *AutomationTab `json:"automation_tab,omitempty"`
	ManualOverrides []TabID        `json:"manual_overrides"`
	PendingSetup    []TabID        `json:"pending_setup"`
	ChildSessions   int            `json:"child_sessions"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Tabs:            m.reg.records(),
		ManualOverrides: sortedIDs(m.manual),
		PendingSetup:    sortedIDs(m.pendingSetup),
		ChildSessions:   m.reg.childCount(),
	}
	if m.automation != nil {
		auto := *m.automation
		snap.Automation = &auto
	}
	return snap
}

// Record returns the registry entry for tab.
func (m *Manager) Record(tab TabID) (TabRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.get(tab)
}

// Automation returns a copy of the current automation tab, if any.
func (m *Manager) Automation() (AutomationTab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.automation == nil {
		return AutomationTab{}, false
	}
	return *m.automation, true
}

func (m *Manager) isConnected(tab TabID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reg.get(tab)
	return ok && rec.State == StateConnected
}

func (m *Manager) markLocked(tab TabID) mark {
	return mark{epoch: m.epoch, gen: m.gens[tab]}
}

// forward sends ev to the bridge when the link is open. Failures are logged
// and dropped.
func (m *Manager) forward(ev protocol.Event) {
	if m.link == nil || !m.link.IsOpen() {
		slog.Debug("session event dropped, link not open", "method", ev.Method)
		return
	}
	if err := m.link.SendEvent(ev); err != nil {
		slog.Debug("session event send failed", "method", ev.Method, "error", err)
	}
}

// persistAutomation writes the automation tab reference as a whole value:
// saved when set, removed when unset.
func (m *Manager) persistAutomation(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	var ref *statestore.AutomationTabRef
	if m.automation != nil {
		ref = &statestore.AutomationTabRef{TabID: int64(m.automation.TabID)}
	}
	m.mu.Unlock()

	var err error
	if ref != nil {
		err = m.store.SaveAutomationTab(ctx, *ref)
	} else {
		err = m.store.ClearAutomationTab(ctx)
	}
	if err != nil {
		slog.Debug("session persist automation tab failed", "error", err)
	}
}

func (m *Manager) clearPersisted(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.store.ClearAutomationTab(ctx); err != nil {
		slog.Debug("session clear persisted automation tab failed", "error", err)
	}
}

func sortedIDs(set map[TabID]struct{}) []TabID {
	out := make([]TabID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
