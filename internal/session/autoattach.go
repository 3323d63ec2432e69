package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gobwas/glob"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/status"
)

// DefaultEligible accepts http, https, file and about:blank URLs.
func DefaultEligible(url string) bool {
	return strings.HasPrefix(url, "http://") ||
		strings.HasPrefix(url, "https://") ||
		strings.HasPrefix(url, "file://") ||
		strings.HasPrefix(url, "about:blank")
}

// URLMatcher compiles glob patterns into an eligibility check.
func URLMatcher(patterns []string) (func(string) bool, error) {
	if len(patterns) == 0 {
		return DefaultEligible, nil
	}
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid url pattern %q: %w", p, err)
		}
		compiled = append(compiled, g)
	}
	return func(url string) bool {
		for _, g := range compiled {
			if g.Match(url) {
				return true
			}
		}
		return false
	}, nil
}

// AutoAttach attaches tab if its URL is eligible and the user has not
// detached it by hand. Every failure is swallowed.
func (m *Manager) AutoAttach(ctx context.Context, tab TabID) {
	if m.autoAttachBlocked(tab) {
		return
	}
	t, err := m.browser.GetTab(ctx, tab)
	if err != nil || !m.eligible(t.URL) {
		return
	}
	if m.autoAttachBlocked(tab) || m.isConnected(tab) {
		return
	}
	if err := m.ConnectLink(ctx); err != nil {
		slog.Debug("session auto attach skipped, link down", "tab", tab, "error", err)
		return
	}
	if _, err := m.Attach(ctx, tab, AttachOptions{}); err != nil {
		slog.Debug("session auto attach failed", "tab", tab, "error", err)
	}
}

func (m *Manager) autoAttachBlocked(tab TabID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, manual := m.manual[tab]
	_, pending := m.pendingSetup[tab]
	return manual || pending
}

// Scan auto-attaches every open tab. It runs at startup and on a schedule.
func (m *Manager) Scan(ctx context.Context) {
	tabs, err := m.browser.ListTabs(ctx)
	if err != nil {
		slog.Debug("session scan list tabs failed", "error", err)
		return
	}
	for _, t := range tabs {
		m.AutoAttach(ctx, t.ID)
	}
}

// ToggleResult reports what Toggle did.
type ToggleResult struct {
	TabID    TabID  `json:"tab_id"`
	Attached bool   `json:"attached"`
	Session  string `json:"session_id,omitempty"`
}

// Toggle is the user's on/off switch for the active tab. Turning a tab off
// also keeps auto-attach away from it until it is turned on again.
func (m *Manager) Toggle(ctx context.Context) (ToggleResult, error) {
	tab, err := m.browser.ActiveTab(ctx)
	if err != nil {
		return ToggleResult{}, agenterr.New(agenterr.CodeTab, "no active tab found", err)
	}

	if m.isConnected(tab.ID) {
		m.mu.Lock()
		m.manual[tab.ID] = struct{}{}
		m.mu.Unlock()
		m.Detach(ctx, tab.ID, "toggle")
		return ToggleResult{TabID: tab.ID}, nil
	}

	m.mu.Lock()
	delete(m.manual, tab.ID)
	if _, ok := m.reg.get(tab.ID); !ok {
		m.reg.put(TabRecord{TabID: tab.ID, State: StateConnecting})
	}
	m.mu.Unlock()
	m.indicator.SetTab(int64(tab.ID), status.Connecting)

	if err := m.ConnectLink(ctx); err != nil {
		m.failExplicitAttach(ctx, tab.ID, err)
		return ToggleResult{TabID: tab.ID}, err
	}
	att, err := m.Attach(ctx, tab.ID, AttachOptions{})
	if err != nil {
		m.failExplicitAttach(ctx, tab.ID, err)
		return ToggleResult{TabID: tab.ID}, err
	}
	return ToggleResult{TabID: tab.ID, Attached: true, Session: att.SessionID}, nil
}

// ReEnable lifts a manual override and tries to auto-attach the tab again.
func (m *Manager) ReEnable(ctx context.Context, tab TabID) {
	m.mu.Lock()
	delete(m.manual, tab)
	m.mu.Unlock()
	m.AutoAttach(ctx, tab)
}

func (m *Manager) failExplicitAttach(ctx context.Context, tab TabID, err error) {
	m.mu.Lock()
	if rec, ok := m.reg.get(tab); ok && rec.State == StateConnecting {
		m.reg.remove(tab)
	}
	m.mu.Unlock()

	slog.Warn("session attach failed", "tab", tab, "error", err)
	m.indicator.SetTab(int64(tab), status.Error)
	m.indicator.ReportFailure(ctx, err.Error())
}
