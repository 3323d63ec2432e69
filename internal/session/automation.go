package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vaishnavucv/domagent/internal/agenterr"
)

// EnsureAutomationTab navigates the live automation tab to url, or creates,
// attaches and records a fresh one. It never adopts an existing user tab.
func (m *Manager) EnsureAutomationTab(ctx context.Context, url string) (Attachment, error) {
	if strings.TrimSpace(url) == "" {
		return Attachment{}, agenterr.New(agenterr.CodeValidation, "url is required", nil)
	}
	if _, ok := m.Automation(); !ok {
		m.RestoreAutomationTab(ctx)
	}
	if auto, ok := m.Automation(); ok {
		att, reused, err := m.reuseAutomationTab(ctx, auto, url)
		if err != nil || reused {
			return att, err
		}
	}
	return m.createAutomationTab(ctx, url)
}

func (m *Manager) reuseAutomationTab(ctx context.Context, auto AutomationTab, url string) (Attachment, bool, error) {
	_, err := m.browser.GetTab(ctx, auto.TabID)
	if err != nil || !m.isConnected(auto.TabID) {
		slog.Info("session automation tab stale", "tab", auto.TabID, "error", err)
		m.dropAutomation(ctx, auto.TabID)
		return Attachment{}, false, nil
	}

	if err := m.browser.NavigateTab(ctx, auto.TabID, url); err != nil {
		return Attachment{}, true, agenterr.New(agenterr.CodeTab, fmt.Sprintf("navigate tab %d", auto.TabID), err)
	}
	if err := m.browser.ActivateTab(ctx, auto.TabID); err != nil {
		slog.Debug("session activate automation tab failed", "tab", auto.TabID, "error", err)
	}
	m.waitForLoad(ctx, auto.TabID)

	m.mu.Lock()
	rec, ok := m.reg.get(auto.TabID)
	if !ok || rec.State != StateConnected {
		m.mu.Unlock()
		slog.Info("session automation tab lost during navigation", "tab", auto.TabID)
		m.dropAutomation(ctx, auto.TabID)
		return Attachment{}, false, nil
	}
	m.automation = &AutomationTab{TabID: rec.TabID, SessionID: rec.SessionID, TargetID: rec.TargetID}
	m.mu.Unlock()

	m.persistAutomation(ctx)
	slog.Info("session automation tab navigated", "tab", rec.TabID, "url", url)
	return Attachment{TargetID: rec.TargetID, SessionID: rec.SessionID}, true, nil
}

func (m *Manager) createAutomationTab(ctx context.Context, url string) (Attachment, error) {
	tab, err := m.browser.CreateTab(ctx, url)
	if err != nil {
		return Attachment{}, agenterr.New(agenterr.CodeTab, "create automation tab", err)
	}

	m.mu.Lock()
	m.pendingSetup[tab.ID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingSetup, tab.ID)
		m.mu.Unlock()
	}()

	m.waitForLoad(ctx, tab.ID)
	att, err := m.Attach(ctx, tab.ID, AttachOptions{})
	if err != nil {
		return Attachment{}, err
	}

	m.mu.Lock()
	m.automation = &AutomationTab{TabID: tab.ID, SessionID: att.SessionID, TargetID: att.TargetID}
	m.mu.Unlock()
	m.persistAutomation(ctx)

	slog.Info("session automation tab created", "tab", tab.ID, "session", att.SessionID, "url", url)
	return att, nil
}

// AdoptCurrentTab binds the active tab as the automation tab. It never creates a tab.
func (m *Manager) AdoptCurrentTab(ctx context.Context) (AdoptedTab, error) {
	tab, err := m.browser.ActiveTab(ctx)
	if err != nil {
		return AdoptedTab{}, agenterr.New(agenterr.CodeTab, "no active tab found", err)
	}
	att, err := m.Attach(ctx, tab.ID, AttachOptions{})
	if err != nil {
		return AdoptedTab{}, err
	}

	m.mu.Lock()
	m.automation = &AutomationTab{TabID: tab.ID, SessionID: att.SessionID, TargetID: att.TargetID}
	m.mu.Unlock()
	m.persistAutomation(ctx)

	slog.Info("session automation tab adopted", "tab", tab.ID, "session", att.SessionID, "url", tab.URL)
	return AdoptedTab{
		TabID:     tab.ID,
		TargetID:  att.TargetID,
		SessionID: att.SessionID,
		URL:       tab.URL,
		Title:     tab.Title,
	}, nil
}

// RestoreAutomationTab re-binds the automation tab from the persisted
// reference after a restart or link loss. Failure clears the reference.
func (m *Manager) RestoreAutomationTab(ctx context.Context) {
	if _, ok := m.Automation(); ok {
		return
	}
	_, _, _ = m.restoreGroup.Do("restore", func() (any, error) {
		if _, ok := m.Automation(); ok {
			return nil, nil
		}
		m.restore(ctx)
		return nil, nil
	})
}

func (m *Manager) restore(ctx context.Context) {
	ref, ok, err := m.store.LoadAutomationTab(ctx)
	if err != nil {
		slog.Debug("session restore read failed", "error", err)
		m.clearPersisted(ctx)
		return
	}
	if !ok {
		return
	}
	tab := TabID(ref.TabID)
	if _, err := m.browser.GetTab(ctx, tab); err != nil {
		slog.Info("session restore discarded stale reference", "tab", tab, "error", err)
		m.clearPersisted(ctx)
		return
	}
	att, err := m.Attach(ctx, tab, AttachOptions{SkipAttachedEvent: true})
	if err != nil {
		slog.Info("session restore attach failed", "tab", tab, "error", err)
		m.clearPersisted(ctx)
		return
	}

	m.mu.Lock()
	if m.automation == nil {
		m.automation = &AutomationTab{TabID: tab, SessionID: att.SessionID, TargetID: att.TargetID}
	}
	m.mu.Unlock()
	slog.Info("session automation tab restored", "tab", tab, "session", att.SessionID)
}

// dropAutomation unsets the automation tab if it still points at tab.
func (m *Manager) dropAutomation(ctx context.Context, tab TabID) {
	m.mu.Lock()
	cleared := m.automation != nil && m.automation.TabID == tab
	if cleared {
		m.automation = nil
	}
	m.mu.Unlock()
	if cleared {
		m.persistAutomation(ctx)
	}
}

// waitForLoad waits for tab to finish loading, bounded by the tab load
// timeout. It only stops waiting; it never fails the caller.
func (m *Manager) waitForLoad(ctx context.Context, tab TabID) {
	ctx, cancel := context.WithTimeout(ctx, m.tabLoadTimeout)
	defer cancel()
	if err := m.browser.WaitForLoad(ctx, tab); err != nil {
		slog.Debug("session tab load wait ended", "tab", tab, "error", err)
	}
}
