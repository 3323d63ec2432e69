package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/config"
	"github.com/vaishnavucv/domagent/internal/protocol"
)

// ResolveTabForCommand picks the tab a command addresses. First match wins:
// session id (primary or child), target id, the automation tab if it is still
// connected, then the connected tab attached most recently.
func (m *Manager) ResolveTabForCommand(sessionID, targetID string) (TabID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if tab, ok := m.reg.findBySession(sessionID); ok {
			return tab, true
		}
	}
	if targetID != "" {
		if tab, ok := m.reg.findByTarget(targetID); ok {
			return tab, true
		}
	}
	if m.automation != nil {
		if rec, ok := m.reg.get(m.automation.TabID); ok && rec.State == StateConnected {
			return rec.TabID, true
		}
		slog.Debug("session automation tab stale, cleared", "tab", m.automation.TabID)
		m.automation = nil
	}
	if rec, ok := m.reg.mostRecent(); ok {
		return rec.TabID, true
	}
	return 0, false
}

// HandleCommand runs one forwarded command and returns its result payload.
func (m *Manager) HandleCommand(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
	if _, ok := m.Automation(); !ok {
		m.RestoreAutomationTab(ctx)
	}

	method := strings.TrimSpace(cmd.Method)
	switch method {
	case protocol.MethodEnsureTab:
		att, err := m.EnsureAutomationTab(ctx, protocol.StringParam(cmd.Params, "url"))
		if err != nil {
			return nil, err
		}
		return json.Marshal(att)
	case protocol.MethodUseCurrentTab:
		adopted, err := m.AdoptCurrentTab(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(adopted)
	case protocol.MethodGetOverlaySettings:
		return m.overlaySettings(ctx), nil
	}

	targetID := protocol.StringParam(cmd.Params, "targetId")
	tab, ok := m.ResolveTabForCommand(cmd.SessionID, targetID)
	if !ok {
		return nil, agenterr.New(agenterr.CodeNoTarget, fmt.Sprintf("no attached tab for method %s", method), nil)
	}

	switch method {
	case protocol.MethodCreateTarget:
		return m.createTarget(ctx, protocol.StringParam(cmd.Params, "url"))
	case protocol.MethodCloseTarget:
		return m.closeTarget(ctx, targetID, tab), nil
	case protocol.MethodActivateTarget:
		m.activateTarget(ctx, targetID, tab)
		return json.RawMessage(`{}`), nil
	case "Runtime.enable":
		return m.runtimeEnable(ctx, tab, cmd)
	}
	return m.sendToTab(ctx, tab, cmd.SessionID, method, cmd.Params)
}

func (m *Manager) overlaySettings(ctx context.Context) json.RawMessage {
	if m.overlay != nil {
		raw, err := m.overlay.OverlaySettings(ctx)
		if err == nil && len(raw) > 0 {
			return raw
		}
		slog.Debug("session overlay settings unavailable, using defaults", "error", err)
	}
	raw, _ := json.Marshal(config.DefaultOverlaySettings())
	return raw
}

func (m *Manager) createTarget(ctx context.Context, url string) (json.RawMessage, error) {
	if strings.TrimSpace(url) == "" {
		url = "about:blank"
	}
	tab, err := m.browser.CreateTab(ctx, url)
	if err != nil {
		return nil, agenterr.New(agenterr.CodeTab, "create target", err)
	}
	m.waitForLoad(ctx, tab.ID)
	att, err := m.Attach(ctx, tab.ID, AttachOptions{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"targetId": att.TargetID})
}

func (m *Manager) closeTarget(ctx context.Context, targetID string, routed TabID) json.RawMessage {
	tab := routed
	if targetID != "" {
		m.mu.Lock()
		found, ok := m.reg.findByTarget(targetID)
		m.mu.Unlock()
		if !ok {
			return json.RawMessage(`{"success":false}`)
		}
		tab = found
	}
	if err := m.browser.RemoveTab(ctx, tab); err != nil {
		slog.Debug("session close target failed", "tab", tab, "error", err)
		return json.RawMessage(`{"success":false}`)
	}
	return json.RawMessage(`{"success":true}`)
}

func (m *Manager) activateTarget(ctx context.Context, targetID string, routed TabID) {
	tab := routed
	if targetID != "" {
		m.mu.Lock()
		if found, ok := m.reg.findByTarget(targetID); ok {
			tab = found
		}
		m.mu.Unlock()
	}
	if _, err := m.browser.GetTab(ctx, tab); err != nil {
		slog.Debug("session activate target skipped", "tab", tab, "error", err)
		return
	}
	if err := m.browser.ActivateTab(ctx, tab); err != nil {
		slog.Debug("session activate target failed", "tab", tab, "error", err)
	}
}

// runtimeEnable cycles Runtime.disable/enable so the client receives fresh
// execution context events.
func (m *Manager) runtimeEnable(ctx context.Context, tab TabID, cmd protocol.Command) (json.RawMessage, error) {
	if _, err := m.sendToTab(ctx, tab, cmd.SessionID, "Runtime.disable", nil); err != nil {
		slog.Debug("session runtime disable failed", "tab", tab, "error", err)
	}
	select {
	case <-time.After(runtimeEnableDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.sendToTab(ctx, tab, cmd.SessionID, "Runtime.enable", cmd.Params)
}

// sendToTab passes a command to the controller, scoped to a child session when
// the caller's session differs from the tab's primary session.
func (m *Manager) sendToTab(ctx context.Context, tab TabID, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	rec, ok := m.Record(tab)
	if !ok {
		return nil, agenterr.New(agenterr.CodeNoTarget, fmt.Sprintf("tab %d is not attached", tab), nil)
	}
	child := ""
	if sessionID != "" && rec.SessionID != "" && sessionID != rec.SessionID {
		child = sessionID
	}

	ctx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()
	res, err := m.ctl.SendCommand(ctx, tab, child, method, params)
	if err != nil {
		if agenterr.CodeOf(err) == "" && errors.Is(err, context.DeadlineExceeded) {
			return nil, agenterr.New(agenterr.CodeCommandTimeout, fmt.Sprintf("%s on tab %d", method, tab), err)
		}
		return nil, err
	}
	if len(res) == 0 {
		res = json.RawMessage(`{}`)
	}
	return res, nil
}
