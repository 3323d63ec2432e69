// Package cdpcontrol drives a Chromium instance over its remote debugging
// endpoint and exposes it as the agent's debugger backend.
package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/session"
)

const (
	defaultSendTimeout = 30 * time.Second
	loadPollInterval   = 100 * time.Millisecond
)

// transientHints are substrings in error causes that indicate the browser
// connection itself is gone rather than the call failing.
var transientHints = []string{
	"not connected",
	"connection closed",
	"broken pipe",
	"connection reset",
	"eof",
}

type tabEntry struct {
	id      session.TabID
	info    target.Info
	session target.SessionID
}

// Client maps page targets to numeric tab handles and owns their flat sessions.
type Client struct {
	cdpURL string
	cdp    *rawCDP

	sinkMu sync.RWMutex
	sink   func(session.Event)

	mu        sync.Mutex
	nextTab   int64
	byTarget  map[target.ID]*tabEntry
	byTab     map[session.TabID]*tabEntry
	bySession map[target.SessionID]*tabEntry
	// children maps nested sessions reported by Target.attachedToTarget to
	// the tab whose session reported them.
	children map[target.SessionID]*tabEntry
}

func NewClient(cdpURL string, sendTimeout time.Duration) *Client {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	c := &Client{
		cdpURL:    cdpURL,
		cdp:       newRawCDP(cdpURL, sendTimeout),
		byTarget:  make(map[target.ID]*tabEntry),
		byTab:     make(map[session.TabID]*tabEntry),
		bySession: make(map[target.SessionID]*tabEntry),
		children:  make(map[target.SessionID]*tabEntry),
	}
	c.cdp.onClose = c.handleBrowserClosed
	c.cdp.registerEventHandler(anyEvent, c.handleEvent)
	return c
}

// SetEventSink installs the receiver of tab lifecycle and debugger events.
func (c *Client) SetEventSink(fn func(session.Event)) {
	c.sinkMu.Lock()
	c.sink = fn
	c.sinkMu.Unlock()
}

func (c *Client) emit(ev session.Event) {
	c.sinkMu.RLock()
	fn := c.sink
	c.sinkMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// Connect dials the browser, turns on target discovery and seeds the tab table.
func (c *Client) Connect(ctx context.Context) error {
	if c.cdpURL == "" {
		return agenterr.New(agenterr.CodeConnection, "missing CDP URL", nil)
	}
	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		return agenterr.New(agenterr.CodeConnection, "connect to CDP failed", err)
	}
	if _, err := c.cdp.send(ctx, "", "Target.setDiscoverTargets", target.SetDiscoverTargets(true)); err != nil {
		c.cdp.close()
		return agenterr.New(agenterr.CodeConnection, "enable target discovery failed", err)
	}
	if _, err := c.syncTabs(ctx); err != nil {
		c.cdp.close()
		return agenterr.New(agenterr.CodeConnection, "initial tab sync failed", err)
	}
	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", c.tabCount())
	return nil
}

// Close detaches every session without closing targets and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	var sessions []target.SessionID
	for _, e := range c.byTab {
		if e.session != "" {
			sessions = append(sessions, e.session)
		}
	}
	c.mu.Unlock()
	for _, s := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.cdp.detachFromTarget(ctx, s)
		cancel()
	}
	c.cdp.close()
	return nil
}

func (c *Client) tabCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byTab)
}

// TargetIDForTab returns the page target behind a tab handle.
func (c *Client) TargetIDForTab(id session.TabID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byTab[id]
	if !ok {
		return "", false
	}
	return string(e.info.TargetID), true
}

// upsertLocked records info and returns its entry, assigning a tab handle on
// first sight. created reports whether the target was new.
func (c *Client) upsertLocked(info *target.Info) (e *tabEntry, created bool) {
	if e, ok := c.byTarget[info.TargetID]; ok {
		e.info = *info
		return e, false
	}
	c.nextTab++
	e = &tabEntry{id: session.TabID(c.nextTab), info: *info}
	c.byTarget[info.TargetID] = e
	c.byTab[e.id] = e
	return e, true
}

func (c *Client) removeLocked(e *tabEntry) {
	delete(c.byTarget, e.info.TargetID)
	delete(c.byTab, e.id)
	c.dropSessionLocked(e)
}

func (c *Client) dropSessionLocked(e *tabEntry) {
	if e.session != "" {
		delete(c.bySession, e.session)
		e.session = ""
	}
	for s, owner := range c.children {
		if owner == e {
			delete(c.children, s)
		}
	}
}

// syncTabs reconciles the tab table with the browser's page targets.
func (c *Client) syncTabs(ctx context.Context) ([]session.Tab, error) {
	infos, err := c.cdp.getTargets(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[target.ID]bool, len(infos))
	tabs := make([]session.Tab, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		seen[info.TargetID] = true
		e, _ := c.upsertLocked(info)
		tabs = append(tabs, tabFromEntry(e))
	}
	for id, e := range c.byTarget {
		if !seen[id] {
			c.removeLocked(e)
		}
	}
	return tabs, nil
}

func tabFromEntry(e *tabEntry) session.Tab {
	return session.Tab{ID: e.id, URL: e.info.URL, Title: e.info.Title}
}

func (c *Client) entry(ctx context.Context, id session.TabID) (*tabEntry, error) {
	c.mu.Lock()
	e, ok := c.byTab[id]
	c.mu.Unlock()
	if ok {
		return e, nil
	}
	if _, err := c.syncTabs(ctx); err != nil {
		return nil, agenterr.New(agenterr.CodeTab, "list targets failed", err)
	}
	c.mu.Lock()
	e, ok = c.byTab[id]
	c.mu.Unlock()
	if !ok {
		return nil, agenterr.New(agenterr.CodeTab, fmt.Sprintf("tab %d not found", id), nil)
	}
	return e, nil
}

// GetTab returns the tab's current metadata.
func (c *Client) GetTab(ctx context.Context, id session.TabID) (session.Tab, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return session.Tab{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return tabFromEntry(e), nil
}

func (c *Client) ListTabs(ctx context.Context) ([]session.Tab, error) {
	tabs, err := c.syncTabs(ctx)
	if err != nil {
		return nil, agenterr.New(agenterr.CodeTab, "list targets failed", err)
	}
	return tabs, nil
}

// ActiveTab returns the most recently activated page, which the browser lists first.
func (c *Client) ActiveTab(ctx context.Context) (session.Tab, error) {
	infos, err := c.cdp.listTargets(ctx)
	if err != nil {
		return session.Tab{}, agenterr.New(agenterr.CodeTab, "list targets failed", err)
	}
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		c.mu.Lock()
		e, ok := c.byTarget[info.TargetID]
		if !ok {
			e, _ = c.upsertLocked(info)
		}
		tab := tabFromEntry(e)
		c.mu.Unlock()
		tab.Active = true
		return tab, nil
	}
	return session.Tab{}, agenterr.New(agenterr.CodeTab, "no active tab", nil)
}

func (c *Client) CreateTab(ctx context.Context, url string) (session.Tab, error) {
	if url == "" {
		url = "about:blank"
	}
	raw, err := c.cdp.send(ctx, "", "Target.createTarget", target.CreateTarget(url))
	if err != nil {
		return session.Tab{}, agenterr.New(agenterr.CodeTab, "create tab failed", err)
	}
	var resp struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.TargetID == "" {
		return session.Tab{}, agenterr.New(agenterr.CodeTab, "create tab returned no target id", err)
	}

	c.mu.Lock()
	e, _ := c.upsertLocked(&target.Info{TargetID: resp.TargetID, Type: "page", URL: url})
	tab := tabFromEntry(e)
	c.mu.Unlock()
	tab.Active = true
	slog.Debug("cdpcontrol tab created", "tab", tab.ID, "target_id", resp.TargetID)
	return tab, nil
}

func (c *Client) ActivateTab(ctx context.Context, id session.TabID) error {
	e, err := c.entry(ctx, id)
	if err != nil {
		return err
	}
	if _, err := c.cdp.send(ctx, "", "Target.activateTarget", target.ActivateTarget(e.info.TargetID)); err != nil {
		return agenterr.New(agenterr.CodeTab, fmt.Sprintf("activate tab %d failed", id), err)
	}
	return nil
}

func (c *Client) RemoveTab(ctx context.Context, id session.TabID) error {
	e, err := c.entry(ctx, id)
	if err != nil {
		return err
	}
	if _, err := c.cdp.send(ctx, "", "Target.closeTarget", target.CloseTarget(e.info.TargetID)); err != nil {
		return agenterr.New(agenterr.CodeTab, fmt.Sprintf("close tab %d failed", id), err)
	}
	return nil
}

func (c *Client) NavigateTab(ctx context.Context, id session.TabID, url string) error {
	return c.withSession(ctx, id, func(s target.SessionID) error {
		raw, err := c.cdp.send(ctx, string(s), "Page.navigate", page.Navigate(url))
		if err != nil {
			return agenterr.New(agenterr.CodeTab, fmt.Sprintf("navigate tab %d failed", id), err)
		}
		var resp struct {
			ErrorText string `json:"errorText"`
		}
		if json.Unmarshal(raw, &resp) == nil && resp.ErrorText != "" {
			return agenterr.New(agenterr.CodeTab, fmt.Sprintf("navigate tab %d: %s", id, resp.ErrorText), nil)
		}
		return nil
	})
}

// WaitForLoad polls document.readyState until it is "complete" or ctx ends.
func (c *Client) WaitForLoad(ctx context.Context, id session.TabID) error {
	return c.withSession(ctx, id, func(s target.SessionID) error {
		ticker := time.NewTicker(loadPollInterval)
		defer ticker.Stop()
		for {
			if c.readyState(ctx, s) == "complete" {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

func (c *Client) readyState(ctx context.Context, s target.SessionID) string {
	params := struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue"`
	}{Expression: "document.readyState", ReturnByValue: true}
	raw, err := c.cdp.send(ctx, string(s), "Runtime.evaluate", params)
	if err != nil {
		return ""
	}
	var resp struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if json.Unmarshal(raw, &resp) != nil {
		return ""
	}
	return resp.Result.Value
}

// withSession runs fn on the tab's attached session, or on a temporary one
// that is detached afterwards.
func (c *Client) withSession(ctx context.Context, id session.TabID, fn func(target.SessionID) error) error {
	e, err := c.entry(ctx, id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	s := e.session
	targetID := e.info.TargetID
	c.mu.Unlock()
	if s != "" {
		return fn(s)
	}

	tmp, err := c.cdp.attachToTarget(ctx, targetID)
	if err != nil {
		return agenterr.New(agenterr.CodeTab, fmt.Sprintf("temporary attach to tab %d failed", id), err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		_ = c.cdp.detachFromTarget(dctx, tmp)
		cancel()
	}()
	return fn(tmp)
}

// Attach opens the tab's debugging session.
func (c *Client) Attach(ctx context.Context, id session.TabID) error {
	e, err := c.entry(ctx, id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if e.session != "" {
		c.mu.Unlock()
		return session.ErrAlreadyAttached
	}
	targetID := e.info.TargetID
	c.mu.Unlock()

	s, err := c.cdp.attachToTarget(ctx, targetID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if e.session != "" || c.byTab[id] != e {
		c.mu.Unlock()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		_ = c.cdp.detachFromTarget(dctx, s)
		cancel()
		return session.ErrAlreadyAttached
	}
	e.session = s
	c.bySession[s] = e
	c.mu.Unlock()
	slog.Debug("cdpcontrol attached", "tab", id, "target_id", targetID, "session_id", s)
	return nil
}

// IsAttached reports whether the tab holds a debugging session.
func (c *Client) IsAttached(ctx context.Context, id session.TabID) (bool, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.session != "", nil
}

// Detach closes the tab's session. Detaching an unattached tab is a no-op.
func (c *Client) Detach(ctx context.Context, id session.TabID) error {
	c.mu.Lock()
	e, ok := c.byTab[id]
	if !ok || e.session == "" {
		c.mu.Unlock()
		return nil
	}
	s := e.session
	c.dropSessionLocked(e)
	c.mu.Unlock()

	if err := c.cdp.detachFromTarget(ctx, s); err != nil {
		return fmt.Errorf("cdpcontrol: detach tab %d: %w", id, err)
	}
	return nil
}

// TargetInfo returns the page target's description as the browser reports it.
func (c *Client) TargetInfo(ctx context.Context, id session.TabID) (session.TargetInfo, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return session.TargetInfo{}, err
	}
	c.mu.Lock()
	targetID := e.info.TargetID
	c.mu.Unlock()

	raw, err := c.cdp.send(ctx, "", "Target.getTargetInfo", target.GetTargetInfo().WithTargetID(targetID))
	if err != nil {
		return session.TargetInfo{}, err
	}
	var resp struct {
		TargetInfo json.RawMessage `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return session.TargetInfo{}, fmt.Errorf("cdpcontrol: unmarshal target info: %w", err)
	}
	var info target.Info
	if err := json.Unmarshal(resp.TargetInfo, &info); err != nil {
		return session.TargetInfo{}, fmt.Errorf("cdpcontrol: unmarshal target info: %w", err)
	}
	return session.TargetInfo{
		TargetID: string(info.TargetID),
		Type:     info.Type,
		Title:    info.Title,
		URL:      info.URL,
		Raw:      resp.TargetInfo,
	}, nil
}

// SendCommand issues method on the tab's session, or on one of its nested
// sessions when sessionID names one.
func (c *Client) SendCommand(ctx context.Context, id session.TabID, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	e, ok := c.byTab[id]
	if !ok || e.session == "" {
		c.mu.Unlock()
		return nil, agenterr.New(agenterr.CodeNoTarget, fmt.Sprintf("tab %d is not attached", id), nil)
	}
	s := e.session
	if sessionID != "" {
		if owner, ok := c.children[target.SessionID(sessionID)]; ok && owner == e {
			s = target.SessionID(sessionID)
		}
	}
	c.mu.Unlock()

	var p any
	if len(params) > 0 {
		p = params
	}
	raw, err := c.cdp.send(ctx, string(s), method, p)
	if err != nil && isTransient(err) {
		return nil, agenterr.New(agenterr.CodeDisconnected, "browser connection lost", err)
	}
	return raw, err
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// handleEvent maps browser events onto session events.
func (c *Client) handleEvent(method, sessionID string, params json.RawMessage) {
	if sessionID == "" {
		c.handleBrowserEvent(method, params)
		return
	}

	s := target.SessionID(sessionID)
	c.mu.Lock()
	e, primary := c.bySession[s]
	child := ""
	if !primary {
		owner, ok := c.children[s]
		if !ok {
			c.mu.Unlock()
			return
		}
		e, child = owner, sessionID
	}
	switch method {
	case "Target.attachedToTarget":
		var ev target.EventAttachedToTarget
		if json.Unmarshal(params, &ev) == nil && ev.SessionID != "" {
			c.children[ev.SessionID] = e
		}
	case "Target.detachedFromTarget":
		var ev target.EventDetachedFromTarget
		if json.Unmarshal(params, &ev) == nil && ev.SessionID != "" {
			delete(c.children, ev.SessionID)
		}
	}
	tab := e.id
	c.mu.Unlock()

	c.emit(session.Event{
		Kind:      session.EventDebuggerEvent,
		Tab:       tab,
		SessionID: child,
		Method:    method,
		Params:    params,
	})
}

func (c *Client) handleBrowserEvent(method string, params json.RawMessage) {
	switch method {
	case "Target.targetCreated":
		var ev target.EventTargetCreated
		if json.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
			return
		}
		c.mu.Lock()
		e, created := c.upsertLocked(ev.TargetInfo)
		tab := e.id
		c.mu.Unlock()
		if created {
			c.emit(session.Event{Kind: session.EventTabCreated, Tab: tab})
		}

	case "Target.targetInfoChanged":
		var ev target.EventTargetInfoChanged
		if json.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
			return
		}
		c.mu.Lock()
		prevURL := ""
		if old, ok := c.byTarget[ev.TargetInfo.TargetID]; ok {
			prevURL = old.info.URL
		}
		e, created := c.upsertLocked(ev.TargetInfo)
		tab := e.id
		c.mu.Unlock()
		status := "complete"
		if created || prevURL != ev.TargetInfo.URL {
			status = "loading"
		}
		c.emit(session.Event{Kind: session.EventTabUpdated, Tab: tab, Status: status})

	case "Target.targetDestroyed":
		var ev target.EventTargetDestroyed
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		c.mu.Lock()
		e, ok := c.byTarget[ev.TargetID]
		if ok {
			c.removeLocked(e)
		}
		c.mu.Unlock()
		if ok {
			c.emit(session.Event{Kind: session.EventTabRemoved, Tab: e.id})
		}

	case "Target.detachedFromTarget":
		var ev target.EventDetachedFromTarget
		if json.Unmarshal(params, &ev) != nil || ev.SessionID == "" {
			return
		}
		c.mu.Lock()
		e, ok := c.bySession[ev.SessionID]
		if ok {
			c.dropSessionLocked(e)
		}
		c.mu.Unlock()
		if ok {
			c.emit(session.Event{Kind: session.EventDebuggerDetached, Tab: e.id, Reason: "target_closed"})
		}
	}
}

// handleBrowserClosed reports every attached tab as detached once the
// browser connection drops.
func (c *Client) handleBrowserClosed(reason string) {
	c.mu.Lock()
	var tabs []session.TabID
	for _, e := range c.byTab {
		if e.session != "" {
			tabs = append(tabs, e.id)
			c.dropSessionLocked(e)
		}
	}
	c.mu.Unlock()
	slog.Warn("cdpcontrol browser connection closed", "reason", reason, "attached", len(tabs))
	for _, id := range tabs {
		c.emit(session.Event{Kind: session.EventDebuggerDetached, Tab: id, Reason: "browser_disconnected"})
	}
}
