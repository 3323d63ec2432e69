package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/protocol"
	"github.com/vaishnavucv/domagent/internal/status"
)

// AttachOptions tunes a single attach call.
type AttachOptions struct {
	// SkipAttachedEvent suppresses the Target.attachedToTarget notification,
	// used when the client already knows the session.
	SkipAttachedEvent bool
}

// Attach attaches tab and returns its session and target ids. A tab that is
// already connected is returned unchanged. Concurrent calls for the same tab
// share one backend attachment; the options of the first caller win.
func (m *Manager) Attach(ctx context.Context, tab TabID, opts AttachOptions) (Attachment, error) {
	if att, ok := m.connectedAttachment(tab); ok {
		return att, nil
	}
	v, err, shared := m.attachGroup.Do(strconv.FormatInt(int64(tab), 10), func() (any, error) {
		if att, ok := m.connectedAttachment(tab); ok {
			return att, nil
		}
		return m.attach(context.WithoutCancel(ctx), tab, opts)
	})
	if err != nil {
		return Attachment{}, err
	}
	if shared {
		slog.Debug("session attach shared", "tab", tab)
	}
	return v.(Attachment), nil
}

func (m *Manager) connectedAttachment(tab TabID) (Attachment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reg.get(tab)
	if !ok || rec.State != StateConnected || rec.SessionID == "" || rec.TargetID == "" {
		return Attachment{}, false
	}
	return Attachment{TargetID: rec.TargetID, SessionID: rec.SessionID}, true
}

func (m *Manager) attach(ctx context.Context, tab TabID, opts AttachOptions) (Attachment, error) {
	ctx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()

	m.mu.Lock()
	start := m.markLocked(tab)
	m.mu.Unlock()

	slog.Debug("session attach start", "tab", tab)
	if err := m.attachBackend(ctx, tab); err != nil {
		return Attachment{}, err
	}

	info, err := m.ctl.TargetInfo(ctx, tab)
	if err != nil {
		return Attachment{}, agenterr.New(agenterr.CodeAttach, fmt.Sprintf("read target info for tab %d", tab), err)
	}
	if strings.TrimSpace(info.TargetID) == "" {
		return Attachment{}, agenterr.New(agenterr.CodeAttach, fmt.Sprintf("no target id for tab %d", tab), nil)
	}

	m.mu.Lock()
	if m.markLocked(tab) != start {
		m.mu.Unlock()
		go m.backendDetach(context.Background(), tab)
		return Attachment{}, agenterr.New(agenterr.CodeAttach, fmt.Sprintf("tab %d was detached while attaching", tab), nil)
	}
	prev, _ := m.reg.get(tab)
	sessionID := prev.SessionID
	if sessionID == "" {
		m.sessionSeq++
		sessionID = m.sessionPrefix + strconv.FormatInt(m.sessionSeq, 10)
	}
	m.attachSeq++
	rec := TabRecord{
		TabID:       tab,
		State:       StateConnected,
		SessionID:   sessionID,
		TargetID:    info.TargetID,
		AttachOrder: m.attachSeq,
	}
	m.reg.put(rec)
	m.mu.Unlock()

	m.indicator.SetTab(int64(tab), status.Active)
	slog.Info("session attach ok", "tab", tab, "session", rec.SessionID, "target", rec.TargetID, "order", rec.AttachOrder)

	if !opts.SkipAttachedEvent {
		m.forward(protocol.Event{
			Method: "Target.attachedToTarget",
			Params: attachedParams(rec.SessionID, info),
		})
	}
	return Attachment{TargetID: rec.TargetID, SessionID: rec.SessionID}, nil
}

// attachBackend asks the controller for an attachment. It checks attachment
// status first when the controller can report it and otherwise treats an
// "already attached" failure as success.
func (m *Manager) attachBackend(ctx context.Context, tab TabID) error {
	if q, ok := m.ctl.(AttachmentQuerier); ok {
		attached, err := q.IsAttached(ctx, tab)
		if err != nil {
			slog.Debug("session attach status query failed", "tab", tab, "error", err)
		} else if attached {
			slog.Debug("session attach backend already attached", "tab", tab)
			return nil
		}
	}
	err := m.ctl.Attach(ctx, tab)
	if err == nil {
		return nil
	}
	if isAlreadyAttached(err) {
		slog.Debug("session attach tolerated", "tab", tab, "error", err)
		return nil
	}
	return agenterr.New(agenterr.CodeAttach, fmt.Sprintf("attach tab %d", tab), err)
}

func isAlreadyAttached(err error) bool {
	if errors.Is(err, ErrAlreadyAttached) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already attached") || strings.Contains(msg, "another debugger")
}

// Detach removes tab from every registry, tells the bridge and releases the
// backend attachment. It never fails: the tab may already be gone.
func (m *Manager) Detach(ctx context.Context, tab TabID, reason string) {
	m.release(ctx, tab, reason)
	m.backendDetach(ctx, tab)
}

// release is the bookkeeping half of Detach.
func (m *Manager) release(ctx context.Context, tab TabID, reason string) {
	m.mu.Lock()
	rec, had := m.reg.remove(tab)
	m.gens[tab]++
	clearedAutomation := m.automation != nil && m.automation.TabID == tab
	if clearedAutomation {
		m.automation = nil
	}
	m.mu.Unlock()

	m.indicator.SetTab(int64(tab), status.Disconnected)
	if had && rec.SessionID != "" && rec.TargetID != "" {
		params, _ := json.Marshal(map[string]string{
			"sessionId": rec.SessionID,
			"targetId":  rec.TargetID,
			"reason":    reason,
		})
		m.forward(protocol.Event{Method: "Target.detachedFromTarget", Params: params})
	}
	if clearedAutomation {
		m.persistAutomation(ctx)
	}
	if had {
		slog.Info("session detach", "tab", tab, "session", rec.SessionID, "reason", reason)
	}
}

func (m *Manager) backendDetach(ctx context.Context, tab TabID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.commandTimeout)
	defer cancel()
	if err := m.ctl.Detach(ctx, tab); err != nil {
		slog.Debug("session backend detach failed", "tab", tab, "error", err)
	}
}

// attachedParams builds the Target.attachedToTarget payload. The backend's
// own target description is passed through with attached forced to true.
func attachedParams(sessionID string, info TargetInfo) json.RawMessage {
	target := map[string]any{}
	if len(info.Raw) > 0 {
		if err := json.Unmarshal(info.Raw, &target); err != nil {
			target = map[string]any{}
		}
	}
	if len(target) == 0 {
		target["targetId"] = info.TargetID
		target["type"] = info.Type
		target["title"] = info.Title
		target["url"] = info.URL
	}
	target["attached"] = true
	params, _ := json.Marshal(map[string]any{
		"sessionId":          sessionID,
		"targetInfo":         target,
		"waitingForDebugger": false,
	})
	return params
}
