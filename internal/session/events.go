package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/vaishnavucv/domagent/internal/protocol"
)

// EventKind tags an inbound browser or backend event.
type EventKind int

const (
	EventTabCreated EventKind = iota
	EventTabUpdated
	EventTabRemoved
	EventDebuggerEvent
	EventDebuggerDetached
)

func (k EventKind) String() string {
	switch k {
	case EventTabCreated:
		return "tab_created"
	case EventTabUpdated:
		return "tab_updated"
	case EventTabRemoved:
		return "tab_removed"
	case EventDebuggerEvent:
		return "debugger_event"
	case EventDebuggerDetached:
		return "debugger_detached"
	default:
		return "unknown"
	}
}

// Event is one entry of the inbound queue.
type Event struct {
	Kind EventKind
	Tab  TabID
	// Status is the load status of a tab update ("loading", "complete").
	Status string
	// SessionID is the child session a debugger event came from; empty for
	// the tab's primary session.
	SessionID string
	Method    string
	Params    json.RawMessage
	Reason    string
}

// Enqueue hands ev to the dispatcher. It blocks while the queue is full and
// returns without queueing once the manager is closed.
func (m *Manager) Enqueue(ev Event) {
	select {
	case m.events <- ev:
	case <-m.stop:
	}
}

// Run is the single dispatcher. Events are handled strictly in queue order;
// auto-attach work is started off the dispatcher.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case ev := <-m.events:
			m.Dispatch(ctx, ev)
		}
	}
}

// Close stops Run and unblocks pending Enqueue calls.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.stop) })
}

// Dispatch handles one event synchronously.
func (m *Manager) Dispatch(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventTabCreated:
		go m.AutoAttach(ctx, ev.Tab)
	case EventTabUpdated:
		if ev.Status == "loading" {
			go m.AutoAttach(ctx, ev.Tab)
		}
	case EventTabRemoved:
		m.release(ctx, ev.Tab, "tab_closed")
	case EventDebuggerEvent:
		m.forwardDebuggerEvent(ev)
	case EventDebuggerDetached:
		reason := ev.Reason
		if reason == "" {
			reason = "target_closed"
		}
		m.release(ctx, ev.Tab, reason)
	default:
		slog.Debug("session unknown event", "kind", ev.Kind, "tab", ev.Tab)
	}
}

// forwardDebuggerEvent tracks child sessions and forwards the event with the
// tab's primary session id when the backend did not name one.
func (m *Manager) forwardDebuggerEvent(ev Event) {
	m.mu.Lock()
	rec, ok := m.reg.get(ev.Tab)
	if !ok || rec.SessionID == "" {
		m.mu.Unlock()
		return
	}
	switch ev.Method {
	case "Target.attachedToTarget":
		if child := protocol.StringParam(ev.Params, "sessionId"); child != "" {
			m.reg.addChild(child, ev.Tab)
		}
	case "Target.detachedFromTarget":
		if child := protocol.StringParam(ev.Params, "sessionId"); child != "" {
			m.reg.removeChild(child)
		}
	}
	m.mu.Unlock()

	sessionID := ev.SessionID
	if sessionID == "" {
		sessionID = rec.SessionID
	}
	m.forward(protocol.Event{SessionID: sessionID, Method: ev.Method, Params: ev.Params})
}
