package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vaishnavucv/domagent/internal/protocol"
	"github.com/vaishnavucv/domagent/internal/statestore"
	"github.com/vaishnavucv/domagent/internal/status"
)

// TabID is the browser's handle for a tab.
type TabID int64

type TabState string

const (
	StateConnecting TabState = "connecting"
	StateConnected  TabState = "connected"
)

// TabRecord is the registry entry for one tab.
type TabRecord struct {
	TabID       TabID    `json:"tab_id"`
	State       TabState `json:"state"`
	SessionID   string   `json:"session_id,omitempty"`
	TargetID    string   `json:"target_id,omitempty"`
	AttachOrder int64    `json:"attach_order,omitempty"`
}

// AutomationTab points at the tab high-level commands target by default.
type AutomationTab struct {
	TabID     TabID  `json:"tab_id"`
	SessionID string `json:"session_id"`
	TargetID  string `json:"target_id"`
}

// Attachment is what attach and ensure-tab hand back to the client.
type Attachment struct {
	TargetID  string `json:"targetId"`
	SessionID string `json:"sessionId"`
}

// AdoptedTab is the result of binding the active tab as the automation tab.
type AdoptedTab struct {
	TabID     TabID  `json:"-"`
	TargetID  string `json:"targetId"`
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	Title     string `json:"title"`
}

// Tab is browser-level metadata for one tab.
type Tab struct {
	ID       TabID  `json:"id"`
	WindowID int64  `json:"window_id,omitempty"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Active   bool   `json:"active"`
}

// TargetInfo identifies the content a backend controls inside a tab.
// Raw, when set, is the backend's own JSON description of the target.
type TargetInfo struct {
	TargetID string
	Type     string
	Title    string
	URL      string
	Raw      json.RawMessage
}

// ErrAlreadyAttached is returned by a Controller whose Attach finds an
// existing attachment.
var ErrAlreadyAttached = errors.New("already attached")

// Browser covers tab lifecycle operations.
type Browser interface {
	GetTab(ctx context.Context, id TabID) (Tab, error)
	ActiveTab(ctx context.Context) (Tab, error)
	ListTabs(ctx context.Context) ([]Tab, error)
	CreateTab(ctx context.Context, url string) (Tab, error)
	NavigateTab(ctx context.Context, id TabID, url string) error
	ActivateTab(ctx context.Context, id TabID) error
	RemoveTab(ctx context.Context, id TabID) error
	WaitForLoad(ctx context.Context, id TabID) error
}

// Controller is the page-control capability for a tab. sessionID, when not
// empty, addresses a child session nested in the tab.
type Controller interface {
	Attach(ctx context.Context, id TabID) error
	Detach(ctx context.Context, id TabID) error
	TargetInfo(ctx context.Context, id TabID) (TargetInfo, error)
	SendCommand(ctx context.Context, id TabID, sessionID, method string, params json.RawMessage) (json.RawMessage, error)
}

// AttachmentQuerier is implemented by controllers that can report whether a
// tab is attached without attempting to attach.
type AttachmentQuerier interface {
	IsAttached(ctx context.Context, id TabID) (bool, error)
}

// Link is the outbound connection to the bridge.
type Link interface {
	IsOpen() bool
	Connect(ctx context.Context) error
	SendEvent(ev protocol.Event) error
}

// StateStore persists the automation tab reference.
type StateStore interface {
	LoadAutomationTab(ctx context.Context) (statestore.AutomationTabRef, bool, error)
	SaveAutomationTab(ctx context.Context, ref statestore.AutomationTabRef) error
	ClearAutomationTab(ctx context.Context) error
}

// SettingsSource supplies the overlay settings object.
type SettingsSource interface {
	OverlaySettings(ctx context.Context) (json.RawMessage, error)
}

// Indicator is the user-visible status surface.
type Indicator interface {
	SetLink(s status.State)
	SetTab(tabID int64, s status.State)
	ClearTabs()
	ReportFailure(ctx context.Context, detail string) bool
}
