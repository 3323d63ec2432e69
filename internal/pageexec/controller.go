package pageexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/session"
)

const targetPrefix = "da-target-"

// SyntheticTargetID is the target id reported for a tab.
func SyntheticTargetID(id session.TabID) string {
	return targetPrefix + strconv.FormatInt(int64(id), 10)
}

// Tabs looks tabs up by handle.
type Tabs interface {
	GetTab(ctx context.Context, id session.TabID) (session.Tab, error)
}

// TargetResolver maps a tab handle to the browser's page target.
type TargetResolver interface {
	TargetIDForTab(id session.TabID) (string, bool)
}

// Runner executes page methods against a target.
type Runner interface {
	Execute(ctx context.Context, targetID, method string, params json.RawMessage) (json.RawMessage, error)
	Release(targetID string)
}

// Controller is the message-and-await page controller: there is no debugger
// attachment, every command is one request answered by the page.
type Controller struct {
	tabs    Tabs
	targets TargetResolver
	runner  Runner

	mu       sync.Mutex
	attached map[session.TabID]bool
}

func NewController(tabs Tabs, targets TargetResolver, runner Runner) *Controller {
	return &Controller{
		tabs:     tabs,
		targets:  targets,
		runner:   runner,
		attached: make(map[session.TabID]bool),
	}
}

// Attach only checks that the tab exists.
func (c *Controller) Attach(ctx context.Context, id session.TabID) error {
	if _, err := c.tabs.GetTab(ctx, id); err != nil {
		return agenterr.New(agenterr.CodeAttach, fmt.Sprintf("tab %d not available", id), err)
	}
	c.mu.Lock()
	c.attached[id] = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) IsAttached(_ context.Context, id session.TabID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached[id], nil
}

func (c *Controller) Detach(_ context.Context, id session.TabID) error {
	c.mu.Lock()
	delete(c.attached, id)
	c.mu.Unlock()
	if targetID, ok := c.targets.TargetIDForTab(id); ok {
		c.runner.Release(targetID)
	}
	return nil
}

func (c *Controller) TargetInfo(ctx context.Context, id session.TabID) (session.TargetInfo, error) {
	tab, err := c.tabs.GetTab(ctx, id)
	if err != nil {
		return session.TargetInfo{}, err
	}
	return session.TargetInfo{
		TargetID: SyntheticTargetID(id),
		Type:     "page",
		Title:    tab.Title,
		URL:      tab.URL,
	}, nil
}

// SendCommand runs method in the tab. sessionID is ignored: pages have no
// nested sessions here.
func (c *Controller) SendCommand(ctx context.Context, id session.TabID, _ string, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	attached := c.attached[id]
	c.mu.Unlock()
	if !attached {
		return nil, agenterr.New(agenterr.CodeNoTarget, fmt.Sprintf("tab %d is not attached", id), nil)
	}

	switch method {
	case "Runtime.enable", "Runtime.disable":
		return json.RawMessage(`{}`), nil
	}

	targetID, ok := c.targets.TargetIDForTab(id)
	if !ok {
		return nil, agenterr.New(agenterr.CodeStaleReference, fmt.Sprintf("tab %d has no page target", id), nil)
	}
	return c.runner.Execute(ctx, targetID, method, params)
}
