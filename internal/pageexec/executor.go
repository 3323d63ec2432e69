// Package pageexec runs page-level operations inside a tab through chromedp
// and adapts them to the session controller interface.
package pageexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/config"
)

const DefaultTimeout = 15 * time.Second

// Methods the executor accepts.
const (
	MethodEvaluate            = "Runtime.evaluate"
	MethodNavigate            = "Page.navigate"
	MethodReload              = "Page.reload"
	MethodClick               = "DOM.click"
	MethodType                = "DOM.type"
	MethodGetText             = "DOM.getText"
	MethodInteractiveElements = "DOM.getInteractiveElements"
	MethodClearOverlays       = "DOM.clearOverlays"
)

// Params is the union of parameters the executor methods read.
type Params struct {
	Expression    string                  `json:"expression,omitempty"`
	URL           string                  `json:"url,omitempty"`
	Selector      string                  `json:"selector,omitempty"`
	Text          string                  `json:"text,omitempty"`
	OverlayConfig *config.OverlaySettings `json:"overlayConfig,omitempty"`
}

func (p Params) overlay() config.OverlaySettings {
	if p.OverlayConfig != nil {
		return *p.OverlayConfig
	}
	return config.DefaultOverlaySettings()
}

type tabContext struct {
	ctx   context.Context
	ready chan struct{}
	err   error
}

// Executor keeps one chromedp context per page target. Tab contexts are never
// cancelled individually: cancelling one closes the page.
type Executor struct {
	cdpURL  string
	timeout time.Duration

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabs        map[string]*tabContext
}

func NewExecutor(cdpURL string, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{cdpURL: cdpURL, timeout: timeout, tabs: make(map[string]*tabContext)}
}

// tabContext returns the chromedp context for targetID. The first Run on a
// context attaches to the target and must not carry a deadline, so it runs
// in the background and callers wait on ready with their own bound.
func (e *Executor) tabContext(targetID string) *tabContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.allocCtx == nil {
		slog.Info("pageexec connecting", "cdp_url", e.cdpURL)
		e.allocCtx, e.allocCancel = chromedp.NewRemoteAllocator(context.Background(), e.cdpURL)
	}
	if tc, ok := e.tabs[targetID]; ok && tc.ctx.Err() == nil {
		return tc
	}
	ctx, _ := chromedp.NewContext(e.allocCtx, chromedp.WithTargetID(target.ID(targetID)))
	tc := &tabContext{ctx: ctx, ready: make(chan struct{})}
	e.tabs[targetID] = tc
	go func() {
		tc.err = chromedp.Run(ctx)
		close(tc.ready)
	}()
	return tc
}

// Release forgets the context for targetID.
func (e *Executor) Release(targetID string) {
	e.mu.Lock()
	delete(e.tabs, targetID)
	e.mu.Unlock()
}

// Close drops every tab context and the browser connection.
func (e *Executor) Close() {
	e.mu.Lock()
	e.tabs = make(map[string]*tabContext)
	cancel := e.allocCancel
	e.allocCtx, e.allocCancel = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Execute runs one method against targetID, bounded by the executor timeout.
func (e *Executor) Execute(ctx context.Context, targetID, method string, raw json.RawMessage) (json.RawMessage, error) {
	var p Params
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, agenterr.New(agenterr.CodeValidation, fmt.Sprintf("invalid params for %s", method), err)
		}
	}
	actions, script, err := plan(method, p)
	if err != nil {
		return nil, err
	}

	tc := e.tabContext(targetID)
	runCtx, cancel := context.WithTimeout(tc.ctx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	select {
	case <-tc.ready:
		if tc.err != nil {
			e.Release(targetID)
			return nil, agenterr.New(agenterr.CodeElementExecution,
				fmt.Sprintf("attach to target %s failed", targetID), tc.err)
		}
	case <-runCtx.Done():
		return nil, agenterr.New(agenterr.CodeCommandTimeout,
			fmt.Sprintf("%s timed out attaching to target %s", method, targetID), runCtx.Err())
	}

	start := time.Now()
	var value []byte
	if script != "" {
		actions = chromedp.Tasks{evaluate(script, &value)}
	}
	if err := chromedp.Run(runCtx, actions); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, agenterr.New(agenterr.CodeCommandTimeout,
				fmt.Sprintf("%s timed out after %s", method, e.timeout), err)
		}
		return nil, agenterr.New(agenterr.CodeElementExecution, fmt.Sprintf("%s failed", method), err)
	}
	slog.Debug("pageexec ok", "method", method, "target_id", targetID, "elapsed", time.Since(start))

	switch method {
	case MethodEvaluate:
		return json.Marshal(evaluateResult(value))
	case MethodNavigate, MethodReload:
		return json.RawMessage(`{}`), nil
	default:
		return value, nil
	}
}

// plan returns the chromedp actions for method, or the script to evaluate.
func plan(method string, p Params) (chromedp.Tasks, string, error) {
	switch method {
	case MethodEvaluate:
		return nil, p.Expression, nil
	case MethodNavigate:
		if p.URL == "" {
			return nil, "", agenterr.New(agenterr.CodeValidation, "url is required", nil)
		}
		return chromedp.Tasks{chromedp.Navigate(p.URL)}, "", nil
	case MethodReload:
		return chromedp.Tasks{chromedp.Reload()}, "", nil
	case MethodClick:
		if p.Selector == "" {
			return nil, "", agenterr.New(agenterr.CodeValidation, "selector is required", nil)
		}
		return nil, ClickScript(p.Selector, p.overlay()), nil
	case MethodType:
		if p.Selector == "" {
			return nil, "", agenterr.New(agenterr.CodeValidation, "selector is required", nil)
		}
		return nil, TypeScript(p.Selector, p.Text, p.overlay()), nil
	case MethodGetText:
		if p.Selector == "" {
			return nil, "", agenterr.New(agenterr.CodeValidation, "selector is required", nil)
		}
		return nil, GetTextScript(p.Selector), nil
	case MethodInteractiveElements:
		return nil, InteractiveElementsScript(p.overlay()), nil
	case MethodClearOverlays:
		return nil, ClearOverlaysScript(), nil
	default:
		return nil, "", agenterr.New(agenterr.CodeValidation, fmt.Sprintf("unsupported method %s", method), nil)
	}
}

// evaluate runs script awaiting promises and stores the raw JSON value.
// undefined and null both come back as null.
func evaluate(script string, out *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		err := chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}).Do(ctx)
		if errors.Is(err, chromedp.ErrJSUndefined) || errors.Is(err, chromedp.ErrJSNull) {
			*out = []byte("null")
			return nil
		}
		if err != nil {
			return err
		}
		if len(*out) == 0 {
			*out = []byte("null")
		}
		return nil
	})
}

type remoteValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// evaluateResult shapes a value the way Runtime.evaluate reports it.
func evaluateResult(value []byte) map[string]remoteValue {
	return map[string]remoteValue{"result": {Type: jsonType(value), Value: value}}
}

func jsonType(v []byte) string {
	if len(v) == 0 {
		return "undefined"
	}
	switch v[0] {
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "object"
	case '{', '[':
		return "object"
	default:
		return "number"
	}
}
