package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/config"
	"github.com/vaishnavucv/domagent/internal/pageexec"
	"github.com/vaishnavucv/domagent/internal/protocol"
)

// SendCommand forwards method to the extension and waits for its response.
// The active session id, when known, is attached so the agent routes the
// command to the automation tab.
func (s *Server) SendCommand(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, agenterr.New(agenterr.CodeValidation, fmt.Sprintf("encode params for %s", method), err)
		}
		raw = b
	}

	s.mu.Lock()
	conn := s.conn
	sessionID := s.activeSessionID
	s.mu.Unlock()
	if conn == nil {
		return nil, agenterr.New(agenterr.CodeNotConnected, "Extension not connected", nil)
	}

	id := s.pending.NextID()
	frame, err := protocol.CommandFrame(id, protocol.Command{Method: method, Params: raw, SessionID: sessionID})
	if err != nil {
		return nil, agenterr.New(agenterr.CodeValidation, fmt.Sprintf("encode %s", method), err)
	}
	req := s.pending.Register(id, s.opts.CommandTimeout)
	s.commands.Add(1)

	start := time.Now()
	if err := s.write(conn, frame); err != nil {
		s.pending.Reject(id, err)
		return nil, agenterr.New(agenterr.CodeNotConnected, fmt.Sprintf("send %s", method), err)
	}

	result, err := req.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.pending.Reject(id, ctx.Err())
		}
		if agenterr.HasCode(err, agenterr.CodeCommandTimeout) {
			return nil, agenterr.New(agenterr.CodeCommandTimeout, fmt.Sprintf("Command %s timed out", method), err)
		}
		slog.Debug("bridge command failed", "method", method, "id", id, "error", err)
		return nil, err
	}
	slog.Debug("bridge command ok", "method", method, "id", id, "elapsed", time.Since(start))
	return result, nil
}

// TabResult is the answer to navigate and use-current-tab.
type TabResult struct {
	TargetID  string `json:"targetId"`
	SessionID string `json:"sessionId"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Navigate opens url in the automation tab, creating it the first time.
func (s *Server) Navigate(ctx context.Context, url string) (TabResult, error) {
	if strings.TrimSpace(url) == "" {
		return TabResult{}, agenterr.New(agenterr.CodeValidation, "url is required", nil)
	}
	slog.Info("bridge navigate", "url", url)
	return s.bindTab(ctx, protocol.MethodEnsureTab, map[string]string{"url": url})
}

// UseCurrentTab adopts the user's active tab as the automation tab.
func (s *Server) UseCurrentTab(ctx context.Context) (TabResult, error) {
	slog.Info("bridge adopt current tab")
	return s.bindTab(ctx, protocol.MethodUseCurrentTab, struct{}{})
}

func (s *Server) bindTab(ctx context.Context, method string, params any) (TabResult, error) {
	raw, err := s.SendCommand(ctx, method, params)
	if err != nil {
		return TabResult{}, err
	}
	var res TabResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return TabResult{}, agenterr.New(agenterr.CodeBackend, fmt.Sprintf("decode %s result", method), err)
		}
	}
	if res.SessionID != "" {
		s.mu.Lock()
		s.activeSessionID = res.SessionID
		s.mu.Unlock()
	}
	return res, nil
}

type evaluateResponse struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

// Evaluate runs expression in the automation tab and returns its value by
// value. A thrown exception becomes an ELEMENT_EXECUTION error.
func (s *Server) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, agenterr.New(agenterr.CodeValidation, "expression is required", nil)
	}
	raw, err := s.SendCommand(ctx, pageexec.MethodEvaluate, map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}
	var resp evaluateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, agenterr.New(agenterr.CodeBackend, "decode evaluate result", err)
	}
	if d := resp.ExceptionDetails; d != nil {
		msg := d.Text
		if d.Exception != nil && d.Exception.Description != "" {
			msg = d.Exception.Description
		}
		return nil, agenterr.New(agenterr.CodeElementExecution, "Evaluation failed: "+msg, nil)
	}
	if len(resp.Result.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result.Value, nil
}

// OverlaySettings asks the agent for its overlay settings. Any failure
// yields the defaults.
func (s *Server) OverlaySettings(ctx context.Context) config.OverlaySettings {
	raw, err := s.SendCommand(ctx, protocol.MethodGetOverlaySettings, struct{}{})
	if err != nil {
		slog.Debug("bridge overlay settings defaulted", "error", err)
		return config.DefaultOverlaySettings()
	}
	return normalizeOverlay(raw)
}

// normalizeOverlay reads settings leniently: a flag is on unless it is
// literally false, and a missing, zero or non-numeric opacity falls back.
func normalizeOverlay(raw json.RawMessage) config.OverlaySettings {
	cfg := config.DefaultOverlaySettings()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return cfg
	}
	flag := func(key string) bool {
		b, ok := m[key].(bool)
		return !ok || b
	}
	pct := func(key string, fallback int) int {
		var v float64
		switch x := m[key].(type) {
		case float64:
			v = x
		case string:
			if _, err := fmt.Sscanf(x, "%g", &v); err != nil {
				return fallback
			}
		default:
			return fallback
		}
		if v <= 0 || v > 100 {
			return fallback
		}
		return int(v)
	}
	cfg.OverlayClickEnabled = flag("overlayClickEnabled")
	cfg.OverlayClickOpacity = pct("overlayClickOpacity", 75)
	cfg.OverlayTypeEnabled = flag("overlayTypeEnabled")
	cfg.OverlayTypeOpacity = pct("overlayTypeOpacity", 75)
	cfg.OverlayTextEnabled = flag("overlayTextEnabled")
	cfg.OverlayTextOpacity = pct("overlayTextOpacity", 50)
	return cfg
}

// Click clicks the first element matching selector.
func (s *Server) Click(ctx context.Context, selector string) (string, error) {
	if strings.TrimSpace(selector) == "" {
		return "", agenterr.New(agenterr.CodeValidation, "selector is required", nil)
	}
	cfg := s.OverlaySettings(ctx)
	return s.evaluateString(ctx, pageexec.ClickScript(selector, cfg))
}

// Type sets the value of the element matching selector.
func (s *Server) Type(ctx context.Context, selector, text string) (string, error) {
	if strings.TrimSpace(selector) == "" {
		return "", agenterr.New(agenterr.CodeValidation, "selector is required", nil)
	}
	cfg := s.OverlaySettings(ctx)
	return s.evaluateString(ctx, pageexec.TypeScript(selector, text, cfg))
}

// GetText returns the element's visible text, or nil when nothing matches.
func (s *Server) GetText(ctx context.Context, selector string) (*string, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, agenterr.New(agenterr.CodeValidation, "selector is required", nil)
	}
	raw, err := s.Evaluate(ctx, pageexec.GetTextScript(selector))
	if err != nil {
		return nil, err
	}
	var text *string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, agenterr.New(agenterr.CodeBackend, "decode text", err)
	}
	return text, nil
}

// Element is one entry of an interactive-elements scan.
type Element struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Kind       string            `json:"kind"`
	Text       string            `json:"text"`
	Selector   string            `json:"selector"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Box        struct {
		X int `json:"x"`
		Y int `json:"y"`
		W int `json:"w"`
		H int `json:"h"`
	} `json:"box"`
}

// InteractiveElements scans the viewport and draws the scan overlays.
func (s *Server) InteractiveElements(ctx context.Context) ([]Element, error) {
	cfg := s.OverlaySettings(ctx)
	raw, err := s.Evaluate(ctx, pageexec.InteractiveElementsScript(cfg))
	if err != nil {
		return nil, err
	}
	var out []Element
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, agenterr.New(agenterr.CodeBackend, "decode elements", err)
	}
	if out == nil {
		out = []Element{}
	}
	return out, nil
}

// ClearOverlays removes every overlay from the page.
func (s *Server) ClearOverlays(ctx context.Context) (string, error) {
	return s.evaluateString(ctx, pageexec.ClearOverlaysScript())
}

func (s *Server) evaluateString(ctx context.Context, script string) (string, error) {
	raw, err := s.Evaluate(ctx, script)
	if err != nil {
		return "", err
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return string(raw), nil
	}
	return str, nil
}

// Status describes the extension connection.
type Status struct {
	Connected       bool       `json:"connected"`
	ConnectionID    string     `json:"connection_id,omitempty"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	LastPong        *time.Time `json:"last_pong,omitempty"`
	ActiveSessionID string     `json:"active_session_id,omitempty"`
	Pending         int        `json:"pending"`
	Commands        int64      `json:"commands"`
	Events          int64      `json:"events"`
	Replaced        int64      `json:"replaced"`
	Rejected        int64      `json:"rejected"`
	Malformed       int64      `json:"malformed"`
}

func (s *Server) Status() Status {
	s.mu.Lock()
	st := Status{
		Connected:       s.conn != nil,
		ConnectionID:    s.connID,
		ActiveSessionID: s.activeSessionID,
	}
	if s.conn != nil {
		at := s.connectedAt
		st.ConnectedAt = &at
	}
	if !s.lastPong.IsZero() {
		lp := s.lastPong
		st.LastPong = &lp
	}
	s.mu.Unlock()

	st.Pending = s.pending.Len()
	st.Commands = s.commands.Load()
	st.Events = s.events.Load()
	st.Replaced = s.replaced.Load()
	st.Rejected = s.rejected.Load()
	st.Malformed = s.malformed.Load()
	return st
}
