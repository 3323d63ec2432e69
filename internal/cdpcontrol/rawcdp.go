package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/pending"
)

// anyEvent registers a handler for every event method.
const anyEvent = "*"

// rawCDP is a minimal flat-session CDP client. It never enables domains or
// auto-attach on its own; the caller decides what each session turns on.
type rawCDP struct {
	httpBase    string // e.g. "http://127.0.0.1:9222"
	httpClient  *http.Client
	sendTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn

	writeMu sync.Mutex
	pending *pending.Table

	handlerSeq    atomic.Int64
	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler

	// onClose runs once per connection after pending calls are rejected.
	onClose func(reason string)
}

type eventHandler struct {
	id int64
	fn func(method, sessionID string, params json.RawMessage)
}

// cdpError is an error object returned by the browser for one call.
type cdpError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *cdpError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func newRawCDP(httpBase string, sendTimeout time.Duration) *rawCDP {
	return &rawCDP{
		httpBase:      strings.TrimRight(httpBase, "/"),
		httpClient:    http.DefaultClient,
		sendTimeout:   sendTimeout,
		pending:       pending.NewTable(),
		eventHandlers: make(map[string][]eventHandler),
	}
}

// connect dials the browser-level WebSocket endpoint.
func (r *rawCDP) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	wsURL, err := r.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}

	slog.Debug("rawcdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}

	r.conn = conn
	go r.readLoop(conn)
	return nil
}

func (r *rawCDP) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *rawCDP) close() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		r.shutdown(conn, "client closed")
	}
}

// readLoop processes incoming messages and settles waiters.
func (r *rawCDP) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			r.shutdown(conn, err.Error())
			return
		}

		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
			Result    json.RawMessage `json:"result"`
			Error     *cdpError       `json:"error"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch {
		case msg.ID > 0 && msg.Error != nil:
			r.pending.Reject(msg.ID, msg.Error)
		case msg.ID > 0:
			result := msg.Result
			if len(result) == 0 {
				result = json.RawMessage(`{}`)
			}
			r.pending.Resolve(msg.ID, result)
		case msg.Method != "":
			r.dispatchEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (r *rawCDP) shutdown(conn net.Conn, reason string) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.mu.Unlock()
	_ = conn.Close()

	n := r.pending.RejectAll(agenterr.New(agenterr.CodeDisconnected, "browser connection closed", nil))
	slog.Debug("rawcdp closed", "reason", reason, "rejected", n)
	if r.onClose != nil {
		r.onClose(reason)
	}
}

// send issues method on sessionID (empty for the browser session) and
// returns the call's result object.
func (r *rawCDP) send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, agenterr.New(agenterr.CodeNotConnected, "rawcdp: not connected", nil)
	}

	id := r.pending.NextID()
	req := struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rawcdp: marshal: %w", err)
	}

	waiter := r.pending.Register(id, r.sendTimeout)
	r.writeMu.Lock()
	err = wsutil.WriteClientText(conn, data)
	r.writeMu.Unlock()
	if err != nil {
		r.pending.Reject(id, err)
		return nil, fmt.Errorf("rawcdp: send: %w", err)
	}

	raw, err := waiter.Wait(ctx)
	if err != nil {
		r.pending.Reject(id, err)
		return nil, fmt.Errorf("rawcdp: %s: %w", method, err)
	}
	return raw, nil
}

// attachToTarget attaches a flat session to the given target.
func (r *rawCDP) attachToTarget(ctx context.Context, targetID target.ID) (target.SessionID, error) {
	raw, err := r.send(ctx, "", "Target.attachToTarget", target.AttachToTarget(targetID).WithFlatten(true))
	if err != nil {
		return "", err
	}
	var resp struct {
		SessionID target.SessionID `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("rawcdp: unmarshal attach: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("rawcdp: attach: empty session id")
	}
	return resp.SessionID, nil
}

// detachFromTarget detaches from a session without closing the target.
func (r *rawCDP) detachFromTarget(ctx context.Context, sessionID target.SessionID) error {
	_, err := r.send(ctx, "", "Target.detachFromTarget", target.DetachFromTarget().WithSessionID(sessionID))
	return err
}

// getTargets lists targets over the browser session.
func (r *rawCDP) getTargets(ctx context.Context) ([]*target.Info, error) {
	raw, err := r.send(ctx, "", "Target.getTargets", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		TargetInfos []*target.Info `json:"targetInfos"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("rawcdp: unmarshal targets: %w", err)
	}
	return resp.TargetInfos, nil
}

// listTargets fetches open targets via the HTTP /json/list endpoint. The
// browser orders the list by most recent activation.
func (r *rawCDP) listTargets(ctx context.Context) ([]*target.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, r.httpBase+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rawcdp: /json/list: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}

	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

// registerEventHandler registers a handler for a CDP event method, or for
// every method when method is anyEvent. Returns an unregister function.
func (r *rawCDP) registerEventHandler(method string, fn func(method, sessionID string, params json.RawMessage)) func() {
	id := r.handlerSeq.Add(1)
	r.eventMu.Lock()
	r.eventHandlers[method] = append(r.eventHandlers[method], eventHandler{id: id, fn: fn})
	r.eventMu.Unlock()
	return func() {
		r.eventMu.Lock()
		defer r.eventMu.Unlock()
		handlers := r.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				r.eventHandlers[method] = append(handlers[:i:i], handlers[i+1:]...)
				break
			}
		}
	}
}

// dispatchEvent invokes the handlers for method, then the catch-all handlers.
func (r *rawCDP) dispatchEvent(method, sessionID string, params json.RawMessage) {
	r.eventMu.RLock()
	handlers := make([]eventHandler, 0, len(r.eventHandlers[method])+len(r.eventHandlers[anyEvent]))
	handlers = append(handlers, r.eventHandlers[method]...)
	handlers = append(handlers, r.eventHandlers[anyEvent]...)
	r.eventMu.RUnlock()
	for _, h := range handlers {
		h.fn(method, sessionID, params)
	}
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (r *rawCDP) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rawcdp: /json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
