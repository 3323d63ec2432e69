package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/protocol"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *sinkRecorder) Publish(ev protocol.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sinkRecorder) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// fakeExtension is the agent end of the link. reply decides the answer to
// each forwarded command; a nil reply leaves the command unanswered.
type fakeExtension struct {
	t     *testing.T
	conn  net.Conn
	reply func(cmd protocol.Command) (json.RawMessage, *string)

	mu       sync.Mutex
	commands []protocol.Command
	pongs    int
	writeMu  sync.Mutex
}

func newTestBridge(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(opts)
	mux := http.NewServeMux()
	mux.HandleFunc("/extension", s.ServeExtension)
	mux.HandleFunc("/health", HealthHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func dialExtension(t *testing.T, s *Server, srv *httptest.Server, reply func(protocol.Command) (json.RawMessage, *string)) *fakeExtension {
	t.Helper()
	before := s.Status().ConnectionID
	conn, _, _, err := ws.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/extension")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ext := &fakeExtension{t: t, conn: conn, reply: reply}
	go ext.loop()
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.Status(); st.Connected && st.ConnectionID != before {
			return ext
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bridge never registered the connection")
	return nil
}

func (e *fakeExtension) loop() {
	for {
		data, err := wsutil.ReadServerText(e.conn)
		if err != nil {
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch protocol.Classify(f) {
		case protocol.KindPing:
			e.send(protocol.Pong())
		case protocol.KindPong:
			e.mu.Lock()
			e.pongs++
			e.mu.Unlock()
		case protocol.KindCommand:
			cmd, err := protocol.DecodeCommand(f)
			if err != nil {
				continue
			}
			e.mu.Lock()
			e.commands = append(e.commands, cmd)
			e.mu.Unlock()
			if e.reply == nil {
				continue
			}
			result, errMsg := e.reply(cmd)
			if errMsg != nil {
				e.send(protocol.ErrorResponse(*f.ID, *errMsg))
			} else if result != nil {
				e.send(protocol.Result(*f.ID, result))
			}
		}
	}
}

func (e *fakeExtension) send(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		e.t.Errorf("encode: %v", err)
		return
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = wsutil.WriteClientText(e.conn, data)
}

func (e *fakeExtension) seen() []protocol.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Command(nil), e.commands...)
}

func strPtr(s string) *string { return &s }

func evalResult(value string) json.RawMessage {
	return json.RawMessage(`{"result":{"type":"string","value":` + value + `}}`)
}

func TestHealthHandler(t *testing.T) {
	_, srv := newTestBridge(t, Options{})
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		req, _ := http.NewRequest(method, srv.URL+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s /health: %v", method, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s /health = %d; want 200", method, resp.StatusCode)
		}
	}
}

func TestSendCommandWithoutExtension(t *testing.T) {
	s := NewServer(Options{})
	_, err := s.SendCommand(context.Background(), "Runtime.evaluate", nil)
	if !agenterr.HasCode(err, agenterr.CodeNotConnected) {
		t.Fatalf("SendCommand error = %v; want %s", err, agenterr.CodeNotConnected)
	}
	if got := s.OverlaySettings(context.Background()); got.OverlayClickOpacity != 75 {
		t.Fatalf("OverlaySettings() without extension = %+v; want defaults", got)
	}
}

func TestNavigateTracksActiveSession(t *testing.T) {
	s, srv := newTestBridge(t, Options{})
	ext := dialExtension(t, s, srv, func(cmd protocol.Command) (json.RawMessage, *string) {
		switch cmd.Method {
		case protocol.MethodEnsureTab:
			return json.RawMessage(`{"targetId":"T1","sessionId":"cb-tab-4"}`), nil
		case protocol.MethodGetOverlaySettings:
			return nil, strPtr("unsupported")
		case "Runtime.evaluate":
			return evalResult(`"Clicked: #go"`), nil
		}
		return nil, strPtr("unexpected " + cmd.Method)
	})
	ctx := context.Background()

	res, err := s.Navigate(ctx, "https://example.com")
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if res.SessionID != "cb-tab-4" || s.Status().ActiveSessionID != "cb-tab-4" {
		t.Fatalf("Navigate = %+v, active = %q", res, s.Status().ActiveSessionID)
	}

	msg, err := s.Click(ctx, "#go")
	if err != nil || msg != "Clicked: #go" {
		t.Fatalf("Click = %q, %v", msg, err)
	}

	cmds := ext.seen()
	if len(cmds) != 3 {
		t.Fatalf("commands = %+v; want ensureTab, getOverlaySettings, evaluate", cmds)
	}
	if cmds[0].SessionID != "" {
		t.Fatalf("first command carried session %q", cmds[0].SessionID)
	}
	for _, c := range cmds[1:] {
		if c.SessionID != "cb-tab-4" {
			t.Fatalf("%s sessionId = %q; want cb-tab-4", c.Method, c.SessionID)
		}
	}
	var params struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue"`
		AwaitPromise  bool   `json:"awaitPromise"`
	}
	if err := json.Unmarshal(cmds[2].Params, &params); err != nil {
		t.Fatal(err)
	}
	if !params.ReturnByValue || !params.AwaitPromise || !strings.Contains(params.Expression, `"#go"`) {
		t.Fatalf("evaluate params = %+v", params)
	}
}

func TestEvaluateException(t *testing.T) {
	s, srv := newTestBridge(t, Options{})
	dialExtension(t, s, srv, func(cmd protocol.Command) (json.RawMessage, *string) {
		return json.RawMessage(`{"result":{"type":"object"},"exceptionDetails":{"text":"Uncaught","exception":{"description":"Error: Element not found: #x"}}}`), nil
	})
	_, err := s.Evaluate(context.Background(), "boom()")
	if !agenterr.HasCode(err, agenterr.CodeElementExecution) || !strings.Contains(err.Error(), "Element not found") {
		t.Fatalf("Evaluate error = %v", err)
	}

	text, err := s.GetText(context.Background(), "")
	if !agenterr.HasCode(err, agenterr.CodeValidation) || text != nil {
		t.Fatalf("GetText(\"\") = %v, %v; want validation error", text, err)
	}
}

func TestErrorResponseAndTimeout(t *testing.T) {
	s, srv := newTestBridge(t, Options{CommandTimeout: 100 * time.Millisecond})
	dialExtension(t, s, srv, func(cmd protocol.Command) (json.RawMessage, *string) {
		if cmd.Method == "Slow.method" {
			return nil, nil
		}
		return nil, strPtr("NO_TARGET: no attached tab")
	})
	ctx := context.Background()

	_, err := s.SendCommand(ctx, "Page.reload", nil)
	if !agenterr.HasCode(err, agenterr.CodeBackend) || !strings.Contains(err.Error(), "no attached tab") {
		t.Fatalf("error response = %v", err)
	}

	_, err = s.SendCommand(ctx, "Slow.method", nil)
	if !agenterr.HasCode(err, agenterr.CodeCommandTimeout) || !strings.Contains(err.Error(), "Command Slow.method timed out") {
		t.Fatalf("timeout error = %v", err)
	}
	if n := s.Status().Pending; n != 0 {
		t.Fatalf("pending after timeout = %d; want 0", n)
	}
}

func TestDisconnectRejectsPending(t *testing.T) {
	s, srv := newTestBridge(t, Options{})
	ext := dialExtension(t, s, srv, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(context.Background(), "Never.answered", nil)
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(ext.seen()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = ext.conn.Close()

	select {
	case err := <-errCh:
		if !agenterr.HasCode(err, agenterr.CodeDisconnected) {
			t.Fatalf("SendCommand error = %v; want %s", err, agenterr.CodeDisconnected)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending command not rejected on disconnect")
	}
	deadline = time.Now().Add(2 * time.Second)
	for s.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st := s.Status(); st.Connected || st.ActiveSessionID != "" {
		t.Fatalf("status after disconnect = %+v", st)
	}
}

func TestNewerConnectionReplacesOlder(t *testing.T) {
	s, srv := newTestBridge(t, Options{})
	first := dialExtension(t, s, srv, nil)
	firstID := s.Status().ConnectionID

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(context.Background(), "Never.answered", nil)
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(first.seen()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second := dialExtension(t, s, srv, func(cmd protocol.Command) (json.RawMessage, *string) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	select {
	case err := <-errCh:
		if !agenterr.HasCode(err, agenterr.CodeDisconnected) {
			t.Fatalf("old pending error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("old pending command survived replacement")
	}

	st := s.Status()
	if st.ConnectionID == firstID || st.Replaced != 1 {
		t.Fatalf("status = %+v; want a new connection id and one replacement", st)
	}
	res, err := s.SendCommand(context.Background(), "Page.reload", nil)
	if err != nil || string(res) != `{"ok":true}` {
		t.Fatalf("SendCommand on new connection = %s, %v", res, err)
	}
	if len(second.seen()) != 1 {
		t.Fatalf("second connection commands = %d; want 1", len(second.seen()))
	}
	if !s.Connected() {
		t.Fatal("closing the old connection dropped the new one")
	}
}

func TestPingPongAndEvents(t *testing.T) {
	sink := &sinkRecorder{}
	s, srv := newTestBridge(t, Options{PingInterval: 20 * time.Millisecond, Events: sink})
	ext := dialExtension(t, s, srv, nil)

	ext.send(protocol.Ping())
	ev, err := protocol.EventFrame(protocol.Event{SessionID: "cb-tab-1", Method: "Page.loadEventFired"})
	if err != nil {
		t.Fatal(err)
	}
	ext.send(ev)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ext.mu.Lock()
		pongs := ext.pongs
		ext.mu.Unlock()
		if pongs > 0 && sink.len() == 1 && s.Status().LastPong != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ext.mu.Lock()
	pongs := ext.pongs
	ext.mu.Unlock()
	if pongs == 0 {
		t.Fatal("ping was not answered with pong")
	}
	sink.mu.Lock()
	events := append([]protocol.Event(nil), sink.events...)
	sink.mu.Unlock()
	if len(events) != 1 || events[0].Method != "Page.loadEventFired" || events[0].SessionID != "cb-tab-1" {
		t.Fatalf("events = %+v", events)
	}
	if s.Status().LastPong == nil {
		t.Fatal("keepalive pings never got a pong")
	}
}

func TestNormalizeOverlay(t *testing.T) {
	cfg := normalizeOverlay(json.RawMessage(`{"overlayClickEnabled":false,"overlayClickOpacity":"40","overlayTypeEnabled":"no","overlayTypeOpacity":0,"overlayTextOpacity":250}`))
	if cfg.OverlayClickEnabled || cfg.OverlayClickOpacity != 40 {
		t.Fatalf("click = %v/%d; want false/40", cfg.OverlayClickEnabled, cfg.OverlayClickOpacity)
	}
	if !cfg.OverlayTypeEnabled || cfg.OverlayTypeOpacity != 75 {
		t.Fatalf("type = %v/%d; want true/75", cfg.OverlayTypeEnabled, cfg.OverlayTypeOpacity)
	}
	if !cfg.OverlayTextEnabled || cfg.OverlayTextOpacity != 50 {
		t.Fatalf("text = %v/%d; want true/50", cfg.OverlayTextEnabled, cfg.OverlayTextOpacity)
	}
	if got := normalizeOverlay(json.RawMessage(`[]`)); got.OverlayTypeOpacity != 75 {
		t.Fatalf("non-object settings = %+v; want defaults", got)
	}
}

func TestToolsReportErrors(t *testing.T) {
	s := NewServer(Options{})
	var names []string
	tools := map[string]Tool{}
	for _, tool := range s.Tools() {
		names = append(names, tool.Name)
		tools[tool.Name] = tool
	}
	want := "navigate,use_current_tab,click,type_text,get_text,evaluate_script,get_interactive_elements,clear_overlays"
	if strings.Join(names, ",") != want {
		t.Fatalf("tools = %v", names)
	}

	handler := wrapTool(tools["click"])
	req := mcp.CallToolRequest{}
	req.Params.Name = "click"
	req.Params.Arguments = map[string]any{"selector": "#go"}
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if !res.IsError || len(res.Content) != 1 {
		t.Fatalf("result = %+v; want one error content", res)
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok || !strings.Contains(text.Text, "Extension not connected") {
		t.Fatalf("content = %#v", res.Content[0])
	}
}
