package relaylink

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/protocol"
)

type fakeBridge struct {
	srv        *httptest.Server
	headStatus int
	upgrades   atomic.Int32
	conns      chan net.Conn
}

func newFakeBridge(t *testing.T, headStatus int) *fakeBridge {
	t.Helper()
	b := &fakeBridge{headStatus: headStatus, conns: make(chan net.Conn, 8)}
	mux := http.NewServeMux()
	mux.HandleFunc("/extension", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		b.upgrades.Add(1)
		b.conns <- conn
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(b.headStatus)
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.srv.Close()
		for {
			select {
			case c := <-b.conns:
				c.Close()
			default:
				return
			}
		}
	})
	return b
}

func (b *fakeBridge) options() Options {
	return Options{
		BaseURL:        b.srv.URL,
		WSURL:          "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/extension",
		CommandTimeout: 2 * time.Second,
	}
}

func (b *fakeBridge) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection accepted")
		return nil
	}
}

func readFrame(t *testing.T, conn net.Conn) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadClientText(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return f
}

func writeFrame(t *testing.T, conn net.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wsutil.WriteServerText(conn, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

type handlerFunc func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error)

func (f handlerFunc) HandleCommand(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
	return f(ctx, cmd)
}

func TestConnectPreflightFailure(t *testing.T) {
	b := newFakeBridge(t, http.StatusServiceUnavailable)
	l := New(b.options())

	err := l.Connect(context.Background())
	if !agenterr.HasCode(err, agenterr.CodeConnection) {
		t.Fatalf("Connect error = %v; want %s", err, agenterr.CodeConnection)
	}
	if got := b.upgrades.Load(); got != 0 {
		t.Fatalf("upgrades = %d; want 0", got)
	}
	if l.IsOpen() {
		t.Fatal("IsOpen = true after failed preflight")
	}
}

func TestConnectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	l := New(Options{BaseURL: "http://" + addr, WSURL: "ws://" + addr + "/extension"})
	err = l.Connect(context.Background())
	if !agenterr.HasCode(err, agenterr.CodeConnection) {
		t.Fatalf("Connect error = %v; want %s", err, agenterr.CodeConnection)
	}
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	b := newFakeBridge(t, http.StatusOK)
	l := New(b.options())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	b.accept(t)
	if got := b.upgrades.Load(); got != 1 {
		t.Fatalf("upgrades = %d; want 1", got)
	}
	if !l.IsOpen() {
		t.Fatal("IsOpen = false after Connect")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	b := newFakeBridge(t, http.StatusOK)
	l := New(b.options())
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := b.accept(t)

	writeFrame(t, conn, protocol.Ping())
	f := readFrame(t, conn)
	if f.Method != protocol.MethodPong {
		t.Fatalf("reply method = %q; want %q", f.Method, protocol.MethodPong)
	}
}

func TestForwardedCommandRoundTrip(t *testing.T) {
	b := newFakeBridge(t, http.StatusOK)
	opts := b.options()
	opts.Handler = handlerFunc(func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
		if cmd.Method == "Fail.me" {
			return nil, agenterr.New(agenterr.CodeNoTarget, "no attached tab for method Fail.me", nil)
		}
		return json.RawMessage(`{"echo":"` + cmd.Method + `"}`), nil
	})
	l := New(opts)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := b.accept(t)

	ok, err := protocol.CommandFrame(7, protocol.Command{Method: "Runtime.evaluate"})
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, conn, ok)
	f := readFrame(t, conn)
	if f.ID == nil || *f.ID != 7 {
		t.Fatalf("reply id = %v; want 7", f.ID)
	}
	if string(f.Result) != `{"echo":"Runtime.evaluate"}` {
		t.Fatalf("reply result = %s", f.Result)
	}

	bad, err := protocol.CommandFrame(8, protocol.Command{Method: "Fail.me"})
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, conn, bad)
	f = readFrame(t, conn)
	if f.ID == nil || *f.ID != 8 || f.Error == nil {
		t.Fatalf("reply = %+v; want error for id 8", f)
	}
	if !strings.Contains(*f.Error, "no attached tab") {
		t.Fatalf("reply error = %q", *f.Error)
	}
}

func TestRequestResolvedByResponse(t *testing.T) {
	b := newFakeBridge(t, http.StatusOK)
	l := New(b.options())
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := b.accept(t)

	type out struct {
		raw json.RawMessage
		err error
	}
	done := make(chan out, 1)
	go func() {
		raw, err := l.Request(context.Background(), protocol.Command{Method: "Browser.getVersion"})
		done <- out{raw, err}
	}()

	f := readFrame(t, conn)
	if f.Method != protocol.MethodForwardCommand || f.ID == nil {
		t.Fatalf("request frame = %+v", f)
	}
	writeFrame(t, conn, protocol.Result(*f.ID, json.RawMessage(`{"product":"x"}`)))

	got := <-done
	if got.err != nil {
		t.Fatalf("Request: %v", got.err)
	}
	if string(got.raw) != `{"product":"x"}` {
		t.Fatalf("Request result = %s", got.raw)
	}
}

func TestCloseRejectsPendingAndNotifies(t *testing.T) {
	b := newFakeBridge(t, http.StatusOK)
	reasons := make(chan string, 2)
	opts := b.options()
	opts.OnClosed = func(reason string) { reasons <- reason }
	l := New(opts)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := b.accept(t)

	errc := make(chan error, 1)
	go func() {
		_, err := l.Request(context.Background(), protocol.Command{Method: "Page.reload"})
		errc <- err
	}()
	readFrame(t, conn)

	body := ws.NewCloseFrameBody(ws.StatusGoingAway, "bye")
	if err := wsutil.WriteServerMessage(conn, ws.OpClose, body); err != nil {
		t.Fatalf("write close: %v", err)
	}

	select {
	case err := <-errc:
		if !agenterr.HasCode(err, agenterr.CodeDisconnected) {
			t.Fatalf("Request error = %v; want %s", err, agenterr.CodeDisconnected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not rejected")
	}
	select {
	case reason := <-reasons:
		if !strings.Contains(reason, "bye") {
			t.Fatalf("close reason = %q; want it to mention bye", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed not called")
	}
	if l.IsOpen() {
		t.Fatal("IsOpen = true after close")
	}
	if l.Pending() != 0 {
		t.Fatalf("Pending = %d; want 0", l.Pending())
	}
}

func TestSendWhenClosed(t *testing.T) {
	l := New(Options{BaseURL: "http://127.0.0.1:1", WSURL: "ws://127.0.0.1:1/extension"})
	err := l.SendEvent(protocol.Event{Method: "Page.loadEventFired"})
	if !agenterr.HasCode(err, agenterr.CodeNotConnected) {
		t.Fatalf("SendEvent error = %v; want %s", err, agenterr.CodeNotConnected)
	}
	if _, err := l.Request(context.Background(), protocol.Command{Method: "x"}); !agenterr.HasCode(err, agenterr.CodeNotConnected) {
		t.Fatalf("Request error = %v; want %s", err, agenterr.CodeNotConnected)
	}
}
