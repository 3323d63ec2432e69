// Package relaylink owns the agent's single websocket connection to the bridge.
package relaylink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/sync/singleflight"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/pending"
	"github.com/vaishnavucv/domagent/internal/protocol"
)

const (
	defaultPreflightTimeout = 2 * time.Second
	defaultConnectTimeout   = 5 * time.Second
	defaultCommandTimeout   = 30 * time.Second
)

// Handler runs forwarded commands.
type Handler interface {
	HandleCommand(ctx context.Context, cmd protocol.Command) (json.RawMessage, error)
}

type Options struct {
	// BaseURL is probed before dialing, e.g. "http://127.0.0.1:18792".
	BaseURL string
	// WSURL is the bridge's extension endpoint, e.g. "ws://127.0.0.1:18792/extension".
	WSURL string

	PreflightTimeout time.Duration
	ConnectTimeout   time.Duration
	// CommandTimeout bounds a forwarded command and a Request round-trip.
	CommandTimeout time.Duration

	HTTPClient *http.Client
	Handler    Handler
	// OnClosed runs once per connection after pending requests are rejected.
	OnClosed func(reason string)
}

// Link is the agent end of the bridge connection.
type Link struct {
	opts    Options
	pending *pending.Table
	group   singleflight.Group

	mu   sync.Mutex
	conn net.Conn

	writeMu sync.Mutex
}

func New(opts Options) *Link {
	if opts.PreflightTimeout <= 0 {
		opts.PreflightTimeout = defaultPreflightTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Link{opts: opts, pending: pending.NewTable()}
}

// SetHandler installs the command handler. It must be called before Connect.
func (l *Link) SetHandler(h Handler) { l.opts.Handler = h }

// SetOnClosed installs the close callback. It must be called before Connect.
func (l *Link) SetOnClosed(fn func(reason string)) { l.opts.OnClosed = fn }

func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Connect opens the link. Concurrent callers share one in-flight attempt.
func (l *Link) Connect(ctx context.Context) error {
	if l.IsOpen() {
		return nil
	}
	_, err, _ := l.group.Do("connect", func() (any, error) {
		if l.IsOpen() {
			return nil, nil
		}
		return nil, l.dial(ctx)
	})
	return err
}

func (l *Link) dial(ctx context.Context) error {
	slog.Info("relaylink connect start", "url", l.opts.WSURL)
	if err := l.preflight(ctx); err != nil {
		slog.Warn("relaylink preflight failed", "base_url", l.opts.BaseURL, "error", err)
		return agenterr.New(agenterr.CodeConnection,
			fmt.Sprintf("relay server not reachable at %s", l.opts.BaseURL), err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()
	conn, _, _, err := ws.Dial(dialCtx, l.opts.WSURL)
	if err != nil {
		slog.Warn("relaylink dial failed", "url", l.opts.WSURL, "error", err)
		return agenterr.New(agenterr.CodeConnection,
			fmt.Sprintf("websocket connect to %s failed", l.opts.WSURL), err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	go l.readLoop(conn)

	slog.Info("relaylink connected", "url", l.opts.WSURL)
	return nil
}

// preflight probes the bridge with HEAD on its base address, then GET /health.
func (l *Link) preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.PreflightTimeout)
	defer cancel()

	var lastErr error
	for _, probe := range []struct{ method, path string }{
		{http.MethodHead, "/"},
		{http.MethodGet, "/health"},
	} {
		req, err := http.NewRequestWithContext(ctx, probe.method, l.opts.BaseURL+probe.path, nil)
		if err != nil {
			return err
		}
		resp, err := l.opts.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("%s %s: HTTP %d", probe.method, probe.path, resp.StatusCode)
	}
	return lastErr
}

// Close shuts the link down as if the bridge had closed it.
func (l *Link) Close() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	l.writeMu.Lock()
	_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	l.writeMu.Unlock()
	l.handleClose(conn, "client closed")
}

// readLoop handles inbound frames in arrival order.
func (l *Link) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			l.handleClose(conn, closeReason(err))
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("relaylink bad frame", "error", err)
			continue
		}

		switch protocol.Classify(f) {
		case protocol.KindPing:
			if err := l.Send(protocol.Pong()); err != nil {
				slog.Debug("relaylink pong failed", "error", err)
			}
		case protocol.KindPong:
		case protocol.KindResponse:
			l.settle(f)
		case protocol.KindCommand:
			go l.runCommand(f)
		default:
			slog.Debug("relaylink ignored frame", "method", f.Method)
		}
	}
}

func (l *Link) settle(f protocol.Frame) {
	id := *f.ID
	var ok bool
	if f.Error != nil {
		ok = l.pending.Reject(id, agenterr.New(agenterr.CodeBackend, *f.Error, nil))
	} else {
		ok = l.pending.Resolve(id, f.Result)
	}
	if !ok {
		slog.Debug("relaylink response without pending request", "id", id)
	}
}

func (l *Link) runCommand(f protocol.Frame) {
	id := *f.ID
	cmd, err := protocol.DecodeCommand(f)
	if err != nil {
		l.reply(protocol.ErrorResponse(id, err.Error()))
		return
	}
	if l.opts.Handler == nil {
		l.reply(protocol.ErrorResponse(id, "no command handler"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.CommandTimeout)
	defer cancel()
	start := time.Now()
	result, err := l.opts.Handler.HandleCommand(ctx, cmd)
	if err != nil {
		if agenterr.CodeOf(err) == "" && errors.Is(err, context.DeadlineExceeded) {
			err = agenterr.New(agenterr.CodeCommandTimeout, fmt.Sprintf("%s timed out after %s", cmd.Method, l.opts.CommandTimeout), err)
		}
		slog.Debug("relaylink command failed", "id", id, "method", cmd.Method, "error", err)
		l.reply(protocol.ErrorResponse(id, err.Error()))
		return
	}
	slog.Debug("relaylink command ok", "id", id, "method", cmd.Method, "elapsed", time.Since(start))
	l.reply(protocol.Result(id, result))
}

func (l *Link) reply(f protocol.Frame) {
	if err := l.Send(f); err != nil {
		slog.Debug("relaylink reply dropped", "error", err)
	}
}

// Send writes one frame. It fails when the link is not open.
func (l *Link) Send(f protocol.Frame) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return agenterr.New(agenterr.CodeNotConnected, "relay not connected", nil)
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return fmt.Errorf("relaylink: send: %w", err)
	}
	return nil
}

// SendEvent forwards a backend event to the bridge.
func (l *Link) SendEvent(ev protocol.Event) error {
	f, err := protocol.EventFrame(ev)
	if err != nil {
		return err
	}
	return l.Send(f)
}

// Request sends a forwarded command to the bridge and waits for the correlated response.
func (l *Link) Request(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
	id := l.pending.NextID()
	req := l.pending.Register(id, l.opts.CommandTimeout)
	f, err := protocol.CommandFrame(id, cmd)
	if err != nil {
		l.pending.Reject(id, err)
		return nil, err
	}
	if err := l.Send(f); err != nil {
		l.pending.Reject(id, err)
		return nil, err
	}
	return req.Wait(ctx)
}

// Pending returns the number of outstanding requests.
func (l *Link) Pending() int {
	return l.pending.Len()
}

func (l *Link) handleClose(conn net.Conn, reason string) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.mu.Unlock()
	_ = conn.Close()

	n := l.pending.RejectAll(agenterr.New(agenterr.CodeDisconnected,
		fmt.Sprintf("Bridge disconnected (%s)", reason), nil))
	slog.Warn("relaylink closed", "reason", reason, "rejected", n)
	if l.opts.OnClosed != nil {
		l.opts.OnClosed(reason)
	}
}

func closeReason(err error) string {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		reason := closed.Reason
		if reason == "" {
			reason = "no reason"
		}
		return fmt.Sprintf("%d %s", closed.Code, reason)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return "connection closed"
	}
	return err.Error()
}
