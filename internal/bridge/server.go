// Package bridge is the server end of the extension link. It accepts the
// agent's websocket, forwards commands to it and fans its events out.
package bridge

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/netutil"
	"github.com/vaishnavucv/domagent/internal/pending"
	"github.com/vaishnavucv/domagent/internal/protocol"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultPingInterval   = 20 * time.Second
)

// EventSink receives events forwarded by the extension.
type EventSink interface {
	Publish(ev protocol.Event)
}

type Options struct {
	CommandTimeout time.Duration
	PingInterval   time.Duration
	Events         EventSink
	// AllowRemote accepts extension connections from non-loopback peers.
	AllowRemote bool
}

// Server tracks the one live extension connection. A newer connection
// replaces the older one.
type Server struct {
	opts    Options
	pending *pending.Table

	mu              sync.Mutex
	conn            net.Conn
	connID          string
	connectedAt     time.Time
	lastPong        time.Time
	activeSessionID string

	writeMu sync.Mutex

	commands  atomic.Int64
	events    atomic.Int64
	replaced  atomic.Int64
	rejected  atomic.Int64
	malformed atomic.Int64
}

func NewServer(opts Options) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Server{opts: opts, pending: pending.NewTable()}
}

// HealthHandler answers HEAD and GET with a plain 200 "OK". The agent probes
// it before dialing.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte("OK"))
	}
}

// ServeExtension upgrades the request and serves the connection until it
// closes or is replaced.
func (s *Server) ServeExtension(w http.ResponseWriter, r *http.Request) {
	if !s.opts.AllowRemote {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || !netutil.IsLoopbackHost(host) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Warn("bridge extension upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.connID = id
	s.connectedAt = time.Now()
	s.lastPong = time.Time{}
	s.activeSessionID = ""
	if old != nil {
		s.rejectPending("Extension connection replaced")
	}
	s.mu.Unlock()

	if old != nil {
		s.replaced.Add(1)
		_ = old.Close()
	}
	slog.Info("bridge extension connected", "conn_id", id, "remote", r.RemoteAddr)

	stopPing := make(chan struct{})
	go s.pingLoop(conn, stopPing)

	err = s.readLoop(conn)
	close(stopPing)
	s.handleClose(conn, id, err)
}

// Connected reports whether an extension connection is live.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close drops the live connection.
func (s *Server) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Server) readLoop(conn net.Conn) error {
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return err
		}
		s.handleFrame(conn, data)
	}
}

func (s *Server) handleFrame(conn net.Conn, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.malformed.Add(1)
		slog.Debug("bridge frame dropped", "error", err)
		return
	}

	switch protocol.Classify(frame) {
	case protocol.KindPing:
		if err := s.write(conn, protocol.Pong()); err != nil {
			slog.Debug("bridge pong failed", "error", err)
		}
	case protocol.KindPong:
		s.mu.Lock()
		if s.conn == conn {
			s.lastPong = time.Now()
		}
		s.mu.Unlock()
	case protocol.KindResponse:
		s.settle(frame)
	case protocol.KindEvent:
		ev, err := protocol.DecodeEvent(frame)
		if err != nil {
			s.malformed.Add(1)
			slog.Debug("bridge event dropped", "error", err)
			return
		}
		s.events.Add(1)
		if s.opts.Events != nil {
			s.opts.Events.Publish(ev)
		}
	default:
		slog.Debug("bridge frame ignored", "method", frame.Method)
	}
}

func (s *Server) settle(frame protocol.Frame) {
	id := *frame.ID
	var ok bool
	if frame.Error != nil {
		ok = s.pending.Reject(id, agenterr.New(agenterr.CodeBackend, *frame.Error, nil))
	} else {
		ok = s.pending.Resolve(id, frame.Result)
	}
	if !ok {
		slog.Debug("bridge late response discarded", "id", id)
	}
}

func (s *Server) pingLoop(conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.write(conn, protocol.Ping()); err != nil {
				slog.Debug("bridge ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) write(conn net.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteServerText(conn, data)
}

// handleClose clears the connection if it is still the live one.
func (s *Server) handleClose(conn net.Conn, id string, err error) {
	_ = conn.Close()

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		slog.Debug("bridge replaced connection ended", "conn_id", id)
		return
	}
	s.conn = nil
	s.connID = ""
	s.activeSessionID = ""
	s.mu.Unlock()

	n := s.rejectPending("Extension disconnected")
	slog.Info("bridge extension disconnected", "conn_id", id, "reason", closeReason(err), "rejected", n)
}

func (s *Server) rejectPending(msg string) int {
	n := s.pending.RejectAll(agenterr.New(agenterr.CodeDisconnected, msg, nil))
	s.rejected.Add(int64(n))
	return n
}

func closeReason(err error) string {
	var closed wsutil.ClosedError
	switch {
	case err == nil:
		return "closed"
	case errors.As(err, &closed):
		if closed.Reason == "" {
			return "close frame"
		}
		return closed.Reason
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return "connection closed"
	default:
		return err.Error()
	}
}
