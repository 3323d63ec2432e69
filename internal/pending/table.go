// Package pending correlates outstanding requests with their responses.
package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaishnavucv/domagent/internal/agenterr"
)

type outcome struct {
	value json.RawMessage
	err   error
}

// Request is the future returned by Register.
type Request struct {
	ID        int64
	CreatedAt time.Time

	done  chan outcome
	timer *time.Timer
}

// Wait blocks until the request settles or ctx ends. Ending ctx does not
// remove the entry; its own timeout or a response still settles it.
func (r *Request) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case o := <-r.done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Table maps correlation ids to pending requests. Every entry settles exactly
// once: by response, by its own timeout, or by RejectAll.
type Table struct {
	seq atomic.Int64

	mu      sync.Mutex
	entries map[int64]*Request
}

func NewTable() *Table {
	return &Table{entries: make(map[int64]*Request)}
}

// NextID returns the next correlation id. Ids start at 1 and never repeat.
func (t *Table) NextID() int64 {
	return t.seq.Add(1)
}

// Register adds a pending entry that rejects itself with a COMMAND_TIMEOUT
// error after timeout. A non-positive timeout disables the timer.
func (t *Table) Register(id int64, timeout time.Duration) *Request {
	req := &Request{ID: id, CreatedAt: time.Now(), done: make(chan outcome, 1)}

	t.mu.Lock()
	if old, ok := t.entries[id]; ok {
		t.settleLocked(old, outcome{err: fmt.Errorf("pending: id %d re-registered", id)})
	}
	t.entries[id] = req
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() {
			t.Reject(id, agenterr.New(agenterr.CodeCommandTimeout,
				fmt.Sprintf("request %d timed out after %s", id, timeout), nil))
		})
	}
	t.mu.Unlock()
	return req
}

// Resolve settles id with value. It reports false when id is not registered,
// which is how late responses are discarded.
func (t *Table) Resolve(id int64, value json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.entries[id]
	if !ok {
		return false
	}
	t.settleLocked(req, outcome{value: value})
	return true
}

// Reject settles id with err.
func (t *Table) Reject(id int64, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.entries[id]
	if !ok {
		return false
	}
	t.settleLocked(req, outcome{err: err})
	return true
}

// RejectAll settles every entry with err and returns how many were rejected.
func (t *Table) RejectAll(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, req := range t.entries {
		t.settleLocked(req, outcome{err: err})
		n++
	}
	return n
}

// Len returns the number of outstanding entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) settleLocked(req *Request, o outcome) {
	if t.entries[req.ID] == req {
		delete(t.entries, req.ID)
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	select {
	case req.done <- o:
	default:
	}
}
