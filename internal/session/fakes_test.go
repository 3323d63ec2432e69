package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vaishnavucv/domagent/internal/protocol"
	"github.com/vaishnavucv/domagent/internal/statestore"
)

type sentCommand struct {
	Tab     TabID
	Session string
	Method  string
	Params  string
}

// fakeBackend implements Browser and Controller over an in-memory tab table.
type fakeBackend struct {
	mu          sync.Mutex
	tabs        map[TabID]*Tab
	active      TabID
	nextID      TabID
	attached    map[TabID]bool
	targets     map[TabID]string
	attachCalls int
	attachDelay time.Duration
	attachErr   error
	noTargetID  bool
	createCalls int
	createErr   error
	removeErr   error
	navigations []string
	activated   []TabID
	commands    []sentCommand
	detaches    []TabID
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tabs:     make(map[TabID]*Tab),
		attached: make(map[TabID]bool),
		targets:  make(map[TabID]string),
		nextID:   100,
	}
}

func (f *fakeBackend) addTab(url string) TabID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.tabs[id] = &Tab{ID: id, URL: url, Title: "tab " + url}
	f.active = id
	return id
}

func (f *fakeBackend) closeTab(id TabID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tabs, id)
	delete(f.attached, id)
}

func (f *fakeBackend) GetTab(_ context.Context, id TabID) (Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[id]
	if !ok {
		return Tab{}, fmt.Errorf("no tab with id %d", id)
	}
	return *t, nil
}

func (f *fakeBackend) ActiveTab(_ context.Context) (Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[f.active]
	if !ok {
		return Tab{}, errors.New("no active tab")
	}
	return *t, nil
}

func (f *fakeBackend) ListTabs(_ context.Context) ([]Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Tab
	for _, t := range f.tabs {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeBackend) CreateTab(_ context.Context, url string) (Tab, error) {
	f.mu.Lock()
	f.createCalls++
	err := f.createErr
	f.mu.Unlock()
	if err != nil {
		return Tab{}, err
	}
	id := f.addTab(url)
	return f.GetTab(context.Background(), id)
}

func (f *fakeBackend) NavigateTab(_ context.Context, id TabID, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[id]
	if !ok {
		return fmt.Errorf("no tab with id %d", id)
	}
	t.URL = url
	f.navigations = append(f.navigations, url)
	return nil
}

func (f *fakeBackend) ActivateTab(_ context.Context, id TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tabs[id]; !ok {
		return fmt.Errorf("no tab with id %d", id)
	}
	f.active = id
	f.activated = append(f.activated, id)
	return nil
}

func (f *fakeBackend) RemoveTab(_ context.Context, id TabID) error {
	f.mu.Lock()
	err := f.removeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.closeTab(id)
	return nil
}

func (f *fakeBackend) WaitForLoad(context.Context, TabID) error { return nil }

func (f *fakeBackend) Attach(_ context.Context, id TabID) error {
	f.mu.Lock()
	f.attachCalls++
	delay, err := f.attachDelay, f.attachErr
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tabs[id]; !ok {
		return fmt.Errorf("no tab with id %d", id)
	}
	f.attached[id] = true
	return nil
}

func (f *fakeBackend) Detach(_ context.Context, id TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detaches = append(f.detaches, id)
	if !f.attached[id] {
		return errors.New("not attached")
	}
	delete(f.attached, id)
	return nil
}

func (f *fakeBackend) TargetInfo(_ context.Context, id TabID) (TargetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noTargetID {
		return TargetInfo{}, nil
	}
	t, ok := f.tabs[id]
	if !ok {
		return TargetInfo{}, fmt.Errorf("no tab with id %d", id)
	}
	tid := f.targets[id]
	if tid == "" {
		tid = fmt.Sprintf("T%d", id)
	}
	return TargetInfo{TargetID: tid, Type: "page", URL: t.URL, Title: t.Title}, nil
}

func (f *fakeBackend) SendCommand(_ context.Context, id TabID, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, sentCommand{Tab: id, Session: sessionID, Method: method, Params: string(params)})
	return json.RawMessage(fmt.Sprintf(`{"tab":%d}`, id)), nil
}

func (f *fakeBackend) counts() (attach, create int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachCalls, f.createCalls
}

// queryingBackend adds an authoritative attachment status query.
type queryingBackend struct {
	*fakeBackend
}

func (q queryingBackend) IsAttached(_ context.Context, id TabID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attached[id], nil
}

type fakeLink struct {
	mu         sync.Mutex
	open       bool
	connectErr error
	connects   int
	events     []protocol.Event
}

func (l *fakeLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *fakeLink) Connect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	if l.connectErr != nil {
		return l.connectErr
	}
	l.open = true
	return nil
}

func (l *fakeLink) SendEvent(ev protocol.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return errors.New("not connected")
	}
	l.events = append(l.events, ev)
	return nil
}

func (l *fakeLink) sent() []protocol.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Event(nil), l.events...)
}

func (l *fakeLink) methods() []string {
	var out []string
	for _, ev := range l.sent() {
		out = append(out, ev.Method)
	}
	return out
}

type harness struct {
	m       *Manager
	backend *fakeBackend
	link    *fakeLink
	state   *statestore.State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil, nil)
}

// newHarnessWith builds a manager over fakes. wrap, when set, builds the
// controller from the fake backend; state overrides the persisted store.
func newHarnessWith(t *testing.T, wrap func(*fakeBackend) Controller, state *statestore.State) *harness {
	t.Helper()
	backend := newFakeBackend()
	link := &fakeLink{open: true}
	if state == nil {
		state = statestore.New(statestore.NewMemoryStore())
	}
	var ctl Controller = backend
	if wrap != nil {
		ctl = wrap(backend)
	}
	m := NewManager(Options{
		Browser:        backend,
		Controller:     ctl,
		Link:           link,
		Store:          state,
		TabLoadTimeout: 50 * time.Millisecond,
		CommandTimeout: time.Second,
	})
	t.Cleanup(m.Close)
	return &harness{m: m, backend: backend, link: link, state: state}
}

func (h *harness) persistedTab(t *testing.T) (TabID, bool) {
	t.Helper()
	ref, ok, err := h.state.LoadAutomationTab(context.Background())
	if err != nil {
		t.Fatalf("LoadAutomationTab() error: %v", err)
	}
	return TabID(ref.TabID), ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
