package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/protocol"
)

func TestConcurrentAttachSharesOneBackendAttach(t *testing.T) {
	h := newHarness(t)
	tab := h.backend.addTab("https://a.test")
	h.backend.attachDelay = 30 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]Attachment, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.m.Attach(context.Background(), tab, AttachOptions{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Attach #%d error: %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Fatalf("results differ: %+v vs %+v", results[0], results[1])
	}
	if attach, _ := h.backend.counts(); attach != 1 {
		t.Fatalf("backend attach calls = %d; want 1", attach)
	}
}

func TestAttachFastPathIsIdempotent(t *testing.T) {
	h := newHarness(t)
	tab := h.backend.addTab("https://a.test")

	first, err := h.m.Attach(context.Background(), tab, AttachOptions{})
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	second, err := h.m.Attach(context.Background(), tab, AttachOptions{})
	if err != nil {
		t.Fatalf("second Attach() error: %v", err)
	}
	if first != second {
		t.Fatalf("second attach = %+v; want %+v", second, first)
	}
	if first.SessionID != "cb-tab-1" || first.TargetID == "" {
		t.Fatalf("attachment = %+v; want cb-tab-1 with a target", first)
	}
	if attach, _ := h.backend.counts(); attach != 1 {
		t.Fatalf("backend attach calls = %d; want 1", attach)
	}
	if got := h.link.methods(); len(got) != 1 || got[0] != "Target.attachedToTarget" {
		t.Fatalf("events = %v; want one attachedToTarget", got)
	}
}

func TestAttachedEventCarriesTargetInfo(t *testing.T) {
	h := newHarness(t)
	tab := h.backend.addTab("https://a.test")
	att, err := h.m.Attach(context.Background(), tab, AttachOptions{})
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	ev := h.link.sent()[0]
	if ev.SessionID != "" {
		t.Fatalf("outer sessionId = %q; want empty", ev.SessionID)
	}
	var params struct {
		SessionID  string `json:"sessionId"`
		TargetInfo struct {
			TargetID string `json:"targetId"`
			Attached bool   `json:"attached"`
			URL      string `json:"url"`
		} `json:"targetInfo"`
		WaitingForDebugger bool `json:"waitingForDebugger"`
	}
	if err := json.Unmarshal(ev.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.SessionID != att.SessionID || params.TargetInfo.TargetID != att.TargetID {
		t.Fatalf("params = %+v; want session %s target %s", params, att.SessionID, att.TargetID)
	}
	if !params.TargetInfo.Attached || params.TargetInfo.URL != "https://a.test" {
		t.Fatalf("targetInfo = %+v; want attached with url", params.TargetInfo)
	}
}

func TestAttachToleratesAlreadyAttached(t *testing.T) {
	h := newHarness(t)
	tab := h.backend.addTab("https://a.test")
	h.backend.attachErr = errors.New("Another debugger is already attached to the tab with id: 101.")

	if _, err := h.m.Attach(context.Background(), tab, AttachOptions{}); err != nil {
		t.Fatalf("Attach() error: %v; want tolerated", err)
	}

	h2 := newHarness(t)
	tab2 := h2.backend.addTab("https://b.test")
	h2.backend.attachErr = ErrAlreadyAttached
	if _, err := h2.m.Attach(context.Background(), tab2, AttachOptions{}); err != nil {
		t.Fatalf("Attach() with sentinel error: %v; want tolerated", err)
	}
}

func TestAttachQueriesStatusBeforeAttaching(t *testing.T) {
	h := newHarnessWith(t, func(b *fakeBackend) Controller { return queryingBackend{b} }, nil)
	tab := h.backend.addTab("https://a.test")
	h.backend.attached[tab] = true

	if _, err := h.m.Attach(context.Background(), tab, AttachOptions{}); err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	if attach, _ := h.backend.counts(); attach != 0 {
		t.Fatalf("backend attach calls = %d; want 0 for an already attached tab", attach)
	}
}

func TestAttachFailures(t *testing.T) {
	h := newHarness(t)
	tab := h.backend.addTab("https://a.test")
	h.backend.attachErr = errors.New("Cannot access a chrome:// URL")

	_, err := h.m.Attach(context.Background(), tab, AttachOptions{})
	if !agenterr.HasCode(err, agenterr.CodeAttach) {
		t.Fatalf("Attach() error = %v; want ATTACH_FAILED", err)
	}
	if _, ok := h.m.Record(tab); ok {
		t.Fatal("failed attach left a record")
	}

	h.backend.attachErr = nil
	h.backend.noTargetID = true
	_, err = h.m.Attach(context.Background(), tab, AttachOptions{})
	if !agenterr.HasCode(err, agenterr.CodeAttach) {
		t.Fatalf("Attach() without target id error = %v; want ATTACH_FAILED", err)
	}
}

func TestAttachOrderAndSessionNumbering(t *testing.T) {
	h := newHarness(t)
	a := h.backend.addTab("https://a.test")
	b := h.backend.addTab("https://b.test")
	ctx := context.Background()

	if _, err := h.m.Attach(ctx, a, AttachOptions{}); err != nil {
		t.Fatalf("Attach(a) error: %v", err)
	}
	if _, err := h.m.Attach(ctx, b, AttachOptions{}); err != nil {
		t.Fatalf("Attach(b) error: %v", err)
	}
	h.m.Detach(ctx, a, "test")
	att, err := h.m.Attach(ctx, a, AttachOptions{})
	if err != nil {
		t.Fatalf("re-Attach(a) error: %v", err)
	}
	if att.SessionID != "cb-tab-3" {
		t.Fatalf("session after re-attach = %s; want cb-tab-3", att.SessionID)
	}
	recA, _ := h.m.Record(a)
	recB, _ := h.m.Record(b)
	if recA.AttachOrder <= recB.AttachOrder {
		t.Fatalf("attach order a=%d b=%d; want a newer than b", recA.AttachOrder, recB.AttachOrder)
	}
}

func TestDetachCleansEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	att, err := h.m.EnsureAutomationTab(ctx, "https://a.test")
	if err != nil {
		t.Fatalf("EnsureAutomationTab() error: %v", err)
	}
	auto, _ := h.m.Automation()
	h.m.Dispatch(ctx, Event{
		Kind:   EventDebuggerEvent,
		Tab:    auto.TabID,
		Method: "Target.attachedToTarget",
		Params: json.RawMessage(`{"sessionId":"child-1","targetInfo":{"type":"iframe"}}`),
	})

	h.m.Detach(ctx, auto.TabID, "test")

	if _, ok := h.m.Record(auto.TabID); ok {
		t.Fatal("record survived detach")
	}
	if _, ok := h.m.ResolveTabForCommand("child-1", ""); ok {
		t.Fatal("child session still routes after detach")
	}
	if _, ok := h.m.Automation(); ok {
		t.Fatal("automation tab survived detach")
	}
	if _, ok := h.persistedTab(t); ok {
		t.Fatal("persisted reference survived detach")
	}

	events := h.link.sent()
	last := events[len(events)-1]
	if last.Method != "Target.detachedFromTarget" {
		t.Fatalf("last event = %s; want Target.detachedFromTarget", last.Method)
	}
	if got := protocol.StringParam(last.Params, "sessionId"); got != att.SessionID {
		t.Fatalf("detached sessionId = %q; want %q", got, att.SessionID)
	}
	if got := protocol.StringParam(last.Params, "reason"); got != "test" {
		t.Fatalf("detached reason = %q; want test", got)
	}
}

func TestDetachUnknownTabIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.m.Detach(context.Background(), 999, "test")
	if len(h.link.sent()) != 0 {
		t.Fatalf("events = %v; want none", h.link.methods())
	}
}
