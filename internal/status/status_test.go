package status

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/vaishnavucv/domagent/internal/notify"
)

type memGuidance struct{ shown bool }

func (m *memGuidance) GuidanceShown(context.Context) (bool, error) { return m.shown, nil }
func (m *memGuidance) MarkGuidanceShown(context.Context) error     { m.shown = true; return nil }

func TestTabIndicators(t *testing.T) {
	b := NewBoard(nil, nil, "")
	b.SetTab(2, Active)
	b.SetTab(1, Connecting)
	b.SetTab(3, Error)
	b.SetTab(3, Disconnected)

	snap := b.Snapshot()
	if snap.Link != Disconnected {
		t.Fatalf("link = %s; want disconnected", snap.Link)
	}
	if len(snap.Tabs) != 2 || snap.Tabs[0].TabID != 1 || snap.Tabs[1].State != Active {
		t.Fatalf("tabs = %+v; want [1 connecting, 2 active]", snap.Tabs)
	}
	if b.Tab(3) != Disconnected {
		t.Fatalf("Tab(3) = %s; want disconnected", b.Tab(3))
	}
	b.ClearTabs()
	if len(b.Snapshot().Tabs) != 0 {
		t.Fatal("ClearTabs() left rows behind")
	}
}

func TestGuidanceShownOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	store := &memGuidance{}
	pushes := 0
	b := NewBoard(store, func(context.Context, notify.Message) error {
		pushes++
		return nil
	}, "start the bridge")

	if !b.ReportFailure(context.Background(), "dial refused") {
		t.Fatal("first ReportFailure() = false; want true")
	}
	if b.ReportFailure(context.Background(), "dial refused") {
		t.Fatal("second ReportFailure() = true; want false")
	}
	if pushes != 1 {
		t.Fatalf("pushes = %d; want 1", pushes)
	}
	if !store.shown {
		t.Fatal("guidance flag not persisted")
	}
	if !strings.Contains(buf.String(), "status guidance") {
		t.Fatalf("log = %q; want guidance line", buf.String())
	}
}

func TestGuidanceSuppressedByPersistedFlag(t *testing.T) {
	b := NewBoard(&memGuidance{shown: true}, nil, "start the bridge")
	if b.ReportFailure(context.Background(), "x") {
		t.Fatal("ReportFailure() = true with persisted flag; want false")
	}
}
