package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriterAppendsDatedLines(t *testing.T) {
	dir := t.TempDir()
	w := Open(filepath.Join(dir, "events.jsonl"), 16, 1)
	fixed := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	for _, m := range []string{"Page.loadEventFired", "Runtime.consoleAPICalled"} {
		if err := w.Write(map[string]string{"method": m}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "2026-03-04", "events.jsonl"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var methods []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line struct {
			TS     time.Time         `json:"ts"`
			Record map[string]string `json:"record"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		if !line.TS.Equal(fixed) {
			t.Fatalf("ts = %v; want %v", line.TS, fixed)
		}
		methods = append(methods, line.Record["method"])
	}
	if len(methods) != 2 || methods[0] != "Page.loadEventFired" {
		t.Fatalf("methods = %v", methods)
	}
	if written, dropped := w.Stats(); written != 2 || dropped != 0 {
		t.Fatalf("Stats() = %d, %d; want 2, 0", written, dropped)
	}
}

func TestWriteAfterClose(t *testing.T) {
	w := Open(filepath.Join(t.TempDir(), "events.jsonl"), 1, 1)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Write("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write after Close error = %v; want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
