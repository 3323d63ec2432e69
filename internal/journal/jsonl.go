// Package journal appends records as JSON lines to date-organized files.
package journal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultBufferSize = 1024
	DefaultMaxSizeMB  = 50
	drainTimeout      = 5 * time.Second
)

var (
	ErrClosed     = errors.New("journal: closed")
	ErrBufferFull = errors.New("journal: buffer full")
)

type entry struct {
	Time   time.Time `json:"ts"`
	Record any       `json:"record"`
}

// Writer queues records and writes them from one goroutine. Files live at
// <dir>/<YYYY-MM-DD>/<name>.jsonl and roll over by size through lumberjack.
type Writer struct {
	dir       string
	name      string
	maxSizeMB int
	now       func() time.Time

	writeCh chan entry
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	out         *lumberjack.Logger

	written atomic.Int64
	dropped atomic.Int64
}

// Open starts a writer for path. The directory of path is the base
// directory and its file name (without extension) names the daily files.
func Open(path string, bufferSize, maxSizeMB int) *Writer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if name == "" || name == "." {
		name = "events"
	}
	w := &Writer{
		dir:       filepath.Dir(path),
		name:      name,
		maxSizeMB: maxSizeMB,
		now:       time.Now,
		writeCh:   make(chan entry, bufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues record without blocking.
func (w *Writer) Write(record any) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.writeCh <- entry{Time: w.now().UTC(), Record: record}:
		return nil
	default:
		w.dropped.Add(1)
		slog.Warn("journal buffer full, dropping record", "name", w.name)
		return ErrBufferFull
	}
}

// Close stops the writer and flushes what is queued, giving up after a few seconds.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()

	timeout := time.After(drainTimeout)
drain:
	for {
		select {
		case e := <-w.writeCh:
			w.writeEntry(e)
		case <-timeout:
			slog.Warn("journal close timeout, some records may be lost", "name", w.name)
			break drain
		default:
			break drain
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out != nil {
		return w.out.Close()
	}
	return nil
}

// Stats returns the number of records written and dropped.
func (w *Writer) Stats() (written, dropped int64) {
	return w.written.Load(), w.dropped.Load()
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.writeCh:
			w.writeEntry(e)
		case <-w.done:
			return
		}
	}
}

func (w *Writer) writeEntry(e entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("journal marshal failed", "error", err, "name", w.name)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := e.Time.Format("2006-01-02")
	if date != w.currentDate || w.out == nil {
		if err := w.rotateLocked(date); err != nil {
			slog.Error("journal rotate failed", "error", err, "name", w.name)
			return
		}
	}
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err, "name", w.name)
		return
	}
	w.written.Add(1)
}

func (w *Writer) rotateLocked(date string) error {
	if w.out != nil {
		_ = w.out.Close()
		w.out = nil
	}
	dir := filepath.Join(w.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	filename := filepath.Join(dir, w.name+".jsonl")
	w.out = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		LocalTime:  false,
	}
	w.currentDate = date
	slog.Info("journal file opened", "file", filename)
	return nil
}
