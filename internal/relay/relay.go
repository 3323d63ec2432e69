package relay

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/gobwas/glob"

	"github.com/vaishnavucv/domagent/internal/protocol"
)

type feed struct {
	name    string
	methods glob.Glob
	scope   string
}

func (f feed) matches(ev protocol.Event) bool {
	switch f.scope {
	case "top":
		if ev.SessionID != "" {
			return false
		}
	case "child":
		if ev.SessionID == "" {
			return false
		}
	}
	return f.methods.Match(ev.Method)
}

// Recorder persists forwarded events. The JSONL journal implements it.
type Recorder interface {
	Write(record any) error
}

// Relay routes forwarded events from the extension link to feeds on the
// SSE Broker and, when set, to a Recorder.
type Relay struct {
	feeds       []feed
	broker      *Broker
	recorder    Recorder
	paramsLimit int

	published atomic.Int64
	unmatched atomic.Int64
}

// NewRelay compiles the configured feeds. A nil cfg uses DefaultConfig.
func NewRelay(cfg *RelayConfig, broker *Broker) (*Relay, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Relay{broker: broker, paramsLimit: cfg.JournalParamsLimit}
	if r.paramsLimit == 0 {
		r.paramsLimit = DefaultJournalParamsLimit
	}
	for _, f := range cfg.Feeds {
		g, err := glob.Compile(f.MethodPattern)
		if err != nil {
			return nil, err
		}
		r.feeds = append(r.feeds, feed{name: f.Name, methods: g, scope: f.SessionScope})
	}
	slog.Info("relay feeds loaded", "feeds", len(r.feeds))
	return r, nil
}

// SetRecorder attaches a journal. It must be called before events flow.
func (r *Relay) SetRecorder(rec Recorder) {
	r.recorder = rec
}

type journalRecord struct {
	Feeds     []string        `json:"feeds,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`

	// Set instead of Params when the payload exceeds the limit.
	ParamsTruncated bool   `json:"params_truncated,omitempty"`
	ParamsPreview   string `json:"params_preview,omitempty"`
	ParamsBytes     int    `json:"params_bytes,omitempty"`
	ParamsSHA256    string `json:"params_sha256,omitempty"`
}

func (r *Relay) record(matched []string, ev protocol.Event) journalRecord {
	rec := journalRecord{Feeds: matched, SessionID: ev.SessionID, Method: ev.Method}
	preview, truncated, size, sum := clipPayload(ev.Params, r.paramsLimit)
	if !truncated {
		rec.Params = ev.Params
		return rec
	}
	rec.ParamsTruncated = true
	rec.ParamsPreview = string(preview)
	rec.ParamsBytes = size
	rec.ParamsSHA256 = sum
	return rec
}

// Publish sends ev to every feed whose pattern matches its method.
func (r *Relay) Publish(ev protocol.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("relay: marshal event failed", "method", ev.Method, "error", err)
		return
	}

	var matched []string
	for _, f := range r.feeds {
		if !f.matches(ev) {
			continue
		}
		matched = append(matched, f.name)
		r.broker.Publish(Event{Feed: f.name, Payload: string(payload)})
	}
	if len(matched) == 0 {
		r.unmatched.Add(1)
	} else {
		r.published.Add(1)
	}

	if r.recorder != nil {
		if err := r.recorder.Write(r.record(matched, ev)); err != nil {
			slog.Debug("relay: journal write failed", "error", err)
		}
	}
}

// Stats returns how many events matched at least one feed and how many matched none.
func (r *Relay) Stats() (published, unmatched int64) {
	return r.published.Load(), r.unmatched.Load()
}
