// Package protocol is the JSON frame codec spoken between the agent and the bridge.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	MethodPing           = "ping"
	MethodPong           = "pong"
	MethodForwardCommand = "forwardCDPCommand"
	MethodForwardEvent   = "forwardCDPEvent"
)

// Meta-commands handled by the agent itself instead of the page-control backend.
const (
	MethodEnsureTab          = "Browser.ensureTab"
	MethodUseCurrentTab      = "Browser.useCurrentTab"
	MethodGetOverlaySettings = "Browser.getOverlaySettings"
	MethodCreateTarget       = "Target.createTarget"
	MethodCloseTarget        = "Target.closeTarget"
	MethodActivateTarget     = "Target.activateTarget"
)

// Frame is a single message on the link. Result is kept raw so that a
// present-but-null result can be told apart from an absent one.
type Frame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *string         `json:"error,omitempty"`
}

// Command is the payload of a forwardCDPCommand frame.
type Command struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Event is the payload of a forwardCDPEvent frame.
type Event struct {
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Kind classifies an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindPing
	KindPong
	KindResponse
	KindCommand
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindResponse:
		return "response"
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Decode parses one frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	return f, nil
}

// Encode serializes one frame.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return data, nil
}

// Classify returns how a frame should be dispatched.
func Classify(f Frame) Kind {
	switch {
	case f.Method == MethodPing:
		return KindPing
	case f.Method == MethodPong:
		return KindPong
	case f.ID != nil && f.Method == MethodForwardCommand:
		return KindCommand
	case f.ID != nil && f.Method == "" && (len(f.Result) > 0 || f.Error != nil):
		return KindResponse
	case f.ID == nil && f.Method == MethodForwardEvent:
		return KindEvent
	default:
		return KindUnknown
	}
}

// DecodeCommand extracts the forwarded command of a KindCommand frame.
func DecodeCommand(f Frame) (Command, error) {
	var cmd Command
	if len(f.Params) == 0 {
		return cmd, fmt.Errorf("protocol: forwarded command without params")
	}
	if err := json.Unmarshal(f.Params, &cmd); err != nil {
		return cmd, fmt.Errorf("protocol: decode command: %w", err)
	}
	if strings.TrimSpace(cmd.Method) == "" {
		return cmd, fmt.Errorf("protocol: forwarded command without method")
	}
	return cmd, nil
}

// DecodeEvent extracts the forwarded event of a KindEvent frame.
func DecodeEvent(f Frame) (Event, error) {
	var ev Event
	if err := json.Unmarshal(f.Params, &ev); err != nil {
		return ev, fmt.Errorf("protocol: decode event: %w", err)
	}
	return ev, nil
}

func Ping() Frame { return Frame{Method: MethodPing} }

func Pong() Frame { return Frame{Method: MethodPong} }

// Result builds a success response. A nil result is sent as an empty object.
func Result(id int64, result json.RawMessage) Frame {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	return Frame{ID: &id, Result: result}
}

// ErrorResponse builds a failed response carrying msg.
func ErrorResponse(id int64, msg string) Frame {
	return Frame{ID: &id, Error: &msg}
}

// CommandFrame builds a forwardCDPCommand request.
func CommandFrame(id int64, cmd Command) (Frame, error) {
	params, err := json.Marshal(cmd)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encode command: %w", err)
	}
	return Frame{ID: &id, Method: MethodForwardCommand, Params: params}, nil
}

// EventFrame builds a forwardCDPEvent notification.
func EventFrame(ev Event) (Frame, error) {
	if len(ev.Params) == 0 {
		ev.Params = json.RawMessage(`{}`)
	}
	params, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encode event: %w", err)
	}
	return Frame{Method: MethodForwardEvent, Params: params}, nil
}

// StringParam reads a top-level string field from raw command params.
func StringParam(params json.RawMessage, key string) string {
	if len(params) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(params, &m); err != nil {
		return ""
	}
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
