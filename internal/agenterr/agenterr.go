// Package agenterr holds the coded error type shared by the agent and the bridge.
package agenterr

import (
	"errors"
	"fmt"
)

const (
	CodeValidation       = "VALIDATION"
	CodeConnection       = "CONNECTION"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeDisconnected     = "DISCONNECTED"
	CodeAttach           = "ATTACH_FAILED"
	CodeNoTarget         = "NO_TARGET"
	CodeCommandTimeout   = "COMMAND_TIMEOUT"
	CodeElementExecution = "ELEMENT_EXECUTION"
	CodeStaleReference   = "STALE_REFERENCE"
	CodeTab              = "TAB_FAILURE"
	CodeBackend          = "BACKEND_FAILURE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// New returns a *CodedError.
func New(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the outermost CodedError in err's chain, or "".
func CodeOf(err error) string {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return ""
	}
	return coded.Code
}

// HasCode reports whether the outermost CodedError in err's chain carries code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
