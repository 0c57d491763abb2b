package domain

import (
	"errors"
	"fmt"
)

// ErrUnrecognizedCapability is returned when a ToolRequest names a capability
// that is not registered. The loop treats it as "no tool call".
var ErrUnrecognizedCapability = errors.New("unrecognized capability")

// ErrMaxRoundsExceeded terminates a run whose model never stops requesting tools.
var ErrMaxRoundsExceeded = errors.New("maximum model rounds exceeded")

// TransportError reports that the model backend was unreachable, answered
// with a non-success status, or sent a payload that did not parse.
type TransportError struct {
	Gateway    string
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s API error: status %d: %s", e.Gateway, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("failed to send request to %s: %v", e.Gateway, e.Err)
	default:
		return fmt.Sprintf("%s transport failure", e.Gateway)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// CapabilityError reports invalid tool arguments or a failed tool execution,
// including a script that exited non-zero.
type CapabilityError struct {
	Capability string
	Message    string
	Err        error
}

func (e *CapabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// NewCapabilityError is a shorthand used by capability implementations.
func NewCapabilityError(capability, format string, args ...any) *CapabilityError {
	return &CapabilityError{Capability: capability, Message: fmt.Sprintf(format, args...)}
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsCapability(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}
