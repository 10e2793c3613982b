package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrEmptyRoute         = errors.New("empty route")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
)

// FramingError reports a malformed frame header. It is fatal to the
// connection that produced it: the decoder refuses further input.
type FramingError struct {
	Header string
	Reason string
}

func (e *FramingError) Error() string {
	if e.Header == "" {
		return "framing: " + e.Reason
	}
	return fmt.Sprintf("framing: %s (header %q)", e.Reason, e.Header)
}

// ProtocolViolation reports a message that the handshake state machine did
// not expect in its current state.
type ProtocolViolation struct {
	State    string
	Expected MessageType
	Actual   MessageType
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in state %s: expected %s message, got %s",
		e.State, e.Expected, e.Actual)
}

// RouteError reports a route this node cannot make progress on.
type RouteError struct {
	Node   string
	Route  []string
	Reason string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route error at %s (%s): %s", e.Node, strings.Join(e.Route, " -> "), e.Reason)
}

// IsFramingError reports whether err is or wraps a *FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// IsProtocolViolation reports whether err is or wraps a *ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}
