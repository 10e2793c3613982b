package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/ZentaChain/meshrelay/pkg/crypto"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

var (
	ErrPoolClosed     = errors.New("connection pool closed")
	ErrServerClosed   = errors.New("relay server closed")
	ErrUnknownNode    = errors.New("node not in directory")
	ErrConnClosed     = errors.New("connection closed before response")
	ErrUnexpectedType = errors.New("unexpected message type")
)

// Kind classifies a failure so callers can decide whether the node behind
// it should be treated as unavailable.
type Kind string

// Transport kinds
const (
	KindRefused Kind = "refused"
	KindReset   Kind = "reset"
	KindTimeout Kind = "timeout"
	KindClosed  Kind = "closed"
	KindIO      Kind = "io"
)

// Kinds reported by a final hop or an intermediate that could not route.
const (
	KindRoute     Kind = "route"
	KindProtocol  Kind = "protocol"
	KindCrypto    Kind = "crypto"
	KindHandshake Kind = "handshake"
	KindInternal  Kind = "internal"
)

// IsTransport reports whether k describes a connection level failure.
func (k Kind) IsTransport() bool {
	switch k {
	case KindRefused, KindReset, KindTimeout, KindClosed, KindIO:
		return true
	}
	return false
}

// IsCritical reports whether the failing node is most likely not running.
func (k Kind) IsCritical() bool {
	return k == KindRefused
}

// TransportError is a classified connection failure towards Node.
type TransportError struct {
	Node string
	Kind Kind
	Err  error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case KindRefused:
		return fmt.Sprintf("Connection refused - node %s is not running", e.Node)
	case KindReset:
		return fmt.Sprintf("Connection reset - node %s closed the connection", e.Node)
	case KindTimeout:
		return fmt.Sprintf("Timeout waiting for node %s", e.Node)
	case KindClosed:
		return fmt.Sprintf("Connection to node %s closed before response", e.Node)
	case KindRoute:
		return fmt.Sprintf("No address for node %s", e.Node)
	default:
		return fmt.Sprintf("Connection error with node %s: %v", e.Node, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsCritical reports whether the node should be excluded from routing.
func (e *TransportError) IsCritical() bool {
	return e.Kind.IsCritical()
}

// Classify wraps err as a *TransportError for node. Errors that already
// are transport errors are returned unchanged.
func Classify(node string, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Node: node, Kind: kindOf(err), Err: err}
}

func kindOf(err error) Kind {
	var ne net.Error
	switch {
	case errors.Is(err, ErrUnknownNode):
		return KindRoute
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return KindReset
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return KindTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, ErrConnClosed):
		return KindClosed
	default:
		return KindIO
	}
}

// kindForHandlingError maps a final hop failure to the kind reported back.
func kindForHandlingError(err error) Kind {
	switch {
	case protocol.IsProtocolViolation(err):
		return KindProtocol
	case crypto.IsCryptoError(err):
		return KindCrypto
	default:
		var re *protocol.RouteError
		if errors.As(err, &re) {
			return KindRoute
		}
		return KindInternal
	}
}

// forwardFailure builds the error report an intermediate hop sends back
// when next could not be reached.
func forwardFailure(next string, err error) *protocol.ErrorReport {
	te := Classify(next, err)
	return &protocol.ErrorReport{
		Node:  next,
		Kind:  string(te.Kind),
		Error: fmt.Sprintf("Failed to forward to %s: %s", next, te.Error()),
	}
}
