package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ZentaChain/meshrelay/pkg/crypto"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	reset := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}

	tests := []struct {
		name     string
		err      error
		kind     Kind
		critical bool
		message  string
	}{
		{"refused", refused, KindRefused, true, "Connection refused - node B is not running"},
		{"reset", reset, KindReset, false, "Connection reset - node B closed the connection"},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), KindReset, false, "Connection reset"},
		{"deadline", context.DeadlineExceeded, KindTimeout, false, "Timeout waiting for node B"},
		{"eof", io.EOF, KindClosed, false, "closed before response"},
		{"closed", ErrConnClosed, KindClosed, false, "closed before response"},
		{"unknown node", fmt.Errorf("%w: B", ErrUnknownNode), KindRoute, false, "No address for node B"},
		{"other", errors.New("boom"), KindIO, false, "Connection error with node B: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := Classify("B", tt.err)
			assert.Equal(t, tt.kind, te.Kind)
			assert.Equal(t, tt.critical, te.IsCritical())
			assert.Contains(t, te.Error(), tt.message)
			assert.ErrorIs(t, te, tt.err)
		})
	}
}

func TestClassifyKeepsTransportErrors(t *testing.T) {
	orig := &TransportError{Node: "X", Kind: KindReset, Err: io.EOF}
	assert.Same(t, orig, Classify("Y", fmt.Errorf("wrapped: %w", orig)))
}

func TestForwardFailure(t *testing.T) {
	refused := os.NewSyscallError("connect", syscall.ECONNREFUSED)
	report := forwardFailure("C", refused)

	assert.Equal(t, "C", report.Node)
	assert.Equal(t, string(KindRefused), report.Kind)
	assert.Equal(t, "Failed to forward to C: Connection refused - node C is not running", report.Error)
}

func TestKindForHandlingError(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{&protocol.ProtocolViolation{State: "ready", Expected: protocol.TypeReady, Actual: protocol.TypeData}, KindProtocol},
		{&crypto.CryptoError{Op: "open", Err: crypto.ErrAuthentication}, KindCrypto},
		{&protocol.RouteError{Node: "B", Reason: "node is not on the route"}, KindRoute},
		{errors.New("anything"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, kindForHandlingError(tt.err), tt.err.Error())
	}
}

func TestNodeResponseCritical(t *testing.T) {
	tests := []struct {
		name string
		res  NodeResponse
		want bool
	}{
		{"success", NodeResponse{Node: "C"}, false},
		{"refused target", NodeResponse{Node: "C", Error: "x", Kind: KindRefused}, true},
		{"intermediate reset", NodeResponse{Node: "C", Error: "x", Kind: KindReset, FailedNode: "B"}, true},
		{"target timeout", NodeResponse{Node: "C", Error: "x", Kind: KindTimeout}, false},
		{"handshake", NodeResponse{Node: "C", Error: "x", Kind: KindHandshake}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.res.Critical())
		})
	}
}

func TestStaticDirectory(t *testing.T) {
	dir := StaticDirectory{"B": "127.0.0.1:7001", "A": "127.0.0.1:7000"}

	addr, err := dir.Lookup("A")
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", addr)

	_, err = dir.Lookup("Z")
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.Equal(t, []string{"A", "B"}, dir.Nodes())
}
