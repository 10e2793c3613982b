package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/meshrelay/pkg/handshake"
	"github.com/ZentaChain/meshrelay/pkg/log"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// DefaultRequestTimeout bounds one request from dial to response.
const DefaultRequestTimeout = 15 * time.Second

// RemoteError is an error report returned by a node on the route.
type RemoteError struct {
	Report *protocol.ErrorReport
}

func (e *RemoteError) Error() string {
	return e.Report.Error
}

// HandshakeError is a local handshake failure.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("Handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// NodeResponse is the outcome of one request to a target node.
type NodeResponse struct {
	Node     string                `json:"node"`
	Route    []string              `json:"route,omitempty"`
	Response *protocol.AppResponse `json:"response,omitempty"`
	Error    string                `json:"error,omitempty"`
	Kind     Kind                  `json:"kind,omitempty"`

	// FailedNode names the intermediate node that could not be reached,
	// when the failure happened further down the route.
	FailedNode string `json:"failedNode,omitempty"`
}

// Failed reports whether no response was obtained.
func (r *NodeResponse) Failed() bool {
	return r.Error != ""
}

// Critical reports whether the failure means a node is not reachable and
// should be left out of further routing.
func (r *NodeResponse) Critical() bool {
	if !r.Failed() {
		return false
	}
	return r.Kind.IsCritical() || (r.FailedNode != "" && r.Kind.IsTransport())
}

// Client originates requests: it connects to the first node of a route and
// runs the handshake with the last one.
type Client struct {
	dir      Directory
	verifier handshake.Verifier
	log      *logging.Logger

	Timeout       time.Duration
	MaxPacketSize int
}

// NewClient creates a client resolving nodes in dir and checking
// certificates with verifier.
func NewClient(dir Directory, verifier handshake.Verifier, backend *log.Backend) *Client {
	return &Client{
		dir:           dir,
		verifier:      verifier,
		log:           backend.GetLogger("client"),
		Timeout:       DefaultRequestTimeout,
		MaxPacketSize: protocol.MaxPacketSize,
	}
}

// Send delivers req to the last node of route and returns its response.
// It always returns, at the latest when the timeout elapses.
func (c *Client) Send(ctx context.Context, route []string, req *protocol.AppRequest) *NodeResponse {
	if len(route) == 0 {
		return &NodeResponse{Error: protocol.ErrEmptyRoute.Error(), Kind: KindRoute}
	}

	res := &NodeResponse{Node: route[len(route)-1], Route: protocol.CopyRoute(route)}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	resp, err := c.send(ctx, route, req)
	if err != nil {
		c.describe(res, route[0], err)
		c.log.Warningf("Request to %s failed: %s", res.Node, res.Error)
		return res
	}

	res.Response = resp
	return res
}

func (c *Client) describe(res *NodeResponse, entry string, err error) {
	var (
		remote *RemoteError
		hs     *HandshakeError
	)
	switch {
	case errors.As(err, &remote):
		res.Error = remote.Report.Error
		res.Kind = Kind(remote.Report.Kind)
		if remote.Report.Node != res.Node {
			res.FailedNode = remote.Report.Node
		}
	case errors.As(err, &hs):
		res.Error = hs.Error()
		res.Kind = KindHandshake
	default:
		te := Classify(entry, err)
		res.Error = te.Error()
		res.Kind = te.Kind
		if entry != res.Node && te.Kind.IsCritical() {
			res.FailedNode = entry
		}
	}
}

func (c *Client) send(ctx context.Context, route []string, req *protocol.AppRequest) (*protocol.AppResponse, error) {
	addr, err := c.dir.Lookup(route[0])
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Unblock pending reads and writes once ctx is done.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	reader := newFrameReader(conn)
	writer := protocol.NewChunkedWriter(conn, c.MaxPacketSize)
	send := func(data protocol.Message) error {
		return writer.WriteMessage(protocol.NewProtocolMessage(data, route))
	}

	initiator := handshake.NewInitiator(route[len(route)-1], c.verifier)
	hello, err := initiator.Start(ctx)
	if err != nil {
		return nil, &HandshakeError{Err: err}
	}
	if err := send(hello); err != nil {
		return nil, c.ctxErr(ctx, err)
	}

	for {
		reply, err := reader.next()
		if err != nil {
			return nil, c.ctxErr(ctx, err)
		}

		switch data := reply.Data.(type) {
		case *protocol.Received:
			switch inner := data.Response.(type) {
			case *protocol.Response:
				return initiator.DecryptResponse(inner)
			case *protocol.ErrorReport:
				return nil, &RemoteError{Report: inner}
			case nil:
				c.log.Warningf("Empty acknowledgment for %s", data.MessageID)
				continue
			default:
				return nil, fmt.Errorf("%w: %s in acknowledgment", ErrUnexpectedType, protocol.TypeOf(inner))
			}

		case *protocol.Response:
			return initiator.DecryptResponse(data)

		case *protocol.ErrorReport:
			return nil, &RemoteError{Report: data}

		default:
			next, err := initiator.Handle(ctx, data)
			if err != nil {
				return nil, &HandshakeError{Err: err}
			}
			if next == nil {
				next, err = initiator.EncryptRequest(req)
				if err != nil {
					return nil, err
				}
			}
			if err := send(next); err != nil {
				return nil, c.ctxErr(ctx, err)
			}
		}
	}
}

// ctxErr prefers the context error over the deadline error it caused.
func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// frameReader turns a byte stream into envelopes.
type frameReader struct {
	conn    net.Conn
	decoder *protocol.Decoder
	queue   []*protocol.ProtocolMessage
	buf     []byte
}

func newFrameReader(conn net.Conn) *frameReader {
	fr := &frameReader{conn: conn, buf: make([]byte, readBufferSize)}
	fr.decoder = protocol.NewDecoder(func(payload []byte) error {
		msg, err := protocol.DecodeProtocolMessage(payload)
		if err != nil {
			return err
		}
		fr.queue = append(fr.queue, msg)
		return nil
	})
	return fr
}

func (fr *frameReader) next() (*protocol.ProtocolMessage, error) {
	for len(fr.queue) == 0 {
		n, err := fr.conn.Read(fr.buf)
		if n > 0 {
			if derr := fr.decoder.Append(fr.buf[:n]); derr != nil {
				return nil, derr
			}
		}
		if err != nil && len(fr.queue) == 0 {
			return nil, err
		}
	}

	msg := fr.queue[0]
	fr.queue = fr.queue[1:]
	return msg, nil
}
