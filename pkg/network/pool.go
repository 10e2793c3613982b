package network

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/meshrelay/pkg/metrics"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

const readBufferSize = 4096

// DefaultDialTimeout bounds connection setup to a peer.
const DefaultDialTimeout = 5 * time.Second

type forwardResult struct {
	msg *protocol.ProtocolMessage
	err error
}

// pendingRequest waits for one downstream reply. The result channel is
// buffered so the side that removes the entry from the pending list can
// resolve it without blocking; removal under the lock makes that happen
// exactly once.
type pendingRequest struct {
	id     string
	result chan forwardResult
}

// peerConn is a pooled outbound connection to one node.
type peerConn struct {
	node   string
	conn   net.Conn
	writer *protocol.ChunkedWriter
	log    *logging.Logger

	mu      sync.Mutex
	pending []*pendingRequest
	closed  bool
}

func (pc *peerConn) register(id string) *pendingRequest {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed {
		return nil
	}
	req := &pendingRequest{id: id, result: make(chan forwardResult, 1)}
	pc.pending = append(pc.pending, req)
	metrics.PendingAdded()
	return req
}

func (pc *peerConn) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

// take removes and returns the pending entry a reply belongs to. Received
// replies are matched by correlation id; everything else, and received
// replies whose id matches nothing, falls back to the oldest entry. The
// fallback assumes replies on one connection arrive in request order.
func (pc *peerConn) take(reply *protocol.ProtocolMessage) *pendingRequest {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if len(pc.pending) == 0 {
		return nil
	}

	idx := 0
	if rec, ok := reply.Data.(*protocol.Received); ok {
		for i, req := range pc.pending {
			if req.id == rec.MessageID {
				idx = i
				break
			}
		}
	}

	req := pc.pending[idx]
	pc.pending = append(pc.pending[:idx], pc.pending[idx+1:]...)
	metrics.PendingDone()
	return req
}

func (pc *peerConn) cancel(req *pendingRequest) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	for i, r := range pc.pending {
		if r == req {
			pc.pending = append(pc.pending[:i], pc.pending[i+1:]...)
			metrics.PendingDone()
			return
		}
	}
}

// fail closes the connection and rejects every pending entry with err.
func (pc *peerConn) fail(err error) {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.closed = true
	pending := pc.pending
	pc.pending = nil
	pc.mu.Unlock()

	pc.conn.Close()
	metrics.ConnClosed()

	for _, req := range pending {
		metrics.PendingDone()
		req.result <- forwardResult{err: Classify(pc.node, err)}
	}
}

func (pc *peerConn) readLoop(onClose func(*peerConn)) {
	defer onClose(pc)

	decoder := protocol.NewDecoder(func(payload []byte) error {
		reply, err := protocol.DecodeProtocolMessage(payload)
		if err != nil {
			return err
		}

		req := pc.take(reply)
		if req == nil {
			pc.log.Warningf("Dropping unsolicited %s reply from %s", protocol.TypeOf(reply.Data), pc.node)
			return nil
		}
		req.result <- forwardResult{msg: reply}
		return nil
	})

	buf := make([]byte, readBufferSize)
	for {
		n, err := pc.conn.Read(buf)
		if n > 0 {
			if derr := decoder.Append(buf[:n]); derr != nil {
				pc.log.Errorf("Bad reply from %s: %v", pc.node, derr)
				pc.fail(derr)
				return
			}
		}
		if err != nil {
			pc.fail(err)
			return
		}
	}
}

// ConnectionPool keeps one outbound connection per destination node and
// correlates replies on it with the requests that were forwarded.
type ConnectionPool struct {
	dir         Directory
	maxPacket   int
	dialTimeout time.Duration
	log         *logging.Logger

	// dials collapses concurrent connection attempts to the same node.
	dials singleflight.Group

	mu     sync.Mutex
	conns  map[string]*peerConn
	closed bool
}

// NewConnectionPool creates a pool dialing nodes found in dir.
func NewConnectionPool(dir Directory, maxPacket int, log *logging.Logger) *ConnectionPool {
	return &ConnectionPool{
		dir:         dir,
		maxPacket:   maxPacket,
		dialTimeout: DefaultDialTimeout,
		log:         log,
		conns:       make(map[string]*peerConn),
	}
}

// getConn gets or creates the connection to node. A closed connection is
// replaced. Lookup and dial run outside the pool lock, so a slow node only
// delays the callers forwarding to it.
func (p *ConnectionPool) getConn(ctx context.Context, node string) (*peerConn, error) {
	if pc, err := p.existing(node); pc != nil || err != nil {
		return pc, err
	}

	ch := p.dials.DoChan(node, func() (any, error) {
		return p.dial(node)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*peerConn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// existing returns the live pooled connection to node, if any.
func (p *ConnectionPool) existing(node string) (*peerConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if pc, exists := p.conns[node]; exists && !pc.isClosed() {
		return pc, nil
	}
	return nil, nil
}

// dial connects to node and installs the connection. It is shared by every
// caller waiting on the same node, so it is bounded by the dial timeout
// rather than by any one caller's context.
func (p *ConnectionPool) dial(node string) (*peerConn, error) {
	if pc, err := p.existing(node); pc != nil || err != nil {
		return pc, err
	}

	addr, err := p.dir.Lookup(node)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: p.dialTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	pc := &peerConn{
		node:   node,
		conn:   conn,
		writer: protocol.NewChunkedWriter(conn, p.maxPacket),
		log:    p.log,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, ErrPoolClosed
	}
	p.conns[node] = pc
	p.mu.Unlock()

	metrics.ConnOpened()
	p.log.Debugf("Connected to %s at %s", node, addr)

	go pc.readLoop(p.forget)
	return pc, nil
}

func (p *ConnectionPool) forget(pc *peerConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns[pc.node] == pc {
		delete(p.conns, pc.node)
	}
}

// Forward sends msg unchanged to node and waits for the reply correlated
// with it. Failures are returned as *TransportError; the pool itself
// imposes no timeout, ctx does.
func (p *ConnectionPool) Forward(ctx context.Context, node string, msg *protocol.ProtocolMessage) (*protocol.ProtocolMessage, error) {
	pc, err := p.getConn(ctx, node)
	if err != nil {
		return nil, Classify(node, err)
	}

	req := pc.register(msg.ID)
	if req == nil {
		return nil, Classify(node, ErrConnClosed)
	}

	if err := pc.writer.WriteMessage(msg); err != nil {
		// fail rejects req along with everything else on the connection.
		pc.fail(err)
	}

	select {
	case res := <-req.result:
		return res.msg, res.err
	case <-ctx.Done():
		pc.cancel(req)
		return nil, Classify(node, ctx.Err())
	}
}

// CloseAfter detaches the connection to node from the pool and closes it
// once delay has passed, letting in-flight writes drain.
func (p *ConnectionPool) CloseAfter(node string, delay time.Duration) {
	p.mu.Lock()
	pc, exists := p.conns[node]
	if exists {
		delete(p.conns, node)
	}
	p.mu.Unlock()

	if !exists {
		return
	}
	time.AfterFunc(delay, func() {
		pc.fail(ErrConnClosed)
	})
}

// PeerStats describes one pooled connection.
type PeerStats struct {
	Node    string `json:"node"`
	Address string `json:"address"`
	Pending int    `json:"pending"`
}

// Stats returns a snapshot of the open connections.
func (p *ConnectionPool) Stats() []PeerStats {
	p.mu.Lock()
	conns := make([]*peerConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.mu.Unlock()

	stats := make([]PeerStats, 0, len(conns))
	for _, pc := range conns {
		pc.mu.Lock()
		stats = append(stats, PeerStats{
			Node:    pc.node,
			Address: pc.conn.RemoteAddr().String(),
			Pending: len(pc.pending),
		})
		pc.mu.Unlock()
	}
	return stats
}

// Close closes all connections and shuts down the pool. Pending forwards
// are rejected.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*peerConn)
	p.mu.Unlock()

	for _, pc := range conns {
		pc.fail(ErrPoolClosed)
	}
	return nil
}
