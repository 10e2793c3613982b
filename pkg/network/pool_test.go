package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/meshrelay/pkg/log"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// fakePeer accepts one connection and hands every decoded frame to serve.
func fakePeer(t *testing.T, serve func(w *protocol.ChunkedWriter, msgs <-chan *protocol.ProtocolMessage, conn net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		msgs := make(chan *protocol.ProtocolMessage, 16)
		go func() {
			defer close(msgs)
			fr := newFrameReader(conn)
			for {
				msg, err := fr.next()
				if err != nil {
					return
				}
				msgs <- msg
			}
		}()
		serve(protocol.NewChunkedWriter(conn, 0), msgs, conn)
	}()
	return l.Addr().String()
}

func newTestPool(addr string) *ConnectionPool {
	return NewConnectionPool(StaticDirectory{"N": addr}, 0, log.NewDiscard().GetLogger("pool"))
}

func request(data protocol.Message) *protocol.ProtocolMessage {
	return protocol.NewProtocolMessage(data, []string{"M", "N"})
}

func TestPoolMatchesReceivedByID(t *testing.T) {
	addr := fakePeer(t, func(w *protocol.ChunkedWriter, msgs <-chan *protocol.ProtocolMessage, _ net.Conn) {
		first := <-msgs
		second := <-msgs
		// Answer out of order.
		w.WriteMessage(second.Acknowledge(&protocol.Response{Payload: "second"}))
		w.WriteMessage(first.Acknowledge(&protocol.Response{Payload: "first"}))
		<-msgs
	})
	pool := newTestPool(addr)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Establish the connection so both requests share it.
	_, err := pool.getConn(ctx, "N")
	require.NoError(t, err)

	reqs := []*protocol.ProtocolMessage{request(&protocol.Data{Payload: "1"}), request(&protocol.Data{Payload: "2"})}
	got := make([]string, 2)

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *protocol.ProtocolMessage) {
			defer wg.Done()
			reply, err := pool.Forward(ctx, "N", req)
			if !assert.NoError(t, err) {
				return
			}
			rec := reply.Data.(*protocol.Received)
			assert.Equal(t, req.ID, rec.MessageID)
			got[i] = rec.Response.(*protocol.Response).Payload
		}(i, req)
		// Keep the write order deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestPoolFIFOFallback(t *testing.T) {
	addr := fakePeer(t, func(w *protocol.ChunkedWriter, msgs <-chan *protocol.ProtocolMessage, _ net.Conn) {
		for msg := range msgs {
			// Handshake replies carry a fresh id and are matched by order.
			w.WriteMessage(msg.Reply(&protocol.Ready{Payload: msg.Data.(*protocol.Ready).Payload}))
		}
	})
	pool := newTestPool(addr)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, payload := range []string{"a", "b", "c"} {
		req := request(&protocol.Ready{Payload: payload})
		reply, err := pool.Forward(ctx, "N", req)
		require.NoError(t, err)
		assert.NotEqual(t, req.ID, reply.ID)
		assert.Equal(t, payload, reply.Data.(*protocol.Ready).Payload)
		assert.Equal(t, []string{"N", "M"}, reply.Route)
	}
}

func TestPoolUnmatchedReceivedFallsBack(t *testing.T) {
	addr := fakePeer(t, func(w *protocol.ChunkedWriter, msgs <-chan *protocol.ProtocolMessage, _ net.Conn) {
		msg := <-msgs
		w.WriteMessage(msg.Reply(&protocol.Received{MessageID: "someone-else"}))
		<-msgs
	})
	pool := newTestPool(addr)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := pool.Forward(ctx, "N", request(&protocol.Data{Payload: "x"}))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", reply.Data.(*protocol.Received).MessageID)
}

func TestPoolRejectsPendingOnClose(t *testing.T) {
	addr := fakePeer(t, func(_ *protocol.ChunkedWriter, msgs <-chan *protocol.ProtocolMessage, conn net.Conn) {
		<-msgs
		conn.Close()
	})
	pool := newTestPool(addr)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := pool.Forward(ctx, "N", request(&protocol.Data{Payload: "x"}))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "N", te.Node)
	assert.Contains(t, []Kind{KindClosed, KindReset}, te.Kind)

	// The dead connection is dropped from the pool.
	assert.Eventually(t, func() bool { return len(pool.Stats()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestPoolForwardErrors(t *testing.T) {
	ctx := context.Background()

	pool := NewConnectionPool(StaticDirectory{"N": deadAddress(t)}, 0, log.NewDiscard().GetLogger("pool"))
	_, err := pool.Forward(ctx, "N", request(&protocol.Data{}))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindRefused, te.Kind)

	_, err = pool.Forward(ctx, "Q", request(&protocol.Data{}))
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindRoute, te.Kind)

	require.NoError(t, pool.Close())
	assert.ErrorIs(t, pool.Close(), ErrPoolClosed)
	_, err = pool.Forward(ctx, "N", request(&protocol.Data{}))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolForwardHonoursContext(t *testing.T) {
	addr := fakePeer(t, func(_ *protocol.ChunkedWriter, msgs <-chan *protocol.ProtocolMessage, _ net.Conn) {
		for range msgs {
		}
	})
	pool := newTestPool(addr)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := pool.Forward(ctx, "N", request(&protocol.Data{Payload: "x"}))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindTimeout, te.Kind)

	stats := pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Pending)
}

func TestPoolCloseAfter(t *testing.T) {
	addr := fakePeer(t, func(w *protocol.ChunkedWriter, msgs <-chan *protocol.ProtocolMessage, _ net.Conn) {
		for msg := range msgs {
			w.WriteMessage(msg.Acknowledge(&protocol.Response{Payload: "ok"}))
		}
	})
	pool := newTestPool(addr)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := pool.Forward(ctx, "N", request(&protocol.Data{Payload: "x"}))
	require.NoError(t, err)
	require.Len(t, pool.Stats(), 1)

	pool.CloseAfter("N", 10*time.Millisecond)
	assert.Empty(t, pool.Stats())

	// Unknown nodes are ignored.
	pool.CloseAfter("nobody", 0)
}

// gatedDirectory blocks lookups of one node until release is closed.
type gatedDirectory struct {
	StaticDirectory
	gated   string
	release chan struct{}
}

func (d *gatedDirectory) Lookup(node string) (string, error) {
	if node == d.gated {
		<-d.release
	}
	return d.StaticDirectory.Lookup(node)
}

func TestPoolSlowNodeDoesNotBlockOthers(t *testing.T) {
	addr := fakePeer(t, func(w *protocol.ChunkedWriter, msgs <-chan *protocol.ProtocolMessage, _ net.Conn) {
		for msg := range msgs {
			w.WriteMessage(msg.Acknowledge(&protocol.Response{Payload: "ok"}))
		}
	})
	dir := &gatedDirectory{
		StaticDirectory: StaticDirectory{"N": addr, "S": deadAddress(t)},
		gated:           "S",
		release:         make(chan struct{}),
	}
	pool := NewConnectionPool(dir, 0, log.NewDiscard().GetLogger("pool"))
	defer pool.Close()

	slowDone := make(chan error, 1)
	go func() {
		_, err := pool.Forward(context.Background(), "S", request(&protocol.Data{}))
		slowDone <- err
	}()
	// Let the slow forward reach its lookup.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := pool.Forward(ctx, "N", request(&protocol.Data{Payload: "x"}))
	require.NoError(t, err)
	assert.IsType(t, &protocol.Received{}, reply.Data)

	select {
	case <-slowDone:
		t.Fatal("slow forward finished before its lookup was released")
	default:
	}

	close(dir.release)
	select {
	case err := <-slowDone:
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, KindRefused, te.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("slow forward never finished")
	}
}

func TestPoolConcurrentForwardsShareDial(t *testing.T) {
	// fakePeer accepts a single connection, so every forward must reuse it.
	addr := fakePeer(t, func(w *protocol.ChunkedWriter, msgs <-chan *protocol.ProtocolMessage, _ net.Conn) {
		for msg := range msgs {
			w.WriteMessage(msg.Acknowledge(&protocol.Response{Payload: "ok"}))
		}
	})
	dir := &gatedDirectory{
		StaticDirectory: StaticDirectory{"N": addr},
		gated:           "N",
		release:         make(chan struct{}),
	}
	pool := NewConnectionPool(dir, 0, log.NewDiscard().GetLogger("pool"))
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := pool.Forward(ctx, "N", request(&protocol.Data{}))
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(dir.release)

	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Len(t, pool.Stats(), 1)
}

func TestPoolDialHonoursContext(t *testing.T) {
	dir := &gatedDirectory{
		StaticDirectory: StaticDirectory{"S": deadAddress(t)},
		gated:           "S",
		release:         make(chan struct{}),
	}
	defer close(dir.release)
	pool := NewConnectionPool(dir, 0, log.NewDiscard().GetLogger("pool"))
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := pool.Forward(ctx, "S", request(&protocol.Data{}))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindTimeout, te.Kind)
}
