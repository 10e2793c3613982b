package network

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// inbound is one accepted connection. Frames on it are handled one after
// the other, in arrival order.
type inbound struct {
	conn      net.Conn
	writer    *protocol.ChunkedWriter
	closeOnce sync.Once
}

func newInbound(conn net.Conn, maxPacket int) *inbound {
	return &inbound{
		conn:   conn,
		writer: protocol.NewChunkedWriter(conn, maxPacket),
	}
}

func (in *inbound) send(msg *protocol.ProtocolMessage) error {
	return in.writer.WriteMessage(msg)
}

func (in *inbound) close() {
	in.closeOnce.Do(func() {
		in.conn.Close()
	})
}

// closeAfter closes the connection once delay has passed.
func (in *inbound) closeAfter(delay time.Duration) {
	time.AfterFunc(delay, in.close)
}

// acceptLoop accepts incoming connections
func (rs *RelayServer) acceptLoop() {
	defer rs.wg.Done()

	for {
		conn, err := rs.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				rs.log.Errorf("Accept error: %v", err)
			}
			return
		}

		in := newInbound(conn, rs.cfg.MaxPacketSize)
		if !rs.track(in) {
			conn.Close()
			return
		}

		rs.wg.Add(1)
		go rs.handleConnection(in)
	}
}

// handleConnection reads frames from one peer until it goes away or sends
// something unrecoverable.
func (rs *RelayServer) handleConnection(in *inbound) {
	defer rs.wg.Done()
	defer rs.untrack(in)
	defer rs.sessions.release(in)
	defer in.close()

	rs.log.Debugf("New connection from %s", in.conn.RemoteAddr())

	decoder := protocol.NewDecoder(func(payload []byte) error {
		return rs.handleFrame(rs.ctx, in, payload)
	})

	buf := make([]byte, readBufferSize)
	for {
		if rs.cfg.IdleTimeout > 0 {
			in.conn.SetReadDeadline(time.Now().Add(rs.cfg.IdleTimeout))
		}

		n, err := in.conn.Read(buf)
		if n > 0 {
			if derr := decoder.Append(buf[:n]); derr != nil {
				if protocol.IsFramingError(derr) {
					rs.log.Warningf("Closing %s: %v", in.conn.RemoteAddr(), derr)
				} else {
					rs.log.Infof("Closing %s: %v", in.conn.RemoteAddr(), derr)
				}
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				rs.log.Debugf("Connection from %s ended: %v", in.conn.RemoteAddr(), err)
			}
			return
		}
	}
}
