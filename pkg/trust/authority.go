package trust

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/meshrelay/pkg/crypto"
	"github.com/ZentaChain/meshrelay/pkg/log"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// Authority answers verify_cert requests against a root certificate.
type Authority struct {
	rootPEM   []byte
	maxPacket int
	log       *logging.Logger

	// Now returns the time certificates are checked at.
	Now func() time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewAuthority creates an authority trusting certificates issued by the
// PEM encoded root.
func NewAuthority(rootPEM []byte, maxPacket int, backend *log.Backend) (*Authority, error) {
	if _, err := crypto.ParseCertificatePEM(rootPEM); err != nil {
		return nil, err
	}
	return &Authority{
		rootPEM:   rootPEM,
		maxPacket: maxPacket,
		log:       backend.GetLogger("trust"),
		Now:       time.Now,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Start listens on addr and serves connections in the background.
func (a *Authority) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()

	a.log.Noticef("Trust authority listening on %s", listener.Addr())

	a.wg.Add(1)
	go a.acceptLoop(listener)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (a *Authority) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Stop closes the listener and every open connection.
func (a *Authority) Stop() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	listener := a.listener
	for conn := range a.conns {
		conn.Close()
	}
	a.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	a.wg.Wait()
	return err
}

func (a *Authority) acceptLoop(listener net.Listener) {
	defer a.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				a.log.Errorf("Accept error: %v", err)
			}
			return
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			conn.Close()
			return
		}
		a.conns[conn] = struct{}{}
		a.mu.Unlock()

		a.wg.Add(1)
		go a.handleConnection(conn)
	}
}

func (a *Authority) handleConnection(conn net.Conn) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
		conn.Close()
	}()

	writer := protocol.NewChunkedWriter(conn, a.maxPacket)
	decoder := protocol.NewDecoder(func(payload []byte) error {
		return writer.WriteMessage(a.answer(payload))
	})

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if derr := decoder.Append(buf[:n]); derr != nil {
				a.log.Warningf("Closing %s: %v", conn.RemoteAddr(), derr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				a.log.Debugf("Connection from %s ended: %v", conn.RemoteAddr(), err)
			}
			return
		}
	}
}

// answer builds the verify_result for one request payload.
func (a *Authority) answer(payload []byte) *protocol.VerifyResult {
	msg, err := protocol.DecodeMessage(payload)
	req, ok := msg.(*protocol.VerifyCert)
	if err != nil || !ok {
		return &protocol.VerifyResult{Valid: false, Error: "Unknown message type"}
	}

	if err := a.Verify([]byte(req.CertificatePem), req.Host); err != nil {
		a.log.Infof("Rejected certificate for %s: %v", req.Host, err)
		return &protocol.VerifyResult{Valid: false, Error: err.Error()}
	}
	a.log.Debugf("Accepted certificate for %s", req.Host)
	return &protocol.VerifyResult{Valid: true}
}

// Verify checks certPEM against the root for host.
func (a *Authority) Verify(certPEM []byte, host string) error {
	return crypto.VerifyCertificate(certPEM, a.rootPEM, host, a.Now())
}
