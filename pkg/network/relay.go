package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/meshrelay/pkg/handshake"
	"github.com/ZentaChain/meshrelay/pkg/log"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// DefaultReplyGrace is how long a connection stays open after the final
// reply was written so the write can drain.
const DefaultReplyGrace = 100 * time.Millisecond

// ServerConfig configures a RelayServer.
type ServerConfig struct {
	// Identity is the node name, certificate and key presented to
	// initiators when this node is the final hop.
	Identity handshake.Identity

	// Directory resolves next hops. The node's own entry is the listen
	// address unless ListenAddress is set.
	Directory     Directory
	ListenAddress string

	// Handler serves decrypted application requests.
	Handler handshake.Handler

	MaxPacketSize int
	IdleTimeout   time.Duration
	ReplyGrace    time.Duration
}

// RelayServer is one mesh node: it forwards messages for which it is an
// intermediate hop and terminates sessions for which it is the final hop.
type RelayServer struct {
	name     string
	cfg      ServerConfig
	log      *logging.Logger
	pool     *ConnectionPool
	sessions *sessionTable
	consumer *Consumer

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu        sync.Mutex
	conns     map[*inbound]struct{}
	startTime time.Time
	closed    bool

	// OnMessageRelayed is called after every successful forward.
	OnMessageRelayed func()
}

// NewRelayServer creates a relay server for cfg.
func NewRelayServer(cfg ServerConfig, backend *log.Backend) (*RelayServer, error) {
	if cfg.Identity.Name == "" {
		return nil, errors.New("relay: node name is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("relay: directory is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("relay: handler is required")
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = protocol.MaxPacketSize
	}
	if cfg.ReplyGrace <= 0 {
		cfg.ReplyGrace = DefaultReplyGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RelayServer{
		name:     cfg.Identity.Name,
		cfg:      cfg,
		log:      backend.GetLogger("relay:" + cfg.Identity.Name),
		pool:     NewConnectionPool(cfg.Directory, cfg.MaxPacketSize, backend.GetLogger("pool:"+cfg.Identity.Name)),
		sessions: newSessionTable(),
		consumer: NewConsumer(),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*inbound]struct{}),
	}, nil
}

// Name returns the node identifier.
func (rs *RelayServer) Name() string {
	return rs.name
}

// Start starts the relay server
func (rs *RelayServer) Start() error {
	addr := rs.cfg.ListenAddress
	if addr == "" {
		var err error
		if addr, err = rs.cfg.Directory.Lookup(rs.name); err != nil {
			return fmt.Errorf("relay: no listen address: %w", err)
		}
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	rs.listener = listener
	rs.startTime = time.Now()
	rs.mu.Unlock()

	rs.log.Noticef("Relay %s listening on %s", rs.name, listener.Addr())

	rs.wg.Add(1)
	go rs.acceptLoop()

	return nil
}

// Addr returns the listening address, or nil before Start.
func (rs *RelayServer) Addr() net.Addr {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.listener == nil {
		return nil
	}
	return rs.listener.Addr()
}

// Stop closes the listener, every inbound connection and the pool, and
// waits for connection handlers to return.
func (rs *RelayServer) Stop() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return ErrServerClosed
	}
	rs.closed = true
	listener := rs.listener
	conns := make([]*inbound, 0, len(rs.conns))
	for in := range rs.conns {
		conns = append(conns, in)
	}
	rs.mu.Unlock()

	rs.cancel()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, in := range conns {
		in.close()
	}
	rs.pool.Close()

	rs.wg.Wait()
	rs.log.Noticef("Relay %s stopped", rs.name)
	return err
}

// Consumer returns the table resolving acknowledgments addressed to this
// node.
func (rs *RelayServer) Consumer() *Consumer {
	return rs.consumer
}

// Stats describes the live state of a relay server.
type Stats struct {
	Node        string        `json:"node"`
	Address     string        `json:"address"`
	Uptime      string        `json:"uptime"`
	Connections int           `json:"connections"`
	Peers       []PeerStats   `json:"peers"`
	Sessions    []SessionInfo `json:"sessions"`
}

// GetStats returns relay statistics
func (rs *RelayServer) GetStats() *Stats {
	rs.mu.Lock()
	stats := &Stats{
		Node:        rs.name,
		Connections: len(rs.conns),
	}
	if rs.listener != nil {
		stats.Address = rs.listener.Addr().String()
		stats.Uptime = time.Since(rs.startTime).Truncate(time.Second).String()
	}
	rs.mu.Unlock()

	stats.Peers = rs.pool.Stats()
	stats.Sessions = rs.sessions.snapshot()
	return stats
}

func (rs *RelayServer) track(in *inbound) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return false
	}
	rs.conns[in] = struct{}{}
	return true
}

func (rs *RelayServer) untrack(in *inbound) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.conns, in)
}
