// Package api provides the HTTP status and control API of a relay node.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/meshrelay/pkg/graph"
	"github.com/ZentaChain/meshrelay/pkg/log"
	"github.com/ZentaChain/meshrelay/pkg/metrics"
	"github.com/ZentaChain/meshrelay/pkg/network"
	"github.com/ZentaChain/meshrelay/pkg/storage"
)

// StatsSource reports the live state of the local relay.
type StatsSource interface {
	GetStats() *network.Stats
}

// InboxReader reads stored chat messages.
type InboxReader interface {
	List(ctx context.Context, node string, limit int) ([]*storage.ChatMessage, error)
	Count(ctx context.Context, node string) (int, error)
}

// Services are the node components the API exposes. Inbox and Sender are
// optional; their endpoints answer 503 when unset.
type Services struct {
	Node   string
	Relay  StatsSource
	Graph  *graph.Graph
	Inbox  InboxReader
	Sender network.Sender
}

// Config holds server configuration
type Config struct {
	Address      string
	EnableCORS   bool
	RateLimit    int // Requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Address:      "127.0.0.1:8080",
		EnableCORS:   true,
		RateLimit:    600,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server represents the HTTP API server of a relay node
type Server struct {
	svc         Services
	config      *Config
	broadcaster *network.Broadcaster
	router      *gin.Engine
	log         *logging.Logger
	startTime   time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new HTTP API server
func NewServer(svc Services, config *Config, backend *log.Backend) (*Server, error) {
	if svc.Relay == nil || svc.Graph == nil {
		return nil, errors.New("api: relay and graph are required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc:       svc,
		config:    config,
		router:    gin.New(),
		log:       backend.GetLogger("api"),
		startTime: time.Now(),
	}
	if svc.Sender != nil {
		s.broadcaster = network.NewBroadcaster(svc.Graph, svc.Sender, backend)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit)))
	}
	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		node := v1.Group("/node")
		{
			node.GET("/status", s.handleStatus)
		}

		topology := v1.Group("/topology")
		{
			topology.GET("", s.handleTopology)
			topology.GET("/route", s.handleRoute)
		}

		v1.GET("/inbox", s.handleInbox)
		v1.POST("/send", s.handleSend)
		v1.POST("/broadcast", s.handleBroadcast)
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = listener
	s.mu.Unlock()

	s.log.Noticef("HTTP API listening on %s", listener.Addr())
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("Server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
