package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/meshrelay/pkg/network"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
	"github.com/ZentaChain/meshrelay/pkg/storage"
)

// HealthResponse reports liveness.
type HealthResponse struct {
	Status string `json:"status"`
	Node   string `json:"node"`
	Uptime string `json:"uptime"`
}

// TopologyResponse describes the route graph.
type TopologyResponse struct {
	Nodes     []string            `json:"nodes"`
	Links     map[string][]string `json:"links"`
	Reachable []string            `json:"reachable"`
}

// RouteResponse is a computed route.
type RouteResponse struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Route []string `json:"route"`
	Hops  int      `json:"hops"`
}

// InboxResponse lists stored chat messages.
type InboxResponse struct {
	Node     string                 `json:"node"`
	Count    int                    `json:"count"`
	Messages []*storage.ChatMessage `json:"messages"`
}

// SendRequest asks the node to originate a request. Route wins over To.
type SendRequest struct {
	To      string   `json:"to"`
	Route   []string `json:"route"`
	Action  string   `json:"action" binding:"required"`
	Message string   `json:"message"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "healthy",
		Node:   s.svc.Node,
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

// handleStatus handles GET /api/v1/node/status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Relay.GetStats())
}

// handleTopology handles GET /api/v1/topology
func (s *Server) handleTopology(c *gin.Context) {
	g := s.svc.Graph
	resp := TopologyResponse{
		Nodes:     g.Nodes(),
		Links:     make(map[string][]string),
		Reachable: g.ReachableFrom(s.svc.Node),
	}
	for _, n := range resp.Nodes {
		resp.Links[n] = g.Neighbours(n)
	}
	c.JSON(http.StatusOK, resp)
}

// handleRoute handles GET /api/v1/topology/route?from=A&to=C&exclude=B,D
func (s *Server) handleRoute(c *gin.Context) {
	from := c.DefaultQuery("from", s.svc.Node)
	to := c.Query("to")
	if to == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing destination", Message: "Query parameter 'to' is required"})
		return
	}

	excluded := make(map[string]bool)
	if ex := c.Query("exclude"); ex != "" {
		for _, n := range strings.Split(ex, ",") {
			excluded[strings.TrimSpace(n)] = true
		}
	}

	route := s.svc.Graph.FindRoute(from, to, excluded)
	if route == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No route found", Message: from + " cannot reach " + to})
		return
	}
	c.JSON(http.StatusOK, RouteResponse{From: from, To: to, Route: route, Hops: len(route) - 1})
}

// handleInbox handles GET /api/v1/inbox?limit=N
func (s *Server) handleInbox(c *gin.Context) {
	if s.svc.Inbox == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Inbox disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit", Message: "Limit must be a non-negative number"})
		return
	}

	ctx := c.Request.Context()
	messages, err := s.svc.Inbox.List(ctx, s.svc.Node, limit)
	if err != nil {
		s.log.Errorf("Failed to list inbox: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read inbox"})
		return
	}
	count, err := s.svc.Inbox.Count(ctx, s.svc.Node)
	if err != nil {
		s.log.Errorf("Failed to count inbox: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read inbox"})
		return
	}

	if messages == nil {
		messages = []*storage.ChatMessage{}
	}
	c.JSON(http.StatusOK, InboxResponse{Node: s.svc.Node, Count: count, Messages: messages})
}

// handleSend handles POST /api/v1/send
func (s *Server) handleSend(c *gin.Context) {
	if s.svc.Sender == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Sending disabled"})
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	route := req.Route
	if len(route) == 0 {
		if req.To == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "Either 'to' or 'route' is required"})
			return
		}
		route = s.svc.Graph.FindRoute(s.svc.Node, req.To, nil)
		if route == nil {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "No route found", Message: s.svc.Node + " cannot reach " + req.To})
			return
		}
	}

	res := s.svc.Sender.Send(c.Request.Context(), route, &protocol.AppRequest{Action: req.Action, Message: req.Message})
	status := http.StatusOK
	if res.Failed() {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

// handleBroadcast handles POST /api/v1/broadcast
func (s *Server) handleBroadcast(c *gin.Context) {
	if s.broadcaster == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Sending disabled"})
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	summary := s.broadcaster.Broadcast(c.Request.Context(), s.svc.Node,
		&protocol.AppRequest{Action: req.Action, Message: req.Message})
	c.JSON(http.StatusOK, summary)
}

var _ network.Sender = (*network.Client)(nil)
