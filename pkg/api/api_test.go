package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/meshrelay/pkg/graph"
	"github.com/ZentaChain/meshrelay/pkg/log"
	"github.com/ZentaChain/meshrelay/pkg/metrics"
	"github.com/ZentaChain/meshrelay/pkg/network"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
	"github.com/ZentaChain/meshrelay/pkg/storage"
)

type fakeRelay struct{}

func (fakeRelay) GetStats() *network.Stats {
	return &network.Stats{Node: "A", Address: "127.0.0.1:7000", Connections: 2}
}

type fakeInbox struct {
	messages []*storage.ChatMessage
	err      error
}

func (f *fakeInbox) List(_ context.Context, node string, limit int) ([]*storage.ChatMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && limit < len(f.messages) {
		return f.messages[len(f.messages)-limit:], nil
	}
	return f.messages, nil
}

func (f *fakeInbox) Count(_ context.Context, node string) (int, error) {
	return len(f.messages), f.err
}

type echoSender struct {
	routes [][]string
}

func (e *echoSender) Send(_ context.Context, route []string, req *protocol.AppRequest) *network.NodeResponse {
	e.routes = append(e.routes, route)
	target := route[len(route)-1]
	if target == "D" {
		return &network.NodeResponse{Node: target, Error: "Connection refused - node D is not running", Kind: network.KindRefused}
	}
	return &network.NodeResponse{Node: target, Response: &protocol.AppResponse{EchoedMessage: "[" + target + "] " + req.Message}}
}

func newTestServer(t *testing.T, inbox InboxReader, sender network.Sender) *Server {
	t.Helper()
	g, err := graph.Parse("A:B,B:C,C:D")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.RateLimit = 0
	s, err := NewServer(Services{Node: "A", Relay: fakeRelay{}, Graph: g, Inbox: inbox, Sender: sender}, cfg, log.NewDiscard())
	require.NoError(t, err)
	return s
}

func do(s *Server, method, url string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthAndStatus(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := do(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "A", health.Node)

	w = do(s, http.MethodGet, "/api/v1/node/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var stats network.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "A", stats.Node)
	assert.Equal(t, 2, stats.Connections)
}

func TestTopologyAndRoute(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := do(s, http.MethodGet, "/api/v1/topology", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var topo TopologyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &topo))
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, topo.Nodes)
	assert.Equal(t, []string{"A", "B", "C", "D"}, topo.Reachable)
	assert.ElementsMatch(t, []string{"A", "C"}, topo.Links["B"])

	tests := []struct {
		url   string
		code  int
		route []string
	}{
		{"/api/v1/topology/route?to=C", http.StatusOK, []string{"A", "B", "C"}},
		{"/api/v1/topology/route?from=D&to=B", http.StatusOK, []string{"D", "C", "B"}},
		{"/api/v1/topology/route?to=D&exclude=C", http.StatusNotFound, nil},
		{"/api/v1/topology/route", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			w := do(s, http.MethodGet, tt.url, nil)
			require.Equal(t, tt.code, w.Code)
			if tt.route == nil {
				return
			}
			var resp RouteResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.route, resp.Route)
			assert.Equal(t, len(tt.route)-1, resp.Hops)
		})
	}
}

func TestInbox(t *testing.T) {
	inbox := &fakeInbox{messages: []*storage.ChatMessage{
		{ID: 1, Node: "A", Message: "one", Timestamp: time.Now()},
		{ID: 2, Node: "A", Message: "two", Timestamp: time.Now()},
	}}
	s := newTestServer(t, inbox, nil)

	w := do(s, http.MethodGet, "/api/v1/inbox?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp InboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "two", resp.Messages[0].Message)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/api/v1/inbox?limit=x", nil).Code)

	inbox.err = errors.New("locked")
	assert.Equal(t, http.StatusInternalServerError, do(s, http.MethodGet, "/api/v1/inbox", nil).Code)

	disabled := newTestServer(t, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(disabled, http.MethodGet, "/api/v1/inbox", nil).Code)
}

func TestSend(t *testing.T) {
	sender := &echoSender{}
	s := newTestServer(t, nil, sender)

	w := do(s, http.MethodPost, "/api/v1/send", SendRequest{To: "C", Action: "echo", Message: "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	var res network.NodeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "[C] hi", res.Response.EchoedMessage)
	assert.Equal(t, []string{"A", "B", "C"}, sender.routes[0])

	w = do(s, http.MethodPost, "/api/v1/send", SendRequest{Route: []string{"B", "C"}, Action: "echo"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"B", "C"}, sender.routes[1])

	w = do(s, http.MethodPost, "/api/v1/send", SendRequest{To: "D", Action: "echo"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/v1/send", SendRequest{Action: "echo"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/v1/send", SendRequest{To: "C"}).Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPost, "/api/v1/send", SendRequest{To: "Z", Action: "echo"}).Code)

	disabled := newTestServer(t, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(disabled, http.MethodPost, "/api/v1/send", SendRequest{To: "C", Action: "echo"}).Code)
}

func TestBroadcast(t *testing.T) {
	s := newTestServer(t, nil, &echoSender{})

	w := do(s, http.MethodPost, "/api/v1/broadcast", SendRequest{Action: "echo", Message: "all"})
	require.Equal(t, http.StatusOK, w.Code)
	var summary network.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, []string{"D"}, summary.Unavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Init()
	s := newTestServer(t, nil, nil)

	w := do(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "meshrelay_"), "metrics exposition expected")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2)
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"))
}

func TestServerStartStop(t *testing.T) {
	g, err := graph.Parse("A:B")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"

	s, err := NewServer(Services{Node: "A", Relay: fakeRelay{}, Graph: g}, cfg, log.NewDiscard())
	require.NoError(t, err)
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())

	_, err = NewServer(Services{Node: "A"}, nil, log.NewDiscard())
	assert.Error(t, err)
}
