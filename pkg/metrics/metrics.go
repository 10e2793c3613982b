// Package metrics holds the Prometheus instrumentation of a relay node.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrelay_frames_received_total",
			Help: "Number of frames received, by message type",
		},
		[]string{"type"},
	)
	forwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrelay_forwards_total",
			Help: "Number of messages forwarded to the next hop, by result",
		},
		[]string{"result"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshrelay_pending_requests",
			Help: "Forwarded requests waiting for a downstream reply",
		},
	)
	pooledConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshrelay_pooled_connections",
			Help: "Open outbound connections in the pool",
		},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrelay_handshake_steps_total",
			Help: "Responder handshake steps, by resulting state or error",
		},
		[]string{"outcome"},
	)
	appRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrelay_app_requests_total",
			Help: "Decrypted application requests, by action",
		},
		[]string{"action"},
	)
	routeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshrelay_route_sessions",
			Help: "Responder sessions kept per route",
		},
	)

	registerOnce sync.Once
)

// Init registers every collector with the default registry. It is safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesReceived)
		prometheus.MustRegister(forwards)
		prometheus.MustRegister(pendingRequests)
		prometheus.MustRegister(pooledConns)
		prometheus.MustRegister(handshakes)
		prometheus.MustRegister(appRequests)
		prometheus.MustRegister(routeSessions)
	})
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

func FrameReceived(msgType string) {
	framesReceived.With(prometheus.Labels{"type": msgType}).Inc()
}

func Forwarded(result string) {
	forwards.With(prometheus.Labels{"result": result}).Inc()
}

func PendingAdded() {
	pendingRequests.Inc()
}

func PendingDone() {
	pendingRequests.Dec()
}

func ConnOpened() {
	pooledConns.Inc()
}

func ConnClosed() {
	pooledConns.Dec()
}

func HandshakeStep(outcome string) {
	handshakes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func AppRequest(action string) {
	appRequests.With(prometheus.Labels{"action": action}).Inc()
}

// RouteSessions records the current size of the route session table.
func RouteSessions(n int) {
	routeSessions.Set(float64(n))
}
