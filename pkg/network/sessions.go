package network

import (
	"sort"
	"strings"
	"sync"

	"github.com/ZentaChain/meshrelay/pkg/handshake"
	"github.com/ZentaChain/meshrelay/pkg/metrics"
)

// RouteKey identifies the logical session of a route.
func RouteKey(route []string) string {
	return strings.Join(route, ",")
}

type routeSession struct {
	responder *handshake.Responder
	owners    map[*inbound]struct{}
}

// sessionTable keeps one responder per route. A session lives as long as
// at least one inbound connection that used it is open.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*routeSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*routeSession)}
}

// acquire returns the responder for key, creating it if needed, and
// records owner as a user of it.
func (t *sessionTable) acquire(key string, owner *inbound, create func() *handshake.Responder) *handshake.Responder {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[key]
	if !ok {
		s = &routeSession{
			responder: create(),
			owners:    make(map[*inbound]struct{}),
		}
		t.sessions[key] = s
		metrics.RouteSessions(len(t.sessions))
	}
	s.owners[owner] = struct{}{}
	return s.responder
}

// evict drops the session for key unconditionally.
func (t *sessionTable) evict(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sessions, key)
	metrics.RouteSessions(len(t.sessions))
}

// release removes owner from every session and drops sessions nobody
// uses any more.
func (t *sessionTable) release(owner *inbound) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, s := range t.sessions {
		delete(s.owners, owner)
		if len(s.owners) == 0 {
			delete(t.sessions, key)
		}
	}
	metrics.RouteSessions(len(t.sessions))
}

// SessionInfo describes one route session.
type SessionInfo struct {
	Route       string `json:"route"`
	State       string `json:"state"`
	Connections int    `json:"connections"`
}

func (t *sessionTable) snapshot() []SessionInfo {
	type entry struct {
		key    string
		r      *handshake.Responder
		owners int
	}

	t.mu.Lock()
	entries := make([]entry, 0, len(t.sessions))
	for key, s := range t.sessions {
		entries = append(entries, entry{key: key, r: s.responder, owners: len(s.owners)})
	}
	t.mu.Unlock()

	// State waits for an in-flight step, so it is read outside the lock.
	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, SessionInfo{
			Route:       e.key,
			State:       string(e.r.State()),
			Connections: e.owners,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}
