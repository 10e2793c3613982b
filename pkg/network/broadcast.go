package network

import (
	"context"

	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/meshrelay/pkg/graph"
	"github.com/ZentaChain/meshrelay/pkg/log"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// Sender delivers one request along a route. *Client implements it.
type Sender interface {
	Send(ctx context.Context, route []string, req *protocol.AppRequest) *NodeResponse
}

// Summary is the outcome of a broadcast.
type Summary struct {
	From        string          `json:"from"`
	Total       int             `json:"total"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Unavailable []string        `json:"unavailable"`
	Skipped     []string        `json:"skipped"`
	Responses   []*NodeResponse `json:"responses"`
}

// Broadcaster sends one request to every node reachable from an origin.
type Broadcaster struct {
	graph  *graph.Graph
	sender Sender
	log    *logging.Logger
}

// NewBroadcaster creates a broadcaster over g.
func NewBroadcaster(g *graph.Graph, sender Sender, backend *log.Backend) *Broadcaster {
	return &Broadcaster{graph: g, sender: sender, log: backend.GetLogger("broadcast")}
}

// Broadcast sends req from from to each reachable node in turn. Nodes that
// turn out not to be running are excluded from the routes computed for
// the remaining targets. A failing target never stops the broadcast.
func (b *Broadcaster) Broadcast(ctx context.Context, from string, req *protocol.AppRequest) *Summary {
	summary := &Summary{From: from}
	unavailable := make(map[string]bool)

	for _, target := range b.graph.ReachableFrom(from) {
		if target == from {
			continue
		}
		summary.Total++

		if ctx.Err() != nil || unavailable[target] {
			summary.Skipped = append(summary.Skipped, target)
			continue
		}

		route := b.graph.FindRoute(from, target, unavailable)
		if route == nil {
			summary.Failed++
			summary.Responses = append(summary.Responses, &NodeResponse{
				Node:  target,
				Error: "No route found (unavailable nodes in path)",
				Kind:  KindRoute,
			})
			continue
		}

		b.log.Infof("Sending %s to %s via %v", req.Action, target, route)
		res := b.sender.Send(ctx, route, req)
		summary.Responses = append(summary.Responses, res)

		if !res.Failed() {
			summary.Succeeded++
			continue
		}
		summary.Failed++

		if res.Critical() {
			b.markUnavailable(unavailable, summary, target)
			if res.FailedNode != "" {
				b.markUnavailable(unavailable, summary, res.FailedNode)
			}
		}
	}
	return summary
}

func (b *Broadcaster) markUnavailable(set map[string]bool, summary *Summary, node string) {
	if set[node] {
		return
	}
	set[node] = true
	summary.Unavailable = append(summary.Unavailable, node)
	b.log.Warningf("Marking %s unavailable", node)
}
