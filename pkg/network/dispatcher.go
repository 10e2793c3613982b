package network

import (
	"context"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/meshrelay/pkg/metrics"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// Inbox persists chat messages delivered to a node.
type Inbox interface {
	SaveChat(ctx context.Context, node, message string) error
}

// Dispatcher serves decrypted application requests on a final hop.
type Dispatcher struct {
	node  string
	inbox Inbox
	log   *logging.Logger
}

// NewDispatcher creates the application handler of node. inbox may be nil.
func NewDispatcher(node string, inbox Inbox, log *logging.Logger) *Dispatcher {
	return &Dispatcher{node: node, inbox: inbox, log: log}
}

// HandleRequest implements handshake.Handler.
func (d *Dispatcher) HandleRequest(ctx context.Context, req *protocol.AppRequest) *protocol.AppResponse {
	metrics.AppRequest(req.Action)

	switch req.Action {
	case protocol.ActionEcho:
		return &protocol.AppResponse{EchoedMessage: fmt.Sprintf("[%s] %s", d.node, req.Message)}

	case protocol.ActionChat:
		d.log.Noticef("Chat message: %s", req.Message)
		if d.inbox != nil {
			if err := d.inbox.SaveChat(ctx, d.node, req.Message); err != nil {
				d.log.Errorf("Failed to store chat message: %v", err)
				return protocol.ErrorResponse("Failed to store message")
			}
		}
		return protocol.OKResponse()

	default:
		return protocol.ErrorResponse("Unknown action")
	}
}
