package network

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ZentaChain/meshrelay/pkg/handshake"
	"github.com/ZentaChain/meshrelay/pkg/metrics"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// handleFrame processes one complete frame from in. A returned error
// closes the connection.
func (rs *RelayServer) handleFrame(ctx context.Context, in *inbound, payload []byte) error {
	msg, err := protocol.DecodeProtocolMessage(payload)
	if err != nil {
		rs.rejectUndecodable(in, payload, err)
		return err
	}
	if len(msg.Route) == 0 {
		return rs.sendError(in, msg, &protocol.RouteError{Node: rs.name, Reason: protocol.ErrEmptyRoute.Error()})
	}

	metrics.FrameReceived(string(protocol.TypeOf(msg.Data)))
	rs.log.Debugf("Frame %s (%s) route=%v", msg.ID, protocol.TypeOf(msg.Data), msg.Route)

	if msg.IsFinal(rs.name) {
		return rs.deliver(ctx, in, msg)
	}
	return rs.relay(ctx, in, msg)
}

// rejectUndecodable answers a frame whose data could not be decoded, as
// long as its id and route can still be recovered.
func (rs *RelayServer) rejectUndecodable(in *inbound, payload []byte, cause error) {
	var head struct {
		ID    string   `json:"id"`
		Route []string `json:"route"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.ID == "" || len(head.Route) == 0 {
		rs.log.Warningf("Dropping undecodable frame from %s: %v", in.conn.RemoteAddr(), cause)
		return
	}

	msg := &protocol.ProtocolMessage{ID: head.ID, Route: head.Route}
	report := &protocol.ErrorReport{
		Node:  rs.name,
		Kind:  string(KindProtocol),
		Error: cause.Error(),
	}
	if err := in.send(msg.Acknowledge(report)); err != nil {
		rs.log.Debugf("Failed to report decode error: %v", err)
	}
}

// relay forwards msg to the next hop and writes the correlated reply, or a
// synthesized error, back to in.
func (rs *RelayServer) relay(ctx context.Context, in *inbound, msg *protocol.ProtocolMessage) error {
	next, err := msg.NextHop(rs.name)
	if err != nil {
		metrics.Forwarded("unroutable")
		return rs.sendError(in, msg, err)
	}

	reply, err := rs.pool.Forward(ctx, next, msg)
	if err != nil {
		metrics.Forwarded("failed")
		rs.log.Warningf("Forward %s to %s failed: %v", msg.ID, next, err)
		return in.send(msg.Acknowledge(forwardFailure(next, err)))
	}

	metrics.Forwarded("ok")
	if rs.OnMessageRelayed != nil {
		rs.OnMessageRelayed()
	}

	// The hop before the destination drops its pooled connection once the
	// session's final acknowledgment went through.
	if _, ok := reply.Data.(*protocol.Received); ok &&
		msg.IndexOf(rs.name) == len(msg.Route)-2 &&
		reply.Destination() == msg.Origin() {
		rs.pool.CloseAfter(next, rs.cfg.ReplyGrace)
	}

	return in.send(reply)
}

// deliver handles a message for which this node is the final hop.
func (rs *RelayServer) deliver(ctx context.Context, in *inbound, msg *protocol.ProtocolMessage) error {
	switch data := msg.Data.(type) {
	case *protocol.Received:
		if !rs.consumer.Consume(data) {
			rs.log.Debugf("No waiter for acknowledgment %s", data.MessageID)
		}
		return nil
	case *protocol.ErrorReport:
		rs.log.Warningf("Error report from %s (%s): %s", data.Node, data.Kind, data.Error)
		return nil
	}

	key := RouteKey(msg.Route)
	if _, ok := msg.Data.(*protocol.InitialHandshake); ok {
		// A client hello always opens a new session, replacing one that
		// was abandoned halfway.
		rs.sessions.evict(key)
	}
	responder := rs.sessions.acquire(key, in, func() *handshake.Responder {
		return handshake.NewResponder(rs.cfg.Identity, rs.cfg.Handler)
	})

	out, err := responder.Handle(ctx, msg.Data)
	if err != nil {
		metrics.HandshakeStep("failed")
		rs.sessions.evict(key)
		rs.log.Warningf("Session %s failed: %v", key, err)
		return rs.sendError(in, msg, err)
	}
	metrics.HandshakeStep(string(protocol.TypeOf(out)))

	if resp, ok := out.(*protocol.Response); ok {
		// The session is over; a reconnect on the same route starts afresh.
		rs.sessions.evict(key)
		if err := in.send(msg.Acknowledge(resp)); err != nil {
			return err
		}
		in.closeAfter(rs.cfg.ReplyGrace)
		return nil
	}
	return in.send(msg.Reply(out))
}

// sendError acknowledges msg with an error report naming this node and
// closes in after the reply grace period.
func (rs *RelayServer) sendError(in *inbound, msg *protocol.ProtocolMessage, cause error) error {
	report := &protocol.ErrorReport{
		Node:  rs.name,
		Kind:  string(kindForHandlingError(cause)),
		Error: cause.Error(),
	}
	if err := in.send(msg.Acknowledge(report)); err != nil {
		return fmt.Errorf("failed to send error report: %w", err)
	}
	in.closeAfter(rs.cfg.ReplyGrace)
	return nil
}
