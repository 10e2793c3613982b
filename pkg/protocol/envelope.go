package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolMessage wraps every handshake or data message in transit.
// Route lists node identifiers from origin to final destination and is
// never modified in place.
type ProtocolMessage struct {
	ID    string
	Route []string
	Data  Message
}

type protocolMessageWire struct {
	ID    string          `json:"id"`
	Route []string        `json:"route"`
	Data  json.RawMessage `json:"data"`
}

// NewMessageID returns a fresh correlation identifier.
func NewMessageID() string {
	return uuid.NewString()
}

// NewProtocolMessage builds an envelope with a fresh id and its own copy
// of route.
func NewProtocolMessage(data Message, route []string) *ProtocolMessage {
	return &ProtocolMessage{
		ID:    NewMessageID(),
		Route: CopyRoute(route),
		Data:  data,
	}
}

// Reply builds a new envelope for data travelling back along the reversed
// route. The receiver's route is left untouched.
func (m *ProtocolMessage) Reply(data Message) *ProtocolMessage {
	return &ProtocolMessage{
		ID:    NewMessageID(),
		Route: ReverseRoute(m.Route),
		Data:  data,
	}
}

// Acknowledge builds the received envelope correlated to this request.
func (m *ProtocolMessage) Acknowledge(response Message) *ProtocolMessage {
	return m.Reply(&Received{MessageID: m.ID, Response: response})
}

// Origin returns the first node of the route.
func (m *ProtocolMessage) Origin() string {
	if len(m.Route) == 0 {
		return ""
	}
	return m.Route[0]
}

// Destination returns the final node of the route.
func (m *ProtocolMessage) Destination() string {
	if len(m.Route) == 0 {
		return ""
	}
	return m.Route[len(m.Route)-1]
}

// IsFinal reports whether node is the final hop.
func (m *ProtocolMessage) IsFinal(node string) bool {
	return len(m.Route) > 0 && m.Route[len(m.Route)-1] == node
}

// NextHop returns the node following node on the route.
func (m *ProtocolMessage) NextHop(node string) (string, error) {
	if len(m.Route) == 0 {
		return "", &RouteError{Node: node, Route: m.Route, Reason: ErrEmptyRoute.Error()}
	}

	idx := m.IndexOf(node)
	if idx < 0 {
		return "", &RouteError{Node: node, Route: m.Route, Reason: "node is not on the route"}
	}
	if idx+1 >= len(m.Route) {
		return "", &RouteError{Node: node, Route: m.Route, Reason: "next node is undefined in route"}
	}
	return m.Route[idx+1], nil
}

// IndexOf returns the position of node in the route, or -1.
func (m *ProtocolMessage) IndexOf(node string) int {
	for i, n := range m.Route {
		if n == node {
			return i
		}
	}
	return -1
}

func (m ProtocolMessage) MarshalJSON() ([]byte, error) {
	data, err := EncodeMessage(m.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(protocolMessageWire{ID: m.ID, Route: m.Route, Data: data})
}

func (m *ProtocolMessage) UnmarshalJSON(b []byte) error {
	var w protocolMessageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	data, err := DecodeMessage(w.Data)
	if err != nil {
		return err
	}

	m.ID = w.ID
	m.Route = w.Route
	m.Data = data
	return nil
}

// DecodeProtocolMessage decodes one frame payload into an envelope.
func DecodeProtocolMessage(payload []byte) (*ProtocolMessage, error) {
	var m ProtocolMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode protocol message: %w", err)
	}
	return &m, nil
}

// CopyRoute returns a copy of route.
func CopyRoute(route []string) []string {
	out := make([]string, len(route))
	copy(out, route)
	return out
}

// ReverseRoute returns a reversed copy of route.
func ReverseRoute(route []string) []string {
	out := make([]string, len(route))
	for i, n := range route {
		out[len(route)-1-i] = n
	}
	return out
}
