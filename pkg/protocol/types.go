package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the "type" tag carried by every JSON message.
type MessageType string

// Handshake messages
const (
	TypeInitialHandshake MessageType = "initial_handshake"
	TypePremaster        MessageType = "premaster"
	TypePremasterAck     MessageType = "premaster_ack"
	TypeReady            MessageType = "ready"
	TypeData             MessageType = "data"
	TypeResponse         MessageType = "response"
)

// Relay messages
const (
	TypeReceived MessageType = "received"
	TypeError    MessageType = "error"
)

// Trust authority messages
const (
	TypeVerifyCert   MessageType = "verify_cert"
	TypeVerifyResult MessageType = "verify_result"
)

// Message is the closed set of messages that can appear on the wire.
// Every implementation lives in this package.
type Message interface {
	Type() MessageType
	isMessage()
}

// TypeOf returns the tag of m, or "none" for a nil message.
func TypeOf(m Message) MessageType {
	if m == nil {
		return "none"
	}
	return m.Type()
}

// DecodeMessage decodes one tagged message. Unknown or missing tags are an
// error rather than a silently ignored case.
func DecodeMessage(raw []byte) (Message, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	var m Message
	switch probe.Type {
	case TypeInitialHandshake:
		m = &InitialHandshake{}
	case TypePremaster:
		m = &Premaster{}
	case TypePremasterAck:
		m = &PremasterAck{}
	case TypeReady:
		m = &Ready{}
	case TypeData:
		m = &Data{}
	case TypeResponse:
		m = &Response{}
	case TypeReceived:
		m = &Received{}
	case TypeError:
		m = &ErrorReport{}
	case TypeVerifyCert:
		m = &VerifyCert{}
	case TypeVerifyResult:
		m = &VerifyResult{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, probe.Type)
	}

	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("failed to decode %s message: %w", probe.Type, err)
	}
	return m, nil
}

// EncodeMessage encodes m with its type tag.
func EncodeMessage(m Message) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m)
}

// marshalTagged encodes v (which must not itself implement json.Marshaler)
// as a JSON object with "type" as the first member.
func marshalTagged(t MessageType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	tag := `{"type":"` + string(t) + `"`
	if len(body) <= 2 {
		return []byte(tag + "}"), nil
	}

	out := make([]byte, 0, len(tag)+len(body))
	out = append(out, tag...)
	out = append(out, ',')
	return append(out, body[1:]...), nil
}
