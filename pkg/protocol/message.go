package protocol

import (
	"encoding/json"
	"fmt"
)

// ===== HANDSHAKE =====

// InitialHandshake opens the handshake. The client sends only its random;
// the server answers with its own random and its PEM certificate.
type InitialHandshake struct {
	Random         string `json:"random"`
	SSLCertificate string `json:"sslCertificate,omitempty"`
}

// Premaster carries the RSA-OAEP encrypted premaster secret (base64).
type Premaster struct {
	Premaster string `json:"premaster"`
}

// PremasterAck confirms the server derived the session key.
type PremasterAck struct{}

// Ready carries the encrypted ready marker, sent by both sides.
type Ready struct {
	Payload string `json:"payload"`
}

// Data carries an encrypted application request.
type Data struct {
	Payload string `json:"payload"`
}

// Response carries an encrypted application response.
type Response struct {
	Payload string `json:"payload"`
}

func (InitialHandshake) Type() MessageType { return TypeInitialHandshake }
func (Premaster) Type() MessageType        { return TypePremaster }
func (PremasterAck) Type() MessageType     { return TypePremasterAck }
func (Ready) Type() MessageType            { return TypeReady }
func (Data) Type() MessageType             { return TypeData }
func (Response) Type() MessageType         { return TypeResponse }

func (InitialHandshake) isMessage() {}
func (Premaster) isMessage()        {}
func (PremasterAck) isMessage()     {}
func (Ready) isMessage()            {}
func (Data) isMessage()             {}
func (Response) isMessage()         {}

func (m InitialHandshake) MarshalJSON() ([]byte, error) {
	type plain InitialHandshake
	return marshalTagged(TypeInitialHandshake, plain(m))
}

func (m Premaster) MarshalJSON() ([]byte, error) {
	type plain Premaster
	return marshalTagged(TypePremaster, plain(m))
}

func (m PremasterAck) MarshalJSON() ([]byte, error) {
	return marshalTagged(TypePremasterAck, struct{}{})
}

func (m Ready) MarshalJSON() ([]byte, error) {
	type plain Ready
	return marshalTagged(TypeReady, plain(m))
}

func (m Data) MarshalJSON() ([]byte, error) {
	type plain Data
	return marshalTagged(TypeData, plain(m))
}

func (m Response) MarshalJSON() ([]byte, error) {
	type plain Response
	return marshalTagged(TypeResponse, plain(m))
}

// ===== RELAY =====

// Received is the acknowledgment envelope used to carry a final response
// (or a relay failure) back across multiple hops. MessageID echoes the id
// of the request it answers. Response may be nil for a bare acknowledgment.
type Received struct {
	MessageID string
	Response  Message
}

// ErrorReport is the payload a relay synthesizes when it cannot forward.
type ErrorReport struct {
	Node  string `json:"node,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

func (Received) Type() MessageType    { return TypeReceived }
func (ErrorReport) Type() MessageType { return TypeError }
func (Received) isMessage()           {}
func (ErrorReport) isMessage()        {}

type receivedWire struct {
	MessageID string          `json:"messageId"`
	Response  json.RawMessage `json:"response"`
}

func (m Received) MarshalJSON() ([]byte, error) {
	resp, err := EncodeMessage(m.Response)
	if err != nil {
		return nil, err
	}
	return marshalTagged(TypeReceived, receivedWire{MessageID: m.MessageID, Response: resp})
}

func (m *Received) UnmarshalJSON(b []byte) error {
	var w receivedWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	m.MessageID = w.MessageID
	m.Response = nil
	if len(w.Response) == 0 || string(w.Response) == "null" {
		return nil
	}

	resp, err := DecodeMessage(w.Response)
	if err != nil {
		return fmt.Errorf("received %s: %w", w.MessageID, err)
	}
	m.Response = resp
	return nil
}

func (m ErrorReport) MarshalJSON() ([]byte, error) {
	type plain ErrorReport
	return marshalTagged(TypeError, plain(m))
}

// ===== TRUST AUTHORITY =====

// VerifyCert asks the trust authority to validate a certificate for host.
type VerifyCert struct {
	CertificatePem string `json:"certificatePem"`
	Host           string `json:"host"`
}

// VerifyResult is the trust authority's answer.
type VerifyResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (VerifyCert) Type() MessageType   { return TypeVerifyCert }
func (VerifyResult) Type() MessageType { return TypeVerifyResult }
func (VerifyCert) isMessage()          {}
func (VerifyResult) isMessage()        {}

func (m VerifyCert) MarshalJSON() ([]byte, error) {
	type plain VerifyCert
	return marshalTagged(TypeVerifyCert, plain(m))
}

func (m VerifyResult) MarshalJSON() ([]byte, error) {
	type plain VerifyResult
	return marshalTagged(TypeVerifyResult, plain(m))
}
