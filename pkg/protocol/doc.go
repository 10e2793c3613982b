// Package protocol implements the meshrelay wire protocol.
//
// # Framing
//
// Every unit on the wire is a textual header followed by a JSON payload:
//
//	Content-Length: <decimal byte count>\r\n\r\n<payload>
//
// Writers may split a frame into arbitrarily small physical writes
// (MaxPacketSize models a 64-byte radio link); Decoder reassembles frames
// regardless of chunk boundaries and handles several frames packed into a
// single read.
//
// # Messages
//
// Payloads are a closed, "type"-tagged union decoded once at the framing
// boundary by DecodeMessage:
//
// Handshake:
//   - initial_handshake: client random, or server random + certificate
//   - premaster / premaster_ack: RSA-OAEP premaster exchange
//   - ready: encrypted ready marker, both directions
//   - data / response: encrypted application request and response
//
// Relay:
//   - received: acknowledgment envelope correlated by messageId
//   - error: relay failure report carried inside a received envelope
//
// Trust authority:
//   - verify_cert / verify_result
//
// Handshake and data messages travel inside a ProtocolMessage envelope
// carrying a correlation id and the explicit route. Replies are built from
// a reversed copy of the route.
//
// # Usage Example
//
//	msg := protocol.NewProtocolMessage(&protocol.InitialHandshake{Random: r}, route)
//	w := protocol.NewChunkedWriter(conn, protocol.MaxPacketSize)
//	if err := w.WriteMessage(msg); err != nil {
//	    return err
//	}
//
//	dec := protocol.NewDecoder(func(payload []byte) error {
//	    reply, err := protocol.DecodeProtocolMessage(payload)
//	    ...
//	})
package protocol
