package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTags(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"client hello", &InitialHandshake{Random: "aa"}, `{"type":"initial_handshake","random":"aa"}`},
		{"server hello", &InitialHandshake{Random: "bb", SSLCertificate: "PEM"}, `{"type":"initial_handshake","random":"bb","sslCertificate":"PEM"}`},
		{"premaster", &Premaster{Premaster: "cc"}, `{"type":"premaster","premaster":"cc"}`},
		{"premaster ack", &PremasterAck{}, `{"type":"premaster_ack"}`},
		{"ready", &Ready{Payload: "dd"}, `{"type":"ready","payload":"dd"}`},
		{"data", &Data{Payload: "ee"}, `{"type":"data","payload":"ee"}`},
		{"response", &Response{Payload: "ff"}, `{"type":"response","payload":"ff"}`},
		{"bare ack", &Received{MessageID: "m1"}, `{"type":"received","messageId":"m1","response":null}`},
		{"error", &ErrorReport{Node: "C", Kind: "refused", Error: "x"}, `{"type":"error","node":"C","kind":"refused","error":"x"}`},
		{"verify", &VerifyCert{CertificatePem: "P", Host: "C"}, `{"type":"verify_cert","certificatePem":"P","host":"C"}`},
		{"verify result", &VerifyResult{Valid: true}, `{"type":"verify_result","valid":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeMessage(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(encoded))

			decoded, err := DecodeMessage(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestReceivedCarriesNestedMessage(t *testing.T) {
	in := &Received{MessageID: "m2", Response: &Response{Payload: "secret"}}

	encoded, err := EncodeMessage(in)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)

	rec, ok := decoded.(*Received)
	require.True(t, ok)
	assert.Equal(t, "m2", rec.MessageID)
	assert.Equal(t, &Response{Payload: "secret"}, rec.Response)
}

func TestDecodeMessageRejectsUnknownTags(t *testing.T) {
	tests := []string{
		`{"type":"broadcast","message":"hi"}`,
		`{"random":"no tag"}`,
		`{"type":"received","messageId":"x","response":{"type":"nope"}}`,
	}

	for _, raw := range tests {
		_, err := DecodeMessage([]byte(raw))
		if !errors.Is(err, ErrUnknownMessageType) {
			t.Errorf("DecodeMessage(%s) error = %v, want ErrUnknownMessageType", raw, err)
		}
	}

	if _, err := DecodeMessage([]byte(`not json`)); err == nil {
		t.Error("DecodeMessage(garbage) expected error")
	}
}

func TestProtocolMessageRoundTrip(t *testing.T) {
	msg := NewProtocolMessage(&Data{Payload: "p"}, []string{"A", "B", "C"})

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	decoded, err := DecodeProtocolMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestProtocolMessageReplyUsesReversedCopy(t *testing.T) {
	route := []string{"A", "B", "C"}
	msg := NewProtocolMessage(&Data{Payload: "p"}, route)

	route[0] = "Z"
	assert.Equal(t, []string{"A", "B", "C"}, msg.Route, "envelope keeps its own copy")

	reply := msg.Acknowledge(&Response{Payload: "r"})
	assert.Equal(t, []string{"C", "B", "A"}, reply.Route)
	assert.Equal(t, []string{"A", "B", "C"}, msg.Route, "request route untouched")
	assert.NotEqual(t, msg.ID, reply.ID)

	rec, ok := reply.Data.(*Received)
	require.True(t, ok)
	assert.Equal(t, msg.ID, rec.MessageID)
}

func TestNextHop(t *testing.T) {
	msg := NewProtocolMessage(&Data{}, []string{"A", "B", "C"})

	next, err := msg.NextHop("A")
	require.NoError(t, err)
	assert.Equal(t, "B", next)

	next, err = msg.NextHop("B")
	require.NoError(t, err)
	assert.Equal(t, "C", next)

	var re *RouteError
	_, err = msg.NextHop("C")
	assert.ErrorAs(t, err, &re)

	_, err = msg.NextHop("X")
	assert.ErrorAs(t, err, &re)

	assert.True(t, msg.IsFinal("C"))
	assert.False(t, msg.IsFinal("B"))
	assert.Equal(t, "A", msg.Origin())
	assert.Equal(t, "C", msg.Destination())
}

func TestAppResponse(t *testing.T) {
	raw, err := json.Marshal(ErrorResponse("Unknown action"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Unknown action","ok":false}`, string(raw))

	raw, err = json.Marshal(OKResponse())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	assert.True(t, (&AppResponse{EchoedMessage: "hi"}).Succeeded())
	assert.False(t, ErrorResponse("x").Succeeded())
}
