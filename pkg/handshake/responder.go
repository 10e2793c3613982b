package handshake

import (
	"context"
	"crypto/rsa"
	"encoding/json"

	"github.com/ZentaChain/meshrelay/pkg/crypto"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// Handler produces the response to a decrypted application request.
type Handler interface {
	HandleRequest(ctx context.Context, req *protocol.AppRequest) *protocol.AppResponse
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *protocol.AppRequest) *protocol.AppResponse

func (f HandlerFunc) HandleRequest(ctx context.Context, req *protocol.AppRequest) *protocol.AppResponse {
	return f(ctx, req)
}

// Identity is the certificate and key a node presents to initiators.
type Identity struct {
	Name           string
	CertificatePEM string
	PrivateKey     *rsa.PrivateKey
}

// Responder is the final node's side of a handshake. One responder serves
// one route; messages for it are handled one at a time.
type Responder struct {
	identity Identity
	handler  Handler
	queue    serialQueue

	state        State
	clientRandom string
	serverRandom string
	sessionKey   []byte
}

// NewResponder creates a responder presenting identity and dispatching
// application requests to handler.
func NewResponder(identity Identity, handler Handler) *Responder {
	return &Responder{
		identity: identity,
		handler:  handler,
		queue:    newSerialQueue(),
		state:    StateInitialHandshake,
	}
}

// State returns the current handshake state.
func (r *Responder) State() State {
	r.queue <- struct{}{}
	defer func() { <-r.queue }()
	return r.state
}

// SessionKey returns a copy of the session key once the handshake is
// complete.
func (r *Responder) SessionKey() ([]byte, error) {
	if r.State() != StateReadyComplete {
		return nil, ErrNotReady
	}
	return append([]byte(nil), r.sessionKey...), nil
}

// Handle processes one message from the initiator and returns exactly one
// reply. Handshake replies advance the state; once complete every data
// message yields an encrypted response.
func (r *Responder) Handle(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	var out protocol.Message
	err := r.queue.run(ctx, func() error {
		var err error
		switch r.state {
		case StateInitialHandshake:
			out, err = r.handleClientHello(msg)
		case StatePremasterSecret:
			out, err = r.handlePremaster(msg)
		case StateReady:
			out, err = r.handleReady(msg)
		case StateReadyComplete:
			out, err = r.handleData(ctx, msg)
		}
		return err
	})
	return out, err
}

func (r *Responder) violation(expected protocol.MessageType, msg protocol.Message) error {
	return &protocol.ProtocolViolation{
		State:    string(r.state),
		Expected: expected,
		Actual:   protocol.TypeOf(msg),
	}
}

func (r *Responder) handleClientHello(msg protocol.Message) (protocol.Message, error) {
	hello, ok := msg.(*protocol.InitialHandshake)
	if !ok {
		return nil, r.violation(protocol.TypeInitialHandshake, msg)
	}

	random, err := crypto.NewRandom()
	if err != nil {
		return nil, &crypto.CryptoError{Op: "server random", Err: err}
	}

	r.clientRandom = hello.Random
	r.serverRandom = random
	r.state = StatePremasterSecret
	return &protocol.InitialHandshake{Random: random, SSLCertificate: r.identity.CertificatePEM}, nil
}

func (r *Responder) handlePremaster(msg protocol.Message) (protocol.Message, error) {
	pm, ok := msg.(*protocol.Premaster)
	if !ok {
		return nil, r.violation(protocol.TypePremaster, msg)
	}

	premaster, err := crypto.DecryptPremaster(r.identity.PrivateKey, pm.Premaster)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveSessionKey(premaster, r.clientRandom, r.serverRandom)
	if err != nil {
		return nil, err
	}

	r.sessionKey = key
	r.state = StateReady
	return &protocol.PremasterAck{}, nil
}

func (r *Responder) handleReady(msg protocol.Message) (protocol.Message, error) {
	ready, ok := msg.(*protocol.Ready)
	if !ok {
		return nil, r.violation(protocol.TypeReady, msg)
	}

	if err := checkMarker(r.sessionKey, ready.Payload); err != nil {
		return nil, err
	}
	payload, err := crypto.Seal(r.sessionKey, ReadyMarker)
	if err != nil {
		return nil, err
	}

	r.state = StateReadyComplete
	return &protocol.Ready{Payload: payload}, nil
}

func (r *Responder) handleData(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	data, ok := msg.(*protocol.Data)
	if !ok {
		return nil, r.violation(protocol.TypeData, msg)
	}

	plaintext, err := crypto.Open(r.sessionKey, data.Payload)
	if err != nil {
		return nil, err
	}

	var resp *protocol.AppResponse
	var req protocol.AppRequest
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		resp = protocol.ErrorResponse("Invalid request")
	} else {
		resp = r.handler.HandleRequest(ctx, &req)
	}
	if resp == nil {
		resp = protocol.ErrorResponse("No response")
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	payload, err := crypto.Seal(r.sessionKey, string(raw))
	if err != nil {
		return nil, err
	}
	return &protocol.Response{Payload: payload}, nil
}
