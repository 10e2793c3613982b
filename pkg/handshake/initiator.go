package handshake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ZentaChain/meshrelay/pkg/crypto"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// Verifier validates a peer certificate for host. The trust client
// implements it.
type Verifier interface {
	VerifyCertificate(ctx context.Context, certPEM, host string) error
}

// Encrypter is handed to the caller once the session key is confirmed.
type Encrypter interface {
	EncryptRequest(req *protocol.AppRequest) (*protocol.Data, error)
	DecryptResponse(resp *protocol.Response) (*protocol.AppResponse, error)
}

// Initiator is the client side of a handshake with the final node of a
// route.
type Initiator struct {
	host     string
	verifier Verifier
	queue    serialQueue

	// OnReady, when set, is called once when the session reaches
	// ready_complete.
	OnReady func(Encrypter)

	started      bool
	state        State
	clientRandom string
	serverRandom string
	peerCert     string
	premaster    []byte
	sessionKey   []byte
}

// NewInitiator creates an initiator that expects the responder's
// certificate to be issued for host.
func NewInitiator(host string, verifier Verifier) *Initiator {
	return &Initiator{
		host:     host,
		verifier: verifier,
		queue:    newSerialQueue(),
		state:    StateInitiateHandshake,
	}
}

// State returns the current handshake state.
func (i *Initiator) State() State {
	i.queue <- struct{}{}
	defer func() { <-i.queue }()
	return i.state
}

// Start generates the client random and returns the opening message.
func (i *Initiator) Start(ctx context.Context) (protocol.Message, error) {
	var out protocol.Message
	err := i.queue.run(ctx, func() error {
		if i.started {
			return fmt.Errorf("handshake already started")
		}

		random, err := crypto.NewRandom()
		if err != nil {
			return &crypto.CryptoError{Op: "client random", Err: err}
		}

		i.clientRandom = random
		i.started = true
		out = &protocol.InitialHandshake{Random: random}
		return nil
	})
	return out, err
}

// Handle advances the handshake with a message from the responder and
// returns the next message to send, or nil once the handshake is complete.
// A message the current state does not expect fails with a
// *protocol.ProtocolViolation and leaves the state unchanged.
func (i *Initiator) Handle(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	var (
		out      protocol.Message
		complete bool
	)
	err := i.queue.run(ctx, func() error {
		if !i.started {
			return ErrNotStarted
		}

		var err error
		switch i.state {
		case StateInitiateHandshake:
			out, err = i.handleServerHello(ctx, msg)
		case StatePremasterSent:
			out, err = i.handlePremasterAck(msg)
		case StateReady:
			err = i.handleReady(msg)
			complete = err == nil
		default:
			err = i.violation(protocol.TypeResponse, msg)
		}
		return err
	})

	// Outside the queue so the callback may use the Encrypter right away.
	if complete && i.OnReady != nil {
		i.OnReady(i)
	}
	return out, err
}

func (i *Initiator) violation(expected protocol.MessageType, msg protocol.Message) error {
	return &protocol.ProtocolViolation{
		State:    string(i.state),
		Expected: expected,
		Actual:   protocol.TypeOf(msg),
	}
}

func (i *Initiator) handleServerHello(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	hello, ok := msg.(*protocol.InitialHandshake)
	if !ok || hello.SSLCertificate == "" {
		return nil, i.violation(protocol.TypeInitialHandshake, msg)
	}

	// Fail closed: nothing is sent to a peer the authority did not accept.
	if err := i.verifier.VerifyCertificate(ctx, hello.SSLCertificate, i.host); err != nil {
		return nil, err
	}

	premaster, err := crypto.NewPremaster()
	if err != nil {
		return nil, &crypto.CryptoError{Op: "premaster", Err: err}
	}
	encrypted, err := crypto.EncryptPremaster(hello.SSLCertificate, premaster)
	if err != nil {
		return nil, err
	}

	i.serverRandom = hello.Random
	i.peerCert = hello.SSLCertificate
	i.premaster = premaster
	i.state = StatePremasterSent
	return &protocol.Premaster{Premaster: encrypted}, nil
}

func (i *Initiator) handlePremasterAck(msg protocol.Message) (protocol.Message, error) {
	if _, ok := msg.(*protocol.PremasterAck); !ok {
		return nil, i.violation(protocol.TypePremasterAck, msg)
	}

	key, err := crypto.DeriveSessionKey(i.premaster, i.clientRandom, i.serverRandom)
	if err != nil {
		return nil, err
	}
	payload, err := crypto.Seal(key, ReadyMarker)
	if err != nil {
		return nil, err
	}

	i.sessionKey = key
	i.premaster = nil
	i.state = StateReady
	return &protocol.Ready{Payload: payload}, nil
}

func (i *Initiator) handleReady(msg protocol.Message) error {
	ready, ok := msg.(*protocol.Ready)
	if !ok {
		return i.violation(protocol.TypeReady, msg)
	}

	if err := checkMarker(i.sessionKey, ready.Payload); err != nil {
		return err
	}

	i.state = StateReadyComplete
	return nil
}

func checkMarker(key []byte, payload string) error {
	marker, err := crypto.Open(key, payload)
	if err != nil {
		return err
	}
	if marker != ReadyMarker {
		return &crypto.CryptoError{Op: "ready marker", Err: ErrMarkerMismatch}
	}
	return nil
}

// PeerCertificate returns the responder certificate accepted by the
// trust authority, or "" before the server hello has been verified.
func (i *Initiator) PeerCertificate() string {
	i.queue <- struct{}{}
	defer func() { <-i.queue }()
	return i.peerCert
}

// SessionKey returns a copy of the session key. It fails until the
// handshake has reached ready_complete.
func (i *Initiator) SessionKey() ([]byte, error) {
	if i.State() != StateReadyComplete {
		return nil, ErrNotReady
	}
	return append([]byte(nil), i.sessionKey...), nil
}

// EncryptRequest seals an application request for the responder.
func (i *Initiator) EncryptRequest(req *protocol.AppRequest) (*protocol.Data, error) {
	key, err := i.SessionKey()
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	payload, err := crypto.Seal(key, string(raw))
	if err != nil {
		return nil, err
	}
	return &protocol.Data{Payload: payload}, nil
}

// DecryptResponse opens an application response from the responder.
func (i *Initiator) DecryptResponse(resp *protocol.Response) (*protocol.AppResponse, error) {
	key, err := i.SessionKey()
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.Open(key, resp.Payload)
	if err != nil {
		return nil, err
	}

	var out protocol.AppResponse
	if err := json.Unmarshal([]byte(plaintext), &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}
