// Package handshake implements the two sides of the session handshake:
// randoms are exchanged, the initiator checks the responder's certificate
// with the trust authority, sends an RSA encrypted premaster secret, and
// both sides derive the same AES-256-GCM session key before confirming it
// with an encrypted ready marker.
package handshake

import (
	"context"
	"errors"
)

// State is the position of a session in its handshake.
type State string

// Initiator states
const (
	StateInitiateHandshake State = "initiate_handshake"
	StatePremasterSent     State = "premaster_sent"
)

// Responder states
const (
	StateInitialHandshake State = "initial_handshake"
	StatePremasterSecret  State = "premaster_secret"
)

// Shared states
const (
	StateReady         State = "ready"
	StateReadyComplete State = "ready_complete"
)

// ReadyMarker is the plaintext both sides encrypt to confirm the key.
const ReadyMarker = "ready"

var (
	ErrNotReady       = errors.New("handshake not complete")
	ErrNotStarted     = errors.New("handshake not started")
	ErrMarkerMismatch = errors.New("unexpected ready payload")
)

// serialQueue lets one step of a session run at a time. A step holds the
// token across its suspension points (the trust round trip, key
// derivation) so a second message for the same session waits for it.
type serialQueue chan struct{}

func newSerialQueue() serialQueue {
	return make(serialQueue, 1)
}

func (q serialQueue) run(ctx context.Context, step func() error) error {
	select {
	case q <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-q }()

	return step()
}
