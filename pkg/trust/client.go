// Package trust implements the certificate oracle consulted during the
// handshake, both the client side used by initiators and the authority
// that answers it.
package trust

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ZentaChain/meshrelay/pkg/crypto"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// DefaultTimeout bounds one verification round trip.
const DefaultTimeout = 5 * time.Second

var (
	ErrNoAnswer          = errors.New("trust authority closed the connection without answering")
	ErrUnexpectedMessage = errors.New("unexpected message from trust authority")
)

// Client asks a trust authority whether a certificate may be trusted.
type Client struct {
	addr string

	Timeout       time.Duration
	MaxPacketSize int
}

// NewClient creates a client for the authority listening at addr.
func NewClient(addr string) *Client {
	return &Client{
		addr:          addr,
		Timeout:       DefaultTimeout,
		MaxPacketSize: protocol.MaxPacketSize,
	}
}

// VerifyCertificate sends one verify_cert request on a dedicated
// connection. A rejected certificate yields a *crypto.CryptoError
// carrying the authority's reason.
func (c *Client) VerifyCertificate(ctx context.Context, certPEM, host string) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	result, err := c.roundTrip(ctx, &protocol.VerifyCert{CertificatePem: certPEM, Host: host})
	if err != nil {
		return fmt.Errorf("trust authority %s: %w", c.addr, err)
	}

	if !result.Valid {
		reason := result.Error
		if reason == "" {
			reason = "certificate is not valid according to the trust authority"
		}
		return &crypto.CryptoError{Op: "verify certificate", Err: errors.New(reason)}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req *protocol.VerifyCert) (*protocol.VerifyResult, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := protocol.NewChunkedWriter(conn, c.MaxPacketSize).WriteMessage(req); err != nil {
		return nil, err
	}

	var result protocol.Message
	decoder := protocol.NewDecoder(func(payload []byte) error {
		if result != nil {
			return nil
		}
		m, err := protocol.DecodeMessage(payload)
		if err != nil {
			return err
		}
		result = m
		return nil
	})

	buf := make([]byte, 4096)
	for result == nil {
		n, err := conn.Read(buf)
		if n > 0 {
			if derr := decoder.Append(buf[:n]); derr != nil {
				return nil, derr
			}
		}
		if err != nil && result == nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %v", ErrNoAnswer, err)
		}
	}

	vr, ok := result.(*protocol.VerifyResult)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, protocol.TypeOf(result))
	}
	return vr, nil
}
