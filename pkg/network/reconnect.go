package network

import (
	"context"
	"net"
	"time"
)

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// WaitForNode dials node until it accepts a connection or ctx is done,
// backing off exponentially between attempts.
func WaitForNode(ctx context.Context, dir Directory, node string) error {
	addr, err := dir.Lookup(node)
	if err != nil {
		return Classify(node, err)
	}

	backoff := initialBackoff
	for {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return Classify(node, ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
