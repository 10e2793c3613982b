package network

import (
	"context"
	"sync"

	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

// Consumer hands received acknowledgments arriving at this node to the
// local caller waiting for them. Requests originated through Client read
// their replies on their own connection and never register here; the
// table serves code that sends along a route ending at this node and
// expects the acknowledgment to arrive as a separate inbound frame.
type Consumer struct {
	mu      sync.Mutex
	waiting map[string]chan protocol.Message
}

// NewConsumer creates an empty consumer.
func NewConsumer() *Consumer {
	return &Consumer{waiting: make(map[string]chan protocol.Message)}
}

// Expect registers interest in the acknowledgment for id. It must be
// called before the request is sent so an early reply is not lost.
func (c *Consumer) Expect(id string) <-chan protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.waiting[id]
	if !ok {
		ch = make(chan protocol.Message, 1)
		c.waiting[id] = ch
	}
	return ch
}

// Wait blocks until the acknowledgment for id arrives or ctx is done.
func (c *Consumer) Wait(ctx context.Context, id string) (protocol.Message, error) {
	ch := c.Expect(id)
	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		c.Forget(id)
		return nil, ctx.Err()
	}
}

// Forget drops interest in id.
func (c *Consumer) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiting, id)
}

// Consume resolves the waiter for rec.MessageID. It reports false when
// nobody was waiting, in which case the acknowledgment is dropped.
func (c *Consumer) Consume(rec *protocol.Received) bool {
	c.mu.Lock()
	ch, ok := c.waiting[rec.MessageID]
	delete(c.waiting, rec.MessageID)
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- rec.Response
	return true
}
