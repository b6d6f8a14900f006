package plexer

import (
	"context"
	"errors"
)

// DefaultQueueDepth is the number of pending chunks an AgentChannel
// will buffer in each direction before Enqueue/Dequeue suspends the
// caller (spec.md §4.3: "bounded buffer; suspends when full/empty").
const DefaultQueueDepth = 16

// ErrClosed is returned by Enqueue/Dequeue once the channel (or the
// Plexer it belongs to) has been torn down.
var ErrClosed = errors.New("plexer: channel closed")

// AgentChannel is one logical, ordered, bidirectional stream of byte
// chunks multiplexed over a shared Bearer (spec.md §4.3). It has no
// knowledge of CBOR framing; see pkg/chanbuf for that layer.
type AgentChannel struct {
	id        uint16
	responder bool

	outbound chan []byte
	inbound  chan []byte
	closed   chan struct{}
}

func newAgentChannel(id uint16, responder bool, depth int) *AgentChannel {
	return &AgentChannel{
		id:        id,
		responder: responder,
		outbound:  make(chan []byte, depth),
		inbound:   make(chan []byte, depth),
		closed:    make(chan struct{}),
	}
}

// ID returns the channel's protocol ID.
func (c *AgentChannel) ID() uint16 { return c.id }

// Enqueue submits one chunk for transmission. It suspends when the
// outbound queue is full. It returns ErrClosed once the channel has
// been deregistered, or ctx.Err() once ctx is done.
func (c *AgentChannel) Enqueue(ctx context.Context, chunk []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.outbound <- chunk:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until one inbound chunk is available, the channel is
// closed, or ctx is done.
func (c *AgentChannel) Dequeue(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-c.inbound:
		if !ok {
			return nil, ErrClosed
		}
		return chunk, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unblocks any pending or future Enqueue/Dequeue call on c with
// ErrClosed. It is called by Plexer.Deregister after c has already
// been removed from the polled set; Close alone does not stop the
// muxer from picking up c, callers that want that must go through
// Plexer.Deregister.
func (c *AgentChannel) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// closeInbound is called exclusively by the demuxer goroutine, either
// when the bearer fails or the Plexer shuts down, to unblock any
// pending Dequeue with ErrClosed.
func (c *AgentChannel) closeInbound() {
	close(c.inbound)
}
