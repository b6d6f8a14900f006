// Package chanbuf wraps a plexer.AgentChannel with CBOR message
// framing: it chunks an encoded message across one or more segment
// payloads on send, and reassembles a message from however many
// chunks the sender chose to use on receive (spec.md §4.4).
package chanbuf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/ouro-node/n2n-core/pkg/plexer"
	"github.com/ouro-node/n2n-core/pkg/segment"
)

// ChannelBuffer reassembles/fragments CBOR messages over an
// AgentChannel.
type ChannelBuffer struct {
	ch  *plexer.AgentChannel
	buf []byte
}

// New wraps ch.
func New(ch *plexer.AgentChannel) *ChannelBuffer {
	return &ChannelBuffer{ch: ch}
}

// SendMsg CBOR-encodes m and writes it in one or more chunks, each
// bounded by the segment payload limit (spec.md §4.4/§6).
func (c *ChannelBuffer) SendMsg(ctx context.Context, m interface{}) error {
	data, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("chanbuf: encode: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("chanbuf: refusing to send empty payload")
	}
	for len(data) > 0 {
		n := len(data)
		if n > segment.MaxPayload {
			n = segment.MaxPayload
		}
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		if err := c.ch.Enqueue(ctx, chunk); err != nil {
			return fmt.Errorf("chanbuf: send: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// RecvMsg attempts to CBOR-decode a message out of the accumulated
// inbound buffer, fetching more chunks from the channel until a full
// item can be parsed. Multiple small messages packed into one chunk,
// and a single message split across many chunks, both succeed.
func (c *ChannelBuffer) RecvMsg(ctx context.Context, out interface{}) error {
	for {
		if len(c.buf) > 0 {
			dec := cbor.NewDecoder(bytes.NewReader(c.buf))
			err := dec.Decode(out)
			if err == nil {
				c.buf = c.buf[dec.NumBytesRead():]
				return nil
			}
			if !isShortInput(err) {
				return fmt.Errorf("chanbuf: decode: %w", err)
			}
		}
		chunk, err := c.ch.Dequeue(ctx)
		if err != nil {
			return fmt.Errorf("chanbuf: recv: %w", err)
		}
		c.buf = append(c.buf, chunk...)
	}
}

// isShortInput reports whether err indicates the buffer simply
// doesn't contain a full CBOR item yet, as opposed to a genuinely
// malformed encoding.
func isShortInput(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var ue *cbor.UnmarshalTypeError
	if errors.As(err, &ue) {
		return false
	}
	return false
}
