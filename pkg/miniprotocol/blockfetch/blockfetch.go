// Package blockfetch implements the bulk block-retrieval
// mini-protocol on channel 3 (spec.md §4.5.3): the client requests an
// inclusive point range and the server streams a batch of opaque
// block bodies in chain order.
package blockfetch

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ouro-node/n2n-core/pkg/chanbuf"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/agency"
	"github.com/ouro-node/n2n-core/pkg/point"
)

// Range is an inclusive (from, to) point range.
type Range struct {
	From point.Point
	To   point.Point
}

// Message is the closed sum type of block-fetch wire messages.
type Message interface{ isBlockFetchMessage() }

// RequestRange is sent by the client.
type RequestRange struct{ Range Range }

func (RequestRange) isBlockFetchMessage() {}

// StartBatch is the server's reply when it will stream the requested
// range.
type StartBatch struct{}

func (StartBatch) isBlockFetchMessage() {}

// NoBlocks is the server's reply when the range is empty or
// unavailable.
type NoBlocks struct{}

func (NoBlocks) isBlockFetchMessage() {}

// Block carries one opaque block body.
type Block struct{ Body []byte }

func (Block) isBlockFetchMessage() {}

// BatchDone signals the end of the current streaming batch.
type BatchDone struct{}

func (BatchDone) isBlockFetchMessage() {}

// ClientDone is the client's terminal message.
type ClientDone struct{}

func (ClientDone) isBlockFetchMessage() {}

const (
	tagRequestRange = 0
	tagStartBatch   = 1
	tagNoBlocks     = 2
	tagBlock        = 3
	tagBatchDone    = 4
	tagClientDone   = 5
)

func encodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case RequestRange:
		return cbor.Marshal([2]interface{}{uint16(tagRequestRange), [2]point.Point{v.Range.From, v.Range.To}})
	case StartBatch:
		return cbor.Marshal([1]interface{}{uint16(tagStartBatch)})
	case NoBlocks:
		return cbor.Marshal([1]interface{}{uint16(tagNoBlocks)})
	case Block:
		return cbor.Marshal([2]interface{}{uint16(tagBlock), v.Body})
	case BatchDone:
		return cbor.Marshal([1]interface{}{uint16(tagBatchDone)})
	case ClientDone:
		return cbor.Marshal([1]interface{}{uint16(tagClientDone)})
	default:
		return nil, fmt.Errorf("blockfetch: unknown message %T", m)
	}
}

func decodeMessage(data []byte) (Message, error) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("blockfetch: empty message")
	}
	var tag uint16
	if err := cbor.Unmarshal(raw[0], &tag); err != nil {
		return nil, err
	}
	switch tag {
	case tagRequestRange:
		var rng [2]point.Point
		if err := cbor.Unmarshal(raw[1], &rng); err != nil {
			return nil, err
		}
		return RequestRange{Range: Range{From: rng[0], To: rng[1]}}, nil
	case tagStartBatch:
		return StartBatch{}, nil
	case tagNoBlocks:
		return NoBlocks{}, nil
	case tagBlock:
		var body []byte
		if err := cbor.Unmarshal(raw[1], &body); err != nil {
			return nil, err
		}
		return Block{Body: body}, nil
	case tagBatchDone:
		return BatchDone{}, nil
	case tagClientDone:
		return ClientDone{}, nil
	default:
		return nil, fmt.Errorf("blockfetch: unknown message tag %d", tag)
	}
}

// State is one of the client's states (spec.md §4.5.3). Streaming
// does not record whether a block has already been delivered in the
// current batch.
type State int

const (
	StateIdle State = iota
	StateBusy
	StateStreaming
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBusy:
		return "Busy"
	case StateStreaming:
		return "Streaming"
	default:
		return "Done"
	}
}

// Role distinguishes which side drives the exchange.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// SM is the block-fetch state machine.
type SM struct {
	role  Role
	state State
	buf   *chanbuf.ChannelBuffer
}

// NewClient creates a block-fetch SM in the client role.
func NewClient(buf *chanbuf.ChannelBuffer) *SM { return &SM{role: RoleClient, state: StateIdle, buf: buf} }

// NewServer creates a block-fetch SM in the server role.
func NewServer(buf *chanbuf.ChannelBuffer) *SM { return &SM{role: RoleServer, state: StateIdle, buf: buf} }

// State returns the current state.
func (s *SM) State() State { return s.state }

// SendRequestRange asks for an inclusive point range. Only legal for
// the client at Idle.
func (s *SM) SendRequestRange(ctx context.Context, r Range) error {
	if s.role != RoleClient || s.state != StateIdle {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(RequestRange{Range: r})}); err != nil {
		return err
	}
	s.state = StateBusy
	return nil
}

// RecvStart blocks for StartBatch or NoBlocks. Only legal for the
// client at Busy. available is false on NoBlocks.
func (s *SM) RecvStart(ctx context.Context) (available bool, err error) {
	if s.role != RoleClient || s.state != StateBusy {
		return false, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return false, err
	}
	m, derr := decodeMessage(w.Raw)
	if derr != nil {
		return false, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, derr)
	}
	switch m.(type) {
	case StartBatch:
		s.state = StateStreaming
		return true, nil
	case NoBlocks:
		s.state = StateIdle
		return false, nil
	default:
		return false, agency.ErrInvalidInbound
	}
}

// RecvBlockOrDone blocks for the next Block in the batch, or
// BatchDone. Only legal for the client at Streaming. done is true
// when the batch has ended; body is nil in that case.
func (s *SM) RecvBlockOrDone(ctx context.Context) (body []byte, done bool, err error) {
	if s.role != RoleClient || s.state != StateStreaming {
		return nil, false, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return nil, false, err
	}
	m, derr := decodeMessage(w.Raw)
	if derr != nil {
		return nil, false, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, derr)
	}
	switch v := m.(type) {
	case Block:
		return v.Body, false, nil
	case BatchDone:
		s.state = StateIdle
		return nil, true, nil
	default:
		return nil, false, agency.ErrInvalidInbound
	}
}

// SendClientDone ends the exchange. Only legal for the client at
// Idle.
func (s *SM) SendClientDone(ctx context.Context) error {
	if s.role != RoleClient || s.state != StateIdle {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(ClientDone{})}); err != nil {
		return err
	}
	s.state = StateDone
	return nil
}

// Server-side methods.

// RecvRequest blocks for the client's RequestRange or ClientDone.
// Only legal for the server at Idle. done is true if the client ended
// the protocol.
func (s *SM) RecvRequest(ctx context.Context) (r Range, done bool, err error) {
	if s.role != RoleServer || s.state != StateIdle {
		return Range{}, false, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return Range{}, false, err
	}
	m, derr := decodeMessage(w.Raw)
	if derr != nil {
		return Range{}, false, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, derr)
	}
	switch v := m.(type) {
	case RequestRange:
		s.state = StateBusy
		return v.Range, false, nil
	case ClientDone:
		s.state = StateDone
		return Range{}, true, nil
	default:
		return Range{}, false, agency.ErrInvalidInbound
	}
}

// SendStartBatch begins streaming. Only legal for the server at Busy.
func (s *SM) SendStartBatch(ctx context.Context) error {
	if s.role != RoleServer || s.state != StateBusy {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(StartBatch{})}); err != nil {
		return err
	}
	s.state = StateStreaming
	return nil
}

// SendNoBlocks declines the range. Only legal for the server at Busy.
func (s *SM) SendNoBlocks(ctx context.Context) error {
	if s.role != RoleServer || s.state != StateBusy {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(NoBlocks{})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// SendBlock delivers one block body. Only legal for the server at
// Streaming. The caller is responsible for chain-order delivery
// across calls (spec.md §4.5.3).
func (s *SM) SendBlock(ctx context.Context, body []byte) error {
	if s.role != RoleServer || s.state != StateStreaming {
		return agency.ErrAgencyIsTheirs
	}
	return s.buf.SendMsg(ctx, wireMessage{encodeWith(Block{Body: body})})
}

// SendBatchDone ends the current streaming batch. Only legal for the
// server at Streaming.
func (s *SM) SendBatchDone(ctx context.Context) error {
	if s.role != RoleServer || s.state != StateStreaming {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(BatchDone{})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

type wireMessage struct{ Raw []byte }

func (w wireMessage) MarshalCBOR() ([]byte, error) { return w.Raw, nil }

func (w *wireMessage) UnmarshalCBOR(data []byte) error {
	w.Raw = append([]byte(nil), data...)
	return nil
}

func encodeWith(m Message) []byte {
	data, err := encodeMessage(m)
	if err != nil {
		panic(err)
	}
	return data
}
