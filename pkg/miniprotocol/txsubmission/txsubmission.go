// Package txsubmission implements the mempool-propagation
// mini-protocol on channel 4 (spec.md §4.5.4). The server (which
// follows the node's own mempool) pulls; the client (the remote peer
// offering transactions) pushes on request.
package txsubmission

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ouro-node/n2n-core/pkg/chanbuf"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/agency"
)

// TxID is a transaction identifier: a small era tag plus the raw hash
// bytes (spec.md §4.5.4).
type TxID struct {
	Era  uint8
	Hash []byte
}

// IDSize pairs an advertised TxID with its serialized size in bytes.
type IDSize struct {
	ID   TxID
	Size uint32
}

// Message is the closed sum type of tx-submission wire messages.
type Message interface{ isTxSubmissionMessage() }

// Init is sent once by the client to start the exchange.
type Init struct{}

func (Init) isTxSubmissionMessage() {}

// RequestTxIds is sent by the server. Ack is the count of
// previously-announced IDs now acknowledged (may be dropped from the
// client's window); Req is the count of new IDs wanted. Blocking
// requests the client to wait for at least one if none are currently
// available; non-blocking requests an immediate reply, even if empty.
type RequestTxIds struct {
	Blocking bool
	Ack      uint16
	Req      uint16
}

func (RequestTxIds) isTxSubmissionMessage() {}

// ReplyTxIds is the client's answer to RequestTxIds.
type ReplyTxIds struct{ IDs []IDSize }

func (ReplyTxIds) isTxSubmissionMessage() {}

// RequestTxs is sent by the server, asking for full bodies of
// previously-announced IDs.
type RequestTxs struct{ IDs []TxID }

func (RequestTxs) isTxSubmissionMessage() {}

// ReplyTxs is the client's answer to RequestTxs, in the same order as
// the request.
type ReplyTxs struct{ Bodies [][]byte }

func (ReplyTxs) isTxSubmissionMessage() {}

// Done is the client's terminal message.
type Done struct{}

func (Done) isTxSubmissionMessage() {}

const (
	tagInit          = 0
	tagRequestTxIds  = 1
	tagReplyTxIds    = 2
	tagRequestTxs    = 3
	tagReplyTxs      = 4
	tagDone          = 5
)

func encodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Init:
		return cbor.Marshal([1]interface{}{uint16(tagInit)})
	case RequestTxIds:
		return cbor.Marshal([4]interface{}{uint16(tagRequestTxIds), v.Blocking, v.Ack, v.Req})
	case ReplyTxIds:
		return cbor.Marshal([2]interface{}{uint16(tagReplyTxIds), v.IDs})
	case RequestTxs:
		return cbor.Marshal([2]interface{}{uint16(tagRequestTxs), v.IDs})
	case ReplyTxs:
		return cbor.Marshal([2]interface{}{uint16(tagReplyTxs), v.Bodies})
	case Done:
		return cbor.Marshal([1]interface{}{uint16(tagDone)})
	default:
		return nil, fmt.Errorf("txsubmission: unknown message %T", m)
	}
}

func decodeMessage(data []byte) (Message, error) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("txsubmission: empty message")
	}
	var tag uint16
	if err := cbor.Unmarshal(raw[0], &tag); err != nil {
		return nil, err
	}
	switch tag {
	case tagInit:
		return Init{}, nil
	case tagRequestTxIds:
		var blocking bool
		var ack, req uint16
		if err := cbor.Unmarshal(raw[1], &blocking); err != nil {
			return nil, err
		}
		if err := cbor.Unmarshal(raw[2], &ack); err != nil {
			return nil, err
		}
		if err := cbor.Unmarshal(raw[3], &req); err != nil {
			return nil, err
		}
		return RequestTxIds{Blocking: blocking, Ack: ack, Req: req}, nil
	case tagReplyTxIds:
		var ids []IDSize
		if err := cbor.Unmarshal(raw[1], &ids); err != nil {
			return nil, err
		}
		return ReplyTxIds{IDs: ids}, nil
	case tagRequestTxs:
		var ids []TxID
		if err := cbor.Unmarshal(raw[1], &ids); err != nil {
			return nil, err
		}
		return RequestTxs{IDs: ids}, nil
	case tagReplyTxs:
		var bodies [][]byte
		if err := cbor.Unmarshal(raw[1], &bodies); err != nil {
			return nil, err
		}
		return ReplyTxs{Bodies: bodies}, nil
	case tagDone:
		return Done{}, nil
	default:
		return nil, fmt.Errorf("txsubmission: unknown message tag %d", tag)
	}
}

// State is one of the protocol's states (spec.md §4.5.4), named from
// the client (the peer offering transactions) side.
type State int

const (
	StateInit State = iota
	StateIdle
	StateTxIdsNonBlocking
	StateTxIdsBlocking
	StateTxs
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateIdle:
		return "Idle"
	case StateTxIdsNonBlocking:
		return "TxIdsNonBlocking"
	case StateTxIdsBlocking:
		return "TxIdsBlocking"
	case StateTxs:
		return "Txs"
	default:
		return "Done"
	}
}

// Role distinguishes which side of channel 4 this instance plays.
// RoleClient is the peer offering transactions (pushes bodies);
// RoleServer is the pulling side, run on the accepting end of a
// connection.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// SM is the tx-submission state machine.
type SM struct {
	role  Role
	state State
	buf   *chanbuf.ChannelBuffer
}

// NewClient creates a tx-submission SM in the client role, starting
// at Init.
func NewClient(buf *chanbuf.ChannelBuffer) *SM { return &SM{role: RoleClient, state: StateInit, buf: buf} }

// NewServer creates a tx-submission SM in the server role.
func NewServer(buf *chanbuf.ChannelBuffer) *SM { return &SM{role: RoleServer, state: StateInit, buf: buf} }

// State returns the current state.
func (s *SM) State() State { return s.state }

// SendInit starts the exchange. Only legal for the client at Init.
func (s *SM) SendInit(ctx context.Context) error {
	if s.role != RoleClient || s.state != StateInit {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Init{})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// RecvInit blocks for the client's Init. Only legal for the server at
// Init.
func (s *SM) RecvInit(ctx context.Context) error {
	if s.role != RoleServer || s.state != StateInit {
		return agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return err
	}
	m, err := decodeMessage(w.Raw)
	if err != nil {
		return fmt.Errorf("%w: %v", agency.ErrInvalidInbound, err)
	}
	if _, ok := m.(Init); !ok {
		return agency.ErrInvalidInbound
	}
	s.state = StateIdle
	return nil
}

// SendRequestTxIds acknowledges ack previously announced IDs and asks
// for up to req new ones. Only legal for the server at Idle.
func (s *SM) SendRequestTxIds(ctx context.Context, blocking bool, ack, req uint16) error {
	if s.role != RoleServer || s.state != StateIdle {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(RequestTxIds{Blocking: blocking, Ack: ack, Req: req})}); err != nil {
		return err
	}
	if blocking {
		s.state = StateTxIdsBlocking
	} else {
		s.state = StateTxIdsNonBlocking
	}
	return nil
}

// RecvRequestTxIds blocks for the server's RequestTxIds. Only legal
// for the client at Idle.
func (s *SM) RecvRequestTxIds(ctx context.Context) (blocking bool, ack, req uint16, err error) {
	if s.role != RoleClient || s.state != StateIdle {
		return false, 0, 0, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return false, 0, 0, err
	}
	m, derr := decodeMessage(w.Raw)
	if derr != nil {
		return false, 0, 0, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, derr)
	}
	rt, ok := m.(RequestTxIds)
	if !ok {
		return false, 0, 0, agency.ErrInvalidInbound
	}
	if rt.Blocking {
		s.state = StateTxIdsBlocking
	} else {
		s.state = StateTxIdsNonBlocking
	}
	return rt.Blocking, rt.Ack, rt.Req, nil
}

// SendReplyTxIds answers the outstanding RequestTxIds. Only legal for
// the client at TxIdsNonBlocking or TxIdsBlocking; returns to Idle.
func (s *SM) SendReplyTxIds(ctx context.Context, ids []IDSize) error {
	if s.role != RoleClient || (s.state != StateTxIdsNonBlocking && s.state != StateTxIdsBlocking) {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(ReplyTxIds{IDs: ids})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// RecvReplyTxIds blocks for the client's ReplyTxIds. Only legal for
// the server at TxIdsNonBlocking or TxIdsBlocking; returns to Idle.
func (s *SM) RecvReplyTxIds(ctx context.Context) ([]IDSize, error) {
	if s.role != RoleServer || (s.state != StateTxIdsNonBlocking && s.state != StateTxIdsBlocking) {
		return nil, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return nil, err
	}
	m, derr := decodeMessage(w.Raw)
	if derr != nil {
		return nil, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, derr)
	}
	rt, ok := m.(ReplyTxIds)
	if !ok {
		return nil, agency.ErrInvalidInbound
	}
	s.state = StateIdle
	return rt.IDs, nil
}

// SendRequestTxs asks for the full bodies of ids. Only legal for the
// server at Idle.
func (s *SM) SendRequestTxs(ctx context.Context, ids []TxID) error {
	if s.role != RoleServer || s.state != StateIdle {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(RequestTxs{IDs: ids})}); err != nil {
		return err
	}
	s.state = StateTxs
	return nil
}

// RecvRequestTxs blocks for the server's RequestTxs and returns the
// requested IDs. Only legal for the client at Idle; any other message
// is ErrInvalidInbound.
func (s *SM) RecvRequestTxs(ctx context.Context) ([]TxID, error) {
	if s.role != RoleClient || s.state != StateIdle {
		return nil, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return nil, err
	}
	m, derr := decodeMessage(w.Raw)
	if derr != nil {
		return nil, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, derr)
	}
	rt, ok := m.(RequestTxs)
	if !ok {
		return nil, agency.ErrInvalidInbound
	}
	s.state = StateTxs
	return rt.IDs, nil
}

// IdleRequest is what the client actually receives at Idle: the
// server may ask for more tx IDs or for full bodies of previously
// announced ones, and the client can't tell which without decoding
// first (mirrors chainsync.IdleRequest).
type IdleRequest struct {
	TxIds *RequestTxIds // set when the server sent RequestTxIds
	TxIDs []TxID        // set when the server sent RequestTxs
}

// RecvIdleRequest blocks for whichever of RequestTxIds or RequestTxs
// the server sends next. Only legal for the client at Idle.
func (s *SM) RecvIdleRequest(ctx context.Context) (IdleRequest, error) {
	if s.role != RoleClient || s.state != StateIdle {
		return IdleRequest{}, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return IdleRequest{}, err
	}
	m, err := decodeMessage(w.Raw)
	if err != nil {
		return IdleRequest{}, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, err)
	}
	switch v := m.(type) {
	case RequestTxIds:
		if v.Blocking {
			s.state = StateTxIdsBlocking
		} else {
			s.state = StateTxIdsNonBlocking
		}
		req := v
		return IdleRequest{TxIds: &req}, nil
	case RequestTxs:
		s.state = StateTxs
		return IdleRequest{TxIDs: v.IDs}, nil
	default:
		return IdleRequest{}, agency.ErrInvalidInbound
	}
}

// SendReplyTxs answers the outstanding RequestTxs, bodies in request
// order. Only legal for the client at Txs; returns to Idle.
func (s *SM) SendReplyTxs(ctx context.Context, bodies [][]byte) error {
	if s.role != RoleClient || s.state != StateTxs {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(ReplyTxs{Bodies: bodies})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// RecvReplyTxs blocks for the client's ReplyTxs. Only legal for the
// server at Txs; returns to Idle.
func (s *SM) RecvReplyTxs(ctx context.Context) ([][]byte, error) {
	if s.role != RoleServer || s.state != StateTxs {
		return nil, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return nil, err
	}
	m, derr := decodeMessage(w.Raw)
	if derr != nil {
		return nil, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, derr)
	}
	rt, ok := m.(ReplyTxs)
	if !ok {
		return nil, agency.ErrInvalidInbound
	}
	s.state = StateIdle
	return rt.Bodies, nil
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
