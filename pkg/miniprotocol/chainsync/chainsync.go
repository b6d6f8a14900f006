// Package chainsync implements the chain-synchronization
// mini-protocol (spec.md §4.5.2): channel 2 carries N2N header
// traffic, channel 5 the N2C block variant. The content type is a
// parameter so both instantiate the same state machine.
package chainsync

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ouro-node/n2n-core/pkg/chanbuf"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/agency"
	"github.com/ouro-node/n2n-core/pkg/point"
)

// HeaderContent is the N2N content type: a one-byte era discriminator,
// an optional (era-tag, size) prefix carried only for Byron-era
// headers, and the raw CBOR of the era-specific header body
// (spec.md §4.5.2; ledger-body decoding itself stays out of scope,
// spec.md §1).
type HeaderContent struct {
	Era        uint8
	ByronTag   *uint8
	ByronSize  *uint64
	HeaderCBOR []byte
}

// MarshalCBOR encodes HeaderContent as [era, (byronTag, byronSize)?, raw].
func (h HeaderContent) MarshalCBOR() ([]byte, error) {
	if h.ByronTag != nil && h.ByronSize != nil {
		return cbor.Marshal([3]interface{}{h.Era, [2]interface{}{*h.ByronTag, *h.ByronSize}, cbor.RawMessage(h.HeaderCBOR)})
	}
	return cbor.Marshal([2]interface{}{h.Era, cbor.RawMessage(h.HeaderCBOR)})
}

// UnmarshalCBOR decodes HeaderContent.
func (h *HeaderContent) UnmarshalCBOR(data []byte) error {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("chainsync: header content too short (%d)", len(raw))
	}
	if err := cbor.Unmarshal(raw[0], &h.Era); err != nil {
		return err
	}
	if len(raw) == 3 {
		var prefix [2]uint64
		if err := cbor.Unmarshal(raw[1], &prefix); err != nil {
			return err
		}
		tag := uint8(prefix[0])
		h.ByronTag = &tag
		h.ByronSize = &prefix[1]
		h.HeaderCBOR = append([]byte(nil), raw[2]...)
		return nil
	}
	h.ByronTag = nil
	h.ByronSize = nil
	h.HeaderCBOR = append([]byte(nil), raw[1]...)
	return nil
}

// BlockContent is the N2C content type: an opaque, already-framed
// block body.
type BlockContent struct{ BlockCBOR []byte }

// Content is the parameterized payload type: HeaderContent for N2N,
// BlockContent for N2C.
type Content interface{ isChainSyncContent() }

func (HeaderContent) isChainSyncContent() {}
func (BlockContent) isChainSyncContent()  {}

// Message is the closed sum type of chain-sync wire messages.
type Message interface{ isChainSyncMessage() }

// FindIntersect is sent by the client with newest-first candidate
// points.
type FindIntersect struct{ Points []point.Point }

func (FindIntersect) isChainSyncMessage() {}

// IntersectFound is the server's reply when one of the candidate
// points is recognized.
type IntersectFound struct {
	Point point.Point
	Tip   point.Tip
}

func (IntersectFound) isChainSyncMessage() {}

// IntersectNotFound is the server's reply when none of the candidate
// points are recognized.
type IntersectNotFound struct{ Tip point.Tip }

func (IntersectNotFound) isChainSyncMessage() {}

// RequestNext is sent by the client to advance one step.
type RequestNext struct{}

func (RequestNext) isChainSyncMessage() {}

// RollForward carries the next header/block plus the server's tip.
type RollForward struct {
	ContentCBOR []byte // CBOR-encoded HeaderContent or BlockContent
	Tip         point.Tip
}

func (RollForward) isChainSyncMessage() {}

// RollBackward announces a rollback to point.
type RollBackward struct {
	Point point.Point
	Tip   point.Tip
}

func (RollBackward) isChainSyncMessage() {}

// AwaitReply indicates the client has caught up to tip; the next roll
// event arrives with no further poll.
type AwaitReply struct{}

func (AwaitReply) isChainSyncMessage() {}

// Done is the client's terminal message.
type Done struct{}

func (Done) isChainSyncMessage() {}

const (
	tagFindIntersect     = 0
	tagIntersectFound    = 1
	tagIntersectNotFound = 2
	tagRequestNext       = 3
	tagRollForward       = 4
	tagRollBackward      = 5
	tagAwaitReply        = 6
	tagDone              = 7
)

func encodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case FindIntersect:
		return cbor.Marshal([2]interface{}{uint16(tagFindIntersect), v.Points})
	case IntersectFound:
		return cbor.Marshal([3]interface{}{uint16(tagIntersectFound), v.Point, v.Tip})
	case IntersectNotFound:
		return cbor.Marshal([2]interface{}{uint16(tagIntersectNotFound), v.Tip})
	case RequestNext:
		return cbor.Marshal([1]interface{}{uint16(tagRequestNext)})
	case RollForward:
		return cbor.Marshal([3]interface{}{uint16(tagRollForward), cbor.RawMessage(v.ContentCBOR), v.Tip})
	case RollBackward:
		return cbor.Marshal([3]interface{}{uint16(tagRollBackward), v.Point, v.Tip})
	case AwaitReply:
		return cbor.Marshal([1]interface{}{uint16(tagAwaitReply)})
	case Done:
		return cbor.Marshal([1]interface{}{uint16(tagDone)})
	default:
		return nil, fmt.Errorf("chainsync: unknown message %T", m)
	}
}

func decodeMessage(data []byte) (Message, error) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("chainsync: empty message")
	}
	var tag uint16
	if err := cbor.Unmarshal(raw[0], &tag); err != nil {
		return nil, err
	}
	switch tag {
	case tagFindIntersect:
		var pts []point.Point
		if err := cbor.Unmarshal(raw[1], &pts); err != nil {
			return nil, err
		}
		return FindIntersect{Points: pts}, nil
	case tagIntersectFound:
		var p point.Point
		var tip point.Tip
		if err := cbor.Unmarshal(raw[1], &p); err != nil {
			return nil, err
		}
		if err := cbor.Unmarshal(raw[2], &tip); err != nil {
			return nil, err
		}
		return IntersectFound{Point: p, Tip: tip}, nil
	case tagIntersectNotFound:
		var tip point.Tip
		if err := cbor.Unmarshal(raw[1], &tip); err != nil {
			return nil, err
		}
		return IntersectNotFound{Tip: tip}, nil
	case tagRequestNext:
		return RequestNext{}, nil
	case tagRollForward:
		var tip point.Tip
		if err := cbor.Unmarshal(raw[2], &tip); err != nil {
			return nil, err
		}
		return RollForward{ContentCBOR: append([]byte(nil), raw[1]...), Tip: tip}, nil
	case tagRollBackward:
		var p point.Point
		var tip point.Tip
		if err := cbor.Unmarshal(raw[1], &p); err != nil {
			return nil, err
		}
		if err := cbor.Unmarshal(raw[2], &tip); err != nil {
			return nil, err
		}
		return RollBackward{Point: p, Tip: tip}, nil
	case tagAwaitReply:
		return AwaitReply{}, nil
	case tagDone:
		return Done{}, nil
	default:
		return nil, fmt.Errorf("chainsync: unknown message tag %d", tag)
	}
}

// State is one of the protocol's states (spec.md §4.5.2).
type State int

const (
	StateIdle State = iota
	StateCanAwait
	StateMustReply
	StateIntersect
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCanAwait:
		return "CanAwait"
	case StateMustReply:
		return "MustReply"
	case StateIntersect:
		return "Intersect"
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

// SM is the chain-sync state machine. Initial state is Idle with
// agency ours for the client (spec.md §4.5.2).
type SM struct {
	role  Role
	state State
	buf   *chanbuf.ChannelBuffer
}

// NewClient creates a chain-sync SM in the client role.
func NewClient(buf *chanbuf.ChannelBuffer) *SM { return &SM{role: RoleClient, state: StateIdle, buf: buf} }

// NewServer creates a chain-sync SM in the server role.
func NewServer(buf *chanbuf.ChannelBuffer) *SM { return &SM{role: RoleServer, state: StateIdle, buf: buf} }

// State returns the current state.
func (s *SM) State() State { return s.state }

// SendFindIntersect proposes candidate points, newest-first. Only
// legal for the client at Idle.
func (s *SM) SendFindIntersect(ctx context.Context, points []point.Point) error {
	if s.role != RoleClient || s.state != StateIdle {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(FindIntersect{Points: points})}); err != nil {
		return err
	}
	s.state = StateIntersect
	return nil
}

// RecvIntersectResult blocks for the server's IntersectFound or
// IntersectNotFound. Only legal for the client at Intersect.
func (s *SM) RecvIntersectResult(ctx context.Context) (found bool, p point.Point, tip point.Tip, err error) {
	if s.role != RoleClient || s.state != StateIntersect {
		return false, point.Point{}, point.Tip{}, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return false, point.Point{}, point.Tip{}, err
	}
	m, derr := decodeMessage(w.Raw)
	if derr != nil {
		return false, point.Point{}, point.Tip{}, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, derr)
	}
	s.state = StateIdle
	switch v := m.(type) {
	case IntersectFound:
		return true, v.Point, v.Tip, nil
	case IntersectNotFound:
		return false, point.Point{}, v.Tip, nil
	default:
		return false, point.Point{}, point.Tip{}, agency.ErrInvalidInbound
	}
}

// SendRequestNext asks the server to advance one step. Only legal for
// the client at Idle.
func (s *SM) SendRequestNext(ctx context.Context) error {
	if s.role != RoleClient || s.state != StateIdle {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(RequestNext{})}); err != nil {
		return err
	}
	s.state = StateCanAwait
	return nil
}

// RollEvent is the result of RecvRoll*: exactly one of RollForward,
// RollBackward, or (from CanAwait only) a bare AwaitReply signal.
type RollEvent struct {
	Awaiting    bool
	ContentCBOR []byte
	RolledBack  *point.Point
	Tip         point.Tip
}

// RecvRoll blocks for the next roll/await event. Only legal for the
// client at CanAwait or MustReply.
func (s *SM) RecvRoll(ctx context.Context) (RollEvent, error) {
	if s.role != RoleClient || (s.state != StateCanAwait && s.state != StateMustReply) {
		return RollEvent{}, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return RollEvent{}, err
	}
	m, err := decodeMessage(w.Raw)
	if err != nil {
		return RollEvent{}, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, err)
	}
	switch v := m.(type) {
	case RollForward:
		s.state = StateIdle
		return RollEvent{ContentCBOR: v.ContentCBOR, Tip: v.Tip}, nil
	case RollBackward:
		s.state = StateIdle
		p := v.Point
		return RollEvent{RolledBack: &p, Tip: v.Tip}, nil
	case AwaitReply:
		if s.state != StateCanAwait {
			return RollEvent{}, agency.ErrInvalidInbound
		}
		s.state = StateMustReply
		return RollEvent{Awaiting: true}, nil
	default:
		return RollEvent{}, agency.ErrInvalidInbound
	}
}

// SendDone ends the exchange. Only legal for the client at Idle.
func (s *SM) SendDone(ctx context.Context) error {
	if s.role != RoleClient || s.state != StateIdle {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Done{})}); err != nil {
		return err
	}
	s.state = StateDone
	return nil
}

// Server-side methods.

// RecvFindIntersect blocks for the client's FindIntersect. Only legal
// for the server at Idle.
func (s *SM) RecvFindIntersect(ctx context.Context) ([]point.Point, error) {
	if s.role != RoleServer || s.state != StateIdle {
		return nil, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return nil, err
	}
	m, err := decodeMessage(w.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, err)
	}
	fi, ok := m.(FindIntersect)
	if !ok {
		return nil, agency.ErrInvalidInbound
	}
	s.state = StateIntersect
	return fi.Points, nil
}

// SendIntersectFound replies with a recognized point. Only legal for
// the server at Intersect.
func (s *SM) SendIntersectFound(ctx context.Context, p point.Point, tip point.Tip) error {
	if s.role != RoleServer || s.state != StateIntersect {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(IntersectFound{Point: p, Tip: tip})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// SendIntersectNotFound replies that no candidate point matched. Only
// legal for the server at Intersect.
func (s *SM) SendIntersectNotFound(ctx context.Context, tip point.Tip) error {
	if s.role != RoleServer || s.state != StateIntersect {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(IntersectNotFound{Tip: tip})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// RecvRequestNext blocks for the client's RequestNext or Done. Only
// legal for the server at Idle. done is true if the client ended the
// protocol.
func (s *SM) RecvRequestNext(ctx context.Context) (done bool, err error) {
	if s.role != RoleServer || s.state != StateIdle {
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
	case RequestNext:
		s.state = StateCanAwait
		return false, nil
	case Done:
		s.state = StateDone
		return true, nil
	default:
		return false, agency.ErrInvalidInbound
	}
}

// IdleRequest is what the server actually receives at Idle: the
// client may open an intersect search, ask for the next block, or
// end the protocol, and the server can't tell which without decoding
// first.
type IdleRequest struct {
	Intersect []point.Point // set when the client sent FindIntersect
	Next      bool          // true when the client sent RequestNext
	Done      bool          // true when the client sent Done
}

// RecvClientIdle blocks for whichever of FindIntersect, RequestNext,
// or Done the client sends next. Only legal for the server at Idle.
func (s *SM) RecvClientIdle(ctx context.Context) (IdleRequest, error) {
	if s.role != RoleServer || s.state != StateIdle {
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
	case FindIntersect:
		s.state = StateIntersect
		return IdleRequest{Intersect: v.Points}, nil
	case RequestNext:
		s.state = StateCanAwait
		return IdleRequest{Next: true}, nil
	case Done:
		s.state = StateDone
		return IdleRequest{Done: true}, nil
	default:
		return IdleRequest{}, agency.ErrInvalidInbound
	}
}

// SendRollForward delivers the next header/block. contentCBOR must be
// the CBOR encoding of a HeaderContent (N2N) or BlockContent (N2C).
// Only legal for the server at CanAwait or MustReply.
func (s *SM) SendRollForward(ctx context.Context, contentCBOR []byte, tip point.Tip) error {
	if s.role != RoleServer || (s.state != StateCanAwait && s.state != StateMustReply) {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(RollForward{ContentCBOR: contentCBOR, Tip: tip})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// SendRollBackward announces a rollback. Only legal for the server at
// CanAwait or MustReply.
func (s *SM) SendRollBackward(ctx context.Context, p point.Point, tip point.Tip) error {
	if s.role != RoleServer || (s.state != StateCanAwait && s.state != StateMustReply) {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(RollBackward{Point: p, Tip: tip})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// SendAwaitReply signals that the client has caught up to tip. Only
// legal for the server at CanAwait.
func (s *SM) SendAwaitReply(ctx context.Context) error {
	if s.role != RoleServer || s.state != StateCanAwait {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(AwaitReply{})}); err != nil {
		return err
	}
	s.state = StateMustReply
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
