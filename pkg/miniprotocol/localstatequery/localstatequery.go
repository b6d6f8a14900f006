// Package localstatequery implements the N2C ledger-state query
// mini-protocol on channel 7 (spec.md §4.5.7). It is included for
// completeness because its channel ID shares the N2N/N2C namespace;
// query and result payloads are opaque CBOR, ledger interpretation
// stays out of scope (spec.md §1).
package localstatequery

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ouro-node/n2n-core/pkg/chanbuf"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/agency"
	"github.com/ouro-node/n2n-core/pkg/point"
)

// Message is the closed sum type of local-state-query wire messages.
type Message interface{ isLocalStateQueryMessage() }

// Acquire asks the server to pin the ledger state at an optional
// point; nil means "the current tip".
type Acquire struct{ Point *point.Point }

func (Acquire) isLocalStateQueryMessage() {}

// Acquired is the server's confirmation.
type Acquired struct{}

func (Acquired) isLocalStateQueryMessage() {}

// Failure reports that Acquire/ReAcquire could not be satisfied.
type Failure struct{ Reason string }

func (Failure) isLocalStateQueryMessage() {}

// Query carries an opaque CBOR-encoded query body.
type Query struct{ Body []byte }

func (Query) isLocalStateQueryMessage() {}

// Result carries an opaque CBOR-encoded query result.
type Result struct{ Body []byte }

func (Result) isLocalStateQueryMessage() {}

// Release gives up the acquired state.
type Release struct{}

func (Release) isLocalStateQueryMessage() {}

// ReAcquire re-pins the ledger state at a new (optional) point
// without an intervening Release.
type ReAcquire struct{ Point *point.Point }

func (ReAcquire) isLocalStateQueryMessage() {}

// Done is the client's terminal message.
type Done struct{}

func (Done) isLocalStateQueryMessage() {}

const (
	tagAcquire   = 0
	tagAcquired  = 1
	tagFailure   = 2
	tagQuery     = 3
	tagResult    = 4
	tagRelease   = 5
	tagReAcquire = 6
	tagDone      = 7
)

func encodePoint(p *point.Point) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	return *p, nil
}

func encodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Acquire:
		pt, err := encodePoint(v.Point)
		if err != nil {
			return nil, err
		}
		return cbor.Marshal([2]interface{}{uint16(tagAcquire), pt})
	case Acquired:
		return cbor.Marshal([1]interface{}{uint16(tagAcquired)})
	case Failure:
		return cbor.Marshal([2]interface{}{uint16(tagFailure), v.Reason})
	case Query:
		return cbor.Marshal([2]interface{}{uint16(tagQuery), cbor.RawMessage(v.Body)})
	case Result:
		return cbor.Marshal([2]interface{}{uint16(tagResult), cbor.RawMessage(v.Body)})
	case Release:
		return cbor.Marshal([1]interface{}{uint16(tagRelease)})
	case ReAcquire:
		pt, err := encodePoint(v.Point)
		if err != nil {
			return nil, err
		}
		return cbor.Marshal([2]interface{}{uint16(tagReAcquire), pt})
	case Done:
		return cbor.Marshal([1]interface{}{uint16(tagDone)})
	default:
		return nil, fmt.Errorf("localstatequery: unknown message %T", m)
	}
}

func decodeOptionalPoint(raw cbor.RawMessage) (*point.Point, error) {
	if string(raw) == "\xf6" { // CBOR null
		return nil, nil
	}
	var p point.Point
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeMessage(data []byte) (Message, error) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("localstatequery: empty message")
	}
	var tag uint16
	if err := cbor.Unmarshal(raw[0], &tag); err != nil {
		return nil, err
	}
	switch tag {
	case tagAcquire:
		p, err := decodeOptionalPoint(raw[1])
		if err != nil {
			return nil, err
		}
		return Acquire{Point: p}, nil
	case tagAcquired:
		return Acquired{}, nil
	case tagFailure:
		var reason string
		if err := cbor.Unmarshal(raw[1], &reason); err != nil {
			return nil, err
		}
		return Failure{Reason: reason}, nil
	case tagQuery:
		return Query{Body: append([]byte(nil), raw[1]...)}, nil
	case tagResult:
		return Result{Body: append([]byte(nil), raw[1]...)}, nil
	case tagRelease:
		return Release{}, nil
	case tagReAcquire:
		p, err := decodeOptionalPoint(raw[1])
		if err != nil {
			return nil, err
		}
		return ReAcquire{Point: p}, nil
	case tagDone:
		return Done{}, nil
	default:
		return nil, fmt.Errorf("localstatequery: unknown message tag %d", tag)
	}
}

// State is one of the protocol's states (spec.md §4.5.7).
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateAcquired
	StateQuerying
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAcquiring:
		return "Acquiring"
	case StateAcquired:
		return "Acquired"
	case StateQuerying:
		return "Querying"
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

// SM is the local-state-query state machine.
type SM struct {
	role  Role
	state State
	buf   *chanbuf.ChannelBuffer
}

// NewClient creates a local-state-query SM in the client role.
func NewClient(buf *chanbuf.ChannelBuffer) *SM { return &SM{role: RoleClient, state: StateIdle, buf: buf} }

// NewServer creates a local-state-query SM in the server role.
func NewServer(buf *chanbuf.ChannelBuffer) *SM { return &SM{role: RoleServer, state: StateIdle, buf: buf} }

// State returns the current state.
func (s *SM) State() State { return s.state }

// SendAcquire pins the ledger state at p (nil for current tip). Only
// legal for the client at Idle.
func (s *SM) SendAcquire(ctx context.Context, p *point.Point) error {
	if s.role != RoleClient || s.state != StateIdle {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Acquire{Point: p})}); err != nil {
		return err
	}
	s.state = StateAcquiring
	return nil
}

// RecvAcquireResult blocks for Acquired or Failure. Only legal for
// the client at Acquiring.
func (s *SM) RecvAcquireResult(ctx context.Context) (acquired bool, reason string, err error) {
	if s.role != RoleClient || s.state != StateAcquiring {
		return false, "", agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return false, "", err
	}
	m, derr := decodeMessage(w.Raw)
	if derr != nil {
		return false, "", fmt.Errorf("%w: %v", agency.ErrInvalidInbound, derr)
	}
	switch v := m.(type) {
	case Acquired:
		s.state = StateAcquired
		return true, "", nil
	case Failure:
		s.state = StateIdle
		return false, v.Reason, nil
	default:
		return false, "", agency.ErrInvalidInbound
	}
}

// SendQuery submits an opaque query. Only legal for the client at
// Acquired.
func (s *SM) SendQuery(ctx context.Context, body []byte) error {
	if s.role != RoleClient || s.state != StateAcquired {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Query{Body: body})}); err != nil {
		return err
	}
	s.state = StateQuerying
	return nil
}

// RecvResult blocks for the server's Result. Only legal for the
// client at Querying; returns to Acquired.
func (s *SM) RecvResult(ctx context.Context) ([]byte, error) {
	if s.role != RoleClient || s.state != StateQuerying {
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
	r, ok := m.(Result)
	if !ok {
		return nil, agency.ErrInvalidInbound
	}
	s.state = StateAcquired
	return r.Body, nil
}

// SendRelease gives up the acquired state. Only legal for the client
// at Acquired.
func (s *SM) SendRelease(ctx context.Context) error {
	if s.role != RoleClient || s.state != StateAcquired {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Release{})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// SendReAcquire re-pins the state at a new point without releasing
// first. Only legal for the client at Acquired.
func (s *SM) SendReAcquire(ctx context.Context, p *point.Point) error {
	if s.role != RoleClient || s.state != StateAcquired {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(ReAcquire{Point: p})}); err != nil {
		return err
	}
	s.state = StateAcquiring
	return nil
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

// RecvAcquireOrDone blocks for the client's Acquire, ReAcquire, or
// Done. Only legal for the server at Idle.
func (s *SM) RecvAcquireOrDone(ctx context.Context) (p *point.Point, done bool, err error) {
	if s.role != RoleServer || s.state != StateIdle {
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
	case Acquire:
		s.state = StateAcquiring
		return v.Point, false, nil
	case ReAcquire:
		s.state = StateAcquiring
		return v.Point, false, nil
	case Done:
		s.state = StateDone
		return nil, true, nil
	default:
		return nil, false, agency.ErrInvalidInbound
	}
}

// SendAcquired confirms the pin. Only legal for the server at
// Acquiring.
func (s *SM) SendAcquired(ctx context.Context) error {
	if s.role != RoleServer || s.state != StateAcquiring {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Acquired{})}); err != nil {
		return err
	}
	s.state = StateAcquired
	return nil
}

// SendFailure declines the pin. Only legal for the server at
// Acquiring.
func (s *SM) SendFailure(ctx context.Context, reason string) error {
	if s.role != RoleServer || s.state != StateAcquiring {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Failure{Reason: reason})}); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// RecvQueryOrRelease blocks for the client's Query or Release. Only
// legal for the server at Acquired. released is true on Release.
func (s *SM) RecvQueryOrRelease(ctx context.Context) (body []byte, released bool, err error) {
	if s.role != RoleServer || s.state != StateAcquired {
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
	case Query:
		s.state = StateQuerying
		return v.Body, false, nil
	case Release:
		s.state = StateIdle
		return nil, true, nil
	default:
		return nil, false, agency.ErrInvalidInbound
	}
}

// SendResult answers the outstanding Query. Only legal for the server
// at Querying; returns to Acquired.
func (s *SM) SendResult(ctx context.Context, body []byte) error {
	if s.role != RoleServer || s.state != StateQuerying {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Result{Body: body})}); err != nil {
		return err
	}
	s.state = StateAcquired
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
