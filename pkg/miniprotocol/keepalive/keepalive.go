// Package keepalive implements the liveness mini-protocol on channel
// 8 (spec.md §4.5.5). The client picks a random cookie, sends it, and
// the server must echo the identical value; a mismatch or timeout is
// fatal for the connection.
package keepalive

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/fxamacker/cbor/v2"
	"github.com/ouro-node/n2n-core/pkg/chanbuf"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/agency"
)

// Cookie is the 16-bit nonce exchanged on each round.
type Cookie uint16

// Message is the closed sum type of keep-alive wire messages.
type Message interface{ isKeepAliveMessage() }

// KeepAlive is sent by the client to start a round.
type KeepAlive struct{ Cookie Cookie }

func (KeepAlive) isKeepAliveMessage() {}

// ResponseKeepAlive is sent by the server, echoing the client's
// cookie.
type ResponseKeepAlive struct{ Cookie Cookie }

func (ResponseKeepAlive) isKeepAliveMessage() {}

const (
	tagKeepAlive         = 0
	tagResponseKeepAlive = 1
)

func encodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case KeepAlive:
		return cbor.Marshal([2]interface{}{uint16(tagKeepAlive), v.Cookie})
	case ResponseKeepAlive:
		return cbor.Marshal([2]interface{}{uint16(tagResponseKeepAlive), v.Cookie})
	default:
		return nil, fmt.Errorf("keepalive: unknown message %T", m)
	}
}

func decodeMessage(data []byte) (Message, error) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("keepalive: malformed message, %d fields", len(raw))
	}
	var tag uint16
	if err := cbor.Unmarshal(raw[0], &tag); err != nil {
		return nil, err
	}
	var cookie Cookie
	if err := cbor.Unmarshal(raw[1], &cookie); err != nil {
		return nil, err
	}
	switch tag {
	case tagKeepAlive:
		return KeepAlive{Cookie: cookie}, nil
	case tagResponseKeepAlive:
		return ResponseKeepAlive{Cookie: cookie}, nil
	default:
		return nil, fmt.Errorf("keepalive: unknown message tag %d", tag)
	}
}

// State is one of the protocol's states (spec.md §4.5.5). ClientEmpty
// and ClientResponse together form the "Client(Empty|Response(cookie))"
// state named in the spec; ClientResponse tracks the outstanding
// cookie awaiting echo.
type State int

const (
	StateClientEmpty State = iota
	StateClientResponse
	StateServer
	StateDone
)

func (s State) String() string {
	switch s {
	case StateClientEmpty:
		return "ClientEmpty"
	case StateClientResponse:
		return "ClientResponse"
	case StateServer:
		return "Server"
	default:
		return "Done"
	}
}

// ErrCookieMismatch is returned when the echoed cookie does not match
// the one most recently sent.
var ErrCookieMismatch = fmt.Errorf("keepalive: cookie mismatch")

// Role distinguishes which side of channel 8 this instance plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// SM is the keep-alive state machine. The client side is driven once
// per housekeeping tick by the behavior layer (spec.md §4.8's
// KeepAlive behavior); the server side runs continuously, replying to
// every inbound KeepAlive.
type SM struct {
	role Role
	state State
	buf   *chanbuf.ChannelBuffer

	pending Cookie
}

// NewClient creates a keep-alive SM in the client role, starting at
// ClientEmpty (idle, no outstanding round).
func NewClient(buf *chanbuf.ChannelBuffer) *SM {
	return &SM{role: RoleClient, state: StateClientEmpty, buf: buf}
}

// NewServer creates a keep-alive SM in the server role.
func NewServer(buf *chanbuf.ChannelBuffer) *SM {
	return &SM{role: RoleServer, state: StateServer, buf: buf}
}

// State returns the current state.
func (s *SM) State() State { return s.state }

// Idle reports whether the client is free to start a new round (no
// round outstanding). Only meaningful for RoleClient.
func (s *SM) Idle() bool { return s.role == RoleClient && s.state == StateClientEmpty }

// SendKeepAlive picks a fresh random cookie, sends KeepAlive(cookie),
// and transitions to ClientResponse. Only legal for the client at
// ClientEmpty.
func (s *SM) SendKeepAlive(ctx context.Context) (Cookie, error) {
	if s.role != RoleClient || s.state != StateClientEmpty {
		return 0, agency.ErrAgencyIsTheirs
	}
	cookie := Cookie(rand.Intn(1 << 16))
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(KeepAlive{Cookie: cookie})}); err != nil {
		return 0, err
	}
	s.pending = cookie
	s.state = StateClientResponse
	return cookie, nil
}

// RecvResponse blocks for the server's echo and validates it against
// the outstanding cookie. Only legal for the client at
// ClientResponse. On success the client returns to ClientEmpty,
// ready for the next tick.
func (s *SM) RecvResponse(ctx context.Context) error {
	if s.role != RoleClient || s.state != StateClientResponse {
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
	resp, ok := m.(ResponseKeepAlive)
	if !ok {
		return agency.ErrInvalidInbound
	}
	if resp.Cookie != s.pending {
		s.state = StateDone
		return ErrCookieMismatch
	}
	s.state = StateClientEmpty
	return nil
}

// RecvKeepAlive blocks for an inbound KeepAlive and returns its
// cookie, to be echoed via SendResponse. Only legal for the server.
func (s *SM) RecvKeepAlive(ctx context.Context) (Cookie, error) {
	if s.role != RoleServer {
		return 0, agency.ErrAgencyIsOurs
	}
	var w wireMessage
	if err := s.buf.RecvMsg(ctx, &w); err != nil {
		return 0, err
	}
	m, err := decodeMessage(w.Raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", agency.ErrInvalidInbound, err)
	}
	ka, ok := m.(KeepAlive)
	if !ok {
		return 0, agency.ErrInvalidInbound
	}
	return ka.Cookie, nil
}

// SendResponse echoes cookie back to the client. Only legal for the
// server.
func (s *SM) SendResponse(ctx context.Context, cookie Cookie) error {
	if s.role != RoleServer {
		return agency.ErrAgencyIsTheirs
	}
	return s.buf.SendMsg(ctx, wireMessage{encodeWith(ResponseKeepAlive{Cookie: cookie})})
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
