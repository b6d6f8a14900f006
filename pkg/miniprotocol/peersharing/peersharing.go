// Package peersharing implements the peer address exchange
// mini-protocol on channel 10 (spec.md §4.5.6), honored only when
// both sides negotiated peer-sharing support at handshake.
package peersharing

import (
	"context"
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"
	"github.com/ouro-node/n2n-core/pkg/chanbuf"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/agency"
)

// Address is the tagged union of V4/V6 peer addresses advertised by
// SharePeers.
type Address struct {
	IP   net.IP
	Port uint16
}

const (
	tagAddrV4 = 0
	tagAddrV6 = 1
)

func (a Address) marshal() (interface{}, error) {
	if v4 := a.IP.To4(); v4 != nil {
		return [3]interface{}{uint16(tagAddrV4), []byte(v4), a.Port}, nil
	}
	v6 := a.IP.To16()
	if v6 == nil {
		return nil, fmt.Errorf("peersharing: invalid IP %v", a.IP)
	}
	return [3]interface{}{uint16(tagAddrV6), []byte(v6), a.Port}, nil
}

func unmarshalAddress(raw []cbor.RawMessage) (Address, error) {
	if len(raw) != 3 {
		return Address{}, fmt.Errorf("peersharing: malformed address, %d fields", len(raw))
	}
	var tag uint16
	if err := cbor.Unmarshal(raw[0], &tag); err != nil {
		return Address{}, err
	}
	var ipBytes []byte
	if err := cbor.Unmarshal(raw[1], &ipBytes); err != nil {
		return Address{}, err
	}
	var port uint16
	if err := cbor.Unmarshal(raw[2], &port); err != nil {
		return Address{}, err
	}
	switch tag {
	case tagAddrV4:
		if len(ipBytes) != 4 {
			return Address{}, fmt.Errorf("peersharing: v4 address wrong length %d", len(ipBytes))
		}
		return Address{IP: net.IP(ipBytes).To4(), Port: port}, nil
	case tagAddrV6:
		if len(ipBytes) != 16 {
			return Address{}, fmt.Errorf("peersharing: v6 address wrong length %d", len(ipBytes))
		}
		return Address{IP: net.IP(ipBytes), Port: port}, nil
	default:
		return Address{}, fmt.Errorf("peersharing: unknown address tag %d", tag)
	}
}

// Message is the closed sum type of peer-sharing wire messages.
type Message interface{ isPeerSharingMessage() }

// ShareRequest is sent by the client, asking for up to Amount peer
// addresses.
type ShareRequest struct{ Amount uint8 }

func (ShareRequest) isPeerSharingMessage() {}

// SharePeers is the server's reply.
type SharePeers struct{ Peers []Address }

func (SharePeers) isPeerSharingMessage() {}

const (
	tagShareRequest = 0
	tagSharePeers   = 1
)

func encodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case ShareRequest:
		return cbor.Marshal([2]interface{}{uint16(tagShareRequest), v.Amount})
	case SharePeers:
		wire := make([]interface{}, 0, len(v.Peers))
		for _, a := range v.Peers {
			w, err := a.marshal()
			if err != nil {
				return nil, err
			}
			wire = append(wire, w)
		}
		return cbor.Marshal([2]interface{}{uint16(tagSharePeers), wire})
	default:
		return nil, fmt.Errorf("peersharing: unknown message %T", m)
	}
}

func decodeMessage(data []byte) (Message, error) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("peersharing: malformed message, %d fields", len(raw))
	}
	var tag uint16
	if err := cbor.Unmarshal(raw[0], &tag); err != nil {
		return nil, err
	}
	switch tag {
	case tagShareRequest:
		var amount uint8
		if err := cbor.Unmarshal(raw[1], &amount); err != nil {
			return nil, err
		}
		return ShareRequest{Amount: amount}, nil
	case tagSharePeers:
		var rawPeers [][]cbor.RawMessage
		if err := cbor.Unmarshal(raw[1], &rawPeers); err != nil {
			return nil, err
		}
		peers := make([]Address, 0, len(rawPeers))
		for _, rp := range rawPeers {
			a, err := unmarshalAddress(rp)
			if err != nil {
				return nil, err
			}
			peers = append(peers, a)
		}
		return SharePeers{Peers: peers}, nil
	default:
		return nil, fmt.Errorf("peersharing: unknown message tag %d", tag)
	}
}

// State is one of the protocol's states (spec.md §4.5.6). IdleEmpty
// and IdleResponse together form "Idle(Empty|Response(peers))"; Busy
// tracks the outstanding request amount.
type State int

const (
	StateIdleEmpty State = iota
	StateBusy
	StateIdleResponse
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdleEmpty:
		return "IdleEmpty"
	case StateBusy:
		return "Busy"
	case StateIdleResponse:
		return "IdleResponse"
	default:
		return "Done"
	}
}

// Role distinguishes which side of channel 10 this instance plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// SM is the peer-sharing state machine.
type SM struct {
	role  Role
	state State
	buf   *chanbuf.ChannelBuffer

	pendingAmount uint8
}

// NewClient creates a peer-sharing SM in the client role.
func NewClient(buf *chanbuf.ChannelBuffer) *SM { return &SM{role: RoleClient, state: StateIdleEmpty, buf: buf} }

// NewServer creates a peer-sharing SM in the server role.
func NewServer(buf *chanbuf.ChannelBuffer) *SM { return &SM{role: RoleServer, state: StateIdleEmpty, buf: buf} }

// State returns the current state.
func (s *SM) State() State { return s.state }

// Idle reports whether the client may issue a new ShareRequest.
func (s *SM) Idle() bool { return s.role == RoleClient && s.state == StateIdleEmpty }

// SendShareRequest asks the server for up to amount peer addresses.
// Only legal for the client at IdleEmpty.
func (s *SM) SendShareRequest(ctx context.Context, amount uint8) error {
	if s.role != RoleClient || s.state != StateIdleEmpty {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(ShareRequest{Amount: amount})}); err != nil {
		return err
	}
	s.state = StateIdleResponse
	return nil
}

// RecvSharePeers blocks for the server's reply. Only legal for the
// client at IdleResponse. Returns to IdleEmpty on success.
func (s *SM) RecvSharePeers(ctx context.Context) ([]Address, error) {
	if s.role != RoleClient || s.state != StateIdleResponse {
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
	sp, ok := m.(SharePeers)
	if !ok {
		return nil, agency.ErrInvalidInbound
	}
	s.state = StateIdleEmpty
	return sp.Peers, nil
}

// RecvShareRequest blocks for an inbound ShareRequest. Only legal for
// the server at IdleEmpty; transitions to Busy.
func (s *SM) RecvShareRequest(ctx context.Context) (uint8, error) {
	if s.role != RoleServer || s.state != StateIdleEmpty {
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
	sr, ok := m.(ShareRequest)
	if !ok {
		return 0, agency.ErrInvalidInbound
	}
	s.state = StateBusy
	s.pendingAmount = sr.Amount
	return sr.Amount, nil
}

// SendSharePeers replies with peers, bounded to the amount requested
// by the client. Only legal for the server at Busy; returns to
// IdleEmpty.
func (s *SM) SendSharePeers(ctx context.Context, peers []Address) error {
	if s.role != RoleServer || s.state != StateBusy {
		return agency.ErrAgencyIsTheirs
	}
	if len(peers) > int(s.pendingAmount) {
		peers = peers[:s.pendingAmount]
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(SharePeers{Peers: peers})}); err != nil {
		return err
	}
	s.state = StateIdleEmpty
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
