// Package handshake implements the N2N version-negotiation
// mini-protocol on channel 0 (spec.md §4.5.1). A single state machine
// type serves both roles: which side holds agency in a given state
// depends on whether the instance was created as an initiator or a
// responder.
package handshake

import (
	"context"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/ouro-node/n2n-core/pkg/chanbuf"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/agency"
)

// VersionNumber is one N2N protocol version.
type VersionNumber uint64

// Well-known N2N versions in use (spec.md §6).
const (
	Version11 VersionNumber = 11
	Version12 VersionNumber = 12
	Version13 VersionNumber = 13
	Version14 VersionNumber = 14
)

// Well-known network magics (spec.md §6, supplemented with the
// pallas-only TestnetMagic per SPEC_FULL).
const (
	MagicMainnet   uint64 = 764824073
	MagicPreview   uint64 = 2
	MagicPreprod   uint64 = 1
	MagicSanchonet uint64 = 4
	MagicTestnet   uint64 = 1097911063
)

// VersionData is the per-version payload of a VersionTable entry.
// PeerSharing and Query are optional fields (spec.md §4.5.1): a nil
// PeerSharing omits the field on the wire, and Query is only ever
// sent true for version 15+ (out of scope beyond the single
// "reply with a version table" variant, spec.md §9).
type VersionData struct {
	NetworkMagic    uint64
	InitiatorOnly   bool
	PeerSharingHint *uint8
	Query           bool
}

// MarshalCBOR encodes VersionData as a variable-length array: the
// trailing optional fields are included only when present, matching
// the real wire behavior across N2N 11-14.
func (d VersionData) MarshalCBOR() ([]byte, error) {
	fields := []interface{}{d.NetworkMagic, d.InitiatorOnly}
	switch {
	case d.PeerSharingHint != nil:
		fields = append(fields, *d.PeerSharingHint, d.Query)
	case d.Query:
		// Query without an explicit hint still needs the hint slot
		// filled; default to 0 (no peer-sharing).
		var zero uint8
		fields = append(fields, zero, d.Query)
	}
	return cbor.Marshal(fields)
}

// UnmarshalCBOR decodes VersionData from its variable-length array
// form.
func (d *VersionData) UnmarshalCBOR(data []byte) error {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("handshake: version data array too short (%d)", len(raw))
	}
	if err := cbor.Unmarshal(raw[0], &d.NetworkMagic); err != nil {
		return fmt.Errorf("handshake: decode magic: %w", err)
	}
	if err := cbor.Unmarshal(raw[1], &d.InitiatorOnly); err != nil {
		return fmt.Errorf("handshake: decode diffusion mode: %w", err)
	}
	d.PeerSharingHint = nil
	d.Query = false
	if len(raw) >= 3 {
		var hint uint8
		if err := cbor.Unmarshal(raw[2], &hint); err != nil {
			return fmt.Errorf("handshake: decode peer-sharing hint: %w", err)
		}
		d.PeerSharingHint = &hint
	}
	if len(raw) >= 4 {
		if err := cbor.Unmarshal(raw[3], &d.Query); err != nil {
			return fmt.Errorf("handshake: decode query flag: %w", err)
		}
	}
	return nil
}

// VersionTable maps a version number to its version-specific data. It
// CBOR-encodes as a canonical map sorted by ascending key (spec.md
// §4.5.1, pinned by SPEC_FULL against pallas's common.rs).
type VersionTable map[VersionNumber]VersionData

// versionTableEncMode is a deterministic encoder that sorts map keys
// canonically; for non-negative integer keys this is equivalent to
// ascending numeric order (spec.md §4.5.1, pinned against pallas's
// common.rs which sorts keys before encoding).
var versionTableEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// MarshalCBOR implements cbor.Marshaler with explicit ascending-key
// ordering; the default map encoder does not guarantee this.
func (t VersionTable) MarshalCBOR() ([]byte, error) {
	raw := map[VersionNumber]VersionData(t)
	return versionTableEncMode.Marshal(raw)
}

// UnmarshalCBOR decodes a VersionTable from a CBOR map.
func (t *VersionTable) UnmarshalCBOR(data []byte) error {
	raw := make(map[VersionNumber]VersionData)
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("handshake: decode version table: %w", err)
	}
	*t = raw
	return nil
}

// Highest returns the highest version number that appears in both
// tables, and whether the intersection is non-empty. The responder
// always selects this version (spec.md §4.5.1).
func Highest(local, remote VersionTable) (VersionNumber, bool) {
	var best VersionNumber
	found := false
	for v := range local {
		if _, ok := remote[v]; !ok {
			continue
		}
		if !found || v > best {
			best = v
			found = true
		}
	}
	return best, found
}

// SortedVersions returns t's keys in ascending order.
func SortedVersions(t VersionTable) []VersionNumber {
	out := make([]VersionNumber, 0, len(t))
	for v := range t {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RefuseReason is the sum type carried by Message Refuse, pinned
// against pallas's handshake/common.rs (SPEC_FULL).
type RefuseReason interface{ isRefuseReason() }

// VersionMismatch is sent when the proposer's and responder's version
// tables share no version.
type VersionMismatch struct{ Supported []VersionNumber }

func (VersionMismatch) isRefuseReason() {}

// HandshakeDecodeErrorReason reports a CBOR decode failure for a
// specific proposed version.
type HandshakeDecodeErrorReason struct {
	Version VersionNumber
	Message string
}

func (HandshakeDecodeErrorReason) isRefuseReason() {}

// RefusedReason is an application-level refusal of an otherwise
// decodable version (e.g. banned magic).
type RefusedReason struct {
	Version VersionNumber
	Message string
}

func (RefusedReason) isRefuseReason() {}

func marshalReason(r RefuseReason) ([]byte, error) {
	switch v := r.(type) {
	case VersionMismatch:
		return cbor.Marshal([2]interface{}{uint16(0), v.Supported})
	case HandshakeDecodeErrorReason:
		return cbor.Marshal([3]interface{}{uint16(1), v.Version, v.Message})
	case RefusedReason:
		return cbor.Marshal([3]interface{}{uint16(2), v.Version, v.Message})
	default:
		return nil, fmt.Errorf("handshake: unknown refuse reason %T", r)
	}
}

func unmarshalReason(data []byte) (RefuseReason, error) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("handshake: empty refuse reason")
	}
	var tag uint16
	if err := cbor.Unmarshal(raw[0], &tag); err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		var versions []VersionNumber
		if err := cbor.Unmarshal(raw[1], &versions); err != nil {
			return nil, err
		}
		return VersionMismatch{Supported: versions}, nil
	case 1:
		var v VersionNumber
		var msg string
		if err := cbor.Unmarshal(raw[1], &v); err != nil {
			return nil, err
		}
		if err := cbor.Unmarshal(raw[2], &msg); err != nil {
			return nil, err
		}
		return HandshakeDecodeErrorReason{Version: v, Message: msg}, nil
	case 2:
		var v VersionNumber
		var msg string
		if err := cbor.Unmarshal(raw[1], &v); err != nil {
			return nil, err
		}
		if err := cbor.Unmarshal(raw[2], &msg); err != nil {
			return nil, err
		}
		return RefusedReason{Version: v, Message: msg}, nil
	default:
		return nil, fmt.Errorf("handshake: unknown refuse reason tag %d", tag)
	}
}

// Message is the closed sum type of handshake wire messages.
type Message interface{ isHandshakeMessage() }

// Propose is sent by the initiator at Propose.
type Propose struct{ Table VersionTable }

func (Propose) isHandshakeMessage() {}

// Accept is sent by the responder at Confirm when a common version
// was found.
type Accept struct {
	Version VersionNumber
	Data    VersionData
}

func (Accept) isHandshakeMessage() {}

// Refuse is sent by the responder at Confirm when no acceptable
// version exists, or the proposal is otherwise rejected.
type Refuse struct{ Reason RefuseReason }

func (Refuse) isHandshakeMessage() {}

// QueryReply is sent by the responder at Confirm in reply to a
// query-mode proposal (version 15+), echoing its own version table.
type QueryReply struct{ Table VersionTable }

func (QueryReply) isHandshakeMessage() {}

const (
	tagPropose    = 0
	tagAccept     = 1
	tagRefuse     = 2
	tagQueryReply = 3
)

func encodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Propose:
		return cbor.Marshal([2]interface{}{uint16(tagPropose), v.Table})
	case Accept:
		return cbor.Marshal([3]interface{}{uint16(tagAccept), v.Version, v.Data})
	case Refuse:
		reason, err := marshalReason(v.Reason)
		if err != nil {
			return nil, err
		}
		return cbor.Marshal([2]interface{}{uint16(tagRefuse), cbor.RawMessage(reason)})
	case QueryReply:
		return cbor.Marshal([2]interface{}{uint16(tagQueryReply), v.Table})
	default:
		return nil, fmt.Errorf("handshake: unknown message %T", m)
	}
}

func decodeMessage(data []byte) (Message, error) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("handshake: empty message")
	}
	var tag uint16
	if err := cbor.Unmarshal(raw[0], &tag); err != nil {
		return nil, err
	}
	switch tag {
	case tagPropose:
		var t VersionTable
		if err := cbor.Unmarshal(raw[1], &t); err != nil {
			return nil, err
		}
		return Propose{Table: t}, nil
	case tagAccept:
		var v VersionNumber
		var d VersionData
		if err := cbor.Unmarshal(raw[1], &v); err != nil {
			return nil, err
		}
		if err := cbor.Unmarshal(raw[2], &d); err != nil {
			return nil, err
		}
		return Accept{Version: v, Data: d}, nil
	case tagRefuse:
		reason, err := unmarshalReason(raw[1])
		if err != nil {
			return nil, err
		}
		return Refuse{Reason: reason}, nil
	case tagQueryReply:
		var t VersionTable
		if err := cbor.Unmarshal(raw[1], &t); err != nil {
			return nil, err
		}
		return QueryReply{Table: t}, nil
	default:
		return nil, fmt.Errorf("handshake: unknown message tag %d", tag)
	}
}

// State is one of the three handshake states (spec.md §4.5.1).
type State int

const (
	StatePropose State = iota
	StateConfirm
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePropose:
		return "Propose"
	case StateConfirm:
		return "Confirm"
	default:
		return "Done"
	}
}

// Role distinguishes which side of the channel this SM instance
// plays; agency at a given state depends on it.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Outcome is the terminal result once State == StateDone.
type Outcome struct {
	Accepted   bool
	Version    VersionNumber
	Data       VersionData
	Refused    RefuseReason
	QueryReply VersionTable
}

// SM is the handshake state machine, shared by both roles.
type SM struct {
	role  Role
	state State
	buf   *chanbuf.ChannelBuffer

	proposed VersionTable
	outcome  *Outcome
}

// NewInitiator creates a handshake SM that will propose table.
func NewInitiator(buf *chanbuf.ChannelBuffer, table VersionTable) *SM {
	return &SM{role: RoleInitiator, state: StatePropose, buf: buf, proposed: table}
}

// NewResponder creates a handshake SM that awaits a Propose.
func NewResponder(buf *chanbuf.ChannelBuffer) *SM {
	return &SM{role: RoleResponder, state: StatePropose, buf: buf}
}

// State returns the current state.
func (s *SM) State() State { return s.state }

// Outcome returns the negotiated result once Done, or nil before
// that.
func (s *SM) Outcome() *Outcome { return s.outcome }

// Agency reports which side may send next at the current state
// (spec.md invariant I2).
func (s *SM) Agency() agency.Agency {
	switch s.state {
	case StatePropose:
		if s.role == RoleInitiator {
			return agency.Ours
		}
		return agency.Theirs
	case StateConfirm:
		if s.role == RoleResponder {
			return agency.Ours
		}
		return agency.Theirs
	default:
		return agency.None
	}
}

// SendPropose transmits the configured version table. Only legal for
// an initiator at StatePropose.
func (s *SM) SendPropose(ctx context.Context) error {
	if s.role != RoleInitiator || s.state != StatePropose {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Propose{Table: s.proposed})}); err != nil {
		return err
	}
	s.state = StateConfirm
	return nil
}

// SendAccept transmits Accept(version, data). Only legal for a
// responder at StateConfirm.
func (s *SM) SendAccept(ctx context.Context, version VersionNumber, data VersionData) error {
	if s.role != RoleResponder || s.state != StateConfirm {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Accept{Version: version, Data: data})}); err != nil {
		return err
	}
	s.state = StateDone
	s.outcome = &Outcome{Accepted: true, Version: version, Data: data}
	return nil
}

// SendRefuse transmits Refuse(reason). Only legal for a responder at
// StateConfirm.
func (s *SM) SendRefuse(ctx context.Context, reason RefuseReason) error {
	if s.role != RoleResponder || s.state != StateConfirm {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(Refuse{Reason: reason})}); err != nil {
		return err
	}
	s.state = StateDone
	s.outcome = &Outcome{Accepted: false, Refused: reason}
	return nil
}

// SendQueryReply transmits QueryReply(table). Only legal for a
// responder at StateConfirm.
func (s *SM) SendQueryReply(ctx context.Context, table VersionTable) error {
	if s.role != RoleResponder || s.state != StateConfirm {
		return agency.ErrAgencyIsTheirs
	}
	if err := s.buf.SendMsg(ctx, wireMessage{encodeWith(QueryReply{Table: table})}); err != nil {
		return err
	}
	s.state = StateDone
	s.outcome = &Outcome{Accepted: false, QueryReply: table}
	return nil
}

// RecvPropose blocks for the initiator's Propose. Only legal for a
// responder at StatePropose.
func (s *SM) RecvPropose(ctx context.Context) (VersionTable, error) {
	if s.role != RoleResponder || s.state != StatePropose {
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
	p, ok := m.(Propose)
	if !ok {
		return nil, agency.ErrInvalidInbound
	}
	s.state = StateConfirm
	return p.Table, nil
}

// RecvConfirm blocks for the responder's Accept/Refuse/QueryReply.
// Only legal for an initiator at StateConfirm.
func (s *SM) RecvConfirm(ctx context.Context) (*Outcome, error) {
	if s.role != RoleInitiator || s.state != StateConfirm {
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
	var out Outcome
	switch v := m.(type) {
	case Accept:
		out = Outcome{Accepted: true, Version: v.Version, Data: v.Data}
	case Refuse:
		out = Outcome{Accepted: false, Refused: v.Reason}
	case QueryReply:
		out = Outcome{Accepted: false, QueryReply: v.Table}
	default:
		return nil, agency.ErrInvalidInbound
	}
	s.state = StateDone
	s.outcome = &out
	return &out, nil
}

// wireMessage lets us round-trip Message through chanbuf's generic
// CBOR codec without exposing encodeMessage/decodeMessage's raw bytes
// to callers.
type wireMessage struct{ Raw []byte }

func (w wireMessage) MarshalCBOR() ([]byte, error) { return w.Raw, nil }

func (w *wireMessage) UnmarshalCBOR(data []byte) error {
	w.Raw = append([]byte(nil), data...)
	return nil
}

func encodeWith(m Message) []byte {
	data, err := encodeMessage(m)
	if err != nil {
		// encodeMessage only fails on a programmer error (unknown
		// concrete type), which can't happen for the constructors
		// this package exposes.
		panic(err)
	}
	return data
}
