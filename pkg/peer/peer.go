// Package peer defines PeerId and PeerState, the Manager-owned record
// of everything known about one remote node (spec.md §3).
package peer

import (
	"fmt"
	"time"

	"github.com/ouro-node/n2n-core/pkg/miniprotocol/blockfetch"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/chainsync"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/handshake"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/keepalive"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/peersharing"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/txsubmission"
)

// Id is an opaque network address; equality and hashing are
// structural (spec.md §3), which a Go comparable struct gives for
// free as a map key.
type Id struct {
	Host string
	Port uint16
}

func (p Id) String() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// ConnState is the connection lifecycle (spec.md §3).
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnInitialized
	ConnDisconnected
	ConnErrored
)

func (c ConnState) String() string {
	switch c {
	case ConnNew:
		return "New"
	case ConnConnecting:
		return "Connecting"
	case ConnConnected:
		return "Connected"
	case ConnInitialized:
		return "Initialized"
	case ConnDisconnected:
		return "Disconnected"
	default:
		return "Errored"
	}
}

// PromotionTag is the peer-manager's selection tier (spec.md §3).
type PromotionTag int

const (
	Cold PromotionTag = iota
	Warm
	Hot
	Banned
)

func (p PromotionTag) String() string {
	switch p {
	case Cold:
		return "Cold"
	case Warm:
		return "Warm"
	case Hot:
		return "Hot"
	default:
		return "Banned"
	}
}

// ProtocolStates holds one state machine per N2N mini-protocol. All
// of them are set once Connected, in roles that follow the
// connection's direction: the dialing side runs as client for
// chain-sync/block-fetch/tx-submission/peer-sharing and initiator for
// handshake; the accepting side runs the mirrored roles. Keep-alive is always driven client-side by the dialer and
// server-side by the acceptor, per spec.md §4.5.5's housekeeping tick
// wording ("a housekeeping tick sends keepalive periodically").
type ProtocolStates struct {
	Handshake    *handshake.SM
	ChainSync    *chainsync.SM
	BlockFetch   *blockfetch.SM
	TxSubmission *txsubmission.SM
	KeepAlive    *keepalive.SM
	PeerSharing  *peersharing.SM
}

// PeerState is the Manager's complete record for one PeerId
// (spec.md §3).
type PeerState struct {
	ID        Id
	Outbound  bool
	Conn      ConnState
	Promotion PromotionTag
	Protocols ProtocolStates

	NegotiatedVersion handshake.VersionNumber
	NegotiatedData    handshake.VersionData
	PeerSharingEnabled bool

	LastSeen   time.Time
	ErrorCount int

	HandshakeDeadline time.Time
	KeepAliveDeadline time.Time

	// ChainSyncStarted is per-peer behavior bookkeeping that doesn't
	// belong in any single mini-protocol SM.
	ChainSyncStarted bool
}

// New creates a PeerState in the New/Cold state.
func New(id Id, outbound bool) *PeerState {
	return &PeerState{ID: id, Outbound: outbound, Conn: ConnNew, Promotion: Cold}
}

// ResetProtocols clears every mini-protocol SM and the
// connection-scoped bookkeeping, as happens on disconnect before a
// fresh connection attempt (spec.md §3 "the protocol states reset on
// each new connection").
func (p *PeerState) ResetProtocols() {
	p.Protocols = ProtocolStates{}
	p.NegotiatedVersion = 0
	p.NegotiatedData = handshake.VersionData{}
	p.PeerSharingEnabled = false
	p.ChainSyncStarted = false
}

func (p *PeerState) String() string {
	return fmt.Sprintf("Peer{%s conn=%s promo=%s}", p.ID, p.Conn, p.Promotion)
}
