package behavior

import (
	"github.com/ouro-node/n2n-core/pkg/event"
	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/handshake"
	"github.com/ouro-node/n2n-core/pkg/peer"
)

// Handshake proposes the configured version table on every fresh
// connection and folds the reply into PeerState (spec.md §4.7): an
// Accept promotes the peer to Initialized and emits PeerInitialized;
// a Refuse marks the peer Errored, and bans it outright when the
// refusal reason is a version mismatch, since there is no version the
// two sides will ever agree on.
type Handshake struct {
	Table handshake.VersionTable
}

func (h *Handshake) VisitConnected(pid peer.Id, st *peer.PeerState, q *OutboundQueue) {
	if !st.Outbound {
		// The accepting side runs the handshake as responder; its
		// Propose/Accept/Refuse exchange is driven mechanically inside
		// the interface layer, which replays the outcome as an
		// inbound Accept/Refuse so this behavior still folds it into
		// PeerState below.
		return
	}
	q.Command(iface.Send{Peer: pid, Message: iface.FromHandshake(handshake.Propose{Table: h.Table})})
}

func (h *Handshake) VisitInboundMsg(pid peer.Id, st *peer.PeerState, msg iface.AnyMessage, q *OutboundQueue) {
	if msg.Channel != message.ChannelHandshake {
		return
	}
	switch v := msg.Handshake.(type) {
	case handshake.Accept:
		st.Conn = peer.ConnInitialized
		st.NegotiatedVersion = v.Version
		st.NegotiatedData = v.Data
		st.PeerSharingEnabled = v.Data.PeerSharingHint != nil && *v.Data.PeerSharingHint == 1
		q.Event(event.PeerInitialized{Peer: pid, Version: v.Version, Data: v.Data})
	case handshake.Refuse:
		st.Conn = peer.ConnErrored
		if _, mismatch := v.Reason.(handshake.VersionMismatch); mismatch {
			st.Promotion = peer.Banned
		}
	case handshake.QueryReply:
		// Query-mode (v15+) is not negotiated any further by this
		// core (spec.md §9); the connection can't be used, so it's
		// torn down like any other non-Accept outcome.
		st.Conn = peer.ConnErrored
	}
}

func (h *Handshake) VisitErrored(peer.Id, *peer.PeerState, iface.ErrorKind, error, *OutboundQueue) {}

func (h *Handshake) VisitHousekeeping(peer.Id, *peer.PeerState, *OutboundQueue) {}
