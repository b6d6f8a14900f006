package behavior

import (
	"time"

	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/peer"
)

// KeepAlive drives the liveness protocol on the housekeeping tick
// (spec.md §4.5.5/§4.7): if the peer is Initialized and its keep-alive
// SM is idle, it issues one KeepAliveRound. The echo (or its absence)
// is folded back by the interface itself, which emits a Recv on
// success or an Errored(Timeout) on expiry; this behavior only needs
// to avoid starting a second round while one is outstanding.
type KeepAlive struct {
	// Period applies while a round's deadline is still set: no new
	// round starts until Period has passed since LastSeen. The echo
	// clears the deadline, after which the next tick starts a new
	// round whatever Period is. Defaults to 3s if zero.
	Period time.Duration
}

func (k *KeepAlive) period() time.Duration {
	if k.Period <= 0 {
		return 3 * time.Second
	}
	return k.Period
}

func (k *KeepAlive) VisitConnected(peer.Id, *peer.PeerState, *OutboundQueue) {}

func (k *KeepAlive) VisitInboundMsg(pid peer.Id, st *peer.PeerState, msg iface.AnyMessage, q *OutboundQueue) {
	if msg.Channel != message.ChannelKeepAlive {
		return
	}
	st.LastSeen = time.Now()
	st.KeepAliveDeadline = time.Time{}
}

func (k *KeepAlive) VisitErrored(peer.Id, *peer.PeerState, iface.ErrorKind, error, *OutboundQueue) {}

func (k *KeepAlive) VisitHousekeeping(pid peer.Id, st *peer.PeerState, q *OutboundQueue) {
	if st.Conn != peer.ConnInitialized || st.Protocols.KeepAlive == nil {
		return
	}
	if !st.Protocols.KeepAlive.Idle() {
		return
	}
	if !st.KeepAliveDeadline.IsZero() && time.Since(st.LastSeen) < k.period() {
		return
	}
	st.KeepAliveDeadline = time.Now().Add(k.period())
	q.Command(iface.KeepAliveRound{Peer: pid})
}
