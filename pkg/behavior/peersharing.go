package behavior

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/peersharing"
	"github.com/ouro-node/n2n-core/pkg/peer"
)

// defaultDiscoveredCacheSize bounds the peer-sharing behavior's
// address cache so a chatty or malicious peer can't grow it without
// limit.
const defaultDiscoveredCacheSize = 4096

// PeerSharing requests peer addresses from every peer that negotiated
// the extension at handshake (spec.md §4.5.6/§4.7) and collects the
// replies into a bounded cache the embedding application can drain
// for its own connection manager. Each peer is asked once; only
// VisitErrored re-arms the request, so a peer that disconnects
// without an error and reconnects is not asked again.
type PeerSharing struct {
	// Amount is how many addresses to request per round. Defaults to
	// 10 if zero.
	Amount uint8

	cache     *lru.Cache
	requested map[peer.Id]bool
}

// NewPeerSharing builds a PeerSharing behavior with its discovered-
// address cache sized per defaultDiscoveredCacheSize.
func NewPeerSharing(amount uint8) *PeerSharing {
	cache, err := lru.New(defaultDiscoveredCacheSize)
	if err != nil {
		panic(err)
	}
	return &PeerSharing{Amount: amount, cache: cache, requested: make(map[peer.Id]bool)}
}

func (p *PeerSharing) amount() uint8 {
	if p.Amount == 0 {
		return 10
	}
	return p.Amount
}

func (p *PeerSharing) VisitConnected(peer.Id, *peer.PeerState, *OutboundQueue) {}

func (p *PeerSharing) VisitInboundMsg(pid peer.Id, st *peer.PeerState, msg iface.AnyMessage, q *OutboundQueue) {
	if msg.Channel != message.ChannelPeerSharing {
		return
	}
	sp, ok := msg.PeerSharing.(peersharing.SharePeers)
	if !ok {
		return
	}
	for _, a := range sp.Peers {
		p.cache.Add(fmt.Sprintf("%s:%d", a.IP, a.Port), a)
	}
}

func (p *PeerSharing) VisitErrored(pid peer.Id, st *peer.PeerState, kind iface.ErrorKind, cause error, q *OutboundQueue) {
	delete(p.requested, pid)
}

func (p *PeerSharing) VisitHousekeeping(pid peer.Id, st *peer.PeerState, q *OutboundQueue) {
	if st.Conn != peer.ConnInitialized || !st.PeerSharingEnabled {
		return
	}
	if st.Protocols.PeerSharing == nil || !st.Protocols.PeerSharing.Idle() {
		return
	}
	if p.requested[pid] {
		return
	}
	p.requested[pid] = true
	q.Command(iface.Send{Peer: pid, Message: iface.FromPeerSharing(peersharing.ShareRequest{Amount: p.amount()})})
}

// Discovered returns every peer-sharing address collected so far.
func (p *PeerSharing) Discovered() []peersharing.Address {
	keys := p.cache.Keys()
	out := make([]peersharing.Address, 0, len(keys))
	for _, k := range keys {
		if v, ok := p.cache.Get(k); ok {
			out = append(out, v.(peersharing.Address))
		}
	}
	return out
}
