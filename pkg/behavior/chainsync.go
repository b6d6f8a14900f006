package behavior

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/ouro-node/n2n-core/pkg/event"
	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/chainsync"
	"github.com/ouro-node/n2n-core/pkg/peer"
	"github.com/ouro-node/n2n-core/pkg/point"
)

// ChainSync drives header synchronization against every Initialized
// peer (spec.md §4.5.2/§4.7): it opens the intersect search once per
// connection from a seeded set of candidate points, then requests one
// header at a time, only ever one request outstanding per peer.
type ChainSync struct {
	seed    []point.Point
	pending map[peer.Id]bool // set by RequestContinue, cleared once the RequestNext is sent
}

// NewChainSync builds an empty ChainSync behavior; call Seed before
// any peer can make progress.
func NewChainSync() *ChainSync {
	return &ChainSync{pending: make(map[peer.Id]bool)}
}

// Seed replaces the newest-first candidate points offered on the next
// FindIntersect for every peer that hasn't started syncing yet.
func (c *ChainSync) Seed(points []point.Point) { c.seed = points }

// RequestContinue flags pid for one more RequestNext on the next
// housekeeping tick. The Manager calls this in response to an
// embedding application's ContinueSync command.
func (c *ChainSync) RequestContinue(pid peer.Id) { c.pending[pid] = true }

func (c *ChainSync) VisitConnected(peer.Id, *peer.PeerState, *OutboundQueue) {}

func (c *ChainSync) VisitInboundMsg(pid peer.Id, st *peer.PeerState, msg iface.AnyMessage, q *OutboundQueue) {
	if msg.Channel != message.ChannelChainSync {
		return
	}
	switch v := msg.ChainSync.(type) {
	case chainsync.IntersectFound:
		q.Event(event.IntersectionFound{Peer: pid, Point: v.Point, Tip: v.Tip})
	case chainsync.IntersectNotFound:
		// No candidate point matched. No further FindIntersect goes
		// to this peer on the current connection: a later StartSync
		// only seeds peers that have not started syncing.
	case chainsync.RollForward:
		var content chainsync.HeaderContent
		if err := cbor.Unmarshal(v.ContentCBOR, &content); err != nil {
			return
		}
		q.Event(event.BlockHeaderReceived{Peer: pid, Content: content, Tip: v.Tip})
	case chainsync.RollBackward:
		q.Event(event.RollbackReceived{Peer: pid, Point: v.Point, Tip: v.Tip})
	}
}

func (c *ChainSync) VisitErrored(pid peer.Id, st *peer.PeerState, kind iface.ErrorKind, cause error, q *OutboundQueue) {
	delete(c.pending, pid)
}

func (c *ChainSync) VisitHousekeeping(pid peer.Id, st *peer.PeerState, q *OutboundQueue) {
	if st.Conn != peer.ConnInitialized || st.Protocols.ChainSync == nil {
		return
	}
	if !st.ChainSyncStarted {
		if len(c.seed) == 0 {
			return
		}
		st.ChainSyncStarted = true
		q.Command(iface.Send{Peer: pid, Message: iface.FromChainSync(chainsync.FindIntersect{Points: c.seed})})
		return
	}
	if c.pending[pid] && st.Protocols.ChainSync.State() == chainsync.StateIdle {
		delete(c.pending, pid)
		q.Command(iface.Send{Peer: pid, Message: iface.FromChainSync(chainsync.RequestNext{})})
	}
}
