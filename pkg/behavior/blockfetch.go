package behavior

import (
	"github.com/ouro-node/n2n-core/pkg/event"
	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/blockfetch"
	"github.com/ouro-node/n2n-core/pkg/peer"
)

// BlockFetch services a FIFO queue of requested ranges against
// whichever Initialized peer is free (spec.md §4.5.3/§4.7). Ranges
// are not pinned to a particular peer: the first idle peer on a given
// housekeeping tick claims the head of the queue.
type BlockFetch struct {
	queue []blockfetch.Range
}

// NewBlockFetch builds an empty BlockFetch behavior.
func NewBlockFetch() *BlockFetch { return &BlockFetch{} }

// Enqueue appends r to the pending-range queue. The Manager calls
// this in response to an embedding application's StartSync command.
func (b *BlockFetch) Enqueue(r blockfetch.Range) { b.queue = append(b.queue, r) }

func (b *BlockFetch) VisitConnected(peer.Id, *peer.PeerState, *OutboundQueue) {}

func (b *BlockFetch) VisitInboundMsg(pid peer.Id, st *peer.PeerState, msg iface.AnyMessage, q *OutboundQueue) {
	if msg.Channel != message.ChannelBlockFetch {
		return
	}
	switch v := msg.BlockFetch.(type) {
	case blockfetch.Block:
		q.Event(event.BlockBodyReceived{Peer: pid, Body: v.Body})
	case blockfetch.StartBatch, blockfetch.NoBlocks, blockfetch.BatchDone:
		// Bookkeeping only; the SM itself already tracks batch framing.
	}
}

func (b *BlockFetch) VisitErrored(peer.Id, *peer.PeerState, iface.ErrorKind, error, *OutboundQueue) {}

func (b *BlockFetch) VisitHousekeeping(pid peer.Id, st *peer.PeerState, q *OutboundQueue) {
	if st.Conn != peer.ConnInitialized || st.Protocols.BlockFetch == nil {
		return
	}
	if len(b.queue) == 0 {
		return
	}
	if st.Protocols.BlockFetch.State() != blockfetch.StateIdle {
		return
	}
	r := b.queue[0]
	b.queue = b.queue[1:]
	q.Command(iface.Send{Peer: pid, Message: iface.FromBlockFetch(blockfetch.RequestRange{Range: r})})
}
