package behavior

import (
	"testing"

	"github.com/ouro-node/n2n-core/pkg/event"
	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/blockfetch"
	"github.com/ouro-node/n2n-core/pkg/peer"
	"github.com/ouro-node/n2n-core/pkg/point"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initializedPeerWithBlockFetch() (peer.Id, *peer.PeerState) {
	pid := peer.Id{Host: "10.0.0.1", Port: 3001}
	st := peer.New(pid, true)
	st.Conn = peer.ConnInitialized
	st.Protocols.BlockFetch = blockfetch.NewClient(nil)
	return pid, st
}

func TestBlockFetchDispatchesQueuedRangeToIdlePeer(t *testing.T) {
	b := NewBlockFetch()
	pid, st := initializedPeerWithBlockFetch()
	q := &OutboundQueue{}

	r := blockfetch.Range{From: point.Origin, To: point.New(10, []byte{1})}
	b.Enqueue(r)
	b.VisitHousekeeping(pid, st, q)

	require.Len(t, q.Commands, 1)
	send := q.Commands[0].(iface.Send)
	assert.Equal(t, blockfetch.RequestRange{Range: r}, send.Message.BlockFetch)
}

func TestBlockFetchDoesNotRedispatchClaimedRange(t *testing.T) {
	b := NewBlockFetch()
	pid, st := initializedPeerWithBlockFetch()
	q := &OutboundQueue{}

	b.Enqueue(blockfetch.Range{From: point.Origin, To: point.Origin})
	b.VisitHousekeeping(pid, st, q) // claims the only queued range
	q2 := &OutboundQueue{}
	b.VisitHousekeeping(pid, st, q2)

	assert.Empty(t, q2.Commands, "queue was already drained by the first tick")
}

func TestBlockFetchEmitsBlockBodyReceived(t *testing.T) {
	b := NewBlockFetch()
	pid, st := initializedPeerWithBlockFetch()
	q := &OutboundQueue{}

	msg := iface.FromBlockFetch(blockfetch.Block{Body: []byte("block")})
	b.VisitInboundMsg(pid, st, msg, q)

	require.Len(t, q.Events, 1)
	assert.Equal(t, event.BlockBodyReceived{Peer: pid, Body: []byte("block")}, q.Events[0])
}
