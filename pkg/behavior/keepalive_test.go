package behavior

import (
	"testing"
	"time"

	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/keepalive"
	"github.com/ouro-node/n2n-core/pkg/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initializedPeerWithKeepAlive() (peer.Id, *peer.PeerState) {
	pid := peer.Id{Host: "10.0.0.1", Port: 3001}
	st := peer.New(pid, true)
	st.Conn = peer.ConnInitialized
	st.Protocols.KeepAlive = keepalive.NewClient(nil)
	return pid, st
}

func TestKeepAliveStartsRoundWhenIdle(t *testing.T) {
	k := &KeepAlive{}
	pid, st := initializedPeerWithKeepAlive()
	q := &OutboundQueue{}

	k.VisitHousekeeping(pid, st, q)

	require.Len(t, q.Commands, 1)
	assert.Equal(t, iface.KeepAliveRound{Peer: pid}, q.Commands[0])
	assert.False(t, st.KeepAliveDeadline.IsZero())
}

func TestKeepAliveSkipsUninitializedPeer(t *testing.T) {
	k := &KeepAlive{}
	pid, st := initializedPeerWithKeepAlive()
	st.Conn = peer.ConnConnected
	q := &OutboundQueue{}

	k.VisitHousekeeping(pid, st, q)

	assert.Empty(t, q.Commands)
}

func TestKeepAliveWithinPeriodDoesNotRestart(t *testing.T) {
	k := &KeepAlive{Period: time.Hour}
	pid, st := initializedPeerWithKeepAlive()
	st.LastSeen = time.Now()
	st.KeepAliveDeadline = time.Now().Add(time.Hour)
	q := &OutboundQueue{}

	k.VisitHousekeeping(pid, st, q)

	assert.Empty(t, q.Commands)
}

func TestKeepAliveRecvResetsDeadline(t *testing.T) {
	k := &KeepAlive{}
	pid, st := initializedPeerWithKeepAlive()
	st.KeepAliveDeadline = time.Now().Add(time.Minute)
	q := &OutboundQueue{}

	k.VisitInboundMsg(pid, st, iface.AnyMessage{Channel: message.ChannelKeepAlive}, q)

	assert.True(t, st.KeepAliveDeadline.IsZero())
}
