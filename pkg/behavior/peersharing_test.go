package behavior

import (
	"net"
	"testing"

	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/peersharing"
	"github.com/ouro-node/n2n-core/pkg/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initializedPeerWithSharing() (peer.Id, *peer.PeerState) {
	pid := peer.Id{Host: "10.0.0.1", Port: 3001}
	st := peer.New(pid, true)
	st.Conn = peer.ConnInitialized
	st.PeerSharingEnabled = true
	st.Protocols.PeerSharing = peersharing.NewClient(nil)
	return pid, st
}

func TestPeerSharingRequestsOncePerConnection(t *testing.T) {
	p := NewPeerSharing(5)
	pid, st := initializedPeerWithSharing()
	q := &OutboundQueue{}

	p.VisitHousekeeping(pid, st, q)
	p.VisitHousekeeping(pid, st, q)

	require.Len(t, q.Commands, 1)
	send := q.Commands[0].(iface.Send)
	assert.Equal(t, peersharing.ShareRequest{Amount: 5}, send.Message.PeerSharing)
}

func TestPeerSharingSkipsWhenNotNegotiated(t *testing.T) {
	p := NewPeerSharing(5)
	pid, st := initializedPeerWithSharing()
	st.PeerSharingEnabled = false
	q := &OutboundQueue{}

	p.VisitHousekeeping(pid, st, q)

	assert.Empty(t, q.Commands)
}

func TestPeerSharingCollectsDiscoveredAddresses(t *testing.T) {
	p := NewPeerSharing(5)
	pid, st := initializedPeerWithSharing()
	q := &OutboundQueue{}

	reply := iface.FromPeerSharing(peersharing.SharePeers{Peers: []peersharing.Address{
		{IP: net.ParseIP("192.0.2.1"), Port: 3001},
	}})
	p.VisitInboundMsg(pid, st, reply, q)

	discovered := p.Discovered()
	require.Len(t, discovered, 1)
	assert.Equal(t, uint16(3001), discovered[0].Port)
}

func TestPeerSharingErrorAllowsReRequest(t *testing.T) {
	p := NewPeerSharing(5)
	pid, st := initializedPeerWithSharing()
	q := &OutboundQueue{}

	p.VisitHousekeeping(pid, st, q)
	p.VisitErrored(pid, st, iface.ErrorBearerIO, nil, q)
	st.Protocols.PeerSharing = peersharing.NewClient(nil)
	p.VisitHousekeeping(pid, st, q)

	assert.Len(t, q.Commands, 2)
}
