package peersharing

import (
	"context"
	"net"
	"testing"

	"github.com/ouro-node/n2n-core/pkg/chanbuf"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/agency"
	"github.com/ouro-node/n2n-core/pkg/plexer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type pipeBearer struct{ net.Conn }

func (p pipeBearer) RemoteAddr() net.Addr { return p.Conn.RemoteAddr() }

func newPair(t *testing.T) (*chanbuf.ChannelBuffer, *chanbuf.ChannelBuffer) {
	t.Helper()
	c1, c2 := net.Pipe()
	pa := plexer.New(pipeBearer{c1}, zaptest.NewLogger(t))
	pb := plexer.New(pipeBearer{c2}, zaptest.NewLogger(t))

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	go func() { _ = pa.Run(ctxA) }()
	go func() { _ = pb.Run(ctxB) }()
	t.Cleanup(cancelA)
	t.Cleanup(cancelB)

	chA := pa.Register(uint16(message.ChannelPeerSharing), false)
	chB := pb.Register(uint16(message.ChannelPeerSharing), true)
	return chanbuf.New(chA), chanbuf.New(chB)
}

func TestAddressRoundTripV4AndV6(t *testing.T) {
	addrs := []Address{
		{IP: net.ParseIP("127.0.0.1"), Port: 3001},
		{IP: net.ParseIP("::1"), Port: 3001},
	}
	for _, want := range addrs {
		data, err := encodeMessage(SharePeers{Peers: []Address{want}})
		require.NoError(t, err)
		m, err := decodeMessage(data)
		require.NoError(t, err)
		got := m.(SharePeers).Peers[0]
		assert.True(t, want.IP.Equal(got.IP))
		assert.Equal(t, want.Port, got.Port)
	}
}

func TestPeerSharingRoundTrip(t *testing.T) {
	clientBuf, serverBuf := newPair(t)
	ctx := context.Background()

	client := NewClient(clientBuf)
	server := NewServer(serverBuf)
	require.True(t, client.Idle())

	want := []Address{
		{IP: net.ParseIP("10.0.0.1").To4(), Port: 3001},
		{IP: net.ParseIP("10.0.0.2").To4(), Port: 3001},
		{IP: net.ParseIP("10.0.0.3").To4(), Port: 3001},
	}

	errc := make(chan error, 1)
	go func() {
		amount, err := server.RecvShareRequest(ctx)
		if err != nil {
			errc <- err
			return
		}
		peers := want
		if int(amount) < len(peers) {
			peers = peers[:amount]
		}
		errc <- server.SendSharePeers(ctx, peers)
	}()

	require.NoError(t, client.SendShareRequest(ctx, 2))
	got, err := client.RecvSharePeers(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	require.Len(t, got, 2)
	assert.True(t, client.Idle())
}

func TestSendSharePeersWrongStateErrors(t *testing.T) {
	_, serverBuf := newPair(t)
	server := NewServer(serverBuf)
	err := server.SendSharePeers(context.Background(), nil)
	assert.ErrorIs(t, err, agency.ErrAgencyIsTheirs)
}

func TestRecvSharePeersBeforeRequestErrors(t *testing.T) {
	clientBuf, _ := newPair(t)
	client := NewClient(clientBuf)
	_, err := client.RecvSharePeers(context.Background())
	assert.ErrorIs(t, err, agency.ErrAgencyIsOurs)
}
