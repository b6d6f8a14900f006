package keepalive

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

	chA := pa.Register(uint16(message.ChannelKeepAlive), false)
	chB := pb.Register(uint16(message.ChannelKeepAlive), true)
	return chanbuf.New(chA), chanbuf.New(chB)
}

func TestKeepAliveRoundTrip(t *testing.T) {
	clientBuf, serverBuf := newPair(t)
	ctx := context.Background()

	client := NewClient(clientBuf)
	server := NewServer(serverBuf)
	require.True(t, client.Idle())

	errc := make(chan error, 1)
	go func() {
		cookie, err := server.RecvKeepAlive(ctx)
		if err != nil {
			errc <- err
			return
		}
		errc <- server.SendResponse(ctx, cookie)
	}()

	sent, err := client.SendKeepAlive(ctx)
	require.NoError(t, err)
	require.False(t, client.Idle())

	require.NoError(t, client.RecvResponse(ctx))
	require.NoError(t, <-errc)
	assert.True(t, client.Idle())
	_ = sent
}

func TestKeepAliveCookieMismatchErrors(t *testing.T) {
	clientBuf, serverBuf := newPair(t)
	ctx := context.Background()

	client := NewClient(clientBuf)
	server := NewServer(serverBuf)

	errc := make(chan error, 1)
	go func() {
		_, err := server.RecvKeepAlive(ctx)
		if err != nil {
			errc <- err
			return
		}
		// Reply with a deliberately wrong cookie.
		errc <- server.SendResponse(ctx, Cookie(0xDEAD))
	}()

	_, err := client.SendKeepAlive(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	err = client.RecvResponse(ctx)
	assert.ErrorIs(t, err, ErrCookieMismatch)
	assert.Equal(t, StateDone, client.State())
}

func TestSendKeepAliveWhileRoundOutstandingErrors(t *testing.T) {
	clientBuf, _ := newPair(t)
	client := NewClient(clientBuf)
	client.state = StateClientResponse

	_, err := client.SendKeepAlive(context.Background())
	assert.ErrorIs(t, err, agency.ErrAgencyIsTheirs)
}

func TestServerCannotRecvResponse(t *testing.T) {
	_, serverBuf := newPair(t)
	server := NewServer(serverBuf)
	err := server.RecvResponse(context.Background())
	assert.ErrorIs(t, err, agency.ErrAgencyIsOurs)
}
