package blockfetch

import (
	"context"
	"net"
	"testing"

	"github.com/ouro-node/n2n-core/pkg/chanbuf"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/agency"
	"github.com/ouro-node/n2n-core/pkg/plexer"
	"github.com/ouro-node/n2n-core/pkg/point"
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

	chA := pa.Register(uint16(message.ChannelBlockFetch), false)
	chB := pb.Register(uint16(message.ChannelBlockFetch), true)
	return chanbuf.New(chA), chanbuf.New(chB)
}

// TestBlockFetchFullBatch mirrors requesting a range and streaming
// three blocks before BatchDone.
func TestBlockFetchFullBatch(t *testing.T) {
	clientBuf, serverBuf := newPair(t)
	ctx := context.Background()
	client := NewClient(clientBuf)
	server := NewServer(serverBuf)

	rng := Range{From: point.New(1, []byte{0x01}), To: point.New(3, []byte{0x03})}
	bodies := [][]byte{{0x01}, {0x02}, {0x03}}

	errc := make(chan error, 1)
	go func() {
		gotRange, done, err := server.RecvRequest(ctx)
		if err != nil || done {
			errc <- err
			return
		}
		if !gotRange.From.Equal(rng.From) || !gotRange.To.Equal(rng.To) {
			errc <- assertErr("range mismatch")
			return
		}
		if err := server.SendStartBatch(ctx); err != nil {
			errc <- err
			return
		}
		for _, b := range bodies {
			if err := server.SendBlock(ctx, b); err != nil {
				errc <- err
				return
			}
		}
		errc <- server.SendBatchDone(ctx)
	}()

	require.NoError(t, client.SendRequestRange(ctx, rng))
	available, err := client.RecvStart(ctx)
	require.NoError(t, err)
	require.True(t, available)

	var got [][]byte
	for {
		body, done, err := client.RecvBlockOrDone(ctx)
		require.NoError(t, err)
		if done {
			break
		}
		got = append(got, body)
	}
	require.NoError(t, <-errc)
	assert.Equal(t, bodies, got)
	assert.Equal(t, StateIdle, client.State())
}

func TestBlockFetchNoBlocks(t *testing.T) {
	clientBuf, serverBuf := newPair(t)
	ctx := context.Background()
	client := NewClient(clientBuf)
	server := NewServer(serverBuf)

	errc := make(chan error, 1)
	go func() {
		_, _, err := server.RecvRequest(ctx)
		if err != nil {
			errc <- err
			return
		}
		errc <- server.SendNoBlocks(ctx)
	}()

	require.NoError(t, client.SendRequestRange(ctx, Range{From: point.Origin, To: point.Origin}))
	available, err := client.RecvStart(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.False(t, available)
	assert.Equal(t, StateIdle, client.State())
}

func TestSendBlockWrongStateErrors(t *testing.T) {
	_, serverBuf := newPair(t)
	server := NewServer(serverBuf)
	err := server.SendBlock(context.Background(), []byte{0x01})
	assert.ErrorIs(t, err, agency.ErrAgencyIsTheirs)
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(msg string) error { return testErr(msg) }
