package chanbuf

import (
	"context"
	"net"
	"testing"

	"github.com/ouro-node/n2n-core/pkg/plexer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type pipeBearer struct{ net.Conn }

func (p pipeBearer) RemoteAddr() net.Addr { return p.Conn.RemoteAddr() }

type endpoint struct {
	buf    *ChannelBuffer
	cancel context.CancelFunc
}

func newPair(t *testing.T) (endpoint, endpoint) {
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

	chA := pa.Register(2, false)
	chB := pb.Register(2, true)

	return endpoint{buf: New(chA), cancel: cancelA}, endpoint{buf: New(chB), cancel: cancelB}
}

func TestSendRecvSingleMessage(t *testing.T) {
	a, b := newPair(t)

	type msg struct {
		A int
		B string
	}
	want := msg{A: 7, B: "hello"}
	require.NoError(t, a.buf.SendMsg(context.Background(), want))

	var got msg
	require.NoError(t, b.buf.RecvMsg(context.Background(), &got))
	require.Equal(t, want, got)
}

func TestRecvAcrossMultipleChunks(t *testing.T) {
	a, b := newPair(t)

	want := make([]byte, 200_000) // forces fragmentation across segments
	for i := range want {
		want[i] = byte(i)
	}
	require.NoError(t, a.buf.SendMsg(context.Background(), want))

	var got []byte
	require.NoError(t, b.buf.RecvMsg(context.Background(), &got))
	require.Equal(t, want, got)
}

func TestMultipleMessagesInSequence(t *testing.T) {
	a, b := newPair(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.buf.SendMsg(context.Background(), i))
	}
	for i := 0; i < 5; i++ {
		var got int
		require.NoError(t, b.buf.RecvMsg(context.Background(), &got))
		require.Equal(t, i, got)
	}
}
