package plexer

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ouro-node/n2n-core/pkg/bearer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pipeBearer adapts a net.Conn (from net.Pipe) to the Bearer
// interface for in-process tests without touching real sockets.
type pipeBearer struct{ net.Conn }

func (p pipeBearer) RemoteAddr() net.Addr { return p.Conn.RemoteAddr() }

func newPlexerPair(t *testing.T) (*Plexer, *Plexer) {
	t.Helper()
	c1, c2 := net.Pipe()
	a := New(pipeBearer{c1}, zaptest.NewLogger(t))
	b := New(pipeBearer{c2}, zaptest.NewLogger(t))
	return a, b
}

func runPlexer(t *testing.T, p *Plexer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = p.Run(ctx)
	}()
	return cancel
}

func TestPlexerFIFOPerChannel(t *testing.T) {
	a, b := newPlexerPair(t)
	cancelA := runPlexer(t, a)
	cancelB := runPlexer(t, b)
	defer cancelA()
	defer cancelB()

	chA := a.Register(2, false)
	chB := b.Register(2, true)

	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, chA.Enqueue(ctx, []byte{byte(i)}))
	}
	for i := 0; i < n; i++ {
		got, err := chB.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, got)
	}
}

func TestPlexerUnknownChannelDropsNotKills(t *testing.T) {
	a, b := newPlexerPair(t)
	cancelA := runPlexer(t, a)
	cancelB := runPlexer(t, b)
	defer cancelA()
	defer cancelB()

	// b never registers channel 10; a sends on it anyway.
	chA := a.Register(10, false)
	ctx := context.Background()
	require.NoError(t, chA.Enqueue(ctx, []byte("ignored")))

	// Now prove the connection is still alive via a channel both sides
	// registered.
	chA2 := a.Register(2, false)
	chB2 := b.Register(2, true)
	require.NoError(t, chA2.Enqueue(ctx, []byte("still alive")))
	got, err := chB2.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("still alive"), got)
}

func TestPlexerFairnessUnderLoad(t *testing.T) {
	a, b := newPlexerPair(t)
	cancelA := runPlexer(t, a)
	cancelB := runPlexer(t, b)
	defer cancelA()
	defer cancelB()

	chA1 := a.Register(2, false)
	chA2 := a.Register(3, false)
	chB1 := b.Register(2, true)
	chB2 := b.Register(3, true)

	const msgs = 200
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < msgs; i++ {
			_ = chA1.Enqueue(ctx, bytes.Repeat([]byte{1}, 40000))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < msgs; i++ {
			_ = chA2.Enqueue(ctx, bytes.Repeat([]byte{2}, 40000))
		}
	}()

	done1, done2 := make(chan time.Time, 1), make(chan time.Time, 1)
	go func() {
		for i := 0; i < msgs; i++ {
			_, err := chB1.Dequeue(ctx)
			require.NoError(t, err)
		}
		done1 <- time.Now()
	}()
	go func() {
		for i := 0; i < msgs; i++ {
			_, err := chB2.Dequeue(ctx)
			require.NoError(t, err)
		}
		done2 <- time.Now()
	}()

	wg.Wait()
	t1 := <-done1
	t2 := <-done2
	gap := t1.Sub(t2)
	if gap < 0 {
		gap = -gap
	}
	require.Less(t, gap, 5*time.Second, "one channel should not starve the other")
}

func TestPlexerDeregisterDiscardsFurtherSends(t *testing.T) {
	a, b := newPlexerPair(t)
	cancelA := runPlexer(t, a)
	cancelB := runPlexer(t, b)
	defer cancelA()
	defer cancelB()

	chA := a.Register(4, false)
	chB := b.Register(4, true)
	a.Deregister(4)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := chA.Enqueue(ctx, []byte("dropped"))
	require.ErrorIs(t, err, ErrClosed)

	_, err = chB.Dequeue(ctx)
	require.Error(t, err) // deadline exceeded: nothing ever arrives
}

func TestBearerErrorClosesInboundQueues(t *testing.T) {
	a, b := newPlexerPair(t)
	cancelA := runPlexer(t, a)
	defer cancelA()
	_ = runPlexer(t, b)

	chA := a.Register(2, false)
	b.Register(2, true)

	// Kill b's side of the pipe to force a's demuxer into an error.
	require.NoError(t, b.bearer.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := chA.Dequeue(ctx)
	require.Error(t, err)
}

var _ io.ReadWriteCloser = (*net.TCPConn)(nil)
var _ bearer.Bearer = pipeBearer{}
