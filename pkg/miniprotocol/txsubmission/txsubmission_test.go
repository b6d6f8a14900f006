package txsubmission

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

	chA := pa.Register(uint16(message.ChannelTxSubmission), false)
	chB := pb.Register(uint16(message.ChannelTxSubmission), true)
	return chanbuf.New(chA), chanbuf.New(chB)
}

// TestTxSubmissionFullRound mirrors Init, a non-blocking
// RequestTxIds/ReplyTxIds round, then RequestTxs/ReplyTxs for the
// advertised IDs.
func TestTxSubmissionFullRound(t *testing.T) {
	clientBuf, serverBuf := newPair(t)
	ctx := context.Background()
	client := NewClient(clientBuf)
	server := NewServer(serverBuf)

	errc := make(chan error, 1)
	go func() { errc <- server.RecvInit(ctx) }()
	require.NoError(t, client.SendInit(ctx))
	require.NoError(t, <-errc)

	ids := []IDSize{
		{ID: TxID{Era: 6, Hash: []byte{0x01}}, Size: 128},
		{ID: TxID{Era: 6, Hash: []byte{0x02}}, Size: 256},
	}

	go func() { errc <- server.SendRequestTxIds(ctx, false, 0, 2) }()
	blocking, ack, req, err := client.RecvRequestTxIds(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.False(t, blocking)
	assert.Equal(t, uint16(0), ack)
	assert.Equal(t, uint16(2), req)

	go func() { errc <- client.SendReplyTxIds(ctx, ids) }()
	gotIDs, err := server.RecvReplyTxIds(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, ids, gotIDs)

	wantIDs := []TxID{ids[0].ID, ids[1].ID}
	go func() { errc <- server.SendRequestTxs(ctx, wantIDs) }()
	gotReqIDs, err := client.RecvRequestTxs(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, wantIDs, gotReqIDs)

	bodies := [][]byte{{0xAA}, {0xBB}}
	go func() { errc <- client.SendReplyTxs(ctx, bodies) }()
	gotBodies, err := server.RecvReplyTxs(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, bodies, gotBodies)
	assert.Equal(t, StateIdle, client.State())
	assert.Equal(t, StateIdle, server.State())
}

func TestSendRequestTxIdsWrongStateErrors(t *testing.T) {
	_, serverBuf := newPair(t)
	server := NewServer(serverBuf)
	err := server.SendRequestTxIds(context.Background(), true, 0, 1)
	assert.ErrorIs(t, err, agency.ErrAgencyIsTheirs)
}

func TestRecvReplyTxIdsBeforeRequestErrors(t *testing.T) {
	_, serverBuf := newPair(t)
	server := NewServer(serverBuf)
	_, err := server.RecvReplyTxIds(context.Background())
	assert.ErrorIs(t, err, agency.ErrAgencyIsOurs)
}
