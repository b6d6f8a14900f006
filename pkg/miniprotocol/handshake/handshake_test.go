package handshake

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

	chA := pa.Register(uint16(message.ChannelHandshake), false)
	chB := pb.Register(uint16(message.ChannelHandshake), true)
	return chanbuf.New(chA), chanbuf.New(chB)
}

func hint(v uint8) *uint8 { return &v }

func TestVersionDataRoundTrip(t *testing.T) {
	cases := []VersionData{
		{NetworkMagic: MagicMainnet, InitiatorOnly: false},
		{NetworkMagic: MagicPreprod, InitiatorOnly: true, PeerSharingHint: hint(1)},
		{NetworkMagic: MagicSanchonet, InitiatorOnly: false, PeerSharingHint: hint(0), Query: true},
	}
	for _, want := range cases {
		data, err := want.MarshalCBOR()
		require.NoError(t, err)
		var got VersionData
		require.NoError(t, got.UnmarshalCBOR(data))
		assert.Equal(t, want, got)
	}
}

func TestVersionTableRoundTrip(t *testing.T) {
	want := VersionTable{
		Version14: {NetworkMagic: MagicMainnet, InitiatorOnly: false, PeerSharingHint: hint(1)},
		Version11: {NetworkMagic: MagicMainnet, InitiatorOnly: false},
		Version13: {NetworkMagic: MagicMainnet, InitiatorOnly: false, PeerSharingHint: hint(1)},
	}
	data, err := want.MarshalCBOR()
	require.NoError(t, err)

	var got VersionTable
	require.NoError(t, got.UnmarshalCBOR(data))
	assert.Equal(t, want, got)
	assert.Equal(t, []VersionNumber{Version11, Version13, Version14}, SortedVersions(got))
}

func TestRefuseReasonRoundTrip(t *testing.T) {
	reasons := []RefuseReason{
		VersionMismatch{Supported: []VersionNumber{Version11, Version12}},
		HandshakeDecodeErrorReason{Version: Version13, Message: "bad cbor"},
		RefusedReason{Version: Version13, Message: "banned magic"},
	}
	for _, want := range reasons {
		data, err := marshalReason(want)
		require.NoError(t, err)
		got, err := unmarshalReason(data)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestHighestVersion(t *testing.T) {
	local := VersionTable{Version11: {}, Version12: {}, Version13: {}}
	remote := VersionTable{Version12: {}, Version13: {}, Version14: {}}
	v, ok := Highest(local, remote)
	require.True(t, ok)
	assert.Equal(t, Version13, v)

	_, ok = Highest(VersionTable{Version11: {}}, VersionTable{Version14: {}})
	assert.False(t, ok)
}

// TestHandshakeAcceptMainnet mirrors the mainnet-accept scenario: both
// sides propose overlapping tables, the responder picks the highest
// common version and accepts.
func TestHandshakeAcceptMainnet(t *testing.T) {
	initBuf, respBuf := newPair(t)
	ctx := context.Background()

	localTable := VersionTable{
		Version11: {NetworkMagic: MagicMainnet},
		Version12: {NetworkMagic: MagicMainnet},
		Version13: {NetworkMagic: MagicMainnet, PeerSharingHint: hint(1)},
	}
	remoteTable := VersionTable{
		Version12: {NetworkMagic: MagicMainnet},
		Version13: {NetworkMagic: MagicMainnet, PeerSharingHint: hint(1)},
	}

	initiator := NewInitiator(initBuf, localTable)
	responder := NewResponder(respBuf)

	errc := make(chan error, 2)
	go func() { errc <- initiator.SendPropose(ctx) }()

	gotTable, err := responder.RecvPropose(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, localTable, gotTable)

	version, ok := Highest(remoteTable, gotTable)
	require.True(t, ok)
	assert.Equal(t, Version13, version)

	go func() { errc <- responder.SendAccept(ctx, version, remoteTable[version]) }()
	outcome, err := initiator.RecvConfirm(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	require.True(t, outcome.Accepted)
	assert.Equal(t, Version13, outcome.Version)
	assert.Equal(t, StateDone, initiator.State())
	assert.Equal(t, StateDone, responder.State())
}

// TestHandshakeRefuseNoOverlap mirrors the refuse-with-no-overlap
// scenario: the proposed and local tables share no version, so the
// responder sends a VersionMismatch refusal instead of an accept.
func TestHandshakeRefuseNoOverlap(t *testing.T) {
	initBuf, respBuf := newPair(t)
	ctx := context.Background()

	localTable := VersionTable{Version11: {NetworkMagic: MagicMainnet}}
	remoteTable := VersionTable{Version14: {NetworkMagic: MagicMainnet}}

	initiator := NewInitiator(initBuf, localTable)
	responder := NewResponder(respBuf)

	errc := make(chan error, 2)
	go func() { errc <- initiator.SendPropose(ctx) }()
	gotTable, err := responder.RecvPropose(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	_, ok := Highest(remoteTable, gotTable)
	require.False(t, ok)

	reason := VersionMismatch{Supported: SortedVersions(remoteTable)}
	go func() { errc <- responder.SendRefuse(ctx, reason) }()
	outcome, err := initiator.RecvConfirm(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	assert.False(t, outcome.Accepted)
	assert.Equal(t, reason, outcome.Refused)
}

func TestSendProposeWrongAgencyErrors(t *testing.T) {
	initBuf, _ := newPair(t)
	responderActingAsInitiator := NewResponder(initBuf)
	err := responderActingAsInitiator.SendPropose(context.Background())
	assert.ErrorIs(t, err, agency.ErrAgencyIsTheirs)
}

func TestRecvConfirmBeforeProposeErrors(t *testing.T) {
	initBuf, _ := newPair(t)
	initiator := NewInitiator(initBuf, VersionTable{Version11: {}})
	_, err := initiator.RecvConfirm(context.Background())
	assert.ErrorIs(t, err, agency.ErrAgencyIsOurs)
}
