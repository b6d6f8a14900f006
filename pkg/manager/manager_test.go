package manager

import (
	"context"
	"testing"
	"time"

	"github.com/ouro-node/n2n-core/pkg/event"
	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/chainsync"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/handshake"
	"github.com/ouro-node/n2n-core/pkg/peer"
	"github.com/ouro-node/n2n-core/pkg/point"
	"github.com/stretchr/testify/require"
)

func localTable() handshake.VersionTable {
	return handshake.VersionTable{
		handshake.Version13: {NetworkMagic: handshake.MagicMainnet},
		handshake.Version14: {NetworkMagic: handshake.MagicMainnet},
	}
}

// acceptHandshakeRule simulates a responder that advertises remote's
// versions and accepts the highest version both tables share
// (spec.md §8 scenario 1).
func acceptHandshakeRule(remote handshake.VersionTable) iface.Rule {
	return func(pid peer.Id, msg iface.AnyMessage) []iface.ScriptedAction {
		if msg.Channel != message.ChannelHandshake {
			return nil
		}
		propose, ok := msg.Handshake.(handshake.Propose)
		if !ok {
			return nil
		}
		version, ok := handshake.Highest(remote, propose.Table)
		if !ok {
			reply := iface.FromHandshake(handshake.Refuse{
				Reason: handshake.VersionMismatch{Supported: handshake.SortedVersions(remote)},
			})
			return []iface.ScriptedAction{{Message: &reply}}
		}
		reply := iface.FromHandshake(handshake.Accept{Version: version, Data: remote[version]})
		return []iface.ScriptedAction{{Message: &reply}}
	}
}

func TestManagerHandshakeAcceptMainnet(t *testing.T) {
	emu := iface.NewEmulator()
	remote := handshake.VersionTable{
		handshake.Version11: {NetworkMagic: handshake.MagicMainnet},
		handshake.Version12: {NetworkMagic: handshake.MagicMainnet},
		handshake.Version13: {NetworkMagic: handshake.MagicMainnet},
	}
	emu.AddRule(acceptHandshakeRule(remote))

	m := New(emu, Config{VersionTable: localTable()}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go m.Run(ctx)

	pid := peer.Id{Host: "10.0.0.5", Port: 3001}
	require.NoError(t, m.Submit(ctx, IncludePeer{Peer: pid}))
	require.NoError(t, m.Submit(ctx, Housekeeping{}))

	select {
	case ev := <-m.Events():
		init, ok := ev.(event.PeerInitialized)
		require.True(t, ok, "expected PeerInitialized, got %#v", ev)
		require.Equal(t, handshake.Version13, init.Version)
	case <-ctx.Done():
		t.Fatal("timed out waiting for PeerInitialized")
	}
}

func TestManagerHandshakeRefuseBansPeer(t *testing.T) {
	emu := iface.NewEmulator()
	remote := handshake.VersionTable{
		handshake.Version11: {NetworkMagic: handshake.MagicMainnet},
		handshake.Version12: {NetworkMagic: handshake.MagicMainnet},
	}
	emu.AddRule(acceptHandshakeRule(remote))

	m := New(emu, Config{VersionTable: handshake.VersionTable{
		handshake.Version14: {NetworkMagic: handshake.MagicMainnet},
	}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go m.Run(ctx)

	pid := peer.Id{Host: "10.0.0.6", Port: 3001}
	require.NoError(t, m.Submit(ctx, IncludePeer{Peer: pid}))
	require.NoError(t, m.Submit(ctx, Housekeeping{}))

	deadline := time.After(1500 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-m.Events():
			if _, ok := ev.(event.PeerInitialized); ok {
				t.Fatal("did not expect PeerInitialized on a refused handshake")
			}
		case <-deadline:
			break loop
		}
	}

	st, ok := m.peers[pid]
	require.True(t, ok)
	require.Equal(t, peer.Banned, st.Promotion)
}

// chainSyncRollbackRule simulates a server that reports an
// intersection 5 slots behind its tip, answers the first RequestNext
// with a single rollback to that point, and answers later RequestNext
// messages with nothing (spec.md §8 scenario 3).
func chainSyncRollbackRule(intersect point.Point, tip point.Tip) iface.Rule {
	rolledBack := false
	return func(pid peer.Id, msg iface.AnyMessage) []iface.ScriptedAction {
		switch msg.Channel {
		case message.ChannelHandshake:
			if _, ok := msg.Handshake.(handshake.Propose); ok {
				reply := iface.FromHandshake(handshake.Accept{
					Version: handshake.Version13,
					Data:    handshake.VersionData{NetworkMagic: handshake.MagicMainnet},
				})
				return []iface.ScriptedAction{{Message: &reply}}
			}
		case message.ChannelChainSync:
			switch msg.ChainSync.(type) {
			case chainsync.FindIntersect:
				reply := iface.FromChainSync(chainsync.IntersectFound{Point: intersect, Tip: tip})
				return []iface.ScriptedAction{{Message: &reply}}
			case chainsync.RequestNext:
				if !rolledBack {
					rolledBack = true
					reply := iface.FromChainSync(chainsync.RollBackward{Point: intersect, Tip: tip})
					return []iface.ScriptedAction{{Message: &reply}}
				}
			}
		}
		return nil
	}
}

func TestManagerChainSyncIntersectThenRollback(t *testing.T) {
	emu := iface.NewEmulator()
	tip := point.Tip{Point: point.New(100, []byte("tiphash")), BlockHeight: 100}
	intersect := point.New(95, []byte("intersecthash"))
	emu.AddRule(chainSyncRollbackRule(intersect, tip))

	m := New(emu, Config{VersionTable: localTable()}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go m.Run(ctx)

	pid := peer.Id{Host: "10.0.0.7", Port: 3001}
	require.NoError(t, m.Submit(ctx, IncludePeer{Peer: pid}))
	require.NoError(t, m.Submit(ctx, StartSync{Points: []point.Point{intersect}}))
	require.NoError(t, m.Submit(ctx, Housekeeping{}))

	var sawIntersect, sawRollback bool
	for !sawIntersect || !sawRollback {
		select {
		case ev := <-m.Events():
			switch e := ev.(type) {
			case event.IntersectionFound:
				sawIntersect = true
				require.Equal(t, intersect, e.Point)
				require.NoError(t, m.Submit(ctx, ContinueSync{Peer: pid}))
				require.NoError(t, m.Submit(ctx, Housekeeping{}))
			case event.RollbackReceived:
				sawRollback = true
				require.Equal(t, intersect, e.Point)
			}
		case <-ctx.Done():
			t.Fatalf("timed out: sawIntersect=%v sawRollback=%v", sawIntersect, sawRollback)
		}
	}
}
