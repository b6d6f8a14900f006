// Package manager implements the single-task event loop that joins
// an Interface with a composed Behavior, owns every peer's PeerState,
// and drives housekeeping timers (spec.md §4.8). It is the only
// component that ever mutates PeerState; behaviors only observe it
// during a synchronous hook call.
package manager

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ouro-node/n2n-core/pkg/behavior"
	"github.com/ouro-node/n2n-core/pkg/event"
	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/blockfetch"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/handshake"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/peersharing"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/txsubmission"
	"github.com/ouro-node/n2n-core/pkg/peer"
	"github.com/ouro-node/n2n-core/pkg/point"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// defaultBannedCacheSize bounds the Manager's own record of banned
// peers, independent of any single peer's PeerState (which is deleted
// on ExcludePeer) so a previously-banned address doesn't immediately
// get reincluded by a caller that forgot about it.
const defaultBannedCacheSize = 4096

// Config configures the Manager's housekeeping cadence and the
// behaviors it composes. All durations default per spec.md §5/§4.8
// when left zero.
type Config struct {
	// VersionTable is the local N2N handshake table (spec.md §4.5.1).
	VersionTable handshake.VersionTable
	// HousekeepingPeriod is the ticker interval for VisitHousekeeping
	// (default 3s, spec.md §4.8 step 3).
	HousekeepingPeriod time.Duration
	// KeepAlivePeriod is the KeepAlive behavior's Period (default 3s):
	// it holds back a new round only while the previous round's echo
	// is still outstanding.
	KeepAlivePeriod time.Duration
	// PeerSharingAmount is how many addresses to request per round
	// (default 10).
	PeerSharingAmount uint8
	// CommandQueueDepth bounds the external command channel (default
	// 64).
	CommandQueueDepth int
	// EventQueueDepth bounds the externally-visible event channel
	// (default 256).
	EventQueueDepth int
}

func (c Config) housekeepingPeriod() time.Duration {
	if c.HousekeepingPeriod <= 0 {
		return 3 * time.Second
	}
	return c.HousekeepingPeriod
}

func (c Config) commandQueueDepth() int {
	if c.CommandQueueDepth <= 0 {
		return 64
	}
	return c.CommandQueueDepth
}

func (c Config) eventQueueDepth() int {
	if c.EventQueueDepth <= 0 {
		return 256
	}
	return c.EventQueueDepth
}

// Command is one of the external commands an embedding application
// submits to the Manager (spec.md §6, "Manager command surface").
type Command interface{ isManagerCommand() }

// IncludePeer registers pid and promotes it Cold->Warm so Connection
// starts dialing it on the next housekeeping tick.
type IncludePeer struct{ Peer peer.Id }

func (IncludePeer) isManagerCommand() {}

// ExcludePeer disconnects pid (if connected) and forgets it entirely.
type ExcludePeer struct{ Peer peer.Id }

func (ExcludePeer) isManagerCommand() {}

// StartSync seeds chain-sync's FindIntersect candidates and, when at
// least two points are given, block-fetch's initial range between the
// oldest and newest of them.
type StartSync struct{ Points []point.Point }

func (StartSync) isManagerCommand() {}

// ContinueSync asks pid's chain-sync state machine for the next
// header on the next housekeeping tick.
type ContinueSync struct{ Peer peer.Id }

func (ContinueSync) isManagerCommand() {}

// SendTx queues one transaction body for advertisement to pid over
// tx-submission.
type SendTx struct {
	Peer peer.Id
	ID   txsubmission.TxID
	Body []byte
}

func (SendTx) isManagerCommand() {}

// Housekeeping forces an immediate housekeeping pass over every peer,
// outside the regular ticker.
type Housekeeping struct{}

func (Housekeeping) isManagerCommand() {}

// Manager is the event loop described in spec.md §4.8.
type Manager struct {
	cfg Config
	log *zap.Logger

	iface iface.Interface

	conn *behavior.Connection
	hs   *behavior.Handshake
	ka   *behavior.KeepAlive
	ps   *behavior.PeerSharing
	cs   *behavior.ChainSync
	bf   *behavior.BlockFetch
	txs  *behavior.TxSubmission
	all  behavior.Interleave

	peers  map[peer.Id]*peer.PeerState
	banned *lru.Cache

	cmds    chan Command
	events  chan event.Event
	running atomic.Bool
}

// New builds a Manager over iface, wiring every concrete behavior
// from cfg (spec.md §4.7's provided behaviors, composed with
// Interleave).
func New(ifc iface.Interface, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	banned, err := lru.New(defaultBannedCacheSize)
	if err != nil {
		panic(err)
	}
	m := &Manager{
		cfg:    cfg,
		log:    log.With(zap.String("component", "manager")),
		iface:  ifc,
		conn:   &behavior.Connection{},
		hs:     &behavior.Handshake{Table: cfg.VersionTable},
		ka:     &behavior.KeepAlive{Period: cfg.KeepAlivePeriod},
		ps:     behavior.NewPeerSharing(cfg.PeerSharingAmount),
		cs:     behavior.NewChainSync(),
		bf:     behavior.NewBlockFetch(),
		txs:    behavior.NewTxSubmission(),
		peers:  make(map[peer.Id]*peer.PeerState),
		banned: banned,
		cmds:   make(chan Command, cfg.commandQueueDepth()),
		events: make(chan event.Event, cfg.eventQueueDepth()),
	}
	m.all = behavior.Interleave{m.conn, m.hs, m.ka, m.ps, m.cs, m.bf, m.txs}
	return m
}

// Events returns the stream of externally-visible events a Behavior
// has raised (spec.md §6, "Manager event surface").
func (m *Manager) Events() <-chan event.Event { return m.events }

// PeerSharingDiscovered returns every address collected by the
// PeerSharing behavior so far, for an embedder's own connection
// manager to drain.
func (m *Manager) PeerSharingDiscovered() []peersharing.Address {
	return m.ps.Discovered()
}

// Submit enqueues an external command (spec.md §4.8 step 5). While
// the command queue is full it blocks until there is room or ctx is
// done.
func (m *Manager) Submit(ctx context.Context, cmd Command) error {
	select {
	case m.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the Interface and the event loop in parallel until ctx
// is canceled, then waits for both to exit (spec.md §5's "waits for
// each bearer's sub-tasks to exit", applied one level up).
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CAS(false, true) {
		return fmt.Errorf("manager: already running")
	}
	defer m.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.iface.Run(ctx) })
	g.Go(func() error { return m.loop(ctx) })
	return g.Wait()
}

func (m *Manager) loop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.housekeepingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.iface.Events():
			m.foldEvent(ctx, ev)
		case cmd := <-m.cmds:
			m.foldCommand(ctx, cmd)
		case <-ticker.C:
			m.houseKeepAll(ctx)
		}
	}
}

func (m *Manager) peerState(pid peer.Id, outbound bool) *peer.PeerState {
	st, ok := m.peers[pid]
	if !ok {
		st = peer.New(pid, outbound)
		m.peers[pid] = st
	}
	return st
}

// foldEvent implements spec.md §4.8 step 2: fold one Interface event
// into the owning peer's state, then invoke the matching Behavior
// hook and drain whatever it produced.
func (m *Manager) foldEvent(ctx context.Context, ev iface.Event) {
	switch e := ev.(type) {
	case iface.Connected:
		if _, banned := m.banned.Get(e.Peer); banned {
			_ = m.iface.Execute(ctx, iface.Disconnect{Peer: e.Peer})
			return
		}
		st := m.peerState(e.Peer, e.Outbound)
		st.Conn = peer.ConnConnected
		st.Outbound = e.Outbound
		st.Protocols = *e.Protocols
		st.LastSeen = time.Now()
		if !e.Outbound && st.Promotion == peer.Cold {
			st.Promotion = peer.Warm
		}
		q := &behavior.OutboundQueue{}
		m.all.VisitConnected(e.Peer, st, q)
		m.drain(ctx, q)

	case iface.Recv:
		st, ok := m.peers[e.Peer]
		if !ok {
			return
		}
		st.LastSeen = time.Now()
		q := &behavior.OutboundQueue{}
		m.all.VisitInboundMsg(e.Peer, st, e.Message, q)
		m.drain(ctx, q)
		if st.Promotion == peer.Banned {
			m.banned.Add(e.Peer, struct{}{})
		}

	case iface.Sent:
		// The owning mini-protocol SM already advanced synchronously
		// inside the Interface's dispatch; nothing left to fold here.

	case iface.Disconnected:
		st, ok := m.peers[e.Peer]
		if !ok {
			return
		}
		st.Conn = peer.ConnDisconnected
		st.ResetProtocols()

	case iface.Errored:
		st := m.peerState(e.Peer, false)
		st.ErrorCount++
		st.Conn = peer.ConnErrored
		q := &behavior.OutboundQueue{}
		m.all.VisitErrored(e.Peer, st, e.Kind, e.Err, q)
		m.drain(ctx, q)
		if st.Promotion == peer.Banned {
			m.banned.Add(e.Peer, struct{}{})
		}

	case iface.Idle:
		m.houseKeepAll(ctx)
	}
}

// foldCommand implements spec.md §4.8 step 5/§6: translate one
// embedder command into direct calls on behavior-owned queues or
// PeerState.
func (m *Manager) foldCommand(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case IncludePeer:
		if _, banned := m.banned.Get(c.Peer); banned {
			return
		}
		st := m.peerState(c.Peer, true)
		if st.Promotion == peer.Cold {
			st.Promotion = peer.Warm
		}

	case ExcludePeer:
		st, ok := m.peers[c.Peer]
		if !ok {
			return
		}
		if st.Conn != peer.ConnDisconnected && st.Conn != peer.ConnNew {
			_ = m.iface.Execute(ctx, iface.Disconnect{Peer: c.Peer})
		}
		delete(m.peers, c.Peer)

	case StartSync:
		m.cs.Seed(c.Points)
		if len(c.Points) >= 2 {
			m.bf.Enqueue(blockfetch.Range{From: c.Points[len(c.Points)-1], To: c.Points[0]})
		}

	case ContinueSync:
		m.cs.RequestContinue(c.Peer)

	case SendTx:
		m.txs.AddTx(c.Peer, c.ID, c.Body)

	case Housekeeping:
		m.houseKeepAll(ctx)
	}
}

func (m *Manager) houseKeepAll(ctx context.Context) {
	for pid, st := range m.peers {
		q := &behavior.OutboundQueue{}
		m.all.VisitHousekeeping(pid, st, q)
		m.drain(ctx, q)
	}
}

func (m *Manager) drain(ctx context.Context, q *behavior.OutboundQueue) {
	for _, c := range q.Commands {
		if err := m.iface.Execute(ctx, c); err != nil {
			m.log.Warn("command execution failed", zap.Error(err))
		}
	}
	for _, e := range q.Events {
		select {
		case m.events <- e:
		default:
			m.log.Warn("event queue full, dropping event", zap.Any("event", e))
		}
	}
}
