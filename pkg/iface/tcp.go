package iface

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ouro-node/n2n-core/pkg/bearer"
	"github.com/ouro-node/n2n-core/pkg/chanbuf"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/agency"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/blockfetch"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/chainsync"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/handshake"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/keepalive"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/peersharing"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/txsubmission"
	"github.com/ouro-node/n2n-core/pkg/peer"
	"github.com/ouro-node/n2n-core/pkg/plexer"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// KeepAliveTimeout bounds how long a KeepAliveRound waits for the
// echo before it is reported as a timeout error (spec.md §4.5.5).
const KeepAliveTimeout = 60 * time.Second

// TCPConfig configures the TCP Interface.
type TCPConfig struct {
	// Table is the local version table offered to every peer and used
	// to answer incoming proposals (spec.md §4.5.1).
	Table handshake.VersionTable
	// ListenAddr, if non-empty, is accepted on for inbound connections.
	ListenAddr string
	// EventQueueDepth bounds the fan-in event channel.
	EventQueueDepth int
}

func (c TCPConfig) eventQueueDepth() int {
	if c.EventQueueDepth <= 0 {
		return 256
	}
	return c.EventQueueDepth
}

// TCP is the concrete, production Interface: it dials/accepts real TCP
// bearers, runs one Plexer per connection, and drives each
// mini-protocol state machine's blocking Send*/Recv* calls from
// dedicated goroutines (spec.md §4.6). The Manager above it never
// touches a bearer or a Plexer directly.
type TCP struct {
	cfg TCPConfig
	log *zap.Logger

	events  chan Event
	running atomic.Bool

	mu    sync.Mutex
	conns map[peer.Id]*tcpConn
}

type tcpConn struct {
	id        peer.Id
	outbound  bool
	plexer    *plexer.Plexer
	protocols *peer.ProtocolStates
	cancel    context.CancelFunc
}

// NewTCP builds a TCP interface. Run must be called to start accepting
// and driving connections.
func NewTCP(cfg TCPConfig, log *zap.Logger) *TCP {
	if log == nil {
		log = zap.NewNop()
	}
	return &TCP{
		cfg:    cfg,
		log:    log.With(zap.String("component", "iface.tcp")),
		events: make(chan Event, cfg.eventQueueDepth()),
		conns:  make(map[peer.Id]*tcpConn),
	}
}

func (t *TCP) Events() <-chan Event { return t.events }

func (t *TCP) emit(e Event) {
	select {
	case t.events <- e:
	default:
		t.log.Warn("event queue full, dropping event", zap.Any("event", e))
	}
}

// Run accepts inbound connections (if ListenAddr is set) until ctx is
// canceled, then tears down every tracked connection and returns once
// every sub-task has exited (spec.md §5 cancellation semantics).
func (t *TCP) Run(ctx context.Context) error {
	if !t.running.CAS(false, true) {
		return fmt.Errorf("iface/tcp: already running")
	}
	defer t.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	if t.cfg.ListenAddr != "" {
		ln, err := bearer.Listen(t.cfg.ListenAddr)
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		g.Go(func() error { return t.acceptLoop(ctx, ln) })
	}

	<-ctx.Done()
	t.mu.Lock()
	for _, c := range t.conns {
		c.cancel()
	}
	t.mu.Unlock()
	_ = g.Wait()
	return nil
}

func (t *TCP) acceptLoop(ctx context.Context, ln *net.TCPListener) error {
	for {
		b, err := bearer.Accept(ln)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		id := peer.Id{Host: hostOf(b.RemoteAddr()), Port: portOf(b.RemoteAddr())}
		go t.runConnection(ctx, id, b, false)
	}
}

func hostOf(a net.Addr) string {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return a.String()
}

func portOf(a net.Addr) uint16 {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return 0
}

// Execute enqueues cmd; Connect and Send dial/transmit asynchronously,
// returning before the command's effect lands.
func (t *TCP) Execute(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case Connect:
		go t.connect(ctx, c)
	case Disconnect:
		t.disconnect(c.Peer)
	case Send:
		go t.send(ctx, c)
	case KeepAliveRound:
		go t.keepAliveRound(ctx, c)
	default:
		return fmt.Errorf("iface/tcp: unknown command %T", cmd)
	}
	return nil
}

func (t *TCP) connect(ctx context.Context, c Connect) {
	b, err := bearer.Connect(c.Addr)
	if err != nil {
		t.emit(Errored{Peer: c.Peer, Kind: ErrorBearerIO, Err: err})
		return
	}
	t.runConnection(ctx, c.Peer, b, true)
}

func (t *TCP) disconnect(id peer.Id) {
	t.mu.Lock()
	c, ok := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()
	if ok {
		c.cancel()
	}
}

// runConnection owns one bearer end to end: it builds the Plexer and
// the per-protocol state machines for the right roles, drives the
// Plexer, and on an inbound connection answers the handshake as
// responder. An outbound connection is reported Connected at once; its
// handshake reply and every later receive are awaited by goroutines
// that send starts. It returns once the Plexer and the responder
// handshake have exited.
func (t *TCP) runConnection(parent context.Context, id peer.Id, b bearer.Bearer, outbound bool) {
	ctx, cancel := context.WithCancel(parent)
	px := plexer.New(b, t.log)

	protocols := &peer.ProtocolStates{}
	bufs := make(map[message.ChannelID]*chanbuf.ChannelBuffer, len(message.N2NChannels))
	for _, chID := range message.N2NChannels {
		ch := px.Register(uint16(chID), !outbound)
		bufs[chID] = chanbuf.New(ch)
	}

	if outbound {
		protocols.Handshake = handshake.NewInitiator(bufs[message.ChannelHandshake], t.cfg.Table)
		protocols.ChainSync = chainsync.NewClient(bufs[message.ChannelChainSync])
		protocols.BlockFetch = blockfetch.NewClient(bufs[message.ChannelBlockFetch])
		protocols.TxSubmission = txsubmission.NewClient(bufs[message.ChannelTxSubmission])
		protocols.PeerSharing = peersharing.NewClient(bufs[message.ChannelPeerSharing])
	} else {
		protocols.Handshake = handshake.NewResponder(bufs[message.ChannelHandshake])
		protocols.ChainSync = chainsync.NewServer(bufs[message.ChannelChainSync])
		protocols.BlockFetch = blockfetch.NewServer(bufs[message.ChannelBlockFetch])
		protocols.TxSubmission = txsubmission.NewServer(bufs[message.ChannelTxSubmission])
		protocols.PeerSharing = peersharing.NewServer(bufs[message.ChannelPeerSharing])
	}
	if outbound {
		protocols.KeepAlive = keepalive.NewClient(bufs[message.ChannelKeepAlive])
	} else {
		protocols.KeepAlive = keepalive.NewServer(bufs[message.ChannelKeepAlive])
	}

	tc := &tcpConn{id: id, outbound: outbound, plexer: px, protocols: protocols, cancel: cancel}
	t.mu.Lock()
	t.conns[id] = tc
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return px.Run(gctx) })

	if outbound {
		t.emit(Connected{Peer: id, Outbound: true, Protocols: protocols})
	} else {
		g.Go(func() error { t.runResponderHandshake(gctx, id, protocols); return nil })
	}

	_ = g.Wait()

	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
	t.emit(Disconnected{Peer: id})
}

// runResponderHandshake answers the initiator's Propose mechanically:
// accept the highest version both tables share, otherwise refuse. The
// outcome is replayed to the Manager as an inbound Recv so Handshake's
// VisitInboundMsg folds it into PeerState the same way it would for an
// outbound connection's Accept/Refuse (spec.md §4.5.1).
func (t *TCP) runResponderHandshake(ctx context.Context, id peer.Id, protocols *peer.ProtocolStates) {
	remote, err := protocols.Handshake.RecvPropose(ctx)
	if err != nil {
		t.emit(Errored{Peer: id, Kind: ErrorInvalidInbound, Err: err})
		return
	}
	version, ok := handshake.Highest(t.cfg.Table, remote)
	var reply AnyMessage
	if ok {
		data := t.cfg.Table[version]
		if err := protocols.Handshake.SendAccept(ctx, version, data); err != nil {
			t.emit(Errored{Peer: id, Kind: ErrorBearerIO, Err: err})
			return
		}
		reply = FromHandshake(handshake.Accept{Version: version, Data: data})
	} else {
		reason := handshake.VersionMismatch{Supported: handshake.SortedVersions(t.cfg.Table)}
		if err := protocols.Handshake.SendRefuse(ctx, reason); err != nil {
			t.emit(Errored{Peer: id, Kind: ErrorBearerIO, Err: err})
			return
		}
		reply = FromHandshake(handshake.Refuse{Reason: reason})
	}
	t.emit(Connected{Peer: id, Outbound: false, Protocols: protocols})
	t.emit(Recv{Peer: id, Message: reply})
}

func (t *TCP) send(ctx context.Context, c Send) {
	tc, ok := t.lookup(c.Peer)
	if !ok {
		return
	}
	if err := dispatchSend(ctx, tc.protocols, c.Message); err != nil {
		t.emit(Errored{Peer: c.Peer, Kind: classifyDispatchErr(err), Err: err})
		return
	}
	t.emit(Sent{Peer: c.Peer, Message: c.Message})

	if c.Message.Channel == message.ChannelHandshake {
		if _, ok := c.Message.Handshake.(handshake.Propose); ok {
			go t.recvHandshakeConfirm(ctx, c.Peer, tc.protocols)
		}
		return
	}
	t.startReplyWait(ctx, c.Peer, tc.protocols, c.Message)
}

func (t *TCP) recvHandshakeConfirm(ctx context.Context, id peer.Id, protocols *peer.ProtocolStates) {
	outcome, err := protocols.Handshake.RecvConfirm(ctx)
	if err != nil {
		t.emit(Errored{Peer: id, Kind: classifyDispatchErr(err), Err: err})
		return
	}
	var reply AnyMessage
	switch {
	case outcome.Accepted:
		reply = FromHandshake(handshake.Accept{Version: outcome.Version, Data: outcome.Data})
	case outcome.Refused != nil:
		reply = FromHandshake(handshake.Refuse{Reason: outcome.Refused})
	default:
		reply = FromHandshake(handshake.QueryReply{Table: outcome.QueryReply})
	}
	t.emit(Recv{Peer: id, Message: reply})

	if outcome.Accepted {
		go t.runTxSubmissionClient(ctx, id, protocols)
	}
}

// runTxSubmissionClient performs the one-shot Init every client must
// send (spec.md §4.5.4) and starts the persistent idle-request loop;
// nothing else bootstraps this protocol, since the server, not the
// Manager, drives the exchange from here on.
func (t *TCP) runTxSubmissionClient(ctx context.Context, id peer.Id, protocols *peer.ProtocolStates) {
	if err := protocols.TxSubmission.SendInit(ctx); err != nil {
		t.emit(Errored{Peer: id, Kind: classifyDispatchErr(err), Err: err})
		return
	}
	t.recvTxSubmissionIdle(ctx, id, protocols)
}

// recvTxSubmissionIdle waits for the server's next RequestTxIds or
// RequestTxs and reports it; the loop resumes once the Manager's
// reply lands, via startReplyWait.
func (t *TCP) recvTxSubmissionIdle(ctx context.Context, id peer.Id, protocols *peer.ProtocolStates) {
	req, err := protocols.TxSubmission.RecvIdleRequest(ctx)
	if err != nil {
		t.emit(Errored{Peer: id, Kind: classifyDispatchErr(err), Err: err})
		return
	}
	if req.TxIds != nil {
		t.emit(Recv{Peer: id, Message: FromTxSubmission(*req.TxIds)})
		return
	}
	t.emit(Recv{Peer: id, Message: FromTxSubmission(txsubmission.RequestTxs{IDs: req.TxIDs})})
}

// startReplyWait spawns the right one-shot receive for whatever
// client-side request am just sent. Tx-submission's client loop is
// started by runTxSubmissionClient once the handshake is accepted;
// here a sent ReplyTxIds or ReplyTxs resumes the wait for the
// server's next request.
func (t *TCP) startReplyWait(ctx context.Context, id peer.Id, protocols *peer.ProtocolStates, am AnyMessage) {
	switch am.Channel {
	case message.ChannelChainSync:
		switch am.ChainSync.(type) {
		case chainsync.FindIntersect:
			go t.recvChainSyncIntersect(ctx, id, protocols)
		case chainsync.RequestNext:
			go t.recvChainSyncRoll(ctx, id, protocols)
		}
	case message.ChannelBlockFetch:
		if _, ok := am.BlockFetch.(blockfetch.RequestRange); ok {
			go t.recvBlockFetchBatch(ctx, id, protocols)
		}
	case message.ChannelPeerSharing:
		if _, ok := am.PeerSharing.(peersharing.ShareRequest); ok {
			go t.recvPeerSharingReply(ctx, id, protocols)
		}
	case message.ChannelTxSubmission:
		switch am.TxSubmission.(type) {
		case txsubmission.ReplyTxIds, txsubmission.ReplyTxs:
			go t.recvTxSubmissionIdle(ctx, id, protocols)
		}
	}
}

func (t *TCP) recvChainSyncIntersect(ctx context.Context, id peer.Id, protocols *peer.ProtocolStates) {
	found, p, tip, err := protocols.ChainSync.RecvIntersectResult(ctx)
	if err != nil {
		t.emit(Errored{Peer: id, Kind: classifyDispatchErr(err), Err: err})
		return
	}
	if found {
		t.emit(Recv{Peer: id, Message: FromChainSync(chainsync.IntersectFound{Point: p, Tip: tip})})
	} else {
		t.emit(Recv{Peer: id, Message: FromChainSync(chainsync.IntersectNotFound{Tip: tip})})
	}
}

// recvChainSyncRoll waits for the next roll event and, transparently,
// for the roll that follows an AwaitReply (spec.md §4.5.2's
// CanAwait->MustReply transition carries no content of its own
// interest to the Manager).
func (t *TCP) recvChainSyncRoll(ctx context.Context, id peer.Id, protocols *peer.ProtocolStates) {
	for {
		ev, err := protocols.ChainSync.RecvRoll(ctx)
		if err != nil {
			t.emit(Errored{Peer: id, Kind: classifyDispatchErr(err), Err: err})
			return
		}
		if ev.Awaiting {
			continue
		}
		if ev.RolledBack != nil {
			t.emit(Recv{Peer: id, Message: FromChainSync(chainsync.RollBackward{Point: *ev.RolledBack, Tip: ev.Tip})})
			return
		}
		t.emit(Recv{Peer: id, Message: FromChainSync(chainsync.RollForward{ContentCBOR: ev.ContentCBOR, Tip: ev.Tip})})
		return
	}
}

func (t *TCP) recvBlockFetchBatch(ctx context.Context, id peer.Id, protocols *peer.ProtocolStates) {
	available, err := protocols.BlockFetch.RecvStart(ctx)
	if err != nil {
		t.emit(Errored{Peer: id, Kind: classifyDispatchErr(err), Err: err})
		return
	}
	if !available {
		t.emit(Recv{Peer: id, Message: FromBlockFetch(blockfetch.NoBlocks{})})
		return
	}
	t.emit(Recv{Peer: id, Message: FromBlockFetch(blockfetch.StartBatch{})})
	for {
		body, done, err := protocols.BlockFetch.RecvBlockOrDone(ctx)
		if err != nil {
			t.emit(Errored{Peer: id, Kind: classifyDispatchErr(err), Err: err})
			return
		}
		if done {
			t.emit(Recv{Peer: id, Message: FromBlockFetch(blockfetch.BatchDone{})})
			return
		}
		t.emit(Recv{Peer: id, Message: FromBlockFetch(blockfetch.Block{Body: body})})
	}
}

func (t *TCP) recvPeerSharingReply(ctx context.Context, id peer.Id, protocols *peer.ProtocolStates) {
	addrs, err := protocols.PeerSharing.RecvSharePeers(ctx)
	if err != nil {
		t.emit(Errored{Peer: id, Kind: classifyDispatchErr(err), Err: err})
		return
	}
	t.emit(Recv{Peer: id, Message: FromPeerSharing(peersharing.SharePeers{Peers: addrs})})
}

func (t *TCP) keepAliveRound(ctx context.Context, c KeepAliveRound) {
	tc, ok := t.lookup(c.Peer)
	if !ok {
		return
	}
	kctx, cancel := context.WithTimeout(ctx, KeepAliveTimeout)
	defer cancel()
	if _, err := tc.protocols.KeepAlive.SendKeepAlive(kctx); err != nil {
		t.emit(Errored{Peer: c.Peer, Kind: classifyDispatchErr(err), Err: err})
		return
	}
	if err := tc.protocols.KeepAlive.RecvResponse(kctx); err != nil {
		kind := ErrorTimeout
		if kctx.Err() == nil {
			kind = classifyDispatchErr(err)
		}
		t.emit(Errored{Peer: c.Peer, Kind: kind, Err: err})
		return
	}
	t.emit(Recv{Peer: c.Peer, Message: AnyMessage{Channel: message.ChannelKeepAlive}})
}

func (t *TCP) lookup(id peer.Id) (*tcpConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	return c, ok
}

func classifyDispatchErr(err error) ErrorKind {
	switch {
	case errors.Is(err, bearer.ErrIO):
		return ErrorBearerIO
	case errors.Is(err, agency.ErrAgencyIsOurs):
		return ErrorAgencyIsOurs
	case errors.Is(err, agency.ErrAgencyIsTheirs):
		return ErrorAgencyIsTheirs
	case errors.Is(err, agency.ErrInvalidOutbound):
		return ErrorInvalidOutbound
	case errors.Is(err, agency.ErrInvalidInbound):
		return ErrorInvalidInbound
	default:
		return ErrorDecode
	}
}
