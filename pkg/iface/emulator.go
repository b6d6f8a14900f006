package iface

import (
	"context"
	"sync"
	"time"

	"github.com/ouro-node/n2n-core/pkg/miniprotocol/blockfetch"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/chainsync"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/handshake"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/keepalive"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/peersharing"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/txsubmission"
	"github.com/ouro-node/n2n-core/pkg/peer"
)

// ScriptedAction is one reaction in a Rule's output: after Delay, the
// Emulator plays Message back as a Recv — simulating the remote
// peer's reply — or, if Message is nil, disconnects the peer
// (spec.md §4.6).
type ScriptedAction struct {
	Delay   time.Duration
	Message *AnyMessage
}

// Rule is a pure function from (peer, our outbound message) to the
// scripted sequence of reactions the simulated remote peer plays back
// (spec.md §4.6). Every registered Rule is consulted on every Send;
// a Rule uninterested in a given message returns nil.
type Rule func(pid peer.Id, msg AnyMessage) []ScriptedAction

// Emulator is the in-process Interface used for unit and integration
// tests (spec.md §4.6): it honors Connect/Disconnect/Send exactly
// like the TCP interface, but answers a Send with whatever its Rules
// script instead of driving a real bearer and mini-protocol state
// machine. Because it satisfies the same Interface contract, the
// Manager and Behavior layers run unmodified against it.
type Emulator struct {
	mu        sync.Mutex
	rules     []Rule
	connected map[peer.Id]bool
	cancels   map[peer.Id]context.CancelFunc

	events chan Event
}

// NewEmulator builds an empty Emulator; call AddRule to script
// responses before Execute-ing any Connect/Send commands.
func NewEmulator() *Emulator {
	return &Emulator{
		connected: make(map[peer.Id]bool),
		cancels:   make(map[peer.Id]context.CancelFunc),
		events:    make(chan Event, 256),
	}
}

// AddRule registers r; it is consulted, alongside every previously
// registered rule, on every subsequent Send.
func (e *Emulator) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

func (e *Emulator) Events() <-chan Event { return e.events }

func (e *Emulator) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// Execute honors Connect by immediately reporting the peer Connected
// with a full set of client-role mini-protocol state machines (unwired
// to any real buffer — nothing ever calls their blocking Send*/Recv*
// methods under the Emulator, only State()/Idle(), so a nil
// chanbuf.ChannelBuffer is harmless), Disconnect by tearing the peer
// down, and Send by emitting Sent and running every Rule against the
// message.
func (e *Emulator) Execute(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case Connect:
		e.connect(ctx, c.Peer)
	case Disconnect:
		e.disconnect(c.Peer)
	case Send:
		e.send(c)
	case KeepAliveRound:
		e.mu.Lock()
		ok := e.connected[c.Peer]
		e.mu.Unlock()
		if ok {
			e.emit(Sent{Peer: c.Peer})
		}
	default:
		return nil
	}
	return nil
}

func (e *Emulator) connect(ctx context.Context, pid peer.Id) {
	_, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.connected[pid] = true
	e.cancels[pid] = cancel
	e.mu.Unlock()
	protocols := &peer.ProtocolStates{
		Handshake:    handshake.NewInitiator(nil, nil),
		ChainSync:    chainsync.NewClient(nil),
		BlockFetch:   blockfetch.NewClient(nil),
		TxSubmission: txsubmission.NewClient(nil),
		KeepAlive:    keepalive.NewClient(nil),
		PeerSharing:  peersharing.NewClient(nil),
	}
	e.emit(Connected{Peer: pid, Outbound: true, Protocols: protocols})
}

func (e *Emulator) send(c Send) {
	e.mu.Lock()
	ok := e.connected[c.Peer]
	rules := append([]Rule(nil), e.rules...)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.emit(Sent{Peer: c.Peer, Message: c.Message})
	for _, r := range rules {
		for _, action := range r(c.Peer, c.Message) {
			e.schedule(c.Peer, action)
		}
	}
}

func (e *Emulator) schedule(pid peer.Id, action ScriptedAction) {
	go func() {
		if action.Delay > 0 {
			time.Sleep(action.Delay)
		}
		e.mu.Lock()
		connected := e.connected[pid]
		e.mu.Unlock()
		if !connected {
			return
		}
		if action.Message == nil {
			e.disconnect(pid)
			return
		}
		e.emit(Recv{Peer: pid, Message: *action.Message})
	}()
}

func (e *Emulator) disconnect(pid peer.Id) {
	e.mu.Lock()
	cancel, ok := e.cancels[pid]
	delete(e.connected, pid)
	delete(e.cancels, pid)
	e.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	e.emit(Disconnected{Peer: pid})
}

// Run blocks until ctx is canceled, then disconnects every still-
// connected peer (spec.md §5's parallel-shutdown semantics, applied
// to the emulated set).
func (e *Emulator) Run(ctx context.Context) error {
	<-ctx.Done()
	e.mu.Lock()
	ids := make([]peer.Id, 0, len(e.connected))
	for id := range e.connected {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.disconnect(id)
	}
	return nil
}
