// Package plexer implements the duplex framer that shares one Bearer
// among many AgentChannels (spec.md §4.3): a demultiplexer that reads
// segments off the bearer and fans inbound payloads out by channel
// ID, and a multiplexer that drains per-channel outbound queues in a
// randomized fair order and writes segments to the bearer.
package plexer

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/ouro-node/n2n-core/pkg/bearer"
	"github.com/ouro-node/n2n-core/pkg/segment"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Plexer multiplexes a fixed Bearer among a dynamic set of channel
// IDs. One Plexer owns exactly one direction of the bearer in each of
// its two goroutines (demuxer reads, muxer writes); per spec.md §5 no
// lock is ever held across a bearer I/O call.
type Plexer struct {
	bearer bearer.Bearer
	log    *zap.Logger

	mu       sync.Mutex
	channels map[uint16]*AgentChannel

	running atomic.Bool
}

// New creates a Plexer over b. The Plexer does not start its
// goroutines until Run is called.
func New(b bearer.Bearer, log *zap.Logger) *Plexer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Plexer{
		bearer:   b,
		log:      log.With(zap.String("component", "plexer")),
		channels: make(map[uint16]*AgentChannel),
	}
}

// Register opens an AgentChannel for protocolID. responder must match
// spec.md §4.2's convention (N2N responders set the segment's
// responder bit on their outbound traffic).
func (p *Plexer) Register(protocolID uint16, responder bool) *AgentChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := newAgentChannel(protocolID, responder, DefaultQueueDepth)
	p.channels[protocolID] = ch
	return ch
}

// Deregister drops protocolID; further inbound segments for it are
// dropped and logged, and its AgentChannel is closed.
func (p *Plexer) Deregister(protocolID uint16) {
	p.mu.Lock()
	ch, ok := p.channels[protocolID]
	delete(p.channels, protocolID)
	p.mu.Unlock()
	if ok {
		ch.Close()
	}
}

func (p *Plexer) channel(id uint16) (*AgentChannel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[id]
	return ch, ok
}

func (p *Plexer) allChannels() []*AgentChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*AgentChannel, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch)
	}
	return out
}

// Run starts the demuxer and muxer and blocks until either fails or
// ctx is cancelled, then waits for both to exit (spec.md §5
// cancellation: "closes its bearer; in-flight reads complete with an
// error... waits for each bearer's sub-tasks to exit").
func (p *Plexer) Run(ctx context.Context) error {
	if !p.running.CAS(false, true) {
		return fmt.Errorf("plexer: already running")
	}
	defer p.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.demuxLoop(ctx) })
	g.Go(func() error { return p.muxLoop(ctx) })

	go func() {
		<-ctx.Done()
		p.bearer.Close()
	}()

	return g.Wait()
}

// demuxLoop reads one segment at a time and appends its payload to
// the inbound queue of the channel named by the segment's protocol
// ID. Unknown channel IDs are dropped and logged, not fatal (spec.md
// §4.3). On bearer error it closes every channel's inbound queue and
// returns.
func (p *Plexer) demuxLoop(ctx context.Context) error {
	defer func() {
		for _, ch := range p.allChannels() {
			ch.closeInbound()
		}
	}()

	for {
		seg, err := segment.Decode(p.bearer)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("plexer: demux: %w", err)
			}
		}

		ch, ok := p.channel(seg.Header.ProtocolID)
		if !ok {
			p.log.Warn("dropping segment for unknown channel",
				zap.Uint16("protocol_id", seg.Header.ProtocolID),
				zap.Int("payload_len", len(seg.Payload)))
			continue
		}

		select {
		case ch.inbound <- seg.Payload:
		case <-ctx.Done():
			return nil
		}
	}
}

// muxLoop repeatedly shuffles the registered channels and sends one
// segment from the first one in that order with a chunk ready,
// per spec.md §4.3/§9: randomization, not a rotating cursor, is what
// keeps an adversarial peer from predicting send order.
func (p *Plexer) muxLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		channels := p.allChannels()
		if len(channels) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(noChannelsBackoff):
				continue
			}
		}
		order := rand.Perm(len(channels))

		// Non-blocking probe in shuffled order: send the first
		// channel that already has a chunk ready.
		sent, err := p.probeOnce(channels, order)
		if err != nil {
			return err
		}
		if sent {
			continue
		}

		// Nothing was ready; block on whichever channel (in the same
		// shuffled order) becomes ready first, or on ctx/cancel.
		if err := p.blockUntilReady(ctx, channels, order); err != nil {
			if err == errNoChannels {
				continue
			}
			return err
		}
	}
}

func (p *Plexer) probeOnce(channels []*AgentChannel, order []int) (bool, error) {
	for _, idx := range order {
		ch := channels[idx]
		select {
		case chunk := <-ch.outbound:
			return true, p.send(ch, chunk)
		default:
		}
	}
	return false, nil
}

var errNoChannels = fmt.Errorf("plexer: no channels registered")

// noChannelsBackoff bounds the poll interval while the Plexer has no
// registered channels at all (e.g. the brief window before the first
// Register call); spec.md §4.3 permits a short sleep here since this
// is the multi-threaded scheduler case.
const noChannelsBackoff = 20 * time.Millisecond

func (p *Plexer) blockUntilReady(ctx context.Context, channels []*AgentChannel, order []int) error {
	if len(channels) == 0 {
		return errNoChannels
	}
	cases := make([]reflect.SelectCase, 0, len(channels)+2)
	for _, idx := range order {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(channels[idx].outbound),
		})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, recv, _ := reflect.Select(cases)
	if chosen == len(cases)-1 {
		return nil // ctx done; caller loops and exits on next check
	}
	ch := channels[order[chosen]]
	chunk := recv.Interface().([]byte)
	return p.send(ch, chunk)
}

func (p *Plexer) send(ch *AgentChannel, chunk []byte) error {
	seg, err := segment.New(ch.id, ch.responder, chunk)
	if err != nil {
		return fmt.Errorf("plexer: mux: %w", err)
	}
	if err := seg.Encode(p.bearer); err != nil {
		return fmt.Errorf("plexer: mux: %w", err)
	}
	return nil
}
