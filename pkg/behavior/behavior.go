// Package behavior implements the pure, step-driven controllers
// consulted by the Manager after every event (spec.md §4.7). A
// Behavior inspects a peer's state during one of four hooks and
// pushes interface commands or externally-visible events onto an
// OutboundQueue; it never performs I/O itself and never retains the
// PeerState pointer past the call.
package behavior

import (
	"github.com/ouro-node/n2n-core/pkg/event"
	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/peer"
)

// OutboundQueue accumulates the Commands and Events one hook
// invocation produced; the Manager drains it after every fold
// (spec.md §4.8 step 4).
type OutboundQueue struct {
	Commands []iface.Command
	Events   []event.Event
}

// Command appends an interface command.
func (q *OutboundQueue) Command(c iface.Command) { q.Commands = append(q.Commands, c) }

// Event appends an externally-visible event.
func (q *OutboundQueue) Event(e event.Event) { q.Events = append(q.Events, e) }

// Behavior is consulted on four hooks (spec.md §4.7). Implementations
// MUST NOT block, perform I/O, or retain st beyond the call.
type Behavior interface {
	// VisitConnected fires once the bearer has connected, before any
	// handshake has completed.
	VisitConnected(pid peer.Id, st *peer.PeerState, q *OutboundQueue)
	// VisitInboundMsg fires for every message the peer accepted into
	// its owning mini-protocol state machine. By the time this is
	// called, msg has already advanced that SM's state.
	VisitInboundMsg(pid peer.Id, st *peer.PeerState, msg iface.AnyMessage, q *OutboundQueue)
	// VisitErrored fires when a peer's connection has become fatally
	// broken, for whatever ErrorKind reason.
	VisitErrored(pid peer.Id, st *peer.PeerState, kind iface.ErrorKind, cause error, q *OutboundQueue)
	// VisitHousekeeping fires once per peer on every housekeeping
	// tick (spec.md §4.8 step 3, default every 3s).
	VisitHousekeeping(pid peer.Id, st *peer.PeerState, q *OutboundQueue)
}

// Interleave composes child Behaviors by calling each child's hook in
// order against the same OutboundQueue, merging their outbound
// actions in child order (spec.md §4.7's "Interleave combinator").
type Interleave []Behavior

func (in Interleave) VisitConnected(pid peer.Id, st *peer.PeerState, q *OutboundQueue) {
	for _, b := range in {
		b.VisitConnected(pid, st, q)
	}
}

func (in Interleave) VisitInboundMsg(pid peer.Id, st *peer.PeerState, msg iface.AnyMessage, q *OutboundQueue) {
	for _, b := range in {
		b.VisitInboundMsg(pid, st, msg, q)
	}
}

func (in Interleave) VisitErrored(pid peer.Id, st *peer.PeerState, kind iface.ErrorKind, cause error, q *OutboundQueue) {
	for _, b := range in {
		b.VisitErrored(pid, st, kind, cause, q)
	}
}

func (in Interleave) VisitHousekeeping(pid peer.Id, st *peer.PeerState, q *OutboundQueue) {
	for _, b := range in {
		b.VisitHousekeeping(pid, st, q)
	}
}
