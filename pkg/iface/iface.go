package iface

import (
	"context"

	"github.com/ouro-node/n2n-core/pkg/peer"
)

// Command is one of Connect, Disconnect, Send (spec.md §4.6), or
// KeepAliveRound.
type Command interface{ isCommand() }

// Connect asks the interface to dial addr and track it under pid.
type Connect struct {
	Peer peer.Id
	Addr string
}

func (Connect) isCommand() {}

// Disconnect tears down pid's connection, if any.
type Disconnect struct{ Peer peer.Id }

func (Disconnect) isCommand() {}

// Send queues msg for delivery to pid over the channel msg names.
type Send struct {
	Peer    peer.Id
	Message AnyMessage
}

func (Send) isCommand() {}

// KeepAliveRound asks the interface to run one full keep-alive round
// for pid: pick a fresh cookie, send it, and await the echo within the
// configured deadline. The cookie itself is chosen inside the
// keep-alive state machine (spec.md §4.5.5), so unlike Send this
// command carries no message payload.
type KeepAliveRound struct{ Peer peer.Id }

func (KeepAliveRound) isCommand() {}

// ErrorKind classifies why a peer Errored (spec.md §7).
type ErrorKind int

const (
	ErrorBearerIO ErrorKind = iota
	ErrorDecode
	ErrorInvalidInbound
	ErrorInvalidOutbound
	ErrorAgencyIsOurs
	ErrorAgencyIsTheirs
	ErrorHandshakeRefused
	ErrorTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorBearerIO:
		return "BearerIO"
	case ErrorDecode:
		return "Decode"
	case ErrorInvalidInbound:
		return "InvalidInbound"
	case ErrorInvalidOutbound:
		return "InvalidOutbound"
	case ErrorAgencyIsOurs:
		return "AgencyIsOurs"
	case ErrorAgencyIsTheirs:
		return "AgencyIsTheirs"
	case ErrorHandshakeRefused:
		return "HandshakeRefused"
	default:
		return "Timeout"
	}
}

// Event is one of Connected, Disconnected, Sent, Recv, Errored, Idle
// (spec.md §4.6).
type Event interface{ isEvent() }

// Connected reports a completed dial or accept, before handshake.
// Protocols is the freshly-constructed set of mini-protocol state
// machines for this connection (spec.md §3's "one state value per
// mini-protocol"); the interface implementation owns the only other
// reference to these SMs (it drives their blocking Send*/Recv* calls
// directly). The Manager copies this struct of SM pointers into the
// peer's PeerState, so both sides observe the same live SMs.
type Connected struct {
	Peer      peer.Id
	Outbound  bool
	Protocols *peer.ProtocolStates
}

func (Connected) isEvent() {}

// Disconnected reports the bearer is gone.
type Disconnected struct{ Peer peer.Id }

func (Disconnected) isEvent() {}

// Sent confirms an outbound message left the wire.
type Sent struct {
	Peer    peer.Id
	Message AnyMessage
}

func (Sent) isEvent() {}

// Recv reports an inbound message.
type Recv struct {
	Peer    peer.Id
	Message AnyMessage
}

func (Recv) isEvent() {}

// Errored reports a fatal per-connection error (spec.md I5).
type Errored struct {
	Peer peer.Id
	Kind ErrorKind
	Err  error
}

func (Errored) isEvent() {}

// Idle is returned when no other event is ready; it lets the Manager
// fall through to housekeeping (spec.md §4.8 step 2).
type Idle struct{}

func (Idle) isEvent() {}

// Interface is the abstract contract both the TCP and Emulator
// implementations satisfy.
type Interface interface {
	// Execute enqueues cmd for processing; it does not block for the
	// command's effect to land on the wire.
	Execute(ctx context.Context, cmd Command) error
	// Events returns the single fan-in event stream for every peer.
	Events() <-chan Event
	// Run drives the interface until ctx is canceled, then tears down
	// every connection and returns once all sub-tasks have exited.
	Run(ctx context.Context) error
}
