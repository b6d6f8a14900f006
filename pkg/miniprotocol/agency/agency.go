// Package agency defines the two-party agency discipline shared by
// every mini-protocol state machine (spec.md §3 invariant I2, §4.5):
// at each non-terminal state exactly one side may send, and the
// fixed sentinel errors a violation produces.
package agency

import "errors"

// Agency identifies which side may send next in a given state.
type Agency int

const (
	// Ours means the local role holds agency and may call a Send*
	// method.
	Ours Agency = iota
	// Theirs means the peer holds agency; only a Recv* method is
	// legal.
	Theirs
	// None marks a terminal state: neither side may send.
	None
)

// Sentinel errors for the per-protocol agency/transition checks
// (spec.md §7). These are fatal for the connection; the Manager
// marks the peer's connection Errored and never attempts partial
// recovery.
var (
	// ErrAgencyIsTheirs is returned by a Send* method when the state
	// machine does not currently hold agency.
	ErrAgencyIsTheirs = errors.New("miniprotocol: agency is theirs")
	// ErrAgencyIsOurs is returned by a Recv* method when the local
	// side currently holds agency (nothing to receive).
	ErrAgencyIsOurs = errors.New("miniprotocol: agency is ours")
	// ErrInvalidOutbound is returned when the message is not a legal
	// transition out of the current state, even though the local
	// side does hold agency.
	ErrInvalidOutbound = errors.New("miniprotocol: invalid outbound transition")
	// ErrInvalidInbound is returned when the received message is not
	// one of the legal transitions out of the current state.
	ErrInvalidInbound = errors.New("miniprotocol: invalid inbound transition")
)
