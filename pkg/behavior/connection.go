package behavior

import (
	"time"

	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/peer"
)

// Connection initiates outbound dials for Warm/Hot peers and tears
// down Errored or demoted ones (spec.md §4.7). A disconnected peer is
// retried after an exponential backoff keyed on its ErrorCount, capped
// at MaxBackoff, so a repeatedly-failing peer doesn't monopolize every
// housekeeping tick.
type Connection struct {
	// BaseBackoff is the delay before the first reconnect attempt
	// after an error. Defaults to 2s if zero.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential backoff. Defaults to 2m if zero.
	MaxBackoff time.Duration
}

func (c *Connection) base() time.Duration {
	if c.BaseBackoff <= 0 {
		return 2 * time.Second
	}
	return c.BaseBackoff
}

func (c *Connection) max() time.Duration {
	if c.MaxBackoff <= 0 {
		return 2 * time.Minute
	}
	return c.MaxBackoff
}

func (c *Connection) backoff(errCount int) time.Duration {
	d := c.base()
	for i := 1; i < errCount && d < c.max(); i++ {
		d *= 2
	}
	if d > c.max() {
		d = c.max()
	}
	return d
}

func (c *Connection) VisitConnected(peer.Id, *peer.PeerState, *OutboundQueue) {}

func (c *Connection) VisitInboundMsg(peer.Id, *peer.PeerState, iface.AnyMessage, *OutboundQueue) {}

// VisitErrored schedules a Disconnect for any peer that isn't already
// torn down; Banned peers are never reconnected (enforced in
// VisitHousekeeping, not here).
func (c *Connection) VisitErrored(pid peer.Id, st *peer.PeerState, kind iface.ErrorKind, cause error, q *OutboundQueue) {
	if st.Conn != peer.ConnDisconnected {
		q.Command(iface.Disconnect{Peer: pid})
	}
}

// VisitHousekeeping dials Warm/Hot peers not currently connected or
// connecting, respecting the error backoff, and never dials Banned
// peers. A Cold or Banned peer that is still connecting or connected
// is disconnected.
func (c *Connection) VisitHousekeeping(pid peer.Id, st *peer.PeerState, q *OutboundQueue) {
	if st.Promotion != peer.Warm && st.Promotion != peer.Hot {
		switch st.Conn {
		case peer.ConnConnecting, peer.ConnConnected, peer.ConnInitialized:
			q.Command(iface.Disconnect{Peer: pid})
		}
		return
	}
	switch st.Conn {
	case peer.ConnNew, peer.ConnDisconnected, peer.ConnErrored:
	default:
		return
	}
	if st.ErrorCount > 0 && time.Since(st.LastSeen) < c.backoff(st.ErrorCount) {
		return
	}
	q.Command(iface.Connect{Peer: pid, Addr: pid.String()})
}
