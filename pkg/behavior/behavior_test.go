package behavior

import (
	"testing"

	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/peer"
	"github.com/stretchr/testify/assert"
)

type recordingBehavior struct {
	connected, errored, housekeeping int
	msgs                             []iface.AnyMessage
}

func (r *recordingBehavior) VisitConnected(peer.Id, *peer.PeerState, *OutboundQueue) { r.connected++ }
func (r *recordingBehavior) VisitInboundMsg(pid peer.Id, st *peer.PeerState, msg iface.AnyMessage, q *OutboundQueue) {
	r.msgs = append(r.msgs, msg)
}
func (r *recordingBehavior) VisitErrored(peer.Id, *peer.PeerState, iface.ErrorKind, error, *OutboundQueue) {
	r.errored++
}
func (r *recordingBehavior) VisitHousekeeping(peer.Id, *peer.PeerState, *OutboundQueue) {
	r.housekeeping++
}

func TestInterleaveCallsEveryChild(t *testing.T) {
	a, b := &recordingBehavior{}, &recordingBehavior{}
	in := Interleave{a, b}
	pid := peer.Id{Host: "10.0.0.1", Port: 3001}
	st := peer.New(pid, true)
	q := &OutboundQueue{}

	in.VisitConnected(pid, st, q)
	in.VisitErrored(pid, st, iface.ErrorTimeout, nil, q)
	in.VisitHousekeeping(pid, st, q)

	assert.Equal(t, 1, a.connected)
	assert.Equal(t, 1, b.connected)
	assert.Equal(t, 1, a.errored)
	assert.Equal(t, 1, a.housekeeping)
}

func TestOutboundQueueAccumulates(t *testing.T) {
	q := &OutboundQueue{}
	pid := peer.Id{Host: "10.0.0.2", Port: 3001}
	q.Command(iface.Disconnect{Peer: pid})
	q.Command(iface.Disconnect{Peer: pid})
	assert.Len(t, q.Commands, 2)
	assert.Empty(t, q.Events)
}
