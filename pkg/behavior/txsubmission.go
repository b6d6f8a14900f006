package behavior

import (
	"bytes"

	"github.com/ouro-node/n2n-core/pkg/event"
	"github.com/ouro-node/n2n-core/pkg/iface"
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/txsubmission"
	"github.com/ouro-node/n2n-core/pkg/peer"
)

type txEntry struct {
	id   txsubmission.TxID
	body []byte
}

func (e txEntry) matches(id txsubmission.TxID) bool {
	return e.id.Era == id.Era && bytes.Equal(e.id.Hash, id.Hash)
}

// pendingTxIds records a RequestTxIds that hasn't been answered yet,
// because it was blocking and the pool had nothing new to announce.
type pendingTxIds struct {
	blocking bool
	ack      uint16
	req      uint16
}

// txPool is the per-peer state the application feeds through SendTx:
// a queue of not-yet-announced transactions and the FIFO of
// previously announced ones the server may still ask bodies for.
type txPool struct {
	unannounced []txEntry
	announced   []txEntry
	pendingIds  *pendingTxIds
	pendingTxs  []txsubmission.TxID
}

// bodyFor looks id up among announced entries, then among entries
// SendTx added that have not been announced yet.
func (p *txPool) bodyFor(id txsubmission.TxID) []byte {
	for _, e := range p.announced {
		if e.matches(id) {
			return e.body
		}
	}
	for _, e := range p.unannounced {
		if e.matches(id) {
			return e.body
		}
	}
	return nil
}

// TxSubmission answers the server-driven pull exchange on channel 4
// (spec.md §4.5.4/§4.7) out of a pool the embedding application fills
// via the Manager's SendTx command. It never originates a request
// itself; the server drives RequestTxIds/RequestTxs and this behavior
// only ever replies, deferring a blocking RequestTxIds or a
// body-incomplete RequestTxs until a later housekeeping tick once
// SendTx has filled in what's missing.
type TxSubmission struct {
	pools map[peer.Id]*txPool
}

// NewTxSubmission builds an empty TxSubmission behavior.
func NewTxSubmission() *TxSubmission { return &TxSubmission{pools: make(map[peer.Id]*txPool)} }

func (t *TxSubmission) pool(pid peer.Id) *txPool {
	p, ok := t.pools[pid]
	if !ok {
		p = &txPool{}
		t.pools[pid] = p
	}
	return p
}

// AddTx queues one transaction for advertisement to pid. The Manager
// calls this in response to an embedding application's SendTx
// command; size is derived from the body's encoded length.
func (t *TxSubmission) AddTx(pid peer.Id, id txsubmission.TxID, body []byte) {
	t.pool(pid).unannounced = append(t.pool(pid).unannounced, txEntry{id: id, body: body})
}

func (t *TxSubmission) VisitConnected(peer.Id, *peer.PeerState, *OutboundQueue) {}

func (t *TxSubmission) VisitInboundMsg(pid peer.Id, st *peer.PeerState, msg iface.AnyMessage, q *OutboundQueue) {
	if msg.Channel != message.ChannelTxSubmission {
		return
	}
	pool := t.pool(pid)
	switch v := msg.TxSubmission.(type) {
	case txsubmission.RequestTxIds:
		pool.pendingIds = &pendingTxIds{blocking: v.Blocking, ack: v.Ack, req: v.Req}
		t.tryReplyTxIds(pid, pool, q)
	case txsubmission.RequestTxs:
		for _, id := range v.IDs {
			if pool.bodyFor(id) == nil {
				q.Event(event.TxRequested{Peer: pid, ID: id})
			}
		}
		pool.pendingTxs = v.IDs
		t.tryReplyTxs(pid, pool, q)
	}
}

func (t *TxSubmission) VisitErrored(pid peer.Id, st *peer.PeerState, kind iface.ErrorKind, cause error, q *OutboundQueue) {
	delete(t.pools, pid)
}

// VisitHousekeeping retries a RequestTxIds or RequestTxs that was left
// pending because the pool had nothing (yet) to offer.
func (t *TxSubmission) VisitHousekeeping(pid peer.Id, st *peer.PeerState, q *OutboundQueue) {
	pool, ok := t.pools[pid]
	if !ok {
		return
	}
	if pool.pendingIds != nil {
		t.tryReplyTxIds(pid, pool, q)
	}
	if pool.pendingTxs != nil {
		t.tryReplyTxs(pid, pool, q)
	}
}

// tryReplyTxIds applies the outstanding ack, then announces up to req
// new entries. A blocking request with nothing to announce is left
// pending for the next tick; a non-blocking one always answers, even
// with an empty list (spec.md §4.5.4).
func (t *TxSubmission) tryReplyTxIds(pid peer.Id, pool *txPool, q *OutboundQueue) {
	req := pool.pendingIds
	if int(req.ack) >= len(pool.announced) {
		pool.announced = nil
	} else {
		pool.announced = pool.announced[req.ack:]
	}
	req.ack = 0 // applied; a deferred retry must not acknowledge again
	n := int(req.req)
	if n > len(pool.unannounced) {
		n = len(pool.unannounced)
	}
	if n == 0 {
		if req.blocking {
			return
		}
		pool.pendingIds = nil
		q.Command(iface.Send{Peer: pid, Message: iface.FromTxSubmission(txsubmission.ReplyTxIds{IDs: []txsubmission.IDSize{}})})
		return
	}
	batch := pool.unannounced[:n]
	pool.unannounced = pool.unannounced[n:]
	pool.announced = append(pool.announced, batch...)
	ids := make([]txsubmission.IDSize, len(batch))
	for i, e := range batch {
		ids[i] = txsubmission.IDSize{ID: e.id, Size: uint32(len(e.body))}
	}
	pool.pendingIds = nil
	q.Command(iface.Send{Peer: pid, Message: iface.FromTxSubmission(txsubmission.ReplyTxIds{IDs: ids})})
}

func (t *TxSubmission) tryReplyTxs(pid peer.Id, pool *txPool, q *OutboundQueue) {
	bodies := make([][]byte, len(pool.pendingTxs))
	for i, id := range pool.pendingTxs {
		b := pool.bodyFor(id)
		if b == nil {
			return
		}
		bodies[i] = b
	}
	pool.pendingTxs = nil
	q.Command(iface.Send{Peer: pid, Message: iface.FromTxSubmission(txsubmission.ReplyTxs{Bodies: bodies})})
}
