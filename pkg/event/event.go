// Package event defines the externally-visible events the Manager
// yields to an embedding application (spec.md §6, "Manager event
// surface"). Behaviors produce these; the Manager never constructs
// one itself beyond forwarding what a Behavior pushed to its
// OutboundQueue.
package event

import (
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/chainsync"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/handshake"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/txsubmission"
	"github.com/ouro-node/n2n-core/pkg/peer"
	"github.com/ouro-node/n2n-core/pkg/point"
)

// Event is the closed sum type of everything a Behavior may surface
// to the embedding application.
type Event interface{ isEvent() }

// PeerInitialized reports a completed, accepted handshake.
type PeerInitialized struct {
	Peer    peer.Id
	Version handshake.VersionNumber
	Data    handshake.VersionData
}

func (PeerInitialized) isEvent() {}

// IntersectionFound reports a chain-sync FindIntersect hit.
type IntersectionFound struct {
	Peer  peer.Id
	Point point.Point
	Tip   point.Tip
}

func (IntersectionFound) isEvent() {}

// BlockHeaderReceived reports one chain-sync RollForward.
type BlockHeaderReceived struct {
	Peer    peer.Id
	Content chainsync.HeaderContent
	Tip     point.Tip
}

func (BlockHeaderReceived) isEvent() {}

// BlockBodyReceived reports one block-fetch Block.
type BlockBodyReceived struct {
	Peer peer.Id
	Body []byte
}

func (BlockBodyReceived) isEvent() {}

// RollbackReceived reports a chain-sync RollBackward.
type RollbackReceived struct {
	Peer  peer.Id
	Point point.Point
	Tip   point.Tip
}

func (RollbackReceived) isEvent() {}

// TxRequested reports a tx-submission RequestTxs entry the embedding
// application's mempool must answer with a body.
type TxRequested struct {
	Peer peer.Id
	ID   txsubmission.TxID
}

func (TxRequested) isEvent() {}
