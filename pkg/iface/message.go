// Package iface abstracts "a set of connected peers over which
// messages are exchanged" (spec.md §4.6): a command/event contract
// with a real TCP implementation and an in-process emulator, so the
// Manager and Behavior layers above never depend on which one is
// wired in.
package iface

import (
	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/blockfetch"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/chainsync"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/handshake"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/keepalive"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/peersharing"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/txsubmission"
)

// AnyMessage is the tagged union over every mini-protocol's message
// type (spec.md §4.6). Exactly one of the per-protocol fields is set,
// matching Channel; outbound encoding and inbound decoding both route
// through it by channel ID.
type AnyMessage struct {
	Channel message.ChannelID

	Handshake    handshake.Message
	ChainSync    chainsync.Message
	BlockFetch   blockfetch.Message
	TxSubmission txsubmission.Message
	KeepAlive    keepalive.Message
	PeerSharing  peersharing.Message
}

func FromHandshake(m handshake.Message) AnyMessage {
	return AnyMessage{Channel: message.ChannelHandshake, Handshake: m}
}

func FromChainSync(m chainsync.Message) AnyMessage {
	return AnyMessage{Channel: message.ChannelChainSync, ChainSync: m}
}

func FromBlockFetch(m blockfetch.Message) AnyMessage {
	return AnyMessage{Channel: message.ChannelBlockFetch, BlockFetch: m}
}

func FromTxSubmission(m txsubmission.Message) AnyMessage {
	return AnyMessage{Channel: message.ChannelTxSubmission, TxSubmission: m}
}

func FromKeepAlive(m keepalive.Message) AnyMessage {
	return AnyMessage{Channel: message.ChannelKeepAlive, KeepAlive: m}
}

func FromPeerSharing(m peersharing.Message) AnyMessage {
	return AnyMessage{Channel: message.ChannelPeerSharing, PeerSharing: m}
}
