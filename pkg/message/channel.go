// Package message defines the N2N channel-ID namespace the Interface
// layer's AnyMessage tagged union (pkg/iface) uses to route outbound
// traffic to the right mini-protocol channel and discriminate inbound
// traffic by the channel a segment arrived on (spec.md §3, §9).
package message

// ChannelID identifies a mini-protocol's logical channel. The high
// bit of the wire protocol ID (see pkg/segment) marks which side is
// the responder; ChannelID itself is always the bare, unflagged
// value.
type ChannelID uint16

// The N2N/N2C channel-ID namespace (spec.md §3). Node-to-client
// channels (5, 6, 7) share the namespace but are out of scope beyond
// local-state-query, which is included for completeness.
const (
	ChannelHandshake       ChannelID = 0
	ChannelChainSync       ChannelID = 2
	ChannelBlockFetch      ChannelID = 3
	ChannelTxSubmission    ChannelID = 4
	ChannelLocalChainSync  ChannelID = 5
	ChannelLocalTxSubmit   ChannelID = 6
	ChannelLocalStateQuery ChannelID = 7
	ChannelKeepAlive       ChannelID = 8
	ChannelTxMonitor       ChannelID = 9
	ChannelPeerSharing     ChannelID = 10
)

func (c ChannelID) String() string {
	switch c {
	case ChannelHandshake:
		return "handshake"
	case ChannelChainSync:
		return "chain-sync"
	case ChannelBlockFetch:
		return "block-fetch"
	case ChannelTxSubmission:
		return "tx-submission"
	case ChannelLocalChainSync:
		return "local-chain-sync"
	case ChannelLocalTxSubmit:
		return "local-tx-submission"
	case ChannelLocalStateQuery:
		return "local-state-query"
	case ChannelKeepAlive:
		return "keep-alive"
	case ChannelTxMonitor:
		return "tx-monitor"
	case ChannelPeerSharing:
		return "peer-sharing"
	default:
		return "unknown"
	}
}

// N2NChannels is the set of channel IDs a node-to-node connection
// opens a Plexer AgentChannel for.
var N2NChannels = []ChannelID{
	ChannelHandshake,
	ChannelChainSync,
	ChannelBlockFetch,
	ChannelTxSubmission,
	ChannelKeepAlive,
	ChannelPeerSharing,
}
