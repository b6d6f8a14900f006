package iface

import (
	"context"
	"fmt"

	"github.com/ouro-node/n2n-core/pkg/message"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/blockfetch"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/chainsync"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/handshake"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/peersharing"
	"github.com/ouro-node/n2n-core/pkg/miniprotocol/txsubmission"
	"github.com/ouro-node/n2n-core/pkg/peer"
)

// dispatchSend routes one Send command's AnyMessage to the concrete
// Send* call on the SM that owns its channel. Agency and state
// legality are still enforced entirely inside the SM; dispatchSend
// only picks which method to call.
//
// Keep-alive is deliberately absent: SendKeepAlive generates its own
// cookie and is driven directly by the keep-alive driver on the
// housekeeping tick, never by a caller-supplied message.
func dispatchSend(ctx context.Context, sms *peer.ProtocolStates, am AnyMessage) error {
	switch am.Channel {
	case message.ChannelHandshake:
		return dispatchHandshakeSend(ctx, sms.Handshake, am.Handshake)
	case message.ChannelChainSync:
		return dispatchChainSyncSend(ctx, sms.ChainSync, am.ChainSync)
	case message.ChannelBlockFetch:
		return dispatchBlockFetchSend(ctx, sms.BlockFetch, am.BlockFetch)
	case message.ChannelTxSubmission:
		return dispatchTxSubmissionSend(ctx, sms.TxSubmission, am.TxSubmission)
	case message.ChannelPeerSharing:
		return dispatchPeerSharingSend(ctx, sms.PeerSharing, am.PeerSharing)
	default:
		return fmt.Errorf("iface: no dispatch for channel %d", am.Channel)
	}
}

func dispatchHandshakeSend(ctx context.Context, sm *handshake.SM, m handshake.Message) error {
	switch v := m.(type) {
	case handshake.Propose:
		return sm.SendPropose(ctx)
	case handshake.Accept:
		return sm.SendAccept(ctx, v.Version, v.Data)
	case handshake.Refuse:
		return sm.SendRefuse(ctx, v.Reason)
	case handshake.QueryReply:
		return sm.SendQueryReply(ctx, v.Table)
	default:
		return fmt.Errorf("iface: unhandled handshake message %T", m)
	}
}

func dispatchChainSyncSend(ctx context.Context, sm *chainsync.SM, m chainsync.Message) error {
	switch v := m.(type) {
	case chainsync.FindIntersect:
		return sm.SendFindIntersect(ctx, v.Points)
	case chainsync.RequestNext:
		return sm.SendRequestNext(ctx)
	case chainsync.Done:
		return sm.SendDone(ctx)
	case chainsync.IntersectFound:
		return sm.SendIntersectFound(ctx, v.Point, v.Tip)
	case chainsync.IntersectNotFound:
		return sm.SendIntersectNotFound(ctx, v.Tip)
	case chainsync.RollForward:
		return sm.SendRollForward(ctx, v.ContentCBOR, v.Tip)
	case chainsync.RollBackward:
		return sm.SendRollBackward(ctx, v.Point, v.Tip)
	case chainsync.AwaitReply:
		return sm.SendAwaitReply(ctx)
	default:
		return fmt.Errorf("iface: unhandled chain-sync message %T", m)
	}
}

func dispatchBlockFetchSend(ctx context.Context, sm *blockfetch.SM, m blockfetch.Message) error {
	switch v := m.(type) {
	case blockfetch.RequestRange:
		return sm.SendRequestRange(ctx, v.Range)
	case blockfetch.ClientDone:
		return sm.SendClientDone(ctx)
	case blockfetch.StartBatch:
		return sm.SendStartBatch(ctx)
	case blockfetch.NoBlocks:
		return sm.SendNoBlocks(ctx)
	case blockfetch.Block:
		return sm.SendBlock(ctx, v.Body)
	case blockfetch.BatchDone:
		return sm.SendBatchDone(ctx)
	default:
		return fmt.Errorf("iface: unhandled block-fetch message %T", m)
	}
}

func dispatchTxSubmissionSend(ctx context.Context, sm *txsubmission.SM, m txsubmission.Message) error {
	switch v := m.(type) {
	case txsubmission.Init:
		return sm.SendInit(ctx)
	case txsubmission.RequestTxIds:
		return sm.SendRequestTxIds(ctx, v.Blocking, v.Ack, v.Req)
	case txsubmission.ReplyTxIds:
		return sm.SendReplyTxIds(ctx, v.IDs)
	case txsubmission.RequestTxs:
		return sm.SendRequestTxs(ctx, v.IDs)
	case txsubmission.ReplyTxs:
		return sm.SendReplyTxs(ctx, v.Bodies)
	default:
		return fmt.Errorf("iface: unhandled tx-submission message %T", m)
	}
}

func dispatchPeerSharingSend(ctx context.Context, sm *peersharing.SM, m peersharing.Message) error {
	switch v := m.(type) {
	case peersharing.ShareRequest:
		return sm.SendShareRequest(ctx, v.Amount)
	case peersharing.SharePeers:
		return sm.SendSharePeers(ctx, v.Peers)
	default:
		return fmt.Errorf("iface: unhandled peer-sharing message %T", m)
	}
}
