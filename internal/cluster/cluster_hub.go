package cluster

import "github.com/quty-io/fabric/internal/logger"

// The methods below implement hub.HubObserver, translating local
// ChannelHub side effects into gossip sends and local-client delivery
// per spec.md §4.7.6's routing table. Cluster only re-broadcasts
// node.join/node.leave for its OWN sid — remote subscriptions already
// arrived via gossip and must not be echoed back out, which is what
// keeps this loop-free (No-Loop / Cluster-NoSelf).

func (cl *Cluster) ChannelAdd(c string) {
	logger.Tagged("hub").Trace().Str("channel", c).Msg("channel added")
}

func (cl *Cluster) ChannelRemove(c string) {
	logger.Tagged("hub").Trace().Str("channel", c).Msg("channel removed")
}

func (cl *Cluster) NodeJoin(c, sid string) {
	if sid != cl.selfId {
		return
	}
	cl.broadcastToAllPeers(tagChannelJoin, channelJoinPayload{C: c})
}

func (cl *Cluster) NodeLeave(c, sid string) {
	if sid != cl.selfId {
		return
	}
	cl.broadcastToAllPeers(tagChannelLeave, channelLeavePayload{C: c})
}

func (cl *Cluster) ClientJoin(string, string) {}

func (cl *Cluster) ClientLeave(string, string) {}

func (cl *Cluster) NodeMessage(c, sid string, msg any) {
	if sid == cl.selfId {
		return
	}
	cl.sendToPeer(sid, tagChannelMessage, channelMessagePayload{C: c, S: cl.selfId, M: msg})
}

func (cl *Cluster) NodeBroadcast(c string, msg any) {
	cl.broadcastToAllPeers(tagChannelMessage, channelMessagePayload{C: c, S: cl.selfId, M: msg, B: true})
}

func (cl *Cluster) ClientMessage(c, cid string, msg any) {
	if cl.localHub != nil {
		cl.localHub.Deliver(c, cid, msg)
	}
}

func (cl *Cluster) ChannelMessage(c string, msg any) {
	logger.Tagged("hub").Trace().Str("channel", c).Msg("channel message observed")
}
