package cluster

import (
	"github.com/quty-io/fabric/internal/hub"
	"github.com/quty-io/fabric/internal/logger"
	"github.com/quty-io/fabric/internal/util"
)

// dispatchFrame routes one gossip frame received from peerId. NodeState
// is processed immediately — it is the frame that itself flips
// readiness, so it must never be queued behind the readiness gate;
// every other tag goes through gate so it replays in arrival order once
// ready, per spec.md §4.7.7.
func (cl *Cluster) dispatchFrame(peerId string, fr util.Frame) {
	if fr.Event == tagNodeState {
		cl.handleNodeState(peerId, fr.Data)
		return
	}
	cl.gate(func() { cl.handleGossip(peerId, fr) })
}

// handleNodeState folds a peer's membership view into this node's own:
// previously-unseen peers are scheduled for outbound establishment, and
// the reporting peer's own channel subscriptions are applied to the
// hub. The very first NodeState ever received also flips readiness,
// covering the case where a peer reports in before MaxReadyAfterMs fires
// and before any of this node's own discovery dials has succeeded.
func (cl *Cluster) handleNodeState(peerId string, data any) {
	m, ok := asMap(data)
	if !ok {
		return
	}

	reporter := stringField(m, "s")
	if reporter == "" {
		reporter = peerId
	}

	if nRaw, ok := m["n"].([]any); ok {
		for _, item := range nRaw {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			sid := stringField(entry, "sid")
			url := stringField(entry, "url")
			if sid == "" || sid == cl.selfId || url == "" {
				continue
			}
			cl.mu.Lock()
			_, tracked := cl.nodes[sid]
			cl.mu.Unlock()
			if tracked {
				continue
			}
			go cl.AddNode(url)
		}
	}

	for _, c := range stringSliceField(m, "c") {
		cl.hub.SubscribeNode(reporter, c)
	}

	if !cl.IsReady() {
		cl.flipReady("first NodeState received")
	}
}

// handleGossip applies one gated gossip frame to the hub and/or local
// hub collaborator, per spec.md §4.7.5's event table.
func (cl *Cluster) handleGossip(peerId string, fr util.Frame) {
	m, _ := asMap(fr.Data)

	switch fr.Event {
	case tagChannelJoin:
		if c := stringField(m, "c"); c != "" {
			cl.hub.SubscribeNode(peerId, c)
		}

	case tagChannelLeave:
		if c := stringField(m, "c"); c != "" {
			cl.hub.UnsubscribeNode(peerId, c)
		}

	case tagChannelMessage:
		c := stringField(m, "c")
		sender := stringField(m, "s")
		if sender == "" {
			sender = peerId
		}
		// SkipNodes+SkipBroadcast: this publication already traveled one
		// hop over gossip, so it is delivered to local clients only — no
		// further peer fan-out, which is what keeps delivery loop-free.
		cl.hub.Publish(c, m["m"], sender, hub.PublishOptions{SkipNodes: true, SkipBroadcast: true})

	case tagClientKick:
		cid := stringField(m, "cid")
		if cid == "" {
			return
		}
		if cl.localHub != nil {
			cl.localHub.DisconnectClient(cid)
		}
		cl.broadcastToAllExcept(peerId, tagClientKick, clientKickPayload{Cid: cid})

	case tagClientUnsubscribe:
		c := stringField(m, "c")
		cid := stringField(m, "cid")
		if cid == "" {
			return
		}
		if cl.localHub != nil {
			cl.localHub.UnsubscribeClient(cid, c)
		}
		cl.broadcastToAllExcept(peerId, tagClientUnsubscribe, clientUnsubscribePayload{C: c, Cid: cid})

	default:
		logger.Tagged("cluster").Trace().Str("event", fr.Event).Msg("unhandled gossip frame")
	}
}
