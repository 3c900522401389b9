package hub

import (
	"encoding/json"
	"sync"
)

// PublishOptions tweaks Publish's fan-out per spec.md §4.4.
type PublishOptions struct {
	SkipNodes     bool
	SkipBroadcast bool
}

// ChannelHub is the subscription registry described in spec.md §4.4. It is
// a pure data structure: every method is synchronous and every side
// effect is reported through the configured HubObserver. The hub's own
// mutex is the single logical mutex spec.md §5 requires around every
// ChannelHub mutation and the emission of its resulting events.
type ChannelHub struct {
	mu             sync.Mutex
	nodeChannels   map[string]map[string]struct{}
	clientChannels map[string]map[string]struct{}
	observer       HubObserver
}

// New builds an empty ChannelHub reporting to obs.
func New(obs HubObserver) *ChannelHub {
	if obs == nil {
		obs = NopObserver{}
	}
	return &ChannelHub{
		nodeChannels:   make(map[string]map[string]struct{}),
		clientChannels: make(map[string]map[string]struct{}),
		observer:       obs,
	}
}

// SubscribeNode records sid's interest in c. Idempotent: subscribing an
// already-present sid emits nothing.
func (h *ChannelHub) SubscribeNode(sid, c string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeNodeLocked(sid, c)
}

func (h *ChannelHub) subscribeNodeLocked(sid, c string) {
	set, ok := h.nodeChannels[c]
	if !ok {
		set = make(map[string]struct{})
		h.nodeChannels[c] = set
		h.observer.ChannelAdd(c)
	}
	if _, present := set[sid]; present {
		return
	}
	set[sid] = struct{}{}
	h.observer.NodeJoin(c, sid)
}

// UnsubscribeNode removes sid's interest in c. Idempotent.
func (h *ChannelHub) UnsubscribeNode(sid, c string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeNodeLocked(sid, c)
}

func (h *ChannelHub) unsubscribeNodeLocked(sid, c string) {
	set, ok := h.nodeChannels[c]
	if !ok {
		return
	}
	if _, present := set[sid]; !present {
		return
	}
	delete(set, sid)
	h.observer.NodeLeave(c, sid)
	if len(set) == 0 {
		delete(h.nodeChannels, c)
		if _, hasClients := h.clientChannels[c]; !hasClients {
			h.observer.ChannelRemove(c)
		}
	}
}

// SubscribeClient subscribes the owning node sid first (I3), then records
// cid's interest in c.
func (h *ChannelHub) SubscribeClient(sid, cid, c string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeNodeLocked(sid, c)

	set, ok := h.clientChannels[c]
	if !ok {
		set = make(map[string]struct{})
		h.clientChannels[c] = set
	}
	if _, present := set[cid]; present {
		return
	}
	set[cid] = struct{}{}
	h.observer.ClientJoin(c, cid)
}

// UnsubscribeClient removes cid's interest in c. When the last client
// subscriber of c leaves, the whole channel is torn down via
// RemoveChannel (its node subscribers are unsubscribed too), matching
// spec.md §4.4.
func (h *ChannelHub) UnsubscribeClient(cid, c string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lastLeft := h.unsubscribeClientLocked(cid, c)
	if lastLeft {
		h.removeChannelLocked(c)
	}
}

// unsubscribeClientLocked removes cid from c's client set and reports
// whether that was the last client subscriber. It never itself cascades
// into RemoveChannel — callers decide whether the last-client-left
// condition should trigger a full channel teardown.
func (h *ChannelHub) unsubscribeClientLocked(cid, c string) bool {
	set, ok := h.clientChannels[c]
	if !ok {
		return false
	}
	if _, present := set[cid]; !present {
		return false
	}
	delete(set, cid)
	h.observer.ClientLeave(c, cid)
	if len(set) == 0 {
		delete(h.clientChannels, c)
		if _, hasNodes := h.nodeChannels[c]; !hasNodes {
			h.observer.ChannelRemove(c)
		}
		return true
	}
	return false
}

// RemoveChannel walks c's current subscribers and unsubscribes each one,
// driving the normal emit cascade. Per spec.md §9's open question on
// RemoveChannel racing its own listeners, the subscriber snapshot is
// re-read at the start of each step rather than iterated from a single
// fixed copy, so a nested listener that removes further subscribers is
// observed rather than double-processed.
func (h *ChannelHub) RemoveChannel(c string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeChannelLocked(c)
}

func (h *ChannelHub) removeChannelLocked(c string) {
	for {
		if set, ok := h.clientChannels[c]; ok && len(set) > 0 {
			for cid := range set {
				h.unsubscribeClientLocked(cid, c)
				break
			}
			continue
		}
		if set, ok := h.nodeChannels[c]; ok && len(set) > 0 {
			for sid := range set {
				h.unsubscribeNodeLocked(sid, c)
				break
			}
			continue
		}
		break
	}
}

// RemoveNode unsubscribes sid from every channel it is subscribed to.
func (h *ChannelHub) RemoveNode(sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, set := range h.nodeChannels {
		if _, ok := set[sid]; ok {
			h.unsubscribeNodeLocked(sid, c)
		}
	}
}

// RemoveClient unsubscribes cid from every channel it is subscribed to,
// cascading into RemoveChannel wherever cid was the last client
// subscriber — same teardown guarantee as UnsubscribeClient.
func (h *ChannelHub) RemoveClient(cid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	toRemove := make([]string, 0)
	for c, set := range h.clientChannels {
		if _, ok := set[cid]; ok {
			toRemove = append(toRemove, c)
		}
	}
	for _, c := range toRemove {
		if h.unsubscribeClientLocked(cid, c) {
			h.removeChannelLocked(c)
		}
	}
}

// IsNodeSubscribed reports whether sid is a known subscriber of c.
func (h *ChannelHub) IsNodeSubscribed(sid, c string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.nodeChannels[c][sid]
	return ok
}

// IsClientSubscribed reports whether cid is a known subscriber of c.
func (h *ChannelHub) IsClientSubscribed(cid, c string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clientChannels[c][cid]
	return ok
}

// Channels returns the current set of channel names with at least one
// node or client subscriber — used by /_status and NodeState gossip.
func (h *ChannelHub) Channels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]struct{}, len(h.nodeChannels)+len(h.clientChannels))
	for c := range h.nodeChannels {
		seen[c] = struct{}{}
	}
	for c := range h.clientChannels {
		seen[c] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out
}

// Publish fans msg out per spec.md §4.4's routing table, and reports
// whether any node or client subscriber was matched. Object/array values
// are JSON-stringified once on entry so every downstream emit sees the
// identical payload shape.
func (h *ChannelHub) Publish(c string, msg any, senderSid string, opts PublishOptions) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	payload := stringifyIfObject(msg)

	nodes, hasNodes := h.nodeChannels[c]
	if hasNodes {
		if !opts.SkipNodes {
			for sid := range nodes {
				h.observer.NodeMessage(c, sid, payload)
			}
		}
	} else if !opts.SkipBroadcast {
		h.observer.NodeBroadcast(c, payload)
	}

	clients, hasClients := h.clientChannels[c]
	if hasClients {
		for cid := range clients {
			h.observer.ClientMessage(c, cid, payload)
		}
	}

	if senderSid == "" {
		h.observer.ChannelMessage(c, payload)
	} else if _, ok := nodes[senderSid]; ok {
		h.observer.ChannelMessage(c, payload)
	}

	return hasNodes || hasClients
}

// stringifyIfObject JSON-encodes maps, slices and structs to a string;
// strings and other scalars pass through unchanged.
func stringifyIfObject(msg any) any {
	switch msg.(type) {
	case string, nil:
		return msg
	default:
		raw, err := json.Marshal(msg)
		if err != nil {
			return msg
		}
		return string(raw)
	}
}
