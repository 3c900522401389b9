// Package hub implements ChannelHub, the pure in-memory subscription
// registry and fan-out emitter described in spec.md §4.4. It has no I/O of
// its own; every side effect is reported through the HubObserver sink
// interface rather than a string-keyed event emitter, per spec.md §9's
// design note on replacing event-emitter cycles with explicit fan-out
// tables — mirrored here the way the reference repo's AgentHub/Notifier
// hand out typed callbacks instead of dynamic event names.
package hub

// HubObserver receives every side effect ChannelHub produces. All methods
// are invoked synchronously, inline with the mutating call, under the
// hub's own lock — implementations must not call back into the hub from
// within an observer method except via the re-entrant paths ChannelHub
// itself documents (RemoveChannel's cascaded unsubscribes).
type HubObserver interface {
	// ChannelAdd fires on the first subscriber (node or client) of c.
	ChannelAdd(c string)
	// ChannelRemove fires when the last subscriber (node and client) of
	// c is gone.
	ChannelRemove(c string)
	// NodeJoin fires the first time sid subscribes to c.
	NodeJoin(c, sid string)
	// NodeLeave fires when sid is no longer subscribed to c.
	NodeLeave(c, sid string)
	// ClientJoin fires the first time cid subscribes to c.
	ClientJoin(c, cid string)
	// ClientLeave fires when cid is no longer subscribed to c.
	ClientLeave(c, cid string)
	// NodeMessage fires once per node subscriber of c on Publish, when
	// nodeChannels[c] is known.
	NodeMessage(c, sid string, msg any)
	// NodeBroadcast fires on Publish when nodeChannels[c] is unknown and
	// broadcast wasn't skipped — "flood and let the mesh sort it out".
	NodeBroadcast(c string, msg any)
	// ClientMessage fires once per local client subscriber of c on
	// Publish.
	ClientMessage(c, cid string, msg any)
	// ChannelMessage is the observability hook fired on Publish when no
	// sender sid is given or the sender is a known node subscriber of c.
	ChannelMessage(c string, msg any)
}

// NopObserver implements HubObserver with no-op methods; embed it in test
// fakes that only care about a subset of callbacks.
type NopObserver struct{}

func (NopObserver) ChannelAdd(string)            {}
func (NopObserver) ChannelRemove(string)         {}
func (NopObserver) NodeJoin(string, string)      {}
func (NopObserver) NodeLeave(string, string)     {}
func (NopObserver) ClientJoin(string, string)    {}
func (NopObserver) ClientLeave(string, string)   {}
func (NopObserver) NodeMessage(string, string, any) {}
func (NopObserver) NodeBroadcast(string, any)       {}
func (NopObserver) ClientMessage(string, string, any) {}
func (NopObserver) ChannelMessage(string, any)        {}
