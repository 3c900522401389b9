package cluster

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quty-io/fabric/internal/logger"
	"github.com/quty-io/fabric/internal/util"
	"github.com/quty-io/fabric/internal/wireserver"
)

// The methods below implement wireserver.Observer, wiring the generic
// WireServer sink onto Cluster's peer-admission and gossip-dispatch
// logic per spec.md §4.7.1 and §4.7.5.

func (cl *Cluster) OnListen() {
	logger.Tagged("cluster").Info().Str("self", cl.selfId).Str("path", cl.cfg.Path).Msg("listening")
}

func (cl *Cluster) OnClient(sock *wireserver.Socket) {
	if sock.IsClusterPeer() {
		cl.admitInbound(sock)
		return
	}
	logger.Tagged("cluster").Debug().Str("publisher", sock.PublisherId).Msg("publisher connected")
}

func (cl *Cluster) OnDisconnect(sock *wireserver.Socket) {
	if sock.IsClusterPeer() {
		cl.handlePeerLoss(sock.PeerId, sock.RemoteAddr, sock)
	}
}

// OnFrame dispatches a decoded frame from an inbound socket. Peer
// sockets feed the gossip dispatcher; publisher sockets have no gossip
// tags of their own — a publisher reuses the ChannelMessage shape
// ({c, m}) to request a publication, handled here directly rather than
// through dispatchFrame, since a publisher is never itself a tracked
// peer and has no sid to attribute the message to in the hub.
func (cl *Cluster) OnFrame(fr util.Frame, sock *wireserver.Socket) {
	if sock.IsClusterPeer() {
		cl.dispatchFrame(sock.PeerId, fr)
		return
	}
	if sock.PublisherId == "" || fr.Event != tagChannelMessage {
		return
	}
	m, ok := asMap(fr.Data)
	if !ok {
		return
	}
	cl.Publish(stringField(m, "c"), m["m"])
}

func (cl *Cluster) OnFailed(r *http.Request) {
	logger.Tagged("cluster").Debug().Str("remote", r.RemoteAddr).Msg("inbound connection rejected")
}

// registerHandlers exists for symmetry with WireServer's On/AddHandler
// surface; Cluster does all of its frame routing through OnFrame above
// rather than per-tag handlers, since every gossip tag needs the same
// peer-vs-publisher and gate-vs-immediate branching.
func (cl *Cluster) registerHandlers() {}

// registerRoutes installs the health surface of spec.md §4.7.8: a plain
// readiness probe at "/" and "/ping", and a JSON status document at
// "/_status" and "/health".
func (cl *Cluster) registerRoutes() {
	cl.server.AddHandler(http.MethodGet, "/", cl.handleReady)
	cl.server.AddHandler(http.MethodGet, "/ping", cl.handleReady)
	cl.server.AddHandler(http.MethodGet, "/_status", cl.handleStatus)
	cl.server.AddHandler(http.MethodGet, "/health", cl.handleStatus)
}

func (cl *Cluster) handleReady(c *gin.Context) {
	if !cl.IsReady() {
		c.String(http.StatusServiceUnavailable, "Service Unavailable")
		return
	}
	c.String(http.StatusOK, "Ready")
}

func (cl *Cluster) handleStatus(c *gin.Context) {
	cl.mu.Lock()
	nodes := make([]PeerInfo, 0, len(cl.nodes))
	for _, r := range cl.nodes {
		nodes = append(nodes, PeerInfo{URL: r.Address.URL(cl.cfg.Path), Sid: r.PeerId})
	}
	pendingCount := len(cl.pending)
	cl.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"ready":    cl.IsReady(),
		"self":     cl.selfId,
		"nodes":    nodes,
		"channels": cl.hub.Channels(),
		"discovery": gin.H{
			"service": cl.cfg.Discovery.Service,
			"nodes":   cl.cfg.Discovery.Nodes,
			"fetch":   cl.cfg.Discovery.Fetch,
			"pending": pendingCount,
		},
	})
}
