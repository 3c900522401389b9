// Package cluster implements the top-level fabric described in spec.md
// §4.7: peer discovery, connection ownership, gossip of membership and
// subscriptions, and the publication router. It composes a WireServer
// (inbound peers and publishers) and a pool of WireClients (outbound
// peers) around one shared ChannelHub, matching spec.md §2's data-flow
// diagram.
package cluster

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quty-io/fabric/internal/cache"
	"github.com/quty-io/fabric/internal/config"
	"github.com/quty-io/fabric/internal/hub"
	"github.com/quty-io/fabric/internal/logger"
	"github.com/quty-io/fabric/internal/token"
	"github.com/quty-io/fabric/internal/wireclient"
	"github.com/quty-io/fabric/internal/wireserver"
)

// LocalHub is the external Hub collaborator contract of spec.md §6. The
// fabric never implements it — an application wires in whatever
// WebSocket engine terminates its end-user sessions.
type LocalHub interface {
	// Deliver is called whenever a local client should receive a frame.
	Deliver(channel, clientId string, msg any)
	// DisconnectClient tears down a client session, in response to a
	// gossiped ClientKick. Implementations that don't own clientId are
	// expected to no-op.
	DisconnectClient(clientId string)
	// UnsubscribeClient removes a client from a channel, in response to
	// a gossiped ClientUnsubscribe.
	UnsubscribeClient(clientId, channel string)
}

const nodeInfoTimeout = 3 * time.Second

// Cluster is the cluster fabric node.
type Cluster struct {
	cfg      config.Config
	selfId   string
	hub      *hub.ChannelHub
	server   *wireserver.WireServer
	localHub LocalHub
	disco    *cache.DiscoveryCache

	mu       sync.Mutex
	nodes    map[string]*PeerRecord // peerId -> record
	nodeIps  map[string]string      // "ip:port" -> peerId
	pending  map[string]struct{}    // "ip:port" in flight
	ready    bool
	queue    []func()

	discoveryTicker *time.Ticker
	stopDiscovery   chan struct{}
}

// New constructs a Cluster. localHub may be nil if no client-facing Hub
// is attached (e.g. a pure relay node).
func New(cfg config.Config, localHub LocalHub, disco *cache.DiscoveryCache) (*Cluster, error) {
	selfId, err := newNodeId(cfg.Namespace)
	if err != nil {
		return nil, err
	}

	cl := &Cluster{
		cfg:      cfg,
		selfId:   selfId,
		localHub: localHub,
		disco:    disco,
		nodes:    make(map[string]*PeerRecord),
		nodeIps:  make(map[string]string),
		pending:  make(map[string]struct{}),
	}
	cl.hub = hub.New(cl)
	cl.server = wireserver.New(wireserver.Config{
		Path:       cfg.Path,
		Authorizer: cl.authorize,
		Observer:   cl,
	})
	cl.registerRoutes()
	cl.registerHandlers()
	return cl, nil
}

// SelfId returns this node's NodeId.
func (cl *Cluster) SelfId() string { return cl.selfId }

// Handler returns the composed HTTP handler (health routes + WebSocket
// upgrade) for cmd/fabricd to serve.
func (cl *Cluster) Handler() http.Handler { return cl.server.Engine() }

// Publish routes a locally-originated publication through the ChannelHub
// to peers and/or local clients, per spec.md §4.7.6. The return value
// indicates whether any subscriber was matched locally — never a
// delivery confirmation.
func (cl *Cluster) Publish(channel string, msg any) bool {
	return cl.hub.Publish(channel, msg, cl.selfId, hub.PublishOptions{})
}

// Hub exposes the ChannelHub for direct local-client wiring (SubscribeClient/
// UnsubscribeClient/IsClientSubscribed), per spec.md §6's Hub collaborator
// contract.
func (cl *Cluster) Hub() *hub.ChannelHub { return cl.hub }

// Start runs the first discovery pass and arms the readiness timeout.
// The caller is responsible for actually binding an http.Server around
// Handler(); Start only prepares in-process state.
func (cl *Cluster) Start(ctx context.Context) {
	cl.server.Listen()

	cl.runDiscoveryOnce(ctx)

	cl.mu.Lock()
	noPeerSources := cl.cfg.Discovery.Service == "" && len(cl.cfg.Discovery.Nodes) == 0 && cl.cfg.Discovery.Fetch == ""
	noPeersFound := len(cl.nodes) == 0 && len(cl.pending) == 0
	cl.mu.Unlock()

	if noPeerSources && noPeersFound {
		cl.flipReady("no discovery sources configured")
	} else {
		maxWait := time.Duration(cl.cfg.MaxReadyAfterMs) * time.Millisecond
		if maxWait > 0 {
			time.AfterFunc(maxWait, func() { cl.flipReady("maxReadyAfter timeout") })
		}
	}

	cl.stopDiscovery = make(chan struct{})
	interval := time.Duration(cl.cfg.Discovery.TimerMs) * time.Millisecond
	if interval <= 0 {
		interval = 3 * time.Second
	}
	cl.discoveryTicker = time.NewTicker(interval)
	go cl.discoveryLoop(ctx)
}

// Shutdown stops discovery and disconnects every peer cleanly.
func (cl *Cluster) Shutdown() {
	if cl.discoveryTicker != nil {
		cl.discoveryTicker.Stop()
	}
	if cl.stopDiscovery != nil {
		close(cl.stopDiscovery)
	}
	cl.mu.Lock()
	records := make([]*PeerRecord, 0, len(cl.nodes))
	for _, r := range cl.nodes {
		records = append(records, r)
	}
	cl.mu.Unlock()
	for _, r := range records {
		if r.Outbound != nil {
			r.Outbound.Destroy()
		}
	}
}

func (cl *Cluster) discoveryLoop(ctx context.Context) {
	for {
		select {
		case <-cl.discoveryTicker.C:
			cl.runDiscoveryOnce(ctx)
		case <-cl.stopDiscovery:
			return
		}
	}
}

// IsReady reports the monotonic readiness flag.
func (cl *Cluster) IsReady() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.ready
}

// flipReady flips readiness false->true exactly once and replays any
// queued events in arrival order.
func (cl *Cluster) flipReady(reason string) {
	cl.mu.Lock()
	if cl.ready {
		cl.mu.Unlock()
		return
	}
	cl.ready = true
	queued := cl.queue
	cl.queue = nil
	cl.mu.Unlock()

	logger.Tagged("cluster").Info().Str("reason", reason).Str("self", cl.selfId).Msg("readiness flipped")
	for _, fn := range queued {
		fn()
	}
}

// gate queues fn until readiness flips, then runs it immediately once
// ready — per spec.md §4.7.7.
func (cl *Cluster) gate(fn func()) {
	cl.mu.Lock()
	if !cl.ready {
		cl.queue = append(cl.queue, fn)
		cl.mu.Unlock()
		return
	}
	cl.mu.Unlock()
	fn()
}

// authorize implements the WireServer Authorizer contract for inbound
// connections, per spec.md §4.7 "Authorizer".
func (cl *Cluster) authorize(r *http.Request) (peerId, publisherId string, data map[string]any, ok bool) {
	tok := r.URL.Query().Get("token")
	claims, err := token.Verify(tok, token.VerifyOptions{Secret: cl.cfg.Auth})
	if err != nil {
		logger.Tagged("cluster").Debug().Err(err).Msg("inbound auth rejected")
		return "", "", nil, false
	}

	switch claims.Type {
	case token.ClusterPeer:
		if claims.Issuer == "" {
			return "", "", nil, false
		}
		return claims.Issuer, "", claims.Data, true
	case token.Publisher:
		id := claims.Issuer
		if id == "" {
			id = uuid.NewString()
		}
		return "", id, claims.Data, true
	default:
		return "", "", nil, false
	}
}
