package cluster

import (
	"context"

	"github.com/quty-io/fabric/internal/ferrors"
	"github.com/quty-io/fabric/internal/logger"
	"github.com/quty-io/fabric/internal/token"
	"github.com/quty-io/fabric/internal/util"
	"github.com/quty-io/fabric/internal/wireclient"
	"github.com/quty-io/fabric/internal/wireserver"
)

// AddNode begins outbound establishment of a peer at rawAddress, per
// spec.md §4.7.2. Already-tracked or already-pending addresses are
// no-ops. The dial itself runs in its own goroutine; AddNode never
// blocks.
func (cl *Cluster) AddNode(rawAddress string) {
	addr, err := parseAddressString(rawAddress, cl.cfg.Port)
	if err != nil {
		logger.Tagged("cluster").Warn().Err(err).Str("address", rawAddress).Msg("invalid discovery address")
		return
	}

	key := addr.Key()
	cl.mu.Lock()
	_, known := cl.nodeIps[key]
	_, inFlight := cl.pending[key]
	if known || inFlight {
		cl.mu.Unlock()
		return
	}
	cl.pending[key] = struct{}{}
	cl.mu.Unlock()

	go cl.dialPeer(addr, key)
}

// peerConduit adapts one outbound WireClient's lifecycle callbacks onto
// the owning Cluster. peerId is set once, synchronously inside the
// Verifier passed to Connect — which always runs to completion before
// the WireClient's steady-state readLoop (and therefore OnFrame) starts
// — so it needs no locking of its own. wc is set right after the
// WireClient it backs is constructed, so handlePeerLoss can verify this
// conduit's WireClient is still the one on record before tearing
// anything down (a duplicate/discarded dial must never evict the
// surviving peer's bookkeeping).
type peerConduit struct {
	cl      *Cluster
	addrKey string
	peerId  string
	wc      *wireclient.WireClient
}

func (p *peerConduit) OnConnect()            {}
func (p *peerConduit) OnDisconnect()         { p.cl.handlePeerLoss(p.peerId, p.addrKey, p.wc) }
func (p *peerConduit) OnDestroy()            { p.cl.handlePeerLoss(p.peerId, p.addrKey, p.wc) }
func (p *peerConduit) OnFrame(fr util.Frame) { p.cl.dispatchFrame(p.peerId, fr) }

func (cl *Cluster) dialPeer(addr Address, key string) {
	defer func() {
		cl.mu.Lock()
		delete(cl.pending, key)
		cl.mu.Unlock()
	}()

	conduit := &peerConduit{cl: cl, addrKey: key}

	wc := wireclient.New(wireclient.Config{
		URL: addr.URL(cl.cfg.Path),
		Token: wireclient.TokenSource{Lazy: func() string {
			tok, err := token.Create(map[string]any{"port": cl.cfg.Port}, token.CreateOptions{
				Secret: cl.cfg.Auth,
				Type:   token.ClusterPeer,
				Id:     cl.selfId,
			})
			if err != nil {
				logger.Tagged("cluster").Error().Err(err).Msg("failed to mint peer token")
				return ""
			}
			return tok
		}},
		Observer: conduit,
	})
	conduit.wc = wc

	verify := func(fr util.Frame) (bool, error) {
		if fr.Event != tagNodeInfo {
			return false, nil
		}
		m, ok := asMap(fr.Data)
		if !ok {
			return false, ferrors.New(ferrors.Malformed, "malformed NodeInfo")
		}
		peerId := stringField(m, "_i")
		if peerId == "" {
			return false, ferrors.New(ferrors.Malformed, "NodeInfo missing issuer id")
		}
		conduit.peerId = peerId
		return true, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), nodeInfoTimeout)
	defer cancel()
	if err := wc.Connect(ctx, verify); err != nil {
		logger.Tagged("cluster").Debug().Err(err).Str("address", key).Msg("peer dial failed")
		return
	}

	if conduit.peerId == cl.selfId {
		logger.Tagged("cluster").Trace().Str("address", key).Msg("discovered self, discarding")
		wc.Destroy()
		return
	}

	cl.mu.Lock()
	if _, dup := cl.nodes[conduit.peerId]; dup {
		cl.mu.Unlock()
		logger.Tagged("cluster").Trace().Str("peer", conduit.peerId).Msg("duplicate outbound handshake, discarding")
		wc.Destroy()
		return
	}
	cl.nodes[conduit.peerId] = &PeerRecord{Address: addr, PeerId: conduit.peerId, Outbound: wc, State: PeerUp}
	cl.nodeIps[key] = conduit.peerId
	wasReady := cl.ready
	cl.mu.Unlock()

	logger.Tagged("cluster").Info().Str("peer", conduit.peerId).Str("addr", key).Msg("peer established (outbound)")

	if !wasReady {
		cl.flipReady("first peer established")
	}
}

// admitInbound is called once an inbound WebSocket has been identified
// as a ClusterPeer by the Authorizer, per spec.md §4.7.1: it announces
// this node immediately, then records the peer, rejecting a second
// concurrent connection from the same declared address.
func (cl *Cluster) admitInbound(sock *wireserver.Socket) {
	port := cl.cfg.Port
	if p, ok := sock.Data["port"].(float64); ok {
		port = int(p)
	}
	addr := Address{Proto: "ws", IP: sock.RemoteAddr, Port: port}
	key := addr.Key()

	_ = sock.Send(tagNodeInfo, nodeInfoPayload{T: int(token.ClusterPeer), I: cl.selfId, C: cl.hub.Channels()})

	cl.mu.Lock()
	if _, dup := cl.nodeIps[key]; dup {
		cl.mu.Unlock()
		logger.Tagged("cluster").Debug().Str("addr", key).Msg("duplicate inbound peer, dropping")
		sock.Conn.Close()
		return
	}
	cl.nodes[sock.PeerId] = &PeerRecord{Address: addr, PeerId: sock.PeerId, Inbound: sock, State: PeerUp}
	cl.nodeIps[key] = sock.PeerId
	wasReady := cl.ready
	cl.mu.Unlock()

	logger.Tagged("cluster").Info().Str("peer", sock.PeerId).Str("addr", key).Msg("peer admitted (inbound)")

	if !wasReady {
		cl.flipReady("first peer admitted")
	}
}

// handlePeerLoss tears down bookkeeping for a peer that disconnected,
// propagates the loss to the local hub, and re-announces membership to
// the remaining mesh, per spec.md §4.7.4. It is safe to call more than
// once for the same peerId (idempotent past the first call).
//
// owner identifies which connection is reporting the loss — either the
// *wireclient.WireClient behind an outbound peerConduit or the
// *wireserver.Socket behind an inbound admission. A rejected duplicate
// handshake tears down its own discarded connection, which still fires
// this same callback; if the record on file for peerId is owned by a
// different connection than owner, that record belongs to the
// surviving peer and must not be touched, per spec.md §7 Duplicate and
// Cluster-Bijection.
func (cl *Cluster) handlePeerLoss(peerId, addrKey string, owner any) {
	if peerId == "" {
		return
	}
	cl.mu.Lock()
	rec, ok := cl.nodes[peerId]
	if !ok {
		cl.mu.Unlock()
		return
	}
	switch o := owner.(type) {
	case *wireclient.WireClient:
		if rec.Outbound != o {
			cl.mu.Unlock()
			return
		}
	case *wireserver.Socket:
		if rec.Inbound != o {
			cl.mu.Unlock()
			return
		}
	}
	delete(cl.nodes, peerId)
	delete(cl.nodeIps, rec.Address.Key())
	delete(cl.pending, addrKey)
	cl.mu.Unlock()

	logger.Tagged("cluster").Info().Str("peer", peerId).Msg("peer lost")
	cl.hub.RemoveNode(peerId)
	cl.broadcastNodeState()
}

// sendToRecord writes one gossip frame to whichever side of rec is live
// (an outbound WireClient or an inbound Socket — a PeerRecord has
// exactly one of the two).
func (cl *Cluster) sendToRecord(rec *PeerRecord, tag string, payload any) {
	var err error
	switch {
	case rec.Outbound != nil:
		if !rec.Outbound.Send(tag, payload) {
			err = ferrors.New(ferrors.DialFail, "wireclient send dropped")
		}
	case rec.Inbound != nil:
		err = rec.Inbound.Send(tag, payload)
	}
	if err != nil {
		logger.Tagged("cluster").Debug().Err(err).Str("peer", rec.PeerId).Str("tag", tag).Msg("gossip send failed")
	}
}

// sendToPeer gossips a single peer by id; a peer that has since been
// lost is silently skipped.
func (cl *Cluster) sendToPeer(peerId, tag string, payload any) {
	cl.mu.Lock()
	rec, ok := cl.nodes[peerId]
	cl.mu.Unlock()
	if !ok {
		return
	}
	cl.sendToRecord(rec, tag, payload)
}

// broadcastToAllPeers gossips every currently tracked peer.
func (cl *Cluster) broadcastToAllPeers(tag string, payload any) {
	cl.mu.Lock()
	recs := make([]*PeerRecord, 0, len(cl.nodes))
	for _, r := range cl.nodes {
		recs = append(recs, r)
	}
	cl.mu.Unlock()
	for _, r := range recs {
		cl.sendToRecord(r, tag, payload)
	}
}

// broadcastToAllExcept gossips every peer other than excludePeerId, used
// to forward ClientKick/ClientUnsubscribe one hop further than the peer
// they arrived from.
func (cl *Cluster) broadcastToAllExcept(excludePeerId, tag string, payload any) {
	cl.mu.Lock()
	recs := make([]*PeerRecord, 0, len(cl.nodes))
	for id, r := range cl.nodes {
		if id != excludePeerId {
			recs = append(recs, r)
		}
	}
	cl.mu.Unlock()
	for _, r := range recs {
		cl.sendToRecord(r, tag, payload)
	}
}

// broadcastNodeState announces this node's current peer view and local
// subscriptions to the whole mesh. It is called after a peer loss only;
// nothing sends it periodically.
func (cl *Cluster) broadcastNodeState() {
	cl.mu.Lock()
	peers := make([]PeerInfo, 0, len(cl.nodes))
	for _, r := range cl.nodes {
		peers = append(peers, PeerInfo{URL: r.Address.URL(cl.cfg.Path), Sid: r.PeerId})
	}
	cl.mu.Unlock()

	cl.broadcastToAllPeers(tagNodeState, nodeStatePayload{
		S: cl.selfId,
		N: peers,
		C: cl.hub.Channels(),
	})
}

// KickClient disconnects clientId on the local Hub (if any), then gossips
// a ClientKick to the whole mesh, so whichever node owns the session
// disconnects it. This
// gives application code reachable through LocalHub a way to originate
// a kick, mirroring the receive-side handling in cluster_gossip.go.
func (cl *Cluster) KickClient(clientId string) {
	if cl.localHub != nil {
		cl.localHub.DisconnectClient(clientId)
	}
	cl.broadcastToAllPeers(tagClientKick, clientKickPayload{Cid: clientId})
}
