package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quty-io/fabric/internal/cache"
	"github.com/quty-io/fabric/internal/config"
	"github.com/quty-io/fabric/internal/token"
	"github.com/quty-io/fabric/internal/util"
	"github.com/quty-io/fabric/internal/wireclient"
	"github.com/quty-io/fabric/internal/wireserver"
)

func requestWithToken(tok string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/?token="+tok, nil)
}

const testAuthSecret = "test-secret"

type recordingLocalHub struct {
	mu         sync.Mutex
	delivered  []string
	kicked     []string
	unsubbed   []string
}

func (h *recordingLocalHub) Deliver(channel, clientId string, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, channel+":"+clientId)
}
func (h *recordingLocalHub) DisconnectClient(clientId string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kicked = append(h.kicked, clientId)
}
func (h *recordingLocalHub) UnsubscribeClient(clientId, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubbed = append(h.unsubbed, channel+":"+clientId)
}

func (h *recordingLocalHub) deliveries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.delivered))
	copy(out, h.delivered)
	return out
}

func newTestCluster(t *testing.T, namespace string, localHub LocalHub) (*Cluster, *httptest.Server, string) {
	t.Helper()
	disco, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)

	cfg := config.Config{
		Namespace: namespace,
		Path:      "/",
		Auth:      testAuthSecret,
		Discovery: config.Discovery{TimerMs: 3000},
	}
	cl, err := New(cfg, localHub, disco)
	require.NoError(t, err)

	srv := httptest.NewServer(cl.Handler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	return cl, srv, addr
}

func TestNewGeneratesDistinctSelfIds(t *testing.T) {
	a, srvA, _ := newTestCluster(t, "ns", nil)
	defer srvA.Close()
	b, srvB, _ := newTestCluster(t, "ns", nil)
	defer srvB.Close()

	assert.NotEqual(t, a.SelfId(), b.SelfId())
	assert.True(t, strings.HasPrefix(a.SelfId(), "ns-1-"))
}

func TestSingletonFlipsReadyImmediatelyWithNoDiscoverySources(t *testing.T) {
	cl, srv, _ := newTestCluster(t, "solo", nil)
	defer srv.Close()

	cl.Start(context.Background())
	defer cl.Shutdown()

	assert.Eventually(t, cl.IsReady, time.Second, 5*time.Millisecond)
}

func TestReadyNeverFlipsBackToFalse(t *testing.T) {
	cl, srv, _ := newTestCluster(t, "solo2", nil)
	defer srv.Close()

	cl.Start(context.Background())
	defer cl.Shutdown()

	require.Eventually(t, cl.IsReady, time.Second, 5*time.Millisecond)
	cl.flipReady("irrelevant second reason")
	assert.True(t, cl.IsReady())
}

func TestTwoNodeJoinEstablishesBidirectionalPeerAndFlipsReady(t *testing.T) {
	a, srvA, _ := newTestCluster(t, "a", nil)
	defer srvA.Close()
	defer a.Shutdown()
	b, srvB, addrB := newTestCluster(t, "b", nil)
	defer srvB.Close()
	defer b.Shutdown()

	a.AddNode(addrB)

	require.Eventually(t, func() bool {
		return len(a.nodes) == 1 && len(b.nodes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	a.mu.Lock()
	recA, ok := a.nodes[b.SelfId()]
	a.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, b.SelfId(), recA.PeerId)
	assert.NotNil(t, recA.Outbound)

	b.mu.Lock()
	recB, ok := b.nodes[a.SelfId()]
	b.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, a.SelfId(), recB.PeerId)
	assert.NotNil(t, recB.Inbound)

	assert.True(t, a.IsReady())
	assert.True(t, b.IsReady())
}

func TestSubscriptionPropagatesAndMessageRoutesAcrossPeers(t *testing.T) {
	a, srvA, _ := newTestCluster(t, "a", nil)
	defer srvA.Close()
	defer a.Shutdown()

	localB := &recordingLocalHub{}
	b, srvB, addrB := newTestCluster(t, "b", localB)
	defer srvB.Close()
	defer b.Shutdown()

	a.AddNode(addrB)
	require.Eventually(t, func() bool {
		return len(a.nodes) == 1 && len(b.nodes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.Hub().SubscribeClient(b.SelfId(), "client-1", "chan")

	require.Eventually(t, func() bool {
		return a.Hub().IsNodeSubscribed(b.SelfId(), "chan")
	}, time.Second, 10*time.Millisecond)

	matched := a.Publish("chan", "hello")
	assert.True(t, matched)

	require.Eventually(t, func() bool {
		for _, d := range localB.deliveries() {
			if d == "chan:client-1" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestPeerLossUnsubscribesAndClearsRecords(t *testing.T) {
	a, srvA, _ := newTestCluster(t, "a", nil)
	defer srvA.Close()

	b, srvB, addrB := newTestCluster(t, "b", nil)
	defer srvB.Close()
	defer b.Shutdown()

	a.AddNode(addrB)
	require.Eventually(t, func() bool {
		return len(a.nodes) == 1 && len(b.nodes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	a.Hub().SubscribeNode(a.SelfId(), "chan")
	require.Eventually(t, func() bool {
		return b.Hub().IsNodeSubscribed(a.SelfId(), "chan")
	}, time.Second, 10*time.Millisecond)

	a.Shutdown()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.nodes) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, b.Hub().IsNodeSubscribed(a.SelfId(), "chan"))
}

func TestAddNodeIgnoresAlreadyPendingAddress(t *testing.T) {
	cl, srv, _ := newTestCluster(t, "x", nil)
	defer srv.Close()
	defer cl.Shutdown()

	cl.AddNode("10.0.0.9:9999")
	cl.mu.Lock()
	pendingAfterFirst := len(cl.pending)
	cl.mu.Unlock()
	require.Equal(t, 1, pendingAfterFirst)

	cl.AddNode("10.0.0.9:9999")
	cl.mu.Lock()
	pendingAfterSecond := len(cl.pending)
	cl.mu.Unlock()
	assert.Equal(t, 1, pendingAfterSecond, "duplicate AddNode for a pending address must not spawn a second dial")
}

func TestDuplicateInboundHandshakeFromSameDeclaredAddressIsRejected(t *testing.T) {
	b, srv, addr := newTestCluster(t, "b", nil)
	defer srv.Close()
	defer b.Shutdown()

	dial := func() (*websocket.Conn, error) {
		tok, err := token.Create(map[string]any{"port": 9000}, token.CreateOptions{
			Secret: testAuthSecret,
			Type:   token.ClusterPeer,
			Id:     "peer-dup",
		})
		require.NoError(t, err)
		url := "ws://" + addr + "/?token=" + tok
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		return conn, err
	}

	first, err := dial()
	require.NoError(t, err)
	defer first.Close()

	// Give the first handshake time to be admitted before the duplicate dials.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.nodeIps["127.0.0.1:9000"]
		return ok
	}, time.Second, 10*time.Millisecond)

	second, err := dial()
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = second.ReadMessage() // consumes the NodeInfo greeting, sent before the duplicate check
	require.NoError(t, err)

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = second.ReadMessage()
	assert.Error(t, err, "a duplicate declared address must be closed after its NodeInfo greeting")

	// The duplicate's teardown (driven by closing its own socket) must
	// never evict the surviving first connection's bookkeeping.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.nodeIps["127.0.0.1:9000"]
		return ok
	}, time.Second, 10*time.Millisecond, "surviving peer's address mapping must remain tracked")

	b.mu.Lock()
	rec, ok := b.nodes["peer-dup"]
	b.mu.Unlock()
	require.True(t, ok, "surviving peer's node record must remain tracked")
	assert.NotNil(t, rec.Inbound, "surviving peer's inbound socket must still be set")

	first.SetWriteDeadline(time.Now().Add(time.Second))
	assert.NoError(t, first.WriteMessage(websocket.TextMessage, []byte("ping")), "first connection must still be live")
}

func TestAuthorizeRejectsInvalidToken(t *testing.T) {
	cl, srv, _ := newTestCluster(t, "x", nil)
	defer srv.Close()
	defer cl.Shutdown()

	_, _, _, ok := cl.authorize(requestWithToken("garbage"))
	assert.False(t, ok)
}

func TestAuthorizePublisherGetsRandomIdWhenIssuerEmpty(t *testing.T) {
	cl, srv, _ := newTestCluster(t, "x", nil)
	defer srv.Close()
	defer cl.Shutdown()

	tok, err := token.Create(nil, token.CreateOptions{Secret: testAuthSecret, Type: token.Publisher})
	require.NoError(t, err)

	peerId, publisherId, _, ok := cl.authorize(requestWithToken(tok))
	require.True(t, ok)
	assert.Empty(t, peerId)
	assert.NotEmpty(t, publisherId)
}

func TestAuthorizePeerUsesIssuerAsPeerId(t *testing.T) {
	cl, srv, _ := newTestCluster(t, "x", nil)
	defer srv.Close()
	defer cl.Shutdown()

	tok, err := token.Create(nil, token.CreateOptions{Secret: testAuthSecret, Type: token.ClusterPeer, Id: "peer-123"})
	require.NoError(t, err)

	peerId, publisherId, _, ok := cl.authorize(requestWithToken(tok))
	require.True(t, ok)
	assert.Equal(t, "peer-123", peerId)
	assert.Empty(t, publisherId)
}

func TestHandleNodeStateFirstReceiptFlipsReadinessEvenWithNoLocalDiscovery(t *testing.T) {
	cl, srv, _ := newTestCluster(t, "ns", nil)
	defer srv.Close()
	defer cl.Shutdown()

	require.False(t, cl.IsReady())
	cl.handleNodeState("peer-x", map[string]any{"s": "peer-x", "n": []any{}, "c": []any{}})
	assert.True(t, cl.IsReady())
}

func TestPublisherFrameRoutesThroughOnFrameDirectly(t *testing.T) {
	localHub := &recordingLocalHub{}
	cl, srv, _ := newTestCluster(t, "pub", localHub)
	defer srv.Close()
	defer cl.Shutdown()

	cl.Hub().SubscribeClient(cl.SelfId(), "client-1", "chan")

	sock := &wireserver.Socket{PublisherId: "publisher-1"}
	require.False(t, sock.IsClusterPeer())
	cl.OnFrame(util.Frame{Event: tagChannelMessage, Data: map[string]any{"c": "chan", "m": "from-publisher"}}, sock)

	require.Eventually(t, func() bool {
		for _, d := range localHub.deliveries() {
			if d == "chan:client-1" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestHandleNodeStateSkipsEntryReportingSelf(t *testing.T) {
	cl, srv, _ := newTestCluster(t, "ns", nil)
	defer srv.Close()
	defer cl.Shutdown()

	cl.handleNodeState("peer-x", map[string]any{
		"s": "peer-x",
		"n": []any{map[string]any{"sid": cl.SelfId(), "url": "ws://127.0.0.1:1/"}},
		"c": []any{},
	})

	cl.mu.Lock()
	_, tracked := cl.nodes[cl.SelfId()]
	cl.mu.Unlock()
	assert.False(t, tracked, "a node must never track itself as a peer")
}

func TestNodeJoinOnlyBroadcastsForOwnSid(t *testing.T) {
	a, srvA, _ := newTestCluster(t, "a", nil)
	defer srvA.Close()
	defer a.Shutdown()
	b, srvB, addrB := newTestCluster(t, "b", nil)
	defer srvB.Close()
	defer b.Shutdown()

	a.AddNode(addrB)
	require.Eventually(t, func() bool {
		return len(a.nodes) == 1 && len(b.nodes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A remote sid's join (as the hub would report after gossip already
	// applied it) must not be re-broadcast — only the local node's own
	// subscriptions travel back out, which is what keeps gossip loop-free.
	// Frames on one connection arrive in order, so once "own" has reached
	// b, a broadcast of "other" would have reached it too.
	a.NodeJoin("other", "some-other-node")
	a.NodeJoin("own", a.SelfId())

	require.Eventually(t, func() bool {
		return b.Hub().IsNodeSubscribed(a.SelfId(), "own")
	}, time.Second, 10*time.Millisecond)
	assert.False(t, b.Hub().IsNodeSubscribed(a.SelfId(), "other"))
}

func TestWireClientTokenSourceDialFailsFastOnBadURL(t *testing.T) {
	wc := wireclient.New(wireclient.Config{
		URL:   "ws://127.0.0.1:1/nope",
		Token: wireclient.TokenSource{Lazy: func() string { return "tok" }},
	})
	defer wc.Destroy()
	err := wc.Connect(context.Background(), nil)
	assert.Error(t, err)
}
