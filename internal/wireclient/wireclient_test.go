package wireclient

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

	"github.com/quty-io/fabric/internal/util"
)

type recordingConduit struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	destroys    int
	frames      []util.Frame
}

func (r *recordingConduit) OnConnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
}
func (r *recordingConduit) OnDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}
func (r *recordingConduit) OnFrame(fr util.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, fr)
}
func (r *recordingConduit) OnDestroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroys++
}

func (r *recordingConduit) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newEchoServer accepts one upgrade and, if greeting is non-empty, writes it
// immediately before echoing every subsequent frame back verbatim.
func newEchoServer(t *testing.T, greeting []byte) (*httptest.Server, func() *websocket.Conn) {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
		if len(greeting) > 0 {
			conn.WriteMessage(websocket.TextMessage, greeting)
		}
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, msg)
		}
	}))
	return srv, func() *websocket.Conn {
		select {
		case c := <-connCh:
			return c
		case <-time.After(time.Second):
			t.Fatal("server never accepted a connection")
			return nil
		}
	}
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectWithoutVerifierSucceeds(t *testing.T) {
	srv, _ := newEchoServer(t, nil)
	defer srv.Close()

	obs := &recordingConduit{}
	c := New(Config{URL: wsURL(t, srv), Observer: obs})
	defer c.Destroy()

	err := c.Connect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, obs.connectCount())
}

func TestConnectWaitsForVerifierSuccess(t *testing.T) {
	greeting, err := util.Encode("I", map[string]any{"sid": "node-a"})
	require.NoError(t, err)
	srv, _ := newEchoServer(t, greeting)
	defer srv.Close()

	obs := &recordingConduit{}
	c := New(Config{URL: wsURL(t, srv), Observer: obs})
	defer c.Destroy()

	verify := func(fr util.Frame) (bool, error) {
		return fr.Event == "I", nil
	}
	err = c.Connect(context.Background(), verify)
	require.NoError(t, err)
	assert.Equal(t, 1, obs.connectCount())
}

func TestConnectReturnsVerifierError(t *testing.T) {
	greeting, err := util.Encode("bad", "nope")
	require.NoError(t, err)
	srv, _ := newEchoServer(t, greeting)
	defer srv.Close()

	c := New(Config{URL: wsURL(t, srv)})
	defer c.Destroy()

	verify := func(fr util.Frame) (bool, error) {
		return false, assert.AnError
	}
	err = c.Connect(context.Background(), verify)
	assert.Error(t, err)
}

func TestConnectFirstAttemptFailureReturnsError(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/does-not-exist"})
	defer c.Destroy()

	err := c.Connect(context.Background(), nil)
	assert.Error(t, err)
}

func TestSendWithoutBufferDropsWhenDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://unused", Buffer: false})
	defer c.Destroy()

	ok := c.Send("x", "y")
	assert.False(t, ok)
}

func TestSendBuffersWhenDisconnectedAndConfigured(t *testing.T) {
	c := New(Config{URL: "ws://unused", Buffer: true})
	defer c.Destroy()

	ok := c.Send("x", "y")
	assert.True(t, ok)
	assert.Len(t, c.queue, 1)
}

func TestFramesAfterVerifyReachObserver(t *testing.T) {
	greeting, err := util.Encode("I", map[string]any{"sid": "node-a"})
	require.NoError(t, err)
	srv, acceptConn := newEchoServer(t, greeting)
	defer srv.Close()

	obs := &recordingConduit{}
	c := New(Config{URL: wsURL(t, srv), Observer: obs})
	defer c.Destroy()

	verify := func(fr util.Frame) (bool, error) { return fr.Event == "I", nil }
	require.NoError(t, c.Connect(context.Background(), verify))

	serverConn := acceptConn()
	payload, err := util.Encode("M", map[string]any{"c": "chan", "m": "hi"})
	require.NoError(t, err)
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, payload))

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.frames) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDestroyIsIdempotentAndFiresOnDestroyOnce(t *testing.T) {
	obs := &recordingConduit{}
	c := New(Config{URL: "ws://unused", Observer: obs})

	c.Destroy()
	c.Destroy()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.destroys)
}

func TestConnectAfterDestroyFails(t *testing.T) {
	c := New(Config{URL: "ws://unused"})
	c.Destroy()

	err := c.Connect(context.Background(), nil)
	assert.Error(t, err)
}
