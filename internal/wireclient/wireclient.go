// Package wireclient implements WireClient, the outbound persistent
// WebSocket session described in spec.md §4.5: auth handshake, reconnect,
// send buffering, and frame dispatch. It follows the teacher's
// readPump/writePump goroutine-pair idiom (internal/websocket/hub.go) but
// is driven one session at a time rather than fanning out to many
// clients, since each WireClient IS one outbound peer connection.
package wireclient

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quty-io/fabric/internal/ferrors"
	"github.com/quty-io/fabric/internal/logger"
	"github.com/quty-io/fabric/internal/util"
)

// TokenSource models spec.md §9's "Static(str) | Lazy(fn)" discriminated
// token source, resolved fresh on every dial.
type TokenSource struct {
	Static string
	Lazy   func() string
}

func (t TokenSource) resolve() string {
	if t.Lazy != nil {
		return t.Lazy()
	}
	return t.Static
}

// Verifier gates Connect's success on an application-level handshake
// frame (Cluster uses this to wait for NodeInfo before treating a dial as
// established). It is invoked once per inbound frame until it reports
// either success or a terminal error.
type Verifier func(fr util.Frame) (verified bool, err error)

// PeerConduit is the generic sink every WireClient reports to, replacing
// the source's string-keyed "connect"/"disconnect"/"event"/"destroy"
// emitter with explicit methods (spec.md §9).
type PeerConduit interface {
	OnConnect()
	OnDisconnect()
	OnFrame(fr util.Frame)
	OnDestroy()
}

// Config configures a WireClient.
type Config struct {
	URL            string
	Token          TokenSource
	ReconnectDelay time.Duration // 0 disables auto-reconnect
	MaxReconnects  int           // 0 = unlimited when ReconnectDelay > 0
	Buffer         bool          // buffer Send while disconnected
	Observer       PeerConduit
}

type queuedSend struct {
	event string
	data  any
}

// WireClient is one outbound WebSocket session.
type WireClient struct {
	cfg Config

	handlersMu sync.Mutex
	handlers   map[string]func(util.Frame)

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	destroyed   bool
	reconnects  int
	queue       []queuedSend
	stopTimer   func()
	writeMu     sync.Mutex
}

// New builds a WireClient from cfg. Call Connect to dial.
func New(cfg Config) *WireClient {
	if cfg.Observer == nil {
		cfg.Observer = nopConduit{}
	}
	return &WireClient{cfg: cfg, handlers: make(map[string]func(util.Frame))}
}

// On registers a handler for a specific decoded event tag. OnFrame on the
// configured PeerConduit still fires for every frame regardless.
func (c *WireClient) On(event string, fn func(util.Frame)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = fn
}

// Connect resolves the token, dials the socket, and — if verify is
// non-nil — blocks until verify reports success, ctx is done, or the
// connection closes. On success the send buffer is flushed and OnConnect
// fires. A first-attempt failure returns the dial error directly;
// subsequent reconnect attempts never surface an error to a caller (they
// are logged at trace and simply re-armed).
func (c *WireClient) Connect(ctx context.Context, verify Verifier) error {
	return c.connect(ctx, verify, true)
}

func (c *WireClient) connect(ctx context.Context, verify Verifier, firstAttempt bool) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ferrors.New(ferrors.Config, "wireclient destroyed")
	}
	c.mu.Unlock()

	dialURL := c.cfg.URL
	if tok := c.cfg.Token.resolve(); tok != "" {
		u, err := url.Parse(dialURL)
		if err != nil {
			return ferrors.Wrap(ferrors.Config, "invalid wireclient url", err)
		}
		q := u.Query()
		q.Set("token", tok)
		u.RawQuery = q.Encode()
		dialURL = u.String()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		if firstAttempt {
			return ferrors.Wrap(ferrors.DialFail, "dial "+c.cfg.URL, err)
		}
		logger.Tagged("wireclient").Trace().Err(err).Str("url", c.cfg.URL).Msg("reconnect attempt failed")
		c.scheduleReconnect(verify)
		return nil
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if verify != nil {
		verifyCh := make(chan error, 1)
		go c.awaitVerify(conn, verify, verifyCh)
		select {
		case err := <-verifyCh:
			if err != nil {
				conn.Close()
				if firstAttempt {
					return err
				}
				c.scheduleReconnect(verify)
				return nil
			}
		case <-ctx.Done():
			conn.Close()
			err := ferrors.New(ferrors.HandshakeTimeout, "handshake did not complete in time")
			if firstAttempt {
				return err
			}
			c.scheduleReconnect(verify)
			return nil
		}
	}

	c.onOpen(conn)
	go c.readLoop(conn, verify)
	return nil
}

// awaitVerify reads frames directly off conn (bypassing the normal
// handler dispatch) until verify reports success/failure or the socket
// dies. Once verified, readLoop takes over for steady-state dispatch.
func (c *WireClient) awaitVerify(conn *websocket.Conn, verify Verifier, out chan<- error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			out <- ferrors.Wrap(ferrors.DialFail, "connection closed during handshake", err)
			return
		}
		fr, err := util.Decode(raw)
		if err != nil {
			continue
		}
		ok, verr := verify(fr)
		if verr != nil {
			out <- verr
			return
		}
		if ok {
			out <- nil
			return
		}
	}
}

func (c *WireClient) onOpen(conn *websocket.Conn) {
	c.mu.Lock()
	c.connected = true
	c.reconnects = 0
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, qs := range pending {
		_ = c.writeFrame(conn, qs.event, qs.data)
	}
	c.cfg.Observer.OnConnect()
}

func (c *WireClient) readLoop(conn *websocket.Conn, verify Verifier) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		fr, err := util.Decode(raw)
		if err != nil {
			logger.Tagged("wireclient").Debug().Err(err).Msg("malformed frame ignored")
			continue
		}

		c.handlersMu.Lock()
		h := c.handlers[fr.Event]
		c.handlersMu.Unlock()
		if h != nil {
			h(fr)
		}
		c.cfg.Observer.OnFrame(fr)
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	destroyed := c.destroyed
	c.mu.Unlock()

	if wasConnected {
		c.cfg.Observer.OnDisconnect()
	}
	if !destroyed {
		c.scheduleReconnect(verify)
	}
}

func (c *WireClient) scheduleReconnect(verify Verifier) {
	if c.cfg.ReconnectDelay <= 0 {
		return
	}
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.reconnects++
	attempt := c.reconnects
	c.mu.Unlock()

	if c.cfg.MaxReconnects > 0 && attempt > c.cfg.MaxReconnects {
		return
	}

	timer := time.AfterFunc(c.cfg.ReconnectDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.connect(ctx, verify, false)
	})
	c.mu.Lock()
	c.stopTimer = timer.Stop
	c.mu.Unlock()
}

// Send writes an encoded frame. When disconnected and Buffer is true, the
// send is enqueued for the next successful open; when Buffer is false,
// Send is a no-op and returns false.
func (c *WireClient) Send(event string, data any) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	if !connected {
		if c.cfg.Buffer {
			c.queue = append(c.queue, queuedSend{event: event, data: data})
		}
		c.mu.Unlock()
		return c.cfg.Buffer
	}
	c.mu.Unlock()

	return c.writeFrame(conn, event, data) == nil
}

func (c *WireClient) writeFrame(conn *websocket.Conn, event string, data any) error {
	frame, err := util.Encode(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Destroy is idempotent: stops reconnect timers and closes the socket.
func (c *WireClient) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	conn := c.conn
	stop := c.stopTimer
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.Close()
	}
	c.cfg.Observer.OnDestroy()
}

type nopConduit struct{}

func (nopConduit) OnConnect()         {}
func (nopConduit) OnDisconnect()      {}
func (nopConduit) OnFrame(util.Frame) {}
func (nopConduit) OnDestroy()         {}
