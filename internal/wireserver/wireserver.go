// Package wireserver implements WireServer, the inbound WebSocket
// acceptor + HTTP route multiplexer of spec.md §4.6. HTTP routing rides
// on gin-gonic/gin the way the teacher's cmd/main.go builds its router;
// the upgrade itself uses gorilla/websocket directly against the raw
// ResponseWriter/Request, ahead of gin, since gin has no native WS support.
package wireserver

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/quty-io/fabric/internal/ferrors"
	"github.com/quty-io/fabric/internal/logger"
	"github.com/quty-io/fabric/internal/util"
)

// Socket is one accepted, upgraded connection: a node peer or a
// publisher, depending on what the Authorizer stashed.
type Socket struct {
	Conn        *websocket.Conn
	RemoteAddr  string
	PeerId      string
	PublisherId string
	Data        map[string]any

	alive   atomic.Bool
	writeMu sync.Mutex
}

// IsClusterPeer reports whether the authorizer identified this socket as
// a ClusterPeer-typed connection.
func (s *Socket) IsClusterPeer() bool { return s.PeerId != "" }

// Send encodes and writes a frame to this socket.
func (s *Socket) Send(event string, data any) error {
	frame, err := util.Encode(event, data)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.Conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Socket) markAlive() { s.alive.Store(true) }

// Authorizer decides whether to accept an upgrade, and may stash
// attributes (peer id, publisher id, decoded token data) for the
// resulting Socket. Returning ok=false rejects without a reply.
type Authorizer func(r *http.Request) (peerId, publisherId string, data map[string]any, ok bool)

// Observer is the explicit sink interface replacing the source's
// string-keyed socket/server emitter (spec.md §9).
type Observer interface {
	OnListen()
	OnClient(s *Socket)
	OnDisconnect(s *Socket)
	OnFrame(fr util.Frame, s *Socket)
	OnFailed(r *http.Request)
}

// Config configures a WireServer.
type Config struct {
	Path              string // WS upgrade path, defaults to "/"
	Authorizer        Authorizer
	HeartbeatInterval time.Duration // HEARTBEAT_TIMER, defaults to 30s
	Observer          Observer
}

// WireServer multiplexes plain HTTP routes and a single WebSocket upgrade
// path behind one gin.Engine.
type WireServer struct {
	cfg      Config
	engine   *gin.Engine
	upgrader websocket.Upgrader

	handlersMu sync.Mutex
	handlers   map[string]func(data any, s *Socket)

	socketsMu sync.Mutex
	sockets   map[*Socket]struct{}
}

// New builds a WireServer. Call AddHandler to register HTTP routes, On to
// register per-event frame handlers, then serve the handler Engine returns.
func New(cfg Config) *WireServer {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(recoveryMiddleware())

	return &WireServer{
		cfg:      cfg,
		engine:   engine,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		handlers: make(map[string]func(data any, s *Socket)),
		sockets:  make(map[*Socket]struct{}),
	}
}

// recoveryMiddleware maps a panicking handler to a 500 plain-text
// response instead of crashing the process, per spec.md §7's "HTTP
// handler exception" kind.
func recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Tagged("wireserver").Error().Interface("panic", r).Msg("http handler panicked")
				c.String(http.StatusInternalServerError, "Internal Server Error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// AddHandler registers an exact-match method+path HTTP route.
func (s *WireServer) AddHandler(method, path string, fn gin.HandlerFunc) {
	s.engine.Handle(strings.ToUpper(method), path, fn)
}

// On registers a per-event-tag frame handler, invoked for every socket
// that decodes a frame with that event.
func (s *WireServer) On(event string, fn func(data any, sock *Socket)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[event] = fn
}

// Engine returns the server's HTTP handler, e.g. for http.Server wiring
// in cmd/fabricd: WebSocket upgrade requests on Path go to the upgrade
// handler, everything else to the gin routes (so a plain route may share
// Path with the upgrade endpoint).
func (s *WireServer) Engine() http.Handler {
	return s.registerUpgradeRoute()
}

func (s *WireServer) registerUpgradeRoute() http.Handler {
	s.engine.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not Found")
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.cfg.Path && websocket.IsWebSocketUpgrade(r) {
			s.handleUpgrade(w, r)
			return
		}
		s.engine.ServeHTTP(w, r)
	})
}

func (s *WireServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path || !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	var peerId, publisherId string
	var data map[string]any
	ok := true
	if s.cfg.Authorizer != nil {
		peerId, publisherId, data, ok = s.cfg.Authorizer(r)
	}
	if !ok {
		s.cfg.Observer.OnFailed(r)
		if hj, canHijack := w.(http.Hijacker); canHijack {
			if raw, _, err := hj.Hijack(); err == nil {
				raw.Close()
				return
			}
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Tagged("wireserver").Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sock := &Socket{
		Conn:        conn,
		RemoteAddr:  canonicalRemoteAddr(r.RemoteAddr),
		PeerId:      peerId,
		PublisherId: publisherId,
		Data:        data,
	}
	sock.markAlive()

	s.socketsMu.Lock()
	s.sockets[sock] = struct{}{}
	s.socketsMu.Unlock()

	s.cfg.Observer.OnClient(sock)

	if sock.PeerId != "" || sock.PublisherId != "" {
		go s.heartbeat(sock)
	}
	go s.readLoop(sock)
}

// canonicalRemoteAddr strips the port via net.SplitHostPort, then takes
// the last ":"-separated component of the remaining host — this second
// step is what strips an IPv6-mapped "::ffff:" prefix down to the plain
// IPv4 form, per spec.md §4.6. Genuine (non-mapped) IPv6 peers are out of
// scope, matching ResolveIPv4's IPv4-only discovery.
func canonicalRemoteAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[idx+1:]
	}
	return host
}

func (s *WireServer) readLoop(sock *Socket) {
	sock.Conn.SetPongHandler(func(string) error {
		sock.markAlive()
		return nil
	})

	defer func() {
		s.socketsMu.Lock()
		delete(s.sockets, sock)
		s.socketsMu.Unlock()
		sock.Conn.Close()
		s.cfg.Observer.OnDisconnect(sock)
	}()

	for {
		_, raw, err := sock.Conn.ReadMessage()
		if err != nil {
			return
		}
		sock.markAlive()

		fr, err := util.Decode(raw)
		if err != nil {
			logger.Tagged("wireserver").Debug().Err(err).Msg("malformed frame ignored")
			continue
		}

		s.handlersMu.Lock()
		h := s.handlers[fr.Event]
		s.handlersMu.Unlock()
		if h != nil {
			h(fr.Data, sock)
		}
		s.cfg.Observer.OnFrame(fr, sock)
	}
}

// heartbeat pings sock at HeartbeatInterval; if the socket hasn't been
// marked alive (inbound frame or pong) since the previous tick, it is
// terminated. Aliveness is checked and reset on each tick before the
// ping, so a ping must be answered within one interval, and a socket
// that goes silent is closed between one and two intervals after its
// last frame or pong; there is no separate 1.5x deadline.
func (s *WireServer) heartbeat(sock *Socket) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !sock.alive.Swap(false) {
			sock.Conn.Close()
			return
		}
		sock.writeMu.Lock()
		sock.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := sock.Conn.WriteMessage(websocket.PingMessage, nil)
		sock.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// Listen marks the server ready to accept connections and fires
// Observer.OnListen. The actual net.Listener/http.Server lifecycle is
// owned by cmd/fabricd, matching spec.md's treatment of the HTTP surface
// as an external collaborator of Cluster.
func (s *WireServer) Listen() {
	s.cfg.Observer.OnListen()
}

// AuthFailed constructs an AuthFail FabricError, a small helper for
// Authorizer implementations.
func AuthFailed(msg string) error {
	return ferrors.New(ferrors.AuthFail, msg)
}

type nopObserver struct{}

func (nopObserver) OnListen()                        {}
func (nopObserver) OnClient(*Socket)                 {}
func (nopObserver) OnDisconnect(*Socket)              {}
func (nopObserver) OnFrame(util.Frame, *Socket)       {}
func (nopObserver) OnFailed(*http.Request)            {}
