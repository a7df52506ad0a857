package emitter

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/jack-at-someai/core/internal/bus"
	"github.com/jack-at-someai/core/internal/control"
	"github.com/jack-at-someai/core/internal/metrics"
)

// TypeStateSync is sent to every client right after it connects
const TypeStateSync = "STATE_SYNC"

// CommandHandler executes raw JSON commands received from clients
type CommandHandler interface {
	HandleJSON(data []byte) control.Response
}

// WSConfig contains WebSocket server settings
type WSConfig struct {
	ClientBuffer   int           // per-client queue (default: 256)
	CommandRate    float64       // commands per second per client (default: 5)
	CommandBurst   int           // default: 10
	AllowedOrigins []string      // Origin hosts accepted; empty accepts any
	WriteTimeout   time.Duration // default: 5s
}

func (c *WSConfig) applyDefaults() {
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = 256
	}
	if c.CommandRate <= 0 {
		c.CommandRate = 5
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// WebSocketServer streams every bus message to connected clients and
// accepts control commands from them. Each client has its own bus
// subscription, so a stalled browser only loses its own messages.
type WebSocketServer struct {
	cfg      WSConfig
	bus      *bus.Bus
	commands CommandHandler
	state    func() map[string]interface{}

	nextID  uint64
	mu      sync.Mutex
	clients map[string]*wsPeer
}

// NewWebSocketServer creates a server. state builds the STATE_SYNC payload.
func NewWebSocketServer(cfg WSConfig, b *bus.Bus, commands CommandHandler, state func() map[string]interface{}) *WebSocketServer {
	cfg.applyDefaults()
	return &WebSocketServer{
		cfg:      cfg,
		bus:      b,
		commands: commands,
		state:    state,
		clients:  make(map[string]*wsPeer),
	}
}

// Handler returns the HTTP handler performing the upgrade
func (s *WebSocketServer) Handler() http.Handler {
	return websocket.Server{
		Handshake: s.handshake,
		Handler:   s.serve,
	}
}

// Clients returns the number of connected clients
func (s *WebSocketServer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	peers := make([]*wsPeer, 0, len(s.clients))
	for _, p := range s.clients {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

// handshake requires an Origin header and, when configured, an allowed host
func (s *WebSocketServer) handshake(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	if origin == nil {
		return fmt.Errorf("null origin")
	}
	cfg.Origin = origin

	if len(s.cfg.AllowedOrigins) == 0 {
		return nil
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin.Host == allowed || origin.String() == allowed {
			return nil
		}
	}
	slog.Warn("emitter: websocket origin rejected", "origin", origin.String(), "remote", r.RemoteAddr)
	return fmt.Errorf("origin %q not allowed", origin.String())
}

func (s *WebSocketServer) serve(conn *websocket.Conn) {
	id := fmt.Sprintf("ws-%d", atomic.AddUint64(&s.nextID, 1))
	peer := &wsPeer{conn: conn, writeTimeout: s.cfg.WriteTimeout}
	defer peer.close()

	ch := make(chan bus.Message, s.cfg.ClientBuffer)
	if err := s.bus.Subscribe(id, ch); err != nil {
		slog.Warn("emitter: websocket subscribe failed", "client", id, "error", err)
		return
	}
	defer s.bus.Unsubscribe(id)

	s.mu.Lock()
	s.clients[id] = peer
	s.mu.Unlock()
	metrics.WebSocketClients.Inc()
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		metrics.WebSocketClients.Dec()
	}()

	remote := ""
	if r := conn.Request(); r != nil {
		remote = r.RemoteAddr
	}
	slog.Info("emitter: websocket client connected", "client", id, "remote", remote)

	// STATE_SYNC goes out before any queued message
	var state map[string]interface{}
	if s.state != nil {
		state = s.state()
	}
	if err := peer.writeEnvelope(EventEnvelope(TypeStateSync, state)); err != nil {
		slog.Warn("emitter: websocket state sync failed", "client", id, "error", err)
		return
	}

	done := make(chan struct{})
	defer close(done)
	go s.writeLoop(id, peer, ch, done)

	s.readLoop(id, peer)
	slog.Info("emitter: websocket client disconnected", "client", id)
}

// writeLoop drains the client's queue. A failed write closes the
// connection, which ends readLoop.
func (s *WebSocketServer) writeLoop(id string, peer *wsPeer, ch <-chan bus.Message, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-ch:
			if err := peer.writeEnvelope(NewEnvelope(msg)); err != nil {
				slog.Debug("emitter: websocket write failed", "client", id, "error", err)
				peer.close()
				return
			}
		}
	}
}

func (s *WebSocketServer) readLoop(id string, peer *wsPeer) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.CommandRate), s.cfg.CommandBurst)

	for {
		var data []byte
		if err := websocket.Message.Receive(peer.conn, &data); err != nil {
			return
		}

		if !limiter.Allow() {
			slog.Warn("emitter: websocket command rate limited", "client", id)
			_ = peer.writeJSON(control.Response{
				Type:       control.TypeAck,
				CommandAck: "unknown",
				Status:     control.StatusError,
				Error:      "rate limit exceeded",
				Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			})
			continue
		}

		if s.commands == nil {
			continue
		}
		if err := peer.writeJSON(s.commands.HandleJSON(data)); err != nil {
			return
		}
	}
}

// wsPeer serialises writes to one connection
type wsPeer struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (p *wsPeer) writeEnvelope(env Envelope) error {
	return p.writeJSON(env)
}

func (p *wsPeer) writeJSON(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return websocket.JSON.Send(p.conn, v)
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
	})
}
