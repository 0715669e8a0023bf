package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/protocol"
)

const (
	// DefaultWriteWait bounds every frame write.
	DefaultWriteWait = 10 * time.Second

	// DefaultPongWait is how long a silent connection is kept before it is dropped.
	DefaultPongWait = 60 * time.Second
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// OnJoinFn is called after a member has joined its service and the other members
// have been told about it. It runs on the connection's goroutine before any envelope
// from the member is read, so keep it short.
type OnJoinFn = func(client *Client)

// OnLeaveFn is called once a member has left and the remaining members have been
// told. voluntary is true when the member closed the connection normally.
type OnLeaveFn = func(client *Client, voluntary bool)

// ServerConfig configures a relay server.
type ServerConfig struct {
	Addr            string
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	OnJoin          OnJoinFn
	OnLeave         OnLeaveFn
	WriteWait       time.Duration
	PongWait        time.Duration
	Logger          *zap.Logger
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many envelopes a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// service is the membership of one named service, in join order.
type service struct {
	byID  map[peermux.PeerID]*Client
	order []*Client
}

// Server relays envelopes between the members of named services.
//
// A member joins by opening a WebSocket on /network/<service>/<peer id>. Every other
// member of the service is announced to it with a connect envelope, and it is
// announced to them. Messages are routed by target id with the source rewritten to
// the sender; broadcasts go to every other member.
type Server struct {
	cfg      ServerConfig
	server   *http.Server
	listener net.Listener
	router   *mux.Router
	log      *zap.Logger
	metrics  *relayMetrics

	smu      sync.RWMutex
	services map[string]*service

	mu       sync.RWMutex
	running  bool
	upgrader websocket.Upgrader
}

// New creates a relay server. Zero durations and a nil rate limit config take defaults.
func New(cfg *ServerConfig) *Server {
	c := *cfg
	if c.RateLimitConfig == nil {
		c.RateLimitConfig = DefaultRateLimitConfig()
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:      c,
		log:      c.Logger.Named("relay"),
		metrics:  newRelayMetrics(),
		services: make(map[string]*service),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     c.CheckOrigin,
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/network/{service:"+protocol.ServiceNamePattern+"}/{peer:"+protocol.PeerIDPattern+"}", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/network/{service:"+protocol.ServiceNamePattern+"}", s.handleWebSocket).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleStatus).Methods(http.MethodGet)
	s.router = r

	return s
}

// Handler returns the relay's HTTP routes, for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the address the server listens on, or the configured address before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Start starts listening and serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(peermux.ErrMsgServerRunning)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.running = true
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("relay listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay stopped serving", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes every member connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	var err error
	for _, client := range s.allClients() {
		err = multierr.Append(err, client.CloseWithCode(ctx, websocket.CloseGoingAway, "relay shutting down"))
	}
	if srv != nil {
		err = multierr.Append(err, srv.Shutdown(ctx))
	}
	return err
}

// Members returns the peer ids joined to a service, in join order.
func (s *Server) Members(name string) []peermux.PeerID {
	s.smu.RLock()
	defer s.smu.RUnlock()

	svc, ok := s.services[name]
	if !ok {
		return nil
	}
	out := make([]peermux.PeerID, 0, len(svc.order))
	for _, c := range svc.order {
		out = append(out, c.id)
	}
	return out
}

// GetClient returns a member by service and id.
func (s *Server) GetClient(name string, id peermux.PeerID) (*Client, bool) {
	s.smu.RLock()
	defer s.smu.RUnlock()

	svc, ok := s.services[name]
	if !ok {
		return nil, false
	}
	c, ok := svc.byID[id]
	return c, ok
}

func (s *Server) allClients() []*Client {
	s.smu.RLock()
	defer s.smu.RUnlock()

	var out []*Client
	for _, svc := range s.services {
		out = append(out, svc.order...)
	}
	return out
}

// others returns every member of c's service except c.
func (s *Server) others(c *Client) []*Client {
	s.smu.RLock()
	defer s.smu.RUnlock()

	svc, ok := s.services[c.service]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(svc.order))
	for _, m := range svc.order {
		if m != c {
			out = append(out, m)
		}
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.smu.RLock()
	services, members := len(s.services), 0
	for _, svc := range s.services {
		members += len(svc.order)
	}
	s.smu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "peermux relay: %d services, %d members\n", services, members)
}

// handleWebSocket admits one member.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["service"]
	id := peermux.PeerID(vars["peer"])
	if id == "" {
		id = peermux.PeerID(uuid.NewString())
	}

	if err := protocol.ValidateServiceName(name); err != nil {
		s.metrics.joins.WithLabelValues("invalid").Inc()
		http.NotFound(w, r)
		return
	}
	if err := protocol.ValidatePeerID(id); err != nil {
		s.metrics.joins.WithLabelValues("invalid").Inc()
		http.NotFound(w, r)
		return
	}
	if _, taken := s.GetClient(name, id); taken {
		s.metrics.joins.WithLabelValues("conflict").Inc()
		http.Error(w, peermux.ErrMsgPeerIDInUse, http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.log.Debug("upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}
	conn.SetReadLimit(protocol.MaxEnvelopeSize)

	client := NewClient(conn, name, id, r.RemoteAddr, &s.cfg)
	if !s.join(client) {
		s.metrics.joins.WithLabelValues("conflict").Inc()
		client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, peermux.ErrMsgPeerIDInUse)
		return
	}
	s.metrics.joins.WithLabelValues("accepted").Inc()

	go s.handleClient(client)
}

// join registers c and exchanges connect envelopes with the members already present.
func (s *Server) join(c *Client) bool {
	s.smu.Lock()
	svc, ok := s.services[c.service]
	if !ok {
		svc = &service{byID: make(map[peermux.PeerID]*Client)}
		s.services[c.service] = svc
	}
	if _, taken := svc.byID[c.id]; taken {
		s.smu.Unlock()
		return false
	}
	existing := append([]*Client(nil), svc.order...)
	svc.byID[c.id] = c
	svc.order = append(svc.order, c)
	s.smu.Unlock()

	s.metrics.members.WithLabelValues(c.service).Inc()
	s.log.Info("member joined",
		zap.String("service", c.service),
		zap.String("peer", string(c.id)),
		zap.String("conn_id", c.connID),
		zap.String("remote_addr", c.remoteAddr))

	for _, m := range existing {
		s.deliver(c, protocol.NewConnect(m.id))
		s.deliver(m, protocol.NewConnect(c.id))
	}
	return true
}

// leave unregisters c and tells the remaining members. It is a no-op when c is not
// the registered member for its id.
func (s *Server) leave(c *Client) bool {
	s.smu.Lock()
	svc, ok := s.services[c.service]
	if !ok || svc.byID[c.id] != c {
		s.smu.Unlock()
		return false
	}
	delete(svc.byID, c.id)
	for i, m := range svc.order {
		if m == c {
			svc.order = append(svc.order[:i:i], svc.order[i+1:]...)
			break
		}
	}
	if len(svc.order) == 0 {
		delete(s.services, c.service)
	}
	remaining := append([]*Client(nil), svc.order...)
	s.smu.Unlock()

	s.metrics.members.WithLabelValues(c.service).Dec()
	s.log.Info("member left",
		zap.String("service", c.service),
		zap.String("peer", string(c.id)),
		zap.String("conn_id", c.connID))

	for _, m := range remaining {
		s.deliver(m, protocol.NewDisconnect(c.id))
	}
	return true
}

// handleClient reads envelopes from one member until its connection ends.
func (s *Server) handleClient(client *Client) {
	voluntary := false
	defer func() {
		if s.leave(client) && s.cfg.OnLeave != nil {
			s.cfg.OnLeave(client, voluntary)
		}
		client.Close(context.Background())
	}()

	client.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	if s.cfg.OnJoin != nil {
		s.cfg.OnJoin(client)
	}

	for {
		select {
		case <-client.Context().Done():
			return
		default:
			_, data, err := client.conn.ReadMessage()
			if err != nil {
				voluntary = websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.Warn("unexpected websocket close", zap.Error(err), zap.String("peer", string(client.id)))
				}
				return
			}

			client.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

			if !client.CheckRateLimit() {
				s.metrics.dropped.WithLabelValues(dropRateLimited).Inc()
				s.log.Warn("rate limit exceeded",
					zap.String("peer", string(client.id)),
					zap.String("remote_addr", client.RemoteAddr()))
				client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, peermux.ReasonRateLimited)
				return
			}

			s.route(client, data)
		}
	}
}

// route forwards one inbound envelope. Nothing here closes the sender: bad envelopes
// are counted and skipped.
func (s *Server) route(from *Client, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.metrics.dropped.WithLabelValues(dropMalformed).Inc()
		s.log.Warn("dropping malformed envelope", zap.Error(err), zap.String("peer", string(from.id)))
		return
	}

	switch env.Action {
	case peermux.ActionMessage:
		target, ok := s.GetClient(from.service, peermux.PeerID(env.Target))
		if !ok || target == from {
			s.metrics.dropped.WithLabelValues(dropUnknownPeer).Inc()
			s.log.Debug("message for unknown peer",
				zap.String("peer", string(from.id)),
				zap.String("target", string(env.Target)))
			return
		}
		s.deliver(target, protocol.Forward(env, from.id))

	case peermux.ActionBroadcast:
		out := protocol.Forward(env, from.id)
		for _, m := range s.others(from) {
			s.deliver(m, out)
		}

	default:
		s.metrics.dropped.WithLabelValues(dropUnsupported).Inc()
		s.log.Debug("ignoring envelope", zap.String("action", env.Action), zap.String("peer", string(from.id)))
	}
}

func (s *Server) deliver(to *Client, e *protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteWait)
	defer cancel()

	if err := to.Send(ctx, e); err != nil {
		s.metrics.dropped.WithLabelValues(dropSendFailed).Inc()
		s.log.Debug("failed to deliver envelope",
			zap.String("action", e.Action),
			zap.String("peer", string(to.id)),
			zap.Error(err))
		return
	}
	s.metrics.relayed.WithLabelValues(e.Action).Inc()
}
