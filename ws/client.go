package ws

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/config"
	"github.com/luciancaetano/peermux/internal/eventloop"
	"github.com/luciancaetano/peermux/internal/protocol"
	"github.com/luciancaetano/peermux/internal/vsocket"
	"github.com/luciancaetano/peermux/internal/websocket"
)

// Root is the socket returned by Connect. Sends are broadcast to the whole service.
type Root = vsocket.Root

// Peer is one remote member of the service, seen through the root's connection.
type Peer = vsocket.Peer

// DefaultOpenDelay is how long a new peer stays CONNECTING.
const DefaultOpenDelay = vsocket.DefaultOpenDelay

// ClientConfig describes the relay connection behind a root socket.
type ClientConfig struct {
	// Endpoint is the relay base URL, ws:// or wss://
	Endpoint string
	// Service is the named service to join
	Service string
	// ID is the local peer id; empty picks a random integer id
	ID peermux.PeerID
	// OpenDelay overrides DefaultOpenDelay when positive
	OpenDelay time.Duration
	// HandshakeTimeout bounds the opening handshake
	HandshakeTimeout time.Duration
	// RateLimitConfig limits inbound frames; nil disables the limit
	RateLimitConfig *RateLimitConfig
	Header          http.Header
	Logger          *zap.Logger
}

// ClientConfigFrom maps the file configuration of the client tools onto a ClientConfig.
func ClientConfigFrom(c config.ClientConfig, log *zap.Logger) ClientConfig {
	return ClientConfig{
		Endpoint:         c.Endpoint,
		Service:          c.Service,
		ID:               peermux.PeerID(c.PeerID),
		OpenDelay:        c.OpenDelay(),
		HandshakeTimeout: c.HandshakeTimeout(),
		Logger:           log,
	}
}

// Connect validates cfg, starts dialing the relay in the background and returns the
// root socket immediately. Sends issued before the connection opens are queued.
//
// ctx bounds the dial only. A failed dial is reported as an error event followed by a
// close event on the root. The root's event loop stops once the root has closed.
func Connect(ctx context.Context, cfg ClientConfig) (*Root, error) {
	id := cfg.ID
	if id == "" {
		id = protocol.NewLocalID()
	}
	url, err := protocol.EndpointURL(cfg.Endpoint, cfg.Service, id)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("service", cfg.Service), zap.String("peer", string(id)))

	transport := websocket.NewTransport(websocket.TransportConfig{
		URL:              url,
		Header:           cfg.Header,
		HandshakeTimeout: cfg.HandshakeTimeout,
		RateLimitConfig:  cfg.RateLimitConfig,
		Logger:           log,
	})

	loop := eventloop.New(eventloop.WithLogger(log))
	loopCtx, stop := context.WithCancel(context.Background())

	opts := []vsocket.Option{vsocket.WithID(id), vsocket.WithLogger(log)}
	if cfg.OpenDelay > 0 {
		opts = append(opts, vsocket.WithOpenDelay(cfg.OpenDelay))
	}
	root := vsocket.NewRoot(transport, loop, opts...)
	root.On(peermux.EventClose, func(peermux.Event) { stop() })

	go func() { _ = loop.Run(loopCtx) }()
	go func() {
		// failures reach the root through its transport listener
		_ = transport.Connect(ctx)
	}()
	return root, nil
}
