package ws

import (
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/peermux/internal/config"
	"github.com/luciancaetano/peermux/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnJoinFn = websocket.OnJoinFn
type OnLeaveFn = websocket.OnLeaveFn
type RelayConfig = *websocket.ServerConfig

// Relay is the server that owns the physical connections of every service.
type Relay = websocket.Server

// Member is one physical connection held by a Relay.
type Member = websocket.Client

// NewRelay creates a relay server. Nothing listens until Start.
//
// Example:
//
//	relay := ws.NewRelay(ws.NewConfig(":9009", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil))
//	if err := relay.Start(ctx); err != nil {
//	    return err
//	}
//	defer relay.Stop(context.Background())
func NewRelay(cfg RelayConfig) *Relay {
	return websocket.New(cfg)
}

// NewConfig builds a RelayConfig.
//
// Parameters:
//   - addr: The listen address (e.g., ":9009" or "localhost:9009")
//   - rateLimitConfig: Per-member inbound limit. Use DefaultRateLimitConfig() or NoRateLimit()
//   - checkOrigin: Function to validate WebSocket origins. Use AllOrigins() to allow all (dev only)
//   - onJoin: Optional callback run after a member joined its service. Can be nil.
//   - onLeave: Optional callback run after a member left; voluntary is false for errors. Can be nil.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onJoin OnJoinFn, onLeave OnLeaveFn) RelayConfig {
	return &websocket.ServerConfig{
		Addr:            addr,
		RateLimitConfig: rateLimitConfig,
		CheckOrigin:     checkOrigin,
		OnJoin:          onJoin,
		OnLeave:         onLeave,
	}
}

// RelayConfigFrom maps the file configuration of the relay daemon onto a RelayConfig.
func RelayConfigFrom(c config.RelayConfig, log *zap.Logger) RelayConfig {
	rl := NoRateLimit()
	if c.RateLimit.Enabled {
		rl = &RateLimitConfig{
			MessagesPerSecond: rate.Limit(c.RateLimit.MessagesPerSecond),
			Burst:             c.RateLimit.Burst,
			Enabled:           true,
		}
	}

	var origin CheckOriginFn
	if c.AllowAllOrigins {
		origin = AllOrigins()
	}

	return &websocket.ServerConfig{
		Addr:            c.Addr,
		RateLimitConfig: rl,
		CheckOrigin:     origin,
		WriteWait:       c.WriteWait(),
		PongWait:        c.PongWait(),
		Logger:          log,
	}
}

// AllOrigins returns a checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// DefaultWriteWait and DefaultPongWait are the relay and transport timing defaults.
const (
	DefaultWriteWait = websocket.DefaultWriteWait
	DefaultPongWait  = websocket.DefaultPongWait
)
