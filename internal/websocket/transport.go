package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/protocol"
)

// DefaultHandshakeTimeout bounds the opening handshake when dialing a relay.
const DefaultHandshakeTimeout = 5 * time.Second

var errSendBufferFull = errors.New("send buffer full")

// TransportConfig configures the dialing side of a relay connection.
type TransportConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	// RateLimitConfig limits inbound frames; exceeding it closes the connection with 1008.
	RateLimitConfig *RateLimitConfig
	Logger          *zap.Logger
}

// Transport is a gorilla/websocket client connection implementing peermux.Transport.
//
// Notifications are delivered to the listener from the transport's own goroutines.
type Transport struct {
	cfg     TransportConfig
	log     *zap.Logger
	state   peermux.StateBox
	limiter *rate.Limiter

	lmu      sync.RWMutex
	listener peermux.TransportListener

	mu          sync.Mutex
	conn        *websocket.Conn
	sendCh      chan []byte
	localCode   int
	localReason string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewTransport creates a CONNECTING transport. Nothing is dialed until Connect.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RateLimitConfig != nil && cfg.RateLimitConfig.Enabled {
		limiter = rate.NewLimiter(cfg.RateLimitConfig.MessagesPerSecond, cfg.RateLimitConfig.Burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:      cfg,
		log:      cfg.Logger.Named("transport").With(zap.String("url", cfg.URL)),
		limiter:  limiter,
		listener: nopListener{},
		sendCh:   make(chan []byte, sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ReadyState implements peermux.Transport.
func (t *Transport) ReadyState() peermux.ReadyState {
	return t.state.Load()
}

// SetListener implements peermux.Transport.
func (t *Transport) SetListener(l peermux.TransportListener) {
	if l == nil {
		l = nopListener{}
	}
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.listener = l
}

func (t *Transport) notify() peermux.TransportListener {
	t.lmu.RLock()
	defer t.lmu.RUnlock()
	return t.listener
}

// Connect dials the relay and starts the read and write pumps. A failed dial closes
// the transport and is reported to the listener as an error followed by a close.
func (t *Transport) Connect(ctx context.Context) error {
	if t.state.Load() != peermux.Connecting {
		return fmt.Errorf("%w: transport already used", peermux.ErrInvalidState)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		err = fmt.Errorf("dial %s: %w", t.cfg.URL, err)
		t.log.Warn("dial failed", zap.Error(err))
		t.notify().OnTransportError(err)
		t.finish(websocket.CloseAbnormalClosure, err.Error())
		return err
	}
	conn.SetReadLimit(protocol.MaxEnvelopeSize)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if !t.state.Advance(peermux.Open, peermux.Connecting) {
		// closed while dialing
		conn.Close()
		return fmt.Errorf("%w: %s", peermux.ErrInvalidState, peermux.ErrMsgAlreadyClosed)
	}
	t.log.Debug("connected")

	go t.writePump(conn)
	// open is reported before any inbound frame
	t.notify().OnTransportOpen()
	go t.readPump(conn)
	return nil
}

// Send implements peermux.Transport. It never blocks; a full buffer is an error.
func (t *Transport) Send(data string) error {
	if t.state.Load() != peermux.Open {
		return fmt.Errorf("%w: %s", peermux.ErrNotOpen, peermux.ErrMsgSendNotOpen)
	}
	select {
	case t.sendCh <- []byte(data):
		return nil
	case <-t.ctx.Done():
		return fmt.Errorf("%w: %s", peermux.ErrNotOpen, peermux.ErrMsgConnectionClose)
	default:
		return errSendBufferFull
	}
}

// Close implements peermux.Transport. It sends a close frame and waits for the relay
// to answer before tearing the connection down, at most WriteWait.
func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.localCode == 0 {
		t.localCode, t.localReason = code, reason
	}
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		// never connected
		t.finish(code, reason)
		return nil
	}
	if !t.state.Advance(peermux.Closing, peermux.Open) {
		return nil
	}

	deadline := time.Now().Add(t.cfg.WriteWait)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		conn.Close()
		return nil
	}
	time.AfterFunc(t.cfg.WriteWait, func() { conn.Close() })
	return nil
}

func (t *Transport) readPump(conn *websocket.Conn) {
	code, reason := websocket.CloseAbnormalClosure, ""
	defer func() {
		t.finish(code, reason)
	}()

	conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				code, reason = ce.Code, ce.Text
			case t.state.Load() == peermux.Closing:
				// our close timed out waiting for the reply
			default:
				t.log.Warn("read failed", zap.Error(err))
				t.notify().OnTransportError(err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))

		if t.state.Load() != peermux.Open {
			continue
		}
		if t.limiter != nil && !t.limiter.Allow() {
			t.log.Warn("inbound rate limit exceeded, closing")
			t.Close(websocket.ClosePolicyViolation, peermux.ReasonRateLimited)
			continue
		}
		t.notify().OnTransportMessage(string(data))
	}
}

func (t *Transport) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriodFor(t.cfg.PongWait))
	defer ticker.Stop()

	for {
		select {
		case message := <-t.sendCh:
			conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				t.log.Warn("write failed", zap.Error(err))
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-t.ctx.Done():
			return
		}
	}
}

// finish moves to CLOSED and reports the close exactly once. A locally requested
// code and reason take precedence over whatever the relay answered.
func (t *Transport) finish(code int, reason string) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if t.localCode != 0 {
			code, reason = t.localCode, t.localReason
		}
		conn := t.conn
		t.mu.Unlock()

		t.cancel()
		t.state.Advance(peermux.Closed, peermux.Connecting, peermux.Open, peermux.Closing)
		if conn != nil {
			conn.Close()
		}
		t.log.Debug("closed", zap.Int("code", code), zap.String("reason", reason))
		t.notify().OnTransportClose(code, reason)
	})
}

type nopListener struct{}

func (nopListener) OnTransportOpen()             {}
func (nopListener) OnTransportMessage(string)    {}
func (nopListener) OnTransportError(error)       {}
func (nopListener) OnTransportClose(int, string) {}
