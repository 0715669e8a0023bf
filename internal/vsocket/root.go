// Package vsocket implements virtual peer sockets over a single shared transport.
//
// A Root wraps the transport and demultiplexes control envelopes into Peer sockets.
// All state changes and event dispatch run on an eventloop.Loop; transport goroutines
// only post work onto it.
package vsocket

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/eventloop"
	"github.com/luciancaetano/peermux/internal/protocol"
)

// DefaultOpenDelay is how long a new peer stays CONNECTING after its connect envelope.
const DefaultOpenDelay = 200 * time.Millisecond

// Root is the socket handed to callers. Sends are broadcast to every member of the
// service, and the members themselves are exposed as Peer sockets.
type Root struct {
	emitter

	id        peermux.PeerID
	transport peermux.Transport
	loop      *eventloop.Loop
	log       *zap.Logger
	openDelay time.Duration
	registry  *Registry

	mu      sync.Mutex
	queue   []string
	flushed bool

	// wmu serializes transport writes so direct sends cannot overtake a flush.
	wmu sync.Mutex
}

// Option configures a Root.
type Option func(*Root)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(r *Root) {
		r.log = log
	}
}

// WithOpenDelay sets how long new peers stay CONNECTING.
func WithOpenDelay(d time.Duration) Option {
	return func(r *Root) {
		r.openDelay = d
	}
}

// WithID sets the local peer id. The default is a random 53-bit integer.
func WithID(id peermux.PeerID) Option {
	return func(r *Root) {
		r.id = id
	}
}

// NewRoot wraps t and installs itself as t's listener. t must not be connected yet.
func NewRoot(t peermux.Transport, loop *eventloop.Loop, opts ...Option) *Root {
	r := &Root{
		transport: t,
		loop:      loop,
		log:       zap.NewNop(),
		openDelay: DefaultOpenDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.id == "" {
		r.id = protocol.NewLocalID()
	}
	r.log = r.log.With(zap.String("root", string(r.id)))
	r.emitter.init(r.log)
	r.registry = newRegistry(r)

	t.SetListener(r)
	return r
}

// ID returns the local peer id.
func (r *Root) ID() peermux.PeerID {
	return r.id
}

// ReadyState mirrors the transport.
func (r *Root) ReadyState() peermux.ReadyState {
	return r.transport.ReadyState()
}

// Peers returns the live peer sockets in the order they connected.
func (r *Root) Peers() []*Peer {
	return r.registry.List()
}

// Peer returns the live peer with the given id.
func (r *Root) Peer(id peermux.PeerID) (*Peer, bool) {
	return r.registry.Lookup(id)
}

// Queued returns the number of sends waiting for the transport to open.
func (r *Root) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Send broadcasts data to every other member of the service.
//
// Sends issued before the transport first opens are queued and flushed in order when
// it does. Later sends go straight to the transport and fail with ErrInvalidState
// once it is no longer open.
func (r *Root) Send(data string) error {
	raw, err := protocol.EncodeString(protocol.NewBroadcast(data))
	if err != nil {
		return err
	}
	return r.write(raw)
}

// Close closes the transport with a normal closure.
func (r *Root) Close() error {
	return r.CloseWithCode(peermux.CloseNormal, "")
}

// CloseWithCode closes the transport. Peer sockets are closed when the transport
// reports the close.
func (r *Root) CloseWithCode(code int, reason string) error {
	if s := r.transport.ReadyState(); s == peermux.Closing || s == peermux.Closed {
		return fmt.Errorf("%w: %s", peermux.ErrInvalidState, peermux.ErrMsgAlreadyClosed)
	}
	return r.transport.Close(code, reason)
}

// AddEventListener appends l to the listeners of t.
func (r *Root) AddEventListener(t peermux.EventType, l *peermux.Listener) {
	r.add(t, l)
}

// RemoveEventListener removes the first registration of l for t.
func (r *Root) RemoveEventListener(t peermux.EventType, l *peermux.Listener) {
	r.remove(t, l)
}

// ListenerCount returns how many listeners are registered for t, excluding the handler slot.
func (r *Root) ListenerCount(t peermux.EventType) int {
	return r.count(t)
}

// SetEventHandler sets the handler slot for t.
func (r *Root) SetEventHandler(t peermux.EventType, fn func(peermux.Event)) {
	r.setSlot(t, fn)
}

// On registers fn for t and returns the listener token for later removal.
func (r *Root) On(t peermux.EventType, fn func(peermux.Event)) *peermux.Listener {
	l := peermux.NewListener(fn)
	r.add(t, l)
	return l
}

// OnTransportOpen implements peermux.TransportListener.
func (r *Root) OnTransportOpen() {
	r.loop.Post(func() {
		r.flush()
		r.dispatch(peermux.Event{Type: peermux.EventOpen, Target: r})
	})
}

// OnTransportMessage implements peermux.TransportListener.
func (r *Root) OnTransportMessage(data string) {
	r.loop.Post(func() { r.registry.route(data) })
}

// OnTransportError implements peermux.TransportListener.
func (r *Root) OnTransportError(err error) {
	r.emit(peermux.Event{Type: peermux.EventError, Err: err})
}

// OnTransportClose implements peermux.TransportListener.
func (r *Root) OnTransportClose(code int, reason string) {
	r.loop.Post(func() {
		r.mu.Lock()
		if dropped := len(r.queue); !r.flushed && dropped > 0 {
			r.log.Warn("transport closed before opening, dropping queued sends", zap.Int("count", dropped))
		}
		r.queue = nil
		r.flushed = true
		r.mu.Unlock()

		for _, p := range r.registry.List() {
			p.closeSequence(peermux.CloseGoingAway, peermux.ReasonTransport)
		}
		// step in lockstep with the close sequences so the root closes last
		r.loop.Post(func() {
			r.loop.Post(func() {
				r.emit(peermux.Event{Type: peermux.EventClose, Code: code, Reason: reason})
			})
		})
	})
}

func (r *Root) emit(ev peermux.Event) {
	ev.Target = r
	r.loop.Post(func() { r.dispatch(ev) })
}

func (r *Root) write(raw string) error {
	r.mu.Lock()
	if !r.flushed {
		r.queue = append(r.queue, raw)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.transport.ReadyState() != peermux.Open {
		return fmt.Errorf("%w: %s", peermux.ErrInvalidState, peermux.ErrMsgSendNotOpen)
	}
	return r.transport.Send(raw)
}

// flush writes the queued sends once, in order, and retires the queue.
func (r *Root) flush() {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	if r.flushed {
		r.mu.Unlock()
		return
	}
	queue := r.queue
	r.queue = nil
	r.flushed = true
	r.mu.Unlock()

	for _, raw := range queue {
		if err := r.transport.Send(raw); err != nil {
			r.log.Warn("failed to flush queued send", zap.Error(err))
		}
	}
}
