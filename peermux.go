package peermux

import "sync"

// PeerID identifies one virtual peer within a root socket.
//
// Ids are opaque. The relay assigns them to remote peers and announces them in
// connect envelopes; a root socket generates its own id when it dials.
type PeerID string

// ReadyState is the lifecycle stage of a virtual or physical socket.
//
// States only ever move forward: Connecting, Open, Closing, Closed.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventType names a synthetic socket event.
type EventType string

const (
	EventOpen       EventType = "open"
	EventClosing    EventType = "closing"
	EventClose      EventType = "close"
	EventMessage    EventType = "message"
	EventError      EventType = "error"
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
)

// Event is delivered to listeners registered on a Socket.
//
// Which fields are set depends on Type:
//   - message: Data (always a string, non-string payloads are re-serialized as JSON) and Source
//   - close: Code and Reason
//   - connect, disconnect: Peer, the virtual peer socket that joined or left
//   - error: Err
type Event struct {
	Type   EventType
	Target Socket
	Peer   Socket
	Source PeerID
	Data   string
	Code   int
	Reason string
	Err    error
}

// Listener is a registered event callback.
//
// Listeners are compared by pointer identity, so the same *Listener may be
// registered several times and RemoveEventListener drops one registration at a time.
type Listener struct {
	fn func(Event)
}

// NewListener wraps fn in a Listener token.
func NewListener(fn func(Event)) *Listener {
	return &Listener{fn: fn}
}

// Handle invokes the listener.
func (l *Listener) Handle(e Event) {
	if l != nil && l.fn != nil {
		l.fn(e)
	}
}

// Socket is the contract shared by root and peer virtual sockets.
//
// All event delivery is asynchronous: nothing registered through this interface is
// ever called from inside Send, Close or the registration methods themselves.
type Socket interface {
	// ID returns the socket's peer id.
	ID() PeerID

	// ReadyState returns the current lifecycle stage.
	ReadyState() ReadyState

	// Send queues data for delivery.
	//
	// Peer sockets fail with ErrInvalidState unless Open. Root sockets queue sends
	// issued before the underlying transport first opens.
	Send(data string) error

	// Close starts the close sequence with the socket's default code and reason.
	Close() error

	// CloseWithCode starts the close sequence with an explicit code and reason.
	CloseWithCode(code int, reason string) error

	// AddEventListener appends l to the listeners of t.
	AddEventListener(t EventType, l *Listener)

	// RemoveEventListener removes the first registration of l for t.
	RemoveEventListener(t EventType, l *Listener)

	// SetEventHandler sets the single handler slot for t, called after all listeners.
	// A nil fn clears the slot.
	SetEventHandler(t EventType, fn func(Event))
}

// TransportListener receives notifications from a Transport.
//
// Transports call these from their own goroutines.
type TransportListener interface {
	OnTransportOpen()
	OnTransportMessage(data string)
	OnTransportError(err error)
	OnTransportClose(code int, reason string)
}

// Transport is the physical bidirectional connection a root socket multiplexes over.
type Transport interface {
	// ReadyState reports the physical connection state.
	ReadyState() ReadyState

	// Send writes one text frame. It fails with ErrNotOpen unless the transport is Open.
	Send(data string) error

	// Close closes the connection with the given close code and reason.
	Close(code int, reason string) error

	// SetListener installs the notification sink. It must be called before the
	// transport connects.
	SetListener(l TransportListener)
}

// StateBox is a mutex guarded ReadyState shared by sockets and transports.
type StateBox struct {
	mu    sync.RWMutex
	state ReadyState
}

// Load returns the current state.
func (b *StateBox) Load() ReadyState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Advance moves to next when the current state is one of from. It reports whether
// the transition happened.
func (b *StateBox) Advance(next ReadyState, from ...ReadyState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if next <= b.state {
		return false
	}
	for _, s := range from {
		if s == b.state {
			b.state = next
			return true
		}
	}
	return false
}
