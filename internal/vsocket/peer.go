package vsocket

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/protocol"
)

// Peer is the virtual socket of one remote peer, multiplexed over its Root's transport.
type Peer struct {
	emitter

	id    peermux.PeerID
	state peermux.StateBox
	root  *Root

	// closeRequested is set by the first local close, before the state moves.
	closeRequested atomic.Bool
}

func newPeer(id peermux.PeerID, root *Root) *Peer {
	p := &Peer{
		id:   id,
		root: root,
	}
	p.emitter.init(root.log.With(zap.String("peer", string(id))))
	return p
}

// ID returns the remote peer's id.
func (p *Peer) ID() peermux.PeerID {
	return p.id
}

// ReadyState returns the current lifecycle stage.
func (p *Peer) ReadyState() peermux.ReadyState {
	return p.state.Load()
}

// Root returns the socket this peer is multiplexed over.
func (p *Peer) Root() *Root {
	return p.root
}

// Send addresses data to this peer. It never waits for delivery.
func (p *Peer) Send(data string) error {
	if p.state.Load() != peermux.Open {
		return fmt.Errorf("%w: %s", peermux.ErrInvalidState, peermux.ErrMsgSendNotOpen)
	}
	raw, err := protocol.EncodeString(protocol.NewMessage(p.id, data))
	if err != nil {
		return err
	}
	return p.root.write(raw)
}

// Close closes the socket with code 3001.
func (p *Peer) Close() error {
	return p.CloseWithCode(peermux.CloseLocalPeer, peermux.ReasonLocalPeer)
}

// CloseWithCode starts the close sequence. The state change and every event happen
// on later loop ticks; a second call before then fails with ErrInvalidState.
func (p *Peer) CloseWithCode(code int, reason string) error {
	if p.state.Load() != peermux.Open {
		return fmt.Errorf("%w: %s", peermux.ErrInvalidState, peermux.ErrMsgCloseNotOpen)
	}
	if !p.closeRequested.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", peermux.ErrInvalidState, peermux.ErrMsgAlreadyClosed)
	}
	p.closeSequence(code, reason)
	return nil
}

// AddEventListener appends l to the listeners of t.
func (p *Peer) AddEventListener(t peermux.EventType, l *peermux.Listener) {
	p.add(t, l)
}

// RemoveEventListener removes the first registration of l for t.
func (p *Peer) RemoveEventListener(t peermux.EventType, l *peermux.Listener) {
	p.remove(t, l)
}

// ListenerCount returns how many listeners are registered for t, excluding the handler slot.
func (p *Peer) ListenerCount(t peermux.EventType) int {
	return p.count(t)
}

// SetEventHandler sets the handler slot for t.
func (p *Peer) SetEventHandler(t peermux.EventType, fn func(peermux.Event)) {
	p.setSlot(t, fn)
}

// On registers fn for t and returns the listener token for later removal.
func (p *Peer) On(t peermux.EventType, fn func(peermux.Event)) *peermux.Listener {
	l := peermux.NewListener(fn)
	p.add(t, l)
	return l
}

func (p *Peer) emit(ev peermux.Event) {
	ev.Target = p
	p.root.loop.Post(func() { p.dispatch(ev) })
}

// open runs once the open delay has elapsed. A peer closed while connecting stays closed.
func (p *Peer) open() {
	p.root.loop.Post(func() {
		if !p.state.Advance(peermux.Open, peermux.Connecting) {
			return
		}
		p.dispatch(peermux.Event{Type: peermux.EventOpen, Target: p})
	})
}

func (p *Peer) receive(data string, source peermux.PeerID) {
	p.emit(peermux.Event{Type: peermux.EventMessage, Data: data, Source: source})
}

// closeSequence moves through CLOSING and CLOSED, one tick per step, then reports
// the disconnect on the root. Each step re-checks the state, so overlapping
// sequences collapse into one.
func (p *Peer) closeSequence(code int, reason string) {
	loop := p.root.loop
	loop.Post(func() {
		if !p.state.Advance(peermux.Closing, peermux.Connecting, peermux.Open) {
			return
		}
		p.dispatch(peermux.Event{Type: peermux.EventClosing, Target: p})

		loop.Post(func() {
			if !p.state.Advance(peermux.Closed, peermux.Closing) {
				return
			}
			p.root.registry.remove(p)
			p.dispatch(peermux.Event{Type: peermux.EventClose, Target: p, Code: code, Reason: reason})

			p.root.emit(peermux.Event{Type: peermux.EventDisconnect, Peer: p})
		})
	})
}
