package vsocket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/peermux"
)

// emitter is the listener registry shared by root and peer sockets.
//
// Dispatch order is fixed: registered listeners in registration order, then the
// single handler slot.
type emitter struct {
	mu        sync.RWMutex
	listeners map[peermux.EventType][]*peermux.Listener
	slots     map[peermux.EventType]func(peermux.Event)
	log       *zap.Logger
}

func (e *emitter) init(log *zap.Logger) {
	e.listeners = make(map[peermux.EventType][]*peermux.Listener)
	e.slots = make(map[peermux.EventType]func(peermux.Event))
	e.log = log
}

func (e *emitter) add(t peermux.EventType, l *peermux.Listener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[t] = append(e.listeners[t], l)
}

func (e *emitter) remove(t peermux.EventType, l *peermux.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.listeners[t]
	for i, registered := range list {
		if registered == l {
			e.listeners[t] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (e *emitter) setSlot(t peermux.EventType, fn func(peermux.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		delete(e.slots, t)
		return
	}
	e.slots[t] = fn
}

func (e *emitter) count(t peermux.EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[t])
}

// dispatch runs on the loop goroutine. The listener list is snapshotted first so
// listeners may add or remove listeners while being called.
func (e *emitter) dispatch(ev peermux.Event) {
	e.mu.RLock()
	list := append([]*peermux.Listener(nil), e.listeners[ev.Type]...)
	slot := e.slots[ev.Type]
	e.mu.RUnlock()

	for _, l := range list {
		e.call(ev, l.Handle)
	}
	if slot != nil {
		e.call(ev, slot)
	}
}

func (e *emitter) call(ev peermux.Event, fn func(peermux.Event)) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event listener panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}
