package vsocket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/protocol"
)

// Registry owns the live peer sockets of one Root and routes inbound envelopes to them.
type Registry struct {
	root *Root

	mu    sync.RWMutex
	peers map[peermux.PeerID]*Peer
	order []*Peer
}

func newRegistry(root *Root) *Registry {
	return &Registry{
		root:  root,
		peers: make(map[peermux.PeerID]*Peer),
	}
}

// Lookup returns the live peer with the given id.
func (r *Registry) Lookup(id peermux.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// List returns the live peers in the order they connected.
func (r *Registry) List() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Peer(nil), r.order...)
}

// Len returns the number of live peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) insert(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.peers[p.id]; exists {
		return false
	}
	r.peers[p.id] = p
	r.order = append(r.order, p)
	return true
}

// remove drops p only if it is still the registered socket for its id.
func (r *Registry) remove(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[p.id] != p {
		return false
	}
	delete(r.peers, p.id)
	for i, registered := range r.order {
		if registered == p {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// route handles one inbound frame on the loop goroutine. Nothing here is surfaced
// to callers as an error: malformed frames and unknown peers are logged and dropped.
func (r *Registry) route(raw string) {
	log := r.root.log

	env, err := protocol.Decode([]byte(raw))
	if err != nil {
		log.Warn("dropping malformed envelope", zap.Error(err), zap.Int("size", len(raw)))
		return
	}

	switch env.Action {
	case peermux.ActionConnect:
		r.connect(peermux.PeerID(env.Target))

	case peermux.ActionDisconnect:
		p, ok := r.Lookup(peermux.PeerID(env.Target))
		if !ok {
			log.Debug("disconnect for unknown peer", zap.String("peer", string(env.Target)))
			return
		}
		// the id is free for a reconnect queued right behind this envelope
		r.remove(p)
		p.closeSequence(peermux.CloseRemotePeer, peermux.ReasonRemotePeer)

	case peermux.ActionMessage:
		p, ok := r.Lookup(peermux.PeerID(env.Source))
		if !ok {
			log.Debug("message for unknown peer", zap.String("peer", string(env.Source)))
			return
		}
		p.receive(env.Text(), peermux.PeerID(env.Source))

	case peermux.ActionBroadcast:
		r.root.emit(peermux.Event{
			Type:   peermux.EventMessage,
			Data:   env.Text(),
			Source: peermux.PeerID(env.Source),
		})

	default:
		log.Debug("ignoring envelope", zap.String("action", env.Action))
	}
}

func (r *Registry) connect(id peermux.PeerID) {
	log := r.root.log
	if id == "" {
		log.Warn("connect envelope without target")
		return
	}

	p := newPeer(id, r.root)
	if !r.insert(p) {
		log.Warn("connect for live peer id", zap.String("peer", string(id)))
		return
	}
	log.Debug("peer connected", zap.String("peer", string(id)))

	r.root.emit(peermux.Event{Type: peermux.EventConnect, Peer: p})
	r.root.loop.AfterFunc(r.root.openDelay, p.open)
}
