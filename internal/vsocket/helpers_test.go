package vsocket

import (
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/eventloop"
	"github.com/luciancaetano/peermux/internal/protocol"
)

// fakeTransport records sends and lets tests drive notifications.
type fakeTransport struct {
	mu       sync.Mutex
	state    peermux.ReadyState
	sent     []string
	listener peermux.TransportListener
}

func (f *fakeTransport) ReadyState() peermux.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Send(data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != peermux.Open {
		return peermux.ErrNotOpen
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.state = peermux.Closed
	l := f.listener
	f.mu.Unlock()
	l.OnTransportClose(code, reason)
	return nil
}

func (f *fakeTransport) SetListener(l peermux.TransportListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeTransport) open() {
	f.mu.Lock()
	f.state = peermux.Open
	l := f.listener
	f.mu.Unlock()
	l.OnTransportOpen()
}

func (f *fakeTransport) deliver(data string) {
	f.listener.OnTransportMessage(data)
}

func (f *fakeTransport) deliverEnvelope(t *testing.T, e *protocol.Envelope) {
	t.Helper()
	raw, err := protocol.EncodeString(e)
	require.NoError(t, err)
	f.deliver(raw)
}

func (f *fakeTransport) sentEnvelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(f.sent))
	for _, raw := range f.sent {
		env, err := protocol.Decode([]byte(raw))
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

type harness struct {
	root      *Root
	transport *fakeTransport
	loop      *eventloop.Loop
	clock     *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	loop := eventloop.New(eventloop.WithClock(mock))
	ft := &fakeTransport{}
	root := NewRoot(ft, loop, WithID("local"))
	return &harness{root: root, transport: ft, loop: loop, clock: mock}
}

// openTransport opens the physical connection and runs the resulting tasks.
func (h *harness) openTransport() {
	h.transport.open()
	h.loop.RunPending()
}

// connectPeers announces ids, then lets the open delay elapse.
func (h *harness) connectPeers(t *testing.T, ids ...peermux.PeerID) {
	t.Helper()
	for _, id := range ids {
		h.transport.deliverEnvelope(t, protocol.NewConnect(id))
	}
	h.loop.RunPending()
	h.elapseOpenDelay()
}

func (h *harness) elapseOpenDelay() {
	h.clock.Add(DefaultOpenDelay)
	h.loop.RunPending()
}

func (h *harness) peer(t *testing.T, id peermux.PeerID) *Peer {
	t.Helper()
	p, ok := h.root.Peer(id)
	require.True(t, ok, "peer %s not registered", id)
	return p
}

// recorder collects event descriptions in dispatch order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(label string) func(peermux.Event) {
	return func(e peermux.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		desc := label + ":" + string(e.Type)
		if e.Peer != nil {
			desc += ":" + string(e.Peer.ID())
		}
		r.events = append(r.events, desc)
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func ids(peers []*Peer) []peermux.PeerID {
	out := make([]peermux.PeerID, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.ID())
	}
	return out
}
