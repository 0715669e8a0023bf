package vsocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/protocol"
)

// TestConnectCreatesPeers tests that connect envelopes create CONNECTING peers that open later
func TestConnectCreatesPeers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()

	rec := &recorder{}
	h.root.On(peermux.EventConnect, rec.record("root"))

	h.transport.deliverEnvelope(t, protocol.NewConnect("A"))
	h.transport.deliverEnvelope(t, protocol.NewConnect("B"))
	h.loop.RunPending()

	require.Equal(t, []peermux.PeerID{"A", "B"}, ids(h.root.Peers()))
	assert.Equal(t, []string{"root:connect:A", "root:connect:B"}, rec.list())

	a := h.peer(t, "A")
	assert.Equal(t, peermux.Connecting, a.ReadyState())

	opened := 0
	a.On(peermux.EventOpen, func(e peermux.Event) {
		opened++
		assert.Equal(t, a, e.Target)
	})

	h.elapseOpenDelay()
	assert.Equal(t, peermux.Open, a.ReadyState())
	assert.Equal(t, peermux.Open, h.peer(t, "B").ReadyState())
	assert.Equal(t, 1, opened)
}

// TestDisconnectRemovesOnlyTarget tests the two-peer disconnect scenario
func TestDisconnectRemovesOnlyTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()
	h.connectPeers(t, "A", "B")
	require.Equal(t, 2, len(h.root.Peers()))

	a := h.peer(t, "A")
	rec := &recorder{}
	a.On(peermux.EventClosing, rec.record("A"))
	a.On(peermux.EventClose, rec.record("A"))
	h.root.On(peermux.EventDisconnect, rec.record("root"))

	var closeEvent peermux.Event
	a.On(peermux.EventClose, func(e peermux.Event) { closeEvent = e })

	h.transport.deliverEnvelope(t, protocol.NewDisconnect("A"))
	h.loop.RunPending()

	assert.Equal(t, []peermux.PeerID{"B"}, ids(h.root.Peers()))
	assert.Equal(t, []string{"A:closing", "A:close", "root:disconnect:A"}, rec.list())
	assert.Equal(t, peermux.Closed, a.ReadyState())
	assert.Equal(t, peermux.CloseRemotePeer, closeEvent.Code)
	assert.Equal(t, peermux.ReasonRemotePeer, closeEvent.Reason)
	assert.Equal(t, peermux.Open, h.peer(t, "B").ReadyState())
}

// TestUnknownPeerMessageIsDropped tests that messages for unknown peers fire nothing
func TestUnknownPeerMessageIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()
	h.connectPeers(t, "A")

	rec := &recorder{}
	for _, typ := range []peermux.EventType{peermux.EventMessage, peermux.EventError, peermux.EventConnect, peermux.EventDisconnect} {
		h.root.On(typ, rec.record("root"))
		h.peer(t, "A").On(typ, rec.record("A"))
	}

	h.transport.deliver(`{"action":"message","source":"Z","data":"hi"}`)
	h.transport.deliver(`{"action":"disconnect","target":"Z"}`)
	require.NotPanics(t, func() { h.loop.RunPending() })

	assert.Empty(t, rec.list())
	assert.Len(t, h.root.Peers(), 1)
}

// TestMalformedEnvelopeDoesNotStopRouting tests that decode failures are isolated
func TestMalformedEnvelopeDoesNotStopRouting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()
	h.connectPeers(t, "A")

	var got []string
	h.peer(t, "A").On(peermux.EventMessage, func(e peermux.Event) { got = append(got, e.Data) })

	h.transport.deliver("not json at all")
	h.transport.deliver(`{"action":`)
	h.transport.deliver(`{"action":"message","source":"A","data":"still works"}`)
	require.NotPanics(t, func() { h.loop.RunPending() })

	assert.Equal(t, []string{"still works"}, got)
}

// TestUnknownActionIgnored tests that unrecognized actions change nothing
func TestUnknownActionIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()

	h.transport.deliver(`{"action":"teleport","target":"A"}`)
	h.loop.RunPending()

	assert.Empty(t, h.root.Peers())
}

// TestDuplicateConnectIgnored tests that a live id is never registered twice
func TestDuplicateConnectIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()
	h.connectPeers(t, "A")
	first := h.peer(t, "A")

	connects := 0
	h.root.On(peermux.EventConnect, func(peermux.Event) { connects++ })

	h.connectPeers(t, "A")

	assert.Len(t, h.root.Peers(), 1)
	assert.Same(t, first, h.peer(t, "A"))
	assert.Zero(t, connects)
}

// TestConnectWithoutTarget tests that a connect envelope missing its target is dropped
func TestConnectWithoutTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()

	h.transport.deliver(`{"action":"connect"}`)
	h.loop.RunPending()

	assert.Empty(t, h.root.Peers())
}

// TestNumericPeerIDs tests that numeric ids from the wire map to the same peer
func TestNumericPeerIDs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()

	h.transport.deliver(`{"action":"connect","target":4503599627370496}`)
	h.loop.RunPending()
	h.elapseOpenDelay()

	p := h.peer(t, "4503599627370496")
	var got peermux.Event
	p.On(peermux.EventMessage, func(e peermux.Event) { got = e })

	h.transport.deliver(`{"action":"message","source":4503599627370496,"data":"n"}`)
	h.loop.RunPending()

	assert.Equal(t, "n", got.Data)
	assert.Equal(t, peermux.PeerID("4503599627370496"), got.Source)
}

// TestDisconnectWhileConnecting tests that a peer closed before opening never opens
func TestDisconnectWhileConnecting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()

	h.transport.deliverEnvelope(t, protocol.NewConnect("A"))
	h.loop.RunPending()
	a := h.peer(t, "A")

	opened := false
	a.On(peermux.EventOpen, func(peermux.Event) { opened = true })

	h.transport.deliverEnvelope(t, protocol.NewDisconnect("A"))
	h.loop.RunPending()
	assert.Equal(t, peermux.Closed, a.ReadyState())

	h.elapseOpenDelay()
	assert.Equal(t, peermux.Closed, a.ReadyState())
	assert.False(t, opened)
	assert.Empty(t, h.root.Peers())
}

// TestReconnectAfterDisconnect tests that an id can be reused once its socket is gone
func TestReconnectAfterDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()
	h.connectPeers(t, "A")
	old := h.peer(t, "A")

	h.transport.deliverEnvelope(t, protocol.NewDisconnect("A"))
	h.loop.RunPending()
	h.connectPeers(t, "A")

	fresh := h.peer(t, "A")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, peermux.Open, fresh.ReadyState())
	assert.Equal(t, peermux.Closed, old.ReadyState())
}

// TestDisconnectThenConnectInOneBatch tests a rejoin queued right behind the disconnect
func TestDisconnectThenConnectInOneBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()
	h.connectPeers(t, "A")
	old := h.peer(t, "A")

	rec := &recorder{}
	h.root.On(peermux.EventConnect, rec.record("root"))
	h.root.On(peermux.EventDisconnect, rec.record("root"))

	h.transport.deliverEnvelope(t, protocol.NewDisconnect("A"))
	h.transport.deliverEnvelope(t, protocol.NewConnect("A"))
	h.loop.RunPending()
	h.elapseOpenDelay()

	fresh := h.peer(t, "A")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, peermux.Open, fresh.ReadyState())
	assert.Equal(t, peermux.Closed, old.ReadyState())
	assert.Equal(t, []*Peer{fresh}, h.root.Peers())
	assert.ElementsMatch(t, []string{"root:connect:A", "root:disconnect:A"}, rec.list())
}

// TestMessageAfterDisconnectDropped tests that a disconnected peer receives nothing more
func TestMessageAfterDisconnectDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()
	h.connectPeers(t, "A")
	a := h.peer(t, "A")

	messages := 0
	a.On(peermux.EventMessage, func(peermux.Event) { messages++ })

	h.transport.deliverEnvelope(t, protocol.NewDisconnect("A"))
	h.transport.deliverEnvelope(t, protocol.Forward(protocol.NewMessage("local", "late"), "A"))
	h.loop.RunPending()

	assert.Zero(t, messages)
	assert.Equal(t, peermux.Closed, a.ReadyState())
	assert.Equal(t, 0, h.root.registry.Len())
}
