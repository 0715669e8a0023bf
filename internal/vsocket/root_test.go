package vsocket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/peermux"
)

// TestRootSendQueuedUntilOpen tests that early sends are flushed in order exactly once
func TestRootSendQueuedUntilOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	require.NoError(t, h.root.Send("first"))
	require.NoError(t, h.root.Send("second"))
	assert.Equal(t, 2, h.root.Queued())
	assert.Empty(t, h.transport.sentEnvelopes(t))

	h.openTransport()
	assert.Equal(t, 0, h.root.Queued())

	require.NoError(t, h.root.Send("third"))

	// a second open notification must not replay anything
	h.transport.open()
	h.loop.RunPending()

	sent := h.transport.sentEnvelopes(t)
	require.Len(t, sent, 3)
	for i, want := range []string{"first", "second", "third"} {
		assert.Equal(t, peermux.ActionBroadcast, sent[i].Action)
		assert.Equal(t, want, sent[i].Text())
	}
}

// TestRootOpenEvent tests that the root reports the transport opening after flushing
func TestRootOpenEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.root.Send("queued"))

	sentAtOpen := -1
	h.root.On(peermux.EventOpen, func(e peermux.Event) {
		sentAtOpen = len(h.transport.sentEnvelopes(t))
		assert.Equal(t, h.root, e.Target)
	})

	h.openTransport()
	assert.Equal(t, 1, sentAtOpen)
	assert.Equal(t, peermux.Open, h.root.ReadyState())
}

// TestListenerAttachedAfterConstruction tests that listeners added before the loop runs see early events
func TestListenerAttachedAfterConstruction(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.transport.open()
	h.transport.deliver(`{"action":"connect","target":"A"}`)

	var got []string
	h.root.On(peermux.EventOpen, func(peermux.Event) { got = append(got, "open") })
	h.root.On(peermux.EventConnect, func(e peermux.Event) { got = append(got, "connect:"+string(e.Peer.ID())) })

	h.loop.RunPending()
	assert.Equal(t, []string{"open", "connect:A"}, got)
}

// TestRootSendAfterClose tests that the root refuses sends once the transport is gone
func TestRootSendAfterClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()

	require.NoError(t, h.root.Close())
	h.loop.RunPending()

	require.ErrorIs(t, h.root.Send("late"), peermux.ErrInvalidState)
	require.ErrorIs(t, h.root.Close(), peermux.ErrInvalidState)
	assert.Equal(t, peermux.Closed, h.root.ReadyState())
}

// TestQueueDroppedWhenClosedBeforeOpen tests that pending sends die with the transport
func TestQueueDroppedWhenClosedBeforeOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.root.Send("never"))

	require.NoError(t, h.transport.Close(peermux.CloseGoingAway, "gone"))
	h.loop.RunPending()

	assert.Equal(t, 0, h.root.Queued())
	assert.Empty(t, h.transport.sentEnvelopes(t))
	require.ErrorIs(t, h.root.Send("after"), peermux.ErrInvalidState)
}

// TestTransportCloseClosesPeers tests that losing the transport closes every peer
func TestTransportCloseClosesPeers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()
	h.connectPeers(t, "A", "B")

	codes := map[peermux.PeerID]int{}
	reasons := map[peermux.PeerID]string{}
	for _, p := range h.root.Peers() {
		p.On(peermux.EventClose, func(e peermux.Event) {
			id := e.Target.ID()
			codes[id] = e.Code
			reasons[id] = e.Reason
		})
	}

	var order []string
	h.root.On(peermux.EventDisconnect, func(e peermux.Event) { order = append(order, "disconnect:"+string(e.Peer.ID())) })

	var rootClose peermux.Event
	h.root.On(peermux.EventClose, func(e peermux.Event) {
		rootClose = e
		order = append(order, "close")
	})

	require.NoError(t, h.root.CloseWithCode(peermux.CloseNormal, "done"))
	h.loop.RunPending()

	assert.Empty(t, h.root.Peers())
	assert.Equal(t, map[peermux.PeerID]int{"A": peermux.CloseGoingAway, "B": peermux.CloseGoingAway}, codes)
	assert.Equal(t, peermux.ReasonTransport, reasons["A"])
	assert.Equal(t, []string{"disconnect:A", "disconnect:B", "close"}, order)
	assert.Equal(t, peermux.CloseNormal, rootClose.Code)
	assert.Equal(t, "done", rootClose.Reason)
}

// TestBroadcastDispatchedOnRoot tests that broadcast envelopes surface as root messages
func TestBroadcastDispatchedOnRoot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openTransport()

	var got peermux.Event
	h.root.On(peermux.EventMessage, func(e peermux.Event) { got = e })

	h.transport.deliver(`{"action":"broadcast","source":"A","data":{"hello":"world"}}`)
	h.loop.RunPending()

	assert.Equal(t, `{"hello":"world"}`, got.Data)
	assert.Equal(t, peermux.PeerID("A"), got.Source)
	assert.Equal(t, h.root, got.Target)
}

// TestTransportErrorEmitted tests that transport errors reach root error listeners
func TestTransportErrorEmitted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	wantErr := errors.New("read failed")

	var got error
	h.root.On(peermux.EventError, func(e peermux.Event) { got = e.Err })

	h.root.OnTransportError(wantErr)
	assert.Nil(t, got)

	h.loop.RunPending()
	assert.ErrorIs(t, got, wantErr)
}

// TestRootIdentity tests the configured and generated local ids
func TestRootIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	assert.Equal(t, peermux.PeerID("local"), h.root.ID())

	generated := NewRoot(&fakeTransport{}, h.loop)
	assert.Regexp(t, `^[0-9]+$`, string(generated.ID()))
}

// TestListenerCount tests registration counting on root and peer sockets
func TestListenerCount(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	l := h.root.On(peermux.EventMessage, func(peermux.Event) {})
	h.root.AddEventListener(peermux.EventMessage, l)
	h.root.SetEventHandler(peermux.EventMessage, func(peermux.Event) {})
	assert.Equal(t, 2, h.root.ListenerCount(peermux.EventMessage))

	h.root.RemoveEventListener(peermux.EventMessage, l)
	assert.Equal(t, 1, h.root.ListenerCount(peermux.EventMessage))
	assert.Zero(t, h.root.ListenerCount(peermux.EventClose))

	h.openTransport()
	h.connectPeers(t, "A")
	p := h.peer(t, "A")
	p.On(peermux.EventOpen, func(peermux.Event) {})
	assert.Equal(t, 1, p.ListenerCount(peermux.EventOpen))
}
