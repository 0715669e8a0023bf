// Package peermux provides virtual peer sockets multiplexed over one physical WebSocket
// connection, and a topic publish/subscribe router built on top of them.
//
// A client dials a relay for a named service and receives a root socket. The relay tells
// the root which other members of the service are present; each one appears as a virtual
// peer socket that behaves like an ordinary asynchronous socket (open, message, close
// events, Send, Close) although every byte travels over the shared connection.
//
// # Architecture
//
//	Transport (gorilla/websocket)
//	    └── Root socket ── Registry (demultiplexer) ── Peer sockets
//	            └── Router (topics)
//
// The relay speaks JSON envelopes:
//
//	{"action":"connect","target":"<peer id>"}
//	{"action":"disconnect","target":"<peer id>"}
//	{"action":"message","target":"<peer id>","data":"..."}   // outbound
//	{"action":"message","source":"<peer id>","data":"..."}   // inbound
//	{"action":"broadcast","source":"<peer id>","data":"..."}
//	{"action":"publish","topicURI":"news","payload":{...}}   // carried inside broadcast data
//
// # Quick Start
//
//	root, err := ws.Connect(ctx, ws.ClientConfig{Endpoint: "ws://localhost:9009/", Service: "chat"})
//	if err != nil {
//	    return err
//	}
//
//	root.On(peermux.EventConnect, func(e peermux.Event) {
//	    peer := e.Peer
//	    peer.AddEventListener(peermux.EventOpen, peermux.NewListener(func(peermux.Event) {
//	        peer.Send("hello")
//	    }))
//	})
//
//	router := ws.NewRouter(root)
//	router.Subscribe("news", ws.NewCallback(func(payload json.RawMessage) {
//	    log.Printf("news: %s", payload)
//	}))
//	router.Publish("news", map[string]string{"headline": "x"}, nil)
//
// # Event Delivery
//
// Every event is delivered from a single event loop goroutine, one scheduling tick after
// the network event that caused it. Listeners added right after a socket is created never
// miss its first events, and a close sequence is always observed as closing, close, then
// disconnect on the root.
//
// # Important
//
//   - Sends on a peer socket fail with ErrInvalidState unless the peer is open
//   - Root sends issued before the connection opens are queued and flushed once, in order
//   - Malformed envelopes and messages for unknown peers are dropped, never surfaced
package peermux
