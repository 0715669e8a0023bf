package websocket

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/protocol"
)

// TestStressBroadcast joins many members to one service and has every member
// broadcast to all the others.
func TestStressBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	const (
		numMembers        = 200
		messagesPerMember = 5
		expected          = (numMembers - 1) * messagesPerMember
	)

	relay, base := newTestRelay(t, &ServerConfig{
		RateLimitConfig: &RateLimitConfig{MessagesPerSecond: 1000, Burst: 2000, Enabled: true},
	})

	var (
		failedConnections int64
		messagesReceived  int64
		incomplete        int64
	)

	conns := make([]*websocket.Conn, numMembers)
	var dialWG sync.WaitGroup
	for i := 0; i < numMembers; i++ {
		dialWG.Add(1)
		go func(i int) {
			defer dialWG.Done()
			conn, _, err := newDialer().Dial(fmt.Sprintf("%s/network/stress/m%d", base, i), nil)
			if err != nil {
				atomic.AddInt64(&failedConnections, 1)
				return
			}
			conns[i] = conn
		}(i)
	}
	dialWG.Wait()
	t.Cleanup(func() {
		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}
	})
	if failedConnections > 0 {
		t.Fatalf("%d members failed to join", failedConnections)
	}

	deadline := time.Now().Add(30 * time.Second)
	for len(relay.Members("stress")) < numMembers {
		if time.Now().After(deadline) {
			t.Fatalf("only %d members joined", len(relay.Members("stress")))
		}
		time.Sleep(10 * time.Millisecond)
	}

	startTime := time.Now()
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *websocket.Conn) {
			defer wg.Done()

			received := 0
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			for received < expected {
				_, data, err := conn.ReadMessage()
				if err != nil {
					atomic.AddInt64(&incomplete, 1)
					return
				}
				env, err := protocol.Decode(data)
				if err == nil && env.Action == peermux.ActionBroadcast {
					received++
					atomic.AddInt64(&messagesReceived, 1)
				}
			}
		}(i, conn)
	}

	var sendWG sync.WaitGroup
	for i, conn := range conns {
		sendWG.Add(1)
		go func(i int, conn *websocket.Conn) {
			defer sendWG.Done()
			for j := 0; j < messagesPerMember; j++ {
				raw, _ := protocol.Encode(protocol.NewBroadcast(fmt.Sprintf("m%d-%d", i, j)))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			}
		}(i, conn)
	}
	sendWG.Wait()
	wg.Wait()

	elapsed := time.Since(startTime)
	t.Logf("members=%d received=%d elapsed=%s rate=%.0f msg/s",
		numMembers, messagesReceived, elapsed, float64(messagesReceived)/elapsed.Seconds())

	if incomplete > 0 {
		t.Errorf("%d members stopped reading before receiving every broadcast", incomplete)
	}
	if want := int64(numMembers * expected); messagesReceived != want {
		t.Errorf("received %d broadcasts, want %d", messagesReceived, want)
	}
}
