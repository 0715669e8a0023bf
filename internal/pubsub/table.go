package pubsub

import (
	"encoding/json"
	"sort"
	"sync"
)

// Callback receives the payload of a publish on a subscribed topic.
//
// Callbacks are compared by pointer identity: subscribing the same *Callback twice
// registers it twice, and each Unsubscribe removes one registration.
type Callback struct {
	fn func(payload json.RawMessage)
}

// NewCallback wraps fn in a Callback token.
func NewCallback(fn func(payload json.RawMessage)) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) call(payload json.RawMessage) {
	if c != nil && c.fn != nil {
		c.fn(payload)
	}
}

// Table maps topic URI to node id to the node's callbacks.
//
// Routers built over the same Table share subscriptions, so a publish received by any
// of them reaches the callbacks of every node in the process.
type Table struct {
	mu     sync.RWMutex
	topics map[string]*topicEntry
}

// topicEntry keeps nodes in first-subscription order.
type topicEntry struct {
	nodes []string
	subs  map[string][]*Callback
}

// NewTable creates an empty subscription table.
func NewTable() *Table {
	return &Table{topics: make(map[string]*topicEntry)}
}

func (t *Table) add(topic, node string, cb *Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.topics[topic]
	if !ok {
		entry = &topicEntry{subs: make(map[string][]*Callback)}
		t.topics[topic] = entry
	}
	if _, ok := entry.subs[node]; !ok {
		entry.nodes = append(entry.nodes, node)
	}
	entry.subs[node] = append(entry.subs[node], cb)
}

// remove drops the first registration of cb under topic and node.
func (t *Table) remove(topic, node string, cb *Callback) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.topics[topic]
	if !ok {
		return false
	}
	list := entry.subs[node]
	for i, registered := range list {
		if registered == cb {
			entry.subs[node] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot returns every callback under topic, node by node, in registration order.
func (t *Table) snapshot(topic string) []*Callback {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.topics[topic]
	if !ok {
		return nil
	}
	var out []*Callback
	for _, node := range entry.nodes {
		out = append(out, entry.subs[node]...)
	}
	return out
}

// Topics returns the topics with at least one callback, sorted.
func (t *Table) Topics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.topics))
	for topic, entry := range t.topics {
		for _, list := range entry.subs {
			if len(list) > 0 {
				out = append(out, topic)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the number of callbacks registered under topic across all nodes.
func (t *Table) Subscribers(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.topics[topic]
	if !ok {
		return 0
	}
	n := 0
	for _, list := range entry.subs {
		n += len(list)
	}
	return n
}
