// Package pubsub routes topic publications over a peermux socket.
package pubsub

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/protocol"
)

// Router subscribes local callbacks to topics and publishes to every other member of
// the socket's service.
type Router struct {
	sock     peermux.Socket
	table    *Table
	node     string
	log      *zap.Logger
	listener *peermux.Listener
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(r *Router) {
		r.log = log
	}
}

// WithNodeID sets the node id callbacks are filed under. The default is a random
// 53-bit integer.
func WithNodeID(id string) Option {
	return func(r *Router) {
		r.node = id
	}
}

// WithTable shares a subscription table between routers.
func WithTable(t *Table) Option {
	return func(r *Router) {
		r.table = t
	}
}

// New creates a router on sock and starts listening for publications.
func New(sock peermux.Socket, opts ...Option) *Router {
	r := &Router{
		sock: sock,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.table == nil {
		r.table = NewTable()
	}
	if r.node == "" {
		r.node = string(protocol.NewLocalID())
	}
	r.log = r.log.With(zap.String("node", r.node))

	r.listener = peermux.NewListener(r.handleMessage)
	sock.AddEventListener(peermux.EventMessage, r.listener)
	return r
}

// NodeID returns the id this router files its callbacks under.
func (r *Router) NodeID() string {
	return r.node
}

// Subscribe registers cb for topic. The same callback may be registered more than once.
func (r *Router) Subscribe(topic string, cb *Callback) error {
	if cb == nil || cb.fn == nil {
		return fmt.Errorf("%w: %s", peermux.ErrInvalidArgument, peermux.ErrMsgNilCallback)
	}
	if err := protocol.ValidateTopicURI(topic); err != nil {
		return err
	}
	r.table.add(topic, r.node, cb)
	r.log.Debug("subscribed", zap.String("topic", topic))
	return nil
}

// Unsubscribe removes one registration of cb for topic. Unknown callbacks are ignored.
func (r *Router) Unsubscribe(topic string, cb *Callback) {
	if r.table.remove(topic, r.node, cb) {
		r.log.Debug("unsubscribed", zap.String("topic", topic))
	}
}

// Publish sends payload to topic subscribers on every other member of the service.
//
// payload may be a json.RawMessage, a []byte holding JSON, or any value accepted by
// json.Marshal; nil is sent as {}. onSuccess, when set, is called right after the send
// attempt whatever its outcome; a send error is still returned. Local subscribers are
// not called. Invalid topics and payloads fail before any send and skip onSuccess.
func (r *Router) Publish(topic string, payload any, onSuccess func()) error {
	if err := protocol.ValidateTopicURI(topic); err != nil {
		return err
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	msg, err := protocol.EncodeString(protocol.NewPublish(topic, raw))
	if err != nil {
		return err
	}
	sendErr := r.sock.Send(msg)
	if onSuccess != nil {
		onSuccess()
	}
	if sendErr != nil {
		return fmt.Errorf("publish %q: %w", topic, sendErr)
	}
	return nil
}

// Topics returns the topics with at least one subscriber.
func (r *Router) Topics() []string {
	return r.table.Topics()
}

// Subscribers returns the number of callbacks registered for topic.
func (r *Router) Subscribers(topic string) int {
	return r.table.Subscribers(topic)
}

// Close stops listening on the socket. Subscriptions are kept.
func (r *Router) Close() {
	r.sock.RemoveEventListener(peermux.EventMessage, r.listener)
}

func (r *Router) handleMessage(e peermux.Event) {
	env, err := protocol.Decode([]byte(e.Data))
	if err != nil {
		r.log.Debug("ignoring non-envelope message", zap.Error(err))
		return
	}
	if env.Action != peermux.ActionPublish {
		return
	}

	topic := env.Topic()
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	for _, cb := range r.table.snapshot(topic) {
		r.deliver(topic, cb, payload)
	}
}

func (r *Router) deliver(topic string, cb *Callback, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("subscriber panicked",
				zap.String("topic", topic),
				zap.Any("panic", rec))
		}
	}()
	cb.call(payload)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", peermux.ErrInvalidArgument)
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", peermux.ErrInvalidArgument)
		}
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", peermux.ErrMsgFailedToEncode, err)
	}
	return raw, nil
}
