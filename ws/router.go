package ws

import (
	"encoding/json"

	"github.com/luciancaetano/peermux"
	"github.com/luciancaetano/peermux/internal/pubsub"
)

// Router delivers topic publications arriving on a socket to local subscribers.
type Router = pubsub.Router

// Callback is a subscription token; unsubscribing needs the same pointer.
type Callback = pubsub.Callback

// RouterOption configures a Router.
type RouterOption = pubsub.Option

// SubscriptionTable is shared by routers that fan out to the same subscribers.
type SubscriptionTable = pubsub.Table

// NewRouter attaches a topic router to sock, usually a *Root.
func NewRouter(sock peermux.Socket, opts ...RouterOption) *Router {
	return pubsub.New(sock, opts...)
}

// NewCallback wraps fn as a subscription token.
func NewCallback(fn func(payload json.RawMessage)) *Callback {
	return pubsub.NewCallback(fn)
}

// NewSubscriptionTable returns an empty table for WithTable.
func NewSubscriptionTable() *SubscriptionTable {
	return pubsub.NewTable()
}

var (
	WithRouterLogger = pubsub.WithLogger
	WithNodeID       = pubsub.WithNodeID
	WithTable        = pubsub.WithTable
)
