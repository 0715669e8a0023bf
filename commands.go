package peermux

import "errors"

// Envelope actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionMessage    = "message"
	ActionBroadcast  = "broadcast"
	ActionPublish    = "publish"
)

// Close codes and reasons used by virtual sockets.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseRemotePeer      = 3000
	CloseLocalPeer       = 3001
	ReasonRemotePeer     = "Closed by remote peer"
	ReasonLocalPeer      = "Closed by local peer"
	ReasonTransport      = "Transport closed"
	ReasonRateLimited    = "Rate limit exceeded"
)

// Sentinel errors. Compare with errors.Is.
var (
	// ErrInvalidArgument reports a malformed service name, topic or callback.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState reports a Send or Close issued in the wrong ready state.
	ErrInvalidState = errors.New("invalid state")

	// ErrDecode reports an inbound payload that is not a well-formed envelope.
	ErrDecode = errors.New("malformed envelope")

	// ErrNotOpen is returned by transports asked to send while not connected.
	ErrNotOpen = errors.New("transport is not open")
)

// Standard error messages
const (
	ErrMsgSendNotOpen     = "message cannot be sent because the web socket is not open"
	ErrMsgCloseNotOpen    = "web socket cannot be closed because it is not open"
	ErrMsgAlreadyClosed   = "web socket is already closing or closed"
	ErrMsgInvalidService  = "invalid service name"
	ErrMsgInvalidTopic    = "invalid topic uri"
	ErrMsgNilCallback     = "callback must not be nil"
	ErrMsgFailedToEncode  = "failed to encode envelope"
	ErrMsgServerRunning   = "server already running"
	ErrMsgPeerIDInUse     = "peer id already connected"
	ErrMsgConnectionClose = "client connection is closed"
)
