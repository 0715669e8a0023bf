package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/luciancaetano/peermux"
)

// MaxEnvelopeSize is the largest encoded envelope accepted or produced (10MB).
const MaxEnvelopeSize = 10 * 1024 * 1024

// Envelope is one control or data message on the shared connection.
type Envelope struct {
	Action   string          `json:"action"`
	Source   PeerID          `json:"source,omitempty"`
	Target   PeerID          `json:"target,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	TopicURI *string         `json:"topicURI,omitempty"`
}

// PeerID decodes from either a JSON string or a JSON number and always encodes as a string.
type PeerID peermux.PeerID

func (id *PeerID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = PeerID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("peer id must be a string or number: %w", err)
	}
	*id = PeerID(n.String())
	return nil
}

// Topic returns the topic URI or "" when absent.
func (e *Envelope) Topic() string {
	if e.TopicURI == nil {
		return ""
	}
	return *e.TopicURI
}

// Text returns the envelope's data (falling back to payload) as a string.
// JSON strings are unquoted; any other JSON value is returned in compact form.
func (e *Envelope) Text() string {
	raw := e.Data
	if len(raw) == 0 {
		raw = e.Payload
	}
	return Normalize(raw)
}

// Normalize converts a raw JSON value to the string delivered in message events.
func Normalize(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(raw)
}

// Encode marshals the envelope.
func Encode(e *Envelope) ([]byte, error) {
	out, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", peermux.ErrMsgFailedToEncode, err)
	}
	if len(out) > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope size %d exceeds maximum %d bytes", len(out), MaxEnvelopeSize)
	}
	return out, nil
}

// EncodeString is Encode returning a string, the unit transports send.
func EncodeString(e *Envelope) (string, error) {
	out, err := Encode(e)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decode parses one envelope. Errors wrap peermux.ErrDecode.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: size %d exceeds maximum %d bytes", peermux.ErrDecode, len(data), MaxEnvelopeSize)
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", peermux.ErrDecode, err)
	}
	return &e, nil
}

// NewConnect announces that target joined.
func NewConnect(target peermux.PeerID) *Envelope {
	return &Envelope{Action: peermux.ActionConnect, Target: PeerID(target)}
}

// NewDisconnect announces that target left.
func NewDisconnect(target peermux.PeerID) *Envelope {
	return &Envelope{Action: peermux.ActionDisconnect, Target: PeerID(target)}
}

// NewMessage addresses data to a single peer.
func NewMessage(target peermux.PeerID, data string) *Envelope {
	return &Envelope{Action: peermux.ActionMessage, Target: PeerID(target), Data: quote(data)}
}

// NewBroadcast addresses data to every other member of the service.
func NewBroadcast(data string) *Envelope {
	return &Envelope{Action: peermux.ActionBroadcast, Data: quote(data)}
}

// NewPublish builds a publish envelope. A nil payload is sent as {}.
func NewPublish(topic string, payload json.RawMessage) *Envelope {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}
	return &Envelope{Action: peermux.ActionPublish, TopicURI: &topic, Payload: payload}
}

// Forward re-addresses an inbound envelope for delivery by the relay: the source is
// stamped with the sender and the target is cleared.
func Forward(e *Envelope, source peermux.PeerID) *Envelope {
	out := *e
	out.Source = PeerID(source)
	out.Target = ""
	return &out
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
