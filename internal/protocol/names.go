package protocol

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/luciancaetano/peermux"
)

const (
	// ServiceNamePattern matches valid service names.
	ServiceNamePattern = `[A-Za-z0-9/\+=\*\._-]{1,255}`

	// PeerIDPattern matches peer ids accepted in endpoint paths.
	PeerIDPattern = `[0-9A-Za-z-]{1,64}`

	maxTopicLength = 255
	maxLocalID     = 1 << 53
)

var (
	isValidServiceName = regexp.MustCompile("^" + ServiceNamePattern + "$")
	isValidPeerID      = regexp.MustCompile("^" + PeerIDPattern + "$")
)

// ValidateServiceName fails with peermux.ErrInvalidArgument for malformed names.
func ValidateServiceName(name string) error {
	if !isValidServiceName.MatchString(name) {
		return fmt.Errorf("%w: %s %q", peermux.ErrInvalidArgument, peermux.ErrMsgInvalidService, name)
	}
	return nil
}

// ValidatePeerID reports whether id can appear in an endpoint path.
func ValidatePeerID(id peermux.PeerID) error {
	if !isValidPeerID.MatchString(string(id)) {
		return fmt.Errorf("%w: invalid peer id %q", peermux.ErrInvalidArgument, id)
	}
	return nil
}

// ValidateTopicURI accepts any valid UTF-8 string up to 255 bytes, including "".
func ValidateTopicURI(topic string) error {
	if len(topic) > maxTopicLength || !utf8.ValidString(topic) {
		return fmt.Errorf("%w: %s %q", peermux.ErrInvalidArgument, peermux.ErrMsgInvalidTopic, topic)
	}
	return nil
}

// EndpointURL builds <base>/network/<service>/<id>.
func EndpointURL(base, service string, id peermux.PeerID) (string, error) {
	if err := ValidateServiceName(service); err != nil {
		return "", err
	}
	if err := ValidatePeerID(id); err != nil {
		return "", err
	}
	if !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://") {
		return "", fmt.Errorf("%w: endpoint must be a ws:// or wss:// url, got %q", peermux.ErrInvalidArgument, base)
	}
	return strings.TrimSuffix(base, "/") + "/network/" + service + "/" + string(id), nil
}

// NewLocalID returns a random integer id in [0, 2^53).
func NewLocalID() peermux.PeerID {
	return peermux.PeerID(strconv.FormatInt(rand.Int64N(maxLocalID), 10))
}
