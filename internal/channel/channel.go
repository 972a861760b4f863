// Package channel abstracts the duplex message stream between a session
// and its user. The core treats a channel as already authenticated and
// scoped to exactly one session; the WebSocket adapter is the primary
// implementation.
package channel

import (
	"errors"

	"github.com/carapace-sec/carapace/pkg/types"
)

// ErrClosed is returned by Send and Receive after the channel closed.
var ErrClosed = errors.New("channel closed")

// Channel is a duplex stream of tagged messages to and from one user.
type Channel interface {
	// Send delivers a message to the user. Safe for concurrent use.
	Send(msg types.WireMessage) error

	// Receive blocks for the next inbound message. Single reader.
	Receive() (types.WireMessage, error)

	// Close tears down the channel. Idempotent.
	Close() error
}
