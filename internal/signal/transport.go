package signal

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Send when the underlying bus has no route to
// the network. The call engine surfaces this as a precondition failure on
// Start/Answer, never as a mid-call error.
var ErrNotConnected = errors.New("signal: transport not connected")

// Transport is the narrow port between the call engine and whatever message
// bus the application runs on (libp2p streams, a websocket relay, an
// in-process loopback in tests). Delivery is at-most-once per attempt with no
// ordering guarantee; the state machine is built to tolerate duplicates and
// reordering, so implementations must not add dedup or sequencing of their own.
type Transport interface {
	// Send delivers msg to msg.To. Fire-and-forget from the engine's point of
	// view; an error means the message certainly did not leave this process.
	Send(ctx context.Context, msg *Message) error

	// Subscribe returns a channel of inbound messages addressed to the local
	// user. The cancel func detaches the subscription and closes the channel.
	Subscribe() (<-chan *Message, func())

	// Connected reports whether the bus currently has a live route.
	Connected() bool

	Close() error
}
