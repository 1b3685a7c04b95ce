// Package transport carries party messages between sessions. Every
// implementation delivers raw frames to a single handler and never back to
// the endpoint that sent them.
package transport

import (
	"context"
	"errors"

	"streamly/internal/protocol"
)

var ErrClosed = errors.New("transport closed")

type Transport interface {
	// Join announces the session in a room. Transports without rooms
	// accept it as a no-op.
	Join(ctx context.Context, msg protocol.Join) error
	Send(msg protocol.Message) error
	// OnMessage replaces the inbound frame handler.
	OnMessage(handler func(data []byte))
	// OnClose is called at most once when the transport goes away on its
	// own. It is not called for an explicit Close.
	OnClose(handler func(err error))
	Close() error
}
