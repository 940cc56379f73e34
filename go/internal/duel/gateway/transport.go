package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
)

var (
	// ErrNotConnected is returned when a command needs a live transport
	ErrNotConnected = errors.New("not connected to duel server")
	// ErrTransportClosed is returned by a transport after Close or a dropped connection
	ErrTransportClosed = errors.New("transport closed")
	// ErrManagerClosed is returned by Connect after Close
	ErrManagerClosed = errors.New("connection manager closed")
)

// AckFunc receives the raw acknowledgment body for an acked emit
type AckFunc func(data json.RawMessage)

// Transport is one live bidirectional connection to the duel server
type Transport interface {
	Emit(ctx context.Context, event events.EventType, payload any) error
	EmitWithAck(ctx context.Context, event events.EventType, payload any, ack AckFunc) error
	Close() error
}

// TransportHandler receives inbound traffic from a Transport.
// Calls for one transport never overlap and arrive in wire order.
type TransportHandler interface {
	HandleMessage(event events.EventType, data json.RawMessage)
	// HandleDisconnect is called once when the connection drops without Close.
	HandleDisconnect(err error)
}

// DialOptions carries the identity a transport presents to the server
type DialOptions struct {
	Token   string
	GuestID string
}

// Dialer creates transports
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions, h TransportHandler) (Transport, error)
}
