package core

import "errors"

// Frame is a raw signaling payload.
type Frame []byte

var ErrBackpressure = errors.New("backpressure")

// Transport abstracts one physical signaling connection.
// Owned by the channel that dialed it; the channel must Close() it.
type Transport interface {
	// Send fails if the connection is not open.
	Send(Frame) error
	Close() error
}

// TransportHandler receives the lifecycle of a Transport. Callbacks are
// invoked from a single goroutine owned by the transport, in order, and
// never synchronously from inside Dial. OnClose is the last callback.
type TransportHandler struct {
	OnOpen    func()
	OnMessage func(Frame)
	OnError   func(error)
	OnClose   func()
}

// Dialer opens transports to a named address. Dial returns immediately;
// the outcome is reported through the handler.
type Dialer interface {
	Dial(addr string, h TransportHandler) (Transport, error)
}
