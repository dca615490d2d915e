package device

import (
	"context"
	"io"
)

// Transport is the byte stream to the sensor. Closing it must unblock a
// pending Read; that is the only way the read loop is stopped.
type Transport interface {
	io.ReadWriteCloser
}

// Opener creates a Transport for one connection.
type Opener interface {
	Open(ctx context.Context) (Transport, error)
	// Describe names the endpoint for logs and the status API.
	Describe() string
}

// drainer is implemented by transports that can block until queued output
// has been sent (go.bug.st/serial ports do).
type drainer interface {
	Drain() error
}
