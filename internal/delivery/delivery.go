package delivery

import (
	"errors"
)

var (
	// ErrUnavailable means the named endpoint does not exist or nobody is listening on it.
	ErrUnavailable = errors.New("delivery sink unavailable")
	// ErrDeliveryFailed wraps any write failure on an open sink.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Sink receives raw PCM for one request. Close is idempotent and must be
// called on every exit path.
type Sink interface {
	Write(samples []float32) error
	Close() error
}

// Transport connects to sinks the client has already created. It never
// creates an endpoint itself.
type Transport interface {
	Open(name string) (Sink, error)
}
