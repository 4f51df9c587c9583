package mailqueue

import "context"

// Message is what the transport actually delivers.
type Message struct {
	ToEmail string
	ToName  string
	Subject string
	Body    string // HTML
}

// Transport delivers a single message. Implementations must be safe for
// concurrent use; the worker calls Send from a bounded pool of goroutines and
// always passes a context with a deadline.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, msg Message) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
