package transport

import (
    "context"
    "errors"

    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/protocol"
)

var (
    ErrNotStarted = errors.New("transport: not started")
    ErrClosed     = errors.New("transport: closed")
    // ErrNotSequenced wraps failures the transport knows happened before the envelope
    // was ordered. Any other Broadcast error leaves the outcome unknown.
    ErrNotSequenced = errors.New("transport: not sequenced")
)

// NotSequenced reports whether err proves the envelope was never ordered.
func NotSequenced(err error) bool {
    return errors.Is(err, ErrNotSequenced) || errors.Is(err, ErrNotStarted) || errors.Is(err, ErrClosed)
}

// DeliverFunc receives envelopes in delivery order. It is called from a single
// goroutine per transport and must not block for long.
type DeliverFunc func(env protocol.Envelope)

// Transport is the ordered group channel the core runs on. Implementations guarantee:
// every broadcast is delivered to every subscribed member in one total order; a sender
// receives its own broadcasts, in send order; Start returns only once the local node
// is subscribed, so nothing it broadcasts afterwards is missed.
type Transport interface {
    Start(ctx context.Context, local membership.Node, deliver DeliverFunc) error
    Broadcast(ctx context.Context, env protocol.Envelope) error
    // Send delivers env to one member only. It shares the broadcast order.
    Send(ctx context.Context, to membership.NodeID, env protocol.Envelope) error
    // Addr returns the local bind/advertise address if applicable.
    Addr() string
    Stop(ctx context.Context) error
}
