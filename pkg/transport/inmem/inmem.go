// Package inmem is an in-process ordered group transport: a Hub owns one sequencer and
// hands out endpoints. It backs tests and single-process embeddings.
package inmem

import (
    "context"
    "fmt"
    "sync"

    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/protocol"
    "github.com/amirimatin/go-group/pkg/transport"
)

type Hub struct {
    seq *transport.Sequencer

    mu       sync.RWMutex
    isolated map[membership.NodeID]bool
}

func NewHub(log *zap.Logger) *Hub {
    return &Hub{seq: transport.NewSequencer(log), isolated: make(map[membership.NodeID]bool)}
}

// Endpoint returns a transport for one node; addr is informational.
func (h *Hub) Endpoint(addr string) *Endpoint { return &Endpoint{hub: h, addr: addr} }

// Isolate cuts id off: its submissions are dropped and nothing is delivered to it.
// Pings to it fail.
func (h *Hub) Isolate(id membership.NodeID) {
    h.mu.Lock(); defer h.mu.Unlock()
    h.isolated[id] = true
}

func (h *Hub) Heal(id membership.NodeID) {
    h.mu.Lock(); defer h.mu.Unlock()
    delete(h.isolated, id)
}

func (h *Hub) isIsolated(id membership.NodeID) bool {
    h.mu.RLock(); defer h.mu.RUnlock()
    return h.isolated[id]
}

// Ping succeeds when n has a live, non-isolated endpoint on this hub.
func (h *Hub) Ping(_ context.Context, n membership.Node) error {
    if h.isIsolated(n.ID) || !h.seq.Subscribed(n.ID) {
        return fmt.Errorf("inmem: node %s unreachable", n)
    }
    return nil
}

// Close drops every subscription.
func (h *Hub) Close() { h.seq.Close() }

type Endpoint struct {
    hub  *Hub
    addr string

    mu     sync.Mutex
    local  membership.Node
    cancel func()
}

func (e *Endpoint) Start(_ context.Context, local membership.Node, deliver transport.DeliverFunc) error {
    if deliver == nil { return fmt.Errorf("inmem: %w: deliver func required", membership.ErrInvalidArgument) }
    e.mu.Lock(); defer e.mu.Unlock()
    if e.cancel != nil { return fmt.Errorf("inmem: %w: already started", membership.ErrInvalidState) }
    e.local = local
    e.cancel = e.hub.seq.Subscribe(local, func(env protocol.Envelope) error {
        if transport.IsSubscribeMarker(env) { return nil }
        if e.hub.isIsolated(local.ID) { return nil }
        metrics.DeliveredTotal.WithLabelValues(string(env.Kind)).Inc()
        deliver(env)
        return nil
    })
    return nil
}

func (e *Endpoint) Broadcast(_ context.Context, env protocol.Envelope) error {
    return e.submit(env)
}

func (e *Endpoint) Send(_ context.Context, to membership.NodeID, env protocol.Envelope) error {
    env.To = to
    return e.submit(env)
}

func (e *Endpoint) submit(env protocol.Envelope) error {
    e.mu.Lock()
    started, local := e.cancel != nil, e.local
    e.mu.Unlock()
    if !started { return transport.ErrNotStarted }
    if e.hub.isIsolated(local.ID) { return nil }
    if env.From.IsZero() { env.From = local }
    metrics.BroadcastTotal.WithLabelValues(string(env.Kind)).Inc()
    if _, err := e.hub.seq.Submit(env); err != nil { return fmt.Errorf("inmem: %w: %w", transport.ErrNotSequenced, err) }
    return nil
}

func (e *Endpoint) Addr() string { return e.addr }

func (e *Endpoint) Stop(context.Context) error {
    e.mu.Lock(); defer e.mu.Unlock()
    if e.cancel != nil {
        e.cancel()
        e.cancel = nil
    }
    return nil
}

var _ transport.Transport = (*Endpoint)(nil)
