package transport

import (
    "fmt"
    "sync"

    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/protocol"
)

// Sequencer assigns a global sequence number to every submitted envelope and fans it
// out to subscribers. Each subscriber is pumped by its own goroutine from an unbounded
// queue, so a slow member never reorders or drops traffic for the others.
type Sequencer struct {
    mu   sync.Mutex
    seq  uint64
    subs map[membership.NodeID]*subscriber
    log  *zap.Logger
}

func NewSequencer(log *zap.Logger) *Sequencer {
    return &Sequencer{subs: make(map[membership.NodeID]*subscriber), log: log}
}

// IsSubscribeMarker reports whether env is the kind-less envelope every subscriber
// receives first. It carries the sequence number at subscription time.
func IsSubscribeMarker(env protocol.Envelope) bool { return env.Kind == "" }

// Subscribe registers node. deliver is called in sequence order; when it returns an
// error the subscription is dropped. A node re-subscribing replaces its previous
// subscription. The returned cancel func is idempotent.
func (s *Sequencer) Subscribe(node membership.Node, deliver func(protocol.Envelope) error) (cancel func()) {
    sub := newSubscriber(node, deliver)
    s.mu.Lock()
    if old, ok := s.subs[node.ID]; ok { old.close() }
    s.subs[node.ID] = sub
    sub.push(protocol.Envelope{Seq: s.seq})
    n := len(s.subs)
    s.mu.Unlock()
    metrics.Subscribers.Set(float64(n))
    logutil.Debugf(s.log, "sequencer: %s subscribed (%d subscribers)", node, n)

    go func() {
        sub.pump()
        s.remove(sub)
    }()
    return sub.close
}

func (s *Sequencer) remove(sub *subscriber) {
    s.mu.Lock()
    if cur, ok := s.subs[sub.node.ID]; ok && cur == sub { delete(s.subs, sub.node.ID) }
    n := len(s.subs)
    s.mu.Unlock()
    metrics.Subscribers.Set(float64(n))
}

// Submit orders env and queues it for delivery. Unicast envelopes (To set) go to that
// subscriber only. It returns the assigned sequence number.
func (s *Sequencer) Submit(env protocol.Envelope) (uint64, error) {
    if env.Kind == "" { return 0, fmt.Errorf("transport: %w: envelope without kind", membership.ErrInvalidArgument) }
    s.mu.Lock()
    defer s.mu.Unlock()
    s.seq++
    env.Seq = s.seq
    metrics.Sequence.Set(float64(s.seq))
    if env.To != "" {
        if sub, ok := s.subs[env.To]; ok { sub.push(env) }
        return env.Seq, nil
    }
    for _, sub := range s.subs { sub.push(env) }
    return env.Seq, nil
}

// Subscribed reports whether id has a live subscription.
func (s *Sequencer) Subscribed(id membership.NodeID) bool {
    s.mu.Lock(); defer s.mu.Unlock()
    _, ok := s.subs[id]
    return ok
}

// Close drops every subscription.
func (s *Sequencer) Close() {
    s.mu.Lock()
    subs := s.subs
    s.subs = make(map[membership.NodeID]*subscriber)
    s.mu.Unlock()
    for _, sub := range subs { sub.close() }
    metrics.Subscribers.Set(0)
}

type subscriber struct {
    node    membership.Node
    deliver func(protocol.Envelope) error

    mu     sync.Mutex
    queue  []protocol.Envelope
    closed bool
    wake   chan struct{}
    once   sync.Once
}

func newSubscriber(node membership.Node, deliver func(protocol.Envelope) error) *subscriber {
    return &subscriber{node: node, deliver: deliver, wake: make(chan struct{}, 1)}
}

func (s *subscriber) push(env protocol.Envelope) {
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        return
    }
    s.queue = append(s.queue, env)
    s.mu.Unlock()
    select {
    case s.wake <- struct{}{}:
    default:
    }
}

func (s *subscriber) close() {
    s.once.Do(func() {
        s.mu.Lock()
        s.closed = true
        s.queue = nil
        s.mu.Unlock()
        select {
        case s.wake <- struct{}{}:
        default:
        }
    })
}

func (s *subscriber) isClosed() bool {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.closed
}

func (s *subscriber) pump() {
    for {
        s.mu.Lock()
        if s.closed {
            s.mu.Unlock()
            return
        }
        if len(s.queue) == 0 {
            s.mu.Unlock()
            <-s.wake
            continue
        }
        batch := s.queue
        s.queue = nil
        s.mu.Unlock()
        for _, env := range batch {
            if s.isClosed() { return }
            if err := s.deliver(env); err != nil {
                s.close()
                return
            }
        }
    }
}
