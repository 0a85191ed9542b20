package liveness

import (
    "context"
    "fmt"
    "sort"
    "sync"

    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/compartment"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
)

// Evidence is where the bridge records what the feed reports.
type Evidence interface {
    IsMember(id membership.NodeID) bool
    AddFailedMembers(ids ...membership.NodeID) error
    AddLeftMembers(ids ...membership.NodeID) error
}

type BridgeOptions struct {
    Feed        Feed
    Compartment *compartment.Compartment
    Evidence    Evidence
    Logger      *zap.Logger
}

// Bridge keeps the set of live peers and forwards departures to the failure detector
// on the compartment. Peers outside the installed view only affect the live set.
type Bridge struct {
    opts BridgeOptions
    log  *zap.Logger

    mu   sync.RWMutex
    live map[membership.NodeID]membership.Node
}

func NewBridge(opts BridgeOptions) (*Bridge, error) {
    if opts.Compartment == nil { return nil, fmt.Errorf("liveness: %w: compartment required", membership.ErrInvalidArgument) }
    if opts.Evidence == nil { return nil, fmt.Errorf("liveness: %w: evidence sink required", membership.ErrInvalidArgument) }
    return &Bridge{opts: opts, log: opts.Logger, live: make(map[membership.NodeID]membership.Node)}, nil
}

// Run consumes feed events until the feed closes its channel or ctx is done.
func (b *Bridge) Run(ctx context.Context) {
    if b.opts.Feed == nil { return }
    for _, p := range b.opts.Feed.Peers() { b.Observe(p.Node) }
    evts := b.opts.Feed.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evts:
            if !ok { return }
            b.Handle(e)
        }
    }
}

// Handle applies one feed event.
func (b *Bridge) Handle(e Event) {
    n := e.Peer.Node
    if n.IsZero() { return }
    switch e.Type {
    case EventJoin:
        b.Observe(n)
        return
    case EventLeave, EventFailed:
        b.Forget(n.ID)
    default:
        return
    }
    _ = b.opts.Compartment.Post(func() {
        if !b.opts.Evidence.IsMember(n.ID) { return }
        var err error
        if e.Type == EventLeave {
            err = b.opts.Evidence.AddLeftMembers(n.ID)
        } else {
            err = b.opts.Evidence.AddFailedMembers(n.ID)
        }
        if err != nil { logutil.Debugf(b.log, "liveness: %s %s: %v", e.Type, n, err) }
    })
}

// Observe adds n to the live set.
func (b *Bridge) Observe(n membership.Node) {
    if n.IsZero() { return }
    b.mu.Lock(); defer b.mu.Unlock()
    b.live[n.ID] = n
}

// Forget removes id from the live set.
func (b *Bridge) Forget(id membership.NodeID) {
    b.mu.Lock(); defer b.mu.Unlock()
    delete(b.live, id)
}

// Live lists live peers ordered by id.
func (b *Bridge) Live() []membership.Node {
    b.mu.RLock(); defer b.mu.RUnlock()
    out := make([]membership.Node, 0, len(b.live))
    for _, n := range b.live { out = append(out, n) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}
