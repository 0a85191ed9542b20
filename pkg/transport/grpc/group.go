package grpc

import (
    "context"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"
    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/observability/tracing"
    "github.com/amirimatin/go-group/pkg/protocol"
    "github.com/amirimatin/go-group/pkg/transport"
)

// GroupOptions configures the gRPC group transport.
type GroupOptions struct {
    // Sequencer is the address of the node ordering broadcasts.
    Sequencer string
    // Advertise is reported by Addr.
    Advertise string
    Client    *Client
    // SubscribeTimeout bounds Start waiting for the first delivery stream.
    SubscribeTimeout time.Duration
    // OnStreamLost is called when the delivery stream breaks after Start. Envelopes
    // may have been missed, so the owner typically reconnects.
    OnStreamLost func(err error)
    Logger       *zap.Logger
}

// Group is a transport.Transport that submits to a sequencer node and receives the
// ordered stream from it.
type Group struct {
    opts GroupOptions

    mu      sync.Mutex
    local   membership.Node
    cancel  context.CancelFunc
    stopped chan struct{}
}

func NewGroup(opts GroupOptions) (*Group, error) {
    if opts.Sequencer == "" { return nil, fmt.Errorf("grpc: %w: sequencer address required", membership.ErrInvalidArgument) }
    if opts.Client == nil { opts.Client = NewClient(3 * time.Second) }
    if opts.SubscribeTimeout <= 0 { opts.SubscribeTimeout = 10 * time.Second }
    return &Group{opts: opts}, nil
}

// Start opens the delivery stream and returns once the sequencer acknowledged the
// subscription.
func (g *Group) Start(ctx context.Context, local membership.Node, deliver transport.DeliverFunc) error {
    if deliver == nil { return fmt.Errorf("grpc: %w: deliver func required", membership.ErrInvalidArgument) }
    g.mu.Lock()
    if g.cancel != nil {
        g.mu.Unlock()
        return fmt.Errorf("grpc: %w: group transport already started", membership.ErrInvalidState)
    }
    sctx, cancel := context.WithCancel(context.Background())
    g.local, g.cancel, g.stopped = local, cancel, make(chan struct{})
    stopped := g.stopped
    g.mu.Unlock()

    ready := make(chan error, 1)
    go func() {
        defer close(stopped)
        err := g.subscribe(sctx, local, deliver, ready)
        if sctx.Err() != nil { return }
        logutil.Warnf(g.opts.Logger, "grpc: delivery stream from %s lost: %v", g.opts.Sequencer, err)
        if g.opts.OnStreamLost != nil { g.opts.OnStreamLost(err) }
    }()

    wait, cancelWait := context.WithTimeout(ctx, g.opts.SubscribeTimeout)
    defer cancelWait()
    select {
    case err := <-ready:
        if err != nil {
            _ = g.Stop(context.Background())
            return err
        }
        return nil
    case <-wait.Done():
        _ = g.Stop(context.Background())
        return fmt.Errorf("grpc: subscribe to %s: %w", g.opts.Sequencer, wait.Err())
    }
}

// subscribe runs the receive loop. ready gets nil after the subscription marker, or
// the error that prevented it.
func (g *Group) subscribe(ctx context.Context, local membership.Node, deliver transport.DeliverFunc, ready chan<- error) error {
    signal := func(err error) {
        select {
        case ready <- err:
        default:
        }
    }
    cc, rel, err := g.opts.Client.getConn(ctx, g.opts.Sequencer)
    if err != nil {
        signal(err)
        return err
    }
    defer rel()
    sd := &grpc.StreamDesc{ServerStreams: true}
    cs, err := cc.NewStream(ctx, sd, "/"+broadcastService+"/Subscribe")
    if err != nil {
        signal(err)
        return err
    }
    if err := cs.SendMsg(&subscribeReq{Node: local}); err != nil {
        signal(err)
        return err
    }
    _ = cs.CloseSend()
    for {
        var env protocol.Envelope
        if err := cs.RecvMsg(&env); err != nil {
            signal(err)
            return err
        }
        if transport.IsSubscribeMarker(env) {
            logutil.Debugf(g.opts.Logger, "grpc: subscribed to %s at seq %d", g.opts.Sequencer, env.Seq)
            signal(nil)
            continue
        }
        metrics.DeliveredTotal.WithLabelValues(string(env.Kind)).Inc()
        deliver(env)
    }
}

func (g *Group) Broadcast(ctx context.Context, env protocol.Envelope) error {
    return g.submit(ctx, env)
}

func (g *Group) Send(ctx context.Context, to membership.NodeID, env protocol.Envelope) error {
    env.To = to
    return g.submit(ctx, env)
}

func (g *Group) submit(ctx context.Context, env protocol.Envelope) error {
    g.mu.Lock()
    started, local := g.cancel != nil, g.local
    g.mu.Unlock()
    if !started { return transport.ErrNotStarted }
    if env.From.IsZero() { env.From = local }
    ctx, end := tracing.StartSpan(ctx, "transport.submit", "kind", string(env.Kind))
    defer end()
    cctx, cancel := context.WithTimeout(ctx, g.opts.Client.timeout)
    defer cancel()
    cc, rel, err := g.opts.Client.getConn(cctx, g.opts.Sequencer)
    if err != nil { return fmt.Errorf("grpc: %w: %w", transport.ErrNotSequenced, err) }
    defer rel()
    var out submitResp
    if err := cc.Invoke(cctx, "/"+broadcastService+"/Submit", &env, &out); err != nil {
        if rejected(err) { return fmt.Errorf("grpc: %w: %w", transport.ErrNotSequenced, err) }
        return err
    }
    metrics.BroadcastTotal.WithLabelValues(string(env.Kind)).Inc()
    return nil
}

// rejected reports refusals the server returns before its sequencer runs.
func rejected(err error) bool {
    switch status.Code(err) {
    case codes.InvalidArgument, codes.FailedPrecondition, codes.Unimplemented, codes.PermissionDenied, codes.Unauthenticated:
        return true
    }
    return false
}

func (g *Group) Addr() string { return g.opts.Advertise }

func (g *Group) Stop(ctx context.Context) error {
    g.mu.Lock()
    cancel, stopped := g.cancel, g.stopped
    g.cancel = nil
    g.mu.Unlock()
    if cancel == nil { return nil }
    cancel()
    select {
    case <-stopped:
    case <-ctx.Done():
        return ctx.Err()
    }
    return nil
}

var _ transport.Transport = (*Group)(nil)
