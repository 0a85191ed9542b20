// Package channel composes the membership core into one group channel: a compartment
// owning all state, the failure detector, the view manager, the command manager, the
// close coordinator and state transfer, all running over an ordered transport.
package channel

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/go-multierror"
    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/closer"
    "github.com/amirimatin/go-group/pkg/command"
    "github.com/amirimatin/go-group/pkg/compartment"
    "github.com/amirimatin/go-group/pkg/detector"
    "github.com/amirimatin/go-group/pkg/heartbeat"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/liveness"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/membership/manager"
    "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/protocol"
    "github.com/amirimatin/go-group/pkg/statetransfer"
    "github.com/amirimatin/go-group/pkg/tracking"
    "github.com/amirimatin/go-group/pkg/transport"
)

var ErrClosed = errors.New("channel: closed")

// sendTimeout bounds one transport call.
const sendTimeout = 5 * time.Second

type Channel struct {
    opts  Options
    log   *zap.Logger
    local membership.Node

    comp    *compartment.Compartment
    det     *detector.Detector
    mgr     *manager.Manager
    cmds    *command.Manager
    closing *closer.Coordinator
    bridge  *liveness.Bridge
    hb      *heartbeat.Monitor
    track   tracking.Strategy

    states *statetransfer.Registry
    state  *statetransfer.Coordinator

    eb eventBus

    mu       sync.Mutex
    started  bool
    cancel   context.CancelFunc
    timers   []func()
    stopJoin func()
    joined   chan struct{}
    joinOnce sync.Once
    stopOnce sync.Once
    stopErr  error

    failed atomic.Bool
}

// New builds and wires a channel. Nothing runs until Start.
func New(opts Options) (*Channel, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    c := &Channel{
        opts:   opts,
        log:    opts.Logger,
        local:  opts.Local,
        comp:   compartment.New(string(opts.Group)+"/"+opts.Local.ID.Short(), opts.Logger),
        joined: make(chan struct{}),
    }

    // Values first.
    c.det = detector.New(detector.Options{Listeners: opts.FailureListeners, Logger: opts.Logger})
    mgr, err := manager.New(manager.Options{
        Local:           opts.Local,
        Detector:        c.det,
        Broadcast:       c.broadcast,
        Listeners:       opts.Listeners,
        Journal:         opts.Journal,
        OnExcluded:      c.onExcluded,
        ProposalTimeout: opts.ProposalTimeout,
        Logger:          opts.Logger,
    })
    if err != nil { return nil, err }
    c.mgr = mgr
    cmds, err := command.NewManager(command.Options{
        Local:       opts.Local,
        Compartment: c.comp,
        Broadcast:   c.broadcast,
        Send:        c.send,
        Handlers:    opts.Handlers,
        Logger:      opts.Logger,
    })
    if err != nil { return nil, err }
    c.cmds = cmds
    c.bridge, err = liveness.NewBridge(liveness.BridgeOptions{Feed: opts.Feed, Compartment: c.comp, Evidence: c.det, Logger: opts.Logger})
    if err != nil { return nil, err }

    strategies := append([]closer.Strategy{closer.NoPendingCommands(cmds)}, opts.CloseStrategies...)
    c.closing, err = closer.New(closer.Options{
        Compartment: c.comp,
        Strategies:  strategies,
        Interval:    opts.CloseInterval,
        Timeout:     opts.GracefulCloseTimeout,
        Hooks:       closer.Hooks{Uninstall: c.uninstall, Stop: c.stop, OnReconnect: opts.OnReconnect},
        Logger:      opts.Logger,
    })
    if err != nil { return nil, err }

    if opts.State != nil {
        c.states = statetransfer.NewRegistry(opts.State)
        b, err := c.states.Bind(opts.Group)
        if err != nil { return nil, err }
        c.state, err = statetransfer.NewCoordinator(statetransfer.CoordinatorOptions{
            Local:    opts.Local,
            Binding:  b,
            Send:     c.send,
            Complete: c.mgr.CompleteInstall,
            Logger:   opts.Logger,
        })
        if err != nil { return nil, err }
    }

    if opts.Tracking != nil {
        c.track = opts.Tracking(c.mgr, c.det)
    } else {
        c.track = tracking.NewCoordinatorStrategy(c.mgr, c.det)
    }
    if opts.Pinger != nil {
        c.hb, err = heartbeat.New(heartbeat.Options{
            Local:       opts.Local,
            Compartment: c.comp,
            Strategy:    c.track,
            Pinger:      opts.Pinger,
            Evidence:    c.det,
            Live:        c.live,
            Forget:      c.bridge.Forget,
            Interval:    opts.HeartbeatInterval,
            MaxFailures: opts.MaxFailures,
            Logger:      opts.Logger,
        })
        if err != nil { return nil, err }
    }

    // Then the cross references.
    c.det.SetEvidenceHook(c.considerViewChange)
    bus := c.busListener()
    c.det.AddListener(bus)
    c.mgr.AddListener(membership.ListenerFuncs{Joined: c.onJoined, Changed: c.onViewChanged})
    c.mgr.AddListener(bus)
    if c.state != nil { c.mgr.AddParticipant(c.state) }
    return c, nil
}

func (c *Channel) Local() membership.Node { return c.local }

// Commands exposes the command manager, e.g. to add handlers or response observers.
func (c *Channel) Commands() *command.Manager { return c.cmds }

// Detector exposes read access to failure evidence.
func (c *Channel) Detector() *detector.Detector { return c.det }

func (c *Channel) Manager() *manager.Manager { return c.mgr }

// Binding is the state transfer binding of the group, nil without a state factory.
func (c *Channel) Binding() *statetransfer.Binding {
    if c.states == nil { return nil }
    b, _ := c.states.Bind(c.opts.Group)
    return b
}

// Start subscribes to the transport and then either bootstraps a new group or keeps
// asking to join until a view is installed.
func (c *Channel) Start(ctx context.Context) error {
    c.mu.Lock()
    if c.started {
        c.mu.Unlock()
        return fmt.Errorf("channel: %w: already started", membership.ErrInvalidState)
    }
    c.started = true
    runCtx, cancel := context.WithCancel(context.Background())
    c.cancel = cancel
    c.mu.Unlock()

    metrics.Register()
    if err := c.comp.Start(); err != nil { return err }
    if err := c.opts.Transport.Start(ctx, c.local, c.deliver); err != nil {
        _ = c.comp.Stop()
        return fmt.Errorf("channel: transport: %w", err)
    }
    if f := c.opts.Feed; f != nil {
        if err := f.Start(runCtx); err != nil {
            _ = c.Close(false)
            return fmt.Errorf("channel: liveness feed: %w", err)
        }
        if c.opts.Seeds != nil {
            seeds, err := c.opts.Seeds.Seeds(ctx)
            if err != nil { logutil.Warnf(c.log, "channel: seed discovery: %v", err) }
            if len(seeds) > 0 {
                if err := f.Join(seeds); err != nil { logutil.Warnf(c.log, "channel: join gossip seeds %v: %v", seeds, err) }
            }
        }
        go c.bridge.Run(runCtx)
    }
    if c.hb != nil {
        if err := c.hb.Start(); err != nil { return err }
    }
    c.mu.Lock()
    c.timers = append(c.timers, c.comp.Every(c.opts.ProposalTimeout, c.considerViewChange))
    c.mu.Unlock()

    if c.opts.Bootstrap {
        err := c.comp.Execute(ctx, func() error {
            if c.state != nil {
                if _, err := c.state.Recover(); err != nil { logutil.Warnf(c.log, "channel: recover state: %v", err) }
            }
            return c.mgr.Bootstrap()
        })
        if err != nil {
            _ = c.Close(false)
            return err
        }
        return nil
    }
    c.mu.Lock()
    c.stopJoin = c.comp.Every(c.opts.JoinRetry, c.requestJoin)
    c.mu.Unlock()
    return c.comp.Post(c.requestJoin)
}

// AwaitJoined blocks until the first view is installed or ctx is done.
func (c *Channel) AwaitJoined(ctx context.Context) error {
    select {
    case <-c.joined:
        return nil
    case <-c.closing.Done():
        return ErrClosed
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Send broadcasts an application payload to the group.
func (c *Channel) Send(ctx context.Context, body []byte) error {
    if c.closing.State() != closer.Open { return ErrClosed }
    return c.broadcastCtx(ctx, protocol.Data{Body: body})
}

// SendPart broadcasts an extension part, typically protocol.Custom.
func (c *Channel) SendPart(ctx context.Context, p protocol.Part) error {
    if c.closing.State() != closer.Open { return ErrClosed }
    return c.broadcastCtx(ctx, p)
}

// ExecuteCommand runs cmd on every member in the group order. It does not block;
// done is called once the command came back through the group.
func (c *Channel) ExecuteCommand(cmd command.Command, done command.CompletionHandler) error {
    if c.closing.State() != closer.Open { return ErrClosed }
    return c.cmds.Execute(cmd, done)
}

// Close leaves the group and stops the channel; see closer.Coordinator.Close.
func (c *Channel) Close(graceful bool) error { return c.closing.Close(graceful) }

// Reconnect drops the view and stops the channel in the background.
func (c *Channel) Reconnect() error { return c.closing.Reconnect() }

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.closing.Done() }

// Failed reports whether the channel stopped on a broken invariant.
func (c *Channel) Failed() bool { return c.failed.Load() }

func (c *Channel) broadcast(p protocol.Part) error {
    return c.broadcastCtx(context.Background(), p)
}

func (c *Channel) broadcastCtx(ctx context.Context, p protocol.Part) error {
    env, err := protocol.Encode(c.local, p)
    if err != nil { return fmt.Errorf("channel: %w: %w", transport.ErrNotSequenced, err) }
    ctx, cancel := context.WithTimeout(ctx, sendTimeout)
    defer cancel()
    return c.opts.Transport.Broadcast(ctx, env)
}

func (c *Channel) send(to membership.NodeID, p protocol.Part) error {
    env, err := protocol.Encode(c.local, p)
    if err != nil { return err }
    ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
    defer cancel()
    return c.opts.Transport.Send(ctx, to, env)
}

// deliver is the transport callback. Decoding happens here; everything else runs on
// the compartment in delivery order.
func (c *Channel) deliver(env protocol.Envelope) {
    part, err := c.opts.Registry.Decode(env)
    if err != nil {
        logutil.Warnf(c.log, "channel: dropping undecodable %s: %v", env.Kind, err)
        return
    }
    from := env.From
    if err := c.comp.Post(func() { c.dispatch(from, part) }); err != nil {
        logutil.Debugf(c.log, "channel: %s from %s after stop", env.Kind, from)
    }
}

func (c *Channel) dispatch(from membership.Node, part protocol.Part) {
    switch p := part.(type) {
    case protocol.ViewProposal:
        run := func() {
            if err := c.mgr.HandleProposal(p, from); err != nil { c.fail(err) }
        }
        if c.hold(part, run) { return }
        run()
    case protocol.JoinRequest:
        c.onJoinRequest(p)
    case protocol.LeaveNotice:
        c.onLeaveNotice(p, from)
    case protocol.StateSnapshot:
        if c.state == nil { return }
        if err := c.state.HandleSnapshot(p, from); err != nil { c.fail(err) }
    case protocol.CommandMessage:
        run := func() { c.deliverCommand(p.Command, from) }
        if c.hold(part, run) { return }
        run()
    case protocol.CommandResponse:
        c.cmds.HandleResponse(from, p)
    case protocol.Data:
        run := func() { c.receive(from, p) }
        if c.hold(part, run) { return }
        if !c.inView() {
            logutil.Debugf(c.log, "channel: data from %s before joining, dropped", from)
            return
        }
        run()
    default:
        c.receive(from, part)
    }
}

func (c *Channel) hold(p protocol.Part, run func()) bool {
    return c.state != nil && c.state.Hold(p, run)
}

func (c *Channel) inView() bool {
    _, ok := c.mgr.InstalledMembership()
    return ok
}

func (c *Channel) deliverCommand(cmd command.Command, from membership.Node) {
    if from.ID != c.local.ID && !c.inView() { return }
    if err := c.cmds.Deliver(context.Background(), cmd, from); err != nil { c.fail(err) }
}

func (c *Channel) receive(from membership.Node, p protocol.Part) {
    if c.opts.Receiver == nil { return }
    c.opts.Receiver.Receive(from, p)
}

func (c *Channel) onJoinRequest(p protocol.JoinRequest) {
    if p.Node.ID == c.local.ID { return }
    if c.opts.Feed == nil { c.bridge.Observe(p.Node) }
    if err := c.mgr.RequestJoin(p.Node); err != nil {
        logutil.Warnf(c.log, "channel: join request of %s: %v", p.Node, err)
    }
}

func (c *Channel) onLeaveNotice(p protocol.LeaveNotice, from membership.Node) {
    n := p.Node
    if n.IsZero() { n = from }
    if n.ID == c.local.ID || !c.det.IsMember(n.ID) || c.det.IsFailed(n.ID) { return }
    if err := c.det.AddLeftMembers(n.ID); err != nil {
        logutil.Warnf(c.log, "channel: leave notice of %s: %v", n, err)
    }
}

// requestJoin runs on the compartment until the first view is installed. A join whose
// state did not arrive within StateTimeout is dropped and requested again.
func (c *Channel) requestJoin() {
    if c.closing.State() != closer.Open { return }
    switch c.mgr.State() {
    case manager.Uninitialized:
    case manager.Preparing:
        if c.state == nil || !c.state.Expired(c.opts.StateTimeout) { return }
        logutil.Warnf(c.log, "channel: no state within %s, asking to join again", c.opts.StateTimeout)
        c.state.Reset()
        if err := c.mgr.AbandonJoin(); err != nil {
            c.fail(err)
            return
        }
    default:
        return
    }
    if err := c.broadcast(protocol.JoinRequest{Node: c.local}); err != nil {
        logutil.Debugf(c.log, "channel: join request: %v", err)
    }
}

func (c *Channel) considerViewChange() {
    if err := c.mgr.ConsiderViewChange(); err != nil {
        logutil.Warnf(c.log, "channel: view change: %v", err)
    }
}

func (c *Channel) onJoined() {
    c.mu.Lock()
    stop := c.stopJoin
    c.stopJoin = nil
    c.mu.Unlock()
    if stop != nil { stop() }
    c.joinOnce.Do(func() { close(c.joined) })
    c.observeView()
}

func (c *Channel) onViewChanged(membership.Event) {
    c.observeView()
    // Joins that queued up behind the view just installed.
    if len(c.mgr.PendingJoins()) > 0 { _ = c.comp.Post(c.considerViewChange) }
}

func (c *Channel) observeView() {
    if c.opts.Feed != nil { return }
    if v, ok := c.mgr.InstalledMembership(); ok {
        for _, n := range v.Group.Nodes() { c.bridge.Observe(n) }
    }
}

// live is the heartbeat's view of reachable peers.
func (c *Channel) live() []membership.Node {
    return append(c.bridge.Live(), c.local)
}

func (c *Channel) onExcluded() {
    if err := c.closing.Reconnect(); err != nil {
        logutil.Debugf(c.log, "channel: reconnect after exclusion: %v", err)
    }
}

// fail handles a broken invariant: the channel cannot continue, so it stops
// forcefully.
func (c *Channel) fail(err error) {
    if !c.failed.CompareAndSwap(false, true) {
        logutil.Debugf(c.log, "channel: further error after failure: %v", err)
        return
    }
    logutil.Errorf(c.log, "channel: fatal: %v", err)
    go func() {
        if cerr := c.closing.Close(false); cerr != nil { logutil.Warnf(c.log, "channel: forced close: %v", cerr) }
    }()
}

// uninstall runs on the compartment when the closer leaves the group.
func (c *Channel) uninstall(reason membership.LeaveReason) error {
    if c.hb != nil { c.hb.Stop() }
    if reason == membership.GracefulClose {
        if v, ok := c.mgr.InstalledMembership(); ok && v.Group.Len() > 1 {
            if err := c.broadcast(protocol.LeaveNotice{Node: c.local, ViewID: v.ID}); err != nil {
                logutil.Warnf(c.log, "channel: leave notice: %v", err)
            }
        }
        if c.state != nil {
            ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
            if err := c.state.Persist(ctx); err != nil { logutil.Warnf(c.log, "channel: persist state: %v", err) }
            cancel()
        }
        if c.opts.Feed != nil {
            if err := c.opts.Feed.Leave(); err != nil { logutil.Debugf(c.log, "channel: gossip leave: %v", err) }
        }
    }
    c.cmds.Abandon()
    if c.state != nil { c.state.Reset() }
    err := c.mgr.UninstallMembership(reason)
    if errors.Is(err, manager.ErrNotInstalled) { return nil }
    return err
}

// stop releases everything; it runs once, off the compartment.
func (c *Channel) stop() error {
    c.stopOnce.Do(func() { c.stopErr = c.doStop() })
    return c.stopErr
}

func (c *Channel) doStop() error {
    c.mu.Lock()
    timers := c.timers
    c.timers = nil
    if c.stopJoin != nil { timers = append(timers, c.stopJoin) }
    c.stopJoin = nil
    cancel := c.cancel
    c.mu.Unlock()
    for _, stop := range timers { stop() }
    if c.hb != nil { c.hb.Stop() }
    if cancel != nil { cancel() }

    var result error
    if c.opts.Feed != nil {
        if err := c.opts.Feed.Stop(); err != nil { result = multierror.Append(result, fmt.Errorf("channel: stop feed: %w", err)) }
    }
    ctx, done := context.WithTimeout(context.Background(), sendTimeout)
    defer done()
    if err := c.opts.Transport.Stop(ctx); err != nil { result = multierror.Append(result, fmt.Errorf("channel: stop transport: %w", err)) }
    if err := c.comp.Stop(); err == nil {
        select {
        case <-c.comp.Done():
        case <-ctx.Done():
            logutil.Warnf(c.log, "channel: compartment still busy at stop")
        }
    }
    if c.states != nil {
        if err := c.states.Close(); err != nil { result = multierror.Append(result, err) }
    }
    logutil.Infof(c.log, "channel: %s stopped", c.local)
    return result
}
