// Package heartbeat probes the peers chosen by the tracking strategy and turns
// repeated probe failures into failure evidence.
package heartbeat

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/compartment"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/tracking"
)

// Pinger checks that a peer answers.
type Pinger interface {
    Ping(ctx context.Context, n membership.Node) error
}

type PingerFunc func(ctx context.Context, n membership.Node) error

func (f PingerFunc) Ping(ctx context.Context, n membership.Node) error { return f(ctx, n) }

// Evidence records failures of installed members.
type Evidence interface {
    IsMember(id membership.NodeID) bool
    AddFailedMembers(ids ...membership.NodeID) error
}

type Options struct {
    Local       membership.Node
    Compartment *compartment.Compartment
    Strategy    tracking.Strategy
    Pinger      Pinger
    Evidence    Evidence
    // Live returns the currently known peers, including local.
    Live func() []membership.Node
    // Forget drops a peer that is not a member yet and stopped answering.
    Forget func(id membership.NodeID)

    Interval    time.Duration // default 1s
    Timeout     time.Duration // per ping, default Interval
    MaxFailures int           // default 3
    Logger      *zap.Logger
}

func (o *Options) Validate() error {
    if o.Local.IsZero() { return fmt.Errorf("heartbeat: %w: local node required", membership.ErrInvalidArgument) }
    if o.Compartment == nil { return fmt.Errorf("heartbeat: %w: compartment required", membership.ErrInvalidArgument) }
    if o.Strategy == nil { return fmt.Errorf("heartbeat: %w: tracking strategy required", membership.ErrInvalidArgument) }
    if o.Pinger == nil { return fmt.Errorf("heartbeat: %w: pinger required", membership.ErrInvalidArgument) }
    if o.Evidence == nil { return fmt.Errorf("heartbeat: %w: evidence sink required", membership.ErrInvalidArgument) }
    if o.Live == nil { return fmt.Errorf("heartbeat: %w: live peer source required", membership.ErrInvalidArgument) }
    if o.Interval <= 0 { o.Interval = time.Second }
    if o.Timeout <= 0 { o.Timeout = o.Interval }
    if o.MaxFailures <= 0 { o.MaxFailures = 3 }
    return nil
}

// Monitor runs probe rounds on the compartment. Pings themselves run off it and post
// their outcome back.
type Monitor struct {
    opts Options
    log  *zap.Logger

    // Owned by the compartment.
    misses   map[membership.NodeID]int
    inflight map[membership.NodeID]struct{}

    mu      sync.RWMutex
    tracked []membership.Node
    stop    func()
    ctx     context.Context
    cancel  context.CancelFunc
}

func New(opts Options) (*Monitor, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    return &Monitor{
        opts:     opts,
        log:      opts.Logger,
        misses:   make(map[membership.NodeID]int),
        inflight: make(map[membership.NodeID]struct{}),
    }, nil
}

func (m *Monitor) Start() error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.stop != nil { return fmt.Errorf("heartbeat: %w: already started", membership.ErrInvalidState) }
    m.ctx, m.cancel = context.WithCancel(context.Background())
    m.stop = m.opts.Compartment.Every(m.opts.Interval, m.Tick)
    return nil
}

func (m *Monitor) Stop() {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.stop == nil { return }
    m.stop()
    m.cancel()
    m.stop = nil
}

// Tracked is the target list of the latest round.
func (m *Monitor) Tracked() []membership.Node {
    m.mu.RLock(); defer m.mu.RUnlock()
    return append([]membership.Node(nil), m.tracked...)
}

// Tick runs one probe round. It must run on the compartment.
func (m *Monitor) Tick() {
    targets := m.opts.Strategy.TrackedNodes(m.opts.Local, m.opts.Live())
    m.mu.Lock()
    m.tracked = targets
    ctx := m.ctx
    m.mu.Unlock()
    if ctx == nil { ctx = context.Background() }
    metrics.TrackedNodes.Set(float64(len(targets)))

    keep := make(map[membership.NodeID]struct{}, len(targets))
    for _, n := range targets {
        keep[n.ID] = struct{}{}
        if _, busy := m.inflight[n.ID]; busy { continue }
        m.inflight[n.ID] = struct{}{}
        go m.probe(ctx, n)
    }
    for id := range m.misses {
        if _, ok := keep[id]; !ok { delete(m.misses, id) }
    }
}

func (m *Monitor) probe(ctx context.Context, n membership.Node) {
    pctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
    err := m.opts.Pinger.Ping(pctx, n)
    cancel()
    if errors.Is(ctx.Err(), context.Canceled) {
        _ = m.opts.Compartment.Post(func() { delete(m.inflight, n.ID) })
        return
    }
    _ = m.opts.Compartment.Post(func() { m.record(n, err) })
}

func (m *Monitor) record(n membership.Node, err error) {
    delete(m.inflight, n.ID)
    if err == nil {
        delete(m.misses, n.ID)
        return
    }
    metrics.HeartbeatFailures.Inc()
    m.misses[n.ID]++
    misses := m.misses[n.ID]
    logutil.Debugf(m.log, "heartbeat: %s missed %d/%d: %v", n, misses, m.opts.MaxFailures, err)
    if misses < m.opts.MaxFailures { return }
    delete(m.misses, n.ID)

    if !m.opts.Evidence.IsMember(n.ID) {
        logutil.Infof(m.log, "heartbeat: dropping unresponsive peer %s", n)
        if m.opts.Forget != nil { m.opts.Forget(n.ID) }
        return
    }
    logutil.Warnf(m.log, "heartbeat: %s unresponsive after %d probes, recording failure", n, misses)
    if err := m.opts.Evidence.AddFailedMembers(n.ID); err != nil {
        logutil.Debugf(m.log, "heartbeat: record failure of %s: %v", n, err)
    }
}
