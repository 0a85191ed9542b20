// Package memberlist is a liveness.Feed backed by HashiCorp memberlist (SWIM gossip).
package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"
    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/liveness"
    "github.com/amirimatin/go-group/pkg/membership"
)

// MetaGroupAddr is the metadata key holding a peer's group transport address.
const MetaGroupAddr = "group_addr"

type Options struct {
    Local membership.Node
    // Bind is the gossip host:port.
    Bind string
    // Advertise is the gossip address peers use; derived from Bind when empty.
    Advertise string
    Meta      map[string]string
    Logger    *zap.Logger

    // Zero means memberlist defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
    // LeaveTimeout bounds the leave broadcast. Default 1s.
    LeaveTimeout time.Duration
}

type impl struct {
    mu     sync.RWMutex
    opts   Options
    log    *zap.Logger
    ml     *memberlist.Memberlist
    evts   chan liveness.Event
    closed bool
}

func New(opts Options) (liveness.Feed, error) {
    if opts.Local.IsZero() { return nil, fmt.Errorf("memberlist: %w: local node required", membership.ErrInvalidArgument) }
    if opts.Bind == "" { return nil, fmt.Errorf("memberlist: %w: empty bind address", membership.ErrInvalidArgument) }
    if opts.LeaveTimeout <= 0 { opts.LeaveTimeout = time.Second }
    meta := make(map[string]string, len(opts.Meta)+1)
    for k, v := range opts.Meta { meta[k] = v }
    if opts.Local.Addr != "" { meta[MetaGroupAddr] = opts.Local.Addr }
    opts.Meta = meta
    return &impl{opts: opts, log: opts.Logger, evts: make(chan liveness.Event, 64)}, nil
}

func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.ml != nil { return nil }
    if m.closed { return fmt.Errorf("memberlist: %w: stopped", membership.ErrInvalidState) }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.Local.ID.String()
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(m.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    cfg.Logger = logutil.StdLogger(m.log, "memberlist")
    cfg.Events = &eventDelegate{emit: m.emit, log: m.log}
    metaBytes, _ := json.Marshal(m.opts.Meta)
    cfg.Delegate = &nodeDelegate{meta: metaBytes}

    ml, err := memberlist.Create(cfg)
    if err != nil { return fmt.Errorf("memberlist: create: %w", err) }
    m.ml = ml
    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return fmt.Errorf("memberlist: %w: not started", membership.ErrInvalidState) }
    if len(seeds) == 0 { return nil }
    n, err := ml.Join(seeds)
    if err != nil { return fmt.Errorf("memberlist: join %v: %w", seeds, err) }
    logutil.Debugf(m.log, "memberlist: contacted %d of %d seeds", n, len(seeds))
    return nil
}

func (m *impl) Local() liveness.Peer {
    m.mu.RLock(); defer m.mu.RUnlock()
    if m.ml == nil { return liveness.Peer{Node: m.opts.Local, Meta: m.opts.Meta} }
    p, _ := toPeer(m.ml.LocalNode())
    return p
}

func (m *impl) Peers() []liveness.Peer {
    m.mu.RLock(); defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]liveness.Peer, 0, len(nodes))
    for _, n := range nodes {
        if p, ok := toPeer(n); ok { out = append(out, p) }
    }
    return out
}

func (m *impl) Events() <-chan liveness.Event { return m.evts }

func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    if err := ml.Leave(m.opts.LeaveTimeout); err != nil { logutil.Debugf(m.log, "memberlist: leave: %v", err) }
    return nil
}

func (m *impl) Stop() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    ml := m.ml
    m.ml = nil
    m.mu.Unlock()

    // Delegates may still be running inside Shutdown; they see closed and drop.
    if ml != nil { _ = ml.Shutdown() }
    m.mu.Lock()
    close(m.evts)
    m.mu.Unlock()
    return nil
}

func (m *impl) HealthScore() int {
    m.mu.RLock(); defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

func (m *impl) emit(e liveness.Event) {
    m.mu.RLock(); defer m.mu.RUnlock()
    if m.closed { return }
    select {
    case m.evts <- e:
    default:
        logutil.Warnf(m.log, "memberlist: dropping %s event for %s: channel full", e.Type, e.Peer.Node)
    }
}

// toPeer maps a gossip node to a group node. Nodes whose name is not a node id are
// not group members and are skipped.
func toPeer(n *memberlist.Node) (liveness.Peer, bool) {
    if n == nil { return liveness.Peer{}, false }
    id, err := membership.ParseNodeID(n.Name)
    if err != nil { return liveness.Peer{}, false }
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    addr := meta[MetaGroupAddr]
    if addr == "" { addr = net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))) }
    return liveness.Peer{Node: membership.Node{ID: id, Addr: addr}, Meta: meta}, true
}

type eventDelegate struct {
    emit func(e liveness.Event)
    log  *zap.Logger
}

func (d *eventDelegate) notify(t liveness.EventType, n *memberlist.Node) {
    p, ok := toPeer(n)
    if !ok { return }
    d.emit(liveness.Event{Type: t, Peer: p, At: time.Now()})
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(liveness.EventJoin, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(liveness.EventJoin, n) }

// NotifyLeave fires for graceful leaves and for dead nodes; the node state tells them
// apart.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    if n != nil && n.State == memberlist.StateLeft {
        d.notify(liveness.EventLeave, n)
        return
    }
    d.notify(liveness.EventFailed, n)
}

func splitHostPort(addr string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("memberlist: %w: address %q: %v", membership.ErrInvalidArgument, addr, err) }
    p, err := strconv.Atoi(portStr)
    if err != nil || p < 0 || p > 65535 {
        return "", 0, fmt.Errorf("memberlist: %w: invalid port %q", membership.ErrInvalidArgument, portStr)
    }
    return host, p, nil
}

type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    if limit <= 0 { return nil }
    return d.meta[:limit]
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
