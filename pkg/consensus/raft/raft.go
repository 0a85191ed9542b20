// Package raftcons journals installed views through HashiCorp Raft.
package raftcons

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/consensus"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/state/viewlog"
)

var errNotStarted = fmt.Errorf("raftcons: %w: not started", membership.ErrInvalidState)

// Node is a consensus.Consensus over Raft whose FSM is a view history.
type Node struct {
    opts Options
    log  *zap.Logger
    out  io.Writer

    mu     sync.RWMutex
    r      *raft.Raft
    addr   raft.ServerAddress
    trans  raft.Transport
    lb     raft.LoopbackTransport
    bolt   *raftboltdb.BoltStore
    views  *viewlog.Log
    lch    chan consensus.LeaderInfo
    done   chan struct{}
    closed bool
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("raftcons: %w: empty node id", membership.ErrInvalidArgument) }
    return &Node{
        opts:  opts,
        log:   opts.Logger,
        out:   logutil.StdLogger(opts.Logger, "raft").Writer(),
        views: viewlog.New(opts.Retain),
        lch:   make(chan consensus.LeaderInfo, 16),
        done:  make(chan struct{}),
    }, nil
}

func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock(); defer n.mu.Unlock()
    if n.r != nil { return nil }
    if n.closed { return fmt.Errorf("raftcons: %w: stopped", membership.ErrInvalidState) }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    cfg.LogOutput = n.out
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // The lease must not exceed the heartbeat timeout.
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        err    error
    )
    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 { n.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return fmt.Errorf("raftcons: data dir: %w", err) }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return fmt.Errorf("raftcons: bolt store: %w", err) }
        n.bolt = bstore
        logs, stable = bstore, bstore
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, n.out)
        if err != nil { return fmt.Errorf("raftcons: snapshot store: %w", err) }
    } else {
        logs, stable, snaps = raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore()
    }

    if n.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, time.Second, n.out)
        if err != nil { return fmt.Errorf("raftcons: transport: %w", err) }
        trans, addr = nt, nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, newViewFSM(n.views), logs, stable, snaps, trans)
    if err != nil { return fmt.Errorf("raftcons: %w", err) }
    n.r, n.addr, n.trans = r, addr, trans
    if lb, ok := trans.(raft.LoopbackTransport); ok { n.lb = lb }

    obsCh := make(chan raft.Observation, 32)
    r.RegisterObserver(raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    }))
    go n.watchLeader(obsCh)

    if n.opts.Bootstrap {
        boot := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
        if err := r.BootstrapCluster(boot).Error(); err != nil && err != raft.ErrCantBootstrap {
            return fmt.Errorf("raftcons: bootstrap: %w", err)
        }
    }
    go func() {
        select {
        case <-ctx.Done():
            _ = n.Stop()
        case <-n.done:
        }
    }()
    logutil.Infof(n.log, "raftcons: %s started at %s", n.opts.NodeID, addr)
    return nil
}

func (n *Node) watchLeader(obs chan raft.Observation) {
    for {
        select {
        case <-obs:
            if id, addr, ok := n.Leader(); ok { n.emitLeader(consensus.LeaderInfo{ID: id, Addr: addr, Term: n.Term()}) }
        case <-n.done:
            return
        }
    }
}

func (n *Node) current() *raft.Raft {
    n.mu.RLock(); defer n.mu.RUnlock()
    return n.r
}

func (n *Node) Apply(e consensus.Entry, timeout time.Duration) error {
    r := n.current()
    if r == nil { return errNotStarted }
    if r.State() != raft.Leader { return fmt.Errorf("raftcons: %w: not leader", membership.ErrInvalidState) }
    data, err := json.Marshal(e)
    if err != nil { return err }
    if timeout <= 0 { timeout = n.opts.ApplyTimeout }
    af := r.Apply(data, timeout)
    if err := af.Error(); err != nil { return fmt.Errorf("raftcons: apply %s: %w", e.Op, err) }
    if v, ok := af.Response().(error); ok && v != nil { return v }
    return nil
}

func (n *Node) IsLeader() bool {
    r := n.current()
    return r != nil && r.State() == raft.Leader
}

func (n *Node) Leader() (string, string, bool) {
    r := n.current()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    r := n.current()
    if r == nil { return 0 }
    if u, err := strconv.ParseUint(r.Stats()["current_term"], 10, 64); err == nil { return u }
    return 0
}

// Stop shuts raft down and closes LeaderCh. Stopping twice is a no-op.
func (n *Node) Stop() error {
    n.mu.Lock()
    if n.closed {
        n.mu.Unlock()
        return nil
    }
    n.closed = true
    r, bolt := n.r, n.bolt
    n.r = nil
    close(n.done)
    n.mu.Unlock()

    var err error
    if r != nil { err = r.Shutdown().Error() }
    if bolt != nil {
        if cerr := bolt.Close(); cerr != nil && err == nil { err = cerr }
    }
    n.mu.Lock()
    close(n.lch)
    n.mu.Unlock()
    return err
}

func (n *Node) LeaderCh() <-chan consensus.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li consensus.LeaderInfo) {
    n.mu.RLock(); defer n.mu.RUnlock()
    if n.closed { return }
    select {
    case n.lch <- li:
    default:
    }
}

// Views is the journaled view history as applied on this node.
func (n *Node) Views() []membership.View { return n.views.Views() }

// AddVoter adds a voting server, replacing an entry for id with another address.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    r := n.current()
    if r == nil { return errNotStarted }
    if cf := r.GetConfiguration(); cf.Error() == nil {
        for _, srv := range cf.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
            break
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    r := n.current()
    if r == nil { return errNotStarted }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

var (
    _ consensus.Consensus      = (*Node)(nil)
    _ consensus.LeaderNotifier = (*Node)(nil)
    _ consensus.Reconfigurer   = (*Node)(nil)
)
