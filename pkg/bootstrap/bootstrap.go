// Package bootstrap assembles a group node from a flat Config: the gRPC server and
// group transport, gossip liveness, seed discovery, the raft view journal, state
// transfer storage and the management API.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "path/filepath"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/go-multierror"
    clientv3 "go.etcd.io/etcd/client/v3"
    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/channel"
    "github.com/amirimatin/go-group/pkg/command"
    raftcons "github.com/amirimatin/go-group/pkg/consensus/raft"
    "github.com/amirimatin/go-group/pkg/discovery"
    etcddisc "github.com/amirimatin/go-group/pkg/discovery/etcd"
    "github.com/amirimatin/go-group/pkg/discovery/static"
    "github.com/amirimatin/go-group/pkg/heartbeat"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/liveness"
    ml "github.com/amirimatin/go-group/pkg/liveness/memberlist"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/membership/manager"
    "github.com/amirimatin/go-group/pkg/protocol"
    tlsx "github.com/amirimatin/go-group/pkg/security/tlsconfig"
    "github.com/amirimatin/go-group/pkg/statetransfer"
    "github.com/amirimatin/go-group/pkg/transport"
    grpcx "github.com/amirimatin/go-group/pkg/transport/grpc"
    "github.com/amirimatin/go-group/pkg/transport/httpjson"
    "github.com/amirimatin/go-group/pkg/transport/inmem"
)

// Config defines high-level inputs to assemble a group node with sensible defaults.
// Applications embed a node by filling this structure and calling Build or Run.
type Config struct {
    // NodeID is a UUID; one is generated when empty.
    NodeID string
    Group  string

    // gRPC server hosting health, management (MgmtProto=grpc) and, on the sequencer,
    // ordered broadcast.
    GRPCBind string
    GRPCAdv  string
    // Sequencer is the gRPC address of the node ordering broadcasts. Empty means this
    // node when bootstrapping, otherwise it is looked up through etcd.
    Sequencer string
    // Hub switches to the in-process transport, for tests and single-process use.
    Hub *inmem.Hub

    // Gossip liveness. Empty MemBind leaves failure detection to heartbeats alone.
    MemBind string
    MemAdv  string

    MgmtAddr  string // empty disables the management API
    MgmtProto string // "http" (default) or "grpc"

    DiscoveryKind string // "static" (default) or "etcd"
    SeedsCSV      string // gossip seeds for static discovery
    EtcdEndpoints string // CSV, used when DiscoveryKind=etcd
    EtcdPrefix    string // defaults to /go-group/<group>
    EtcdTTL       int64

    // DataDir keeps raft logs and state snapshots on disk; empty keeps them in memory.
    DataDir string
    // RaftAddr enables the replicated view journal.
    RaftAddr  string
    Bootstrap bool

    // TLS (optional) for gRPC and the management API.
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    Logger *zap.Logger

    // Receiver gets application data. When nil, data messages are applied to the
    // node's replicated KV.
    Receiver  channel.Receiver
    Handlers  []command.Handler
    Listeners []membership.Listener
    // State overrides the KV-backed state transfer factory.
    State statetransfer.Factory

    HeartbeatInterval    time.Duration
    MaxFailures          int
    JoinRetry            time.Duration
    ProposalTimeout      time.Duration
    GracefulCloseTimeout time.Duration
}

func (c *Config) validate() error {
    if c.Logger == nil { c.Logger = zap.NewNop() }
    if c.NodeID == "" {
        c.NodeID = membership.NewNodeID().String()
    } else {
        id, err := membership.ParseNodeID(c.NodeID)
        if err != nil { return err }
        c.NodeID = id.String()
    }
    if c.Group == "" { c.Group = string(channel.DefaultGroup) }
    if c.MgmtProto == "" { c.MgmtProto = "http" }
    if c.DiscoveryKind == "" { c.DiscoveryKind = "static" }
    switch c.MgmtProto {
    case "http":
    case "grpc":
        if c.GRPCBind == "" { return fmt.Errorf("bootstrap: %w: grpc management needs a gRPC bind address", membership.ErrInvalidArgument) }
    default:
        return fmt.Errorf("bootstrap: %w: unknown management protocol %q", membership.ErrInvalidArgument, c.MgmtProto)
    }
    switch c.DiscoveryKind {
    case "static":
    case "etcd":
        if c.EtcdEndpoints == "" { return fmt.Errorf("bootstrap: %w: etcd discovery needs endpoints", membership.ErrInvalidArgument) }
        if c.EtcdPrefix == "" { c.EtcdPrefix = "/go-group/" + c.Group }
    default:
        return fmt.Errorf("bootstrap: %w: unknown discovery %q", membership.ErrInvalidArgument, c.DiscoveryKind)
    }
    if c.Hub == nil {
        if c.GRPCBind == "" { return fmt.Errorf("bootstrap: %w: gRPC bind address or in-process hub required", membership.ErrInvalidArgument) }
        if c.Sequencer == "" && !c.Bootstrap && c.DiscoveryKind != "etcd" {
            return fmt.Errorf("bootstrap: %w: joining node needs a sequencer address or etcd discovery", membership.ErrInvalidArgument)
        }
    }
    return nil
}

// Node is an assembled group node. Its channel is replaced when the group
// excludes the node and it reconnects.
type Node struct {
    cfg   Config
    log   *zap.Logger
    local membership.Node

    srv     *grpcx.Server
    cli     *grpcx.Client
    mgmt    transport.ManagementServer
    cliTLS  *tls.Config
    raft    *raftcons.Node
    etcd    *clientv3.Client
    seeds   discovery.Discovery
    seqDisc discovery.Discovery
    regs    []registration
    kv      *statetransfer.KV

    mu      sync.Mutex
    ctx     context.Context
    cancel  context.CancelFunc
    ch      *channel.Channel
    undo    []func(context.Context) error
    started bool
    closed  bool
}

type registration struct {
    reg  discovery.Registrar
    addr func() string
}

// Build assembles a Node from Config without starting it.
func Build(cfg Config) (*Node, error) {
    if err := cfg.validate(); err != nil { return nil, err }
    n := &Node{cfg: cfg, log: cfg.Logger, kv: statetransfer.NewKV()}
    n.local = membership.Node{ID: membership.NodeID(cfg.NodeID), Addr: firstNonEmpty(cfg.GRPCAdv, cfg.GRPCBind, "inmem")}

    var srvTLS *tls.Config
    if cfg.TLSEnable {
        topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
        var err error
        if srvTLS, err = topts.Server(); err != nil { return nil, err }
        if n.cliTLS, err = topts.Client(); err != nil { return nil, err }
    }

    n.cli = grpcx.NewClient(3 * time.Second)
    if n.cliTLS != nil { n.cli.UseTLS(n.cliTLS) }
    if cfg.GRPCBind != "" {
        n.srv = grpcx.NewServer(cfg.GRPCBind).UseLogger(n.log)
        if srvTLS != nil { n.srv.UseTLS(srvTLS) }
        if cfg.Bootstrap && cfg.Hub == nil && cfg.Sequencer == "" { n.srv.EnableSequencer() }
    }
    if cfg.MgmtAddr != "" && cfg.MgmtProto == "http" {
        s := httpjson.NewServer(cfg.MgmtAddr, n.log)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        n.mgmt = s
    }

    switch cfg.DiscoveryKind {
    case "etcd":
        cli, err := etcddisc.Dial(static.Parse(cfg.EtcdEndpoints), 5*time.Second)
        if err != nil { return nil, err }
        n.etcd = cli
        gossip, err := etcddisc.New(cli, etcddisc.Options{Prefix: cfg.EtcdPrefix + "/gossip", TTL: cfg.EtcdTTL, Logger: n.log})
        if err != nil { return nil, n.abort(err) }
        seq, err := etcddisc.New(cli, etcddisc.Options{Prefix: cfg.EtcdPrefix + "/sequencer", TTL: cfg.EtcdTTL, Logger: n.log})
        if err != nil { return nil, n.abort(err) }
        n.seeds, n.seqDisc = gossip, seq
        if cfg.MemBind != "" {
            n.regs = append(n.regs, registration{reg: gossip, addr: func() string { return firstNonEmpty(cfg.MemAdv, cfg.MemBind) }})
        }
        if n.srv != nil && cfg.Bootstrap && cfg.Sequencer == "" {
            n.regs = append(n.regs, registration{reg: seq, addr: func() string { return n.local.Addr }})
        }
    default:
        n.seeds = static.New(static.Parse(cfg.SeedsCSV)...)
    }

    if cfg.RaftAddr != "" {
        dir := ""
        if cfg.DataDir != "" { dir = filepath.Join(cfg.DataDir, "raft") }
        r, err := raftcons.New(raftcons.Options{NodeID: cfg.NodeID, BindAddr: cfg.RaftAddr, DataDir: dir, Bootstrap: cfg.Bootstrap, Logger: n.log})
        if err != nil { return nil, n.abort(err) }
        n.raft = r
    }
    return n, nil
}

// Run builds and starts the node. The caller is responsible for calling Close.
func Run(ctx context.Context, cfg Config) (*Node, error) {
    n, err := Build(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil {
        _ = n.Close(false)
        return nil, err
    }
    return n, nil
}

// abort releases what Build acquired before failing.
func (n *Node) abort(err error) error {
    if n.etcd != nil { _ = n.etcd.Close() }
    return err
}

// Start brings up the servers and the raft journal, registers with discovery and
// starts the first channel.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    if n.started || n.closed {
        n.mu.Unlock()
        return fmt.Errorf("bootstrap: %w: node already started", membership.ErrInvalidState)
    }
    n.started = true
    n.ctx, n.cancel = context.WithCancel(context.Background())
    n.mu.Unlock()

    if n.srv != nil {
        var statusFn transport.StatusFunc
        var closeFn transport.CloseFunc
        if n.cfg.MgmtAddr != "" && n.cfg.MgmtProto == "grpc" { statusFn, closeFn = n.status, n.handleClose }
        if err := n.srv.Start(n.ctx, statusFn, closeFn); err != nil { return fmt.Errorf("bootstrap: grpc server: %w", err) }
        if n.cfg.GRPCAdv == "" { n.local.Addr = n.srv.Addr() }
    }
    if n.mgmt != nil {
        if err := n.mgmt.Start(n.ctx, n.status, n.handleClose); err != nil { return fmt.Errorf("bootstrap: management server: %w", err) }
    }
    if n.raft != nil {
        if err := n.raft.Start(n.ctx); err != nil { return err }
    }
    for _, r := range n.regs {
        dereg, err := r.reg.Register(ctx, n.cfg.NodeID, r.addr())
        if err != nil { return err }
        n.mu.Lock()
        n.undo = append(n.undo, dereg)
        n.mu.Unlock()
    }
    if err := n.connect(ctx, n.cfg.Bootstrap); err != nil { return err }
    logutil.Infof(n.log, "bootstrap: node %s serving group %q at %s", n.local.ID.Short(), n.cfg.Group, n.local.Addr)
    return nil
}

// connect builds a fresh channel with its own transport, feed and state binding,
// and starts it.
func (n *Node) connect(ctx context.Context, bootstrap bool) error {
    var (
        live   atomic.Pointer[channel.Channel]
        tr     transport.Transport
        pinger heartbeat.Pinger
        feed   liveness.Feed
    )
    if n.cfg.Hub != nil {
        tr, pinger = n.cfg.Hub.Endpoint(n.local.Addr), heartbeat.PingerFunc(n.cfg.Hub.Ping)
    } else {
        seq, err := n.sequencer(ctx)
        if err != nil { return err }
        g, err := grpcx.NewGroup(grpcx.GroupOptions{
            Sequencer: seq,
            Advertise: n.local.Addr,
            Client:    n.cli,
            Logger:    n.log,
            OnStreamLost: func(err error) {
                ch := live.Load()
                if ch == nil { return }
                if rerr := ch.Reconnect(); rerr != nil { logutil.Debugf(n.log, "bootstrap: reconnect after stream loss: %v", rerr) }
            },
        })
        if err != nil { return err }
        tr, pinger = g, grpcx.Pinger{Client: n.cli}
    }
    if n.cfg.MemBind != "" {
        f, err := ml.New(ml.Options{Local: n.local, Bind: n.cfg.MemBind, Advertise: n.cfg.MemAdv, Logger: n.log})
        if err != nil { return err }
        feed = f
    }
    state := n.cfg.State
    if state == nil { state = statetransfer.KVFactory(n.openStore, func(statetransfer.GroupID) *statetransfer.KV { return n.kv }) }
    receiver := n.cfg.Receiver
    if receiver == nil { receiver = channel.ReceiverFunc(n.applyData) }
    var journal manager.Journal
    if n.raft != nil { journal = raftcons.Journal{Node: n.raft} }

    ch, err := channel.New(channel.Options{
        Local:                n.local,
        Group:                statetransfer.GroupID(n.cfg.Group),
        Transport:            tr,
        Receiver:             receiver,
        Bootstrap:            bootstrap,
        Pinger:               pinger,
        Feed:                 feed,
        Seeds:                n.seeds,
        State:                state,
        Journal:              journal,
        Handlers:             n.cfg.Handlers,
        Listeners:            n.cfg.Listeners,
        OnReconnect:          n.onReconnect,
        HeartbeatInterval:    n.cfg.HeartbeatInterval,
        MaxFailures:          n.cfg.MaxFailures,
        JoinRetry:            n.cfg.JoinRetry,
        ProposalTimeout:      n.cfg.ProposalTimeout,
        GracefulCloseTimeout: n.cfg.GracefulCloseTimeout,
        Logger:               n.log,
    })
    if err != nil { return err }
    n.mu.Lock()
    if n.closed {
        n.mu.Unlock()
        _ = ch.Close(false)
        return channel.ErrClosed
    }
    n.ch = ch
    n.mu.Unlock()
    live.Store(ch)
    return ch.Start(ctx)
}

func (n *Node) sequencer(ctx context.Context) (string, error) {
    if n.cfg.Sequencer != "" { return n.cfg.Sequencer, nil }
    if n.cfg.Bootstrap { return n.local.Addr, nil }
    addrs, err := n.seqDisc.Seeds(ctx)
    if err != nil { return "", err }
    if len(addrs) == 0 { return "", fmt.Errorf("bootstrap: %w: no sequencer registered", membership.ErrInvalidState) }
    return addrs[0], nil
}

func (n *Node) openStore(id statetransfer.GroupID) (statetransfer.Store, error) {
    if n.cfg.DataDir == "" { return statetransfer.NewMemoryStore(), nil }
    return statetransfer.OpenBoltStore(filepath.Join(n.cfg.DataDir, "state-"+string(id)+".db"))
}

func (n *Node) applyData(from membership.Node, p protocol.Part) {
    d, ok := p.(protocol.Data)
    if !ok {
        logutil.Debugf(n.log, "bootstrap: unhandled %s from %s", p.Kind(), from.ID.Short())
        return
    }
    if n.kv.ClassifyMessage(d.Body) != statetransfer.StateWrite { return }
    if err := n.kv.Apply(d.Body); err != nil { logutil.Warnf(n.log, "bootstrap: apply data from %s: %v", from.ID.Short(), err) }
}

// onReconnect runs once the excluded channel stopped; it joins again with a new one
// until that succeeds or the node closes.
func (n *Node) onReconnect() {
    go func() {
        retry := n.cfg.JoinRetry
        if retry <= 0 { retry = time.Second }
        for {
            n.mu.Lock()
            closed, ctx := n.closed, n.ctx
            n.mu.Unlock()
            if closed { return }
            err := n.connect(ctx, false)
            if err == nil {
                logutil.Infof(n.log, "bootstrap: node %s reconnecting to group %q", n.local.ID.Short(), n.cfg.Group)
                return
            }
            logutil.Warnf(n.log, "bootstrap: reconnect: %v", err)
            select {
            case <-ctx.Done():
                return
            case <-time.After(retry):
            }
        }
    }()
}

// Channel returns the current channel; it changes after a reconnect.
func (n *Node) Channel() *channel.Channel {
    n.mu.Lock(); defer n.mu.Unlock()
    return n.ch
}

func (n *Node) Local() membership.Node { return n.local }

// KV is the replicated map fed by the default receiver and state transfer.
func (n *Node) KV() *statetransfer.KV { return n.kv }

// GRPCAddr returns the gRPC listen address once started.
func (n *Node) GRPCAddr() string {
    if n.srv == nil { return "" }
    return n.srv.Addr()
}

// MgmtAddr returns the management listen address once started.
func (n *Node) MgmtAddr() string {
    if n.mgmt != nil { return n.mgmt.Addr() }
    if n.cfg.MgmtAddr != "" && n.srv != nil { return n.srv.Addr() }
    return ""
}

// Put broadcasts a write to the replicated KV.
func (n *Node) Put(ctx context.Context, key, value string, transient bool) error {
    return n.sendKV(ctx, statetransfer.KVOp{Op: "put", Key: key, Value: value, Transient: transient})
}

func (n *Node) Delete(ctx context.Context, key string) error {
    return n.sendKV(ctx, statetransfer.KVOp{Op: "delete", Key: key})
}

func (n *Node) sendKV(ctx context.Context, op statetransfer.KVOp) error {
    ch := n.Channel()
    if ch == nil { return channel.ErrClosed }
    body, err := statetransfer.EncodeKVOp(op)
    if err != nil { return err }
    return ch.Send(ctx, body)
}

func (n *Node) status(ctx context.Context) ([]byte, error) {
    ch := n.Channel()
    if ch == nil { return nil, channel.ErrClosed }
    return ch.StatusJSON(ctx)
}

func (n *Node) handleClose(ctx context.Context, req transport.CloseRequest) (transport.CloseResponse, error) {
    ch := n.Channel()
    if ch == nil { return transport.CloseResponse{}, channel.ErrClosed }
    return ch.HandleClose(ctx, req)
}

// Close closes the channel, gracefully when asked, and then releases everything the
// node started. Closing twice is a no-op.
func (n *Node) Close(graceful bool) error {
    n.mu.Lock()
    if n.closed {
        n.mu.Unlock()
        return nil
    }
    n.closed = true
    ch, undo, cancel := n.ch, n.undo, n.cancel
    n.undo = nil
    n.mu.Unlock()

    var result error
    if ch != nil {
        if err := ch.Close(graceful); err != nil && !errors.Is(err, channel.ErrClosed) { result = multierror.Append(result, err) }
        <-ch.Done()
    }
    ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
    defer done()
    for _, dereg := range undo {
        if err := dereg(ctx); err != nil { result = multierror.Append(result, err) }
    }
    if n.mgmt != nil {
        if err := n.mgmt.Stop(ctx); err != nil { result = multierror.Append(result, fmt.Errorf("bootstrap: stop management: %w", err)) }
    }
    if n.srv != nil {
        if err := n.srv.Stop(ctx); err != nil { result = multierror.Append(result, fmt.Errorf("bootstrap: stop grpc: %w", err)) }
    }
    if n.raft != nil {
        if err := n.raft.Stop(); err != nil { result = multierror.Append(result, fmt.Errorf("bootstrap: stop raft: %w", err)) }
    }
    n.cli.Close()
    if n.etcd != nil {
        if err := n.etcd.Close(); err != nil { result = multierror.Append(result, fmt.Errorf("bootstrap: close etcd: %w", err)) }
    }
    if cancel != nil { cancel() }
    return result
}

func firstNonEmpty(vals ...string) string {
    for _, v := range vals {
        if v = strings.TrimSpace(v); v != "" { return v }
    }
    return ""
}
