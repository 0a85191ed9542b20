// Package etcd keeps seed addresses under an etcd key prefix. Each node registers
// itself with a lease so that dead nodes drop out on their own.
package etcd

import (
    "context"
    "fmt"
    "path"
    "strings"
    "time"

    clientv3 "go.etcd.io/etcd/client/v3"
    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/discovery"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
)

type Options struct {
    // Prefix under which nodes register, e.g. "/go-group/orders/gossip".
    Prefix string
    // TTL of the registration lease in seconds. Default 10.
    TTL int64
    // Timeout of a single etcd request. Default 5s.
    Timeout time.Duration
    Logger  *zap.Logger
}

// Registry is a discovery.Discovery and discovery.Registrar over etcd.
type Registry struct {
    kv    clientv3.KV
    lease clientv3.Lease
    opts  Options
    log   *zap.Logger
}

var (
    _ discovery.Discovery = (*Registry)(nil)
    _ discovery.Registrar = (*Registry)(nil)
)

// Dial connects to etcd.
func Dial(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
    if len(endpoints) == 0 { return nil, fmt.Errorf("etcd: %w: no endpoints", membership.ErrInvalidArgument) }
    if dialTimeout <= 0 { dialTimeout = 5 * time.Second }
    cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: dialTimeout})
    if err != nil { return nil, fmt.Errorf("etcd: dial %v: %w", endpoints, err) }
    return cli, nil
}

// New uses cli for both key/value and lease traffic.
func New(cli *clientv3.Client, opts Options) (*Registry, error) {
    if cli == nil { return nil, fmt.Errorf("etcd: %w: nil client", membership.ErrInvalidArgument) }
    return newRegistry(cli, cli, opts)
}

func newRegistry(kv clientv3.KV, lease clientv3.Lease, opts Options) (*Registry, error) {
    if opts.Prefix == "" { return nil, fmt.Errorf("etcd: %w: empty prefix", membership.ErrInvalidArgument) }
    opts.Prefix = strings.TrimSuffix(opts.Prefix, "/") + "/"
    if opts.TTL <= 0 { opts.TTL = 10 }
    if opts.Timeout <= 0 { opts.Timeout = 5 * time.Second }
    return &Registry{kv: kv, lease: lease, opts: opts, log: opts.Logger}, nil
}

func (r *Registry) key(id string) string { return path.Join(r.opts.Prefix, id) }

// Seeds lists registered addresses ordered by key.
func (r *Registry) Seeds(ctx context.Context) ([]string, error) {
    ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
    defer cancel()
    resp, err := r.kv.Get(ctx, r.opts.Prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
    if err != nil { return nil, fmt.Errorf("etcd: list %s: %w", r.opts.Prefix, err) }
    out := make([]string, 0, len(resp.Kvs))
    for _, kv := range resp.Kvs {
        if v := strings.TrimSpace(string(kv.Value)); v != "" { out = append(out, v) }
    }
    return out, nil
}

// Register puts addr under the prefix with a lease kept alive in the background.
// deregister revokes the lease.
func (r *Registry) Register(ctx context.Context, id, addr string) (func(context.Context) error, error) {
    if id == "" || addr == "" { return nil, fmt.Errorf("etcd: %w: id and addr required", membership.ErrInvalidArgument) }
    rctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
    defer cancel()
    grant, err := r.lease.Grant(rctx, r.opts.TTL)
    if err != nil { return nil, fmt.Errorf("etcd: grant lease: %w", err) }
    if _, err := r.kv.Put(rctx, r.key(id), addr, clientv3.WithLease(grant.ID)); err != nil {
        return nil, fmt.Errorf("etcd: register %s: %w", id, err)
    }

    kctx, stop := context.WithCancel(context.Background())
    ch, err := r.lease.KeepAlive(kctx, grant.ID)
    if err != nil {
        stop()
        return nil, fmt.Errorf("etcd: keepalive: %w", err)
    }
    go func() {
        for range ch {
        }
        if kctx.Err() == nil { logutil.Warnf(r.log, "etcd: keepalive for %s ended, registration will expire", id) }
    }()
    logutil.Infof(r.log, "etcd: registered %s=%s (ttl %ds)", r.key(id), addr, r.opts.TTL)

    return func(ctx context.Context) error {
        stop()
        ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
        defer cancel()
        if _, err := r.lease.Revoke(ctx, grant.ID); err != nil { return fmt.Errorf("etcd: revoke %s: %w", id, err) }
        return nil
    }, nil
}
