package grpc

import (
    "context"
    "fmt"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/connectivity"

    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/observability/metrics"
)

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// connPool shares one connection per peer address between the delivery stream,
// broadcast submissions, heartbeat pings and management calls. Idle connections
// expire after ttl; broken idle ones are replaced on the next get.
type connPool struct {
    ttl  time.Duration
    dial dialFunc

    mu     sync.Mutex
    conns  map[string]*pooledConn
    done   chan struct{}
    closed bool
}

type pooledConn struct {
    cc       *grpc.ClientConn
    users    int
    lastUsed time.Time
}

func newConnPool(ttl time.Duration, dial dialFunc) *connPool {
    if ttl <= 0 { ttl = 30 * time.Second }
    p := &connPool{ttl: ttl, dial: dial, conns: make(map[string]*pooledConn), done: make(chan struct{})}
    go p.expire()
    return p
}

// get returns a connection to target and a release func to call when done with it.
func (p *connPool) get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    if cc, ok := p.reuse(target); ok {
        metrics.GRPCConnReuse.Inc()
        return cc, p.releaser(target), nil
    }
    cc, err := p.dial(ctx, target)
    if err != nil { return nil, func() {}, err }

    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed {
        _ = cc.Close()
        return nil, func() {}, fmt.Errorf("grpc: %w: client closed", membership.ErrInvalidState)
    }
    if pc, ok := p.conns[target]; ok {
        // Lost a dial race; keep the winner.
        _ = cc.Close()
        pc.users++
        pc.lastUsed = time.Now()
        return pc.cc, p.releaser(target), nil
    }
    p.conns[target] = &pooledConn{cc: cc, users: 1, lastUsed: time.Now()}
    metrics.GRPCConnDials.Inc()
    metrics.GRPCConnActive.Inc()
    return cc, p.releaser(target), nil
}

func (p *connPool) reuse(target string) (*grpc.ClientConn, bool) {
    p.mu.Lock()
    defer p.mu.Unlock()
    pc, ok := p.conns[target]
    if !ok { return nil, false }
    if pc.users == 0 && broken(pc.cc) {
        p.evictLocked(target, pc)
        return nil, false
    }
    pc.users++
    pc.lastUsed = time.Now()
    return pc.cc, true
}

func broken(cc *grpc.ClientConn) bool {
    switch cc.GetState() {
    case connectivity.TransientFailure, connectivity.Shutdown:
        return true
    }
    return false
}

func (p *connPool) releaser(target string) func() {
    var once sync.Once
    return func() {
        once.Do(func() {
            p.mu.Lock()
            defer p.mu.Unlock()
            if pc, ok := p.conns[target]; ok {
                if pc.users > 0 { pc.users-- }
                pc.lastUsed = time.Now()
            }
        })
    }
}

func (p *connPool) evictLocked(target string, pc *pooledConn) {
    _ = pc.cc.Close()
    delete(p.conns, target)
    metrics.GRPCConnEvictions.Inc()
    metrics.GRPCConnActive.Dec()
}

// size reports pooled connections, for tests.
func (p *connPool) size() int {
    p.mu.Lock(); defer p.mu.Unlock()
    return len(p.conns)
}

// close closes every pooled connection. Closing twice is a no-op.
func (p *connPool) close() {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed { return }
    p.closed = true
    close(p.done)
    for target, pc := range p.conns { p.evictLocked(target, pc) }
}

func (p *connPool) expire() {
    ticker := time.NewTicker(p.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-p.done:
            return
        case now := <-ticker.C:
            p.mu.Lock()
            for target, pc := range p.conns {
                if pc.users == 0 && now.Sub(pc.lastUsed) > p.ttl { p.evictLocked(target, pc) }
            }
            p.mu.Unlock()
        }
    }
}
