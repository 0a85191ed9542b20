// Package compartment provides the single-threaded execution unit that owns a
// channel's state. Every mutation of membership, detector bookkeeping and command
// queues runs as a task posted here; timers only post.
package compartment

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
)

// ErrStopped is returned when posting to a stopped (or never started) compartment.
var ErrStopped = fmt.Errorf("compartment: %w: stopped", membership.ErrInvalidState)

type Compartment struct {
    name string
    log  *zap.Logger

    mu      sync.Mutex
    queue   []func()
    started bool
    stopped bool
    wake    chan struct{}
    done    chan struct{}
}

func New(name string, log *zap.Logger) *Compartment {
    return &Compartment{
        name: name,
        log:  log,
        wake: make(chan struct{}, 1),
        done: make(chan struct{}),
    }
}

// Start launches the worker goroutine. Starting twice is an error.
func (c *Compartment) Start() error {
    c.mu.Lock()
    if c.started {
        c.mu.Unlock()
        return fmt.Errorf("compartment %s: %w: already started", c.name, membership.ErrInvalidState)
    }
    c.started = true
    c.mu.Unlock()
    go c.loop()
    return nil
}

// Post enqueues fn. Tasks run one at a time in post order.
func (c *Compartment) Post(fn func()) error {
    if fn == nil { return fmt.Errorf("compartment: %w: nil task", membership.ErrInvalidArgument) }
    c.mu.Lock()
    if !c.started || c.stopped {
        c.mu.Unlock()
        return ErrStopped
    }
    c.queue = append(c.queue, fn)
    c.mu.Unlock()
    select {
    case c.wake <- struct{}{}:
    default:
    }
    return nil
}

// Execute posts fn and waits for it to finish or ctx to end. It must not be called
// from inside a task.
func (c *Compartment) Execute(ctx context.Context, fn func() error) error {
    res := make(chan error, 1)
    if err := c.Post(func() { res <- fn() }); err != nil { return err }
    select {
    case err := <-res:
        return err
    case <-ctx.Done():
        return ctx.Err()
    case <-c.done:
        select {
        case err := <-res:
            return err
        default:
            return ErrStopped
        }
    }
}

// Every posts fn at the given interval until the returned stop func is called or the
// compartment stops. The first run happens after one interval.
func (c *Compartment) Every(interval time.Duration, fn func()) (stop func()) {
    t := time.NewTicker(interval)
    quit := make(chan struct{})
    var once sync.Once
    go func() {
        defer t.Stop()
        for {
            select {
            case <-t.C:
                if err := c.Post(fn); errors.Is(err, ErrStopped) { return }
            case <-quit:
                return
            case <-c.done:
                return
            }
        }
    }()
    return func() { once.Do(func() { close(quit) }) }
}

// After posts fn once after d unless cancelled.
func (c *Compartment) After(d time.Duration, fn func()) (cancel func()) {
    t := time.AfterFunc(d, func() { _ = c.Post(fn) })
    return func() { t.Stop() }
}

// Stop drops queued tasks that have not started and signals the worker to exit after
// the running task. It does not wait; use Done for that. Stopping an unstarted
// compartment is an error, stopping twice is a no-op.
func (c *Compartment) Stop() error {
    c.mu.Lock()
    if !c.started {
        c.mu.Unlock()
        return fmt.Errorf("compartment %s: %w: stop before start", c.name, membership.ErrInvalidState)
    }
    if c.stopped {
        c.mu.Unlock()
        return nil
    }
    c.stopped = true
    dropped := len(c.queue)
    c.queue = nil
    c.mu.Unlock()
    if dropped > 0 { logutil.Debugf(c.log, "compartment %s: dropped %d queued tasks on stop", c.name, dropped) }
    select {
    case c.wake <- struct{}{}:
    default:
    }
    return nil
}

// Done is closed when the worker goroutine exits.
func (c *Compartment) Done() <-chan struct{} { return c.done }

func (c *Compartment) loop() {
    defer close(c.done)
    for {
        c.mu.Lock()
        if c.stopped {
            c.mu.Unlock()
            return
        }
        if len(c.queue) == 0 {
            c.mu.Unlock()
            <-c.wake
            continue
        }
        fn := c.queue[0]
        c.queue[0] = nil
        c.queue = c.queue[1:]
        c.mu.Unlock()
        c.run(fn)
    }
}

func (c *Compartment) run(fn func()) {
    defer func() {
        if r := recover(); r != nil {
            logutil.Errorf(c.log, "compartment %s: task panicked: %v", c.name, r)
        }
    }()
    fn()
}
