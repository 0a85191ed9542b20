// Package closer coordinates leaving the group. A graceful close waits until every
// registered strategy agrees in a single poll; a forceful close leaves at once.
package closer

import (
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/go-multierror"
    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/command"
    "github.com/amirimatin/go-group/pkg/compartment"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/observability/metrics"
)

// MinInterval is the shortest cadence at which strategies are polled.
const MinInterval = 500 * time.Millisecond

// Strategy vetoes a graceful close by returning false. Strategies run on the
// compartment.
type Strategy interface {
    RequestClose() bool
}

type StrategyFunc func() bool

func (f StrategyFunc) RequestClose() bool { return f() }

// NoPendingCommands holds the close until every command sent by this node has been
// delivered back.
func NoPendingCommands(mgr *command.Manager) Strategy {
    return StrategyFunc(func() bool { return mgr.Pending() == 0 })
}

type State int32

const (
    Open State = iota
    Closing
    Closed
)

func (s State) String() string {
    switch s {
    case Open:
        return "open"
    case Closing:
        return "closing"
    case Closed:
        return "closed"
    default:
        return fmt.Sprintf("state(%d)", int32(s))
    }
}

// Hooks are the channel operations the coordinator drives.
type Hooks struct {
    // Uninstall runs on the compartment.
    Uninstall func(reason membership.LeaveReason) error
    // Stop tears the channel down. It runs off the compartment.
    Stop func() error
    // OnReconnect runs after Stop when leaving because of Reconnect. Optional.
    OnReconnect func()
}

type Options struct {
    Compartment *compartment.Compartment
    Strategies  []Strategy
    // Interval between polls; raised to MinInterval when lower.
    Interval time.Duration
    // Timeout bounds a graceful close. Zero waits forever.
    Timeout time.Duration
    Hooks   Hooks
    Logger  *zap.Logger
}

func (o *Options) Validate() error {
    if o.Compartment == nil { return fmt.Errorf("closer: %w: compartment required", membership.ErrInvalidArgument) }
    if o.Hooks.Uninstall == nil { return fmt.Errorf("closer: %w: uninstall hook required", membership.ErrInvalidArgument) }
    if o.Hooks.Stop == nil { return fmt.Errorf("closer: %w: stop hook required", membership.ErrInvalidArgument) }
    if o.Timeout < 0 { return fmt.Errorf("closer: %w: negative timeout", membership.ErrInvalidArgument) }
    if o.Interval < MinInterval { o.Interval = MinInterval }
    return nil
}

type Coordinator struct {
    opts Options
    log  *zap.Logger

    state atomic.Int32

    mu         sync.RWMutex
    strategies []Strategy
    path       string
    closed     chan struct{}
}

func New(opts Options) (*Coordinator, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    return &Coordinator{
        opts:       opts,
        log:        opts.Logger,
        strategies: append([]Strategy(nil), opts.Strategies...),
        closed:     make(chan struct{}),
    }, nil
}

func (c *Coordinator) AddStrategy(s Strategy) {
    if s == nil { return }
    c.mu.Lock(); defer c.mu.Unlock()
    c.strategies = append(c.strategies, s)
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

// Path reports how the coordinator left: "graceful", "forceful", "timeout", "stopped"
// or "reconnect". Empty while open.
func (c *Coordinator) Path() string {
    c.mu.RLock(); defer c.mu.RUnlock()
    return c.path
}

// Done is closed once the coordinator reached Closed.
func (c *Coordinator) Done() <-chan struct{} { return c.closed }

// Close leaves the group and stops the channel. With graceful set it blocks until the
// strategies agree or Timeout expires; either way it returns. A second Close waits for
// the first one. Close must not be called from the compartment.
func (c *Coordinator) Close(graceful bool) error {
    if !c.state.CompareAndSwap(int32(Open), int32(Closing)) {
        <-c.closed
        return nil
    }
    start := time.Now()
    path := "forceful"
    var result error

    if graceful {
        switch err := c.awaitStrategies(); {
        case err == nil:
            path = "graceful"
        case errors.Is(err, errStopped), errors.Is(err, compartment.ErrStopped):
            path = "stopped"
            logutil.Warnf(c.log, "closer: %v, closing forcefully", err)
        default:
            path = "timeout"
            logutil.Warnf(c.log, "closer: %v, closing forcefully", err)
        }
    }
    if path != "graceful" {
        if err := c.forceUninstall(membership.ForcefulClose); err != nil { result = multierror.Append(result, err) }
    }
    if err := c.opts.Hooks.Stop(); err != nil { result = multierror.Append(result, err) }
    c.finish(path, start)
    return result
}

var (
    errTimeout = errors.New("closer: graceful close timed out")
    errStopped = errors.New("closer: compartment stopped during graceful close")
)

// awaitStrategies polls on the compartment until all strategies agree, then
// uninstalls with GracefulClose. It returns errTimeout when the bound expired first and
// errStopped when the compartment went away under the poll.
func (c *Coordinator) awaitStrategies() error {
    var resolved atomic.Bool
    released := make(chan error, 1)
    poll := func() {
        if resolved.Load() { return }
        c.mu.RLock()
        ss := append([]Strategy(nil), c.strategies...)
        c.mu.RUnlock()
        for _, s := range ss {
            if !s.RequestClose() { return }
        }
        if !resolved.CompareAndSwap(false, true) { return }
        var err error
        defer func() { released <- err }()
        err = c.opts.Hooks.Uninstall(membership.GracefulClose)
    }
    stop := c.opts.Compartment.Every(c.opts.Interval, poll)
    defer stop()
    if err := c.opts.Compartment.Post(poll); err != nil { return err }

    var timeout <-chan time.Time
    if c.opts.Timeout > 0 {
        t := time.NewTimer(c.opts.Timeout)
        defer t.Stop()
        timeout = t.C
    }
    select {
    case err := <-released:
        if err != nil { logutil.Debugf(c.log, "closer: graceful uninstall: %v", err) }
        return nil
    case <-timeout:
        if !resolved.CompareAndSwap(false, true) {
            // A poll won the race and is uninstalling right now.
            <-released
            return nil
        }
        return errTimeout
    case <-c.opts.Compartment.Done():
    }
    if !resolved.CompareAndSwap(false, true) {
        select {
        case <-released:
            return nil
        default:
            // The uninstalling poll was cut off with the compartment.
        }
    }
    return errStopped
}

// forceUninstall runs Uninstall on the compartment and waits for it at most one poll
// interval. A stopped compartment skips the uninstall.
func (c *Coordinator) forceUninstall(reason membership.LeaveReason) error {
    done := make(chan error, 1)
    if err := c.opts.Compartment.Post(func() { done <- c.opts.Hooks.Uninstall(reason) }); err != nil {
        logutil.Debugf(c.log, "closer: %s uninstall skipped: %v", reason, err)
        return nil
    }
    t := time.NewTimer(c.opts.Interval)
    defer t.Stop()
    select {
    case err := <-done:
        return err
    case <-c.opts.Compartment.Done():
        return nil
    case <-t.C:
        logutil.Warnf(c.log, "closer: %s uninstall still queued, stopping anyway", reason)
        return nil
    }
}

// Reconnect leaves the group with reason Reconnect without consulting strategies and
// stops the channel in the background. It does not block and may be called from the
// compartment.
func (c *Coordinator) Reconnect() error {
    if !c.state.CompareAndSwap(int32(Open), int32(Closing)) {
        return fmt.Errorf("closer: %w: reconnect while %s", membership.ErrInvalidState, c.State())
    }
    start := time.Now()
    after := func() {
        if err := c.opts.Hooks.Stop(); err != nil { logutil.Warnf(c.log, "closer: stop on reconnect: %v", err) }
        c.finish("reconnect", start)
        if c.opts.Hooks.OnReconnect != nil { c.opts.Hooks.OnReconnect() }
    }
    err := c.opts.Compartment.Post(func() {
        if err := c.opts.Hooks.Uninstall(membership.Reconnect); err != nil {
            logutil.Debugf(c.log, "closer: reconnect uninstall: %v", err)
        }
        go after()
    })
    if err != nil { go after() }
    return nil
}

func (c *Coordinator) finish(path string, start time.Time) {
    c.mu.Lock()
    c.path = path
    c.mu.Unlock()
    c.state.Store(int32(Closed))
    close(c.closed)
    metrics.CloseDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
    logutil.Infof(c.log, "closer: closed (%s) after %s", path, time.Since(start).Round(time.Millisecond))
}
