package statetransfer

import (
    "context"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/membership/manager"
    "github.com/amirimatin/go-group/pkg/protocol"
)

// persistentID is the store key of the persistent-only snapshot.
const persistentID = "persistent"

type CoordinatorOptions struct {
    Local   membership.Node
    Binding *Binding
    // Send unicasts a snapshot to a joiner.
    Send func(to membership.NodeID, p protocol.Part) error
    // Complete finishes the deferred install once the snapshot is loaded.
    Complete func() error
    Logger   *zap.Logger
}

func (o *CoordinatorOptions) Validate() error {
    if o.Local.IsZero() { return fmt.Errorf("statetransfer: %w: local node required", membership.ErrInvalidArgument) }
    if o.Binding == nil { return fmt.Errorf("statetransfer: %w: binding required", membership.ErrInvalidArgument) }
    if o.Send == nil { return fmt.Errorf("statetransfer: %w: send func required", membership.ErrInvalidArgument) }
    if o.Complete == nil { return fmt.Errorf("statetransfer: %w: complete func required", membership.ErrInvalidArgument) }
    return nil
}

// Coordinator drives state transfer around view changes. It is a manager.Participant
// and runs on the compartment.
type Coordinator struct {
    opts CoordinatorOptions
    log  *zap.Logger

    mu       sync.RWMutex
    awaiting uint64
    since    time.Time
    // held is the backlog of ordered deliveries, proposals included, in arrival order.
    held []func()
}

var _ manager.Participant = (*Coordinator)(nil)

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    return &Coordinator{opts: opts, log: opts.Logger}, nil
}

// PrepareView snapshots the state for joiners when the local node proposed the view,
// and defers the local install when the local node is one of the joiners of a
// non-empty group.
func (c *Coordinator) PrepareView(ev membership.Event, proposer membership.Node) error {
    local := c.opts.Local.ID
    if ev.Change.HasJoined(local) {
        if ev.Old.IsZero() || ev.Old.Group.Len() == 0 { return nil }
        c.mu.Lock()
        c.awaiting = ev.New.ID
        c.since = time.Now()
        c.mu.Unlock()
        logutil.Infof(c.log, "statetransfer: awaiting state for %s from %s", ev.New, proposer)
        return manager.ErrDeferInstall
    }
    if proposer.ID != local || len(ev.Change.Joined) == 0 { return nil }

    snap := protocol.StateSnapshot{ViewID: ev.New.ID, Full: true}
    if srv, ok := c.opts.Binding.Server.(SimpleServer); ok {
        data, err := srv.SaveSnapshot(true)
        if err != nil { return fmt.Errorf("statetransfer: snapshot for %s: %w", ev.New, err) }
        snap.Data = data
    }
    for _, n := range ev.Change.Joined {
        if err := c.opts.Send(n.ID, snap); err != nil {
            logutil.Warnf(c.log, "statetransfer: send snapshot to %s: %v", n, err)
        }
    }
    logutil.Debugf(c.log, "statetransfer: sent %d bytes of state to %d joiners", len(snap.Data), len(ev.Change.Joined))
    return nil
}

// Awaiting reports whether the local install waits for a snapshot.
func (c *Coordinator) Awaiting() bool {
    c.mu.RLock(); defer c.mu.RUnlock()
    return c.awaiting != 0
}

// Expired reports whether the awaited snapshot is overdue by timeout.
func (c *Coordinator) Expired(timeout time.Duration) bool {
    c.mu.RLock(); defer c.mu.RUnlock()
    return c.awaiting != 0 && timeout > 0 && time.Since(c.since) >= timeout
}

// Hold buffers deliver while a snapshot is awaited and part is a view proposal or
// touches state. It reports whether deliver was held; held deliveries run in arrival
// order after the snapshot is loaded.
func (c *Coordinator) Hold(part protocol.Part, deliver func()) bool {
    c.mu.Lock(); defer c.mu.Unlock()
    if c.awaiting == 0 { return false }
    switch v := part.(type) {
    case protocol.ViewProposal, protocol.CommandMessage:
    case protocol.Data:
        if c.opts.Binding.Server.ClassifyMessage(v.Body) == NonState { return false }
    default:
        return false
    }
    c.held = append(c.held, deliver)
    return true
}

// HandleSnapshot loads a snapshot addressed to the awaited view, completes the
// install and replays what was held.
func (c *Coordinator) HandleSnapshot(s protocol.StateSnapshot, from membership.Node) error {
    c.mu.RLock()
    awaiting := c.awaiting
    c.mu.RUnlock()
    if awaiting == 0 || s.ViewID != awaiting {
        logutil.Debugf(c.log, "statetransfer: ignoring snapshot for view %d from %s", s.ViewID, from)
        return nil
    }
    if len(s.Data) > 0 {
        if err := c.opts.Binding.Client.LoadSnapshot(s.Full, s.Data); err != nil {
            return fmt.Errorf("statetransfer: load snapshot from %s: %w", from, err)
        }
    }
    c.mu.Lock()
    c.awaiting = 0
    held := c.held
    c.held = nil
    c.mu.Unlock()
    logutil.Infof(c.log, "statetransfer: loaded state for view %d from %s, replaying %d messages", s.ViewID, from, len(held))

    if err := c.opts.Complete(); err != nil { return err }
    for i, fn := range held {
        if c.Awaiting() {
            // A replayed proposal deferred again; the rest waits for that snapshot.
            c.mu.Lock()
            c.held = append(append([]func(){}, held[i:]...), c.held...)
            c.mu.Unlock()
            return nil
        }
        fn()
    }
    return nil
}

// Reset forgets an awaited snapshot and drops held deliveries.
func (c *Coordinator) Reset() {
    c.mu.Lock(); defer c.mu.Unlock()
    c.awaiting = 0
    c.held = nil
}

// Persist stores the persistent-only snapshot. It returns when the save finished or
// ctx is done.
func (c *Coordinator) Persist(ctx context.Context) error {
    srv, ok := c.opts.Binding.Server.(SimpleServer)
    if !ok { return nil }
    data, err := srv.SaveSnapshot(false)
    if err != nil { return fmt.Errorf("statetransfer: persistent snapshot: %w", err) }
    done := make(chan error, 1)
    Async(c.opts.Binding.Store).SaveAsync(persistentID, data, func(err error) { done <- err })
    select {
    case err := <-done:
        return err
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Recover loads a previously persisted snapshot. It reports whether one was found.
func (c *Coordinator) Recover() (bool, error) {
    data, ok, err := c.opts.Binding.Store.Load(persistentID)
    if err != nil || !ok { return false, err }
    if err := c.opts.Binding.Client.LoadSnapshot(false, data); err != nil {
        return false, fmt.Errorf("statetransfer: recover: %w", err)
    }
    logutil.Infof(c.log, "statetransfer: recovered %d bytes of persistent state", len(data))
    return true, nil
}
