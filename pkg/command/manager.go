package command

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/emirpasic/gods/lists/singlylinkedlist"
    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/compartment"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/observability/tracing"
    "github.com/amirimatin/go-group/pkg/protocol"
    "github.com/amirimatin/go-group/pkg/transport"
)

type Options struct {
    Local       membership.Node
    Compartment *compartment.Compartment
    // Broadcast puts a part on the ordered group channel.
    Broadcast func(p protocol.Part) error
    // Send unicasts a part; used for command responses. Optional.
    Send     func(to membership.NodeID, p protocol.Part) error
    Handlers []Handler
    Logger   *zap.Logger
}

func (o *Options) Validate() error {
    if o.Local.IsZero() { return fmt.Errorf("command: %w: local node required", membership.ErrInvalidArgument) }
    if o.Compartment == nil { return fmt.Errorf("command: %w: compartment required", membership.ErrInvalidArgument) }
    if o.Broadcast == nil { return fmt.Errorf("command: %w: broadcast func required", membership.ErrInvalidArgument) }
    return nil
}

type task struct {
    cmd  Command
    done CompletionHandler
    at   time.Time
    // unsure holds a broadcast error that left open whether the command was ordered.
    unsure error
}

// Manager keeps the FIFO of commands this node sent and not yet saw delivered.
// Queue operations run on the compartment.
type Manager struct {
    opts Options
    log  *zap.Logger

    queue *singlylinkedlist.List
    seq   uint64
    // stale are unsure commands given up on; a late delivery of one is not a mismatch.
    stale map[uint64]struct{}

    mu        sync.RWMutex
    handlers  []Handler
    observers []func(from membership.Node, r protocol.CommandResponse)
    pending   int
    unsure    int
}

func NewManager(opts Options) (*Manager, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    return &Manager{
        opts:     opts,
        log:      opts.Logger,
        queue:    singlylinkedlist.New(),
        stale:    map[uint64]struct{}{},
        handlers: append([]Handler(nil), opts.Handlers...),
    }, nil
}

func (m *Manager) AddHandler(h Handler) {
    if h == nil { return }
    m.mu.Lock(); defer m.mu.Unlock()
    m.handlers = append(m.handlers, h)
}

// OnResponse registers an observer for command responses addressed to this node.
func (m *Manager) OnResponse(fn func(from membership.Node, r protocol.CommandResponse)) {
    if fn == nil { return }
    m.mu.Lock(); defer m.mu.Unlock()
    m.observers = append(m.observers, fn)
}

// Pending is the number of sent commands awaiting delivery confirmation. Commands
// whose broadcast failed with an unknown outcome are counted by Unsure instead.
func (m *Manager) Pending() int {
    m.mu.RLock(); defer m.mu.RUnlock()
    return m.pending
}

func (m *Manager) Unsure() int {
    m.mu.RLock(); defer m.mu.RUnlock()
    return m.unsure
}

func (m *Manager) recount() {
    n, u := 0, 0
    m.queue.Each(func(_ int, v interface{}) {
        if v.(*task).unsure != nil { u++ } else { n++ }
    })
    m.mu.Lock(); m.pending, m.unsure = n, u; m.mu.Unlock()
    metrics.CommandsPending.Set(float64(n))
}

// Execute queues cmd and broadcasts it. It does not wait: done is called after the
// command comes back through the ordered channel, or with the broadcast error when the
// transport knows the command was not ordered. Other broadcast errors keep the command
// queued until a later delivery of ours settles it.
func (m *Manager) Execute(cmd Command, done CompletionHandler) error {
    if cmd.Op == "" { return fmt.Errorf("command: %w: empty op", membership.ErrInvalidArgument) }
    return m.opts.Compartment.Post(func() {
        m.seq++
        cmd.Seq = m.seq
        t := &task{cmd: cmd, done: done, at: time.Now()}
        m.queue.Add(t)
        m.recount()
        err := m.opts.Broadcast(protocol.CommandMessage{Command: cmd})
        switch {
        case err == nil:
        case transport.NotSequenced(err):
            m.queue.Remove(m.queue.Size() - 1)
            m.recount()
            logutil.Warnf(m.log, "command: broadcast %s: %v", cmd.Op, err)
            if done != nil { done(err) }
        default:
            t.unsure = err
            m.recount()
            logutil.Warnf(m.log, "command: broadcast %s, outcome unknown: %v", cmd.Op, err)
        }
    })
}

// OnDelivered matches a delivery of one of our own commands against the oldest queued
// task. An empty queue or a different command means the ordering contract was broken.
func (m *Manager) OnDelivered(cmd Command) error {
    t, err := m.settle(cmd)
    if err != nil { return err }
    m.complete(t)
    return nil
}

// settle pops the task cmd confirms. Unsure tasks queued ahead of it were never
// ordered, since our own commands come back in send order, and fail with their
// broadcast error. A nil task means cmd was given up on earlier.
func (m *Manager) settle(cmd Command) (*task, error) {
    if _, ok := m.stale[cmd.Seq]; ok && cmd.Seq != 0 {
        delete(m.stale, cmd.Seq)
        logutil.Debugf(m.log, "command: late delivery of %s#%d", cmd.Op, cmd.Seq)
        return nil, nil
    }
    for {
        v, ok := m.queue.Get(0)
        if !ok {
            metrics.CommandMismatches.Inc()
            return nil, fmt.Errorf("command: %w: delivery of %s with no queued command", membership.ErrInvalidState, cmd.Op)
        }
        t := v.(*task)
        if sameCommand(t.cmd, cmd) {
            m.queue.Remove(0)
            m.recount()
            return t, nil
        }
        if t.unsure == nil || cmd.Seq == 0 || t.cmd.Seq > cmd.Seq {
            metrics.CommandMismatches.Inc()
            return nil, fmt.Errorf("command: %w: delivered %s does not match queued %s", membership.ErrInvalidState, cmd.Op, t.cmd.Op)
        }
        m.queue.Remove(0)
        m.stale[t.cmd.Seq] = struct{}{}
        m.recount()
        logutil.Warnf(m.log, "command: %s#%d was not ordered: %v", t.cmd.Op, t.cmd.Seq, t.unsure)
        if t.done != nil { t.done(t.unsure) }
    }
}

func (m *Manager) complete(t *task) {
    if t == nil { return }
    metrics.CommandRoundTrip.Observe(time.Since(t.at).Seconds())
    if t.done != nil { t.done(nil) }
}

// OnReceived dispatches cmd to every handler supporting it. Commands nobody supports
// are ignored. Handler errors are reported back to a remote originator, not raised.
func (m *Manager) OnReceived(ctx context.Context, cmd Command, from membership.Node) {
    m.mu.RLock()
    hs := append([]Handler(nil), m.handlers...)
    m.mu.RUnlock()
    ctx, end := tracing.StartSpan(ctx, "command.execute", "op", cmd.Op)
    defer end()

    handled := false
    for _, h := range hs {
        if !h.Supports(cmd) { continue }
        handled = true
        res, err := h.Execute(ctx, cmd, from)
        if err != nil {
            metrics.CommandsExecuted.WithLabelValues("error").Inc()
            logutil.Warnf(m.log, "command: %s from %s failed: %v", cmd.Op, from, err)
        } else {
            metrics.CommandsExecuted.WithLabelValues("ok").Inc()
        }
        if from.ID == m.opts.Local.ID || m.opts.Send == nil || (res == "" && err == nil) { continue }
        resp := protocol.CommandResponse{Op: cmd.Op}
        if res != "" { resp.Result = &res }
        if err != nil { resp.Error = err.Error() }
        if serr := m.opts.Send(from.ID, resp); serr != nil {
            logutil.Debugf(m.log, "command: response %s to %s: %v", resp, from, serr)
        }
    }
    if !handled { metrics.CommandsExecuted.WithLabelValues("ignored").Inc() }
}

// Deliver handles a command coming out of the ordered channel: our own commands are
// matched against the queue first, then every node runs its handlers, then the
// originator's completion handler fires.
func (m *Manager) Deliver(ctx context.Context, cmd Command, from membership.Node) error {
    if from.ID != m.opts.Local.ID {
        m.OnReceived(ctx, cmd, from)
        return nil
    }
    t, err := m.settle(cmd)
    if err != nil { return err }
    m.OnReceived(ctx, cmd, from)
    m.complete(t)
    return nil
}

// HandleResponse passes a response to the observers.
func (m *Manager) HandleResponse(from membership.Node, r protocol.CommandResponse) {
    m.mu.RLock()
    obs := append(([]func(membership.Node, protocol.CommandResponse))(nil), m.observers...)
    m.mu.RUnlock()
    logutil.Debugf(m.log, "command: response %s from %s", r, from)
    for _, fn := range obs { fn(from, r) }
}

// Abandon drops queued commands without completing them.
func (m *Manager) Abandon() int {
    n := m.queue.Size()
    m.queue.Clear()
    m.stale = map[uint64]struct{}{}
    m.recount()
    if n > 0 { logutil.Infof(m.log, "command: abandoned %d pending commands", n) }
    return n
}
