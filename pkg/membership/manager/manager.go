// Package manager owns the prepared and installed views of one channel and runs the
// view-change algorithm. Every mutating method must be called from the channel's
// compartment; read accessors may be called from anywhere.
package manager

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/detector"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/observability/tracing"
    "github.com/amirimatin/go-group/pkg/protocol"
)

type State int

const (
    Uninitialized State = iota
    Preparing
    Installed
    Uninstalling
)

func (s State) String() string {
    switch s {
    case Uninitialized:
        return "uninitialized"
    case Preparing:
        return "preparing"
    case Installed:
        return "installed"
    case Uninstalling:
        return "uninstalling"
    default:
        return fmt.Sprintf("state(%d)", int(s))
    }
}

var (
    ErrNotInstalled = fmt.Errorf("manager: %w: no installed membership", membership.ErrInvalidState)
    // ErrDeferInstall is returned by a Participant that needs the install to wait
    // until CompleteInstall is called.
    ErrDeferInstall = errors.New("manager: install deferred")
)

// Participant takes part in a view change after the view is prepared and before it is
// installed and announced.
type Participant interface {
    PrepareView(ev membership.Event, proposer membership.Node) error
}

// Journal persists installed views.
type Journal interface {
    RecordView(ctx context.Context, m membership.Membership) error
}

type Options struct {
    Local    membership.Node
    Detector *detector.Detector
    // Broadcast puts a part on the ordered group channel.
    Broadcast    func(p protocol.Part) error
    Listeners    []membership.Listener
    Participants []Participant
    Journal      Journal
    // OnExcluded runs when an installed view lists the local node as failed.
    OnExcluded      func()
    ProposalTimeout time.Duration
    Logger          *zap.Logger
}

func (o *Options) Validate() error {
    if o.Local.IsZero() { return fmt.Errorf("manager: %w: local node required", membership.ErrInvalidArgument) }
    if o.Detector == nil { return fmt.Errorf("manager: %w: detector required", membership.ErrInvalidArgument) }
    if o.Broadcast == nil { return fmt.Errorf("manager: %w: broadcast func required", membership.ErrInvalidArgument) }
    if o.ProposalTimeout <= 0 { o.ProposalTimeout = 5 * time.Second }
    return nil
}

type proposal struct {
    p    protocol.ViewProposal
    from membership.Node
}

type Manager struct {
    opts Options
    log  *zap.Logger

    mu        sync.RWMutex
    state     State
    installed *membership.Membership
    prepared  *membership.Membership

    pendingJoins []membership.Node

    // compartment-only fields
    deferred     *membership.Event
    deferredFrom membership.Node
    queued       []proposal
    inFlight     uint64
    proposedAt   time.Time
}

func New(opts Options) (*Manager, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    return &Manager{opts: opts, log: opts.Logger}, nil
}

// AddListener registers a listener during wiring, before the channel starts.
func (m *Manager) AddListener(l membership.Listener) {
    if l != nil { m.opts.Listeners = append(m.opts.Listeners, l) }
}

// AddParticipant registers a participant during wiring, before the channel starts.
func (m *Manager) AddParticipant(p Participant) {
    if p != nil { m.opts.Participants = append(m.opts.Participants, p) }
}

func (m *Manager) State() State {
    m.mu.RLock(); defer m.mu.RUnlock()
    return m.state
}

func (m *Manager) InstalledMembership() (membership.Membership, bool) {
    m.mu.RLock(); defer m.mu.RUnlock()
    if m.installed == nil { return membership.Membership{}, false }
    return *m.installed, true
}

// PreparedMembership is set only while a view change is in flight.
func (m *Manager) PreparedMembership() (membership.Membership, bool) {
    m.mu.RLock(); defer m.mu.RUnlock()
    if m.prepared == nil { return membership.Membership{}, false }
    return *m.prepared, true
}

// IsCoordinator reports whether the local node heads the installed view.
func (m *Manager) IsCoordinator() bool {
    v, ok := m.InstalledMembership()
    if !ok { return false }
    c, ok := v.Coordinator()
    return ok && c.ID == m.opts.Local.ID
}

// PendingJoins lists nodes waiting to be added.
func (m *Manager) PendingJoins() []membership.Node {
    m.mu.RLock(); defer m.mu.RUnlock()
    return append([]membership.Node(nil), m.pendingJoins...)
}

// Bootstrap installs the singleton view {1, [local]}, making the local node the
// coordinator of a new group.
func (m *Manager) Bootstrap() error {
    if st := m.State(); st != Uninitialized {
        return fmt.Errorf("manager: %w: bootstrap in state %s", membership.ErrInvalidState, st)
    }
    v := membership.Membership{ID: 1, Group: membership.NewGroup(m.opts.Local)}
    ev, err := membership.NewEvent(membership.Membership{}, v, membership.Change{Joined: []membership.Node{m.opts.Local}})
    if err != nil { return err }
    logutil.Infof(m.log, "manager: bootstrapping new group as %s", m.opts.Local)
    m.install(ev)
    return nil
}

// RequestJoin records a join request. A node that asks to join while still listed in
// the installed view has lost its view, so it is recorded failed first and added back
// by a later view.
func (m *Manager) RequestJoin(n membership.Node) error {
    if n.IsZero() { return fmt.Errorf("manager: %w: empty join request", membership.ErrInvalidArgument) }
    if n.ID == m.opts.Local.ID { return nil }
    m.mu.Lock()
    for _, p := range m.pendingJoins {
        if p.ID == n.ID {
            m.mu.Unlock()
            return nil
        }
    }
    m.pendingJoins = append(m.pendingJoins, n)
    m.mu.Unlock()
    if v, ok := m.InstalledMembership(); ok && v.Group.Contains(n.ID) {
        if m.opts.Detector.IsLeft(n.ID) { return nil }
        logutil.Infof(m.log, "manager: %s asked to rejoin while still in %s", n, v)
        return m.opts.Detector.AddFailedMembers(n.ID)
    }
    return m.ConsiderViewChange()
}

// ConsiderViewChange proposes the next view when the local node is the acting
// coordinator and there is evidence or a pending join. One proposal is in flight at a
// time; an unanswered proposal is re-sent after ProposalTimeout.
func (m *Manager) ConsiderViewChange() error {
    m.mu.RLock()
    state, cur := m.state, m.installed
    m.mu.RUnlock()
    if state != Installed || cur == nil { return nil }
    acting, ok := m.opts.Detector.ActingCoordinator()
    if !ok || acting.ID != m.opts.Local.ID { return nil }
    if m.inFlight != 0 && time.Since(m.proposedAt) < m.opts.ProposalTimeout { return nil }

    change := membership.Change{
        Failed: m.opts.Detector.FailedMembers(),
        Left:   m.opts.Detector.LeftMembers(),
    }
    for _, n := range m.PendingJoins() {
        if !cur.Group.Contains(n.ID) { change.Joined = append(change.Joined, n) }
    }
    if change.IsEmpty() { return nil }

    next := membership.Membership{ID: cur.ID + 1, Group: change.Apply(cur.Group)}
    if next.Group.Len() == 0 { return nil }
    p := protocol.ViewProposal{Old: cur.View(), New: next.View(), Change: change}
    if err := m.opts.Broadcast(p); err != nil {
        return fmt.Errorf("manager: propose %s: %w", next, err)
    }
    m.inFlight, m.proposedAt = next.ID, time.Now()
    metrics.ViewProposals.WithLabelValues("sent").Inc()
    logutil.Infof(m.log, "manager: proposed %s (joined=%d left=%d failed=%d)", next, len(change.Joined), len(change.Left), len(change.Failed))
    return nil
}

// HandleProposal processes a proposal in total order. Stale or irrelevant proposals
// are ignored; an inconsistent proposal is an ErrInvalidState.
func (m *Manager) HandleProposal(p protocol.ViewProposal, from membership.Node) error {
    old, next := p.Old.Membership(), p.New.Membership()
    local := m.opts.Local.ID

    m.mu.RLock()
    state, cur, prep := m.state, m.installed, m.prepared
    m.mu.RUnlock()

    switch {
    case state == Preparing && prep != nil && old.ID == prep.ID:
        // Follows the view we are still waiting to install.
        m.queued = append(m.queued, proposal{p: p, from: from})
        return nil
    case state == Preparing:
        metrics.ViewProposals.WithLabelValues("ignored").Inc()
        return nil
    case cur == nil:
        if !p.Change.HasJoined(local) {
            metrics.ViewProposals.WithLabelValues("ignored").Inc()
            return nil
        }
    default:
        if old.ID != cur.ID || next.ID <= cur.ID {
            metrics.ViewProposals.WithLabelValues("stale").Inc()
            logutil.Debugf(m.log, "manager: ignoring stale proposal %s over %s (installed %s)", next, old, cur)
            return nil
        }
        if !old.Group.Equal(cur.Group) {
            return fmt.Errorf("manager: %w: proposal base %s differs from installed %s", membership.ErrInvalidState, old, cur)
        }
        if !next.Group.Contains(local) {
            m.inFlight = 0
            if p.Change.HasFailed(local) {
                logutil.Warnf(m.log, "manager: excluded from %s by %s", next, from)
                metrics.ViewProposals.WithLabelValues("excluded").Inc()
                if m.opts.OnExcluded != nil { m.opts.OnExcluded() }
            }
            return nil
        }
    }

    ev, err := membership.NewEvent(old, next, p.Change)
    if err != nil { return err }

    m.mu.Lock()
    m.prepared = &next
    m.state = Preparing
    m.mu.Unlock()

    _, end := tracing.StartSpan(context.Background(), "view.prepare", "view", next.String())
    defer end()
    deferred := false
    for _, part := range m.opts.Participants {
        err := part.PrepareView(ev, from)
        switch {
        case err == nil:
        case errors.Is(err, ErrDeferInstall):
            deferred = true
        default:
            return fmt.Errorf("manager: prepare %s: %w", next, err)
        }
    }
    if deferred {
        m.deferred, m.deferredFrom = &ev, from
        logutil.Infof(m.log, "manager: install of %s deferred", next)
        return nil
    }
    m.install(ev)
    return m.drainQueued()
}

// CompleteInstall installs a deferred view.
func (m *Manager) CompleteInstall() error {
    if m.State() != Preparing || m.deferred == nil {
        return fmt.Errorf("manager: %w: no deferred install", membership.ErrInvalidState)
    }
    ev := *m.deferred
    m.deferred = nil
    m.install(ev)
    return m.drainQueued()
}

// AbandonJoin drops a view prepared while joining that was never installed, e.g.
// because its state never arrived, and returns to Uninitialized so the node can ask to
// join again.
func (m *Manager) AbandonJoin() error {
    m.mu.Lock()
    if m.installed != nil || m.state != Preparing {
        st := m.state
        m.mu.Unlock()
        return fmt.Errorf("manager: %w: abandon join in state %s", membership.ErrInvalidState, st)
    }
    prep := m.prepared
    m.state, m.prepared = Uninitialized, nil
    m.mu.Unlock()

    m.deferred, m.queued, m.inFlight = nil, nil, 0
    m.opts.Detector.Clear()
    metrics.ViewProposals.WithLabelValues("abandoned").Inc()
    logutil.Warnf(m.log, "manager: abandoned prepared %s", prep)
    return nil
}

func (m *Manager) drainQueued() error {
    for len(m.queued) > 0 && m.State() == Installed {
        q := m.queued[0]
        m.queued = m.queued[1:]
        if err := m.HandleProposal(q.p, q.from); err != nil { return err }
    }
    return nil
}

func (m *Manager) install(ev membership.Event) {
    _, end := tracing.StartSpan(context.Background(), "view.install", "view", ev.New.String())
    defer end()
    m.mu.Lock()
    joined := m.installed == nil
    v := ev.New
    m.installed = &v
    m.prepared = nil
    m.state = Installed
    var kept []membership.Node
    for _, n := range m.pendingJoins {
        if !v.Group.Contains(n.ID) { kept = append(kept, n) }
    }
    m.pendingJoins = kept
    m.mu.Unlock()

    m.inFlight = 0
    m.opts.Detector.Reset(v)

    metrics.ViewsInstalled.Inc()
    metrics.ViewID.Set(float64(v.ID))
    metrics.GroupMembers.Set(float64(v.Group.Len()))
    if m.IsCoordinator() { metrics.IsCoordinator.Set(1) } else { metrics.IsCoordinator.Set(0) }
    logutil.Infof(m.log, "manager: installed %s", v)

    for _, l := range m.opts.Listeners {
        if joined {
            l.OnJoined()
        } else {
            l.OnMembershipChanged(ev)
        }
    }
    if j := m.opts.Journal; j != nil {
        go func() {
            ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
            defer cancel()
            if err := j.RecordView(ctx, v); err != nil {
                logutil.Debugf(m.log, "manager: journal %s: %v", v, err)
            }
        }()
    }
}

// UninstallMembership drops the installed view locally. No agreement is needed to
// leave.
func (m *Manager) UninstallMembership(reason membership.LeaveReason) error {
    m.mu.Lock()
    had := m.installed != nil
    m.state = Uninstalling
    m.installed, m.prepared = nil, nil
    m.pendingJoins = nil
    m.mu.Unlock()

    m.deferred, m.queued, m.inFlight = nil, nil, 0
    m.opts.Detector.Clear()
    defer func() {
        m.mu.Lock(); m.state = Uninitialized; m.mu.Unlock()
    }()
    if !had { return ErrNotInstalled }

    metrics.Uninstalls.WithLabelValues(reason.String()).Inc()
    metrics.ViewID.Set(0)
    metrics.GroupMembers.Set(0)
    metrics.IsCoordinator.Set(0)
    logutil.Infof(m.log, "manager: uninstalled view (%s)", reason)
    for _, l := range m.opts.Listeners { l.OnLeft(reason) }
    return nil
}
