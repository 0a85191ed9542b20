// Package detector accumulates failure and departure evidence against the currently
// installed view. It never installs views itself; it only tells the view-change logic
// that there is something to act on.
package detector

import (
    "fmt"
    "sync"

    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/observability/metrics"
)

// Options configures a Detector.
type Options struct {
    // Listeners are told about every newly recorded failed/left member.
    Listeners []membership.FailureListener
    // OnEvidence runs after new evidence was recorded (view-change consideration).
    OnEvidence func()
    Logger     *zap.Logger
}

// State is a point-in-time copy of the detector bookkeeping.
type State struct {
    ViewID      uint64            `json:"view_id"`
    Coordinator *membership.Node  `json:"coordinator,omitempty"`
    Healthy     []membership.Node `json:"healthy"`
    Failed      []membership.Node `json:"failed"`
    Left        []membership.Node `json:"left"`
}

type Detector struct {
    mu        sync.RWMutex
    installed membership.Membership
    hasView   bool
    failed    map[membership.NodeID]struct{}
    left      map[membership.NodeID]struct{}

    listeners  []membership.FailureListener
    onEvidence func()
    log        *zap.Logger
}

func New(opts Options) *Detector {
    return &Detector{
        failed:     make(map[membership.NodeID]struct{}),
        left:       make(map[membership.NodeID]struct{}),
        listeners:  append([]membership.FailureListener(nil), opts.Listeners...),
        onEvidence: opts.OnEvidence,
        log:        opts.Logger,
    }
}

// AddListener registers an extra failure listener. Not safe to call concurrently
// with evidence recording.
func (d *Detector) AddListener(l membership.FailureListener) {
    if l == nil { return }
    d.listeners = append(d.listeners, l)
}

// SetEvidenceHook replaces the evidence hook; used during two-phase wiring.
func (d *Detector) SetEvidenceHook(fn func()) { d.onEvidence = fn }

// Reset scopes the detector to a newly installed view and clears failed/left.
func (d *Detector) Reset(m membership.Membership) {
    d.mu.Lock(); defer d.mu.Unlock()
    d.installed = m
    d.hasView = true
    d.failed = make(map[membership.NodeID]struct{})
    d.left = make(map[membership.NodeID]struct{})
}

// Clear drops the installed view (local node left).
func (d *Detector) Clear() {
    d.mu.Lock(); defer d.mu.Unlock()
    d.installed = membership.Membership{}
    d.hasView = false
    d.failed = make(map[membership.NodeID]struct{})
    d.left = make(map[membership.NodeID]struct{})
}

// CurrentCoordinator returns the first node of the installed view, even when it is
// recorded failed or left. False when no view is installed.
func (d *Detector) CurrentCoordinator() (membership.Node, bool) {
    d.mu.RLock(); defer d.mu.RUnlock()
    if !d.hasView { return membership.Node{}, false }
    return d.installed.Coordinator()
}

// ActingCoordinator is the first healthy member: the node that drives the next view
// change when the coordinator itself is gone.
func (d *Detector) ActingCoordinator() (membership.Node, bool) {
    h := d.HealthyMembers()
    if len(h) == 0 { return membership.Node{}, false }
    return h[0], true
}

// HealthyMembers lists installed members not recorded failed or left, in group
// order (coordinator first).
func (d *Detector) HealthyMembers() []membership.Node {
    d.mu.RLock(); defer d.mu.RUnlock()
    return d.healthyLocked()
}

func (d *Detector) healthyLocked() []membership.Node {
    if !d.hasView { return nil }
    out := make([]membership.Node, 0, d.installed.Group.Len())
    for _, n := range d.installed.Group.Nodes() {
        if _, ok := d.failed[n.ID]; ok { continue }
        if _, ok := d.left[n.ID]; ok { continue }
        out = append(out, n)
    }
    return out
}

// IsMember reports whether id belongs to the installed view.
func (d *Detector) IsMember(id membership.NodeID) bool {
    d.mu.RLock(); defer d.mu.RUnlock()
    return d.hasView && d.installed.Group.Contains(id)
}

func (d *Detector) FailedMembers() []membership.Node {
    d.mu.RLock(); defer d.mu.RUnlock()
    return d.collectLocked(d.failed)
}

func (d *Detector) LeftMembers() []membership.Node {
    d.mu.RLock(); defer d.mu.RUnlock()
    return d.collectLocked(d.left)
}

func (d *Detector) IsFailed(id membership.NodeID) bool {
    d.mu.RLock(); defer d.mu.RUnlock()
    _, ok := d.failed[id]
    return ok
}

func (d *Detector) IsLeft(id membership.NodeID) bool {
    d.mu.RLock(); defer d.mu.RUnlock()
    _, ok := d.left[id]
    return ok
}

// collectLocked returns the set in group order.
func (d *Detector) collectLocked(set map[membership.NodeID]struct{}) []membership.Node {
    out := make([]membership.Node, 0, len(set))
    for _, n := range d.installed.Group.Nodes() {
        if _, ok := set[n.ID]; ok { out = append(out, n) }
    }
    return out
}

// AddFailedMembers records ids as failed. Re-adding is a no-op. The whole call is
// rejected with ErrInvalidState if any id is not in the installed view or is already
// recorded as left.
func (d *Detector) AddFailedMembers(ids ...membership.NodeID) error {
    added, err := d.record(ids, true)
    if err != nil { return err }
    for _, n := range added {
        logutil.Warnf(d.log, "detector: member %s recorded failed", n)
        metrics.EvidenceRecorded.WithLabelValues("failed").Inc()
        for _, l := range d.listeners { l.OnMemberFailed(n) }
    }
    d.fireEvidence(len(added))
    return nil
}

// AddLeftMembers records ids as voluntarily departed; see AddFailedMembers.
func (d *Detector) AddLeftMembers(ids ...membership.NodeID) error {
    added, err := d.record(ids, false)
    if err != nil { return err }
    for _, n := range added {
        logutil.Infof(d.log, "detector: member %s recorded left", n)
        metrics.EvidenceRecorded.WithLabelValues("left").Inc()
        for _, l := range d.listeners { l.OnMemberLeft(n) }
    }
    d.fireEvidence(len(added))
    return nil
}

func (d *Detector) fireEvidence(n int) {
    if n > 0 && d.onEvidence != nil { d.onEvidence() }
}

func (d *Detector) record(ids []membership.NodeID, failed bool) ([]membership.Node, error) {
    d.mu.Lock(); defer d.mu.Unlock()
    kind, target, other := "left", d.left, d.failed
    if failed { kind, target, other = "failed", d.failed, d.left }
    if !d.hasView {
        return nil, fmt.Errorf("detector: %w: no installed view to record %s members against", membership.ErrInvalidState, kind)
    }
    for _, id := range ids {
        if !d.installed.Group.Contains(id) {
            return nil, fmt.Errorf("detector: %w: node %s is not in %s", membership.ErrInvalidState, id, d.installed)
        }
        if _, ok := other[id]; ok {
            return nil, fmt.Errorf("detector: %w: node %s already recorded otherwise, cannot mark %s", membership.ErrInvalidState, id, kind)
        }
    }
    var added []membership.Node
    for _, id := range ids {
        if _, ok := target[id]; ok { continue }
        target[id] = struct{}{}
        n, _ := d.installed.Group.Node(id)
        added = append(added, n)
    }
    return added, nil
}

// Snapshot returns a copy safe to read from any goroutine.
func (d *Detector) Snapshot() State {
    d.mu.RLock(); defer d.mu.RUnlock()
    st := State{
        Healthy: d.healthyLocked(),
        Failed:  d.collectLocked(d.failed),
        Left:    d.collectLocked(d.left),
    }
    if d.hasView {
        st.ViewID = d.installed.ID
        if c, ok := d.installed.Coordinator(); ok { st.Coordinator = &c }
    }
    return st
}
