package manager

import (
    "testing"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/detector"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/protocol"
)

type recListener struct {
    joined  int
    left    []membership.LeaveReason
    changed []membership.Event
}

func (r *recListener) OnJoined()                            { r.joined++ }
func (r *recListener) OnLeft(reason membership.LeaveReason)  { r.left = append(r.left, reason) }
func (r *recListener) OnMembershipChanged(ev membership.Event) { r.changed = append(r.changed, ev) }

type node struct {
    self     membership.Node
    mgr      *Manager
    det      *detector.Detector
    sent     []protocol.ViewProposal
    lis      *recListener
    excluded int
}

func newNode(t *testing.T, parts ...Participant) *node {
    t.Helper()
    n := &node{self: membership.Node{ID: membership.NewNodeID(), Addr: "addr"}, lis: &recListener{}}
    n.det = detector.New(detector.Options{})
    mgr, err := New(Options{
        Local:    n.self,
        Detector: n.det,
        Broadcast: func(p protocol.Part) error {
            n.sent = append(n.sent, p.(protocol.ViewProposal))
            return nil
        },
        Listeners:    []membership.Listener{n.lis},
        Participants: parts,
        OnExcluded:   func() { n.excluded++ },
    })
    require.NoError(t, err)
    n.mgr = mgr
    return n
}

func (n *node) lastProposal(t *testing.T) protocol.ViewProposal {
    t.Helper()
    require.NotEmpty(t, n.sent)
    return n.sent[len(n.sent)-1]
}

// deliver hands p to every node in order, as the ordered channel would.
func deliver(t *testing.T, p protocol.ViewProposal, from membership.Node, nodes ...*node) {
    t.Helper()
    for _, n := range nodes { require.NoError(t, n.mgr.HandleProposal(p, from)) }
}

func TestBootstrap_InstallsSingletonAndFiresJoined(t *testing.T) {
    c := newNode(t)
    require.NoError(t, c.mgr.Bootstrap())

    v, ok := c.mgr.InstalledMembership()
    require.True(t, ok)
    require.Equal(t, uint64(1), v.ID)
    require.True(t, c.mgr.IsCoordinator())
    require.Equal(t, 1, c.lis.joined)
    require.Empty(t, c.lis.changed)

    require.ErrorIs(t, c.mgr.Bootstrap(), membership.ErrInvalidState)
}

func TestJoin_CoordinatorSeesChangeJoinerSeesJoined(t *testing.T) {
    c, a := newNode(t), newNode(t)
    require.NoError(t, c.mgr.Bootstrap())
    require.NoError(t, c.mgr.RequestJoin(a.self))

    p := c.lastProposal(t)
    require.Equal(t, uint64(2), p.New.ID)
    deliver(t, p, c.self, c, a)

    for _, n := range []*node{c, a} {
        v, ok := n.mgr.InstalledMembership()
        require.True(t, ok)
        require.Equal(t, uint64(2), v.ID)
        first, _ := v.Coordinator()
        require.Equal(t, c.self.ID, first.ID)
    }
    require.Len(t, c.lis.changed, 1)
    require.True(t, c.lis.changed[0].Change.HasJoined(a.self.ID))
    require.Equal(t, 1, a.lis.joined)
    require.Empty(t, a.lis.changed, "joiner must not see a change event for its own join")
    require.Empty(t, c.mgr.PendingJoins())
}

func TestProposal_StaleIgnored(t *testing.T) {
    c, a, b := newNode(t), newNode(t), newNode(t)
    require.NoError(t, c.mgr.Bootstrap())
    require.NoError(t, c.mgr.RequestJoin(a.self))
    p2 := c.lastProposal(t)
    deliver(t, p2, c.self, c, a)

    // Same proposal delivered again is stale.
    require.NoError(t, c.mgr.HandleProposal(p2, c.self))
    require.Len(t, c.lis.changed, 1)

    // A node that is not joining ignores proposals.
    require.NoError(t, b.mgr.HandleProposal(p2, c.self))
    _, ok := b.mgr.InstalledMembership()
    require.False(t, ok)
}

func TestFailure_ProposedByCoordinatorExcludesFailedNode(t *testing.T) {
    c, a, b := newNode(t), newNode(t), newNode(t)
    require.NoError(t, c.mgr.Bootstrap())
    require.NoError(t, c.mgr.RequestJoin(a.self))
    deliver(t, c.lastProposal(t), c.self, c, a)
    require.NoError(t, c.mgr.RequestJoin(b.self))
    deliver(t, c.lastProposal(t), c.self, c, a, b)

    // Non-coordinators never propose.
    require.NoError(t, a.det.AddFailedMembers(b.self.ID))
    require.NoError(t, a.mgr.ConsiderViewChange())
    require.Empty(t, a.sent)

    require.NoError(t, c.det.AddFailedMembers(b.self.ID))
    require.NoError(t, c.mgr.ConsiderViewChange())
    p := c.lastProposal(t)
    require.True(t, p.Change.HasFailed(b.self.ID))
    deliver(t, p, c.self, c, a, b)

    require.Equal(t, 1, b.excluded)
    bv, _ := b.mgr.InstalledMembership()
    require.Equal(t, uint64(3), bv.ID, "excluded node keeps its view until it reconnects")

    cv, _ := c.mgr.InstalledMembership()
    require.Equal(t, uint64(4), cv.ID)
    require.False(t, cv.Group.Contains(b.self.ID))
    require.Empty(t, c.det.FailedMembers(), "evidence is reset on install")
}

func TestCoordinatorFailure_ActingCoordinatorTakesOver(t *testing.T) {
    c, a, b := newNode(t), newNode(t), newNode(t)
    require.NoError(t, c.mgr.Bootstrap())
    require.NoError(t, c.mgr.RequestJoin(a.self))
    deliver(t, c.lastProposal(t), c.self, c, a)
    require.NoError(t, c.mgr.RequestJoin(b.self))
    deliver(t, c.lastProposal(t), c.self, c, a, b)

    require.NoError(t, a.det.AddFailedMembers(c.self.ID))
    require.NoError(t, a.mgr.ConsiderViewChange())
    p := a.lastProposal(t)
    deliver(t, p, a.self, a, b)

    v, _ := b.mgr.InstalledMembership()
    first, _ := v.Coordinator()
    require.Equal(t, a.self.ID, first.ID)
    require.True(t, a.mgr.IsCoordinator())
}

// Every installed view satisfies new == old - failed - left + joined.
func TestSuccessiveInstalls_ChangeArithmetic(t *testing.T) {
    c := newNode(t)
    var followers []*node
    require.NoError(t, c.mgr.Bootstrap())
    all := func() []*node { return append([]*node{c}, followers...) }

    for i := 0; i < 3; i++ {
        f := newNode(t)
        require.NoError(t, c.mgr.RequestJoin(f.self))
        followers = append(followers, f)
        deliver(t, c.lastProposal(t), c.self, all()...)
    }
    require.NoError(t, c.det.AddLeftMembers(followers[0].self.ID))
    require.NoError(t, c.det.AddFailedMembers(followers[1].self.ID))
    require.NoError(t, c.mgr.ConsiderViewChange())
    deliver(t, c.lastProposal(t), c.self, all()...)

    for _, ev := range c.lis.changed {
        require.True(t, ev.Change.Apply(ev.Old.Group).Equal(ev.New.Group))
        require.Greater(t, ev.New.ID, ev.Old.ID)
    }
    v, _ := c.mgr.InstalledMembership()
    require.Equal(t, 2, v.Group.Len())
}

type deferring struct{ calls int }

func (d *deferring) PrepareView(ev membership.Event, _ membership.Node) error {
    d.calls++
    if ev.Old.Group.Len() == 1 { return nil }
    return ErrDeferInstall
}

func TestDeferredInstall_QueuesFollowingProposals(t *testing.T) {
    c := newNode(t)
    d := &deferring{}
    a := newNode(t, d)
    b := newNode(t)
    require.NoError(t, c.mgr.Bootstrap())
    require.NoError(t, c.mgr.RequestJoin(a.self))
    deliver(t, c.lastProposal(t), c.self, c, a)
    require.Equal(t, Installed, a.mgr.State())

    require.NoError(t, c.mgr.RequestJoin(b.self))
    p3 := c.lastProposal(t)
    deliver(t, p3, c.self, c, a)
    require.Equal(t, Preparing, a.mgr.State())
    prep, ok := a.mgr.PreparedMembership()
    require.True(t, ok)
    require.Equal(t, uint64(3), prep.ID)

    require.NoError(t, c.det.AddLeftMembers(b.self.ID))
    require.NoError(t, c.mgr.ConsiderViewChange())
    p4 := c.lastProposal(t)
    require.NoError(t, a.mgr.HandleProposal(p4, c.self))
    require.Equal(t, Preparing, a.mgr.State())

    require.NoError(t, a.mgr.CompleteInstall())
    // p4 was queued; it defers again and is completed in turn.
    require.Equal(t, Preparing, a.mgr.State())
    require.NoError(t, a.mgr.CompleteInstall())
    v, _ := a.mgr.InstalledMembership()
    require.Equal(t, uint64(4), v.ID)
    _, ok = a.mgr.PreparedMembership()
    require.False(t, ok)

    require.ErrorIs(t, a.mgr.CompleteInstall(), membership.ErrInvalidState)
}

func TestAbandonJoin_ReturnsToUninitialized(t *testing.T) {
    c, b := newNode(t), newNode(t)
    a := newNode(t, &deferring{})
    require.NoError(t, c.mgr.Bootstrap())
    require.NoError(t, c.mgr.RequestJoin(b.self))
    deliver(t, c.lastProposal(t), c.self, c, b)

    require.NoError(t, c.mgr.RequestJoin(a.self))
    deliver(t, c.lastProposal(t), c.self, c, b, a)
    require.Equal(t, Preparing, a.mgr.State())
    require.ErrorIs(t, c.mgr.AbandonJoin(), membership.ErrInvalidState)

    require.NoError(t, a.mgr.AbandonJoin())
    require.Equal(t, Uninitialized, a.mgr.State())
    _, ok := a.mgr.PreparedMembership()
    require.False(t, ok)
    require.Zero(t, a.lis.joined)
    require.ErrorIs(t, a.mgr.CompleteInstall(), membership.ErrInvalidState)
    require.ErrorIs(t, a.mgr.AbandonJoin(), membership.ErrInvalidState)

    // The coordinator drops the silent joiner; the abandoned node is not part of it.
    require.NoError(t, c.mgr.RequestJoin(a.self))
    require.True(t, c.det.IsFailed(a.self.ID))
    require.NoError(t, c.mgr.ConsiderViewChange())
    deliver(t, c.lastProposal(t), c.self, c, b, a)
    require.Equal(t, Uninitialized, a.mgr.State())
    v, _ := c.mgr.InstalledMembership()
    require.False(t, v.Group.Contains(a.self.ID))
    require.Equal(t, []membership.Node{a.self}, c.mgr.PendingJoins())
}

func TestUninstall(t *testing.T) {
    c := newNode(t)
    require.ErrorIs(t, c.mgr.UninstallMembership(membership.GracefulClose), ErrNotInstalled)
    require.Empty(t, c.lis.left)

    require.NoError(t, c.mgr.Bootstrap())
    require.NoError(t, c.mgr.UninstallMembership(membership.Reconnect))
    require.Equal(t, []membership.LeaveReason{membership.Reconnect}, c.lis.left)
    require.Equal(t, Uninitialized, c.mgr.State())
    _, ok := c.det.CurrentCoordinator()
    require.False(t, ok)
}

func TestRejoinWhileStillMember_RecordsFailureFirst(t *testing.T) {
    c, a := newNode(t), newNode(t)
    require.NoError(t, c.mgr.Bootstrap())
    require.NoError(t, c.mgr.RequestJoin(a.self))
    deliver(t, c.lastProposal(t), c.self, c, a)

    require.NoError(t, c.mgr.RequestJoin(a.self))
    require.True(t, c.det.IsFailed(a.self.ID))
    require.Equal(t, []membership.Node{a.self}, c.mgr.PendingJoins())
}
