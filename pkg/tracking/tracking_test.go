package tracking

import (
    "testing"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/detector"
    "github.com/amirimatin/go-group/pkg/membership"
)

type views struct {
    prepared, installed *membership.Membership
}

func (v *views) PreparedMembership() (membership.Membership, bool) {
    if v.prepared == nil { return membership.Membership{}, false }
    return *v.prepared, true
}

func (v *views) InstalledMembership() (membership.Membership, bool) {
    if v.installed == nil { return membership.Membership{}, false }
    return *v.installed, true
}

func mkNodes(n int) []membership.Node {
    out := make([]membership.Node, n)
    for i := range out { out[i] = membership.Node{ID: membership.NewNodeID(), Addr: "x"} }
    return out
}

func ids(ns []membership.Node) []membership.NodeID {
    out := make([]membership.NodeID, len(ns))
    for i, n := range ns { out[i] = n.ID }
    return out
}

func TestBootstrap_FullMesh(t *testing.T) {
    live := mkNodes(5)
    s := NewCoordinatorStrategy(&views{}, detector.New(detector.Options{}))
    for i, n := range live {
        got := s.TrackedNodes(n, live)
        require.Len(t, got, 4)
        want := append(append([]membership.Node{}, live[:i]...), live[i+1:]...)
        require.ElementsMatch(t, ids(want), ids(got))
    }
}

func TestSteady_CoordinatorAndMembers(t *testing.T) {
    ns := mkNodes(3)
    c, a, b := ns[0], ns[1], ns[2]
    m := membership.Membership{ID: 3, Group: membership.NewGroup(c, a, b)}
    d := detector.New(detector.Options{})
    d.Reset(m)
    s := NewCoordinatorStrategy(&views{installed: &m}, d)

    require.ElementsMatch(t, ids([]membership.Node{a, b}), ids(s.TrackedNodes(c, ns)))
    require.Equal(t, ids([]membership.Node{c}), ids(s.TrackedNodes(a, ns)))
    require.Equal(t, ids([]membership.Node{c}), ids(s.TrackedNodes(b, ns)))
}

func TestSteady_CoordinatorSkipsFailedAndLeft(t *testing.T) {
    ns := mkNodes(4)
    m := membership.Membership{ID: 1, Group: membership.NewGroup(ns...)}
    d := detector.New(detector.Options{})
    d.Reset(m)
    require.NoError(t, d.AddFailedMembers(ns[1].ID))
    require.NoError(t, d.AddLeftMembers(ns[2].ID))
    s := NewCoordinatorStrategy(&views{installed: &m}, d)

    require.Equal(t, ids([]membership.Node{ns[3]}), ids(s.TrackedNodes(ns[0], ns)))
}

func TestSteady_StaleCoordinatorStillTracked(t *testing.T) {
    ns := mkNodes(3)
    m := membership.Membership{ID: 1, Group: membership.NewGroup(ns...)}
    d := detector.New(detector.Options{})
    d.Reset(m)
    require.NoError(t, d.AddFailedMembers(ns[0].ID))
    s := NewCoordinatorStrategy(&views{installed: &m}, d)

    require.Equal(t, ids([]membership.Node{ns[0]}), ids(s.TrackedNodes(ns[2], ns[1:])))
}

func TestPreparedOnly_UsesPreparedGroup(t *testing.T) {
    ns := mkNodes(3)
    p := membership.Membership{ID: 4, Group: membership.NewGroup(ns...)}
    s := NewCoordinatorStrategy(&views{prepared: &p}, nil)
    require.Equal(t, ids(ns[:1]), ids(s.TrackedNodes(ns[2], ns)))
}
