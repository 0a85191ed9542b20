package raftcons

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/membership"
)

func awaitLeader(t *testing.T, n *Node) {
    t.Helper()
    require.Eventually(t, n.IsLeader, 5*time.Second, 20*time.Millisecond, "%s did not become leader", n.opts.NodeID)
}

func awaitLeaderKnown(t *testing.T, n *Node) {
    t.Helper()
    require.Eventually(t, func() bool {
        id, _, ok := n.Leader()
        return ok && id != ""
    }, 5*time.Second, 20*time.Millisecond, "leader unknown on %s", n.opts.NodeID)
}

func awaitViews(t *testing.T, n *Node, want ...uint64) {
    t.Helper()
    require.Eventually(t, func() bool {
        vs := n.Views()
        if len(vs) != len(want) { return false }
        for i, v := range vs {
            if v.ID != want[i] { return false }
        }
        return true
    }, 5*time.Second, 20*time.Millisecond, "views on %s", n.opts.NodeID)
}

func membershipOf(id uint64, nodes ...membership.Node) membership.Membership {
    return membership.Membership{ID: id, Group: membership.NewGroup(nodes...)}
}

func TestRaft_SingleNodeJournal(t *testing.T) {
    n, err := New(Options{NodeID: "n1", Bootstrap: true, ApplyTimeout: 2 * time.Second})
    require.NoError(t, err)
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    require.NoError(t, n.Start(ctx))
    defer n.Stop()
    awaitLeader(t, n)

    select {
    case li, ok := <-n.LeaderCh():
        require.True(t, ok)
        require.Equal(t, "n1", li.ID)
    case <-time.After(2 * time.Second):
        t.Fatal("no leader notification")
    }

    a := membership.Node{ID: membership.NewNodeID(), Addr: "a:1"}
    b := membership.Node{ID: membership.NewNodeID(), Addr: "b:1"}
    j := Journal{Node: n}
    require.NoError(t, j.RecordView(ctx, membershipOf(1, a)))
    require.NoError(t, j.RecordView(ctx, membershipOf(2, a, b)))
    require.NoError(t, j.RecordView(ctx, membershipOf(2, a, b)), "replayed view is ignored")
    awaitViews(t, n, 1, 2)
    require.Equal(t, []membership.Node{a, b}, n.Views()[1].Nodes)

    require.NoError(t, n.Stop())
    require.NoError(t, n.Stop())
    for range n.LeaderCh() {
    }
    require.ErrorIs(t, n.Apply(cmdEntry(), time.Second), membership.ErrInvalidState)
}

func TestRaft_ThreeNodeReplication_Inmem(t *testing.T) {
    n1, err := New(Options{NodeID: "n1", Bootstrap: true, ApplyTimeout: 2 * time.Second})
    require.NoError(t, err)
    n2, _ := New(Options{NodeID: "n2"})
    n3, _ := New(Options{NodeID: "n3"})

    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    for _, n := range []*Node{n1, n2, n3} {
        require.NoError(t, n.Start(ctx))
        defer n.Stop()
    }
    connect := func(a, b *Node) {
        require.NotNil(t, a.lb)
        require.NotNil(t, b.lb)
        a.lb.Connect(b.addr, b.trans)
        b.lb.Connect(a.addr, a.trans)
    }
    connect(n1, n2)
    connect(n1, n3)
    connect(n2, n3)

    awaitLeader(t, n1)
    require.NoError(t, n1.AddVoter("n2", string(n2.addr), 2*time.Second))
    require.NoError(t, n1.AddVoter("n3", string(n3.addr), 2*time.Second))
    require.NoError(t, n1.AddVoter("n3", string(n3.addr), 2*time.Second), "same address is a no-op")
    for _, n := range []*Node{n1, n2, n3} { awaitLeaderKnown(t, n) }

    a := membership.Node{ID: membership.NewNodeID(), Addr: "a:1"}
    require.NoError(t, Journal{Node: n1}.RecordView(ctx, membershipOf(7, a)))
    for _, n := range []*Node{n1, n2, n3} { awaitViews(t, n, 7) }

    // Followers do not write.
    require.NoError(t, Journal{Node: n2}.RecordView(ctx, membershipOf(8, a)))
    require.Len(t, n1.Views(), 1)

    require.NoError(t, n1.RemoveServer("n3", 2*time.Second))
}

func TestRaft_TCPAndDisk(t *testing.T) {
    n, err := New(Options{
        NodeID:            "n1",
        Bootstrap:         true,
        BindAddr:          "127.0.0.1:0",
        DataDir:           t.TempDir(),
        SnapshotsRetained: 1,
        HeartbeatTimeout:  150 * time.Millisecond,
        ElectionTimeout:   300 * time.Millisecond,
        CommitTimeout:     50 * time.Millisecond,
        ApplyTimeout:      2 * time.Second,
    })
    require.NoError(t, err)
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    require.NoError(t, n.Start(ctx))
    defer n.Stop()
    awaitLeader(t, n)

    a := membership.Node{ID: membership.NewNodeID(), Addr: "a:1"}
    require.NoError(t, Journal{Node: n}.RecordView(ctx, membershipOf(3, a)))
    awaitViews(t, n, 3)
}

func TestNew_RequiresID(t *testing.T) {
    _, err := New(Options{})
    require.ErrorIs(t, err, membership.ErrInvalidArgument)
}
