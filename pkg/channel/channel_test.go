package channel

import (
    "context"
    "encoding/json"
    "fmt"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/command"
    "github.com/amirimatin/go-group/pkg/heartbeat"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/protocol"
    "github.com/amirimatin/go-group/pkg/statetransfer"
    "github.com/amirimatin/go-group/pkg/transport"
    "github.com/amirimatin/go-group/pkg/transport/inmem"
)

type testNode struct {
    ch *Channel
    kv *statetransfer.KV

    mu    sync.Mutex
    parts []protocol.Part
}

func (n *testNode) id() membership.NodeID { return n.ch.Local().ID }

func (n *testNode) received() []protocol.Part {
    n.mu.Lock(); defer n.mu.Unlock()
    return append([]protocol.Part(nil), n.parts...)
}

func newTestNode(t *testing.T, hub *inmem.Hub, bootstrap bool, tweak func(*Options)) *testNode {
    t.Helper()
    return startNode(t, hub, bootstrap, tweak, nil)
}

// startNode publishes the channel through bind before starting it, so listeners can
// reach it from the first callback on.
func startNode(t *testing.T, hub *inmem.Hub, bootstrap bool, tweak func(*Options), bind *atomic.Pointer[Channel]) *testNode {
    t.Helper()
    id := membership.NewNodeID()
    local := membership.Node{ID: id, Addr: "node-" + id.Short()}
    n := &testNode{kv: statetransfer.NewKV()}
    opts := Options{
        Local:     local,
        Transport: hub.Endpoint(local.Addr),
        Bootstrap: bootstrap,
        Receiver: ReceiverFunc(func(_ membership.Node, p protocol.Part) {
            if d, ok := p.(protocol.Data); ok && n.kv.ClassifyMessage(d.Body) == statetransfer.StateWrite {
                _ = n.kv.Apply(d.Body)
            }
            n.mu.Lock()
            n.parts = append(n.parts, p)
            n.mu.Unlock()
        }),
        Pinger: heartbeat.PingerFunc(hub.Ping),
        State: statetransfer.KVFactory(
            func(statetransfer.GroupID) (statetransfer.Store, error) { return statetransfer.NewMemoryStore(), nil },
            func(statetransfer.GroupID) *statetransfer.KV { return n.kv },
        ),
        HeartbeatInterval: 50 * time.Millisecond,
        MaxFailures:       3,
        JoinRetry:         50 * time.Millisecond,
        ProposalTimeout:   500 * time.Millisecond,
    }
    if tweak != nil { tweak(&opts) }
    ch, err := New(opts)
    require.NoError(t, err)
    n.ch = ch
    if bind != nil { bind.Store(ch) }
    require.NoError(t, ch.Start(context.Background()))
    t.Cleanup(func() { _ = ch.Close(false) })
    return n
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(20 * time.Millisecond)
    }
    t.Fatalf("timeout waiting for: %s", msg)
}

// installed reports whether every node installed the same view with the given size.
func installed(size int, nodes ...*testNode) func() bool {
    return func() bool {
        var first membership.Membership
        for i, n := range nodes {
            v, ok := n.ch.Manager().InstalledMembership()
            if !ok || v.Group.Len() != size { return false }
            if i == 0 {
                first = v
            } else if !v.Equal(first) {
                return false
            }
        }
        return true
    }
}

func joined(t *testing.T, n *testNode) {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    require.NoError(t, n.ch.AwaitJoined(ctx))
}

func TestBootstrapAndJoin(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()
    a := newTestNode(t, hub, true, nil)
    joined(t, a)
    b := newTestNode(t, hub, false, nil)
    c := newTestNode(t, hub, false, nil)

    waitUntil(t, 5*time.Second, installed(3, a, b, c), "three-member view everywhere")
    v, _ := a.ch.Manager().InstalledMembership()
    coord, _ := v.Coordinator()
    require.Equal(t, a.id(), coord.ID)
    require.True(t, a.ch.Manager().IsCoordinator())
    require.False(t, b.ch.Manager().IsCoordinator())

    // Coordinator tracks everyone, members track the coordinator only.
    waitUntil(t, 2*time.Second, func() bool { return len(a.ch.Status().Tracked) == 2 }, "coordinator tracking two members")
    waitUntil(t, 2*time.Second, func() bool {
        tr := b.ch.Status().Tracked
        return len(tr) == 1 && tr[0].ID == a.id()
    }, "member tracking the coordinator")

    raw, err := b.ch.StatusJSON(context.Background())
    require.NoError(t, err)
    var st Status
    require.NoError(t, json.Unmarshal(raw, &st))
    require.Equal(t, "installed", st.State)
    require.Equal(t, "open", st.Close)
    require.NotNil(t, st.Installed)
    require.Len(t, st.Installed.Nodes, 3)
    require.Equal(t, string(DefaultGroup), st.Group)
}

// Every member observes the view change before any command issued against the new
// view, including the joiner that is still waiting for its state.
func TestMembershipEventBeforeCommand(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()

    type clocked struct {
        clock  atomic.Int64
        mu     sync.Mutex
        events map[membership.NodeID]int64
        cmds   map[membership.NodeID]int64
    }
    newClocked := func() *clocked {
        return &clocked{events: map[membership.NodeID]int64{}, cmds: map[membership.NodeID]int64{}}
    }
    instrument := func(c *clocked, self *atomic.Pointer[Channel]) func(*Options) {
        return func(o *Options) {
            record := func(v membership.Membership) {
                c.mu.Lock(); defer c.mu.Unlock()
                for _, n := range v.Group.Nodes() {
                    if _, ok := c.events[n.ID]; !ok { c.events[n.ID] = c.clock.Add(1) }
                }
            }
            o.Listeners = append(o.Listeners, membership.ListenerFuncs{
                Joined: func() {
                    v, _ := self.Load().Manager().InstalledMembership()
                    record(v)
                },
                Changed: func(ev membership.Event) {
                    record(ev.New)
                    if ev.Change.IsEmpty() || len(ev.Change.Joined) == 0 { return }
                    if !self.Load().Manager().IsCoordinator() { return }
                    for _, j := range ev.Change.Joined {
                        _ = self.Load().ExecuteCommand(command.Command{Op: "welcome", Payload: []byte(j.ID)}, nil)
                    }
                },
            })
            o.Handlers = append(o.Handlers, command.ForOp("welcome", func(_ context.Context, cmd command.Command, _ membership.Node) (string, error) {
                id := membership.NodeID(cmd.Payload)
                v, ok := self.Load().Manager().InstalledMembership()
                assert.True(t, ok && v.Group.Contains(id), "command ran before the view listing %s", id.Short())
                c.mu.Lock(); defer c.mu.Unlock()
                c.cmds[id] = c.clock.Add(1)
                return "", nil
            }))
        }
    }

    ca, cb, cc := newClocked(), newClocked(), newClocked()
    var pa, pb, pc atomic.Pointer[Channel]
    a := startNode(t, hub, true, instrument(ca, &pa), &pa)
    joined(t, a)
    b := startNode(t, hub, false, instrument(cb, &pb), &pb)
    waitUntil(t, 5*time.Second, installed(2, a, b), "b joined")
    c := startNode(t, hub, false, instrument(cc, &pc), &pc)
    waitUntil(t, 5*time.Second, installed(3, a, b, c), "c joined")

    check := func(name string, k *clocked, joiner membership.NodeID) {
        waitUntil(t, 3*time.Second, func() bool {
            k.mu.Lock(); defer k.mu.Unlock()
            _, ok := k.cmds[joiner]
            return ok
        }, name+" ran welcome for "+joiner.Short())
        k.mu.Lock(); defer k.mu.Unlock()
        ev, ok := k.events[joiner]
        require.True(t, ok, "%s never saw %s join", name, joiner.Short())
        require.Less(t, ev, k.cmds[joiner], "%s: event must precede command", name)
    }
    check("a", ca, b.id())
    check("b", cb, b.id())
    check("a", ca, c.id())
    check("b", cb, c.id())
    check("c", cc, c.id())
}

func TestStateTransferToJoiner(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()
    a := newTestNode(t, hub, true, nil)
    joined(t, a)

    put := func(n *testNode, k, v string, transient bool) {
        body, err := statetransfer.EncodeKVOp(statetransfer.KVOp{Op: "put", Key: k, Value: v, Transient: transient})
        require.NoError(t, err)
        require.NoError(t, n.ch.Send(context.Background(), body))
    }
    put(a, "config", "v1", false)
    put(a, "session", "s1", true)
    waitUntil(t, 2*time.Second, func() bool { return len(a.kv.Keys()) == 2 }, "a applied its writes")

    b := newTestNode(t, hub, false, nil)
    waitUntil(t, 5*time.Second, installed(2, a, b), "b joined")
    v, ok := b.kv.Get("config")
    require.True(t, ok)
    require.Equal(t, "v1", v)
    v, ok = b.kv.Get("session")
    require.True(t, ok, "full snapshot carries transient entries")
    require.Equal(t, "s1", v)

    put(b, "config", "v2", false)
    waitUntil(t, 2*time.Second, func() bool {
        va, _ := a.kv.Get("config")
        vb, _ := b.kv.Get("config")
        return va == "v2" && vb == "v2"
    }, "write from the joiner replicated")
    require.False(t, b.ch.Status().AwaitingState)
}

// snapshotFilter drops the first drop state snapshots sent through it and delays the
// rest by delay.
type snapshotFilter struct {
    transport.Transport
    drop  atomic.Int32
    delay time.Duration
}

func (f *snapshotFilter) Send(ctx context.Context, to membership.NodeID, env protocol.Envelope) error {
    if env.Kind != protocol.KindStateSnapshot { return f.Transport.Send(ctx, to, env) }
    if f.drop.Add(-1) >= 0 { return nil }
    if f.delay <= 0 { return f.Transport.Send(ctx, to, env) }
    go func() {
        time.Sleep(f.delay)
        _ = f.Transport.Send(context.Background(), to, env)
    }()
    return nil
}

func putKV(t *testing.T, n *testNode, k, v string) {
    t.Helper()
    body, err := statetransfer.EncodeKVOp(statetransfer.KVOp{Op: "put", Key: k, Value: v})
    require.NoError(t, err)
    require.NoError(t, n.ch.Send(context.Background(), body))
    waitUntil(t, 2*time.Second, func() bool { got, ok := n.kv.Get(k); return ok && got == v }, "write applied locally")
}

func viewSize(n *testNode) int {
    v, ok := n.ch.Manager().InstalledMembership()
    if !ok { return 0 }
    return v.Group.Len()
}

func TestJoinerWithoutStateAsksAgain(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()
    a := newTestNode(t, hub, true, func(o *Options) {
        f := &snapshotFilter{Transport: o.Transport}
        f.drop.Store(1)
        o.Transport = f
    })
    joined(t, a)
    putKV(t, a, "config", "v1")

    b := newTestNode(t, hub, false, func(o *Options) { o.StateTimeout = 300 * time.Millisecond })
    waitUntil(t, 3*time.Second, func() bool { return b.ch.Status().AwaitingState }, "b waits for its state")
    waitUntil(t, 5*time.Second, installed(2, a, b), "b joined after asking again")

    v, _ := a.ch.Manager().InstalledMembership()
    require.GreaterOrEqual(t, v.ID, uint64(4), "b was dropped and added back")
    got, ok := b.kv.Get("config")
    require.True(t, ok)
    require.Equal(t, "v1", got)
    require.False(t, b.ch.Status().AwaitingState)
    require.False(t, b.ch.Failed())
}

// A joiner whose state arrives late applies what was ordered in between in the group
// order: the write before the next view.
func TestLateStateKeepsGroupOrder(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()
    a := newTestNode(t, hub, true, func(o *Options) {
        o.Transport = &snapshotFilter{Transport: o.Transport, delay: time.Second}
    })
    joined(t, a)

    var mu sync.Mutex
    var order []string
    note := func(s string) { mu.Lock(); order = append(order, s); mu.Unlock() }
    b := newTestNode(t, hub, false, func(o *Options) {
        o.StateTimeout = 10 * time.Second
        inner := o.Receiver
        o.Receiver = ReceiverFunc(func(from membership.Node, p protocol.Part) {
            if _, ok := p.(protocol.Data); ok { note("data") }
            inner.Receive(from, p)
        })
        o.Listeners = append(o.Listeners, membership.ListenerFuncs{
            Joined:  func() { note("joined") },
            Changed: func(ev membership.Event) { note(fmt.Sprintf("view%d", ev.New.ID)) },
        })
    })
    waitUntil(t, 2*time.Second, func() bool { return viewSize(a) == 2 }, "a installed b")
    waitUntil(t, 2*time.Second, func() bool { return b.ch.Status().AwaitingState }, "b waits for its state")

    putKV(t, a, "k", "v1")
    c := newTestNode(t, hub, false, func(o *Options) { o.StateTimeout = 10 * time.Second })
    waitUntil(t, 2*time.Second, func() bool { return viewSize(a) == 3 }, "a installed c")
    require.True(t, b.ch.Status().AwaitingState, "b still waits for its state")

    waitUntil(t, 5*time.Second, installed(3, a, b, c), "three-member view everywhere")
    got, ok := b.kv.Get("k")
    require.True(t, ok)
    require.Equal(t, "v1", got)
    mu.Lock(); defer mu.Unlock()
    require.Equal(t, []string{"joined", "data", "view3"}, order)
}

func TestGracefulCloseRecordsLeave(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()
    a := newTestNode(t, hub, true, nil)
    joined(t, a)
    b := newTestNode(t, hub, false, nil)
    c := newTestNode(t, hub, false, nil)
    waitUntil(t, 5*time.Second, installed(3, a, b, c), "three members")

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := a.ch.Subscribe(ctx)

    require.NoError(t, c.ch.Close(true))
    require.Equal(t, "graceful", c.ch.Status().ClosePath)
    require.Equal(t, "closed", c.ch.Status().Close)
    require.ErrorIs(t, c.ch.ExecuteCommand(command.Command{Op: "x"}, nil), ErrClosed)

    waitUntil(t, 5*time.Second, installed(2, a, b), "view without c")
    deadline := time.After(3 * time.Second)
    for {
        select {
        case ev := <-events:
            if ev.Type != EventViewChanged || ev.View.ID < 4 { continue }
            require.True(t, ev.Change.HasLeft(c.id()), "c is recorded left, not failed")
            require.False(t, ev.Change.HasFailed(c.id()))
            return
        case <-deadline:
            t.Fatal("no view change event")
        }
    }
}

func TestFailedMemberIsExcluded(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()
    a := newTestNode(t, hub, true, nil)
    joined(t, a)
    b := newTestNode(t, hub, false, nil)
    waitUntil(t, 5*time.Second, installed(2, a, b), "b joined")

    hub.Isolate(b.id())
    waitUntil(t, 5*time.Second, installed(1, a), "b dropped")
    v, _ := a.ch.Manager().InstalledMembership()
    require.Equal(t, uint64(3), v.ID)
}

func TestCoordinatorFailureHandsOver(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()
    a := newTestNode(t, hub, true, nil)
    joined(t, a)
    b := newTestNode(t, hub, false, nil)
    waitUntil(t, 5*time.Second, installed(2, a, b), "b joined")
    c := newTestNode(t, hub, false, nil)
    waitUntil(t, 5*time.Second, installed(3, a, b, c), "c joined")

    hub.Isolate(a.id())
    waitUntil(t, 5*time.Second, installed(2, b, c), "view without a")
    v, _ := b.ch.Manager().InstalledMembership()
    coord, _ := v.Coordinator()
    require.Equal(t, b.id(), coord.ID, "first healthy member takes over")
    require.True(t, b.ch.Manager().IsCoordinator())
}

func TestCommandMismatchStopsChannel(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()
    a := newTestNode(t, hub, true, nil)
    joined(t, a)

    // A delivery claiming to be one of a's commands that a never sent.
    forger := hub.Endpoint("forger")
    fid := membership.NewNodeID()
    ctx := context.Background()
    require.NoError(t, forger.Start(ctx, membership.Node{ID: fid, Addr: "forger"}, func(protocol.Envelope) {}))
    defer forger.Stop(ctx)
    env, err := protocol.Encode(a.ch.Local(), protocol.CommandMessage{Command: command.Command{Op: "ghost"}})
    require.NoError(t, err)
    require.NoError(t, forger.Broadcast(ctx, env))

    select {
    case <-a.ch.Done():
    case <-time.After(3 * time.Second):
        t.Fatal("channel did not stop")
    }
    require.True(t, a.ch.Failed())
    require.Equal(t, "forceful", a.ch.Status().ClosePath)
}

func TestUnhandledPartsReachReceiver(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()
    a := newTestNode(t, hub, true, nil)
    joined(t, a)

    require.NoError(t, a.ch.SendPart(context.Background(), protocol.Unknown{Type: "routing", Raw: []byte(`{"hops":1}`)}))
    require.NoError(t, a.ch.Send(context.Background(), []byte("hello")))
    waitUntil(t, 2*time.Second, func() bool { return len(a.received()) == 2 }, "both parts received")
    parts := a.received()
    require.Equal(t, protocol.Kind("routing"), parts[0].Kind())
    require.Equal(t, protocol.Data{Body: []byte("hello")}, parts[1])
}

func TestExcludedNodeReconnects(t *testing.T) {
    hub := inmem.NewHub(nil)
    defer hub.Close()
    reconnected := make(chan struct{})
    a := newTestNode(t, hub, true, nil)
    joined(t, a)
    b := newTestNode(t, hub, false, func(o *Options) {
        o.OnReconnect = func() { close(reconnected) }
    })
    waitUntil(t, 5*time.Second, installed(2, a, b), "b joined")

    // a excludes b while b still listens.
    require.NoError(t, a.ch.comp.Execute(context.Background(), func() error {
        return a.ch.Detector().AddFailedMembers(b.id())
    }))
    select {
    case <-reconnected:
    case <-time.After(3 * time.Second):
        t.Fatal("excluded node did not reconnect")
    }
    require.Equal(t, "reconnect", b.ch.Status().ClosePath)
    require.Equal(t, "uninitialized", b.ch.Status().State)
}

func TestOptionsValidate(t *testing.T) {
    var o Options
    require.ErrorIs(t, o.Validate(), membership.ErrInvalidArgument)
    hub := inmem.NewHub(nil)
    defer hub.Close()
    o = Options{Local: membership.Node{ID: membership.NewNodeID(), Addr: "x"}, Transport: hub.Endpoint("x")}
    require.NoError(t, o.Validate())
    require.Equal(t, DefaultGroup, o.Group)
    require.Equal(t, time.Second, o.HeartbeatInterval)
    require.Equal(t, 3, o.MaxFailures)
    require.Equal(t, 500*time.Millisecond, o.CloseInterval)
    require.NotNil(t, o.Registry)

    o.GracefulCloseTimeout = -1
    require.ErrorIs(t, o.Validate(), membership.ErrInvalidArgument)
}
