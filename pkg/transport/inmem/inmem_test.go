package inmem

import (
    "context"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/protocol"
)

type recorder struct {
    mu  sync.Mutex
    got []protocol.Envelope
}

func (r *recorder) deliver(env protocol.Envelope) {
    r.mu.Lock(); defer r.mu.Unlock()
    r.got = append(r.got, env)
}

func (r *recorder) seqs() []uint64 {
    r.mu.Lock(); defer r.mu.Unlock()
    out := make([]uint64, len(r.got))
    for i, e := range r.got { out[i] = e.Seq }
    return out
}

func (r *recorder) len() int {
    r.mu.Lock(); defer r.mu.Unlock()
    return len(r.got)
}

func TestHub_TotalOrderAcrossSenders(t *testing.T) {
    hub := NewHub(nil)
    defer hub.Close()
    ctx := context.Background()

    const members, perSender = 3, 50
    eps := make([]*Endpoint, members)
    recs := make([]*recorder, members)
    for i := range eps {
        eps[i] = hub.Endpoint(fmt.Sprintf("n%d", i))
        recs[i] = &recorder{}
        require.NoError(t, eps[i].Start(ctx, membership.Node{ID: membership.NewNodeID(), Addr: eps[i].Addr()}, recs[i].deliver))
    }

    var wg sync.WaitGroup
    for i := range eps {
        wg.Add(1)
        go func(ep *Endpoint) {
            defer wg.Done()
            for j := 0; j < perSender; j++ {
                _ = ep.Broadcast(ctx, protocol.Envelope{Kind: protocol.KindData})
            }
        }(eps[i])
    }
    wg.Wait()

    require.Eventually(t, func() bool {
        for _, r := range recs {
            if r.len() != members*perSender { return false }
        }
        return true
    }, 2*time.Second, 10*time.Millisecond)

    want := recs[0].seqs()
    for _, r := range recs[1:] { require.Equal(t, want, r.seqs()) }
}

func TestHub_UnicastAndIsolation(t *testing.T) {
    hub := NewHub(nil)
    defer hub.Close()
    ctx := context.Background()

    a, b := hub.Endpoint("a"), hub.Endpoint("b")
    na := membership.Node{ID: membership.NewNodeID(), Addr: "a"}
    nb := membership.Node{ID: membership.NewNodeID(), Addr: "b"}
    ra, rb := &recorder{}, &recorder{}
    require.NoError(t, a.Start(ctx, na, ra.deliver))
    require.NoError(t, b.Start(ctx, nb, rb.deliver))

    require.NoError(t, a.Send(ctx, nb.ID, protocol.Envelope{Kind: protocol.KindStateSnapshot}))
    require.Eventually(t, func() bool { return rb.len() == 1 }, time.Second, 5*time.Millisecond)
    require.Equal(t, 0, ra.len())
    require.Equal(t, na.ID, rb.got[0].From.ID)

    require.NoError(t, hub.Ping(ctx, nb))
    hub.Isolate(nb.ID)
    require.Error(t, hub.Ping(ctx, nb))
    require.NoError(t, b.Broadcast(ctx, protocol.Envelope{Kind: protocol.KindData}))
    require.NoError(t, a.Broadcast(ctx, protocol.Envelope{Kind: protocol.KindData}))
    require.Eventually(t, func() bool { return ra.len() == 1 }, time.Second, 5*time.Millisecond)
    require.Equal(t, 1, rb.len())

    require.NoError(t, b.Stop(ctx))
    hub.Heal(nb.ID)
    require.Eventually(t, func() bool { return hub.Ping(ctx, nb) != nil }, time.Second, 5*time.Millisecond)
}

func TestEndpoint_NotStarted(t *testing.T) {
    hub := NewHub(nil)
    require.Error(t, hub.Endpoint("x").Broadcast(context.Background(), protocol.Envelope{Kind: protocol.KindData}))
}
