package grpc

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/protocol"
    "github.com/amirimatin/go-group/pkg/transport"
)

func startSequencer(t *testing.T, status transport.StatusFunc, closeFn transport.CloseFunc) *Server {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    srv := NewServer("127.0.0.1:0").EnableSequencer()
    require.NoError(t, srv.Start(ctx, status, closeFn))
    return srv
}

type sink struct {
    mu   sync.Mutex
    seqs []uint64
}

func (s *sink) deliver(env protocol.Envelope) {
    s.mu.Lock(); defer s.mu.Unlock()
    s.seqs = append(s.seqs, env.Seq)
}

func (s *sink) snapshot() []uint64 {
    s.mu.Lock(); defer s.mu.Unlock()
    return append([]uint64(nil), s.seqs...)
}

func TestGroup_OrderedBroadcastOverGRPC(t *testing.T) {
    srv := startSequencer(t, nil, nil)
    ctx := context.Background()

    var members []*Group
    var sinks []*sink
    for i := 0; i < 2; i++ {
        g, err := NewGroup(GroupOptions{Sequencer: srv.Addr(), Advertise: srv.Addr()})
        require.NoError(t, err)
        s := &sink{}
        require.NoError(t, g.Start(ctx, membership.Node{ID: membership.NewNodeID(), Addr: srv.Addr()}, s.deliver))
        t.Cleanup(func() { _ = g.Stop(context.Background()) })
        members = append(members, g)
        sinks = append(sinks, s)
    }

    for i := 0; i < 10; i++ {
        require.NoError(t, members[i%2].Broadcast(ctx, protocol.Envelope{Kind: protocol.KindData}))
    }
    require.Eventually(t, func() bool {
        return len(sinks[0].snapshot()) == 10 && len(sinks[1].snapshot()) == 10
    }, 5*time.Second, 20*time.Millisecond)
    require.Equal(t, sinks[0].snapshot(), sinks[1].snapshot())
}

func TestManagementAndHealth(t *testing.T) {
    closed := make(chan transport.CloseRequest, 1)
    srv := startSequencer(t,
        func(context.Context) ([]byte, error) { return []byte(`{"state":"installed"}`), nil },
        func(_ context.Context, req transport.CloseRequest) (transport.CloseResponse, error) {
            closed <- req
            return transport.CloseResponse{Accepted: true, Path: "graceful"}, nil
        })
    c := NewClient(2 * time.Second)
    defer c.Close()
    ctx := context.Background()

    b, err := c.GetStatus(ctx, srv.Addr())
    require.NoError(t, err)
    require.JSONEq(t, `{"state":"installed"}`, string(b))

    resp, err := c.PostClose(ctx, srv.Addr(), transport.CloseRequest{Graceful: true})
    require.NoError(t, err)
    require.True(t, resp.Accepted)
    require.True(t, (<-closed).Graceful)

    p := Pinger{Client: c}
    require.NoError(t, p.Ping(ctx, membership.Node{ID: membership.NewNodeID(), Addr: srv.Addr()}))
    srv.SetServing(false)
    require.Error(t, p.Ping(ctx, membership.Node{ID: membership.NewNodeID(), Addr: srv.Addr()}))
}

func TestNewGroup_RequiresSequencer(t *testing.T) {
    _, err := NewGroup(GroupOptions{})
    require.ErrorIs(t, err, membership.ErrInvalidArgument)
}
