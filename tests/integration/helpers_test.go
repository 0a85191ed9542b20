//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/amirimatin/go-group/pkg/bootstrap"
    "github.com/amirimatin/go-group/pkg/channel"
    "github.com/amirimatin/go-group/pkg/transport"
)

func fetchStatus(ctx context.Context, cli transport.ManagementClient, addr string) (channel.Status, error) {
    var s channel.Status
    b, err := cli.GetStatus(ctx, addr)
    if err != nil { return s, err }
    if err := json.Unmarshal(b, &s); err != nil { return s, err }
    return s, nil
}

func mustRun(t *testing.T, ctx context.Context, cfg bootstrap.Config) *bootstrap.Node {
    t.Helper()
    cfg.HeartbeatInterval = 200 * time.Millisecond
    cfg.JoinRetry = 200 * time.Millisecond
    cfg.ProposalTimeout = time.Second
    n, err := bootstrap.Run(ctx, cfg)
    if err != nil { t.Fatalf("%s: %v", cfg.MgmtAddr, err) }
    t.Cleanup(func() { _ = n.Close(false) })
    if err := n.Channel().AwaitJoined(ctx); err != nil { t.Fatalf("%s: await joined: %v", cfg.MgmtAddr, err) }
    return n
}

func viewSize(n *bootstrap.Node) int {
    v, ok := n.Channel().Manager().InstalledMembership()
    if !ok { return 0 }
    return v.Group.Len()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for !cond() {
        if time.Now().After(deadline) { t.Fatalf("timeout waiting for %s", what) }
        time.Sleep(100 * time.Millisecond)
    }
}
