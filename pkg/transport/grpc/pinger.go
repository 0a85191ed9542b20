package grpc

import (
    "context"
    "fmt"

    healthpb "google.golang.org/grpc/health/grpc_health_v1"

    "github.com/amirimatin/go-group/pkg/membership"
)

// Pinger probes a node through the standard gRPC health service at its address.
type Pinger struct {
    Client *Client
}

func (p Pinger) Ping(ctx context.Context, n membership.Node) error {
    c := p.Client
    if c == nil { return fmt.Errorf("grpc: %w: pinger without client", membership.ErrInvalidArgument) }
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.getConn(cctx, n.Addr)
    if err != nil { return err }
    defer rel()
    resp, err := healthpb.NewHealthClient(cc).Check(cctx, &healthpb.HealthCheckRequest{})
    if err != nil { return err }
    if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
        return fmt.Errorf("grpc: node %s reports %s", n, resp.GetStatus())
    }
    return nil
}
