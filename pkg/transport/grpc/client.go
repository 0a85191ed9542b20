package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-group/pkg/transport"
)

// Client calls the management service on other nodes over cached connections.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    once sync.Once
    pool *connPool
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

// getConn returns a pooled connection; the pool is created on first use.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    c.once.Do(func() { c.pool = newConnPool(30*time.Second, c.dialCtx) })
    return c.pool.get(ctx, addr)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.getConn(cctx, addr)
    if err != nil { return nil, err }
    defer rel()
    out := new(statusBlob)
    if err := cc.Invoke(cctx, "/"+managementService+"/GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

// PostClose is not bounded by the client timeout: a graceful close may legitimately
// wait for its strategies. Bound it with ctx.
func (c *Client) PostClose(ctx context.Context, addr string, req transport.CloseRequest) (transport.CloseResponse, error) {
    var resp transport.CloseResponse
    dctx, cancel := context.WithTimeout(ctx, c.timeout)
    cc, rel, err := c.getConn(dctx, addr)
    cancel()
    if err != nil { return resp, err }
    defer rel()
    if err := cc.Invoke(ctx, "/"+managementService+"/Close", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

// Close releases pooled connections.
func (c *Client) Close() {
    c.once.Do(func() {})
    if c.pool != nil { c.pool.close() }
}

var _ transport.ManagementClient = (*Client)(nil)
