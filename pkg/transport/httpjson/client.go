package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-group/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional TLS
// configuration and simple retry with backoff for idempotent calls.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout. The timeout does not
// apply to PostClose, which is bounded by its context.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the request
// scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
        if err != nil { return nil, err }
        b, err := c.do(req)
        if err == nil { return b, nil }
        lastErr = err
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

func (c *Client) do(req *http.Request) ([]byte, error) {
    resp, err := c.httpc.Do(req)
    if err != nil { return nil, err }
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    if err != nil { return nil, err }
    if resp.StatusCode != http.StatusOK {
        return b, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
    }
    return b, nil
}

// PostClose is not retried: a close is not idempotent from the caller's view.
func (c *Client) PostClose(ctx context.Context, addr string, in transport.CloseRequest) (transport.CloseResponse, error) {
    var out transport.CloseResponse
    body, err := json.Marshal(in)
    if err != nil { return out, err }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, "/close"), bytes.NewReader(body))
    if err != nil { return out, err }
    req.Header.Set("Content-Type", "application/json")
    hc := *c.httpc
    hc.Timeout = 0
    resp, err := hc.Do(req)
    if err != nil { return out, err }
    defer resp.Body.Close()
    b, _ := io.ReadAll(resp.Body)
    _ = json.Unmarshal(b, &out)
    if resp.StatusCode != http.StatusOK {
        if out.Error != "" { return out, errors.New(out.Error) }
        return out, fmt.Errorf("close status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
    }
    return out, nil
}

var _ transport.ManagementClient = (*Client)(nil)
