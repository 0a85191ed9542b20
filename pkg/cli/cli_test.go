package cli

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http/httptest"
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"

    "github.com/spf13/cobra"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/transport"
    "github.com/amirimatin/go-group/pkg/transport/httpjson"
)

// captureNode swaps the node command's RunE for one that only decodes its config.
func captureNode(t *testing.T, args ...string) NodeConfig {
    t.Helper()
    root := &cobra.Command{Use: "groupctl"}
    AddAll(root)
    var got NodeConfig
    for _, c := range root.Commands() {
        if c.Name() != "node" { continue }
        c.RunE = func(cmd *cobra.Command, _ []string) error { return load(cmd, &got) }
    }
    root.SetArgs(append([]string{"node"}, args...))
    require.NoError(t, root.Execute())
    return got
}

func TestLoadDefaults(t *testing.T) {
    cfg := captureNode(t)
    assert.Equal(t, "default", cfg.Group)
    assert.Equal(t, ":7950", cfg.GRPCBind)
    assert.Equal(t, "static", cfg.Discovery)
    assert.Equal(t, time.Second, cfg.HeartbeatInterval)
    assert.Equal(t, 3, cfg.MaxFailures)
    assert.Equal(t, 5*time.Second, cfg.ProposalTimeout)
    assert.False(t, cfg.TLS.Enable)
}

func TestLoadLayersFlagsOverEnvOverFile(t *testing.T) {
    path := filepath.Join(t.TempDir(), "node.yaml")
    require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
        "group: orders",
        "grpc_bind: 10.0.0.1:7950",
        "sequencer: 10.0.0.9:7950",
        "max_failures: 5",
        "join_retry: 250ms",
        "tls_enable: true",
    }, "\n")), 0o600))
    t.Setenv("GROUP_SEQUENCER", "10.0.0.8:7950")
    t.Setenv("GROUP_MAX_FAILURES", "7")

    cfg := captureNode(t, "--config", path, "--max-failures", "9")
    assert.Equal(t, "orders", cfg.Group)
    assert.Equal(t, "10.0.0.1:7950", cfg.GRPCBind)
    assert.Equal(t, "10.0.0.8:7950", cfg.Sequencer)
    assert.Equal(t, 9, cfg.MaxFailures)
    assert.Equal(t, 250*time.Millisecond, cfg.JoinRetry)
    assert.True(t, cfg.TLS.Enable)
}

func TestNodeConfigConvertsToBootstrap(t *testing.T) {
    cfg := NodeConfig{ID: "x", Discovery: "etcd", Join: "a:1,b:2", Bootstrap: true, CloseTimeout: time.Minute, TLS: tlsFlags{Enable: true, CA: "ca.pem"}}
    b := cfg.Config(nil)
    assert.True(t, b.Bootstrap)
    assert.Equal(t, "etcd", b.DiscoveryKind)
    assert.Equal(t, "a:1,b:2", b.SeedsCSV)
    assert.Equal(t, time.Minute, b.GracefulCloseTimeout)
    assert.True(t, b.TLSEnable)
    assert.Equal(t, "ca.pem", b.TLSCA)
}

func TestStatusAndCloseCommands(t *testing.T) {
    var closed transport.CloseRequest
    srv := httptest.NewServer(httpjson.Handler(
        func(context.Context) ([]byte, error) { return []byte(`{"state":"installed"}`), nil },
        func(_ context.Context, req transport.CloseRequest) (transport.CloseResponse, error) {
            closed = req
            return transport.CloseResponse{Accepted: true, Path: "forceful"}, nil
        },
    ))
    defer srv.Close()
    addr := strings.TrimPrefix(srv.URL, "http://")

    root := &cobra.Command{Use: "groupctl", SilenceUsage: true}
    AddAll(root)
    var out bytes.Buffer
    root.SetOut(&out)

    root.SetArgs([]string{"status", "--addr", addr})
    require.NoError(t, root.Execute())
    assert.Equal(t, "{\"state\":\"installed\"}\n", out.String())

    out.Reset()
    root.SetArgs([]string{"close", "--addr", addr, "--graceful=false"})
    require.NoError(t, root.Execute())
    var resp transport.CloseResponse
    require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
    assert.True(t, resp.Accepted)
    assert.Equal(t, "forceful", resp.Path)
    assert.False(t, closed.Graceful)
}

func TestUnknownManagementProtocol(t *testing.T) {
    root := &cobra.Command{Use: "groupctl", SilenceUsage: true, SilenceErrors: true}
    AddAll(root)
    root.SetArgs([]string{"status", "--mgmt-proto", "smtp"})
    assert.Error(t, root.Execute())
}
