// Package cli provides cobra commands to run a group node and manage it remotely.
// Every flag can also come from a config file (--config) or a GROUP_ environment
// variable, e.g. GROUP_GRPC_BIND for --grpc-bind.
package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"
    "github.com/spf13/viper"
    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/bootstrap"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-group/pkg/security/tlsconfig"
    "github.com/amirimatin/go-group/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-group/pkg/transport/grpc"
    "github.com/amirimatin/go-group/pkg/transport/httpjson"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "GROUP"

// AddAll attaches the node, status and close subcommands to root.
func AddAll(root *cobra.Command) {
    root.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
    root.AddCommand(NewNodeCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewCloseCmd())
}

// NewGroupCommand returns a parent command "group" holding the same subcommands, for
// services that embed them in their own CLI.
func NewGroupCommand() *cobra.Command {
    parent := &cobra.Command{Use: "group", Short: "group membership commands"}
    AddAll(parent)
    return parent
}

// NodeConfig is the file and environment form of bootstrap.Config.
type NodeConfig struct {
    ID        string `mapstructure:"id"`
    Group     string `mapstructure:"group"`
    GRPCBind  string `mapstructure:"grpc_bind"`
    GRPCAdv   string `mapstructure:"grpc_adv"`
    Sequencer string `mapstructure:"sequencer"`
    MemBind   string `mapstructure:"mem_bind"`
    MemAdv    string `mapstructure:"mem_adv"`
    MgmtAddr  string `mapstructure:"mgmt_addr"`
    MgmtProto string `mapstructure:"mgmt_proto"`

    Discovery     string `mapstructure:"discovery"`
    Join          string `mapstructure:"join"`
    EtcdEndpoints string `mapstructure:"etcd_endpoints"`
    EtcdPrefix    string `mapstructure:"etcd_prefix"`
    EtcdTTL       int64  `mapstructure:"etcd_ttl"`

    Data      string `mapstructure:"data"`
    RaftAddr  string `mapstructure:"raft_addr"`
    Bootstrap bool   `mapstructure:"bootstrap"`

    TLS tlsFlags `mapstructure:",squash"`

    HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
    MaxFailures       int           `mapstructure:"max_failures"`
    JoinRetry         time.Duration `mapstructure:"join_retry"`
    ProposalTimeout   time.Duration `mapstructure:"proposal_timeout"`
    CloseTimeout      time.Duration `mapstructure:"close_timeout"`

    Trace    bool `mapstructure:"trace"`
    Debug    bool `mapstructure:"debug"`
    JSONLogs bool `mapstructure:"json_logs"`
}

type tlsFlags struct {
    Enable     bool   `mapstructure:"tls_enable"`
    CA         string `mapstructure:"tls_ca"`
    Cert       string `mapstructure:"tls_cert"`
    Key        string `mapstructure:"tls_key"`
    ServerName string `mapstructure:"tls_server_name"`
    SkipVerify bool   `mapstructure:"tls_skip_verify"`
}

func (t tlsFlags) options() tlsx.Options {
    return tlsx.Options{Enable: t.Enable, CAFile: t.CA, CertFile: t.Cert, KeyFile: t.Key, InsecureSkipVerify: t.SkipVerify, ServerName: t.ServerName}
}

// Config converts the CLI form into a bootstrap.Config.
func (c NodeConfig) Config(log *zap.Logger) bootstrap.Config {
    return bootstrap.Config{
        NodeID:               c.ID,
        Group:                c.Group,
        GRPCBind:             c.GRPCBind,
        GRPCAdv:              c.GRPCAdv,
        Sequencer:            c.Sequencer,
        MemBind:              c.MemBind,
        MemAdv:               c.MemAdv,
        MgmtAddr:             c.MgmtAddr,
        MgmtProto:            c.MgmtProto,
        DiscoveryKind:        c.Discovery,
        SeedsCSV:             c.Join,
        EtcdEndpoints:        c.EtcdEndpoints,
        EtcdPrefix:           c.EtcdPrefix,
        EtcdTTL:              c.EtcdTTL,
        DataDir:              c.Data,
        RaftAddr:             c.RaftAddr,
        Bootstrap:            c.Bootstrap,
        TLSEnable:            c.TLS.Enable,
        TLSCA:                c.TLS.CA,
        TLSCert:              c.TLS.Cert,
        TLSKey:               c.TLS.Key,
        TLSServerName:        c.TLS.ServerName,
        TLSSkipVerify:        c.TLS.SkipVerify,
        Logger:               log,
        HeartbeatInterval:    c.HeartbeatInterval,
        MaxFailures:          c.MaxFailures,
        JoinRetry:            c.JoinRetry,
        ProposalTimeout:      c.ProposalTimeout,
        GracefulCloseTimeout: c.CloseTimeout,
    }
}

// NewNodeCmd returns the "node" command which runs a group member until interrupted.
func NewNodeCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "node",
        Short: "Run a group node",
        RunE: func(cmd *cobra.Command, args []string) error {
            var cfg NodeConfig
            if err := load(cmd, &cfg); err != nil { return err }
            logutil.SetJSON(cfg.JSONLogs)
            log := logutil.New(cfg.Debug)
            defer func() { _ = log.Sync() }()

            if cfg.Trace {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    logutil.Warnf(log, "tracing setup: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            ctx, cancel := signalContext()
            defer cancel()
            n, err := bootstrap.Run(ctx, cfg.Config(log))
            if err != nil { return err }
            logutil.Infof(log, "node %s running (grpc %s, management %s); Ctrl+C leaves the group", n.Local().ID, n.GRPCAddr(), n.MgmtAddr())

            // A channel closed through the management API keeps serving status.
            <-ctx.Done()
            return n.Close(true)
        },
    }
    f := cmd.Flags()
    f.String("id", "", "node id (UUID, generated when empty)")
    f.String("group", "default", "group name")
    f.String("grpc-bind", ":7950", "gRPC bind address (health, broadcast, grpc management)")
    f.String("grpc-adv", "", "gRPC address advertised to peers (optional)")
    f.String("sequencer", "", "gRPC address of the sequencer node; empty on the bootstrap node")
    f.String("mem-bind", "", "gossip bind address (host:port); empty disables gossip")
    f.String("mem-adv", "", "gossip advertise address (optional)")
    f.String("mgmt-addr", ":17950", "management address; empty disables it")
    f.String("mgmt-proto", "http", "management protocol: http|grpc")
    f.String("discovery", "static", "seed discovery: static|etcd")
    f.String("join", "", "comma-separated gossip seeds (host:port) for discovery=static")
    f.String("etcd-endpoints", "", "comma-separated etcd endpoints for discovery=etcd")
    f.String("etcd-prefix", "", "etcd key prefix (default /go-group/<group>)")
    f.Int64("etcd-ttl", 10, "etcd registration lease TTL in seconds")
    f.String("data", "", "data dir for raft and state snapshots; empty keeps them in memory")
    f.String("raft-addr", "", "raft bind address for the view journal; empty disables it")
    f.Bool("bootstrap", false, "form a new group instead of joining one")
    f.Duration("heartbeat-interval", time.Second, "heartbeat probe interval")
    f.Int("max-failures", 3, "missed heartbeats before a member is suspected")
    f.Duration("join-retry", time.Second, "interval between join requests")
    f.Duration("proposal-timeout", 5*time.Second, "interval of view change reconsideration")
    f.Duration("close-timeout", 0, "bound on a graceful close (0 waits)")
    f.Bool("trace", false, "enable OpenTelemetry stdout tracing (dev)")
    f.Bool("debug", false, "debug logging")
    f.Bool("json-logs", false, "JSON log encoding")
    addTLSFlags(f, "node")
    return cmd
}

// ClientConfig holds the flags shared by management client commands.
type ClientConfig struct {
    Addr      string        `mapstructure:"addr"`
    MgmtProto string        `mapstructure:"mgmt_proto"`
    Timeout   time.Duration `mapstructure:"timeout"`
    Graceful  bool          `mapstructure:"graceful"`
    TLS       tlsFlags      `mapstructure:",squash"`
}

func (c ClientConfig) client() (transport.ManagementClient, error) {
    var cliTLS *tls.Config
    if c.TLS.Enable {
        var err error
        cliTLS, err = c.TLS.options().Client()
        if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    }
    switch c.MgmtProto {
    case "grpc":
        cli := mgmtgrpc.NewClient(c.Timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    case "", "http":
        cli := httpjson.NewClient(c.Timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    default:
        return nil, fmt.Errorf("unknown management protocol %q", c.MgmtProto)
    }
}

func addClientFlags(f *pflag.FlagSet) {
    f.String("addr", "127.0.0.1:17950", "management address of a node (host:port)")
    f.String("mgmt-proto", "http", "management protocol: http|grpc")
    f.Duration("timeout", 3*time.Second, "request timeout")
    addTLSFlags(f, "client")
}

func addTLSFlags(f *pflag.FlagSet, who string) {
    f.Bool("tls-enable", false, "enable mTLS")
    f.String("tls-ca", "", "path to CA cert (PEM)")
    f.String("tls-cert", "", "path to "+who+" certificate (PEM)")
    f.String("tls-key", "", "path to "+who+" private key (PEM)")
    f.Bool("tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.String("tls-server-name", "", "expected server name (for TLS validation)")
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch a node's channel status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            var cfg ClientConfig
            if err := load(cmd, &cfg); err != nil { return err }
            client, err := cfg.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
            defer cancel()
            data, err := client.GetStatus(ctx, cfg.Addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            _, _ = out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { _, _ = out.Write([]byte("\n")) }
            return nil
        },
    }
    addClientFlags(cmd.Flags())
    return cmd
}

// NewCloseCmd returns the "close" command which makes a node leave its group.
func NewCloseCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "close",
        Short: "Close a node's channel, gracefully by default",
        RunE: func(cmd *cobra.Command, args []string) error {
            var cfg ClientConfig
            if err := load(cmd, &cfg); err != nil { return err }
            client, err := cfg.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
            defer cancel()
            resp, err := client.PostClose(ctx, cfg.Addr, transport.CloseRequest{Graceful: cfg.Graceful})
            if err != nil { return fmt.Errorf("close error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    addClientFlags(cmd.Flags())
    cmd.Flags().Bool("graceful", true, "wait for pending commands before leaving")
    return cmd
}

// load layers flags over GROUP_ environment variables over the --config file and
// decodes the result into out.
func load(cmd *cobra.Command, out interface{}) error {
    v := viper.New()
    v.SetEnvPrefix(EnvPrefix)
    v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
    v.AutomaticEnv()
    var bindErr error
    cmd.Flags().VisitAll(func(f *pflag.Flag) {
        if f.Name == "config" || f.Name == "help" { return }
        if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil { bindErr = err }
    })
    if bindErr != nil { return bindErr }
    if path, _ := cmd.Flags().GetString("config"); path != "" {
        v.SetConfigFile(path)
        if err := v.ReadInConfig(); err != nil { return fmt.Errorf("read config %s: %w", path, err) }
    }
    if err := v.Unmarshal(out); err != nil { return fmt.Errorf("decode config: %w", err) }
    return nil
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
