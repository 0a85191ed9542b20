package channel

import (
    "fmt"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/closer"
    "github.com/amirimatin/go-group/pkg/command"
    "github.com/amirimatin/go-group/pkg/discovery"
    "github.com/amirimatin/go-group/pkg/heartbeat"
    "github.com/amirimatin/go-group/pkg/liveness"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/membership/manager"
    "github.com/amirimatin/go-group/pkg/protocol"
    "github.com/amirimatin/go-group/pkg/statetransfer"
    "github.com/amirimatin/go-group/pkg/tracking"
    "github.com/amirimatin/go-group/pkg/transport"
)

// DefaultGroup names the group when Options.Group is empty.
const DefaultGroup statetransfer.GroupID = "default"

// Receiver gets data messages and message kinds the channel does not handle itself.
// It runs on the channel's compartment and must not block.
type Receiver interface {
    Receive(from membership.Node, p protocol.Part)
}

type ReceiverFunc func(from membership.Node, p protocol.Part)

func (f ReceiverFunc) Receive(from membership.Node, p protocol.Part) { f(from, p) }

// TrackingFunc builds the tracking strategy once the manager and detector exist.
type TrackingFunc func(views tracking.ViewSource, evidence tracking.Evidence) tracking.Strategy

// Options carries the injected capabilities and tuning of one channel.
type Options struct {
    // Local is this node. Its Addr is what peers ping.
    Local membership.Node
    // Group names the group for state transfer bindings.
    Group     statetransfer.GroupID
    Transport transport.Transport
    // Registry decodes extension kinds. A fresh one is used when nil.
    Registry *protocol.Registry
    Receiver Receiver

    // Bootstrap forms a new group instead of asking to join one.
    Bootstrap bool

    // Tracking picks the probe targets. Defaults to the coordinator strategy.
    Tracking TrackingFunc
    // Pinger enables the heartbeat monitor.
    Pinger heartbeat.Pinger
    // Feed is an optional gossip liveness source; Seeds lists whom it joins.
    Feed  liveness.Feed
    Seeds discovery.Discovery

    // State enables state transfer to joiners and persistence on graceful close.
    State   statetransfer.Factory
    Journal manager.Journal

    Handlers         []command.Handler
    Listeners        []membership.Listener
    FailureListeners []membership.FailureListener
    CloseStrategies  []closer.Strategy
    // OnReconnect runs after the channel stopped because of a reconnect. The owner
    // typically builds a new channel.
    OnReconnect func()

    HeartbeatInterval    time.Duration
    MaxFailures          int
    JoinRetry            time.Duration
    ProposalTimeout      time.Duration
    // StateTimeout bounds how long a joiner waits for its state before it drops the
    // prepared view and asks to join again. Defaults to twice ProposalTimeout.
    StateTimeout         time.Duration
    CloseInterval        time.Duration
    GracefulCloseTimeout time.Duration

    Logger *zap.Logger
}

// Validate checks required fields and fills defaults.
func (o *Options) Validate() error {
    if o.Local.IsZero() { return fmt.Errorf("channel: %w: local node required", membership.ErrInvalidArgument) }
    if o.Transport == nil { return fmt.Errorf("channel: %w: transport required", membership.ErrInvalidArgument) }
    if o.GracefulCloseTimeout < 0 { return fmt.Errorf("channel: %w: negative graceful close timeout", membership.ErrInvalidArgument) }
    if o.Group == "" { o.Group = DefaultGroup }
    if o.Registry == nil { o.Registry = protocol.NewRegistry() }
    if o.HeartbeatInterval <= 0 { o.HeartbeatInterval = time.Second }
    if o.MaxFailures <= 0 { o.MaxFailures = 3 }
    if o.JoinRetry <= 0 { o.JoinRetry = time.Second }
    if o.ProposalTimeout <= 0 { o.ProposalTimeout = 5 * time.Second }
    if o.StateTimeout <= 0 { o.StateTimeout = 2 * o.ProposalTimeout }
    if o.CloseInterval < closer.MinInterval { o.CloseInterval = closer.MinInterval }
    return nil
}
