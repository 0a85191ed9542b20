package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_group"

var (
    once sync.Once

    // View lifecycle
    ViewsInstalled = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "view",
        Name:      "installed_total",
        Help:      "Total number of membership views installed locally",
    })
    ViewID = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "view",
        Name:      "id",
        Help:      "Id of the currently installed view (0 when none)",
    })
    GroupMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "view",
        Name:      "members",
        Help:      "Number of members in the installed view",
    })
    IsCoordinator = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "view",
        Name:      "is_coordinator",
        Help:      "1 if this node coordinates the installed view, else 0",
    })
    ViewProposals = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "view",
        Name:      "proposals_total",
        Help:      "View proposals handled, by result",
    }, []string{"result"})
    Uninstalls = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "view",
        Name:      "uninstalls_total",
        Help:      "Local view uninstalls by leave reason",
    }, []string{"reason"})

    // Failure detection
    EvidenceRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "detector",
        Name:      "evidence_total",
        Help:      "Members recorded as failed or left",
    }, []string{"kind"})
    TrackedNodes = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "detector",
        Name:      "tracked_nodes",
        Help:      "Number of nodes actively monitored by this node",
    })
    HeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "detector",
        Name:      "heartbeat_failures_total",
        Help:      "Failed heartbeat probes",
    })

    // Commands
    CommandsExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "command",
        Name:      "executed_total",
        Help:      "Commands handled by this node, by result",
    }, []string{"result"})
    CommandsPending = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "command",
        Name:      "pending",
        Help:      "Commands sent and awaiting delivery confirmation",
    })
    CommandMismatches = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "command",
        Name:      "mismatch_total",
        Help:      "Delivery confirmations that did not match the queued command",
    })
    CommandRoundTrip = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "command",
        Name:      "round_trip_seconds",
        Help:      "Time from Execute to delivery confirmation",
        Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
    })

    // Close
    CloseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "close",
        Name:      "duration_seconds",
        Help:      "Channel close duration by path",
        Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
    }, []string{"path"})

    // Transport
    BroadcastTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "transport",
        Name:      "broadcast_total",
        Help:      "Envelopes submitted for ordered broadcast, by kind",
    }, []string{"kind"})
    DeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "transport",
        Name:      "delivered_total",
        Help:      "Envelopes delivered to the local channel, by kind",
    }, []string{"kind"})
    Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "transport",
        Name:      "subscribers",
        Help:      "Active delivery streams on the sequencer",
    })
    Sequence = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "transport",
        Name:      "sequence",
        Help:      "Last sequence number assigned by the sequencer",
    })

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ViewsInstalled, ViewID, GroupMembers, IsCoordinator, ViewProposals, Uninstalls)
        prometheus.MustRegister(EvidenceRecorded, TrackedNodes, HeartbeatFailures)
        prometheus.MustRegister(CommandsExecuted, CommandsPending, CommandMismatches, CommandRoundTrip)
        prometheus.MustRegister(CloseDuration)
        prometheus.MustRegister(BroadcastTotal, DeliveredTotal, Subscribers, Sequence)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}
