package raftcons

import (
    "time"

    "go.uber.org/zap"
)

type Options struct {
    NodeID string
    Logger *zap.Logger

    // Bootstrap forms a single-voter cluster on Start.
    Bootstrap bool

    // Zero means raft defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration

    // BindAddr selects a TCP transport; empty means in-memory.
    BindAddr string
    // DataDir selects bolt log/stable stores and file snapshots; empty means in-memory.
    DataDir           string
    SnapshotsRetained int

    // Retain bounds the view history kept by the FSM.
    Retain int
}
