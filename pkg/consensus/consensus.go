// Package consensus abstracts the leader-based log that journals installed views.
package consensus

import (
    "context"
    "time"
)

// Entry is one replicated log record. The FSM gives Op and Payload their meaning.
type Entry struct {
    Op      string `json:"op"`
    Payload []byte `json:"payload,omitempty"`
}

// Consensus is the minimal surface of a leader-based consensus engine.
type Consensus interface {
    Start(ctx context.Context) error
    Apply(e Entry, timeout time.Duration) error
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}

type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// LeaderNotifier is implemented by engines that report leadership changes. The
// channel closes when the engine stops.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}

// Reconfigurer is implemented by engines whose voter set can change at runtime.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}
