// Package liveness turns an external gossip layer's view of which peers are alive into
// failure detector evidence.
package liveness

import (
    "context"
    "time"

    "github.com/amirimatin/go-group/pkg/membership"
)

// Peer is a node as seen by the gossip layer. Meta carries auxiliary data such as the
// group transport address.
type Peer struct {
    Node membership.Node
    Meta map[string]string
}

type EventType string

const (
    // EventJoin: the peer became visible or updated its metadata.
    EventJoin EventType = "join"
    // EventLeave: the peer announced its departure.
    EventLeave EventType = "leave"
    // EventFailed: the gossip layer declared the peer dead.
    EventFailed EventType = "failed"
)

type Event struct {
    Type EventType
    Peer Peer
    At   time.Time
}

// Feed is a gossip-based liveness source.
type Feed interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() Peer
    Peers() []Peer
    Events() <-chan Event
    Leave() error
    Stop() error
}

// HealthReporter is optionally implemented by a Feed. Higher scores mean degraded
// local health; -1 means unavailable.
type HealthReporter interface {
    HealthScore() int
}
