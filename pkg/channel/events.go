package channel

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-group/pkg/membership"
)

type EventType string

const (
    EventJoined       EventType = "joined"
    EventLeft         EventType = "left"
    EventViewChanged  EventType = "view_changed"
    EventMemberFailed EventType = "member_failed"
    EventMemberLeft   EventType = "member_left"
)

// Event is an application-facing copy of what the channel observed. Only the fields
// relevant to the type are set.
type Event struct {
    Type   EventType
    At     time.Time
    View   *membership.View
    Change *membership.Change
    Member *membership.Node
    Reason membership.LeaveReason
}

// Subscribe returns a buffered channel of events, closed when ctx is done. Slow
// consumers miss events rather than stall the channel.
func (c *Channel) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    c.eb.add(ch)
    go func() {
        <-ctx.Done()
        c.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    e.mu.Unlock()
}

// busListener feeds the bus from the manager and detector.
func (c *Channel) busListener() membership.ListenerFuncs {
    return membership.ListenerFuncs{
        Joined: func() {
            ev := Event{Type: EventJoined}
            if v, ok := c.mgr.InstalledMembership(); ok {
                view := v.View()
                ev.View = &view
            }
            c.eb.publish(ev)
        },
        Left: func(reason membership.LeaveReason) { c.eb.publish(Event{Type: EventLeft, Reason: reason}) },
        Changed: func(ev membership.Event) {
            view, change := ev.New.View(), ev.Change
            c.eb.publish(Event{Type: EventViewChanged, View: &view, Change: &change})
        },
        MemberFailed: func(n membership.Node) { c.eb.publish(Event{Type: EventMemberFailed, Member: &n}) },
        MemberLeft:   func(n membership.Node) { c.eb.publish(Event{Type: EventMemberLeft, Member: &n}) },
    }
}
