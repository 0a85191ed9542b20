package membership

import "fmt"

// Change describes how a view differs from its predecessor. A node appears in at most
// one of the three sets.
type Change struct {
    Joined []Node `json:"joined,omitempty"`
    Left   []Node `json:"left,omitempty"`
    Failed []Node `json:"failed,omitempty"`
}

// Validate checks that the three sets are disjoint.
func (c Change) Validate() error {
    seen := make(map[NodeID]string)
    check := func(set string, nodes []Node) error {
        for _, n := range nodes {
            if prev, ok := seen[n.ID]; ok {
                return fmt.Errorf("membership: %w: node %s both %s and %s", ErrInvalidState, n.ID, prev, set)
            }
            seen[n.ID] = set
        }
        return nil
    }
    if err := check("joined", c.Joined); err != nil { return err }
    if err := check("left", c.Left); err != nil { return err }
    return check("failed", c.Failed)
}

// Apply computes old ∖ failed ∖ left ∪ joined.
func (c Change) Apply(old Group) Group {
    drop := make(map[NodeID]struct{}, len(c.Left)+len(c.Failed))
    for _, n := range c.Left { drop[n.ID] = struct{}{} }
    for _, n := range c.Failed { drop[n.ID] = struct{}{} }
    return old.Without(drop).With(c.Joined...)
}

func (c Change) IsEmpty() bool { return len(c.Joined) == 0 && len(c.Left) == 0 && len(c.Failed) == 0 }

func (c Change) HasJoined(id NodeID) bool { return containsID(c.Joined, id) }
func (c Change) HasLeft(id NodeID) bool   { return containsID(c.Left, id) }
func (c Change) HasFailed(id NodeID) bool { return containsID(c.Failed, id) }

func containsID(nodes []Node, id NodeID) bool {
    for _, n := range nodes {
        if n.ID == id { return true }
    }
    return false
}

// Event is created once per installed view.
type Event struct {
    Old    Membership
    New    Membership
    Change Change
}

// NewEvent validates that new == change applied to old.
func NewEvent(old, next Membership, change Change) (Event, error) {
    if err := change.Validate(); err != nil { return Event{}, err }
    if !old.IsZero() && next.ID <= old.ID {
        return Event{}, fmt.Errorf("membership: %w: view id %d does not follow %d", ErrInvalidState, next.ID, old.ID)
    }
    if got := change.Apply(old.Group); !got.Equal(next.Group) {
        return Event{}, fmt.Errorf("membership: %w: %s does not match change applied to %s (%s)", ErrInvalidState, next, old, got)
    }
    return Event{Old: old, New: next, Change: change}, nil
}

// LeaveReason explains why the local node dropped its installed view.
type LeaveReason int

const (
    GracefulClose LeaveReason = iota + 1
    ForcefulClose
    Reconnect
)

func (r LeaveReason) String() string {
    switch r {
    case GracefulClose:
        return "graceful_close"
    case ForcefulClose:
        return "forceful_close"
    case Reconnect:
        return "reconnect"
    default:
        return fmt.Sprintf("leave_reason(%d)", int(r))
    }
}
