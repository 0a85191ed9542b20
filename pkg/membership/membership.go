package membership

import (
    "fmt"
    "strings"
)

// Group is an ordered set of nodes forming an agreed view. Order is join order; the
// first node is the coordinator. Group values are immutable: every operation that
// changes membership returns a new Group.
type Group struct {
    nodes []Node
}

// NewGroup builds a group, dropping duplicate ids (first occurrence wins).
func NewGroup(nodes ...Node) Group {
    out := make([]Node, 0, len(nodes))
    seen := make(map[NodeID]struct{}, len(nodes))
    for _, n := range nodes {
        if _, ok := seen[n.ID]; ok { continue }
        seen[n.ID] = struct{}{}
        out = append(out, n)
    }
    return Group{nodes: out}
}

// Nodes returns a copy of the members in group order.
func (g Group) Nodes() []Node { return append([]Node(nil), g.nodes...) }

func (g Group) Len() int { return len(g.nodes) }

// First returns the coordinator of the group.
func (g Group) First() (Node, bool) {
    if len(g.nodes) == 0 { return Node{}, false }
    return g.nodes[0], true
}

func (g Group) Contains(id NodeID) bool {
    _, ok := g.Node(id)
    return ok
}

func (g Group) Node(id NodeID) (Node, bool) {
    for _, n := range g.nodes {
        if n.ID == id { return n, true }
    }
    return Node{}, false
}

// Without returns the group minus the given ids, preserving order.
func (g Group) Without(ids map[NodeID]struct{}) Group {
    out := make([]Node, 0, len(g.nodes))
    for _, n := range g.nodes {
        if _, drop := ids[n.ID]; drop { continue }
        out = append(out, n)
    }
    return Group{nodes: out}
}

// With appends nodes not yet present, in the given order.
func (g Group) With(nodes ...Node) Group {
    return NewGroup(append(g.Nodes(), nodes...)...)
}

// Equal reports whether both groups hold the same node ids in the same order.
func (g Group) Equal(o Group) bool {
    if len(g.nodes) != len(o.nodes) { return false }
    for i := range g.nodes {
        if g.nodes[i].ID != o.nodes[i].ID { return false }
    }
    return true
}

func (g Group) String() string {
    parts := make([]string, 0, len(g.nodes))
    for _, n := range g.nodes { parts = append(parts, n.ID.Short()) }
    return "[" + strings.Join(parts, ",") + "]"
}

// Membership is an immutable, versioned view of the group.
type Membership struct {
    ID    uint64
    Group Group
}

// IsZero reports the absence of a view (used as Event.Old of a first install).
func (m Membership) IsZero() bool { return m.ID == 0 && m.Group.Len() == 0 }

func (m Membership) Equal(o Membership) bool { return m.ID == o.ID && m.Group.Equal(o.Group) }

// Coordinator is the first node of the group.
func (m Membership) Coordinator() (Node, bool) { return m.Group.First() }

func (m Membership) String() string { return fmt.Sprintf("view#%d%s", m.ID, m.Group) }

// View is the JSON shape of a Membership for status endpoints and wire messages.
type View struct {
    ID    uint64 `json:"id"`
    Nodes []Node `json:"nodes"`
}

func (m Membership) View() View { return View{ID: m.ID, Nodes: m.Group.Nodes()} }

func (v View) Membership() Membership { return Membership{ID: v.ID, Group: NewGroup(v.Nodes...)} }
