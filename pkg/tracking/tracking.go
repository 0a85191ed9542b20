// Package tracking decides which peers the local node actively probes.
package tracking

import (
    "github.com/amirimatin/go-group/pkg/membership"
)

// Strategy returns the nodes local must monitor, given the currently live nodes.
type Strategy interface {
    TrackedNodes(local membership.Node, live []membership.Node) []membership.Node
}

// ViewSource exposes the prepared and installed views.
type ViewSource interface {
    PreparedMembership() (membership.Membership, bool)
    InstalledMembership() (membership.Membership, bool)
}

// Evidence is the subset of the failure detector the strategy reads.
type Evidence interface {
    IsFailed(id membership.NodeID) bool
    IsLeft(id membership.NodeID) bool
}

// Coordinator monitors asymmetrically: the coordinator watches every member, every
// other member watches the coordinator only. Before any view exists it falls back to a
// full mesh over the live nodes.
type Coordinator struct {
    views    ViewSource
    evidence Evidence
}

func NewCoordinatorStrategy(views ViewSource, evidence Evidence) *Coordinator {
    return &Coordinator{views: views, evidence: evidence}
}

func (s *Coordinator) TrackedNodes(local membership.Node, live []membership.Node) []membership.Node {
    m, ok := s.views.InstalledMembership()
    if !ok {
        m, ok = s.views.PreparedMembership()
    }
    if !ok {
        return FullMesh{}.TrackedNodes(local, live)
    }
    coord, ok := m.Coordinator()
    if !ok { return nil }
    if coord.ID != local.ID {
        return []membership.Node{coord}
    }
    out := make([]membership.Node, 0, m.Group.Len())
    for _, n := range m.Group.Nodes() {
        if n.ID == local.ID { continue }
        if s.evidence != nil && (s.evidence.IsFailed(n.ID) || s.evidence.IsLeft(n.ID)) { continue }
        out = append(out, n)
    }
    return out
}

// FullMesh tracks every live node except local.
type FullMesh struct{}

func (FullMesh) TrackedNodes(local membership.Node, live []membership.Node) []membership.Node {
    out := make([]membership.Node, 0, len(live))
    seen := make(map[membership.NodeID]struct{}, len(live))
    for _, n := range live {
        if n.ID == local.ID { continue }
        if _, dup := seen[n.ID]; dup { continue }
        seen[n.ID] = struct{}{}
        out = append(out, n)
    }
    return out
}

var (
    _ Strategy = (*Coordinator)(nil)
    _ Strategy = FullMesh{}
)
