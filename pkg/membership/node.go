package membership

import (
    "errors"
    "fmt"
    "strings"

    "github.com/google/uuid"
)

var (
    // ErrInvalidState signals a broken invariant. Callers treat it as fatal for the channel.
    ErrInvalidState = errors.New("invalid state")
    // ErrInvalidArgument signals a malformed input rejected at the API boundary.
    ErrInvalidArgument = errors.New("invalid argument")
)

// NodeID is the unique identity of a group member in canonical UUID text form.
type NodeID string

// NewNodeID generates a random node identifier.
func NewNodeID() NodeID { return NodeID(uuid.NewString()) }

// ParseNodeID validates s and returns it in canonical form.
func ParseNodeID(s string) (NodeID, error) {
    u, err := uuid.Parse(strings.TrimSpace(s))
    if err != nil {
        return "", fmt.Errorf("membership: %w: node id %q: %v", ErrInvalidArgument, s, err)
    }
    return NodeID(u.String()), nil
}

func (id NodeID) String() string { return string(id) }

// Short returns the first UUID group, handy for log lines.
func (id NodeID) Short() string {
    s := string(id)
    if i := strings.IndexByte(s, '-'); i > 0 { return s[:i] }
    return s
}

// Node is the immutable identity of a group member. Equality is by ID only.
type Node struct {
    ID   NodeID `json:"id"`
    Addr string `json:"addr"`
}

// NewNode validates id and addr.
func NewNode(id, addr string) (Node, error) {
    nid, err := ParseNodeID(id)
    if err != nil { return Node{}, err }
    if strings.TrimSpace(addr) == "" {
        return Node{}, fmt.Errorf("membership: %w: empty address for node %s", ErrInvalidArgument, nid)
    }
    return Node{ID: nid, Addr: addr}, nil
}

func (n Node) Same(o Node) bool { return n.ID == o.ID }

func (n Node) IsZero() bool { return n.ID == "" }

func (n Node) String() string { return n.ID.Short() + "@" + n.Addr }
