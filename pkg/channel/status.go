package channel

import (
    "context"
    "encoding/json"
    "fmt"

    "github.com/amirimatin/go-group/pkg/detector"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/transport"
)

// Status is a JSON-serializable snapshot of one channel for status endpoints and
// tooling.
type Status struct {
    Node      membership.Node `json:"node"`
    Group     string          `json:"group"`
    State     string          `json:"state"`
    Close     string          `json:"close"`
    ClosePath string          `json:"close_path,omitempty"`
    // Failed is set once the channel stopped on a broken invariant.
    Failed        bool              `json:"failed"`
    Installed     *membership.View  `json:"installed,omitempty"`
    Prepared      *membership.View  `json:"prepared,omitempty"`
    IsCoordinator bool              `json:"is_coordinator"`
    Detector      detector.State    `json:"detector"`
    Tracked       []membership.Node `json:"tracked,omitempty"`
    Live          []membership.Node `json:"live,omitempty"`
    PendingJoins  []membership.Node `json:"pending_joins,omitempty"`
    // PendingCommands counts own commands not yet seen delivered.
    PendingCommands int  `json:"pending_commands"`
    // UnsureCommands were broadcast with an unknown outcome.
    UnsureCommands  int  `json:"unsure_commands,omitempty"`
    AwaitingState   bool `json:"awaiting_state"`
    // Journal is the replicated view history when a journal is configured.
    Journal  []membership.View `json:"journal,omitempty"`
    Warnings []string          `json:"warnings,omitempty"`
}

// Status reads snapshot accessors only and is safe from any goroutine.
func (c *Channel) Status() Status {
    s := Status{
        Node:            c.local,
        Group:           string(c.opts.Group),
        State:           c.mgr.State().String(),
        Close:           c.closing.State().String(),
        ClosePath:       c.closing.Path(),
        Failed:          c.failed.Load(),
        IsCoordinator:   c.mgr.IsCoordinator(),
        Detector:        c.det.Snapshot(),
        Live:            c.bridge.Live(),
        PendingJoins:    c.mgr.PendingJoins(),
        PendingCommands: c.cmds.Pending(),
        UnsureCommands:  c.cmds.Unsure(),
    }
    if v, ok := c.mgr.InstalledMembership(); ok {
        view := v.View()
        s.Installed = &view
    } else {
        s.Warnings = append(s.Warnings, "no installed view")
    }
    if v, ok := c.mgr.PreparedMembership(); ok {
        view := v.View()
        s.Prepared = &view
    }
    if c.hb != nil {
        s.Tracked = c.hb.Tracked()
    } else {
        s.Tracked = c.track.TrackedNodes(c.local, c.live())
    }
    if c.state != nil { s.AwaitingState = c.state.Awaiting() }
    if len(s.Detector.Failed) > 0 { s.Warnings = append(s.Warnings, fmt.Sprintf("%d members recorded failed", len(s.Detector.Failed))) }
    if h, ok := c.opts.Journal.(interface{ Views() []membership.View }); ok { s.Journal = h.Views() }
    if hr, ok := c.opts.Feed.(interface{ HealthScore() int }); ok {
        if score := hr.HealthScore(); score > 0 { s.Warnings = append(s.Warnings, fmt.Sprintf("gossip health score %d", score)) }
    }
    return s
}

// StatusJSON is a transport.StatusFunc.
func (c *Channel) StatusJSON(context.Context) ([]byte, error) {
    return json.Marshal(c.Status())
}

// HandleClose is a transport.CloseFunc: it closes the channel and reports the path
// taken.
func (c *Channel) HandleClose(_ context.Context, req transport.CloseRequest) (transport.CloseResponse, error) {
    err := c.Close(req.Graceful)
    resp := transport.CloseResponse{Accepted: true, Path: c.closing.Path()}
    if err != nil { resp.Error = err.Error() }
    return resp, err
}

var (
    _ transport.StatusFunc = (*Channel)(nil).StatusJSON
    _ transport.CloseFunc  = (*Channel)(nil).HandleClose
)
