package raftcons

import (
    "context"
    "encoding/json"
    "time"

    "github.com/amirimatin/go-group/pkg/consensus"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/membership/manager"
)

// Journal records installed views in the raft log. Only the raft leader writes;
// followers learn the history through replication.
type Journal struct {
    Node *Node
}

var _ manager.Journal = Journal{}

func (j Journal) RecordView(ctx context.Context, m membership.Membership) error {
    if !j.Node.IsLeader() {
        logutil.Debugf(j.Node.log, "raftcons: not leader, %s left to the leader", m)
        return nil
    }
    payload, err := json.Marshal(m.View())
    if err != nil { return err }
    timeout := j.Node.opts.ApplyTimeout
    if dl, ok := ctx.Deadline(); ok {
        timeout = time.Until(dl)
        if timeout <= 0 { return ctx.Err() }
    }
    return j.Node.Apply(consensus.Entry{Op: OpInstallView, Payload: payload}, timeout)
}

// Views is the journaled history as replicated to this node.
func (j Journal) Views() []membership.View { return j.Node.Views() }
