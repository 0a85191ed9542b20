package raftcons

import (
    "encoding/json"
    "fmt"
    "io"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-group/pkg/consensus"
    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/state"
    "github.com/amirimatin/go-group/pkg/state/viewlog"
)

// OpInstallView journals an installed view; the payload is a membership.View.
const OpInstallView = "InstallView"

// viewFSM applies journal entries to the view history.
type viewFSM struct {
    views state.ViewHistory
}

func newViewFSM(views state.ViewHistory) *viewFSM { return &viewFSM{views: views} }

func (f *viewFSM) Apply(l *raft.Log) interface{} {
    var e consensus.Entry
    if err := json.Unmarshal(l.Data, &e); err != nil { return fmt.Errorf("raftcons: decode entry: %w", err) }
    switch e.Op {
    case OpInstallView:
        var v membership.View
        if err := json.Unmarshal(e.Payload, &v); err != nil { return fmt.Errorf("raftcons: decode view: %w", err) }
        return f.views.ApplyView(v)
    default:
        return nil
    }
}

func (f *viewFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.views.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *viewFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.views.Restore(data)
}

type snapshot struct{ blob []byte }

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*viewFSM)(nil)
var _ state.ViewHistory = (*viewlog.Log)(nil)
