// Package viewlog is an in-memory, bounded history of installed views.
package viewlog

import (
    "encoding/json"
    "fmt"
    "sort"
    "sync"

    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/state"
)

// DefaultRetain is the number of views kept when New gets a non-positive limit.
const DefaultRetain = 64

type Log struct {
    mu     sync.RWMutex
    retain int
    views  []membership.View
}

func New(retain int) *Log {
    if retain <= 0 { retain = DefaultRetain }
    return &Log{retain: retain}
}

// ApplyView appends v. Views not newer than the latest are ignored so that replays
// are harmless.
func (l *Log) ApplyView(v membership.View) error {
    if v.ID == 0 { return fmt.Errorf("viewlog: %w: view id 0", membership.ErrInvalidArgument) }
    l.mu.Lock(); defer l.mu.Unlock()
    if n := len(l.views); n > 0 && v.ID <= l.views[n-1].ID { return nil }
    l.views = append(l.views, v)
    if over := len(l.views) - l.retain; over > 0 {
        l.views = append([]membership.View(nil), l.views[over:]...)
    }
    return nil
}

func (l *Log) Latest() (membership.View, bool) {
    l.mu.RLock(); defer l.mu.RUnlock()
    if len(l.views) == 0 { return membership.View{}, false }
    return l.views[len(l.views)-1], true
}

// Views returns the retained history, oldest first.
func (l *Log) Views() []membership.View {
    l.mu.RLock(); defer l.mu.RUnlock()
    return append([]membership.View(nil), l.views...)
}

type snapshot struct {
    Version int               `json:"version"`
    Views   []membership.View `json:"views"`
}

func (l *Log) Snapshot() ([]byte, error) {
    l.mu.RLock(); defer l.mu.RUnlock()
    return json.Marshal(snapshot{Version: 1, Views: l.views})
}

func (l *Log) Restore(buf []byte) error {
    var s snapshot
    if err := json.Unmarshal(buf, &s); err != nil { return fmt.Errorf("viewlog: restore: %w", err) }
    if s.Version != 1 { return fmt.Errorf("viewlog: %w: snapshot version %d", membership.ErrInvalidArgument, s.Version) }
    sort.Slice(s.Views, func(i, j int) bool { return s.Views[i].ID < s.Views[j].ID })
    if over := len(s.Views) - l.retain; over > 0 { s.Views = s.Views[over:] }
    l.mu.Lock(); defer l.mu.Unlock()
    l.views = s.Views
    return nil
}

var _ state.ViewHistory = (*Log)(nil)
