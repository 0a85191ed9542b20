// Package state holds the replicated state machines behind the consensus journal.
package state

import "github.com/amirimatin/go-group/pkg/membership"

// ViewHistory is the journal of installed views.
type ViewHistory interface {
    ApplyView(v membership.View) error
    Latest() (membership.View, bool)
    Views() []membership.View
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}
