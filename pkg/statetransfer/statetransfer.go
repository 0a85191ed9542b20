// Package statetransfer hands replicated application state to nodes joining a group.
// Applications plug in through Factory; the package only decides when snapshots are
// taken, shipped and loaded relative to the group's total order.
package statetransfer

import (
    "fmt"
    "sync"

    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-group/pkg/membership"
)

type GroupID string

// MessageClass tells the ordering layer how a message relates to replicated state.
type MessageClass int

const (
    NonState MessageClass = iota
    StateRead
    StateWrite
)

func (c MessageClass) String() string {
    switch c {
    case NonState:
        return "non_state"
    case StateRead:
        return "state_read"
    case StateWrite:
        return "state_write"
    default:
        return fmt.Sprintf("class(%d)", int(c))
    }
}

// Store persists snapshots. Load and Save are atomic: a Load never observes a
// partially written Save.
type Store interface {
    Load(id string) (data []byte, ok bool, err error)
    Save(id string, data []byte) error
}

// AsyncStore is the callback flavour of Store.
type AsyncStore interface {
    LoadAsync(id string, done func(data []byte, ok bool, err error))
    SaveAsync(id string, data []byte, done func(err error))
}

// Server is the state owner's side.
type Server interface {
    ClassifyMessage(payload []byte) MessageClass
}

// SimpleServer can produce a point-in-time snapshot. full includes transient state;
// otherwise only persistent state is captured.
type SimpleServer interface {
    Server
    SaveSnapshot(full bool) ([]byte, error)
}

// Client installs snapshots on a joining or recovering node.
type Client interface {
    LoadSnapshot(full bool, data []byte) error
}

// Factory builds the per-group triple.
type Factory interface {
    CreateStore(id GroupID) (Store, error)
    CreateServer(id GroupID) (Server, error)
    CreateClient(id GroupID) (Client, error)
}

// FactoryFuncs adapts three functions to Factory.
type FactoryFuncs struct {
    Store  func(id GroupID) (Store, error)
    Server func(id GroupID) (Server, error)
    Client func(id GroupID) (Client, error)
}

func (f FactoryFuncs) CreateStore(id GroupID) (Store, error)   { return f.Store(id) }
func (f FactoryFuncs) CreateServer(id GroupID) (Server, error) { return f.Server(id) }
func (f FactoryFuncs) CreateClient(id GroupID) (Client, error) { return f.Client(id) }

// Binding is what a group got from its factory.
type Binding struct {
    Group  GroupID
    Store  Store
    Server Server
    Client Client
}

// Registry calls the factory at most once per group and remembers the result.
type Registry struct {
    factory Factory

    mu       sync.Mutex
    bindings map[GroupID]*Binding
}

func NewRegistry(f Factory) *Registry {
    return &Registry{factory: f, bindings: make(map[GroupID]*Binding)}
}

// Bind returns the group's binding, creating it on first use. A failed creation is not
// remembered.
func (r *Registry) Bind(id GroupID) (*Binding, error) {
    if id == "" { return nil, fmt.Errorf("statetransfer: %w: empty group id", membership.ErrInvalidArgument) }
    if r.factory == nil { return nil, fmt.Errorf("statetransfer: %w: no factory", membership.ErrInvalidState) }
    r.mu.Lock(); defer r.mu.Unlock()
    if b, ok := r.bindings[id]; ok { return b, nil }

    store, err := r.factory.CreateStore(id)
    if err != nil { return nil, fmt.Errorf("statetransfer: create store for %s: %w", id, err) }
    server, err := r.factory.CreateServer(id)
    if err != nil { return nil, fmt.Errorf("statetransfer: create server for %s: %w", id, err) }
    client, err := r.factory.CreateClient(id)
    if err != nil { return nil, fmt.Errorf("statetransfer: create client for %s: %w", id, err) }
    b := &Binding{Group: id, Store: store, Server: server, Client: client}
    r.bindings[id] = b
    return b, nil
}

// Close releases stores that hold resources.
func (r *Registry) Close() error {
    r.mu.Lock(); defer r.mu.Unlock()
    var result error
    for id, b := range r.bindings {
        if c, ok := b.Store.(interface{ Close() error }); ok {
            if err := c.Close(); err != nil { result = multierror.Append(result, fmt.Errorf("statetransfer: close store %s: %w", id, err)) }
        }
        delete(r.bindings, id)
    }
    return result
}
