package statetransfer

import (
    "bytes"
    "errors"
    "fmt"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
)

// kvStore is the key/value half of raft's StableStore, which both backends provide.
type kvStore interface {
    Set(key, val []byte) error
    Get(key []byte) ([]byte, error)
}

type stableStore struct {
    kv   kvStore
    name string
}

func (s *stableStore) Load(id string) ([]byte, bool, error) {
    if id == "" { return nil, false, errEmptyID }
    v, err := s.kv.Get([]byte(id))
    if isNotFound(err) { return nil, false, nil }
    if err != nil { return nil, false, fmt.Errorf("statetransfer: %s load %s: %w", s.name, id, err) }
    return bytes.Clone(v), true, nil
}

func (s *stableStore) Save(id string, data []byte) error {
    if id == "" { return errEmptyID }
    if err := s.kv.Set([]byte(id), bytes.Clone(data)); err != nil { return fmt.Errorf("statetransfer: %s save %s: %w", s.name, id, err) }
    return nil
}

var errEmptyID = errors.New("statetransfer: empty snapshot id")

// InmemStore reports a missing key with an unexported error carrying the same text.
func isNotFound(err error) bool {
    return err != nil && (errors.Is(err, raftboltdb.ErrKeyNotFound) || err.Error() == raftboltdb.ErrKeyNotFound.Error())
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct{ stableStore }

func NewMemoryStore() *MemoryStore {
    return &MemoryStore{stableStore{kv: raft.NewInmemStore(), name: "memory"}}
}

// BoltStore keeps snapshots in a bolt file; every Save is one bolt transaction.
type BoltStore struct {
    stableStore
    db *raftboltdb.BoltStore
}

func OpenBoltStore(path string) (*BoltStore, error) {
    db, err := raftboltdb.NewBoltStore(path)
    if err != nil { return nil, fmt.Errorf("statetransfer: open %s: %w", path, err) }
    return &BoltStore{stableStore: stableStore{kv: db, name: "bolt"}, db: db}, nil
}

func (b *BoltStore) Close() error { return b.db.Close() }

// Async runs a Store's operations on their own goroutines.
func Async(s Store) AsyncStore { return asyncStore{s} }

type asyncStore struct{ s Store }

func (a asyncStore) LoadAsync(id string, done func([]byte, bool, error)) {
    go func() {
        data, ok, err := a.s.Load(id)
        if done != nil { done(data, ok, err) }
    }()
}

func (a asyncStore) SaveAsync(id string, data []byte, done func(error)) {
    buf := append([]byte(nil), data...)
    go func() {
        err := a.s.Save(id, buf)
        if done != nil { done(err) }
    }()
}
