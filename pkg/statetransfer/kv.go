package statetransfer

import (
    "encoding/json"
    "fmt"
    "sort"
    "sync"
)

// KVOp is the data message understood by KV.
type KVOp struct {
    Op        string `json:"op"` // put, delete or get
    Key       string `json:"key"`
    Value     string `json:"value,omitempty"`
    Transient bool   `json:"transient,omitempty"`
}

func EncodeKVOp(op KVOp) ([]byte, error) { return json.Marshal(op) }

// KV is a replicated string map. Entries written with Transient are left out of
// persistent-only snapshots.
type KV struct {
    mu        sync.RWMutex
    data      map[string]string
    transient map[string]bool
}

func NewKV() *KV {
    return &KV{data: make(map[string]string), transient: make(map[string]bool)}
}

// KVFactory gives every group its own KV and a store from newStore.
func KVFactory(newStore func(GroupID) (Store, error), kvs func(GroupID) *KV) Factory {
    return FactoryFuncs{
        Store:  newStore,
        Server: func(id GroupID) (Server, error) { return kvs(id), nil },
        Client: func(id GroupID) (Client, error) { return kvs(id), nil },
    }
}

func (k *KV) ClassifyMessage(payload []byte) MessageClass {
    var op KVOp
    if err := json.Unmarshal(payload, &op); err != nil { return NonState }
    switch op.Op {
    case "put", "delete":
        return StateWrite
    case "get":
        return StateRead
    default:
        return NonState
    }
}

// Apply executes a state-writing data message. Other messages are ignored.
func (k *KV) Apply(payload []byte) error {
    var op KVOp
    if err := json.Unmarshal(payload, &op); err != nil { return fmt.Errorf("kv: decode: %w", err) }
    k.mu.Lock(); defer k.mu.Unlock()
    switch op.Op {
    case "put":
        k.data[op.Key] = op.Value
        if op.Transient {
            k.transient[op.Key] = true
        } else {
            delete(k.transient, op.Key)
        }
    case "delete":
        delete(k.data, op.Key)
        delete(k.transient, op.Key)
    }
    return nil
}

func (k *KV) Get(key string) (string, bool) {
    k.mu.RLock(); defer k.mu.RUnlock()
    v, ok := k.data[key]
    return v, ok
}

func (k *KV) Keys() []string {
    k.mu.RLock(); defer k.mu.RUnlock()
    out := make([]string, 0, len(k.data))
    for key := range k.data { out = append(out, key) }
    sort.Strings(out)
    return out
}

type kvSnapshot struct {
    Data      map[string]string `json:"data"`
    Transient []string          `json:"transient,omitempty"`
}

func (k *KV) SaveSnapshot(full bool) ([]byte, error) {
    k.mu.RLock(); defer k.mu.RUnlock()
    snap := kvSnapshot{Data: make(map[string]string, len(k.data))}
    for key, v := range k.data {
        if k.transient[key] {
            if !full { continue }
            snap.Transient = append(snap.Transient, key)
        }
        snap.Data[key] = v
    }
    sort.Strings(snap.Transient)
    return json.Marshal(snap)
}

// LoadSnapshot replaces the map. A persistent-only snapshot keeps current transient
// entries.
func (k *KV) LoadSnapshot(full bool, data []byte) error {
    var snap kvSnapshot
    if err := json.Unmarshal(data, &snap); err != nil { return fmt.Errorf("kv: decode snapshot: %w", err) }
    k.mu.Lock(); defer k.mu.Unlock()
    next, tr := make(map[string]string, len(snap.Data)), make(map[string]bool)
    if !full {
        for key := range k.transient {
            next[key], tr[key] = k.data[key], true
        }
    }
    for key, v := range snap.Data {
        next[key] = v
        delete(tr, key)
    }
    for _, key := range snap.Transient { tr[key] = true }
    k.data, k.transient = next, tr
    return nil
}
