package protocol

import (
    "encoding/json"
    "fmt"
    "sync"

    "github.com/amirimatin/go-group/pkg/membership"
)

// Envelope is the unit handed to the transport. Seq is assigned by the sequencer;
// To is set only for unicast.
type Envelope struct {
    Kind    Kind              `json:"kind"`
    From    membership.Node   `json:"from"`
    To      membership.NodeID `json:"to,omitempty"`
    Seq     uint64            `json:"seq,omitempty"`
    Payload json.RawMessage   `json:"payload,omitempty"`
}

// Decoder turns the payload of an extension kind into a value.
type Decoder func(raw []byte) (any, error)

// Registry maps extension kinds to decoders. Built-in kinds are always known and
// cannot be overridden. A Registry is an explicit value, one per channel.
type Registry struct {
    mu       sync.RWMutex
    decoders map[Kind]Decoder
}

func NewRegistry() *Registry { return &Registry{decoders: make(map[Kind]Decoder)} }

func (r *Registry) Register(kind Kind, dec Decoder) error {
    if kind == "" || dec == nil {
        return fmt.Errorf("protocol: %w: kind and decoder are required", membership.ErrInvalidArgument)
    }
    if kind.Builtin() {
        return fmt.Errorf("protocol: %w: kind %q is reserved", membership.ErrInvalidArgument, kind)
    }
    r.mu.Lock(); defer r.mu.Unlock()
    if _, ok := r.decoders[kind]; ok {
        return fmt.Errorf("protocol: %w: kind %q already registered", membership.ErrInvalidArgument, kind)
    }
    r.decoders[kind] = dec
    return nil
}

func (r *Registry) Unregister(kind Kind) {
    r.mu.Lock(); defer r.mu.Unlock()
    delete(r.decoders, kind)
}

// Encode wraps p into an envelope sent from the given node. Custom values are encoded
// with encoding/json; Unknown keeps its raw bytes.
func Encode(from membership.Node, p Part) (Envelope, error) {
    if p == nil { return Envelope{}, fmt.Errorf("protocol: %w: nil part", membership.ErrInvalidArgument) }
    var (
        raw []byte
        err error
    )
    switch v := p.(type) {
    case Custom:
        raw, err = json.Marshal(v.Value)
    case Unknown:
        raw = v.Raw
    default:
        raw, err = json.Marshal(v)
    }
    if err != nil { return Envelope{}, fmt.Errorf("protocol: encode %s: %w", p.Kind(), err) }
    return Envelope{Kind: p.Kind(), From: from, Payload: raw}, nil
}

// Decode turns an envelope back into a Part. Unregistered kinds decode to Unknown
// rather than failing.
func (r *Registry) Decode(env Envelope) (Part, error) {
    var (
        p   Part
        err error
    )
    switch env.Kind {
    case KindData:
        p, err = decodeAs[Data](env.Payload)
    case KindCommand:
        p, err = decodeAs[CommandMessage](env.Payload)
    case KindCommandResponse:
        p, err = decodeAs[CommandResponse](env.Payload)
    case KindViewProposal:
        p, err = decodeAs[ViewProposal](env.Payload)
    case KindJoinRequest:
        p, err = decodeAs[JoinRequest](env.Payload)
    case KindLeaveNotice:
        p, err = decodeAs[LeaveNotice](env.Payload)
    case KindStateSnapshot:
        p, err = decodeAs[StateSnapshot](env.Payload)
    default:
        r.mu.RLock()
        dec, ok := r.decoders[env.Kind]
        r.mu.RUnlock()
        if !ok { return Unknown{Type: env.Kind, Raw: append([]byte(nil), env.Payload...)}, nil }
        var v any
        if v, err = dec(env.Payload); err == nil { p = Custom{Type: env.Kind, Value: v} }
    }
    if err != nil { return nil, fmt.Errorf("protocol: decode %s from %s: %w", env.Kind, env.From, err) }
    return p, nil
}

func decodeAs[T Part](raw []byte) (Part, error) {
    var v T
    if len(raw) > 0 {
        if err := json.Unmarshal(raw, &v); err != nil { return nil, err }
    }
    return v, nil
}
