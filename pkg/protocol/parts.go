// Package protocol defines the messages exchanged over the ordered group channel.
// Message parts form a closed set: every built-in kind has a concrete type, and
// anything else is surfaced as Custom (registered decoder) or Unknown so that it falls
// through to the application receiver.
package protocol

import (
    "github.com/amirimatin/go-group/pkg/membership"
)

type Kind string

const (
    KindData            Kind = "data"
    KindCommand         Kind = "command"
    KindCommandResponse Kind = "command_response"
    KindViewProposal    Kind = "view_proposal"
    KindJoinRequest     Kind = "join_request"
    KindLeaveNotice     Kind = "leave_notice"
    KindStateSnapshot   Kind = "state_snapshot"
)

func (k Kind) Builtin() bool {
    switch k {
    case KindData, KindCommand, KindCommandResponse, KindViewProposal,
        KindJoinRequest, KindLeaveNotice, KindStateSnapshot:
        return true
    }
    return false
}

// Part is a decoded message body. The interface is sealed to this package.
type Part interface {
    Kind() Kind
    isPart()
}

// Data is an application payload.
type Data struct {
    Body []byte `json:"body"`
}

// Command is an administrative operation executed on every member in total order.
type Command struct {
    Op      string `json:"op"`
    Payload []byte `json:"payload,omitempty"`
    // Seq numbers the commands of one sender; set by the sending command manager.
    Seq uint64 `json:"seq,omitempty"`
}

// CommandMessage carries a Command through the ordered broadcast.
type CommandMessage struct {
    Command Command `json:"command"`
}

// CommandResponse answers the originator of a command with a handler result.
type CommandResponse struct {
    Op     string  `json:"op"`
    Result *string `json:"result,omitempty"`
    Error  string  `json:"error,omitempty"`
}

// String renders "op=result", or "op=" when there is no result.
func (r CommandResponse) String() string {
    if r.Result == nil { return r.Op + "=" }
    return r.Op + "=" + *r.Result
}

// ViewProposal asks every member to install New in place of Old.
type ViewProposal struct {
    Old    membership.View   `json:"old"`
    New    membership.View   `json:"new"`
    Change membership.Change `json:"change"`
}

// JoinRequest is broadcast by a node that wants to be added to the view.
type JoinRequest struct {
    Node membership.Node `json:"node"`
}

// LeaveNotice is broadcast by a node about to leave gracefully.
type LeaveNotice struct {
    Node   membership.Node `json:"node"`
    ViewID uint64          `json:"view_id"`
}

// StateSnapshot carries replicated state to a joining node.
type StateSnapshot struct {
    ViewID uint64 `json:"view_id"`
    Full   bool   `json:"full"`
    Data   []byte `json:"data"`
}

// Custom is an extension kind decoded by a registered decoder.
type Custom struct {
    Type  Kind
    Value any
}

// Unknown is a kind nobody registered; the raw payload is kept.
type Unknown struct {
    Type Kind
    Raw  []byte
}

func (Data) Kind() Kind            { return KindData }
func (CommandMessage) Kind() Kind  { return KindCommand }
func (CommandResponse) Kind() Kind { return KindCommandResponse }
func (ViewProposal) Kind() Kind    { return KindViewProposal }
func (JoinRequest) Kind() Kind     { return KindJoinRequest }
func (LeaveNotice) Kind() Kind     { return KindLeaveNotice }
func (StateSnapshot) Kind() Kind   { return KindStateSnapshot }
func (c Custom) Kind() Kind        { return c.Type }
func (u Unknown) Kind() Kind       { return u.Type }

func (Data) isPart()            {}
func (CommandMessage) isPart()  {}
func (CommandResponse) isPart() {}
func (ViewProposal) isPart()    {}
func (JoinRequest) isPart()     {}
func (LeaveNotice) isPart()     {}
func (StateSnapshot) isPart()   {}
func (Custom) isPart()          {}
func (Unknown) isPart()         {}
