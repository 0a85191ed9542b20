// Package command executes administrative commands on every member of the group in
// the total order of the group channel.
package command

import (
    "bytes"
    "context"

    "github.com/amirimatin/go-group/pkg/membership"
    "github.com/amirimatin/go-group/pkg/protocol"
)

// Command is an opaque operation identified by Op.
type Command = protocol.Command

// CompletionHandler is told once the group's ordering layer accepted the command.
// err is non-nil only when the command never reached it.
type CompletionHandler func(err error)

// Handler executes the commands it supports. A non-empty result is sent back to a
// remote originator.
type Handler interface {
    Supports(cmd Command) bool
    Execute(ctx context.Context, cmd Command, from membership.Node) (result string, err error)
}

// HandlerFunc handles a single op.
type HandlerFunc func(ctx context.Context, cmd Command, from membership.Node) (string, error)

// ForOp binds fn to commands whose Op equals op.
func ForOp(op string, fn HandlerFunc) Handler { return opHandler{op: op, fn: fn} }

type opHandler struct {
    op string
    fn HandlerFunc
}

func (h opHandler) Supports(cmd Command) bool { return cmd.Op == h.op }

func (h opHandler) Execute(ctx context.Context, cmd Command, from membership.Node) (string, error) {
    return h.fn(ctx, cmd, from)
}

func sameCommand(a, b Command) bool {
    return a.Seq == b.Seq && a.Op == b.Op && bytes.Equal(a.Payload, b.Payload)
}
