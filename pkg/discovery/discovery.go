// Package discovery provides seed addresses for joining a group: gossip seeds for the
// liveness layer and the address of the broadcast sequencer.
package discovery

import "context"

// Discovery lists seed addresses.
type Discovery interface {
    Seeds(ctx context.Context) ([]string, error)
}

// Registrar announces the local node so that others can discover it.
type Registrar interface {
    // Register publishes addr under id until deregister is called or the process dies.
    Register(ctx context.Context, id, addr string) (deregister func(context.Context) error, err error)
}
