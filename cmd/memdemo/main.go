// memdemo runs only the gossip liveness layer and prints what it sees, which helps
// checking gossip ports and seeds before running full group nodes.
package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-group/pkg/discovery/static"
    "github.com/amirimatin/go-group/pkg/liveness"
    ml "github.com/amirimatin/go-group/pkg/liveness/memberlist"
    "github.com/amirimatin/go-group/pkg/membership"
)

func main() {
    var (
        id        = flag.String("id", "", "node id (UUID, generated when empty)")
        addr      = flag.String("group-addr", "127.0.0.1:7950", "group transport address announced in gossip metadata")
        bind      = flag.String("bind", ":7946", "bind host:port")
        advertise = flag.String("advertise", "", "advertise host:port (optional)")
        joinCSV   = flag.String("join", "", "comma-separated seeds (host:port)")
        debug     = flag.Bool("debug", false, "debug logging")
    )
    flag.Parse()
    log, err := zap.NewDevelopment()
    if err != nil { fatal(err) }
    if !*debug { log = log.WithOptions(zap.IncreaseLevel(zap.InfoLevel)) }
    defer func() { _ = log.Sync() }()

    nid := membership.NewNodeID()
    if *id != "" {
        if nid, err = membership.ParseNodeID(*id); err != nil { fatal(err) }
    }
    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    feed, err := ml.New(ml.Options{Local: membership.Node{ID: nid, Addr: *addr}, Bind: *bind, Advertise: *advertise, Logger: log})
    if err != nil { fatal(err) }
    if err := feed.Start(ctx); err != nil { fatal(err) }
    if seeds := static.Parse(*joinCSV); len(seeds) > 0 {
        if err := feed.Join(seeds); err != nil { log.Sugar().Warnf("join %v: %v", seeds, err) }
    }

    fmt.Printf("memdemo %s started. Press Ctrl+C to exit.\n", nid)
    go func(evch <-chan liveness.Event) {
        for e := range evch {
            fmt.Printf("event: %-6s id=%s group_addr=%s at=%s\n", e.Type, e.Peer.Node.ID.Short(), e.Peer.Meta[ml.MetaGroupAddr], e.At.Format(time.RFC3339))
        }
    }(feed.Events())

    <-ctx.Done()
    _ = feed.Leave()
    _ = feed.Stop()
}

func fatal(err error) {
    fmt.Fprintln(os.Stderr, err)
    os.Exit(1)
}
