package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"

    groupcli "github.com/amirimatin/go-group/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, err)
        os.Exit(1)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "groupctl",
        Short:         "go-group node and management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    // Attach all group commands from pkg/cli for reuse in services
    groupcli.AddAll(root)
    return root
}
