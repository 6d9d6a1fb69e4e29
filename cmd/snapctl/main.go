package main

import (
    "log"

    "github.com/spf13/cobra"

    snapcli "github.com/amirimatin/go-snapshot/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "snapctl",
        Short:         "Chandy-Lamport snapshot simulator and management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    snapcli.AddAll(root)
    return root
}
