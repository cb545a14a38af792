package main

import (
	"log"

	"github.com/spf13/cobra"

	raftcli "github.com/amirimatin/go-raft/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "raftctl",
		Short:         "go-raft node and management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Attach all commands from pkg/cli for reuse in services
	raftcli.AddAll(root)
	return root
}
