// Command axon is the gateway's entry point: a small cobra CLI wrapping
// the serve and validate subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "axon",
		Short:         "axon is a config-driven HTTP reverse proxy and API gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version information and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("axon version=%s commit=%s buildTime=%s\n", version, commit, buildTime)
		},
	})

	return root
}
