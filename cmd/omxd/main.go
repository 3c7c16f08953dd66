//go:build linux

// Command omxd is the Open-MX transport engine daemon and test CLI.
// Each subcommand builds an internal/engine.Core from a shared set of
// module-parameter flags, attaches the netdevs named on the command line,
// and either serves as a long-running daemon or runs a single bounded
// operation before exiting — there is no separate control-plane process;
// every subcommand owns its own Core for the lifetime of the invocation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// set by LDFLAGS
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "omxd",
		Short: "Open-MX transport engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	root.PersistentFlags().String("metrics-addr", "", "address to serve /metrics on (empty disables)")
	root.PersistentFlags().String("hostname", "", "hostname advertised in HOST_REPLY frames (defaults to os.Hostname())")

	root.AddCommand(
		newAttachCmd(),
		newDetachCmd(),
		newOpenEndpointCmd(),
		newPeersCmd(),
		newBenchCmd(),
		newPullCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
			return nil
		},
	}
}
