//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-mx/omx/internal/engine"
	"github.com/open-mx/omx/internal/iface"
)

// newPeersCmd attaches interfaces, lets the host-query broadcast loop run
// for --duration so peers on the segment have a chance to reply, then
// dumps the peer table (the PEER_ADD/PEER_FROM_* ioctl family's Go
// equivalent has no "list all" verb of its own, see peer.Table.Snapshot).
func newPeersCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "peers <netdev> [netdev...]",
		Short: "Attach interfaces, wait for host-query replies, and dump the peer table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(rootVerbose(cmd))
			cfg, err := buildParams(cmd)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			core, err := engine.New(cfg, iface.Real{}, log)
			if err != nil {
				return fmt.Errorf("building engine core: %w", err)
			}

			for _, netdev := range args {
				if _, _, err := core.AttachInterface(netdev); err != nil {
					return fmt.Errorf("attaching %s: %w", netdev, err)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), duration)
			defer cancel()
			if err := core.Run(ctx); err != nil && err != context.Canceled {
				_ = core.Close()
				return fmt.Errorf("engine exited: %w", err)
			}
			if err := core.Close(); err != nil {
				return err
			}

			return printPeers(core)
		},
	}
	addParamFlags(cmd)
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to wait for host-query replies before dumping")
	return cmd
}

func printPeers(core *engine.Core) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tADDR\tHOSTNAME\tLOCAL")
	for _, p := range core.Peers().Snapshot() {
		local := "no"
		if p.LocalIface != nil {
			local = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.Index, p.AddrBytes(), p.Hostname, local)
	}
	return w.Flush()
}
