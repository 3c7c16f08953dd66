//go:build linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/open-mx/omx/internal/engine"
	"github.com/open-mx/omx/internal/iface"
)

// newDetachCmd exercises Core.AttachInterface/DetachInterface as a
// one-shot connectivity check: attach, confirm success, detach, exit.
// There is no long-running daemon process to target for a bare "detach"
// verb in this CLI's single-process-per-invocation design, so this is
// the detach-side smoke test rather than a live control command against
// another process.
func newDetachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detach <netdev> [netdev...]",
		Short: "Attach then immediately detach interfaces, as a connectivity check",
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
				idx, _, err := core.AttachInterface(netdev)
				if err != nil {
					return fmt.Errorf("attaching %s: %w", netdev, err)
				}
				if err := core.DetachInterface(idx, false); err != nil {
					return fmt.Errorf("detaching %s: %w", netdev, err)
				}
				log.Info("interface attached and detached cleanly", "iface", netdev)
			}
			return nil
		},
	}
	addParamFlags(cmd)
	return cmd
}
