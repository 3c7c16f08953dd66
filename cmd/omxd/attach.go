//go:build linux

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/open-mx/omx/internal/engine"
	"github.com/open-mx/omx/internal/iface"
)

// newAttachCmd builds the daemon entry point: "omxd attach eth0
// --endpoints 32 --demandpin". It attaches every netdev named on the
// command line, serves /metrics if configured, and blocks until
// SIGINT/SIGTERM.
func newAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <netdev> [netdev...]",
		Short: "Attach interfaces and run as the transport engine daemon",
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
				idx, warnings, err := core.AttachInterface(netdev)
				if err != nil {
					return fmt.Errorf("attaching %s: %w", netdev, err)
				}
				for _, w := range warnings {
					log.Warn("attach warning", "iface", netdev, "warning", w)
				}
				log.Info("attached interface", "iface", netdev, "index", idx)
			}

			serveMetrics(rootMetricsAddr(cmd), log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("engine running", "interfaces", len(args))
			err = core.Run(ctx)
			closeErr := core.Close()
			if err != nil && err != context.Canceled {
				return fmt.Errorf("engine exited: %w", err)
			}
			return closeErr
		},
	}
	addParamFlags(cmd)
	return cmd
}
