//go:build linux

package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/open-mx/omx/internal/engine"
	"github.com/open-mx/omx/internal/iface"
)

// newOpenEndpointCmd attaches one interface and opens one endpoint on it,
// the Go-native equivalent of the OPEN_ENDPOINT ioctl, then serves /metrics and blocks until signal so the opened
// endpoint stays live for testing against.
func newOpenEndpointCmd() *cobra.Command {
	var ringCapacity int

	cmd := &cobra.Command{
		Use:   "open-endpoint <netdev> <endpoint-index>",
		Short: "Attach an interface and open one endpoint on it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			netdev := args[0]
			epIdx, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("endpoint-index must be an integer: %w", err)
			}

			log := newLogger(rootVerbose(cmd))
			cfg, err := buildParams(cmd)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			core, err := engine.New(cfg, iface.Real{}, log)
			if err != nil {
				return fmt.Errorf("building engine core: %w", err)
			}

			ifaceIdx, _, err := core.AttachInterface(netdev)
			if err != nil {
				return fmt.Errorf("attaching %s: %w", netdev, err)
			}

			if _, err := core.OpenEndpoint(ifaceIdx, epIdx, ringCapacity); err != nil {
				return fmt.Errorf("opening endpoint %d on %s: %w", epIdx, netdev, err)
			}
			log.Info("endpoint opened", "iface", netdev, "endpoint", epIdx, "ring_capacity", ringCapacity)

			serveMetrics(rootMetricsAddr(cmd), log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = core.Run(ctx)
			closeErr := core.Close()
			if err != nil && err != context.Canceled {
				return fmt.Errorf("engine exited: %w", err)
			}
			return closeErr
		},
	}
	addParamFlags(cmd)
	cmd.Flags().IntVar(&ringCapacity, "ring-capacity", 64, "endpoint event ring capacity")
	return cmd
}
