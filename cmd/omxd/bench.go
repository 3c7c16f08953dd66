//go:build linux

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-mx/omx/internal/engine"
	"github.com/open-mx/omx/internal/iface"
)

// newBenchCmd is the Go equivalent of the BENCH ioctl: it opens two local endpoints on
// one attached interface and repeatedly drives internal/shared.Path.Tiny
// sends between them for --duration, reporting message rate and
// throughput. Pull/rendezvous benchmarking needs a live peer on the wire,
// so this exercises the shared fast-path's local delivery rather than
// the network path.
func newBenchCmd() *cobra.Command {
	var duration time.Duration
	var payloadSize int

	cmd := &cobra.Command{
		Use:   "bench <netdev>",
		Short: "Benchmark local tiny-send throughput through the shared fast-path",
		Args:  cobra.ExactArgs(1),
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

			ifaceIdx, _, err := core.AttachInterface(args[0])
			if err != nil {
				return fmt.Errorf("attaching %s: %w", args[0], err)
			}

			const senderEp, receiverEp = 0, 1
			if _, err := core.OpenEndpoint(ifaceIdx, senderEp, 64); err != nil {
				return fmt.Errorf("opening sender endpoint: %w", err)
			}
			dst, err := core.OpenEndpoint(ifaceIdx, receiverEp, 64)
			if err != nil {
				return fmt.Errorf("opening receiver endpoint: %w", err)
			}

			payload := make([]byte, payloadSize)
			path := core.Path()

			var sent, received uint64
			start := time.Now()
			deadline := start.Add(duration)
			for time.Now().Before(deadline) {
				if err := path.Tiny(senderEp, dst, 0, payload); err != nil {
					// Ring full: drain and retry rather than treating
					// backpressure as a benchmark failure.
					for {
						if _, ok := dst.Unexpected.Poll(); !ok {
							break
						}
						dst.Unexpected.Release()
						received++
					}
					continue
				}
				sent++
				for {
					if _, ok := dst.Unexpected.Poll(); !ok {
						break
					}
					dst.Unexpected.Release()
					received++
				}
			}

			elapsed := time.Since(start)
			bytesPerSec := float64(sent*uint64(payloadSize)) / elapsed.Seconds()
			log.Info("bench complete",
				"sent", sent,
				"received", received,
				"elapsed", elapsed,
				"msgs_per_sec", float64(sent)/elapsed.Seconds(),
				"bytes_per_sec", bytesPerSec,
			)
			fmt.Printf("sent=%d received=%d elapsed=%s msgs/sec=%.0f bytes/sec=%.0f\n",
				sent, received, elapsed, float64(sent)/elapsed.Seconds(), bytesPerSec)

			return core.Close()
		},
	}
	addParamFlags(cmd)
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to run the benchmark")
	cmd.Flags().IntVar(&payloadSize, "payload-size", 32, "payload size in bytes for each tiny send")
	return cmd
}
