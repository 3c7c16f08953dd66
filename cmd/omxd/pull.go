//go:build linux

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-mx/omx/internal/engine"
	"github.com/open-mx/omx/internal/iface"
	"github.com/open-mx/omx/internal/peer"
	"github.com/open-mx/omx/internal/pull"
	"github.com/open-mx/omx/internal/region"
)

// newPullCmd opens a local endpoint and pulls totalLength bytes from a
// named peer's remote region into a freshly allocated local buffer, the
// Go-native equivalent of the PULL ioctl driven from userspace. It waits
// for the host-query broadcast loop to resolve the peer's hostname to a
// peer index before starting the pull, the same way newPeersCmd waits
// for replies.
func newPullCmd() *cobra.Command {
	var (
		localEp        int
		remoteEp       int
		remoteRegionID uint32
		remoteOffset   uint32
		totalLength    uint64
		waitForPeer    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pull <netdev> <peer-hostname>",
		Short: "Pull a remote region's bytes from a peer into a local buffer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			netdev, peerHostname := args[0], args[1]
			if totalLength == 0 {
				return fmt.Errorf("--length must be greater than zero")
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

			ep, err := core.OpenEndpoint(ifaceIdx, localEp, 64)
			if err != nil {
				return fmt.Errorf("opening endpoint %d on %s: %w", localEp, netdev, err)
			}

			// core.Run already drives the pull retransmit scheduler
			// alongside the host-query broadcast loop; no separate
			// goroutine is needed for it here.
			runCtx, runCancel := context.WithCancel(context.Background())
			defer runCancel()
			runDone := make(chan error, 1)
			go func() { runDone <- core.Run(runCtx) }()

			waitCtx, waitCancel := context.WithTimeout(context.Background(), waitForPeer)
			defer waitCancel()
			p, err := waitForPeerByHostname(waitCtx, core, peerHostname)
			if err != nil {
				runCancel()
				<-runDone
				_ = core.Close()
				return err
			}

			buf := make([]byte, totalLength)
			r, err := region.New([]region.Segment{{Length: totalLength, Writable: true, Bytes: buf}}, false)
			if err != nil {
				runCancel()
				<-runDone
				_ = core.Close()
				return fmt.Errorf("pinning destination region: %w", err)
			}

			h, err := core.Pull(ep, func() {}, pull.Request{
				IfaceIdx:          ifaceIdx,
				PeerIdx:           p.Index,
				RemoteEndpointIdx: uint8(remoteEp),
				Session:           ep.SessionID,
				SrcMagic:          uint32(time.Now().UnixNano()),
				Region:            r,
				TotalLength:       totalLength,
				RemoteOffset:      remoteOffset,
				RemoteRegionID:    remoteRegionID,
			})
			if err != nil {
				runCancel()
				<-runDone
				_ = core.Close()
				return fmt.Errorf("starting pull: %w", err)
			}

			for h.Status() == pull.StatusOK {
				time.Sleep(time.Millisecond)
			}
			status := h.Status()
			log.Info("pull complete", "status", status.String(), "bytes", totalLength)
			fmt.Printf("status=%s bytes=%d\n", status, totalLength)

			runCancel()
			<-runDone
			return core.Close()
		},
	}
	addParamFlags(cmd)
	cmd.Flags().IntVar(&localEp, "local-endpoint", 0, "local endpoint index to pull into")
	cmd.Flags().IntVar(&remoteEp, "remote-endpoint", 0, "remote endpoint index that owns the source region")
	cmd.Flags().Uint32Var(&remoteRegionID, "remote-region", 0, "region index on the remote endpoint to pull from")
	cmd.Flags().Uint32Var(&remoteOffset, "remote-offset", 0, "starting byte offset within the remote region")
	cmd.Flags().Uint64Var(&totalLength, "length", 0, "number of bytes to pull")
	cmd.Flags().DurationVar(&waitForPeer, "wait-for-peer", 5*time.Second, "how long to wait for the peer's host-query reply")
	return cmd
}

func waitForPeerByHostname(ctx context.Context, core *engine.Core, hostname string) (*peer.Peer, error) {
	for {
		if p := core.Peers().LookupByHostname(hostname); p != nil {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("peer %q not seen within wait-for-peer: %w", hostname, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}
