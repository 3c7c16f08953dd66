package pull

import (
	"strconv"

	"github.com/open-mx/omx/internal/endpoint"
	"github.com/open-mx/omx/internal/region"
	"github.com/open-mx/omx/internal/status"
	"github.com/open-mx/omx/internal/wire"
)

// HandlePullRequest implements the target side of a pull: validate
// the requested (endpoint, session), acquire the source region the
// request names, and emit one PULL_REPLY per ReplyLenMax-sized chunk of
// the requested block. Any validation failure is reported back over the
// wire as a NACK_MCP rather than as a Go error — protocol rejections
// cross the wire, not the stack.
func HandlePullRequest(cfg Config, sender Sender, endpoints *endpoint.Manager, ifaceIdx, peerIdx int, req wire.PullHeader) error {
	ep, release, err := endpoints.Acquire(int(req.DstEndpoint))
	if err != nil {
		return nackRequest(sender, ifaceIdx, peerIdx, req, status.BadEndpoint)
	}
	defer release()

	if ep.SessionID != req.Session {
		return nackRequest(sender, ifaceIdx, peerIdx, req, status.BadSession)
	}

	r, ok := ep.Region(int(req.PulledRdmaID))
	if !ok {
		return nackRequest(sender, ifaceIdx, peerIdx, req, status.BadRDMAWindow)
	}

	return sendReplies(cfg, sender, ifaceIdx, peerIdx, req, r)
}

func nackRequest(sender Sender, ifaceIdx, peerIdx int, req wire.PullHeader, code status.Code) error {
	return sender.NackMcp(ifaceIdx, peerIdx, wire.NackMcpHeader{
		SrcEndpoint:   req.DstEndpoint,
		NackType:      status.NACKType(code),
		SrcPullHandle: req.SrcPullHandle,
		SrcMagic:      req.SrcMagic,
	})
}

// sendReplies walks req's requested block in ReplyLenMax-sized frames,
// each carrying the puller's handle/magic so it can be matched back
// against the in-flight Handle.
// frame_seqnum is derived directly from req.FrameIndex rather than any
// target-local counter, so the puller's offset/expected check in
// Handle.Reply lines up without the target needing to know the puller's
// base frame index.
func sendReplies(cfg Config, sender Sender, ifaceIdx, peerIdx int, req wire.PullHeader, src *region.Region) error {
	cursor := region.NewCursor(src, uint64(req.FirstFrameOffset)+uint64(req.PulledRdmaOffset))

	var sent uint32
	scratch := make([]byte, cfg.ReplyLenMax)
	for i := uint32(0); sent < req.BlockLength; i++ {
		length := cfg.ReplyLenMax
		if remaining := req.BlockLength - sent; remaining < length {
			length = remaining
		}

		payload, err := cursor.Next(int(length), scratch)
		if err != nil {
			return nackRequest(sender, ifaceIdx, peerIdx, req, status.BadRDMAWindow)
		}

		reply := wire.PullReplyHeader{
			DstPullHandle: req.SrcPullHandle,
			DstMagic:      req.SrcMagic,
			MsgOffset:     req.FirstFrameOffset + sent,
			FrameSeqnum:   uint8(req.FrameIndex + i),
			FrameLength:   uint16(length),
		}
		if err := sender.PullReply(ifaceIdx, peerIdx, reply, payload); err != nil {
			return err
		}
		metricRepliesSent.WithLabelValues(strconv.Itoa(ifaceIdx)).Inc()
		sent += length
	}
	return nil
}
