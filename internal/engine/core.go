//go:build linux

// Package engine wires every other internal/ package into one running
// instance: the interface registry, peer table,
// endpoint manager, pull engine, send/recv path and raw-endpoint
// reconnection, all addressed through a single Core.
//
// New validates config and builds each subsystem; Run launches the
// background goroutines under one context; Close cancels that context and
// waits for every goroutine to exit before returning.
package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/open-mx/omx/internal/config"
	"github.com/open-mx/omx/internal/endpoint"
	"github.com/open-mx/omx/internal/event"
	"github.com/open-mx/omx/internal/iface"
	"github.com/open-mx/omx/internal/metrics"
	"github.com/open-mx/omx/internal/peer"
	"github.com/open-mx/omx/internal/pull"
	"github.com/open-mx/omx/internal/rawendpoint"
	"github.com/open-mx/omx/internal/recv"
	"github.com/open-mx/omx/internal/send"
	"github.com/open-mx/omx/internal/shared"
	"github.com/open-mx/omx/internal/status"
	"github.com/open-mx/omx/internal/wire"
)

// Core is the top-level engine: one per module load.
type Core struct {
	cfg config.Params
	log *slog.Logger

	ifaces *iface.Registry
	peers  *peer.Table
	eps    *endpoint.Manager
	pulls  *pull.Manager
	path   *shared.Path

	pullCfg pull.Config
	frames  *frameIO
	sendr   *send.Builder
	disp    *recv.Dispatcher
	query   *peer.QueryLoop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	readers map[int]context.CancelFunc // ifaceIdx -> reader goroutine's stop
	rawEps  map[int]*rawendpoint.Endpoint
}

// broadcastAdapter resolves the signature mismatch between
// peer.Broadcaster (single magic argument, no caller-visible interface
// list — peer stays independent of iface) and send.Builder's
// BroadcastHostQuery (which needs the set of attached interfaces to
// iterate). It closes over the registry so peer.QueryLoop can keep its
// narrow Broadcaster interface unchanged.
type broadcastAdapter struct {
	reg  *iface.Registry
	send *send.Builder
}

func (b *broadcastAdapter) BroadcastHostQuery(magic uint32) error {
	var idxs []int
	b.reg.Iter(func(ifc *iface.Interface) bool {
		idxs = append(idxs, ifc.Index)
		return true
	})
	return b.send.BroadcastHostQuery(idxs, magic)
}

// addrResolver adapts peer.Table to internal/send.AddrResolver.
type addrResolver struct {
	peers *peer.Table
}

func (a *addrResolver) ResolveDst(peerIdx int) (net.HardwareAddr, uint16, error) {
	p := a.peers.LookupByIndex(peerIdx)
	if p == nil {
		return nil, 0, fmt.Errorf("engine: no peer at index %d", peerIdx)
	}
	// theirIndexForUs is left 0: peer.Peer carries no per-interface
	// reverse index, only iface.Interface.PeerIndex does, and
	// AddrResolver.ResolveDst isn't given the outbound interface to key
	// that lookup on. A remote correctly falls back to its own lookup
	// when DstSrcPeerIndex is 0.
	return p.AddrBytes(), 0, nil
}

// endpointManagers adapts endpoint.Manager to internal/shared.EndpointManagers.
type endpointManagers struct {
	eps *endpoint.Manager
}

func (e *endpointManagers) Acquire(epIdx int) (*endpoint.Endpoint, func(), error) {
	return e.eps.Acquire(epIdx)
}

// Manager returns the single endpoint.Manager shared by every interface.
func (e *endpointManagers) Manager(ifaceIdx int) (*endpoint.Manager, bool) {
	return e.eps, true
}

// New constructs a Core from validated module parameters. It does not
// attach any interfaces or start any goroutines — call AttachInterface
// for each configured netdev, then Run.
func New(cfg config.Params, nl iface.Netlinker, log *slog.Logger) (*Core, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	ifaces, err := iface.NewRegistry(iface.Config{
		IfNames:           cfg.IfNames,
		MaxIfaces:         cfg.MaxIfaces,
		EndpointsPerIface: cfg.EndpointsPerIface,
		Hostname:          cfg.Hostname,
	}, nl)
	if err != nil {
		return nil, fmt.Errorf("engine: building interface registry: %w", err)
	}

	peers := peer.NewTable(cfg.MaxPeers)
	eps := endpoint.NewManager(cfg.MaxIfaces * cfg.EndpointsPerIface)
	path := shared.NewPath(peers, &endpointManagers{eps: eps})

	frames := newFrameIO(ifaces, nl)
	sendr := send.NewBuilder(frames, &addrResolver{peers: peers})

	pullCfg := pull.DefaultConfig()
	pullCfg.DMAEngine = cfg.DMAEngine
	pullCfg.DMAAsyncThreshold = cfg.DMAAsyncThreshold
	pullCfg.DMAAsyncMessageThreshold = cfg.DMAAsyncMessageThreshold
	pulls := pull.NewManager(pullCfg, cfg.MaxPeers, sendr, log)

	query := peer.NewQueryLoop(peers, &broadcastAdapter{reg: ifaces, send: sendr}, log)

	c := &Core{
		cfg:     cfg,
		log:     log,
		ifaces:  ifaces,
		peers:   peers,
		eps:     eps,
		pulls:   pulls,
		path:    path,
		pullCfg: pullCfg,
		frames:  frames,
		sendr:   sendr,
		query:   query,
		readers: make(map[int]context.CancelFunc),
		rawEps:  make(map[int]*rawendpoint.Endpoint),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.disp = recv.NewDispatcher(c.handlers(), log)
	c.disp.OnDrop = func(ifaceIdx int) {
		if ifc := ifaces.FindByIndex(ifaceIdx); ifc != nil {
			ifc.IncRxDropped()
		}
	}
	c.disp.OnBadType = func(ifaceIdx int) {
		if ifc := ifaces.FindByIndex(ifaceIdx); ifc != nil {
			ifc.IncRxBadType()
		}
	}
	return c, nil
}

// handlers wires recv.Handlers to the subsystems that own each wire
// packet type: host discovery to internal/peer, pull
// traffic to internal/pull, and TINY/SMALL/MEDIUM/RNDV/CONNECT/NACK_LIB
// delivery to the destination endpoint's event rings via the small
// acquire-or-nack helpers below. TRUC (bare piggyback ack) carries no
// payload and exists for the in-order reliable byte stream, which this
// engine doesn't implement, so it is left without a handler and the
// dispatcher discards it without counting it.
func (c *Core) handlers() recv.Handlers {
	return recv.Handlers{
		HostQuery: func(ifaceIdx int, srcMAC net.HardwareAddr, h wire.HostQueryHeader) {
			ifc := c.ifaces.FindByIndex(ifaceIdx)
			if ifc == nil {
				return
			}
			if err := c.sendr.HostReply(ifaceIdx, srcMAC, h.Magic, c.cfg.Hostname); err != nil {
				c.log.Warn("engine: host reply failed", "iface", ifaceIdx, "error", err)
			}
		},
		HostReply: func(ifaceIdx int, srcMAC net.HardwareAddr, h wire.HostReplyHeader) {
			var addr [6]byte
			copy(addr[:], srcMAC)
			c.query.HandleReply(addr, h.Hostname, h.Magic)
		},
		Tiny:  c.handleInlineMsg,
		Small: c.handleInlineMsg,
		Medium: func(ifaceIdx int, fh wire.FrameHeader, h wire.MediumHeader, payload []byte) {
			c.handleMedium(ifaceIdx, fh, h)
		},
		Rndv: func(ifaceIdx int, fh wire.FrameHeader, h wire.RndvHeader) {
			c.handleRndv(ifaceIdx, fh, h)
		},
		Connect: func(ifaceIdx int, fh wire.FrameHeader, h wire.ConnectHeader, payload []byte) {
			c.handleConnect(ifaceIdx, fh, h, payload)
		},
		Pull: func(ifaceIdx int, fh wire.FrameHeader, h wire.PullHeader) {
			peerIdx := int(fh.DstSrcPeerIndex)
			if err := pull.HandlePullRequest(c.pullCfg, c.sendr, c.eps, ifaceIdx, peerIdx, h); err != nil {
				c.log.Warn("engine: pull request handling failed", "iface", ifaceIdx, "error", err)
			}
		},
		PullReply: func(ifaceIdx int, fh wire.FrameHeader, h wire.PullReplyHeader, payload []byte) {
			c.pulls.OnPullReply(h, payload)
		},
		NackLib: func(ifaceIdx int, fh wire.FrameHeader, h wire.NackLibHeader) {
			c.handleNackLib(ifaceIdx, h)
		},
		NackMcp: func(ifaceIdx int, fh wire.FrameHeader, h wire.NackMcpHeader) {
			c.pulls.OnNackMcp(h.SrcPullHandle, h.SrcMagic)
		},
	}
}

// nackTiny replies to a rejected TINY/SMALL/CONNECT frame with a NACK_LIB
// addressed back at the frame's own sender: DstEndpoint/SrcEndpoint swap
// relative to the original request, the same convention internal/pull's
// target-side NACK_MCP reply uses.
func (c *Core) nackTiny(ifaceIdx, peerIdx int, origSrcEp, origDstEp uint8, libSeqnum uint32, code status.Code) {
	err := c.sendr.NackLib(ifaceIdx, peerIdx, wire.NackLibHeader{
		SrcEndpoint: origDstEp,
		DstEndpoint: origSrcEp,
		LibSeqnum:   libSeqnum,
		NackType:    status.NACKType(code),
	})
	if err != nil {
		c.log.Warn("engine: NACK_LIB send failed", "iface", ifaceIdx, "error", err)
	}
}

// acquireDst resolves dstEp to a live endpoint whose session matches, or
// NACKs the send back at its sender, returning ok=false either way the
// caller should stop.
func (c *Core) acquireDst(ifaceIdx, peerIdx int, srcEp, dstEp uint8, session, libSeqnum uint32) (*endpoint.Endpoint, func(), bool) {
	ep, release, ok := c.acquireDstNoSession(ifaceIdx, peerIdx, srcEp, dstEp, libSeqnum)
	if !ok {
		return nil, nil, false
	}
	if ep.SessionID != session {
		release()
		c.nackTiny(ifaceIdx, peerIdx, srcEp, dstEp, libSeqnum, status.BadSession)
		return nil, nil, false
	}
	return ep, release, true
}

// acquireDstNoSession is acquireDst without the session-id check, for
// CONNECT frames, which carry no session field of their own (the
// handshake runs before a session is necessarily agreed on both ends).
func (c *Core) acquireDstNoSession(ifaceIdx, peerIdx int, srcEp, dstEp uint8, libSeqnum uint32) (*endpoint.Endpoint, func(), bool) {
	ep, release, err := c.eps.Acquire(int(dstEp))
	if err != nil {
		code := status.BadEndpoint
		if err == endpoint.ErrEndpointClosed {
			code = status.EndpointClosed
		}
		c.nackTiny(ifaceIdx, peerIdx, srcEp, dstEp, libSeqnum, code)
		return nil, nil, false
	}
	return ep, release, true
}

// handleInlineMsg delivers a wire TINY or SMALL frame (identical header
// shape) into the destination endpoint's unexpected ring using the same
// inline event encoding internal/shared's loopback fast-path uses, so a
// poller sees the same event layout regardless of whether the sender was
// local or reached over the wire. A payload longer than
// shared.MaxInlinePayload is truncated to fit the slot — there is no
// recvq-equivalent buffer to spill the remainder into.
func (c *Core) handleInlineMsg(ifaceIdx int, fh wire.FrameHeader, h wire.MsgHeader, payload []byte) {
	peerIdx := int(fh.DstSrcPeerIndex)
	ep, release, ok := c.acquireDst(ifaceIdx, peerIdx, h.SrcEndpoint, h.DstEndpoint, h.Session, h.LibSeqnum)
	if !ok {
		return
	}
	defer release()

	if len(payload) > shared.MaxInlinePayload {
		payload = payload[:shared.MaxInlinePayload]
	}
	body, err := shared.EncodeInline(h.SrcEndpoint, h.MatchInfo, payload)
	if err != nil {
		c.log.Warn("engine: encoding inline event failed", "iface", ifaceIdx, "error", err)
		return
	}
	if err := ep.Unexpected.Push(event.TypeUnexpected, body); err != nil {
		c.nackTiny(ifaceIdx, peerIdx, h.SrcEndpoint, h.DstEndpoint, h.LibSeqnum, status.NoResources)
	}
}

// mediumFragHeaderLen is srcEndpoint(1) + matchInfo(8) + fragSeqnum(2) +
// fragLength(2) + totalLength(4).
const mediumFragHeaderLen = 1 + 8 + 2 + 2 + 4

// handleMedium posts one TypeMediumFragDone event per received fragment,
// carrying fragment metadata only: a MEDIUM message is striped across many
// frames meant to be reassembled directly into a user buffer, and this
// engine has no such buffer behind an endpoint to reassemble into. The
// per-fragment completion still lets a poller track progress and detect a
// dropped fragment via FragSeqnum gaps.
func (c *Core) handleMedium(ifaceIdx int, fh wire.FrameHeader, h wire.MediumHeader) {
	peerIdx := int(fh.DstSrcPeerIndex)
	ep, release, ok := c.acquireDst(ifaceIdx, peerIdx, h.Msg.SrcEndpoint, h.Msg.DstEndpoint, h.Msg.Session, h.Msg.LibSeqnum)
	if !ok {
		return
	}
	defer release()

	var b [mediumFragHeaderLen]byte
	b[0] = h.Msg.SrcEndpoint
	binary.BigEndian.PutUint64(b[1:9], h.Msg.MatchInfo)
	binary.BigEndian.PutUint16(b[9:11], h.FragSeqnum)
	binary.BigEndian.PutUint16(b[11:13], h.FragLength)
	binary.BigEndian.PutUint32(b[13:17], h.Msg.Length)
	if err := ep.Unexpected.Push(event.TypeMediumFragDone, b[:]); err != nil {
		c.nackTiny(ifaceIdx, peerIdx, h.Msg.SrcEndpoint, h.Msg.DstEndpoint, h.Msg.LibSeqnum, status.NoResources)
	}
}

// handleRndv acquires the destination endpoint and posts the rendezvous
// announcement with internal/shared.Path.Rendezvous, the same encoding the
// loopback fast-path uses for a same-process rendezvous — the receiver
// reacts identically either way, by opening a pull against the advertised
// region once it is ready.
func (c *Core) handleRndv(ifaceIdx int, fh wire.FrameHeader, h wire.RndvHeader) {
	peerIdx := int(fh.DstSrcPeerIndex)
	ep, release, ok := c.acquireDst(ifaceIdx, peerIdx, h.Msg.SrcEndpoint, h.Msg.DstEndpoint, h.Msg.Session, h.Msg.LibSeqnum)
	if !ok {
		return
	}
	defer release()

	if err := c.path.Rendezvous(h.Msg.SrcEndpoint, ep, h.Msg.MatchInfo, h.Msg.Length); err != nil {
		c.nackTiny(ifaceIdx, peerIdx, h.Msg.SrcEndpoint, h.Msg.DstEndpoint, h.Msg.LibSeqnum, status.NoResources)
	}
}

// connectInlineHeaderLen is srcEndpoint(1) + isReply(1) + length(2).
const connectInlineHeaderLen = 1 + 1 + 2

// handleConnect forwards the opaque CONNECT/CONNECT-reply payload into the
// destination's unexpected ring; the upper layer's own request-matching
// state machine (out of scope here) is what actually interprets it.
func (c *Core) handleConnect(ifaceIdx int, fh wire.FrameHeader, h wire.ConnectHeader, payload []byte) {
	peerIdx := int(fh.DstSrcPeerIndex)
	ep, release, ok := c.acquireDstNoSession(ifaceIdx, peerIdx, h.SrcEndpoint, h.DstEndpoint, h.LibSeqnum)
	if !ok {
		return
	}
	defer release()

	maxPayload := event.SlotSize - 1 - connectInlineHeaderLen
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}
	b := make([]byte, connectInlineHeaderLen+len(payload))
	b[0] = h.SrcEndpoint
	if h.IsReply {
		b[1] = 1
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(payload)))
	copy(b[4:], payload)

	typ := event.TypeConnectRequest
	if h.IsReply {
		typ = event.TypeConnectReply
	}
	if err := ep.Unexpected.Push(typ, b); err != nil {
		c.nackTiny(ifaceIdx, peerIdx, h.SrcEndpoint, h.DstEndpoint, h.LibSeqnum, status.NoResources)
	}
}

// sendCompleteLen is libSeqnum(4) + nackType(1).
const sendCompleteLen = 4 + 1

// handleNackLib delivers a remote rejection of one of our own sends back
// to the originating endpoint as a TypeSendComplete event: h.DstEndpoint
// names the local endpoint (the NACK's direction is the reverse of the
// original send, since nackTiny swaps SrcEndpoint/DstEndpoint when
// composing it), so the sender's poller can match LibSeqnum against
// its outstanding send and report the peer's status code.
func (c *Core) handleNackLib(ifaceIdx int, h wire.NackLibHeader) {
	ep, release, err := c.eps.Acquire(int(h.DstEndpoint))
	if err != nil {
		return
	}
	defer release()

	var b [sendCompleteLen]byte
	binary.BigEndian.PutUint32(b[0:4], h.LibSeqnum)
	b[4] = h.NackType
	if err := ep.Expected.Push(event.TypeSendComplete, b[:]); err != nil {
		c.log.Warn("engine: posting send-complete event failed", "iface", ifaceIdx, "error", err)
	}
}

// AttachInterface attaches netdev, opens its raw socket and starts its
// receive loop. It does not announce the interface to the peer table;
// existing peers are not revalidated.
func (c *Core) AttachInterface(netdev string) (int, []string, error) {
	idx, warnings, err := c.ifaces.Attach(netdev)
	if err != nil {
		return 0, nil, err
	}
	if err := c.frames.openSocket(idx, netdev); err != nil {
		_ = c.ifaces.Detach(idx, true)
		return 0, nil, err
	}

	ifc := c.ifaces.FindByIndex(idx)
	readerCtx, stop := context.WithCancel(c.ctx)
	src := &frameSource{ifaceIdx: idx, fd: c.frames.fds[idx], ifc: ifc}
	reader := recv.NewReader(idx, src, c.disp, c.log)

	c.mu.Lock()
	c.readers[idx] = stop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := reader.Run(readerCtx); err != nil && readerCtx.Err() == nil {
			c.log.Error("engine: receive loop exited", "iface", idx, "error", err)
		}
	}()

	return idx, warnings, nil
}

// DetachInterface stops netdev's receive loop and removes it from the
// registry. force is passed through to Registry.Detach, which behaves the
// same for both values: bound endpoints are closed either way.
func (c *Core) DetachInterface(idx int, force bool) error {
	c.mu.Lock()
	stop, ok := c.readers[idx]
	delete(c.readers, idx)
	raw := c.rawEps[idx]
	delete(c.rawEps, idx)
	c.mu.Unlock()

	if raw != nil {
		raw.Close()
	}
	if err := c.ifaces.Detach(idx, force); err != nil {
		return err
	}
	if ok {
		stop()
	}
	c.frames.closeSocket(idx)
	return nil
}

// OpenEndpoint opens endpoint epIdx on interface ifaceIdx.
func (c *Core) OpenEndpoint(ifaceIdx, epIdx, ringCapacity int) (*endpoint.Endpoint, error) {
	ep, err := c.eps.Open(ifaceIdx, epIdx, ringCapacity)
	if err != nil {
		return nil, err
	}
	ifc := c.ifaces.FindByIndex(ifaceIdx)
	if ifc == nil {
		return nil, fmt.Errorf("engine: no such interface %d", ifaceIdx)
	}
	if err := ifc.BindEndpoint(epIdx, ep); err != nil {
		_ = c.eps.Close(epIdx)
		return nil, err
	}
	return ep, nil
}

// OpenRawEndpoint opens the exclusive out-of-band raw channel for ifaceIdx
//: one process gets send/poll/get_event access to frames
// of etherType on this interface, independent of the core's own
// HOST_QUERY/HOST_REPLY dispatch. Used by a discovery daemon wanting its
// own framing rather than the module's built-in peer table.
func (c *Core) OpenRawEndpoint(ifaceIdx int, etherType uint16, queueDepth int) (*rawendpoint.Endpoint, error) {
	ifc := c.ifaces.FindByIndex(ifaceIdx)
	if ifc == nil {
		return nil, fmt.Errorf("engine: no such interface %d", ifaceIdx)
	}

	nl := c.frames.nl
	conn, err := rawendpoint.OpenConn(nl, ifc.Netdev, etherType)
	if err != nil {
		return nil, err
	}
	reconnect := func() (rawendpoint.Conn, error) {
		return rawendpoint.OpenConn(nl, ifc.Netdev, etherType)
	}
	ep, err := rawendpoint.Open(ifc, conn, reconnect, queueDepth, c.log)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.rawEps[ifaceIdx] = ep
	c.mu.Unlock()
	return ep, nil
}

// Pull starts a pull against a remote region: the Go equivalent of the
// PULL ioctl. It is a thin wrapper over Pulls().OpenRequest — it lives on
// Core rather than Endpoint because the pull engine (internal/pull) already
// imports internal/endpoint for Handle's endpoint reference, so the reverse
// import endpoint would need to call pull back through would be a cycle.
func (c *Core) Pull(localEp *endpoint.Endpoint, localEpRelease func(), req pull.Request) (*pull.Handle, error) {
	return c.pulls.OpenRequest(localEp, localEpRelease, req)
}

// Path exposes the shared send path (local delivery / pull-copy /
// rendezvous) for callers driving tiny/medium/rendezvous transfers.
func (c *Core) Path() *shared.Path { return c.path }

// Pulls exposes the pull engine for callers opening a pull handle.
func (c *Core) Pulls() *pull.Manager { return c.pulls }

// Peers exposes the peer table for lookups.
func (c *Core) Peers() *peer.Table { return c.peers }

// Interfaces exposes the interface registry.
func (c *Core) Interfaces() *iface.Registry { return c.ifaces }

// Run starts every background loop (peer host-query broadcast, pull
// retransmit scheduler, metrics snapshot) and blocks until ctx is
// canceled or Close is called: one context governs every goroutine, and
// Close cancels and waits for all of them. New already established
// c.ctx/c.cancel (so AttachInterface can start a receive loop before Run
// is ever called); Run just links the caller's ctx into that same
// cancellation so either one tears everything down.
func (c *Core) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.cancel()
		case <-c.ctx.Done():
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.query.Run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.pulls.Run(c.ctx); err != nil && c.ctx.Err() == nil {
			c.log.Error("engine: pull manager exited", "error", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		metrics.Run(c.ctx, c.ifaces)
	}()

	<-c.ctx.Done()
	c.wg.Wait()
	return c.ctx.Err()
}

// Close stops every background loop and every attached interface's
// receive loop and raw socket, then waits for them to exit. Close is
// symmetric with New/AttachInterface: every resource opened during
// attach is torn down here, not left to process exit.
func (c *Core) Close() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	idxs := make([]int, 0, len(c.readers))
	for idx := range c.readers {
		idxs = append(idxs, idx)
	}
	c.mu.Unlock()

	for _, idx := range idxs {
		_ = c.DetachInterface(idx, true)
	}

	c.wg.Wait()
	return nil
}
