package pull

import (
	"sync"
	"testing"

	"github.com/open-mx/omx/internal/endpoint"
	"github.com/open-mx/omx/internal/region"
	"github.com/open-mx/omx/internal/wire"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu        sync.Mutex
	pulls     []wire.PullHeader
	replies   []wire.PullReplyHeader
	nacks     []wire.NackMcpHeader
	pullErr   error
	replyErr  error
}

func (f *fakeSender) Pull(ifaceIdx, peerIdx int, h wire.PullHeader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, h)
	return f.pullErr
}

func (f *fakeSender) PullReply(ifaceIdx, peerIdx int, h wire.PullReplyHeader, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, h)
	return f.replyErr
}

func (f *fakeSender) NackMcp(ifaceIdx, peerIdx int, h wire.NackMcpHeader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, h)
	return nil
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeSender) {
	t.Helper()
	fs := &fakeSender{}
	return NewManager(cfg, 4, fs, nil), fs
}

func openTestPull(t *testing.T, m *Manager, cfg Config, totalLength uint64) (*Handle, *endpoint.Manager) {
	t.Helper()
	dstBytes := make([]byte, totalLength)
	r, err := region.New([]region.Segment{{Length: totalLength, Writable: true, Bytes: dstBytes}}, false)
	require.NoError(t, err)

	epMgr := endpoint.NewManager(1)
	ep, err := epMgr.Open(0, 0, 0)
	require.NoError(t, err)

	h, err := m.Open(0, 1, ep, func() {}, 1, ep.SessionID, 0xcafe, r, 0, totalLength, 0, 0)
	require.NoError(t, err)
	return h, epMgr
}

func TestManagerOpenSendsInitialRequests(t *testing.T) {
	cfg := smallConfig()
	m, fs := newTestManager(t, cfg)

	h, _ := openTestPull(t, m, cfg, 8)
	require.Equal(t, 1, m.InFlight())
	require.NotEmpty(t, fs.pulls)
	require.Equal(t, h.SlotID, fs.pulls[0].SrcPullHandle)
}

func TestManagerOnPullReplyCompletesAndFreesSlot(t *testing.T) {
	cfg := smallConfig()
	m, _ := newTestManager(t, cfg)
	h, _ := openTestPull(t, m, cfg, 8)

	m.OnPullReply(wire.PullReplyHeader{
		DstPullHandle: h.SlotID,
		DstMagic:      h.SrcMagic,
		MsgOffset:     0,
		FrameSeqnum:   0,
		FrameLength:   4,
	}, []byte("abcd"))
	require.Equal(t, 1, m.InFlight())

	m.OnPullReply(wire.PullReplyHeader{
		DstPullHandle: h.SlotID,
		DstMagic:      h.SrcMagic,
		MsgOffset:     4,
		FrameSeqnum:   1,
		FrameLength:   4,
	}, []byte("efgh"))

	require.Equal(t, 0, m.InFlight())
	require.Equal(t, StatusSuccess, h.Status())
}

func TestManagerOnPullReplyIgnoresBadMagic(t *testing.T) {
	cfg := smallConfig()
	m, _ := newTestManager(t, cfg)
	h, _ := openTestPull(t, m, cfg, 8)

	m.OnPullReply(wire.PullReplyHeader{
		DstPullHandle: h.SlotID,
		DstMagic:      h.SrcMagic + 1,
		MsgOffset:     0,
		FrameSeqnum:   0,
		FrameLength:   4,
	}, []byte("abcd"))

	require.Equal(t, StatusOK, h.Status())
}

func TestManagerOnPullReplyIgnoresUnknownSlot(t *testing.T) {
	cfg := smallConfig()
	m, _ := newTestManager(t, cfg)

	// no handle open at all; must not panic
	m.OnPullReply(wire.PullReplyHeader{DstPullHandle: packSlotID(2, firstGeneration())}, []byte("abcd"))
}

func TestManagerOnNackMcpCompletesHandle(t *testing.T) {
	cfg := smallConfig()
	m, _ := newTestManager(t, cfg)
	h, _ := openTestPull(t, m, cfg, 8)

	m.OnNackMcp(h.SlotID, h.SrcMagic)
	require.Equal(t, 0, m.InFlight())
	require.Equal(t, StatusNacked, h.Status())
}

func TestManagerAbortEndpointCompletesOwnedHandles(t *testing.T) {
	cfg := smallConfig()
	m, _ := newTestManager(t, cfg)
	h, epMgr := openTestPull(t, m, cfg, 8)

	ep, release, err := epMgr.Acquire(0)
	require.NoError(t, err)
	defer release()

	m.AbortEndpoint(ep)
	require.Equal(t, StatusAborted, h.Status())
	require.Equal(t, 0, m.InFlight())
}

func TestManagerOpenRequestMatchesOpen(t *testing.T) {
	cfg := smallConfig()
	m, fs := newTestManager(t, cfg)

	dstBytes := make([]byte, 8)
	r, err := region.New([]region.Segment{{Length: 8, Writable: true, Bytes: dstBytes}}, false)
	require.NoError(t, err)

	epMgr := endpoint.NewManager(1)
	ep, err := epMgr.Open(0, 0, 0)
	require.NoError(t, err)

	h, err := m.OpenRequest(ep, func() {}, Request{
		IfaceIdx:          0,
		PeerIdx:           1,
		RemoteEndpointIdx: 1,
		Session:           ep.SessionID,
		SrcMagic:          0xcafe,
		Region:            r,
		TotalLength:       8,
		RemoteRegionID:    3,
	})
	require.NoError(t, err)
	require.Equal(t, 1, m.InFlight())
	require.NotEmpty(t, fs.pulls)
	require.Equal(t, uint32(3), fs.pulls[0].PulledRdmaID)
}

func TestManagerSlotReuseBumpsGeneration(t *testing.T) {
	cfg := smallConfig()
	m, _ := newTestManager(t, cfg)
	h1, _ := openTestPull(t, m, cfg, 8)

	m.OnNackMcp(h1.SlotID, h1.SrcMagic)
	require.Equal(t, 0, m.InFlight())

	h2, _ := openTestPull(t, m, cfg, 8)
	idx1, gen1 := unpackSlotID(h1.SlotID)
	idx2, gen2 := unpackSlotID(h2.SlotID)
	require.Equal(t, idx1, idx2)
	require.NotEqual(t, gen1, gen2)
}
