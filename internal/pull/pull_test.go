package pull

import (
	"testing"
	"time"

	"github.com/open-mx/omx/internal/endpoint"
	"github.com/open-mx/omx/internal/event"
	"github.com/open-mx/omx/internal/region"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.ReplyLenMax = 4
	cfg.RepliesPerBlock = 4
	cfg.BlockDescsNr = 2
	cfg.RetransmitTimeoutMS = 1000
	return cfg
}

func testHandle(t *testing.T, cfg Config, totalLength uint64) (*Handle, *region.Region) {
	t.Helper()
	dstBytes := make([]byte, totalLength)
	r, err := region.New([]region.Segment{{Length: totalLength, Writable: true, Bytes: dstBytes}}, false)
	require.NoError(t, err)

	mgr := endpoint.NewManager(1)
	ep, err := mgr.Open(0, 0, 0)
	require.NoError(t, err)

	h := newHandle(cfg, packSlotID(0, firstGeneration()), ep, func() {}, r, 0, totalLength, 0, 0)
	h.IfaceIdx = 0
	h.PeerIdx = 1
	h.LocalEndpointIdx = 0
	h.RemoteEndpointIdx = 1
	h.Session = 42
	h.SrcMagic = 0xabcd
	return h, r
}

func TestPackUnpackSlotID(t *testing.T) {
	id := packSlotID(17, 0x23)
	idx, gen := unpackSlotID(id)
	require.Equal(t, 17, idx)
	require.Equal(t, uint32(0x23), gen)
}

func TestNextGenerationWraps(t *testing.T) {
	g := slotGenerationMask
	require.Equal(t, uint32(0), nextGeneration(uint32(g)))
}

func TestNewHandleBuildsInitialPipeline(t *testing.T) {
	cfg := smallConfig() // 4 bytes/reply, 4 replies/block => 16 bytes/block
	h, _ := testHandle(t, cfg, 24)

	reqs := h.InitialRequests()
	require.Len(t, reqs, 2) // two blocks fit BlockDescsNr=2, covering 16+8=24 bytes
	require.Equal(t, uint32(16), reqs[0].BlockLength)
	require.Equal(t, uint32(8), reqs[1].BlockLength)
	require.Equal(t, h.Session, reqs[0].Session)
	require.Equal(t, h.SlotID, reqs[0].SrcPullHandle)
}

func TestReplyWritesPayloadAndCompletes(t *testing.T) {
	cfg := smallConfig()
	h, r := testHandle(t, cfg, 8) // one block, two replies of 4 bytes

	toSend, completed, status, err := h.Reply(0, 0, []byte("abcd"))
	require.NoError(t, err)
	require.False(t, completed)
	require.Equal(t, StatusOK, status)
	require.Empty(t, toSend)

	toSend, completed, status, err = h.Reply(1, 4, []byte("efgh"))
	require.NoError(t, err)
	require.True(t, completed)
	require.Equal(t, StatusSuccess, status)
	require.Empty(t, toSend)

	got := make([]byte, 8)
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), got)
}

func TestReplyDropsDuplicateFrame(t *testing.T) {
	cfg := smallConfig()
	h, _ := testHandle(t, cfg, 8)

	_, _, _, err := h.Reply(0, 0, []byte("abcd"))
	require.NoError(t, err)

	toSend, completed, status, err := h.Reply(0, 0, []byte("xxxx"))
	require.NoError(t, err)
	require.False(t, completed)
	require.Equal(t, StatusOK, status)
	require.Empty(t, toSend)
}

func TestReplyDropsOutOfRangeFrame(t *testing.T) {
	cfg := smallConfig()
	h, _ := testHandle(t, cfg, 8)

	toSend, completed, _, err := h.Reply(200, 4096, []byte("abcd"))
	require.NoError(t, err)
	require.False(t, completed)
	require.Empty(t, toSend)
}

func TestProgressRequestsNextBlockOnSlide(t *testing.T) {
	cfg := smallConfig() // 16 bytes/block
	h, _ := testHandle(t, cfg, 40)

	// complete block 0 entirely (frames 0,1,2,3 covering bytes 0-15)
	for i, off := range []uint32{0, 4, 8, 12} {
		toSend, completed, _, err := h.Reply(uint8(i), off, []byte("aaaa"))
		require.NoError(t, err)
		require.False(t, completed)
		if i == 3 {
			// sliding past block 0 should request the next block beyond
			// the two already pipelined (since BlockDescsNr=2 and block 2
			// now becomes pipelined)
			require.NotEmpty(t, toSend)
		}
	}
}

func TestRetransmitTickResendsFirstBlock(t *testing.T) {
	cfg := smallConfig()
	h, _ := testHandle(t, cfg, 8)

	toSend, timedOut := h.RetransmitTick(time.Now())
	require.False(t, timedOut)
	require.NotEmpty(t, toSend)
}

func TestRetransmitTickTimesOutPastDeadline(t *testing.T) {
	cfg := smallConfig()
	h, _ := testHandle(t, cfg, 8)

	future := time.Now().Add(time.Duration(cfg.RetransmitTimeoutMS) * time.Millisecond * (deadlineRetransmitTicks + 1))
	toSend, timedOut := h.RetransmitTick(future)
	require.True(t, timedOut)
	require.Empty(t, toSend)
	require.Equal(t, StatusTimeout, h.Status())
}

func TestNackMcpCompletesOnce(t *testing.T) {
	cfg := smallConfig()
	h, _ := testHandle(t, cfg, 8)

	h.NackMcp()
	require.Equal(t, StatusNacked, h.Status())

	// an Abort after an already-terminal status is a no-op
	h.Abort()
	require.Equal(t, StatusNacked, h.Status())
}

func TestAbortForcesTerminalStatus(t *testing.T) {
	cfg := smallConfig()
	h, _ := testHandle(t, cfg, 8)

	h.Abort()
	require.Equal(t, StatusAborted, h.Status())
}

func TestPostDoneEventPublishesToEndpoint(t *testing.T) {
	cfg := smallConfig()
	h, _ := testHandle(t, cfg, 8)
	released := false
	h.endpointRelease = func() { released = true }

	h.postDoneEvent(StatusSuccess)
	require.True(t, released)

	ev, ok := h.endpoint.Expected.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypePullDone, ev.Type)
}
