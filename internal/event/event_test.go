package event_test

import (
	"testing"

	"github.com/open-mx/omx/internal/event"
	"github.com/stretchr/testify/require"
)

func TestPushPollReleaseRoundTrip(t *testing.T) {
	r := event.NewRing(4)
	require.NoError(t, r.Push(event.TypeRecvComplete, []byte("hello")))

	ev, ok := r.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypeRecvComplete, ev.Type)
	require.Equal(t, byte('h'), ev.Payload[0])

	r.Release()
	_, ok = r.Poll()
	require.False(t, ok)
}

func TestPushFailsWhenFull(t *testing.T) {
	r := event.NewRing(2)
	require.NoError(t, r.Push(event.TypeRecvComplete, nil))
	err := r.Push(event.TypeRecvComplete, nil)
	require.ErrorIs(t, err, event.ErrFull)
}

func TestFIFOOrdering(t *testing.T) {
	r := event.NewRing(4)
	require.NoError(t, r.Push(event.TypeSendComplete, []byte{1}))
	require.NoError(t, r.Push(event.TypePullDone, []byte{2}))

	ev, ok := r.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypeSendComplete, ev.Type)
	r.Release()

	ev, ok = r.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypePullDone, ev.Type)
}

func TestPrepareCommitPublishesOnCommit(t *testing.T) {
	r := event.NewRing(4)
	res, err := r.PrepareUnexpected()
	require.NoError(t, err)

	_, ok := r.Poll()
	require.False(t, ok, "reserved slot must not be visible before Commit")

	res.Commit(event.TypeUnexpected, []byte("payload"))
	ev, ok := r.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypeUnexpected, ev.Type)
}

func TestPrepareCancelRollsBack(t *testing.T) {
	r := event.NewRing(2)
	res, err := r.PrepareUnexpected()
	require.NoError(t, err)
	res.Cancel()

	// The slot should be free again: a Push should now succeed.
	require.NoError(t, r.Push(event.TypeRecvComplete, nil))
}
