package endpoint_test

import (
	"testing"

	"github.com/open-mx/omx/internal/endpoint"
	"github.com/open-mx/omx/internal/region"
	"github.com/stretchr/testify/require"
)

func TestOpenTransitionsToOK(t *testing.T) {
	m := endpoint.NewManager(4)
	ep, err := m.Open(0, 1, 8)
	require.NoError(t, err)
	require.Equal(t, endpoint.StatusOK, ep.Status())
	require.NotZero(t, ep.SessionID)
}

func TestOpenRejectsOutOfRangeAndDuplicate(t *testing.T) {
	m := endpoint.NewManager(2)
	_, err := m.Open(0, 5, 8)
	require.ErrorIs(t, err, endpoint.ErrOutOfRange)

	_, err = m.Open(0, 0, 8)
	require.NoError(t, err)
	_, err = m.Open(0, 0, 8)
	require.ErrorIs(t, err, endpoint.ErrAlreadyOpen)
}

func TestAcquireFailsOnEmptySlot(t *testing.T) {
	m := endpoint.NewManager(4)
	_, _, err := m.Acquire(0)
	require.ErrorIs(t, err, endpoint.ErrBadEndpoint)
}

func TestAcquireFailsAfterClose(t *testing.T) {
	m := endpoint.NewManager(4)
	_, err := m.Open(0, 0, 8)
	require.NoError(t, err)

	require.NoError(t, m.Close(0))
	_, _, err = m.Acquire(0)
	require.ErrorIs(t, err, endpoint.ErrBadEndpoint)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := endpoint.NewManager(4)
	_, err := m.Open(0, 2, 8)
	require.NoError(t, err)

	got, release, err := m.Acquire(2)
	require.NoError(t, err)
	require.Equal(t, 2, got.Index)
	release()
}

func TestMarkIfaceRemoved(t *testing.T) {
	m := endpoint.NewManager(4)
	ep, err := m.Open(0, 0, 8)
	require.NoError(t, err)
	require.False(t, ep.IfaceRemoved())
	ep.MarkIfaceRemoved()
	require.True(t, ep.IfaceRemoved())
}

func TestRegionLifecycle(t *testing.T) {
	m := endpoint.NewManager(4)
	ep, err := m.Open(0, 0, 8)
	require.NoError(t, err)

	r, err := region.New([]region.Segment{{Length: 16, Writable: true, Bytes: make([]byte, 16)}}, false)
	require.NoError(t, err)

	id := ep.CreateRegion(r)
	got, ok := ep.Region(id)
	require.True(t, ok)
	require.Same(t, r, got)

	require.NoError(t, ep.DestroyRegion(id))
	_, ok = ep.Region(id)
	require.False(t, ok)
}
