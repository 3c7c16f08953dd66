package refcount_test

import (
	"testing"

	"github.com/open-mx/omx/internal/refcount"
	"github.com/stretchr/testify/require"
)

func TestRefReleaseRunsOnceAtZero(t *testing.T) {
	var released int
	r := refcount.New(42, func(int) { released++ }, nil)

	require.True(t, r.Acquire())
	r.Release() // back to 1
	require.Equal(t, 0, released)

	r.Release() // back to 0, release fires
	require.Equal(t, 1, released)
}

func TestAcquireFailsAfterLastRelease(t *testing.T) {
	r := refcount.New("v", func(string) {}, nil)
	r.Release()
	require.False(t, r.Acquire())
}

func TestReleaseDeferredToDrainChannel(t *testing.T) {
	drain := make(chan func(), 1)
	released := make(chan struct{}, 1)
	r := refcount.New(7, func(int) { released <- struct{}{} }, drain)

	r.Release()

	select {
	case fn := <-drain:
		fn()
	default:
		t.Fatal("expected a thunk on the drain channel")
	}

	select {
	case <-released:
	default:
		t.Fatal("release callback did not run after drain")
	}
}
