package evfiber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVRBGiveTakeRoundTrip(t *testing.T) {
	v, err := NewVRB(4096, "/dev/shm/evfiber-test-XXXXXX")
	require.NoError(t, err)
	defer v.Destroy()

	assert.Equal(t, 0, v.DataLen())
	assert.Equal(t, v.Capacity(), v.SpaceLen())

	msg := []byte("hello, mirrored buffer")
	copy(v.SpacePtr(), msg)
	require.NoError(t, v.Give(len(msg)))

	assert.Equal(t, len(msg), v.DataLen())
	assert.Equal(t, msg, v.DataPtr()[:len(msg)])

	require.NoError(t, v.Take(len(msg)))
	assert.Equal(t, 0, v.DataLen())
}

// TestVRBMirrorAddressingAcrossWraparound exercises the defining property
// of the mirrored buffer (spec.md §4.8): a span that crosses the physical
// end of the backing region reads back contiguous via the second mapping,
// without any explicit wraparound handling by the caller.
func TestVRBMirrorAddressingAcrossWraparound(t *testing.T) {
	v, err := NewVRB(4096, "/dev/shm/evfiber-test-XXXXXX")
	require.NoError(t, err)
	defer v.Destroy()

	cap := v.Capacity()

	// Fill to within a few bytes of capacity, drain all of it, then write
	// a span that straddles the physical boundary.
	first := cap - 8
	copy(v.SpacePtr(), make([]byte, first))
	require.NoError(t, v.Give(first))
	require.NoError(t, v.Take(first))

	straddle := make([]byte, 16)
	for i := range straddle {
		straddle[i] = byte(i + 1)
	}
	copy(v.SpacePtr(), straddle)
	require.NoError(t, v.Give(len(straddle)))

	assert.Equal(t, straddle, v.DataPtr()[:len(straddle)])
	require.NoError(t, v.Take(len(straddle)))
	assert.Equal(t, 0, v.DataLen())
}

func TestVRBGiveBeyondSpaceFails(t *testing.T) {
	v, err := NewVRB(4096, "/dev/shm/evfiber-test-XXXXXX")
	require.NoError(t, err)
	defer v.Destroy()

	err = v.Give(v.Capacity() + 1)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVRBResizePreservesLiveData(t *testing.T) {
	v, err := NewVRB(4096, "/dev/shm/evfiber-test-XXXXXX")
	require.NoError(t, err)
	defer v.Destroy()

	msg := []byte("resize me")
	copy(v.SpacePtr(), msg)
	require.NoError(t, v.Give(len(msg)))

	require.NoError(t, v.Resize(8192))
	assert.Equal(t, len(msg), v.DataLen())
	assert.Equal(t, msg, v.DataPtr()[:len(msg)])
	assert.GreaterOrEqual(t, v.Capacity(), 8192)
}
