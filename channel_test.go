package evfiber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelAllocReadRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	ch, err := rt.NewChannel(4096)
	require.NoError(t, err)
	defer ch.Destroy()

	buf, err := ch.AllocPrepare(5)
	require.NoError(t, err)
	copy(buf, "hello")
	require.NoError(t, ch.AllocCommit())

	assert.Equal(t, 5, ch.Bytes())

	got, err := ch.ReadAddress(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	require.NoError(t, ch.ReadAdvance())
	assert.Equal(t, 0, ch.Bytes())
}

func TestChannelAllocAbortDiscardsWrite(t *testing.T) {
	rt := newTestRuntime(t)
	ch, err := rt.NewChannel(4096)
	require.NoError(t, err)
	defer ch.Destroy()

	_, err = ch.AllocPrepare(5)
	require.NoError(t, err)
	ch.AllocAbort()

	assert.Equal(t, 0, ch.Bytes())
	assert.Equal(t, ch.FreeBytes(), ch.vrb.Capacity())
}

func TestChannelReadDiscardLeavesBytesBuffered(t *testing.T) {
	rt := newTestRuntime(t)
	ch, err := rt.NewChannel(4096)
	require.NoError(t, err)
	defer ch.Destroy()

	buf, err := ch.AllocPrepare(3)
	require.NoError(t, err)
	copy(buf, "abc")
	require.NoError(t, ch.AllocCommit())

	_, err = ch.ReadAddress(3)
	require.NoError(t, err)
	ch.ReadDiscard()

	assert.Equal(t, 3, ch.Bytes(), "discarding a read must not advance the cursor")
}

func TestChannelOversizeAllocFails(t *testing.T) {
	rt := newTestRuntime(t)
	ch, err := rt.NewChannel(4096)
	require.NoError(t, err)
	defer ch.Destroy()

	_, err = ch.AllocPrepare(ch.vrb.Capacity() + 1)
	assert.ErrorIs(t, err, ErrInvalid)
}

// TestChannelThroughput is scenario 3 (spec.md §8): two writer fibers each
// push N fixed-size messages tagged with an 8-byte magic value; a reader
// fiber drains the channel and must observe exactly 2N messages, each
// matching one of the two magics. Every fiber cooperates after each
// message so the three genuinely interleave through the pending-run queue
// rather than each running to completion before the next starts.
func TestChannelThroughput(t *testing.T) {
	rt := newTestRuntime(t)
	ch, err := rt.NewChannel(4096)
	require.NoError(t, err)
	defer ch.Destroy()

	const n = 50
	const msgSize = 8
	magicA := uint64(0xfeedfacefeedface)
	magicB := uint64(0xdeadbeefdeadbeef)

	received := map[uint64]int{}
	readCount := 0

	runScenario(t, rt, func(f *Fiber, _ any) {
		writer := func(magic uint64) func(*Fiber, any) {
			return func(*Fiber, any) {
				for i := 0; i < n; i++ {
					buf, werr := ch.AllocPrepare(msgSize)
					if werr != nil {
						panic(werr)
					}
					putUint64(buf, magic)
					if cerr := ch.AllocCommit(); cerr != nil {
						panic(cerr)
					}
					rt.Cooperate()
				}
			}
		}

		reader, _ := rt.Create("reader", func(*Fiber, any) {
			for i := 0; i < 2*n; i++ {
				data, rerr := ch.ReadAddress(msgSize)
				if rerr != nil {
					panic(rerr)
				}
				received[getUint64(data)]++
				readCount++
				if aerr := ch.ReadAdvance(); aerr != nil {
					panic(aerr)
				}
				rt.Cooperate()
			}
		}, nil, 0)

		wa, _ := rt.Create("writerA", writer(magicA), nil, 0)
		wb, _ := rt.Create("writerB", writer(magicB), nil, 0)

		_ = rt.transfer(wa)
		_ = rt.transfer(wb)
		_ = rt.transfer(reader)

		for readCount < 2*n {
			rt.Cooperate()
		}

		rt.Break()
	})

	require.Equal(t, n, received[magicA])
	require.Equal(t, n, received[magicB])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
