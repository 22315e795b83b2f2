package receivepath_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/rdmaring/internal/receivepath"
	"github.com/yanet-platform/rdmaring/internal/ring"
)

func newRing(t *testing.T, size uint64) *ring.RingBuffer {
	t.Helper()
	rb, err := ring.New(size)
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })
	return rb
}

// writeMessage places a complete frame directly into the ring, as a peer's
// RDMA write would, for driving ReceivePath without a real SendPath.
func writeMessage(rb *ring.RingBuffer, pos uint64, payload []byte) {
	buf := rb.Bytes()
	off := rb.Offset(pos)
	length := uint32(len(payload))
	ring.PutHeader(buf, off, length)
	copy(buf[off+ring.HeaderSize:off+ring.HeaderSize+uint64(length)], payload)
	ring.PutFooter(buf, off, length)
}

func TestReceiveReturnsExactPayload(t *testing.T) {
	rb := newRing(t, 4096)
	writeMessage(rb, 0, []byte("hello"))

	rp, err := receivepath.New(rb, make([]byte, 8), 0, receivepath.SpinPolicy{})
	require.NoError(t, err)

	dst := make([]byte, 16)
	n, err := rp.Receive(dst)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("hello"), dst[:n])
}

func TestReceiveZeroesConsumedBytes(t *testing.T) {
	rb := newRing(t, 4096)
	writeMessage(rb, 0, []byte("hello"))

	rp, err := receivepath.New(rb, make([]byte, 8), 0, receivepath.SpinPolicy{})
	require.NoError(t, err)

	_, err = rp.Receive(make([]byte, 16))
	require.NoError(t, err)

	buf := rb.Bytes()
	for i := 0; i < ring.HeaderSize+5+ring.FooterSize; i++ {
		require.Equalf(t, byte(0), buf[i], "byte %d not zeroed", i)
	}
}

func TestReceiveBufferTooSmallLeavesMessageUnread(t *testing.T) {
	rb := newRing(t, 4096)
	writeMessage(rb, 0, []byte("0123456789"))

	rp, err := receivepath.New(rb, make([]byte, 8), 0, receivepath.SpinPolicy{})
	require.NoError(t, err)

	_, err = rp.Receive(make([]byte, 4))
	require.ErrorContains(t, err, "buffer")

	n, err := rp.Receive(make([]byte, 16))
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestHasDataFalseWhenNothingLanded(t *testing.T) {
	rb := newRing(t, 4096)
	rp, err := receivepath.New(rb, make([]byte, 8), 0, receivepath.SpinPolicy{})
	require.NoError(t, err)

	ok, err := rp.HasData()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWrapPaddingIsSkippedTransparently(t *testing.T) {
	// N=64, 13-byte payloads (25 bytes of counter space each): two
	// messages fit back to back at offsets 0 and 25, leaving 14 bytes of
	// tailroom at offset 50 — too little for a third 25-byte message, so
	// it wraps to offset 0, matching spec P6's wrap-and-padding scenario.
	rb := newRing(t, 64)
	rp, err := receivepath.New(rb, make([]byte, 8), 0, receivepath.SpinPolicy{})
	require.NoError(t, err)

	dst := make([]byte, 13)

	writeMessage(rb, 0, bytesOf(0xAA, 13))
	n, err := rp.Receive(dst)
	require.NoError(t, err)
	require.Equal(t, bytesOf(0xAA, 13), dst[:n])

	writeMessage(rb, 25, bytesOf(0xBB, 13))
	n, err = rp.Receive(dst)
	require.NoError(t, err)
	require.Equal(t, bytesOf(0xBB, 13), dst[:n])

	// Sender marks the 14-byte tail as padding, then wraps.
	ring.PutPaddingMarker(rb.Bytes(), 50)
	writeMessage(rb, 64, bytesOf(0xCC, 13))

	n, err = rp.Receive(dst)
	require.NoError(t, err)
	require.Equal(t, bytesOf(0xCC, 13), dst[:n])
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
