package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(100)
	require.Error(t, err)

	_, err = New(8)
	require.Error(t, err, "8 bytes cannot hold FrameOverhead+1")

	rb, err := New(64)
	require.NoError(t, err)
	defer rb.Close()
	require.Equal(t, uint64(64), rb.Size())
	require.Equal(t, uint64(63), rb.Mask())
}

func TestOffsetAndTailRoom(t *testing.T) {
	rb, err := New(64)
	require.NoError(t, err)
	defer rb.Close()

	require.Equal(t, uint64(0), rb.Offset(0))
	require.Equal(t, uint64(0), rb.Offset(64))
	require.Equal(t, uint64(20), rb.Offset(84))
	require.Equal(t, uint64(64), rb.TailRoom(0))
	require.Equal(t, uint64(44), rb.TailRoom(20))
}

func TestFrameRoundTrip(t *testing.T) {
	rb, err := New(4096)
	require.NoError(t, err)
	defer rb.Close()

	buf := rb.Bytes()
	payload := []byte("hello")

	PutHeader(buf, 0, uint32(len(payload)))
	copy(buf[HeaderSize:HeaderSize+len(payload)], payload)
	PutFooter(buf, 0, uint32(len(payload)))

	require.Equal(t, uint32(len(payload)), ReadHeader(buf, 0))
	footer := ReadFooter(buf, 0, uint32(len(payload)))
	require.Equal(t, ExpectedFooter(uint32(len(payload))), footer)
	require.NotZero(t, footer, "footer must be non-zero for any well-formed non-empty message")

	ZeroFrame(buf, 0, uint32(len(payload)))
	n := HeaderSize + len(payload) + FooterSize
	for i := 0; i < n; i++ {
		require.Zerof(t, buf[i], "byte %d not zeroed after ZeroFrame", i)
	}
}

func TestExpectedFooterNeverZeroForNonEmptyMessage(t *testing.T) {
	for length := uint32(1); length < 1<<20; length *= 7 {
		require.NotZero(t, ExpectedFooter(length))
	}
}

func TestPaddingMarkerIsReadBackByReadHeader(t *testing.T) {
	rb, err := New(64)
	require.NoError(t, err)
	defer rb.Close()

	buf := rb.Bytes()
	PutPaddingMarker(buf, 40)
	require.Equal(t, PaddingMarker, ReadHeader(buf, 40))
}
