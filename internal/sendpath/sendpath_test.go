package sendpath_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/rdmaring/internal/receivepath"
	"github.com/yanet-platform/rdmaring/internal/ring"
	"github.com/yanet-platform/rdmaring/internal/sendpath"
	"github.com/yanet-platform/rdmaring/internal/verbs"
	"github.com/yanet-platform/rdmaring/internal/verbs/simverbs"
)

type harness struct {
	sp *sendpath.SendPath
	rp *receivepath.ReceivePath
}

// newHarness wires a SendPath on one side to a ReceivePath on the other,
// both backed by a loopback simverbs context, as MessageRing would.
func newHarness(t *testing.T, ringSize uint64, inlineThreshold uint64) *harness {
	t.Helper()

	ctx := simverbs.NewContext(1, 1<<20)
	pd := ctx.ProtectionDomain()
	qp, err := ctx.NewQueuePair(ctx.SendCQ(), ctx.RecvCQ(), pd)
	require.NoError(t, err)

	rb, err := ring.New(ringSize)
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })
	ringMR, err := pd.RegisterMemory(rb.Bytes(), verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	require.NoError(t, err)

	slot := make([]byte, 8)
	slotMR, err := pd.RegisterMemory(slot, verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	require.NoError(t, err)

	rp, err := receivepath.New(rb, slot, 0, receivepath.SpinPolicy{})
	require.NoError(t, err)

	sp, err := sendpath.New(
		qp, pd, ctx.SendCQ(), &sync.Mutex{},
		ringSize, inlineThreshold,
		sendpath.RemoteDescriptor{Addr: ringMR.Addr(), Key: ringMR.RKey()},
		sendpath.RemoteDescriptor{Addr: slotMR.Addr(), Key: slotMR.RKey()},
		sendpath.SpinPolicy{},
	)
	require.NoError(t, err)

	return &harness{sp: sp, rp: rp}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	h := newHarness(t, 4096, 256)

	require.NoError(t, h.sp.Send([]byte("hello")))

	dst := make([]byte, 16)
	n, err := h.rp.Receive(dst)
	require.NoError(t, err)
	require.Equal(t, "hello", string(dst[:n]))
}

func TestSendReceivePreservesOrder(t *testing.T) {
	h := newHarness(t, 4096, 256)

	msgs := []string{"one", "two", "three", "four"}
	for _, m := range msgs {
		require.NoError(t, h.sp.Send([]byte(m)))
	}

	dst := make([]byte, 16)
	for _, want := range msgs {
		n, err := h.rp.Receive(dst)
		require.NoError(t, err)
		require.Equal(t, want, string(dst[:n]))
	}
}

func TestSendAboveInlineThresholdUsesScratchRegion(t *testing.T) {
	h := newHarness(t, 4096, 64)

	payload := bytesOf(0x42, 200)
	require.NoError(t, h.sp.Send(payload))

	dst := make([]byte, 256)
	n, err := h.rp.Receive(dst)
	require.NoError(t, err)
	require.Equal(t, payload, dst[:n])
}

func TestWrapAcrossRingBoundary(t *testing.T) {
	h := newHarness(t, 64, 256)

	dst := make([]byte, 16)
	for i := 0; i < 4; i++ {
		payload := bytesOf(byte(0xA0+i), 13)
		require.NoError(t, h.sp.Send(payload))
		n, err := h.rp.Receive(dst)
		require.NoError(t, err)
		require.Equal(t, payload, dst[:n])
	}
}

func TestSendBlocksUntilReceiverDrains(t *testing.T) {
	h := newHarness(t, 64, 256)

	// A 50-byte payload needs 62 bytes of counter space, leaving no room
	// for a second one on a 64-byte ring until the first is consumed.
	require.NoError(t, h.sp.Send(bytesOf(0x01, 50)))

	done := make(chan error, 1)
	go func() {
		done <- h.sp.Send(bytesOf(0x02, 50))
	}()

	dst := make([]byte, 64)
	n, err := h.rp.Receive(dst)
	require.NoError(t, err)
	require.Equal(t, 50, n)

	require.NoError(t, <-done)
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
