package handshake_test

import (
	"net"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/rdmaring/internal/handshake"
	"github.com/yanet-platform/rdmaring/internal/ring"
	"github.com/yanet-platform/rdmaring/internal/verbs"
	"github.com/yanet-platform/rdmaring/internal/verbs/simverbs"
)

type side struct {
	ctx    *simverbs.Context
	qp     verbs.QueuePair
	rb     *ring.RingBuffer
	slot   []byte
	ringMR verbs.MemoryRegion
	slotMR verbs.MemoryRegion
}

func newSide(t *testing.T, lid uint16) *side {
	t.Helper()

	ctx := simverbs.NewContext(lid, 256)
	qp, err := ctx.NewQueuePair(ctx.SendCQ(), ctx.RecvCQ(), ctx.ProtectionDomain())
	require.NoError(t, err)

	rb, err := ring.New(4096)
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })

	ringMR, err := ctx.ProtectionDomain().RegisterMemory(rb.Bytes(), verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	require.NoError(t, err)

	slot := make([]byte, 8)
	slotMR, err := ctx.ProtectionDomain().RegisterMemory(slot, verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	require.NoError(t, err)

	return &side{ctx: ctx, qp: qp, rb: rb, slot: slot, ringMR: ringMR, slotMR: slotMR}
}

func (s *side) local(qpn uint32, lid uint16) handshake.LocalEndpoint {
	return handshake.LocalEndpoint{
		QPN:          qpn,
		LID:          lid,
		RingMR:       s.ringMR,
		SlotMR:       s.slotMR,
		ValidityMask: ring.ValidityMask,
		RingSize:     s.rb.Size(),
	}
}

func TestHandshakeExchangesDescriptors(t *testing.T) {
	a := newSide(t, 1)
	b := newSide(t, 2)

	connA, connB := net.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)

	var remoteA, remoteB handshake.RemoteEndpoint
	var errA, errB error

	go func() {
		defer wg.Done()
		remoteA, errA = handshake.Run(connA, a.qp, a.local(a.qp.QPN(), 1), 4)
	}()
	go func() {
		defer wg.Done()
		remoteB, errB = handshake.Run(connB, b.qp, b.local(b.qp.QPN(), 2), 4)
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)

	// remoteA is the whole frame B advertised about itself, decoded back out
	// of the wire record; comparing it wholesale against what B actually
	// registered catches a field ending up in the wrong byte range of the
	// record, not just a field being individually wrong.
	wantA := handshake.RemoteEndpoint{
		QPN: b.qp.QPN(),
		LID: 2,
		Ring: handshake.RemoteDescriptor{
			Addr: b.ringMR.Addr(),
			Key:  b.ringMR.RKey(),
		},
		Slot: handshake.RemoteDescriptor{
			Addr: b.slotMR.Addr(),
			Key:  b.slotMR.RKey(),
		},
	}
	if diff := cmp.Diff(wantA, remoteA); diff != "" {
		t.Fatalf("remoteA mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, a.qp.QPN(), remoteB.QPN)
	require.Equal(t, a.ringMR.Addr(), remoteB.Ring.Addr)
}

func TestHandshakeFailsOnShortStream(t *testing.T) {
	a := newSide(t, 1)

	connA, connB := net.Pipe()
	go func() {
		// Peer hangs up mid-handshake instead of writing its record.
		connB.Close()
	}()

	_, err := handshake.Run(connA, a.qp, a.local(a.qp.QPN(), 1), 4)
	require.Error(t, err)
}
