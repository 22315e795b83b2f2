package messagering_test

import (
	"net"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/rdmaring/internal/messagering"
	"github.com/yanet-platform/rdmaring/internal/verbs/simverbs"
)

func TestMessageRingHandshakeAndRoundTrip(t *testing.T) {
	connA, connB := net.Pipe()
	t.Cleanup(func() { connA.Close(); connB.Close() })

	ctxA := simverbs.NewContext(1, 256)
	ctxB := simverbs.NewContext(2, 256)

	cfg := messagering.DefaultConfig(4096)

	var wg sync.WaitGroup
	wg.Add(2)

	var ringA, ringB *messagering.MessageRing
	var errA, errB error

	go func() {
		defer wg.Done()
		ringA, errA = messagering.New(connA, ctxA, cfg)
	}()
	go func() {
		defer wg.Done()
		ringB, errB = messagering.New(connB, ctxB, cfg)
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	t.Cleanup(func() { ringA.Close(); ringB.Close() })

	require.NoError(t, ringA.Send([]byte("hello from A")))
	dst := make([]byte, 64)
	n, err := ringB.Receive(dst)
	require.NoError(t, err)
	require.Equal(t, "hello from A", string(dst[:n]))

	require.NoError(t, ringB.Send([]byte("hello from B")))
	n, err = ringA.Receive(dst)
	require.NoError(t, err)
	require.Equal(t, "hello from B", string(dst[:n]))

	// Each message is 12 bytes of payload with no wrap, so the cursors,
	// byte counts, and message counts are all exactly predictable; a
	// structural diff pinpoints which field regressed far better than a
	// sequence of per-field require.Equal calls would.
	want := messagering.Stats{
		WritePos:     24,
		ReadPos:      24,
		MessagesIn:   1,
		MessagesOut:  1,
		BytesIn:      12,
		BytesOut:     12,
		RefreshCount: 0,
		PublishCount: 0,
		LastError:    nil,
	}
	got := ringA.Stats()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ringA.Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageRingCloseIsIdempotent(t *testing.T) {
	connA, connB := net.Pipe()
	t.Cleanup(func() { connA.Close(); connB.Close() })

	ctxA := simverbs.NewContext(1, 256)
	ctxB := simverbs.NewContext(2, 256)
	cfg := messagering.DefaultConfig(4096)

	var wg sync.WaitGroup
	wg.Add(2)
	var ringA, ringB *messagering.MessageRing
	go func() { defer wg.Done(); ringA, _ = messagering.New(connA, ctxA, cfg) }()
	go func() { defer wg.Done(); ringB, _ = messagering.New(connB, ctxB, cfg) }()
	wg.Wait()
	t.Cleanup(func() { ringB.Close() })

	require.NoError(t, ringA.Close())
	require.NoError(t, ringA.Close())

	_, err := ringA.Receive(make([]byte, 16))
	require.Error(t, err)
}
