// Package messagering assembles Handshake, SendPath and ReceivePath behind
// the single façade the shim consumes: a MessageRing constructed over an
// already-connected TCP socket, offering Send, Receive, HasData and an
// orderly teardown. See spec section 4.4.
package messagering

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/yanet-platform/rdmaring/internal/handshake"
	"github.com/yanet-platform/rdmaring/internal/receivepath"
	"github.com/yanet-platform/rdmaring/internal/ring"
	"github.com/yanet-platform/rdmaring/internal/sendpath"
	"github.com/yanet-platform/rdmaring/internal/verbs"
	"github.com/yanet-platform/rdmaring/internal/xerr"
)

// Config carries the tuning knobs a deployment sets per spec sections 4.2,
// 4.3 and 9: ring size, the inline-send threshold (clamped to the
// provider's advertised maximum), the receive-publish threshold, the
// handshake's receive-priming depth, and whether the data path yields the
// CPU while busy-waiting.
type Config struct {
	RingSize         uint64
	InlineThreshold  uint64
	PublishThreshold uint64
	PrimeDepth       int
	Spin             bool
}

// DefaultConfig returns the spec's suggested defaults: inline threshold
// 256, publish threshold N/2 (PublishThreshold left at zero, resolved
// against RingSize by receivepath.New), prime depth 8.
func DefaultConfig(ringSize uint64) Config {
	return Config{
		RingSize:        ringSize,
		InlineThreshold: 256,
		PrimeDepth:      8,
	}
}

// Stats is a point-in-time snapshot of a MessageRing's cursors, for
// diagnostics and metrics export. Only LastError is read under a lock and
// only the message counts are atomic; the cursors and byte, refresh and
// publish counts are read without synchronisation and may race with an
// in-progress Send or Receive.
type Stats struct {
	WritePos     uint64
	ReadPos      uint64
	MessagesIn   uint64
	MessagesOut  uint64
	BytesIn      uint64
	BytesOut     uint64
	RefreshCount uint64
	PublishCount uint64
	LastError    error
}

// MessageRing is the reliable single-connection message ring: one
// handshake, one SendPath, one ReceivePath, and the queue pair they share.
// Send and Receive are each safe for exactly one caller at a time (spec
// section 5); HasData never blocks and may be called from either.
type MessageRing struct {
	qp verbs.QueuePair

	localRing *ring.RingBuffer
	localMR   verbs.MemoryRegion
	slotBuf   []byte
	slotMR    verbs.MemoryRegion

	send *sendpath.SendPath
	recv *receivepath.ReceivePath

	sendCQ verbs.CompletionQueue
	cqMu   *sync.Mutex

	conn net.Conn

	sent     atomic.Uint64
	received atomic.Uint64

	mu      sync.Mutex
	closed  bool
	lastErr error
}

// New runs the handshake over conn and, on success, returns a fully wired
// MessageRing. On any error conn is left open and usable for plain TCP, as
// the spec's fallback contract requires; the caller is responsible for
// closing conn itself in that case.
func New(conn net.Conn, vctx verbs.Context, cfg Config) (*MessageRing, error) {
	if cfg.RingSize == 0 {
		return nil, xerr.NewSetupError(fmt.Errorf("messagering: RingSize must be set"))
	}
	inlineThreshold := cfg.InlineThreshold
	if max := uint64(vctx.MaxInlineData()); max > 0 && inlineThreshold > max {
		inlineThreshold = max
	}

	// released undoes every resource acquired so far, in reverse order,
	// on any failure path below; its members are appended to as each
	// resource comes into existence.
	var released []func()
	release := func() {
		for i := len(released) - 1; i >= 0; i-- {
			released[i]()
		}
	}
	fail := func(err error) (*MessageRing, error) {
		release()
		return nil, xerr.NewSetupError(err)
	}

	localRing, err := ring.New(cfg.RingSize)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", xerr.ErrRdmaSetupFailed, err))
	}
	released = append(released, func() { localRing.Close() })

	pd := vctx.ProtectionDomain()
	localMR, err := pd.RegisterMemory(localRing.Bytes(), verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	if err != nil {
		return fail(fmt.Errorf("%w: registering receive ring: %v", xerr.ErrRdmaSetupFailed, err))
	}
	released = append(released, func() { localMR.Deregister() })

	slotBuf := make([]byte, 8)
	slotMR, err := pd.RegisterMemory(slotBuf, verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
	if err != nil {
		return fail(fmt.Errorf("%w: registering read-position slot: %v", xerr.ErrRdmaSetupFailed, err))
	}
	released = append(released, func() { slotMR.Deregister() })

	qp, err := vctx.NewQueuePair(vctx.SendCQ(), vctx.RecvCQ(), pd)
	if err != nil {
		return fail(fmt.Errorf("%w: creating queue pair: %v", xerr.ErrRdmaSetupFailed, err))
	}
	released = append(released, func() { qp.Destroy() })

	lid, err := vctx.PortLID()
	if err != nil {
		return fail(fmt.Errorf("%w: reading port LID: %v", xerr.ErrRdmaSetupFailed, err))
	}

	local := handshake.LocalEndpoint{
		QPN:          qp.QPN(),
		LID:          lid,
		RingMR:       localMR,
		SlotMR:       slotMR,
		ValidityMask: handshake.ValidityMaskFor(),
		RingSize:     cfg.RingSize,
	}

	primeDepth := cfg.PrimeDepth
	if primeDepth <= 0 {
		primeDepth = 1
	}

	remote, err := handshake.Run(conn, qp, local, primeDepth)
	if err != nil {
		return fail(err)
	}

	var cqMu sync.Mutex
	send, err := sendpath.New(
		qp, pd, vctx.SendCQ(), &cqMu,
		cfg.RingSize, inlineThreshold,
		sendpath.RemoteDescriptor{Addr: remote.Ring.Addr, Key: remote.Ring.Key},
		sendpath.RemoteDescriptor{Addr: remote.Slot.Addr, Key: remote.Slot.Key},
		sendpath.SpinPolicy{Yield: cfg.Spin},
	)
	if err != nil {
		return fail(err)
	}

	recv, err := receivepath.New(localRing, slotBuf, cfg.PublishThreshold, receivepath.SpinPolicy{Yield: cfg.Spin})
	if err != nil {
		return fail(err)
	}

	return &MessageRing{
		qp:        qp,
		localRing: localRing,
		localMR:   localMR,
		slotBuf:   slotBuf,
		slotMR:    slotMR,
		send:      send,
		recv:      recv,
		sendCQ:    vctx.SendCQ(),
		cqMu:      &cqMu,
		conn:      conn,
	}, nil
}

// Send blocks until payload has been serialised into the peer's ring.
func (m *MessageRing) Send(payload []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return xerr.ErrConnectionLost
	}

	if err := m.send.Send(payload); err != nil {
		m.recordError(err)
		return err
	}
	m.sent.Add(1)
	return nil
}

// Receive blocks until exactly one message is available and copies it into
// dst, returning its length.
func (m *MessageRing) Receive(dst []byte) (int, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return 0, xerr.ErrConnectionLost
	}

	n, err := m.recv.Receive(dst)
	if err != nil {
		m.recordError(err)
		return 0, err
	}
	m.received.Add(1)
	return n, nil
}

func (m *MessageRing) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// HasData reports whether a complete message is currently visible, without
// blocking.
func (m *MessageRing) HasData() (bool, error) {
	return m.recv.HasData()
}

// Stats returns a snapshot of the ring's cursors, message/byte counts,
// refresh/publish counts, and the most recent Send/Receive error, if any.
func (m *MessageRing) Stats() Stats {
	m.mu.Lock()
	lastErr := m.lastErr
	m.mu.Unlock()

	return Stats{
		WritePos:     m.send.WritePos(),
		ReadPos:      m.recv.ReadPos(),
		MessagesIn:   m.received.Load(),
		MessagesOut:  m.sent.Load(),
		BytesIn:      m.recv.BytesReceived(),
		BytesOut:     m.send.BytesSent(),
		RefreshCount: m.send.RefreshCount(),
		PublishCount: m.recv.PublishCount(),
		LastError:    lastErr,
	}
}

// Close tears down the ring in this order: flush the locally-known read
// position, drain outstanding completions, transition the queue pair to
// error (so no further peer write can land), drain again, destroy the
// queue pair, and only then deregister memory and unmap the ring. The
// underlying TCP connection is left to the caller.
func (m *MessageRing) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.recv.Flush()
	m.drainCompletions()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(m.qp.ModifyToError())
	m.drainCompletions()
	record(m.qp.Destroy())
	record(m.slotMR.Deregister())
	record(m.localMR.Deregister())
	record(m.localRing.Close())

	return firstErr
}

// drainCompletions reaps whatever is already queued on the shared send
// completion queue, best-effort: a provider error here does not block
// teardown, since every resource it could affect is about to be released
// anyway.
func (m *MessageRing) drainCompletions() {
	m.cqMu.Lock()
	defer m.cqMu.Unlock()
	for {
		wcs, err := m.sendCQ.Poll(64)
		if err != nil || len(wcs) == 0 {
			return
		}
	}
}
