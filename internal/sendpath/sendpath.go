// Package sendpath implements the producer side of the message ring:
// serialising outgoing byte buffers into the peer's receive ring via RDMA
// writes, tracking free space against a cached copy of the peer's read
// cursor, and refreshing that cache on demand. See spec section 4.2.
package sendpath

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v5"

	"github.com/yanet-platform/rdmaring/internal/ring"
	"github.com/yanet-platform/rdmaring/internal/verbs"
	"github.com/yanet-platform/rdmaring/internal/xerr"
)

// refreshSpinInterval bounds how often a blocked wait cycle re-issues the
// RDMA read that refreshes peerReadPos: once immediately, then again every
// this many spin iterations. A pure once-per-call refresh would never make
// progress once the one refresh still leaves the ring full, since nothing
// else updates peerReadPos locally.
const refreshSpinInterval = 512

// SpinPolicy controls what Send does while busy-waiting for ring space or
// an RDMA-read completion. The default, a zero SpinPolicy, is a tight busy
// loop, matching the spec's description of the steady-state behaviour.
// Setting Yield trades latency for CPU usage via an exponential backoff,
// for deployments that share the core with other work on the same
// scheduler.
type SpinPolicy struct {
	Yield bool
}

// RemoteDescriptor names a registered memory region on the peer, as learned
// from a Handshake.
type RemoteDescriptor struct {
	Addr uint64
	Key  uint32
}

// SendPath serialises messages into the peer's ring. It is not safe for
// concurrent use by more than one goroutine (the ring is single-producer).
type SendPath struct {
	qp   verbs.QueuePair
	cq   verbs.CompletionQueue
	cqMu sync.Locker

	ringSize uint64
	mask     uint64

	peerRing RemoteDescriptor
	peerSlot RemoteDescriptor

	scratch   []byte
	scratchMR verbs.MemoryRegion

	mirror   []byte
	mirrorMR verbs.MemoryRegion

	inlineThreshold uint64
	spin            SpinPolicy

	writePos    uint64
	peerReadPos uint64

	bytesSent    uint64
	refreshCount uint64

	wrID   uint64
	broken error
}

// New constructs a SendPath targeting the peer's ring and read-position
// slot. ringSize must match the local receive ring's size on both ends (the
// handshake enforces this). cq is the send completion queue and cqMu the
// mutex held around every poll of it; MessageRing passes one mutex per
// ring, shared with its own teardown drain, so polls are serialised within
// a ring but not across rings sharing one verbs.Context.
func New(
	qp verbs.QueuePair,
	pd verbs.ProtectionDomain,
	cq verbs.CompletionQueue,
	cqMu sync.Locker,
	ringSize uint64,
	inlineThreshold uint64,
	peerRing, peerSlot RemoteDescriptor,
	spin SpinPolicy,
) (*SendPath, error) {
	if ringSize == 0 || ringSize&(ringSize-1) != 0 {
		return nil, fmt.Errorf("sendpath: ring size %d is not a power of two", ringSize)
	}

	scratch := make([]byte, ringSize)
	scratchMR, err := pd.RegisterMemory(scratch, verbs.AccessLocalWrite)
	if err != nil {
		return nil, fmt.Errorf("%w: registering scratch region: %v", xerr.ErrRdmaSetupFailed, err)
	}

	mirror := make([]byte, 8)
	mirrorMR, err := pd.RegisterMemory(mirror, verbs.AccessLocalWrite)
	if err != nil {
		return nil, fmt.Errorf("%w: registering peer-read-position mirror: %v", xerr.ErrRdmaSetupFailed, err)
	}

	return &SendPath{
		qp:              qp,
		cq:              cq,
		cqMu:            cqMu,
		ringSize:        ringSize,
		mask:            ringSize - 1,
		peerRing:        peerRing,
		peerSlot:        peerSlot,
		scratch:         scratch,
		scratchMR:       scratchMR,
		mirror:          mirror,
		mirrorMR:        mirrorMR,
		inlineThreshold: inlineThreshold,
		spin:            spin,
	}, nil
}

// WritePos reports the current write cursor, for Stats snapshots.
func (s *SendPath) WritePos() uint64 { return s.writePos }

// BytesSent reports the total payload bytes successfully handed to Send.
func (s *SendPath) BytesSent() uint64 { return s.bytesSent }

// RefreshCount reports how many times the peer's read position has been
// pulled via an RDMA read.
func (s *SendPath) RefreshCount() uint64 { return s.refreshCount }

// Send blocks until payload has been fully serialised into the peer's ring
// and the originating work request has been posted. It does not wait for
// the peer to observe it.
func (s *SendPath) Send(payload []byte) error {
	if err := s.checkBroken(); err != nil {
		return err
	}
	s.reapLazy()

	length := uint32(len(payload))
	if length == 0 {
		return fmt.Errorf("%w: message length must be non-zero", xerr.ErrProtocolError)
	}
	if uint64(length) > s.ringSize-ring.FrameOverhead {
		return fmt.Errorf("%w: message of %d bytes cannot fit in a %d-byte ring", xerr.ErrProtocolError, length, s.ringSize)
	}

	msgLen := ring.FrameOverhead + uint64(length)
	off := s.writePos & s.mask
	pos := s.writePos
	var padLen uint64
	if off+msgLen > s.ringSize {
		padLen = s.ringSize - off
		pos += padLen
	}
	total := padLen + msgLen

	if err := s.ensureSpace(total); err != nil {
		return err
	}

	if padLen >= ring.HeaderSize {
		if err := s.postPaddingMarker(off, padLen); err != nil {
			return err
		}
	}
	if err := s.post(pos, msgLen, length, payload); err != nil {
		return err
	}

	s.writePos = pos + msgLen
	s.bytesSent += uint64(length)
	return nil
}

// postPaddingMarker writes PaddingMarker at the skipped tail segment so the
// peer's ReceivePath can distinguish "wrap, skip ahead" from "nothing
// landed here yet" without relying on tailroom size alone. It is posted
// unsignaled: its delivery is ordered before the following message write
// by the queue pair's reliable-connected semantics, and nothing needs to
// wait on its own completion.
func (s *SendPath) postPaddingMarker(off, _ uint64) error {
	var marker [ring.HeaderSize]byte
	ring.PutPaddingMarker(marker[:], 0)
	err := s.qp.PostSend(verbs.SendWorkRequest{
		ID:         s.nextWRID(),
		Opcode:     verbs.OpRDMAWrite,
		SGEs:       []verbs.SGE{{Addr: addrOf(marker[:]), Length: ring.HeaderSize}},
		RemoteAddr: s.peerRing.Addr + off,
		RKey:       s.peerRing.Key,
		Inline:     true,
		Signaled:   false,
	})
	if err != nil {
		s.broken = fmt.Errorf("%w: %v", xerr.ErrPostSendFailed, err)
		return s.broken
	}
	return nil
}

func (s *SendPath) post(pos, msgLen uint64, length uint32, payload []byte) error {
	destOff := pos & s.mask
	remoteAddr := s.peerRing.Addr + destOff

	var header [ring.HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], length)
	var footer [ring.FooterSize]byte
	binary.LittleEndian.PutUint32(footer[:], ring.ExpectedFooter(length))

	inline := msgLen <= s.inlineThreshold

	var sges []verbs.SGE
	if inline {
		sges = []verbs.SGE{
			{Addr: addrOf(header[:]), Length: ring.HeaderSize},
			{Addr: addrOf(payload), Length: length},
			{Addr: addrOf(footer[:]), Length: ring.FooterSize},
		}
	} else {
		copy(s.scratch[destOff:], header[:])
		copy(s.scratch[destOff+ring.HeaderSize:], payload)
		copy(s.scratch[destOff+ring.HeaderSize+uint64(length):], footer[:])
		sges = []verbs.SGE{
			{
				Addr:   s.scratchMR.Addr() + destOff,
				Length: uint32(ring.HeaderSize) + length + uint32(ring.FooterSize),
				LKey:   s.scratchMR.LKey(),
			},
		}
	}

	id := s.nextWRID()
	err := s.qp.PostSend(verbs.SendWorkRequest{
		ID:         id,
		Opcode:     verbs.OpRDMAWrite,
		SGEs:       sges,
		RemoteAddr: remoteAddr,
		RKey:       s.peerRing.Key,
		Inline:     inline,
		Signaled:   true,
	})
	if err != nil {
		s.broken = fmt.Errorf("%w: %v", xerr.ErrPostSendFailed, err)
		return s.broken
	}
	return nil
}

func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func (s *SendPath) ensureSpace(total uint64) error {
	free := s.ringSize - (s.writePos - s.peerReadPos)
	if free >= total {
		return nil
	}
	return s.waitForSpace(total)
}

func (s *SendPath) waitForSpace(total uint64) error {
	if err := s.refreshPeerReadPos(); err != nil {
		return err
	}

	sp := newSpinner(s.spin)
	spins := 0
	for {
		free := s.ringSize - (s.writePos - s.peerReadPos)
		if free >= total {
			return nil
		}
		if err := s.checkBroken(); err != nil {
			return err
		}

		spins++
		if spins%refreshSpinInterval == 0 {
			if err := s.refreshPeerReadPos(); err != nil {
				return err
			}
			continue
		}
		sp.spin()
	}
}

func (s *SendPath) refreshPeerReadPos() error {
	s.refreshCount++
	id := s.nextWRID()
	if err := s.qp.PostRead(id, s.mirrorMR.Addr(), s.mirrorMR.LKey(), 8, s.peerSlot.Addr, s.peerSlot.Key, true); err != nil {
		s.broken = fmt.Errorf("%w: refreshing peer read position: %v", xerr.ErrPostSendFailed, err)
		return s.broken
	}
	if err := s.waitForCompletion(id); err != nil {
		return err
	}
	s.peerReadPos = binary.NativeEndian.Uint64(s.mirror)
	return nil
}

func (s *SendPath) waitForCompletion(id uint64) error {
	sp := newSpinner(s.spin)
	for {
		s.cqMu.Lock()
		wcs, err := s.cq.Poll(32)
		s.cqMu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: polling completion queue: %v", xerr.ErrConnectionLost, err)
		}

		found := false
		for _, wc := range wcs {
			if wc.Status != verbs.StatusSuccess {
				s.broken = xerr.ErrConnectionLost
			}
			if wc.ID == id {
				found = true
			}
		}
		if found {
			if s.broken != nil {
				return s.broken
			}
			return nil
		}
		if err := s.checkBroken(); err != nil {
			return err
		}
		sp.spin()
	}
}

// reapLazy drains whatever send completions are already queued without
// blocking, so a run of error completions is noticed promptly rather than
// only on the next refresh.
func (s *SendPath) reapLazy() {
	s.cqMu.Lock()
	wcs, err := s.cq.Poll(32)
	s.cqMu.Unlock()
	if err != nil {
		return
	}
	for _, wc := range wcs {
		if wc.Status != verbs.StatusSuccess {
			s.broken = xerr.ErrConnectionLost
		}
	}
}

func (s *SendPath) checkBroken() error {
	return s.broken
}

func (s *SendPath) nextWRID() uint64 {
	s.wrID++
	return s.wrID
}

type spinner struct {
	backoff *backoff.ExponentialBackOff
}

func newSpinner(p SpinPolicy) *spinner {
	if !p.Yield {
		return &spinner{}
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Microsecond * 10,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Millisecond,
	}
	b.Reset()
	return &spinner{backoff: b}
}

func (s *spinner) spin() {
	if s.backoff == nil {
		return
	}
	time.Sleep(s.backoff.NextBackOff())
}
