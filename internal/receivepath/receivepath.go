// Package receivepath implements the consumer side of the message ring:
// polling the local receive ring for a fully landed message, copying it
// out, zeroing the consumed bytes, and lazily publishing the read cursor
// back to the peer. See spec section 4.3.
package receivepath

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yanet-platform/rdmaring/internal/ring"
	"github.com/yanet-platform/rdmaring/internal/xerr"
)

// SpinPolicy controls what Receive does while busy-waiting for a message to
// land. The zero value is a tight busy loop.
type SpinPolicy struct {
	Yield bool
}

// ReceivePath owns the local half of a ring: the registered ring buffer
// itself (read directly, with no verbs call on the data path) and the local
// read-position slot, a registered 8-byte cell the peer's SendPath learns
// from by RDMA read. It is not safe for concurrent use by more than one
// goroutine (the ring is single-consumer).
type ReceivePath struct {
	rb   *ring.RingBuffer
	slot []byte

	publishThreshold uint64
	spin             SpinPolicy

	readPos       uint64
	lastPublished uint64

	bytesReceived uint64
	publishCount  uint64
}

// New constructs a ReceivePath over rb, publishing readPos into slot
// (the backing bytes of the local read-position slot's registered memory
// region) whenever it has advanced by at least publishThreshold since the
// last publish. A publishThreshold of zero defaults to rb.Size()/2, the
// spec's suggested default.
func New(rb *ring.RingBuffer, slot []byte, publishThreshold uint64, spin SpinPolicy) (*ReceivePath, error) {
	if len(slot) < 8 {
		return nil, fmt.Errorf("receivepath: read-position slot must be at least 8 bytes, got %d", len(slot))
	}
	if publishThreshold == 0 {
		publishThreshold = rb.Size() / 2
	}
	return &ReceivePath{rb: rb, slot: slot, publishThreshold: publishThreshold, spin: spin}, nil
}

// ReadPos reports the current read cursor, for Stats snapshots.
func (r *ReceivePath) ReadPos() uint64 { return r.readPos }

// BytesReceived reports the total payload bytes handed back by Receive.
func (r *ReceivePath) BytesReceived() uint64 { return r.bytesReceived }

// PublishCount reports how many times the read cursor has been published
// to the slot the peer pulls from.
func (r *ReceivePath) PublishCount() uint64 { return r.publishCount }

// HasData reports whether a complete message currently sits at readPos,
// without consuming it.
func (r *ReceivePath) HasData() (bool, error) {
	ok, _, _, err := r.detect()
	return ok, err
}

// Receive blocks until exactly one message is available, copies its
// payload into dst, zeroes the consumed bytes, and advances readPos.
// Returning fewer bytes than the message's length is reported as
// xerr.ErrBufferTooSmall and the message is left unread.
func (r *ReceivePath) Receive(dst []byte) (int, error) {
	sp := newSpinner(r.spin)
	for {
		ok, pos, length, err := r.detect()
		if err != nil {
			return 0, err
		}
		if ok {
			return r.consume(dst, pos, length)
		}
		sp.spin()
	}
}

// detect implements the algorithm of spec section 4.3 step 1-3: it never
// mutates reader state, so a false result is safe to retry and a true
// result is safe to hand to consume.
//
// A wrap-padding run can be longer than the smallest possible frame, so
// tailroom size alone cannot tell "padding, skip ahead" apart from
// "nothing landed here yet" once the run exceeds a few bytes; SendPath
// marks a padding run with ring.PaddingMarker whenever it has room to
// (tailroom >= HeaderSize), and detect looks for that marker explicitly.
// Only when there is not even room for a header does it fall back to the
// bounds-safety skip the spec's "+12 > N" check describes.
func (r *ReceivePath) detect() (bool, uint64, uint32, error) {
	buf := r.rb.Bytes()

	pos := r.readPos
	off := r.rb.Offset(pos)

	if r.rb.Size()-off < ring.HeaderSize {
		pos += r.rb.Size() - off
		off = 0
	}

	length := ring.ReadHeader(buf, off)
	if length == ring.PaddingMarker {
		pos += r.rb.Size() - off
		off = 0
		length = ring.ReadHeader(buf, off)
	}
	if length == 0 {
		return false, 0, 0, nil
	}

	if uint64(length) > r.rb.Size()-ring.FrameOverhead {
		return false, 0, 0, fmt.Errorf("%w: implausible message length %d for a %d-byte ring", xerr.ErrProtocolError, length, r.rb.Size())
	}

	footer := ring.ReadFooter(buf, off, length)
	if footer != ring.ExpectedFooter(length) {
		return false, 0, 0, nil
	}

	return true, pos, length, nil
}

func (r *ReceivePath) consume(dst []byte, pos uint64, length uint32) (int, error) {
	if uint64(len(dst)) < uint64(length) {
		return 0, xerr.ErrBufferTooSmall
	}

	buf := r.rb.Bytes()
	if pos > r.readPos {
		// detect skipped a wrap-padding tail: zero it too, PaddingMarker
		// included, so a later lap never reads it back as a header.
		start := r.rb.Offset(r.readPos)
		clear(buf[start : start+(pos-r.readPos)])
	}
	off := r.rb.Offset(pos)
	copy(dst, buf[off+ring.HeaderSize:off+ring.HeaderSize+uint64(length)])
	ring.ZeroFrame(buf, off, length)

	r.readPos = pos + ring.FrameOverhead + uint64(length)
	r.bytesReceived += uint64(length)
	r.maybePublish()

	return int(length), nil
}

// Flush publishes readPos to the peer regardless of how far it has
// advanced since the last publish, for use at shutdown or whenever the
// caller needs the peer to observe progress immediately.
func (r *ReceivePath) Flush() {
	r.publish()
}

func (r *ReceivePath) maybePublish() {
	if r.readPos-r.lastPublished >= r.publishThreshold {
		r.publish()
	}
}

func (r *ReceivePath) publish() {
	binary.NativeEndian.PutUint64(r.slot, r.readPos)
	r.lastPublished = r.readPos
	r.publishCount++
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
