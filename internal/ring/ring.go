// Package ring implements the RingBuffer data model and wire framing shared
// by SendPath and ReceivePath: a power-of-two byte region addressed by two
// 64-bit monotonic cursors, and the length/payload/footer triple that marks
// a message and signals its complete arrival.
package ring

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// HeaderSize is the width of the little-endian length prefix.
	HeaderSize = 4
	// FooterSize is the width of the little-endian validity footer.
	FooterSize = 4
	// GuardSize is a trailing run of bytes left zero after every frame's
	// footer. It is never written by the sender and never read by the
	// receiver; it exists purely so that FrameOverhead's counter-space
	// accounting (and the wrap-boundary test) has four bytes of slack
	// beyond the wire-visible header+payload+footer, matching every
	// numeric invariant elsewhere in this package's contract. See
	// DESIGN.md for the reasoning.
	GuardSize = 4

	// FrameOverhead is the counter-space cost of a message beyond its
	// payload: HeaderSize + FooterSize + GuardSize.
	FrameOverhead = HeaderSize + FooterSize + GuardSize

	// ValidityMask is XORed with a message's length to produce its
	// footer. It must be non-zero so a footer is distinguishable from
	// zeroed (not-yet-arrived) memory for any well-formed non-empty
	// message. Both endpoints of a ring must agree on this constant;
	// Handshake verifies that agreement before arming the queue pair.
	ValidityMask uint32 = 0xDEADBEEF

	// PaddingMarker is written as the length header at a wrap-padding
	// position whenever there is room for a header (tailroom >=
	// HeaderSize). No real message ever carries this length (it exceeds
	// any ring this package will construct), so the receiver can tell
	// "padding, skip to the wrap boundary" apart from "nothing landed
	// here yet" without relying solely on tailroom arithmetic, which is
	// ambiguous once the padding run is longer than a minimal frame.
	PaddingMarker uint32 = 0xFFFFFFFF
)

// RingBuffer is a contiguous, page-aligned byte region of power-of-two size
// N, intended to be registered as an RDMA memory region. Two 64-bit
// monotonic cursors external to this type (writePos, owned by the producer,
// and readPos, owned by the consumer) address it; physical offset is
// cursor & Mask().
//
// The backing storage is obtained via an anonymous mmap rather than make([]byte, N):
// registered memory must be pinned and must not be scanned or relocated in
// ways that would invalidate an address already handed to a NIC.
type RingBuffer struct {
	mem []byte
}

// New allocates a RingBuffer of the given size, which must be a power of
// two of at least FrameOverhead+1 bytes (the smallest possible frame).
func New(size uint64) (*RingBuffer, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("ring size %d is not a power of two", size)
	}
	if size <= FrameOverhead {
		return nil, fmt.Errorf("ring size %d too small to hold any frame", size)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap ring buffer of %d bytes: %w", size, err)
	}
	if err := unix.Mlock(mem); err != nil {
		// Pinning is best-effort: registration with the RDMA provider will
		// pin the pages regardless, and some sandboxes deny mlock outright.
		_ = err
	}

	return &RingBuffer{mem: mem}, nil
}

// Bytes returns the raw backing slice, for handing to the verbs memory
// registrar and for tests. Application code never touches it directly.
func (r *RingBuffer) Bytes() []byte {
	return r.mem
}

// Size returns N, the ring's capacity in bytes.
func (r *RingBuffer) Size() uint64 {
	return uint64(len(r.mem))
}

// Mask returns N-1, for computing a cursor's physical offset.
func (r *RingBuffer) Mask() uint64 {
	return r.Size() - 1
}

// Offset returns the physical offset of a logical cursor.
func (r *RingBuffer) Offset(cursor uint64) uint64 {
	return cursor & r.Mask()
}

// TailRoom returns the number of bytes remaining between cursor's physical
// offset and the end of the ring.
func (r *RingBuffer) TailRoom(cursor uint64) uint64 {
	return r.Size() - r.Offset(cursor)
}

// Close releases the backing memory. The caller must ensure no RDMA work
// request still references it and that the memory region has been
// deregistered first.
func (r *RingBuffer) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// ExpectedFooter computes the footer value a well-formed message of the
// given length must carry.
func ExpectedFooter(length uint32) uint32 {
	return length ^ ValidityMask
}

// PutHeader writes the little-endian length prefix for a message starting
// at pos. The caller is responsible for ensuring the frame fits without
// wrapping (offset+FrameOverhead+length <= Size()), which SendPath's wrap
// policy guarantees.
func PutHeader(buf []byte, pos uint64, length uint32) {
	binary.LittleEndian.PutUint32(buf[pos:pos+HeaderSize], length)
}

// PutFooter writes the validity footer for a message of the given length,
// immediately following its payload at pos+HeaderSize+length.
func PutFooter(buf []byte, pos uint64, length uint32) {
	off := pos + HeaderSize + uint64(length)
	binary.LittleEndian.PutUint32(buf[off:off+FooterSize], ExpectedFooter(length))
}

// PutPaddingMarker writes PaddingMarker as the length header at pos. The
// caller must ensure at least HeaderSize bytes remain before the physical
// end of the buffer.
func PutPaddingMarker(buf []byte, pos uint64) {
	binary.LittleEndian.PutUint32(buf[pos:pos+HeaderSize], PaddingMarker)
}

// ReadHeader reads the length prefix at pos.
func ReadHeader(buf []byte, pos uint64) uint32 {
	return binary.LittleEndian.Uint32(buf[pos : pos+HeaderSize])
}

// ReadFooter reads the footer that should follow a payload of the given
// length starting at pos.
func ReadFooter(buf []byte, pos uint64, length uint32) uint32 {
	off := pos + HeaderSize + uint64(length)
	return binary.LittleEndian.Uint32(buf[off : off+FooterSize])
}

// ZeroFrame zeroes the header, payload and footer bytes of a landed message
// of the given length at pos (but not its trailing GuardSize bytes, which
// were never written and so are already zero), satisfying invariant I3.
func ZeroFrame(buf []byte, pos uint64, length uint32) {
	n := uint64(HeaderSize) + uint64(length) + uint64(FooterSize)
	clear(buf[pos : pos+n])
}
