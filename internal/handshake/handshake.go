// Package handshake implements the one-time exchange of RDMA addressing
// over a pre-existing TCP socket, and the queue-pair state transitions that
// follow it. See spec section 4.1.
package handshake

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/yanet-platform/rdmaring/internal/ring"
	"github.com/yanet-platform/rdmaring/internal/verbs"
	"github.com/yanet-platform/rdmaring/internal/xerr"
)

// recordSize is the wire layout in section 6: QPN(4) LID(2) reserved(2)
// ringAddr(8) ringKey(4) reserved(4) slotAddr(8) slotKey(4) reserved(4) =
// 40 bytes. The barrier byte named at offset 40 in that table is sent as a
// distinct single-byte round trip in Run's final step (see barrier), not
// bundled into this record.
const recordSize = 40

// capabilitySize is appended, not part of the documented wire record: a
// validityMask (4 bytes) and ring size (8 bytes), so a mismatched build on
// either side fails fast in the handshake instead of producing silent ring
// corruption the first time a footer is checked.
const capabilitySize = 4 + 8

const frameSize = recordSize + capabilitySize

// RemoteDescriptor names a registered memory region on the peer: a
// (remoteAddress, remoteKey) pair sufficient for a one-sided RDMA
// operation to target it.
type RemoteDescriptor struct {
	Addr uint64
	Key  uint32
}

// LocalEndpoint is what the local side offers the peer during the
// handshake: the local receive ring and read-position slot, each already
// registered as a memory region, plus the local queue pair's addressing.
type LocalEndpoint struct {
	QPN          uint32
	LID          uint16
	RingMR       verbs.MemoryRegion
	SlotMR       verbs.MemoryRegion
	ValidityMask uint32
	RingSize     uint64
}

// RemoteEndpoint is what the handshake learns about the peer.
type RemoteEndpoint struct {
	QPN  uint32
	LID  uint16
	Ring RemoteDescriptor
	Slot RemoteDescriptor
}

// Run executes the handshake algorithm from spec section 4.1: prime the
// receive queue, exchange records concurrently over conn, transition qp
// through init -> RTR -> RTS, and block on a final barrier. conn must
// already be a connected, blocking TCP socket.
//
// Any error returned is wrapped in xerr.ErrHandshakeFailed (TCP-side
// failure) or xerr.ErrRdmaSetupFailed (verbs-side failure); conn is left
// untouched either way so the caller may fall back to plain TCP.
func Run(conn net.Conn, qp verbs.QueuePair, local LocalEndpoint, primeDepth int) (RemoteEndpoint, error) {
	disableNagle(conn)

	for i := 0; i < primeDepth; i++ {
		if err := qp.PostReceive(uint64(i)); err != nil {
			return RemoteEndpoint{}, fmt.Errorf("%w: failed to prime receive queue: %v", xerr.ErrRdmaSetupFailed, err)
		}
	}

	var localBuf, remoteBuf [frameSize]byte
	marshal(localBuf[:], local)

	g := new(errgroup.Group)
	g.Go(func() error { return writeFull(conn, localBuf[:]) })
	g.Go(func() error { return readFull(conn, remoteBuf[:]) })
	if err := g.Wait(); err != nil {
		return RemoteEndpoint{}, fmt.Errorf("%w: record exchange: %v", xerr.ErrHandshakeFailed, err)
	}

	remote, remoteMask, remoteSize, err := unmarshal(remoteBuf[:])
	if err != nil {
		return RemoteEndpoint{}, fmt.Errorf("%w: %v", xerr.ErrHandshakeFailed, err)
	}
	if remoteMask != local.ValidityMask || remoteSize != local.RingSize {
		return RemoteEndpoint{}, fmt.Errorf(
			"%w: peer validity mask/ring size mismatch (local mask=%#x size=%d, remote mask=%#x size=%d)",
			xerr.ErrHandshakeFailed, local.ValidityMask, local.RingSize, remoteMask, remoteSize)
	}

	if err := qp.ModifyToInit(); err != nil {
		return RemoteEndpoint{}, fmt.Errorf("%w: init: %v", xerr.ErrRdmaSetupFailed, err)
	}
	if err := qp.ModifyToRTR(verbs.RemoteQPInfo{QPN: remote.QPN, LID: remote.LID}); err != nil {
		return RemoteEndpoint{}, fmt.Errorf("%w: rtr: %v", xerr.ErrRdmaSetupFailed, err)
	}
	if err := qp.ModifyToRTS(); err != nil {
		return RemoteEndpoint{}, fmt.Errorf("%w: rts: %v", xerr.ErrRdmaSetupFailed, err)
	}

	if err := barrier(conn); err != nil {
		return RemoteEndpoint{}, fmt.Errorf("%w: barrier: %v", xerr.ErrHandshakeFailed, err)
	}

	return remote, nil
}

func barrier(conn net.Conn) error {
	g := new(errgroup.Group)
	g.Go(func() error { return writeFull(conn, []byte{0x00}) })
	var b [1]byte
	g.Go(func() error { return readFull(conn, b[:]) })
	return g.Wait()
}

func writeFull(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) error {
	_, err := io.ReadFull(conn, buf)
	return err
}

// disableNagle sets TCP_NODELAY on the handshake socket: the record and
// barrier exchange are small, latency-sensitive writes that must not wait
// on Nagle's algorithm to coalesce. Best-effort; conn need not be a
// *net.TCPConn (tests use a net.Pipe, which has no SyscallConn).
func disableNagle(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	rawConn, err := tcp.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}

func marshal(buf []byte, local LocalEndpoint) {
	binary.NativeEndian.PutUint32(buf[0:4], local.QPN)
	binary.NativeEndian.PutUint16(buf[4:6], local.LID)
	// buf[6:8] reserved, left zero.
	binary.NativeEndian.PutUint64(buf[8:16], local.RingMR.Addr())
	binary.NativeEndian.PutUint32(buf[16:20], local.RingMR.RKey())
	// buf[20:24] reserved, left zero.
	binary.NativeEndian.PutUint64(buf[24:32], local.SlotMR.Addr())
	binary.NativeEndian.PutUint32(buf[32:36], local.SlotMR.RKey())
	// buf[36:40] reserved, left zero.
	binary.NativeEndian.PutUint32(buf[recordSize:recordSize+4], local.ValidityMask)
	binary.NativeEndian.PutUint64(buf[recordSize+4:recordSize+12], local.RingSize)
}

func unmarshal(buf []byte) (RemoteEndpoint, uint32, uint64, error) {
	if len(buf) != frameSize {
		return RemoteEndpoint{}, 0, 0, fmt.Errorf("malformed handshake record: got %d bytes, want %d", len(buf), frameSize)
	}

	remote := RemoteEndpoint{
		QPN: binary.NativeEndian.Uint32(buf[0:4]),
		LID: binary.NativeEndian.Uint16(buf[4:6]),
		Ring: RemoteDescriptor{
			Addr: binary.NativeEndian.Uint64(buf[8:16]),
			Key:  binary.NativeEndian.Uint32(buf[16:20]),
		},
		Slot: RemoteDescriptor{
			Addr: binary.NativeEndian.Uint64(buf[24:32]),
			Key:  binary.NativeEndian.Uint32(buf[32:36]),
		},
	}
	mask := binary.NativeEndian.Uint32(buf[recordSize : recordSize+4])
	size := binary.NativeEndian.Uint64(buf[recordSize+4 : recordSize+12])

	if remote.QPN == 0 {
		return RemoteEndpoint{}, 0, 0, fmt.Errorf("malformed handshake record: zero QPN")
	}
	if size != 0 && (size&(size-1)) != 0 {
		return RemoteEndpoint{}, 0, 0, fmt.Errorf("malformed handshake record: ring size %d is not a power of two", size)
	}

	return remote, mask, size, nil
}

// ValidityMaskFor returns the VALIDITY_MASK this build of the package
// agrees on, for callers assembling a LocalEndpoint.
func ValidityMaskFor() uint32 { return ring.ValidityMask }
