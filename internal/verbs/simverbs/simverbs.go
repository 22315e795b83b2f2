// Package simverbs implements verbs.Context entirely in Go, performing
// "RDMA" writes and reads as plain memory copies between two registered
// regions that live in the same process. It exists so the handshake, send
// path, receive path and message ring facade can be exercised in tests
// without RDMA-capable hardware, the same way the teacher corpus's
// dataplane tests fake a memory context rather than require real hugepages
// (common/go/testutils.NewMemoryContext) and the way the broader example
// corpus simulates RDMA work-request completion synchronously rather than
// waiting on real hardware (a pattern also seen in comparable simplified
// RDMA implementations in the wild).
package simverbs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/yanet-platform/rdmaring/internal/verbs"
)

// Context is a loopback verbs.Context. Two Contexts created from the same
// process can address each other's registered memory directly, since
// RemoteDescriptor addresses returned by RegisterMemory are real process
// pointers.
type Context struct {
	pd        protectionDomain
	sendCQ    *cq
	recvCQ    *cq
	maxInline uint32
	lid       uint16
}

var _ verbs.Context = (*Context)(nil)

// NewContext returns a Context with a fresh send/receive completion queue
// pair and protection domain.
func NewContext(lid uint16, maxInline uint32) *Context {
	return &Context{
		sendCQ:    newCQ(),
		recvCQ:    newCQ(),
		maxInline: maxInline,
		lid:       lid,
	}
}

func (c *Context) ProtectionDomain() verbs.ProtectionDomain { return &c.pd }
func (c *Context) SendCQ() verbs.CompletionQueue            { return c.sendCQ }
func (c *Context) RecvCQ() verbs.CompletionQueue            { return c.recvCQ }
func (c *Context) MaxInlineData() uint32                    { return c.maxInline }
func (c *Context) PortLID() (uint16, error)                 { return c.lid, nil }
func (c *Context) Close() error                             { return nil }

func (c *Context) NewQueuePair(sendCQ, recvCQ verbs.CompletionQueue, pd verbs.ProtectionDomain) (verbs.QueuePair, error) {
	sq, ok := sendCQ.(*cq)
	if !ok {
		return nil, fmt.Errorf("simverbs: sendCQ was not created by this provider")
	}
	rq, ok := recvCQ.(*cq)
	if !ok {
		return nil, fmt.Errorf("simverbs: recvCQ was not created by this provider")
	}
	return &queuePair{sendCQ: sq, recvCQ: rq, qpn: nextQPN()}, nil
}

var qpnCounter atomic.Uint32

func nextQPN() uint32 { return qpnCounter.Add(1) }

var keyCounter atomic.Uint32

func nextKey() uint32 { return keyCounter.Add(1) }

type protectionDomain struct{}

func (p *protectionDomain) RegisterMemory(buf []byte, access verbs.AccessFlags) (verbs.MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("simverbs: cannot register an empty region")
	}
	return &memoryRegion{
		addr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		key:  nextKey(),
	}, nil
}

type memoryRegion struct {
	addr uint64
	key  uint32
}

func (m *memoryRegion) Addr() uint64      { return m.addr }
func (m *memoryRegion) RKey() uint32      { return m.key }
func (m *memoryRegion) LKey() uint32      { return m.key }
func (m *memoryRegion) Deregister() error { return nil }

type cq struct {
	mu      sync.Mutex
	pending []verbs.WorkCompletion
}

func newCQ() *cq { return &cq{} }

func (q *cq) push(wc verbs.WorkCompletion) {
	q.mu.Lock()
	q.pending = append(q.pending, wc)
	q.mu.Unlock()
}

func (q *cq) Poll(max int) ([]verbs.WorkCompletion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max > len(q.pending) {
		max = len(q.pending)
	}
	out := append([]verbs.WorkCompletion(nil), q.pending[:max]...)
	q.pending = q.pending[max:]
	return out, nil
}

type queuePair struct {
	sendCQ, recvCQ *cq
	qpn            uint32
}

func (q *queuePair) QPN() uint32 { return q.qpn }

// PostReceive is a no-op: the simulated transport never needs a posted
// receive buffer to land an RDMA write, same as real hardware.
func (q *queuePair) PostReceive(wrID uint64) error { return nil }

func addrBytes(addr uint64, length uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}

func sgeTotalLen(sges []verbs.SGE) uint32 {
	var n uint32
	for _, s := range sges {
		n += s.Length
	}
	return n
}

func (q *queuePair) PostSend(wr verbs.SendWorkRequest) error {
	total := sgeTotalLen(wr.SGEs)
	dst := addrBytes(wr.RemoteAddr, total)

	off := uint32(0)
	for _, sge := range wr.SGEs {
		copy(dst[off:off+sge.Length], addrBytes(sge.Addr, sge.Length))
		off += sge.Length
	}

	if wr.Signaled {
		q.sendCQ.push(verbs.WorkCompletion{ID: wr.ID, Status: verbs.StatusSuccess, Opcode: verbs.OpRDMAWrite, ByteLen: total})
	}
	return nil
}

func (q *queuePair) PostRead(wrID uint64, localAddr uint64, lkey uint32, length uint32, remoteAddr uint64, rkey uint32, signaled bool) error {
	copy(addrBytes(localAddr, length), addrBytes(remoteAddr, length))
	if signaled {
		q.sendCQ.push(verbs.WorkCompletion{ID: wrID, Status: verbs.StatusSuccess, Opcode: verbs.OpRDMARead, ByteLen: length})
	}
	return nil
}

func (q *queuePair) ModifyToInit() error                         { return nil }
func (q *queuePair) ModifyToRTR(_ verbs.RemoteQPInfo) error       { return nil }
func (q *queuePair) ModifyToRTS() error                           { return nil }
func (q *queuePair) ModifyToError() error                         { return nil }
func (q *queuePair) Destroy() error                               { return nil }
