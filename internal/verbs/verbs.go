// Package verbs declares the small interface boundary the message ring core
// consumes from the RDMA provider. Per the specification this boundary is
// an external collaborator: device enumeration and queue-pair-creation
// wrapping live here, not in the core. The core imports only these
// interfaces; ibv_linux.go supplies the one concrete implementation, a thin
// cgo binding over libibverbs.
package verbs

import "fmt"

// AccessFlags mirrors the ibv_access_flags bitmask passed to memory
// registration.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// Opcode identifies the RDMA operation a work request or completion refers
// to. Only the subset the ring needs is modeled.
type Opcode uint8

const (
	OpSend Opcode = iota
	OpRDMAWrite
	OpRDMARead
)

// CompletionStatus mirrors ibv_wc_status; only success is distinguished
// from "anything else", since the ring's only recourse on any non-success
// status is ErrConnectionLost.
type CompletionStatus uint8

const (
	StatusSuccess CompletionStatus = iota
	StatusError
)

// SGE is one scatter-gather element of a work request, naming a local,
// already-registered (or inline) span of memory.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendWorkRequest describes one RDMA write, carrying up to three SGEs
// (length header, payload, validity footer) posted as a single work
// request so the reliable-connected transport delivers them as an ordered
// unit. Both providers in this module post every SendWorkRequest as an
// RDMA write; Opcode is not consulted when posting.
type SendWorkRequest struct {
	ID         uint64
	Opcode     Opcode
	SGEs       []SGE
	RemoteAddr uint64
	RKey       uint32
	Inline     bool
	Signaled   bool
}

// WorkCompletion is one entry polled from a CompletionQueue.
type WorkCompletion struct {
	ID      uint64
	Status  CompletionStatus
	Opcode  Opcode
	ByteLen uint32
}

// RemoteQPInfo names the peer queue pair learned during the handshake.
type RemoteQPInfo struct {
	QPN uint32
	LID uint16
}

// MemoryRegion is a registered, pinned span of local memory a peer can
// target by (address, rkey).
type MemoryRegion interface {
	Addr() uint64
	RKey() uint32
	LKey() uint32
	Deregister() error
}

// ProtectionDomain scopes memory registration and queue pair creation.
type ProtectionDomain interface {
	RegisterMemory(buf []byte, access AccessFlags) (MemoryRegion, error)
}

// CompletionQueue is polled for completed work requests. Implementations
// must be safe to poll from multiple QueuePairs sharing one queue; the
// core serializes that polling itself (see messagering's cqMu).
type CompletionQueue interface {
	Poll(max int) ([]WorkCompletion, error)
}

// QueuePair is one reliable-connected queue pair, owned exclusively by one
// MessageRing.
type QueuePair interface {
	QPN() uint32
	PostReceive(wrID uint64) error
	PostSend(wr SendWorkRequest) error
	PostRead(wrID uint64, localAddr uint64, lkey uint32, length uint32, remoteAddr uint64, rkey uint32, signaled bool) error
	ModifyToInit() error
	ModifyToRTR(remote RemoteQPInfo) error
	ModifyToRTS() error
	ModifyToError() error
	Destroy() error
}

// Context is the process-wide RDMA context: one protection domain, one
// send and one receive completion queue, and a factory for queue pairs.
// Multiple MessageRings may share one Context.
type Context interface {
	ProtectionDomain() ProtectionDomain
	SendCQ() CompletionQueue
	RecvCQ() CompletionQueue
	PortLID() (uint16, error)
	MaxInlineData() uint32
	NewQueuePair(sendCQ, recvCQ CompletionQueue, pd ProtectionDomain) (QueuePair, error)
	Close() error
}

// ErrNoDevice is returned by Open when no RDMA-capable device is present.
var ErrNoDevice = fmt.Errorf("no RDMA-capable device found")
