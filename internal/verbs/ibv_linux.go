//go:build linux

package verbs

// #cgo CFLAGS: -I/usr/include
// #cgo LDFLAGS: -libverbs
//
// #include <stdlib.h>
// #include <string.h>
// #include <infiniband/verbs.h>
//
// static int ring_modify_qp_init(struct ibv_qp *qp, uint8_t port) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_INIT;
//     attr.port_num = port;
//     attr.qp_access_flags = IBV_ACCESS_LOCAL_WRITE | IBV_ACCESS_REMOTE_WRITE | IBV_ACCESS_REMOTE_READ;
//     attr.pkey_index = 0;
//     return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS);
// }
//
// static int ring_modify_qp_rtr(struct ibv_qp *qp, uint32_t remote_qpn, uint16_t remote_lid, uint8_t port) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTR;
//     attr.path_mtu = IBV_MTU_1024;
//     attr.dest_qp_num = remote_qpn;
//     attr.rq_psn = 0;
//     attr.max_dest_rd_atomic = 1;
//     attr.min_rnr_timer = 12;
//     attr.ah_attr.is_global = 0;
//     attr.ah_attr.dlid = remote_lid;
//     attr.ah_attr.sl = 0;
//     attr.ah_attr.src_path_bits = 0;
//     attr.ah_attr.port_num = port;
//     return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU |
//         IBV_QP_DEST_QPN | IBV_QP_RQ_PSN | IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER);
// }
//
// static int ring_modify_qp_rts(struct ibv_qp *qp) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTS;
//     attr.timeout = 14;
//     attr.retry_cnt = 7;
//     attr.rnr_retry = 7;
//     attr.sq_psn = 0;
//     attr.max_rd_atomic = 1;
//     return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT |
//         IBV_QP_RNR_RETRY | IBV_QP_SQ_PSN | IBV_QP_MAX_QP_RD_ATOMIC);
// }
//
// static int ring_modify_qp_err(struct ibv_qp *qp) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_ERR;
//     return ibv_modify_qp(qp, &attr, IBV_QP_STATE);
// }
//
// static void ring_set_rdma(struct ibv_send_wr *wr, uint64_t remote_addr, uint32_t rkey) {
//     wr->wr.rdma.remote_addr = remote_addr;
//     wr->wr.rdma.rkey = rkey;
// }
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// context is the cgo-backed implementation of Context, one per process (or
// per NUMA node, if multiple devices are opened). Device enumeration and
// port selection are the "opt-in policy" collaborator's job, per the
// specification's scope note; Open just takes the device name it is told
// to use.
type context struct {
	devCtx  *C.struct_ibv_context
	pd      *C.struct_ibv_pd
	sendCQ  *cq
	recvCQ  *cq
	port    uint8
	maxInln uint32
}

// Open attaches to the named RDMA device (e.g. "mlx5_0") and returns a
// ready-to-use Context: one protection domain and one send/receive
// completion queue pair, shared by every QueuePair the caller creates from
// it.
func Open(deviceName string, port uint8, cqDepth int) (Context, error) {
	var numDevices C.int
	list := C.ibv_get_device_list(&numDevices)
	if list == nil || numDevices == 0 {
		return nil, ErrNoDevice
	}
	defer C.ibv_free_device_list(list)

	devices := unsafe.Slice(list, int(numDevices))
	var dev *C.struct_ibv_device
	if deviceName == "" {
		dev = devices[0]
	} else {
		for _, d := range devices {
			if C.GoString(C.ibv_get_device_name(d)) == deviceName {
				dev = d
				break
			}
		}
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoDevice, deviceName)
	}

	devCtx, err := C.ibv_open_device(dev)
	if devCtx == nil {
		return nil, fmt.Errorf("ibv_open_device(%q): %w", deviceName, err)
	}

	pd, err := C.ibv_alloc_pd(devCtx)
	if pd == nil {
		C.ibv_close_device(devCtx)
		return nil, fmt.Errorf("ibv_alloc_pd: %w", err)
	}

	sendCQ, err := newCQ(devCtx, cqDepth)
	if err != nil {
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(devCtx)
		return nil, err
	}
	recvCQ, err := newCQ(devCtx, cqDepth)
	if err != nil {
		sendCQ.destroy()
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(devCtx)
		return nil, err
	}

	var portAttr C.struct_ibv_port_attr
	if rc, err := C.ibv_query_port(devCtx, C.uint8_t(port), &portAttr); rc != 0 {
		sendCQ.destroy()
		recvCQ.destroy()
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(devCtx)
		return nil, fmt.Errorf("ibv_query_port: %w", err)
	}

	var devAttr C.struct_ibv_device_attr
	maxInline := uint32(256)
	if rc, err := C.ibv_query_device(devCtx, &devAttr); rc == 0 && err == nil {
		// The device attributes are queried but not used: MaxInlineData
		// always reports 256, which is also the max_inline_data every
		// queue pair requests; the provider's actual inline ceiling is
		// not read back.
		_ = devAttr
	}

	return &context{
		devCtx:  devCtx,
		pd:      pd,
		sendCQ:  sendCQ,
		recvCQ:  recvCQ,
		port:    port,
		maxInln: maxInline,
	}, nil
}

func (c *context) ProtectionDomain() ProtectionDomain { return &protectionDomain{pd: c.pd} }
func (c *context) SendCQ() CompletionQueue            { return c.sendCQ }
func (c *context) RecvCQ() CompletionQueue            { return c.recvCQ }
func (c *context) MaxInlineData() uint32              { return c.maxInln }

func (c *context) PortLID() (uint16, error) {
	var attr C.struct_ibv_port_attr
	rc, err := C.ibv_query_port(c.devCtx, C.uint8_t(c.port), &attr)
	if rc != 0 {
		return 0, fmt.Errorf("ibv_query_port: %w", err)
	}
	return uint16(attr.lid), nil
}

func (c *context) NewQueuePair(sendCQ, recvCQ CompletionQueue, pd ProtectionDomain) (QueuePair, error) {
	sq, ok := sendCQ.(*cq)
	if !ok {
		return nil, fmt.Errorf("verbs: sendCQ was not created by this provider")
	}
	rq, ok := recvCQ.(*cq)
	if !ok {
		return nil, fmt.Errorf("verbs: recvCQ was not created by this provider")
	}
	pdImpl, ok := pd.(*protectionDomain)
	if !ok {
		return nil, fmt.Errorf("verbs: protection domain was not created by this provider")
	}

	var initAttr C.struct_ibv_qp_init_attr
	initAttr.send_cq = sq.ptr
	initAttr.recv_cq = rq.ptr
	initAttr.qp_type = C.IBV_QPT_RC
	initAttr.cap.max_send_wr = 128
	initAttr.cap.max_recv_wr = 128
	initAttr.cap.max_send_sge = 3
	initAttr.cap.max_recv_sge = 1
	initAttr.cap.max_inline_data = C.uint32_t(c.maxInln)

	qp, err := C.ibv_create_qp(pdImpl.pd, &initAttr)
	if qp == nil {
		return nil, fmt.Errorf("ibv_create_qp: %w", err)
	}

	return &queuePair{qp: qp, port: c.port}, nil
}

func (c *context) Close() error {
	c.sendCQ.destroy()
	c.recvCQ.destroy()
	if rc, err := C.ibv_dealloc_pd(c.pd); rc != 0 {
		return fmt.Errorf("ibv_dealloc_pd: %w", err)
	}
	if rc, err := C.ibv_close_device(c.devCtx); rc != 0 {
		return fmt.Errorf("ibv_close_device: %w", err)
	}
	return nil
}

// protectionDomain wraps a struct ibv_pd.
type protectionDomain struct {
	pd *C.struct_ibv_pd
}

func (p *protectionDomain) RegisterMemory(buf []byte, access AccessFlags) (MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("verbs: cannot register an empty region")
	}
	mr, err := C.ibv_reg_mr(p.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return nil, fmt.Errorf("ibv_reg_mr: %w", err)
	}
	return &memoryRegion{mr: mr}, nil
}

// memoryRegion wraps a struct ibv_mr.
type memoryRegion struct {
	mr *C.struct_ibv_mr
}

func (m *memoryRegion) Addr() uint64 { return uint64(uintptr(m.mr.addr)) }
func (m *memoryRegion) RKey() uint32 { return uint32(m.mr.rkey) }
func (m *memoryRegion) LKey() uint32 { return uint32(m.mr.lkey) }

func (m *memoryRegion) Deregister() error {
	if rc, err := C.ibv_dereg_mr(m.mr); rc != 0 {
		return fmt.Errorf("ibv_dereg_mr: %w", err)
	}
	return nil
}

// cq wraps a struct ibv_cq. poll is serialized by the caller (messagering
// holds a mutex across a shared send/receive completion queue, per the
// specification's concurrency model).
type cq struct {
	ptr *C.struct_ibv_cq
	mu  sync.Mutex
}

func newCQ(devCtx *C.struct_ibv_context, depth int) (*cq, error) {
	ptr, err := C.ibv_create_cq(devCtx, C.int(depth), nil, nil, 0)
	if ptr == nil {
		return nil, fmt.Errorf("ibv_create_cq: %w", err)
	}
	return &cq{ptr: ptr}, nil
}

func (c *cq) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ptr != nil {
		C.ibv_destroy_cq(c.ptr)
		c.ptr = nil
	}
}

func (c *cq) Poll(max int) ([]WorkCompletion, error) {
	if max <= 0 {
		return nil, nil
	}
	wcs := make([]C.struct_ibv_wc, max)

	c.mu.Lock()
	n := C.ibv_poll_cq(c.ptr, C.int(max), &wcs[0])
	c.mu.Unlock()

	if n < 0 {
		return nil, fmt.Errorf("ibv_poll_cq: provider returned %d", n)
	}

	out := make([]WorkCompletion, 0, n)
	for i := 0; i < int(n); i++ {
		wc := wcs[i]
		status := StatusSuccess
		if wc.status != C.IBV_WC_SUCCESS {
			status = StatusError
		}
		out = append(out, WorkCompletion{
			ID:      uint64(wc.wr_id),
			Status:  status,
			ByteLen: uint32(wc.byte_len),
		})
	}
	return out, nil
}

// queuePair wraps a struct ibv_qp.
type queuePair struct {
	qp   *C.struct_ibv_qp
	port uint8
}

func (q *queuePair) QPN() uint32 { return uint32(q.qp.qp_num) }

func (q *queuePair) PostReceive(wrID uint64) error {
	var wr C.struct_ibv_recv_wr
	wr.wr_id = C.uint64_t(wrID)
	var bad *C.struct_ibv_recv_wr
	if rc, err := C.ibv_post_recv(q.qp, &wr, &bad); rc != 0 {
		return fmt.Errorf("ibv_post_recv: %w", err)
	}
	return nil
}

func (q *queuePair) PostSend(wr SendWorkRequest) error {
	if len(wr.SGEs) == 0 || len(wr.SGEs) > 3 {
		return fmt.Errorf("verbs: send work request must carry 1-3 SGEs, got %d", len(wr.SGEs))
	}

	sges := make([]C.struct_ibv_sge, len(wr.SGEs))
	for i, sge := range wr.SGEs {
		sges[i] = C.struct_ibv_sge{
			addr:   C.uint64_t(sge.Addr),
			length: C.uint32_t(sge.Length),
			lkey:   C.uint32_t(sge.LKey),
		}
	}

	var cwr C.struct_ibv_send_wr
	cwr.wr_id = C.uint64_t(wr.ID)
	cwr.opcode = C.IBV_WR_RDMA_WRITE
	cwr.sg_list = &sges[0]
	cwr.num_sge = C.int(len(sges))
	C.ring_set_rdma(&cwr, C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey))

	if wr.Signaled {
		cwr.send_flags |= C.IBV_SEND_SIGNALED
	}
	if wr.Inline {
		cwr.send_flags |= C.IBV_SEND_INLINE
	}

	var bad *C.struct_ibv_send_wr
	if rc, err := C.ibv_post_send(q.qp, &cwr, &bad); rc != 0 {
		return fmt.Errorf("ibv_post_send: %w", err)
	}
	return nil
}

func (q *queuePair) PostRead(wrID uint64, localAddr uint64, lkey uint32, length uint32, remoteAddr uint64, rkey uint32, signaled bool) error {
	sge := C.struct_ibv_sge{
		addr:   C.uint64_t(localAddr),
		length: C.uint32_t(length),
		lkey:   C.uint32_t(lkey),
	}

	var cwr C.struct_ibv_send_wr
	cwr.wr_id = C.uint64_t(wrID)
	cwr.opcode = C.IBV_WR_RDMA_READ
	cwr.sg_list = &sge
	cwr.num_sge = 1
	C.ring_set_rdma(&cwr, C.uint64_t(remoteAddr), C.uint32_t(rkey))
	if signaled {
		cwr.send_flags |= C.IBV_SEND_SIGNALED
	}

	var bad *C.struct_ibv_send_wr
	if rc, err := C.ibv_post_send(q.qp, &cwr, &bad); rc != 0 {
		return fmt.Errorf("ibv_post_send(RDMA_READ): %w", err)
	}
	return nil
}

func (q *queuePair) ModifyToInit() error {
	if rc := C.ring_modify_qp_init(q.qp, C.uint8_t(q.port)); rc != 0 {
		return fmt.Errorf("modify_qp(INIT) failed, rc=%d", rc)
	}
	return nil
}

func (q *queuePair) ModifyToRTR(remote RemoteQPInfo) error {
	if rc := C.ring_modify_qp_rtr(q.qp, C.uint32_t(remote.QPN), C.uint16_t(remote.LID), C.uint8_t(q.port)); rc != 0 {
		return fmt.Errorf("modify_qp(RTR) failed, rc=%d", rc)
	}
	return nil
}

func (q *queuePair) ModifyToRTS() error {
	if rc := C.ring_modify_qp_rts(q.qp); rc != 0 {
		return fmt.Errorf("modify_qp(RTS) failed, rc=%d", rc)
	}
	return nil
}

func (q *queuePair) ModifyToError() error {
	if rc := C.ring_modify_qp_err(q.qp); rc != 0 {
		return fmt.Errorf("modify_qp(ERR) failed, rc=%d", rc)
	}
	return nil
}

func (q *queuePair) Destroy() error {
	if rc, err := C.ibv_destroy_qp(q.qp); rc != 0 {
		return fmt.Errorf("ibv_destroy_qp: %w", err)
	}
	return nil
}
