// Package endpoint implements the socket-like object that binds a UMEM
// and a device/queue pair, owning an RX ring and a TX ring and routing
// XDP-delivered frames into RX while draining TX into the device.
package endpoint

import (
	"sync"
	"sync/atomic"

	"github.com/afxdp/xskcore/device"
	"github.com/afxdp/xskcore/ring"
	"github.com/afxdp/xskcore/umem"
	"github.com/afxdp/xskcore/xdpfam"
)

// State is one of the endpoint's three lifecycle states.
type State int

const (
	// Fresh: created, no UMEM, no rings, no device.
	Fresh State = iota
	// Configured: UMEM registered and/or RX/TX rings created; no device bound.
	Configured
	// Bound: terminal active state; all ring-publication guarantees are in force.
	Bound
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Configured:
		return "configured"
	case Bound:
		return "bound"
	default:
		return "unknown"
	}
}

// BindRequest is the bind configuration payload.
type BindRequest struct {
	Family           uint32
	Ifindex          uint32
	QueueID          uint32
	Shared           bool
	SharedUMEMHandle *Endpoint
}

// InboundFrame is a reference to a frame just produced by the XDP data
// path, handed to Receive on the driver's CPU.
type InboundFrame struct {
	Ifindex uint32
	QueueID uint32
	Data    []byte
}

// Statistics is the read-only STATISTICS configuration option payload.
type Statistics struct {
	RxDropped      uint64
	RxInvalidDescs uint64
	TxInvalidDescs uint64
}

// Endpoint is the socket-like handle binding a UMEM to a specific
// device receive queue.
type Endpoint struct {
	mu sync.Mutex

	state State

	resolver device.Resolver
	dev      device.Handle
	ifindex  uint32
	queueID  uint32

	u        *umem.UMEM
	ownsUMEM bool

	rx *ring.Ring[ring.Descriptor]
	tx *ring.Ring[ring.Descriptor]

	rxDropped atomic.Uint64

	readWake  *notifier
	writeWake *notifier
}

// New constructs a Fresh endpoint that resolves devices through r.
func New(r device.Resolver) *Endpoint {
	return &Endpoint{
		resolver:  r,
		state:     Fresh,
		readWake:  newNotifier(),
		writeWake: newNotifier(),
	}
}

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) advanceFromFresh() {
	if e.state == Fresh {
		e.state = Configured
	}
}

// RegisterUMEM registers a new UMEM for this endpoint (the UMEM_REG
// option). Idempotent-per-resource: fails with ErrAlreadyRegistered if
// this endpoint already has a UMEM.
func (e *Endpoint) RegisterUMEM(region umem.Region) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.u != nil {
		return ErrAlreadyRegistered
	}
	u, err := umem.New(region)
	if err != nil {
		return translateUMEMErr(err)
	}
	e.u = u
	e.ownsUMEM = true
	e.advanceFromFresh()
	return nil
}

// RegisterMappedUMEM is RegisterUMEM for a frame region backed by real
// shared memory (an anonymous memfd, see umem.NewMapped) instead of a
// caller-supplied heap slice.
func (e *Endpoint) RegisterMappedUMEM(numFrames, frameSize, frameHeadroom uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.u != nil {
		return ErrAlreadyRegistered
	}
	u, err := umem.NewMapped(numFrames, frameSize, frameHeadroom)
	if err != nil {
		return translateUMEMErr(err)
	}
	e.u = u
	e.ownsUMEM = true
	e.advanceFromFresh()
	return nil
}

// AttachFill creates the UMEM's fill ring (UMEM_FILL_RING option).
func (e *Endpoint) AttachFill(capacity uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.u == nil {
		return ErrInvalidState
	}
	if err := e.u.AttachFill(capacity); err != nil {
		return translateUMEMErr(err)
	}
	return nil
}

// AttachCompletion creates the UMEM's completion ring (UMEM_COMPLETION_RING option).
func (e *Endpoint) AttachCompletion(capacity uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.u == nil {
		return ErrInvalidState
	}
	if err := e.u.AttachCompletion(capacity); err != nil {
		return translateUMEMErr(err)
	}
	return nil
}

// CreateRX creates the RX descriptor ring (RX_RING option).
func (e *Endpoint) CreateRX(entries uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rx != nil {
		return ErrAlreadyRegistered
	}
	r, err := ring.NewMapped[ring.Descriptor](entries, ring.OffsetRX)
	if err != nil {
		return translateRingErr(err)
	}
	e.rx = r
	e.advanceFromFresh()
	return nil
}

// CreateTX creates the TX descriptor ring (TX_RING option).
func (e *Endpoint) CreateTX(entries uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tx != nil {
		return ErrAlreadyRegistered
	}
	r, err := ring.NewMapped[ring.Descriptor](entries, ring.OffsetTX)
	if err != nil {
		return translateRingErr(err)
	}
	e.tx = r
	e.advanceFromFresh()
	return nil
}

// UMEM returns the endpoint's attached UMEM, or nil.
func (e *Endpoint) UMEM() *umem.UMEM {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.u
}

// RXRing returns the endpoint's RX descriptor ring, or nil.
func (e *Endpoint) RXRing() *ring.Ring[ring.Descriptor] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rx
}

// TXRing returns the endpoint's TX descriptor ring, or nil.
func (e *Endpoint) TXRing() *ring.Ring[ring.Descriptor] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx
}

// DeviceQueue returns the (ifindex, queue) this endpoint is bound to,
// and whether it is currently bound at all.
func (e *Endpoint) DeviceQueue() (ifindex, queueID uint32, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Bound {
		return 0, 0, false
	}
	return e.ifindex, e.queueID, true
}

// Statistics returns the endpoint's observable counters.
func (e *Endpoint) Statistics() Statistics {
	e.mu.Lock()
	rx, tx := e.rx, e.tx
	e.mu.Unlock()
	var s Statistics
	s.RxDropped = e.rxDropped.Load()
	if rx != nil {
		s.RxInvalidDescs = rx.InvalidDescs()
	}
	if tx != nil {
		s.TxInvalidDescs = tx.InvalidDescs()
	}
	return s
}

// Bind implements the seven-step bind algorithm from spec §4.3.
func (e *Endpoint) Bind(req BindRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: validate address family, resolve ifindex to a device handle.
	if req.Family != xdpfam.AddressFamily {
		return ErrInvalidArgument
	}

	// Idempotent rebind to the same (device, queue): no-op.
	if e.state == Bound && e.ifindex == req.Ifindex && e.queueID == req.QueueID && !req.Shared {
		return nil
	}

	dev, err := e.resolver.Resolve(req.Ifindex)
	if err != nil {
		return ErrNoSuchDevice
	}

	// Step 2: require at least one of RX/TX configured.
	if e.rx == nil && e.tx == nil {
		dev.Close()
		return ErrInvalidState
	}

	// Step 3: require queue_id < device.num_rx_queues.
	if req.QueueID >= dev.NumRXQueues() {
		dev.Close()
		return ErrInvalidQueue
	}

	if req.Shared {
		// Step 4: shared-UMEM flag set.
		owner := req.SharedUMEMHandle
		if owner == nil {
			dev.Close()
			return ErrInvalidArgument
		}
		ownerIfindex, ownerQueue, ok := owner.DeviceQueue()
		if !ok || ownerIfindex != req.Ifindex || ownerQueue != req.QueueID {
			dev.Close()
			return ErrInvalidArgument
		}
		if e.u != nil {
			dev.Close()
			return ErrAlreadyRegistered
		}
		ownerUMEM := owner.UMEM()
		if ownerUMEM == nil || !ownerUMEM.Ready() {
			dev.Close()
			return ErrInvalidArgument
		}
		e.u = ownerUMEM.Get()
		e.ownsUMEM = false
	} else {
		// Step 5: require own UMEM with FQ/CQ attached.
		if e.u == nil || !e.u.Ready() {
			dev.Close()
			return ErrInvalidState
		}
	}

	// Step 6: rebind bookkeeping.
	if e.state == Bound {
		synchronizeWithDriver(e.dev)
		e.dev.Close()
	}

	// Step 7: commit.
	e.dev = dev
	e.ifindex = req.Ifindex
	e.queueID = req.QueueID
	e.state = Bound

	props := e.u.Props()
	if e.rx != nil {
		e.rx.SetProps(props)
	}
	if e.tx != nil {
		e.tx.SetProps(props)
	}

	return nil
}

// Release transitions the endpoint out of Bound, synchronizing with
// the driver before dropping the device reference. UMEM and rings are
// retained (Configured).
func (e *Endpoint) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Bound {
		return ErrInvalidState
	}
	synchronizeWithDriver(e.dev)
	e.dev.Close()
	e.dev = nil
	e.state = Configured
	return nil
}

// Close releases the endpoint's UMEM reference (destroying the pool
// once the last holder releases it) after an optional Release. Call
// once the endpoint itself is being torn down.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Bound {
		synchronizeWithDriver(e.dev)
		e.dev.Close()
		e.dev = nil
		e.state = Configured
	}
	if e.u != nil {
		e.u.Put()
		e.u = nil
	}
	return nil
}

func synchronizeWithDriver(dev device.Handle) {
	if s, ok := dev.(interface{ Synchronize() }); ok {
		s.Synchronize()
	}
}

// Receive is the batched ingress variant: called on the driver's CPU
// with a reference to a frame just produced by the XDP program. It
// publishes to RX without waking poll-waiters, deferring that to a
// later Flush call so many frames from the same NAPI pass can be
// amortized into one wakeup.
func (e *Endpoint) Receive(frame InboundFrame) error {
	if frame.Ifindex != e.ifindex || frame.QueueID != e.queueID {
		return ErrMisrouted
	}

	fq := e.u.Fill()
	fn, fpos := fq.Peek(1)
	if fn == 0 {
		e.rxDropped.Add(1)
		return ErrNoFillBuffer
	}
	idx := fq.Get(fpos)

	dst := e.u.FrameWithHeadroom(idx)
	n := len(frame.Data)
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst[:n], frame.Data[:n])

	props := e.u.Props()
	desc := ring.Descriptor{Idx: idx, Len: uint32(n), Offset: props.FrameHeadroom}

	rn, rpos := e.rx.Reserve(1)
	if rn == 0 {
		e.rxDropped.Add(1)
		return ErrWouldBlock
	}
	e.rx.Set(rpos, desc)
	if err := e.rx.Publish(1); err != nil {
		e.rxDropped.Add(1)
		return ErrWouldBlock
	}

	fq.Release(1)
	return nil
}

// ReceiveAndFlush is the flush variant: it behaves like Receive and
// additionally wakes any poll-waiters immediately.
func (e *Endpoint) ReceiveAndFlush(frame InboundFrame) error {
	err := e.Receive(frame)
	e.Flush()
	return err
}

// Flush wakes readers waiting on this endpoint's readiness channel,
// amortizing many Receive calls from one NAPI pass into one wakeup.
func (e *Endpoint) Flush() {
	e.readWake.wake()
}

// Xmit is the egress drain: serialized by the endpoint mutex. It
// repeats at most batchLimit times, returning the number of
// descriptors successfully submitted to the device.
func (e *Endpoint) Xmit(batchLimit int) (sent int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Bound {
		return 0, ErrInvalidState
	}

	// Wake writer-waiters on every return path below, not just a clean
	// loop exit: a caller blocked on WriteReady() must see a partial
	// batch that later hits CQ-full/device-error/drop/busy.
	defer func() {
		if sent > 0 {
			e.writeWake.wake()
		}
	}()

	cq := e.u.Completion()
	mtu := e.dev.MTU()

	for i := 0; i < batchLimit; i++ {
		tn, tpos := e.tx.Peek(1)
		if tn == 0 {
			break
		}
		desc := e.tx.Get(tpos)

		// Reserve CQ capacity for the eventual completion. Reserve
		// never mutates ring state, so there is nothing to "give back"
		// if we bail out below: the open question of whether a failed
		// descriptor consumes the reservation does not arise here.
		cqAvail, cqPos := cq.Reserve(1)
		if cqAvail == 0 {
			return sent, ErrWouldBlock
		}

		if !e.u.ValidDescriptor(desc, mtu) {
			e.tx.RecordInvalid()
			e.tx.Release(1)
			continue
		}

		payload := e.u.FrameAt(desc)
		data := make([]byte, len(payload))
		copy(data, payload)

		idx := desc.Idx
		token := device.NewCompletionToken(func() {
			cq.Set(cqPos, idx)
			cq.Publish(1)
		})

		status, txErr := e.dev.Transmit(&device.Frame{Data: data, Token: token})
		if txErr != nil {
			return sent, txErr
		}

		e.tx.Release(1)

		switch status {
		case device.StatusSent, device.StatusCongested:
			token.Release()
			sent++
		case device.StatusDropped, device.StatusBusy:
			return sent, ErrWouldBlock
		}
	}

	return sent, nil
}

// Poll reports level-triggered readiness: readable when RX is
// non-empty, writable when TX has free space. All other standard
// socket operations are unsupported.
func (e *Endpoint) Poll() (readable, writable bool) {
	e.mu.Lock()
	rx, tx := e.rx, e.tx
	e.mu.Unlock()
	if rx != nil {
		readable = rx.Len() > 0
	}
	if tx != nil {
		writable = tx.Len() < tx.Capacity()
	}
	return readable, writable
}

// ReadReady returns a channel that receives a value whenever Flush (or
// ReceiveAndFlush) runs, for event-driven callers layered over the
// level-triggered Poll.
func (e *Endpoint) ReadReady() <-chan struct{} { return e.readWake.c }

// WriteReady returns a channel that receives a value whenever Xmit
// successfully sends at least one frame.
func (e *Endpoint) WriteReady() <-chan struct{} { return e.writeWake.c }

// Connect, Accept, Listen, Recvmsg and the rest of the standard socket
// surface are unsupported by an AF_XDP-style endpoint.
func (e *Endpoint) Connect() error { return ErrNotSupported }
func (e *Endpoint) Accept() error  { return ErrNotSupported }
func (e *Endpoint) Listen() error  { return ErrNotSupported }

// translateRingErr maps a ring construction failure to the endpoint's
// own error taxonomy: a bad capacity is the caller's mistake, anything
// else (the memfd/mmap machinery NewMapped uses for real shared-memory
// backing) is a resource failure.
func translateRingErr(err error) error {
	if err == ring.ErrInvalidCapacity {
		return ErrInvalidCapacity
	}
	return ErrOutOfMemory
}

func translateUMEMErr(err error) error {
	switch err {
	case umem.ErrAlreadyRegistered:
		return ErrAlreadyRegistered
	case umem.ErrInvalidGeometry:
		return ErrInvalidGeometry
	case umem.ErrNotFound:
		return ErrInvalidArgument
	case umem.ErrBadDescriptor:
		return ErrInvalidArgument
	default:
		return err
	}
}

type notifier struct {
	c chan struct{}
}

func newNotifier() *notifier {
	return &notifier{c: make(chan struct{}, 1)}
}

func (n *notifier) wake() {
	select {
	case n.c <- struct{}{}:
	default:
	}
}
