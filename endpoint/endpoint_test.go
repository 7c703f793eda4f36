package endpoint

import (
	"testing"

	"github.com/afxdp/xskcore/device"
	"github.com/afxdp/xskcore/ring"
	"github.com/afxdp/xskcore/umem"
	"github.com/afxdp/xskcore/xdpfam"
)

const (
	testFrameSize = 2048
	testHeadroom  = 256
	testMTU       = 1500
)

func newRegion(numFrames int) umem.Region {
	return umem.Region{
		Addr:          make([]byte, testFrameSize*numFrames),
		FrameSize:     testFrameSize,
		FrameHeadroom: testHeadroom,
	}
}

func newBoundEndpoint(t *testing.T, loop *device.Loopback, ifindex, queueID uint32) *Endpoint {
	t.Helper()
	e := New(loop)
	if err := e.RegisterUMEM(newRegion(8)); err != nil {
		t.Fatalf("RegisterUMEM: %v", err)
	}
	if err := e.AttachFill(8); err != nil {
		t.Fatalf("AttachFill: %v", err)
	}
	if err := e.AttachCompletion(8); err != nil {
		t.Fatalf("AttachCompletion: %v", err)
	}
	if err := e.CreateRX(8); err != nil {
		t.Fatalf("CreateRX: %v", err)
	}
	if err := e.CreateTX(8); err != nil {
		t.Fatalf("CreateTX: %v", err)
	}

	fq := e.UMEM().Fill()
	n, pos := fq.Reserve(8)
	for i := uint32(0); i < n; i++ {
		fq.Set(pos+i, i)
	}
	fq.Publish(n)

	if err := e.Bind(BindRequest{Family: xdpfam.AddressFamily, Ifindex: ifindex, QueueID: queueID}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return e
}

// S1: loopback RX — a frame delivered via Receive lands on the RX ring
// with the fill-queue index it consumed.
func TestReceiveDeliversToRX(t *testing.T) {
	loop := device.NewLoopback(1, 4, testMTU)
	e := newBoundEndpoint(t, loop, 1, 0)

	payload := []byte("hello-xdp")
	if err := e.Receive(InboundFrame{Ifindex: 1, QueueID: 0, Data: payload}); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if got := e.rx.Len(); got != 1 {
		t.Fatalf("rx.Len() = %d, want 1", got)
	}
	rn, rpos := e.rx.Peek(1)
	if rn != 1 {
		t.Fatalf("rx.Peek = %d, want 1", rn)
	}
	desc := e.rx.Get(rpos)
	frame := e.UMEM().FrameAt(desc)
	if string(frame) != string(payload) {
		t.Fatalf("frame payload = %q, want %q", frame, payload)
	}
}

// S2: drop on empty fill queue — once FQ is drained, further Receive
// calls fail with ErrNoFillBuffer and increment RxDropped.
func TestReceiveDropsOnEmptyFillQueue(t *testing.T) {
	loop := device.NewLoopback(1, 4, testMTU)
	e := New(loop)
	if err := e.RegisterUMEM(newRegion(1)); err != nil {
		t.Fatalf("RegisterUMEM: %v", err)
	}
	if err := e.AttachFill(1); err != nil {
		t.Fatalf("AttachFill: %v", err)
	}
	if err := e.AttachCompletion(1); err != nil {
		t.Fatalf("AttachCompletion: %v", err)
	}
	if err := e.CreateRX(1); err != nil {
		t.Fatalf("CreateRX: %v", err)
	}
	if err := e.CreateTX(1); err != nil {
		t.Fatalf("CreateTX: %v", err)
	}
	// Deliberately leave the fill ring empty.
	if err := e.Bind(BindRequest{Family: xdpfam.AddressFamily, Ifindex: 1, QueueID: 0}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	err := e.Receive(InboundFrame{Ifindex: 1, QueueID: 0, Data: []byte("x")})
	if err != ErrNoFillBuffer {
		t.Fatalf("err = %v, want ErrNoFillBuffer", err)
	}
	if got := e.Statistics().RxDropped; got != 1 {
		t.Fatalf("RxDropped = %d, want 1", got)
	}
}

// S3: TX completion — Xmit drains a descriptor, hands it to the
// device, and the completion token publishes the frame index to CQ.
func TestXmitPublishesCompletion(t *testing.T) {
	loop := device.NewLoopback(1, 4, testMTU)
	e := newBoundEndpoint(t, loop, 1, 0)

	idx := uint32(0)
	payload := []byte("tx-payload")
	copy(e.UMEM().FrameWithHeadroom(idx), payload)

	tn, tpos := e.tx.Reserve(1)
	if tn != 1 {
		t.Fatalf("tx.Reserve = %d, want 1", tn)
	}
	e.tx.Set(tpos, ring.Descriptor{Idx: idx, Len: uint32(len(payload)), Offset: testHeadroom})
	if err := e.tx.Publish(1); err != nil {
		t.Fatalf("tx.Publish: %v", err)
	}

	sent, err := e.Xmit(4)
	if err != nil {
		t.Fatalf("Xmit: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	cq := e.UMEM().Completion()
	cn, cpos := cq.Peek(1)
	if cn != 1 {
		t.Fatalf("completion ring len = %d, want 1", cn)
	}
	if got := cq.Get(cpos); got != idx {
		t.Fatalf("completed idx = %d, want %d", got, idx)
	}

	sentFrames := loop.Sent()
	if len(sentFrames) != 1 || string(sentFrames[0]) != string(payload) {
		t.Fatalf("device received %v, want [%q]", sentFrames, payload)
	}
}

// S4: oversize descriptor — a TX descriptor whose length exceeds the
// device MTU is rejected and counted as invalid, not transmitted.
func TestXmitRejectsOversizeDescriptor(t *testing.T) {
	loop := device.NewLoopback(1, 4, 64) // small MTU
	e := newBoundEndpoint(t, loop, 1, 0)

	tn, tpos := e.tx.Reserve(1)
	if tn != 1 {
		t.Fatalf("tx.Reserve = %d, want 1", tn)
	}
	e.tx.Set(tpos, ring.Descriptor{Idx: 0, Len: 1500, Offset: testHeadroom})
	if err := e.tx.Publish(1); err != nil {
		t.Fatalf("tx.Publish: %v", err)
	}

	sent, err := e.Xmit(4)
	if err != nil {
		t.Fatalf("Xmit: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
	if got := e.Statistics().TxInvalidDescs; got != 1 {
		t.Fatalf("TxInvalidDescs = %d, want 1", got)
	}
	if len(loop.Sent()) != 0 {
		t.Fatalf("device should not have received any frame")
	}
}

// Regression: a writer blocked on WriteReady() must be woken even when
// Xmit returns early partway through a batch, as long as at least one
// descriptor in that call was already sent.
func TestXmitWakesWriterOnPartialBatchEarlyReturn(t *testing.T) {
	loop := device.NewLoopback(1, 4, testMTU)
	calls := 0
	loop.TransmitFunc = func(f *device.Frame) (device.Status, error) {
		calls++
		if calls == 1 {
			f.Token.Release()
			return device.StatusSent, nil
		}
		return device.StatusBusy, nil
	}
	e := newBoundEndpoint(t, loop, 1, 0)

	for i := uint32(0); i < 2; i++ {
		tn, tpos := e.tx.Reserve(1)
		if tn != 1 {
			t.Fatalf("tx.Reserve = %d, want 1", tn)
		}
		e.tx.Set(tpos, ring.Descriptor{Idx: i, Len: 16, Offset: testHeadroom})
		if err := e.tx.Publish(1); err != nil {
			t.Fatalf("tx.Publish: %v", err)
		}
	}

	sent, err := e.Xmit(4)
	if err != ErrWouldBlock {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	select {
	case <-e.WriteReady():
	default:
		t.Fatal("expected a writer wake after a partial batch, channel was empty")
	}
}

// S5: shared UMEM bind — a second endpoint binding with Shared=true
// onto the same device/queue as the owner gets the owner's UMEM
// (refcount incremented, not duplicated).
func TestSharedUMEMBind(t *testing.T) {
	loop := device.NewLoopback(1, 4, testMTU)
	owner := newBoundEndpoint(t, loop, 1, 0)

	shared := New(loop)
	if err := shared.CreateRX(8); err != nil {
		t.Fatalf("CreateRX: %v", err)
	}
	if err := shared.CreateTX(8); err != nil {
		t.Fatalf("CreateTX: %v", err)
	}
	err := shared.Bind(BindRequest{
		Family:           xdpfam.AddressFamily,
		Ifindex:          1,
		QueueID:          0,
		Shared:           true,
		SharedUMEMHandle: owner,
	})
	if err != nil {
		t.Fatalf("shared Bind: %v", err)
	}
	if shared.UMEM() != owner.UMEM() {
		t.Fatalf("shared endpoint did not receive owner's umem")
	}
	if got := owner.UMEM().Refcount(); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
}

// S6: bind mismatch — shared bind against a different device/queue
// than the owner is bound to fails with ErrInvalidArgument.
func TestSharedUMEMBindMismatchRejected(t *testing.T) {
	loop := device.NewLoopback(1, 4, testMTU)
	owner := newBoundEndpoint(t, loop, 1, 0)

	shared := New(loop)
	if err := shared.CreateRX(8); err != nil {
		t.Fatalf("CreateRX: %v", err)
	}
	err := shared.Bind(BindRequest{
		Family:           xdpfam.AddressFamily,
		Ifindex:          1,
		QueueID:          1, // different queue than owner
		Shared:           true,
		SharedUMEMHandle: owner,
	})
	if err != ErrInvalidArgument {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

// S7: rebind release — binding an already-Bound endpoint to a new
// device/queue synchronizes and releases the old device handle safely.
func TestRebindReleasesOldDevice(t *testing.T) {
	loopA := device.NewLoopback(1, 4, testMTU)
	loopB := device.NewLoopback(2, 4, testMTU)

	countA := &closeCounter{Loopback: loopA}

	e := New(multiResolver{1: countA, 2: loopB})
	if err := e.RegisterUMEM(newRegion(8)); err != nil {
		t.Fatalf("RegisterUMEM: %v", err)
	}
	if err := e.AttachFill(8); err != nil {
		t.Fatalf("AttachFill: %v", err)
	}
	if err := e.AttachCompletion(8); err != nil {
		t.Fatalf("AttachCompletion: %v", err)
	}
	if err := e.CreateRX(8); err != nil {
		t.Fatalf("CreateRX: %v", err)
	}
	if err := e.CreateTX(8); err != nil {
		t.Fatalf("CreateTX: %v", err)
	}
	if err := e.Bind(BindRequest{Family: xdpfam.AddressFamily, Ifindex: 1, QueueID: 0}); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if err := e.Bind(BindRequest{Family: xdpfam.AddressFamily, Ifindex: 2, QueueID: 0}); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	ifindex, _, ok := e.DeviceQueue()
	if !ok || ifindex != 2 {
		t.Fatalf("DeviceQueue = (%d, ok=%v), want (2, true)", ifindex, ok)
	}
	if countA.closes != 1 {
		t.Fatalf("old device Close calls = %d, want 1", countA.closes)
	}
}

// Invariant 6: binding twice to the same device/queue without Shared
// is a no-op, not an error.
func TestRebindSameDeviceIsIdempotent(t *testing.T) {
	loop := device.NewLoopback(1, 4, testMTU)
	e := newBoundEndpoint(t, loop, 1, 0)
	if err := e.Bind(BindRequest{Family: xdpfam.AddressFamily, Ifindex: 1, QueueID: 0}); err != nil {
		t.Fatalf("idempotent rebind: %v", err)
	}
}

// Invariant 5: a descriptor naming an out-of-range frame index is
// rejected the same way an oversize descriptor is.
func TestXmitRejectsOutOfRangeIndex(t *testing.T) {
	loop := device.NewLoopback(1, 4, testMTU)
	e := newBoundEndpoint(t, loop, 1, 0)

	tn, tpos := e.tx.Reserve(1)
	if tn != 1 {
		t.Fatalf("tx.Reserve = %d, want 1", tn)
	}
	e.tx.Set(tpos, ring.Descriptor{Idx: 999, Len: 16, Offset: testHeadroom})
	if err := e.tx.Publish(1); err != nil {
		t.Fatalf("tx.Publish: %v", err)
	}

	sent, err := e.Xmit(4)
	if err != nil {
		t.Fatalf("Xmit: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
	if got := e.Statistics().TxInvalidDescs; got != 1 {
		t.Fatalf("TxInvalidDescs = %d, want 1", got)
	}
}

func TestBindRequiresKnownAddressFamily(t *testing.T) {
	loop := device.NewLoopback(1, 4, testMTU)
	e := newBoundEndpoint(t, loop, 1, 0)
	if err := e.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	err := e.Bind(BindRequest{Family: 0, Ifindex: 1, QueueID: 0})
	if err != ErrInvalidArgument {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestBindRequiresRXOrTX(t *testing.T) {
	loop := device.NewLoopback(1, 4, testMTU)
	e := New(loop)
	if err := e.RegisterUMEM(newRegion(1)); err != nil {
		t.Fatalf("RegisterUMEM: %v", err)
	}
	if err := e.AttachFill(1); err != nil {
		t.Fatalf("AttachFill: %v", err)
	}
	if err := e.AttachCompletion(1); err != nil {
		t.Fatalf("AttachCompletion: %v", err)
	}
	err := e.Bind(BindRequest{Family: xdpfam.AddressFamily, Ifindex: 1, QueueID: 0})
	if err != ErrInvalidState {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestBindRejectsQueueOutOfRange(t *testing.T) {
	loop := device.NewLoopback(1, 2, testMTU)
	e := New(loop)
	if err := e.CreateRX(8); err != nil {
		t.Fatalf("CreateRX: %v", err)
	}
	if err := e.RegisterUMEM(newRegion(4)); err != nil {
		t.Fatalf("RegisterUMEM: %v", err)
	}
	if err := e.AttachFill(4); err != nil {
		t.Fatalf("AttachFill: %v", err)
	}
	if err := e.AttachCompletion(4); err != nil {
		t.Fatalf("AttachCompletion: %v", err)
	}
	err := e.Bind(BindRequest{Family: xdpfam.AddressFamily, Ifindex: 1, QueueID: 5})
	if err != ErrInvalidQueue {
		t.Fatalf("err = %v, want ErrInvalidQueue", err)
	}
}

type multiResolver map[uint32]device.Handle

func (m multiResolver) Resolve(ifindex uint32) (device.Handle, error) {
	h, ok := m[ifindex]
	if !ok {
		return nil, device.ErrNoSuchDevice
	}
	return h, nil
}

// closeCounter wraps a Loopback handle and counts its Close calls.
type closeCounter struct {
	*device.Loopback
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}
