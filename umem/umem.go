// Package umem implements the registered, page-aligned frame pool that
// backs an AF_XDP-style endpoint: a contiguous buffer of equal-size
// frames plus its fill ring (FQ) and completion ring (CQ), shared by
// reference count across one or more endpoints.
package umem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/afxdp/xskcore/ring"
	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyRegistered is returned attaching a resource (UMEM, FQ,
	// CQ) that already exists on the receiver.
	ErrAlreadyRegistered = errors.New("umem: already registered")
	// ErrInvalidGeometry is returned when frame_size is not a power of
	// two, headroom >= frame_size, or the region length is not a
	// multiple of frame_size.
	ErrInvalidGeometry = errors.New("umem: invalid frame geometry")
	// ErrNotFound is returned when a shared-UMEM reference does not
	// resolve to a holder.
	ErrNotFound = errors.New("umem: shared reference not found")
	// ErrBadDescriptor is returned when a shared-UMEM reference
	// resolves to an endpoint with no attached UMEM.
	ErrBadDescriptor = errors.New("umem: reference has no attached umem")
)

// Props mirrors the UMEM geometry that RX/TX rings validate descriptors
// against. It is copied by value, not shared by pointer, matching
// "mirrored into rings so they can validate frame indices."
type Props struct {
	FrameSize     uint32
	FrameHeadroom uint32
	NumFrames     uint32
}

// Region describes the caller-supplied buffer backing a UMEM
// registration: {addr, len, frame_size, frame_headroom} from the
// UMEM_REG configuration option.
type Region struct {
	Addr          []byte
	FrameSize     uint32
	FrameHeadroom uint32
}

// UMEM is a registered frame pool plus its fill and completion rings.
// It is safe for concurrent use; Get/Put, Ready, Refcount and the
// FQ/CQ attach calls take an internal mutex, matching the endpoint's own
// "configuration operations may block" contract (§5). The frame-address
// accessors take no lock: they only read geometry fixed at registration
// and serve the lock-free data path.
type UMEM struct {
	mu sync.Mutex

	base  []byte
	props Props

	fill       *ring.Ring[uint32]
	completion *ring.Ring[uint32]

	refcount int
	pinned   bool
	mapped   bool
}

// New pins the pages of region.Addr and validates its geometry,
// returning a UMEM pool of len(region.Addr)/frame_size frames with a
// starting refcount of 1. The fill and completion rings are not yet
// attached; call AttachFill/AttachCompletion separately, mirroring the
// distinct UMEM_REG vs UMEM_FILL_RING/UMEM_COMPLETION_RING options.
func New(region Region) (*UMEM, error) {
	if region.FrameSize == 0 || region.FrameSize&(region.FrameSize-1) != 0 {
		return nil, ErrInvalidGeometry
	}
	if region.FrameHeadroom >= region.FrameSize {
		return nil, ErrInvalidGeometry
	}
	if len(region.Addr) == 0 || len(region.Addr)%int(region.FrameSize) != 0 {
		return nil, ErrInvalidGeometry
	}

	// Best-effort page pinning: a process without CAP_IPC_LOCK (or
	// running under a tight RLIMIT_MEMLOCK, as in many CI sandboxes)
	// cannot mlock at all. That is not fatal to using the pool — it
	// just means frames may be paged out under memory pressure — so we
	// track whether pinning actually took and only unlock on Put if it
	// did.
	pinned := unix.Mlock(region.Addr) == nil

	numFrames := uint32(len(region.Addr)) / region.FrameSize
	return &UMEM{
		base: region.Addr,
		props: Props{
			FrameSize:     region.FrameSize,
			FrameHeadroom: region.FrameHeadroom,
			NumFrames:     numFrames,
		},
		refcount: 1,
		pinned:   pinned,
	}, nil
}

// NewMapped allocates the frame region itself as anonymous, page-aligned
// shared memory via memfd_create+mmap rather than a plain heap slice —
// the same mechanism ring/mmap.go uses for ring pages — and registers
// it exactly as New would. Callers that want a caller-owned buffer (for
// example tests exercising a fixed-size slice) should use New directly.
func NewMapped(numFrames, frameSize, frameHeadroom uint32) (*UMEM, error) {
	size := int(numFrames) * int(frameSize)
	if size <= 0 {
		return nil, ErrInvalidGeometry
	}

	fd, err := unix.MemfdCreate("xskcore-umem", 0)
	if err != nil {
		return nil, fmt.Errorf("umem: memfd_create: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("umem: ftruncate: %w", err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("umem: mmap: %w", err)
	}

	u, err := New(Region{Addr: data, FrameSize: frameSize, FrameHeadroom: frameHeadroom})
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	u.mapped = true
	return u, nil
}

// Props returns the geometry mirrored into RX/TX rings.
func (u *UMEM) Props() Props { return u.props }

// AttachFill creates the fill ring, exactly once.
func (u *UMEM) AttachFill(capacity uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fill != nil {
		return ErrAlreadyRegistered
	}
	r, err := ring.NewMapped[uint32](capacity, ring.OffsetFill)
	if err != nil {
		return err
	}
	u.fill = r
	return nil
}

// AttachCompletion creates the completion ring, exactly once.
func (u *UMEM) AttachCompletion(capacity uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.completion != nil {
		return ErrAlreadyRegistered
	}
	r, err := ring.NewMapped[uint32](capacity, ring.OffsetCompletion)
	if err != nil {
		return err
	}
	u.completion = r
	return nil
}

// Fill returns the fill ring, or nil if not yet attached.
func (u *UMEM) Fill() *ring.Ring[uint32] { return u.fill }

// Completion returns the completion ring, or nil if not yet attached.
func (u *UMEM) Completion() *ring.Ring[uint32] { return u.completion }

// Ready reports whether both FQ and CQ are attached, the precondition
// for binding an endpoint to this UMEM.
func (u *UMEM) Ready() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fill != nil && u.completion != nil
}

// FrameAddress returns the byte offset of frame i from the UMEM base.
func (u *UMEM) FrameAddress(i uint32) uint64 {
	return uint64(i) * uint64(u.props.FrameSize)
}

// FrameAddressWithHeadroom returns the byte offset of frame i's payload
// area, past the reserved headroom.
func (u *UMEM) FrameAddressWithHeadroom(i uint32) uint64 {
	return u.FrameAddress(i) + uint64(u.props.FrameHeadroom)
}

// Frame returns the full frame i as a slice into the UMEM base.
func (u *UMEM) Frame(i uint32) []byte {
	off := u.FrameAddress(i)
	return u.base[off : off+uint64(u.props.FrameSize)]
}

// FrameWithHeadroom returns frame i's payload area (past headroom) as a
// slice into the UMEM base.
func (u *UMEM) FrameWithHeadroom(i uint32) []byte {
	off := u.FrameAddressWithHeadroom(i)
	return u.base[off:u.FrameAddress(i)+uint64(u.props.FrameSize)]
}

// FrameAt returns the byte range named by a descriptor: frame idx,
// offset bytes in, for len bytes.
func (u *UMEM) FrameAt(d ring.Descriptor) []byte {
	base := u.FrameAddress(d.Idx) + uint64(d.Offset)
	return u.base[base : base+uint64(d.Len)]
}

// ValidDescriptor reports whether d satisfies the bounds every
// descriptor consumer must check: idx < num_frames, offset+len <=
// frame_size, and len <= mtu.
func (u *UMEM) ValidDescriptor(d ring.Descriptor, mtu uint32) bool {
	if d.Idx >= u.props.NumFrames {
		return false
	}
	if d.Offset+d.Len > u.props.FrameSize {
		return false
	}
	return d.Len <= mtu
}

// Get increments the reference count and returns the same UMEM, the
// "get_umem" half of the shared-ownership protocol.
func (u *UMEM) Get() *UMEM {
	u.mu.Lock()
	u.refcount++
	u.mu.Unlock()
	return u
}

// Put decrements the reference count, releasing the pinned frame region
// once it reaches zero. It reports whether this call destroyed the
// UMEM.
func (u *UMEM) Put() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.refcount--
	if u.refcount > 0 {
		return false
	}
	if u.pinned {
		_ = unix.Munlock(u.base)
		u.pinned = false
	}
	if u.mapped {
		_ = unix.Munmap(u.base)
		u.mapped = false
	}
	return true
}

// Refcount returns the current reference count, for tests and
// statistics only.
func (u *UMEM) Refcount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.refcount
}
