package ring

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrNoMapping is returned by Mmap when the ring has no backing pages
// to share (it was constructed with New instead of NewMapped).
var ErrNoMapping = errors.New("ring: no memory mapping attached")

// ErrMappingTooSmall is returned by Mmap when the caller asks for more
// bytes than the ring's backing pages actually hold.
var ErrMappingTooSmall = errors.New("ring: requested size exceeds backing pages")

// ErrOffsetMismatch is returned by Mmap when the requested page offset
// does not name the ring it is called on.
var ErrOffsetMismatch = errors.New("ring: page offset does not match this ring")

// Mapping is the real shared-memory backing for one ring: an anonymous
// memfd, mapped into this process with mmap. This is the same mechanism
// the kernel uses to let a real AF_XDP socket's RX/TX/FQ/CQ rings be
// mapped by both kernel and user space without copies; here it lets a
// second consumer in the same process (a stats dashboard, a test
// harness) obtain the raw bytes after validating they asked for the
// right ring.
type Mapping struct {
	Data   []byte
	offset PageOffset
}

// NewMapping allocates size bytes of anonymous, page-aligned, shared
// memory via memfd_create+mmap.
func NewMapping(offset PageOffset, size int) (*Mapping, error) {
	fd, err := unix.MemfdCreate(fmt.Sprintf("xskcore-ring-%s", offset), 0)
	if err != nil {
		return nil, fmt.Errorf("ring: memfd_create: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("ring: ftruncate: %w", err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap: %w", err)
	}

	return &Mapping{Data: data, offset: offset}, nil
}

// Close unmaps the backing region.
func (m *Mapping) Close() error {
	if m == nil || m.Data == nil {
		return nil
	}
	err := unix.Munmap(m.Data)
	m.Data = nil
	return err
}

// attachMapping points the ring's slot storage directly at m's mapped
// pages: r.buf (what Reserve/Set/Get/Publish/Peek/Release actually
// touch) becomes a []T view over m.Data[headerBytes:] instead of a
// separate heap slice, so a publish through the Ring[T] API and a read
// through Mmap observe the exact same bytes, no copy in between.
func (r *Ring[T]) attachMapping(m *Mapping) {
	var zero T
	slotSize := int(unsafe.Sizeof(zero))
	slots := m.Data[headerBytes:]
	if slotSize > 0 && len(slots) >= slotSize*int(r.cap) {
		r.buf = unsafe.Slice((*T)(unsafe.Pointer(&slots[0])), r.cap)
	}
	r.mapping = m
}

// Mmap returns the raw backing bytes for this ring, provided offset
// names this ring and size does not exceed its backing pages.
func (r *Ring[T]) Mmap(offset PageOffset, size int) ([]byte, error) {
	if r.mapping == nil {
		return nil, ErrNoMapping
	}
	if offset != r.offset {
		return nil, ErrOffsetMismatch
	}
	if size > len(r.mapping.Data) {
		return nil, ErrMappingTooSmall
	}
	return r.mapping.Data[:size], nil
}

// NewMapped constructs a ring whose slot storage is the Mapping's
// memfd-backed pages themselves (see attachMapping), matching how a
// real AF_XDP ring is one mmap shared between kernel and user space
// rather than a private copy mirrored into shared memory afterward.
func NewMapped[T any](capacity uint32, offset PageOffset) (*Ring[T], error) {
	r, err := New[T](capacity, offset)
	if err != nil {
		return nil, err
	}
	var zero T
	m, err := NewMapping(offset, headerBytes+int(unsafe.Sizeof(zero))*int(capacity))
	if err != nil {
		return nil, err
	}
	r.attachMapping(m)
	return r, nil
}

const headerBytes = 2 * 64 // producer and consumer, one cache line each
