// Package ring implements the single-producer/single-consumer descriptor
// and index rings shared between the kernel-side data path and user space.
//
// A Ring carries either a UMEM frame index (FQ/CQ) or a packet descriptor
// (RX/TX) — the slot type is the type parameter. Both sides keep a local
// cache of the counter they don't own, and only re-read the shared counter
// when that cache says the ring is full (producer) or empty (consumer).
package ring

import (
	"errors"
	"math/bits"
	"sync/atomic"
)

// ErrInvalidCapacity is returned when a ring is constructed with a
// capacity that is zero or not a power of two.
var ErrInvalidCapacity = errors.New("ring: capacity must be a non-zero power of two")

// ErrOverflow is returned when the producer attempts to publish more
// slots than are currently free.
var ErrOverflow = errors.New("ring: publish exceeds free slot count")

// Descriptor locates a packet payload within a UMEM: the frame it lives
// in, its length, and its byte offset from the start of the frame.
type Descriptor struct {
	Idx    uint32
	Len    uint32
	Offset uint32
}

// Ring is a lock-free SPSC queue of capacity N (a power of two) holding
// slots of type T. All methods are safe to call concurrently from at
// most one producer goroutine and at most one consumer goroutine; the
// two sides never need to coordinate beyond the producer/consumer
// counters.
type Ring[T any] struct {
	buf  []T
	mask uint32
	cap  uint32

	// producer and consumer are the shared, monotonically increasing
	// counters. Go's atomic loads/stores give us the acquire/release
	// pairing the ring's ordering contract needs: a Store is visible to
	// a subsequent Load on the other side, and everything written to
	// buf before a Publish is visible to a reader that observes the new
	// producer value.
	producer atomic.Uint32
	_        [cacheLinePad]byte
	consumer atomic.Uint32
	_        [cacheLinePad]byte

	// cachedConsumer is the producer's local view of consumer; only the
	// producer goroutine touches it. cachedProducer is the consumer's
	// local view of producer; only the consumer goroutine touches it.
	cachedConsumer uint32
	cachedProducer uint32

	invalidDescs atomic.Uint64

	offset  PageOffset
	mapping *Mapping

	props any
}

// SetProps mirrors UMEM geometry (or any other descriptor-validation
// context) onto the ring, matching "umem.props is mirrored into rx and
// tx for descriptor validation." Ring itself is agnostic to the
// concrete type to avoid an import cycle with the umem package.
func (r *Ring[T]) SetProps(p any) { r.props = p }

// Props returns whatever was last mirrored with SetProps, or nil.
func (r *Ring[T]) Props() any { return r.props }

const cacheLinePad = 64 - 4

// New constructs a ring of the given power-of-two capacity.
func New[T any](capacity uint32, offset PageOffset) (*Ring[T], error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, ErrInvalidCapacity
	}
	return &Ring[T]{
		buf:    make([]T, capacity),
		mask:   capacity - 1,
		cap:    capacity,
		offset: offset,
	}, nil
}

// Capacity returns N.
func (r *Ring[T]) Capacity() uint32 { return r.cap }

// Offset returns the page-offset constant this ring was created with.
func (r *Ring[T]) Offset() PageOffset { return r.offset }

// Len reports producer - consumer, the number of unconsumed slots. It
// may be called from either side for diagnostics; it is not used by the
// hot path, which relies on the cached counters instead.
func (r *Ring[T]) Len() uint32 {
	return r.producer.Load() - r.consumer.Load()
}

// Reserve returns how many of the requested n slots the producer may
// write, starting at the position returned as pos. The remote consumer
// counter is re-read only if the cached view says the ring is full.
func (r *Ring[T]) Reserve(n uint32) (avail uint32, pos uint32) {
	pos = r.producer.Load()
	free := r.cap - (pos - r.cachedConsumer)
	if free < n {
		r.cachedConsumer = r.consumer.Load()
		free = r.cap - (pos - r.cachedConsumer)
	}
	if n > free {
		n = free
	}
	return n, pos
}

// Set writes v at logical position pos, previously returned by Reserve.
// It must be called before Publish makes pos visible to the consumer.
func (r *Ring[T]) Set(pos uint32, v T) {
	r.buf[pos&r.mask] = v
}

// Publish advances the producer counter by n, making the n slots
// starting at the position last returned by Reserve visible to the
// consumer. It fails with ErrOverflow if n exceeds the slots actually
// free at the time of the call.
func (r *Ring[T]) Publish(n uint32) error {
	if n == 0 {
		return nil
	}
	pos := r.producer.Load()
	free := r.cap - (pos - r.consumer.Load())
	if n > free {
		return ErrOverflow
	}
	r.producer.Store(pos + n)
	return nil
}

// Peek returns how many of the requested n slots are available to the
// consumer, starting at the position returned as pos. The remote
// producer counter is re-read only if the cached view says the ring is
// empty.
func (r *Ring[T]) Peek(n uint32) (avail uint32, pos uint32) {
	pos = r.consumer.Load()
	have := r.cachedProducer - pos
	if have < n {
		r.cachedProducer = r.producer.Load()
		have = r.cachedProducer - pos
	}
	if n > have {
		n = have
	}
	return n, pos
}

// Get reads the slot at logical position pos, previously returned by
// Peek (or pos+i for the i-th slot in a multi-slot peek).
func (r *Ring[T]) Get(pos uint32) T {
	return r.buf[pos&r.mask]
}

// Release advances the consumer counter by n, returning the n slots
// starting at the last Peek position to the producer.
func (r *Ring[T]) Release(n uint32) {
	if n == 0 {
		return
	}
	r.consumer.Store(r.consumer.Load() + n)
}

// RecordInvalid increments the malformed-descriptor counter. Callers
// validating descriptors (idx/offset+len/len bounds) on consume call
// this once per rejected descriptor; Ring itself has no notion of frame
// count or MTU, so validation logic lives with the caller.
func (r *Ring[T]) RecordInvalid() {
	r.invalidDescs.Add(1)
}

// InvalidDescs returns the count of descriptors rejected by the
// consumer so far.
func (r *Ring[T]) InvalidDescs() uint64 {
	return r.invalidDescs.Load()
}

// nextPowerOfTwo rounds n up to the nearest power of two, used by
// callers translating a requested entry count into a valid capacity.
func nextPowerOfTwo(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	return 1 << (32 - bits.LeadingZeros32(n-1))
}

// NextPowerOfTwo rounds n up to the nearest power of two.
func NextPowerOfTwo(n uint32) uint32 { return nextPowerOfTwo(n) }
