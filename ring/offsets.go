package ring

// PageOffset identifies one of the four rings for memory-mapping
// purposes. The values are distinguishable by their high-order bits and
// are stable across versions. They follow the one-offset-per-ring
// scheme real AF_XDP sockets use for mmap, but the numbers are this
// package's own (a 32-bit shift), not Linux's XDP_PGOFF_* values.
type PageOffset uint64

const (
	pageOffsetShift = 32

	// OffsetRX identifies the RX descriptor ring.
	OffsetRX PageOffset = 0 << pageOffsetShift
	// OffsetTX identifies the TX descriptor ring.
	OffsetTX PageOffset = 1 << pageOffsetShift
	// OffsetFill identifies the UMEM fill ring.
	OffsetFill PageOffset = 2 << pageOffsetShift
	// OffsetCompletion identifies the UMEM completion ring.
	OffsetCompletion PageOffset = 3 << pageOffsetShift
)

func (o PageOffset) String() string {
	switch o {
	case OffsetRX:
		return "rx"
	case OffsetTX:
		return "tx"
	case OffsetFill:
		return "fill"
	case OffsetCompletion:
		return "completion"
	default:
		return "unknown"
	}
}
