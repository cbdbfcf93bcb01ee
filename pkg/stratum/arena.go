package stratum

// Stack state is laid out as one contiguous allocation per stack:
// a sub-region per filter, each offset rounded up to maxAlign. The layout
// is computed once at build time; elements index into the arena by span
// rather than by pointer arithmetic.

// maxAlign is the alignment boundary every per-filter region is rounded to.
// Must be a power of two.
const maxAlign = 16

func init() {
	if maxAlign&(maxAlign-1) != 0 {
		panic("stratum: maxAlign must be a power of two")
	}
}

// roundUp rounds n up to the next multiple of maxAlign.
func roundUp(n int) int {
	return (n + maxAlign - 1) &^ (maxAlign - 1)
}

// span is one filter's byte range within an arena.
type span struct {
	off  int
	size int
}

// stateLayout is the computed (filter index -> byte range) table plus the
// total allocation size.
type stateLayout struct {
	spans []span
	total int
}

// layoutFor computes the arena layout for the given per-filter state sizes.
func layoutFor(sizes []int) stateLayout {
	spans := make([]span, len(sizes))
	off := 0
	for i, size := range sizes {
		if size < 0 {
			panic("stratum: negative filter state size")
		}
		spans[i] = span{off: off, size: size}
		off += roundUp(size)
	}
	return stateLayout{spans: spans, total: off}
}

// arena is a single allocation holding every filter's state region for one
// stack. Regions are handed out as capped sub-slices so a filter cannot
// write past its own span.
type arena struct {
	buf   []byte
	spans []span
}

func newArena(l stateLayout) *arena {
	return &arena{buf: make([]byte, l.total), spans: l.spans}
}

// region returns filter i's state region, or nil for zero-sized state.
func (a *arena) region(i int) []byte {
	s := a.spans[i]
	if s.size == 0 {
		return nil
	}
	return a.buf[s.off : s.off+s.size : s.off+s.size]
}

// size returns the arena's total allocation size.
func (a *arena) size() int {
	return len(a.buf)
}
