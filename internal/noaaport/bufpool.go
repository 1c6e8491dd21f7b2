package noaaport

import (
	"sync"

	"github.com/ldm7/ldm7/internal/constants"
)

// Pooled reassembly heaps, size-bucketed against this package's own
// geometry rather than a generic power-of-two ladder: a single NOAAPort
// frame (constants.NOAAPortMaxFrameSize) covers a one-block product,
// most multi-fragment NEXRAD/text products land well under a megabyte,
// larger satellite mosaics run into the tens of megabytes, and
// constants.MaxProductSize caps the largest bucket. Smaller transient allocations are left to the
// runtime allocator; this pool exists for the buffers that get
// reused on every product the assembler reassembles.
//
// Uses the *[]byte pattern to avoid sync.Pool's interface-boxing
// allocation on every Get/Put.
const (
	bucketFrame = constants.NOAAPortMaxFrameSize // 64KB: single-block product
	bucketSmall = 1 << 20                        // 1MB: typical multi-fragment product
	bucketLarge = 16 << 20                       // 16MB: large imagery mosaic
	bucketMax   = constants.MaxProductSize       // 64MB: largest pooled bucket
)

var heapPools = struct {
	frame sync.Pool
	small sync.Pool
	large sync.Pool
	max   sync.Pool
}{
	frame: sync.Pool{New: func() any { b := make([]byte, bucketFrame); return &b }},
	small: sync.Pool{New: func() any { b := make([]byte, bucketSmall); return &b }},
	large: sync.Pool{New: func() any { b := make([]byte, bucketLarge); return &b }},
	max:   sync.Pool{New: func() any { b := make([]byte, bucketMax); return &b }},
}

// getBuffer returns a pooled buffer of at least size bytes, sliced to
// size. Caller must call putBuffer when done with it.
func getBuffer(size uint32) []byte {
	switch {
	case size <= bucketFrame:
		return (*heapPools.frame.Get().(*[]byte))[:size]
	case size <= bucketSmall:
		return (*heapPools.small.Get().(*[]byte))[:size]
	case size <= bucketLarge:
		return (*heapPools.large.Get().(*[]byte))[:size]
	default:
		return (*heapPools.max.Get().(*[]byte))[:size]
	}
}

// putBuffer returns buf to the pool matching its capacity. A buffer
// whose capacity doesn't match a bucket exactly (grown past bucketMax,
// for instance) is simply dropped.
func putBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case bucketFrame:
		heapPools.frame.Put(&buf)
	case bucketSmall:
		heapPools.small.Put(&buf)
	case bucketLarge:
		heapPools.large.Put(&buf)
	case bucketMax:
		heapPools.max.Put(&buf)
	}
}
