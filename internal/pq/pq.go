// Package pq implements the Product Queue of spec.md §4.C: a persistent,
// memory-mapped ring buffer of products with a signature index and
// arrival-order eviction.
//
// The backing file is a single mmap'd region (golang.org/x/sys/unix.Mmap,
// grounded on the teacher project's internal/queue/runner.go mmapQueues
// use of raw mmap/munmap for its descriptor and buffer regions) carved
// into four byte ranges — header, index records, signature hash table,
// and data arena — each accessed through small offset-based
// encode/decode helpers in the style of the teacher's
// internal/uapi/marshal.go manual field packing, rather than unsafe
// struct overlays.
//
// The on-disk layout is implementation-defined (spec.md §6 only requires
// it round-trip within this implementation and reject foreign files via
// a magic+version check). The arena is a wrapping ring: an allocation
// goes after the newest record when the tail has room, and otherwise
// wraps to offset 0 when the space below the oldest live record is
// large enough. A record is never split across the wrap point.
package pq

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ldm7/ldm7"
	"golang.org/x/sys/unix"
)

const (
	magic        = "LDM7PQ01"
	headerSize   = 128
	maxIdentLen  = 255
	maxOriginLen = 64
)

// record layout offsets within one index-record slot.
const (
	recOffOffset     = 0  // uint64: arena byte offset
	recOffSize       = 8  // uint64: payload size
	recOffInfoDigest = 16 // uint64: xxhash64 of the info fields
	recOffSignature  = 24 // [16]byte
	recOffArrival    = 40 // int64: UnixNano
	recOffFeedType   = 48 // uint32
	recOffSeqNo      = 52 // uint32
	recOffIdentLen   = 56 // uint16
	recOffIdent      = 58 // [255]byte
	recOffOriginLen  = 58 + maxIdentLen       // uint16
	recOffOrigin     = 58 + maxIdentLen + 2   // [64]byte
	recOffNextUsed   = 58 + maxIdentLen + 2 + maxOriginLen       // int32
	recOffPrevUsed   = 58 + maxIdentLen + 2 + maxOriginLen + 4   // int32
	recOffNextFree   = 58 + maxIdentLen + 2 + maxOriginLen + 8   // int32
	recOffState      = 58 + maxIdentLen + 2 + maxOriginLen + 12  // uint8
	recordSize       = 58 + maxIdentLen + 2 + maxOriginLen + 13
)

const (
	stateFree      = 0
	stateReserved  = 1
	stateCommitted = 2
)

const (
	hashEmpty     int32 = -1
	hashTombstone int32 = -2
)

// Mode selects the multi-process access discipline Open uses.
type Mode int

const (
	// ModeExclusive takes no advisory file lock; mutations are
	// serialized only by the handle's in-process mutex, which suits the
	// single upstream/downstream process that mutates the queue.
	ModeExclusive Mode = iota
	// ModeShared takes the writer lock only around each mutation,
	// appropriate for a reader process coexisting with one writer.
	ModeShared
)

// Result classifies an Insert outcome.
type Result int

const (
	ResultOk Result = iota
	ResultDuplicate
)

// CursorMode selects how Sequence compares against the last-returned
// arrival position.
type CursorMode int

const (
	// TVGT matches only products strictly newer than the cursor.
	TVGT CursorMode = iota
	// TVGE matches products at or newer than the cursor.
	TVGE
)

// Outcome classifies a Sequence step.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeEnd
	OutcomeCorrupt
	OutcomeSystem
)

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	NProducts    uint32
	NBytesUsed   uint64
	OldestArrival time.Time
	NewestArrival time.Time
}

// PQ is an open handle to a product queue file.
type PQ struct {
	mu   sync.RWMutex
	file *os.File
	data []byte
	path string
	mode Mode

	slotCapacity uint32
	dataCapacity uint64
	hashSlots    uint32

	locked bool // whether this handle currently holds the advisory flock

	reserving bool // a Reserve is outstanding; only one at a time

	corrupt bool

	cursorSet     bool
	cursorArrival int32 // index of the last record returned by Sequence

	pqeCount uint32 // outstanding reservations (atomic via mu)

	notifyMu sync.Mutex
	notifyCh chan struct{}

	metrics  *ldm7.Metrics
	observer ldm7.Observer
}

func nextPow2(n uint32) uint32 {
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

func computeHashSlots(slotCapacity uint32) uint32 {
	need := uint32(float64(slotCapacity)/0.7) + 1
	if need < 2 {
		need = 2
	}
	return nextPow2(need)
}

func fileSize(slotCapacity uint32, dataCapacity uint64, hashSlots uint32) uint64 {
	return headerSize + uint64(slotCapacity)*recordSize + uint64(hashSlots)*4 + dataCapacity
}

// Create lays out a new product queue file at path, clobbering any
// existing file, and returns an exclusive handle to it.
func Create(path string, slotCapacity uint32, dataCapacity uint64, perm os.FileMode) (*PQ, error) {
	if slotCapacity == 0 {
		return nil, ldm7.NewError("pq.Create", ldm7.Invalid, "slot_capacity must be > 0")
	}
	hashSlots := computeHashSlots(slotCapacity)
	total := fileSize(slotCapacity, dataCapacity, hashSlots)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, ldm7.WrapError("pq.Create", ldm7.IO, err)
	}
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		return nil, ldm7.WrapError("pq.Create", ldm7.IO, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, ldm7.WrapError("pq.Create", ldm7.System, err)
	}

	q := &PQ{
		file:         f,
		data:         data,
		path:         path,
		mode:         ModeExclusive,
		slotCapacity: slotCapacity,
		dataCapacity: dataCapacity,
		hashSlots:    hashSlots,
		notifyCh:     make(chan struct{}),
		metrics:      ldm7.NewMetrics(),
		observer:     ldm7.NoOpObserver{},
	}

	if err := q.initLayout(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *PQ) initLayout() error {
	var epoch [8]byte
	if _, err := rand.Read(epoch[:]); err != nil {
		return ldm7.WrapError("pq.Create", ldm7.System, err)
	}
	copy(q.data[0:8], magic)
	binary.LittleEndian.PutUint32(q.data[8:12], 1) // version
	copy(q.data[12:20], epoch[:])
	binary.LittleEndian.PutUint32(q.data[20:24], q.slotCapacity)
	binary.LittleEndian.PutUint64(q.data[24:32], q.dataCapacity)
	binary.LittleEndian.PutUint32(q.data[32:36], 0) // slots_used
	binary.LittleEndian.PutUint64(q.data[36:44], 0) // data_used
	binary.LittleEndian.PutUint64(q.data[44:52], 0) // arena_next_free
	binary.LittleEndian.PutUint32(q.data[52:56], uint32(int32ToU32(-1))) // arrival_head
	binary.LittleEndian.PutUint32(q.data[56:60], uint32(int32ToU32(-1))) // arrival_tail
	binary.LittleEndian.PutUint32(q.data[60:64], 0)                      // free_head
	binary.LittleEndian.PutUint32(q.data[64:68], q.hashSlots)

	// Build the free list through the index region: record i -> i+1.
	for i := uint32(0); i < q.slotCapacity; i++ {
		var next int32
		if i+1 < q.slotCapacity {
			next = int32(i + 1)
		} else {
			next = -1
		}
		q.setRecField32(i, recOffNextFree, next)
		q.setRecField8(i, recOffState, stateFree)
	}

	// Clear the hash table to "empty".
	base := q.hashTableOffset()
	for j := uint32(0); j < q.hashSlots; j++ {
		binary.LittleEndian.PutUint32(q.data[base+j*4:base+j*4+4], uint32(int32ToU32(hashEmpty)))
	}
	return nil
}

func int32ToU32(v int32) uint32 { return uint32(v) }
func u32ToInt32(v uint32) int32 { return int32(v) }

// Open opens an existing product queue file under the given access
// mode. It validates the header magic/version and runs a bounded
// sanity sweep of the arrival-order list; a failed sweep marks the
// handle corrupt so the next Sequence call reports OutcomeCorrupt
// rather than failing Open itself (spec.md §4.C.6).
func Open(path string, mode Mode) (*PQ, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, ldm7.WrapError("pq.Open", ldm7.IO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ldm7.WrapError("pq.Open", ldm7.IO, err)
	}
	if fi.Size() < headerSize {
		f.Close()
		return nil, ldm7.NewError("pq.Open", ldm7.Corrupt, "file too small to contain a header")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, ldm7.WrapError("pq.Open", ldm7.System, err)
	}

	q := &PQ{
		file:     f,
		data:     data,
		path:     path,
		mode:     mode,
		notifyCh: make(chan struct{}),
		metrics:  ldm7.NewMetrics(),
		observer: ldm7.NoOpObserver{},
	}

	if string(q.data[0:8]) != magic {
		q.Close()
		return nil, ldm7.NewError("pq.Open", ldm7.Corrupt, "bad magic: not a product queue file")
	}
	if binary.LittleEndian.Uint32(q.data[8:12]) != 1 {
		q.Close()
		return nil, ldm7.NewError("pq.Open", ldm7.Corrupt, "unsupported product queue version")
	}
	if binary.LittleEndian.Uint64(q.data[12:20]) == 0 {
		q.Close()
		return nil, ldm7.NewError("pq.Open", ldm7.Corrupt, "zero consistency epoch: not written by a compatible creator")
	}
	q.slotCapacity = binary.LittleEndian.Uint32(q.data[20:24])
	q.dataCapacity = binary.LittleEndian.Uint64(q.data[24:32])
	q.hashSlots = binary.LittleEndian.Uint32(q.data[64:68])

	want := fileSize(q.slotCapacity, q.dataCapacity, q.hashSlots)
	if uint64(fi.Size()) != want {
		q.Close()
		return nil, ldm7.NewError("pq.Open", ldm7.Corrupt, "file size does not match header geometry")
	}

	q.corrupt = !q.sanitySweep()
	return q, nil
}

// sanitySweep walks the arrival-order list for at most slotCapacity
// steps, checking for out-of-range links and cycles.
func (q *PQ) sanitySweep() bool {
	head := u32ToInt32(binary.LittleEndian.Uint32(q.data[52:56]))
	seen := make(map[int32]bool)
	cur := head
	steps := uint32(0)
	for cur != -1 {
		if cur < 0 || uint32(cur) >= q.slotCapacity {
			return false
		}
		if seen[cur] {
			return false
		}
		seen[cur] = true
		steps++
		if steps > q.slotCapacity {
			return false
		}
		cur = q.recField32(uint32(cur), recOffNextUsed)
	}
	return true
}

// Path returns the backing file path.
func (q *PQ) Path() string {
	return q.path
}

// PqeCount returns the number of outstanding (reserved, uncommitted)
// regions.
func (q *PQ) PqeCount() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return uint64(q.pqeCount)
}

// SetObserver installs a metrics observer; nil resets to a no-op.
func (q *PQ) SetObserver(o ldm7.Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if o == nil {
		o = ldm7.NoOpObserver{}
	}
	q.observer = o
}

// Close flushes the header and unmaps the file.
func (q *PQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.data != nil {
		_ = unix.Msync(q.data, unix.MS_SYNC)
		_ = unix.Munmap(q.data)
		q.data = nil
	}
	if q.file != nil {
		err := q.file.Close()
		q.file = nil
		if err != nil {
			return ldm7.WrapError("pq.Close", ldm7.IO, err)
		}
	}
	return nil
}

func (q *PQ) lockWriter() error {
	if q.mode == ModeShared {
		if err := unix.Flock(int(q.file.Fd()), unix.LOCK_EX); err != nil {
			return ldm7.WrapError("pq.lockWriter", ldm7.System, err)
		}
		q.locked = true
	}
	return nil
}

func (q *PQ) unlockWriter() {
	if q.mode == ModeShared && q.locked {
		_ = unix.Flock(int(q.file.Fd()), unix.LOCK_UN)
		q.locked = false
	}
}

func (q *PQ) broadcastNewProduct() {
	q.notifyMu.Lock()
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
	q.notifyMu.Unlock()
}

// --- header accessors ---

func (q *PQ) hSlotsUsed() uint32       { return binary.LittleEndian.Uint32(q.data[32:36]) }
func (q *PQ) setHSlotsUsed(v uint32)   { binary.LittleEndian.PutUint32(q.data[32:36], v) }
func (q *PQ) hDataUsed() uint64        { return binary.LittleEndian.Uint64(q.data[36:44]) }
func (q *PQ) setHDataUsed(v uint64)    { binary.LittleEndian.PutUint64(q.data[36:44], v) }
func (q *PQ) hArenaNextFree() uint64   { return binary.LittleEndian.Uint64(q.data[44:52]) }
func (q *PQ) setHArenaNextFree(v uint64) { binary.LittleEndian.PutUint64(q.data[44:52], v) }
func (q *PQ) hArrivalHead() int32      { return u32ToInt32(binary.LittleEndian.Uint32(q.data[52:56])) }
func (q *PQ) setHArrivalHead(v int32)  { binary.LittleEndian.PutUint32(q.data[52:56], int32ToU32(v)) }
func (q *PQ) hArrivalTail() int32      { return u32ToInt32(binary.LittleEndian.Uint32(q.data[56:60])) }
func (q *PQ) setHArrivalTail(v int32)  { binary.LittleEndian.PutUint32(q.data[56:60], int32ToU32(v)) }
func (q *PQ) hFreeHead() int32         { return u32ToInt32(binary.LittleEndian.Uint32(q.data[60:64])) }
func (q *PQ) setHFreeHead(v int32)     { binary.LittleEndian.PutUint32(q.data[60:64], int32ToU32(v)) }

// --- record region accessors ---

func (q *PQ) recordOffset(i uint32) uint64 {
	return headerSize + uint64(i)*recordSize
}

func (q *PQ) recField32(i uint32, fieldOff int) int32 {
	off := q.recordOffset(i) + uint64(fieldOff)
	return u32ToInt32(binary.LittleEndian.Uint32(q.data[off : off+4]))
}

func (q *PQ) setRecField32(i uint32, fieldOff int, v int32) {
	off := q.recordOffset(i) + uint64(fieldOff)
	binary.LittleEndian.PutUint32(q.data[off:off+4], int32ToU32(v))
}

func (q *PQ) recField8(i uint32, fieldOff int) uint8 {
	off := q.recordOffset(i) + uint64(fieldOff)
	return q.data[off]
}

func (q *PQ) setRecField8(i uint32, fieldOff int, v uint8) {
	off := q.recordOffset(i) + uint64(fieldOff)
	q.data[off] = v
}

func (q *PQ) hashTableOffset() uint64 {
	return headerSize + uint64(q.slotCapacity)*recordSize
}

func (q *PQ) arenaOffset() uint64 {
	return q.hashTableOffset() + uint64(q.hashSlots)*4
}

// infoDigest computes a fast, non-cryptographic digest of a record's
// metadata fields (distinct from its cryptographic Signature), stored
// alongside the record. Nothing reads it back: the sanity sweep checks
// only the arrival-order links.
func infoDigest(info ldm7.ProductInfo) uint64 {
	buf := make([]byte, 0, 300)
	buf = append(buf, info.Signature[:]...)
	buf = append(buf, []byte(info.Identifier)...)
	buf = append(buf, []byte(info.OriginHost)...)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(info.FeedType))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], info.SeqNo)
	buf = append(buf, tmp[:]...)
	return xxhash.Sum64(buf)
}

func sigHash(sig ldm7.Signature) uint64 {
	return binary.LittleEndian.Uint64(sig[0:8]) ^ binary.LittleEndian.Uint64(sig[8:16])
}

// hashFind returns the record index holding sig, or (-1, false).
func (q *PQ) hashFind(sig ldm7.Signature) (int32, bool) {
	base := q.hashTableOffset()
	mask := uint64(q.hashSlots - 1)
	start := sigHash(sig) & mask
	for probe := uint64(0); probe < uint64(q.hashSlots); probe++ {
		slot := (start + probe) & mask
		off := base + slot*4
		v := u32ToInt32(binary.LittleEndian.Uint32(q.data[off : off+4]))
		if v == hashEmpty {
			return -1, false
		}
		if v == hashTombstone {
			continue
		}
		if q.recSignature(uint32(v)) == sig {
			return v, true
		}
	}
	return -1, false
}

func (q *PQ) hashInsert(sig ldm7.Signature, recIdx int32) {
	base := q.hashTableOffset()
	mask := uint64(q.hashSlots - 1)
	start := sigHash(sig) & mask
	for probe := uint64(0); probe < uint64(q.hashSlots); probe++ {
		slot := (start + probe) & mask
		off := base + slot*4
		v := u32ToInt32(binary.LittleEndian.Uint32(q.data[off : off+4]))
		if v == hashEmpty || v == hashTombstone {
			binary.LittleEndian.PutUint32(q.data[off:off+4], int32ToU32(recIdx))
			return
		}
	}
}

func (q *PQ) hashDelete(sig ldm7.Signature) {
	base := q.hashTableOffset()
	mask := uint64(q.hashSlots - 1)
	start := sigHash(sig) & mask
	for probe := uint64(0); probe < uint64(q.hashSlots); probe++ {
		slot := (start + probe) & mask
		off := base + slot*4
		v := u32ToInt32(binary.LittleEndian.Uint32(q.data[off : off+4]))
		if v == hashEmpty {
			return
		}
		if v != hashTombstone && q.recSignature(uint32(v)) == sig {
			binary.LittleEndian.PutUint32(q.data[off:off+4], int32ToU32(hashTombstone))
			return
		}
	}
}

func (q *PQ) recSignature(i uint32) ldm7.Signature {
	var sig ldm7.Signature
	off := q.recordOffset(i) + recOffSignature
	copy(sig[:], q.data[off:off+16])
	return sig
}

func (q *PQ) writeRecordInfo(i uint32, info ldm7.ProductInfo, arenaOff uint64, size uint64) {
	off := q.recordOffset(i)
	binary.LittleEndian.PutUint64(q.data[off+recOffOffset:], arenaOff)
	binary.LittleEndian.PutUint64(q.data[off+recOffSize:], size)
	binary.LittleEndian.PutUint64(q.data[off+recOffInfoDigest:], infoDigest(info))
	copy(q.data[off+recOffSignature:], info.Signature[:])
	binary.LittleEndian.PutUint64(q.data[off+recOffArrival:], uint64(info.ArrivalTime.UnixNano()))
	binary.LittleEndian.PutUint32(q.data[off+recOffFeedType:], uint32(info.FeedType))
	binary.LittleEndian.PutUint32(q.data[off+recOffSeqNo:], info.SeqNo)

	ident := []byte(info.Identifier)
	if len(ident) > maxIdentLen {
		ident = ident[:maxIdentLen]
	}
	binary.LittleEndian.PutUint16(q.data[off+recOffIdentLen:], uint16(len(ident)))
	identBuf := q.data[off+recOffIdent : off+recOffIdent+maxIdentLen]
	for i := range identBuf {
		identBuf[i] = 0
	}
	copy(identBuf, ident)

	origin := []byte(info.OriginHost)
	if len(origin) > maxOriginLen {
		origin = origin[:maxOriginLen]
	}
	binary.LittleEndian.PutUint16(q.data[off+recOffOriginLen:], uint16(len(origin)))
	originBuf := q.data[off+recOffOrigin : off+recOffOrigin+maxOriginLen]
	for i := range originBuf {
		originBuf[i] = 0
	}
	copy(originBuf, origin)
}

func (q *PQ) readRecordInfo(i uint32) ldm7.ProductInfo {
	off := q.recordOffset(i)
	var info ldm7.ProductInfo
	copy(info.Signature[:], q.data[off+recOffSignature:off+recOffSignature+16])
	nsec := int64(binary.LittleEndian.Uint64(q.data[off+recOffArrival:]))
	info.ArrivalTime = time.Unix(0, nsec).UTC()
	info.FeedType = ldm7.FeedType(binary.LittleEndian.Uint32(q.data[off+recOffFeedType:]))
	info.SeqNo = binary.LittleEndian.Uint32(q.data[off+recOffSeqNo:])
	identLen := binary.LittleEndian.Uint16(q.data[off+recOffIdentLen:])
	info.Identifier = string(q.data[off+recOffIdent : off+recOffIdent+uint64(identLen)])
	originLen := binary.LittleEndian.Uint16(q.data[off+recOffOriginLen:])
	info.OriginHost = string(q.data[off+recOffOrigin : off+recOffOrigin+uint64(originLen)])
	info.Size = uint32(binary.LittleEndian.Uint64(q.data[off+recOffSize:]))
	return info
}

func (q *PQ) recordPayload(i uint32) []byte {
	off := q.recordOffset(i)
	arenaOff := binary.LittleEndian.Uint64(q.data[off+recOffOffset:])
	size := binary.LittleEndian.Uint64(q.data[off+recOffSize:])
	start := q.arenaOffset() + arenaOff
	buf := make([]byte, size)
	copy(buf, q.data[start:start+size])
	return buf
}

// allocFreeSlot pops a free index record off the free list. Returns
// false if none remain, which cannot happen after a correct eviction
// loop since slotCapacity bounds both.
func (q *PQ) allocFreeSlot() (uint32, bool) {
	head := q.hFreeHead()
	if head == -1 {
		return 0, false
	}
	next := q.recField32(uint32(head), recOffNextFree)
	q.setHFreeHead(next)
	return uint32(head), true
}

func (q *PQ) releaseFreeSlot(i uint32) {
	q.setRecField32(i, recOffNextFree, q.hFreeHead())
	q.setHFreeHead(int32(i))
	q.setRecField8(i, recOffState, stateFree)
}

func (q *PQ) appendArrival(i uint32) {
	tail := q.hArrivalTail()
	q.setRecField32(i, recOffPrevUsed, tail)
	q.setRecField32(i, recOffNextUsed, -1)
	if tail == -1 {
		q.setHArrivalHead(int32(i))
	} else {
		q.setRecField32(uint32(tail), recOffNextUsed, int32(i))
	}
	q.setHArrivalTail(int32(i))
}

func (q *PQ) removeArrival(i uint32) {
	prev := q.recField32(i, recOffPrevUsed)
	next := q.recField32(i, recOffNextUsed)
	if prev == -1 {
		q.setHArrivalHead(next)
	} else {
		q.setRecField32(uint32(prev), recOffNextUsed, next)
	}
	if next == -1 {
		q.setHArrivalTail(prev)
	} else {
		q.setRecField32(uint32(next), recOffPrevUsed, prev)
	}
}

// evictOldest removes the arrival-order head record: unindexes it from
// the signature table, unlinks it from the arrival list, and returns
// its index to the free list.
func (q *PQ) evictOldest() {
	head := q.hArrivalHead()
	if head == -1 {
		return
	}
	sig := q.recSignature(uint32(head))
	size := binary.LittleEndian.Uint64(q.data[q.recordOffset(uint32(head))+recOffSize:])

	q.hashDelete(sig)
	q.removeArrival(uint32(head))
	q.releaseFreeSlot(uint32(head))

	q.setHSlotsUsed(q.hSlotsUsed() - 1)
	q.setHDataUsed(q.hDataUsed() - size)
	if q.hSlotsUsed() == 0 {
		q.setHArenaNextFree(0)
	}
	q.observer.ObserveDelete(true)
	q.metrics.RecordExpired()
}

// arenaHeadOffset reports the arena byte offset of the oldest live
// record — the point the free pool's contiguous range abuts from
// below — or ok==false if the arena holds no live records.
func (q *PQ) arenaHeadOffset() (off uint64, ok bool) {
	head := q.hArrivalHead()
	if head == -1 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(q.data[q.recordOffset(uint32(head))+recOffOffset:]), true
}

// canAllocArena reports whether size bytes can be carved out of the
// arena's current free extent without evicting further, mirroring the
// placement allocArena would choose.
func (q *PQ) canAllocArena(size uint64) bool {
	pos := q.hArenaNextFree()
	headOff, hasLive := q.arenaHeadOffset()
	if !hasLive {
		return size <= q.dataCapacity
	}
	if pos >= headOff {
		return pos+size <= q.dataCapacity || size <= headOff
	}
	return pos+size <= headOff
}

// evictUntilFits evicts arrival-order-oldest records until both the
// slot/byte budgets and the arena's ring geometry (§4.C.1: "the arena
// is a logical ring; free-pool is always a contiguous range abutting
// the head") admit an allocation of size bytes. Evicting advances the
// head offset arenaHeadOffset reads, so the ring's free extent grows
// every iteration even when total dataUsed already has headroom.
func (q *PQ) evictUntilFits(size uint64) error {
	for q.hSlotsUsed()+1 > q.slotCapacity || q.hDataUsed()+size > q.dataCapacity || !q.canAllocArena(size) {
		if q.hArrivalHead() == -1 {
			return ldm7.NewError("pq.insert", ldm7.System, "cannot evict enough to satisfy insert")
		}
		q.evictOldest()
	}
	return nil
}

// allocArena carves size bytes out of the ring's free extent, wrapping
// to offset 0 when the physical tail has no room left but the region
// below the live-data head does (the head having been advanced far
// enough by evictUntilFits).
func (q *PQ) allocArena(size uint64) (uint64, error) {
	pos := q.hArenaNextFree()
	headOff, hasLive := q.arenaHeadOffset()

	if !hasLive {
		q.setHArenaNextFree(size)
		return 0, nil
	}

	if pos >= headOff {
		if pos+size <= q.dataCapacity {
			q.setHArenaNextFree(pos + size)
			return pos, nil
		}
		if size <= headOff {
			q.setHArenaNextFree(size)
			return 0, nil
		}
		return 0, ldm7.NewError("pq.insert", ldm7.System, "arena fragmented with live records")
	}

	if pos+size <= headOff {
		q.setHArenaNextFree(pos + size)
		return pos, nil
	}
	return 0, ldm7.NewError("pq.insert", ldm7.System, "arena fragmented with live records")
}

// Insert publishes a new product, evicting the oldest arrival-order
// records until both capacity limits are satisfied.
func (q *PQ) Insert(product ldm7.Product) (Result, error) {
	size := uint64(len(product.Payload))
	if size > q.dataCapacity {
		return ResultOk, ldm7.NewError("pq.Insert", ldm7.TooBig, fmt.Sprintf("size %d exceeds data capacity %d", size, q.dataCapacity))
	}

	if err := q.lockWriter(); err != nil {
		return ResultOk, err
	}
	defer q.unlockWriter()

	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, found := q.hashFind(product.Info.Signature); found {
		q.observer.ObserveDuplicate()
		q.metrics.RecordDuplicate()
		return ResultDuplicate, ldm7.NewError("pq.Insert", ldm7.Duplicate, "signature already present")
	}

	if err := q.evictUntilFits(size); err != nil {
		q.observer.ObserveInsert(size, uint64(time.Since(start)), false)
		q.metrics.RecordInsert(size, uint64(time.Since(start)), false)
		return ResultOk, err
	}

	idx, ok := q.allocFreeSlot()
	if !ok {
		return ResultOk, ldm7.NewError("pq.Insert", ldm7.System, "no free index slots")
	}
	arenaOff, err := q.allocArena(size)
	if err != nil {
		q.releaseFreeSlot(idx)
		return ResultOk, err
	}

	copy(q.data[q.arenaOffset()+arenaOff:q.arenaOffset()+arenaOff+size], product.Payload)
	q.writeRecordInfo(idx, product.Info, arenaOff, size)
	q.setRecField8(idx, recOffState, stateCommitted)
	q.appendArrival(idx)
	q.hashInsert(product.Info.Signature, int32(idx))

	q.setHSlotsUsed(q.hSlotsUsed() + 1)
	q.setHDataUsed(q.hDataUsed() + size)

	q.observer.ObserveInsert(size, uint64(time.Since(start)), true)
	q.observer.ObserveQueueDepth(q.hSlotsUsed())
	q.metrics.RecordInsert(size, uint64(time.Since(start)), true)
	q.metrics.RecordQueueDepth(q.hSlotsUsed())

	q.broadcastNewProduct()
	return ResultOk, nil
}

// FindBySignature looks up a live product by signature in O(1).
func (q *PQ) FindBySignature(sig ldm7.Signature) (ldm7.Product, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	idx, ok := q.hashFind(sig)
	if !ok {
		return ldm7.Product{}, false
	}
	info := q.readRecordInfo(uint32(idx))
	payload := q.recordPayload(uint32(idx))
	return ldm7.Product{Info: info, Payload: payload}, true
}

// DeleteBySignature removes a single live record in O(1). Returns false
// if sig was not present.
func (q *PQ) DeleteBySignature(sig ldm7.Signature) bool {
	if err := q.lockWriter(); err != nil {
		return false
	}
	defer q.unlockWriter()

	q.mu.Lock()
	defer q.mu.Unlock()

	idx, ok := q.hashFind(sig)
	if !ok {
		return false
	}
	size := binary.LittleEndian.Uint64(q.data[q.recordOffset(uint32(idx))+recOffSize:])
	q.hashDelete(sig)
	q.removeArrival(uint32(idx))
	q.releaseFreeSlot(uint32(idx))
	q.setHSlotsUsed(q.hSlotsUsed() - 1)
	q.setHDataUsed(q.hDataUsed() - size)
	if q.hSlotsUsed() == 0 {
		q.setHArenaNextFree(0)
	}
	q.observer.ObserveDelete(true)
	q.metrics.RecordDelete(true)
	return true
}

// Stats reports current occupancy.
func (q *PQ) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	st := Stats{
		NProducts:  q.hSlotsUsed(),
		NBytesUsed: q.hDataUsed(),
	}
	if head := q.hArrivalHead(); head != -1 {
		st.OldestArrival = q.readRecordInfo(uint32(head)).ArrivalTime
	}
	if tail := q.hArrivalTail(); tail != -1 {
		st.NewestArrival = q.readRecordInfo(uint32(tail)).ArrivalTime
	}
	return st
}

// DecideFunc is invoked for the first matching product found by
// Sequence while that product's record is read-locked.
type DecideFunc func(info ldm7.ProductInfo, payload []byte)

// Sequence advances the handle's cursor one step in arrival order,
// invoking decide on the first product matching class under cursorMode.
func (q *PQ) Sequence(cursorMode CursorMode, class ldm7.MatchClass, decide DecideFunc) Outcome {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.corrupt {
		return OutcomeCorrupt
	}

	cur := q.hArrivalHead()
	skippedCursor := !q.cursorSet
	for cur != -1 {
		if !skippedCursor {
			if cur == q.cursorArrival {
				skippedCursor = true
				if cursorMode == TVGT {
					cur = q.recField32(uint32(cur), recOffNextUsed)
					continue
				}
			}
		}
		info := q.readRecordInfo(uint32(cur))
		if class.Match(info) {
			payload := q.recordPayload(uint32(cur))
			decide(info, payload)
			q.cursorSet = true
			q.cursorArrival = cur
			return OutcomeOk
		}
		cur = q.recField32(uint32(cur), recOffNextUsed)
	}
	return OutcomeEnd
}

// ResetCursor rewinds the handle's traversal cursor to "before any
// product", so the next Sequence call may return the oldest match again.
func (q *PQ) ResetCursor() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cursorSet = false
	q.cursorArrival = -1
}

// ForEach walks the whole arrival-order list from oldest to newest,
// independent of the handle's Sequence cursor, invoking fn on every
// product matching class and within the (after, before] arrival-time
// window. A zero after or before leaves that bound open. It stops
// early if fn returns false.
// Used for bulk backlog streaming, where §4.H's windowed replay has no
// relationship to any single client's single-step traversal cursor.
func (q *PQ) ForEach(class ldm7.MatchClass, after, before time.Time, fn func(info ldm7.ProductInfo, payload []byte) bool) Outcome {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.corrupt {
		return OutcomeCorrupt
	}

	cur := q.hArrivalHead()
	for cur != -1 {
		info := q.readRecordInfo(uint32(cur))
		next := q.recField32(uint32(cur), recOffNextUsed)
		inWindow := (after.IsZero() || info.ArrivalTime.After(after)) && (before.IsZero() || !info.ArrivalTime.After(before))
		if inWindow && class.Match(info) {
			payload := q.recordPayload(uint32(cur))
			if !fn(info, payload) {
				return OutcomeOk
			}
		}
		cur = next
	}
	return OutcomeOk
}

// UnblockReason explains why SuspendAndUnblock returned.
type UnblockReason int

const (
	UnblockNewProduct UnblockReason = iota
	UnblockTimeout
	UnblockSignal
)

// SuspendAndUnblock blocks until either a new insertion is broadcast,
// timeout elapses, or ctx is cancelled (standing in for the documented
// "unblock signals").
func (q *PQ) SuspendAndUnblock(ctx context.Context, timeout time.Duration) UnblockReason {
	q.notifyMu.Lock()
	ch := q.notifyCh
	q.notifyMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return UnblockNewProduct
	case <-timer.C:
		return UnblockTimeout
	case <-ctx.Done():
		return UnblockSignal
	}
}

// Region is an in-progress reservation returned by Reserve: a direct
// slice into the mmap'd arena the caller fills without an intermediate
// copy, then either Commit or Abort. Only one Region may be
// outstanding per PQ at a time.
type Region struct {
	q        *PQ
	idx      uint32
	arenaOff uint64
	size     uint64
	data     []byte
	done     bool
}

// Bytes returns the writable slice backing the reservation.
func (r *Region) Bytes() []byte {
	return r.data
}

// Reserve carves out size bytes of arena space and a free index slot,
// evicting oldest products as needed, without yet publishing the
// product under a signature. The caller writes into Region.Bytes and
// calls Commit to publish it. The downstream session writes multicast
// products through it; the NOAAPort assembler reassembles into its own
// pooled buffer and calls Insert instead.
func (q *PQ) Reserve(size uint64) (*Region, error) {
	if size > q.dataCapacity {
		return nil, ldm7.NewError("pq.Reserve", ldm7.TooBig, fmt.Sprintf("size %d exceeds data capacity %d", size, q.dataCapacity))
	}
	if err := q.lockWriter(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.reserving {
		q.unlockWriter()
		return nil, ldm7.NewError("pq.Reserve", ldm7.Logic, "a reservation is already outstanding")
	}

	if err := q.evictUntilFits(size); err != nil {
		q.unlockWriter()
		return nil, err
	}
	idx, ok := q.allocFreeSlot()
	if !ok {
		q.unlockWriter()
		return nil, ldm7.NewError("pq.Reserve", ldm7.System, "no free index slots")
	}
	arenaOff, err := q.allocArena(size)
	if err != nil {
		q.releaseFreeSlot(idx)
		q.unlockWriter()
		return nil, err
	}

	q.setRecField8(idx, recOffState, stateReserved)
	q.reserving = true
	q.pqeCount++

	start := q.arenaOffset() + arenaOff
	return &Region{
		q:        q,
		idx:      idx,
		arenaOff: arenaOff,
		size:     size,
		data:     q.data[start : start+size],
	}, nil
}

// Commit publishes the reserved region under info, making it visible
// to FindBySignature and Sequence.
func (r *Region) Commit(info ldm7.ProductInfo) error {
	if r.done {
		return ldm7.NewError("pq.Region.Commit", ldm7.Logic, "region already finalized")
	}
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, found := q.hashFind(info.Signature); found {
		q.releaseFreeSlot(r.idx)
		q.reserving = false
		q.pqeCount--
		r.done = true
		q.unlockWriter()
		return ldm7.NewError("pq.Region.Commit", ldm7.Duplicate, "signature already present")
	}

	info.Size = uint32(r.size)
	q.writeRecordInfo(r.idx, info, r.arenaOff, r.size)
	q.setRecField8(r.idx, recOffState, stateCommitted)
	q.appendArrival(r.idx)
	q.hashInsert(info.Signature, int32(r.idx))
	q.setHSlotsUsed(q.hSlotsUsed() + 1)
	q.setHDataUsed(q.hDataUsed() + r.size)

	q.reserving = false
	q.pqeCount--
	r.done = true

	q.observer.ObserveInsert(r.size, 0, true)
	q.observer.ObserveQueueDepth(q.hSlotsUsed())
	q.metrics.RecordInsert(r.size, 0, true)
	q.metrics.RecordQueueDepth(q.hSlotsUsed())

	q.broadcastNewProduct()
	q.unlockWriter()
	return nil
}

// Abort releases the reservation without publishing anything.
func (r *Region) Abort() {
	if r.done {
		return
	}
	q := r.q
	q.mu.Lock()
	q.releaseFreeSlot(r.idx)
	q.reserving = false
	q.pqeCount--
	r.done = true
	q.mu.Unlock()
	q.unlockWriter()
}
