package pq

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/ldm7/ldm7"
)

// indexRecordSize is [valid byte][feed uint32][signature 16 bytes].
const indexRecordSize = 1 + 4 + 16

// IndexMap is the Product-Index Map of spec.md §4.D: a small on-disk ring
// mapping a monotonically assigned product index to the signature (and
// feed) it was last bound to, used by the upstream to answer backstop
// request_product calls by index.
type IndexMap struct {
	mu     sync.Mutex
	file   *os.File
	length uint32
}

// CreateIndexMap lays out a new index map file with the given ring
// length, clobbering any existing file.
func CreateIndexMap(path string, length uint32) (*IndexMap, error) {
	if length == 0 {
		return nil, ldm7.NewError("pq.CreateIndexMap", ldm7.Invalid, "length must be > 0")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ldm7.WrapError("pq.CreateIndexMap", ldm7.IO, err)
	}
	if err := f.Truncate(int64(length) * indexRecordSize); err != nil {
		f.Close()
		return nil, ldm7.WrapError("pq.CreateIndexMap", ldm7.IO, err)
	}
	return &IndexMap{file: f, length: length}, nil
}

// OpenIndexMap opens an existing index map file of the given ring length.
func OpenIndexMap(path string, length uint32) (*IndexMap, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, ldm7.WrapError("pq.OpenIndexMap", ldm7.IO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ldm7.WrapError("pq.OpenIndexMap", ldm7.IO, err)
	}
	if fi.Size() != int64(length)*indexRecordSize {
		f.Close()
		return nil, ldm7.NewError("pq.OpenIndexMap", ldm7.Corrupt, "index map size does not match expected length")
	}
	return &IndexMap{file: f, length: length}, nil
}

func (m *IndexMap) slotOffset(index uint32) int64 {
	return int64(index%m.length) * indexRecordSize
}

// Put binds index to (feed, sig), overwriting whatever the ring slot
// previously held.
func (m *IndexMap) Put(index uint32, feed ldm7.FeedType, sig ldm7.Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf [indexRecordSize]byte
	buf[0] = 1
	binary.LittleEndian.PutUint32(buf[1:5], uint32(feed))
	copy(buf[5:], sig[:])

	if _, err := m.file.WriteAt(buf[:], m.slotOffset(index)); err != nil {
		return ldm7.WrapError("pq.IndexMap.Put", ldm7.IO, err)
	}
	return nil
}

// Get returns the (feed, signature) bound to index, if the ring slot is
// still occupied by that binding (a later Put at the same modular slot
// for a different index silently supersedes it, matching a ring's
// natural overwrite semantics).
func (m *IndexMap) Get(index uint32) (ldm7.FeedType, ldm7.Signature, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf [indexRecordSize]byte
	if _, err := m.file.ReadAt(buf[:], m.slotOffset(index)); err != nil {
		return 0, ldm7.Signature{}, false, ldm7.WrapError("pq.IndexMap.Get", ldm7.IO, err)
	}
	if buf[0] == 0 {
		return 0, ldm7.Signature{}, false, nil
	}
	feed := ldm7.FeedType(binary.LittleEndian.Uint32(buf[1:5]))
	var sig ldm7.Signature
	copy(sig[:], buf[5:])
	return feed, sig, true, nil
}

// DeleteAll clears every slot bound to feed, used when a feed
// subscription is torn down.
func (m *IndexMap) DeleteAll(feed ldm7.FeedType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf [indexRecordSize]byte
	for i := uint32(0); i < m.length; i++ {
		off := int64(i) * indexRecordSize
		if _, err := m.file.ReadAt(buf[:], off); err != nil {
			return ldm7.WrapError("pq.IndexMap.DeleteAll", ldm7.IO, err)
		}
		if buf[0] == 0 {
			continue
		}
		slotFeed := ldm7.FeedType(binary.LittleEndian.Uint32(buf[1:5]))
		if slotFeed&feed == 0 {
			continue
		}
		var zero [indexRecordSize]byte
		if _, err := m.file.WriteAt(zero[:], off); err != nil {
			return ldm7.WrapError("pq.IndexMap.DeleteAll", ldm7.IO, err)
		}
	}
	return nil
}

// Close closes the backing file.
func (m *IndexMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Close(); err != nil {
		return ldm7.WrapError("pq.IndexMap.Close", ldm7.IO, err)
	}
	return nil
}
