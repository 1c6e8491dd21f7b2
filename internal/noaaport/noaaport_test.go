package noaaport

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/ldm7/ldm7"
	"github.com/ldm7/ldm7/internal/pq"
	"github.com/stretchr/testify/require"
)

// frameBuilder assembles a synthetic NOAAPort byte stream for tests,
// mirroring the bit-exact layout spec.md §6 specifies.
type frameBuilder struct {
	buf     bytes.Buffer
	seqno   uint32
	runno   uint16
}

func newFrameBuilder() *frameBuilder {
	return &frameBuilder{runno: 1}
}

func (b *frameBuilder) writeSBN(command uint8, datastream uint8) {
	var sbn [16]byte
	sbn[2] = 1 // version 1, size nibble unused here
	sbn[4] = command
	sbn[5] = datastream
	binary.BigEndian.PutUint32(sbn[8:12], b.seqno)
	binary.BigEndian.PutUint16(sbn[12:14], b.runno)
	binary.BigEndian.PutUint16(sbn[14:16], checksumOf(sbn))
	b.seqno++
	b.buf.WriteByte(sentinel)
	b.buf.Write(sbn[:])
}

// writeDataFrame appends one complete DATA frame: SBN + PDH (+PSH on
// block 0) + CCB (on block 0) + data block.
func (b *frameBuilder) writeDataFrame(datastream uint8, prodSeqno uint32, blockNumber, fragCount uint16, transferType uint8, identifier string, data []byte) {
	b.writeSBN(cmdData, datastream)

	var psh []byte
	if blockNumber == 0 {
		transferType |= transferPSHFollows
		psh = make([]byte, 3)
		binary.BigEndian.PutUint16(psh[0:2], fragCount)
		psh[2] = categoryText
	}

	pdhLen := 16
	totalSize := pdhLen + len(psh)
	var pdh [16]byte
	pdh[0] = uint8(pdhLen / 4)
	pdh[1] = transferType
	binary.BigEndian.PutUint16(pdh[2:4], uint16(totalSize))
	binary.BigEndian.PutUint16(pdh[4:6], blockNumber)
	binary.BigEndian.PutUint16(pdh[8:10], uint16(len(data)))
	binary.BigEndian.PutUint32(pdh[12:16], prodSeqno)
	b.buf.Write(pdh[:])
	b.buf.Write(psh)

	if blockNumber == 0 {
		var ccbLen [2]byte
		body := []byte(identifier)
		binary.BigEndian.PutUint16(ccbLen[:], uint16(len(body)+2))
		b.buf.Write(ccbLen[:])
		b.buf.Write(body)
	}

	b.buf.Write(data)
}

func newTestPQ(t *testing.T) *pq.PQ {
	t.Helper()
	dir := t.TempDir()
	q, err := pq.Create(filepath.Join(dir, "test.pq"), 64, 1<<20, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestAssemblerResyncWithinFifteenBytes(t *testing.T) {
	junk := make([]byte, 10) // garbage preceding the real frame, no embedded 0xFF

	b := newFrameBuilder()
	b.writeDataFrame(streamNWSTG, 1, 0, 1, transferEnd, "TEST01", []byte("hello world"))

	stream := append(junk, b.buf.Bytes()...)
	reader := NewFileFrameReader(bytes.NewReader(stream))

	q := newTestPQ(t)
	asm := New(Config{Reader: reader, PQ: q, OriginHost: "test-host"})
	require.NoError(t, asm.Run())

	require.Equal(t, uint64(1), asm.Stats.Resyncs.Load())
	require.Equal(t, uint64(1), asm.Stats.ProductsAssembled.Load())
}

func TestAssemblerSingleFragmentProduct(t *testing.T) {
	b := newFrameBuilder()
	payload := []byte("NWSTG single fragment product body")
	b.writeDataFrame(streamNWSTG, 42, 0, 1, transferStart|transferEnd, "WMOID1", payload)

	q := newTestPQ(t)
	asm := New(Config{Reader: NewFileFrameReader(bytes.NewReader(b.buf.Bytes())), PQ: q, OriginHost: "test-host"})
	require.NoError(t, asm.Run())

	require.Equal(t, uint64(1), asm.Stats.ProductsAssembled.Load())

	stats := q.Stats()
	require.EqualValues(t, 1, stats.NProducts)
}

func TestAssemblerMultiFragmentProduct(t *testing.T) {
	b := newFrameBuilder()
	frag0 := bytes.Repeat([]byte{0x41}, 100)
	frag1 := bytes.Repeat([]byte{0x42}, 100)
	frag2 := bytes.Repeat([]byte{0x43}, 100)

	b.writeDataFrame(streamIDS, 7, 0, 3, transferStart, "IDS001", frag0)
	b.writeDataFrame(streamIDS, 7, 1, 3, 0, "", frag1)
	b.writeDataFrame(streamIDS, 7, 2, 3, transferEnd, "", frag2)

	q := newTestPQ(t)
	asm := New(Config{Reader: NewFileFrameReader(bytes.NewReader(b.buf.Bytes())), PQ: q, OriginHost: "test-host"})
	require.NoError(t, asm.Run())

	require.Equal(t, uint64(1), asm.Stats.ProductsAssembled.Load())
	require.Equal(t, uint64(0), asm.Stats.ProductsAborted.Load())
}

func TestAssemblerFragmentMismatchAborts(t *testing.T) {
	b := newFrameBuilder()
	frag0 := bytes.Repeat([]byte{0x41}, 50)
	frag2 := bytes.Repeat([]byte{0x43}, 50) // skips block 1: mismatch

	b.writeDataFrame(streamIDS, 9, 0, 3, transferStart, "IDS002", frag0)
	b.writeDataFrame(streamIDS, 9, 2, 3, transferEnd, "", frag2)

	var retransmitted []uint32
	q := newTestPQ(t)
	asm := New(Config{
		Reader:     NewFileFrameReader(bytes.NewReader(b.buf.Bytes())),
		PQ:         q,
		OriginHost: "test-host",
		Retransmit: func(seqno uint32) { retransmitted = append(retransmitted, seqno) },
	})
	require.NoError(t, asm.Run())

	require.Equal(t, uint64(1), asm.Stats.ProductsAborted.Load())
	require.Equal(t, uint64(0), asm.Stats.ProductsAssembled.Load())
	require.Equal(t, []uint32{9}, retransmitted)
}

func TestAssemblerGapDetection(t *testing.T) {
	b := newFrameBuilder()
	b.writeDataFrame(streamIDS, 1, 0, 1, transferStart|transferEnd, "A", []byte("one"))
	b.seqno += 4 // simulate 4 dropped frames
	b.writeDataFrame(streamIDS, 2, 0, 1, transferStart|transferEnd, "B", []byte("two"))

	q := newTestPQ(t)
	asm := New(Config{Reader: NewFileFrameReader(bytes.NewReader(b.buf.Bytes())), PQ: q, OriginHost: "test-host"})
	require.NoError(t, asm.Run())

	require.Equal(t, uint64(4), asm.Stats.MissedFrames.Load())
	require.Equal(t, uint64(2), asm.Stats.ProductsAssembled.Load())
}

func TestAssemblerDuplicateProductIsCountedNotError(t *testing.T) {
	payload := []byte("identical product body for dedup test")

	b := newFrameBuilder()
	b.writeDataFrame(streamIDS, 5, 0, 1, transferStart|transferEnd, "DUP", payload)
	b.writeDataFrame(streamIDS, 5, 0, 1, transferStart|transferEnd, "DUP", payload)

	q := newTestPQ(t)
	asm := New(Config{Reader: NewFileFrameReader(bytes.NewReader(b.buf.Bytes())), PQ: q, OriginHost: "test-host"})
	require.NoError(t, asm.Run())

	require.Equal(t, uint64(1), asm.Stats.ProductsAssembled.Load())
	require.Equal(t, uint64(1), asm.Stats.ProductsDuplicate.Load())
}

func TestAssemblerTextReclassificationToHDS(t *testing.T) {
	binaryPayload := bytes.Repeat([]byte{0x01, 0x02, 0xFE, 0xFF}, 50)

	b := newFrameBuilder()
	b.writeDataFrame(streamNWSTG, 11, 0, 1, transferStart|transferEnd, "BIN01", binaryPayload)

	q := newTestPQ(t)
	asm := New(Config{Reader: NewFileFrameReader(bytes.NewReader(b.buf.Bytes())), PQ: q, OriginHost: "test-host"})
	require.NoError(t, asm.Run())

	product, ok := findProductBySeqno(q, 11)
	require.True(t, ok)
	require.Equal(t, ldm7.FeedHDS, product.Info.FeedType)
}

func TestAssemblerTimeFrameCarriesNoProduct(t *testing.T) {
	b := newFrameBuilder()
	b.writeSBN(cmdTime, streamIDS)

	q := newTestPQ(t)
	asm := New(Config{Reader: NewFileFrameReader(bytes.NewReader(b.buf.Bytes())), PQ: q, OriginHost: "test-host"})
	require.NoError(t, asm.Run())

	require.Equal(t, uint64(0), asm.Stats.ProductsAssembled.Load())
	require.Equal(t, uint64(1), asm.Stats.FramesRead.Load())
}

func findProductBySeqno(q *pq.PQ, seqno uint32) (ldm7.Product, bool) {
	var found ldm7.Product
	var ok bool
	q.ForEach(ldm7.MatchClass{Feed: ldm7.FeedAny}, time.Time{}, time.Time{}, func(info ldm7.ProductInfo, payload []byte) bool {
		if info.SeqNo == seqno {
			found = ldm7.Product{Info: info, Payload: payload}
			ok = true
			return false
		}
		return true
	})
	return found, ok
}
