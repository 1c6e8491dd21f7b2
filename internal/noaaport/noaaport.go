// Package noaaport implements spec.md §4.J: the NOAAPort frame
// assembler. It parses the SBN/PDH/PSH/CCB header stack out of a raw
// byte stream, reassembles block-fragmented products, and hands
// finished products to a product queue.
//
// The stream itself — a shared-memory FIFO in the original system —
// is an out-of-scope external collaborator (spec.md §1); this package
// only depends on the FrameReader abstraction below, grounded in the
// teacher's pattern of keeping transport collaborators behind a small
// interface (internal/mcast.Sender/Receiver) with a real and a test
// implementation.
package noaaport

import (
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/ldm7/ldm7"
)

// Frame sentinel byte preceding every frame in the stream.
const sentinel = 0xFF

// SBN commands.
const (
	cmdData uint8 = 3
	cmdTime uint8 = 5
)

// PDH transfer-type bits (spec.md §6: "Transfer-type bit 1 = start;
// bit 4 = end; bit 16 = compressed; bit 8 = error; bit 32 = abort;
// bit 64 = PSH follows").
const (
	transferStart      uint8 = 1
	transferEnd        uint8 = 4
	transferError      uint8 = 8
	transferCompressed uint8 = 16
	transferAbort      uint8 = 32
	transferPSHFollows uint8 = 64
)

// NOAAPort datastream identifiers, mirroring the historical feed
// taxonomy that signature.go's FeedType bits already name.
const (
	streamNEXRAD uint8 = 1
	streamGOES   uint8 = 2
	streamNWSTG  uint8 = 3
	streamIDS    uint8 = 4
	streamDDS    uint8 = 5
)

// NWSTG categories eligible for text/binary reclassification (spec.md
// §4.J.6). categoryHDSBump is the offset applied on reclassification.
const (
	categoryText      = 0
	categoryOther     = 1
	categoryHDSBump   = 100
	nonGOESBlockSize  = 4015
	fosPrefixLen      = 11
	asciiScanWindow   = 100
	resyncMaxForTests = 15
)

// FrameReader is the read_bytes(dst, n) capability spec.md §4.J asks
// the assembler's collaborator to supply: fill dst completely or
// report an error (io.EOF at end of stream).
type FrameReader interface {
	ReadBytes(dst []byte) error
}

// FileFrameReader adapts any io.Reader — a plain file in tests, a
// shared-memory FIFO's device file in production — into a
// FrameReader.
type FileFrameReader struct {
	r io.Reader
}

// NewFileFrameReader wraps r as a FrameReader.
func NewFileFrameReader(r io.Reader) *FileFrameReader {
	return &FileFrameReader{r: r}
}

// ReadBytes fills dst completely from the underlying reader.
func (f *FileFrameReader) ReadBytes(dst []byte) error {
	_, err := io.ReadFull(f.r, dst)
	return err
}

// sbnHeader is the fixed 16-byte SBN frame header.
type sbnHeader struct {
	versionSize uint8
	command     uint8
	datastream  uint8
	source      uint8
	destination uint8
	seqno       uint32
	runno       uint16
	checksum    uint16
}

func parseSBN(buf [16]byte) sbnHeader {
	return sbnHeader{
		versionSize: buf[2],
		command:     buf[4],
		datastream:  buf[5],
		source:      buf[6],
		destination: buf[7],
		seqno:       binary.BigEndian.Uint32(buf[8:12]),
		runno:       binary.BigEndian.Uint16(buf[12:14]),
		checksum:    binary.BigEndian.Uint16(buf[14:16]),
	}
}

// checksumOf computes the SBN's own checksum rule: the low 16 bits of
// the sum of the header's first 14 bytes.
func checksumOf(buf [16]byte) uint16 {
	var sum uint32
	for _, b := range buf[:14] {
		sum += uint32(b)
	}
	return uint16(sum & 0xFFFF)
}

// pdhHeader is the ≥16-byte PDH; headerLen may exceed 16 when the
// low nibble of versionSize declares extra, ignored reserved bytes.
type pdhHeader struct {
	headerLen      int
	transferType   uint8
	totalSize      uint16
	blockNumber    uint16
	dataBlockSize  uint16
	prodSeqno      uint32
	recsPerBlock   uint8
	blocksPerRec   uint8
}

func parsePDH(buf []byte) pdhHeader {
	return pdhHeader{
		headerLen:     int(buf[0]&0x0F) * 4,
		transferType:  buf[1],
		totalSize:     binary.BigEndian.Uint16(buf[2:4]),
		blockNumber:   binary.BigEndian.Uint16(buf[4:6]),
		dataBlockSize: binary.BigEndian.Uint16(buf[8:10]),
		recsPerBlock:  buf[10],
		blocksPerRec:  buf[11],
		prodSeqno:     binary.BigEndian.Uint32(buf[12:16]),
	}
}

// psh carries the fragment count the product-assembly rule (spec.md
// §4.J.4, "whose PSH carries fragment count N") needs to size the
// reassembly heap, plus a coarse product category used by the
// text/binary reclassification step. The exact PSH byte layout past
// "N bytes, size from PDH" isn't given bit-for-bit by the
// specification, so the fragment count and category are read from
// fixed leading fields — the only part of the header stack this
// package infers rather than transcribes.
type psh struct {
	fragCount uint16
	category  int
}

func parsePSH(buf []byte) psh {
	if len(buf) < 2 {
		return psh{}
	}
	p := psh{fragCount: binary.BigEndian.Uint16(buf[0:2])}
	if len(buf) >= 3 {
		p.category = int(buf[2])
	}
	return p
}

// ccb is the optional Communications Control Block carrying the
// WMO/AWIPS product identifier. Present only on a product's first
// fragment (block_number == 0); continuation fragments never repeat
// it.
type ccb struct {
	raw []byte
}

// identifier extracts a human-readable product identifier from the
// CCB payload: the leading whitespace-delimited token of its text,
// matching how a WMO abbreviated heading or AWIPS ID appears at the
// start of a CCB.
func (c ccb) identifier() string {
	start := -1
	for i, b := range c.raw {
		if b <= ' ' {
			if start >= 0 {
				return string(c.raw[start:i])
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		return string(c.raw[start:])
	}
	return ""
}

// Stats tracks assembler-level counters for logging/operability; it
// is not the PQ's ldm7.Metrics, since frame-assembly counters (gaps,
// resyncs, retrograde frames) describe a different collaborator.
type Stats struct {
	FramesRead        atomic.Uint64
	Resyncs           atomic.Uint64
	Retrograde        atomic.Uint64
	MissedFrames      atomic.Uint64
	ProductsAssembled atomic.Uint64
	ProductsAborted   atomic.Uint64
	ProductsDuplicate atomic.Uint64
}

func isASCII(b byte) bool {
	return b < 0x80
}

// trimTrailer repeatedly removes a trailing "CR CR LF ETX" sequence
// (spec.md §4.J.5) and reports the trimmed slice.
func trimTrailer(data []byte) []byte {
	trailer := []byte{0x0D, 0x0D, 0x0A, 0x03}
	for len(data) >= len(trailer) && bytesEqual(data[len(data)-len(trailer):], trailer) {
		data = data[:len(data)-len(trailer)]
	}
	return data
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func feedFromStreamCategory(datastream uint8, category int) ldm7.FeedType {
	switch datastream {
	case streamGOES:
		return ldm7.FeedGOES
	case streamNEXRAD:
		return ldm7.FeedNEXRAD
	case streamNWSTG:
		if category >= categoryHDSBump {
			return ldm7.FeedHDS
		}
		return ldm7.FeedNWSTG
	case streamIDS:
		return ldm7.FeedIDS
	case streamDDS:
		return ldm7.FeedDDS
	default:
		return ldm7.FeedEXP
	}
}
