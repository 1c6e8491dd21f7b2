package noaaport

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/ldm7/ldm7"
	"github.com/ldm7/ldm7/internal/logging"
	"github.com/ldm7/ldm7/internal/pq"
)

// RetransmitFunc requests redelivery of a product the assembler had
// to abort because a fragment arrived out of sequence.
type RetransmitFunc func(productSeqno uint32)

// Config configures an Assembler.
type Config struct {
	Reader          FrameReader
	PQ              *pq.PQ
	OriginHost      string
	GOESFillEnabled bool
	Retransmit      RetransmitFunc
	Logger          *logging.Logger
}

// Assembler drives spec.md §4.J end to end: frame parsing, resync,
// gap/retrograde detection, product assembly, and PQ handoff.
type Assembler struct {
	cfg   Config
	log   *logging.Logger
	Stats Stats

	haveSeqno     bool
	lastSeqno     uint32
	lastWasSync   bool
	haveRunno     bool
	lastRunno     uint16
	resyncLogged  bool

	active *product
}

// New creates an Assembler reading frames through cfg.Reader.
func New(cfg Config) *Assembler {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Assembler{cfg: cfg, log: log}
}

// product holds the in-progress reassembly state for one product.
type product struct {
	seqno      uint32
	datastream uint8
	category   int
	fragCount  uint16
	blockSize  uint16
	nextBlock  uint16
	compressed bool
	heap       []byte
	heapLen    int
	compBuf    bytes.Buffer
	identifier string
}

// Run processes frames until the stream ends (io.EOF, reported as a
// clean nil return) or ctx-independent fatal error. Frame-level and
// product-level errors never reach here; spec.md §7 requires the
// assembler to abort the current product and continue, not die.
func (a *Assembler) Run() error {
	for {
		if err := a.processOneFrame(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// processOneFrame reads and dispatches exactly one frame, resyncing
// on any parse failure per spec.md §4.J.1.
func (a *Assembler) processOneFrame() error {
	if err := a.syncToSentinel(); err != nil {
		return err
	}

	var sbnBuf [16]byte
	if err := a.cfg.Reader.ReadBytes(sbnBuf[:]); err != nil {
		return err
	}
	sbn := parseSBN(sbnBuf)
	if checksumOf(sbnBuf) != sbn.checksum {
		a.log.Warn("noaaport: SBN checksum mismatch, resyncing")
		return nil
	}
	if sbn.command != cmdData && sbn.command != cmdTime {
		a.log.Warn("noaaport: unknown SBN command, resyncing", "command", sbn.command)
		return nil
	}

	if a.haveRunno && sbn.runno != a.lastRunno {
		a.log.Notice("noaaport: SBN run number changed, resetting sequence", "runno", sbn.runno)
		a.haveSeqno = false
	}
	a.lastRunno = sbn.runno
	a.haveRunno = true

	a.detectGapOrRetrograde(sbn)

	a.Stats.FramesRead.Add(1)

	if sbn.command == cmdTime {
		return nil
	}

	return a.processDataFrame(sbn)
}

// syncToSentinel advances byte-by-byte to the next 0xFF, matching
// spec.md's boundary behavior "frame 0xFF after partial SBN → resync
// succeeds within 15 bytes". Logs only the first resync in a run of
// consecutive failures, per spec.md §4.J.1.
func (a *Assembler) syncToSentinel() error {
	var b [1]byte
	for {
		if err := a.cfg.Reader.ReadBytes(b[:]); err != nil {
			return err
		}
		if b[0] == sentinel {
			if a.resyncLogged {
				a.resyncLogged = false
			}
			return nil
		}
		if !a.resyncLogged {
			a.log.Warn("noaaport: resyncing to next frame sentinel")
			a.resyncLogged = true
			a.Stats.Resyncs.Add(1)
		}
	}
}

// detectGapOrRetrograde implements spec.md §4.J.3's delta arithmetic.
func (a *Assembler) detectGapOrRetrograde(sbn sbnHeader) {
	isSync := sbn.command == cmdTime
	defer func() {
		a.haveSeqno = true
		a.lastSeqno = sbn.seqno
		a.lastWasSync = isSync
	}()

	if !a.haveSeqno {
		return
	}

	delta := sbn.seqno - a.lastSeqno // wraps modulo 2^32 per spec
	if delta == 0 || delta > (1<<31) {
		a.Stats.Retrograde.Add(1)
		a.log.Notice("noaaport: retrograde frame ignored", "seqno", sbn.seqno, "last", a.lastSeqno)
		return
	}
	if delta > 1 {
		gap := uint64(delta - 1)
		if isSync && a.lastWasSync {
			return // gap lies entirely within non-data frames
		}
		a.Stats.MissedFrames.Add(gap)
		a.log.Warn("noaaport: frame gap detected", "gap", gap, "seqno", sbn.seqno)
	}
}

// processDataFrame parses PDH/PSH/CCB/data-block for a DATA command
// frame and drives product assembly.
func (a *Assembler) processDataFrame(sbn sbnHeader) error {
	var pdhFirst [16]byte
	if err := a.cfg.Reader.ReadBytes(pdhFirst[:]); err != nil {
		return err
	}
	pdh := parsePDH(pdhFirst[:])
	if pdh.headerLen < 16 {
		a.log.Warn("noaaport: invalid PDH header length, resyncing", "len", pdh.headerLen)
		return nil
	}
	if pdh.headerLen > 16 {
		extra := make([]byte, pdh.headerLen-16)
		if err := a.cfg.Reader.ReadBytes(extra); err != nil {
			return err
		}
	}

	var fragInfo psh
	if pdh.transferType&transferPSHFollows != 0 {
		pshSize := int(pdh.totalSize) - pdh.headerLen
		if pshSize < 0 {
			a.log.Warn("noaaport: negative PSH size, resyncing")
			return nil
		}
		pshBuf := make([]byte, pshSize)
		if pshSize > 0 {
			if err := a.cfg.Reader.ReadBytes(pshBuf); err != nil {
				return err
			}
		}
		fragInfo = parsePSH(pshBuf)
	}

	var header ccb
	if pdh.blockNumber == 0 {
		var lenBuf [2]byte
		if err := a.cfg.Reader.ReadBytes(lenBuf[:]); err != nil {
			return err
		}
		ccbLen := int(lenBuf[0])<<8 | int(lenBuf[1])
		if ccbLen > 2 {
			body := make([]byte, ccbLen-2)
			if err := a.cfg.Reader.ReadBytes(body); err != nil {
				return err
			}
			header = ccb{raw: body}
		}
	}

	data := make([]byte, pdh.dataBlockSize)
	if pdh.dataBlockSize > 0 {
		if err := a.cfg.Reader.ReadBytes(data); err != nil {
			return err
		}
	}

	a.assembleFragment(sbn, pdh, fragInfo, header, data)
	return nil
}

// assembleFragment implements spec.md §4.J.4: begin a product on
// block_number == 0, append matching continuations, abort on
// mismatch.
func (a *Assembler) assembleFragment(sbn sbnHeader, pdh pdhHeader, frag psh, header ccb, data []byte) {
	if pdh.blockNumber == 0 {
		if a.active != nil {
			a.abortActive("superseded by new product before completion")
		}
		a.startProduct(sbn, pdh, frag, header)
	}

	if a.active == nil || a.active.seqno != pdh.prodSeqno || pdh.blockNumber != a.active.nextBlock {
		if pdh.blockNumber != 0 {
			a.log.Warn("noaaport: fragment mismatch, aborting product",
				"expected_seqno", activeSeqnoOrZero(a.active), "got_seqno", pdh.prodSeqno,
				"block", pdh.blockNumber)
			if a.active != nil {
				seqno := a.active.seqno
				a.abortActive("fragment sequence mismatch")
				if a.cfg.Retransmit != nil {
					a.cfg.Retransmit(seqno)
				}
			}
			return
		}
	}

	a.appendFragment(data)
	a.active.nextBlock = pdh.blockNumber + 1

	isLast := pdh.transferType&transferEnd != 0 || a.active.nextBlock >= a.active.fragCount
	if isLast {
		a.finishProduct()
	}
}

func activeSeqnoOrZero(p *product) uint32 {
	if p == nil {
		return 0
	}
	return p.seqno
}

func (a *Assembler) startProduct(sbn sbnHeader, pdh pdhHeader, frag psh, header ccb) {
	isGOES := sbn.datastream == streamGOES
	blockSize := pdh.dataBlockSize
	if !isGOES {
		blockSize = nonGOESBlockSize
	}
	heapCap := uint32(frag.fragCount) * uint32(blockSize)
	if heapCap == 0 {
		heapCap = uint32(pdh.dataBlockSize)
	}

	a.active = &product{
		seqno:      pdh.prodSeqno,
		datastream: sbn.datastream,
		category:   frag.category,
		fragCount:  frag.fragCount,
		blockSize:  blockSize,
		compressed: pdh.transferType&transferCompressed != 0,
		heap:       getBuffer(heapCap),
		identifier: header.identifier(),
	}
	a.active.heapLen = 0
}

func (a *Assembler) appendFragment(data []byte) {
	if a.active.compressed {
		a.active.compBuf.Write(data)
		return
	}
	a.growHeapFor(len(data))
	a.active.heapLen += copy(a.active.heap[a.active.heapLen:], data)
}

// growHeapFor ensures the active heap can hold n more bytes, growing
// beyond the PSH-declared fragment-count estimate if a stream
// under-reports it.
func (a *Assembler) growHeapFor(n int) {
	growHeap(a.active, n)
}

// growHeap grows p's heap buffer to hold n additional bytes.
func growHeap(p *product, n int) {
	if p.heapLen+n <= len(p.heap) {
		return
	}
	grown := getBuffer(uint32(p.heapLen + n))
	copy(grown, p.heap[:p.heapLen])
	putBuffer(p.heap)
	p.heap = grown
}

func (a *Assembler) abortActive(reason string) {
	if a.active == nil {
		return
	}
	a.log.Warn("noaaport: aborting product", "seqno", a.active.seqno, "reason", reason)
	putBuffer(a.active.heap)
	a.Stats.ProductsAborted.Add(1)
	a.active = nil
}

// finishProduct implements spec.md §4.J.5–§4.J.9: inflate (if
// compressed), apply the GOES fill policy, normalize the trailer,
// reclassify text/binary, compute the signature, and hand off to the
// PQ.
func (a *Assembler) finishProduct() {
	p := a.active
	a.active = nil

	isGOES := p.datastream == streamGOES
	isNWSTG := p.datastream == streamNWSTG

	missingFromEnd := int(p.fragCount) - int(p.nextBlock)

	if p.compressed {
		if err := a.inflateInto(p); err != nil {
			a.log.Warn("noaaport: inflate failed, aborting product", "seqno", p.seqno, "err", err)
			putBuffer(p.heap)
			a.Stats.ProductsAborted.Add(1)
			return
		}
		if isGOES && a.cfg.GOESFillEnabled && missingFromEnd > 0 {
			growHeap(p, int(p.blockSize))
			p.heapLen += copy(p.heap[p.heapLen:], make([]byte, p.blockSize))
			growHeap(p, int(p.blockSize))
			p.heapLen += copy(p.heap[p.heapLen:], bytes.Repeat([]byte{0xFF}, int(p.blockSize)))
		}
	} else if isGOES && a.cfg.GOESFillEnabled && missingFromEnd > 0 {
		fill := make([]byte, missingFromEnd*int(p.blockSize))
		growHeap(p, len(fill))
		p.heapLen += copy(p.heap[p.heapLen:], fill)
	}

	payload := p.heap[:p.heapLen]
	category := p.category
	if !isGOES && p.datastream == streamNWSTG && (category == categoryText || category == categoryOther) {
		if !scanASCII(payload) {
			category += categoryHDSBump
		}
	}

	if !isGOES {
		payload = trimTrailer(payload)
		payload = append(payload, 0x0D, 0x0D, 0x0A, 0x03)
	}

	sigInput := payload
	if isNWSTG && len(payload) >= fosPrefixLen {
		sigInput = payload[fosPrefixLen:]
	}
	sig := ldm7.DigestSignature(sigInput)

	info := ldm7.ProductInfo{
		Signature:   sig,
		ArrivalTime: time.Now().UTC(),
		OriginHost:  a.cfg.OriginHost,
		FeedType:    feedFromStreamCategory(p.datastream, category),
		SeqNo:       p.seqno,
		Identifier:  p.identifier,
		Size:        uint32(len(payload)),
	}

	_, err := a.cfg.PQ.Insert(ldm7.Product{Info: info, Payload: payload})
	putBuffer(p.heap)
	switch {
	case err == nil:
		a.Stats.ProductsAssembled.Add(1)
	case ldm7.IsCode(err, ldm7.Duplicate):
		a.Stats.ProductsDuplicate.Add(1)
		a.log.Info("noaaport: duplicate product", "seqno", p.seqno, "signature", sig.String())
	default:
		a.log.Warn("noaaport: PQ insert failed", "seqno", p.seqno, "err", err)
	}
}

// inflateInto replaces p.heap's contents with the inflated form of
// the accumulated compressed bytes; it is the "end of stream" half of
// the per-product deflate/inflate context spec.md §4.J.10 describes.
func (a *Assembler) inflateInto(p *product) error {
	zr := flate.NewReader(bytes.NewReader(p.compBuf.Bytes()))
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return err
	}
	putBuffer(p.heap)
	p.heap = getBuffer(uint32(len(out)))
	p.heapLen = copy(p.heap, out)
	return nil
}

// scanASCII reports whether the first/last asciiScanWindow bytes of
// payload are all ASCII, per spec.md §4.J.6.
func scanASCII(payload []byte) bool {
	n := len(payload)
	window := asciiScanWindow
	if window > n {
		window = n
	}
	for i := 0; i < window; i++ {
		if !isASCII(payload[i]) {
			return false
		}
	}
	for i := n - window; i < n; i++ {
		if !isASCII(payload[i]) {
			return false
		}
	}
	return true
}
