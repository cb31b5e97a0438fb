package file

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mosquito/golsm/utils"
)

// On-disk page envelope: flags byte, payload length, xxhash64 of the stored
// payload. Everything after the envelope up to the page boundary is slack.
const (
	pageHdrSize = 1 + 4 + 8

	flagCompressed byte = 1 << 0

	MinPageSize = 1 << 10
	MaxPageSize = 1 << 16

	// Reserved pages: 0 is the header, 1 and 2 are the two alternating
	// checkpoint pointer slots.
	HeaderPage    = 0
	SlotPageA     = 1
	SlotPageB     = 2
	reservedPages = 3
)

// Header is the fixed configuration written to page 0 at creation time.
type Header struct {
	PageSize      int
	BlockSize     int
	Compression   CompressionType
	CompressLevel int
}

func (h *Header) encode() []byte {
	e := &utils.EncodeBuf{}
	e.B = append(e.B, utils.MagicText[:]...)
	e.B = append(e.B, utils.U32ToBytes(utils.MagicVersion)...)
	e.Uvarint(uint64(h.PageSize))
	e.Uvarint(uint64(h.BlockSize))
	e.B = append(e.B, byte(h.Compression))
	e.Uvarint(uint64(h.CompressLevel))
	return e.B
}

func decodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < 9 {
		return h, utils.ErrBadMagic
	}
	if string(b[:4]) != string(utils.MagicText[:]) {
		return h, utils.ErrBadMagic
	}
	if utils.BytesToU32(b[4:8]) != utils.MagicVersion {
		return h, errors.Wrapf(utils.ErrBadMagic, "unsupported version %d", utils.BytesToU32(b[4:8]))
	}
	d := &utils.DecodeBuf{B: b[8:]}
	h.PageSize = int(d.Uvarint())
	h.BlockSize = int(d.Uvarint())
	h.Compression = CompressionType(d.Byte())
	h.CompressLevel = int(d.Uvarint())
	if err := d.Err(); err != nil {
		return h, errors.Wrap(utils.ErrBadMagic, "short header")
	}
	return h, nil
}

// Pager manages fixed-size pages over the single backing file: allocation,
// free-space tracking and optional per-page compression. Allocation and the
// free lists are serialized with a mutex; the caller additionally holds the
// writer lock for any mutation, so concurrent writers never receive
// overlapping allocations.
type Pager struct {
	mu sync.Mutex
	fd *os.File

	hdr   Header
	codec Codec

	npages  uint64
	free    []uint64
	pending []uint64

	readonly bool

	reads  uint64
	writes uint64
}

// CreatePager initializes a fresh database file: header page plus two empty
// checkpoint slots.
func CreatePager(path string, hdr Header) (*Pager, error) {
	codec, err := NewCodec(hdr.Compression, hdr.CompressLevel)
	if err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create %s", path)
	}
	p := &Pager{
		fd:     fd,
		hdr:    hdr,
		codec:  codec,
		npages: reservedPages,
	}
	if err := p.WriteMetaPage(HeaderPage, hdr.encode()); err != nil {
		fd.Close()
		return nil, err
	}
	if err := p.WriteMetaPage(SlotPageA, nil); err != nil {
		fd.Close()
		return nil, err
	}
	if err := p.WriteMetaPage(SlotPageB, nil); err != nil {
		fd.Close()
		return nil, err
	}
	if err := p.Sync(); err != nil {
		fd.Close()
		return nil, err
	}
	return p, nil
}

// OpenPager opens an existing database file and resolves the codec stored in
// its header.
func OpenPager(path string, readonly bool) (*Pager, error) {
	flag := os.O_RDWR
	if readonly {
		flag = os.O_RDONLY
	}
	fd, err := os.OpenFile(path, flag, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}

	// The header envelope fits well within the minimum page size, so it can
	// be read before the real page size is known.
	head := make([]byte, MinPageSize)
	if _, err := fd.ReadAt(head, 0); err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "short read on header page of %s", path)
	}
	payload, err := parseEnvelope(head)
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "header page of %s", path)
	}
	hdr, err := decodeHeader(payload)
	if err != nil {
		fd.Close()
		return nil, err
	}
	codec, err := NewCodec(hdr.Compression, hdr.CompressLevel)
	if err != nil {
		fd.Close()
		return nil, err
	}

	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, err
	}
	npages := uint64(fi.Size()) / uint64(hdr.PageSize)
	if npages < reservedPages {
		fd.Close()
		return nil, errors.Wrapf(utils.ErrBadMagic, "%s smaller than reserved pages", path)
	}
	return &Pager{
		fd:       fd,
		hdr:      hdr,
		codec:    codec,
		npages:   npages,
		readonly: readonly,
	}, nil
}

func (p *Pager) Header() Header {
	return p.hdr
}

func (p *Pager) PayloadCap() int {
	return p.hdr.PageSize - pageHdrSize
}

func (p *Pager) NumPages() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.npages
}

// Allocate returns a free page number, extending the file when the free
// list is empty.
func (p *Pager) Allocate() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		pgno := p.free[n-1]
		p.free = p.free[:n-1]
		return pgno
	}
	pgno := p.npages
	p.npages++
	return pgno
}

// Free makes a page immediately reusable. Only correct for pages that no
// durable checkpoint can reference, e.g. pages allocated and abandoned
// within one operation.
func (p *Pager) Free(pgno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, pgno)
}

// FreePending queues pages of a superseded run or checkpoint body. They stay
// unavailable until ReleasePending after the next durable checkpoint, since
// the previous checkpoint may still reference them.
func (p *Pager) FreePending(pgnos []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, pgnos...)
}

func (p *Pager) ReleasePending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, p.pending...)
	p.pending = nil
}

// SetFreeList installs the free list recovered from a checkpoint.
func (p *Pager) SetFreeList(pgnos []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free[:0], pgnos...)
}

// FreeList snapshots the allocatable free pages for checkpointing.
func (p *Pager) FreeList() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.free))
	copy(out, p.free)
	return out
}

func parseEnvelope(page []byte) ([]byte, error) {
	plen := int(utils.BytesToU32(page[1:5]))
	if plen > len(page)-pageHdrSize {
		return nil, utils.ErrChecksumMismatch
	}
	sum := utils.BytesToU64(page[5:13])
	payload := page[pageHdrSize : pageHdrSize+plen]
	if err := utils.VerifyPageChecksum(payload, sum); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *Pager) writeEnvelope(pgno uint64, flags byte, payload []byte) error {
	if len(payload) > p.PayloadCap() {
		utils.Panic(errors.Errorf("page payload %d exceeds page size %d", len(payload), p.hdr.PageSize))
	}
	page := make([]byte, p.hdr.PageSize)
	page[0] = flags
	copy(page[1:5], utils.U32ToBytes(uint32(len(payload))))
	copy(page[5:13], utils.U64ToBytes(utils.PageChecksum(payload)))
	copy(page[pageHdrSize:], payload)

	n, err := p.fd.WriteAt(page, int64(pgno)*int64(p.hdr.PageSize))
	if err != nil {
		return errors.Wrapf(err, "writing page %d", pgno)
	}
	if n != p.hdr.PageSize {
		return errors.Errorf("short write on page %d: %d of %d bytes", pgno, n, p.hdr.PageSize)
	}
	atomic.AddUint64(&p.writes, 1)
	return nil
}

func (p *Pager) readEnvelope(pgno uint64) (byte, []byte, error) {
	page := make([]byte, p.hdr.PageSize)
	n, err := p.fd.ReadAt(page, int64(pgno)*int64(p.hdr.PageSize))
	if err != nil {
		return 0, nil, errors.Wrapf(err, "reading page %d", pgno)
	}
	if n != p.hdr.PageSize {
		return 0, nil, errors.Errorf("short read on page %d: %d of %d bytes", pgno, n, p.hdr.PageSize)
	}
	atomic.AddUint64(&p.reads, 1)
	payload, err := parseEnvelope(page)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "page %d", pgno)
	}
	return page[0], payload, nil
}

// WritePage stores a data page, compressing the payload when the codec
// shrinks it. Metadata pages bypass compression so they can be read before
// the codec is resolved.
func (p *Pager) WritePage(pgno uint64, payload []byte) error {
	if p.codec != nil {
		if comp := p.codec.Compress(payload); len(comp) < len(payload) && len(comp) <= p.PayloadCap() {
			return p.writeEnvelope(pgno, flagCompressed, comp)
		}
	}
	return p.writeEnvelope(pgno, 0, payload)
}

func (p *Pager) ReadPage(pgno uint64) ([]byte, error) {
	flags, payload, err := p.readEnvelope(pgno)
	if err != nil {
		return nil, err
	}
	if flags&flagCompressed != 0 {
		if p.codec == nil {
			return nil, errors.Wrapf(utils.ErrChecksumMismatch, "page %d compressed but no codec configured", pgno)
		}
		return p.codec.Decompress(payload)
	}
	return payload, nil
}

func (p *Pager) WriteMetaPage(pgno uint64, payload []byte) error {
	return p.writeEnvelope(pgno, 0, payload)
}

func (p *Pager) ReadMetaPage(pgno uint64) ([]byte, error) {
	_, payload, err := p.readEnvelope(pgno)
	return payload, err
}

func (p *Pager) Sync() error {
	if p.readonly {
		return nil
	}
	return unix.Fdatasync(int(p.fd.Fd()))
}

func (p *Pager) IOStats() (reads, writes uint64) {
	return atomic.LoadUint64(&p.reads), atomic.LoadUint64(&p.writes)
}

func (p *Pager) Close() error {
	return p.fd.Close()
}
