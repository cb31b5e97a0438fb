package lsm

import (
	"hash/crc32"
	"sort"

	"github.com/pkg/errors"

	"github.com/mosquito/golsm/file"
	"github.com/mosquito/golsm/utils"
)

// Run layout. Data blocks hold the sorted record stream, one block per page:
//
//	| meta seq (varints) | klen key | vlen value | ... repeated
//
// The index is a single varint body framed as | len u32 | crc32 u32 | body |
// and split across dedicated index pages; the checkpoint records the page
// list. It carries the block directory, a bloom filter over user keys, the
// key and sequence bounds and the run's range tombstones.

const indexFrameHdr = 8

type blockMeta struct {
	firstKey []byte
	firstSeq uint64
	pgno     uint64
	count    uint64
}

type runIndex struct {
	id     uint64
	seqLo  uint64
	seqHi  uint64
	count  uint64
	minKey []byte
	maxKey []byte

	blocks     []blockMeta
	bloom      utils.Filter
	tombstones []utils.RangeTombstone
}

func (x *runIndex) encode() []byte {
	e := &utils.EncodeBuf{}
	e.Uvarint(x.id)
	e.Uvarint(x.seqLo)
	e.Uvarint(x.seqHi)
	e.Uvarint(x.count)
	e.Bytes(x.minKey)
	e.Bytes(x.maxKey)
	e.Uvarint(uint64(len(x.blocks)))
	for i := range x.blocks {
		b := &x.blocks[i]
		e.Bytes(b.firstKey)
		e.Uvarint(b.firstSeq)
		e.Uvarint(b.pgno)
		e.Uvarint(b.count)
	}
	e.Bytes(x.bloom)
	e.Uvarint(uint64(len(x.tombstones)))
	for i := range x.tombstones {
		t := &x.tombstones[i]
		e.Bytes(t.Lo)
		e.Bytes(t.Hi)
		e.Uvarint(t.Seq)
	}
	return e.B
}

func decodeRunIndex(b []byte) (*runIndex, error) {
	d := &utils.DecodeBuf{B: b}
	x := &runIndex{
		id:     d.Uvarint(),
		seqLo:  d.Uvarint(),
		seqHi:  d.Uvarint(),
		count:  d.Uvarint(),
		minKey: d.Bytes(),
		maxKey: d.Bytes(),
	}
	nblocks := d.Uvarint()
	for i := uint64(0); i < nblocks && d.Err() == nil; i++ {
		x.blocks = append(x.blocks, blockMeta{
			firstKey: d.Bytes(),
			firstSeq: d.Uvarint(),
			pgno:     d.Uvarint(),
			count:    d.Uvarint(),
		})
	}
	x.bloom = utils.Filter(d.Bytes())
	ntombs := d.Uvarint()
	for i := uint64(0); i < ntombs && d.Err() == nil; i++ {
		x.tombstones = append(x.tombstones, utils.RangeTombstone{
			Lo:  d.Bytes(),
			Hi:  d.Bytes(),
			Seq: d.Uvarint(),
		})
	}
	if err := d.Err(); err != nil {
		return nil, errors.Wrap(utils.ErrChecksumMismatch, "run index body")
	}
	return x, nil
}

func encodeBlockEntry(e *utils.EncodeBuf, ent *utils.Entry) {
	e.Uvarint(uint64(ent.Meta))
	e.Uvarint(ent.Seq)
	e.Bytes(ent.Key)
	e.Bytes(ent.Value)
}

func blockEntrySize(ent *utils.Entry) int {
	return utils.SizeVarint(uint64(ent.Meta)) + utils.SizeVarint(ent.Seq) +
		utils.SizeVarint(uint64(len(ent.Key))) + len(ent.Key) +
		utils.SizeVarint(uint64(len(ent.Value))) + len(ent.Value)
}

func decodeBlock(payload []byte, count uint64) ([]*utils.Entry, error) {
	d := &utils.DecodeBuf{B: payload}
	entries := make([]*utils.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		e := &utils.Entry{}
		e.Meta = byte(d.Uvarint())
		e.Seq = d.Uvarint()
		e.Key = d.Bytes()
		e.Value = d.Bytes()
		if err := d.Err(); err != nil {
			return nil, errors.Wrap(utils.ErrChecksumMismatch, "data block body")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// runBuilder streams records in entry order into data blocks and accumulates
// the index. Records must arrive sorted by (key, seq descending); flush and
// merge both produce that order naturally.
type runBuilder struct {
	pager *file.Pager
	cmp   utils.Comparator
	fp    float64

	idx runIndex

	block      utils.EncodeBuf
	blockFirst *utils.Entry
	blockCount uint64

	keyHashes []uint32
	lastKey   []byte
	pages     []uint64 // every page allocated so far, for abort
	written   int64
}

func newRunBuilder(pager *file.Pager, cmp utils.Comparator, id uint64, bloomFP float64) *runBuilder {
	return &runBuilder{
		pager: pager,
		cmp:   cmp,
		fp:    bloomFP,
		idx:   runIndex{id: id, seqLo: utils.MaxSeq},
	}
}

func (b *runBuilder) add(e *utils.Entry) error {
	sz := blockEntrySize(e)
	if sz > b.pager.PayloadCap() {
		return errors.Wrapf(utils.ErrTooLarge, "record of %d bytes", sz)
	}
	if len(b.block.B)+sz > b.pager.PayloadCap() {
		if err := b.finishBlock(); err != nil {
			return err
		}
	}
	if b.blockCount == 0 {
		b.blockFirst = e
	}
	encodeBlockEntry(&b.block, e)
	b.blockCount++

	if b.idx.minKey == nil {
		b.idx.minKey = append([]byte{}, e.Key...)
	}
	if b.lastKey == nil || b.cmp(e.Key, b.lastKey) != 0 {
		b.keyHashes = append(b.keyHashes, utils.Hash(e.Key))
		b.lastKey = append(b.lastKey[:0], e.Key...)
		b.idx.maxKey = append(b.idx.maxKey[:0], e.Key...)
	}
	b.bumpSeq(e.Seq)
	b.idx.count++
	return nil
}

func (b *runBuilder) addTombstone(t utils.RangeTombstone) {
	b.idx.tombstones = append(b.idx.tombstones, utils.RangeTombstone{
		Lo:  append([]byte{}, t.Lo...),
		Hi:  append([]byte{}, t.Hi...),
		Seq: t.Seq,
	})
	b.bumpSeq(t.Seq)
}

func (b *runBuilder) bumpSeq(seq uint64) {
	if seq < b.idx.seqLo {
		b.idx.seqLo = seq
	}
	if seq > b.idx.seqHi {
		b.idx.seqHi = seq
	}
}

func (b *runBuilder) finishBlock() error {
	if b.blockCount == 0 {
		return nil
	}
	pgno := b.pager.Allocate()
	b.pages = append(b.pages, pgno)
	if err := b.pager.WritePage(pgno, b.block.B); err != nil {
		return err
	}
	b.idx.blocks = append(b.idx.blocks, blockMeta{
		firstKey: append([]byte{}, b.blockFirst.Key...),
		firstSeq: b.blockFirst.Seq,
		pgno:     pgno,
		count:    b.blockCount,
	})
	b.written += int64(len(b.block.B))
	b.block.B = b.block.B[:0]
	b.blockFirst = nil
	b.blockCount = 0
	return nil
}

func (b *runBuilder) empty() bool {
	return b.idx.count == 0 && len(b.idx.tombstones) == 0
}

// finish writes the index pages and returns the run handle with one
// reference held for the caller.
func (b *runBuilder) finish(cache *blockCache) (*run, error) {
	if err := b.finishBlock(); err != nil {
		return nil, err
	}
	if b.idx.seqLo == utils.MaxSeq {
		b.idx.seqLo = 0
	}
	if n := len(b.keyHashes); n > 0 {
		b.idx.bloom = utils.NewFilter(b.keyHashes, utils.BloomBitsPerKey(n, b.fp))
	}

	body := b.idx.encode()
	framed := make([]byte, 0, indexFrameHdr+len(body))
	framed = append(framed, utils.U32ToBytes(uint32(len(body)))...)
	framed = append(framed, utils.U32ToBytes(crc32.Checksum(body, utils.CastagnoliCrcTable))...)
	framed = append(framed, body...)

	var indexPages []uint64
	pcap := b.pager.PayloadCap()
	for off := 0; off < len(framed); off += pcap {
		end := off + pcap
		if end > len(framed) {
			end = len(framed)
		}
		pgno := b.pager.Allocate()
		b.pages = append(b.pages, pgno)
		indexPages = append(indexPages, pgno)
		if err := b.pager.WritePage(pgno, framed[off:end]); err != nil {
			return nil, err
		}
		b.written += int64(end - off)
	}

	r := &run{
		pager:      b.pager,
		cache:      cache,
		cmp:        b.cmp,
		idx:        &b.idx,
		indexPages: indexPages,
		ref:        1,
	}
	return r, nil
}

// abort returns every allocated page to the free list. The pages were never
// referenced by a checkpoint, so immediate reuse is safe.
func (b *runBuilder) abort() {
	for _, pgno := range b.pages {
		b.pager.Free(pgno)
	}
	b.pages = nil
}

func (b *runBuilder) bytesWritten() int64 {
	return b.written
}

// sortBlockSearch returns the first block whose first entry sorts after
// (key, seq); the target position is in the block before it.
func sortBlockSearch(cmp utils.Comparator, blocks []blockMeta, key []byte, seq uint64) int {
	return sort.Search(len(blocks), func(i int) bool {
		return utils.CompareEntries(cmp, blocks[i].firstKey, blocks[i].firstSeq, key, seq) > 0
	})
}
