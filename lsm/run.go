package lsm

import (
	"hash/crc32"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/mosquito/golsm/file"
	"github.com/mosquito/golsm/utils"
)

// run is a handle to one immutable sorted run on disk. Handles are reference
// counted: the live run set holds one reference and every open view holds
// another, so a merge can retire a run while cursors still read it. When the
// count reaches zero the run's pages are queued for reclamation after the
// next durable checkpoint.
type run struct {
	ref int32

	pager *file.Pager
	cache *blockCache
	cmp   utils.Comparator

	idx        *runIndex
	indexPages []uint64
}

func openRun(pager *file.Pager, cache *blockCache, cmp utils.Comparator, meta file.RunMeta) (*run, error) {
	framed := make([]byte, 0, len(meta.IndexPages)*pager.PayloadCap())
	for _, pgno := range meta.IndexPages {
		payload, err := pager.ReadPage(pgno)
		if err != nil {
			return nil, errors.WithMessagef(err, "index of run %d", meta.ID)
		}
		framed = append(framed, payload...)
	}
	if len(framed) < indexFrameHdr {
		return nil, errors.Wrapf(utils.ErrChecksumMismatch, "short index of run %d", meta.ID)
	}
	blen := int(utils.BytesToU32(framed[:4]))
	crc := utils.BytesToU32(framed[4:8])
	if indexFrameHdr+blen > len(framed) {
		return nil, errors.Wrapf(utils.ErrChecksumMismatch, "index frame of run %d", meta.ID)
	}
	body := framed[indexFrameHdr : indexFrameHdr+blen]
	if crc32.Checksum(body, utils.CastagnoliCrcTable) != crc {
		return nil, errors.Wrapf(utils.ErrChecksumMismatch, "index crc of run %d", meta.ID)
	}
	idx, err := decodeRunIndex(body)
	if err != nil {
		return nil, err
	}
	if idx.id != meta.ID {
		return nil, errors.Wrapf(utils.ErrChecksumMismatch, "run id mismatch: index %d, checkpoint %d", idx.id, meta.ID)
	}
	return &run{
		ref:        1,
		pager:      pager,
		cache:      cache,
		cmp:        cmp,
		idx:        idx,
		indexPages: append([]uint64{}, meta.IndexPages...),
	}, nil
}

func (r *run) IncrRef() {
	atomic.AddInt32(&r.ref, 1)
}

func (r *run) DecrRef() {
	ref := atomic.AddInt32(&r.ref, -1)
	utils.CondPanic(ref < 0, errors.Errorf("run %d refcount went negative", r.idx.id))
	if ref == 0 {
		data := r.dataPages()
		r.cache.drop(data)
		r.pager.FreePending(append(data, r.indexPages...))
	}
}

func (r *run) dataPages() []uint64 {
	pages := make([]uint64, 0, len(r.idx.blocks))
	for i := range r.idx.blocks {
		pages = append(pages, r.idx.blocks[i].pgno)
	}
	return pages
}

func (r *run) meta() file.RunMeta {
	return file.RunMeta{
		ID:         r.idx.id,
		SeqLo:      r.idx.seqLo,
		SeqHi:      r.idx.seqHi,
		Count:      r.idx.count,
		IndexPages: append([]uint64{}, r.indexPages...),
	}
}

func (r *run) rangeTombstones() []utils.RangeTombstone {
	return r.idx.tombstones
}

func (r *run) block(bi int) ([]*utils.Entry, error) {
	bm := &r.idx.blocks[bi]
	if entries, ok := r.cache.get(bm.pgno); ok {
		return entries, nil
	}
	payload, err := r.pager.ReadPage(bm.pgno)
	if err != nil {
		return nil, errors.WithMessagef(err, "block %d of run %d", bi, r.idx.id)
	}
	entries, err := decodeBlock(payload, bm.count)
	if err != nil {
		return nil, err
	}
	r.cache.add(bm.pgno, entries)
	return entries, nil
}

// search returns the newest point version of key with Seq <= snap stored in
// this run, or nil. The bloom filter rejects most absent keys without I/O.
func (r *run) search(key []byte, snap uint64) (*utils.Entry, error) {
	if len(r.idx.blocks) == 0 {
		return nil, nil
	}
	if r.cmp(key, r.idx.minKey) < 0 || r.cmp(key, r.idx.maxKey) > 0 {
		return nil, nil
	}
	if !r.idx.bloom.MayContainKey(key) {
		return nil, nil
	}
	it := r.newIterator(nil)
	defer it.Close()
	it.Seek(key, snap)
	if !it.Valid() {
		return nil, nil
	}
	e := it.Item().Entry()
	if r.cmp(e.Key, key) != 0 {
		return nil, nil
	}
	return e, nil
}

// runIterator walks the run's record stream in one direction. Blocks load
// lazily through the shared cache; an I/O error parks the iterator invalid
// and surfaces from Close.
type runIterator struct {
	r       *run
	reverse bool

	bi  int
	ei  int
	blk []*utils.Entry
	err error
}

func (r *run) newIterator(opt *utils.Options) *runIterator {
	return &runIterator{
		r:       r,
		reverse: opt != nil && opt.Reverse,
		bi:      -1,
	}
}

func (it *runIterator) loadBlock(bi int) bool {
	if bi < 0 || bi >= len(it.r.idx.blocks) {
		it.bi, it.blk = -1, nil
		return false
	}
	blk, err := it.r.block(bi)
	if err != nil {
		it.err = err
		it.bi, it.blk = -1, nil
		return false
	}
	it.bi, it.blk = bi, blk
	return true
}

func (it *runIterator) Rewind() {
	if it.reverse {
		if it.loadBlock(len(it.r.idx.blocks) - 1) {
			it.ei = len(it.blk) - 1
		}
		return
	}
	if it.loadBlock(0) {
		it.ei = 0
	}
}

func (it *runIterator) Valid() bool {
	return it.blk != nil && it.ei >= 0 && it.ei < len(it.blk)
}

func (it *runIterator) Item() utils.Item {
	return it.blk[it.ei]
}

func (it *runIterator) Next() {
	if !it.Valid() {
		return
	}
	if it.reverse {
		it.ei--
		if it.ei < 0 && it.loadBlock(it.bi-1) {
			it.ei = len(it.blk) - 1
		}
		return
	}
	it.ei++
	if it.ei >= len(it.blk) && it.loadBlock(it.bi+1) {
		it.ei = 0
	}
}

// Seek positions at the first record >= (key, seq) going forward, or the
// last record <= (key, seq) going backward.
func (it *runIterator) Seek(key []byte, seq uint64) {
	blocks := it.r.idx.blocks
	if len(blocks) == 0 {
		it.bi, it.blk = -1, nil
		return
	}
	bi := sortBlockSearch(it.r.cmp, blocks, key, seq)
	if bi > 0 {
		bi--
	}
	if !it.loadBlock(bi) {
		return
	}
	it.ei = it.searchBlock(key, seq)
	if it.ei >= len(it.blk) {
		// Past this block: the target falls on the next block's first entry.
		if it.loadBlock(bi + 1) {
			it.ei = 0
		}
	}
	if it.reverse {
		// Forward position found the first record >= target; step back unless
		// it is an exact match.
		if it.Valid() {
			e := it.blk[it.ei]
			if utils.CompareEntries(it.r.cmp, e.Key, e.Seq, key, seq) == 0 {
				return
			}
			it.Next()
			return
		}
		// Everything sorts before the target.
		if it.err == nil {
			it.Rewind()
		}
	}
}

func (it *runIterator) searchBlock(key []byte, seq uint64) int {
	lo, hi := 0, len(it.blk)
	for lo < hi {
		mid := (lo + hi) / 2
		e := it.blk[mid]
		if utils.CompareEntries(it.r.cmp, e.Key, e.Seq, key, seq) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (it *runIterator) Close() error {
	return it.err
}
