package lsm

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mosquito/golsm/utils"
)

// Work merges sorted runs. With complete=false it performs one merge step
// over the oldest automerge-sized group; with complete=true it flushes the
// tree and merges everything down to a single run. It returns the bytes
// written. The previous run set stays live until the output swaps in, so an
// error leaves the database exactly as it was.
func (l *LSM) Work(complete bool) (int64, error) {
	if l.isClosed() {
		return 0, utils.ErrClosed
	}
	if l.opt.ReadOnly {
		return 0, utils.ErrReadOnly
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if complete {
		if err := l.flushLocked(); err != nil {
			return 0, err
		}
		var written int64
		for l.runCount() > 1 {
			n, err := l.mergeOldestLocked(l.runCount())
			written += n
			if err != nil {
				return written, err
			}
		}
		return written, nil
	}

	k := l.opt.AutoMerge
	if k < 2 {
		k = 2
	}
	return l.mergeOldestLocked(k)
}

// mergeOldestLocked merges the k oldest runs into one. Called with writeMu
// held. The output is always the new oldest run, so tombstones whose effect
// is fully applied within the merge can be dropped, subject to the oldest
// sequence any open view still reads.
func (l *LSM) mergeOldestLocked(k int) (int64, error) {
	l.runsMu.RLock()
	n := len(l.runs)
	if k > n {
		k = n
	}
	if k < 2 {
		l.runsMu.RUnlock()
		return 0, nil
	}
	inputs := append([]*run{}, l.runs[n-k:]...)
	l.runsMu.RUnlock()

	minSnap := l.minActiveSnapshot()

	var inTombs []utils.RangeTombstone
	for _, r := range inputs {
		inTombs = append(inTombs, r.rangeTombstones()...)
	}

	b := newRunBuilder(l.pager, l.cmp, l.nextRunID, l.opt.BloomFalsePositive)
	for _, t := range inTombs {
		// A tombstone older than every open view has already hidden all it
		// ever will: everything it covers is inside this merge.
		if t.Seq <= minSnap {
			continue
		}
		b.addTombstone(t)
	}

	iters := make([]utils.Iterator, 0, len(inputs))
	for _, r := range inputs {
		iters = append(iters, r.newIterator(nil))
	}
	merged := newMergeIterator(l.cmp, iters, false)

	var lastKey []byte
	haveKey := false
	dropOlder := false
	for merged.Rewind(); merged.Valid(); merged.Next() {
		e := merged.Item().Entry()
		if !haveKey || l.cmp(e.Key, lastKey) != 0 {
			lastKey = append(lastKey[:0], e.Key...)
			haveKey = true
			dropOlder = false
		} else if dropOlder {
			continue
		}
		if utils.RangeDeleted(inTombs, l.cmp, e.Key, e.Seq, minSnap) {
			continue
		}
		if e.Seq <= minSnap {
			// Newest version at or below every open view; older ones are dead.
			dropOlder = true
			if e.IsDeleted() {
				continue
			}
		}
		if err := b.add(e); err != nil {
			_ = merged.Close()
			b.abort()
			return 0, err
		}
	}
	if err := merged.Close(); err != nil {
		b.abort()
		return 0, err
	}

	var out *run
	if !b.empty() {
		r, err := b.finish(l.cache)
		if err != nil {
			b.abort()
			return 0, err
		}
		out = r
	} else {
		b.abort()
	}

	l.nextRunID++
	l.runsMu.Lock()
	kept := append([]*run{}, l.runs[:len(l.runs)-k]...)
	if out != nil {
		kept = append(kept, out)
	}
	l.runs = kept
	l.runsMu.Unlock()
	for _, r := range inputs {
		r.DecrRef()
	}

	written := b.bytesWritten()
	l.sinceCp += written
	atomic.AddUint64(&l.merges, 1)
	l.lg.Debug("merged runs",
		zap.Int("inputs", k),
		zap.Int64("bytes", written),
		zap.Bool("emptied", out == nil))
	return written, nil
}
