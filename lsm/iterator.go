package lsm

import (
	"github.com/pkg/errors"

	"github.com/mosquito/golsm/utils"
)

// mergeIterator folds N sorted sources into one stream ordered by
// (key, seq descending). It is a binary tree of two-way merges; ties on the
// full (key, seq) order only occur between uncommitted batch levels, and the
// left (newer) source wins.
type mergeIterator struct {
	left  mergeNode
	right mergeNode
	small *mergeNode

	cmp     utils.Comparator
	curKey  []byte
	curSeq  uint64
	reverse bool
}

type mergeNode struct {
	valid bool
	entry *utils.Entry
	iter  utils.Iterator

	// Cached concrete types to skip the interface dispatch on hot calls.
	merge *mergeIterator
	rIter *runIterator
}

func (n *mergeNode) setIterator(iter utils.Iterator) {
	n.iter = iter
	n.merge, _ = iter.(*mergeIterator)
	n.rIter, _ = iter.(*runIterator)
}

func (n *mergeNode) setKey() {
	switch {
	case n.merge != nil:
		n.valid = n.merge.small.valid
		if n.valid {
			n.entry = n.merge.small.entry
		}
	case n.rIter != nil:
		n.valid = n.rIter.Valid()
		if n.valid {
			n.entry = n.rIter.Item().Entry()
		}
	default:
		n.valid = n.iter.Valid()
		if n.valid {
			n.entry = n.iter.Item().Entry()
		}
	}
}

func (n *mergeNode) next() {
	switch {
	case n.merge != nil:
		n.merge.Next()
	case n.rIter != nil:
		n.rIter.Next()
	default:
		n.iter.Next()
	}
	n.setKey()
}

func (n *mergeNode) rewind() {
	n.iter.Rewind()
	n.setKey()
}

func (n *mergeNode) seek(key []byte, seq uint64) {
	n.iter.Seek(key, seq)
	n.setKey()
}

// newMergeIterator builds the merge tree. Earlier iterators take precedence
// on (key, seq) ties, so callers list sources newest first.
func newMergeIterator(cmp utils.Comparator, iters []utils.Iterator, reverse bool) utils.Iterator {
	switch len(iters) {
	case 0:
		return &emptyIterator{}
	case 1:
		return iters[0]
	case 2:
		mi := &mergeIterator{cmp: cmp, reverse: reverse}
		mi.left.setIterator(iters[0])
		mi.right.setIterator(iters[1])
		mi.small = &mi.left
		return mi
	}
	mid := len(iters) / 2
	return newMergeIterator(cmp, []utils.Iterator{
		newMergeIterator(cmp, iters[:mid], reverse),
		newMergeIterator(cmp, iters[mid:], reverse),
	}, reverse)
}

func (mi *mergeIterator) fix() {
	if !mi.bigger().valid {
		return
	}
	if !mi.small.valid {
		mi.swapSmall()
		return
	}
	s, b := mi.small.entry, mi.bigger().entry
	cmp := utils.CompareEntries(mi.cmp, s.Key, s.Seq, b.Key, b.Seq)
	if mi.reverse {
		cmp = -cmp
	}
	switch {
	case cmp == 0:
		// Same (key, seq) can only come from stacked uncommitted batches; the
		// left source is newer and shadows, so drop the right copy.
		mi.right.next()
		if mi.small == &mi.right {
			mi.swapSmall()
		}
	case cmp > 0:
		mi.swapSmall()
	}
}

func (mi *mergeIterator) bigger() *mergeNode {
	if mi.small == &mi.left {
		return &mi.right
	}
	return &mi.left
}

func (mi *mergeIterator) swapSmall() {
	if mi.small == &mi.left {
		mi.small = &mi.right
	} else {
		mi.small = &mi.left
	}
}

func (mi *mergeIterator) setCurrent() {
	if mi.small.valid {
		mi.curKey = append(mi.curKey[:0], mi.small.entry.Key...)
		mi.curSeq = mi.small.entry.Seq
	}
}

func (mi *mergeIterator) Next() {
	for mi.Valid() {
		e := mi.small.entry
		if mi.cmp(e.Key, mi.curKey) != 0 || e.Seq != mi.curSeq {
			break
		}
		mi.small.next()
		mi.fix()
	}
	mi.setCurrent()
}

func (mi *mergeIterator) Rewind() {
	mi.left.rewind()
	mi.right.rewind()
	mi.fix()
	mi.setCurrent()
}

func (mi *mergeIterator) Seek(key []byte, seq uint64) {
	mi.left.seek(key, seq)
	mi.right.seek(key, seq)
	mi.fix()
	mi.setCurrent()
}

func (mi *mergeIterator) Valid() bool {
	return mi.small.valid
}

func (mi *mergeIterator) Item() utils.Item {
	return mi.small.entry
}

func (mi *mergeIterator) Close() error {
	if err := mi.left.iter.Close(); err != nil {
		return errors.WithMessage(err, "closing left merge source")
	}
	if err := mi.right.iter.Close(); err != nil {
		return errors.WithMessage(err, "closing right merge source")
	}
	return nil
}

type emptyIterator struct{}

func (emptyIterator) Next()               {}
func (emptyIterator) Valid() bool         { return false }
func (emptyIterator) Rewind()             {}
func (emptyIterator) Item() utils.Item    { return nil }
func (emptyIterator) Seek([]byte, uint64) {}
func (emptyIterator) Close() error        { return nil }

// viewIterator narrows the merged version stream to user-visible records at
// one snapshot: it keeps the newest visible version of each key and hides
// keys whose newest version is a tombstone or falls inside a range delete.
type viewIterator struct {
	inner utils.Iterator
	cmp   utils.Comparator
	seq   uint64
	tombs []utils.RangeTombstone

	reverse bool
	cur     *utils.Entry
	skipKey []byte
}

func newViewIterator(inner utils.Iterator, cmp utils.Comparator, seq uint64,
	tombs []utils.RangeTombstone, reverse bool) *viewIterator {
	return &viewIterator{
		inner:   inner,
		cmp:     cmp,
		seq:     seq,
		tombs:   tombs,
		reverse: reverse,
	}
}

func (it *viewIterator) visible(seq uint64) bool {
	return seq <= it.seq || seq == utils.MaxSeq
}

// live evaluates tombstone coverage at MaxSeq: tombs is already filtered to
// this snapshot, and uncommitted range deletes carry MaxSeq but must still
// shadow committed records.
func (it *viewIterator) live(e *utils.Entry) bool {
	return !e.IsDeleted() && !utils.RangeDeleted(it.tombs, it.cmp, e.Key, e.Seq, utils.MaxSeq)
}

// advance walks forward to the next key whose newest visible version is
// live. Versions of one key arrive newest first in forward order, so the
// first visible version decides the key.
func (it *viewIterator) advance() {
	it.cur = nil
	for it.inner.Valid() {
		e := it.inner.Item().Entry()
		if it.skipKey != nil && it.cmp(e.Key, it.skipKey) == 0 {
			it.inner.Next()
			continue
		}
		if !it.visible(e.Seq) {
			it.inner.Next()
			continue
		}
		it.skipKey = append(it.skipKey[:0], e.Key...)
		if !it.live(e) {
			it.inner.Next()
			continue
		}
		it.cur = e
		return
	}
}

// advanceReverse walks backward. Versions arrive oldest first, so the whole
// key group is consumed and the newest visible version kept.
func (it *viewIterator) advanceReverse() {
	it.cur = nil
	for it.inner.Valid() {
		first := it.inner.Item().Entry()
		it.skipKey = append(it.skipKey[:0], first.Key...)
		var cand *utils.Entry
		for it.inner.Valid() {
			e := it.inner.Item().Entry()
			if it.cmp(e.Key, it.skipKey) != 0 {
				break
			}
			if it.visible(e.Seq) {
				cand = e
			}
			it.inner.Next()
		}
		if cand != nil && it.live(cand) {
			it.cur = cand
			return
		}
	}
}

func (it *viewIterator) Rewind() {
	it.skipKey = nil
	it.inner.Rewind()
	if it.reverse {
		it.advanceReverse()
	} else {
		it.advance()
	}
}

// Seek positions at the first live key >= key going forward, or the last
// live key <= key going backward.
func (it *viewIterator) Seek(key []byte, _ uint64) {
	it.skipKey = nil
	if it.reverse {
		// Seek to the oldest possible version of key so the whole key group
		// lies at or before the position.
		it.inner.Seek(key, 0)
		it.advanceReverse()
		return
	}
	// Seek to the newest possible version: uncommitted records sort before
	// (key, snapshot) and must not be skipped. advance filters visibility.
	it.inner.Seek(key, utils.MaxSeq)
	it.advance()
}

func (it *viewIterator) Next() {
	if it.reverse {
		it.advanceReverse()
		return
	}
	it.inner.Next()
	it.advance()
}

func (it *viewIterator) Valid() bool {
	return it.cur != nil
}

func (it *viewIterator) Item() utils.Item {
	return it.cur
}

func (it *viewIterator) Close() error {
	return it.inner.Close()
}
