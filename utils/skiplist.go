package utils

import (
	"math/rand"
	"sync"
	"time"
)

const defaultMaxLevel = 48

// SkipList is the in-memory sorted tree buffering recent writes. It is
// ordered by (user key, sequence descending) and safe for concurrent readers
// with a single writer.
type SkipList struct {
	header *Element

	cmp      Comparator
	rand     *rand.Rand
	maxLevel int
	length   int
	rw       sync.RWMutex
	size     int64
}

func NewSkipList(cmp Comparator) *SkipList {
	if cmp == nil {
		cmp = DefaultComparator
	}
	return &SkipList{
		header: &Element{
			levels: make([]*Element, defaultMaxLevel),
		},
		cmp:      cmp,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		maxLevel: defaultMaxLevel,
	}
}

// Element is a skiplist node holding one record version.
type Element struct {
	levels []*Element
	entry  *Entry
}

func newElement(entry *Entry, level int) *Element {
	return &Element{
		levels: make([]*Element, level),
		entry:  entry,
	}
}

func (e *Element) Entry() *Entry {
	return e.entry
}

func (sl *SkipList) compareElem(key []byte, seq uint64, next *Element) int {
	return CompareEntries(sl.cmp, key, seq, next.entry.Key, next.entry.Seq)
}

// Add inserts a record version. Versions are unique by (key, seq); an exact
// duplicate overwrites in place, which only happens on log replay.
func (sl *SkipList) Add(data *Entry) {
	sl.rw.Lock()
	defer sl.rw.Unlock()

	max := len(sl.header.levels)
	prevElem := sl.header
	var prevElems [defaultMaxLevel]*Element

	for i := max - 1; i >= 0; {
		prevElems[i] = prevElem
		for next := prevElem.levels[i]; next != nil; next = prevElem.levels[i] {
			if comp := sl.compareElem(data.Key, data.Seq, next); comp <= 0 {
				if comp == 0 {
					sl.size += data.Size() - next.entry.Size()
					next.entry = data
					return
				}
				break
			}
			prevElem = next
			prevElems[i] = prevElem
		}

		topLevelValue := prevElem.levels[i]
		for i--; i >= 0 && prevElem.levels[i] == topLevelValue; i-- {
			prevElems[i] = prevElem
		}
	}

	level := sl.randLevel()
	elem := newElement(data, level)
	for i := 0; i < level; i++ {
		elem.levels[i] = prevElems[i].levels[i]
		prevElems[i].levels[i] = elem
	}

	sl.size += data.Size()
	sl.length++
}

// findGE returns the first element >= (key, seq) in entry order, or nil.
func (sl *SkipList) findGE(key []byte, seq uint64) *Element {
	prevElem := sl.header
	for i := len(sl.header.levels) - 1; i >= 0; i-- {
		for next := prevElem.levels[i]; next != nil; next = prevElem.levels[i] {
			if sl.compareElem(key, seq, next) <= 0 {
				break
			}
			prevElem = next
		}
	}
	return prevElem.levels[0]
}

// findLT returns the last element < (key, seq) in entry order, or nil.
func (sl *SkipList) findLT(key []byte, seq uint64) *Element {
	prevElem := sl.header
	for i := len(sl.header.levels) - 1; i >= 0; i-- {
		for next := prevElem.levels[i]; next != nil; next = prevElem.levels[i] {
			if sl.compareElem(key, seq, next) <= 0 {
				break
			}
			prevElem = next
		}
	}
	if prevElem == sl.header {
		return nil
	}
	return prevElem
}

func (sl *SkipList) last() *Element {
	elem := sl.header
	for i := len(sl.header.levels) - 1; i >= 0; i-- {
		for next := elem.levels[i]; next != nil; next = elem.levels[i] {
			elem = next
		}
	}
	if elem == sl.header {
		return nil
	}
	return elem
}

// Search returns the newest version of key with Seq <= seq, or nil.
func (sl *SkipList) Search(key []byte, seq uint64) *Entry {
	sl.rw.RLock()
	defer sl.rw.RUnlock()

	elem := sl.findGE(key, seq)
	if elem == nil {
		return nil
	}
	if sl.cmp(elem.entry.Key, key) != 0 {
		return nil
	}
	return elem.entry
}

func (sl *SkipList) randLevel() int {
	if sl.maxLevel <= 1 {
		return 1
	}
	for i := 1; i < sl.maxLevel; i++ {
		if sl.rand.Intn(2) == 0 {
			return i
		}
	}
	return sl.maxLevel
}

func (sl *SkipList) Size() int64 {
	sl.rw.RLock()
	defer sl.rw.RUnlock()
	return sl.size
}

func (sl *SkipList) Length() int {
	sl.rw.RLock()
	defer sl.rw.RUnlock()
	return sl.length
}

// SkipListIterator walks the list in one direction. Backward steps re-search
// from the top since levels are singly linked; that costs O(log n) per step,
// which is fine for a tree bounded by the autoflush threshold.
type SkipListIterator struct {
	it      *Element
	sl      *SkipList
	reverse bool
}

func (sl *SkipList) NewIterator(opt *Options) *SkipListIterator {
	reverse := opt != nil && opt.Reverse
	return &SkipListIterator{sl: sl, reverse: reverse}
}

func (iter *SkipListIterator) Rewind() {
	iter.sl.rw.RLock()
	defer iter.sl.rw.RUnlock()
	if iter.reverse {
		iter.it = iter.sl.last()
	} else {
		iter.it = iter.sl.header.levels[0]
	}
}

func (iter *SkipListIterator) Next() {
	iter.sl.rw.RLock()
	defer iter.sl.rw.RUnlock()
	if iter.it == nil {
		return
	}
	if iter.reverse {
		e := iter.it.entry
		iter.it = iter.sl.findLT(e.Key, e.Seq)
	} else {
		iter.it = iter.it.levels[0]
	}
}

func (iter *SkipListIterator) Valid() bool {
	return iter.it != nil
}

func (iter *SkipListIterator) Item() Item {
	return iter.it
}

// Seek positions at the first element >= (key, seq) going forward, or the
// last element <= (key, seq) going backward.
func (iter *SkipListIterator) Seek(key []byte, seq uint64) {
	iter.sl.rw.RLock()
	defer iter.sl.rw.RUnlock()
	if iter.reverse {
		elem := iter.sl.findGE(key, seq)
		if elem != nil && iter.sl.compareElem(key, seq, elem) == 0 {
			iter.it = elem
			return
		}
		iter.it = iter.sl.findLT(key, seq)
		return
	}
	iter.it = iter.sl.findGE(key, seq)
}

func (iter *SkipListIterator) Close() error {
	return nil
}
