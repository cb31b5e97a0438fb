package lsm

import (
	"sync"

	"github.com/mosquito/golsm/utils"
)

// memTable buffers committed writes until they are flushed into a sorted
// run. Point records live in the skiplist; range tombstones sit in a side
// list consulted by reads and carried into the run index on flush. A
// memTable is mutated only under the engine's writer lock; once a flush
// swaps it out it is never touched again, so cursors opened before the
// flush keep reading it safely.
type memTable struct {
	sl *utils.SkipList

	mu         sync.RWMutex
	tombstones []utils.RangeTombstone
	tombSize   int64
}

func newMemTable(cmp utils.Comparator) *memTable {
	return &memTable{sl: utils.NewSkipList(cmp)}
}

func (m *memTable) add(e *utils.Entry) {
	if e.IsRangeDelete() {
		m.mu.Lock()
		m.tombstones = append(m.tombstones, utils.RangeTombstone{
			Lo:  e.Key,
			Hi:  e.Value,
			Seq: e.Seq,
		})
		m.tombSize += int64(len(e.Key) + len(e.Value) + 16)
		m.mu.Unlock()
		return
	}
	m.sl.Add(e)
}

// search returns the newest point version of key visible at snap, or nil.
// Range tombstones are checked by the caller against all sources at once.
func (m *memTable) search(key []byte, snap uint64) *utils.Entry {
	return m.sl.Search(key, snap)
}

func (m *memTable) rangeTombstones() []utils.RangeTombstone {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]utils.RangeTombstone, len(m.tombstones))
	copy(out, m.tombstones)
	return out
}

func (m *memTable) size() int64 {
	m.mu.RLock()
	ts := m.tombSize
	m.mu.RUnlock()
	return m.sl.Size() + ts
}

func (m *memTable) empty() bool {
	m.mu.RLock()
	nt := len(m.tombstones)
	m.mu.RUnlock()
	return m.sl.Length() == 0 && nt == 0
}

// memIterator adapts the skiplist iterator to the engine iterator contract.
type memIterator struct {
	skipIter *utils.SkipListIterator
}

func (m *memTable) newIterator(opt *utils.Options) utils.Iterator {
	return &memIterator{skipIter: m.sl.NewIterator(opt)}
}

func (iter *memIterator) Next()                       { iter.skipIter.Next() }
func (iter *memIterator) Valid() bool                 { return iter.skipIter.Valid() }
func (iter *memIterator) Rewind()                     { iter.skipIter.Rewind() }
func (iter *memIterator) Item() utils.Item            { return iter.skipIter.Item() }
func (iter *memIterator) Seek(key []byte, seq uint64) { iter.skipIter.Seek(key, seq) }
func (iter *memIterator) Close() error                { return iter.skipIter.Close() }
