package lsm

import (
	"sort"

	"github.com/mosquito/golsm/utils"
)

// writeBatch collects the uncommitted writes of one transaction level. Point
// writes are keyed last-wins; range deletes are tombstones applied to the
// batch's own entries immediately and kept for the levels and tree below.
// Batch records carry MaxSeq until the outermost commit assigns real
// sequence numbers, which makes them shadow every committed version inside
// the owning handle's reads.
type writeBatch struct {
	cmp        utils.Comparator
	entries    map[string]*utils.Entry
	tombstones []utils.RangeTombstone
	size       int64
}

func newWriteBatch(cmp utils.Comparator) *writeBatch {
	return &writeBatch{
		cmp:     cmp,
		entries: make(map[string]*utils.Entry),
	}
}

func (b *writeBatch) set(key, value []byte) {
	e := &utils.Entry{
		Key:   append([]byte{}, key...),
		Value: append([]byte{}, value...),
		Seq:   utils.MaxSeq,
	}
	b.put(e)
}

func (b *writeBatch) delete(key []byte) {
	e := &utils.Entry{
		Key:  append([]byte{}, key...),
		Meta: utils.BitDelete,
		Seq:  utils.MaxSeq,
	}
	b.put(e)
}

func (b *writeBatch) put(e *utils.Entry) {
	k := string(e.Key)
	if old, ok := b.entries[k]; ok {
		b.size -= old.Size()
	}
	b.entries[k] = e
	b.size += e.Size()
}

func (b *writeBatch) deleteRange(lo, hi []byte) {
	t := utils.RangeTombstone{
		Lo:  append([]byte{}, lo...),
		Hi:  append([]byte{}, hi...),
		Seq: utils.MaxSeq,
	}
	// The tombstone supersedes the batch's own covered writes.
	for k, e := range b.entries {
		if b.cmp(t.Lo, e.Key) <= 0 && b.cmp(e.Key, t.Hi) < 0 {
			b.size -= e.Size()
			delete(b.entries, k)
		}
	}
	b.tombstones = append(b.tombstones, t)
	b.size += int64(len(t.Lo) + len(t.Hi) + 16)
}

// get resolves key within this batch: (entry, true) for a point write
// including tombstones, (nil, true) when a range delete covers it, and
// (nil, false) when the batch says nothing about the key.
func (b *writeBatch) get(key []byte) (*utils.Entry, bool) {
	if e, ok := b.entries[string(key)]; ok {
		return e, true
	}
	for i := len(b.tombstones) - 1; i >= 0; i-- {
		t := &b.tombstones[i]
		if b.cmp(t.Lo, key) <= 0 && b.cmp(key, t.Hi) < 0 {
			return nil, true
		}
	}
	return nil, false
}

// mergeInto folds a committed child level into its parent: the child is
// newer, so its tombstones erase covered parent writes first and its point
// writes overwrite.
func (b *writeBatch) mergeInto(parent *writeBatch) {
	for _, t := range b.tombstones {
		parent.deleteRange(t.Lo, t.Hi)
	}
	for _, e := range b.entries {
		parent.put(e)
	}
}

func (b *writeBatch) empty() bool {
	return len(b.entries) == 0 && len(b.tombstones) == 0
}

// sortedEntries snapshots the point writes in entry order for iteration.
func (b *writeBatch) sortedEntries() []*utils.Entry {
	out := make([]*utils.Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return utils.CompareEntries(b.cmp, out[i].Key, out[i].Seq, out[j].Key, out[j].Seq) < 0
	})
	return out
}

// flatten collapses a batch stack (outermost first) into a single overlay:
// a sorted entry slice plus the pending tombstones, both at MaxSeq. Views
// opened inside a transaction iterate over this snapshot.
func flattenBatches(cmp utils.Comparator, stack []*writeBatch) ([]*utils.Entry, []utils.RangeTombstone) {
	if len(stack) == 0 {
		return nil, nil
	}
	flat := newWriteBatch(cmp)
	for _, b := range stack {
		b.mergeInto(flat)
	}
	tombs := make([]utils.RangeTombstone, len(flat.tombstones))
	copy(tombs, flat.tombstones)
	return flat.sortedEntries(), tombs
}

// batchIterator walks a flattened overlay slice. The slice is a snapshot, so
// later writes to the transaction do not disturb an open cursor.
type batchIterator struct {
	cmp     utils.Comparator
	entries []*utils.Entry
	pos     int
	reverse bool
}

func newBatchIterator(cmp utils.Comparator, entries []*utils.Entry, reverse bool) *batchIterator {
	return &batchIterator{cmp: cmp, entries: entries, pos: -1, reverse: reverse}
}

func (it *batchIterator) Rewind() {
	if it.reverse {
		it.pos = len(it.entries) - 1
	} else {
		it.pos = 0
	}
}

func (it *batchIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

func (it *batchIterator) Item() utils.Item {
	return it.entries[it.pos]
}

func (it *batchIterator) Next() {
	if it.reverse {
		it.pos--
	} else {
		it.pos++
	}
}

func (it *batchIterator) Seek(key []byte, seq uint64) {
	ge := sort.Search(len(it.entries), func(i int) bool {
		e := it.entries[i]
		return utils.CompareEntries(it.cmp, e.Key, e.Seq, key, seq) >= 0
	})
	if !it.reverse {
		it.pos = ge
		return
	}
	if ge < len(it.entries) {
		e := it.entries[ge]
		if utils.CompareEntries(it.cmp, e.Key, e.Seq, key, seq) == 0 {
			it.pos = ge
			return
		}
	}
	it.pos = ge - 1
}

func (it *batchIterator) Close() error {
	return nil
}
