package utils

import "bytes"

// Record meta bits.
const (
	// BitDelete marks a point tombstone. Tombstones shadow older versions of
	// the key and are dropped by compaction once nothing below them survives.
	BitDelete byte = 1 << 0
	// BitRangeDelete marks a range tombstone: Key holds the inclusive lower
	// bound, Value the exclusive upper bound.
	BitRangeDelete byte = 1 << 1
	// BitCommit marks a transaction commit boundary in the log. A log batch
	// without a trailing commit record is discarded on replay.
	BitCommit byte = 1 << 2
)

// MaxSeq is carried by uncommitted transaction entries so they shadow every
// committed version during reads on the owning handle.
const MaxSeq = ^uint64(0)

// Entry is a single versioned record: a key/value pair, a point tombstone or
// a range tombstone, identified by the sequence number assigned at commit.
type Entry struct {
	Key   []byte
	Value []byte
	Meta  byte
	Seq   uint64
}

func NewEntry(key, value []byte) *Entry {
	return &Entry{Key: key, Value: value}
}

func (e *Entry) IsDeleted() bool {
	return e.Meta&BitDelete != 0
}

func (e *Entry) IsRangeDelete() bool {
	return e.Meta&BitRangeDelete != 0
}

func (e *Entry) IsCommit() bool {
	return e.Meta&BitCommit != 0
}

// Entry lets an *Entry stand in as an iterator Item directly.
func (e *Entry) Entry() *Entry {
	return e
}

// Size is the memory accounting charge of the entry in the tree.
func (e *Entry) Size() int64 {
	return int64(len(e.Key) + len(e.Value) + 16)
}

// Comparator defines the total order over user keys. The default is
// byte-lexicographic. A database must always be opened with the comparator
// it was created with; run layout depends on it.
type Comparator func(a, b []byte) int

func DefaultComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

// CompareEntries orders records by user key ascending and, within one key,
// by sequence number descending, so the newest version of a key is always
// encountered first in forward order.
func CompareEntries(cmp Comparator, aKey []byte, aSeq uint64, bKey []byte, bSeq uint64) int {
	if c := cmp(aKey, bKey); c != 0 {
		return c
	}
	switch {
	case aSeq > bSeq:
		return -1
	case aSeq < bSeq:
		return 1
	default:
		return 0
	}
}

// RangeTombstone records a delete_range(lo, hi): every version of a key in
// [Lo, Hi) older than Seq is invisible. Tombstones live beside the tree and
// in run indexes, not in the sorted record stream.
type RangeTombstone struct {
	Lo  []byte
	Hi  []byte
	Seq uint64
}

// Covers reports whether t hides a record of key with sequence recSeq from a
// snapshot at snapSeq.
func (t *RangeTombstone) Covers(cmp Comparator, key []byte, recSeq, snapSeq uint64) bool {
	if t.Seq > snapSeq || t.Seq <= recSeq {
		return false
	}
	return cmp(t.Lo, key) <= 0 && cmp(key, t.Hi) < 0
}

// RangeDeleted checks key against a set of tombstones.
func RangeDeleted(ts []RangeTombstone, cmp Comparator, key []byte, recSeq, snapSeq uint64) bool {
	for i := range ts {
		if ts[i].Covers(cmp, key, recSeq, snapSeq) {
			return true
		}
	}
	return false
}
