package utils

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipListBasicCRUD(t *testing.T) {
	sl := NewSkipList(nil)

	e1 := &Entry{Key: []byte("Key1"), Value: []byte("Value1"), Seq: 1}
	sl.Add(e1)
	got := sl.Search(e1.Key, 10)
	require.NotNil(t, got)
	assert.Equal(t, e1.Value, got.Value)

	e2 := &Entry{Key: []byte("Key2"), Value: []byte("Value2"), Seq: 2}
	sl.Add(e2)
	got = sl.Search(e2.Key, 10)
	require.NotNil(t, got)
	assert.Equal(t, e2.Value, got.Value)

	assert.Nil(t, sl.Search([]byte("noexist"), 10))
	assert.Equal(t, 2, sl.Length())
}

func TestSkipListVersions(t *testing.T) {
	sl := NewSkipList(nil)
	key := []byte("k")
	for seq := uint64(1); seq <= 5; seq++ {
		sl.Add(&Entry{Key: key, Value: []byte(fmt.Sprintf("v%d", seq)), Seq: seq})
	}

	// Newest version at or below the snapshot wins.
	got := sl.Search(key, 5)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v5"), got.Value)

	got = sl.Search(key, 3)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v3"), got.Value)

	// Snapshot older than every version sees nothing.
	assert.Nil(t, sl.Search(key, 0))
}

func TestSkipListDuplicateSeqOverwrites(t *testing.T) {
	sl := NewSkipList(nil)
	sl.Add(&Entry{Key: []byte("k"), Value: []byte("a"), Seq: 7})
	sl.Add(&Entry{Key: []byte("k"), Value: []byte("b"), Seq: 7})
	assert.Equal(t, 1, sl.Length())
	got := sl.Search([]byte("k"), 7)
	require.NotNil(t, got)
	assert.Equal(t, []byte("b"), got.Value)
}

func TestSkipListIteratorOrder(t *testing.T) {
	sl := NewSkipList(nil)
	keys := []string{"b", "a", "d", "c"}
	for i, k := range keys {
		sl.Add(&Entry{Key: []byte(k), Value: []byte(k), Seq: uint64(i + 1)})
	}
	// Two versions of one key: newest must come first.
	sl.Add(&Entry{Key: []byte("c"), Value: []byte("c2"), Seq: 9})

	var got []string
	iter := sl.NewIterator(nil)
	for iter.Rewind(); iter.Valid(); iter.Next() {
		e := iter.Item().Entry()
		got = append(got, fmt.Sprintf("%s/%d", e.Key, e.Seq))
	}
	assert.Equal(t, []string{"a/2", "b/1", "c/9", "c/4", "d/3"}, got)

	var rev []string
	riter := sl.NewIterator(&Options{Reverse: true})
	for riter.Rewind(); riter.Valid(); riter.Next() {
		e := riter.Item().Entry()
		rev = append(rev, fmt.Sprintf("%s/%d", e.Key, e.Seq))
	}
	assert.Equal(t, []string{"d/3", "c/4", "c/9", "b/1", "a/2"}, rev)
}

func TestSkipListIteratorSeek(t *testing.T) {
	sl := NewSkipList(nil)
	for _, k := range []string{"a", "c", "e"} {
		sl.Add(&Entry{Key: []byte(k), Value: []byte(k), Seq: 1})
	}

	iter := sl.NewIterator(nil)
	iter.Seek([]byte("b"), MaxSeq)
	require.True(t, iter.Valid())
	assert.Equal(t, []byte("c"), iter.Item().Entry().Key)

	iter.Seek([]byte("f"), MaxSeq)
	assert.False(t, iter.Valid())

	riter := sl.NewIterator(&Options{Reverse: true})
	riter.Seek([]byte("d"), 0)
	require.True(t, riter.Valid())
	assert.Equal(t, []byte("c"), riter.Item().Entry().Key)

	riter.Seek([]byte("a"), 1)
	require.True(t, riter.Valid())
	assert.Equal(t, []byte("a"), riter.Item().Entry().Key)
}

func TestSkipListConcurrentReadWrite(t *testing.T) {
	sl := NewSkipList(nil)
	n := 1000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			sl.Add(&Entry{
				Key:   []byte(fmt.Sprintf("key%05d", i)),
				Value: []byte(fmt.Sprintf("val%05d", i)),
				Seq:   uint64(i + 1),
			})
		}
	}()
	for i := 0; i < n; i++ {
		sl.Search([]byte(fmt.Sprintf("key%05d", i)), MaxSeq)
	}
	wg.Wait()
	assert.Equal(t, n, sl.Length())
}

func TestCompareEntries(t *testing.T) {
	cmp := DefaultComparator
	assert.Equal(t, -1, CompareEntries(cmp, []byte("a"), 1, []byte("b"), 1))
	assert.Equal(t, 1, CompareEntries(cmp, []byte("b"), 1, []byte("a"), 9))
	// Same key: higher seq sorts first.
	assert.Equal(t, -1, CompareEntries(cmp, []byte("a"), 5, []byte("a"), 3))
	assert.Equal(t, 0, CompareEntries(cmp, []byte("a"), 5, []byte("a"), 5))
}

func TestRangeTombstoneCovers(t *testing.T) {
	cmp := DefaultComparator
	tomb := RangeTombstone{Lo: []byte("b"), Hi: []byte("d"), Seq: 10}

	// Record older than the tombstone, key inside the range.
	assert.True(t, tomb.Covers(cmp, []byte("b"), 5, 20))
	assert.True(t, tomb.Covers(cmp, []byte("c"), 9, 20))
	// Upper bound is exclusive.
	assert.False(t, tomb.Covers(cmp, []byte("d"), 5, 20))
	// Record newer than the tombstone survives.
	assert.False(t, tomb.Covers(cmp, []byte("c"), 11, 20))
	// Snapshot predating the tombstone still sees the record.
	assert.False(t, tomb.Covers(cmp, []byte("c"), 5, 9))
}
