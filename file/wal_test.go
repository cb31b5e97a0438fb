package file

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosquito/golsm/utils"
)

func testBatch(from, n int) []*utils.Entry {
	batch := make([]*utils.Entry, 0, n+1)
	for i := 0; i < n; i++ {
		batch = append(batch, &utils.Entry{
			Key:   []byte(fmt.Sprintf("key%03d", from+i)),
			Value: []byte(fmt.Sprintf("val%03d", from+i)),
			Seq:   uint64(from + i + 1),
		})
	}
	batch = append(batch, &utils.Entry{Meta: utils.BitCommit, Seq: uint64(from + n)})
	return batch
}

func TestLogAppendReplay(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test.db")
	lf, err := CreateLogFile(base, 0)
	require.NoError(t, err)
	require.NoError(t, lf.Append(testBatch(0, 3)))
	require.NoError(t, lf.Append(testBatch(3, 2)))
	require.NoError(t, lf.Close())

	var got []*utils.Entry
	seg, off, maxSeq, err := ReplayLogs(base, 0, 0, false, func(batch []*utils.Entry) error {
		got = append(got, batch...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seg)
	assert.NotZero(t, off)
	assert.Equal(t, uint64(5), maxSeq)
	require.Len(t, got, 5)
	assert.Equal(t, []byte("key000"), got[0].Key)
	assert.Equal(t, []byte("val004"), got[4].Value)
}

func TestLogDiscardsUncommittedBatch(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test.db")
	lf, err := CreateLogFile(base, 0)
	require.NoError(t, err)
	require.NoError(t, lf.Append(testBatch(0, 2)))
	// Batch without a commit marker: must be invisible after replay.
	require.NoError(t, lf.Append([]*utils.Entry{
		{Key: []byte("orphan"), Value: []byte("x"), Seq: 99},
	}))
	require.NoError(t, lf.Close())

	var applied int
	_, off, maxSeq, err := ReplayLogs(base, 0, 0, false, func(batch []*utils.Entry) error {
		applied += len(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, uint64(2), maxSeq, "the discarded batch's seqs never became visible")

	// The orphan tail was truncated away.
	lf2, err := CreateLogFile(base, 0)
	require.NoError(t, err)
	defer lf2.Close()
	assert.Equal(t, off, lf2.Size())
}

func TestLogTruncatesTornTail(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test.db")
	lf, err := CreateLogFile(base, 0)
	require.NoError(t, err)
	require.NoError(t, lf.Append(testBatch(0, 3)))
	goodSize := lf.Size()
	require.NoError(t, lf.Append(testBatch(3, 3)))
	require.NoError(t, lf.Close())

	// Cut the second batch mid-record.
	fd, err := os.OpenFile(logSegmentName(base, 0), os.O_RDWR, 0666)
	require.NoError(t, err)
	require.NoError(t, fd.Truncate(int64(goodSize)+7))
	require.NoError(t, fd.Close())

	var applied int
	seg, off, _, err := ReplayLogs(base, 0, 0, false, func(batch []*utils.Entry) error {
		applied += len(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, uint64(0), seg)
	assert.Equal(t, goodSize, off)

	fi, err := os.Stat(logSegmentName(base, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(goodSize), fi.Size())
}

func TestLogReplayAcrossSegments(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test.db")
	for seg := uint64(0); seg < 3; seg++ {
		lf, err := CreateLogFile(base, seg)
		require.NoError(t, err)
		require.NoError(t, lf.Append(testBatch(int(seg)*2, 2)))
		require.NoError(t, lf.Close())
	}

	segs, err := ListLogSegments(base)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, segs)

	var applied int
	seg, _, maxSeq, err := ReplayLogs(base, 1, 0, false, func(batch []*utils.Entry) error {
		applied += len(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, applied, "segment 0 is before the replay position")
	assert.Equal(t, uint64(2), seg)
	assert.Equal(t, uint64(6), maxSeq)

	require.NoError(t, RemoveObsoleteLogs(base, 2))
	segs, err = ListLogSegments(base)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, segs)
}
