package golsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDBOptions() *Options {
	opt := NewDefaultOptions()
	opt.PageSize = 1024
	opt.BlockSize = 64
	opt.MultipleProcesses = false
	return opt
}

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, testDBOptions())
	require.NoError(t, err)
	return db, path
}

func TestDBBasic(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	require.NoError(t, db.Set([]byte("hello"), []byte("world")))
	got, err := db.Get([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	_, err = db.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.Delete([]byte("hello")))
	_, err = db.Get([]byte("hello"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting an absent key is fine.
	require.NoError(t, db.Delete([]byte("hello")))

	assert.ErrorIs(t, db.Set([]byte{}, []byte("x")), ErrEmptyKey)
	_, err = db.Get(nil)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestDBOrderedScan(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	// Inserted out of order on purpose.
	for i := 99; i >= 0; i-- {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%02d", i))))
	}

	c, err := db.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.First())
	var prev []byte
	count := 0
	for c.Valid() {
		k, err := c.Key()
		require.NoError(t, err)
		if prev != nil {
			assert.Negative(t, bytes.Compare(prev, k))
		}
		prev = k
		count++
		require.NoError(t, c.Next())
	}
	assert.Equal(t, 100, count)

	require.NoError(t, c.Last())
	count = 0
	for c.Valid() {
		count++
		require.NoError(t, c.Prev())
	}
	assert.Equal(t, 100, count)
}

func TestDBSeekModes(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	for _, k := range []string{"b", "d", "f"} {
		require.NoError(t, db.Set([]byte(k), []byte("v-"+k)))
	}

	// EQ: exact hit and miss.
	k, v, err := db.Seek([]byte("d"), SeekEQ)
	require.NoError(t, err)
	assert.Equal(t, []byte("d"), k)
	assert.Equal(t, []byte("v-d"), v)
	_, _, err = db.Seek([]byte("c"), SeekEQ)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// GE falls forward.
	k, _, err = db.Seek([]byte("c"), SeekGE)
	require.NoError(t, err)
	assert.Equal(t, []byte("d"), k)
	// GE past the last key finds nothing.
	_, _, err = db.Seek([]byte("g"), SeekGE)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// LE falls backward; LE_FAST is an alias.
	k, _, err = db.Seek([]byte("c"), SeekLE)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), k)
	k, _, err = db.Seek([]byte("c"), SeekLEFast)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), k)
	_, _, err = db.Seek([]byte("a"), SeekLE)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Exact hits work in every mode.
	for _, mode := range []SeekMode{SeekEQ, SeekLE, SeekGE} {
		k, _, err = db.Seek([]byte("f"), mode)
		require.NoError(t, err)
		assert.Equal(t, []byte("f"), k)
	}
}

func TestDBCursorDirectionSwitch(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, db.Set([]byte(k), []byte(k)))
	}

	c, err := db.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Seek([]byte("b"), SeekGE))
	k, _ := c.Key()
	assert.Equal(t, []byte("b"), k)

	require.NoError(t, c.Next())
	k, _ = c.Key()
	assert.Equal(t, []byte("c"), k)

	// Reverse direction from the middle.
	require.NoError(t, c.Prev())
	k, _ = c.Key()
	assert.Equal(t, []byte("b"), k)

	require.NoError(t, c.Prev())
	k, _ = c.Key()
	assert.Equal(t, []byte("a"), k)

	// And forward again.
	require.NoError(t, c.Next())
	k, _ = c.Key()
	assert.Equal(t, []byte("b"), k)

	cmp, err := c.Compare([]byte("c"))
	require.NoError(t, err)
	assert.Negative(t, cmp)
}

func TestDBCursorSnapshot(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	require.NoError(t, db.Set([]byte("k"), []byte("old")))
	c, err := db.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, db.Set([]byte("k"), []byte("new")))
	require.NoError(t, db.Set([]byte("later"), []byte("x")))

	require.NoError(t, c.First())
	k, _ := c.Key()
	v, _ := c.Value()
	assert.Equal(t, []byte("k"), k)
	assert.Equal(t, []byte("old"), v)
	require.NoError(t, c.Next())
	assert.False(t, c.Valid(), "keys written after the cursor opened are invisible")
}

func TestDBDeleteRangeScan(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}
	require.NoError(t, db.DeleteRange([]byte("k10"), []byte("k20")))

	n, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, 90, n)

	// The scan must skip the deleted band seamlessly.
	k, _, err := db.Seek([]byte("k10"), SeekGE)
	require.NoError(t, err)
	assert.Equal(t, []byte("k20"), k)
	k, _, err = db.Seek([]byte("k15"), SeekLE)
	require.NoError(t, err)
	assert.Equal(t, []byte("k09"), k)
}

func TestDBTransactions(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	require.NoError(t, db.Begin())
	require.NoError(t, db.Set([]byte("a"), []byte("1")))
	assert.Equal(t, 1, db.TxLevel())

	// A cursor inside the transaction sees pending writes.
	c, err := db.NewCursor()
	require.NoError(t, err)
	require.NoError(t, c.First())
	k, _ := c.Key()
	assert.Equal(t, []byte("a"), k)
	require.NoError(t, c.Close())

	require.NoError(t, db.Rollback())
	_, err = db.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.ErrorIs(t, db.Commit(), ErrNoTransaction)
}

func TestDBReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, testDBOptions())
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%04d", i)), []byte(fmt.Sprintf("v%04d", i))))
	}
	require.NoError(t, db.DeleteRange([]byte("k0100"), []byte("k0200")))
	require.NoError(t, db.Close())

	db2, err := Open(path, testDBOptions())
	require.NoError(t, err)
	defer db2.Close()

	n, err := db2.Count()
	require.NoError(t, err)
	assert.Equal(t, 400, n)
	got, err := db2.Get([]byte("k0321"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v0321"), got)
	_, err = db2.Get([]byte("k0150"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// copyDatabase simulates a crash: the main file and log segments are copied
// as they sit on disk, without any shutdown work.
func copyDatabase(t *testing.T, path string) string {
	t.Helper()
	dst := filepath.Join(t.TempDir(), "copy.db")
	matches, err := filepath.Glob(path + "*")
	require.NoError(t, err)
	for _, src := range matches {
		data, err := os.ReadFile(src)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(dst+src[len(path):], data, 0666))
	}
	return dst
}

func TestDBRecoveryAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, testDBOptions())
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%03d", i)), []byte("checkpointed")))
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.Checkpoint())
	for i := 100; i < 150; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%03d", i)), []byte("logged-only")))
	}

	crashed := copyDatabase(t, path)
	db2, err := Open(crashed, testDBOptions())
	require.NoError(t, err)
	defer db2.Close()

	n, err := db2.Count()
	require.NoError(t, err)
	assert.Equal(t, 150, n, "checkpointed and logged commits both survive")
	got, err := db2.Get([]byte("k120"))
	require.NoError(t, err)
	assert.Equal(t, []byte("logged-only"), got)
}

func TestDBRecoveryTornLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, testDBOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set([]byte("stable"), []byte("yes")))
	crashed := copyDatabase(t, path)

	// Tear the last few bytes off the copied log tail.
	logs, err := filepath.Glob(crashed + "-log.*")
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1]
	fi, err := os.Stat(last)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(last, fi.Size()-3))

	db2, err := Open(crashed, testDBOptions())
	require.NoError(t, err)
	defer db2.Close()
	_, err = db2.Get([]byte("stable"))
	assert.ErrorIs(t, err, ErrKeyNotFound, "the torn batch is discarded whole")
}

func TestDBConcurrentWriters(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	workers, perWorker := 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-k%04d", w, i))
				if err := db.Set(key, []byte(fmt.Sprintf("w%d-v%04d", w, i))); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	n, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, n)
	for w := 0; w < workers; w++ {
		got, err := db.Get([]byte(fmt.Sprintf("w%d-k%04d", w, perWorker-1)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("w%d-v%04d", w, perWorker-1)), got)
	}
}

func TestDBWorkComplete(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	for round := 0; round < 3; round++ {
		for i := 0; i < 200; i++ {
			require.NoError(t, db.Set([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("r%d", round))))
		}
		require.NoError(t, db.Flush())
	}
	written, err := db.Work(true)
	require.NoError(t, err)
	assert.Positive(t, written)
	assert.Equal(t, 1, db.Info().Runs)

	got, err := db.Get([]byte("k000"))
	require.NoError(t, err)
	assert.Equal(t, []byte("r2"), got)

	written, err = db.Work(true)
	require.NoError(t, err)
	assert.Zero(t, written, "a fully merged database has nothing to do")
}

func TestDBInfo(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.Checkpoint())

	s := db.Info()
	assert.Positive(t, s.NWrite)
	assert.Positive(t, s.CheckpointSize)
	assert.Equal(t, 1, s.Runs)
	assert.Equal(t, uint64(1), s.Flushes)
	assert.Zero(t, s.TreeSize)
}

func TestDBCustomComparator(t *testing.T) {
	opt := testDBOptions()
	// Reverse lexicographic order.
	opt.Comparator = func(a, b []byte) int { return -bytes.Compare(a, b) }
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opt)
	require.NoError(t, err)
	defer db.Close()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, db.Set([]byte(k), []byte(k)))
	}
	c, err := db.NewCursor()
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.First())
	k, _ := c.Key()
	assert.Equal(t, []byte("c"), k, "the comparator defines what 'first' means")
}

func TestDBOptionsValidation(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		mut  func(*Options)
	}{
		{"page size not a power of two", func(o *Options) { o.PageSize = 3000 }},
		{"page size too small", func(o *Options) { o.PageSize = 512 }},
		{"block size out of range", func(o *Options) { o.BlockSize = 32 }},
		{"autoflush above 1GB", func(o *Options) { o.AutoFlush = 2 << 30 }},
		{"automerge below 2", func(o *Options) { o.AutoMerge = 1 }},
		{"snappy with level", func(o *Options) { o.Compression = CompressionSnappy; o.CompressLevel = 5 }},
		{"zstd level out of range", func(o *Options) { o.Compression = CompressionZstd; o.CompressLevel = 42 }},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opt := testDBOptions()
			tc.mut(opt)
			_, err := Open(filepath.Join(dir, fmt.Sprintf("bad%d.db", i)), opt)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestDBCompressedDatabase(t *testing.T) {
	opt := testDBOptions()
	opt.Compression = CompressionZstd
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opt)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("compressible "), 20)
	for i := 0; i < 300; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%04d", i)), payload))
	}
	require.NoError(t, db.Close())

	db2, err := Open(path, opt)
	require.NoError(t, err)
	defer db2.Close()
	got, err := db2.Get([]byte("k0123"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
