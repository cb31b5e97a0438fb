package file

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpoint(id uint64) *Checkpoint {
	return &Checkpoint{
		ID:        id,
		Seq:       id * 100,
		NextRunID: id + 1,
		LogSeg:    id,
		LogOff:    id * 10,
		Runs: []RunMeta{
			{ID: 1, SeqLo: 1, SeqHi: 50, Count: 10, IndexPages: []uint64{7, 8}},
			{ID: 2, SeqLo: 51, SeqHi: 90, Count: 4, IndexPages: []uint64{9}},
		},
		FreePages: []uint64{11, 12, 13},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	p, _ := createTestPager(t, testHeader())
	defer p.Close()

	want := testCheckpoint(1)
	bodyPages, size, err := WriteCheckpoint(p, want, 0, true)
	require.NoError(t, err)
	require.NotEmpty(t, bodyPages)
	assert.Positive(t, size)

	got, slot, pages, err := LoadCheckpoint(p)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, slot)
	assert.Equal(t, bodyPages, pages)
	assert.Equal(t, want, got)
}

func TestCheckpointEmptyDatabase(t *testing.T) {
	p, _ := createTestPager(t, testHeader())
	defer p.Close()

	cp, _, _, err := LoadCheckpoint(p)
	require.NoError(t, err)
	assert.Nil(t, cp, "a database that never checkpointed has no checkpoint")
}

func TestCheckpointAlternatingSlots(t *testing.T) {
	p, _ := createTestPager(t, testHeader())
	defer p.Close()

	_, _, err := WriteCheckpoint(p, testCheckpoint(1), 0, true)
	require.NoError(t, err)
	_, _, err = WriteCheckpoint(p, testCheckpoint(2), 1, true)
	require.NoError(t, err)

	got, slot, _, err := LoadCheckpoint(p)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(2), got.ID, "highest id wins")
	assert.Equal(t, 1, slot)

	// Overwriting the older slot keeps recovery on the newest.
	_, _, err = WriteCheckpoint(p, testCheckpoint(3), 0, true)
	require.NoError(t, err)
	got, slot, _, err = LoadCheckpoint(p)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.ID)
	assert.Equal(t, 0, slot)
}

func TestCheckpointFallbackOnCorruptBody(t *testing.T) {
	p, _ := createTestPager(t, testHeader())
	defer p.Close()

	_, _, err := WriteCheckpoint(p, testCheckpoint(1), 0, true)
	require.NoError(t, err)
	newerPages, _, err := WriteCheckpoint(p, testCheckpoint(2), 1, true)
	require.NoError(t, err)

	// Corrupt the newest checkpoint's body; the slot record stays intact.
	require.NoError(t, p.WriteMetaPage(newerPages[0], []byte("garbage")))

	got, slot, _, err := LoadCheckpoint(p)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.ID, "recovery falls back to the older slot")
	assert.Equal(t, 0, slot)
}

func TestCheckpointExcludesOwnBodyFromFreeList(t *testing.T) {
	p, _ := createTestPager(t, testHeader())
	defer p.Close()

	// Put pages on the free list so the body allocation draws from it.
	a, b := p.Allocate(), p.Allocate()
	p.Free(a)
	p.Free(b)

	cp := testCheckpoint(1)
	cp.FreePages = p.FreeList()
	bodyPages, _, err := WriteCheckpoint(p, cp, 0, true)
	require.NoError(t, err)

	got, _, _, err := LoadCheckpoint(p)
	require.NoError(t, err)
	require.NotNil(t, got)
	for _, pg := range bodyPages {
		assert.NotContains(t, got.FreePages, pg,
			"a checkpoint must never list its own body pages as free")
	}
}

func TestCheckpointLargeBodySpansPages(t *testing.T) {
	p, _ := createTestPager(t, testHeader())
	defer p.Close()

	cp := testCheckpoint(1)
	// Enough free pages to overflow a single 4KB page.
	for pg := uint64(100); pg < 3000; pg++ {
		cp.FreePages = append(cp.FreePages, pg)
	}
	bodyPages, _, err := WriteCheckpoint(p, cp, 0, true)
	require.NoError(t, err)
	assert.Greater(t, len(bodyPages), 1)

	got, _, _, err := LoadCheckpoint(p)
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}
