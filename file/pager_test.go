package file

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosquito/golsm/utils"
)

func testHeader() Header {
	return Header{PageSize: 4096, BlockSize: 1024}
}

func createTestPager(t *testing.T, hdr Header) (*Pager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := CreatePager(path, hdr)
	require.NoError(t, err)
	return p, path
}

func TestPagerCreateOpen(t *testing.T) {
	p, path := createTestPager(t, testHeader())
	require.NoError(t, p.Close())

	p2, err := OpenPager(path, false)
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, 4096, p2.Header().PageSize)
	assert.Equal(t, 1024, p2.Header().BlockSize)
	assert.Equal(t, CompressionNone, p2.Header().Compression)
	assert.Equal(t, uint64(3), p2.NumPages())
}

func TestPagerRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xab}, 8192), 0666))
	_, err := OpenPager(path, false)
	require.Error(t, err)
}

func TestPagerWriteReadPage(t *testing.T) {
	p, _ := createTestPager(t, testHeader())
	defer p.Close()

	pgno := p.Allocate()
	payload := []byte("the quick brown fox")
	require.NoError(t, p.WritePage(pgno, payload))

	got, err := p.ReadPage(pgno)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	reads, writes := p.IOStats()
	assert.NotZero(t, reads)
	assert.NotZero(t, writes)
}

func TestPagerDetectsCorruption(t *testing.T) {
	hdr := testHeader()
	p, path := createTestPager(t, hdr)
	pgno := p.Allocate()
	require.NoError(t, p.WritePage(pgno, []byte("payload under test")))
	require.NoError(t, p.Close())

	// Flip a payload byte on disk.
	fd, err := os.OpenFile(path, os.O_RDWR, 0666)
	require.NoError(t, err)
	off := int64(pgno)*int64(hdr.PageSize) + pageHdrSize + 2
	_, err = fd.WriteAt([]byte{0x00}, off)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	p2, err := OpenPager(path, false)
	require.NoError(t, err)
	defer p2.Close()
	_, err = p2.ReadPage(pgno)
	assert.ErrorIs(t, err, utils.ErrChecksumMismatch)
}

func TestPagerAllocateFree(t *testing.T) {
	p, _ := createTestPager(t, testHeader())
	defer p.Close()

	a := p.Allocate()
	b := p.Allocate()
	assert.NotEqual(t, a, b)

	p.Free(a)
	assert.Equal(t, a, p.Allocate(), "freed page is reused first")

	p.FreePending([]uint64{b})
	c := p.Allocate()
	assert.NotEqual(t, b, c, "pending pages are not reusable yet")
	p.ReleasePending()
	p.Free(c)
	got := map[uint64]bool{}
	got[p.Allocate()] = true
	got[p.Allocate()] = true
	assert.True(t, got[b], "released pending page becomes allocatable")
}

func TestPagerCompressedPages(t *testing.T) {
	hdr := testHeader()
	hdr.Compression = CompressionZstd
	p, path := createTestPager(t, hdr)

	pgno := p.Allocate()
	payload := bytes.Repeat([]byte("abcdefgh"), 256) // compresses well
	require.NoError(t, p.WritePage(pgno, payload))
	require.NoError(t, p.Close())

	p2, err := OpenPager(path, false)
	require.NoError(t, err)
	defer p2.Close()
	got, err := p2.ReadPage(pgno)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCodecValidation(t *testing.T) {
	_, err := NewCodec(CompressionSnappy, 3)
	assert.ErrorIs(t, err, utils.ErrInvalidConfig)

	_, err = NewCodec(CompressionZstd, 23)
	assert.ErrorIs(t, err, utils.ErrInvalidConfig)

	c, err := NewCodec(CompressionZstd, DefaultCompressLevel)
	require.NoError(t, err)
	data := bytes.Repeat([]byte("roundtrip"), 100)
	out, err := c.Decompress(c.Compress(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)

	c, err = NewCodec(CompressionSnappy, DefaultCompressLevel)
	require.NoError(t, err)
	out, err = c.Decompress(c.Compress(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
