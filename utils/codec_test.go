package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBufRoundTrip(t *testing.T) {
	e := &EncodeBuf{}
	e.Uvarint(0)
	e.Uvarint(300)
	e.Uvarint(1 << 40)
	e.Bytes([]byte("hello"))
	e.Bytes(nil)

	d := &DecodeBuf{B: e.B}
	assert.Equal(t, uint64(0), d.Uvarint())
	assert.Equal(t, uint64(300), d.Uvarint())
	assert.Equal(t, uint64(1<<40), d.Uvarint())
	assert.Equal(t, []byte("hello"), d.Bytes())
	assert.Len(t, d.Bytes(), 0)
	require.NoError(t, d.Err())
}

func TestDecodeBufErrorSticks(t *testing.T) {
	d := &DecodeBuf{B: []byte{0x05}} // length prefix with no body
	assert.Nil(t, d.Bytes())
	require.Error(t, d.Err())
	// Further reads stay zero instead of panicking.
	assert.Equal(t, uint64(0), d.Uvarint())
	assert.Nil(t, d.Bytes())
}

func TestSizeVarint(t *testing.T) {
	assert.Equal(t, 1, SizeVarint(0))
	assert.Equal(t, 1, SizeVarint(127))
	assert.Equal(t, 2, SizeVarint(128))
	assert.Equal(t, 10, SizeVarint(MaxSeq))
}

func TestPageChecksum(t *testing.T) {
	data := []byte("some page payload")
	sum := PageChecksum(data)
	require.NoError(t, VerifyPageChecksum(data, sum))

	data[0] ^= 0xff
	assert.ErrorIs(t, VerifyPageChecksum(data, sum), ErrChecksumMismatch)
}

func TestBloomFilter(t *testing.T) {
	var hashes []uint32
	for i := 0; i < 100; i++ {
		hashes = append(hashes, Hash([]byte{byte(i), byte(i >> 4)}))
	}
	f := NewFilter(hashes, BloomBitsPerKey(100, 0.01))
	for i := 0; i < 100; i++ {
		assert.True(t, f.MayContain(Hash([]byte{byte(i), byte(i >> 4)})))
	}

	misses := 0
	for i := 0; i < 1000; i++ {
		if f.MayContainKey([]byte{0xff, byte(i), byte(i >> 8)}) {
			misses++
		}
	}
	// False positives allowed, but nowhere near everything.
	assert.Less(t, misses, 100)
}
