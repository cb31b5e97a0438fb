package utils

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"

	"github.com/cespare/xxhash/v2"
)

// CastagnoliCrcTable is used for log and checkpoint record framing.
var CastagnoliCrcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	MagicText    = [4]byte{'G', 'L', 'S', 'M'}
	MagicVersion = uint32(1)
)

func BytesToU32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

func BytesToU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func U32ToBytes(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf[:]
}

func U64ToBytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

// PageChecksum hashes a page payload. xxhash is cheap enough to run on every
// page write and read.
func PageChecksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// VerifyPageChecksum returns ErrChecksumMismatch when data does not hash to
// want.
func VerifyPageChecksum(data []byte, want uint64) error {
	if xxhash.Sum64(data) != want {
		return ErrChecksumMismatch
	}
	return nil
}

// SizeVarint reports the encoded size of x.
func SizeVarint(x uint64) int {
	var n int
	for {
		n++
		x >>= 7
		if x == 0 {
			break
		}
	}
	return n
}

// EncodeBuf is a tiny append-only writer for varint-framed bodies.
type EncodeBuf struct {
	B []byte
}

func (e *EncodeBuf) Uvarint(x uint64) {
	e.B = binary.AppendUvarint(e.B, x)
}

func (e *EncodeBuf) Bytes(b []byte) {
	e.Uvarint(uint64(len(b)))
	e.B = append(e.B, b...)
}

// DecodeBuf walks a varint-framed body produced by EncodeBuf. The first
// decoding error sticks; callers check Err once at the end.
type DecodeBuf struct {
	B   []byte
	off int
	err error
}

func (d *DecodeBuf) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	x, n := binary.Uvarint(d.B[d.off:])
	if n <= 0 {
		d.err = ErrTruncate
		return 0
	}
	d.off += n
	return x
}

func (d *DecodeBuf) Bytes() []byte {
	n := int(d.Uvarint())
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.B) {
		d.err = ErrTruncate
		return nil
	}
	b := d.B[d.off : d.off+n]
	d.off += n
	return b
}

func (d *DecodeBuf) Byte() byte {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.B) {
		d.err = ErrTruncate
		return 0
	}
	b := d.B[d.off]
	d.off++
	return b
}

func (d *DecodeBuf) Err() error {
	return d.err
}

// HashReader wraps a reader and mirrors everything read into a crc32 so log
// records can be verified as they are decoded.
type HashReader struct {
	R         io.Reader
	H         hash.Hash32
	BytesRead int
}

func NewHashReader(r io.Reader) *HashReader {
	return &HashReader{
		R: r,
		H: crc32.New(CastagnoliCrcTable),
	}
}

func (h *HashReader) Read(p []byte) (int, error) {
	n, err := h.R.Read(p)
	if err != nil {
		return n, err
	}
	h.BytesRead += n
	return h.H.Write(p[:n])
}

func (h *HashReader) ReadByte() (byte, error) {
	b := make([]byte, 1)
	_, err := h.Read(b)
	return b[0], err
}

func (h *HashReader) Sum32() uint32 {
	return h.H.Sum32()
}
