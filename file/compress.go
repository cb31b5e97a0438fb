package file

import (
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/mosquito/golsm/utils"
)

// CompressionType selects the per-page codec. It is resolved once at
// database creation and stored in the header page; changing it on an
// existing file requires a rewrite.
type CompressionType byte

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
)

const (
	// DefaultCompressLevel means "codec default" when no level was given.
	DefaultCompressLevel = 0
	maxZstdLevel         = 22
)

// Codec compresses and decompresses page payloads.
type Codec interface {
	Type() CompressionType
	Compress(src []byte) []byte
	Decompress(src []byte) ([]byte, error)
}

// NewCodec validates the level for the chosen codec and builds it.
func NewCodec(t CompressionType, level int) (Codec, error) {
	switch t {
	case CompressionNone:
		if level != DefaultCompressLevel {
			return nil, errors.Wrap(utils.ErrInvalidConfig, "compress_level requires a compression codec")
		}
		return nil, nil
	case CompressionSnappy:
		if level != DefaultCompressLevel {
			return nil, errors.Wrap(utils.ErrInvalidConfig, "snappy does not take a compress_level")
		}
		return snappyCodec{}, nil
	case CompressionZstd:
		if level == DefaultCompressLevel {
			level = 3
		}
		if level < 1 || level > maxZstdLevel {
			return nil, errors.Wrapf(utils.ErrInvalidConfig, "compress_level for zstd must be between 1 and %d", maxZstdLevel)
		}
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return &zstdCodec{enc: enc, dec: dec}, nil
	default:
		return nil, errors.Wrapf(utils.ErrInvalidConfig, "unknown compression type %d", t)
	}
}

type snappyCodec struct{}

func (snappyCodec) Type() CompressionType { return CompressionSnappy }

func (snappyCodec) Compress(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func (snappyCodec) Decompress(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, errors.Wrap(utils.ErrChecksumMismatch, "snappy decode")
	}
	return out, nil
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (c *zstdCodec) Type() CompressionType { return CompressionZstd }

func (c *zstdCodec) Compress(src []byte) []byte {
	return c.enc.EncodeAll(src, nil)
}

func (c *zstdCodec) Decompress(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, errors.Wrap(utils.ErrChecksumMismatch, "zstd decode")
	}
	return out, nil
}
