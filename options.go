package golsm

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mosquito/golsm/file"
	"github.com/mosquito/golsm/lsm"
	"github.com/mosquito/golsm/utils"
)

// Compression codecs, fixed at database creation.
const (
	CompressionNone   = file.CompressionNone
	CompressionSnappy = file.CompressionSnappy
	CompressionZstd   = file.CompressionZstd
)

// Safety levels, from fastest to most durable.
const (
	SafetyOff    = lsm.SafetyOff
	SafetyNormal = lsm.SafetyNormal
	SafetyFull   = lsm.SafetyFull
)

// Options configure a database handle. Start from NewDefaultOptions; the
// zero value of several fields (UseLog, AutoWork, MultipleProcesses) means
// "off", not "default".
type Options struct {
	// PageSize is the unit of file I/O in bytes: a power of two between 1KB
	// and 64KB. Fixed at creation.
	PageSize int
	// BlockSize caps a log segment, in KB: a power of two between 64 and
	// 65536. Fixed at creation.
	BlockSize int

	// AutoFlush converts the in-memory tree to a sorted run once it holds
	// this many bytes. At most 1GB.
	AutoFlush int64
	// AutoCheckpoint writes a checkpoint after this many bytes of run data.
	// Must be positive: without checkpoints the log can never be trimmed.
	AutoCheckpoint int64
	// AutoMerge is the number of runs merged per work step, minimum 2.
	AutoMerge int
	// AutoWork merges runs automatically when a flush pushes the run count
	// past AutoMerge.
	AutoWork bool

	Compression   file.CompressionType
	CompressLevel int

	Safety lsm.Safety
	// UseLog enables the write-ahead log. Disabling trades away durability
	// of commits since the last checkpoint.
	UseLog   bool
	ReadOnly bool

	// MultipleProcesses takes an advisory flock on <path>.lock for the life
	// of the handle: exclusive for writers, shared for readonly handles. A
	// live writer therefore excludes every other process, readers included,
	// because it reuses pages that another process's loaded checkpoint may
	// still reference. Readonly handles coexist with each other.
	MultipleProcesses bool
	LockTimeout       time.Duration

	// Comparator overrides the byte-lexicographic key order. A database must
	// always be opened with the comparator it was created with.
	Comparator utils.Comparator

	BloomFalsePositive float64
	// CacheSize is the block cache capacity in blocks.
	CacheSize int

	// MaintenanceInterval runs Work(false) on a background goroutine. Zero
	// keeps maintenance cooperative inside write calls.
	MaintenanceInterval time.Duration

	Logger *zap.Logger
}

// NewDefaultOptions mirrors the historical engine defaults: 4KB pages, 1MB
// log segments, autoflush at 1MB of tree, autocheckpoint every 2MB written,
// merges of 4 runs, logging and cross-process locking on.
func NewDefaultOptions() *Options {
	return &Options{
		PageSize:           4096,
		BlockSize:          1024,
		AutoFlush:          1 << 20,
		AutoCheckpoint:     2 << 20,
		AutoMerge:          4,
		AutoWork:           true,
		Compression:        CompressionNone,
		CompressLevel:      file.DefaultCompressLevel,
		Safety:             SafetyNormal,
		UseLog:             true,
		MultipleProcesses:  true,
		LockTimeout:        5 * time.Second,
		BloomFalsePositive: 0.01,
		CacheSize:          256,
	}
}

func isPow2(v int) bool {
	return v > 0 && v&(v-1) == 0
}

func checkOptions(opt *Options) error {
	if opt.PageSize == 0 {
		opt.PageSize = 4096
	}
	if !isPow2(opt.PageSize) || opt.PageSize < file.MinPageSize || opt.PageSize > file.MaxPageSize {
		return errors.Wrapf(utils.ErrInvalidConfig,
			"page_size must be a power of two between %d and %d, got %d",
			file.MinPageSize, file.MaxPageSize, opt.PageSize)
	}
	if opt.BlockSize == 0 {
		opt.BlockSize = 1024
	}
	if !isPow2(opt.BlockSize) || opt.BlockSize < 64 || opt.BlockSize > 65536 {
		return errors.Wrapf(utils.ErrInvalidConfig,
			"block_size must be a power of two between 64 and 65536 KB, got %d", opt.BlockSize)
	}
	if opt.AutoFlush == 0 {
		opt.AutoFlush = 1 << 20
	}
	if opt.AutoFlush < 0 || opt.AutoFlush > 1<<30 {
		return errors.Wrapf(utils.ErrInvalidConfig,
			"autoflush must be between 0 and 1GB, got %d", opt.AutoFlush)
	}
	if opt.AutoCheckpoint == 0 {
		opt.AutoCheckpoint = 2 << 20
	}
	if opt.AutoCheckpoint < 0 {
		return errors.Wrap(utils.ErrInvalidConfig, "autocheckpoint must be positive")
	}
	if opt.AutoMerge == 0 {
		opt.AutoMerge = 4
	}
	if opt.AutoMerge < 2 {
		return errors.Wrapf(utils.ErrInvalidConfig,
			"automerge must be at least 2, got %d", opt.AutoMerge)
	}
	if opt.Safety < SafetyOff || opt.Safety > SafetyFull {
		return errors.Wrapf(utils.ErrInvalidConfig, "unknown safety level %d", opt.Safety)
	}
	if opt.BloomFalsePositive == 0 {
		opt.BloomFalsePositive = 0.01
	}
	if opt.BloomFalsePositive < 0 || opt.BloomFalsePositive >= 1 {
		return errors.Wrapf(utils.ErrInvalidConfig,
			"bloom false-positive rate must be in (0, 1), got %f", opt.BloomFalsePositive)
	}
	if opt.LockTimeout <= 0 {
		opt.LockTimeout = 5 * time.Second
	}
	// Surfaces a bad codec/level pairing at open rather than first write.
	if _, err := file.NewCodec(opt.Compression, opt.CompressLevel); err != nil {
		return err
	}
	return nil
}
