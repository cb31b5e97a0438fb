// Package golsm is an embedded, ordered key/value store built as a
// log-structured merge tree over a single paged file: writes land in an
// in-memory tree backed by a write-ahead log, flush into immutable sorted
// runs, and merge down over time. Checkpoints make the run set durable and
// let recovery replay only the log tail.
package golsm

import (
	"github.com/mosquito/golsm/lsm"
	"github.com/mosquito/golsm/utils"
)

// Exported sentinel errors. Wrapped variants satisfy errors.Is.
var (
	ErrKeyNotFound   = utils.ErrKeyNotFound
	ErrEmptyKey      = utils.ErrEmptyKey
	ErrReadOnly      = utils.ErrReadOnly
	ErrInvalidConfig = utils.ErrInvalidConfig
	ErrLockTimeout   = utils.ErrLockTimeout
	ErrClosed        = utils.ErrClosed
	ErrNoTransaction = utils.ErrNoTransaction
	ErrTooLarge      = utils.ErrTooLarge
)

// DB is a handle to one database. It is safe for concurrent use; write
// operations serialize internally. Transactions are handle-wide, matching
// the engine's single-writer design.
type DB struct {
	opt *Options
	lsm *lsm.LSM
}

// Open opens or creates the database at path. A nil opt uses
// NewDefaultOptions.
func Open(path string, opt *Options) (*DB, error) {
	if opt == nil {
		opt = NewDefaultOptions()
	}
	if err := checkOptions(opt); err != nil {
		return nil, err
	}
	engine, err := lsm.NewLSM(&lsm.Options{
		Path:                path,
		ReadOnly:            opt.ReadOnly,
		PageSize:            opt.PageSize,
		BlockSize:           opt.BlockSize,
		AutoFlush:           opt.AutoFlush,
		AutoCheckpoint:      opt.AutoCheckpoint,
		AutoMerge:           opt.AutoMerge,
		AutoWork:            opt.AutoWork,
		Compression:         opt.Compression,
		CompressLevel:       opt.CompressLevel,
		Safety:              opt.Safety,
		UseLog:              opt.UseLog,
		MultipleProcesses:   opt.MultipleProcesses,
		LockTimeout:         opt.LockTimeout,
		Comparator:          opt.Comparator,
		BloomFalsePositive:  opt.BloomFalsePositive,
		CacheSize:           opt.CacheSize,
		MaintenanceInterval: opt.MaintenanceInterval,
		Logger:              opt.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &DB{opt: opt, lsm: engine}, nil
}

// Close flushes and checkpoints, then releases the file and locks. Cursors
// must be closed first; open transactions are rolled back.
func (db *DB) Close() error {
	return db.lsm.Close()
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.lsm.Get(key)
}

// Set stores key/value. Inside a transaction the write stays pending until
// the outermost Commit.
func (db *DB) Set(key, value []byte) error {
	return db.lsm.Set(key, value)
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(key []byte) error {
	return db.lsm.Delete(key)
}

// DeleteRange removes every key in [lo, hi).
func (db *DB) DeleteRange(lo, hi []byte) error {
	return db.lsm.DeleteRange(lo, hi)
}

// Begin opens a transaction level. Transactions nest: an inner Commit folds
// into the parent, an inner Rollback discards only the inner writes.
func (db *DB) Begin() error {
	return db.lsm.Begin()
}

func (db *DB) Commit() error {
	return db.lsm.Commit()
}

func (db *DB) Rollback() error {
	return db.lsm.Rollback()
}

// TxLevel reports the current transaction nesting depth.
func (db *DB) TxLevel() int {
	return db.lsm.TxLevel()
}

// Flush converts the in-memory tree into a sorted run.
func (db *DB) Flush() error {
	return db.lsm.Flush()
}

// Work merges sorted runs and returns the bytes written: one automerge-sized
// step, or with complete=true everything down to a single run.
func (db *DB) Work(complete bool) (int64, error) {
	return db.lsm.Work(complete)
}

// Checkpoint makes the current run set durable and trims obsolete log
// segments.
func (db *DB) Checkpoint() error {
	return db.lsm.Checkpoint()
}

// Seek positions at key per mode and returns the matched key and value.
func (db *DB) Seek(key []byte, mode SeekMode) ([]byte, []byte, error) {
	c, err := db.NewCursor()
	if err != nil {
		return nil, nil, err
	}
	defer c.Close()
	if err := c.Seek(key, mode); err != nil {
		return nil, nil, err
	}
	k, err := c.Key()
	if err != nil {
		return nil, nil, err
	}
	v, err := c.Value()
	if err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

// Count scans the database and returns the number of live keys.
func (db *DB) Count() (int, error) {
	c, err := db.NewCursor()
	if err != nil {
		return 0, err
	}
	defer c.Close()
	n := 0
	if err := c.First(); err != nil {
		return 0, err
	}
	for c.Valid() {
		n++
		if err := c.Next(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Stats is a point-in-time snapshot of engine counters: pages written and
// read, the in-memory tree charge, the last checkpoint's size, and the
// lifetime flush/merge/checkpoint counts.
type Stats struct {
	NWrite         uint64
	NRead          uint64
	TreeSize       int64
	CheckpointSize int
	Runs           int
	Seq            uint64
	Flushes        uint64
	Merges         uint64
	Checkpoints    uint64
}

// Info returns current engine counters.
func (db *DB) Info() Stats {
	s := db.lsm.Stats()
	return Stats{
		NWrite:         s.PageWrites,
		NRead:          s.PageReads,
		TreeSize:       s.TreeSize,
		CheckpointSize: s.CheckpointSize,
		Runs:           s.Runs,
		Seq:            s.Seq,
		Flushes:        s.Flushes,
		Merges:         s.Merges,
		Checkpoints:    s.Checkpoints,
	}
}
