package lsm

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mosquito/golsm/file"
	"github.com/mosquito/golsm/utils"
)

// Safety controls how aggressively the engine calls fsync.
type Safety int

const (
	// SafetyOff never syncs; a crash may lose or corrupt recent data.
	SafetyOff Safety = iota
	// SafetyNormal syncs at flush and checkpoint boundaries.
	SafetyNormal
	// SafetyFull additionally syncs the log on every commit.
	SafetyFull
)

// Options configure one engine instance. The root package fills in defaults
// and validates ranges before constructing the engine.
type Options struct {
	Path     string
	ReadOnly bool

	PageSize  int
	BlockSize int // KB, bounds log segment size

	AutoFlush      int64 // bytes of tree before an automatic flush
	AutoCheckpoint int64 // bytes written since the last checkpoint
	AutoMerge      int   // run count that triggers an automatic merge
	AutoWork       bool

	Compression   file.CompressionType
	CompressLevel int

	Safety            Safety
	UseLog            bool
	MultipleProcesses bool
	LockTimeout       time.Duration

	Comparator         utils.Comparator
	BloomFalsePositive float64
	CacheSize          int

	// MaintenanceInterval starts a background goroutine merging runs on a
	// timer. Zero keeps all maintenance cooperative inside write calls.
	MaintenanceInterval time.Duration

	Logger *zap.Logger
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	PageReads      uint64
	PageWrites     uint64
	TreeSize       int64
	CheckpointSize int
	Runs           int
	Seq            uint64
	Flushes        uint64
	Merges         uint64
	Checkpoints    uint64
}

// LSM is the engine core: a memtable over a write-ahead log, a set of
// immutable sorted runs inside one paged file, and a checkpoint that ties
// them together.
//
// Lock order: txnMu -> writeMu -> cpMu -> runsMu. writeMu serializes every
// state mutation (commit, flush, merge swap, checkpoint capture); runsMu
// additionally protects the run set and memtable pointers for lock-free
// readers.
type LSM struct {
	opt *Options
	cmp utils.Comparator
	lg  *zap.Logger

	pager *file.Pager
	flock *file.FileLock
	cache *blockCache

	writeMu sync.Mutex
	cpMu    sync.Mutex

	runsMu sync.RWMutex
	mem    *memTable
	runs   []*run // newest first

	log      *file.LogFile
	flushSeg uint64
	flushOff uint64

	seq       uint64 // atomic; last assigned sequence number
	nextRunID uint64

	cpID        uint64
	cpSlot      int
	cpBodyPages []uint64
	cpSize      int64 // atomic; read by Stats without the checkpoint lock
	sinceCp     int64

	txnMu sync.RWMutex
	txns  []*writeBatch

	snapMu sync.Mutex
	snaps  map[uint64]int

	closer *utils.Closer
	closed bool

	flushes     uint64
	merges      uint64
	checkpoints uint64
}

// NewLSM opens or creates the database at opt.Path.
func NewLSM(opt *Options) (*LSM, error) {
	lg := opt.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	cmp := opt.Comparator
	if cmp == nil {
		cmp = utils.DefaultComparator
	}
	l := &LSM{
		opt:   opt,
		cmp:   cmp,
		lg:    lg,
		cache: newBlockCache(opt.CacheSize),
		snaps: make(map[uint64]int),
	}

	if opt.MultipleProcesses {
		fl, err := file.AcquireFileLock(opt.Path+".lock", !opt.ReadOnly, opt.LockTimeout)
		if err != nil {
			return nil, err
		}
		l.flock = fl
	}
	if err := l.openPager(); err != nil {
		l.releaseLock()
		return nil, err
	}
	if err := l.recover(); err != nil {
		l.pager.Close()
		l.releaseLock()
		return nil, err
	}

	if opt.MaintenanceInterval > 0 && !opt.ReadOnly {
		l.closer = utils.NewCloser()
		l.closer.Add(1)
		go l.maintenanceLoop()
	}
	lg.Info("database opened",
		zap.String("path", opt.Path),
		zap.Uint64("seq", atomic.LoadUint64(&l.seq)),
		zap.Int("runs", len(l.runs)),
		zap.Bool("readonly", opt.ReadOnly))
	return l, nil
}

func (l *LSM) openPager() error {
	if _, err := os.Stat(l.opt.Path); err == nil {
		p, err := file.OpenPager(l.opt.Path, l.opt.ReadOnly)
		if err != nil {
			return err
		}
		l.pager = p
		return nil
	}
	if l.opt.ReadOnly {
		return errors.Wrapf(utils.ErrReadOnly, "cannot create %s", l.opt.Path)
	}
	p, err := file.CreatePager(l.opt.Path, file.Header{
		PageSize:      l.opt.PageSize,
		BlockSize:     l.opt.BlockSize,
		Compression:   l.opt.Compression,
		CompressLevel: l.opt.CompressLevel,
	})
	if err != nil {
		return err
	}
	l.pager = p
	return nil
}

// recover rebuilds the in-memory state: newest valid checkpoint, run set,
// free-page reconciliation, then log replay into a fresh memtable.
func (l *LSM) recover() error {
	l.mem = newMemTable(l.cmp)

	cp, slot, bodyPages, err := file.LoadCheckpoint(l.pager)
	if err != nil {
		return errors.WithMessage(err, "loading checkpoint")
	}
	if cp != nil {
		l.cpID, l.cpSlot, l.cpBodyPages = cp.ID, slot, bodyPages
		atomic.StoreInt64(&l.cpSize, int64(cp.EncodedSize()))
		atomic.StoreUint64(&l.seq, cp.Seq)
		l.nextRunID = cp.NextRunID
		l.flushSeg, l.flushOff = cp.LogSeg, cp.LogOff
		l.pager.SetFreeList(cp.FreePages)
		for _, meta := range cp.Runs {
			r, rerr := openRun(l.pager, l.cache, l.cmp, meta)
			if rerr != nil {
				return rerr
			}
			l.runs = append(l.runs, r)
		}
	}
	if l.nextRunID == 0 {
		l.nextRunID = 1
	}

	if !l.opt.ReadOnly {
		l.reconcileFreePages(cp)
	}

	if l.opt.UseLog {
		seg, off, maxSeq, rerr := file.ReplayLogs(l.opt.Path, l.flushSeg, l.flushOff,
			l.opt.ReadOnly, func(batch []*utils.Entry) error {
				for _, e := range batch {
					l.mem.add(e)
				}
				return nil
			})
		if rerr != nil {
			return errors.WithMessage(rerr, "replaying log")
		}
		if maxSeq > atomic.LoadUint64(&l.seq) {
			atomic.StoreUint64(&l.seq, maxSeq)
		}
		if !l.mem.empty() {
			l.lg.Info("replayed log into tree",
				zap.Uint64("segment", seg), zap.Uint64("offset", off))
		}
		if !l.opt.ReadOnly {
			lf, lerr := file.CreateLogFile(l.opt.Path, seg)
			if lerr != nil {
				return lerr
			}
			l.log = lf
		}
	}
	return nil
}

// reconcileFreePages returns pages leaked by a crash (allocated but
// unreachable from the loaded checkpoint) to the free list.
func (l *LSM) reconcileFreePages(cp *file.Checkpoint) {
	reachable := map[uint64]bool{
		file.HeaderPage: true,
		file.SlotPageA:  true,
		file.SlotPageB:  true,
	}
	for _, pg := range l.cpBodyPages {
		reachable[pg] = true
	}
	for _, r := range l.runs {
		for _, pg := range r.indexPages {
			reachable[pg] = true
		}
		for _, pg := range r.dataPages() {
			reachable[pg] = true
		}
	}
	if cp != nil {
		for _, pg := range cp.FreePages {
			reachable[pg] = true
		}
	}
	var leaked []uint64
	for pg := uint64(0); pg < l.pager.NumPages(); pg++ {
		if !reachable[pg] {
			leaked = append(leaked, pg)
		}
	}
	if len(leaked) > 0 {
		l.lg.Warn("reclaimed leaked pages", zap.Int("count", len(leaked)))
		for _, pg := range leaked {
			l.pager.Free(pg)
		}
	}
}

func (l *LSM) releaseLock() {
	if l.flock != nil {
		_ = l.flock.Release()
		l.flock = nil
	}
}

func (l *LSM) maintenanceLoop() {
	defer l.closer.Done()
	ticker := time.NewTicker(l.opt.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.closer.CloseSignal:
			return
		case <-ticker.C:
			if _, err := l.Work(false); err != nil && !errors.Is(err, utils.ErrClosed) {
				l.lg.Warn("background merge failed", zap.Error(err))
			}
		}
	}
}

func (l *LSM) isClosed() bool {
	l.runsMu.RLock()
	defer l.runsMu.RUnlock()
	return l.closed
}

// Set writes key/value, either into the open transaction or as an
// autocommitted single-record batch.
func (l *LSM) Set(key, value []byte) error {
	if err := l.checkWritable(key); err != nil {
		return err
	}
	if sz := len(key) + len(value) + 32; sz > l.pager.PayloadCap() {
		return errors.Wrapf(utils.ErrTooLarge, "record of %d bytes with page size %d",
			sz, l.opt.PageSize)
	}
	return l.applyOp(func(b *writeBatch) {
		b.set(key, value)
	})
}

// Delete writes a point tombstone for key.
func (l *LSM) Delete(key []byte) error {
	if err := l.checkWritable(key); err != nil {
		return err
	}
	return l.applyOp(func(b *writeBatch) {
		b.delete(key)
	})
}

// DeleteRange hides every key in [lo, hi).
func (l *LSM) DeleteRange(lo, hi []byte) error {
	if err := l.checkWritable(lo); err != nil {
		return err
	}
	if len(hi) == 0 {
		return errors.Wrap(utils.ErrEmptyKey, "delete range upper bound")
	}
	if l.cmp(lo, hi) >= 0 {
		return nil // empty range
	}
	if sz := len(lo) + len(hi) + 32; sz > l.pager.PayloadCap() {
		return errors.Wrapf(utils.ErrTooLarge, "range bounds of %d bytes", sz)
	}
	return l.applyOp(func(b *writeBatch) {
		b.deleteRange(lo, hi)
	})
}

func (l *LSM) checkWritable(key []byte) error {
	if l.isClosed() {
		return utils.ErrClosed
	}
	if l.opt.ReadOnly {
		return utils.ErrReadOnly
	}
	if len(key) == 0 {
		return utils.ErrEmptyKey
	}
	return nil
}

// applyOp routes a mutation into the innermost transaction batch, or commits
// it immediately when no transaction is open.
func (l *LSM) applyOp(op func(*writeBatch)) error {
	l.txnMu.Lock()
	if n := len(l.txns); n > 0 {
		op(l.txns[n-1])
		l.txnMu.Unlock()
		return nil
	}
	l.txnMu.Unlock()

	b := newWriteBatch(l.cmp)
	op(b)
	return l.commitBatch(b)
}

// commitBatch assigns sequence numbers, writes the batch plus commit marker
// to the log and applies it to the tree. Tombstones are sequenced before
// point writes so a delete_range never hides writes from its own batch.
func (l *LSM) commitBatch(b *writeBatch) error {
	if b.empty() {
		return nil
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.isClosed() {
		return utils.ErrClosed
	}

	seq := atomic.LoadUint64(&l.seq)
	records := make([]*utils.Entry, 0, len(b.entries)+len(b.tombstones)+1)
	for _, t := range b.tombstones {
		seq++
		records = append(records, &utils.Entry{
			Key:   t.Lo,
			Value: t.Hi,
			Meta:  utils.BitRangeDelete,
			Seq:   seq,
		})
	}
	for _, e := range b.sortedEntries() {
		seq++
		records = append(records, &utils.Entry{
			Key:   e.Key,
			Value: e.Value,
			Meta:  e.Meta,
			Seq:   seq,
		})
	}

	if l.log != nil {
		withCommit := append(records, &utils.Entry{Meta: utils.BitCommit, Seq: seq})
		if err := l.log.Append(withCommit); err != nil {
			return err
		}
		if l.opt.Safety == SafetyFull {
			if err := l.log.Sync(); err != nil {
				return err
			}
		}
	}
	for _, e := range records {
		l.mem.add(e)
	}
	atomic.StoreUint64(&l.seq, seq)
	return l.maintainLocked()
}

// Begin opens a transaction level.
func (l *LSM) Begin() error {
	if l.isClosed() {
		return utils.ErrClosed
	}
	if l.opt.ReadOnly {
		return utils.ErrReadOnly
	}
	l.txnMu.Lock()
	defer l.txnMu.Unlock()
	l.txns = append(l.txns, newWriteBatch(l.cmp))
	return nil
}

// Commit closes the innermost level: into its parent when nested, into the
// tree when outermost.
func (l *LSM) Commit() error {
	if l.isClosed() {
		return utils.ErrClosed
	}
	l.txnMu.Lock()
	n := len(l.txns)
	if n == 0 {
		l.txnMu.Unlock()
		return utils.ErrNoTransaction
	}
	child := l.txns[n-1]
	l.txns = l.txns[:n-1]
	if n > 1 {
		child.mergeInto(l.txns[n-2])
		l.txnMu.Unlock()
		return nil
	}
	l.txnMu.Unlock()
	return l.commitBatch(child)
}

// Rollback discards the innermost level.
func (l *LSM) Rollback() error {
	if l.isClosed() {
		return utils.ErrClosed
	}
	l.txnMu.Lock()
	defer l.txnMu.Unlock()
	n := len(l.txns)
	if n == 0 {
		return utils.ErrNoTransaction
	}
	l.txns = l.txns[:n-1]
	return nil
}

// TxLevel reports the current transaction nesting depth.
func (l *LSM) TxLevel() int {
	l.txnMu.RLock()
	defer l.txnMu.RUnlock()
	return len(l.txns)
}

// Get returns the value of key at the current sequence, consulting open
// transaction levels innermost first.
func (l *LSM) Get(key []byte) ([]byte, error) {
	if l.isClosed() {
		return nil, utils.ErrClosed
	}
	if len(key) == 0 {
		return nil, utils.ErrEmptyKey
	}

	// Transaction levels answer innermost first; a level reports coverage by
	// its own range tombstones itself, so a miss at every level means no
	// uncommitted state affects the key.
	l.txnMu.RLock()
	for i := len(l.txns) - 1; i >= 0; i-- {
		if e, ok := l.txns[i].get(key); ok {
			l.txnMu.RUnlock()
			if e == nil || e.IsDeleted() {
				return nil, utils.ErrKeyNotFound
			}
			return append([]byte{}, e.Value...), nil
		}
	}
	l.txnMu.RUnlock()

	l.runsMu.RLock()
	if l.closed {
		l.runsMu.RUnlock()
		return nil, utils.ErrClosed
	}
	snap := atomic.LoadUint64(&l.seq)
	mem := l.mem
	runs := append([]*run{}, l.runs...)
	for _, r := range runs {
		r.IncrRef()
	}
	l.runsMu.RUnlock()
	defer func() {
		for _, r := range runs {
			r.DecrRef()
		}
	}()

	tombs := collectTombstones(mem, runs, snap, nil)
	e, err := getAt(mem, runs, key, snap)
	if err != nil {
		return nil, err
	}
	if e == nil || e.IsDeleted() {
		return nil, utils.ErrKeyNotFound
	}
	if utils.RangeDeleted(tombs, l.cmp, key, e.Seq, utils.MaxSeq) {
		return nil, utils.ErrKeyNotFound
	}
	return append([]byte{}, e.Value...), nil
}

// getAt finds the newest version of key with Seq <= snap across the memtable
// and runs. Runs hold disjoint, descending sequence epochs, so the first hit
// wins.
func getAt(mem *memTable, runs []*run, key []byte, snap uint64) (*utils.Entry, error) {
	if e := mem.search(key, snap); e != nil {
		return e, nil
	}
	for _, r := range runs {
		e, err := r.search(key, snap)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
	}
	return nil, nil
}

// collectTombstones gathers every range tombstone visible at snap plus the
// uncommitted extras. Callers then evaluate coverage with an unbounded
// snapshot since the filtering already happened here.
func collectTombstones(mem *memTable, runs []*run, snap uint64, extra []utils.RangeTombstone) []utils.RangeTombstone {
	var out []utils.RangeTombstone
	for _, t := range mem.rangeTombstones() {
		if t.Seq <= snap {
			out = append(out, t)
		}
	}
	for _, r := range runs {
		for _, t := range r.rangeTombstones() {
			if t.Seq <= snap {
				out = append(out, t)
			}
		}
	}
	return append(out, extra...)
}

// View is a consistent read snapshot: a sequence bound, the memtable and run
// set pinned at open, and the open transaction overlay of the handle.
type View struct {
	l    *LSM
	seq  uint64
	mem  *memTable
	runs []*run

	overlay []*utils.Entry
	tombs   []utils.RangeTombstone

	closed bool
}

// NewView pins the current state for iteration. The caller must Close it.
func (l *LSM) NewView() (*View, error) {
	if l.isClosed() {
		return nil, utils.ErrClosed
	}
	var overlay []*utils.Entry
	var extra []utils.RangeTombstone
	l.txnMu.RLock()
	if len(l.txns) > 0 {
		overlay, extra = flattenBatches(l.cmp, l.txns)
	}
	l.txnMu.RUnlock()

	l.runsMu.RLock()
	if l.closed {
		l.runsMu.RUnlock()
		return nil, utils.ErrClosed
	}
	v := &View{
		l:       l,
		seq:     atomic.LoadUint64(&l.seq),
		mem:     l.mem,
		runs:    append([]*run{}, l.runs...),
		overlay: overlay,
	}
	for _, r := range v.runs {
		r.IncrRef()
	}
	l.runsMu.RUnlock()

	v.tombs = collectTombstones(v.mem, v.runs, v.seq, extra)
	l.acquireSnapshot(v.seq)
	return v, nil
}

// Iterator returns a cursor over the view in the given direction.
func (v *View) Iterator(reverse bool) utils.Iterator {
	opt := &utils.Options{Reverse: reverse}
	iters := make([]utils.Iterator, 0, len(v.runs)+2)
	if len(v.overlay) > 0 {
		iters = append(iters, newBatchIterator(v.l.cmp, v.overlay, reverse))
	}
	iters = append(iters, v.mem.newIterator(opt))
	for _, r := range v.runs {
		iters = append(iters, r.newIterator(opt))
	}
	merged := newMergeIterator(v.l.cmp, iters, reverse)
	return newViewIterator(merged, v.l.cmp, v.seq, v.tombs, reverse)
}

// Get resolves key within the view, overlay included.
func (v *View) Get(key []byte) ([]byte, error) {
	if e := overlaySearch(v.l.cmp, v.overlay, key); e != nil {
		if e.IsDeleted() {
			return nil, utils.ErrKeyNotFound
		}
		return append([]byte{}, e.Value...), nil
	}
	e, err := getAt(v.mem, v.runs, key, v.seq)
	if err != nil {
		return nil, err
	}
	if e == nil || e.IsDeleted() {
		return nil, utils.ErrKeyNotFound
	}
	if utils.RangeDeleted(v.tombs, v.l.cmp, key, e.Seq, utils.MaxSeq) {
		return nil, utils.ErrKeyNotFound
	}
	return append([]byte{}, e.Value...), nil
}

func (v *View) Seq() uint64 {
	return v.seq
}

func (v *View) Close() {
	if v.closed {
		return
	}
	v.closed = true
	for _, r := range v.runs {
		r.DecrRef()
	}
	v.l.releaseSnapshot(v.seq)
}

func overlaySearch(cmp utils.Comparator, overlay []*utils.Entry, key []byte) *utils.Entry {
	lo, hi := 0, len(overlay)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(overlay[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(overlay) && cmp(overlay[lo].Key, key) == 0 {
		return overlay[lo]
	}
	return nil
}

func (l *LSM) acquireSnapshot(seq uint64) {
	l.snapMu.Lock()
	l.snaps[seq]++
	l.snapMu.Unlock()
}

func (l *LSM) releaseSnapshot(seq uint64) {
	l.snapMu.Lock()
	if l.snaps[seq]--; l.snaps[seq] <= 0 {
		delete(l.snaps, seq)
	}
	l.snapMu.Unlock()
}

// minActiveSnapshot returns the oldest sequence any open view still needs,
// or MaxSeq when no views are open.
func (l *LSM) minActiveSnapshot() uint64 {
	l.snapMu.Lock()
	defer l.snapMu.Unlock()
	min := utils.MaxSeq
	for seq := range l.snaps {
		if seq < min {
			min = seq
		}
	}
	return min
}

// Flush converts the memtable into a new run.
func (l *LSM) Flush() error {
	if l.isClosed() {
		return utils.ErrClosed
	}
	if l.opt.ReadOnly {
		return utils.ErrReadOnly
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.flushLocked()
}

func (l *LSM) flushLocked() error {
	if l.mem.empty() {
		return nil
	}
	b := newRunBuilder(l.pager, l.cmp, l.nextRunID, l.opt.BloomFalsePositive)
	it := l.mem.newIterator(nil)
	for it.Rewind(); it.Valid(); it.Next() {
		if err := b.add(it.Item().Entry()); err != nil {
			b.abort()
			return err
		}
	}
	for _, t := range l.mem.rangeTombstones() {
		b.addTombstone(t)
	}
	r, err := b.finish(l.cache)
	if err != nil {
		b.abort()
		return err
	}

	if l.log != nil {
		if l.opt.Safety != SafetyOff {
			if err := l.log.Sync(); err != nil {
				r.DecrRef()
				return err
			}
		}
		next, lerr := file.CreateLogFile(l.opt.Path, l.log.Seg()+1)
		if lerr != nil {
			r.DecrRef()
			return lerr
		}
		old := l.log
		l.log = next
		_ = old.Close()
		l.flushSeg, l.flushOff = next.Seg(), 0
	}

	l.nextRunID++
	l.runsMu.Lock()
	l.runs = append([]*run{r}, l.runs...)
	l.mem = newMemTable(l.cmp)
	l.runsMu.Unlock()

	l.sinceCp += b.bytesWritten()
	atomic.AddUint64(&l.flushes, 1)
	l.lg.Debug("flushed tree to run",
		zap.Uint64("run", r.idx.id),
		zap.Uint64("records", r.idx.count),
		zap.Int64("bytes", b.bytesWritten()))
	return nil
}

// Checkpoint makes the current run set and log position durable.
func (l *LSM) Checkpoint() error {
	if l.isClosed() {
		return utils.ErrClosed
	}
	if l.opt.ReadOnly {
		return utils.ErrReadOnly
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.checkpointLocked()
}

func (l *LSM) checkpointLocked() error {
	l.cpMu.Lock()
	defer l.cpMu.Unlock()

	if l.log != nil && l.opt.Safety != SafetyOff {
		if err := l.log.Sync(); err != nil {
			return err
		}
	}

	l.runsMu.RLock()
	metas := make([]file.RunMeta, 0, len(l.runs))
	for _, r := range l.runs {
		metas = append(metas, r.meta())
	}
	l.runsMu.RUnlock()

	cp := &file.Checkpoint{
		ID:        l.cpID + 1,
		Seq:       atomic.LoadUint64(&l.seq),
		NextRunID: l.nextRunID,
		LogSeg:    l.flushSeg,
		LogOff:    l.flushOff,
		Runs:      metas,
		FreePages: l.pager.FreeList(),
	}
	slot := 1 - l.cpSlot
	bodyPages, size, err := file.WriteCheckpoint(l.pager, cp, slot, l.opt.Safety != SafetyOff)
	if err != nil {
		return errors.WithMessage(err, "writing checkpoint")
	}
	// The previous checkpoint is superseded; its body pages and every page
	// queued since become reusable.
	l.pager.FreePending(l.cpBodyPages)
	l.pager.ReleasePending()

	l.cpID, l.cpSlot, l.cpBodyPages = cp.ID, slot, bodyPages
	atomic.StoreInt64(&l.cpSize, int64(size))
	l.sinceCp = 0
	atomic.AddUint64(&l.checkpoints, 1)

	if l.log != nil {
		if err := file.RemoveObsoleteLogs(l.opt.Path, l.flushSeg); err != nil {
			l.lg.Warn("removing obsolete log segments", zap.Error(err))
		}
	}
	l.lg.Debug("checkpoint written",
		zap.Uint64("id", cp.ID),
		zap.Int("runs", len(metas)),
		zap.Int("bytes", size))
	return nil
}

// maintainLocked runs the cooperative maintenance policy after a commit:
// autoflush, automatic merging, log segment rotation and autocheckpoint.
func (l *LSM) maintainLocked() error {
	if l.opt.AutoFlush > 0 && l.mem.size() >= l.opt.AutoFlush {
		if err := l.flushLocked(); err != nil {
			return err
		}
	}
	if l.opt.AutoWork && l.opt.AutoMerge >= 2 && l.runCount() > l.opt.AutoMerge {
		if _, err := l.mergeOldestLocked(l.opt.AutoMerge); err != nil {
			return err
		}
	}
	if l.log != nil && l.log.Size() > uint64(l.opt.BlockSize)*1024 {
		// Segment cap reached mid-epoch; the replay position is unchanged.
		next, err := file.CreateLogFile(l.opt.Path, l.log.Seg()+1)
		if err != nil {
			return err
		}
		old := l.log
		l.log = next
		_ = old.Close()
	}
	if l.opt.AutoCheckpoint > 0 && l.sinceCp >= l.opt.AutoCheckpoint {
		if err := l.checkpointLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (l *LSM) runCount() int {
	l.runsMu.RLock()
	defer l.runsMu.RUnlock()
	return len(l.runs)
}

// TreeSize reports the byte charge of the in-memory tree.
func (l *LSM) TreeSize() int64 {
	l.runsMu.RLock()
	mem := l.mem
	l.runsMu.RUnlock()
	return mem.size()
}

func (l *LSM) Stats() Stats {
	reads, writes := l.pager.IOStats()
	l.runsMu.RLock()
	runs := len(l.runs)
	mem := l.mem
	l.runsMu.RUnlock()
	return Stats{
		PageReads:      reads,
		PageWrites:     writes,
		TreeSize:       mem.size(),
		CheckpointSize: int(atomic.LoadInt64(&l.cpSize)),
		Runs:           runs,
		Seq:            atomic.LoadUint64(&l.seq),
		Flushes:        atomic.LoadUint64(&l.flushes),
		Merges:         atomic.LoadUint64(&l.merges),
		Checkpoints:    atomic.LoadUint64(&l.checkpoints),
	}
}

// Close flushes, checkpoints and releases every resource. Open transactions
// are rolled back.
func (l *LSM) Close() error {
	if l.closer != nil {
		l.closer.Close()
	}

	l.txnMu.Lock()
	l.txns = nil
	l.txnMu.Unlock()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.isClosed() {
		return utils.ErrClosed
	}

	var firstErr error
	if !l.opt.ReadOnly {
		if err := l.flushLocked(); err != nil {
			firstErr = err
		}
		if err := l.checkpointLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	l.runsMu.Lock()
	l.closed = true
	runs := l.runs
	l.runs = nil
	l.runsMu.Unlock()
	for _, r := range runs {
		r.DecrRef()
	}

	if l.log != nil {
		if err := l.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.log = nil
	}
	if err := l.pager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	l.releaseLock()
	l.lg.Info("database closed", zap.String("path", l.opt.Path))
	return firstErr
}
