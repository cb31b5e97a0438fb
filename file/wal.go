package file

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mosquito/golsm/utils"
)

// LogFile is one append-only write-ahead log segment. A segment holds whole
// transaction batches: each batch is a run of records closed by a commit
// marker, and rotation only happens between batches, so replay never has to
// stitch a batch across segments.
type LogFile struct {
	rw   sync.Mutex
	base string
	seg  uint64
	fd   *os.File
	buf  bytes.Buffer
	off  uint64
}

func logSegmentName(base string, seg uint64) string {
	return fmt.Sprintf("%s-log.%06d", base, seg)
}

func CreateLogFile(base string, seg uint64) (*LogFile, error) {
	name := logSegmentName(base, seg)
	fd, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open log segment %s", name)
	}
	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, err
	}
	return &LogFile{
		base: base,
		seg:  seg,
		fd:   fd,
		off:  uint64(fi.Size()),
	}, nil
}

func (w *LogFile) Seg() uint64 {
	return w.seg
}

func (w *LogFile) Size() uint64 {
	w.rw.Lock()
	defer w.rw.Unlock()
	return w.off
}

// Truncate drops everything past off, used after replay to cut a torn tail.
func (w *LogFile) Truncate(off uint64) error {
	w.rw.Lock()
	defer w.rw.Unlock()
	if err := w.fd.Truncate(int64(off)); err != nil {
		return err
	}
	w.off = off
	return nil
}

// Append writes a batch of records followed by nothing: the caller includes
// the commit marker as the final entry. Each record is staged in a buffer
// first so a crash mid-write can only produce a torn tail, never an
// interleaved one.
func (w *LogFile) Append(entries []*utils.Entry) error {
	w.rw.Lock()
	defer w.rw.Unlock()
	w.buf.Reset()
	for _, e := range entries {
		logCodec(&w.buf, e)
	}
	data := w.buf.Bytes()
	n, err := w.fd.WriteAt(data, int64(w.off))
	if err != nil {
		return errors.Wrap(err, "appending to log")
	}
	if n != len(data) {
		return errors.Errorf("short log write: %d of %d bytes", n, len(data))
	}
	w.off += uint64(n)
	return nil
}

func (w *LogFile) Sync() error {
	return unix.Fdatasync(int(w.fd.Fd()))
}

func (w *LogFile) Close() error {
	return w.fd.Close()
}

// logCodec frames one record: | meta seq klen vlen (varints) | key | value
// | crc32 |.
func logCodec(buf *bytes.Buffer, e *utils.Entry) {
	h := crc32.New(utils.CastagnoliCrcTable)
	writer := io.MultiWriter(buf, h)

	var hdr [4 * binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(e.Meta))
	n += binary.PutUvarint(hdr[n:], e.Seq)
	n += binary.PutUvarint(hdr[n:], uint64(len(e.Key)))
	n += binary.PutUvarint(hdr[n:], uint64(len(e.Value)))
	utils.Panic2(writer.Write(hdr[:n]))
	utils.Panic2(writer.Write(e.Key))
	utils.Panic2(writer.Write(e.Value))

	var crcBuf [crc32.Size]byte
	binary.BigEndian.PutUint32(crcBuf[:], h.Sum32())
	utils.Panic2(buf.Write(crcBuf[:]))
}

// readLogEntry decodes one record, returning ErrTruncate for any torn or
// corrupt tail so the caller can cut the log at the last commit boundary.
func readLogEntry(reader io.Reader) (*utils.Entry, int, error) {
	hr := utils.NewHashReader(reader)
	meta, err := binary.ReadUvarint(hr)
	if err != nil {
		return nil, 0, err
	}
	seq, err := binary.ReadUvarint(hr)
	if err != nil {
		return nil, 0, eofAsTruncate(err)
	}
	klen, err := binary.ReadUvarint(hr)
	if err != nil {
		return nil, 0, eofAsTruncate(err)
	}
	vlen, err := binary.ReadUvarint(hr)
	if err != nil {
		return nil, 0, eofAsTruncate(err)
	}

	buf := make([]byte, klen+vlen)
	if _, err := io.ReadFull(hr, buf); err != nil {
		return nil, 0, eofAsTruncate(err)
	}
	e := &utils.Entry{
		Meta:  byte(meta),
		Seq:   seq,
		Key:   buf[:klen],
		Value: buf[klen:],
	}

	var crcBuf [crc32.Size]byte
	if _, err := io.ReadFull(reader, crcBuf[:]); err != nil {
		return nil, 0, eofAsTruncate(err)
	}
	if binary.BigEndian.Uint32(crcBuf[:]) != hr.Sum32() {
		return nil, 0, utils.ErrTruncate
	}
	return e, hr.BytesRead + crc32.Size, nil
}

func eofAsTruncate(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return utils.ErrTruncate
	}
	return err
}

// ListLogSegments returns the segment ids present for base, ascending.
func ListLogSegments(base string) ([]uint64, error) {
	matches, err := filepath.Glob(base + "-log.*")
	if err != nil {
		return nil, err
	}
	segs := make([]uint64, 0, len(matches))
	for _, m := range matches {
		idx := strings.LastIndex(m, ".")
		id, err := strconv.ParseUint(m[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, id)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// ReplayLogs feeds every committed batch at or after (fromSeg, fromOff) to
// apply, in commit order. A batch whose commit marker never made it to disk
// is discarded. Unless readonly, a torn tail is truncated to the last valid
// commit boundary; segments after a torn one are removed as post-crash
// garbage. It returns the position after the last committed record and the
// highest sequence number seen.
func ReplayLogs(base string, fromSeg, fromOff uint64, readonly bool,
	apply func(batch []*utils.Entry) error) (seg, off, maxSeq uint64, err error) {

	segs, err := ListLogSegments(base)
	if err != nil {
		return 0, 0, 0, err
	}
	seg, off = fromSeg, fromOff

	torn := false
	for _, id := range segs {
		if id < fromSeg {
			continue
		}
		if torn {
			if !readonly {
				_ = os.Remove(logSegmentName(base, id))
			}
			continue
		}
		start := uint64(0)
		if id == fromSeg {
			start = fromOff
		}
		validEnd, hiSeq, segTorn, rerr := replaySegment(base, id, start, apply)
		if rerr != nil {
			return 0, 0, 0, rerr
		}
		if hiSeq > maxSeq {
			maxSeq = hiSeq
		}
		seg, off = id, validEnd
		if segTorn {
			torn = true
			if !readonly {
				lf, err := CreateLogFile(base, id)
				if err != nil {
					return 0, 0, 0, err
				}
				if err := lf.Truncate(validEnd); err != nil {
					lf.Close()
					return 0, 0, 0, err
				}
				if err := lf.Close(); err != nil {
					return 0, 0, 0, err
				}
			}
		}
	}
	return seg, off, maxSeq, nil
}

func replaySegment(base string, id, start uint64,
	apply func(batch []*utils.Entry) error) (validEnd, maxSeq uint64, torn bool, err error) {

	fd, err := os.Open(logSegmentName(base, id))
	if err != nil {
		return 0, 0, false, errors.Wrapf(err, "opening log segment %d", id)
	}
	defer fd.Close()
	if _, err := fd.Seek(int64(start), io.SeekStart); err != nil {
		return 0, 0, false, err
	}

	reader := bufio.NewReader(fd)
	pos := start
	validEnd = start
	var pending []*utils.Entry
	var batchMax uint64

	for {
		e, n, rerr := readLogEntry(reader)
		switch {
		case rerr == io.EOF:
			// A clean end with a pending batch means the commit marker is
			// missing; the batch is discarded.
			return validEnd, maxSeq, len(pending) > 0, nil
		case rerr == utils.ErrTruncate:
			return validEnd, maxSeq, true, nil
		case rerr != nil:
			return 0, 0, false, rerr
		}
		pos += uint64(n)
		if e.Seq > batchMax {
			batchMax = e.Seq
		}
		if e.IsCommit() {
			if err := apply(pending); err != nil {
				return 0, 0, false, errors.WithMessage(err, "replaying log batch")
			}
			// Only committed batches advance the sequence counter. A discarded
			// tail must not leave its seqs adopted by recovery.
			if batchMax > maxSeq {
				maxSeq = batchMax
			}
			pending = pending[:0]
			validEnd = pos
			continue
		}
		pending = append(pending, e)
	}
}

// RemoveObsoleteLogs deletes segments wholly covered by a durable
// checkpoint.
func RemoveObsoleteLogs(base string, beforeSeg uint64) error {
	segs, err := ListLogSegments(base)
	if err != nil {
		return err
	}
	for _, id := range segs {
		if id >= beforeSeg {
			break
		}
		if err := os.Remove(logSegmentName(base, id)); err != nil {
			return err
		}
	}
	return nil
}
