package file

import (
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/mosquito/golsm/utils"
)

// RunMeta locates one sorted run inside a checkpoint: its index page chain
// plus the bounds needed to order runs during recovery.
type RunMeta struct {
	ID         uint64
	SeqLo      uint64
	SeqHi      uint64
	Count      uint64
	IndexPages []uint64
}

// Checkpoint is the durable snapshot of engine metadata: the live run set,
// the free-page list and the log replay position. Loading the newest valid
// checkpoint plus replaying the log from its position reconstructs the
// database without scanning run data.
type Checkpoint struct {
	ID        uint64
	Seq       uint64
	NextRunID uint64
	LogSeg    uint64
	LogOff    uint64
	// Runs are ordered newest first, matching the in-memory run set.
	Runs      []RunMeta
	FreePages []uint64
}

// EncodedSize reports the byte length of the checkpoint body as written.
func (c *Checkpoint) EncodedSize() int {
	return len(c.encode())
}

func (c *Checkpoint) encode() []byte {
	e := &utils.EncodeBuf{}
	e.Uvarint(c.ID)
	e.Uvarint(c.Seq)
	e.Uvarint(c.NextRunID)
	e.Uvarint(c.LogSeg)
	e.Uvarint(c.LogOff)
	e.Uvarint(uint64(len(c.Runs)))
	for _, r := range c.Runs {
		e.Uvarint(r.ID)
		e.Uvarint(r.SeqLo)
		e.Uvarint(r.SeqHi)
		e.Uvarint(r.Count)
		e.Uvarint(uint64(len(r.IndexPages)))
		for _, pg := range r.IndexPages {
			e.Uvarint(pg)
		}
	}
	e.Uvarint(uint64(len(c.FreePages)))
	for _, pg := range c.FreePages {
		e.Uvarint(pg)
	}
	return e.B
}

func decodeCheckpoint(b []byte) (*Checkpoint, error) {
	d := &utils.DecodeBuf{B: b}
	c := &Checkpoint{
		ID:        d.Uvarint(),
		Seq:       d.Uvarint(),
		NextRunID: d.Uvarint(),
		LogSeg:    d.Uvarint(),
		LogOff:    d.Uvarint(),
	}
	nruns := d.Uvarint()
	for i := uint64(0); i < nruns && d.Err() == nil; i++ {
		r := RunMeta{
			ID:    d.Uvarint(),
			SeqLo: d.Uvarint(),
			SeqHi: d.Uvarint(),
			Count: d.Uvarint(),
		}
		npages := d.Uvarint()
		for j := uint64(0); j < npages && d.Err() == nil; j++ {
			r.IndexPages = append(r.IndexPages, d.Uvarint())
		}
		c.Runs = append(c.Runs, r)
	}
	nfree := d.Uvarint()
	for i := uint64(0); i < nfree && d.Err() == nil; i++ {
		c.FreePages = append(c.FreePages, d.Uvarint())
	}
	if err := d.Err(); err != nil {
		return nil, errors.Wrap(utils.ErrChecksumMismatch, "checkpoint body")
	}
	return c, nil
}

// Slot record: | id | first body page | body length | body crc |. The two
// slots live at fixed pages and alternate; recovery picks the highest id
// whose body verifies.
type slotRecord struct {
	id        uint64
	firstPage uint64
	bodyLen   uint64
	bodyCrc   uint32
}

func (s *slotRecord) encode() []byte {
	e := &utils.EncodeBuf{}
	e.Uvarint(s.id)
	e.Uvarint(s.firstPage)
	e.Uvarint(s.bodyLen)
	e.Uvarint(uint64(s.bodyCrc))
	return e.B
}

func decodeSlot(b []byte) (*slotRecord, error) {
	if len(b) == 0 {
		return nil, nil // never written
	}
	d := &utils.DecodeBuf{B: b}
	s := &slotRecord{
		id:        d.Uvarint(),
		firstPage: d.Uvarint(),
		bodyLen:   d.Uvarint(),
	}
	s.bodyCrc = uint32(d.Uvarint())
	if err := d.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func excludePages(list, drop []uint64) ([]uint64, bool) {
	m := make(map[uint64]bool, len(drop))
	for _, pg := range drop {
		m[pg] = true
	}
	out := make([]uint64, 0, len(list))
	for _, pg := range list {
		if !m[pg] {
			out = append(out, pg)
		}
	}
	return out, len(out) != len(list)
}

func slotPage(slot int) uint64 {
	if slot == 0 {
		return SlotPageA
	}
	return SlotPageB
}

// WriteCheckpoint makes a checkpoint durable: the body goes to freshly
// allocated pages chained by a leading next-pointer, everything is synced,
// and only then is the pointer slot overwritten in a single page write. A
// crash at any point leaves the previous checkpoint intact. It returns the
// body pages so the caller can queue the previous body for reclamation.
func WriteCheckpoint(p *Pager, c *Checkpoint, slot int, sync bool) (bodyPages []uint64, size int, err error) {
	chunkCap := p.PayloadCap() - 8 // leading next-page pointer

	body := c.encode()
	n := (len(body) + chunkCap - 1) / chunkCap
	bodyPages = make([]uint64, n)
	for i := range bodyPages {
		bodyPages[i] = p.Allocate()
	}
	// The body pages may have just come off the free list. A checkpoint must
	// not list its own body as free: after recovery those pages could be
	// reused for data, destroying the slot a later fallback depends on.
	if filtered, changed := excludePages(c.FreePages, bodyPages); changed {
		c.FreePages = filtered
		body = c.encode()
		for len(bodyPages) > 1 && (len(bodyPages)-1)*chunkCap >= len(body) {
			spare := bodyPages[len(bodyPages)-1]
			bodyPages = bodyPages[:len(bodyPages)-1]
			p.Free(spare)
		}
	}
	size = len(body)

	for i := range bodyPages {
		next := uint64(0)
		if i+1 < len(bodyPages) {
			next = bodyPages[i+1]
		}
		end := (i + 1) * chunkCap
		if end > len(body) {
			end = len(body)
		}
		payload := append(utils.U64ToBytes(next), body[i*chunkCap:end]...)
		if err := p.WriteMetaPage(bodyPages[i], payload); err != nil {
			return nil, 0, err
		}
	}
	if sync {
		if err := p.Sync(); err != nil {
			return nil, 0, err
		}
	}

	rec := &slotRecord{
		id:        c.ID,
		firstPage: bodyPages[0],
		bodyLen:   uint64(len(body)),
		bodyCrc:   crc32.Checksum(body, utils.CastagnoliCrcTable),
	}
	// Re-read the body before overwriting the pointer slot: a bad write must
	// never supersede the previous checkpoint.
	if _, _, err := readCheckpointAt(p, rec); err != nil {
		return nil, 0, errors.WithMessage(err, "verifying checkpoint body")
	}
	if err := p.WriteMetaPage(slotPage(slot), rec.encode()); err != nil {
		return nil, 0, err
	}
	if sync {
		if err := p.Sync(); err != nil {
			return nil, 0, err
		}
	}
	return bodyPages, size, nil
}

func readCheckpointAt(p *Pager, rec *slotRecord) (*Checkpoint, []uint64, error) {
	body := make([]byte, 0, rec.bodyLen)
	var pages []uint64
	pg := rec.firstPage
	for uint64(len(body)) < rec.bodyLen {
		if pg == 0 {
			return nil, nil, errors.Wrap(utils.ErrChecksumMismatch, "checkpoint chain too short")
		}
		payload, err := p.ReadMetaPage(pg)
		if err != nil {
			return nil, nil, err
		}
		if len(payload) < 8 {
			return nil, nil, errors.Wrap(utils.ErrChecksumMismatch, "checkpoint chain page")
		}
		pages = append(pages, pg)
		pg = utils.BytesToU64(payload[:8])
		body = append(body, payload[8:]...)
	}
	body = body[:rec.bodyLen]
	if crc32.Checksum(body, utils.CastagnoliCrcTable) != rec.bodyCrc {
		return nil, nil, errors.Wrap(utils.ErrChecksumMismatch, "checkpoint body crc")
	}
	cp, err := decodeCheckpoint(body)
	if err != nil {
		return nil, nil, err
	}
	return cp, pages, nil
}

// LoadCheckpoint returns the newest checkpoint that verifies, the slot it
// came from and its body pages, falling back to the older slot when the
// newest is corrupt. A database that never checkpointed returns nil.
func LoadCheckpoint(p *Pager) (*Checkpoint, int, []uint64, error) {
	type cand struct {
		rec  *slotRecord
		slot int
	}
	var cands []cand
	for slot := 0; slot < 2; slot++ {
		payload, err := p.ReadMetaPage(slotPage(slot))
		if err != nil {
			continue // unreadable slot is equivalent to a corrupt checkpoint
		}
		rec, err := decodeSlot(payload)
		if err != nil || rec == nil {
			continue
		}
		cands = append(cands, cand{rec: rec, slot: slot})
	}
	// Newest first.
	if len(cands) == 2 && cands[1].rec.id > cands[0].rec.id {
		cands[0], cands[1] = cands[1], cands[0]
	}

	var lastErr error
	for _, c := range cands {
		cp, pages, err := readCheckpointAt(p, c.rec)
		if err != nil {
			lastErr = err
			continue
		}
		return cp, c.slot, pages, nil
	}
	if lastErr != nil {
		return nil, 0, nil, lastErr
	}
	return nil, 0, nil, nil
}
