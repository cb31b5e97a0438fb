package golsm

import (
	"github.com/mosquito/golsm/lsm"
	"github.com/mosquito/golsm/utils"
)

// SeekMode selects how Cursor.Seek treats an absent key.
type SeekMode int

const (
	// SeekEQ matches only the exact key.
	SeekEQ SeekMode = iota
	// SeekLE falls back to the largest key not greater than the target.
	SeekLE
	// SeekGE falls back to the smallest key not less than the target.
	SeekGE
	// SeekLEFast is accepted as an alias of SeekLE. The original engine's
	// fast variant is an approximation tied to its page layout; there is no
	// cheaper path here.
	SeekLEFast SeekMode = SeekLE
)

// Cursor iterates a consistent snapshot of the database taken at creation:
// later writes, flushes and merges are invisible to it. Cursors pin runs and
// log segments, so close them promptly and always before the DB.
type Cursor struct {
	db   *DB
	view *lsm.View

	fwd utils.Iterator
	rev utils.Iterator
	cur utils.Iterator

	reversed bool
	parked   bool
	closed   bool
}

// NewCursor opens a cursor. The cursor starts unpositioned; call Seek,
// First or Last before reading.
func (db *DB) NewCursor() (*Cursor, error) {
	view, err := db.lsm.NewView()
	if err != nil {
		return nil, err
	}
	return &Cursor{db: db, view: view}, nil
}

func (c *Cursor) forward() utils.Iterator {
	if c.fwd == nil {
		c.fwd = c.view.Iterator(false)
	}
	c.cur, c.reversed, c.parked = c.fwd, false, false
	return c.fwd
}

func (c *Cursor) backward() utils.Iterator {
	if c.rev == nil {
		c.rev = c.view.Iterator(true)
	}
	c.cur, c.reversed, c.parked = c.rev, true, false
	return c.rev
}

func (c *Cursor) check() error {
	if c.closed {
		return ErrClosed
	}
	return nil
}

// First positions at the smallest key.
func (c *Cursor) First() error {
	if err := c.check(); err != nil {
		return err
	}
	c.forward().Rewind()
	return nil
}

// Last positions at the largest key.
func (c *Cursor) Last() error {
	if err := c.check(); err != nil {
		return err
	}
	c.backward().Rewind()
	return nil
}

// Seek positions the cursor at key according to mode. With SeekEQ a miss
// returns ErrKeyNotFound and leaves the cursor invalid.
func (c *Cursor) Seek(key []byte, mode SeekMode) error {
	if err := c.check(); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	switch mode {
	case SeekEQ:
		it := c.forward()
		it.Seek(key, 0)
		if !it.Valid() || c.cmp()(it.Item().Entry().Key, key) != 0 {
			c.invalidate()
			return ErrKeyNotFound
		}
		return nil
	case SeekGE:
		c.forward().Seek(key, 0)
		return nil
	case SeekLE:
		c.backward().Seek(key, 0)
		return nil
	default:
		return ErrInvalidConfig
	}
}

// invalidate parks the cursor so Valid reports false until repositioned.
func (c *Cursor) invalidate() {
	c.parked = true
}

// Next advances to the next larger key, switching direction if needed.
func (c *Cursor) Next() error {
	return c.step(false)
}

// Prev steps back to the next smaller key.
func (c *Cursor) Prev() error {
	return c.step(true)
}

func (c *Cursor) step(reverse bool) error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.Valid() {
		return ErrKeyNotFound
	}
	if c.reversed == reverse {
		c.cur.Next()
		return nil
	}
	// Direction switch: re-position the opposite iterator at the current key
	// and step once past it.
	key := append([]byte{}, c.cur.Item().Entry().Key...)
	var it utils.Iterator
	if reverse {
		it = c.backward()
	} else {
		it = c.forward()
	}
	it.Seek(key, 0)
	if it.Valid() && c.cmp()(it.Item().Entry().Key, key) == 0 {
		it.Next()
	}
	return nil
}

func (c *Cursor) cmp() utils.Comparator {
	if c.db.opt.Comparator != nil {
		return c.db.opt.Comparator
	}
	return utils.DefaultComparator
}

// Valid reports whether the cursor currently points at a record.
func (c *Cursor) Valid() bool {
	return !c.closed && !c.parked && c.cur != nil && c.cur.Valid()
}

// Key returns a copy of the current key.
func (c *Cursor) Key() ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if !c.Valid() {
		return nil, utils.ErrKeyNotFound
	}
	return append([]byte{}, c.cur.Item().Entry().Key...), nil
}

// Value returns a copy of the current value.
func (c *Cursor) Value() ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if !c.Valid() {
		return nil, utils.ErrKeyNotFound
	}
	return append([]byte{}, c.cur.Item().Entry().Value...), nil
}

// Compare orders the current key against an external key using the
// database's comparator.
func (c *Cursor) Compare(key []byte) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if !c.Valid() {
		return 0, utils.ErrKeyNotFound
	}
	return c.cmp()(c.cur.Item().Entry().Key, key), nil
}

// Close releases the snapshot. Reads after Close return ErrClosed.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	if c.fwd != nil {
		firstErr = c.fwd.Close()
	}
	if c.rev != nil {
		if err := c.rev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.view.Close()
	return firstErr
}
