package engine

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// PositionFlags select how Cursor.Position walks a range.
type PositionFlags uint8

const (
	// Reverse walks from the start key downwards.
	Reverse PositionFlags = 1 << iota
	// ExactMatch only visits entries whose key equals Start.
	ExactMatch
	// ValuesForKey visits the duplicates of Start bounded by ValueStart
	// and ValueEnd.
	ValuesForKey
	// OnlyCount counts the entries in range instead of positioning.
	OnlyCount
	// Exclusive skips the entry at Start (and ValueStart in a DupSort
	// table). Used to resume after the last visited entry.
	Exclusive
)

// Range describes where Position places a cursor. A nil Start means the
// first (or, reversed, the last) key. End is exclusive. Going forward,
// keys stop before End; in reverse they stop at End. ValueStart and
// ValueEnd bound duplicate values the same way.
type Range struct {
	Flags      PositionFlags
	Offset     int
	Start      []byte
	End        []byte
	ValueStart []byte
	ValueEnd   []byte
}

// Cursor walks one table within one transaction.
type Cursor struct {
	table *Table
	txn   *Txn
	c     *bolt.Cursor
	dup   *bolt.Cursor

	rng        Range
	start, end []byte // in stored key order
	key, value []byte
	valid      bool
	closed     bool
}

// OpenCursor binds a new cursor to txn.
func (t *Table) OpenCursor(txn *Txn) (*Cursor, error) {
	c := &Cursor{table: t}
	if err := c.Renew(txn); err != nil {
		return nil, err
	}
	return c, nil
}

// Renew rebinds the cursor to txn, which may be the same reader after a
// Txn.Renew. The cursor is left unpositioned.
func (c *Cursor) Renew(txn *Txn) error {
	if err := txn.check("renew cursor"); err != nil {
		return err
	}
	c.txn = txn
	c.c, c.dup = nil, nil
	c.valid, c.closed = false, false
	if b := c.table.root(txn); b != nil {
		c.c = b.Cursor()
	}
	return nil
}

// Close releases the cursor.
func (c *Cursor) Close() {
	c.c, c.dup = nil, nil
	c.valid = false
	c.closed = true
}

// Txn returns the transaction the cursor is bound to.
func (c *Cursor) Txn() *Txn { return c.txn }

// Table returns the table the cursor walks.
func (c *Cursor) Table() *Table { return c.table }

// Valid reports whether the cursor sits on an entry in range.
func (c *Cursor) Valid() bool { return c.valid }

// Position places the cursor on the first entry of r after r.Offset
// entries. It returns 1 when positioned on an entry and 0 for an empty
// range. With OnlyCount it returns the number of entries past the offset
// and leaves the cursor unpositioned.
func (c *Cursor) Position(r Range) (int, error) {
	if c.closed {
		return 0, newError("position", StatusBadTxn)
	}
	if err := c.txn.check("position"); err != nil {
		return 0, err
	}
	for _, k := range [][]byte{r.Start, r.End} {
		if k != nil {
			if err := ValidateKey(k); err != nil {
				return 0, err
			}
		}
	}
	if r.Flags&(ExactMatch|ValuesForKey) != 0 && r.Start == nil {
		return 0, newError("position", StatusInvalid)
	}
	c.rng = r
	c.start = c.table.storedKey(r.Start)
	c.end = c.table.storedKey(r.End)
	c.valid = false
	if c.c == nil {
		return 0, nil
	}

	ok := c.first()
	if ok && r.Flags&Exclusive != 0 && c.atStart() {
		ok = c.step()
	}
	ok = ok && c.inRange()
	for i := 0; ok && i < r.Offset; i++ {
		ok = c.step() && c.inRange()
	}
	if r.Flags&OnlyCount != 0 {
		n := 0
		for ok {
			n++
			ok = c.step() && c.inRange()
		}
		return n, nil
	}
	c.valid = ok
	if ok {
		return 1, nil
	}
	return 0, nil
}

// Next steps to the following entry in range. A cursor whose
// transaction was reset or aborted reports the end of the range.
func (c *Cursor) Next() bool {
	if !c.live() {
		c.valid = false
		return false
	}
	c.valid = c.step() && c.inRange()
	return c.valid
}

// Key returns the current key.
func (c *Cursor) Key() []byte {
	if !c.live() {
		return nil
	}
	return c.table.storedKey(c.key)
}

// Value returns the current value. In a DupSort table this is the current
// duplicate.
func (c *Cursor) Value() []byte {
	if !c.live() {
		return nil
	}
	return c.value
}

// live reports whether the cursor is positioned within an active
// transaction. bbolt cursors must not be touched once their tx has closed.
func (c *Cursor) live() bool {
	return c.valid && !c.closed && c.txn != nil && c.txn.Active()
}

func (c *Cursor) reverse() bool { return c.rng.Flags&Reverse != 0 }

// first moves to the initial entry without checking the range end.
func (c *Cursor) first() bool {
	var k, v []byte
	switch {
	case c.start == nil && c.reverse():
		k, v = c.c.Last()
	case c.start == nil:
		k, v = c.c.First()
	case c.reverse():
		k, v = c.c.Seek(c.start)
		if k == nil {
			k, v = c.c.Last()
		} else if !bytes.Equal(k, c.start) {
			k, v = c.c.Prev()
		}
	default:
		k, v = c.c.Seek(c.start)
	}
	if !c.table.DupSort() {
		return c.set(k, v)
	}
	for k != nil {
		if c.enter(k, bytes.Equal(k, c.start)) {
			return true
		}
		k, _ = c.stepKey()
	}
	return c.set(nil, nil)
}

func (c *Cursor) step() bool {
	if !c.table.DupSort() {
		return c.set(c.stepKey())
	}
	var dv []byte
	if c.dup != nil {
		if c.reverse() {
			dv, _ = c.dup.Prev()
		} else {
			dv, _ = c.dup.Next()
		}
	}
	if dv != nil {
		c.value = dv
		return true
	}
	for k, _ := c.stepKey(); k != nil; k, _ = c.stepKey() {
		if c.enter(k, false) {
			return true
		}
	}
	return c.set(nil, nil)
}

func (c *Cursor) stepKey() ([]byte, []byte) {
	if c.reverse() {
		return c.c.Prev()
	}
	return c.c.Next()
}

// enter opens the duplicates of key k. At the start key the walk begins
// from ValueStart when one is set.
func (c *Cursor) enter(k []byte, atStart bool) bool {
	sub := c.c.Bucket().Bucket(k)
	if sub == nil {
		return false
	}
	c.dup = sub.Cursor()
	vs := c.rng.ValueStart
	var dv []byte
	switch {
	case atStart && vs != nil && c.reverse():
		dv, _ = c.dup.Seek(vs)
		if dv == nil {
			dv, _ = c.dup.Last()
		} else if !bytes.Equal(dv, vs) {
			dv, _ = c.dup.Prev()
		}
	case atStart && vs != nil:
		dv, _ = c.dup.Seek(vs)
	case c.reverse():
		dv, _ = c.dup.Last()
	default:
		dv, _ = c.dup.First()
	}
	if dv == nil {
		return false
	}
	c.key, c.value = k, dv
	return true
}

func (c *Cursor) set(k, v []byte) bool {
	c.key, c.value = k, v
	return k != nil
}

func (c *Cursor) atStart() bool {
	if c.start == nil || !bytes.Equal(c.key, c.start) {
		return false
	}
	return !c.table.DupSort() || bytes.Equal(c.value, c.rng.ValueStart)
}

func (c *Cursor) inRange() bool {
	f := c.rng.Flags
	if f&(ExactMatch|ValuesForKey) != 0 {
		if !bytes.Equal(c.key, c.start) {
			return false
		}
	} else if c.end != nil {
		cmp := bytes.Compare(c.key, c.end)
		if (!c.reverse() && cmp >= 0) || (c.reverse() && cmp <= 0) {
			return false
		}
	}
	if f&ValuesForKey != 0 && c.rng.ValueEnd != nil && c.table.DupSort() {
		cmp := bytes.Compare(c.value, c.rng.ValueEnd)
		if (!c.reverse() && cmp >= 0) || (c.reverse() && cmp <= 0) {
			return false
		}
	}
	return true
}
