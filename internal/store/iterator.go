package store

import (
	"bytes"
	"iter"
	"slices"

	"github.com/freeeve/lmstore/internal/engine"
	"github.com/freeeve/lmstore/internal/keys"
	"github.com/freeeve/lmstore/internal/scratch"
)

// RangeOptions select the entries of a range read.
type RangeOptions struct {
	// Start is inclusive and End exclusive. In reverse, Start is the upper
	// bound and End the lower. For GetValues they bound the values.
	Start, End any
	Reverse    bool
	Limit      int
	Offset     int
	// ExactMatch visits only the entries whose key equals Start.
	ExactMatch bool
	// NoSnapshot makes the iterator follow committed writes instead of
	// holding on to the view it started with.
	NoSnapshot bool
	NoValues   bool
	// Versions fills Entry.Version.
	Versions bool
}

type rangeSpec struct {
	RangeOptions
	key          any
	valuesForKey bool
	uniqueKeys   bool
}

// Iterator walks a range lazily. No cursor is taken until the first call
// to Next, and the cursor goes back to the store's pool (or is closed)
// once the range is exhausted, the limit is reached, Close is called or an
// error occurs.
//
// An open snapshot iterator keeps its reader alive. A commit that has to
// grow the map past Config.MapSize waits until such iterators are closed;
// NoSnapshot iterators never hold it up.
//
// An Iterator must not be used from more than one goroutine at a time.
type Iterator struct {
	store *Store
	spec  rangeSpec

	bounds engine.Range
	built  bool

	cur  *engine.Cursor
	snap *snapshot
	gen  uint64
	live bool

	// writer-scope iteration
	w         *writer
	mutations uint64

	lastKey   []byte
	lastValue []byte
	returned  int
	skipped   int
	finished  bool

	entry Entry
	err   error
}

func (s *Store) newIterator(spec rangeSpec) *Iterator {
	return &Iterator{store: s, spec: spec, live: spec.NoSnapshot}
}

// Next advances to the next entry. It returns false at the end of the
// range or on error; check Err.
func (it *Iterator) Next() bool {
	if it.finished {
		return false
	}
	if it.w != nil {
		if it.w.active {
			return it.advance()
		}
		// the writer committed; continue on the shared snapshot
		if it.cur != nil {
			it.cur.Close()
			it.cur = nil
		}
		it.w = nil
		it.live = true
	}
	env := it.store.env
	env.readMu.Lock()
	defer env.unlockRead()
	if env.closed.Load() {
		return it.fail(ErrClosed)
	}
	return it.advance()
}

// Entry returns the entry Next moved to.
func (it *Iterator) Entry() Entry {
	return it.entry
}

// Err returns the error that ended the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the iterator's cursor. It is safe to call more than once.
func (it *Iterator) Close() error {
	if it.finished {
		return nil
	}
	if it.w != nil || it.cur == nil {
		it.finish()
		return nil
	}
	env := it.store.env
	env.readMu.Lock()
	it.finish()
	env.unlockRead()
	return nil
}

// All returns the remaining entries as a sequence. Stopping early closes
// the iterator.
func (it *Iterator) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for it.Next() {
			if !yield(it.entry) {
				it.Close()
				return
			}
		}
	}
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.finish()
	return false
}

func (it *Iterator) advance() bool {
	if err := it.build(); err != nil {
		return it.fail(err)
	}
	s := it.store
	ok, err := it.step()
	for ; ok && err == nil; ok = it.cur.Next() {
		k := it.cur.Key()
		if it.spec.uniqueKeys && it.lastKey != nil && bytes.Equal(k, it.lastKey) {
			continue
		}
		if it.spec.uniqueKeys && it.skipped < it.spec.Offset {
			it.skipped++
			it.remember(k)
			continue
		}
		break
	}
	if err != nil {
		return it.fail(err)
	}
	if !ok {
		it.finish()
		return false
	}

	k := it.cur.Key()
	e := Entry{Key: it.spec.key}
	if !it.spec.valuesForKey {
		if e.Key, err = keys.Decode(s.keyCodec, k); err != nil {
			return it.fail(err)
		}
	}
	if !it.spec.NoValues {
		v, version, err := s.values.decode(it.cur.Value())
		if err != nil {
			return it.fail(err)
		}
		e.Value = v
		if it.spec.Versions {
			e.Version = version
		}
	}
	s.recordRead()
	it.entry = e
	it.remember(k)
	it.returned++
	if it.spec.Limit > 0 && it.returned >= it.spec.Limit {
		it.finish()
	}
	return true
}

func (it *Iterator) remember(k []byte) {
	it.lastKey = slices.Clone(k)
	if it.store.table.DupSort() {
		it.lastValue = slices.Clone(it.cur.Value())
	}
}

// build encodes the range bounds once.
func (it *Iterator) build() error {
	if it.built {
		return nil
	}
	s := it.store
	arena := s.env.arena
	if it.w != nil {
		arena = it.w.arena
	}
	var r engine.Range
	var err error
	if it.spec.valuesForKey {
		r.Flags = engine.ValuesForKey
		if r.Start, err = s.saveKey(arena, it.spec.key); err != nil {
			return err
		}
		if it.spec.Start != nil {
			if r.ValueStart, err = s.values.codec.Marshal(it.spec.Start); err != nil {
				return err
			}
		}
		if it.spec.End != nil {
			if r.ValueEnd, err = s.values.codec.Marshal(it.spec.End); err != nil {
				return err
			}
		}
	} else {
		if r.Start, err = s.saveKey(arena, it.spec.Start); err != nil {
			return err
		}
		if r.End, err = s.saveKey(arena, it.spec.End); err != nil {
			return err
		}
		if it.spec.ExactMatch {
			r.Flags |= engine.ExactMatch
		}
	}
	if it.spec.Reverse {
		r.Flags |= engine.Reverse
	}
	it.bounds, it.built = r, true
	return nil
}

// step moves to the next candidate entry, taking or refreshing the cursor
// first when needed.
func (it *Iterator) step() (bool, error) {
	s := it.store
	if it.w != nil {
		txn := it.w.txn
		if it.cur == nil {
			c, err := s.table.OpenCursor(txn)
			if err != nil {
				return false, err
			}
			it.cur, it.mutations = c, txn.Mutations()
			return it.position()
		}
		if txn.Mutations() != it.mutations {
			it.mutations = txn.Mutations()
			if err := it.cur.Renew(txn); err != nil {
				return false, err
			}
			return it.position()
		}
		return it.cur.Next(), nil
	}

	snaps := s.env.snaps
	if it.cur != nil {
		if !it.live || snaps.isCurrent(it.snap, it.gen) {
			return it.cur.Next(), nil
		}
		it.release()
	}
	snap, err := snaps.acquire()
	if err != nil {
		return false, err
	}
	c, err := s.takeCursor(snap)
	if err != nil {
		return false, err
	}
	snaps.retain(snap, it.live)
	it.cur, it.snap, it.gen = c, snap, snap.generation
	return it.position()
}

// position places the cursor at the start of the range, or just past the
// last entry returned when resuming.
func (it *Iterator) position() (bool, error) {
	r := it.bounds
	if it.lastKey == nil {
		if !it.spec.uniqueKeys {
			r.Offset = it.spec.Offset
		}
	} else {
		r.Flags |= engine.Exclusive
		if !it.spec.valuesForKey {
			r.Start = it.lastKey
		}
		if it.store.table.DupSort() {
			r.ValueStart = it.lastValue
		}
	}
	n, err := it.cur.Position(r)
	return n > 0, err
}

func (it *Iterator) finish() {
	it.finished = true
	if it.cur == nil {
		return
	}
	if it.w != nil {
		it.cur.Close()
		it.cur = nil
		return
	}
	it.release()
}

// release hands the cursor back to the pool when its view is still the
// live one, and drops the iterator's hold on the snapshot.
func (it *Iterator) release() {
	snaps := it.store.env.snaps
	if snaps.isCurrent(it.snap, it.gen) {
		it.store.offerCursor(it.cur, it.snap)
	} else {
		it.cur.Close()
	}
	snaps.release(it.snap, it.live)
	it.cur, it.snap = nil, nil
}

// cursorSlot is a store's single pooled cursor and the view it belongs to.
type cursorSlot struct {
	cur  *engine.Cursor
	snap *snapshot
	gen  uint64
}

// takeCursor returns the pooled cursor when it belongs to snap's current
// generation, otherwise a new cursor on snap.
func (s *Store) takeCursor(snap *snapshot) (*engine.Cursor, error) {
	p := s.pool
	s.pool = cursorSlot{}
	if p.cur != nil {
		if p.snap == snap && p.gen == snap.generation {
			s.recordCursor(true)
			return p.cur, nil
		}
		p.cur.Close()
	}
	c, err := s.table.OpenCursor(snap.txn)
	if err != nil {
		return nil, err
	}
	s.recordCursor(false)
	return c, nil
}

func (s *Store) offerCursor(c *engine.Cursor, snap *snapshot) {
	if s.pool.cur != nil {
		c.Close()
		return
	}
	s.pool = cursorSlot{cur: c, snap: snap, gen: snap.generation}
}

// count runs a count-only positioning. Callers hold env.readMu.
func (s *Store) count(spec rangeSpec) (int, error) {
	it := s.newIterator(spec)
	if err := it.build(); err != nil {
		return 0, err
	}
	snap, err := s.env.snaps.acquire()
	if err != nil {
		return 0, err
	}
	c, err := s.takeCursor(snap)
	if err != nil {
		return 0, err
	}
	r := it.bounds
	r.Flags |= engine.OnlyCount
	r.Offset = spec.Offset
	n, err := c.Position(r)
	s.offerCursor(c, snap)
	if err != nil {
		return 0, err
	}
	if spec.Limit > 0 && n > spec.Limit {
		n = spec.Limit
	}
	return n, nil
}

// saveKey stages a range bound in arena.
func (s *Store) saveKey(arena *scratch.Arena, key any) ([]byte, error) {
	k, err := arena.Save(s.keyCodec, key, s.maxKeySize)
	if err != nil {
		return nil, err
	}
	if key != nil && len(k) == 0 {
		return nil, ErrZeroLengthKey
	}
	return k, nil
}
