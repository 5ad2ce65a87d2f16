package store

import (
	"errors"
	"fmt"
	"slices"

	"github.com/freeeve/lmstore/internal/engine"
	"github.com/freeeve/lmstore/internal/scratch"
)

// ErrTxnFinished is returned when a Txn is used after its function
// returned.
var ErrTxnFinished = errors.New("transaction already finished")

// errNotApplied ends a conditional block whose condition did not hold.
var errNotApplied = errors.New("condition not met")

// writer is the engine write transaction shared by every entry of a batch.
type writer struct {
	txn    *engine.Txn
	arena  *scratch.Arena
	active bool
}

// undoRecord restores one key of one table to its state before a write.
type undoRecord struct {
	table   *engine.Table
	key     []byte
	existed bool
	prior   []byte   // previous value of a plain table
	added   []byte   // duplicate inserted into a DupSort table
	removed [][]byte // duplicates removed from a DupSort table
}

func (r *undoRecord) revert(txn *engine.Txn) error {
	if !r.table.DupSort() {
		if r.existed {
			return r.table.Put(txn, r.key, r.prior, 0)
		}
		_, err := r.table.Delete(txn, r.key, nil)
		return err
	}
	if r.added != nil {
		if _, err := r.table.Delete(txn, r.key, r.added); err != nil {
			return err
		}
	}
	for _, v := range r.removed {
		if err := r.table.Put(txn, r.key, v, 0); err != nil {
			return err
		}
	}
	return nil
}

// scope collects the undo log of one transaction function. Committed
// child scopes hand their records to the parent so an aborting parent
// also undoes its children.
type scope struct {
	parent *scope
	undo   []undoRecord
	closed bool
}

func (sc *scope) rollback(txn *engine.Txn) error {
	for i := len(sc.undo) - 1; i >= 0; i-- {
		if err := sc.undo[i].revert(txn); err != nil {
			return fmt.Errorf("roll back: %w", err)
		}
	}
	sc.undo = nil
	return nil
}

func (sc *scope) commitTo(parent *scope) {
	if parent != nil {
		parent.undo = append(parent.undo, sc.undo...)
	}
	sc.undo = nil
}

// call runs fn, turning a panic into an error.
func call(fn func(*Txn) (any, error), t *Txn) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("transaction function panicked: %v", r)
		}
		t.sc.closed = true
	}()
	return fn(t)
}

// Txn is the handle passed to transaction functions. Reads see the
// function's own writes and everything committed or written earlier in the
// batch. A Txn is only valid until its function returns.
type Txn struct {
	w     *writer
	sc    *scope
	store *Store
}

func (t *Txn) check() error {
	if t.sc.closed || !t.w.active {
		return ErrTxnFinished
	}
	return nil
}

// Store returns a handle writing to other within the same scope. Both
// stores must belong to the same environment.
func (t *Txn) Store(other *Store) *Txn {
	return &Txn{w: t.w, sc: t.sc, store: other}
}

// Get returns the value stored under key.
func (t *Txn) Get(key any) (any, bool, error) {
	e, ok, err := t.GetEntry(key)
	return e.Value, ok, err
}

// GetEntry returns the value and version stored under key.
func (t *Txn) GetEntry(key any) (Entry, bool, error) {
	if err := t.check(); err != nil {
		return Entry{}, false, err
	}
	s := t.store
	k, err := s.stageKey(t.w.arena, key)
	if err != nil {
		return Entry{}, false, err
	}
	s.recordRead()
	raw, ok, err := s.table.Get(t.w.txn, k)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	v, version, err := s.values.decode(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, Value: v, Version: version}, true, nil
}

// DoesExist reports whether key is present; see Store.DoesExist.
func (t *Txn) DoesExist(key, versionOrValue any) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	k, err := t.store.stageKey(t.w.arena, key)
	if err != nil {
		return false, err
	}
	return t.store.exists(t.w.txn, k, versionOrValue)
}

// Put writes value under key. It reports false when a condition or put
// flag prevented the write.
func (t *Txn) Put(key, value any, opts *WriteOptions) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	e, err := t.store.putEntry(key, value, opts)
	if err != nil {
		return false, err
	}
	return t.store.put(t.w.txn, t.sc, e.key, e.value, e.cond, e.flags)
}

// Remove deletes key, or one duplicate when opts.Value is set.
func (t *Txn) Remove(key any, opts *RemoveOptions) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	e, err := t.store.removeEntry(key, opts)
	if err != nil {
		return false, err
	}
	return t.store.remove(t.w.txn, t.sc, e.key, e.value, e.cond)
}

// GetRange iterates the writer's view, including uncommitted writes. The
// iterator re-positions after writes made while it is open and falls back
// to the shared snapshot once the transaction has ended.
func (t *Txn) GetRange(opts RangeOptions) *Iterator {
	it := t.store.newIterator(rangeSpec{RangeOptions: opts})
	if err := t.check(); err != nil {
		it.err = err
		it.finished = true
		return it
	}
	it.w = t.w
	return it
}

// Child runs fn in a nested scope. If fn fails, only its own writes are
// rolled back and the returned error matches ErrTransactionAborted; the
// caller may carry on.
func (t *Txn) Child(fn func(*Txn) (any, error)) (any, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	sc := &scope{parent: t.sc}
	value, err := call(fn, &Txn{w: t.w, sc: sc, store: t.store})
	if err != nil {
		if rerr := sc.rollback(t.w.txn); rerr != nil {
			return nil, rerr
		}
		return nil, &AbortError{Cause: err}
	}
	sc.commitTo(t.sc)
	return value, nil
}

// holds evaluates c against the current state of key.
func (s *Store) holds(txn *engine.Txn, key []byte, c Condition) (bool, error) {
	switch c.kind {
	case condExists, condNotExists:
		ok, err := s.table.Has(txn, key, nil)
		if err != nil {
			return false, err
		}
		return ok == (c.kind == condExists), nil
	case condVersion:
		raw, ok, err := s.table.Get(txn, key)
		if err != nil || !ok {
			return false, err
		}
		return s.values.version(raw) == c.version, nil
	}
	return true, nil
}

// put applies one write, logging its inverse in sc when sc is not nil.
func (s *Store) put(txn *engine.Txn, sc *scope, key, value []byte, c Condition, flags engine.PutFlags) (bool, error) {
	ok, err := s.holds(txn, key, c)
	if err != nil || !ok {
		return false, err
	}
	var rec undoRecord
	if sc != nil {
		if rec, err = s.undoFor(txn, key, value, false); err != nil {
			return false, err
		}
	}
	if err := s.table.Put(txn, key, value, flags); err != nil {
		if hasStatus(err, engine.StatusKeyExist) {
			return false, nil
		}
		return false, err
	}
	if sc != nil {
		sc.undo = append(sc.undo, rec)
	}
	s.recordWrite()
	return true, nil
}

// remove deletes key, or the duplicate value when value is not nil.
func (s *Store) remove(txn *engine.Txn, sc *scope, key, value []byte, c Condition) (bool, error) {
	ok, err := s.holds(txn, key, c)
	if err != nil || !ok {
		return false, err
	}
	var rec undoRecord
	if sc != nil {
		if rec, err = s.undoFor(txn, key, value, true); err != nil {
			return false, err
		}
	}
	removed, err := s.table.Delete(txn, key, value)
	if err != nil || !removed {
		return false, err
	}
	if sc != nil {
		sc.undo = append(sc.undo, rec)
	}
	s.recordWrite()
	return true, nil
}

// undoFor captures what a put or delete of key (and value in a DupSort
// table) is about to change.
func (s *Store) undoFor(txn *engine.Txn, key, value []byte, del bool) (undoRecord, error) {
	rec := undoRecord{table: s.table, key: slices.Clone(key)}
	if !s.table.DupSort() {
		prior, ok, err := s.table.Get(txn, key)
		if err != nil {
			return rec, err
		}
		rec.existed, rec.prior = ok, slices.Clone(prior)
		return rec, nil
	}
	if value != nil {
		ok, err := s.table.Has(txn, key, value)
		if err != nil {
			return rec, err
		}
		switch {
		case del && ok:
			rec.removed = [][]byte{slices.Clone(value)}
		case !del && !ok:
			rec.added = slices.Clone(value)
		}
		return rec, nil
	}
	// removing every duplicate of key
	c, err := s.table.OpenCursor(txn)
	if err != nil {
		return rec, err
	}
	defer c.Close()
	n, err := c.Position(engine.Range{Flags: engine.ValuesForKey, Start: key})
	if err != nil {
		return rec, err
	}
	for ok := n > 0; ok; ok = c.Next() {
		rec.removed = append(rec.removed, slices.Clone(c.Value()))
	}
	return rec, nil
}

func hasStatus(err error, code engine.Status) bool {
	var ee *engine.Error
	return errors.As(err, &ee) && ee.Code == code
}
