package store

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/freeeve/lmstore/internal/codec"
	"github.com/freeeve/lmstore/internal/engine"
	"github.com/freeeve/lmstore/internal/keys"
	"github.com/freeeve/lmstore/internal/scratch"
)

// Store is one named table: a key codec, a value encoding, a transaction
// order and a single pooled read cursor.
type Store struct {
	env        *Env
	name       string
	opts       TableOptions
	table      *engine.Table
	keyCodec   keys.Codec
	values     valueCodec
	order      TxnOrder
	maxKeySize int
	stats      *StatsCollector

	// pool is guarded by env.readMu
	pool cursorSlot
}

func newStore(e *Env, name string, opts TableOptions) (*Store, error) {
	conflict := func(format string, args ...any) error {
		return &ConfigError{Table: name, Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case opts.DupSort && opts.UseVersions:
		return nil, conflict("dupsort tables can not use versions")
	case opts.DupSort && opts.Compression:
		return nil, conflict("dupsort tables can not use compression")
	case opts.DupFixed && !opts.DupSort:
		return nil, conflict("dupfixed requires dupsort")
	case opts.MaxKeySize < 0 || opts.MaxKeySize > engine.MaxKeySize:
		return nil, conflict("max key size %d is outside 1..%d", opts.MaxKeySize, engine.MaxKeySize)
	}

	s := &Store{
		env:        e,
		name:       name,
		opts:       opts,
		maxKeySize: opts.MaxKeySize,
		stats:      NewStatsCollector(),
	}
	if s.maxKeySize == 0 {
		s.maxKeySize = engine.MaxKeySize
	}

	s.keyCodec = opts.KeyCodec
	if s.keyCodec == nil && opts.KeyEncoding == keys.EncodingUint32 {
		// little-endian integers sort numerically from the last byte
		s.opts.ReverseKey = true
	}
	if s.keyCodec == nil {
		kc, err := keys.ForEncoding(opts.KeyEncoding)
		if err != nil {
			return nil, conflict("%v", err)
		}
		s.keyCodec = kc
	}
	vc, err := codec.For(opts.Encoding)
	if err != nil {
		return nil, conflict("%v", err)
	}
	s.values = valueCodec{codec: vc, versions: opts.UseVersions}

	s.order = e.cfg.TxnOrder
	if opts.TxnOrder != "" {
		if s.order, err = ParseTxnOrder(string(opts.TxnOrder)); err != nil {
			return nil, conflict("%v", err)
		}
	}

	if opts.Compression || (e.cfg.Compression && !opts.DupSort) {
		threshold := opts.CompressionThreshold
		if threshold == 0 {
			threshold = e.cfg.CompressionThreshold
		}
		level := opts.CompressionLevel
		if level == "" {
			level = e.cfg.CompressionLevel
		}
		if s.values.comp, err = codec.NewCompressor(threshold, level); err != nil {
			return nil, conflict("%v", err)
		}
	}
	return s, nil
}

func (s *Store) tableFlags() engine.TableFlags {
	var f engine.TableFlags
	if s.opts.DupSort {
		f |= engine.DupSort
	}
	if s.opts.DupFixed {
		f |= engine.DupFixed
	}
	if s.opts.ReverseKey {
		f |= engine.ReverseKey
	}
	return f
}

// close drops the pooled cursor and the compressor. Callers hold
// env.readMu once the store is registered.
func (s *Store) close() {
	if s.pool.cur != nil {
		s.pool.cur.Close()
		s.pool = cursorSlot{}
	}
	if s.values.comp != nil {
		s.values.comp.Close()
	}
}

// Name returns the table name.
func (s *Store) Name() string { return s.name }

// Env returns the environment the store belongs to.
func (s *Store) Env() *Env { return s.env }

func (s *Store) recordRead() {
	s.stats.IncrementReads()
	s.env.stats.IncrementReads()
}

func (s *Store) recordWrite() {
	s.stats.IncrementWrites(1)
	s.env.stats.IncrementWrites(1)
}

func (s *Store) recordTransaction(aborted bool) {
	s.stats.RecordTransaction(aborted)
	s.env.stats.RecordTransaction(aborted)
}

func (s *Store) recordCursor(reused bool) {
	s.stats.RecordCursor(reused)
	s.env.stats.RecordCursor(reused)
}

// encodeKey returns a freshly allocated key for a queued write.
func (s *Store) encodeKey(key any) ([]byte, error) {
	k, err := keys.Encode(s.keyCodec, key)
	if err != nil {
		return nil, err
	}
	if len(k) == 0 {
		return nil, ErrZeroLengthKey
	}
	if len(k) > s.maxKeySize {
		return nil, &keys.KeyTooLargeError{Size: len(k), Max: s.maxKeySize}
	}
	return k, nil
}

// stageKey encodes a lookup key into arena without keeping it.
func (s *Store) stageKey(arena *scratch.Arena, key any) ([]byte, error) {
	k, err := arena.Key(s.keyCodec, key, s.maxKeySize)
	if err != nil {
		return nil, err
	}
	if len(k) == 0 {
		return nil, ErrZeroLengthKey
	}
	return k, nil
}

func (s *Store) putEntry(key, value any, opts *WriteOptions) (*entry, error) {
	var o WriteOptions
	if opts != nil {
		o = *opts
	}
	k, err := s.encodeKey(key)
	if err != nil {
		return nil, err
	}
	v, err := s.values.encode(value, o.Version)
	if err != nil {
		return nil, err
	}
	var flags engine.PutFlags
	if o.NoOverwrite {
		flags |= engine.NoOverwrite
	}
	if o.NoDupData {
		flags |= engine.NoDupData
	}
	if o.Append {
		flags |= engine.Append
	}
	if o.AppendDup {
		flags |= engine.AppendDup
	}
	return &entry{kind: entryPut, store: s, key: k, value: v, cond: o.If, flags: flags}, nil
}

func (s *Store) removeEntry(key any, opts *RemoveOptions) (*entry, error) {
	var o RemoveOptions
	if opts != nil {
		o = *opts
	}
	k, err := s.encodeKey(key)
	if err != nil {
		return nil, err
	}
	e := &entry{kind: entryRemove, store: s, key: k, cond: o.If}
	if o.Value != nil {
		if !s.opts.DupSort {
			return nil, fmt.Errorf("remove %q: a value selects a duplicate and needs a dupsort table", s.name)
		}
		if e.value, err = s.values.codec.Marshal(o.Value); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Get returns the value stored under key. A missing key is not an error.
func (s *Store) Get(key any) (any, bool, error) {
	e, ok, err := s.GetEntry(key)
	return e.Value, ok, err
}

// GetEntry returns the value and version stored under key.
func (s *Store) GetEntry(key any) (Entry, bool, error) {
	var out Entry
	ok, err := s.read(key, func(raw []byte) error {
		v, version, err := s.values.decode(raw)
		out = Entry{Key: key, Value: v, Version: version}
		return err
	})
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return out, true, nil
}

// GetBinary returns the stored payload without decoding it.
func (s *Store) GetBinary(key any) ([]byte, bool, error) {
	var out []byte
	ok, err := s.read(key, func(raw []byte) error {
		payload, _, err := s.values.split(raw)
		out = slices.Clone(payload)
		return err
	})
	return out, ok, err
}

// GetInto decodes the value stored under key into v.
func (s *Store) GetInto(key, v any) (bool, error) {
	return s.read(key, func(raw []byte) error {
		payload, _, err := s.values.split(raw)
		if err != nil {
			return err
		}
		return s.values.codec.UnmarshalInto(payload, v)
	})
}

// read looks key up in the shared snapshot and hands the raw bytes to fn
// while they are still valid.
func (s *Store) read(key any, fn func(raw []byte) error) (bool, error) {
	e := s.env
	if e.closed.Load() {
		return false, ErrClosed
	}
	e.readMu.Lock()
	defer e.unlockRead()
	k, err := s.stageKey(e.arena, key)
	if err != nil {
		return false, err
	}
	snap, err := e.snaps.acquire()
	if err != nil {
		return false, err
	}
	s.recordRead()
	raw, ok, err := s.table.Get(snap.txn, k)
	if err != nil || !ok {
		return false, err
	}
	return true, fn(raw)
}

// DoesExist reports whether key is present. A non-nil versionOrValue must
// also match: the value of a DupSort store, the version (a float64) of a
// versioned store, or otherwise the stored value.
func (s *Store) DoesExist(key, versionOrValue any) (bool, error) {
	e := s.env
	if e.closed.Load() {
		return false, ErrClosed
	}
	e.readMu.Lock()
	defer e.unlockRead()
	k, err := s.stageKey(e.arena, key)
	if err != nil {
		return false, err
	}
	snap, err := e.snaps.acquire()
	if err != nil {
		return false, err
	}
	s.recordRead()
	return s.exists(snap.txn, k, versionOrValue)
}

func (s *Store) exists(txn *engine.Txn, k []byte, versionOrValue any) (bool, error) {
	if versionOrValue == nil {
		return s.table.Has(txn, k, nil)
	}
	if s.opts.DupSort {
		v, err := s.values.codec.Marshal(versionOrValue)
		if err != nil {
			return false, err
		}
		return s.table.Has(txn, k, v)
	}
	raw, ok, err := s.table.Get(txn, k)
	if err != nil || !ok {
		return false, err
	}
	if version, isVersion := versionOrValue.(float64); isVersion && s.values.versions {
		return s.values.version(raw) == version, nil
	}
	payload, _, err := s.values.split(raw)
	if err != nil {
		return false, err
	}
	want, err := s.values.codec.Marshal(versionOrValue)
	if err != nil {
		return false, err
	}
	return bytes.Equal(payload, want), nil
}

// GetMany returns the values of ks in order, nil for missing keys. All
// lookups see the same snapshot.
func (s *Store) GetMany(ks []any) ([]any, error) {
	e := s.env
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.readMu.Lock()
	defer e.unlockRead()
	snap, err := e.snaps.acquire()
	if err != nil {
		return nil, err
	}
	out := make([]any, len(ks))
	for i, key := range ks {
		k, err := s.stageKey(e.arena, key)
		if err != nil {
			return nil, err
		}
		s.recordRead()
		raw, ok, err := s.table.Get(snap.txn, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if out[i], _, err = s.values.decode(raw); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetRange iterates entries between opts.Start and opts.End.
func (s *Store) GetRange(opts RangeOptions) *Iterator {
	return s.iterator(rangeSpec{RangeOptions: opts})
}

// GetKeys iterates keys only. In a DupSort store each key appears once.
func (s *Store) GetKeys(opts RangeOptions) *Iterator {
	opts.NoValues = true
	return s.iterator(rangeSpec{RangeOptions: opts, uniqueKeys: s.opts.DupSort})
}

// GetValues iterates the values stored under key, bounded by opts.Start
// and opts.End. It always reads a snapshot.
func (s *Store) GetValues(key any, opts RangeOptions) *Iterator {
	if opts.NoSnapshot {
		it := s.newIterator(rangeSpec{})
		it.err, it.finished = ErrSnapshotRequired, true
		return it
	}
	return s.iterator(rangeSpec{RangeOptions: opts, key: key, valuesForKey: true})
}

func (s *Store) iterator(spec rangeSpec) *Iterator {
	it := s.newIterator(spec)
	if s.env.closed.Load() {
		it.err, it.finished = ErrClosed, true
	}
	return it
}

// GetCount counts the entries in range after opts.Offset, capped at
// opts.Limit.
func (s *Store) GetCount(opts RangeOptions) (int, error) {
	return s.countLocked(rangeSpec{RangeOptions: opts})
}

// GetKeysCount counts distinct keys in range.
func (s *Store) GetKeysCount(opts RangeOptions) (int, error) {
	if !s.opts.DupSort {
		return s.GetCount(opts)
	}
	it := s.GetKeys(opts)
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// GetValuesCount counts the values stored under key within range.
func (s *Store) GetValuesCount(key any, opts RangeOptions) (int, error) {
	return s.countLocked(rangeSpec{RangeOptions: opts, key: key, valuesForKey: true})
}

func (s *Store) countLocked(spec rangeSpec) (int, error) {
	e := s.env
	if e.closed.Load() {
		return 0, ErrClosed
	}
	e.readMu.Lock()
	defer e.unlockRead()
	s.recordRead()
	return s.count(spec)
}

// Put queues a write of value under key.
func (s *Store) Put(key, value any, opts *WriteOptions) *Pending {
	e, err := s.putEntry(key, value, opts)
	if err != nil {
		return failed(err)
	}
	return s.env.sched.enqueue(e)
}

// Remove queues removal of key, or of one duplicate when opts.Value is
// set.
func (s *Store) Remove(key any, opts *RemoveOptions) *Pending {
	e, err := s.removeEntry(key, opts)
	if err != nil {
		return failed(err)
	}
	return s.env.sched.enqueue(e)
}

// Clear queues removal of every entry of the store.
func (s *Store) Clear() *Pending {
	return s.env.sched.enqueue(&entry{kind: entryClear, store: s})
}

// Transaction queues fn. It runs inside the next batch, placed by the
// store's TxnOrder, and its writes roll back if it fails. The Pending's
// value is what fn returned.
func (s *Store) Transaction(fn func(*Txn) (any, error)) *Pending {
	return s.env.sched.enqueue(&entry{kind: entryFunc, store: s, fn: fn, order: s.order})
}

// ChildTransaction schedules fn to run after parent's function, in a scope
// nested in the parent's. If the parent aborts, fn does not run and settles
// aborted.
func (s *Store) ChildTransaction(parent *Pending, fn func(*Txn) (any, error)) *Pending {
	return s.env.sched.child(parent, &entry{kind: entryFunc, store: s, fn: fn, order: s.order})
}

// Batch queues ops to commit together, in submission order with other
// writes. The Pending's value is the number of ops that applied.
func (s *Store) Batch(ops []Operation) *Pending {
	fn, err := s.batchFunc(ops)
	if err != nil {
		return failed(err)
	}
	return s.env.sched.enqueue(&entry{kind: entryFunc, store: s, fn: fn, order: OrderStrict})
}

// BatchFunc queues the writes fn makes to commit together.
func (s *Store) BatchFunc(fn func(*Batch)) *Pending {
	return s.env.sched.enqueue(&entry{kind: entryFunc, store: s, order: OrderStrict, fn: func(t *Txn) (any, error) {
		return runBatch(t, fn)
	}})
}

// IfVersion runs fn only if key holds version when the batch reaches it.
// Otherwise nothing is written and the Pending reports not applied.
func (s *Store) IfVersion(key any, version float64, fn func(*Batch)) *Pending {
	return s.conditional(key, IfVersion(version), fn)
}

// IfNoExists runs fn only if key is absent when the batch reaches it.
func (s *Store) IfNoExists(key any, fn func(*Batch)) *Pending {
	return s.conditional(key, IfNoExists, fn)
}

func (s *Store) conditional(key any, c Condition, fn func(*Batch)) *Pending {
	k, err := s.encodeKey(key)
	if err != nil {
		return failed(err)
	}
	return s.env.sched.enqueue(&entry{kind: entryFunc, store: s, order: OrderStrict, fn: func(t *Txn) (any, error) {
		ok, err := s.holds(t.w.txn, k, c)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errNotApplied
		}
		return runBatch(t, fn)
	}})
}

// TransactionSync runs fn on the calling goroutine in its own writer
// transaction, after every write queued before it, and commits before
// returning. fn must not wait on other writes of the same environment.
func (s *Store) TransactionSync(fn func(*Txn) (any, error)) (any, error) {
	var value any
	err := s.env.sched.exclusive(func(w *writer) error {
		v, err := call(fn, &Txn{w: w, sc: &scope{}, store: s})
		if err != nil {
			s.recordTransaction(true)
			return &AbortError{Cause: err}
		}
		s.recordTransaction(false)
		value = v
		return nil
	})
	return value, err
}

// PutSync writes value under key and commits before returning.
func (s *Store) PutSync(key, value any, opts *WriteOptions) (bool, error) {
	e, err := s.putEntry(key, value, opts)
	if err != nil {
		return false, err
	}
	var applied bool
	err = s.env.sched.exclusive(func(w *writer) error {
		var err error
		applied, err = s.put(w.txn, nil, e.key, e.value, e.cond, e.flags)
		return err
	})
	return applied && err == nil, err
}

// RemoveSync removes key and commits before returning.
func (s *Store) RemoveSync(key any, opts *RemoveOptions) (bool, error) {
	e, err := s.removeEntry(key, opts)
	if err != nil {
		return false, err
	}
	var applied bool
	err = s.env.sched.exclusive(func(w *writer) error {
		var err error
		applied, err = s.remove(w.txn, nil, e.key, e.value, e.cond)
		return err
	})
	return applied && err == nil, err
}

// ClearSync removes every entry and commits before returning.
func (s *Store) ClearSync() error {
	return s.env.sched.exclusive(func(w *writer) error {
		return s.table.Drop(w.txn, false)
	})
}

// Stats returns the store's counters and entry counts.
func (s *Store) Stats() (Stats, error) {
	st := s.stats.Stats()
	e := s.env
	if e.closed.Load() {
		return st, ErrClosed
	}
	e.readMu.Lock()
	defer e.unlockRead()
	snap, err := e.snaps.acquire()
	if err != nil {
		return st, err
	}
	ts, err := s.table.Stat(snap.txn)
	if err != nil {
		return st, err
	}
	st.Entries, st.Keys = ts.Entries, ts.Keys
	st.SnapshotGeneration = e.snaps.generation
	return st, nil
}
