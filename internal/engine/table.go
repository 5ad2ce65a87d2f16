package engine

import (
	"bytes"
	"slices"

	bolt "go.etcd.io/bbolt"
)

// TableFlags configure a table. All but Create are persisted and must
// match on every later open.
type TableFlags uint8

const (
	// DupSort allows several sorted values per key.
	DupSort TableFlags = 1 << iota
	// DupFixed requires every duplicate of a key to have the same size.
	DupFixed
	// ReverseKey compares keys starting from their last byte.
	ReverseKey
	// Create makes the table if it does not exist.
	Create
)

const persistedFlags = DupSort | DupFixed | ReverseKey

// PutFlags alter Put.
type PutFlags uint8

const (
	// NoOverwrite fails with StatusKeyExist if the key is present.
	NoOverwrite PutFlags = 1 << iota
	// NoDupData fails with StatusKeyExist if the key/value pair is present.
	NoDupData
	// Append requires the key to sort after every existing key.
	Append
	// AppendDup requires the value to sort after the key's duplicates.
	AppendDup
)

var (
	metaBucket    = []byte("\x00meta")
	defaultBucket = []byte("\x00main")
)

// Table is a named key space inside an environment.
type Table struct {
	env    *Env
	name   string
	bucket []byte
	flags  TableFlags
}

// OpenTable opens the named table, creating it when flags has Create. The
// empty name is the environment's default table. With a nil txn the call
// runs in its own transaction and must not overlap an open writer.
func (e *Env) OpenTable(txn *Txn, name string, flags TableFlags) (*Table, error) {
	t := &Table{env: e, name: name, bucket: bucketName(name), flags: flags &^ Create}
	open := func(tx *bolt.Tx) error {
		return t.open(tx, flags&Create != 0)
	}
	var err error
	switch {
	case txn != nil:
		if err = txn.check("open table"); err == nil {
			err = open(txn.tx)
		}
	case flags&Create != 0 && !e.opts.ReadOnly:
		err = e.db.Update(open)
	default:
		err = e.db.View(open)
	}
	if err != nil {
		return nil, wrap("open table", err)
	}
	e.mu.Lock()
	e.tables[name] = t
	e.mu.Unlock()
	return t, nil
}

func bucketName(name string) []byte {
	if name == "" {
		return defaultBucket
	}
	return []byte(name)
}

func (t *Table) open(tx *bolt.Tx, create bool) error {
	meta := tx.Bucket(metaBucket)
	if meta == nil {
		return newError("open table", StatusNotFound)
	}
	if stored := meta.Get(t.bucket); stored != nil {
		if len(stored) != 1 || TableFlags(stored[0])&persistedFlags != t.flags&persistedFlags {
			return newError("open table", StatusIncompatible)
		}
		return nil
	}
	if !create {
		return newError("open table", StatusNotFound)
	}
	if !tx.Writable() {
		return newError("open table", StatusReadOnly)
	}
	if limit := t.env.opts.MaxTables; limit > 0 {
		n := 0
		c := meta.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		if n >= limit {
			return newError("open table", StatusDBsFull)
		}
	}
	if _, err := tx.CreateBucketIfNotExists(t.bucket); err != nil {
		return err
	}
	return meta.Put(slices.Clone(t.bucket), []byte{byte(t.flags & persistedFlags)})
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Flags returns the persisted table flags.
func (t *Table) Flags() TableFlags { return t.flags }

// DupSort reports whether the table holds duplicate values per key.
func (t *Table) DupSort() bool { return t.flags&DupSort != 0 }

func (t *Table) root(txn *Txn) *bolt.Bucket {
	return txn.tx.Bucket(t.bucket)
}

// storedKey maps a key to its on-disk byte order.
func (t *Table) storedKey(key []byte) []byte {
	if t.flags&ReverseKey == 0 || key == nil {
		return key
	}
	return reversed(key)
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// Get returns the value for key, or the first duplicate in a DupSort
// table.
func (t *Table) Get(txn *Txn, key []byte) ([]byte, bool, error) {
	if err := txn.check("get"); err != nil {
		return nil, false, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	b := t.root(txn)
	if b == nil {
		return nil, false, nil
	}
	sk := t.storedKey(key)
	if t.DupSort() {
		sub := b.Bucket(sk)
		if sub == nil {
			return nil, false, nil
		}
		v, _ := sub.Cursor().First()
		return v, v != nil, nil
	}
	v := b.Get(sk)
	return v, v != nil, nil
}

// Has reports whether key is present with value. A nil value matches any
// value.
func (t *Table) Has(txn *Txn, key, value []byte) (bool, error) {
	if err := txn.check("get"); err != nil {
		return false, err
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	b := t.root(txn)
	if b == nil {
		return false, nil
	}
	sk := t.storedKey(key)
	if !t.DupSort() {
		v := b.Get(sk)
		return v != nil && (value == nil || bytes.Equal(v, value)), nil
	}
	sub := b.Bucket(sk)
	if sub == nil {
		return false, nil
	}
	if value == nil {
		return true, nil
	}
	k, _ := sub.Cursor().Seek(value)
	return k != nil && bytes.Equal(k, value), nil
}

// Put stores value under key.
func (t *Table) Put(txn *Txn, key, value []byte, flags PutFlags) error {
	if err := txn.checkWrite("put"); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	b := t.root(txn)
	if b == nil {
		return newError("put", StatusNotFound)
	}
	sk := slices.Clone(t.storedKey(key))
	if flags&Append != 0 {
		if last, _ := b.Cursor().Last(); last != nil && bytes.Compare(sk, last) <= 0 {
			if !t.DupSort() || !bytes.Equal(sk, last) {
				return newError("put", StatusKeyExist)
			}
		}
	}
	if !t.DupSort() {
		if flags&NoOverwrite != 0 && b.Get(sk) != nil {
			return newError("put", StatusKeyExist)
		}
		if value == nil {
			value = []byte{}
		}
		if err := b.Put(sk, slices.Clone(value)); err != nil {
			return wrap("put", err)
		}
		txn.mutations++
		return nil
	}

	if len(value) == 0 || len(value) > MaxKeySize {
		return newError("put", StatusBadValSize)
	}
	sub := b.Bucket(sk)
	if sub != nil {
		if flags&NoOverwrite != 0 {
			return newError("put", StatusKeyExist)
		}
		c := sub.Cursor()
		first, _ := c.First()
		if t.flags&DupFixed != 0 && first != nil && len(first) != len(value) {
			return newError("put", StatusBadValSize)
		}
		if flags&NoDupData != 0 {
			if k, _ := c.Seek(value); k != nil && bytes.Equal(k, value) {
				return newError("put", StatusKeyExist)
			}
		}
		if flags&AppendDup != 0 {
			if last, _ := c.Last(); last != nil && bytes.Compare(value, last) <= 0 {
				return newError("put", StatusKeyExist)
			}
		}
	} else {
		var err error
		if sub, err = b.CreateBucket(sk); err != nil {
			return wrap("put", err)
		}
	}
	if err := sub.Put(slices.Clone(value), []byte{}); err != nil {
		return wrap("put", err)
	}
	txn.mutations++
	return nil
}

// Delete removes key. In a DupSort table a non-nil value removes only that
// duplicate. It reports whether anything was removed.
func (t *Table) Delete(txn *Txn, key, value []byte) (bool, error) {
	if err := txn.checkWrite("delete"); err != nil {
		return false, err
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	b := t.root(txn)
	if b == nil {
		return false, nil
	}
	sk := t.storedKey(key)
	if !t.DupSort() {
		if b.Get(sk) == nil {
			return false, nil
		}
		if err := b.Delete(sk); err != nil {
			return false, wrap("delete", err)
		}
		txn.mutations++
		return true, nil
	}
	sub := b.Bucket(sk)
	if sub == nil {
		return false, nil
	}
	if value != nil {
		c := sub.Cursor()
		if k, _ := c.Seek(value); k == nil || !bytes.Equal(k, value) {
			return false, nil
		}
		if err := sub.Delete(value); err != nil {
			return false, wrap("delete", err)
		}
		if k, _ := sub.Cursor().First(); k != nil {
			txn.mutations++
			return true, nil
		}
	}
	if err := b.DeleteBucket(sk); err != nil {
		return false, wrap("delete", err)
	}
	txn.mutations++
	return true, nil
}

// Drop empties the table, or removes it entirely when del is set.
func (t *Table) Drop(txn *Txn, del bool) error {
	if err := txn.checkWrite("drop"); err != nil {
		return err
	}
	if err := txn.tx.DeleteBucket(t.bucket); err != nil && err != bolt.ErrBucketNotFound {
		return wrap("drop", err)
	}
	txn.mutations++
	if del {
		if meta := txn.tx.Bucket(metaBucket); meta != nil {
			return wrap("drop", meta.Delete(t.bucket))
		}
		return nil
	}
	_, err := txn.tx.CreateBucket(t.bucket)
	return wrap("drop", err)
}

// TableStat describes a table's contents.
type TableStat struct {
	Keys    int // distinct keys
	Entries int // key/value pairs, counting every duplicate
	Depth   int
}

// Stat counts the table's keys and entries.
func (t *Table) Stat(txn *Txn) (TableStat, error) {
	var st TableStat
	if err := txn.check("stat"); err != nil {
		return st, err
	}
	b := t.root(txn)
	if b == nil {
		return st, nil
	}
	st.Depth = b.Stats().Depth
	err := b.ForEach(func(k, v []byte) error {
		st.Keys++
		if v != nil || !t.DupSort() {
			st.Entries++
			return nil
		}
		return b.Bucket(k).ForEach(func(_, _ []byte) error {
			st.Entries++
			return nil
		})
	})
	return st, wrap("stat", err)
}
