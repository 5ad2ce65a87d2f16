package engine

import (
	bolt "go.etcd.io/bbolt"
)

// Txn is a reader or writer transaction. A reader can be reset, which
// releases its view, and renewed later with a fresh view while the handle
// and the cursors bound to it stay usable after Cursor.Renew.
//
// A Txn must not be used from more than one goroutine at a time.
type Txn struct {
	env      *Env
	tx       *bolt.Tx
	writable bool
	done     bool

	mutations uint64
}

// BeginRead starts a reader transaction.
func (e *Env) BeginRead() (*Txn, error) {
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, wrap("begin read", err)
	}
	return &Txn{env: e, tx: tx}, nil
}

// BeginWrite starts the writer transaction, blocking while another writer
// is open.
func (e *Env) BeginWrite() (*Txn, error) {
	if e.opts.ReadOnly {
		return nil, newError("begin write", StatusReadOnly)
	}
	tx, err := e.db.Begin(true)
	if err != nil {
		return nil, wrap("begin write", err)
	}
	return &Txn{env: e, tx: tx, writable: true}, nil
}

// Writable reports whether this is the writer transaction.
func (t *Txn) Writable() bool { return t.writable }

// Active reports whether the transaction currently holds a view.
func (t *Txn) Active() bool { return t.tx != nil }

// ID is the engine transaction id of the current view.
func (t *Txn) ID() int {
	if t.tx == nil {
		return 0
	}
	return t.tx.ID()
}

// Mutations counts writes made through this transaction. Cursors over a
// writer transaction must be re-positioned when it changes.
func (t *Txn) Mutations() uint64 { return t.mutations }

// Reset releases a reader's view but keeps the handle for Renew.
func (t *Txn) Reset() {
	if t.writable || t.tx == nil {
		return
	}
	t.tx.Rollback()
	t.tx = nil
}

// Renew gives a reset reader a fresh view of the latest commit.
func (t *Txn) Renew() error {
	if t.writable || t.done {
		return newError("renew", StatusBadTxn)
	}
	if t.tx != nil {
		return nil
	}
	tx, err := t.env.db.Begin(false)
	if err != nil {
		return wrap("renew", err)
	}
	t.tx = tx
	return nil
}

// Abort ends the transaction, discarding any writes.
func (t *Txn) Abort() {
	if t.tx != nil {
		t.tx.Rollback()
		t.tx = nil
	}
	t.done = true
}

// Commit makes a writer's changes durable. On a reader it is Abort.
func (t *Txn) Commit() error {
	if t.done || t.tx == nil {
		return newError("commit", StatusBadTxn)
	}
	if !t.writable {
		t.Abort()
		return nil
	}
	err := t.tx.Commit()
	t.tx = nil
	t.done = true
	return wrap("commit", err)
}

func (t *Txn) check(op string) error {
	if t == nil || t.tx == nil {
		return newError(op, StatusBadTxn)
	}
	return nil
}

func (t *Txn) checkWrite(op string) error {
	if err := t.check(op); err != nil {
		return err
	}
	if !t.writable {
		return newError(op, StatusReadOnly)
	}
	return nil
}
