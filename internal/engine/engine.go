// Package engine is the boundary to the single-writer B+tree engine. It
// adapts bbolt to the primitive set the store layer is written against:
// environments, named tables with duplicate-key and reverse-key flags,
// reader and writer transactions that can be reset and renewed, and
// cursors positioned over a key range.
//
// Values returned by Get, Cursor.Key and Cursor.Value point into the
// memory map and are only valid until the transaction ends or, in a
// writer transaction, until the next write.
package engine

import (
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultMapSize is the initial memory map size.
const DefaultMapSize = 64 << 20

// Options configures an environment.
type Options struct {
	// MapSize is the initial mmap size. Commits that outgrow it must wait
	// for open readers to finish, so size it for the expected data set.
	MapSize  int64
	NoSync   bool
	ReadOnly bool
	// Timeout bounds the wait for the file lock. Zero waits forever.
	Timeout time.Duration
	// MaxTables caps the number of named tables. Zero means no limit.
	MaxTables int
	PageSize  int
	FileMode  os.FileMode
}

// Env is an open engine environment: one database file holding any
// number of named tables.
type Env struct {
	db   *bolt.DB
	opts Options

	mu     sync.Mutex
	tables map[string]*Table
}

// Open opens or creates the environment at path.
func Open(path string, opts Options) (*Env, error) {
	if opts.MapSize <= 0 {
		opts.MapSize = DefaultMapSize
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0o600
	}
	db, err := bolt.Open(path, opts.FileMode, &bolt.Options{
		Timeout:         opts.Timeout,
		NoSync:          opts.NoSync,
		ReadOnly:        opts.ReadOnly,
		InitialMmapSize: int(opts.MapSize),
		PageSize:        opts.PageSize,
		FreelistType:    bolt.FreelistMapType,
	})
	if err != nil {
		return nil, wrap("open", err)
	}
	env := &Env{db: db, opts: opts, tables: make(map[string]*Table)}
	if !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(metaBucket)
			return err
		})
		if err != nil {
			db.Close()
			return nil, wrap("open", err)
		}
	}
	return env, nil
}

// Close closes the environment. Open transactions must be finished first.
func (e *Env) Close() error {
	e.mu.Lock()
	e.tables = make(map[string]*Table)
	e.mu.Unlock()
	return wrap("close", e.db.Close())
}

// Path returns the database file path.
func (e *Env) Path() string {
	return e.db.Path()
}

// ReadOnly reports whether the environment refuses writer transactions.
func (e *Env) ReadOnly() bool {
	return e.opts.ReadOnly
}

// EnvStat holds engine-level counters.
type EnvStat struct {
	ReadTxns     int // read transactions started
	OpenReadTxns int
	FreePages    int
	PendingPages int
	PageSize     int
	MapSize      int64
	Tables       int
}

// Stat returns engine counters.
func (e *Env) Stat() EnvStat {
	s := e.db.Stats()
	e.mu.Lock()
	n := len(e.tables)
	e.mu.Unlock()
	return EnvStat{
		ReadTxns:     s.TxN,
		OpenReadTxns: s.OpenTxN,
		FreePages:    s.FreePageN,
		PendingPages: s.PendingPageN,
		PageSize:     e.db.Info().PageSize,
		MapSize:      e.opts.MapSize,
		Tables:       n,
	}
}

// CopyTo writes a consistent copy of the database to path using txn, or a
// private read transaction when txn is nil.
func (e *Env) CopyTo(txn *Txn, path string) error {
	if txn != nil {
		if err := txn.check("copy"); err != nil {
			return err
		}
		return wrap("copy", txn.tx.CopyFile(path, e.opts.FileMode))
	}
	return wrap("copy", e.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, e.opts.FileMode)
	}))
}
