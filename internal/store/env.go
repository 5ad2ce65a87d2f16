package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/lmstore/internal/engine"
	"github.com/freeeve/lmstore/internal/logx"
	"github.com/freeeve/lmstore/internal/scratch"
)

// Config configures an Env
type Config struct {
	Path      string
	MapSize   int64 // initial memory map size, default 64MB
	NoSync    bool
	ReadOnly  bool
	Timeout   time.Duration // wait for the file lock, default forever
	MaxTables int           // 0 = unlimited

	CommitDelay   time.Duration // let a new batch collect writes before committing, default 0
	MaxBatchOps   int           // default 10000
	MaxBatchBytes int           // default 16MB

	TxnOrder TxnOrder // default OrderAfter

	// Compression defaults for tables that do not set their own.
	Compression          bool
	CompressionThreshold int
	CompressionLevel     string

	Logger *zerolog.Logger // default: discard
}

// Env is an open database file: the engine, the shared read snapshot and
// the write scheduler.
type Env struct {
	cfg Config
	eng *engine.Env
	log zerolog.Logger

	// readMu serializes every use of the shared snapshot, the cursor pools
	// and the read arena.
	readMu sync.Mutex
	snaps  *snapshotManager
	arena  *scratch.Arena

	sched *scheduler
	stats *StatsCollector

	mu     sync.Mutex
	stores []*Store
	closed atomic.Bool

	warnBefore sync.Once
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Env, error) {
	// Apply defaults
	if cfg.MapSize == 0 {
		cfg.MapSize = engine.DefaultMapSize
	}
	if cfg.MaxBatchOps == 0 {
		cfg.MaxBatchOps = DefaultMaxBatchOps
	}
	if cfg.MaxBatchBytes == 0 {
		cfg.MaxBatchBytes = DefaultMaxBatchBytes
	}
	order, err := ParseTxnOrder(string(cfg.TxnOrder))
	if err != nil {
		return nil, err
	}
	cfg.TxnOrder = order
	log := logx.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	if dir := filepath.Dir(cfg.Path); !cfg.ReadOnly && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	eng, err := engine.Open(cfg.Path, engine.Options{
		MapSize:   cfg.MapSize,
		NoSync:    cfg.NoSync,
		ReadOnly:  cfg.ReadOnly,
		Timeout:   cfg.Timeout,
		MaxTables: cfg.MaxTables,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}

	e := &Env{
		cfg:   cfg,
		eng:   eng,
		log:   logx.Component(log, "store"),
		arena: scratch.New(),
		stats: NewStatsCollector(),
	}
	e.snaps = newSnapshotManager(eng, logx.Component(log, "snapshot"))
	e.sched = newScheduler(e, cfg, logx.Component(log, "scheduler"))
	e.sched.start()

	e.log.Info().Str("path", cfg.Path).Bool("read_only", cfg.ReadOnly).Int64("map_size", cfg.MapSize).Msg("opened environment")
	return e, nil
}

// Close waits for queued writes, releases every snapshot and closes the
// database. Writes submitted afterwards fail with ErrClosed.
func (e *Env) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.sched.stop()

	e.mu.Lock()
	stores := e.stores
	e.stores = nil
	e.mu.Unlock()

	e.readMu.Lock()
	for _, s := range stores {
		s.close()
	}
	e.snaps.close()
	e.readMu.Unlock()

	err := e.eng.Close()
	e.log.Info().Str("path", e.cfg.Path).Msg("closed environment")
	return err
}

// Path returns the database file path.
func (e *Env) Path() string {
	return e.cfg.Path
}

// endTurn retires the shared read view.
func (e *Env) endTurn() {
	e.readMu.Lock()
	e.snaps.endTurn()
	e.readMu.Unlock()
}

// beginWrite retires the shared read view ahead of a writer transaction.
// Until endWrite, reads drop their view as soon as they finish.
func (e *Env) beginWrite() {
	e.readMu.Lock()
	e.snaps.beginWrite()
	e.readMu.Unlock()
}

func (e *Env) endWrite() {
	e.readMu.Lock()
	e.snaps.endWrite()
	e.readMu.Unlock()
}

// unlockRead releases readMu at the end of a read.
func (e *Env) unlockRead() {
	e.snaps.yield()
	e.readMu.Unlock()
}

// ResetReadTxn ends the current read turn so the next read sees the latest
// commit. Open snapshot iterators keep their view.
func (e *Env) ResetReadTxn() {
	e.endTurn()
}

// EnsureReadTxn opens the shared snapshot ahead of the first read.
func (e *Env) EnsureReadTxn() error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.readMu.Lock()
	defer e.unlockRead()
	_, err := e.snaps.acquire()
	return err
}

// Flush seals the accumulating batch and waits until every queued write
// has settled.
func (e *Env) Flush(ctx context.Context) error {
	return e.sched.flush(ctx)
}

// Hold keeps queued batches from committing until release is called. Use
// it to group writes submitted from several places into one batch.
func (e *Env) Hold() (release func()) {
	return e.sched.hold()
}

// Backup writes a consistent copy of the database to path.
func (e *Env) Backup(path string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.readMu.Lock()
	defer e.unlockRead()
	snap, err := e.snaps.acquire()
	if err != nil {
		return err
	}
	if err := e.eng.CopyTo(snap.txn, path); err != nil {
		return err
	}
	e.log.Info().Str("path", path).Msg("backup written")
	return nil
}

// Stats returns environment-wide counters.
func (e *Env) Stats() Stats {
	st := e.stats.Stats()
	es := e.eng.Stat()
	st.ReadTxns = es.ReadTxns
	st.OpenReadTxns = es.OpenReadTxns
	st.Tables = es.Tables

	e.readMu.Lock()
	st.SnapshotGeneration = e.snaps.generation
	st.OpenCursors = e.snaps.openCursors()
	st.PinnedSnapshots = len(e.snaps.pinned)
	e.readMu.Unlock()
	return st
}

// OpenTable opens the named store, creating it unless the environment is
// read-only. The empty name is the default store.
func (e *Env) OpenTable(name string, opts TableOptions) (*Store, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	s, err := newStore(e, name, opts)
	if err != nil {
		return nil, err
	}
	flags := s.tableFlags()
	if e.cfg.ReadOnly {
		s.table, err = e.eng.OpenTable(nil, name, flags)
	} else {
		err = e.sched.exclusive(func(w *writer) error {
			var err error
			s.table, err = e.eng.OpenTable(w.txn, name, flags|engine.Create)
			return err
		})
	}
	if err != nil {
		s.close()
		if hasStatus(err, engine.StatusIncompatible) {
			return nil, &ConfigError{Table: name, Reason: "flags differ from the existing table"}
		}
		return nil, err
	}
	if s.order == OrderBefore {
		e.warnBefore.Do(func() {
			e.log.Warn().Str("table", name).Msg("transaction order \"before\" is deprecated, use \"after\" or \"strict\"")
		})
	}

	e.mu.Lock()
	e.stores = append(e.stores, s)
	e.mu.Unlock()
	e.log.Debug().Str("table", name).Bool("dupsort", opts.DupSort).Bool("versions", opts.UseVersions).Msg("opened table")
	return s, nil
}
