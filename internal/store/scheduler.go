package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/lmstore/internal/engine"
	"github.com/freeeve/lmstore/internal/scratch"
)

const (
	// DefaultMaxBatchOps seals a batch once it holds this many entries.
	DefaultMaxBatchOps = 10000
	// DefaultMaxBatchBytes seals a batch once its keys and values reach
	// this size.
	DefaultMaxBatchBytes = 16 << 20
)

type entryKind uint8

const (
	entryPut entryKind = iota
	entryRemove
	entryClear
	entryFunc
)

// entry is one queued write. Put and remove entries carry encoded bytes;
// function entries carry the function and its scheduled children.
type entry struct {
	kind  entryKind
	store *Store
	key   []byte
	value []byte
	cond  Condition
	flags engine.PutFlags

	fn       func(*Txn) (any, error)
	order    TxnOrder
	children []*entry
	// after is a parent whose batch had already started when this child
	// was scheduled.
	after *entry

	batch *batch
	res   result
}

func (e *entry) size() int {
	return len(e.key) + len(e.value)
}

// batch is a group of entries committed in one engine write transaction.
type batch struct {
	entries []*entry
	bytes   int
	ready   bool // CommitDelay elapsed
	sealed  bool // no more entries
	started bool // handed to the engine
	done    chan struct{}
}

// job is either a batch or a handoff of the writer slot to a synchronous
// caller.
type job struct {
	batch    *batch
	grant    chan struct{}
	release  chan struct{}
	finished chan struct{}
}

// scheduler queues writes for the committer goroutine. Jobs run strictly
// in FIFO order.
type scheduler struct {
	env *Env
	log zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []*job
	open   *batch
	holds  int
	closed bool

	maxOps   int
	maxBytes int
	delay    time.Duration

	// arena stages keys for writer-scope reads; only the holder of the
	// writer slot touches it.
	arena *scratch.Arena

	done chan struct{}
}

func newScheduler(env *Env, cfg Config, log zerolog.Logger) *scheduler {
	s := &scheduler{
		env:      env,
		log:      log,
		maxOps:   cfg.MaxBatchOps,
		maxBytes: cfg.MaxBatchBytes,
		delay:    cfg.CommitDelay,
		arena:    scratch.New(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enqueue adds e to the accumulating batch, opening one if needed.
func (s *scheduler) enqueue(e *entry) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return failed(ErrClosed)
	}
	b := s.open
	if b == nil {
		b = s.newBatch()
	}
	e.batch = b
	b.entries = append(b.entries, e)
	b.bytes += e.size()
	if len(b.entries) >= s.maxOps || b.bytes >= s.maxBytes {
		b.sealed = true
		s.open = nil
	}
	s.cond.Broadcast()
	return &Pending{res: &e.res, done: b.done, ent: e}
}

// newBatch opens an accumulating batch. Callers hold s.mu.
func (s *scheduler) newBatch() *batch {
	b := &batch{done: make(chan struct{}), ready: s.delay <= 0}
	if !b.ready {
		time.AfterFunc(s.delay, func() {
			s.mu.Lock()
			b.ready = true
			s.cond.Broadcast()
			s.mu.Unlock()
		})
	}
	s.open = b
	s.jobs = append(s.jobs, &job{batch: b, finished: make(chan struct{})})
	return b
}

// child schedules e to run after parent's function, inside its scope.
func (s *scheduler) child(parent *Pending, e *entry) *Pending {
	pe := parent.ent
	if pe == nil || pe.kind != entryFunc {
		return failed(fmt.Errorf("child transaction: parent is not a transaction function"))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return failed(ErrClosed)
	}
	if !pe.batch.started {
		e.batch = pe.batch
		pe.children = append(pe.children, e)
		s.mu.Unlock()
		return &Pending{res: &e.res, done: pe.batch.done, ent: e}
	}
	s.mu.Unlock()
	e.after = pe
	return s.enqueue(e)
}

// hold stops batches from being dispatched until the returned func runs.
func (s *scheduler) hold() func() {
	s.mu.Lock()
	s.holds++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.holds--
			s.cond.Broadcast()
			s.mu.Unlock()
		})
	}
}

// flush seals the accumulating batch and waits for every queued job.
func (s *scheduler) flush(ctx context.Context) error {
	s.mu.Lock()
	if s.open != nil {
		s.open.sealed = true
		s.open = nil
		s.cond.Broadcast()
	}
	if len(s.jobs) == 0 {
		s.mu.Unlock()
		return nil
	}
	last := s.jobs[len(s.jobs)-1].finished
	s.mu.Unlock()
	select {
	case <-last:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next blocks until a job can run. It returns nil once closed and drained.
func (s *scheduler) next() *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.jobs) > 0 {
			j := s.jobs[0]
			if j.batch == nil {
				return j
			}
			b := j.batch
			if s.closed || (s.holds == 0 && (b.ready || b.sealed)) {
				b.sealed, b.started = true, true
				if s.open == b {
					s.open = nil
				}
				return j
			}
		} else if s.closed {
			return nil
		}
		s.cond.Wait()
	}
}

func (s *scheduler) process(j *job) {
	if j.batch == nil {
		close(j.grant)
		<-j.release
	} else {
		s.commit(j.batch)
	}
	s.mu.Lock()
	s.jobs = s.jobs[1:]
	s.mu.Unlock()
	close(j.finished)
}

// commit runs every entry of b in one writer transaction.
func (s *scheduler) commit(b *batch) {
	defer close(b.done)
	s.env.beginWrite()
	defer s.env.endWrite()
	start := time.Now()
	txn, err := s.env.eng.BeginWrite()
	if err != nil {
		s.log.Error().Err(err).Int("entries", len(b.entries)).Msg("begin batch")
		failBatch(b.entries, err)
		return
	}
	w := &writer{txn: txn, arena: s.arena, active: true}
	for _, e := range ordered(b.entries) {
		s.execute(w, e)
	}
	w.active = false
	if err := txn.Commit(); err != nil {
		s.log.Error().Err(err).Int("entries", len(b.entries)).Msg("commit batch")
		failBatch(b.entries, err)
		return
	}
	d := time.Since(start)
	s.env.stats.RecordBatch(d)
	s.log.Debug().Int("entries", len(b.entries)).Int("bytes", b.bytes).Dur("took", d).Msg("committed batch")
}

// ordered returns entries in execution order: before-mode functions, then
// plain writes and strict-mode functions as submitted, then after-mode
// functions.
func ordered(entries []*entry) []*entry {
	out := make([]*entry, 0, len(entries))
	for _, e := range entries {
		if e.kind == entryFunc && e.order == OrderBefore {
			out = append(out, e)
		}
	}
	for _, e := range entries {
		if e.kind != entryFunc || e.order == OrderStrict {
			out = append(out, e)
		}
	}
	for _, e := range entries {
		if e.kind == entryFunc && e.order == OrderAfter {
			out = append(out, e)
		}
	}
	return out
}

func (s *scheduler) execute(w *writer, e *entry) {
	st := e.store
	switch e.kind {
	case entryPut:
		applied, err := st.put(w.txn, nil, e.key, e.value, e.cond, e.flags)
		e.res = result{applied: applied, err: err}
	case entryRemove:
		applied, err := st.remove(w.txn, nil, e.key, e.value, e.cond)
		e.res = result{applied: applied, err: err}
	case entryClear:
		err := st.table.Drop(w.txn, false)
		e.res = result{applied: err == nil, err: err}
	case entryFunc:
		s.runFunc(w, nil, e)
	}
}

// runFunc runs a function entry in its own scope, then its children in
// that scope. A failed or not applied function is rolled back and its
// children settle aborted without running.
func (s *scheduler) runFunc(w *writer, parent *scope, e *entry) {
	if e.after != nil && (e.after.res.err != nil || !e.after.res.applied) {
		abortTree(e, errParentAborted)
		return
	}
	sc := &scope{parent: parent}
	value, err := call(e.fn, &Txn{w: w, sc: sc, store: e.store})
	if errors.Is(err, errNotApplied) {
		if rerr := sc.rollback(w.txn); rerr != nil {
			e.res = result{err: rerr}
			return
		}
		e.res = result{}
		for _, c := range e.children {
			abortTree(c, errParentAborted)
		}
		return
	}
	if err != nil {
		if rerr := sc.rollback(w.txn); rerr != nil {
			s.log.Error().Err(rerr).Msg("roll back transaction")
		}
		e.res = result{err: &AbortError{Cause: err}}
		e.store.recordTransaction(true)
		for _, c := range e.children {
			abortTree(c, errParentAborted)
		}
		return
	}
	for _, c := range e.children {
		s.runFunc(w, sc, c)
	}
	sc.commitTo(parent)
	e.res = result{value: value, applied: true}
	e.store.recordTransaction(false)
}

func abortTree(e *entry, cause error) {
	e.res = result{err: &AbortError{Cause: cause}}
	for _, c := range e.children {
		abortTree(c, cause)
	}
}

func failBatch(entries []*entry, err error) {
	for _, e := range entries {
		e.res = result{err: err}
		failBatch(e.children, err)
	}
}

// exclusive hands the writer slot to the caller once every job queued
// before it has settled, runs fn in a fresh writer transaction and commits
// it. An accumulating batch is sealed first so it commits ahead of fn.
func (s *scheduler) exclusive(fn func(w *writer) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.open != nil {
		s.open.sealed = true
		s.open = nil
	}
	j := &job{grant: make(chan struct{}), release: make(chan struct{}), finished: make(chan struct{})}
	s.jobs = append(s.jobs, j)
	s.cond.Broadcast()
	s.mu.Unlock()

	<-j.grant
	defer close(j.release)
	s.env.beginWrite()
	defer s.env.endWrite()

	start := time.Now()
	txn, err := s.env.eng.BeginWrite()
	if err != nil {
		return err
	}
	w := &writer{txn: txn, arena: s.arena, active: true}
	err = fn(w)
	w.active = false
	if err != nil {
		txn.Abort()
		return err
	}
	if err := txn.Commit(); err != nil {
		s.log.Error().Err(err).Msg("commit synchronous transaction")
		return err
	}
	s.env.stats.RecordBatch(time.Since(start))
	return nil
}
