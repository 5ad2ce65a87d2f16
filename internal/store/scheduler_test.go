package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func readKey(key string) func(*Txn) (any, error) {
	return func(tx *Txn) (any, error) {
		v, _, err := tx.Get(key)
		return v, err
	}
}

func TestTransactionOrder(t *testing.T) {
	env := openTestEnv(t, Config{})
	after := openTestStore(t, env, "after", TableOptions{})
	strict := openTestStore(t, env, "strict", TableOptions{TxnOrder: OrderStrict})
	before := openTestStore(t, env, "before", TableOptions{TxnOrder: OrderBefore})
	ctx := testContext(t)

	release := env.Hold()
	held := strict.Put("k", "old", nil)
	pb := before.Transaction(readKey("k"))
	before.Put("k", "new", nil)
	pa := after.Transaction(readKey("k"))
	after.Put("k", "new", nil)
	ps := strict.Transaction(readKey("k"))
	strict.Put("k", "new", nil)

	select {
	case <-held.Done():
		t.Fatal("write settled while held")
	case <-time.After(20 * time.Millisecond):
	}
	release()

	if v, err := pa.Value(ctx); err != nil || v != "new" {
		t.Errorf("after-mode read = %v, %v; want new", v, err)
	}
	if v, err := ps.Value(ctx); err != nil || v != "old" {
		t.Errorf("strict-mode read = %v, %v; want old", v, err)
	}
	if v, err := pb.Value(ctx); err != nil || v != nil {
		t.Errorf("before-mode read = %v, %v; want nil", v, err)
	}
}

func TestOrderedEntries(t *testing.T) {
	mk := func(kind entryKind, order TxnOrder) *entry { return &entry{kind: kind, order: order} }
	a := mk(entryFunc, OrderAfter)
	p1 := mk(entryPut, "")
	b := mk(entryFunc, OrderBefore)
	s := mk(entryFunc, OrderStrict)
	p2 := mk(entryRemove, "")
	got := ordered([]*entry{a, p1, b, s, p2})
	want := []*entry{b, p1, s, p2, a}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ordered()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestTransactionAbort(t *testing.T) {
	env := openTestEnv(t, Config{})
	s := openTestStore(t, env, "", TableOptions{})
	ctx := testContext(t)
	mustWait(t, s.Put("a", "1", nil))

	boom := errors.New("boom")
	tests := []struct {
		name  string
		fn    func(*Txn) (any, error)
		cause error
	}{
		{"abort", func(tx *Txn) (any, error) {
			tx.Put("a", "2", nil)
			tx.Put("b", "x", nil)
			return nil, ErrAbort
		}, ErrAbort},
		{"error", func(tx *Txn) (any, error) {
			tx.Remove("a", nil)
			return nil, boom
		}, boom},
		{"panic", func(tx *Txn) (any, error) {
			tx.Put("c", "x", nil)
			panic("kaboom")
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := env.Hold()
			p := s.Transaction(tt.fn)
			sibling := s.Put("sibling-"+tt.name, "ok", nil)
			release()

			_, err := p.Wait(ctx)
			if !errors.Is(err, ErrTransactionAborted) {
				t.Fatalf("Wait = %v, want ErrTransactionAborted", err)
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("Wait = %v, want cause %v", err, tt.cause)
			}
			if !mustWait(t, sibling) {
				t.Error("sibling write not applied")
			}
			if v := mustGet(t, s, "a"); v != "1" {
				t.Errorf("a = %v, want 1", v)
			}
			for _, k := range []string{"b", "c"} {
				if _, ok, _ := s.Get(k); ok {
					t.Errorf("%s survived an aborted transaction", k)
				}
			}
		})
	}
	if st := env.Stats(); st.Aborted != 3 {
		t.Errorf("Aborted = %d, want 3", st.Aborted)
	}
}

func TestNestedScopes(t *testing.T) {
	env := openTestEnv(t, Config{})
	s := openTestStore(t, env, "", TableOptions{})
	ctx := testContext(t)

	p := s.Transaction(func(tx *Txn) (any, error) {
		tx.Put("outer", "1", nil)
		_, err := tx.Child(func(c *Txn) (any, error) {
			c.Put("inner", "1", nil)
			return nil, ErrAbort
		})
		if !errors.Is(err, ErrTransactionAborted) {
			return nil, fmt.Errorf("child error = %v", err)
		}
		return "done", nil
	})
	if v, err := p.Value(ctx); err != nil || v != "done" {
		t.Fatalf("Value = %v, %v", v, err)
	}
	if _, ok, _ := s.Get("outer"); !ok {
		t.Error("outer missing")
	}
	if _, ok, _ := s.Get("inner"); ok {
		t.Error("aborted child write survived")
	}

	// a committed child is undone by an aborting parent
	_, err := s.Transaction(func(tx *Txn) (any, error) {
		if _, err := tx.Child(func(c *Txn) (any, error) {
			return c.Put("nested", "1", nil)
		}); err != nil {
			return nil, err
		}
		return nil, ErrAbort
	}).Wait(ctx)
	if !errors.Is(err, ErrAbort) {
		t.Fatalf("Wait = %v, want ErrAbort", err)
	}
	if _, ok, _ := s.Get("nested"); ok {
		t.Error("child write survived its parent's abort")
	}
}

func TestChildTransaction(t *testing.T) {
	env := openTestEnv(t, Config{})
	s := openTestStore(t, env, "", TableOptions{})
	ctx := testContext(t)

	release := env.Hold()
	parent := s.Transaction(func(tx *Txn) (any, error) {
		return tx.Put("p", "1", nil)
	})
	child := s.ChildTransaction(parent, readKey("p"))
	failing := s.Transaction(func(tx *Txn) (any, error) {
		tx.Put("x", "1", nil)
		return nil, ErrAbort
	})
	orphan := s.ChildTransaction(failing, func(tx *Txn) (any, error) {
		return tx.Put("y", "1", nil)
	})
	release()

	if v, err := child.Value(ctx); err != nil || v != "1" {
		t.Errorf("child saw p = %v, %v; want 1", v, err)
	}
	_, err := orphan.Wait(ctx)
	if !errors.Is(err, ErrTransactionAborted) || !errors.Is(err, errParentAborted) {
		t.Errorf("orphan = %v, want parent aborted", err)
	}
	if _, ok, _ := s.Get("y"); ok {
		t.Error("child of an aborted parent ran")
	}
	if _, err := s.ChildTransaction(s.Put("z", "1", nil), readKey("z")).Wait(ctx); err == nil {
		t.Error("child of a plain put was accepted")
	}
}

func TestLateChildFollowsParentOutcome(t *testing.T) {
	env := openTestEnv(t, Config{})
	s := openTestStore(t, env, "", TableOptions{})
	ctx := testContext(t)

	mustWait(t, s.Put("taken", "1", nil))
	skipped := s.IfNoExists("taken", func(b *Batch) { b.Put("taken", "2", nil) })
	if mustWait(t, skipped) {
		t.Fatal("IfNoExists applied over an existing key")
	}
	_, err := s.ChildTransaction(skipped, func(tx *Txn) (any, error) {
		return tx.Put("after-skipped", "1", nil)
	}).Wait(ctx)
	if !errors.Is(err, ErrTransactionAborted) || !errors.Is(err, errParentAborted) {
		t.Errorf("child of a not applied parent = %v, want parent aborted", err)
	}
	if _, ok, _ := s.Get("after-skipped"); ok {
		t.Error("child of a not applied parent ran")
	}

	done := s.Transaction(func(tx *Txn) (any, error) {
		return tx.Put("p", "1", nil)
	})
	if !mustWait(t, done) {
		t.Fatal("parent not applied")
	}
	if !mustWait(t, s.ChildTransaction(done, func(tx *Txn) (any, error) {
		return tx.Put("after-done", "1", nil)
	})) {
		t.Error("child of a committed parent not applied")
	}
	if v := mustGet(t, s, "after-done"); v != "1" {
		t.Errorf("Get(after-done) = %v, want 1", v)
	}
}

func TestSyncAfterQueuedWrites(t *testing.T) {
	env := openTestEnv(t, Config{})
	s := openTestStore(t, env, "", TableOptions{})

	queued := s.Put("k", "async", nil)
	v, err := s.TransactionSync(func(tx *Txn) (any, error) {
		v, _, err := tx.Get("k")
		if err != nil {
			return nil, err
		}
		_, err = tx.Put("k", "sync", nil)
		return v, err
	})
	if err != nil || v != "async" {
		t.Fatalf("TransactionSync = %v, %v; want async", v, err)
	}
	select {
	case <-queued.Done():
	default:
		t.Error("queued write not settled before the synchronous transaction")
	}
	if v := mustGet(t, s, "k"); v != "sync" {
		t.Errorf("Get(k) = %v, want sync", v)
	}

	_, err = s.TransactionSync(func(tx *Txn) (any, error) {
		tx.Put("gone", "1", nil)
		return nil, ErrAbort
	})
	if !errors.Is(err, ErrTransactionAborted) {
		t.Errorf("aborted TransactionSync = %v", err)
	}
	if _, ok, _ := s.Get("gone"); ok {
		t.Error("aborted synchronous write survived")
	}
}

func TestTxnUnusableAfterReturn(t *testing.T) {
	env := openTestEnv(t, Config{})
	s := openTestStore(t, env, "", TableOptions{})

	var leaked *Txn
	if _, err := s.TransactionSync(func(tx *Txn) (any, error) {
		leaked = tx
		return nil, nil
	}); err != nil {
		t.Fatalf("TransactionSync: %v", err)
	}
	if _, err := leaked.Put("a", "1", nil); !errors.Is(err, ErrTxnFinished) {
		t.Errorf("Put on a finished Txn = %v, want ErrTxnFinished", err)
	}
}

func TestBatchSealing(t *testing.T) {
	env := openTestEnv(t, Config{MaxBatchOps: 3})
	s := openTestStore(t, env, "", TableOptions{})
	ctx := testContext(t)
	before := env.Stats().Batches

	release := env.Hold()
	for i := 0; i < 7; i++ {
		s.Put(i, "v", nil)
	}
	release()
	if err := env.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := env.Stats().Batches - before; got != 3 {
		t.Errorf("batches = %d, want 3", got)
	}
}

func TestCommitDelayGroupsWrites(t *testing.T) {
	env := openTestEnv(t, Config{CommitDelay: time.Second})
	s := openTestStore(t, env, "", TableOptions{})
	ctx := testContext(t)
	before := env.Stats().Batches

	var last *Pending
	for i := 0; i < 10; i++ {
		last = s.Put(i, "v", nil)
	}
	if err := env.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !mustWait(t, last) {
		t.Error("last write not applied")
	}
	if got := env.Stats().Batches - before; got != 1 {
		t.Errorf("batches = %d, want 1", got)
	}
}

func TestWriterFailureSettlesEveryEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeded.db")
	seed := openTestEnv(t, Config{Path: path})
	mustWait(t, openTestStore(t, seed, "", TableOptions{}).Put("seed", "1", nil))
	if err := seed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	env := openTestEnv(t, Config{Path: path, ReadOnly: true})
	s := openTestStore(t, env, "", TableOptions{})
	ctx := testContext(t)
	p1 := s.Put("x", "1", nil)
	p2 := s.Transaction(readKey("seed"))
	for _, p := range []*Pending{p1, p2} {
		if _, err := p.Wait(ctx); !errors.Is(err, ErrEngine) {
			t.Errorf("write on read-only env = %v, want ErrEngine", err)
		}
	}
	if v := mustGet(t, s, "seed"); v != "1" {
		t.Errorf("read-only Get(seed) = %v", v)
	}
}
