package store

import "fmt"

// OpType is the kind of an Operation.
type OpType uint8

const (
	OpPut OpType = iota
	OpRemove
)

// Operation is one write of a Store.Batch call.
type Operation struct {
	Type OpType
	// Store defaults to the store Batch is called on.
	Store   *Store
	Key     any
	Value   any
	Version float64
	If      Condition
}

// Batch collects writes made from a BatchFunc, IfVersion or IfNoExists
// callback. The writes commit together; the first failing write rolls all
// of them back.
type Batch struct {
	t     *Txn
	state *batchState
}

type batchState struct {
	err     error
	applied int
}

// For returns a Batch writing to other in the same group.
func (b *Batch) For(other *Store) *Batch {
	return &Batch{t: b.t.Store(other), state: b.state}
}

// Put queues a put in the group.
func (b *Batch) Put(key, value any, opts *WriteOptions) {
	if b.state.err != nil {
		return
	}
	ok, err := b.t.Put(key, value, opts)
	b.record(ok, err)
}

// Remove queues a remove in the group.
func (b *Batch) Remove(key any, opts *RemoveOptions) {
	if b.state.err != nil {
		return
	}
	ok, err := b.t.Remove(key, opts)
	b.record(ok, err)
}

func (b *Batch) record(ok bool, err error) {
	if err != nil {
		b.state.err = err
		return
	}
	if ok {
		b.state.applied++
	}
}

// runBatch runs fn against a fresh Batch and returns how many writes
// applied.
func runBatch(t *Txn, fn func(*Batch)) (any, error) {
	b := &Batch{t: t, state: &batchState{}}
	fn(b)
	if b.state.err != nil {
		return nil, b.state.err
	}
	return b.state.applied, nil
}

// batchFunc validates ops and returns the function that applies them.
func (s *Store) batchFunc(ops []Operation) (func(*Txn) (any, error), error) {
	type staged struct {
		st *Store
		e  *entry
	}
	plan := make([]staged, 0, len(ops))
	for i, op := range ops {
		st := op.Store
		if st == nil {
			st = s
		}
		if st.env != s.env {
			return nil, fmt.Errorf("operation %d: store %q belongs to another environment", i, st.name)
		}
		var e *entry
		var err error
		switch op.Type {
		case OpPut:
			e, err = st.putEntry(op.Key, op.Value, &WriteOptions{Version: op.Version, If: op.If})
		case OpRemove:
			e, err = st.removeEntry(op.Key, &RemoveOptions{Value: op.Value, If: op.If})
		default:
			err = fmt.Errorf("unknown operation type %d", op.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		plan = append(plan, staged{st: st, e: e})
	}
	return func(t *Txn) (any, error) {
		applied := 0
		for _, op := range plan {
			var ok bool
			var err error
			if op.e.kind == entryPut {
				ok, err = op.st.put(t.w.txn, t.sc, op.e.key, op.e.value, op.e.cond, op.e.flags)
			} else {
				ok, err = op.st.remove(t.w.txn, t.sc, op.e.key, op.e.value, op.e.cond)
			}
			if err != nil {
				return nil, err
			}
			if ok {
				applied++
			}
		}
		return applied, nil
	}, nil
}
