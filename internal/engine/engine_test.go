package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	env, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{NoSync: true, MapSize: 1 << 20})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func openTestTable(t *testing.T, env *Env, name string, flags TableFlags) *Table {
	t.Helper()
	tbl, err := env.OpenTable(nil, name, flags|Create)
	if err != nil {
		t.Fatalf("OpenTable(%q): %v", name, err)
	}
	return tbl
}

func update(t *testing.T, env *Env, fn func(txn *Txn)) {
	t.Helper()
	txn, err := env.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	fn(txn)
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func mustPut(t *testing.T, tbl *Table, txn *Txn, key, value string) {
	t.Helper()
	if err := tbl.Put(txn, []byte(key), []byte(value), 0); err != nil {
		t.Fatalf("Put(%s): %v", key, err)
	}
}

func collect(t *testing.T, c *Cursor, r Range) []string {
	t.Helper()
	n, err := c.Position(r)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	var out []string
	if n == 0 {
		return out
	}
	for ok := true; ok; ok = c.Next() {
		out = append(out, fmt.Sprintf("%s=%s", c.Key(), c.Value()))
	}
	return out
}

func TestPutGet(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "", 0)

	update(t, env, func(txn *Txn) {
		mustPut(t, tbl, txn, "key1", "v1")
		mustPut(t, tbl, txn, "empty", "")
	})

	txn, err := env.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer txn.Abort()
	v, ok, err := tbl.Get(txn, []byte("key1"))
	if err != nil || !ok || string(v) != "v1" {
		t.Errorf("Get(key1) = %q, %v, %v", v, ok, err)
	}
	if v, ok, _ := tbl.Get(txn, []byte("empty")); !ok || len(v) != 0 {
		t.Errorf("Get(empty) = %q, %v, want empty value", v, ok)
	}
	if _, ok, _ := tbl.Get(txn, []byte("missing")); ok {
		t.Error("Get(missing) should report absence")
	}
	if err := tbl.Put(txn, []byte("x"), []byte("y"), 0); !errors.Is(err, ErrEngine) {
		t.Errorf("Put in reader = %v, want engine error", err)
	}
}

func TestZeroLengthKey(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "", 0)
	txn, _ := env.BeginWrite()
	defer txn.Abort()

	err := tbl.Put(txn, []byte{}, []byte("v"), 0)
	var e *Error
	if !errors.As(err, &e) || e.Code != StatusBadValSize {
		t.Fatalf("Put(empty key) = %v, want StatusBadValSize", err)
	}
	if !strings.Contains(err.Error(), StatusText(StatusBadValSize)) {
		t.Errorf("message = %q", err.Error())
	}
	if err := tbl.Put(txn, make([]byte, MaxKeySize+1), []byte("v"), 0); !errors.As(err, &e) || e.Code != StatusBadValSize {
		t.Errorf("Put(oversized key) = %v, want StatusBadValSize", err)
	}
}

func TestPutFlags(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "flags", 0)
	txn, _ := env.BeginWrite()
	defer txn.Abort()

	mustPut(t, tbl, txn, "b", "1")
	var e *Error
	if err := tbl.Put(txn, []byte("b"), []byte("2"), NoOverwrite); !errors.As(err, &e) || e.Code != StatusKeyExist {
		t.Errorf("NoOverwrite = %v, want StatusKeyExist", err)
	}
	if err := tbl.Put(txn, []byte("a"), []byte("2"), Append); !errors.As(err, &e) || e.Code != StatusKeyExist {
		t.Errorf("Append out of order = %v, want StatusKeyExist", err)
	}
	if err := tbl.Put(txn, []byte("c"), []byte("3"), Append); err != nil {
		t.Errorf("Append in order: %v", err)
	}
	removed, err := tbl.Delete(txn, []byte("b"), nil)
	if err != nil || !removed {
		t.Errorf("Delete(b) = %v, %v", removed, err)
	}
	if removed, _ := tbl.Delete(txn, []byte("b"), nil); removed {
		t.Error("Delete(b) twice should report nothing removed")
	}
}

func TestReaderRenewSeesCommits(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "", 0)
	update(t, env, func(txn *Txn) { mustPut(t, tbl, txn, "a", "1") })

	rd, err := env.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rd.Abort()
	update(t, env, func(txn *Txn) { mustPut(t, tbl, txn, "a", "2") })

	if v, _, _ := tbl.Get(rd, []byte("a")); string(v) != "1" {
		t.Errorf("reader view = %q, want 1", v)
	}
	rd.Reset()
	if rd.Active() {
		t.Error("reset reader should not be active")
	}
	if _, _, err := tbl.Get(rd, []byte("a")); !errors.Is(err, ErrEngine) {
		t.Errorf("Get on reset reader = %v, want engine error", err)
	}
	if err := rd.Renew(); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if v, _, _ := tbl.Get(rd, []byte("a")); string(v) != "2" {
		t.Errorf("renewed view = %q, want 2", v)
	}
}

func TestIncompatibleFlags(t *testing.T) {
	env := openTestEnv(t)
	openTestTable(t, env, "dups", DupSort)
	_, err := env.OpenTable(nil, "dups", Create)
	var e *Error
	if !errors.As(err, &e) || e.Code != StatusIncompatible {
		t.Errorf("reopen without DupSort = %v, want StatusIncompatible", err)
	}
	if _, err := env.OpenTable(nil, "nope", 0); !errors.As(err, &e) || e.Code != StatusNotFound {
		t.Errorf("open missing = %v, want StatusNotFound", err)
	}
}

func TestMaxTables(t *testing.T) {
	env, err := Open(filepath.Join(t.TempDir(), "max.db"), Options{NoSync: true, MaxTables: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer env.Close()
	openTestTable(t, env, "one", 0)
	openTestTable(t, env, "two", 0)
	_, err = env.OpenTable(nil, "three", Create)
	var e *Error
	if !errors.As(err, &e) || e.Code != StatusDBsFull {
		t.Errorf("third table = %v, want StatusDBsFull", err)
	}
}

func TestDropClearsTable(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "drop", 0)
	update(t, env, func(txn *Txn) {
		mustPut(t, tbl, txn, "a", "1")
		if err := tbl.Drop(txn, false); err != nil {
			t.Fatalf("Drop: %v", err)
		}
		mustPut(t, tbl, txn, "b", "2")
	})
	rd, _ := env.BeginRead()
	defer rd.Abort()
	st, err := tbl.Stat(rd)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Entries != 1 {
		t.Errorf("Entries = %d, want 1", st.Entries)
	}
}

func TestStatusText(t *testing.T) {
	if StatusText(StatusNotFound) == StatusText(StatusKeyExist) {
		t.Error("status messages should differ")
	}
	if got := StatusText(Status(12345)); got != "unknown status 12345" {
		t.Errorf("StatusText(12345) = %q", got)
	}
	e := &Error{Op: "put", Code: StatusMapFull}
	if e.Error() != "put: environment mapsize limit reached" {
		t.Errorf("Error() = %q", e.Error())
	}
	if !errors.Is(e, ErrEngine) {
		t.Error("*Error should match ErrEngine")
	}
}

func TestCopyTo(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "", 0)
	update(t, env, func(txn *Txn) { mustPut(t, tbl, txn, "a", "1") })

	path := filepath.Join(t.TempDir(), "copy.db")
	if err := env.CopyTo(nil, path); err != nil {
		t.Fatalf("CopyTo: %v", err)
	}
	cp, err := Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("Open copy: %v", err)
	}
	defer cp.Close()
	ctbl, err := cp.OpenTable(nil, "", 0)
	if err != nil {
		t.Fatalf("OpenTable copy: %v", err)
	}
	rd, _ := cp.BeginRead()
	defer rd.Abort()
	if v, ok, _ := ctbl.Get(rd, []byte("a")); !ok || string(v) != "1" {
		t.Errorf("copy Get(a) = %q, %v", v, ok)
	}
}
