package engine

import (
	"errors"
	"reflect"
	"testing"
)

func seedKeys(t *testing.T, env *Env, tbl *Table, kv ...string) {
	t.Helper()
	update(t, env, func(txn *Txn) {
		for i := 0; i < len(kv); i += 2 {
			mustPut(t, tbl, txn, kv[i], kv[i+1])
		}
	})
}

func readCursor(t *testing.T, env *Env, tbl *Table) *Cursor {
	t.Helper()
	rd, err := env.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	t.Cleanup(rd.Abort)
	c, err := tbl.OpenCursor(rd)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	return c
}

func TestCursorRanges(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "", 0)
	seedKeys(t, env, tbl, "key1", "a", "key2", "b", "key3", "c", "key4", "d")
	c := readCursor(t, env, tbl)

	tests := []struct {
		name string
		r    Range
		want []string
	}{
		{"all", Range{}, []string{"key1=a", "key2=b", "key3=c", "key4=d"}},
		{"start end", Range{Start: []byte("key2"), End: []byte("key4")}, []string{"key2=b", "key3=c"}},
		{"start between", Range{Start: []byte("key1x")}, []string{"key2=b", "key3=c", "key4=d"}},
		{"reverse", Range{Flags: Reverse}, []string{"key4=d", "key3=c", "key2=b", "key1=a"}},
		{"reverse start end", Range{Flags: Reverse, Start: []byte("key3"), End: []byte("key1")}, []string{"key3=c", "key2=b"}},
		{"reverse start between", Range{Flags: Reverse, Start: []byte("key2x")}, []string{"key2=b", "key1=a"}},
		{"reverse past end", Range{Flags: Reverse, Start: []byte("zzz")}, []string{"key4=d", "key3=c", "key2=b", "key1=a"}},
		{"offset", Range{Offset: 1, End: []byte("key4")}, []string{"key2=b", "key3=c"}},
		{"offset past end", Range{Offset: 4}, nil},
		{"exact", Range{Flags: ExactMatch, Start: []byte("key3")}, []string{"key3=c"}},
		{"exact missing", Range{Flags: ExactMatch, Start: []byte("key3x")}, nil},
		{"exclusive", Range{Flags: Exclusive, Start: []byte("key2")}, []string{"key3=c", "key4=d"}},
		{"exclusive reverse", Range{Flags: Exclusive | Reverse, Start: []byte("key2")}, []string{"key1=a"}},
		{"empty", Range{Start: []byte("key3"), End: []byte("key3")}, nil},
	}
	for _, tt := range tests {
		got := collect(t, c, tt.r)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}

	n, err := c.Position(Range{Flags: OnlyCount, Offset: 1})
	if err != nil || n != 3 {
		t.Errorf("count with offset = %d, %v, want 3", n, err)
	}
	if c.Valid() {
		t.Error("counting should leave the cursor unpositioned")
	}
}

func TestCursorDupSort(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "dups", DupSort)
	seedKeys(t, env, tbl, "a", "1", "b", "3", "b", "1", "b", "2", "c", "1")
	c := readCursor(t, env, tbl)

	if got := collect(t, c, Range{}); !reflect.DeepEqual(got, []string{"a=1", "b=1", "b=2", "b=3", "c=1"}) {
		t.Errorf("all = %v", got)
	}
	if got := collect(t, c, Range{Flags: Reverse}); !reflect.DeepEqual(got, []string{"c=1", "b=3", "b=2", "b=1", "a=1"}) {
		t.Errorf("reverse = %v", got)
	}

	counts := []struct {
		start, end string
		want       int
	}{
		{"1", "3", 2},
		{"2", "3", 1},
		{"2", "", 2},
		{"", "2", 1},
		{"2", "2", 0},
		{"", "", 3},
	}
	for _, tt := range counts {
		r := Range{Flags: ValuesForKey | OnlyCount, Start: []byte("b")}
		if tt.start != "" {
			r.ValueStart = []byte(tt.start)
		}
		if tt.end != "" {
			r.ValueEnd = []byte(tt.end)
		}
		n, err := c.Position(r)
		if err != nil {
			t.Fatalf("Position: %v", err)
		}
		if n != tt.want {
			t.Errorf("count values of b in [%q, %q) = %d, want %d", tt.start, tt.end, n, tt.want)
		}
	}

	got := collect(t, c, Range{Flags: ValuesForKey | Reverse, Start: []byte("b"), ValueStart: []byte("2")})
	if !reflect.DeepEqual(got, []string{"b=2", "b=1"}) {
		t.Errorf("reverse values = %v", got)
	}
	got = collect(t, c, Range{Flags: Exclusive, Start: []byte("b"), ValueStart: []byte("2")})
	if !reflect.DeepEqual(got, []string{"b=3", "c=1"}) {
		t.Errorf("resume after b=2 = %v", got)
	}
}

func TestDupSortWrites(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "fixed", DupSort|DupFixed)
	txn, _ := env.BeginWrite()
	defer txn.Abort()

	mustPut(t, tbl, txn, "k", "aa")
	mustPut(t, tbl, txn, "k", "bb")
	if err := tbl.Put(txn, []byte("k"), []byte("c"), 0); !hasCode(err, StatusBadValSize) {
		t.Errorf("DupFixed size mismatch = %v, want StatusBadValSize", err)
	}
	if err := tbl.Put(txn, []byte("k"), []byte("aa"), NoDupData); !hasCode(err, StatusKeyExist) {
		t.Errorf("NoDupData = %v, want StatusKeyExist", err)
	}
	if err := tbl.Put(txn, []byte("k"), []byte("ab"), AppendDup); !hasCode(err, StatusKeyExist) {
		t.Errorf("AppendDup out of order = %v, want StatusKeyExist", err)
	}
	if ok, _ := tbl.Has(txn, []byte("k"), []byte("bb")); !ok {
		t.Error("Has(k, bb) = false")
	}
	if removed, _ := tbl.Delete(txn, []byte("k"), []byte("aa")); !removed {
		t.Error("Delete(k, aa) removed nothing")
	}
	if v, ok, _ := tbl.Get(txn, []byte("k")); !ok || string(v) != "bb" {
		t.Errorf("Get(k) = %q, %v, want bb", v, ok)
	}
	tbl.Delete(txn, []byte("k"), []byte("bb"))
	if ok, _ := tbl.Has(txn, []byte("k"), nil); ok {
		t.Error("key should be gone after its last duplicate")
	}
}

func TestReverseKeyTable(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "ints", ReverseKey)
	// little-endian uint32 keys 1, 256, 2
	seedKeys(t, env, tbl, "\x01\x00\x00\x00", "one", "\x00\x01\x00\x00", "256", "\x02\x00\x00\x00", "two")
	c := readCursor(t, env, tbl)
	var got []string
	if n, _ := c.Position(Range{}); n == 1 {
		for ok := true; ok; ok = c.Next() {
			got = append(got, string(c.Value()))
		}
	}
	if !reflect.DeepEqual(got, []string{"one", "two", "256"}) {
		t.Errorf("reverse-key order = %v", got)
	}
	if n, _ := c.Position(Range{Flags: ExactMatch, Start: []byte("\x02\x00\x00\x00")}); n != 1 || string(c.Key()) != "\x02\x00\x00\x00" {
		t.Errorf("exact match key = %x", c.Key())
	}
}

func TestCursorRenewAfterReset(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "", 0)
	seedKeys(t, env, tbl, "a", "1")
	rd, _ := env.BeginRead()
	defer rd.Abort()
	c, err := tbl.OpenCursor(rd)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	seedKeys(t, env, tbl, "b", "2")

	rd.Reset()
	if _, err := c.Position(Range{}); err == nil {
		t.Error("Position on a reset reader should fail")
	}
	if err := rd.Renew(); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if err := c.Renew(rd); err != nil {
		t.Fatalf("Cursor.Renew: %v", err)
	}
	if got := collect(t, c, Range{}); !reflect.DeepEqual(got, []string{"a=1", "b=2"}) {
		t.Errorf("after renew = %v", got)
	}
}

func TestCursorAfterTxnEnds(t *testing.T) {
	env := openTestEnv(t)
	tbl := openTestTable(t, env, "", 0)
	seedKeys(t, env, tbl, "a", "1", "b", "2", "c", "3")

	for _, end := range []string{"abort", "reset"} {
		rd, err := env.BeginRead()
		if err != nil {
			t.Fatalf("BeginRead: %v", err)
		}
		c, err := tbl.OpenCursor(rd)
		if err != nil {
			t.Fatalf("OpenCursor: %v", err)
		}
		if n, err := c.Position(Range{}); err != nil || n != 1 {
			t.Fatalf("Position = %d, %v", n, err)
		}
		if end == "abort" {
			rd.Abort()
		} else {
			rd.Reset()
		}
		if c.Next() {
			t.Errorf("%s: Next on an ended txn = true", end)
		}
		if c.Key() != nil || c.Value() != nil {
			t.Errorf("%s: Key/Value on an ended txn = %q/%q", end, c.Key(), c.Value())
		}
		if _, err := c.Position(Range{}); !hasCode(err, StatusBadTxn) {
			t.Errorf("%s: Position on an ended txn = %v, want StatusBadTxn", end, err)
		}
		rd.Abort()
	}
}

func hasCode(err error, code Status) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
