package main

import (
	"testing"

	"github.com/freeeve/lmstore/internal/store"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"1024", 1024},
		{"4k", 4096},
		{"64m", 64 << 20},
		{" 2G ", 2 << 30},
		{"bogus", 0},
	}
	for _, tt := range tests {
		if got := parseSize(tt.in); got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseKey(t *testing.T) {
	defer func(enc string) { cli.KeyEnc = enc }(cli.KeyEnc)

	cli.KeyEnc = "uint32"
	if k, err := parseKey("42"); err != nil || k != uint32(42) {
		t.Errorf("parseKey(42) = %v, %v", k, err)
	}
	if _, err := parseKey("-1"); err == nil {
		t.Error("parseKey(-1) accepted a negative uint32")
	}

	cli.KeyEnc = "ordered"
	if k, _ := parseKey("abc"); k != "abc" {
		t.Errorf("parseKey(abc) = %v", k)
	}
	if k, _ := parseBound(""); k != nil {
		t.Errorf("parseBound(\"\") = %v, want nil", k)
	}
	if k := benchKey(7); k != "bench-0000000007" {
		t.Errorf("benchKey(7) = %v", k)
	}
}

func TestCheckBounds(t *testing.T) {
	tests := []struct {
		start, end any
		reverse    bool
		ok         bool
	}{
		{nil, nil, false, true},
		{"a", nil, false, true},
		{"a", "b", false, true},
		{"a", "a", false, true},
		{"b", "a", false, false},
		{"b", "a", true, true},
		{"a", "b", true, false},
		{uint32(2), uint32(10), false, true},
		{uint32(10), uint32(2), false, false},
		{[]byte("x"), []byte("y"), true, false},
	}
	for _, tt := range tests {
		err := checkBounds(store.RangeOptions{Start: tt.start, End: tt.end, Reverse: tt.reverse})
		if (err == nil) != tt.ok {
			t.Errorf("checkBounds(%v, %v, reverse=%v) = %v, want ok=%v", tt.start, tt.end, tt.reverse, err, tt.ok)
		}
	}
}
