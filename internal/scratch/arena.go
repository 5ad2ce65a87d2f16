// Package scratch stages encoded keys in a reusable buffer so lookups and
// range scans do not allocate per key.
package scratch

import (
	"encoding/binary"
	"errors"

	"github.com/freeeve/lmstore/internal/keys"
)

const (
	// DefaultSize is the size of a freshly allocated arena buffer.
	DefaultSize = 8192
	// LowWater is the offset past which the next write starts a new buffer.
	LowWater = 7800

	prefixSize = 4
)

// Arena is a growable byte region holding in-progress key bytes. Slices
// returned by Save stay valid together: once handed out, bytes are never
// rewritten, only abandoned when a fresh buffer replaces the current one.
//
// An Arena is not safe for concurrent use.
type Arena struct {
	buf        []byte
	pos        int
	generation int
}

// New returns an arena with a DefaultSize buffer.
func New() *Arena {
	a := &Arena{}
	a.allocate(DefaultSize)
	return a
}

func (a *Arena) allocate(size int) {
	if size < DefaultSize {
		size = DefaultSize
	}
	a.buf = make([]byte, size)
	a.pos = 0
	a.generation++
}

// Generation counts buffer allocations, starting at 1.
func (a *Arena) Generation() int {
	return a.generation
}

// Offset is the position the next key will be written at.
func (a *Arena) Offset() int {
	return a.pos
}

// Key stages a single key for immediate use. The offset does not move, so
// the next write reuses the same bytes.
func (a *Arena) Key(c keys.Codec, key any, maxKeySize int) ([]byte, error) {
	if a.pos > LowWater {
		a.allocate(DefaultSize)
	}
	end, err := a.write(c, key, a.pos, maxKeySize)
	if err != nil {
		return nil, err
	}
	return a.buf[a.pos:end:end], nil
}

// Save stages a key that must stay valid alongside other saved keys, such
// as the start and end of a range. The key is length-prefixed and the
// offset advances to the next 8-byte boundary. A nil key stages nothing.
func (a *Arena) Save(c keys.Codec, key any, maxKeySize int) ([]byte, error) {
	if key == nil {
		return nil, nil
	}
	if a.pos > LowWater {
		a.allocate(DefaultSize)
	}
	start := a.pos
	end, err := a.write(c, key, start+prefixSize, maxKeySize)
	if err != nil {
		return nil, err
	}
	if a.pos != start {
		// write moved to a fresh buffer
		start = a.pos
	}
	binary.LittleEndian.PutUint32(a.buf[start:], uint32(end-start-prefixSize))
	a.pos = align8(end)
	return a.buf[start+prefixSize : end : end], nil
}

// write encodes key at offset. When the current buffer runs out of room it
// is replaced with one large enough for any legal key and the write is
// retried once at the same relative position.
func (a *Arena) write(c keys.Codec, key any, offset, maxKeySize int) (int, error) {
	end, err := c.WriteKey(key, a.buf, offset)
	if errors.Is(err, keys.ErrBufferFull) && len(a.buf)-offset < maxKeySize {
		rel := offset - a.pos
		a.allocate(2 * (maxKeySize + 16))
		offset = a.pos + rel
		end, err = c.WriteKey(key, a.buf, offset)
	}
	if errors.Is(err, keys.ErrBufferFull) {
		// there was room for any legal key
		return 0, tooLarge(c, key, maxKeySize)
	}
	if err != nil {
		return 0, err
	}
	if size := end - offset; size > maxKeySize {
		return 0, &keys.KeyTooLargeError{Size: size, Max: maxKeySize}
	}
	return end, nil
}

func tooLarge(c keys.Codec, key any, maxKeySize int) error {
	size := maxKeySize + 1
	if b, err := keys.Encode(c, key); err == nil {
		size = len(b)
	}
	return &keys.KeyTooLargeError{Size: size, Max: maxKeySize}
}

func align8(n int) int {
	return (n + 7) &^ 7
}
