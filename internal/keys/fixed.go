package keys

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxBinaryKeySize caps raw binary keys.
const MaxBinaryKeySize = 1978

type uint32Codec struct{}

// Uint32 writes integer keys as 4 little-endian bytes. Tables using it are
// opened with the engine's integer-key flag so they sort numerically.
var Uint32 Codec = uint32Codec{}

func (uint32Codec) WriteKey(key any, buf []byte, offset int) (int, error) {
	var v uint64
	switch k := key.(type) {
	case uint32:
		v = uint64(k)
	case uint16:
		v = uint64(k)
	case uint8:
		v = uint64(k)
	case uint:
		v = uint64(k)
	case uint64:
		v = k
	case int, int8, int16, int32, int64:
		n := toInt64(k)
		if n < 0 {
			return offset, fmt.Errorf("%w: negative uint32 key %d", ErrInvalidKeyType, n)
		}
		v = uint64(n)
	case float64:
		if k != math.Trunc(k) || k < 0 {
			return offset, fmt.Errorf("%w: uint32 key %v", ErrInvalidKeyType, k)
		}
		v = uint64(k)
	default:
		return offset, invalidKey(key)
	}
	if v > math.MaxUint32 {
		return offset, fmt.Errorf("%w: %d overflows uint32", ErrInvalidKeyType, v)
	}
	if offset+4 > len(buf) {
		return offset, ErrBufferFull
	}
	binary.LittleEndian.PutUint32(buf[offset:], uint32(v))
	return offset + 4, nil
}

func (uint32Codec) ReadKey(buf []byte, start, end int) (any, error) {
	if end-start != 4 {
		return nil, fmt.Errorf("%w: uint32 key of %d bytes", ErrMalformedKey, end-start)
	}
	return binary.LittleEndian.Uint32(buf[start:end]), nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

type binaryCodec struct{}

// Binary passes []byte keys through unchanged.
var Binary Codec = binaryCodec{}

func (binaryCodec) WriteKey(key any, buf []byte, offset int) (int, error) {
	var b []byte
	switch k := key.(type) {
	case []byte:
		b = k
	case string:
		b = []byte(k)
	default:
		return offset, invalidKey(key)
	}
	if len(b) > MaxBinaryKeySize {
		return offset, &KeyTooLargeError{Size: len(b), Max: MaxBinaryKeySize}
	}
	if offset+len(b) > len(buf) {
		return offset, ErrBufferFull
	}
	copy(buf[offset:], b)
	return offset + len(b), nil
}

func (binaryCodec) ReadKey(buf []byte, start, end int) (any, error) {
	out := make([]byte, end-start)
	copy(out, buf[start:end])
	return out, nil
}
