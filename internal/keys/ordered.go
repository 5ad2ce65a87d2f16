package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Type tags of the ordered encoding. Their numeric order is the cross-type
// order: nil < false < true < numbers < bytes < strings < tuples.
const (
	tagEnd    = 0x00 // terminates tuples and embedded variable-length values
	tagNil    = 0x01
	tagFalse  = 0x02
	tagTrue   = 0x03
	tagNumber = 0x05
	tagBytes  = 0x06
	tagString = 0x07
	tagTuple  = 0x08

	escapeByte = 0xFF // 0x00 inside an embedded value is written as 0x00 0xFF
)

// maxExactInt is the largest integer magnitude a float64 holds exactly.
const maxExactInt = 1 << 53

type orderedCodec struct{}

// Ordered is the default variable-length codec. It accepts nil, bool, every
// Go integer and float type, []byte, string, Tuple and []any.
var Ordered Codec = orderedCodec{}

func (orderedCodec) WriteKey(key any, buf []byte, offset int) (int, error) {
	return writeOrdered(key, buf, offset, false)
}

func (orderedCodec) ReadKey(buf []byte, start, end int) (any, error) {
	if start >= end {
		return nil, fmt.Errorf("%w: empty", ErrMalformedKey)
	}
	v, pos, err := readOrdered(buf[:end], start, false)
	if err != nil {
		return nil, err
	}
	if pos != end {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedKey, end-pos)
	}
	return v, nil
}

func writeOrdered(key any, buf []byte, pos int, nested bool) (int, error) {
	switch k := key.(type) {
	case nil:
		return putByte(buf, pos, tagNil)
	case bool:
		if k {
			return putByte(buf, pos, tagTrue)
		}
		return putByte(buf, pos, tagFalse)
	case string:
		return writeVariable(buf, pos, tagString, []byte(k), nested)
	case []byte:
		return writeVariable(buf, pos, tagBytes, k, nested)
	case Tuple:
		return writeTuple(buf, pos, k)
	case []any:
		return writeTuple(buf, pos, k)
	}
	f, ok, err := toFloat(key)
	if err != nil {
		return pos, err
	}
	if !ok {
		return pos, invalidKey(key)
	}
	if pos+9 > len(buf) {
		return pos, ErrBufferFull
	}
	buf[pos] = tagNumber
	binary.BigEndian.PutUint64(buf[pos+1:], sortableBits(f))
	return pos + 9, nil
}

func writeTuple(buf []byte, pos int, elems []any) (int, error) {
	pos, err := putByte(buf, pos, tagTuple)
	if err != nil {
		return pos, err
	}
	for _, e := range elems {
		if pos, err = writeOrdered(e, buf, pos, true); err != nil {
			return pos, err
		}
	}
	return putByte(buf, pos, tagEnd)
}

func writeVariable(buf []byte, pos int, tag byte, content []byte, nested bool) (int, error) {
	if !nested {
		if pos+1+len(content) > len(buf) {
			return pos, ErrBufferFull
		}
		buf[pos] = tag
		copy(buf[pos+1:], content)
		return pos + 1 + len(content), nil
	}
	n := 2 + len(content) + bytes.Count(content, []byte{0})
	if pos+n > len(buf) {
		return pos, ErrBufferFull
	}
	buf[pos] = tag
	pos++
	for _, b := range content {
		buf[pos] = b
		pos++
		if b == 0 {
			buf[pos] = escapeByte
			pos++
		}
	}
	buf[pos] = tagEnd
	return pos + 1, nil
}

func putByte(buf []byte, pos int, b byte) (int, error) {
	if pos >= len(buf) {
		return pos, ErrBufferFull
	}
	buf[pos] = b
	return pos + 1, nil
}

// toFloat reports whether key is numeric and returns it as a float64.
func toFloat(key any) (float64, bool, error) {
	var f float64
	switch k := key.(type) {
	case int:
		return checkInt(int64(k))
	case int8:
		return float64(k), true, nil
	case int16:
		return float64(k), true, nil
	case int32:
		return float64(k), true, nil
	case int64:
		return checkInt(k)
	case uint:
		return checkUint(uint64(k))
	case uint8:
		return float64(k), true, nil
	case uint16:
		return float64(k), true, nil
	case uint32:
		return float64(k), true, nil
	case uint64:
		return checkUint(k)
	case float32:
		f = float64(k)
	case float64:
		f = k
	default:
		return 0, false, nil
	}
	if math.IsNaN(f) {
		return 0, false, fmt.Errorf("%w: NaN", ErrInvalidKeyType)
	}
	if f == 0 {
		f = 0 // folds -0 into +0
	}
	return f, true, nil
}

func checkInt(v int64) (float64, bool, error) {
	if v > maxExactInt || v < -maxExactInt {
		return 0, false, fmt.Errorf("%w: integer %d outside ±2^53", ErrInvalidKeyType, v)
	}
	return float64(v), true, nil
}

func checkUint(v uint64) (float64, bool, error) {
	if v > maxExactInt {
		return 0, false, fmt.Errorf("%w: integer %d outside ±2^53", ErrInvalidKeyType, v)
	}
	return float64(v), true, nil
}

func sortableBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		return bits ^ (1 << 63)
	}
	return ^bits
}

func fromSortableBits(bits uint64) float64 {
	if bits&(1<<63) != 0 {
		return math.Float64frombits(bits ^ (1 << 63))
	}
	return math.Float64frombits(^bits)
}

// number converts a decoded float back to int64 when it is integral.
func number(f float64) any {
	if f == math.Trunc(f) && f <= maxExactInt && f >= -maxExactInt {
		return int64(f)
	}
	return f
}

func readOrdered(buf []byte, pos int, nested bool) (any, int, error) {
	if pos >= len(buf) {
		return nil, pos, fmt.Errorf("%w: truncated", ErrMalformedKey)
	}
	tag := buf[pos]
	pos++
	switch tag {
	case tagNil:
		return nil, pos, nil
	case tagFalse:
		return false, pos, nil
	case tagTrue:
		return true, pos, nil
	case tagNumber:
		if pos+8 > len(buf) {
			return nil, pos, fmt.Errorf("%w: truncated number", ErrMalformedKey)
		}
		f := fromSortableBits(binary.BigEndian.Uint64(buf[pos:]))
		return number(f), pos + 8, nil
	case tagBytes, tagString:
		content, next, err := readVariable(buf, pos, nested)
		if err != nil {
			return nil, pos, err
		}
		if tag == tagString {
			return string(content), next, nil
		}
		return content, next, nil
	case tagTuple:
		t := Tuple{}
		for {
			if pos >= len(buf) {
				return nil, pos, fmt.Errorf("%w: unterminated tuple", ErrMalformedKey)
			}
			if buf[pos] == tagEnd {
				return t, pos + 1, nil
			}
			var (
				v   any
				err error
			)
			if v, pos, err = readOrdered(buf, pos, true); err != nil {
				return nil, pos, err
			}
			t = append(t, v)
		}
	}
	return nil, pos, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedKey, tag)
}

func readVariable(buf []byte, pos int, nested bool) ([]byte, int, error) {
	if !nested {
		out := make([]byte, len(buf)-pos)
		copy(out, buf[pos:])
		return out, len(buf), nil
	}
	out := make([]byte, 0, 16)
	for pos < len(buf) {
		b := buf[pos]
		if b != 0 {
			out = append(out, b)
			pos++
			continue
		}
		if pos+1 < len(buf) && buf[pos+1] == escapeByte {
			out = append(out, 0)
			pos += 2
			continue
		}
		return out, pos + 1, nil
	}
	return nil, pos, fmt.Errorf("%w: unterminated value", ErrMalformedKey)
}
