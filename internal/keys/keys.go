// Package keys converts typed keys to bytes whose unsigned lexicographic
// order matches the order of the typed values, and back.
//
// The byte layout produced by each codec is an on-disk format: it decides
// the sort order of every table and cannot change without re-keying.
package keys

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKeyType is returned for values outside a codec's domain.
	ErrInvalidKeyType = errors.New("invalid key type")

	// ErrKeyTooLarge is matched by *KeyTooLargeError.
	ErrKeyTooLarge = errors.New("key too large")

	// ErrBufferFull is returned by WriteKey when the target buffer has no
	// room left. Callers grow their buffer and retry.
	ErrBufferFull = errors.New("key buffer full")

	// ErrMalformedKey is returned when stored bytes cannot be decoded.
	ErrMalformedKey = errors.New("malformed key")
)

// Codec writes and reads one key encoding.
type Codec interface {
	// WriteKey encodes key into buf starting at offset and returns the
	// offset just past the written bytes.
	WriteKey(key any, buf []byte, offset int) (int, error)
	// ReadKey decodes the key stored in buf[start:end].
	ReadKey(buf []byte, start, end int) (any, error)
}

// Tuple is an ordered list of key components compared element-wise.
type Tuple []any

// KeyTooLargeError reports an encoded key above the configured maximum.
type KeyTooLargeError struct {
	Size int
	Max  int
}

func (e *KeyTooLargeError) Error() string {
	return fmt.Sprintf("key of size %d was too large, max key size is %d", e.Size, e.Max)
}

func (e *KeyTooLargeError) Is(target error) bool {
	return target == ErrKeyTooLarge
}

func invalidKey(key any) error {
	return fmt.Errorf("%w: %T", ErrInvalidKeyType, key)
}

// Encode returns a freshly allocated encoding of key.
func Encode(c Codec, key any) ([]byte, error) {
	buf := make([]byte, 64)
	for {
		end, err := c.WriteKey(key, buf, 0)
		if err == nil {
			return buf[:end], nil
		}
		if !errors.Is(err, ErrBufferFull) {
			return nil, err
		}
		if len(buf) > 1<<20 {
			return nil, err
		}
		buf = make([]byte, len(buf)*4)
	}
}

// Decode reads a whole encoded key.
func Decode(c Codec, b []byte) (any, error) {
	return c.ReadKey(b, 0, len(b))
}

// Encoding names a built-in codec.
type Encoding string

const (
	EncodingOrdered Encoding = "ordered"
	EncodingUint32  Encoding = "uint32"
	EncodingBinary  Encoding = "binary"
)

// ForEncoding returns the built-in codec for name; the empty name selects
// the ordered codec.
func ForEncoding(name Encoding) (Codec, error) {
	switch name {
	case "", EncodingOrdered:
		return Ordered, nil
	case EncodingUint32:
		return Uint32, nil
	case EncodingBinary:
		return Binary, nil
	}
	return nil, fmt.Errorf("unknown key encoding %q", name)
}
