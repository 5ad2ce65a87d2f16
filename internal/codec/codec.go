// Package codec serializes stored values and optionally compresses them.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"

	"github.com/freeeve/lmstore/internal/keys"
)

// Encoding names a value serialization.
type Encoding string

const (
	CBOR    Encoding = "cbor"
	JSON    Encoding = "json"
	String  Encoding = "string"
	Binary  Encoding = "binary"
	Ordered Encoding = "ordered"
)

// ErrUnsupportedValue is returned when a value does not fit the encoding.
var ErrUnsupportedValue = errors.New("unsupported value")

// Codec converts values to and from their stored bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes into a generic value.
	Unmarshal(b []byte) (any, error)
	// UnmarshalInto decodes into the value pointed to by v.
	UnmarshalInto(b []byte, v any) error
}

// For returns the codec for an encoding. The empty name is CBOR.
func For(enc Encoding) (Codec, error) {
	switch enc {
	case "", CBOR:
		return cborCodec, nil
	case JSON:
		return jsonCodec{}, nil
	case String:
		return stringCodec{}, nil
	case Binary:
		return binaryCodec{}, nil
	case Ordered:
		return orderedCodec{}, nil
	}
	return nil, fmt.Errorf("unknown value encoding %q", enc)
}

type cborValues struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var cborCodec = newCBOR()

func newCBOR() cborValues {
	enc, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborValues{enc: enc, dec: dec}
}

func (c cborValues) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborValues) Unmarshal(b []byte) (any, error) {
	var v any
	if err := c.dec.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c cborValues) UnmarshalInto(b []byte, v any) error {
	return c.dec.Unmarshal(b, v)
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (jsonCodec) UnmarshalInto(b []byte, v any) error { return json.Unmarshal(b, v) }

type stringCodec struct{}

func (stringCodec) Marshal(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return slices.Clone(s), nil
	case fmt.Stringer:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("%w: %T is not a string", ErrUnsupportedValue, v)
}

func (stringCodec) Unmarshal(b []byte) (any, error) { return string(b), nil }

func (stringCodec) UnmarshalInto(b []byte, v any) error {
	switch p := v.(type) {
	case *string:
		*p = string(b)
	case *[]byte:
		*p = slices.Clone(b)
	default:
		return fmt.Errorf("%w: cannot decode a string into %T", ErrUnsupportedValue, v)
	}
	return nil
}

type binaryCodec struct{}

func (binaryCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return slices.Clone(b), nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("%w: %T is not []byte", ErrUnsupportedValue, v)
}

func (binaryCodec) Unmarshal(b []byte) (any, error) { return slices.Clone(b), nil }

func (binaryCodec) UnmarshalInto(b []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("%w: cannot decode binary into %T", ErrUnsupportedValue, v)
	}
	*p = slices.Clone(b)
	return nil
}

// orderedCodec stores values in the ordered key encoding so duplicate
// values of a DupSort table sort by value.
type orderedCodec struct{}

func (orderedCodec) Marshal(v any) ([]byte, error) {
	b, err := keys.Encode(keys.Ordered, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}
	return b, nil
}

func (orderedCodec) Unmarshal(b []byte) (any, error) { return keys.Decode(keys.Ordered, b) }

func (c orderedCodec) UnmarshalInto(b []byte, v any) error {
	p, ok := v.(*any)
	if !ok {
		return fmt.Errorf("%w: ordered values decode into *any, not %T", ErrUnsupportedValue, v)
	}
	val, err := c.Unmarshal(b)
	if err != nil {
		return err
	}
	*p = val
	return nil
}
