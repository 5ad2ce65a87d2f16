package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/freeeve/lmstore/internal/codec"
)

// versionSize is the length of the version prefix in versioned stores.
const versionSize = 8

// valueCodec turns values into stored bytes: an optional float64 version
// prefix, then the codec output, compressed when large.
type valueCodec struct {
	codec    codec.Codec
	comp     *codec.Compressor
	versions bool
}

func (vc *valueCodec) encode(value any, version float64) ([]byte, error) {
	payload, err := vc.codec.Marshal(value)
	if err != nil {
		return nil, err
	}
	if vc.comp != nil {
		payload = vc.comp.Compress(payload)
	}
	if !vc.versions {
		return payload, nil
	}
	out := make([]byte, versionSize+len(payload))
	binary.LittleEndian.PutUint64(out, math.Float64bits(version))
	copy(out[versionSize:], payload)
	return out, nil
}

// split separates the version from the payload and decompresses it.
func (vc *valueCodec) split(raw []byte) ([]byte, float64, error) {
	var version float64
	if vc.versions {
		if len(raw) < versionSize {
			return nil, 0, fmt.Errorf("stored value of %d bytes is missing its version", len(raw))
		}
		version = math.Float64frombits(binary.LittleEndian.Uint64(raw))
		raw = raw[versionSize:]
	}
	if vc.comp != nil {
		b, err := vc.comp.Decompress(raw)
		if err != nil {
			return nil, 0, err
		}
		raw = b
	}
	return raw, version, nil
}

func (vc *valueCodec) decode(raw []byte) (any, float64, error) {
	payload, version, err := vc.split(raw)
	if err != nil {
		return nil, 0, err
	}
	v, err := vc.codec.Unmarshal(payload)
	return v, version, err
}

func (vc *valueCodec) version(raw []byte) float64 {
	if !vc.versions || len(raw) < versionSize {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(raw))
}
