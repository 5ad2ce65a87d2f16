package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultThreshold is the smallest value compressed by default.
	DefaultThreshold = 1000
	// Marker prefixes every compressed value. Values that start with it
	// are always compressed so the two forms cannot be confused.
	Marker = 0xFF
)

// Compressor zstd-compresses values at or above a size threshold.
// EncodeAll and DecodeAll are safe for concurrent use.
type Compressor struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCompressor returns a compressor. level is "fast", "best" or "" for
// the zstd default.
func NewCompressor(threshold int, level string) (*Compressor, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	lvl := zstd.SpeedDefault
	switch level {
	case "fast":
		lvl = zstd.SpeedFastest
	case "best":
		lvl = zstd.SpeedBestCompression
	case "", "default":
	default:
		return nil, fmt.Errorf("unknown compression level %q", level)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Compressor{threshold: threshold, encoder: encoder, decoder: decoder}, nil
}

// Threshold returns the compression threshold in bytes.
func (c *Compressor) Threshold() int { return c.threshold }

// Compress returns b, compressed and marked when it is large enough or
// starts with Marker.
func (c *Compressor) Compress(b []byte) []byte {
	if len(b) < c.threshold && (len(b) == 0 || b[0] != Marker) {
		return b
	}
	out := make([]byte, 1, len(b)/2+16)
	out[0] = Marker
	return c.encoder.EncodeAll(b, out)
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(b []byte) ([]byte, error) {
	if len(b) == 0 || b[0] != Marker {
		return b, nil
	}
	out, err := c.decoder.DecodeAll(b[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("decompress value: %w", err)
	}
	return out, nil
}

// Close releases the zstd encoder and decoder.
func (c *Compressor) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
