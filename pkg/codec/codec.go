// Package codec applies the configured compression to chunk payloads before
// they are persisted, and reverses it when a store is read back. The codec
// name and level are embedded in each level's array metadata as a
// numcodecs-compatible descriptor, so any standard zarr reader can decompress
// the store without external configuration.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Supported algorithm names. An unrecognized name is a configuration error
// and fails the run at setup time; the codec never silently falls back to a
// different algorithm.
const (
	None = "none"
	Zstd = "zstd"
	Gzip = "gzip"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported compression codec")
	ErrCorruptChunk     = errors.New("corrupt compressed chunk")
)

// Codec compresses and decompresses chunk payloads. A Codec is immutable
// after construction and safe for concurrent use by all workers.
type Codec struct {
	name  string
	level int

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New validates the algorithm name and level and prepares the codec.
func New(name string, level int) (*Codec, error) {
	c := &Codec{name: name, level: level}
	switch name {
	case None:
		return c, nil
	case Zstd:
		if level < 1 || level > 22 {
			return nil, fmt.Errorf("%w: zstd level %d (want 1-22)", ErrUnsupportedCodec, level)
		}
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		c.enc = enc
		c.dec = dec
		return c, nil
	case Gzip:
		if level < gzip.BestSpeed || level > gzip.BestCompression {
			return nil, fmt.Errorf("%w: gzip level %d (want %d-%d)",
				ErrUnsupportedCodec, level, gzip.BestSpeed, gzip.BestCompression)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
	}
}

// Name returns the algorithm name.
func (c *Codec) Name() string { return c.name }

// Level returns the configured compression level; meaningless for "none".
func (c *Codec) Level() int { return c.level }

// Compress returns the encoded form of raw. For "none" it returns raw
// unchanged (no copy), selecting the no-op path.
func (c *Codec) Compress(raw []byte) ([]byte, error) {
	switch c.name {
	case None:
		return raw, nil
	case Zstd:
		return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	case Gzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, c.level)
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip flush: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, c.name)
	}
}

// Decompress reverses Compress.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	switch c.name {
	case None:
		return data, nil
	case Zstd:
		raw, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
		}
		return raw, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
		}
		defer r.Close()
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, c.name)
	}
}

// ZarrCompressor returns the numcodecs descriptor stored in .zarray
// metadata, or nil for the uncompressed case (zarr's null compressor).
func (c *Codec) ZarrCompressor() map[string]interface{} {
	switch c.name {
	case Zstd, Gzip:
		return map[string]interface{}{"id": c.name, "level": c.level}
	default:
		return nil
	}
}

// FromZarrCompressor reconstructs a codec from a .zarray compressor
// descriptor, as found when reading an existing store.
func FromZarrCompressor(desc map[string]interface{}) (*Codec, error) {
	if desc == nil {
		return New(None, 0)
	}
	id, _ := desc["id"].(string)
	level := 1
	switch v := desc["level"].(type) {
	case float64:
		level = int(v)
	case int:
		level = v
	}
	return New(id, level)
}
