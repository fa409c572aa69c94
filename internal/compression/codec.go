// Package compression encodes stored blobs. Every encoded blob starts with
// a one-byte codec tag so blobs written under different codecs can be read
// back regardless of the current setting.
package compression

import (
	"errors"
	"fmt"
	"strings"
)

// Codec identifies a blob encoding. The numeric value is the on-disk tag.
type Codec byte

const (
	None Codec = iota
	Zstd
	LZ4
)

// minSize is the payload length below which blobs are stored raw.
const minSize = 128

var ErrCorrupt = errors.New("compression: corrupt blob")

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	}
	return fmt.Sprintf("codec(%d)", byte(c))
}

// ParseCodec parses a codec name. The empty string means None.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "raw":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	}
	return None, fmt.Errorf("compression: unknown codec %q", s)
}

// Compressor encodes blobs with one preferred codec and decodes blobs of
// any known codec. It is safe for concurrent use.
type Compressor struct {
	codec Codec
	zstd  *zstdCodec
	lz4   *lz4Codec
}

// NewCompressor creates a Compressor that writes codec. Level applies to
// zstd only: 1 fastest, 2 default, 3 better compression.
func NewCompressor(codec Codec, level int) (*Compressor, error) {
	z, err := newZstd(level)
	if err != nil {
		return nil, fmt.Errorf("compression: zstd: %w", err)
	}
	switch codec {
	case None, Zstd, LZ4:
	default:
		return nil, fmt.Errorf("compression: unknown codec %s", codec)
	}
	return &Compressor{codec: codec, zstd: z, lz4: newLZ4()}, nil
}

// Codec returns the codec new blobs are written with.
func (c *Compressor) Codec() Codec { return c.codec }

// Encode returns the tagged blob for data. Payloads that are tiny or do
// not shrink are tagged None.
func (c *Compressor) Encode(data []byte) []byte {
	var packed []byte
	if len(data) >= minSize {
		switch c.codec {
		case Zstd:
			packed = c.zstd.encode(data)
		case LZ4:
			packed = c.lz4.encode(data)
		}
	}
	if packed == nil || len(packed) >= len(data) {
		return tag(None, data)
	}
	return tag(c.codec, packed)
}

// Decode reverses Encode.
func (c *Compressor) Decode(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: missing codec tag", ErrCorrupt)
	}
	payload := blob[1:]
	switch Codec(blob[0]) {
	case None:
		return payload, nil
	case Zstd:
		return c.zstd.decode(payload)
	case LZ4:
		return c.lz4.decode(payload)
	}
	return nil, fmt.Errorf("%w: unknown codec tag %d", ErrCorrupt, blob[0])
}

// Tag returns the codec a blob was written with.
func Tag(blob []byte) (Codec, bool) {
	if len(blob) == 0 {
		return None, false
	}
	return Codec(blob[0]), true
}

// Close releases encoder resources.
func (c *Compressor) Close() error {
	c.zstd.close()
	return nil
}

func tag(codec Codec, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(codec))
	return append(out, payload...)
}
