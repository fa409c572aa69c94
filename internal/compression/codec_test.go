package compression

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	payloads := map[string][]byte{
		"empty":        {},
		"tiny":         []byte("hello"),
		"repetitive":   bytes.Repeat([]byte("depres "), 1000),
		"incompressed": random,
	}

	for _, codec := range []Codec{None, Zstd, LZ4} {
		c, err := NewCompressor(codec, 2)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })

		for name, data := range payloads {
			t.Run(codec.String()+"/"+name, func(t *testing.T) {
				blob := c.Encode(data)
				got, err := c.Decode(blob)
				require.NoError(t, err)
				assert.Equal(t, len(data), len(got))
				assert.True(t, bytes.Equal(data, got))
			})
		}
	}
}

func TestEncodeTagsWrittenCodec(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 500)

	for _, codec := range []Codec{Zstd, LZ4} {
		c, err := NewCompressor(codec, 1)
		require.NoError(t, err)
		blob := c.Encode(data)
		got, ok := Tag(blob)
		require.True(t, ok)
		assert.Equal(t, codec, got)
		assert.Less(t, len(blob), len(data))
		c.Close()
	}
}

func TestTinyPayloadStoredRaw(t *testing.T) {
	c, err := NewCompressor(Zstd, 2)
	require.NoError(t, err)
	defer c.Close()

	blob := c.Encode([]byte("short"))
	got, _ := Tag(blob)
	assert.Equal(t, None, got)
	assert.Equal(t, "short", string(blob[1:]))
}

func TestDecodeAcrossCodecs(t *testing.T) {
	data := bytes.Repeat([]byte("cross-codec "), 200)

	writer, err := NewCompressor(LZ4, 2)
	require.NoError(t, err)
	defer writer.Close()
	reader, err := NewCompressor(Zstd, 2)
	require.NoError(t, err)
	defer reader.Close()

	got, err := reader.Decode(writer.Encode(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDecodeCorrupt(t *testing.T) {
	c, err := NewCompressor(Zstd, 2)
	require.NoError(t, err)
	defer c.Close()

	for name, blob := range map[string][]byte{
		"empty":       nil,
		"unknown tag": {0x7f, 1, 2, 3},
		"bad zstd":    {byte(Zstd), 1, 2, 3, 4},
		"bad lz4":     {byte(LZ4), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(blob)
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestParseCodec(t *testing.T) {
	for in, want := range map[string]Codec{"": None, "none": None, "ZSTD": Zstd, "lz4": LZ4} {
		got, err := ParseCodec(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCodec("brotli")
	require.Error(t, err)
}
