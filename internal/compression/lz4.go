package compression

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// maxLZ4Size caps the declared decoded length of an lz4 blob.
const maxLZ4Size = 1 << 32

// lz4Codec writes lz4 blocks prefixed with the uvarint decoded length,
// since the block format does not record it.
type lz4Codec struct {
	pool sync.Pool
}

func newLZ4() *lz4Codec {
	return &lz4Codec{pool: sync.Pool{New: func() any { return new(lz4.Compressor) }}}
}

func (l *lz4Codec) encode(data []byte) []byte {
	c := l.pool.Get().(*lz4.Compressor)
	defer l.pool.Put(c)

	out := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
	n := binary.PutUvarint(out, uint64(len(data)))
	m, err := c.CompressBlock(data, out[n:])
	if err != nil || m == 0 {
		return nil
	}
	return out[:n+m]
}

func (l *lz4Codec) decode(payload []byte) ([]byte, error) {
	size, n := binary.Uvarint(payload)
	if n <= 0 || size > maxLZ4Size {
		return nil, fmt.Errorf("%w: lz4 length header", ErrCorrupt)
	}
	out := make([]byte, size)
	m, err := lz4.UncompressBlock(payload[n:], out)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	if uint64(m) != size {
		return nil, fmt.Errorf("%w: lz4 decoded %d of %d bytes", ErrCorrupt, m, size)
	}
	return out, nil
}
