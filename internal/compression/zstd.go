package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

type zstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstd(level int) (*zstdCodec, error) {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		encoder.Close()
		return nil, err
	}
	return &zstdCodec{encoder: encoder, decoder: decoder}, nil
}

func (z *zstdCodec) encode(data []byte) []byte {
	return z.encoder.EncodeAll(data, make([]byte, 0, len(data)))
}

func (z *zstdCodec) decode(payload []byte) ([]byte, error) {
	out, err := z.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	return out, nil
}

func (z *zstdCodec) close() {
	z.encoder.Close()
	z.decoder.Close()
}
