package store

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() {
	encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if codecErr != nil {
		return
	}
	decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
}

// compress encodes a document. The encoder is shared: EncodeAll is safe for
// concurrent use.
func compress(html string) ([]byte, error) {
	codecOnce.Do(initCodec)
	if codecErr != nil {
		return nil, fmt.Errorf("zstd init: %w", codecErr)
	}
	return encoder.EncodeAll([]byte(html), nil), nil
}

func decompress(b []byte) (string, error) {
	codecOnce.Do(initCodec)
	if codecErr != nil {
		return "", fmt.Errorf("zstd init: %w", codecErr)
	}
	out, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return "", fmt.Errorf("zstd decode: %w", err)
	}
	return string(out), nil
}
