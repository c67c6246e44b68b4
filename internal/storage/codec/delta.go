package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Zstd identifies the delta encoder.
const Zstd = "zstd"

// ErrLowReuseRate is returned when a delta is not small enough to be worth
// keeping.
var ErrLowReuseRate = errors.New("codec: delta reuse rate too low")

const dictID = 1

// deltaWindow returns the smallest power of two covering the base, clamped
// to what zstd accepts.
func deltaWindow(baseLen int) int {
	w := zstd.MinWindowSize
	for w < baseLen && w < zstd.MaxWindowSize {
		w <<= 1
	}
	return w
}

// EncodeDelta encodes target using base as a raw zstd dictionary.
// maxRatio bounds len(delta)/len(target); a result not below it returns
// ErrLowReuseRate. A maxRatio <= 0 disables the check.
func EncodeDelta(base, target []byte, maxRatio float64) ([]byte, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderDictRaw(dictID, base),
		zstd.WithWindowSize(deltaWindow(len(base))),
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	defer enc.Close()

	delta := enc.EncodeAll(target, nil)
	if maxRatio > 0 && float64(len(delta)) >= maxRatio*float64(len(target)) {
		return nil, fmt.Errorf("%w: %d of %d bytes", ErrLowReuseRate, len(delta), len(target))
	}
	return delta, nil
}

// DecodeDelta reverses EncodeDelta.
func DecodeDelta(base, delta []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderDictRaw(dictID, base),
		zstd.WithDecoderMaxWindow(uint64(deltaWindow(len(base)))*2),
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(delta, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: decode: %w", err)
	}
	return out, nil
}
