package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Payload compression flags persisted alongside each event row.
const (
	compressionNone int64 = 0
	compressionZstd int64 = 1
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("store: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("store: init zstd decoder: %v", err))
	}
}

// compress compresses an event payload for storage. Tiny payloads are
// stored uncompressed; zstd framing would only add overhead.
func compress(data []byte) ([]byte, int64) {
	if len(data) < 64 {
		return data, compressionNone
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), compressionZstd
}

// decompress restores an event payload according to its compression flag.
func decompress(data []byte, compression int64) ([]byte, error) {
	switch compression {
	case compressionZstd:
		return decoder.DecodeAll(data, nil)
	case compressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("store: unsupported compression: %d", compression)
	}
}
