package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var (
	payloadEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	payloadDecoder, _ = zstd.NewReader(nil)
)

func compressPayload(raw []byte) []byte {
	return payloadEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func decompressPayload(data []byte) ([]byte, error) {
	raw, err := payloadDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return raw, nil
}
