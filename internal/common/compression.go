package common

import (
	"bytes"
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
)

// CompressPayload wraps a record payload as a self-describing IO filter: a
// 4-byte little-endian uncompressed-size prefix followed by the
// algorithm's compressed bytes. The size prefix lets DecompressPayload
// size its output buffer without a second pass (spec.md §9 compression
// hooks).
func CompressPayload(algo CompressionAlgorithm, in []byte) ([]byte, error) {
	if algo == CompressionNone {
		return in, nil
	}

	var compressed []byte
	switch algo {
	case CompressionSnappy:
		compressed = snappy.Encode(nil, in)
	case CompressionLZ4:
		buf := &bytes.Buffer{}
		w := lz4.NewWriter(buf)
		w.NoChecksum = true
		if _, err := w.Write(in); err != nil {
			return nil, Wrap(KindIO, "CompressPayload", err)
		}
		if err := w.Close(); err != nil {
			return nil, Wrap(KindIO, "CompressPayload", err)
		}
		compressed = buf.Bytes()
	default:
		return in, nil
	}

	out := make([]byte, 4+len(compressed))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(in)))
	copy(out[4:], compressed)
	return out, nil
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(algo CompressionAlgorithm, in []byte) ([]byte, error) {
	if algo == CompressionNone {
		return in, nil
	}
	if len(in) < 4 {
		return nil, New(KindCorruption, "DecompressPayload", nil)
	}
	size := binary.LittleEndian.Uint32(in[:4])
	body := in[4:]

	switch algo {
	case CompressionSnappy:
		out := make([]byte, 0, size)
		return snappy.Decode(out, body)
	case CompressionLZ4:
		buf := &bytes.Buffer{}
		r := lz4.NewReader(bytes.NewReader(body))
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, Wrap(KindCorruption, "DecompressPayload", err)
		}
		return buf.Bytes(), nil
	default:
		return in, nil
	}
}
