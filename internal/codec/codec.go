// Package codec compresses update payloads before they are written and
// decompresses them on read.
//
// Encoded form is a single format tag byte followed by one checksummed zstd
// frame. Empty input still produces a frame, so a stored value is never
// zero-length and truncation is always detectable.
package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// formatZstd tags payloads encoded as a single zstd frame.
const formatZstd byte = 0x01

// maxDecodedSize bounds the memory a single decode may allocate.
const maxDecodedSize = 256 << 20

// ErrCorruptPayload is returned by Decode when the input was not produced by
// Encode or has been damaged since.
var ErrCorruptPayload = errors.New("corrupt payload")

// Shared encoder and decoder. Only EncodeAll and DecodeAll are used, which
// are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderCRC(true),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		panic(err) // only fails on invalid options
	}
	decoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(maxDecodedSize),
	)
	if err != nil {
		panic(err)
	}
}

// Encode compresses p. The result is always non-empty.
func Encode(p []byte) []byte {
	dst := make([]byte, 1, len(p)/2+16)
	dst[0] = formatZstd
	return encoder.EncodeAll(p, dst)
}

// Decode reverses Encode. Malformed input fails with ErrCorruptPayload.
func Decode(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrCorruptPayload, len(b))
	}
	if b[0] != formatZstd {
		return nil, fmt.Errorf("%w: unknown format tag 0x%02x", ErrCorruptPayload, b[0])
	}
	out, err := decoder.DecodeAll(b[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
