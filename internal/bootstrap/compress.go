package bootstrap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the payload compression of bootstrap messages.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression validates a compression name. Empty selects none.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case "":
		return CompressionNone, nil
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return c, nil
	default:
		return "", fmt.Errorf("unknown bootstrap compression %q", s)
	}
}

// codec compresses outgoing payloads of at least minSize bytes and
// decompresses incoming ones according to the frame flags. Decoding
// accepts every algorithm regardless of the local choice.
type codec struct {
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	algo    Compression
	minSize int
}

func newCodec(algo Compression, minSize int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(DefaultMaxPayload))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	if algo == "" {
		algo = CompressionNone
	}

	return &codec{enc: enc, dec: dec, algo: algo, minSize: minSize}, nil
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}

// compress returns the payload to put on the wire and its flag bits.
func (c *codec) compress(payload []byte) ([]byte, uint8, error) {
	if len(payload) == 0 || len(payload) < c.minSize {
		return payload, 0, nil
	}

	switch c.algo {
	case CompressionZstd:
		return c.enc.EncodeAll(payload, nil), flagZstd, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))

		if _, err := w.Write(payload); err != nil {
			return nil, 0, err
		}
		if err := w.Close(); err != nil {
			return nil, 0, err
		}

		return buf.Bytes(), flagLZ4, nil
	default:
		return payload, 0, nil
	}
}

func (c *codec) decompress(payload []byte, flags uint8, maxSize int) ([]byte, error) {
	switch {
	case flags&flagZstd != 0:
		out, err := c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		return out, nil
	case flags&flagLZ4 != 0:
		out, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(payload)), int64(maxSize)+1))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrMalformed, err)
		}
		if len(out) > maxSize {
			return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformed, maxSize)
		}
		return out, nil
	default:
		return payload, nil
	}
}
