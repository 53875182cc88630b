// Package compression encodes and decodes stored bundle files.
//
// Bundles are written either raw, as a zstd frame, or as an lz4 frame.
// The reader never needs to be told which: the frame magic at the start
// of the file selects the decoder.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a frame format.
type Algorithm uint8

const (
	None Algorithm = iota
	Zstd
	LZ4
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// minCompressSize is the size under which data is always stored raw.
const minCompressSize = 128

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", a)
	}
}

// ParseAlgorithm parses the name returned by Algorithm.String.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none", "":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("unknown compression %q", name)
	}
}

// Detect reports the frame format of data by its magic number.
func Detect(data []byte) Algorithm {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return Zstd
	case bytes.HasPrefix(data, lz4Magic):
		return LZ4
	default:
		return None
	}
}

type Compressor struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	algorithm Algorithm
	level     int
}

// NewCompressor returns a compressor writing frames of the given
// algorithm. Level 1 favors speed, 3 favors ratio, anything else is the
// library default. Decompression handles every algorithm regardless.
func NewCompressor(algorithm Algorithm, level int) (*Compressor, error) {
	c := &Compressor{algorithm: algorithm, level: level}

	if algorithm == Zstd {
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
		c.encoder = encoder
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	c.decoder = decoder

	return c, nil
}

// Algorithm returns the algorithm used by Compress.
func (c *Compressor) Algorithm() Algorithm { return c.algorithm }

// Compress frames data. Small inputs and inputs that do not shrink are
// returned unchanged.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if c.algorithm == None || len(data) < minCompressSize {
		return data, nil
	}

	var compressed []byte
	switch c.algorithm {
	case Zstd:
		compressed = c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	case LZ4:
		var err error
		compressed, err = c.compressLZ4(data)
		if err != nil {
			return nil, err
		}
	}

	if len(compressed) >= len(data) {
		return data, nil
	}
	return compressed, nil
}

func (c *Compressor) compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)

	level := lz4.Fast
	if c.level == 3 {
		level = lz4.Level9
	}
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4 options: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress undoes Compress for any algorithm. Unframed data is
// returned as is.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	switch Detect(data) {
	case Zstd:
		out, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
