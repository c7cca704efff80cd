// Package compress wraps LZ4 block compression for storage and network
// payloads. Every output is prefixed with a one-byte marker so tiny or
// incompressible data can pass through untouched instead of expanding.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

const (
	markerRaw        = 0x00
	markerCompressed = 0x01

	// DefaultMinSize is the size below which data is stored raw: LZ4 tends
	// to expand very small inputs.
	DefaultMinSize = 64

	compressedHeaderLen = 5 // marker + u32 original size
)

var (
	ErrBadMarker = errors.New("compress: invalid compression marker")
	ErrTruncated = errors.New("compress: buffer too short")
)

// Stats describes one compression operation.
type Stats struct {
	OriginalSize   int
	CompressedSize int
	Ratio          float64
	WasCompressed  bool
}

// Compressor compresses byte payloads with LZ4. The zero value is not
// usable; construct with New or WithMinSize. Safe for concurrent use.
type Compressor struct {
	minSize int
}

func New() *Compressor {
	return &Compressor{minSize: DefaultMinSize}
}

// WithMinSize sets a custom pass-through threshold. A threshold of 0
// compresses everything.
func WithMinSize(minSize int) *Compressor {
	if minSize < 0 {
		minSize = 0
	}
	return &Compressor{minSize: minSize}
}

// Compress returns data in the marked wire format: a raw marker plus the
// original bytes when below the threshold or when LZ4 would not shrink it,
// otherwise a compressed marker, the little-endian original length, and the
// LZ4 block.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) >= c.minSize {
		buf := make([]byte, compressedHeaderLen+lz4.CompressBlockBound(len(data)))
		buf[0] = markerCompressed
		binary.LittleEndian.PutUint32(buf[1:compressedHeaderLen], uint32(len(data)))

		var lc lz4.Compressor
		n, err := lc.CompressBlock(data, buf[compressedHeaderLen:])
		if err != nil {
			return nil, fmt.Errorf("compress block: %w", err)
		}
		if n > 0 && compressedHeaderLen+n < len(data)+1 {
			return buf[:compressedHeaderLen+n], nil
		}
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, markerRaw)
	return append(out, data...), nil
}

// Decompress reverses Compress. An unknown marker or an LZ4 block that does
// not decode to the declared length is corruption, not data.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case markerRaw:
		out := make([]byte, len(data)-1)
		copy(out, data[1:])
		return out, nil
	case markerCompressed:
		if len(data) < compressedHeaderLen {
			return nil, ErrTruncated
		}
		originalSize := binary.LittleEndian.Uint32(data[1:compressedHeaderLen])
		out := make([]byte, originalSize)
		n, err := lz4.UncompressBlock(data[compressedHeaderLen:], out)
		if err != nil {
			return nil, fmt.Errorf("decompress block: %w", err)
		}
		if uint32(n) != originalSize {
			return nil, fmt.Errorf("compress: decoded %d bytes, header says %d", n, originalSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadMarker, data[0])
	}
}

// CompressWithStats compresses and reports sizes and ratio.
func (c *Compressor) CompressWithStats(data []byte) ([]byte, Stats, error) {
	out, err := c.Compress(data)
	if err != nil {
		return nil, Stats{}, err
	}
	stats := Stats{
		OriginalSize:   len(data),
		CompressedSize: len(out),
		WasCompressed:  len(out) > 0 && out[0] == markerCompressed,
	}
	if stats.CompressedSize > 0 {
		stats.Ratio = float64(stats.OriginalSize) / float64(stats.CompressedSize)
	}
	return out, stats, nil
}
