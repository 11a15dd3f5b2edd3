package zarr

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/qri-io/dataset/compression"
)

// Compressor ids zarr-go can read and write. Blosc and zlib chunks written by
// other implementations are rejected with ErrUnsupportedCodec.
const (
	CodecZstd = "zstd"
	CodecGzip = "gzip"
)

// ErrUnsupportedCodec is returned for compressor ids without a codec.
var ErrUnsupportedCodec = errors.New("unsupported compressor")

// CompressionMeta defines compression settings zarr-go understands
type CompressionMeta struct {
	ID      string `json:"id"`
	Cname   string `json:"cname,omitempty"`
	Clevel  int    `json:"clevel,omitempty"`
	Shuffle int    `json:"shuffle,omitempty"`
	Level   int    `json:"level,omitempty"`
}

// format maps a zarr codec id onto a qri-io/dataset compression format.
func (m *CompressionMeta) format() (string, error) {
	switch m.ID {
	case CodecZstd:
		return "zst", nil
	case CodecGzip:
		return "gzip", nil
	default:
		return "", errors.Wrapf(ErrUnsupportedCodec, "%q", m.ID)
	}
}

// Decompressor wraps r in the codec named by m. A nil m means chunks are
// stored raw.
func (m *CompressionMeta) Decompressor(r io.ReadCloser) (io.ReadCloser, error) {
	if m == nil {
		return r, nil
	}
	f, err := m.format()
	if err != nil {
		return nil, err
	}
	return compression.Decompressor(f, r)
}

// Compressor wraps w in the codec named by m. A nil m writes raw chunks.
func (m *CompressionMeta) Compressor(w io.Writer) (io.WriteCloser, error) {
	if m == nil {
		return nopWriteCloser{w}, nil
	}
	f, err := m.format()
	if err != nil {
		return nil, err
	}
	return compression.Compressor(f, w)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
