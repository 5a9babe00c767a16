package archivesink

import (
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v3"
)

// newEncoder wraps w with c's compression // `--compression {none|fast|gzip|lz4|zstd}` flag. Callers must Close the
// returned writer to flush trailing codec state before closing w itself.
func newEncoder(c Codec, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecNone:
		return nopWriteCloser{w}, nil
	case CodecFast:
		return snappy.NewBufferedWriter(w), nil
	case CodecGzip:
		return gzip.NewWriter(w), nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecZstd:
		return zstd.NewWriter(w)
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// fileExt returns the part-file extension for c // `part-<nnnnn>.<codec>.<ext>` naming.
func (c Codec) fileExt() string {
	switch c {
	case CodecNone:
		return "raw"
	case CodecFast:
		return "sz"
	case CodecGzip:
		return "gz"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zst"
	default:
		return "raw"
	}
}
