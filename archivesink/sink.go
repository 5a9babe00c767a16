// Package archivesink defines the row-batch handoff contract (batches of
// DecodedRow, sharing one schema, partitioned by a caller rule and
// persisted by a codec), plus a reference in-process implementation
// (FileSink) that exercises the contract the way the out-of-scope
// columnar engine eventually would.
/*
 * Copyright (c) 2026 Abyteon. All rights reserved.
 */
package archivesink

import (
	"github.com/Abyteon/canp/dictcache"
)

// Codec names a supported durable encoding for a part file's column chunks,
// a closed tagged union over a small, fixed set of variants.
type Codec int

const (
	CodecNone Codec = iota
	CodecFast       // github.com/golang/snappy
	CodecGzip       // klauspost/compress/gzip
	CodecLZ4        // github.com/pierrec/lz4/v3
	CodecZstd       // klauspost/compress/zstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecFast:
		return "fast"
	case CodecGzip:
		return "gzip"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCodec maps the CLI's `--compression` value to a Codec.
func ParseCodec(s string) (Codec, bool) {
	switch s {
	case "none", "":
		return CodecNone, true
	case "fast":
		return CodecFast, true
	case "gzip":
		return CodecGzip, true
	case "lz4":
		return CodecLZ4, true
	case "zstd":
		return CodecZstd, true
	default:
		return CodecNone, false
	}
}

// Partitioner assigns a partition key to a row; Sink groups rows sharing a
// key into the same output subdirectory.
type Partitioner interface {
	Key(row dictcache.DecodedRow) string
}

// Sink accepts row batches sharing the DecodedRow schema. A successful
// Accept call durably persists the batch before returning; a failing call
// returns an error the caller should treat as retriable.
type Sink interface {
	Accept(rows []dictcache.DecodedRow) error
	Close() error
}
