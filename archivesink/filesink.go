package archivesink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/atomic"

	"github.com/Abyteon/canp/dictcache"
	"github.com/Abyteon/canp/internal/xerr"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// partState accumulates one partition's manifest statistics as rows arrive.
type partState struct {
	seq         int
	rows        int64
	minTS       uint64
	maxTS       uint64
	nullUnit    int64
	nullLabel   int64
}

// manifestEntry is one row of the per-run `_manifest` file.
type manifestEntry struct {
	Partition    string `json:"partition"`
	File         string `json:"file"`
	Rows         int64  `json:"rows"`
	MinTimestamp uint64 `json:"min_timestamp"`
	MaxTimestamp uint64 `json:"max_timestamp"`
	NullUnit     int64  `json:"null_unit"`
	NullLabel    int64  `json:"null_label"`
}

// FileSink is the reference in-process Sink implementation: it writes one
// newline-delimited-JSON part file per partition per Accept call, in
// per-partition subdirectories, and a `_manifest` file enumerating every
// part written. The columnar encoding itself is explicitly out of scope;
// this exists only to give the handoff contract something concrete to
// exercise.
type FileSink struct {
	outputDir   string
	codec       Codec
	partitioner Partitioner

	mu    sync.Mutex
	parts map[string]*partState

	written atomic.Int64
}

// NewFileSink constructs a FileSink rooted at outputDir.
func NewFileSink(outputDir string, codec Codec, partitioner Partitioner) (*FileSink, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, &xerr.IoError{Path: outputDir, Cause: err}
	}
	return &FileSink{
		outputDir:   outputDir,
		codec:       codec,
		partitioner: partitioner,
		parts:       make(map[string]*partState),
	}, nil
}

// Accept partitions rows by s.partitioner, appends each partition's rows to
// a fresh part file, and durably flushes it before returning: a batch is
// durable the moment its submission call returns success.
func (s *FileSink) Accept(rows []dictcache.DecodedRow) error {
	if len(rows) == 0 {
		return nil
	}
	byPartition := make(map[string][]dictcache.DecodedRow)
	for _, r := range rows {
		key := s.partitioner.Key(r)
		byPartition[key] = append(byPartition[key], r)
	}
	for key, partRows := range byPartition {
		if err := s.writePart(key, partRows); err != nil {
			return &xerr.SinkFailure{Partition: key, Cause: err}
		}
	}
	return nil
}

func (s *FileSink) writePart(partition string, rows []dictcache.DecodedRow) error {
	s.mu.Lock()
	st, ok := s.parts[partition]
	if !ok {
		st = &partState{minTS: rows[0].Timestamp}
		s.parts[partition] = st
	}
	seq := st.seq
	st.seq++
	s.mu.Unlock()

	dir := filepath.Join(s.outputDir, partition)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("part-%05d.%s.%s", seq, s.codec, s.codec.fileExt())
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := newEncoder(s.codec, f)
	if err != nil {
		return err
	}

	var nullUnit, nullLabel int64
	minTS, maxTS := rows[0].Timestamp, rows[0].Timestamp
	for _, r := range rows {
		line, err := jsonAPI.Marshal(r)
		if err != nil {
			return err
		}
		n, err := enc.Write(line)
		if err != nil {
			return err
		}
		s.written.Add(int64(n))
		n, err = enc.Write([]byte("\n"))
		if err != nil {
			return err
		}
		s.written.Add(int64(n))
		if r.Unit == "" {
			nullUnit++
		}
		if !r.HasLabel {
			nullLabel++
		}
		if r.Timestamp < minTS {
			minTS = r.Timestamp
		}
		if r.Timestamp > maxTS {
			maxTS = r.Timestamp
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	s.mu.Lock()
	st.rows += int64(len(rows))
	st.nullUnit += nullUnit
	st.nullLabel += nullLabel
	if st.minTS == 0 || minTS < st.minTS {
		st.minTS = minTS
	}
	if maxTS > st.maxTS {
		st.maxTS = maxTS
	}
	s.mu.Unlock()

	return s.appendManifest(manifestEntry{
		Partition: partition, File: name, Rows: int64(len(rows)),
		MinTimestamp: minTS, MaxTimestamp: maxTS,
		NullUnit: nullUnit, NullLabel: nullLabel,
	})
}

func (s *FileSink) appendManifest(entry manifestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.outputDir, "_manifest")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := jsonAPI.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Close is a no-op for FileSink: every part file and manifest append is
// flushed and fsynced synchronously within Accept.
func (s *FileSink) Close() error { return nil }

// BytesWritten returns the total pre-compression payload bytes accepted
// across every part file written so far.
func (s *FileSink) BytesWritten() int64 { return s.written.Load() }
