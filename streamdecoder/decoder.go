package streamdecoder

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/Abyteon/canp/dictcache"
	"github.com/Abyteon/canp/internal/config"
	"github.com/Abyteon/canp/internal/logging"
	"github.com/Abyteon/canp/internal/xerr"
	"github.com/Abyteon/canp/memfabric"
)

// DecodeStats accumulates per-file decode counters, surfaced in the run
// summary.
type DecodeStats struct {
	FramesDecoded    int64
	FramesMalformed  int64
	SignalsSkipped   int64
	UnknownMessages  int64
	RowsEmitted      int64
	BatchesEmitted   int64
}

// BatchSink receives completed row batches in file order; it plays the role
// of the ArchiveSink boundary without this package depending on
// a concrete sink implementation.
type BatchSink interface {
	Accept(rows []dictcache.DecodedRow) error
}

// Decoder drives the file-level state machine (header, decompress, group,
// frame) over one MappedFile, using fab for decompression buffers and dict
// for message lookups.
type Decoder struct {
	cfg  config.DecoderConfig
	fab  *memfabric.Fabric
	dict *dictcache.Cache
}

// New constructs a Decoder.
func New(cfg config.DecoderConfig, fab *memfabric.Fabric, dict *dictcache.Cache) *Decoder {
	return &Decoder{cfg: cfg, fab: fab, dict: dict}
}

// DecodeFile runs the full state machine over mf's contents, looking up
// signals in the dictionary published at dictPath, and handing completed
// batches to sink in file order. It returns on the first per-file error
// (malformed header, truncated region, decompress failure); rows already
// handed to sink before the failure are not retracted.
func (d *Decoder) DecodeFile(filename string, mf *memfabric.MappedFile, dictPath string, sink BatchSink) (DecodeStats, error) {
	var stats DecodeStats

	outer, err := ReadFileHeader(filename, mf.Bytes())
	if err != nil {
		return stats, err
	}

	compressed := mf.Bytes()[outerHeaderSize:]
	if int64(len(compressed)) < int64(outer.CompressedLength) {
		return stats, &xerr.TruncatedRegion{File: filename, At: outerHeaderSize}
	}
	compressed = compressed[:outer.CompressedLength]

	decompressed, err := d.decompress(filename, compressed)
	if err != nil {
		return stats, err
	}
	defer decompressed.Release()

	payload := decompressed.Bytes()
	inner, err := ReadInnerHeader(filename, payload)
	if err != nil {
		return stats, err
	}

	frameRegion := payload[innerHeaderSize:]
	if int64(len(frameRegion)) < int64(inner.FrameRegionLength) {
		return stats, &xerr.TruncatedRegion{File: filename, At: int64(outerHeaderSize) + innerHeaderSize}
	}
	frameRegion = frameRegion[:inner.FrameRegionLength]

	batch := make([]dictcache.DecodedRow, 0, d.cfg.BatchRowThreshold)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink.Accept(batch); err != nil {
			return &xerr.SinkFailure{Partition: filename, Cause: err}
		}
		stats.BatchesEmitted++
		batch = make([]dictcache.DecodedRow, 0, d.cfg.BatchRowThreshold)
		return nil
	}

	var off int64
	baseOff := int64(outerHeaderSize) + innerHeaderSize
	for off < int64(len(frameRegion)) {
		gh, err := ReadGroupHeader(filename, frameRegion[off:], baseOff+off)
		if err != nil {
			if ferr := flush(); ferr != nil {
				return stats, ferr
			}
			return stats, err
		}
		off += groupHeaderSize

		groupEnd := off + int64(gh.GroupLength)
		if groupEnd > int64(len(frameRegion)) {
			if ferr := flush(); ferr != nil {
				return stats, ferr
			}
			return stats, &xerr.TruncatedRegion{File: filename, At: baseOff + off}
		}

		for off < groupEnd {
			frame, err := ReadFrame(filename, frameRegion[off:groupEnd], baseOff+off)
			if err != nil {
				if ferr := flush(); ferr != nil {
					return stats, ferr
				}
				return stats, err
			}
			off += frameSize

			if frame.DLC > 8 {
				stats.FramesMalformed++
				continue
			}
			stats.FramesDecoded++

			rows, skipped, ok := d.dict.DecodeFrame(dictPath, dictcache.Frame{
				ID: frame.ID, Extended: frame.Extended, DLC: frame.DLC,
				Remote: frame.Remote, Timestamp: frame.Timestamp, Payload: frame.Payload,
			})
			if !ok {
				if !frame.Remote {
					stats.UnknownMessages++
				}
				continue
			}
			stats.SignalsSkipped += int64(skipped)

			batch = append(batch, rows...)
			stats.RowsEmitted += int64(len(rows))

			if len(batch) >= d.cfg.BatchRowThreshold {
				if err := flush(); err != nil {
					return stats, err
				}
			}
		}
	}

	if err := flush(); err != nil {
		return stats, err
	}

	if logging.FastV(3, logging.SmoduleDecoder) {
		logging.Infof("streamdecoder: %s frames=%d rows=%d unknown=%d malformed=%d",
			filename, stats.FramesDecoded, stats.RowsEmitted, stats.UnknownMessages, stats.FramesMalformed)
	}
	return stats, nil
}

// decompress inflates a zlib-wrapped deflate stream into a fabric-owned
// buffer sized ≈ cfg.DecompressGrowth·len(compressed), growing by doubling
// on EOF-before-drained. Each compressed region is exactly one zlib member,
// never several concatenated ones.
func (d *Decoder) decompress(filename string, compressed []byte) (*memfabric.PooledBuffer, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, &xerr.DecompressFailed{File: filename, Cause: err}
	}
	defer zr.Close()

	initial := int(float64(len(compressed)) * d.cfg.DecompressGrowth)
	if initial < 64 {
		initial = 64
	}
	buf, err := d.fab.Checkout(config.FamilyDecompression, initial)
	if err != nil {
		return nil, err
	}
	buf.SetLen(0)

	for {
		if buf.Len() == buf.Cap() {
			buf.Grow(buf.Cap() * 2)
		}
		n, err := zr.Read(buf.Bytes()[buf.Len():buf.Cap()])
		buf.SetLen(buf.Len() + n)
		if err == io.EOF {
			break
		}
		if err != nil {
			buf.Release()
			return nil, &xerr.DecompressFailed{File: filename, Cause: err}
		}
	}
	return buf, nil
}
