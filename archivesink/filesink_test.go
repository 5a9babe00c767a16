package archivesink

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/Abyteon/canp/dictcache"
)

func sampleRows() []dictcache.DecodedRow {
	return []dictcache.DecodedRow{
		{Timestamp: 100, MessageID: 0x123, SignalName: "S", Raw: 1, Physical: 1.0, Unit: "rpm"},
		{Timestamp: 200, MessageID: 0x456, SignalName: "T", Raw: -5, Physical: -2.5},
	}
}

func TestFileSinkWritesPartAndManifest(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, CodecGzip, PartitionFunc(func(dictcache.DecodedRow) string { return "all" }))
	require.NoError(t, err)

	require.NoError(t, sink.Accept(sampleRows()))

	partPath := filepath.Join(dir, "all", "part-00000.gzip.gz")
	_, err = os.Stat(partPath)
	require.NoError(t, err)

	f, err := os.Open(partPath)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	require.Equal(t, 2, lines)

	manifestPath := filepath.Join(dir, "_manifest")
	mdata, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	require.Contains(t, string(mdata), `"partition":"all"`)
	require.Contains(t, string(mdata), `"rows":2`)
}

func TestFileSinkPartitionsIntoSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, CodecNone, PartitionHash(2))
	require.NoError(t, err)

	require.NoError(t, sink.Accept(sampleRows()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var partitionDirs int
	for _, e := range entries {
		if e.IsDir() {
			partitionDirs++
		}
	}
	require.GreaterOrEqual(t, partitionDirs, 1)
}

func TestFileSinkEmptyBatchIsNoop(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, CodecNone, PartitionHash(1))
	require.NoError(t, err)
	require.NoError(t, sink.Accept(nil))

	_, err = os.Stat(filepath.Join(dir, "_manifest"))
	require.True(t, os.IsNotExist(err))
}

func TestParseCodecRoundTrip(t *testing.T) {
	for _, name := range []string{"none", "fast", "gzip", "lz4", "zstd"} {
		c, ok := ParseCodec(name)
		require.True(t, ok)
		require.Equal(t, name, c.String())
	}
	_, ok := ParseCodec("bogus")
	require.False(t, ok)
}

func TestPartitionTimeBucketsByInterval(t *testing.T) {
	p := PartitionTime(1000 * 1000) // 1ms, in microsecond-timestamp units that's 1000
	a := dictcache.DecodedRow{Timestamp: 500}
	b := dictcache.DecodedRow{Timestamp: 999}
	c := dictcache.DecodedRow{Timestamp: 1500}
	require.Equal(t, p.Key(a), p.Key(b))
	require.NotEqual(t, p.Key(a), p.Key(c))
}

func TestPartitionHashIsStableForSameID(t *testing.T) {
	p := PartitionHash(8)
	row := dictcache.DecodedRow{MessageID: 0x123}
	require.Equal(t, p.Key(row), p.Key(row))
}
