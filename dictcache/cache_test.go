package dictcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Abyteon/canp/internal/config"
)

const sampleDBC = `
BO_ 291 EngineData: 8 ECU
 SG_ RPM : 0|16@1+ (0.25,0) [0|16383.75] "rpm" ECU
 SG_ Temp : 24|8@1- (0.5,-1) [-64|63.5] "C" ECU
VAL_ 291 RPM 0 "idle" 1 "running" ;

BO_ 400 WheelSpeed: 2 ABS
 SG_ Front : 7|16@0+ (1,0) [0|65535] "rpm" ABS
`

func writeDBC(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesMessagesAndSignals(t *testing.T) {
	dir := t.TempDir()
	path := writeDBC(t, dir, "sample.dbc", sampleDBC)

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 10, FileSuffix: ".dbc"})
	dict, err := c.Load(path, 0)
	require.NoError(t, err)
	require.Equal(t, 2, dict.Len())

	msg, ok := dict.Lookup(291)
	require.True(t, ok)
	require.Equal(t, "EngineData", msg.Name)
	require.Len(t, msg.Signals, 2)
}

func TestLoadIsIdempotentWithinExpiry(t *testing.T) {
	dir := t.TempDir()
	path := writeDBC(t, dir, "sample.dbc", sampleDBC)

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 10, FileSuffix: ".dbc"})
	d1, err := c.Load(path, 0)
	require.NoError(t, err)
	d2, err := c.Load(path, 0)
	require.NoError(t, err)
	require.Same(t, d1, d2)

	stats := c.Stats()
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 1, stats.Hits)
}

func TestLoadReparsesAfterExpiry(t *testing.T) {
	dir := t.TempDir()
	path := writeDBC(t, dir, "sample.dbc", sampleDBC)

	c := NewCache(config.DictConfig{Expiry: time.Millisecond, MaxEntries: 10, FileSuffix: ".dbc"})
	d1, err := c.Load(path, 0)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	d2, err := c.Load(path, 0)
	require.NoError(t, err)
	require.NotSame(t, d1, d2)

	stats := c.Stats()
	require.EqualValues(t, 2, stats.Misses)
}

func TestLoadDirectoryLoadsOnlyMatchingSuffix(t *testing.T) {
	dir := t.TempDir()
	writeDBC(t, dir, "a.dbc", sampleDBC)
	writeDBC(t, dir, "b.DBC", sampleDBC)
	writeDBC(t, dir, "notes.txt", "ignored")

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 10, FileSuffix: ".dbc"})
	n, err := c.LoadDirectory(dir)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestLoadRejectsMalformedDictionary(t *testing.T) {
	dir := t.TempDir()
	path := writeDBC(t, dir, "bad.dbc", "BO_ not-a-number Bad: 8 ECU\n")

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 10, FileSuffix: ".dbc"})
	_, err := c.Load(path, 0)
	require.Error(t, err)
}

func TestDecodeFrameLittleEndianUnsigned(t *testing.T) {
	dir := t.TempDir()
	path := writeDBC(t, dir, "sample.dbc", sampleDBC)

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 10, FileSuffix: ".dbc"})
	_, err := c.Load(path, 0)
	require.NoError(t, err)

	frame := Frame{
		ID:  291,
		DLC: 8,
		Payload: [8]byte{0x34, 0x12, 0, 0, 0, 0, 0, 0},
	}
	rows, _, ok := c.DecodeFrame(path, frame)
	require.True(t, ok)
	require.Len(t, rows, 2)

	rpm := rows[0]
	require.Equal(t, "RPM", rpm.SignalName)
	require.EqualValues(t, 0x1234, rpm.Raw)
	require.False(t, rpm.HasLabel) // 0x1234 is not in RPM's {0, 1} value table
}

func TestDecodeFrameSignedWithScale(t *testing.T) {
	dir := t.TempDir()
	path := writeDBC(t, dir, "sample.dbc", sampleDBC)

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 10, FileSuffix: ".dbc"})
	_, err := c.Load(path, 0)
	require.NoError(t, err)

	frame := Frame{
		ID:  291,
		DLC: 8,
		Payload: [8]byte{0, 0, 0, 0x80, 0, 0, 0, 0},
	}
	rows, _, ok := c.DecodeFrame(path, frame)
	require.True(t, ok)

	temp := rows[1]
	require.Equal(t, "Temp", temp.SignalName)
	require.EqualValues(t, -128, temp.Raw)
	require.InDelta(t, -65.0, temp.Physical, 1e-9)
}

func TestDecodeFrameUnknownMessageIncrementsCounter(t *testing.T) {
	dir := t.TempDir()
	path := writeDBC(t, dir, "sample.dbc", sampleDBC)

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 10, FileSuffix: ".dbc"})
	_, err := c.Load(path, 0)
	require.NoError(t, err)

	rows, _, ok := c.DecodeFrame(path, Frame{ID: 999, DLC: 8})
	require.False(t, ok)
	require.Nil(t, rows)
	require.EqualValues(t, 1, c.Stats().UnknownMessages)
}

func TestDecodeFrameRemoteFrameProducesNoRows(t *testing.T) {
	dir := t.TempDir()
	path := writeDBC(t, dir, "sample.dbc", sampleDBC)

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 10, FileSuffix: ".dbc"})
	_, err := c.Load(path, 0)
	require.NoError(t, err)

	rows, _, ok := c.DecodeFrame(path, Frame{ID: 291, DLC: 8, Remote: true})
	require.False(t, ok)
	require.Nil(t, rows)
}

func TestDecodeFrameBigEndianLayout(t *testing.T) {
	dir := t.TempDir()
	path := writeDBC(t, dir, "sample.dbc", sampleDBC)

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 10, FileSuffix: ".dbc"})
	_, err := c.Load(path, 0)
	require.NoError(t, err)

	frame := Frame{ID: 400, DLC: 2, Payload: [8]byte{0x12, 0x34, 0, 0, 0, 0, 0, 0}}
	rows, _, ok := c.DecodeFrame(path, frame)
	require.True(t, ok)
	require.Len(t, rows, 1)
	require.Equal(t, "Front", rows[0].SignalName)
	require.EqualValues(t, 0x1234, rows[0].Raw)
}

const overrunDBC = `
BO_ 500 Mixed: 1 ECU
 SG_ Flag : 0|4@1+ (1,0) [0|15] "" ECU
 SG_ Overrun : 4|8@1+ (1,0) [0|255] "" ECU
`

func TestDecodeFrameSkipsSignalsThatOverrunTheDeclaredDLC(t *testing.T) {
	dir := t.TempDir()
	path := writeDBC(t, dir, "overrun.dbc", overrunDBC)

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 10, FileSuffix: ".dbc"})
	_, err := c.Load(path, 0)
	require.NoError(t, err)

	rows, skipped, ok := c.DecodeFrame(path, Frame{ID: 500, DLC: 1, Payload: [8]byte{0x0f}})
	require.True(t, ok)
	require.Equal(t, 1, skipped)
	require.Len(t, rows, 1)
	require.Equal(t, "Flag", rows[0].SignalName)
}

func TestCacheEvictsOldestBeyondMaxEntries(t *testing.T) {
	dir := t.TempDir()
	names := []string{"a.dbc", "b.dbc", "c.dbc"}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = writeDBC(t, dir, name, sampleDBC)
	}

	c := NewCache(config.DictConfig{Expiry: time.Hour, MaxEntries: 2, FileSuffix: ".dbc"})
	for _, p := range paths {
		_, err := c.Load(p, 0)
		require.NoError(t, err)
	}

	_, firstStillPresent := c.Lookup(paths[0], 291)
	require.False(t, firstStillPresent)

	_, lastPresent := c.Lookup(paths[2], 291)
	require.True(t, lastPresent)
}
