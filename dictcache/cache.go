package dictcache

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"

	"github.com/Abyteon/canp/dictcache/dbcparse"
	"github.com/Abyteon/canp/internal/config"
	"github.com/Abyteon/canp/internal/logging"
	"github.com/Abyteon/canp/internal/xerr"
)

// entry is the cache's bookkeeping around one published SignalDictionary:
// its load timestamp, priority, and source path.
type entry struct {
	dict     *SignalDictionary
	loadedAt time.Time
	priority int
	path     string
}

// Stats reports DictionaryCache counters.
type Stats struct {
	Hits            int64
	Misses          int64
	DecodedFrames   int64
	UnknownMessages int64
	ParseTime       time.Duration
}

// Cache parses signal-dictionary text files on demand and keeps them
// available to the decoder, keyed by source path, evicting stale entries.
//
// Storage is an LRU (hashicorp/golang-lru/v2), bounded by cfg.MaxEntries;
// the library evicts by recency alone, so the additional expiry rule
// ("entries older than cfg.Expiry become eligible") is layered on top as an
// explicit timestamp check in Load plus a sweep run after every Load and
// Merge, rather than on a background timer. Lookup and DecodeFrame do not
// check the timestamp: they serve an entry until a sweep removes it.
type Cache struct {
	cfg config.DictConfig

	mu    sync.RWMutex
	store *lru.Cache[string, *entry]

	hits        atomic.Int64
	misses      atomic.Int64
	decoded     atomic.Int64
	unknown     atomic.Int64
	parseTimeNs atomic.Int64
}

// NewCache constructs a Cache from cfg.
func NewCache(cfg config.DictConfig) *Cache {
	if cfg.FileSuffix == "" {
		cfg.FileSuffix = ".dbc"
	}
	size := cfg.MaxEntries
	if size <= 0 {
		size = 100
	}
	store, _ := lru.New[string, *entry](size)
	return &Cache{cfg: cfg, store: store}
}

// Load parses path into a SignalDictionary and publishes it under path.
// Within the expiry window, a repeated Load for the same path is a no-op
// that returns the already-published dictionary (idempotent).
func (c *Cache) Load(path string, priority int) (*SignalDictionary, error) {
	c.mu.Lock()
	if e, ok := c.store.Get(path); ok && time.Since(e.loadedAt) < c.cfg.Expiry {
		c.mu.Unlock()
		c.hits.Inc()
		return e.dict, nil
	}
	c.mu.Unlock()
	c.misses.Inc()

	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return nil, &xerr.IoError{Path: path, Cause: err}
	}
	defer f.Close()

	msgs, err := dbcparse.Parse(f)
	if err != nil {
		line := 0
		if pe, ok := err.(*dbcparse.ParseError); ok {
			line = pe.Line
		}
		return nil, &xerr.DictionaryParseError{File: path, Line: line, Cause: err}
	}
	c.parseTimeNs.Add(int64(time.Since(start)))

	dict := newDictionary(toMessageMap(msgs))

	c.mu.Lock()
	c.store.Add(path, &entry{dict: dict, loadedAt: time.Now(), priority: priority, path: path})
	c.mu.Unlock()

	c.evictExpired()

	if logging.FastV(3, logging.SmoduleDict) {
		logging.Infof("dictcache: loaded %s (%d messages)", path, dict.Len())
	}
	return dict, nil
}

func toMessageMap(msgs []dbcparse.Message) map[uint32]*MessageDescriptor {
	out := make(map[uint32]*MessageDescriptor, len(msgs))
	for _, m := range msgs {
		md := &MessageDescriptor{ID: m.ID, Name: m.Name, ExpectedBytes: m.DLC}
		md.Signals = make([]SignalDescriptor, len(m.Signals))
		for i, s := range m.Signals {
			order := LittleEndian
			if s.Order == dbcparse.BigEndian {
				order = BigEndian
			}
			var enum Enum
			if len(s.Enum) > 0 {
				enum = make(Enum, len(s.Enum))
				for k, v := range s.Enum {
					enum[k] = v
				}
			}
			md.Signals[i] = SignalDescriptor{
				Name: s.Name, StartBit: s.StartBit, Length: s.Length,
				Order: order, Signed: s.Signed, Factor: s.Factor, Offset: s.Offset,
				Unit: s.Unit, Enum: enum,
			}
		}
		out[m.ID] = md
	}
	return out
}

// LoadDirectory loads every file with the configured dictionary extension
// found directly under dir (non-recursive), returning the count loaded.
func (c *Cache) LoadDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, &xerr.IoError{Path: dir, Cause: err}
	}
	n := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(de.Name()), c.cfg.FileSuffix) {
			continue
		}
		if _, err := c.Load(filepath.Join(dir, de.Name()), 0); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Merge loads every source (a single dictionary file, or a directory of
// them) and publishes their combined messages as one dictionary under key
// into. Later sources win on a message-id collision. This is how the engine
// supports a repeatable `--dictionary` flag backed by a dictionary split
// across several files (e.g. a base OBD-II dictionary plus a vehicle-
// specific extension) without StreamDecoder having to juggle more than one
// dictionary key per capture file.
func (c *Cache) Merge(into string, sources ...string) error {
	merged := make(map[uint32]*MessageDescriptor)

	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return &xerr.IoError{Path: src, Cause: err}
		}
		var files []string
		if info.IsDir() {
			entries, err := os.ReadDir(src)
			if err != nil {
				return &xerr.IoError{Path: src, Cause: err}
			}
			for _, de := range entries {
				if !de.IsDir() && strings.EqualFold(filepath.Ext(de.Name()), c.cfg.FileSuffix) {
					files = append(files, filepath.Join(src, de.Name()))
				}
			}
		} else {
			files = append(files, src)
		}

		for _, file := range files {
			f, err := os.Open(file)
			if err != nil {
				return &xerr.IoError{Path: file, Cause: err}
			}
			msgs, err := dbcparse.Parse(f)
			f.Close()
			if err != nil {
				line := 0
				if pe, ok := err.(*dbcparse.ParseError); ok {
					line = pe.Line
				}
				return &xerr.DictionaryParseError{File: file, Line: line, Cause: err}
			}
			for id, md := range toMessageMap(msgs) {
				merged[id] = md
			}
		}
	}

	dict := newDictionary(merged)
	c.mu.Lock()
	c.store.Add(into, &entry{dict: dict, loadedAt: time.Now(), path: into})
	c.mu.Unlock()
	c.evictExpired()
	return nil
}

// Lookup returns the message descriptor for messageID in the dictionary
// published at path, if both are present. It does not check expiry; an
// expired entry stays visible until the next Load or Merge sweeps it.
func (c *Cache) Lookup(path string, messageID uint32) (*MessageDescriptor, bool) {
	c.mu.RLock()
	e, ok := c.store.Get(path)
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.dict.Lookup(messageID)
}

// DecodeFrame extracts every signal of frame's matched message in the
// dictionary published at path. Unknown messages return (nil, 0, false) and
// increment the unknown-message counter; remote frames never produce rows.
// A signal whose extraction overruns the frame's declared length is skipped
// rather than aborting the whole frame; skipped counts how many were, so the
// caller can fold it into its own per-file statistics.
func (c *Cache) DecodeFrame(path string, frame Frame) (rows []DecodedRow, skipped int, ok bool) {
	if frame.Remote {
		return nil, 0, false
	}
	msg, found := c.Lookup(path, frame.ID)
	if !found {
		c.unknown.Inc()
		return nil, 0, false
	}

	rows = make([]DecodedRow, 0, len(msg.Signals))
	for i := range msg.Signals {
		sig := &msg.Signals[i]
		raw, physical, decodedOK := decodeSignal(sig, frame.Payload, frame.DLC)
		if !decodedOK {
			skipped++
			continue
		}
		row := DecodedRow{
			Timestamp:  frame.Timestamp,
			MessageID:  frame.ID,
			SignalName: sig.Name,
			Raw:        raw,
			Physical:   physical,
			Unit:       sig.Unit,
		}
		if sig.Enum != nil {
			if label, ok := sig.Enum[raw]; ok {
				row.Label = label
				row.HasLabel = true
			}
		}
		rows = append(rows, row)
	}
	c.decoded.Inc()
	return rows, skipped, true
}

// evictExpired drops entries past the configured expiry, run inline after
// every Load and Merge; the
// LRU's own size bound is enforced automatically by the library on Add.
func (c *Cache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, path := range c.store.Keys() {
		e, ok := c.store.Peek(path)
		if ok && now.Sub(e.loadedAt) >= c.cfg.Expiry {
			c.store.Remove(path)
		}
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		DecodedFrames:   c.decoded.Load(),
		UnknownMessages: c.unknown.Load(),
		ParseTime:       time.Duration(c.parseTimeNs.Load()),
	}
}
