package memfabric

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/Abyteon/canp/internal/config"
	"github.com/Abyteon/canp/internal/logging"
	"github.com/Abyteon/canp/internal/xerr"
)

// FabricStats is a point-in-time snapshot of the fabric's monotone counters
// and gauges.
type FabricStats struct {
	Checkouts    int64
	Releases     int64
	MapHits      int64
	MapMisses    int64
	CurrentBytes int64
	PeakBytes    int64
}

// Fabric is the process-scoped owner of every pooled buffer family and the
// mapped-file cache. Construct exactly one per process via NewFabric.
type Fabric struct {
	cfg      config.FabricConfig
	families map[config.Family]*family
	maps     *mapCache

	checkouts atomic.Int64
	releases  atomic.Int64
	mapHits   atomic.Int64
	mapMisses atomic.Int64
	curBytes  atomic.Int64
	peakBytes atomic.Int64

	mu       sync.Mutex // guards admission gating decisions
	shutdown atomic.Bool
}

// NewFabric constructs a Fabric from cfg. Families named in cfg.Tiers are
// created; an empty Tiers map still yields a usable fabric that allocates
// everything standalone.
func NewFabric(cfg config.FabricConfig) *Fabric {
	return &Fabric{
		cfg:      cfg,
		families: familiesFromConfig(&cfg),
		maps:     newMapCache(cfg.MapCacheSize),
	}
}

func (f *Fabric) warningThreshold() int64 {
	return int64(float64(f.cfg.CeilingBytes) * f.cfg.WarningFraction)
}

// Checkout returns a buffer from the smallest tier in family whose floor
// covers size. If that tier's free list is empty, it allocates a fresh
// buffer of the tier's floor, which still returns to that tier on Release;
// if size exceeds the largest tier, it allocates a standalone buffer tied to
// no pool. When the current-bytes
// gauge is above the warning threshold and no pooled buffer is immediately
// available, Checkout fails with CapacityExceeded rather than silently
// over-allocating past the hard ceiling.
func (f *Fabric) Checkout(fam config.Family, size int) (*PooledBuffer, error) {
	famPool := f.families[fam]

	var (
		t   *tier
		buf []byte
	)
	if famPool != nil {
		t = famPool.pick(size)
		if t != nil && !t.depleted() {
			buf = t.get()
		}
	}

	standalone := buf == nil
	grantSize := size
	if t != nil {
		grantSize = t.floor
	}

	if standalone {
		cur := f.curBytes.Load()
		if cur+int64(grantSize) > f.cfg.CeilingBytes {
			return nil, &xerr.CapacityExceeded{Requested: int64(grantSize), Ceiling: f.cfg.CeilingBytes}
		}
		if cur >= f.warningThreshold() {
			// No pooled buffer is free for this request and we're already in
			// the warning band: refuse rather than grow unbounded.
			return nil, &xerr.CapacityExceeded{Requested: int64(grantSize), Ceiling: f.cfg.CeilingBytes}
		}
		buf = make([]byte, 0, grantSize)
	}

	f.checkouts.Inc()
	f.addBytes(int64(cap(buf)))

	pb := &PooledBuffer{family: fam, tier: t, fab: f, buf: buf}
	if logging.FastV(4, logging.SmoduleFabric) {
		logging.Infof("fabric: checkout family=%s size=%d tier=%v standalone=%v", fam, size, t != nil, t == nil)
	}
	return pb, nil
}

// CheckoutBatch is a best-effort batch variant of Checkout: ordering of
// returned buffers matches the request. On partial failure, buffers already
// acquired are released before returning the error.
func (f *Fabric) CheckoutBatch(fam config.Family, sizes []int) ([]*PooledBuffer, error) {
	out := make([]*PooledBuffer, 0, len(sizes))
	for _, sz := range sizes {
		pb, err := f.Checkout(fam, sz)
		if err != nil {
			for _, got := range out {
				got.Release()
			}
			return nil, err
		}
		out = append(out, pb)
	}
	return out, nil
}

func (f *Fabric) addBytes(n int64) {
	cur := f.curBytes.Add(n)
	for {
		peak := f.peakBytes.Load()
		if cur <= peak || f.peakBytes.CAS(peak, cur) {
			break
		}
	}
}

// release is called by PooledBuffer.Release; not part of the public API.
func (f *Fabric) release(b *PooledBuffer) {
	f.releases.Inc()
	f.addBytes(-int64(cap(b.buf)))
	if b.tier != nil {
		cleared := b.buf[:0]
		b.tier.put(cleared)
	}
	b.buf = nil
}

// MapFile returns a reference-counted handle over path's contents. On cache
// miss it opens the file read-only and maps it; on cache hit it increments
// the handle count.
func (f *Fabric) MapFile(path string) (*MappedFile, error) {
	if mf, ok := f.maps.get(path); ok {
		f.mapHits.Inc()
		return mf, nil
	}
	f.mapMisses.Inc()
	mf, err := openMappedFile(path)
	if err != nil {
		return nil, err
	}
	f.maps.insert(path, mf)
	return mf, nil
}

// Stats returns a snapshot of the fabric's counters and gauges.
func (f *Fabric) Stats() FabricStats {
	return FabricStats{
		Checkouts:    f.checkouts.Load(),
		Releases:     f.releases.Load(),
		MapHits:      f.mapHits.Load(),
		MapMisses:    f.mapMisses.Load(),
		CurrentBytes: f.curBytes.Load(),
		PeakBytes:    f.peakBytes.Load(),
	}
}

// Shutdown marks the fabric as terminated. Idempotent. Outstanding buffers
// remain valid until individually released; the fabric itself holds no
// goroutines that need draining.
func (f *Fabric) Shutdown() {
	f.shutdown.Store(true)
}
