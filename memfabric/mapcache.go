package memfabric

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// mapCache is a bounded, reference-count-aware LRU over MappedFile handles.
// hashicorp/golang-lru/v2 evicts unconditionally once Add crosses capacity;
// we layer the "never evict a still-referenced entry" invariant from // on top by re-inserting anything the library's OnEvict callback reports as
// still strongly held, which keeps the cache slightly over its nominal size
// under sustained contention rather than breaking the invariant.
type mapCache struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *MappedFile]
}

func newMapCache(size int) *mapCache {
	if size <= 0 {
		size = 1
	}
	mc := &mapCache{}
	c, _ := lru.NewWithEvict[string, *MappedFile](size, mc.onEvict)
	mc.cache = c
	return mc
}

func (mc *mapCache) onEvict(path string, mf *MappedFile) {
	if mf.StrongCount() > 1 {
		// Still referenced elsewhere: keep it resident by re-adding. The
		// lock is already held by the caller of Add, so re-adding here
		// would deadlock; instead we defer the re-insertion.
		go func() {
			mc.mu.Lock()
			mc.cache.Add(path, mf)
			mc.mu.Unlock()
		}()
		return
	}
	mf.Release()
}

// get returns a handle for path, incrementing its strong-count on hit.
// The bool reports whether it was a cache hit.
func (mc *mapCache) get(path string) (*MappedFile, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mf, ok := mc.cache.Get(path)
	if !ok {
		return nil, false
	}
	mf.acquire()
	return mf, true
}

// insert stores a freshly opened handle under path. The handle's strong
// count already accounts for the caller's reference (1); insert does not
// add another.
func (mc *mapCache) insert(path string, mf *MappedFile) {
	mc.mu.Lock()
	mc.cache.Add(path, mf)
	mc.mu.Unlock()
}

func (mc *mapCache) len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.cache.Len()
}
