// Package memfabric owns all large reusable allocations: tiered byte-buffer
// pools and a reference-counted, memory-mapped file cache. It is the
// process-scoped singleton that every IO and CPU task in scheduler acquires
// buffers from and releases buffers to.
/*
 * Copyright (c) 2026 Abyteon. All rights reserved.
 */
package memfabric

import (
	"sort"
	"sync"

	"github.com/Abyteon/canp/internal/config"
)

// tier is one size class within a family: a free-list of byte slices whose
// capacity never drops below floor.
type tier struct {
	floor int
	mu    sync.Mutex
	free  [][]byte
}

func newTier(floor int) *tier {
	return &tier{floor: floor}
}

func (t *tier) get() []byte {
	t.mu.Lock()
	n := len(t.free)
	if n == 0 {
		t.mu.Unlock()
		return make([]byte, 0, t.floor)
	}
	buf := t.free[n-1]
	t.free = t.free[:n-1]
	t.mu.Unlock()
	return buf[:0]
}

func (t *tier) put(buf []byte) {
	if cap(buf) < t.floor {
		// Never happens for buffers we handed out ourselves; guards against
		// misuse from a caller that reslices below the tier floor.
		return
	}
	t.mu.Lock()
	t.free = append(t.free, buf)
	t.mu.Unlock()
}

func (t *tier) depleted() bool {
	t.mu.Lock()
	n := len(t.free)
	t.mu.Unlock()
	return n == 0
}

// family is an ascending set of tiers for one named pool family (generic,
// decompression, frame). Each family is synchronized independently — no
// cross-tier or cross-family locks.
type family struct {
	tiers []*tier // ascending by floor
}

func newFamily(floors []int) *family {
	sorted := append([]int(nil), floors...)
	sort.Ints(sorted)
	f := &family{tiers: make([]*tier, len(sorted))}
	for i, fl := range sorted {
		f.tiers[i] = newTier(fl)
	}
	return f
}

// pick returns the smallest tier whose floor covers size, or nil if size
// exceeds every tier (the caller must then allocate standalone).
func (f *family) pick(size int) *tier {
	for _, t := range f.tiers {
		if t.floor >= size {
			return t
		}
	}
	return nil
}

func (f *family) largestFloor() int {
	if len(f.tiers) == 0 {
		return 0
	}
	return f.tiers[len(f.tiers)-1].floor
}

func familiesFromConfig(cfg *config.FabricConfig) map[config.Family]*family {
	out := make(map[config.Family]*family, len(cfg.Tiers))
	for fam, floors := range cfg.Tiers {
		out[fam] = newFamily(floors)
	}
	return out
}
