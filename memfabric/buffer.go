package memfabric

import "github.com/Abyteon/canp/internal/config"

// PooledBuffer is a growable byte container drawn from one of the fabric's
// size tiers, or a standalone allocation when no tier covers the request.
// Capacity never shrinks below its origin tier's floor; Release clears the
// logical length before returning the backing array to its tier.
type PooledBuffer struct {
	family config.Family
	tier   *tier // nil for a standalone buffer
	fab    *Fabric
	buf    []byte
	freed  bool
}

// Bytes returns the buffer's current contents.
func (b *PooledBuffer) Bytes() []byte { return b.buf }

// Len returns the current length.
func (b *PooledBuffer) Len() int { return len(b.buf) }

// Cap returns the current capacity.
func (b *PooledBuffer) Cap() int { return cap(b.buf) }

// Grow ensures capacity for at least n bytes, growing by doubling and adding
// the extra capacity to the fabric's current-bytes gauge. The buffer keeps
// its origin tier; it is not moved to a larger one.
func (b *PooledBuffer) Grow(n int) {
	if cap(b.buf) >= n {
		return
	}
	newCap := cap(b.buf)
	if newCap == 0 {
		newCap = n
	}
	for newCap < n {
		newCap *= 2
	}
	grown := make([]byte, len(b.buf), newCap)
	copy(grown, b.buf)
	if b.fab != nil {
		b.fab.addBytes(int64(newCap - cap(b.buf)))
	}
	b.buf = grown
}

// SetLen resizes the logical length within the current capacity, growing
// first if needed.
func (b *PooledBuffer) SetLen(n int) {
	b.Grow(n)
	b.buf = b.buf[:n]
}

// Append appends p, growing as necessary, and returns the buffer for chaining.
func (b *PooledBuffer) Append(p []byte) *PooledBuffer {
	b.Grow(len(b.buf) + len(p))
	b.buf = append(b.buf, p...)
	return b
}

// Release returns the buffer to its origin tier (or, for a standalone
// buffer, simply adjusts fabric accounting). Idempotent: a second Release
// is a no-op, so every checkout has exactly one effective release even if
// a caller's cleanup path calls it more than once.
func (b *PooledBuffer) Release() {
	if b.freed {
		return
	}
	b.freed = true
	b.fab.release(b)
}
