package memfabric

import (
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/atomic"

	"github.com/Abyteon/canp/internal/xerr"
)

// MappedFile is a read-only, reference-counted view over a file's contents.
// While any handle exists the underlying mapping remains valid; the fabric's
// map cache refuses to evict an entry whose strong-count is above one.
type MappedFile struct {
	path   string
	file   *os.File
	mm     mmap.MMap
	strong atomic.Int64
	mu     sync.Mutex
	closed bool
}

func openMappedFile(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &xerr.IoError{Path: path, Cause: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &xerr.IoError{Path: path, Cause: err}
	}
	if fi.Size() == 0 {
		// mmap of a zero-length file fails on most platforms; represent it
		// as an empty, validly-closeable mapping instead.
		f.Close()
		return &MappedFile{path: path}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, &xerr.IoError{Path: path, Cause: err}
	}
	mf := &MappedFile{path: path, file: f, mm: m}
	mf.strong.Store(1)
	return mf, nil
}

// Path returns the path used as the cache key, exactly as passed to MapFile.
func (m *MappedFile) Path() string { return m.path }

// Len returns the file length in bytes.
func (m *MappedFile) Len() int { return len(m.mm) }

// Bytes exposes the mapped region as a byte slice. The slice is only valid
// while the handle (or any handle sharing its mapping) remains open.
func (m *MappedFile) Bytes() []byte { return m.mm }

// acquire increments the strong-count; used on cache hit.
func (m *MappedFile) acquire() { m.strong.Inc() }

// StrongCount reports the current reference count.
func (m *MappedFile) StrongCount() int64 { return m.strong.Load() }

// Release decrements the reference count; the underlying mapping is only
// unmapped once strong-count reaches zero.
func (m *MappedFile) Release() {
	if m.strong.Dec() > 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.mm != nil {
		_ = m.mm.Unmap()
	}
	if m.file != nil {
		_ = m.file.Close()
	}
}
