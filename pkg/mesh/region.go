package mesh

import (
	"fmt"
	"io"
	"sync"
)

// Region is the addressable non-volatile area mesh slots live in.
type Region interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// Syncer is implemented by regions that buffer writes.
type Syncer interface {
	Sync() error
}

// MemRegion is a Region backed by a byte slice.
type MemRegion struct {
	mu  sync.RWMutex
	buf []byte
}

func NewMemRegion(size int) *MemRegion {
	return &MemRegion{buf: make([]byte, size)}
}

func (r *MemRegion) Size() int64 {
	return int64(len(r.buf))
}

func (r *MemRegion) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyAt(p, r.buf, off)
}

func (r *MemRegion) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(r.buf)) {
		return 0, fmt.Errorf("mesh: write [%d,%d) outside region of %d bytes", off, off+int64(len(p)), len(r.buf))
	}
	return copy(r.buf[off:], p), nil
}

func copyAt(dst, src []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(src)) {
		return 0, fmt.Errorf("mesh: read offset %d outside region of %d bytes", off, len(src))
	}
	n := copy(dst, src[off:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}
