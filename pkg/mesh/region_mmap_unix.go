//go:build unix

package mesh

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileRegion memory-maps an image file, the way an EEPROM is addressed
// on the device. The file is created and sized on first use.
type FileRegion struct {
	mu   sync.RWMutex
	f    *os.File
	data []byte
}

// OpenFileRegion maps size bytes of path, growing the file when shorter.
func OpenFileRegion(path string, size int) (*FileRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mesh: region size must be positive, got %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mesh: open region %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mesh: stat region %s: %w", path, err)
	}
	if st.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("mesh: size region %s: %w", path, err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mesh: mmap region %s: %w", path, err)
	}
	return &FileRegion{f: f, data: data}, nil
}

func (r *FileRegion) Size() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.data))
}

func (r *FileRegion) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil {
		return 0, os.ErrClosed
	}
	return copyAt(p, r.data, off)
}

func (r *FileRegion) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return 0, os.ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(r.data)) {
		return 0, fmt.Errorf("mesh: write [%d,%d) outside region of %d bytes", off, off+int64(len(p)), len(r.data))
	}
	return copy(r.data[off:], p), nil
}

// Sync flushes the mapping to the file.
func (r *FileRegion) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil {
		return os.ErrClosed
	}
	return unix.Msync(r.data, unix.MS_SYNC)
}

func (r *FileRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}
