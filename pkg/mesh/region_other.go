//go:build !unix

package mesh

import (
	"fmt"
	"os"
)

// FileRegion keeps the image in memory and writes it back on Sync where
// memory mapping is unavailable.
type FileRegion struct {
	*MemRegion
	path string
}

func OpenFileRegion(path string, size int) (*FileRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mesh: region size must be positive, got %d", size)
	}
	r := &FileRegion{MemRegion: NewMemRegion(size), path: path}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("mesh: read region %s: %w", path, err)
	}
	copy(r.buf, data)
	return r, nil
}

func (r *FileRegion) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return os.WriteFile(r.path, r.buf, 0o644)
}

func (r *FileRegion) Close() error {
	return r.Sync()
}
