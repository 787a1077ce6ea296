package mesh

import (
	"encoding/binary"
	"fmt"
	"math"

	"meshmotion/pkg/errors"
	"meshmotion/pkg/log"
)

// BlobSize is the slot size for a grid: one little-endian float32 per
// vertex, row-major.
func BlobSize(g Grid) int {
	return g.Size() * 4
}

// MarshalBinary encodes the vertex heights as a slot blob.
func (m *Mesh) MarshalBinary() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf := make([]byte, 0, len(m.z)*4)
	for _, z := range m.z {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(z))
	}
	return buf, nil
}

// UnmarshalBinary replaces the vertex heights from a slot blob of the
// mesh's own grid. The mesh is untouched when the blob has the wrong size.
func (m *Mesh) UnmarshalBinary(data []byte) error {
	if len(data) != BlobSize(m.grid) {
		return errors.MeshInvalid(fmt.Sprintf("blob of %d bytes does not fit a %dx%d mesh", len(data), m.grid.NX, m.grid.NY))
	}
	scratch := make([]float32, m.grid.Size())
	for i := range scratch {
		scratch[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	m.mu.Lock()
	copy(m.z, scratch)
	m.mu.Unlock()
	return nil
}

// Storage persists meshes into numbered slots of a Region.
type Storage struct {
	region Region
	log    *log.Logger
}

type StorageOption func(*Storage)

func WithStorageLogger(l *log.Logger) StorageOption {
	return func(s *Storage) { s.log = l }
}

// NewStorage wraps a region; a nil region yields a Storage whose every
// operation reports the storage as unavailable.
func NewStorage(region Region, opts ...StorageOption) *Storage {
	s := &Storage{region: region, log: log.Discard()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NumSlots returns how many blobs of grid g fit in the region.
func (s *Storage) NumSlots(g Grid) int {
	if s.region == nil {
		return 0
	}
	return int(s.region.Size() / int64(BlobSize(g)))
}

func (s *Storage) offset(g Grid, slot int) (int64, error) {
	if s.region == nil {
		return 0, errors.StorageUnavailable("no storage region")
	}
	n := s.NumSlots(g)
	if n == 0 {
		return 0, errors.StorageUnavailable(fmt.Sprintf("region of %d bytes holds no %d byte slot", s.region.Size(), BlobSize(g)))
	}
	if slot < 0 || slot >= n {
		return 0, errors.SlotOutOfRange(slot, n)
	}
	return int64(slot) * int64(BlobSize(g)), nil
}

// Store writes the mesh into slot.
func (s *Storage) Store(m *Mesh, slot int) error {
	off, err := s.offset(m.grid, slot)
	if err != nil {
		return err
	}
	blob, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := s.region.WriteAt(blob, off); err != nil {
		return errors.Wrap(err, errors.ErrMeshStorageUnavailable, fmt.Sprintf("write slot %d: %v", slot, err))
	}
	if syncer, ok := s.region.(Syncer); ok {
		if err := syncer.Sync(); err != nil {
			return errors.Wrap(err, errors.ErrMeshStorageUnavailable, fmt.Sprintf("sync slot %d: %v", slot, err))
		}
	}
	s.log.WithFields(log.Fields{"slot": slot, "offset": off, "bytes": len(blob)}).Info("mesh stored")
	return nil
}

// Load replaces the mesh with the contents of slot. On error the mesh is
// left as it was.
func (s *Storage) Load(m *Mesh, slot int) error {
	off, err := s.offset(m.grid, slot)
	if err != nil {
		return err
	}
	blob := make([]byte, BlobSize(m.grid))
	if _, err := s.region.ReadAt(blob, off); err != nil {
		return errors.Wrap(err, errors.ErrMeshStorageUnavailable, fmt.Sprintf("read slot %d: %v", slot, err))
	}
	if err := m.UnmarshalBinary(blob); err != nil {
		return err
	}
	s.log.WithFields(log.Fields{"slot": slot, "offset": off}).Info("mesh loaded")
	return nil
}
