package mesh

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmotion/pkg/errors"
)

func TestMarshalBinaryLayout(t *testing.T) {
	t.Parallel()
	m, _ := New(Grid{MaxX: 10, MaxY: 10, NX: 2, NY: 2})
	m.SetVertex(1, 0, 1)

	blob, err := m.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, blob, 16)
	// vertex (1,0) is the second float, little-endian 1.0f
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, blob[4:8])

	err = m.UnmarshalBinary(blob[:12])
	assert.True(t, errors.Is(err, errors.ErrMeshInvalid))
}

func TestStorageRoundTrip(t *testing.T) {
	t.Parallel()
	m := flatMesh(t)
	m.SetVertex(2, 2, math.NaN())
	m.SetVertex(0, 1, -0.0625)

	region := NewMemRegion(2*BlobSize(testGrid) + 5)
	s := NewStorage(region)
	assert.Equal(t, 2, s.NumSlots(testGrid))

	require.NoError(t, s.Store(m, 1))

	got, _ := New(testGrid)
	require.NoError(t, s.Load(got, 1))
	assert.True(t, m.Equal(got), "loaded mesh must be bit-identical")
	_, ok := got.Vertex(2, 2)
	assert.False(t, ok)

	// slot 0 was never written: all zero bytes decode to 0.0
	require.NoError(t, s.Load(got, 0))
	assert.Equal(t, testGrid.Size(), got.DefinedCount())
}

func TestStorageErrorsLeaveMeshUntouched(t *testing.T) {
	t.Parallel()
	m := flatMesh(t)
	before := m.Clone()

	tests := []struct {
		name    string
		storage *Storage
		slot    int
		code    errors.ErrorCode
	}{
		{"nil region", NewStorage(nil), 0, errors.ErrMeshStorageUnavailable},
		{"region too small", NewStorage(NewMemRegion(BlobSize(testGrid) - 1)), 0, errors.ErrMeshStorageUnavailable},
		{"slot past end", NewStorage(NewMemRegion(BlobSize(testGrid))), 1, errors.ErrMeshSlotOutOfRange},
		{"negative slot", NewStorage(NewMemRegion(BlobSize(testGrid))), -1, errors.ErrMeshSlotOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.storage.Load(m, tt.slot)
			assert.True(t, errors.Is(err, tt.code), "load: %v", err)
			err = tt.storage.Store(m, tt.slot)
			assert.True(t, errors.Is(err, tt.code), "store: %v", err)
			assert.True(t, errors.IsStorage(err))
			assert.True(t, before.Equal(m))
		})
	}
}

func TestFileRegionPersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "eeprom.bin")
	size := 3 * BlobSize(testGrid)

	region, err := OpenFileRegion(path, size)
	require.NoError(t, err)
	assert.Equal(t, int64(size), region.Size())

	m := flatMesh(t)
	m.SetVertex(0, 0, math.NaN())
	require.NoError(t, NewStorage(region).Store(m, 2))
	require.NoError(t, region.Close())

	reopened, err := OpenFileRegion(path, size)
	require.NoError(t, err)
	defer reopened.Close()

	got, _ := New(testGrid)
	require.NoError(t, NewStorage(reopened).Load(got, 2))
	assert.True(t, m.Equal(got))
}

func TestMemRegionBounds(t *testing.T) {
	t.Parallel()
	r := NewMemRegion(8)
	_, err := r.WriteAt([]byte{1, 2, 3}, 6)
	assert.Error(t, err)

	n, err := r.WriteAt([]byte{1, 2}, 6)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buf := make([]byte, 4)
	n, err = r.ReadAt(buf, 6)
	assert.Equal(t, 2, n)
	assert.Error(t, err)
	assert.True(t, bytes.Equal(buf[:2], []byte{1, 2}))
}
