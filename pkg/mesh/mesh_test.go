package mesh

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmotion/pkg/errors"
)

var testGrid = Grid{MinX: 0, MinY: 0, MaxX: 20, MaxY: 20, NX: 3, NY: 3}

// flatMesh returns a 3x3 mesh over [0,20]^2 with every vertex at 0 except
// the centre, which is raised to 1.
func flatMesh(t *testing.T) *Mesh {
	t.Helper()
	m, err := New(testGrid)
	require.NoError(t, err)
	for ix := 0; ix < 3; ix++ {
		for iy := 0; iy < 3; iy++ {
			require.NoError(t, m.SetVertex(ix, iy, 0))
		}
	}
	require.NoError(t, m.SetVertex(1, 1, 1))
	return m
}

func TestGridValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		grid Grid
		ok   bool
	}{
		{"valid", testGrid, true},
		{"single column", Grid{MaxX: 10, MaxY: 10, NX: 1, NY: 3}, false},
		{"too many points", Grid{MaxX: 10, MaxY: 10, NX: 17, NY: 3}, false},
		{"empty extent", Grid{MinX: 5, MaxX: 5, MaxY: 10, NX: 3, NY: 3}, false},
		{"inverted extent", Grid{MinY: 10, MaxX: 10, MaxY: 0, NX: 3, NY: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.grid.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, errors.ErrMeshInvalid), "got %v", err)
			}
		})
	}
}

func TestNewMeshIsUndefined(t *testing.T) {
	t.Parallel()
	m, err := New(testGrid)
	require.NoError(t, err)
	assert.Equal(t, 0, m.DefinedCount())
	_, ok := m.Vertex(1, 1)
	assert.False(t, ok)
}

func TestSetVertex(t *testing.T) {
	t.Parallel()
	m, err := New(testGrid)
	require.NoError(t, err)

	require.NoError(t, m.SetVertex(2, 1, 0.125))
	z, ok := m.Vertex(2, 1)
	assert.True(t, ok)
	assert.Equal(t, 0.125, z)

	err = m.SetVertex(3, 0, 1)
	assert.True(t, errors.Is(err, errors.ErrMeshOutOfFootprint), "got %v", err)
	_, ok = m.Vertex(-1, 0)
	assert.False(t, ok)

	require.NoError(t, m.SetVertex(2, 1, math.NaN()))
	_, ok = m.Vertex(2, 1)
	assert.False(t, ok)

	m.SetVertex(0, 0, 1)
	m.InvalidateAll()
	assert.Equal(t, 0, m.DefinedCount())
}

func TestPhysicalToCell(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)

	tests := []struct {
		x, y   float64
		ix, iy int
		ok     bool
	}{
		{0, 0, 0, 0, true},
		{9.99, 10, 0, 1, true},
		{20, 20, 1, 1, true},
		{15, 5, 1, 0, true},
		{20.01, 5, 0, 0, false},
		{5, -0.01, 0, 0, false},
	}
	for _, tt := range tests {
		ix, iy, err := m.PhysicalToCell(tt.x, tt.y)
		if !tt.ok {
			assert.True(t, errors.Is(err, errors.ErrMeshOutOfFootprint), "(%v,%v): %v", tt.x, tt.y, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, [2]int{tt.ix, tt.iy}, [2]int{ix, iy}, "(%v,%v)", tt.x, tt.y)
	}

	x, y := m.CellVertexPhysical(2, 1)
	assert.Equal(t, [2]float64{20, 10}, [2]float64{x, y})
}

func TestCellIndexVirtualCells(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)

	ix, iy := m.CellIndex(-5, 25)
	assert.Equal(t, -1, ix)
	assert.Equal(t, 2, iy)

	ix, iy = m.CellIndex(20, 0)
	assert.Equal(t, 1, ix)
	assert.Equal(t, 0, iy)
}

func TestCorrectionAt(t *testing.T) {
	t.Parallel()
	m := flatMesh(t)

	tests := []struct {
		x, y, want float64
	}{
		{10, 10, 1},
		{5, 5, 0.25},
		{15, 10, 0.5},
		{0, 0, 0},
		{20, 20, 0},
		{-1, 10, 0},
		{10, 30, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, m.CorrectionAt(tt.x, tt.y), 1e-9, "(%v,%v)", tt.x, tt.y)
	}
}

func TestCorrectionAtUndefinedCell(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)
	assert.True(t, math.IsNaN(m.CorrectionAt(5, 5)))
	assert.Equal(t, 0.0, m.CorrectionAt(-5, 5))
}

func TestMeshLineInterpolation(t *testing.T) {
	t.Parallel()
	m := flatMesh(t)

	// along row 1 the profile is 0 -> 1 -> 0
	assert.InDelta(t, 0.5, m.ZOnHorizontalLine(5, 0, 1), 1e-9)
	assert.InDelta(t, 0.5, m.ZOnHorizontalLine(15, 1, 1), 1e-9)
	assert.InDelta(t, 0.0, m.ZOnHorizontalLine(5, 0, 0), 1e-9)
	assert.InDelta(t, 0.75, m.ZOnVerticalLine(12.5, 1, 1), 1e-9)

	assert.Equal(t, 0.0, m.ZOnHorizontalLine(25, 2, 1), "virtual column")
	assert.Equal(t, 0.0, m.ZOnVerticalLine(5, 1, -1), "virtual row")
	assert.Equal(t, 0.0, m.ZOnVerticalLine(5, 3, 0))
}

func TestCorrectionContinuousAcrossCells(t *testing.T) {
	t.Parallel()
	m := flatMesh(t)
	require.NoError(t, m.SetVertex(2, 2, 0.75))
	require.NoError(t, m.SetVertex(0, 2, -0.5))

	for _, y := range []float64{0, 3, 10, 14.5, 20} {
		line := m.ZOnVerticalLine(y, 1, min(int(y/10), 1))
		assert.InDelta(t, m.CorrectionAt(10, y), line, 1e-6, "x=10 y=%v", y)
	}
	for _, x := range []float64{1, 7.5, 10, 19} {
		line := m.ZOnHorizontalLine(x, min(int(x/10), 1), 1)
		assert.InDelta(t, m.CorrectionAt(x, 10), line, 1e-6, "x=%v y=10", x)
	}
}

func TestCloneAndEqual(t *testing.T) {
	t.Parallel()
	m := flatMesh(t)
	c := m.Clone()
	assert.True(t, m.Equal(c))
	assert.True(t, m.Equal(m))

	c.SetVertex(0, 0, math.NaN())
	assert.False(t, m.Equal(c))
	m.SetVertex(0, 0, math.NaN())
	assert.True(t, m.Equal(c), "undefined vertices compare equal")

	other, _ := New(Grid{MaxX: 30, MaxY: 20, NX: 3, NY: 3})
	assert.False(t, m.Equal(other))
}

func TestMatrix(t *testing.T) {
	t.Parallel()
	m := flatMesh(t)
	m.SetVertex(2, 0, math.NaN())
	want := [][]float64{
		{0, 0, math.NaN()},
		{0, 1, 0},
		{0, 0, 0},
	}
	if diff := cmp.Diff(want, m.Matrix(), cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("Matrix() mismatch (-want +got):\n%s", diff)
	}
}

func TestStatsAndNormalize(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)

	_, err := m.NormalizeToZeroMean()
	assert.True(t, errors.Is(err, errors.ErrMeshInvalid))
	assert.Equal(t, Stats{}, m.Stats())

	m.SetVertex(0, 0, 1)
	m.SetVertex(1, 0, 2)
	m.SetVertex(2, 0, 3)

	s, err := m.NormalizeToZeroMean()
	require.NoError(t, err)
	assert.Equal(t, 3, s.Count)
	assert.InDelta(t, 2, s.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(0.5), s.Sigma, 1e-9)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 3.0, s.Max)

	after := m.Stats()
	assert.InDelta(t, 0, after.Mean, 1e-7)
	assert.Equal(t, 3, after.Count)
	z, _ := m.Vertex(0, 0)
	assert.InDelta(t, -1, z, 1e-7)
	_, ok := m.Vertex(1, 1)
	assert.False(t, ok, "normalize must not define vertices")
}

func TestShiftAll(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)
	m.SetVertex(1, 2, 0.5)
	m.ShiftAll(-0.25)

	z, ok := m.Vertex(1, 2)
	assert.True(t, ok)
	assert.InDelta(t, 0.25, z, 1e-7)
	assert.Equal(t, 1, m.DefinedCount())
}

func TestSmartFill(t *testing.T) {
	t.Parallel()
	m, err := New(Grid{MaxX: 30, MaxY: 10, NX: 4, NY: 2})
	require.NoError(t, err)
	nan := math.NaN()
	rows := [][]float64{
		{nan, 3, 2, 1},
		{5, 4, nan, nan},
	}
	for iy, row := range rows {
		for ix, z := range row {
			require.NoError(t, m.SetVertex(ix, iy, z))
		}
	}

	assert.Equal(t, 2, m.SmartFill())
	want := [][]float64{
		{4, 3, 2, 1},
		{5, 4, 4, nan},
	}
	if diff := cmp.Diff(want, m.Matrix(), cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("SmartFill mismatch (-want +got):\n%s", diff)
	}
}

func TestSmartFillEmptyMesh(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)
	assert.Equal(t, 0, m.SmartFill())
}
