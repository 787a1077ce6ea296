// Package mesh holds the bed height-correction grid: vertex storage,
// coordinate mapping, bilinear correction, bulk adjustments, slot
// persistence and the calibration point search.
package mesh

import (
	"fmt"
	"math"
	"sync"

	"meshmotion/pkg/errors"
)

// MaxPoints bounds the vertex count on either axis.
const MaxPoints = 16

// Grid is the mesh footprint and vertex count. Vertex (i, j) sits at
// (MinX + i*CellW, MinY + j*CellH).
type Grid struct {
	MinX, MinY float64
	MaxX, MaxY float64
	NX, NY     int
}

// Validate checks the grid can carry a mesh.
func (g Grid) Validate() error {
	if g.NX < 2 || g.NY < 2 || g.NX > MaxPoints || g.NY > MaxPoints {
		return errors.MeshInvalid(fmt.Sprintf("invalid point counts %dx%d", g.NX, g.NY))
	}
	if !(g.MaxX > g.MinX) || !(g.MaxY > g.MinY) {
		return errors.MeshInvalid(fmt.Sprintf("invalid extents (%g,%g)-(%g,%g)", g.MinX, g.MinY, g.MaxX, g.MaxY))
	}
	return nil
}

func (g Grid) CellW() float64 { return (g.MaxX - g.MinX) / float64(g.NX-1) }
func (g Grid) CellH() float64 { return (g.MaxY - g.MinY) / float64(g.NY-1) }

// XPos returns the X coordinate of mesh line i. Indices outside the grid
// extrapolate with the same spacing.
func (g Grid) XPos(i int) float64 { return g.MinX + float64(i)*g.CellW() }
func (g Grid) YPos(j int) float64 { return g.MinY + float64(j)*g.CellH() }

// Contains reports whether (x, y) lies inside the footprint, edges included.
func (g Grid) Contains(x, y float64) bool {
	return x >= g.MinX && x <= g.MaxX && y >= g.MinY && y <= g.MaxY
}

// Size is the number of vertices.
func (g Grid) Size() int { return g.NX * g.NY }

func cellOf(v, lo, hi, step float64, n int) int {
	switch {
	case v < lo:
		return -1
	case v > hi:
		return n - 1
	}
	i := int(math.Floor((v - lo) / step))
	return min(i, n-2)
}

// Mesh is a grid of float32 heights stored row-major (y*NX + x). NaN marks
// an undefined vertex.
type Mesh struct {
	mu   sync.RWMutex
	grid Grid
	z    []float32
}

// New creates an all-undefined mesh.
func New(g Grid) (*Mesh, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	m := &Mesh{grid: g, z: make([]float32, g.Size())}
	m.invalidate()
	return m, nil
}

func (m *Mesh) Grid() Grid { return m.grid }

func (m *Mesh) index(ix, iy int) int { return iy*m.grid.NX + ix }

func (m *Mesh) inRange(ix, iy int) bool {
	return ix >= 0 && ix < m.grid.NX && iy >= 0 && iy < m.grid.NY
}

// at returns the vertex height as float64, NaN when undefined. The caller
// holds the lock and has checked the range.
func (m *Mesh) at(ix, iy int) float64 {
	return float64(m.z[m.index(ix, iy)])
}

func (m *Mesh) invalidate() {
	nan := float32(math.NaN())
	for i := range m.z {
		m.z[i] = nan
	}
}

// InvalidateAll marks every vertex undefined.
func (m *Mesh) InvalidateAll() {
	m.mu.Lock()
	m.invalidate()
	m.mu.Unlock()
}

// SetVertex stores one measured height. Passing NaN undefines the vertex.
func (m *Mesh) SetVertex(ix, iy int, z float64) error {
	if !m.inRange(ix, iy) {
		return errors.OutOfFootprint("vertex", float64(ix), float64(iy)).
			SetContext("ix", ix).SetContext("iy", iy)
	}
	m.mu.Lock()
	m.z[m.index(ix, iy)] = float32(z)
	m.mu.Unlock()
	return nil
}

// Vertex returns the height at (ix, iy) and whether it is defined. Indices
// outside the grid read as undefined.
func (m *Mesh) Vertex(ix, iy int) (float64, bool) {
	if !m.inRange(ix, iy) {
		return math.NaN(), false
	}
	m.mu.RLock()
	z := m.at(ix, iy)
	m.mu.RUnlock()
	return z, !math.IsNaN(z)
}

// PhysicalToCell maps a physical point to the cell containing it. Points
// on the max edge belong to the last cell. Points outside the footprint
// are an error, never clamped.
func (m *Mesh) PhysicalToCell(x, y float64) (int, int, error) {
	g := m.grid
	if !g.Contains(x, y) {
		return 0, 0, errors.OutOfFootprint("point", x, y)
	}
	return cellOf(x, g.MinX, g.MaxX, g.CellW(), g.NX), cellOf(y, g.MinY, g.MaxY, g.CellH(), g.NY), nil
}

// CellVertexPhysical returns the physical position of vertex (ix, iy).
func (m *Mesh) CellVertexPhysical(ix, iy int) (float64, float64) {
	return m.grid.XPos(ix), m.grid.YPos(iy)
}

// CellIndex is the total version of PhysicalToCell used while walking a
// move. Anything left of or below the footprint is cell -1 and anything
// beyond it is cell N-1; both are virtual cells with no correction.
func (m *Mesh) CellIndex(x, y float64) (int, int) {
	g := m.grid
	return cellOf(x, g.MinX, g.MaxX, g.CellW(), g.NX), cellOf(y, g.MinY, g.MaxY, g.CellH(), g.NY)
}

func (m *Mesh) realCell(ix, iy int) bool {
	return ix >= 0 && ix <= m.grid.NX-2 && iy >= 0 && iy <= m.grid.NY-2
}

// CorrectionAt interpolates the height at (x, y) from the enclosing cell.
// It returns 0 outside the footprint and may return NaN when a corner of
// the cell is undefined.
func (m *Mesh) CorrectionAt(x, y float64) float64 {
	ix, iy := m.CellIndex(x, y)
	if !m.realCell(ix, iy) {
		return 0
	}
	g := m.grid
	xr := (x - g.XPos(ix)) / g.CellW()
	yr := (y - g.YPos(iy)) / g.CellH()

	m.mu.RLock()
	defer m.mu.RUnlock()
	z1 := lerp(xr, m.at(ix, iy), m.at(ix+1, iy))
	z2 := lerp(xr, m.at(ix, iy+1), m.at(ix+1, iy+1))
	return lerp(yr, z1, z2)
}

// ZOnHorizontalLine interpolates along mesh row iy at x, inside column ix.
// Points in a virtual column or row give 0.
func (m *Mesh) ZOnHorizontalLine(x float64, ix, iy int) float64 {
	if ix < 0 || ix > m.grid.NX-2 || iy < 0 || iy > m.grid.NY-1 {
		return 0
	}
	xr := (x - m.grid.XPos(ix)) / m.grid.CellW()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lerp(xr, m.at(ix, iy), m.at(ix+1, iy))
}

// ZOnVerticalLine interpolates along mesh column ix at y, inside row iy.
func (m *Mesh) ZOnVerticalLine(y float64, ix, iy int) float64 {
	if ix < 0 || ix > m.grid.NX-1 || iy < 0 || iy > m.grid.NY-2 {
		return 0
	}
	yr := (y - m.grid.YPos(iy)) / m.grid.CellH()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lerp(yr, m.at(ix, iy), m.at(ix, iy+1))
}

func lerp(t, a, b float64) float64 {
	return a + t*(b-a)
}

// Clone returns an independent copy.
func (m *Mesh) Clone() *Mesh {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Mesh{grid: m.grid, z: append([]float32(nil), m.z...)}
}

// Equal compares geometry and vertex bit patterns, so two undefined
// vertices compare equal.
func (m *Mesh) Equal(other *Mesh) bool {
	if m == other {
		return true
	}
	if m.grid != other.grid {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	for i, z := range m.z {
		if math.Float32bits(z) != math.Float32bits(other.z[i]) {
			return false
		}
	}
	return true
}

// Matrix returns the heights as [y][x] with NaN for undefined vertices.
func (m *Mesh) Matrix() [][]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([][]float64, m.grid.NY)
	for iy := range rows {
		rows[iy] = make([]float64, m.grid.NX)
		for ix := range rows[iy] {
			rows[iy][ix] = m.at(ix, iy)
		}
	}
	return rows
}

// DefinedCount returns the number of defined vertices.
func (m *Mesh) DefinedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, z := range m.z {
		if !isNaN32(z) {
			n++
		}
	}
	return n
}

func isNaN32(z float32) bool { return z != z }
