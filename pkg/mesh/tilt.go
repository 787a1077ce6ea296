package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"meshmotion/pkg/errors"
)

// Plane is z = A*x + B*y + C over physical bed coordinates.
type Plane struct {
	A, B, C float64
}

func (p Plane) At(x, y float64) float64 { return p.A*x + p.B*y + p.C }

// ProbePoint is one height measured at a physical bed position.
type ProbePoint struct {
	X, Y, Z float64
}

// FitPlane returns the least squares plane through pts. Fewer than three
// points, or points on one line, give MESH_INVALID.
func FitPlane(pts []ProbePoint) (Plane, error) {
	if len(pts) < 3 {
		return Plane{}, errors.MeshInvalid(fmt.Sprintf("plane fit needs 3 points, got %d", len(pts)))
	}
	a := mat.NewDense(len(pts), 3, nil)
	b := mat.NewVecDense(len(pts), nil)
	for i, p := range pts {
		a.SetRow(i, []float64{p.X, p.Y, 1})
		b.SetVec(i, p.Z)
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return Plane{}, errors.Wrap(err, errors.ErrMeshInvalid, "points do not span a plane")
	}
	return Plane{A: sol.AtVec(0), B: sol.AtVec(1), C: sol.AtVec(2)}, nil
}

// FitPlane fits a plane through the defined vertices.
func (m *Mesh) FitPlane() (Plane, error) {
	m.mu.RLock()
	pts := make([]ProbePoint, 0, len(m.z))
	for iy := 0; iy < m.grid.NY; iy++ {
		for ix := 0; ix < m.grid.NX; ix++ {
			if z := m.at(ix, iy); z == z {
				pts = append(pts, ProbePoint{X: m.grid.XPos(ix), Y: m.grid.YPos(iy), Z: z})
			}
		}
	}
	m.mu.RUnlock()
	return FitPlane(pts)
}

// Tilt adds p to every defined vertex.
func (m *Mesh) Tilt(p Plane) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for iy := 0; iy < m.grid.NY; iy++ {
		for ix := 0; ix < m.grid.NX; ix++ {
			i := m.index(ix, iy)
			if !isNaN32(m.z[i]) {
				m.z[i] = float32(float64(m.z[i]) + p.At(m.grid.XPos(ix), m.grid.YPos(iy)))
			}
		}
	}
}

// TiltToProbes fits a plane through what the mesh still misses at each
// probed point (measured height less the current correction) and tilts
// the mesh by it. Three points level from a 3-point probe; a probed grid
// gives a least squares fit. The mesh is untouched on error.
func (m *Mesh) TiltToProbes(pts []ProbePoint) (Plane, error) {
	residual := make([]ProbePoint, len(pts))
	for i, p := range pts {
		if p.Z != p.Z {
			return Plane{}, errors.MeshInvalid(fmt.Sprintf("probe at (%.3f, %.3f) has no reading", p.X, p.Y))
		}
		corr := m.CorrectionAt(p.X, p.Y)
		if corr != corr {
			return Plane{}, errors.MeshInvalid(fmt.Sprintf("mesh undefined at (%.3f, %.3f)", p.X, p.Y))
		}
		residual[i] = ProbePoint{X: p.X, Y: p.Y, Z: p.Z - corr}
	}
	plane, err := FitPlane(residual)
	if err != nil {
		return Plane{}, err
	}
	m.Tilt(plane)
	return plane, nil
}
