package mesh

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"meshmotion/pkg/errors"
)

// Stats summarises the defined vertices. Sigma divides the squared
// deviations by Count+1, matching what calibration tooling reports.
type Stats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Sigma float64 `json:"sigma"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func (m *Mesh) definedLocked() []float64 {
	vals := make([]float64, 0, len(m.z))
	for _, z := range m.z {
		if !isNaN32(z) {
			vals = append(vals, float64(z))
		}
	}
	return vals
}

func summarize(vals []float64) Stats {
	if len(vals) == 0 {
		return Stats{}
	}
	mean := stat.Mean(vals, nil)
	dev := append([]float64(nil), vals...)
	floats.AddConst(-mean, dev)
	return Stats{
		Count: len(vals),
		Mean:  mean,
		Sigma: math.Sqrt(floats.Dot(dev, dev) / float64(len(vals)+1)),
		Min:   floats.Min(vals),
		Max:   floats.Max(vals),
	}
}

// Stats returns count, mean, sigma and range of the defined vertices.
func (m *Mesh) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return summarize(m.definedLocked())
}

// ShiftAll adds delta to every defined vertex.
func (m *Mesh) ShiftAll(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, z := range m.z {
		if !isNaN32(z) {
			m.z[i] = float32(float64(z) + delta)
		}
	}
}

// NormalizeToZeroMean subtracts the mean of the defined vertices from each
// of them and returns the statistics taken before the shift.
func (m *Mesh) NormalizeToZeroMean() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := summarize(m.definedLocked())
	if s.Count == 0 {
		return s, errors.MeshInvalid("no defined vertices to normalize")
	}
	for i, z := range m.z {
		if !isNaN32(z) {
			m.z[i] = float32(float64(z) - s.Mean)
		}
	}
	return s, nil
}

// SmartFill scans from each edge towards the centre. An undefined vertex
// followed by two defined ones in the scan direction is extrapolated from
// them: the nearer value when the surface slopes down towards the edge,
// else the linear continuation. Each scan line fills at most one vertex.
// It returns the number of vertices filled.
func (m *Mesh) SmartFill() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	nx, ny := m.grid.NX, m.grid.NY
	filled := 0
	// bottom up, top down
	for _, dir := range []int{1, -1} {
		for x := 0; x < nx; x++ {
			for y := edge(dir, ny); y >= 0 && y < ny; y += dir {
				if m.fillOne(x, y, 0, dir) {
					filled++
					break
				}
			}
		}
	}
	// left to right, right to left
	for _, dir := range []int{1, -1} {
		for y := 0; y < ny; y++ {
			for x := edge(dir, nx); x >= 0 && x < nx; x += dir {
				if m.fillOne(x, y, dir, 0) {
					filled++
					break
				}
			}
		}
	}
	return filled
}

func edge(dir, n int) int {
	if dir > 0 {
		return 0
	}
	return n - 1
}

func (m *Mesh) fillOne(x, y, dx, dy int) bool {
	x1, y1 := x+dx, y+dy
	x2, y2 := x1+dx, y1+dy
	if !m.inRange(x2, y2) {
		return false
	}
	z := m.z[m.index(x, y)]
	z1 := m.z[m.index(x1, y1)]
	z2 := m.z[m.index(x2, y2)]
	if !isNaN32(z) || isNaN32(z1) || isNaN32(z2) {
		return false
	}
	if z1 < z2 {
		m.z[m.index(x, y)] = z1
	} else {
		m.z[m.index(x, y)] = 2*z1 - z2
	}
	return true
}
