package mesh

import (
	"context"
	"math"
	"math/bits"
	"time"

	"meshmotion/pkg/errors"
	"meshmotion/pkg/log"
)

// PointKind selects which vertices a search considers.
type PointKind int

const (
	Undefined PointKind = iota
	Defined
	Flagged
)

func (k PointKind) String() string {
	switch k {
	case Undefined:
		return "undefined"
	case Defined:
		return "defined"
	case Flagged:
		return "flagged"
	}
	return "unknown"
}

// Bitmap flags vertices, one bit each, row-major.
type Bitmap struct {
	nx    int
	words []uint64
}

func NewBitmap(g Grid) *Bitmap {
	return &Bitmap{nx: g.NX, words: make([]uint64, (g.Size()+63)/64)}
}

func (b *Bitmap) bit(ix, iy int) (int, uint64) {
	i := iy*b.nx + ix
	return i / 64, 1 << (i % 64)
}

func (b *Bitmap) Set(ix, iy int) {
	w, m := b.bit(ix, iy)
	b.words[w] |= m
}

func (b *Bitmap) Clear(ix, iy int) {
	w, m := b.bit(ix, iy)
	b.words[w] &^= m
}

func (b *Bitmap) IsSet(ix, iy int) bool {
	w, m := b.bit(ix, iy)
	return b.words[w]&m != 0
}

func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Point is a vertex picked by a search, with the distance it won on.
type Point struct {
	IX, IY   int
	X, Y     float64
	Distance float64
}

// Search describes a nearest-vertex query. Ref is where the measuring
// tool sits; Cur is the current nozzle position, weighted at a tenth so
// consecutive picks stay close together.
type Search struct {
	Kind       PointKind
	RefX, RefY float64
	CurX, CurY float64
	Flags      *Bitmap
	// Reachable filters vertices the tool cannot reach; nil accepts all.
	Reachable func(x, y float64) bool
	// Farthest inverts the query: pick the matching vertex whose nearest
	// defined vertex is farthest away, so measurements spread out. Cur is
	// ignored and Ref only breaks ties.
	Farthest bool
	// Jitter is added to every farthest-mode distance; nil adds nothing.
	Jitter func() float64
}

func (s *Search) matches(m *Mesh, ix, iy int) bool {
	switch s.Kind {
	case Undefined:
		return isNaN32(m.z[m.index(ix, iy)])
	case Defined:
		return !isNaN32(m.z[m.index(ix, iy)])
	case Flagged:
		return s.Flags != nil && s.Flags.IsSet(ix, iy)
	}
	return false
}

func (s *Search) accepts(m *Mesh, ix, iy int) bool {
	if !s.matches(m, ix, iy) {
		return false
	}
	return s.Reachable == nil || s.Reachable(m.grid.XPos(ix), m.grid.YPos(iy))
}

// ClosestPoint returns the reachable vertex of the requested kind that
// minimises the weighted distance, or false when none exists. With
// Farthest set it maximises the spread instead.
func (m *Mesh) ClosestPoint(s Search) (Point, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s.Farthest {
		return m.farthest(&s)
	}
	best := Point{IX: -1, IY: -1, Distance: math.Inf(1)}
	for ix := 0; ix < m.grid.NX; ix++ {
		for iy := 0; iy < m.grid.NY; iy++ {
			if !s.accepts(m, ix, iy) {
				continue
			}
			x, y := m.grid.XPos(ix), m.grid.YPos(iy)
			d := math.Hypot(s.RefX-x, s.RefY-y) + 0.1*math.Hypot(s.CurX-x, s.CurY-y)
			if d < best.Distance {
				best = Point{IX: ix, IY: iy, X: x, Y: y, Distance: d}
			}
		}
	}
	return best, best.IX >= 0
}

// farthest scores each candidate by the index-space distance to its
// nearest defined vertex other than itself, plus jitter. The search is
// quadratic in the vertex count, which stays small for meshes of at most
// 16x16. Caller holds m.mu.
func (m *Mesh) farthest(s *Search) (Point, bool) {
	jitter := s.Jitter
	if jitter == nil {
		jitter = func() float64 { return 0 }
	}
	g := m.grid
	best := Point{IX: -1, IY: -1, Distance: math.Inf(-1)}
	bestRef := math.Inf(-1)
	found, anyDefined := false, false
	for ix := 0; ix < g.NX; ix++ {
		for iy := 0; iy < g.NY; iy++ {
			if !s.accepts(m, ix, iy) {
				continue
			}
			found = true
			nearest := math.Inf(1)
			for kx := 0; kx < g.NX; kx++ {
				for ky := 0; ky < g.NY; ky++ {
					if (kx == ix && ky == iy) || isNaN32(m.z[m.index(kx, ky)]) {
						continue
					}
					anyDefined = true
					d := math.Hypot(float64(ix-kx), float64(iy-ky)) + jitter()
					nearest = min(nearest, d)
				}
			}
			if math.IsInf(nearest, 1) {
				continue
			}
			x, y := g.XPos(ix), g.YPos(iy)
			ref := math.Hypot(s.RefX-x, s.RefY-y)
			if nearest > best.Distance || (nearest == best.Distance && ref > bestRef) {
				best = Point{IX: ix, IY: iy, X: x, Y: y, Distance: nearest}
				bestRef = ref
			}
		}
	}
	if found && !anyDefined {
		// nothing to spread away from: start in the middle when it is a
		// candidate, else as far from the reference as possible
		ix, iy := g.NX/2, g.NY/2
		if s.accepts(m, ix, iy) {
			return Point{IX: ix, IY: iy, X: g.XPos(ix), Y: g.YPos(iy), Distance: 1}, true
		}
		for ix := 0; ix < g.NX; ix++ {
			for iy := 0; iy < g.NY; iy++ {
				if !s.accepts(m, ix, iy) {
					continue
				}
				x, y := g.XPos(ix), g.YPos(iy)
				if ref := math.Hypot(s.RefX-x, s.RefY-y); ref > bestRef {
					best = Point{IX: ix, IY: iy, X: x, Y: y, Distance: 1}
					bestRef = ref
				}
			}
		}
	}
	return best, best.IX >= 0
}

// ClockJitter returns a small jitter term derived from the wall clock. It
// scrambles the order in which equally distant vertices are picked.
func ClockJitter() float64 {
	ms := time.Now().UnixMilli()
	return 1.0 / float64(ms%47+13)
}

// FarthestUndefined returns the reachable undefined vertex whose nearest
// defined vertex is farthest away, measured in index space plus jitter.
// With nothing defined yet it returns the grid centre.
func (m *Mesh) FarthestUndefined(reachable func(x, y float64) bool, jitter func() float64) (Point, bool) {
	return m.ClosestPoint(Search{Kind: Undefined, Farthest: true, Reachable: reachable, Jitter: jitter})
}

// Prober takes one physical measurement at (x, y).
type Prober interface {
	Measure(ctx context.Context, x, y float64) (float64, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, x, y float64) (float64, error)

func (f ProberFunc) Measure(ctx context.Context, x, y float64) (float64, error) {
	return f(ctx, x, y)
}

// Calibrator fills undefined vertices one measurement at a time.
type Calibrator struct {
	Mesh   *Mesh
	Prober Prober
	// Farthest spreads measurements out instead of walking to the
	// nearest undefined vertex.
	Farthest  bool
	Reachable func(x, y float64) bool
	Jitter    func() float64
	// OnVertex is called after each vertex is written.
	OnVertex func(p Point, z float64)
	Log      *log.Logger
}

// Run measures vertices starting from (x, y) until none reachable remain
// undefined, the prober fails, or ctx ends. It returns the number of
// vertices written.
func (c *Calibrator) Run(ctx context.Context, x, y float64) (int, error) {
	logger := c.Log
	if logger == nil {
		logger = log.Discard()
	}
	jitter := c.Jitter
	if jitter == nil {
		jitter = ClockJitter
	}
	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		var p Point
		var ok bool
		if c.Farthest {
			p, ok = c.Mesh.ClosestPoint(Search{Kind: Undefined, RefX: x, RefY: y, Reachable: c.Reachable, Farthest: true, Jitter: jitter})
		} else {
			p, ok = c.Mesh.ClosestPoint(Search{Kind: Undefined, RefX: x, RefY: y, CurX: x, CurY: y, Reachable: c.Reachable})
		}
		if !ok {
			logger.Info("calibration complete, %d vertices measured", written)
			return written, nil
		}
		z, err := c.Prober.Measure(ctx, p.X, p.Y)
		if err != nil {
			return written, errors.Wrap(err, errors.ErrRuntime, "probe failed").
				SetSection("mesh").SetContext("ix", p.IX).SetContext("iy", p.IY)
		}
		if math.IsNaN(z) {
			return written, errors.MeshInvalid("probe returned NaN").
				SetContext("ix", p.IX).SetContext("iy", p.IY)
		}
		if err := c.Mesh.SetVertex(p.IX, p.IY, z); err != nil {
			return written, err
		}
		written++
		logger.Debug("vertex (%d,%d) = %.4f", p.IX, p.IY, z)
		if c.OnVertex != nil {
			c.OnVertex(p, z)
		}
		x, y = p.X, p.Y
	}
}
