package segment

import (
	"math"

	"meshmotion/pkg/mesh"
)

// vertexTolerance is the relative gap between the next X and Y crossings
// below which both are taken as one vertex crossing.
const vertexTolerance = 1e-9

// walker carries one request across the mesh, emitting a segment at every
// mesh line it crosses and a final one at the destination.
type walker struct {
	mesh *mesh.Mesh
	fade *Fade
	req  Request
	emit func(Segment) error
	drop func()

	// last emitted point, uncorrected
	cur Position

	useX   bool
	onAxis float64
}

func newWalker(m *mesh.Mesh, fade *Fade, req Request, emit func(Segment) error) *walker {
	return &walker{mesh: m, fade: fade, req: req, emit: emit, cur: req.Start}
}

func (w *walker) run() error {
	if w.mesh != nil {
		s, e := w.req.Start, w.req.End
		sxi, syi := w.mesh.CellIndex(s.X, s.Y)
		exi, eyi := w.mesh.CellIndex(e.X, e.Y)
		if sxi != exi || syi != eyi {
			if err := w.cross(sxi, syi, exi, eyi); err != nil {
				return err
			}
		}
	}
	return w.finish()
}

func (w *walker) cross(sxi, syi, exi, eyi int) error {
	g := w.mesh.Grid()
	s, e := w.req.Start, w.req.End
	dx, dy := e.X-s.X, e.Y-s.Y
	left, down := flag(dx < 0), flag(dy < 0)
	dxi, dyi := step(sxi, exi), step(syi, eyi)

	w.useX = math.Abs(dx) > math.Abs(dy)
	w.onAxis = dy
	if w.useX {
		w.onAxis = dx
	}

	switch {
	case dxi == 0:
		// stays in one column: only horizontal mesh lines are crossed
		for yi := syi + down; yi != eyi+down; {
			yi += dyi
			y := g.YPos(yi)
			x := s.X + (y-s.Y)*dx/dy
			if err := w.crossing(x, y, w.onRow(x, yi)); err != nil {
				return err
			}
		}
	case dyi == 0:
		for xi := sxi + left; xi != exi+left; {
			xi += dxi
			x := g.XPos(xi)
			y := s.Y + (x-s.X)*dy/dx
			if err := w.crossing(x, y, w.onColumn(y, xi)); err != nil {
				return err
			}
		}
	default:
		xcnt, ycnt := abs(exi-sxi), abs(eyi-syi)
		cx, cy := sxi+left, syi+down
		for xcnt > 0 || ycnt > 0 {
			nx, ny := g.XPos(cx+dxi), g.YPos(cy+dyi)
			tx, ty := (nx-s.X)/dx, (ny-s.Y)/dy
			// a line through a vertex crosses both lines at once, read off
			// the X line
			if xcnt > 0 && ycnt > 0 && math.Abs(ty-tx) <= vertexTolerance*math.Max(tx, ty) {
				if err := w.crossing(nx, ny, w.onColumn(ny, cx+dxi)); err != nil {
					return err
				}
				cx += dxi
				cy += dyi
				xcnt--
				ycnt--
				continue
			}
			if xcnt == 0 || (ycnt > 0 && ty < tx) {
				x := s.X + ty*dx
				if err := w.crossing(x, ny, w.onRow(x, cy+dyi)); err != nil {
					return err
				}
				cy += dyi
				ycnt--
				continue
			}
			y := s.Y + tx*dy
			if err := w.crossing(nx, y, w.onColumn(y, cx+dxi)); err != nil {
				return err
			}
			cx += dxi
			xcnt--
		}
	}
	return nil
}

// onRow interpolates along horizontal mesh line yi at x. The cell column
// comes from the crossing point itself, so a crossing through a vertex
// reads that vertex whichever line the walk takes first.
func (w *walker) onRow(x float64, yi int) float64 {
	ix, _ := w.mesh.CellIndex(x, w.mesh.Grid().YPos(yi))
	return w.mesh.ZOnHorizontalLine(x, ix, yi)
}

// onColumn interpolates along vertical mesh line xi at y.
func (w *walker) onColumn(y float64, xi int) float64 {
	_, iy := w.mesh.CellIndex(w.mesh.Grid().XPos(xi), y)
	return w.mesh.ZOnVerticalLine(y, xi, iy)
}

// crossing emits the segment ending at (x, y) on a mesh line. Z and E
// advance in proportion to the distance covered on the dominant axis.
func (w *walker) crossing(x, y, raw float64) error {
	s, e := w.req.Start, w.req.End
	f := 1.0
	if w.onAxis != 0 {
		if w.useX {
			f = (x - s.X) / w.onAxis
		} else {
			f = (y - s.Y) / w.onAxis
		}
	}
	target := Position{X: x, Y: y, Z: s.Z + f*(e.Z-s.Z), E: s.E + f*(e.E-s.E)}
	// a move ending on a mesh line ends here, finish then drops its
	// zero-length segment
	return w.submit(target, raw, target != e)
}

// finish emits the segment to the exact destination, corrected from the
// cell it lies in.
func (w *walker) finish() error {
	end := w.req.End
	raw := 0.0
	if w.mesh != nil {
		raw = w.mesh.CorrectionAt(end.X, end.Y)
	}
	return w.submit(end, raw, false)
}

func (w *walker) submit(target Position, raw float64, continued bool) error {
	if target == w.cur {
		if w.drop != nil {
			w.drop()
		}
		return nil
	}
	seg := Segment{
		Target:     target,
		FeedRate:   w.req.FeedRate,
		Tool:       w.req.Tool,
		Correction: w.fade.scale(raw, target.Z),
		Continued:  continued,
	}
	if err := w.emit(seg); err != nil {
		return err
	}
	w.cur = target
	return nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func step(from, to int) int {
	switch {
	case to > from:
		return 1
	case to < from:
		return -1
	}
	return 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
