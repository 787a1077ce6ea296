// Package segment splits straight moves at mesh cell boundaries and adds
// the bed height correction to every piece before it is planned.
package segment

import (
	"context"
	"fmt"
	"math"
)

// Position is a point in machine space plus the extruder coordinate.
type Position struct {
	X, Y, Z, E float64
}

func (p Position) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f, %.3f)", p.X, p.Y, p.Z, p.E)
}

func (p Position) xyz() [3]float64 { return [3]float64{p.X, p.Y, p.Z} }

func (p Position) finite() bool {
	for _, v := range [4]float64{p.X, p.Y, p.Z, p.E} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Request is one commanded linear move. FeedRate is in mm/s.
type Request struct {
	Start    Position
	End      Position
	FeedRate float64
	Tool     int
}

// Segment is one piece of a split move. Target is the uncorrected end
// point; Correction is the faded mesh height to add to its Z. Continued
// is set on every piece except the last one of its move.
type Segment struct {
	Target     Position
	FeedRate   float64
	Tool       int
	Correction float64
	Continued  bool
}

// Corrected returns the end point with the correction applied.
func (s Segment) Corrected() Position {
	p := s.Target
	p.Z += s.Correction
	return p
}

// Sink receives segments as they are produced.
type Sink interface {
	Submit(ctx context.Context, seg Segment) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, seg Segment) error

func (f SinkFunc) Submit(ctx context.Context, seg Segment) error {
	return f(ctx, seg)
}
