package mesh

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmotion/pkg/errors"
)

func TestBitmap(t *testing.T) {
	t.Parallel()
	g := Grid{MaxX: 10, MaxY: 10, NX: 16, NY: 16}
	b := NewBitmap(g)
	b.Set(0, 0)
	b.Set(15, 15)
	b.Set(3, 4)
	b.Set(3, 4)
	assert.Equal(t, 3, b.Count())
	assert.True(t, b.IsSet(15, 15))
	b.Clear(3, 4)
	assert.False(t, b.IsSet(3, 4))
	assert.Equal(t, 2, b.Count())
}

func TestClosestPoint(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)

	p, ok := m.ClosestPoint(Search{Kind: Undefined})
	require.True(t, ok)
	assert.Equal(t, [2]int{0, 0}, [2]int{p.IX, p.IY})

	require.NoError(t, m.SetVertex(0, 0, 0))

	// (1,0) and (0,1) are equally far from the reference; the current
	// position breaks the tie
	p, ok = m.ClosestPoint(Search{Kind: Undefined, CurX: 20, CurY: 0})
	require.True(t, ok)
	assert.Equal(t, [2]int{1, 0}, [2]int{p.IX, p.IY})
	assert.InDelta(t, 11, p.Distance, 1e-9)

	p, ok = m.ClosestPoint(Search{Kind: Defined, RefX: 20, RefY: 20})
	require.True(t, ok)
	assert.Equal(t, [2]int{0, 0}, [2]int{p.IX, p.IY})

	flags := NewBitmap(testGrid)
	flags.Set(2, 2)
	p, ok = m.ClosestPoint(Search{Kind: Flagged, Flags: flags})
	require.True(t, ok)
	assert.Equal(t, [2]int{2, 2}, [2]int{p.IX, p.IY})
	assert.Equal(t, 20.0, p.X)

	_, ok = m.ClosestPoint(Search{Kind: Flagged})
	assert.False(t, ok)
}

func TestClosestPointReachable(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)
	reachable := func(x, y float64) bool { return x < 15 }

	p, ok := m.ClosestPoint(Search{Kind: Undefined, RefX: 20, RefY: 20, CurX: 20, CurY: 20, Reachable: reachable})
	require.True(t, ok)
	assert.Equal(t, [2]int{1, 2}, [2]int{p.IX, p.IY})

	_, ok = m.ClosestPoint(Search{Kind: Undefined, Reachable: func(x, y float64) bool { return false }})
	assert.False(t, ok)
}

func TestFarthestUndefined(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)

	p, ok := m.FarthestUndefined(nil, nil)
	require.True(t, ok)
	assert.Equal(t, [2]int{1, 1}, [2]int{p.IX, p.IY}, "empty mesh starts at the centre")

	m.SetVertex(0, 0, 0)
	p, ok = m.FarthestUndefined(nil, nil)
	require.True(t, ok)
	assert.Equal(t, [2]int{2, 2}, [2]int{p.IX, p.IY})
	assert.InDelta(t, math.Sqrt(8), p.Distance, 1e-9)

	calls := 0
	jitter := func() float64 { calls++; return 0.5 }
	p, ok = m.FarthestUndefined(func(x, y float64) bool { return y < 15 }, jitter)
	require.True(t, ok)
	assert.Equal(t, [2]int{2, 1}, [2]int{p.IX, p.IY})
	assert.InDelta(t, math.Sqrt(5)+0.5, p.Distance, 1e-9)
	assert.Positive(t, calls)

	for ix := 0; ix < 3; ix++ {
		for iy := 0; iy < 3; iy++ {
			m.SetVertex(ix, iy, 0)
		}
	}
	_, ok = m.FarthestUndefined(nil, nil)
	assert.False(t, ok)
}

func TestClosestPointFarthest(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)
	require.NoError(t, m.SetVertex(0, 0, 0))
	require.NoError(t, m.SetVertex(2, 2, 0))

	tests := []struct {
		name string
		s    Search
		want [2]int
		dist float64
	}{
		{"undefined, tie goes away from ref", Search{Kind: Undefined, RefX: 0, RefY: 20}, [2]int{2, 0}, 2},
		{"other tie", Search{Kind: Undefined, RefX: 20, RefY: 0}, [2]int{0, 2}, 2},
		{"defined skips itself", Search{Kind: Defined}, [2]int{2, 2}, math.Sqrt(8)},
		{"reachable", Search{Kind: Undefined, Reachable: func(x, y float64) bool { return x < 15 && y < 15 }}, [2]int{1, 1}, math.Sqrt2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.s.Farthest = true
			p, ok := m.ClosestPoint(tt.s)
			require.True(t, ok)
			assert.Equal(t, tt.want, [2]int{p.IX, p.IY})
			assert.InDelta(t, tt.dist, p.Distance, 1e-9)
		})
	}

	flags := NewBitmap(testGrid)
	flags.Set(1, 0)
	flags.Set(2, 1)
	p, ok := m.ClosestPoint(Search{Kind: Flagged, Flags: flags, Farthest: true, Jitter: func() float64 { return 0.25 }})
	require.True(t, ok)
	assert.Equal(t, [2]int{2, 1}, [2]int{p.IX, p.IY})
	assert.InDelta(t, 1.25, p.Distance, 1e-9)

	empty, _ := New(testGrid)
	noCentre := func(x, y float64) bool { return x != 10 || y != 10 }
	p, ok = empty.ClosestPoint(Search{Kind: Undefined, Farthest: true, Reachable: noCentre})
	require.True(t, ok)
	assert.Equal(t, [2]int{2, 2}, [2]int{p.IX, p.IY}, "unreachable centre falls back to the far corner")
}

func TestClockJitterRange(t *testing.T) {
	t.Parallel()
	j := ClockJitter()
	assert.GreaterOrEqual(t, j, 1.0/59)
	assert.LessOrEqual(t, j, 1.0/13)
}

func TestCalibratorClosest(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)
	var order [][2]int
	c := &Calibrator{
		Mesh: m,
		Prober: ProberFunc(func(ctx context.Context, x, y float64) (float64, error) {
			return x + y/100, nil
		}),
		OnVertex: func(p Point, z float64) { order = append(order, [2]int{p.IX, p.IY}) },
	}

	n, err := c.Run(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, 9, m.DefinedCount())
	assert.Equal(t, [2]int{0, 0}, order[0])

	z, ok := m.Vertex(2, 1)
	require.True(t, ok)
	assert.InDelta(t, 20.1, z, 1e-5)

	n, err = c.Run(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to measure")
}

func TestCalibratorFarthest(t *testing.T) {
	t.Parallel()
	m, _ := New(testGrid)
	var first *Point
	c := &Calibrator{
		Mesh:     m,
		Farthest: true,
		Jitter:   func() float64 { return 0 },
		Prober: ProberFunc(func(ctx context.Context, x, y float64) (float64, error) {
			return 0.1, nil
		}),
		OnVertex: func(p Point, z float64) {
			if first == nil {
				first = &p
			}
		},
	}
	n, err := c.Run(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	require.NotNil(t, first)
	assert.Equal(t, [2]int{1, 1}, [2]int{first.IX, first.IY})
}

func TestCalibratorStops(t *testing.T) {
	t.Parallel()

	t.Run("probe error", func(t *testing.T) {
		m, _ := New(testGrid)
		boom := stderrors.New("probe did not trigger")
		c := &Calibrator{Mesh: m, Prober: ProberFunc(func(ctx context.Context, x, y float64) (float64, error) {
			return 0, boom
		})}
		n, err := c.Run(context.Background(), 0, 0)
		assert.Zero(t, n)
		assert.ErrorIs(t, err, boom)
		assert.True(t, errors.Is(err, errors.ErrRuntime))
		assert.Zero(t, m.DefinedCount())
	})

	t.Run("NaN reading", func(t *testing.T) {
		m, _ := New(testGrid)
		c := &Calibrator{Mesh: m, Prober: ProberFunc(func(ctx context.Context, x, y float64) (float64, error) {
			return math.NaN(), nil
		})}
		_, err := c.Run(context.Background(), 0, 0)
		assert.True(t, errors.Is(err, errors.ErrMeshInvalid))
	})

	t.Run("cancelled", func(t *testing.T) {
		m, _ := New(testGrid)
		ctx, cancel := context.WithCancel(context.Background())
		c := &Calibrator{Mesh: m, Prober: ProberFunc(func(ctx context.Context, x, y float64) (float64, error) {
			cancel()
			return 0, nil
		})}
		n, err := c.Run(ctx, 0, 0)
		assert.Equal(t, 1, n)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
