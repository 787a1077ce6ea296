package planner

import (
	"context"
	stderrors "errors"
	"testing"

	"meshmotion/pkg/segment"
)

func seg(x, y float64, continued bool) segment.Segment {
	return segment.Segment{
		Target:    segment.Position{X: x, Y: y},
		FeedRate:  50,
		Continued: continued,
	}
}

func TestProducerWaitsForRoom(t *testing.T) {
	q := newTestQueue(t, 4)
	for _, x := range []float64{10, 20, 30} {
		if err := q.Enqueue(xy(x, 0), 50, 0); err != nil {
			t.Fatal(err)
		}
	}

	yields := 0
	p := NewProducer(q, func() {
		yields++
		q.CurrentBlock()
		q.DiscardCurrent()
	})
	if err := p.Submit(context.Background(), seg(40, 0, false)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if yields != 1 {
		t.Errorf("expected one yield, got %d", yields)
	}
	if q.MovesQueued() != 3 || q.Position()[X] != 40 {
		t.Errorf("unexpected queue state %d at x=%g", q.MovesQueued(), q.Position()[X])
	}
}

func TestProducerHonoursContext(t *testing.T) {
	q := newTestQueue(t, 2)
	if err := q.Enqueue(xy(10, 0), 50, 0); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProducer(q, func() { t.Error("should not yield after cancel") })
	if err := p.Submit(ctx, seg(20, 0, false)); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProducerGate(t *testing.T) {
	q := newTestQueue(t, 8)
	closed := stderrors.New("halted")
	var gateErr error
	p := NewProducer(q, nil, WithGate(func() error { return gateErr }))

	if err := p.Submit(context.Background(), seg(10, 0, false)); err != nil {
		t.Fatalf("open gate: %v", err)
	}
	gateErr = closed
	if err := p.Submit(context.Background(), seg(20, 0, false)); !stderrors.Is(err, closed) {
		t.Fatalf("expected gate error, got %v", err)
	}
	if q.MovesQueued() != 1 || q.Position()[X] != 10 {
		t.Errorf("closed gate still enqueued: %d at x=%g", q.MovesQueued(), q.Position()[X])
	}
}

func TestProducerAppliesCorrection(t *testing.T) {
	q := newTestQueue(t, 8)
	p := NewProducer(q, nil)

	s := seg(10, 0, true)
	s.Correction = 0.25
	s.Tool = 1
	if err := p.Submit(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if z := q.Position()[Z]; z != 0.25 {
		t.Errorf("expected corrected Z 0.25, got %g", z)
	}
	b := q.CurrentBlock()
	if b == nil || !b.Continued() || b.Tool != 1 || b.Steps[Z] != 100 {
		t.Fatalf("unexpected block %+v", b)
	}
}

func TestEngineFeedsQueue(t *testing.T) {
	q := newTestQueue(t, 16)
	e := segment.New(nil, nil, NewProducer(q, nil))

	err := e.RequestMove(context.Background(), segment.Request{
		Start:    segment.Position{},
		End:      segment.Position{X: 10, Y: 10, E: 1},
		FeedRate: 40,
	})
	if err != nil {
		t.Fatal(err)
	}
	if q.MovesQueued() != 1 {
		t.Fatalf("expected 1 block, got %d", q.MovesQueued())
	}
	b := q.CurrentBlock()
	if b.Continued() || b.Steps[X] != 800 || b.Steps[E] != 93 {
		t.Errorf("unexpected block %+v", b)
	}
}
