package segment

import (
	"context"
	"fmt"
	"sync"

	"meshmotion/pkg/errors"
	"meshmotion/pkg/kinematics"
	"meshmotion/pkg/log"
	"meshmotion/pkg/mesh"
	"meshmotion/pkg/metrics"
)

// Engine turns move requests into corrected segments and hands them to a
// Sink as they are computed. It runs on the producer side of the planning
// queue and tracks the uncorrected position of the last submitted segment.
type Engine struct {
	mesh    *mesh.Mesh
	fade    *Fade
	sink    Sink
	kin     kinematics.Kinematics
	log     *log.Logger
	metrics *metrics.PlannerMetrics

	mu  sync.Mutex
	pos Position
}

type Option func(*Engine)

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *metrics.PlannerMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithKinematics validates every request against machine travel first.
func WithKinematics(k kinematics.Kinematics) Option {
	return func(e *Engine) { e.kin = k }
}

// New builds an engine. A nil mesh passes moves through uncorrected.
func New(m *mesh.Mesh, fade *Fade, sink Sink, opts ...Option) *Engine {
	e := &Engine{mesh: m, fade: fade, sink: sink, log: log.Discard()}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Position() Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *Engine) SetPosition(p Position) {
	e.mu.Lock()
	e.pos = p
	e.mu.Unlock()
}

func (e *Engine) validate(req *Request) error {
	if !req.Start.finite() || !req.End.finite() {
		return errors.MoveRejected(fmt.Sprintf("non-finite coordinates %v -> %v", req.Start, req.End))
	}
	if !(req.FeedRate > 0) {
		return errors.MoveRejected(fmt.Sprintf("invalid feed rate %g", req.FeedRate))
	}
	if req.Tool < 0 {
		return errors.MoveRejected(fmt.Sprintf("invalid tool %d", req.Tool))
	}
	if e.kin == nil {
		return nil
	}
	mv := kinematics.NewMove(req.Start.xyz(), req.End.xyz(), req.FeedRate)
	if err := e.kin.CheckMove(mv); err != nil {
		return err
	}
	req.FeedRate = mv.MaxCruiseV
	return nil
}

// RequestMove validates and splits one move, submitting every segment
// before returning. A rejected move submits nothing. When the sink fails
// part way, the position stays at the last accepted segment.
func (e *Engine) RequestMove(ctx context.Context, req Request) error {
	if err := e.validate(&req); err != nil {
		e.metrics.MoveRequested(metrics.ResultRejected)
		e.log.WithError(err).Warn("move rejected")
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos = req.Start
	w := newWalker(e.mesh, e.fade, req, func(seg Segment) error {
		if err := e.sink.Submit(ctx, seg); err != nil {
			return err
		}
		e.pos = seg.Target
		e.metrics.SegmentEmitted()
		if e.log.Enabled(log.DEBUG) {
			e.log.Debug("segment %v corr %.4f", seg.Target, seg.Correction)
		}
		return nil
	})
	w.drop = e.metrics.SegmentDropped
	if err := w.run(); err != nil {
		e.metrics.MoveRequested(metrics.ResultAborted)
		return err
	}
	e.metrics.MoveRequested(metrics.ResultOK)
	return nil
}

// MoveTo requests a move from the current position.
func (e *Engine) MoveTo(ctx context.Context, end Position, feedRate float64, tool int) error {
	return e.RequestMove(ctx, Request{Start: e.Position(), End: end, FeedRate: feedRate, Tool: tool})
}

// Walk splits req without submitting anything or moving the engine,
// calling fn for each segment in order.
func (e *Engine) Walk(req Request, fn func(Segment) error) error {
	return newWalker(e.mesh, e.fade, req, fn).run()
}

// Split collects the segments of req.
func (e *Engine) Split(req Request) []Segment {
	var segs []Segment
	e.Walk(req, func(s Segment) error {
		segs = append(segs, s)
		return nil
	})
	return segs
}
