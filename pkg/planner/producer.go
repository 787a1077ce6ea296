package planner

import (
	"context"
	"runtime"

	"meshmotion/pkg/errors"
	"meshmotion/pkg/segment"
)

// Producer feeds corrected segments into the queue, waiting out a full
// queue by yielding until the consumer frees a slot.
type Producer struct {
	queue *Queue
	yield func()
	gate  func() error
}

type ProducerOption func(*Producer)

// WithGate makes every Submit call check first; a non-nil error is
// returned without enqueueing anything.
func WithGate(check func() error) ProducerOption {
	return func(p *Producer) { p.gate = check }
}

// NewProducer wraps q. A nil yield uses runtime.Gosched.
func NewProducer(q *Queue, yield func(), opts ...ProducerOption) *Producer {
	if yield == nil {
		yield = runtime.Gosched
	}
	p := &Producer{queue: q, yield: yield}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Producer) Queue() *Queue { return p.queue }

// Submit enqueues the corrected end point of seg.
func (p *Producer) Submit(ctx context.Context, seg segment.Segment) error {
	c := seg.Corrected()
	target := [NumAxes]float64{c.X, c.Y, c.Z, c.E}
	for {
		if p.gate != nil {
			if err := p.gate(); err != nil {
				return err
			}
		}
		err := p.queue.enqueue(target, seg.FeedRate, seg.Tool, seg.Continued)
		if !errors.IsQueueFull(err) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.yield()
	}
}

var _ segment.Sink = (*Producer)(nil)
