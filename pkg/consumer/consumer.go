// Package consumer drains the planning queue the way a step generator
// would and hands each block on to a sink.
package consumer

import (
	"context"
	"sync"
	"time"

	"meshmotion/pkg/log"
	"meshmotion/pkg/planner"
)

// BlockSink executes one planned block. The block is only valid for the
// duration of the call.
type BlockSink interface {
	Execute(ctx context.Context, b *planner.Block) error
}

type BlockSinkFunc func(ctx context.Context, b *planner.Block) error

func (f BlockSinkFunc) Execute(ctx context.Context, b *planner.Block) error {
	return f(ctx, b)
}

// Drainer pulls blocks oldest first, executes them and releases them.
type Drainer struct {
	Queue *planner.Queue
	Sink  BlockSink
	Log   *log.Logger

	// Idle runs while no block is ready. Defaults to a 1ms sleep.
	Idle func()

	// Heartbeat, when set, runs once per loop so a watchdog can tell a
	// stalled consumer from an idle one.
	Heartbeat func()

	// UntilEmpty returns as soon as the queue is empty instead of waiting
	// for more blocks.
	UntilEmpty bool
}

// Run drains until ctx is done or, with UntilEmpty, the queue runs dry.
// A sink error stops the drain with the failed block still current.
func (d *Drainer) Run(ctx context.Context) (int, error) {
	idle := d.Idle
	if idle == nil {
		idle = func() { time.Sleep(time.Millisecond) }
	}
	logger := d.Log
	if logger == nil {
		logger = log.Discard()
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if d.Heartbeat != nil {
			d.Heartbeat()
		}
		b := d.Queue.CurrentBlock()
		if b == nil {
			if d.UntilEmpty && d.Queue.MovesQueued() == 0 {
				return n, nil
			}
			idle()
			continue
		}
		if err := d.Sink.Execute(ctx, b); err != nil {
			logger.WithError(err).Error("block execution failed")
			return n, err
		}
		b.StepsDone = b.StepEventCount
		d.Queue.DiscardCurrent()
		n++
	}
}

// Drain empties q into sink and returns the number of blocks executed.
func Drain(ctx context.Context, q *planner.Queue, sink BlockSink) (int, error) {
	d := &Drainer{Queue: q, Sink: sink, UntilEmpty: true}
	return d.Run(ctx)
}

// Recorder keeps a copy of every executed block.
type Recorder struct {
	mu     sync.Mutex
	blocks []planner.Block
}

func (r *Recorder) Execute(_ context.Context, b *planner.Block) error {
	r.mu.Lock()
	r.blocks = append(r.blocks, *b)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Blocks() []planner.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]planner.Block(nil), r.blocks...)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}
