// Package planner holds the look-ahead ring of planned moves between the
// segmentation engine and the step generator.
//
// One producer calls Enqueue and one consumer calls CurrentBlock and
// DiscardCurrent. The producer only advances head and the consumer only
// advances tail; the Busy hand-off and the look-ahead writes are
// serialised by a short critical section.
package planner

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"meshmotion/pkg/errors"
	"meshmotion/pkg/log"
	"meshmotion/pkg/metrics"
)

type Queue struct {
	limits  Limits
	blocks  []Block
	mask    uint32
	log     *log.Logger
	metrics *metrics.PlannerMetrics

	head atomic.Uint32
	tail atomic.Uint32

	// mu guards block contents shared with the consumer
	mu sync.Mutex

	// pmu guards the producer state below
	pmu                  sync.Mutex
	position             [NumAxes]int64
	previousSpeed        [NumAxes]float64
	previousNominalSpeed float64
	previousSafeSpeed    float64
}

type Option func(*Queue)

func WithLogger(l *log.Logger) Option {
	return func(q *Queue) { q.log = l }
}

func WithMetrics(m *metrics.PlannerMetrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue builds a ring of size slots, one of which always stays free:
// a queue of size 16 holds at most 15 blocks, see Capacity. size must be
// a power of two.
func NewQueue(size int, limits Limits, opts ...Option) (*Queue, error) {
	if size < 2 || bits.OnesCount(uint(size)) != 1 {
		return nil, errors.ConfigValidationError("planner", "buffer_size",
			fmt.Sprintf("%d is not a power of two of at least 2", size))
	}
	for i, spm := range limits.StepsPerMM {
		if !(spm > 0) {
			return nil, errors.ConfigValidationError("planner", "steps_per_mm",
				fmt.Sprintf("axis %d has %g steps/mm", i, spm))
		}
	}
	q := &Queue{
		limits: limits,
		blocks: make([]Block, size),
		mask:   uint32(size - 1),
		log:    log.Discard(),
	}
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

func (q *Queue) next(i uint32) uint32 { return (i + 1) & q.mask }

func (q *Queue) span(tail, head uint32) int { return int((head - tail) & q.mask) }

// Capacity is the number of blocks the queue can hold at once.
func (q *Queue) Capacity() int { return len(q.blocks) - 1 }

func (q *Queue) Limits() Limits { return q.limits }

func (q *Queue) MovesQueued() int {
	return q.span(q.tail.Load(), q.head.Load())
}

func (q *Queue) IsFull() bool {
	return q.next(q.head.Load()) == q.tail.Load()
}

// Enqueue plans a move from the current planner position to target (mm,
// X Y Z E) at feedRate mm/s. A full queue returns QUEUE_FULL and leaves
// every piece of state untouched. A move shorter than the minimum step
// count is absorbed: no block is queued and the position stays put, so
// the distance carries into the next move.
func (q *Queue) Enqueue(target [NumAxes]float64, feedRate float64, tool int) error {
	return q.enqueue(target, feedRate, tool, false)
}

func (q *Queue) enqueue(target [NumAxes]float64, feedRate float64, tool int, continued bool) error {
	q.pmu.Lock()
	defer q.pmu.Unlock()

	head := q.head.Load()
	if q.next(head) == q.tail.Load() {
		q.metrics.QueueWasFull()
		return errors.QueueFull(q.Capacity())
	}
	for _, v := range target {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.MoveRejected(fmt.Sprintf("non-finite target %v", target))
		}
	}

	lim := &q.limits
	b := Block{Tool: tool}
	if continued {
		b.Flags |= FlagContinued
	}

	var steps [NumAxes]int64
	var delta [NumAxes]float64
	for i := range target {
		steps[i] = int64(math.Round(target[i] * lim.StepsPerMM[i]))
		d := steps[i] - q.position[i]
		delta[i] = float64(d) / lim.StepsPerMM[i]
		if d < 0 {
			b.DirectionBits |= 1 << i
			d = -d
		}
		b.Steps[i] = uint32(d)
		b.StepEventCount = max(b.StepEventCount, b.Steps[i])
	}
	minSteps := uint32(max(lim.MinStepsPerSegment, 0))
	if b.StepEventCount < minSteps || b.StepEventCount == 0 {
		if q.log.Enabled(log.DEBUG) {
			q.log.Debug("absorbed %d step move to %v", b.StepEventCount, target)
		}
		return nil
	}

	esteps := b.Steps[E] != 0
	if esteps {
		feedRate = math.Max(feedRate, lim.MinFeedrate)
	} else {
		feedRate = math.Max(feedRate, lim.MinTravelFeedrate)
	}
	if !(feedRate > 0) {
		return errors.MoveRejected(fmt.Sprintf("invalid feed rate %g", feedRate))
	}

	if b.Steps[X] < minSteps && b.Steps[Y] < minSteps && b.Steps[Z] < minSteps {
		b.Millimeters = math.Abs(delta[E])
	} else {
		b.Millimeters = math.Sqrt(delta[X]*delta[X] + delta[Y]*delta[Y] + delta[Z]*delta[Z])
	}
	inverseSecs := feedRate / b.Millimeters
	b.NominalSpeed = b.Millimeters * inverseSecs
	b.NominalRate = uint32(math.Ceil(float64(b.StepEventCount) * inverseSecs))

	// per-axis feed limits scale the whole move
	var speed [NumAxes]float64
	speedFactor := 1.0
	for i := range speed {
		speed[i] = delta[i] * inverseSecs
		if cs := math.Abs(speed[i]); lim.MaxFeedrate[i] > 0 && cs > lim.MaxFeedrate[i] {
			speedFactor = math.Min(speedFactor, lim.MaxFeedrate[i]/cs)
		}
	}
	if speedFactor < 1 {
		for i := range speed {
			speed[i] *= speedFactor
		}
		b.NominalSpeed *= speedFactor
		b.NominalRate = uint32(float64(b.NominalRate) * speedFactor)
	}

	stepsPerMM := float64(b.StepEventCount) / b.Millimeters
	count := float64(b.StepEventCount)
	var accel float64
	if b.Steps[X] == 0 && b.Steps[Y] == 0 && b.Steps[Z] == 0 {
		accel = math.Ceil(lim.RetractAcceleration * stepsPerMM)
	} else {
		a := lim.TravelAcceleration
		if esteps {
			a = lim.Acceleration
		}
		accel = math.Ceil(a * stepsPerMM)
		for i, n := range b.Steps {
			if n == 0 {
				continue
			}
			if axisMax := lim.maxAccelSteps(i); axisMax < accel && accel*float64(n) > axisMax*count {
				accel = math.Floor(axisMax * count / float64(n))
			}
		}
	}
	b.AccelerationStepsPerS2 = uint32(accel)
	b.Acceleration = accel / stepsPerMM

	safeSpeed := q.safeSpeed(&b, speed)
	vmaxJunction := safeSpeed
	if q.MovesQueued() > 0 && q.previousNominalSpeed > 1e-6 {
		vmaxJunction = q.junctionSpeed(&b, speed, safeSpeed)
	}

	b.MaxEntrySpeed = math.Min(vmaxJunction, b.NominalSpeed)
	vAllowable := MaxAllowableSpeed(-b.Acceleration, lim.MinimumPlannerSpeed, b.Millimeters)
	b.EntrySpeed = math.Min(b.MaxEntrySpeed, vAllowable)
	b.Flags |= FlagRecalculate
	if b.NominalSpeed <= vAllowable {
		b.Flags |= FlagNominalLength
	}

	q.previousSpeed = speed
	q.previousNominalSpeed = b.NominalSpeed
	q.previousSafeSpeed = safeSpeed
	q.position = steps

	q.mu.Lock()
	// a busy predecessor was planned to stop at the minimum speed and can
	// no longer be replanned
	if prev := (head - 1) & q.mask; head != q.tail.Load() && q.blocks[prev].Busy() {
		b.EntrySpeed = math.Min(b.EntrySpeed, lim.MinimumPlannerSpeed)
		b.Flags |= FlagEntryPinned
	}
	q.blocks[head] = b
	q.head.Store(q.next(head))
	q.recalculate()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.MovesQueued())
	if q.log.Enabled(log.DEBUG) {
		q.log.Debug("queued %.3fmm at %.2fmm/s entry %.2f/%.2f", b.Millimeters, b.NominalSpeed, b.EntrySpeed, b.MaxEntrySpeed)
	}
	return nil
}

// safeSpeed is the highest speed the move can start from rest without
// exceeding any axis jerk. Axis speeds scale with the move speed, so an
// axis moving faster than the move itself (E on a short XY move) lowers
// it below that axis's jerk.
func (q *Queue) safeSpeed(b *Block, speed [NumAxes]float64) float64 {
	safe := b.NominalSpeed
	for i, v := range speed {
		jerk, maxj := math.Abs(v), q.limits.MaxJerk[i]
		if jerk <= maxj {
			continue
		}
		if mjerk := maxj * b.NominalSpeed; jerk*safe > mjerk {
			safe = mjerk / jerk
		}
	}
	return safe
}

// junctionSpeed limits the speed at the corner with the previous move so
// that no axis changes speed by more than its jerk.
func (q *Queue) junctionSpeed(b *Block, speed [NumAxes]float64, safe float64) float64 {
	vmax := math.Min(b.NominalSpeed, q.previousNominalSpeed)
	smaller := vmax / q.previousNominalSpeed
	vFactor := 1.0
	limited := false
	for i := range speed {
		vExit, vEntry := q.previousSpeed[i]*smaller, speed[i]
		if limited {
			vExit *= vFactor
			vEntry *= vFactor
		}
		var jerk float64
		if vExit > vEntry {
			if vEntry > 0 || vExit < 0 {
				jerk = vExit - vEntry
			} else {
				jerk = math.Max(vExit, -vEntry)
			}
		} else {
			if vEntry < 0 || vExit > 0 {
				jerk = vEntry - vExit
			} else {
				jerk = math.Max(-vExit, vEntry)
			}
		}
		if maxj := q.limits.MaxJerk[i]; jerk > maxj {
			vFactor *= maxj / jerk
			limited = true
		}
	}
	if limited {
		vmax *= vFactor
	}
	threshold := vmax * 0.99
	if q.previousSafeSpeed > threshold && safe > threshold {
		vmax = safe
	}
	return vmax
}

// recalculate runs the look-ahead over every queued block. Must be
// called with mu held.
func (q *Queue) recalculate() {
	start := time.Now()
	tail, head := q.tail.Load(), q.head.Load()
	n := q.span(tail, head)
	if n == 0 {
		return
	}
	// a busy tail pins its own entry and the entry of its successor; a
	// pinned tail outlives its discarded predecessor
	frozen := 0
	switch {
	case q.blocks[tail].Busy():
		frozen = 2
	case q.blocks[tail].pinned():
		frozen = 1
	}
	at := func(k int) *Block { return &q.blocks[(tail+uint32(k))&q.mask] }

	q.reversePass(at, n, frozen)
	q.forwardPass(at, n, frozen)
	q.recalculateTrapezoids(at, n)
	q.metrics.ObserveRecalculate(time.Since(start))
}

// reversePass walks newest to oldest so that every block can brake to the
// entry speed of the one after it.
func (q *Queue) reversePass(at func(int) *Block, n, frozen int) {
	nextEntry := q.limits.MinimumPlannerSpeed
	for k := n - 1; k >= frozen; k-- {
		cur := at(k)
		if cur.EntrySpeed != cur.MaxEntrySpeed {
			if cur.has(FlagNominalLength) || cur.MaxEntrySpeed <= nextEntry {
				cur.EntrySpeed = cur.MaxEntrySpeed
			} else {
				cur.EntrySpeed = math.Min(cur.MaxEntrySpeed,
					MaxAllowableSpeed(-cur.Acceleration, nextEntry, cur.Millimeters))
			}
			cur.Flags |= FlagRecalculate
		}
		nextEntry = cur.EntrySpeed
	}
}

// forwardPass walks oldest to newest so that no block enters faster than
// its predecessor can accelerate to.
func (q *Queue) forwardPass(at func(int) *Block, n, frozen int) {
	for k := max(1, frozen); k < n; k++ {
		prev, cur := at(k-1), at(k)
		if prev.has(FlagNominalLength) || prev.EntrySpeed >= cur.EntrySpeed {
			continue
		}
		entry := math.Min(cur.EntrySpeed,
			MaxAllowableSpeed(-prev.Acceleration, prev.EntrySpeed, prev.Millimeters))
		if entry != cur.EntrySpeed {
			cur.EntrySpeed = entry
			cur.Flags |= FlagRecalculate
		}
	}
}

// recalculateTrapezoids refreshes every block whose own entry speed or
// exit speed changed. The newest block always exits at the minimum
// planner speed.
func (q *Queue) recalculateTrapezoids(at func(int) *Block, n int) {
	minRate := q.limits.MinimalStepRate
	for k := 0; k < n; k++ {
		cur := at(k)
		if cur.Busy() {
			continue
		}
		exit := q.limits.MinimumPlannerSpeed
		if k < n-1 {
			next := at(k + 1)
			if !cur.has(FlagRecalculate) && !next.has(FlagRecalculate) {
				continue
			}
			exit = next.EntrySpeed
		}
		cur.calculateTrapezoid(cur.EntrySpeed/cur.NominalSpeed, exit/cur.NominalSpeed, minRate)
		cur.Flags &^= FlagRecalculate
	}
}

// CurrentBlock returns the oldest block and marks it busy, or nil when the
// queue is empty or the look-ahead has not settled the block and its
// successor. The block stays valid until DiscardCurrent.
func (q *Queue) CurrentBlock() *Block {
	q.mu.Lock()
	defer q.mu.Unlock()
	tail, head := q.tail.Load(), q.head.Load()
	if tail == head {
		return nil
	}
	b := &q.blocks[tail]
	if b.has(FlagRecalculate) {
		return nil
	}
	if q.span(tail, head) > 1 && q.blocks[q.next(tail)].has(FlagRecalculate) {
		return nil
	}
	b.Flags |= FlagBusy
	if q.span(tail, head) > 1 {
		q.blocks[q.next(tail)].Flags |= FlagEntryPinned
	}
	return b
}

// DiscardCurrent releases the oldest block. It does nothing on an empty
// queue.
func (q *Queue) DiscardCurrent() {
	tail := q.tail.Load()
	if tail == q.head.Load() {
		return
	}
	q.tail.Store(q.next(tail))
	q.metrics.BlockDiscarded()
	q.metrics.SetQueueDepth(q.MovesQueued())
}

// DiscardContinued drops the oldest block when it is a leading piece of
// a longer move and reports whether it did.
func (q *Queue) DiscardContinued() bool {
	q.mu.Lock()
	tail := q.tail.Load()
	ok := tail != q.head.Load() && q.blocks[tail].Continued()
	q.mu.Unlock()
	if ok {
		q.DiscardCurrent()
	}
	return ok
}

// State reports the stage of ring slot i.
func (q *Queue) State(slot int) BlockState {
	q.mu.Lock()
	defer q.mu.Unlock()
	tail, head := q.tail.Load(), q.head.Load()
	if slot < 0 || slot >= len(q.blocks) || q.span(tail, uint32(slot)) >= q.span(tail, head) {
		return StateFreed
	}
	return q.blocks[slot].State()
}

// SetPosition moves the planner to pos (mm) without planning a move. The
// junction history is cleared so the next block starts from rest.
func (q *Queue) SetPosition(pos [NumAxes]float64) {
	q.pmu.Lock()
	defer q.pmu.Unlock()
	for i, v := range pos {
		q.position[i] = int64(math.Round(v * q.limits.StepsPerMM[i]))
	}
	q.previousSpeed = [NumAxes]float64{}
	q.previousNominalSpeed = 0
	q.previousSafeSpeed = 0
}

// Position returns the planner position in mm after the last queued block.
func (q *Queue) Position() [NumAxes]float64 {
	q.pmu.Lock()
	defer q.pmu.Unlock()
	return q.positionMM()
}

func (q *Queue) positionMM() [NumAxes]float64 {
	var p [NumAxes]float64
	for i, s := range q.position {
		p[i] = float64(s) / q.limits.StepsPerMM[i]
	}
	return p
}

// Reset drops every queued block, busy or not, and returns how many were
// dropped. The consumer must not hold a block across a reset.
func (q *Queue) Reset() int {
	q.pmu.Lock()
	defer q.pmu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	head := q.head.Load()
	n := q.span(q.tail.Load(), head)
	q.tail.Store(head)
	q.previousSpeed = [NumAxes]float64{}
	q.previousNominalSpeed = 0
	q.previousSafeSpeed = 0
	q.metrics.SetQueueDepth(0)
	if n > 0 {
		q.log.WithField("blocks", n).Warn("planning queue reset")
	}
	return n
}
