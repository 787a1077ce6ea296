package planner

import "math"

// Flags carried by a block.
const (
	FlagRecalculate uint8 = 1 << iota
	FlagNominalLength
	FlagBusy
	FlagContinued
	// FlagEntryPinned marks a block whose predecessor went busy; its entry
	// speed is what the consumer exits at and never changes again.
	FlagEntryPinned
)

// BlockState is the lifecycle stage of a queue slot.
type BlockState int

const (
	StatePending BlockState = iota
	StateRecalculated
	StateBusy
	StateFreed
)

func (s BlockState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRecalculated:
		return "recalculated"
	case StateBusy:
		return "busy"
	case StateFreed:
		return "freed"
	}
	return "unknown"
}

// Block is one planned linear move in step space. Speeds are in mm/s,
// rates in steps/s.
type Block struct {
	Steps          [NumAxes]uint32
	StepEventCount uint32
	DirectionBits  uint8 // bit set for a negative move on that axis

	Millimeters   float64
	NominalSpeed  float64
	EntrySpeed    float64
	MaxEntrySpeed float64
	Acceleration  float64 // mm/s^2

	NominalRate            uint32
	InitialRate            uint32
	FinalRate              uint32
	AccelerationStepsPerS2 uint32
	AccelerateUntil        uint32
	DecelerateAfter        uint32

	Tool  int
	Flags uint8

	// StepsDone belongs to the consumer once the block is busy.
	StepsDone uint32
}

func (b *Block) has(flag uint8) bool { return b.Flags&flag != 0 }

func (b *Block) Busy() bool      { return b.has(FlagBusy) }
func (b *Block) Continued() bool { return b.has(FlagContinued) }
func (b *Block) pinned() bool    { return b.has(FlagEntryPinned) }

// Negative reports whether the block moves axis towards its minimum.
func (b *Block) Negative(axis int) bool {
	return b.DirectionBits&(1<<axis) != 0
}

// State derives the lifecycle stage from the flags of a live block.
func (b *Block) State() BlockState {
	switch {
	case b.has(FlagBusy):
		return StateBusy
	case b.has(FlagRecalculate):
		return StatePending
	}
	return StateRecalculated
}

// calculateTrapezoid lays out the acceleration, cruise and braking phases
// for entry and exit speeds given as fractions of the nominal speed.
func (b *Block) calculateTrapezoid(entryFactor, exitFactor, minRate float64) {
	nominal := float64(b.NominalRate)
	initial := math.Max(math.Ceil(nominal*entryFactor), minRate)
	final := math.Max(math.Ceil(nominal*exitFactor), minRate)
	accel := float64(b.AccelerationStepsPerS2)
	count := float64(b.StepEventCount)

	accelSteps := math.Max(0, math.Ceil(EstimateAccelerationDistance(initial, nominal, accel)))
	decelSteps := math.Max(0, math.Floor(EstimateAccelerationDistance(nominal, final, -accel)))
	plateau := count - accelSteps - decelSteps

	// no room to reach nominal: brake from the point the two ramps meet
	if plateau < 0 {
		accelSteps = math.Ceil(IntersectionDistance(initial, final, accel, count))
		accelSteps = math.Min(math.Max(accelSteps, 0), count)
		plateau = 0
	}

	b.AccelerateUntil = uint32(accelSteps)
	b.DecelerateAfter = uint32(accelSteps + plateau)
	b.InitialRate = uint32(initial)
	b.FinalRate = uint32(final)
}
