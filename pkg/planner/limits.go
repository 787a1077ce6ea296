package planner

import (
	"math"

	"meshmotion/pkg/config"
)

// Axis indices, shared with the machine configuration.
const (
	X = config.AxisX
	Y = config.AxisY
	Z = config.AxisZ
	E = config.AxisE

	NumAxes = config.NumAxes
)

// Limits are the machine constraints the queue plans against. Speeds are
// in mm/s, accelerations in mm/s^2.
type Limits struct {
	StepsPerMM  [NumAxes]float64
	MaxFeedrate [NumAxes]float64
	MaxAccel    [NumAxes]float64
	MaxJerk     [NumAxes]float64

	Acceleration        float64
	RetractAcceleration float64
	TravelAcceleration  float64
	MinFeedrate         float64
	MinTravelFeedrate   float64
	MinimumPlannerSpeed float64
	MinimalStepRate     float64
	MinStepsPerSegment  int
}

// DefaultLimits matches a small Cartesian printer.
func DefaultLimits() Limits {
	return Limits{
		StepsPerMM:          [NumAxes]float64{80, 80, 400, 93},
		MaxFeedrate:         [NumAxes]float64{300, 300, 5, 25},
		MaxAccel:            [NumAxes]float64{3000, 3000, 100, 10000},
		MaxJerk:             [NumAxes]float64{10, 10, 0.3, 5},
		Acceleration:        3000,
		RetractAcceleration: 3000,
		TravelAcceleration:  3000,
		MinimumPlannerSpeed: 0.05,
		MinimalStepRate:     120,
		MinStepsPerSegment:  6,
	}
}

// LimitsFromConfig collects the planner and per-axis settings.
func LimitsFromConfig(m *config.Machine) Limits {
	p := m.Planner
	l := Limits{
		Acceleration:        p.Acceleration,
		RetractAcceleration: p.RetractAcceleration,
		TravelAcceleration:  p.TravelAcceleration,
		MinFeedrate:         p.MinFeedrate,
		MinTravelFeedrate:   p.MinTravelFeedrate,
		MinimumPlannerSpeed: p.MinimumPlannerSpeed,
		MinimalStepRate:     p.MinimalStepRate,
		MinStepsPerSegment:  p.MinSegmentSteps,
	}
	for i, a := range m.Axes {
		l.StepsPerMM[i] = a.StepsPerMM
		l.MaxFeedrate[i] = a.MaxVelocity
		l.MaxAccel[i] = a.MaxAccel
		l.MaxJerk[i] = a.MaxJerk
	}
	return l
}

func (l *Limits) maxAccelSteps(axis int) float64 {
	return math.Ceil(l.MaxAccel[axis] * l.StepsPerMM[axis])
}

// MaxAllowableSpeed is the speed at which a move of distance can start
// and still reach target by its end, with accel negative for braking.
func MaxAllowableSpeed(accel, target, distance float64) float64 {
	return math.Sqrt(target*target - 2*accel*distance)
}

// EstimateAccelerationDistance is the distance needed to go from initial
// to target rate at a constant accel.
func EstimateAccelerationDistance(initial, target, accel float64) float64 {
	if accel == 0 {
		return 0
	}
	return (target*target - initial*initial) / (2 * accel)
}

// IntersectionDistance is where to stop accelerating from initial and
// start braking to final when no cruise phase fits in distance.
func IntersectionDistance(initial, final, accel, distance float64) float64 {
	if accel == 0 {
		return 0
	}
	return (2*accel*distance - initial*initial + final*final) / (4 * accel)
}
