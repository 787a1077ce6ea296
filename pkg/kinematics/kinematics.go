// Package kinematics checks motion requests against machine travel and
// the Z axis speed limit before they are segmented.
package kinematics

import (
	"fmt"
	"math"

	"meshmotion/pkg/errors"
)

// Move is a straight line between two XYZ points. MaxCruiseV starts at
// the requested feed rate and is lowered by CheckMove.
type Move struct {
	StartPos   [3]float64
	EndPos     [3]float64
	AxesD      [3]float64
	MoveD      float64
	MaxCruiseV float64
	MaxAccel   float64
}

// NewMove computes the axis deltas of a move.
func NewMove(start, end [3]float64, speed float64) *Move {
	m := &Move{StartPos: start, EndPos: end, MaxCruiseV: speed, MaxAccel: math.Inf(1)}
	for i := range m.AxesD {
		m.AxesD[i] = end[i] - start[i]
	}
	m.MoveD = math.Sqrt(m.AxesD[0]*m.AxesD[0] + m.AxesD[1]*m.AxesD[1] + m.AxesD[2]*m.AxesD[2])
	return m
}

// LimitSpeed reduces the maximum speed and acceleration of the move.
func (m *Move) LimitSpeed(maxV, maxA float64) {
	m.MaxCruiseV = math.Min(m.MaxCruiseV, maxV)
	m.MaxAccel = math.Min(m.MaxAccel, maxA)
}

// Rail is one linear axis.
type Rail struct {
	Name        string
	StepsPerMM  float64
	PositionMin float64
	PositionMax float64
}

// Kinematics is the interface the segmentation engine validates against.
type Kinematics interface {
	GetType() string
	CheckMove(move *Move) error
	SetPosition(newPos [3]float64, homingAxes string)
	ClearHomingState(clearAxes string)
	GetStatus() map[string]interface{}
}

var unhomed = [2]float64{1.0, -1.0}

// BaseKinematics tracks per-axis travel limits and homing state. An axis
// is homed when its limit pair is ordered.
type BaseKinematics struct {
	Rails        [3]Rail
	Limits       [3][2]float64
	MaxZVelocity float64
	MaxZAccel    float64
}

func NewBaseKinematics(rails [3]Rail, maxZVelocity, maxZAccel float64) *BaseKinematics {
	bk := &BaseKinematics{Rails: rails, MaxZVelocity: maxZVelocity, MaxZAccel: maxZAccel}
	for i := range bk.Limits {
		bk.Limits[i] = unhomed
	}
	return bk
}

// SetPosition marks the given axes homed.
func (bk *BaseKinematics) SetPosition(newPos [3]float64, homingAxes string) {
	for _, name := range homingAxes {
		if axis := axisIndex(name); axis >= 0 {
			bk.Limits[axis] = [2]float64{bk.Rails[axis].PositionMin, bk.Rails[axis].PositionMax}
		}
	}
}

func (bk *BaseKinematics) ClearHomingState(clearAxes string) {
	for _, name := range clearAxes {
		if axis := axisIndex(name); axis >= 0 {
			bk.Limits[axis] = unhomed
		}
	}
}

// CheckEndstops rejects a move whose moving axes end outside travel.
func (bk *BaseKinematics) CheckEndstops(move *Move) error {
	for i := range bk.Limits {
		if move.AxesD[i] == 0.0 {
			continue
		}
		lim := bk.Limits[i]
		end := move.EndPos[i]
		if end >= lim[0] && end <= lim[1] {
			continue
		}
		if lim[0] > lim[1] {
			return errors.MoveRejected(fmt.Sprintf("must home axis %s first", bk.Rails[i].Name)).
				SetContext("axis", i)
		}
		return errors.MoveRejected(fmt.Sprintf("move out of range: %.3f %.3f %.3f", move.EndPos[0], move.EndPos[1], move.EndPos[2])).
			SetContext("axis", i)
	}
	return nil
}

// CheckZMove applies Z-axis speed limits if the move includes Z movement.
func (bk *BaseKinematics) CheckZMove(move *Move) {
	if move.AxesD[2] == 0.0 {
		return
	}
	zRatio := move.MoveD / math.Abs(move.AxesD[2])
	move.LimitSpeed(bk.MaxZVelocity*zRatio, bk.MaxZAccel*zRatio)
}

func (bk *BaseKinematics) GetStatus() map[string]interface{} {
	homed := ""
	var axisMin, axisMax [3]float64
	for i, lim := range bk.Limits {
		if lim[0] <= lim[1] {
			homed += string(rune('x' + i))
		}
		axisMin[i] = bk.Rails[i].PositionMin
		axisMax[i] = bk.Rails[i].PositionMax
	}
	return map[string]interface{}{
		"homed_axes":   homed,
		"axis_minimum": axisMin,
		"axis_maximum": axisMax,
	}
}

func axisIndex(name rune) int {
	switch name {
	case 'x', 'X':
		return 0
	case 'y', 'Y':
		return 1
	case 'z', 'Z':
		return 2
	}
	return -1
}
