package kinematics

// Cartesian maps each rail directly onto one axis.
type Cartesian struct {
	*BaseKinematics
}

func NewCartesian(rails [3]Rail, maxZVelocity, maxZAccel float64) *Cartesian {
	return &Cartesian{BaseKinematics: NewBaseKinematics(rails, maxZVelocity, maxZAccel)}
}

func (ck *Cartesian) GetType() string {
	return "cartesian"
}

// CheckMove validates a move and applies the Z speed limit. XY-only moves
// inside the homed limits skip the per-axis walk.
func (ck *Cartesian) CheckMove(move *Move) error {
	x, y := move.EndPos[0], move.EndPos[1]
	if x < ck.Limits[0][0] || x > ck.Limits[0][1] || y < ck.Limits[1][0] || y > ck.Limits[1][1] {
		if err := ck.CheckEndstops(move); err != nil {
			return err
		}
	}
	if move.AxesD[2] == 0.0 {
		return nil
	}
	if err := ck.CheckEndstops(move); err != nil {
		return err
	}
	ck.CheckZMove(move)
	return nil
}
