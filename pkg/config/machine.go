package config

import (
	"math/bits"
	"strings"
)

// Axis order used across the machine settings.
const (
	AxisX = iota
	AxisY
	AxisZ
	AxisE
	NumAxes
)

// AxisSections maps axis index to config section name.
var AxisSections = [NumAxes]string{"stepper_x", "stepper_y", "stepper_z", "extruder"}

// MeshSettings holds the [bed_mesh] section.
type MeshSettings struct {
	MinX, MinY  float64
	MaxX, MaxY  float64
	NX, NY      int
	FadeHeight  float64
	StoragePath string // empty keeps slots in memory
	StorageSize int    // bytes
	ArchivePath string // empty disables the snapshot archive
}

// PlannerSettings holds the [planner] section.
type PlannerSettings struct {
	BufferSize          int
	MinSegmentSteps     int
	MinimumPlannerSpeed float64
	MinimalStepRate     float64
	MinFeedrate         float64
	MinTravelFeedrate   float64
	Acceleration        float64
	RetractAcceleration float64
	TravelAcceleration  float64
}

// AxisSettings holds one [stepper_*] or [extruder] section.
type AxisSettings struct {
	Name        string
	StepsPerMM  float64
	PositionMin float64
	PositionMax float64
	MaxVelocity float64 // mm/s
	MaxAccel    float64 // mm/s^2
	MaxJerk     float64 // mm/s
}

type MonitorSettings struct {
	Address  string
	Username string
	Password string
}

type SerialSettings struct {
	Port string
	Baud int
}

// Machine is the typed view of a configuration file.
type Machine struct {
	Mesh    MeshSettings
	Planner PlannerSettings
	Axes    [NumAxes]AxisSettings
	Monitor *MonitorSettings // nil when [monitor] is absent
	Serial  *SerialSettings  // nil when [serial] is absent
}

var axisDefaults = [NumAxes]AxisSettings{
	{StepsPerMM: 80, PositionMin: 0, PositionMax: 200, MaxVelocity: 300, MaxAccel: 3000, MaxJerk: 10},
	{StepsPerMM: 80, PositionMin: 0, PositionMax: 200, MaxVelocity: 300, MaxAccel: 3000, MaxJerk: 10},
	{StepsPerMM: 400, PositionMin: -5, PositionMax: 200, MaxVelocity: 5, MaxAccel: 100, MaxJerk: 0.3},
	{StepsPerMM: 93, PositionMin: -1e9, PositionMax: 1e9, MaxVelocity: 25, MaxAccel: 10000, MaxJerk: 5},
}

func ptr[T any](v T) *T { return &v }

// LoadMachine reads every section meshmotion understands. Missing optional
// sections fall back to defaults; [bed_mesh] is required.
func LoadMachine(cfg *Config) (*Machine, error) {
	m := &Machine{}
	var err error
	if m.Mesh, err = loadMesh(cfg); err != nil {
		return nil, err
	}
	if m.Planner, err = loadPlanner(cfg); err != nil {
		return nil, err
	}
	for i, name := range AxisSections {
		if m.Axes[i], err = loadAxis(cfg, name, axisDefaults[i]); err != nil {
			return nil, err
		}
	}
	if sec := cfg.GetSectionOptional("monitor"); sec != nil {
		mon := &MonitorSettings{}
		if mon.Address, err = sec.Get("address", "127.0.0.1:7125"); err != nil {
			return nil, err
		}
		if mon.Username, err = sec.Get("username", ""); err != nil {
			return nil, err
		}
		if mon.Password, err = sec.Get("password", ""); err != nil {
			return nil, err
		}
		m.Monitor = mon
	}
	if sec := cfg.GetSectionOptional("serial"); sec != nil {
		ser := &SerialSettings{}
		if ser.Port, err = sec.Get("port"); err != nil {
			return nil, err
		}
		if ser.Baud, err = sec.GetIntWithBounds("baud", ptr(1200), nil, 250000); err != nil {
			return nil, err
		}
		m.Serial = ser
	}
	return m, nil
}

func loadPair(sec *Section, option string) (float64, float64, error) {
	vals, err := sec.GetFloatList(option, ",")
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, ErrInvalidValue(sec.GetName(), option, strings.TrimSpace(sec.options[option]), "two comma separated values")
	}
	return vals[0], vals[1], nil
}

func loadMesh(cfg *Config) (MeshSettings, error) {
	var s MeshSettings
	sec, err := cfg.GetSection("bed_mesh")
	if err != nil {
		return s, err
	}
	if s.MinX, s.MinY, err = loadPair(sec, "mesh_min"); err != nil {
		return s, err
	}
	if s.MaxX, s.MaxY, err = loadPair(sec, "mesh_max"); err != nil {
		return s, err
	}
	if s.MaxX <= s.MinX || s.MaxY <= s.MinY {
		return s, NewConfigError("bed_mesh", "mesh_max", "must be greater than mesh_min on both axes")
	}
	counts, err := sec.GetIntList("probe_count", ",", []int{3, 3})
	if err != nil {
		return s, err
	}
	switch len(counts) {
	case 1:
		s.NX, s.NY = counts[0], counts[0]
	case 2:
		s.NX, s.NY = counts[0], counts[1]
	default:
		return s, ErrInvalidValue("bed_mesh", "probe_count", sec.options["probe_count"], "one or two integers")
	}
	for _, n := range []int{s.NX, s.NY} {
		if n < 2 || n > 16 {
			return s, ErrOutOfRange("bed_mesh", "probe_count", float64(n), "must be between 2 and 16")
		}
	}
	if s.FadeHeight, err = sec.GetFloatWithBounds("fade_height", FloatBounds{MinVal: ptr(0.0)}, 0); err != nil {
		return s, err
	}
	if s.StoragePath, err = sec.Get("storage_path", ""); err != nil {
		return s, err
	}
	if s.StorageSize, err = sec.GetIntWithBounds("storage_size", ptr(0), nil, 4096); err != nil {
		return s, err
	}
	if s.ArchivePath, err = sec.Get("archive_path", ""); err != nil {
		return s, err
	}
	return s, nil
}

func loadPlanner(cfg *Config) (PlannerSettings, error) {
	s := PlannerSettings{
		BufferSize:          16,
		MinSegmentSteps:     6,
		MinimumPlannerSpeed: 0.05,
		MinimalStepRate:     120,
		Acceleration:        3000,
		RetractAcceleration: 3000,
		TravelAcceleration:  3000,
	}
	sec := cfg.GetSectionOptional("planner")
	if sec == nil {
		return s, nil
	}
	var err error
	if s.BufferSize, err = sec.GetIntWithBounds("buffer_size", ptr(4), ptr(256), s.BufferSize); err != nil {
		return s, err
	}
	if bits.OnesCount(uint(s.BufferSize)) != 1 {
		return s, ErrOutOfRange("planner", "buffer_size", float64(s.BufferSize), "must be a power of two")
	}
	if s.MinSegmentSteps, err = sec.GetIntWithBounds("min_segment_steps", ptr(1), nil, s.MinSegmentSteps); err != nil {
		return s, err
	}
	positive := FloatBounds{Above: ptr(0.0)}
	nonNegative := FloatBounds{MinVal: ptr(0.0)}
	for _, f := range []struct {
		option string
		dst    *float64
		bounds FloatBounds
	}{
		{"minimum_planner_speed", &s.MinimumPlannerSpeed, positive},
		{"minimal_step_rate", &s.MinimalStepRate, positive},
		{"min_feedrate", &s.MinFeedrate, nonNegative},
		{"min_travel_feedrate", &s.MinTravelFeedrate, nonNegative},
		{"acceleration", &s.Acceleration, positive},
		{"retract_acceleration", &s.RetractAcceleration, positive},
		{"travel_acceleration", &s.TravelAcceleration, positive},
	} {
		if *f.dst, err = sec.GetFloatWithBounds(f.option, f.bounds, *f.dst); err != nil {
			return s, err
		}
	}
	return s, nil
}

// loadAxis accepts either steps_per_mm directly or the rotation_distance,
// microsteps and full_steps_per_rotation triple.
func loadAxis(cfg *Config, name string, def AxisSettings) (AxisSettings, error) {
	s := def
	s.Name = name
	sec := cfg.GetSectionOptional(name)
	if sec == nil {
		return s, nil
	}
	var err error
	positive := FloatBounds{Above: ptr(0.0)}
	if sec.HasOption("rotation_distance") {
		rot, err := sec.GetFloatWithBounds("rotation_distance", positive)
		if err != nil {
			return s, err
		}
		micro, err := sec.GetIntWithBounds("microsteps", ptr(1), nil, 16)
		if err != nil {
			return s, err
		}
		full, err := sec.GetIntWithBounds("full_steps_per_rotation", ptr(1), nil, 200)
		if err != nil {
			return s, err
		}
		s.StepsPerMM = float64(micro*full) / rot
	} else if s.StepsPerMM, err = sec.GetFloatWithBounds("steps_per_mm", positive, s.StepsPerMM); err != nil {
		return s, err
	}
	if s.PositionMin, err = sec.GetFloat("position_min", s.PositionMin); err != nil {
		return s, err
	}
	if s.PositionMax, err = sec.GetFloat("position_max", s.PositionMax); err != nil {
		return s, err
	}
	if s.PositionMax <= s.PositionMin {
		return s, NewConfigError(name, "position_max", "must be greater than position_min")
	}
	if s.MaxVelocity, err = sec.GetFloatWithBounds("max_velocity", positive, s.MaxVelocity); err != nil {
		return s, err
	}
	if s.MaxAccel, err = sec.GetFloatWithBounds("max_accel", positive, s.MaxAccel); err != nil {
		return s, err
	}
	if s.MaxJerk, err = sec.GetFloatWithBounds("max_jerk", FloatBounds{MinVal: ptr(0.0)}, s.MaxJerk); err != nil {
		return s, err
	}
	return s, nil
}
