package dish

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Position is a pointing direction in decimal degrees.
type Position struct {
	Azimuth   float64 `json:"azimuth" yaml:"azimuth"`
	Elevation float64 `json:"elevation" yaml:"elevation"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%.3f, %.3f)", p.Azimuth, p.Elevation)
}

func (p Position) offset(axis Axis, deg float64) Position {
	if axis == ElevationAxis {
		p.Elevation += deg
	} else {
		p.Azimuth += deg
	}
	return p
}

// Limits are the mechanical limits of the mount, inclusive.
type Limits struct {
	AzMin, AzMax float64
	ElMin, ElMax float64
}

// Contains reports whether p can be reached.
func (l Limits) Contains(p Position) bool {
	if math.IsNaN(p.Azimuth) || math.IsNaN(p.Elevation) {
		return false
	}
	return p.Azimuth >= l.AzMin && p.Azimuth <= l.AzMax &&
		p.Elevation >= l.ElMin && p.Elevation <= l.ElMax
}

// Sample is one power measurement at a reached position.
type Sample struct {
	Azimuth   float64
	Elevation float64
	Power     float64
	Timestamp time.Time
}

// Axis selects a motor.
type Axis int

const (
	AzimuthAxis Axis = iota
	ElevationAxis
)

func (a Axis) String() string {
	if a == AzimuthAxis {
		return "azimuth"
	}
	return "elevation"
}

// angleDiff returns the signed shortest rotation from a to b in (-180, 180].
func angleDiff(a, b float64) float64 {
	return -math.Remainder(a-b, 360)
}

var (
	// ErrOutOfRange means the target is outside the mechanical limits. No
	// command was sent.
	ErrOutOfRange = errors.New("target outside mechanical limits")
	// ErrUnreachablePosition means the dish did not settle at the target
	// within the retry budget.
	ErrUnreachablePosition = errors.New("position unreachable")
	// ErrSensorFailure means the power sensor did not produce a valid reading
	// within the retry budget.
	ErrSensorFailure = errors.New("power sensor failure")
	// ErrFaulted means the controller lost the link and refuses further
	// commands.
	ErrFaulted = errors.New("controller faulted")
)

// ControlError is returned by every controller operation that fails.
type ControlError struct {
	Op     string
	Target *Position
	Err    error
}

func (e *ControlError) Error() string {
	if e.Target != nil {
		return fmt.Sprintf("%s %v: %v", e.Op, *e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ControlError) Unwrap() error { return e.Err }
