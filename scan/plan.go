// Package scan runs rectangular az/el sweeps, reading RF power at each grid
// point and writing every sample through to a recorder as it is taken.
package scan

import (
	"errors"
	"fmt"
	"math"

	"github.com/w1xm/dish_interface/dish"
)

// ErrConfigInvalid means the plan was rejected before any hardware I/O.
var ErrConfigInvalid = errors.New("invalid scan plan")

// MaxPoints bounds the size of a single sweep.
const MaxPoints = 1_000_000

// Relative slack on span/step so that float noise in an exact multiple does
// not add a point.
const stepEpsilon = 1e-9

// Plan is a rectangular sweep in degrees.
type Plan struct {
	AzStart float64 `yaml:"az_start" json:"az_start"`
	AzEnd   float64 `yaml:"az_end" json:"az_end"`
	ElStart float64 `yaml:"el_start" json:"el_start"`
	ElEnd   float64 `yaml:"el_end" json:"el_end"`
	Step    float64 `yaml:"step" json:"step"`
}

// Normalize returns p with reversed bounds swapped.
func (p Plan) Normalize() Plan {
	if p.AzStart > p.AzEnd {
		p.AzStart, p.AzEnd = p.AzEnd, p.AzStart
	}
	if p.ElStart > p.ElEnd {
		p.ElStart, p.ElEnd = p.ElEnd, p.ElStart
	}
	return p
}

// Validate checks a normalized plan.
func (p Plan) Validate() error {
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"az_start", p.AzStart},
		{"az_end", p.AzEnd},
		{"el_start", p.ElStart},
		{"el_end", p.ElEnd},
		{"step", p.Step},
	} {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return fmt.Errorf("%w: %s is %v", ErrConfigInvalid, v.name, v.value)
		}
	}
	if p.Step <= 0 {
		return fmt.Errorf("%w: step %v must be positive", ErrConfigInvalid, p.Step)
	}
	if p.AzStart > p.AzEnd || p.ElStart > p.ElEnd {
		return fmt.Errorf("%w: start after end", ErrConfigInvalid)
	}
	az := axisCount(p.AzStart, p.AzEnd, p.Step)
	el := axisCount(p.ElStart, p.ElEnd, p.Step)
	if az*el > MaxPoints {
		return fmt.Errorf("%w: %v x %v points exceeds %d", ErrConfigInvalid, az, el, MaxPoints)
	}
	return nil
}

// axisCount is ceil(span/step)+1. A quotient within rounding error of a
// whole number of steps counts as that number, so 0..1 by 0.1 is 11 values.
func axisCount(start, end, step float64) float64 {
	q := (end - start) / step
	if r := math.Round(q); r >= 1 && math.Abs(q-r) <= stepEpsilon*r {
		return r + 1
	}
	return math.Ceil(q) + 1
}

func axisValues(start, end, step float64) []float64 {
	n := int(axisCount(start, end, step))
	values := make([]float64, n)
	for i := range values {
		values[i] = start + float64(i)*step
	}
	values[n-1] = end
	return values
}

// Len returns the number of grid points of a valid plan.
func (p Plan) Len() int {
	return int(axisCount(p.AzStart, p.AzEnd, p.Step) * axisCount(p.ElStart, p.ElEnd, p.Step))
}

// Points returns the grid in row-major order: elevation rows ascending, each
// swept in ascending azimuth. The last value on each axis is clamped to the
// end bound. p must be valid.
func (p Plan) Points() []dish.Position {
	azs := axisValues(p.AzStart, p.AzEnd, p.Step)
	els := axisValues(p.ElStart, p.ElEnd, p.Step)
	points := make([]dish.Position, 0, len(azs)*len(els))
	for _, el := range els {
		for _, az := range azs {
			points = append(points, dish.Position{Azimuth: az, Elevation: el})
		}
	}
	return points
}
