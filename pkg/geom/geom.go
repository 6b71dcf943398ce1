// Package geom holds the small set of geometric types shared by the DCR model:
// angles, pixel-space displacements and the linear part of a world coordinate system.
package geom

import (
	"fmt"
	"math"
)

// Angle is an angle in radians.
type Angle float64

// Angle units.
const (
	Radian    Angle = 1
	Degree    Angle = math.Pi / 180
	Arcsecond Angle = Degree / 3600
)

// Degrees constructs an Angle from a value in degrees.
func Degrees(d float64) Angle { return Angle(d) * Degree }

// Arcseconds constructs an Angle from a value in arcseconds.
func Arcseconds(as float64) Angle { return Angle(as) * Arcsecond }

// Radians returns the angle in radians.
func (a Angle) Radians() float64 { return float64(a) }

// Degrees returns the angle in degrees.
func (a Angle) Degrees() float64 { return float64(a / Degree) }

// Arcseconds returns the angle in arcseconds.
func (a Angle) Arcseconds() float64 { return float64(a / Arcsecond) }

func (a Angle) String() string {
	return fmt.Sprintf("%.6f deg", a.Degrees())
}

// Extent2D is a displacement in pixel space.
type Extent2D struct {
	X, Y float64
}

// Scale multiplies both components by f.
func (e Extent2D) Scale(f float64) Extent2D { return Extent2D{e.X * f, e.Y * f} }

func (e Extent2D) String() string { return fmt.Sprintf("(%.4f, %.4f)", e.X, e.Y) }
