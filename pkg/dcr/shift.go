package dcr

import (
	"fmt"
	"math"

	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/geom"
	"dcrcoadd/pkg/refraction"
)

// Refractor computes the refraction at wavelength relative to wavelengthRef.
type Refractor interface {
	DifferentialRefraction(wavelength, wavelengthRef float64, elevation geom.Angle,
		obs refraction.Observatory, weather refraction.Weather) (geom.Angle, error)
}

// Shift is the DCR displacement of one subfilter. It holds one offset, or two
// when the subfilter is split; a split subfilter is shifted by each and averaged.
type Shift []geom.Extent2D

// splitWeights are the quadrature weights given to the two subfilter
// endpoints in split mode.
var splitWeights = [2]float64{0.75, 0.25}

// SubfilterWavelengths partitions the band into numSubfilters equal intervals
// and returns the [start, end] of each, in nm.
func SubfilterWavelengths(filter *exposure.FilterProperty, numSubfilters int) [][2]float64 {
	step := (filter.LambdaMax - filter.LambdaMin) / float64(numSubfilters)
	out := make([][2]float64, numSubfilters)
	for i := range out {
		wl := filter.LambdaMin + float64(i)*step
		out[i] = [2]float64{wl, wl + step}
	}
	return out
}

// CalculateDcr returns the shift in pixels of every subfilter of an exposure,
// relative to the effective wavelength of the band.
func CalculateDcr(visit *exposure.VisitInfo, wcs geom.Wcs, filter *exposure.FilterProperty,
	numSubfilters int, split bool, refractor Refractor) ([]Shift, error) {
	if filter == nil {
		return nil, ErrNoFilter
	}
	if visit == nil || wcs == nil {
		return nil, ErrMissingMetadata
	}
	if numSubfilters < 1 {
		return nil, fmt.Errorf("%w: %d subfilters", ErrSubfilterCount, numSubfilters)
	}
	if refractor == nil {
		refractor = refraction.Atmosphere{}
	}

	rotation := ImageParallacticAngle(visit, wcs).Radians()
	sinRot, cosRot := math.Sin(rotation), math.Cos(rotation)
	pixelScale := wcs.PixelScale().Arcseconds()
	toShift := func(amp float64) geom.Extent2D {
		return geom.Extent2D{X: amp * sinRot, Y: amp * cosRot}
	}

	shifts := make([]Shift, 0, numSubfilters)
	for _, wl := range SubfilterWavelengths(filter, numSubfilters) {
		var amp [2]float64
		for j := range wl {
			// Negative for subfilters redder than the effective wavelength.
			diff, err := refractor.DifferentialRefraction(wl[j], filter.LambdaEff,
				visit.BoresightAltitude, visit.Observatory, visit.Weather)
			if err != nil {
				return nil, fmt.Errorf("refraction at %.1f nm: %w", wl[j], err)
			}
			amp[j] = diff.Arcseconds() / pixelScale
		}
		if split {
			shifts = append(shifts, Shift{
				toShift(amp[0]*splitWeights[0] + amp[1]*splitWeights[1]),
				toShift(amp[0]*splitWeights[1] + amp[1]*splitWeights[0]),
			})
			continue
		}
		shifts = append(shifts, Shift{toShift((amp[0] + amp[1]) / 2)})
	}
	return shifts, nil
}

// ImageParallacticAngle returns the rotation of the image axes, East from
// North: the parallactic angle plus the rotation of the WCS. At zero, North is
// along +y and East along +x.
func ImageParallacticAngle(visit *exposure.VisitInfo, wcs geom.Wcs) geom.Angle {
	cd := wcs.CDMatrix()
	var cdAngle float64
	if wcs.IsFlipped() {
		cdAngle = (math.Atan2(-cd.At(0, 1), cd.At(0, 0)) + math.Atan2(cd.At(1, 0), cd.At(1, 1))) / 2
	} else {
		cdAngle = (math.Atan2(cd.At(0, 1), -cd.At(0, 0)) + math.Atan2(cd.At(1, 0), cd.At(1, 1))) / 2
	}
	return geom.Angle(cdAngle) + visit.BoresightParAngle
}
