// Package exposure bundles a masked image with the metadata needed to model it:
// the visit (pointing, observatory, weather), the WCS, the band and the PSF.
package exposure

import (
	"fmt"
	"image"
	"time"

	"dcrcoadd/pkg/geom"
	"dcrcoadd/pkg/maskedimage"
	"dcrcoadd/pkg/refraction"
)

// FilterProperty describes a broad band. Wavelengths are in nm.
type FilterProperty struct {
	Name      string
	LambdaEff float64
	LambdaMin float64
	LambdaMax float64
}

// Validate checks that the band is well ordered.
func (f FilterProperty) Validate() error {
	if f.LambdaMin <= 0 || f.LambdaMax <= f.LambdaMin {
		return fmt.Errorf("filter %q: invalid wavelength range [%g, %g]", f.Name, f.LambdaMin, f.LambdaMax)
	}
	if f.LambdaEff <= 0 {
		return fmt.Errorf("filter %q: invalid effective wavelength %g", f.Name, f.LambdaEff)
	}
	return nil
}

// VisitInfo is the observation metadata of one exposure.
type VisitInfo struct {
	ID   int
	Date time.Time
	// BoresightAltitude is the elevation of the pointing above the horizon.
	BoresightAltitude geom.Angle
	// BoresightParAngle is the parallactic angle at the pointing.
	BoresightParAngle geom.Angle
	Observatory       refraction.Observatory
	Weather           refraction.Weather
}

// Airmass returns the plane-parallel airmass sec(z).
func (v VisitInfo) Airmass() float64 {
	return 1 / sinAngle(v.BoresightAltitude)
}

// Exposure is a masked image with its metadata. Any metadata field may be nil.
type Exposure struct {
	MaskedImage *maskedimage.MaskedImage
	Visit       *VisitInfo
	Wcs         geom.Wcs
	Filter      *FilterProperty
	PSF         PSF
}

// BBox returns the bounding box of the pixels.
func (e *Exposure) BBox() image.Rectangle {
	return e.MaskedImage.BBox()
}
