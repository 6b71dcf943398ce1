package coadd

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"dcrcoadd/pkg/dcr"
	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/geom"
	"dcrcoadd/pkg/maskedimage"
	"dcrcoadd/pkg/refraction"
)

var testFilter = &exposure.FilterProperty{Name: "g", LambdaEff: 475, LambdaMin: 400, LambdaMax: 550}

// linearRefractor offsets each wavelength by r arcseconds per nm from the
// reference wavelength.
type linearRefractor float64

func (r linearRefractor) DifferentialRefraction(wl, ref float64, _ geom.Angle, _ refraction.Observatory, _ refraction.Weather) (geom.Angle, error) {
	return geom.Arcseconds((ref - wl) * float64(r)), nil
}

func filled(bbox image.Rectangle, value, variance float64) *maskedimage.MaskedImage {
	mi := maskedimage.New(bbox)
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		for x := bbox.Min.X; x < bbox.Max.X; x++ {
			mi.Set(x, y, value, variance, 0)
		}
	}
	return mi
}

// integerGradient has values that survive halving and summing exactly.
func integerGradient(bbox image.Rectangle) *maskedimage.MaskedImage {
	mi := maskedimage.New(bbox)
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		for x := bbox.Min.X; x < bbox.Max.X; x++ {
			mi.Set(x, y, float64(10+2*x+4*y), 1, 0)
		}
	}
	return mi
}

// blob adds a circular Gaussian source to the value plane of mi.
func blob(mi *maskedimage.MaskedImage, cx, cy, sigma, amplitude float64) {
	bbox := mi.BBox()
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		row := mi.ImageRow(y)
		for x := range row {
			dx, dy := float64(bbox.Min.X+x)-cx, float64(y)-cy
			row[x] += amplitude * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
		}
	}
}

func testVisit(id int, parAngle float64) *exposure.VisitInfo {
	return &exposure.VisitInfo{
		ID:                id,
		BoresightAltitude: geom.Degrees(50),
		BoresightParAngle: geom.Degrees(parAngle),
		Observatory: refraction.Observatory{
			Longitude: geom.Degrees(-70.7),
			Latitude:  geom.Degrees(-30.2),
			Elevation: 2663,
		},
	}
}

func testWcs() geom.Wcs {
	return geom.NewRotatedWcs(geom.Arcseconds(0.2), 0, false)
}

// simulate observes truth at each parallactic angle.
func simulate(t *testing.T, truth *dcr.Model, refractor dcr.Refractor, parAngles ...float64) []*exposure.Exposure {
	t.Helper()
	exposures := make([]*exposure.Exposure, len(parAngles))
	for i, pa := range parAngles {
		exp, err := truth.BuildMatchedExposure(dcr.TemplateParams{
			Visit:     testVisit(i+1, pa),
			BBox:      truth.BBox(),
			Wcs:       testWcs(),
			Refractor: refractor,
		})
		require.NoError(t, err)
		exposures[i] = exp
	}
	return exposures
}

// chromaticTruth is a two subfilter model with a blue and a red source on a
// flat background.
func chromaticTruth(t *testing.T, bbox image.Rectangle) *dcr.Model {
	t.Helper()
	blue := filled(bbox, 10, 1)
	blob(blue, 10, 11, 1.5, 100)
	red := filled(bbox, 10, 1)
	blob(red, 15, 13, 1.5, 60)
	m, err := dcr.New([]*maskedimage.MaskedImage{blue, red}, testFilter, exposure.GaussianPSF{Sigma: 1.5})
	require.NoError(t, err)
	return m
}

func mustAt(t *testing.T, m *dcr.Model, i int) *maskedimage.MaskedImage {
	t.Helper()
	img, err := m.At(i)
	require.NoError(t, err)
	return img
}
