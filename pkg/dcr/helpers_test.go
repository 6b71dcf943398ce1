package dcr

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"

	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/geom"
	"dcrcoadd/pkg/maskedimage"
	"dcrcoadd/pkg/refraction"
)

var testFilter = &exposure.FilterProperty{Name: "g", LambdaEff: 475, LambdaMin: 400, LambdaMax: 550}

// constRefractor returns the same offset for every wavelength.
type constRefractor geom.Angle

func (r constRefractor) DifferentialRefraction(float64, float64, geom.Angle, refraction.Observatory, refraction.Weather) (geom.Angle, error) {
	return geom.Angle(r), nil
}

// linearRefractor is proportional to the distance from the reference
// wavelength, positive on the blue side.
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

func gradient(bbox image.Rectangle) *maskedimage.MaskedImage {
	mi := maskedimage.New(bbox)
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		for x := bbox.Min.X; x < bbox.Max.X; x++ {
			mi.Set(x, y, 1+float64(x)+0.5*float64(y), 2, 0)
		}
	}
	return mi
}

func testVisit() *exposure.VisitInfo {
	return &exposure.VisitInfo{
		ID:                1,
		BoresightAltitude: geom.Degrees(45),
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

func mustModel(t *testing.T, coadd *maskedimage.MaskedImage, n int) *Model {
	t.Helper()
	m, err := FromImage(coadd, n, testFilter, exposure.GaussianPSF{Sigma: 1.5})
	require.NoError(t, err)
	return m
}

func mustAt(t *testing.T, m *Model, i int) *maskedimage.MaskedImage {
	t.Helper()
	img, err := m.At(i)
	require.NoError(t, err)
	return img
}
