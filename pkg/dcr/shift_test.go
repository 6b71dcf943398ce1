package dcr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/geom"
	"dcrcoadd/pkg/refraction"
)

func TestSubfilterWavelengths(t *testing.T) {
	wl := SubfilterWavelengths(testFilter, 3)
	require.Len(t, wl, 3)
	assert.InDelta(t, 400.0, wl[0][0], 1e-12)
	assert.InDelta(t, 450.0, wl[0][1], 1e-12)
	assert.InDelta(t, 450.0, wl[1][0], 1e-12)
	assert.InDelta(t, 550.0, wl[2][1], 1e-12)

	one := SubfilterWavelengths(testFilter, 1)
	assert.Equal(t, [2]float64{400, 550}, one[0])
}

func TestCalculateDcr(t *testing.T) {
	visit := testVisit()
	wcs := testWcs()
	// 0.01"/nm with 0.2" pixels: 0.05 pixel per nm from the effective wavelength.
	refractor := linearRefractor(0.01)

	t.Run("midpoint", func(t *testing.T) {
		shifts, err := CalculateDcr(visit, wcs, testFilter, 3, false, refractor)
		require.NoError(t, err)
		require.Len(t, shifts, 3)
		// Subfilter midpoints are 425, 475 and 525 nm.
		want := []float64{2.5, 0, -2.5}
		for i, s := range shifts {
			require.Len(t, s, 1)
			assert.InDelta(t, 0.0, s[0].X, 1e-9)
			assert.InDelta(t, want[i], s[0].Y, 1e-9)
		}
	})

	t.Run("split", func(t *testing.T) {
		shifts, err := CalculateDcr(visit, wcs, testFilter, 3, true, refractor)
		require.NoError(t, err)
		require.Len(t, shifts[0], 2)
		// Endpoints 400 and 450 nm give 3.75 and 1.25 pixels.
		assert.InDelta(t, 0.75*3.75+0.25*1.25, shifts[0][0].Y, 1e-9)
		assert.InDelta(t, 0.25*3.75+0.75*1.25, shifts[0][1].Y, 1e-9)
	})

	t.Run("rotation", func(t *testing.T) {
		rotated := *visit
		rotated.BoresightParAngle = geom.Degrees(90)
		shifts, err := CalculateDcr(&rotated, wcs, testFilter, 3, false, refractor)
		require.NoError(t, err)
		assert.InDelta(t, 2.5, shifts[0][0].X, 1e-9)
		assert.InDelta(t, 0.0, shifts[0][0].Y, 1e-9)
	})

	t.Run("atmosphere", func(t *testing.T) {
		shifts, err := CalculateDcr(visit, wcs, testFilter, 3, false, nil)
		require.NoError(t, err)
		// Blue light is refracted more than the effective wavelength.
		assert.Greater(t, shifts[0][0].Y, 0.0)
		assert.Less(t, shifts[2][0].Y, 0.0)
		norm := math.Hypot(shifts[0][0].X, shifts[0][0].Y)
		assert.Greater(t, norm, 0.5)
		assert.Less(t, norm, 10.0)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := CalculateDcr(visit, wcs, nil, 3, false, refractor)
		assert.ErrorIs(t, err, ErrNoFilter)
		_, err = CalculateDcr(nil, wcs, testFilter, 3, false, refractor)
		assert.ErrorIs(t, err, ErrMissingMetadata)

		low := *visit
		low.BoresightAltitude = geom.Degrees(-5)
		_, err = CalculateDcr(&low, wcs, testFilter, 3, false, nil)
		assert.ErrorIs(t, err, refraction.ErrElevation)

		uv := &exposure.FilterProperty{Name: "uv", LambdaEff: 200, LambdaMin: 150, LambdaMax: 250}
		_, err = CalculateDcr(visit, wcs, uv, 2, false, nil)
		assert.ErrorIs(t, err, refraction.ErrWavelength)
	})
}

func TestImageParallacticAngle(t *testing.T) {
	visit := &exposure.VisitInfo{BoresightParAngle: geom.Degrees(10)}
	for _, flipped := range []bool{false, true} {
		wcs := geom.NewRotatedWcs(geom.Arcseconds(0.2), geom.Degrees(30), flipped)
		got := ImageParallacticAngle(visit, wcs)
		assert.InDelta(t, 40.0, got.Degrees(), 1e-9, "flipped=%v", flipped)
	}
}
