package interpolation

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"dcrcoadd/pkg/maskedimage"
)

func constantImage(bbox image.Rectangle, value float64) *maskedimage.MaskedImage {
	mi := maskedimage.New(bbox)
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		for x := bbox.Min.X; x < bbox.Max.X; x++ {
			mi.Set(x, y, value, 2, 0)
		}
	}
	return mi
}

// TestVariogramModels verifies the three variogram models (Spherical, Exponential, Gaussian)
func TestVariogramModels(t *testing.T) {
	samples := []Point{{X: 0, Y: 0}}
	for _, tt := range []struct {
		model VariogramModel
		h     float64
		want  float64
	}{
		{Spherical, 0, 0},
		{Spherical, 5, 2 * (1.5*0.5 - 0.5*0.125)},
		{Spherical, 20, 2},
		{Exponential, 10, 2 * (1 - math.Exp(-3))},
		{Gaussian, 10, 2 * (1 - math.Exp(-3))},
	} {
		k, err := NewKriging(samples, KrigingParams{Range: 10, Sill: 2, Model: tt.model, Neighbors: 1})
		require.NoError(t, err)
		assert.InDelta(t, tt.want, k.variogram(tt.h), 1e-12, "model %d at %g", tt.model, tt.h)
	}
}

func TestNewKrigingErrors(t *testing.T) {
	_, err := NewKriging(nil, DefaultKrigingParams())
	assert.ErrorIs(t, err, ErrNoSamples)

	_, err = NewKriging([]Point{{}}, KrigingParams{Range: 0})
	assert.Error(t, err)
}

func TestWeightsSumToOne(t *testing.T) {
	var samples []Point
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			if x == 2 && y == 3 {
				continue
			}
			samples = append(samples, Point{X: float64(x), Y: float64(y), Value: 1})
		}
	}
	for _, model := range []VariogramModel{Spherical, Exponential, Gaussian} {
		params := DefaultKrigingParams()
		params.Model = model
		k, err := NewKriging(samples, params)
		require.NoError(t, err)

		pts, weights := k.Weights(2, 3)
		assert.Len(t, pts, params.Neighbors)
		assert.InDelta(t, 1.0, floats.Sum(weights), 1e-9)
	}
}

func TestInverseDistanceWeights(t *testing.T) {
	pts := []Point{{X: 1, Y: 0}, {X: 0, Y: 2}}
	w := inverseDistanceWeights(pts, Point{})
	assert.InDeltaSlice(t, []float64{0.8, 0.2}, w, 1e-12)

	w = inverseDistanceWeights(pts, Point{X: 0, Y: 2})
	assert.Equal(t, []float64{0, 1}, w)
}

func TestFillMasked(t *testing.T) {
	bbox := image.Rect(10, 5, 22, 15)
	img := constantImage(bbox, 7)
	for y := 8; y < 11; y++ {
		for x := 14; x < 17; x++ {
			img.Set(x, y, 0, 0, maskedimage.NoData)
		}
	}
	img.Set(20, 13, math.NaN(), 2, 0)
	// Excluded pixels are not used as samples.
	img.Set(11, 6, 1000, 2, maskedimage.Bad)

	n, err := FillMasked(img, maskedimage.NoData, maskedimage.Bad, maskedimage.Intrp, DefaultKrigingParams())
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	for y := 8; y < 11; y++ {
		for x := 14; x < 17; x++ {
			assert.InDelta(t, 7.0, img.At(x, y), 1e-9)
			assert.Equal(t, maskedimage.Intrp, img.Mask().Get(x, y))
		}
	}
	assert.InDelta(t, 7.0, img.At(20, 13), 1e-9)
	assert.Greater(t, img.Variance().At(13-5, 20-10), 0.0)
	assert.Equal(t, 1000.0, img.At(11, 6))
	assert.Equal(t, 0, img.Mask().Count(maskedimage.NoData))
}

func TestFillMaskedNothingToDo(t *testing.T) {
	img := constantImage(image.Rect(0, 0, 3, 3), 1)
	n, err := FillMasked(img, maskedimage.NoData, 0, maskedimage.Intrp, DefaultKrigingParams())
	require.NoError(t, err)
	assert.Zero(t, n)

	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			img.Set(x, y, 0, 0, maskedimage.NoData)
		}
	}
	_, err = FillMasked(img, maskedimage.NoData, 0, maskedimage.Intrp, DefaultKrigingParams())
	assert.ErrorIs(t, err, ErrNoSamples)
}
