package coadd

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/maskedimage"
)

func TestMedian(t *testing.T) {
	tests := []struct {
		values []float64
		want   float64
	}{
		{nil, 0},
		{[]float64{3}, 3},
		{[]float64{5, 1, 3}, 3},
		{[]float64{4, 1, 3, 2}, 2.5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, median(tt.values))
	}

	values := []float64{3, 1, 2}
	median(values)
	assert.Equal(t, []float64{3, 1, 2}, values, "input must not be reordered")
}

func TestCalculateGain(t *testing.T) {
	t.Run("base", func(t *testing.T) {
		cases := []struct {
			params Params
			want   float64
		}{
			{Params{NumSubfilters: 3}, 0.5},
			{Params{NumSubfilters: 5}, 0.25},
			{Params{NumSubfilters: 1}, 1},
			{Params{NumSubfilters: 3, BaseGain: 0.7}, 0.7},
		}
		for _, c := range cases {
			a := &Assembler{params: &c.params}
			assert.InDelta(t, c.want, a.calculateGain([]float64{1}, nil), 1e-12)
		}
	})

	t.Run("progressive", func(t *testing.T) {
		a := &Assembler{params: &Params{NumSubfilters: 3, UseProgressiveGain: true}}
		// Too little history to extrapolate.
		assert.InDelta(t, 0.5, a.calculateGain([]float64{1, 0.5}, []float64{0.5}), 1e-12)

		// Both estimates of the final convergence clip to zero, so the
		// prediction is 1/3 against an observed 0.3.
		got := a.calculateGain([]float64{1, 0.5, 0.3}, []float64{0.5, 0.5})
		delta := (1.0/3 - 0.3) / 0.5
		assert.InDelta(t, (1-delta+0.5)/2, got, 1e-12)

		// A poor iteration never drops the gain below the base.
		got = a.calculateGain([]float64{1, 0.9, 0.1}, []float64{0.5, 0.5})
		assert.GreaterOrEqual(t, got, 0.5)
	})

	t.Run("fixed", func(t *testing.T) {
		a := &Assembler{params: &Params{NumSubfilters: 3}}
		assert.InDelta(t, 0.5, a.calculateGain([]float64{1, 0.5, 0.3}, []float64{0.5, 0.5}), 1e-12)
	})
}

func TestSingleConvergence(t *testing.T) {
	bbox := image.Rect(0, 0, 3, 2)
	exp := filled(bbox, 2, 1)
	template := filled(bbox, 1, 1)
	sig := mat.NewDense(2, 3, []float64{1, 1, 1, 1, 1, 1})

	assert.InDelta(t, 2.0/3, singleConvergence(exp, template, sig, 0, 0), 1e-12)

	// Significance weights each pixel.
	exp.Set(0, 0, 4, 1, 0)
	sig.Set(0, 0, 0)
	assert.InDelta(t, 2.0/3, singleConvergence(exp, template, sig, 0, 0), 1e-12)

	// Masked and padded pixels are ignored.
	exp.Set(1, 0, 100, 1, maskedimage.Bad)
	template.Mask().Set(2, 0, maskedimage.NoData)
	template.Set(0, 1, math.NaN(), 1, 0)
	assert.InDelta(t, 2.0/3, singleConvergence(exp, template, sig, maskedimage.Bad, 0), 1e-12)

	// Restricted to detected pixels.
	exp.Set(1, 1, 3, 1, maskedimage.Detected)
	assert.InDelta(t, 1.0, singleConvergence(exp, template, sig, maskedimage.Bad, maskedimage.Detected), 1e-12)

	assert.True(t, math.IsNaN(singleConvergence(exp, template, sig, maskedimage.Bad, maskedimage.Sat)))
}

func TestExposureWeights(t *testing.T) {
	bbox := image.Rect(0, 0, 4, 4)
	a := filled(bbox, 1, 2)
	b := filled(bbox, 1, 4)
	b.Set(0, 0, 1, 1000, maskedimage.Bad)
	dead := filled(bbox, 1, 0)

	weights, err := exposureWeights([]*exposure.Exposure{
		{MaskedImage: a}, {MaskedImage: b}, {MaskedImage: dead},
	}, bbox, maskedimage.Bad)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.25, 0}, weights, 1e-12)

	_, err = exposureWeights([]*exposure.Exposure{{MaskedImage: dead}}, bbox, 0)
	assert.ErrorIs(t, err, ErrNoWeight)
}
